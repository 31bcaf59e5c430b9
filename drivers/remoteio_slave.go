package drivers

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/julienschmidt/httprouter"
	"github.com/pkg/errors"
)

const remoteIoSlaveDriverName = "remoteio_slave"
const httpTimeoutsMs = 3000

// measure requests must finish inside the server write timeout
const maxRemoteMeasureMs = 2000
const defaultRemoteMeasureMs = 1000

// RemoteIoSlave exposes a local hardware driver over http so a RemoteIO
// on another host can reach its pins. With no DriverName configured it
// owns a GpIO of its own, claiming the pins listed in Inputs/Outputs.
type RemoteIoSlave struct {
	Token      string
	HttpAddr   string
	DriverName string
	Inputs     []uint16
	Outputs    []uint16

	backing     IoDriver
	ownsBacking bool
	ready       bool
	server      *http.Server

	serverErr chan error
}

// AttachDriver points the slave at an already configured driver instead
// of letting it open a GpIO of its own.
func (ris *RemoteIoSlave) AttachDriver(driver IoDriver) {
	ris.backing = driver
	ris.ownsBacking = false
}

func (ris *RemoteIoSlave) String() string {
	return remoteIoSlaveDriverName
}

func (ris *RemoteIoSlave) IsReady() bool {
	return ris.ready && ris.backing != nil && ris.backing.IsReady()
}

func (ris *RemoteIoSlave) Close() (err error) {
	ris.ready = false
	if ris.server != nil {
		err = ris.server.Close()
	}
	if ris.ownsBacking && ris.backing != nil {
		closeErr := ris.backing.Close()
		if err == nil {
			err = closeErr
		}
	}
	return
}

func mergePins(configured []uint16, requested []uint16) (merged []uint16) {
	merged = append(merged, configured...)
	for _, pin := range requested {
		found := false
		for _, present := range merged {
			if present == pin {
				found = true
			}
		}
		if !found {
			merged = append(merged, pin)
		}
	}
	return
}

func (ris *RemoteIoSlave) Setup(ctx context.Context, inputs []uint16, outputs []uint16) error {
	if ris.backing == nil {
		ris.backing = &GpIO{}
		ris.ownsBacking = true
	}

	if !ris.backing.IsReady() {
		err := ris.backing.Setup(ctx, mergePins(ris.Inputs, inputs), mergePins(ris.Outputs, outputs))
		if err != nil {
			return errors.Wrap(err, "RemoteIoSlave: backing driver setup failed")
		}
	}

	httpTimeout := httpTimeoutsMs * time.Millisecond

	ris.server = &http.Server{
		Addr:              ris.HttpAddr,
		Handler:           ris.router(),
		ReadTimeout:       httpTimeout,
		ReadHeaderTimeout: httpTimeout,
		WriteTimeout:      httpTimeout,
		IdleTimeout:       2 * httpTimeout,
	}

	ris.serverErr = make(chan error, 1)

	ris.ready = true
	go func() {
		ris.serverErr <- ris.server.ListenAndServe()
		ris.ready = false
	}()

	return nil
}

func (ris *RemoteIoSlave) router() http.Handler {
	handler := httprouter.New()
	handler.GET("/config", ris.handleConfig)
	handler.GET("/state/:pin", ris.handleState)
	handler.POST("/output/:pin/:state", ris.handleOutput)
	handler.POST("/trigger/:pin", ris.handleTrigger)
	handler.GET("/measure/:pin", ris.handleMeasure)
	return handler
}

func (ris *RemoteIoSlave) GetInput(pin uint16) (DigitalInput, error) {
	if ris.backing == nil {
		return nil, errors.Wrap(ErrBackendUnavailable, "remoteio slave has no backing driver")
	}
	return ris.backing.GetInput(pin)
}

func (ris *RemoteIoSlave) GetOutput(pin uint16) (DigitalOutput, error) {
	if ris.backing == nil {
		return nil, errors.Wrap(ErrBackendUnavailable, "remoteio slave has no backing driver")
	}
	return ris.backing.GetOutput(pin)
}

func (ris *RemoteIoSlave) GetAllIo() (inputs []uint16, outputs []uint16) {
	if ris.backing != nil {
		return ris.backing.GetAllIo()
	}
	return ris.Inputs, ris.Outputs
}

func (ris *RemoteIoSlave) authorized(w http.ResponseWriter, r *http.Request) bool {
	if !strings.EqualFold(r.Header.Get(remoteIoTokenHeader), ris.Token) {
		http.Error(w, "token mismatch", http.StatusUnauthorized)
		return false
	}
	return true
}

func paramPin(p httprouter.Params) (uint16, error) {
	pinNo, err := strconv.ParseUint(p.ByName("pin"), 10, 16)
	if err != nil {
		return 0, errors.Wrap(err, "bad pin number")
	}
	return uint16(pinNo), nil
}

func (ris *RemoteIoSlave) handleConfig(w http.ResponseWriter, r *http.Request, _ httprouter.Params) {
	if !ris.authorized(w, r) {
		return
	}

	config := RemoteIoConfig{}
	config.Inputs, config.Outputs = ris.GetAllIo()

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(config)
}

func (ris *RemoteIoSlave) handleState(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if !ris.authorized(w, r) {
		return
	}

	pin, err := paramPin(p)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	var state bool
	if input, inErr := ris.GetInput(pin); inErr == nil {
		state, err = input.GetState()
	} else if output, outErr := ris.GetOutput(pin); outErr == nil {
		state, err = output.GetState()
	} else {
		http.Error(w, "pin not found", http.StatusNotFound)
		return
	}
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(RemotePinState{Pin: pin, State: state})
}

func (ris *RemoteIoSlave) handleOutput(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if !ris.authorized(w, r) {
		return
	}

	pin, err := paramPin(p)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	state, err := strconv.ParseBool(p.ByName("state"))
	if err != nil {
		http.Error(w, "bad state value", http.StatusBadRequest)
		return
	}

	output, err := ris.GetOutput(pin)
	if err != nil {
		http.Error(w, "pin not found", http.StatusNotFound)
		return
	}

	err = output.Set(state)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (ris *RemoteIoSlave) handleTrigger(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if !ris.authorized(w, r) {
		return
	}

	pin, err := paramPin(p)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	// an empty body keeps the default width, a malformed one is a bad request
	trigger := RemoteTrigger{}
	err = json.NewDecoder(r.Body).Decode(&trigger)
	if err != nil && !errors.Is(err, io.EOF) {
		http.Error(w, "bad trigger body", http.StatusBadRequest)
		return
	}
	if trigger.WidthUs <= 0 {
		trigger.WidthUs = 10
	}

	output, err := ris.GetOutput(pin)
	if err != nil {
		http.Error(w, "pin not found", http.StatusNotFound)
		return
	}

	err = output.Pulse(time.Duration(trigger.WidthUs) * time.Microsecond)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (ris *RemoteIoSlave) handleMeasure(w http.ResponseWriter, r *http.Request, p httprouter.Params) {
	if !ris.authorized(w, r) {
		return
	}

	pin, err := paramPin(p)
	if err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}

	timeoutMs := int64(defaultRemoteMeasureMs)
	if rawTimeout := r.URL.Query().Get("timeout_ms"); len(rawTimeout) > 0 {
		timeoutMs, err = strconv.ParseInt(rawTimeout, 10, 64)
		if err != nil || timeoutMs <= 0 {
			http.Error(w, "bad timeout_ms value", http.StatusBadRequest)
			return
		}
	}
	if timeoutMs > maxRemoteMeasureMs {
		timeoutMs = maxRemoteMeasureMs
	}

	input, err := ris.GetInput(pin)
	if err != nil {
		http.Error(w, "pin not found", http.StatusNotFound)
		return
	}

	width, err := input.MeasurePulse(time.Duration(timeoutMs) * time.Millisecond)
	if err != nil {
		if errors.Is(err, ErrPulseTimeout) {
			http.Error(w, err.Error(), http.StatusGatewayTimeout)
		} else {
			http.Error(w, err.Error(), http.StatusInternalServerError)
		}
		return
	}

	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(RemotePulse{Pin: pin, PulseUs: float64(width) / float64(time.Microsecond)})
}
