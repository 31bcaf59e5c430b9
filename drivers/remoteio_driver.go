package drivers

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/pkg/errors"
)

const remoteioDriverName = "remoteio"
const remoteIoNetClientTimeout = 2 * time.Second
const remoteIoTokenHeader = "remoteio-token"

// Wire format shared by RemoteIO and RemoteIoSlave.
type RemoteIoConfig struct {
	Inputs  []uint16 `json:"inputs"`
	Outputs []uint16 `json:"outputs"`
}

type RemotePinState struct {
	Pin   uint16 `json:"pin"`
	State bool   `json:"state"`
}

type RemotePulse struct {
	Pin     uint16  `json:"pin"`
	PulseUs float64 `json:"pulse_us"`
}

type RemoteTrigger struct {
	WidthUs int64 `json:"width_us"`
}

type RemoteInput struct {
	pin uint16

	driver *RemoteIO
}

func (ifr *RemoteInput) GetState() (state bool, err error) {
	pinState := &RemotePinState{}
	err = ifr.driver.getRemoteJson(fmt.Sprintf("state/%d", ifr.pin), pinState)
	if err != nil {
		return
	}
	state = pinState.State
	return
}

// MeasurePulse asks the remote agent to time the pulse on its side of the
// wire. Network round trip adds to the reported width jitter, so remote
// measurements are a last resort when the sensor hangs off another host.
func (ifr *RemoteInput) MeasurePulse(timeout time.Duration) (width time.Duration, err error) {
	ms := int64((timeout + time.Millisecond - 1) / time.Millisecond)
	path := fmt.Sprintf("measure/%d?timeout_ms=%d", ifr.pin, ms)

	client := &http.Client{Timeout: timeout + remoteIoNetClientTimeout}
	response, err := ifr.driver.request(client, http.MethodGet, path, nil)
	if err != nil {
		err = errors.Wrapf(ErrBackendUnavailable, "RemoteIO measure request: %v", err)
		return
	}
	defer response.Body.Close()

	if response.StatusCode == http.StatusGatewayTimeout {
		err = errors.Wrapf(ErrPulseTimeout, "remote pin %d: no pulse within %s", ifr.pin, timeout)
		return
	}
	if response.StatusCode >= 300 {
		err = errors.Errorf("RemoteIO measure failed (response code: %d)", response.StatusCode)
		return
	}

	pulse := &RemotePulse{}
	err = json.NewDecoder(response.Body).Decode(pulse)
	if err != nil {
		err = errors.Wrap(err, "RemoteIO measure: decoding response failed")
		return
	}

	width = time.Duration(pulse.PulseUs * float64(time.Microsecond))
	return
}

type RemoteOutput struct {
	pin uint16

	driver *RemoteIO
}

func (otr *RemoteOutput) GetState() (state bool, err error) {
	pinState := &RemotePinState{}
	err = otr.driver.getRemoteJson(fmt.Sprintf("state/%d", otr.pin), pinState)
	if err != nil {
		return
	}
	state = pinState.State
	return
}

func (otr *RemoteOutput) Set(state bool) (err error) {
	response, err := otr.driver.postRemote(fmt.Sprintf("output/%d/%v", otr.pin, state), nil)
	if err != nil {
		err = errors.Wrapf(ErrBackendUnavailable, "RemoteIO Set request: %v", err)
		return
	}
	defer response.Body.Close()

	if response.StatusCode >= 300 {
		err = errors.Errorf("RemoteIO Set failed (response code: %d)", response.StatusCode)
	}
	return
}

func (otr *RemoteOutput) Pulse(width time.Duration) (err error) {
	trigger := RemoteTrigger{WidthUs: int64(width / time.Microsecond)}
	body, err := json.Marshal(trigger)
	if err != nil {
		return
	}

	response, err := otr.driver.postRemote(fmt.Sprintf("trigger/%d", otr.pin), bytes.NewReader(body))
	if err != nil {
		err = errors.Wrapf(ErrBackendUnavailable, "RemoteIO Pulse request: %v", err)
		return
	}
	defer response.Body.Close()

	if response.StatusCode >= 300 {
		err = errors.Errorf("RemoteIO Pulse failed (response code: %d)", response.StatusCode)
	}
	return
}

// RemoteIO talks to a remoteio slave agent on another host, so a sensor
// wired to a remote header can be used as if it was local. DriverName
// lets several remotes live in one config under distinct names.
type RemoteIO struct {
	Host       string
	Token      string
	DriverName string

	inputs  []*RemoteInput
	outputs []*RemoteOutput
	isReady bool

	netClient *http.Client
}

func (rio *RemoteIO) request(client *http.Client, method, path string, body *bytes.Reader) (response *http.Response, err error) {
	reqUrl, err := url.Parse(rio.Host)
	if err != nil {
		err = errors.Wrap(err, "RemoteIO failed to parse Host url")
		return
	}
	reqUrl, err = reqUrl.Parse(path)
	if err != nil {
		err = errors.Wrapf(err, "RemoteIO error parsing url (%s)", path)
		return
	}

	var req *http.Request
	if body == nil {
		req, err = http.NewRequest(method, reqUrl.String(), nil)
	} else {
		req, err = http.NewRequest(method, reqUrl.String(), body)
	}
	if err != nil {
		err = errors.Wrap(err, "RemoteIO error preparing request")
		return
	}
	req.Header.Add(remoteIoTokenHeader, rio.Token)
	response, err = client.Do(req)
	return
}

func (rio *RemoteIO) getRemoteJson(path string, target interface{}) (err error) {
	response, err := rio.request(rio.netClient, http.MethodGet, path, nil)
	if err != nil {
		err = errors.Wrapf(ErrBackendUnavailable, "RemoteIO request: %v", err)
		return
	}
	defer response.Body.Close()

	if response.StatusCode >= 300 {
		err = errors.Errorf("RemoteIO request failed (response code: %d)", response.StatusCode)
		return
	}

	err = json.NewDecoder(response.Body).Decode(target)
	if err != nil {
		err = errors.Wrap(err, "RemoteIO: decoding response failed")
	}
	return
}

func (rio *RemoteIO) postRemote(path string, body *bytes.Reader) (response *http.Response, err error) {
	return rio.request(rio.netClient, http.MethodPost, path, body)
}

func (rio *RemoteIO) Setup(ctx context.Context, inputs []uint16, outputs []uint16) error {
	rio.netClient = &http.Client{Timeout: remoteIoNetClientTimeout}

	remoteConfig := &RemoteIoConfig{}
	err := rio.getRemoteJson("config", remoteConfig)
	if err != nil {
		return errors.Wrap(err, "RemoteIO Setup")
	}

	if len(remoteConfig.Inputs) == 0 && len(remoteConfig.Outputs) == 0 {
		return errors.Wrap(ErrBackendUnavailable, "RemoteIO Setup: remote reports 0 inputs and 0 outputs")
	}

	for _, input := range inputs {
		found := false
		for _, inputAvailable := range remoteConfig.Inputs {
			if inputAvailable == input {
				found = true
				rio.inputs = append(rio.inputs, &RemoteInput{pin: input, driver: rio})
			}
		}
		if !found {
			return errors.Wrapf(ErrPinConfiguration, "RemoteIO Setup: input %d not found on remote", input)
		}
	}
	for _, output := range outputs {
		found := false
		for _, outputAvailable := range remoteConfig.Outputs {
			if outputAvailable == output {
				found = true
				rio.outputs = append(rio.outputs, &RemoteOutput{pin: output, driver: rio})
			}
		}
		if !found {
			return errors.Wrapf(ErrPinConfiguration, "RemoteIO Setup: output %d not found on remote", output)
		}
	}

	rio.isReady = true
	return nil
}

func (rio *RemoteIO) Close() (err error) {
	rio.isReady = false
	return
}

func (rio *RemoteIO) String() string {
	if len(rio.DriverName) > 0 {
		return rio.DriverName
	}
	return remoteioDriverName
}

func (rio *RemoteIO) IsReady() bool {
	return rio.isReady
}

func (rio *RemoteIO) GetInput(pin uint16) (DigitalInput, error) {
	for _, input := range rio.inputs {
		if input.pin == pin {
			return input, nil
		}
	}
	return nil, errors.Errorf("RemoteIO input %d not found", pin)
}

func (rio *RemoteIO) GetOutput(pin uint16) (DigitalOutput, error) {
	for _, output := range rio.outputs {
		if output.pin == pin {
			return output, nil
		}
	}
	return nil, errors.Errorf("RemoteIO output %d not found", pin)
}

func (rio *RemoteIO) GetAllIo() (inputs []uint16, outputs []uint16) {
	for _, input := range rio.inputs {
		inputs = append(inputs, input.pin)
	}
	for _, output := range rio.outputs {
		outputs = append(outputs, output.pin)
	}

	return
}
