// Package sonarkit runs HC-SR04 ultrasonic rangers on Raspberry Pi
// class hardware: local gpio, port expanders or another host over http,
// with measurements going out to HomeKit, mqtt and influx.
package sonarkit

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/charmbracelet/log"

	dnslog "github.com/brutella/dnssd/log"
	"github.com/brutella/hap"
	"github.com/brutella/hap/accessory"
	hklog "github.com/brutella/hap/log"
	"github.com/pkg/errors"

	"github.com/hubertat/sonarkit/drivers"
	"github.com/hubertat/sonarkit/mqtt"
)

const defaultHomeKitDirectory = "./homekit"
const homeKitBridgeName = "sonarkit"
const homeKitBridgeAuthor = "github.com/hubertat"

const defaultMqttTopicBase = "sonarkit"
const defaultSensorsSyncInterval = time.Minute

type SonarKit struct {
	Name string

	Rangers         []*Ranger
	PresenceSensors []*PresenceSensor
	Thermometers    []*Thermometer

	HkPin       string
	HkDirectory string
	HkAddress   string
	HkDebug     bool

	MqttBroker    string
	MqttTopicBase string

	InfluxRecorder *InfluxRecorder

	Gpio        *drivers.GpIO
	PeriphIo    *drivers.PeriphIO
	Mcp23017    *drivers.McpIO
	RemoteIo    *drivers.RemoteIO
	RemoteSlave *drivers.RemoteIoSlave
	FakeDriver  *drivers.MockIoDriver

	Wire          *drivers.Wire
	InfluxSensors *drivers.InfluxSensors

	ioDrivers     map[string]drivers.IoDriver
	sensorDrivers map[string]drivers.SensorDriver
	mqttClient    *mqtt.MqttClient
	ticker        *time.Ticker
	sensorsTicker *time.Ticker
}

type HkThing interface {
	GetHk() *accessory.A
	GetUniqueId() uint64
	Sync() error
}

func (sk *SonarKit) getInPins(driverName string) (pins []uint16) {
	for _, ra := range sk.Rangers {
		if strings.EqualFold(ra.DriverName, driverName) {
			pins = append(pins, ra.EchoPin)
		}
	}

	return
}

func (sk *SonarKit) getOutPins(driverName string) (pins []uint16) {
	for _, ra := range sk.Rangers {
		if strings.EqualFold(ra.DriverName, driverName) {
			pins = append(pins, ra.TriggerPin)
		}
	}
	for _, ps := range sk.PresenceSensors {
		if ps.Indicator != nil && strings.EqualFold(ps.Indicator.DriverName, driverName) {
			pins = append(pins, ps.Indicator.Pin)
		}
	}

	return
}

func (sk *SonarKit) getHkThings() (things []HkThing) {
	for _, th := range sk.PresenceSensors {
		things = append(things, th)
	}
	for _, th := range sk.Thermometers {
		things = append(things, th)
	}

	return
}

// InitDrivers sets up every configured io driver with the pins claimed
// by rangers and presence indicators. The remote slave goes last so it
// can expose a driver configured here.
func (sk *SonarKit) InitDrivers(ctx context.Context) error {
	sk.ioDrivers = make(map[string]drivers.IoDriver)
	ordered := []drivers.IoDriver{}

	if sk.Gpio != nil {
		ordered = append(ordered, sk.Gpio)
	}
	if sk.PeriphIo != nil {
		ordered = append(ordered, sk.PeriphIo)
	}
	if sk.Mcp23017 != nil {
		ordered = append(ordered, sk.Mcp23017)
	}
	if sk.RemoteIo != nil {
		ordered = append(ordered, sk.RemoteIo)
	}
	if sk.FakeDriver != nil {
		ordered = append(ordered, sk.FakeDriver)
	}
	if sk.RemoteSlave != nil {
		ordered = append(ordered, sk.RemoteSlave)
	}

	for _, driver := range ordered {
		sk.ioDrivers[driver.String()] = driver
	}

	for _, driver := range ordered {
		if slave, isSlave := driver.(*drivers.RemoteIoSlave); isSlave && len(slave.DriverName) > 0 {
			backing, found := sk.ioDrivers[slave.DriverName]
			if !found {
				return errors.Errorf("remote slave backing driver %s not configured", slave.DriverName)
			}
			slave.AttachDriver(backing)
		}

		err := driver.Setup(ctx, sk.getInPins(driver.String()), sk.getOutPins(driver.String()))
		if err != nil {
			return errors.Wrapf(err, "failed to setup %s driver", driver)
		}
	}

	for _, ra := range sk.Rangers {
		_, driverFound := sk.ioDrivers[ra.GetDriverName()]
		if !driverFound {
			return errors.Errorf("driver %s not set up", ra.GetDriverName())
		}
	}

	return nil
}

func (sk *SonarKit) InitRangers() error {
	for _, ra := range sk.Rangers {
		err := ra.Init(sk.ioDrivers[ra.GetDriverName()])
		if err != nil {
			return errors.Wrapf(err, "failed to init ranger %s", ra.Name)
		}
	}

	return nil
}

// InitSensors sets up the temperature sensor drivers with their
// thermometers.
func (sk *SonarKit) InitSensors() error {
	sk.sensorDrivers = make(map[string]drivers.SensorDriver)

	if sk.Wire != nil {
		sk.sensorDrivers[sk.Wire.Name()] = sk.Wire
	}
	if sk.InfluxSensors != nil {
		sk.sensorDrivers[sk.InfluxSensors.Name()] = sk.InfluxSensors
	}

	for name, driver := range sk.sensorDrivers {
		sensors := []drivers.TemperatureSensor{}
		for _, th := range sk.Thermometers {
			if strings.EqualFold(th.GetDriverName(), name) {
				sensors = append(sensors, th)
			}
		}
		err := driver.Setup(sensors)
		if err != nil {
			return errors.Wrapf(err, "failed to setup %s sensor driver", name)
		}
	}

	for _, th := range sk.Thermometers {
		driver, found := sk.sensorDrivers[th.GetDriverName()]
		if !found {
			return errors.Errorf("sensor driver %s not set up", th.GetDriverName())
		}
		err := th.Init(driver)
		if err != nil {
			return errors.Wrapf(err, "failed to init thermometer %s", th.Id)
		}
	}

	return nil
}

// MatchSensors points rangers at the thermometers correcting their speed
// of sound.
func (sk *SonarKit) MatchSensors() error {
	for _, ra := range sk.Rangers {
		if len(ra.TemperatureSensorId) == 0 {
			continue
		}

		found := false
		for _, driver := range sk.sensorDrivers {
			sensor, err := driver.FindTemperatureSensor(ra.TemperatureSensorId)
			if err == nil {
				ra.AttachTemperatureSensor(sensor)
				found = true
				break
			}
		}
		if !found {
			return errors.Errorf("temperature sensor %s (for ranger %s) not found in any sensor driver", ra.TemperatureSensorId, ra.Name)
		}
	}

	return nil
}

// MatchPresence binds presence sensors to their rangers and wires the
// optional indicator outputs.
func (sk *SonarKit) MatchPresence() error {
	for _, ps := range sk.PresenceSensors {
		var ranger *Ranger
		for _, ra := range sk.Rangers {
			if strings.EqualFold(ra.Name, ps.RangerName) {
				ranger = ra
				break
			}
		}
		if ranger == nil {
			return errors.Errorf("presence sensor %s: ranger %s not found", ps.Name, ps.RangerName)
		}

		err := ps.Init(ranger)
		if err != nil {
			return errors.Wrapf(err, "failed to init presence sensor %s", ps.Name)
		}

		if ps.Indicator != nil {
			driver, found := sk.ioDrivers[ps.Indicator.DriverName]
			if !found {
				return errors.Errorf("presence sensor %s: indicator driver %s not set up", ps.Name, ps.Indicator.DriverName)
			}
			output, err := driver.GetOutput(ps.Indicator.Pin)
			if err != nil {
				return errors.Wrapf(err, "presence sensor %s: indicator output not available", ps.Name)
			}
			ps.AttachIndicator(output)
		}
	}

	return nil
}

func (sk *SonarKit) GetHkAccessories(firmwareVersion string) (acc []*accessory.A) {
	acc = []*accessory.A{}

	for _, th := range sk.getHkThings() {
		accessory := th.GetHk()
		if accessory != nil {
			if accessory.Info != nil && accessory.Info.FirmwareRevision != nil {
				accessory.Info.FirmwareRevision.SetValue(firmwareVersion)
			}
			accessory.Id = th.GetUniqueId()
			acc = append(acc, accessory)
		}
	}

	return
}

func (sk *SonarKit) syncRangers() {
	for _, ra := range sk.Rangers {
		err := ra.Sync()
		if err != nil {
			log.Warn("ranger sync failed", "ranger", ra.Name, "err", err)
			continue
		}

		if sk.InfluxRecorder != nil {
			m, err := ra.LastMeasurement()
			if err == nil {
				err = sk.InfluxRecorder.Record(m)
			}
			if err != nil {
				log.Warn("recording measurement failed", "ranger", ra.Name, "err", err)
			}
		}
	}

	for _, ps := range sk.PresenceSensors {
		err := ps.Sync()
		if err != nil {
			log.Warn("presence sync failed", "sensor", ps.Name, "err", err)
		}
	}
}

func (sk *SonarKit) syncSensors() {
	for name, driver := range sk.sensorDrivers {
		err := driver.Sync()
		if err != nil {
			log.Warn("sensor driver sync failed", "driver", name, "err", err)
		}
	}
	for _, th := range sk.Thermometers {
		err := th.Sync()
		if err != nil {
			log.Warn("thermometer sync failed", "thermometer", th.Id, "err", err)
		}
	}
}

// StartTicker measures on every interval tick and refreshes temperature
// sensors on the slower sensorsInterval cadence, until ctx is done.
func (sk *SonarKit) StartTicker(ctx context.Context, interval time.Duration, sensorsInterval time.Duration) {
	if sensorsInterval <= 0 {
		sensorsInterval = defaultSensorsSyncInterval
	}

	sk.ticker = time.NewTicker(interval)
	sk.sensorsTicker = time.NewTicker(sensorsInterval)

	sk.syncSensors()

	for {
		select {
		case <-sk.ticker.C:
			sk.syncRangers()
		case <-sk.sensorsTicker.C:
			sk.syncSensors()
		case <-ctx.Done():
			return
		}
	}
}

func (sk *SonarKit) Close() (err error) {
	if sk.ticker != nil {
		sk.ticker.Stop()
	}
	if sk.sensorsTicker != nil {
		sk.sensorsTicker.Stop()
	}

	if sk.mqttClient != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		sk.mqttClient.Disconnect(ctx)
	}

	for _, ra := range sk.Rangers {
		cleanupErr := ra.Cleanup()
		if cleanupErr != nil {
			err = cleanupErr
		}
	}

	for _, driver := range sk.ioDrivers {
		if driver != nil && driver.IsReady() {
			closeErr := driver.Close()
			if closeErr != nil {
				err = closeErr
			}
		}
	}

	for _, driver := range sk.sensorDrivers {
		if driver != nil {
			closeErr := driver.Close()
			if closeErr != nil {
				err = closeErr
			}
		}
	}

	if sk.InfluxRecorder != nil {
		sk.InfluxRecorder.Close()
	}

	return
}

func (sk *SonarKit) PrintIoStatus(writer io.Writer) {
	fmt.Fprintln(writer)
	fmt.Fprintln(writer, "=== active io drivers ===")
	for driverName, driver := range sk.ioDrivers {
		fmt.Fprintln(writer, "________")
		fmt.Fprintf(writer, "| driver: %s\n", driverName)
		inputs, outputs := driver.GetAllIo()
		fmt.Fprintf(writer, "| in pins: ")
		for _, inpin := range inputs {
			fmt.Fprintf(writer, "%d, ", inpin)
		}
		fmt.Fprintf(writer, "\n| out pins: ")
		for _, outpin := range outputs {
			fmt.Fprintf(writer, "%d, ", outpin)
		}
		fmt.Fprintln(writer)
		fmt.Fprintln(writer, "--------")
	}
	fmt.Fprintln(writer, "-----------------------------")
	fmt.Fprintln(writer)
}

func (sk *SonarKit) StartHomeKit(ctx context.Context, firmwareVersion string) error {
	hkName := sk.Name
	if len(hkName) < 1 {
		hkName = homeKitBridgeName
	}
	bridge := accessory.NewBridge(accessory.Info{
		Name:         hkName,
		Manufacturer: homeKitBridgeAuthor,
		Firmware:     firmwareVersion,
	})

	var store hap.Store
	if len(sk.HkDirectory) > 1 {
		store = hap.NewFsStore(sk.HkDirectory)
	} else {
		store = hap.NewFsStore(defaultHomeKitDirectory)
	}
	hkServer, err := hap.NewServer(store, bridge.A, sk.GetHkAccessories(firmwareVersion)...)
	if err != nil {
		return errors.Wrap(err, "failed to create HomeKit server")
	}
	hkServer.Pin = sk.HkPin
	if len(sk.HkAddress) > 0 {
		hkServer.Addr = sk.HkAddress
	}

	if sk.HkDebug {
		hklog.Debug.Enable()
		dnslog.Debug.Enable()
	}

	ctx, cancel := watchInterrupts(ctx)
	defer cancel()

	return hkServer.ListenAndServe(ctx)
}

// watchInterrupts cancels the returned context when the process gets
// SIGINT or SIGTERM. The signal channel is buffered as signal.Notify
// requires.
func watchInterrupts(ctx context.Context) (context.Context, context.CancelFunc) {
	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt)
	signal.Notify(c, syscall.SIGTERM)

	ctx, cancel := context.WithCancel(ctx)
	go func() {
		<-c
		// Stop delivering signals.
		signal.Stop(c)
		// Cancel the context to stop the server.
		cancel()
	}()

	return ctx, cancel
}

func (sk *SonarKit) InitMqtt() (err error) {
	if len(sk.MqttBroker) == 0 {
		err = errors.New("mqtt broker not set")
		return
	}
	if len(sk.MqttTopicBase) == 0 {
		sk.MqttTopicBase = defaultMqttTopicBase
	}

	clientId := sk.Name
	if len(clientId) == 0 {
		clientId = homeKitBridgeName
	}

	mc, err := mqtt.NewMqttClient(sk.MqttBroker, clientId)
	if err != nil {
		err = errors.Wrap(err, "failed to create mqtt client")
		return
	}

	sk.mqttClient = mc

	mqttHandlers := []mqtt.MqttHandler{}
	for _, ra := range sk.Rangers {
		ra.SetMqtt(mc, sk.MqttTopicBase)
		mqttHandlers = append(mqttHandlers, ra)
	}

	err = mc.Connect(mqttHandlers)
	if err != nil {
		err = errors.Wrap(err, "failed to connect to mqtt broker")
	}

	return
}

// InitInflux sets up the measurement recorder when one is configured.
func (sk *SonarKit) InitInflux() error {
	if sk.InfluxRecorder == nil {
		return nil
	}

	err := sk.InfluxRecorder.Setup()
	if err != nil {
		return errors.Wrap(err, "failed to init influx recorder")
	}

	return nil
}
