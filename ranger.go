package sonarkit

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/charmbracelet/log"
	"github.com/eclipse/paho.golang/paho"
	"github.com/pkg/errors"

	"github.com/hubertat/sonarkit/drivers"
	"github.com/hubertat/sonarkit/mqtt"
)

// DefaultSpeedOfSound is the speed of sound in dry air around 20 C,
// metres per second.
const DefaultSpeedOfSound = 343.0

// DefaultMaxRange is the usable range of an HC-SR04 in metres.
const DefaultMaxRange = 4.0

// TriggerPulseWidth is the trigger pulse the sensor datasheet asks for.
const TriggerPulseWidth = 10 * time.Microsecond

var (
	ErrClosed              = errors.New("ranger is closed")
	ErrNotReady            = errors.New("ranger not initialized")
	ErrInvalidSpeedOfSound = errors.New("invalid speed of sound")
)

// SpeedOfSoundAt returns the speed of sound in air at the given
// temperature in degrees Celsius, using the common linear approximation.
func SpeedOfSoundAt(celsius float64) float64 {
	return 331.3 + 0.606*celsius
}

// Measurement is one completed ranging cycle.
type Measurement struct {
	Sensor    string    `json:"sensor"`
	Driver    string    `json:"driver"`
	Distance  float64   `json:"distance_m"`
	PulseUs   float64   `json:"pulse_us"`
	Timestamp time.Time `json:"timestamp"`
}

// Ranger drives a single HC-SR04 ultrasonic distance sensor: a short
// pulse on the trigger pin makes the sensor emit an ultrasonic burst,
// and the width of the answering pulse on the echo pin encodes the round
// trip time. Distance is the round trip halved at the current speed of
// sound.
//
// A Ranger is configured with exported fields (typically from json) and
// attached to a driver with Init, or built in one go with NewRanger.
// Measurements are serialized internally; run concurrent sensors as
// separate Ranger instances on separate pin pairs.
type Ranger struct {
	Name       string
	DriverName string
	TriggerPin uint16
	EchoPin    uint16

	// MaxRange in metres bounds the echo wait time. Defaults to
	// DefaultMaxRange.
	MaxRange float64

	// SpeedOfSound in metres per second, defaults to DefaultSpeedOfSound.
	// A matched temperature sensor takes precedence while its readings
	// stay fresh.
	SpeedOfSound float64

	// TemperatureSensorId names the sensor used to correct the speed of
	// sound for ambient temperature. Empty disables the correction.
	TemperatureSensorId string

	mu     sync.Mutex
	driver drivers.IoDriver
	trig   drivers.DigitalOutput
	echo   drivers.DigitalInput

	tempSensor drivers.TemperatureSensor

	ownsDriver bool
	closed     bool

	last    Measurement
	haveAny bool

	publisher mqtt.Publisher
	topicBase string
}

// NewRanger builds a Ranger on the given pin pair. A driver that is not
// set up yet is set up here with just these two pins, and then belongs
// to the Ranger: Cleanup will close it. An already running driver is
// shared and left open on Cleanup.
func NewRanger(driver drivers.IoDriver, triggerPin uint16, echoPin uint16) (*Ranger, error) {
	ra := &Ranger{
		DriverName: driver.String(),
		TriggerPin: triggerPin,
		EchoPin:    echoPin,
	}

	if !driver.IsReady() {
		err := driver.Setup(context.Background(), []uint16{echoPin}, []uint16{triggerPin})
		if err != nil {
			return nil, errors.Wrap(err, "NewRanger: driver setup failed")
		}
		ra.ownsDriver = true
	}

	err := ra.Init(driver)
	if err != nil {
		if ra.ownsDriver {
			driver.Close()
		}
		return nil, err
	}

	return ra, nil
}

func (ra *Ranger) GetDriverName() string {
	return ra.DriverName
}

// Init attaches the Ranger to its (already set up) driver, claims the
// pin pair and leaves the sensor settling for one maximum echo period,
// matching the quiet time the sensor needs between cycles.
func (ra *Ranger) Init(driver drivers.IoDriver) error {
	if !strings.EqualFold(driver.String(), ra.DriverName) {
		return errors.Errorf("Init failed, mismatched or incorrect driver (%s)", driver)
	}

	if !driver.IsReady() {
		return errors.Wrapf(drivers.ErrBackendUnavailable, "Init failed, driver %s not ready", driver)
	}

	if len(ra.Name) == 0 {
		ra.Name = fmt.Sprintf("ranger-%d-%d", ra.TriggerPin, ra.EchoPin)
	}
	if ra.MaxRange <= 0 {
		ra.MaxRange = DefaultMaxRange
	}
	if ra.SpeedOfSound == 0 {
		ra.SpeedOfSound = DefaultSpeedOfSound
	}
	if ra.SpeedOfSound < 0 || math.IsNaN(ra.SpeedOfSound) || math.IsInf(ra.SpeedOfSound, 0) {
		return errors.Wrapf(ErrInvalidSpeedOfSound, "Init failed: %v", ra.SpeedOfSound)
	}

	var err error
	ra.trig, err = driver.GetOutput(ra.TriggerPin)
	if err != nil {
		return errors.Wrapf(drivers.ErrPinConfiguration, "trigger pin: %v", err)
	}
	ra.echo, err = driver.GetInput(ra.EchoPin)
	if err != nil {
		return errors.Wrapf(drivers.ErrPinConfiguration, "echo pin: %v", err)
	}

	err = ra.trig.Set(false)
	if err != nil {
		return errors.Wrap(err, "Init failed, cannot drive trigger pin low")
	}

	ra.driver = driver
	time.Sleep(ra.maxEchoTime())

	return nil
}

// AttachTemperatureSensor turns on speed of sound correction from the
// given sensor. While the sensor delivers fresh values they win over the
// configured SpeedOfSound; on stale or failing reads the Ranger falls
// back to the configured value.
func (ra *Ranger) AttachTemperatureSensor(sensor drivers.TemperatureSensor) {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	ra.tempSensor = sensor
}

func (ra *Ranger) SetMqtt(publisher mqtt.Publisher, topicBase string) {
	ra.publisher = publisher
	ra.topicBase = topicBase
}

func (ra *Ranger) MqttSubscribeTopic() string {
	return fmt.Sprintf("%s/%s/measure", ra.topicBase, ra.Name)
}

func (ra *Ranger) rangeTopic() string {
	return fmt.Sprintf("%s/%s/range", ra.topicBase, ra.Name)
}

// MqttHandle runs one measurement in response to a measure request and
// publishes the result.
func (ra *Ranger) MqttHandle(pub *paho.Publish) {
	err := ra.Sync()
	if err != nil {
		log.Error("ranger measure request failed", "ranger", ra.Name, "err", err)
	}
}

// speedLocked returns the speed of sound in effect; ra.mu must be held.
func (ra *Ranger) speedLocked() float64 {
	if ra.tempSensor != nil {
		celsius, err := ra.tempSensor.GetValue()
		if err == nil {
			return SpeedOfSoundAt(celsius)
		}
	}
	return ra.SpeedOfSound
}

// SpeedOfSoundInUse reports the value the next measurement will use,
// after temperature correction.
func (ra *Ranger) SpeedOfSoundInUse() float64 {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	return ra.speedLocked()
}

// SetSpeedOfSound replaces the configured speed of sound for subsequent
// measurements. Non-positive or non-finite values are rejected and the
// previous value stays in place.
func (ra *Ranger) SetSpeedOfSound(value float64) error {
	ra.mu.Lock()
	defer ra.mu.Unlock()

	if ra.closed {
		return errors.Wrap(ErrClosed, "SetSpeedOfSound")
	}
	if ra.driver == nil {
		return errors.Wrap(ErrNotReady, "SetSpeedOfSound")
	}
	if value <= 0 || math.IsNaN(value) || math.IsInf(value, 0) {
		return errors.Wrapf(ErrInvalidSpeedOfSound, "%v", value)
	}

	ra.SpeedOfSound = value
	return nil
}

// maxEchoTime is the longest echo pulse expected at the configured
// range.
func (ra *Ranger) maxEchoTime() time.Duration {
	speed := ra.SpeedOfSound
	if speed <= 0 {
		speed = DefaultSpeedOfSound
	}
	return time.Duration(2 * ra.MaxRange / speed * float64(time.Second))
}

// maxRangeTime bounds one whole ranging cycle, with a 10% margin over
// the longest expected echo.
func (ra *Ranger) maxRangeTime() time.Duration {
	return ra.maxEchoTime() * 11 / 10
}

// measureLocked runs one trigger/echo cycle; ra.mu must be held.
func (ra *Ranger) measureLocked() (m Measurement, err error) {
	if ra.closed {
		err = errors.Wrapf(ErrClosed, "ranger %s", ra.Name)
		return
	}
	if ra.driver == nil || ra.trig == nil || ra.echo == nil {
		err = errors.Wrapf(ErrNotReady, "ranger %s", ra.Name)
		return
	}

	err = ra.trig.Pulse(TriggerPulseWidth)
	if err != nil {
		err = errors.Wrapf(err, "ranger %s: sending trigger pulse failed", ra.Name)
		return
	}

	width, err := ra.echo.MeasurePulse(ra.maxRangeTime())
	if err != nil {
		err = errors.Wrapf(err, "ranger %s", ra.Name)
		return
	}

	m = Measurement{
		Sensor:    ra.Name,
		Driver:    ra.DriverName,
		Distance:  ra.speedLocked() * width.Seconds() / 2,
		PulseUs:   float64(width) / float64(time.Microsecond),
		Timestamp: time.Now(),
	}

	ra.last = m
	ra.haveAny = true
	return
}

// Measure runs a single ranging cycle and returns the result.
func (ra *Ranger) Measure() (Measurement, error) {
	ra.mu.Lock()
	defer ra.mu.Unlock()
	return ra.measureLocked()
}

// GetRange takes a single measurement and returns the distance in
// metres.
func (ra *Ranger) GetRange() (float64, error) {
	m, err := ra.Measure()
	return m.Distance, err
}

// GetRangePulseWidth takes a single measurement and returns the raw echo
// pulse width.
func (ra *Ranger) GetRangePulseWidth() (time.Duration, error) {
	m, err := ra.Measure()
	return time.Duration(m.PulseUs * float64(time.Microsecond)), err
}

// LastMeasurement returns the most recent completed measurement.
func (ra *Ranger) LastMeasurement() (Measurement, error) {
	ra.mu.Lock()
	defer ra.mu.Unlock()

	if !ra.haveAny {
		return Measurement{}, errors.Errorf("ranger %s has no measurement yet", ra.Name)
	}
	return ra.last, nil
}

// Sync takes a measurement and publishes it when mqtt is wired. Driven
// periodically by the service ticker or on demand over mqtt.
func (ra *Ranger) Sync() error {
	m, err := ra.Measure()
	if err != nil {
		return err
	}

	if ra.publisher != nil {
		payload, err := json.Marshal(m)
		if err != nil {
			return errors.Wrap(err, "marshaling measurement failed")
		}
		err = ra.publisher.Publish(ra.rangeTopic(), payload)
		if err != nil {
			return errors.Wrapf(err, "publishing measurement for %s failed", ra.Name)
		}
	}

	return nil
}

// Cleanup releases the pin pair and, when the Ranger owns its driver,
// closes it. Safe to call more than once and on a Ranger that never
// finished Init.
func (ra *Ranger) Cleanup() error {
	ra.mu.Lock()
	defer ra.mu.Unlock()

	if ra.closed {
		return nil
	}
	ra.closed = true

	if ra.trig != nil {
		ra.trig.Set(false)
	}
	ra.trig = nil
	ra.echo = nil

	if ra.ownsDriver && ra.driver != nil {
		err := ra.driver.Close()
		ra.driver = nil
		if err != nil {
			return errors.Wrap(err, "Cleanup: closing driver failed")
		}
		return nil
	}

	ra.driver = nil
	return nil
}
