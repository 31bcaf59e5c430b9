package sonarkit

import (
	"context"
	"encoding/json"
	"math"
	"testing"
	"time"

	"github.com/pkg/errors"

	"github.com/hubertat/sonarkit/drivers"
)

func assertFloats(t testing.TB, got, want float64) {
	t.Helper()

	if math.Abs(got-want) > 1e-9 {
		t.Errorf("got: %f, want: %f", got, want)
	}
}

func assertBools(t testing.TB, got, want bool) {
	t.Helper()

	if got != want {
		t.Errorf("got: %v, want: %v", got, want)
	}
}

func assertErrorIs(t testing.TB, err, target error) {
	t.Helper()

	if !errors.Is(err, target) {
		t.Errorf("got error: %v, want: %v", err, target)
	}
}

// widthFor returns the echo pulse width a target at the given distance
// would produce at the default speed of sound.
func widthFor(distance float64) time.Duration {
	return time.Duration(2 * distance / DefaultSpeedOfSound * float64(time.Second))
}

func newTestRanger(t testing.TB) (*Ranger, *drivers.MockIoDriver) {
	t.Helper()

	md := &drivers.MockIoDriver{}
	err := md.Setup(context.Background(), []uint16{24}, []uint16{23})
	if err != nil {
		t.Fatalf("mock driver setup failed: %v", err)
	}

	ra := &Ranger{
		Name:       "test-ranger",
		DriverName: "mock_driver",
		TriggerPin: 23,
		EchoPin:    24,
	}
	err = ra.Init(md)
	if err != nil {
		t.Fatalf("ranger init failed: %v", err)
	}

	return ra, md
}

func TestRangerInit(t *testing.T) {
	md := &drivers.MockIoDriver{}

	ra := &Ranger{DriverName: "mock_driver", TriggerPin: 23, EchoPin: 24}
	err := ra.Init(md)
	assertErrorIs(t, err, drivers.ErrBackendUnavailable)

	md.Setup(context.Background(), []uint16{24}, []uint16{23})

	wrongDriver := &Ranger{DriverName: "gpio", TriggerPin: 23, EchoPin: 24}
	err = wrongDriver.Init(md)
	if err == nil {
		t.Error("expected error for mismatched driver name")
	}

	badPin := &Ranger{DriverName: "mock_driver", TriggerPin: 99, EchoPin: 24}
	err = badPin.Init(md)
	assertErrorIs(t, err, drivers.ErrPinConfiguration)

	err = ra.Init(md)
	if err != nil {
		t.Fatalf("init returned error: %v", err)
	}

	if ra.Name != "ranger-23-24" {
		t.Errorf("default name not applied, got %q", ra.Name)
	}
	assertFloats(t, ra.MaxRange, DefaultMaxRange)
	assertFloats(t, ra.SpeedOfSound, DefaultSpeedOfSound)
}

func TestNewRangerOwnsDriver(t *testing.T) {
	md := &drivers.MockIoDriver{}

	ra, err := NewRanger(md, 23, 24)
	if err != nil {
		t.Fatalf("NewRanger returned error: %v", err)
	}
	if !md.IsReady() {
		t.Error("driver not set up by NewRanger")
	}

	err = ra.Cleanup()
	if err != nil {
		t.Errorf("cleanup returned error: %v", err)
	}
	if md.IsReady() {
		t.Error("owned driver still ready after Cleanup")
	}
}

func TestNewRangerSharedDriver(t *testing.T) {
	md := &drivers.MockIoDriver{}
	md.Setup(context.Background(), []uint16{24}, []uint16{23})

	ra, err := NewRanger(md, 23, 24)
	if err != nil {
		t.Fatalf("NewRanger returned error: %v", err)
	}

	err = ra.Cleanup()
	if err != nil {
		t.Errorf("cleanup returned error: %v", err)
	}
	if !md.IsReady() {
		t.Error("shared driver closed by Cleanup")
	}
}

func TestGetRange(t *testing.T) {
	ra, md := newTestRanger(t)

	input, _ := md.GetMockInput(24)
	output, _ := md.GetMockOutput(23)

	echoWidth := widthFor(0.4)
	input.PulseWidths = []time.Duration{echoWidth}

	got, err := ra.GetRange()
	if err != nil {
		t.Fatalf("GetRange returned error: %v", err)
	}

	want := DefaultSpeedOfSound * echoWidth.Seconds() / 2
	assertFloats(t, got, want)

	if got < 0 || math.IsNaN(got) || math.IsInf(got, 0) {
		t.Errorf("distance not a non-negative finite number: %v", got)
	}

	if len(output.Pulses) != 1 || output.Pulses[0] != TriggerPulseWidth {
		t.Errorf("expected one %v trigger pulse, got: %v", TriggerPulseWidth, output.Pulses)
	}
}

func TestGetRangePulseWidth(t *testing.T) {
	ra, md := newTestRanger(t)

	input, _ := md.GetMockInput(24)
	input.PulseWidths = []time.Duration{580 * time.Microsecond}

	width, err := ra.GetRangePulseWidth()
	if err != nil {
		t.Fatalf("GetRangePulseWidth returned error: %v", err)
	}
	if width != 580*time.Microsecond {
		t.Errorf("got width %v want %v", width, 580*time.Microsecond)
	}
}

func TestGetRangeTimeout(t *testing.T) {
	ra, md := newTestRanger(t)

	input, _ := md.GetMockInput(24)
	input.NeverPulse = true

	started := time.Now()
	_, err := ra.GetRange()
	assertErrorIs(t, err, drivers.ErrPulseTimeout)

	if time.Since(started) > time.Second {
		t.Error("timed out measurement blocked for too long")
	}
}

func TestSetSpeedOfSound(t *testing.T) {
	uninitialized := &Ranger{DriverName: "mock_driver"}
	assertErrorIs(t, uninitialized.SetSpeedOfSound(340), ErrNotReady)

	ra, md := newTestRanger(t)

	err := ra.SetSpeedOfSound(340)
	if err != nil {
		t.Fatalf("SetSpeedOfSound returned error: %v", err)
	}
	assertFloats(t, ra.SpeedOfSoundInUse(), 340)

	assertErrorIs(t, ra.SetSpeedOfSound(-1), ErrInvalidSpeedOfSound)
	assertErrorIs(t, ra.SetSpeedOfSound(0), ErrInvalidSpeedOfSound)
	assertErrorIs(t, ra.SetSpeedOfSound(math.NaN()), ErrInvalidSpeedOfSound)
	assertErrorIs(t, ra.SetSpeedOfSound(math.Inf(1)), ErrInvalidSpeedOfSound)
	assertFloats(t, ra.SpeedOfSoundInUse(), 340)

	input, _ := md.GetMockInput(24)
	echoWidth := widthFor(1.0)
	input.PulseWidths = []time.Duration{echoWidth}

	got, err := ra.GetRange()
	if err != nil {
		t.Fatalf("GetRange returned error: %v", err)
	}
	assertFloats(t, got, 340*echoWidth.Seconds()/2)

	ra.Cleanup()
	assertErrorIs(t, ra.SetSpeedOfSound(343), ErrClosed)
}

func TestCleanupStateMachine(t *testing.T) {
	notInitialized := &Ranger{DriverName: "mock_driver"}
	_, err := notInitialized.GetRange()
	assertErrorIs(t, err, ErrNotReady)

	err = notInitialized.Cleanup()
	if err != nil {
		t.Errorf("cleanup of uninitialized ranger returned error: %v", err)
	}

	ra, _ := newTestRanger(t)

	_, err = ra.LastMeasurement()
	if err == nil {
		t.Error("expected error from LastMeasurement before any measurement")
	}

	_, err = ra.GetRange()
	if err != nil {
		t.Fatalf("GetRange returned error: %v", err)
	}

	m, err := ra.LastMeasurement()
	if err != nil {
		t.Fatalf("LastMeasurement returned error: %v", err)
	}
	if m.Sensor != "test-ranger" {
		t.Errorf("unexpected measurement sensor name: %q", m.Sensor)
	}

	err = ra.Cleanup()
	if err != nil {
		t.Errorf("first cleanup returned error: %v", err)
	}
	err = ra.Cleanup()
	if err != nil {
		t.Errorf("second cleanup returned error: %v", err)
	}

	_, err = ra.GetRange()
	assertErrorIs(t, err, ErrClosed)
}

func TestSpeedOfSoundAt(t *testing.T) {
	assertFloats(t, SpeedOfSoundAt(0), 331.3)
	assertFloats(t, SpeedOfSoundAt(20), 343.42)
	assertFloats(t, SpeedOfSoundAt(-10), 325.24)
}

func TestTemperatureCorrection(t *testing.T) {
	ra, md := newTestRanger(t)

	thermometer := &Thermometer{Id: "amb1", DisableHomeKit: true}
	thermometer.SetValue(20)

	ra.AttachTemperatureSensor(thermometer)
	assertFloats(t, ra.SpeedOfSoundInUse(), SpeedOfSoundAt(20))

	input, _ := md.GetMockInput(24)
	echoWidth := widthFor(1.0)
	input.PulseWidths = []time.Duration{echoWidth}

	got, err := ra.GetRange()
	if err != nil {
		t.Fatalf("GetRange returned error: %v", err)
	}
	assertFloats(t, got, SpeedOfSoundAt(20)*echoWidth.Seconds()/2)

	// a stale reading falls back to the configured speed
	thermometer.lastSync = time.Now().Add(-oldTemperatureDuration - time.Minute)
	assertFloats(t, ra.SpeedOfSoundInUse(), ra.SpeedOfSound)
}

func TestThermometerStaleness(t *testing.T) {
	thermometer := &Thermometer{Id: "amb1", DisableHomeKit: true}

	_, err := thermometer.GetValue()
	if err == nil {
		t.Error("expected error from thermometer that never synced")
	}

	thermometer.SetValue(21.5)
	val, err := thermometer.GetValue()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	assertFloats(t, val, 21.5)

	thermometer.lastSync = time.Now().Add(-oldTemperatureDuration - time.Minute)
	_, err = thermometer.GetValue()
	if err == nil {
		t.Error("expected error from thermometer with old data")
	}
}

// The sensors ticker updates thermometers while rangers measure; both
// touch the same Thermometer instance.
func TestTemperatureUpdatesDuringMeasurements(t *testing.T) {
	ra, md := newTestRanger(t)

	thermometer := &Thermometer{Id: "amb1", DisableHomeKit: true}
	thermometer.SetValue(20)
	ra.AttachTemperatureSensor(thermometer)

	input, _ := md.GetMockInput(24)
	input.PulseWidths = []time.Duration{widthFor(1.0)}

	done := make(chan error, 1)
	go func() {
		for i := 0; i < 200; i++ {
			if _, err := ra.Measure(); err != nil {
				done <- err
				return
			}
		}
		done <- nil
	}()

	for i := 0; i < 200; i++ {
		thermometer.SetValue(15 + float64(i%10))
	}

	if err := <-done; err != nil {
		t.Fatalf("measure returned error: %v", err)
	}

	thermometer.SetValue(20)
	assertFloats(t, ra.SpeedOfSoundInUse(), SpeedOfSoundAt(20))
}

type capturePublisher struct {
	topics   []string
	payloads [][]byte
}

func (cp *capturePublisher) Publish(topic string, payload []byte) error {
	cp.topics = append(cp.topics, topic)
	cp.payloads = append(cp.payloads, payload)
	return nil
}

func TestRangerMqtt(t *testing.T) {
	ra, _ := newTestRanger(t)

	publisher := &capturePublisher{}
	ra.SetMqtt(publisher, "sonar")

	if ra.MqttSubscribeTopic() != "sonar/test-ranger/measure" {
		t.Errorf("unexpected subscribe topic: %q", ra.MqttSubscribeTopic())
	}

	err := ra.Sync()
	if err != nil {
		t.Fatalf("sync returned error: %v", err)
	}

	if len(publisher.topics) != 1 || publisher.topics[0] != "sonar/test-ranger/range" {
		t.Fatalf("measurement not published, topics: %v", publisher.topics)
	}

	m := Measurement{}
	err = json.Unmarshal(publisher.payloads[0], &m)
	if err != nil {
		t.Fatalf("published payload not json: %v", err)
	}
	if m.Sensor != "test-ranger" || m.Driver != "mock_driver" {
		t.Errorf("unexpected measurement identity: %+v", m)
	}

	ra.MqttHandle(nil)
	if len(publisher.topics) != 2 {
		t.Errorf("measure request did not publish, topics: %v", publisher.topics)
	}
}
