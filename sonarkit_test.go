package sonarkit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"syscall"
	"testing"
	"time"
)

const testConfig = `
{
	"Name": "test-kit",
	"FakeDriver": {},
	"Rangers": [
		{
			"Name": "hall",
			"DriverName": "mock_driver",
			"TriggerPin": 23,
			"EchoPin": 24
		}
	],
	"PresenceSensors": [
		{
			"Name": "desk",
			"RangerName": "hall",
			"PresenceBelow": 1.0,
			"Indicator": {
				"Pin": 17,
				"DriverName": "mock_driver"
			}
		}
	]
}
`

func loadTestKit(t testing.TB) *SonarKit {
	t.Helper()

	sk := &SonarKit{}
	err := json.Unmarshal([]byte(testConfig), sk)
	if err != nil {
		t.Fatalf("config unmarshal failed: %v", err)
	}

	return sk
}

func TestSonarKitFromConfig(t *testing.T) {
	sk := loadTestKit(t)

	err := sk.InitDrivers(context.Background())
	if err != nil {
		t.Fatalf("InitDrivers returned error: %v", err)
	}
	if !sk.FakeDriver.IsReady() {
		t.Fatal("fake driver not ready after InitDrivers")
	}

	inputs, outputs := sk.FakeDriver.GetAllIo()
	if len(inputs) != 1 || inputs[0] != 24 {
		t.Errorf("unexpected input pins: %v", inputs)
	}
	if len(outputs) != 2 || outputs[0] != 23 || outputs[1] != 17 {
		t.Errorf("unexpected output pins: %v", outputs)
	}

	err = sk.InitRangers()
	if err != nil {
		t.Fatalf("InitRangers returned error: %v", err)
	}

	err = sk.InitSensors()
	if err != nil {
		t.Fatalf("InitSensors returned error: %v", err)
	}
	err = sk.MatchSensors()
	if err != nil {
		t.Fatalf("MatchSensors returned error: %v", err)
	}

	err = sk.MatchPresence()
	if err != nil {
		t.Fatalf("MatchPresence returned error: %v", err)
	}

	sk.syncRangers()

	ps := sk.PresenceSensors[0]
	assertBools(t, ps.GetValue(), true)

	indicator, err := sk.FakeDriver.GetMockOutput(17)
	if err != nil {
		t.Fatalf("indicator output missing: %v", err)
	}
	state, _ := indicator.GetState()
	assertBools(t, state, true)

	accessories := sk.GetHkAccessories("1.0.0")
	if len(accessories) != 1 {
		t.Fatalf("expected 1 accessory, got %d", len(accessories))
	}
	if accessories[0].Id != ps.GetUniqueId() {
		t.Errorf("accessory id %d does not match sensor id %d", accessories[0].Id, ps.GetUniqueId())
	}

	err = sk.Close()
	if err != nil {
		t.Errorf("Close returned error: %v", err)
	}
	if sk.FakeDriver.IsReady() {
		t.Error("fake driver still ready after Close")
	}
	_, err = sk.Rangers[0].GetRange()
	assertErrorIs(t, err, ErrClosed)
}

func TestSonarKitMissingDriver(t *testing.T) {
	sk := &SonarKit{
		Rangers: []*Ranger{
			{Name: "hall", DriverName: "gpio", TriggerPin: 23, EchoPin: 24},
		},
	}

	err := sk.InitDrivers(context.Background())
	if err == nil {
		t.Error("expected error for unconfigured ranger driver")
	}
}

func TestSonarKitMissingSensorDriver(t *testing.T) {
	sk := &SonarKit{
		Thermometers: []*Thermometer{
			{Id: "amb1", Name: "ambient", DriverName: "wire"},
		},
	}

	err := sk.InitSensors()
	if err == nil {
		t.Error("expected error for unconfigured sensor driver")
	}
}

func TestSonarKitMissingTemperatureSensor(t *testing.T) {
	sk := loadTestKit(t)
	sk.Rangers[0].TemperatureSensorId = "no-such-sensor"

	err := sk.InitDrivers(context.Background())
	if err != nil {
		t.Fatalf("InitDrivers returned error: %v", err)
	}
	err = sk.InitSensors()
	if err != nil {
		t.Fatalf("InitSensors returned error: %v", err)
	}

	err = sk.MatchSensors()
	if err == nil {
		t.Error("expected error for missing temperature sensor")
	}

	sk.Close()
}

func TestSonarKitMissingRanger(t *testing.T) {
	sk := loadTestKit(t)
	sk.PresenceSensors[0].RangerName = "no-such-ranger"

	err := sk.InitDrivers(context.Background())
	if err != nil {
		t.Fatalf("InitDrivers returned error: %v", err)
	}

	err = sk.MatchPresence()
	if err == nil {
		t.Error("expected error for missing ranger")
	}

	sk.Close()
}

func TestPrintIoStatus(t *testing.T) {
	sk := loadTestKit(t)

	err := sk.InitDrivers(context.Background())
	if err != nil {
		t.Fatalf("InitDrivers returned error: %v", err)
	}
	defer sk.Close()

	buf := &bytes.Buffer{}
	sk.PrintIoStatus(buf)

	out := buf.String()
	if !strings.Contains(out, "mock_driver") {
		t.Errorf("status output missing driver name:\n%s", out)
	}
	if !strings.Contains(out, "24") || !strings.Contains(out, "23") {
		t.Errorf("status output missing pins:\n%s", out)
	}
}

func TestStartTickerStops(t *testing.T) {
	sk := loadTestKit(t)

	err := sk.InitDrivers(context.Background())
	if err != nil {
		t.Fatalf("InitDrivers returned error: %v", err)
	}
	err = sk.InitRangers()
	if err != nil {
		t.Fatalf("InitRangers returned error: %v", err)
	}
	err = sk.InitSensors()
	if err != nil {
		t.Fatalf("InitSensors returned error: %v", err)
	}
	err = sk.MatchPresence()
	if err != nil {
		t.Fatalf("MatchPresence returned error: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		sk.StartTicker(ctx, 10*time.Millisecond, time.Minute)
		close(done)
	}()

	time.Sleep(50 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("ticker did not stop on context cancel")
	}

	input, _ := sk.FakeDriver.GetMockInput(24)
	if input.MeasureCalls == 0 {
		t.Error("ticker never measured")
	}

	sk.Close()
}

func TestSonarKitSlaveBackingDriver(t *testing.T) {
	slaveConfig := `
	{
		"FakeDriver": {},
		"RemoteSlave": {
			"DriverName": "mock_driver",
			"HttpAddr": "127.0.0.1:0"
		},
		"Rangers": [
			{
				"Name": "hall",
				"DriverName": "mock_driver",
				"TriggerPin": 23,
				"EchoPin": 24
			}
		]
	}
	`

	sk := &SonarKit{}
	err := json.Unmarshal([]byte(slaveConfig), sk)
	if err != nil {
		t.Fatalf("config unmarshal failed: %v", err)
	}

	err = sk.InitDrivers(context.Background())
	if err != nil {
		t.Fatalf("InitDrivers returned error: %v", err)
	}
	defer sk.Close()

	if !sk.RemoteSlave.IsReady() {
		t.Fatal("remote slave not ready after InitDrivers")
	}

	inputs, outputs := sk.RemoteSlave.GetAllIo()
	if len(inputs) != 1 || inputs[0] != 24 {
		t.Errorf("slave does not expose backing inputs: %v", inputs)
	}
	if len(outputs) != 1 || outputs[0] != 23 {
		t.Errorf("slave does not expose backing outputs: %v", outputs)
	}
}

func TestSonarKitSlaveMissingBacking(t *testing.T) {
	sk := &SonarKit{}
	err := json.Unmarshal([]byte(`{"RemoteSlave": {"DriverName": "gpio"}}`), sk)
	if err != nil {
		t.Fatalf("config unmarshal failed: %v", err)
	}

	err = sk.InitDrivers(context.Background())
	if err == nil {
		t.Fatal("expected error for missing backing driver")
	}
	if !strings.Contains(err.Error(), "gpio") {
		t.Errorf("error does not name the missing driver: %v", err)
	}
}

func TestWatchInterrupts(t *testing.T) {
	ctx, cancel := watchInterrupts(context.Background())
	defer cancel()

	err := syscall.Kill(syscall.Getpid(), syscall.SIGTERM)
	if err != nil {
		t.Fatalf("sending SIGTERM failed: %v", err)
	}

	select {
	case <-ctx.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("context not cancelled after SIGTERM")
	}
}
