package drivers

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/pkg/errors"
)

const mockDriverName = "mock_driver"

// mockPulseWidth is returned when no widths are scripted, about 20 cm of
// range at the default speed of sound.
const mockPulseWidth = 1166 * time.Microsecond

type MockOutput struct {
	state            bool
	pin              uint16
	writeTo          io.Writer
	writeStateChange bool

	Pulses []time.Duration
}

func (mo *MockOutput) GetState() (bool, error) {
	return mo.state, nil
}

func (mo *MockOutput) Set(state bool) error {
	if mo.writeStateChange && state != mo.state {
		fmt.Fprintf(mo.writeTo, "[pin %d] state changed to %v\n", mo.pin, state)
	}
	mo.state = state
	return nil
}

func (mo *MockOutput) Pulse(width time.Duration) error {
	mo.Pulses = append(mo.Pulses, width)
	if mo.writeStateChange {
		fmt.Fprintf(mo.writeTo, "[pin %d] pulsed high for %v\n", mo.pin, width)
	}
	return nil
}

type MockInput struct {
	State bool
	pin   uint16

	// NeverPulse makes MeasurePulse fail immediately, as if the sensor
	// was disconnected.
	NeverPulse bool

	// PulseWidths are consumed front to back; the last one repeats so a
	// short script keeps a long test running. Use SetPulseWidths to swap
	// the script while another goroutine is measuring.
	PulseWidths []time.Duration

	MeasureCalls int

	mu sync.Mutex
}

func (mi *MockInput) GetState() (bool, error) {
	return mi.State, nil
}

// SetPulseWidths replaces the scripted widths, also mid-measurement.
func (mi *MockInput) SetPulseWidths(widths ...time.Duration) {
	mi.mu.Lock()
	defer mi.mu.Unlock()
	mi.PulseWidths = widths
}

func (mi *MockInput) MeasurePulse(timeout time.Duration) (width time.Duration, err error) {
	mi.mu.Lock()
	defer mi.mu.Unlock()

	mi.MeasureCalls++

	if mi.NeverPulse {
		err = errors.Wrapf(ErrPulseTimeout, "mock pin %d: no pulse within %s", mi.pin, timeout)
		return
	}

	if len(mi.PulseWidths) == 0 {
		width = mockPulseWidth
		return
	}

	width = mi.PulseWidths[0]
	if len(mi.PulseWidths) > 1 {
		mi.PulseWidths = mi.PulseWidths[1:]
	}
	return
}

type MockIoDriver struct {
	inputs  []*MockInput
	outputs []*MockOutput
	ready   bool
}

func (md *MockIoDriver) Setup(ctx context.Context, inputs []uint16, outputs []uint16) error {
	for _, inPin := range inputs {
		md.inputs = append(md.inputs, &MockInput{pin: inPin})
	}
	for _, outPin := range outputs {
		md.outputs = append(md.outputs, &MockOutput{pin: outPin})
	}
	md.ready = true
	return nil
}

func (md *MockIoDriver) Close() error {
	md.ready = false
	return nil
}

func (md *MockIoDriver) String() string {
	return mockDriverName
}

func (md *MockIoDriver) IsReady() bool {
	return md.ready
}

func (md *MockIoDriver) GetInput(pin uint16) (DigitalInput, error) {
	for _, input := range md.inputs {
		if pin == input.pin {
			return input, nil
		}
	}
	return nil, errors.Errorf("mock input %d not found", pin)
}

func (md *MockIoDriver) GetOutput(pin uint16) (DigitalOutput, error) {
	for _, output := range md.outputs {
		if pin == output.pin {
			return output, nil
		}
	}
	return nil, errors.Errorf("mock output %d not found", pin)
}

func (md *MockIoDriver) GetAllIo() (inputs []uint16, outputs []uint16) {
	for _, input := range md.inputs {
		inputs = append(inputs, input.pin)
	}
	for _, output := range md.outputs {
		outputs = append(outputs, output.pin)
	}
	return
}

// GetMockInput exposes the concrete input so tests and the mock command
// can script pulse widths or flip the state directly.
func (md *MockIoDriver) GetMockInput(pin uint16) (*MockInput, error) {
	for _, input := range md.inputs {
		if pin == input.pin {
			return input, nil
		}
	}
	return nil, errors.Errorf("mock input %d not found", pin)
}

// GetMockOutput exposes the concrete output so tests can inspect
// recorded pulses.
func (md *MockIoDriver) GetMockOutput(pin uint16) (*MockOutput, error) {
	for _, output := range md.outputs {
		if pin == output.pin {
			return output, nil
		}
	}
	return nil, errors.Errorf("mock output %d not found", pin)
}

func (md *MockIoDriver) MonitorStateChanges(writer io.Writer) {
	for _, out := range md.outputs {
		out.writeTo = writer
		out.writeStateChange = true
	}
}
