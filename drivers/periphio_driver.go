package drivers

import (
	"context"
	"fmt"
	"time"

	"github.com/pkg/errors"
	"periph.io/x/conn/v3/gpio"
	"periph.io/x/conn/v3/gpio/gpioreg"
	"periph.io/x/host/v3"
)

const periphioDriverName = "periphio"

// PeriphIO works through the periph.io host drivers, so it runs on any
// board periph supports. Echo edges come from the kernel via WaitForEdge
// instead of register polling; timing resolution depends on the platform
// edge latency.
type PeriphIO struct {
	inputs  []*PeriphInput
	outputs []*PeriphOutput

	isReady bool
}

type PeriphInput struct {
	pin  uint16
	line gpio.PinIO
}

type PeriphOutput struct {
	pin  uint16
	line gpio.PinIO
}

func resolvePeriphPin(pin uint16) (gpio.PinIO, error) {
	name := fmt.Sprintf("GPIO%d", pin)
	line := gpioreg.ByName(name)
	if line == nil {
		return nil, errors.Wrapf(ErrPinConfiguration, "pin %d (%s) not present on this host", pin, name)
	}
	return line, nil
}

func (pi *PeriphInput) GetState() (bool, error) {
	return pi.line.Read() == gpio.High, nil
}

func (pi *PeriphInput) MeasurePulse(timeout time.Duration) (width time.Duration, err error) {
	deadline := time.Now().Add(timeout)

	for pi.line.Read() != gpio.High {
		remaining := time.Until(deadline)
		if remaining <= 0 || !pi.line.WaitForEdge(remaining) {
			err = errors.Wrapf(ErrPulseTimeout, "periphio pin %d: no rising edge within %s", pi.pin, timeout)
			return
		}
	}
	risenAt := time.Now()

	for pi.line.Read() == gpio.High {
		remaining := time.Until(deadline)
		if remaining <= 0 || !pi.line.WaitForEdge(remaining) {
			err = errors.Wrapf(ErrPulseTimeout, "periphio pin %d: pulse still high after %s", pi.pin, timeout)
			return
		}
	}

	width = time.Since(risenAt)
	return
}

func (po *PeriphOutput) GetState() (bool, error) {
	return po.line.Read() == gpio.High, nil
}

func (po *PeriphOutput) Set(state bool) error {
	level := gpio.Low
	if state {
		level = gpio.High
	}
	return po.line.Out(level)
}

func (po *PeriphOutput) Pulse(width time.Duration) error {
	err := po.line.Out(gpio.High)
	if err != nil {
		return err
	}
	time.Sleep(width)
	return po.line.Out(gpio.Low)
}

func (pio *PeriphIO) Setup(ctx context.Context, inputs []uint16, outputs []uint16) error {
	if _, err := host.Init(); err != nil {
		return errors.Wrapf(ErrBackendUnavailable, "periph host init: %v", err)
	}

	for _, inPin := range inputs {
		line, err := resolvePeriphPin(inPin)
		if err != nil {
			return err
		}
		err = line.In(gpio.PullDown, gpio.BothEdges)
		if err != nil {
			return errors.Wrapf(ErrPinConfiguration, "failed to set pin %d as input: %v", inPin, err)
		}
		pio.inputs = append(pio.inputs, &PeriphInput{pin: inPin, line: line})
	}

	for _, outPin := range outputs {
		line, err := resolvePeriphPin(outPin)
		if err != nil {
			return err
		}
		err = line.Out(gpio.Low)
		if err != nil {
			return errors.Wrapf(ErrPinConfiguration, "failed to set pin %d as output: %v", outPin, err)
		}
		pio.outputs = append(pio.outputs, &PeriphOutput{pin: outPin, line: line})
	}

	pio.isReady = true
	return nil
}

func (pio *PeriphIO) String() string {
	return periphioDriverName
}

func (pio *PeriphIO) IsReady() bool {
	return pio.isReady
}

func (pio *PeriphIO) Close() (err error) {
	pio.isReady = false
	for _, output := range pio.outputs {
		output.Set(false)
	}
	for _, input := range pio.inputs {
		haltErr := input.line.Halt()
		if haltErr != nil {
			err = haltErr
		}
	}
	return
}

func (pio *PeriphIO) GetInput(pin uint16) (DigitalInput, error) {
	for _, input := range pio.inputs {
		if input.pin == pin {
			return input, nil
		}
	}
	return nil, errors.Errorf("PeriphIO input (pin: %d) not found", pin)
}

func (pio *PeriphIO) GetOutput(pin uint16) (DigitalOutput, error) {
	for _, output := range pio.outputs {
		if output.pin == pin {
			return output, nil
		}
	}
	return nil, errors.Errorf("PeriphIO output (pin: %d) not found", pin)
}

func (pio *PeriphIO) GetAllIo() (inputs []uint16, outputs []uint16) {
	for _, input := range pio.inputs {
		inputs = append(inputs, input.pin)
	}
	for _, output := range pio.outputs {
		outputs = append(outputs, output.pin)
	}
	return
}
