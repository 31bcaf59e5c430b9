package drivers

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/stianeikeland/go-rpio/v4"
)

const gpioDriverName = "gpio"

// GpIO drives the SoC pins directly through the /dev/gpiomem map. Edge
// timing is done by polling the level register, which on a Pi resolves the
// echo pulse to a few microseconds.
type GpIO struct {
	inputs  []GpInput
	outputs []GpOutput

	InvertInputs  bool
	InvertOutputs bool

	isReady bool
}

type GpInput struct {
	pin    uint8
	invert bool
}

type GpOutput struct {
	pin    uint8
	invert bool
}

func (gpi *GpInput) GetState() (state bool, err error) {
	if gpi.invert {
		state = rpio.Pin(gpi.pin).Read() == rpio.Low
	} else {
		state = rpio.Pin(gpi.pin).Read() == rpio.High
	}

	return
}

func (gpi *GpInput) MeasurePulse(timeout time.Duration) (width time.Duration, err error) {
	active := rpio.High
	if gpi.invert {
		active = rpio.Low
	}

	pin := rpio.Pin(gpi.pin)
	deadline := time.Now().Add(timeout)

	for pin.Read() != active {
		if time.Now().After(deadline) {
			err = errors.Wrapf(ErrPulseTimeout, "gpio pin %d: no rising edge within %s", gpi.pin, timeout)
			return
		}
	}
	risenAt := time.Now()

	for pin.Read() == active {
		if time.Now().After(deadline) {
			err = errors.Wrapf(ErrPulseTimeout, "gpio pin %d: pulse still high after %s", gpi.pin, timeout)
			return
		}
	}

	width = time.Since(risenAt)
	return
}

func (gpo *GpOutput) Set(state bool) error {

	if gpo.invert {
		state = !state
	}
	if state {
		rpio.Pin(gpo.pin).High()
	} else {
		rpio.Pin(gpo.pin).Low()
	}

	return nil
}

func (gpo *GpOutput) Pulse(width time.Duration) error {
	err := gpo.Set(true)
	if err != nil {
		return err
	}
	time.Sleep(width)
	return gpo.Set(false)
}

func (gpo *GpOutput) GetState() (state bool, err error) {
	if gpo.invert {
		state = rpio.Pin(gpo.pin).Read() == rpio.Low
	} else {
		state = rpio.Pin(gpo.pin).Read() == rpio.High
	}

	return
}

func (gp *GpIO) Setup(ctx context.Context, inputs []uint16, outputs []uint16) error {
	err := rpio.Open()
	if err != nil {
		return errors.Wrapf(ErrBackendUnavailable, "failed to open gpio memory map: %v", err)
	}
	for _, inPin := range inputs {
		if inPin > 255 {
			return errors.Wrapf(ErrPinConfiguration, "input pin %d out of range (gpio takes uint8 pin)", inPin)
		}
		pin := rpio.Pin(inPin)
		pin.Input()
		// echo lines idle low, keep them there between pulses
		pin.PullDown()
		gp.inputs = append(gp.inputs, GpInput{pin: uint8(inPin), invert: gp.InvertInputs})
	}

	for _, outPin := range outputs {
		if outPin > 255 {
			return errors.Wrapf(ErrPinConfiguration, "output pin %d out of range (gpio takes uint8 pin)", outPin)
		}
		pin := rpio.Pin(outPin)
		pin.Output()
		pin.Low()
		gp.outputs = append(gp.outputs, GpOutput{pin: uint8(outPin), invert: gp.InvertOutputs})
	}

	gp.isReady = true
	return nil
}

func (gp *GpIO) String() string {
	return gpioDriverName
}

func (gp *GpIO) IsReady() bool {
	return gp.isReady
}

func (gp *GpIO) Close() error {
	gp.isReady = false
	for _, output := range gp.outputs {
		output.Set(false)
		// leave the line safe as an input, the way it powers up
		rpio.Pin(output.pin).Input()
	}
	return rpio.Close()
}

func (gp *GpIO) GetInput(id uint16) (input DigitalInput, err error) {
	if id > 255 {
		err = errors.Wrapf(ErrPinConfiguration, "pin id %d out of range (gpio takes uint8 pin)", id)
		return
	}
	for i := range gp.inputs {
		if gp.inputs[i].pin == uint8(id) {
			input = &gp.inputs[i]
			return
		}
	}

	err = errors.Errorf("GpIO input (id: %d) not found", id)
	return
}

func (gp *GpIO) GetOutput(id uint16) (output DigitalOutput, err error) {
	if id > 255 {
		err = errors.Wrapf(ErrPinConfiguration, "pin id %d out of range (gpio takes uint8 pin)", id)
		return
	}
	for i := range gp.outputs {
		if gp.outputs[i].pin == uint8(id) {
			output = &gp.outputs[i]
			return
		}
	}

	err = errors.Errorf("GpIO output (id: %d) not found", id)
	return
}

func (gp *GpIO) GetAllIo() (inputs []uint16, outputs []uint16) {
	for _, input := range gp.inputs {
		inputs = append(inputs, uint16(input.pin))
	}

	for _, output := range gp.outputs {
		outputs = append(outputs, uint16(output.pin))
	}

	return
}
