package drivers

import (
	"context"
	"time"

	"github.com/pkg/errors"
	"github.com/racerxdl/go-mcp23017"
)

const mcpioDriverName = "mcpio"

// McpIO drives an MCP23017 expander over i2c. Every read is a bus
// transaction, so MeasurePulse resolution is in the milliseconds; use it
// for slow signals and keep fast echo lines on a direct gpio driver.
type McpIO struct {
	device *mcp23017.Device

	inputs  []McpInput
	outputs []McpOutput
	isReady bool

	BusNo         uint8
	DevNo         uint8
	InvertInputs  bool
	InvertOutputs bool
}

type McpInput struct {
	pin    uint8
	invert bool

	device *mcp23017.Device
}

type McpOutput struct {
	pin    uint8
	invert bool

	device *mcp23017.Device
}

func (min *McpInput) GetState() (state bool, err error) {
	rawState, err := min.device.DigitalRead(min.pin)
	if err != nil {
		return
	}

	if min.invert {
		state = !bool(rawState)
	} else {
		state = bool(rawState)
	}
	return
}

func (min *McpInput) MeasurePulse(timeout time.Duration) (width time.Duration, err error) {
	deadline := time.Now().Add(timeout)

	for {
		state, readErr := min.GetState()
		if readErr != nil {
			err = readErr
			return
		}
		if state {
			break
		}
		if time.Now().After(deadline) {
			err = errors.Wrapf(ErrPulseTimeout, "mcpio pin %d: no rising edge within %s", min.pin, timeout)
			return
		}
	}
	risenAt := time.Now()

	for {
		state, readErr := min.GetState()
		if readErr != nil {
			err = readErr
			return
		}
		if !state {
			break
		}
		if time.Now().After(deadline) {
			err = errors.Wrapf(ErrPulseTimeout, "mcpio pin %d: pulse still high after %s", min.pin, timeout)
			return
		}
	}

	width = time.Since(risenAt)
	return
}

func (mout *McpOutput) GetState() (state bool, err error) {
	rawState, err := mout.device.DigitalRead(mout.pin)
	if err != nil {
		return
	}

	if mout.invert {
		state = !bool(rawState)
	} else {
		state = bool(rawState)
	}
	return
}

func (mout *McpOutput) Set(state bool) (err error) {
	if mout.invert {
		state = !state
	}

	err = mout.device.DigitalWrite(mout.pin, mcp23017.PinLevel(state))

	return
}

func (mout *McpOutput) Pulse(width time.Duration) (err error) {
	err = mout.Set(true)
	if err != nil {
		return
	}
	time.Sleep(width)
	err = mout.Set(false)
	return
}

func (mcp *McpIO) String() string {
	return mcpioDriverName
}

func (mcp *McpIO) IsReady() bool {
	return mcp.isReady
}

func (mcp *McpIO) Setup(ctx context.Context, inputs []uint16, outputs []uint16) (err error) {
	mcp.device, err = mcp23017.Open(mcp.BusNo, mcp.DevNo)
	if err != nil {
		err = errors.Wrapf(ErrBackendUnavailable, "opening mcp23017 (bus %d dev %d): %v", mcp.BusNo, mcp.DevNo, err)
		return
	}

	for _, inputPin := range inputs {
		if inputPin > 255 {
			err = errors.Wrapf(ErrPinConfiguration, "input pin %d out of range (mcpio takes uint8 pin id)", inputPin)
			return
		}
		err = mcp.device.PinMode(uint8(inputPin), mcp23017.INPUT)
		if err != nil {
			err = errors.Wrapf(ErrPinConfiguration, "failed to set pin %d as input: %v", inputPin, err)
			return
		}
		err = mcp.device.SetPullUp(uint8(inputPin), true)
		if err != nil {
			err = errors.Wrapf(ErrPinConfiguration, "failed to set pull up on pin %d: %v", inputPin, err)
			return
		}
		mcp.inputs = append(mcp.inputs, McpInput{pin: uint8(inputPin), invert: mcp.InvertInputs, device: mcp.device})
	}

	for _, outputPin := range outputs {
		if outputPin > 255 {
			err = errors.Wrapf(ErrPinConfiguration, "output pin %d out of range (mcpio takes uint8 pin id)", outputPin)
			return
		}
		err = mcp.device.PinMode(uint8(outputPin), mcp23017.OUTPUT)
		if err != nil {
			err = errors.Wrapf(ErrPinConfiguration, "failed to set pin %d as output: %v", outputPin, err)
			return
		}
		mcp.outputs = append(mcp.outputs, McpOutput{pin: uint8(outputPin), invert: mcp.InvertOutputs, device: mcp.device})
	}

	mcp.isReady = err == nil

	return
}

func (mcp *McpIO) GetInput(pin uint16) (input DigitalInput, err error) {
	for i := range mcp.inputs {
		if mcp.inputs[i].pin == uint8(pin) {
			input = &mcp.inputs[i]
			return
		}
	}

	err = errors.Errorf("McpIO input (pin: %d) not found", pin)
	return
}

func (mcp *McpIO) GetOutput(pin uint16) (output DigitalOutput, err error) {
	for i := range mcp.outputs {
		if mcp.outputs[i].pin == uint8(pin) {
			output = &mcp.outputs[i]
			return
		}
	}

	err = errors.Errorf("McpIO output (pin: %d) not found", pin)
	return
}

func (mcp *McpIO) Close() error {
	mcp.isReady = false
	for i := range mcp.outputs {
		mcp.outputs[i].Set(false)
	}
	return mcp.device.Close()
}

func (mcp *McpIO) GetAllIo() (inputs []uint16, outputs []uint16) {
	for _, input := range mcp.inputs {
		inputs = append(inputs, uint16(input.pin))
	}

	for _, output := range mcp.outputs {
		outputs = append(outputs, uint16(output.pin))
	}

	return
}
