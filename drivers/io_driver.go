package drivers

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// Sentinel errors shared by all backend drivers. Callers branch on these
// with errors.Is; drivers wrap them with context.
var (
	// ErrBackendUnavailable: the GPIO backend (memory map, I2C bus, daemon)
	// could not be reached or opened.
	ErrBackendUnavailable = errors.New("gpio backend unavailable")

	// ErrPinConfiguration: a pin number is invalid for the backend or could
	// not be configured in the requested direction.
	ErrPinConfiguration = errors.New("pin configuration failed")

	// ErrPulseTimeout: MeasurePulse saw no complete pulse before its deadline.
	ErrPulseTimeout = errors.New("timeout waiting for pulse")
)

type IoDriver interface {
	Setup(ctx context.Context, inputs []uint16, outputs []uint16) error
	Close() error
	String() string
	IsReady() bool
	GetInput(pin uint16) (DigitalInput, error)
	GetOutput(pin uint16) (DigitalOutput, error)
	GetAllIo() (inputs []uint16, outputs []uint16)
}

func MapAllIoDrivers() map[string]IoDriver {
	drivers := []IoDriver{
		&GpIO{},
		&PeriphIO{},
		&McpIO{},
		&RemoteIO{},
		&RemoteIoSlave{},
		&MockIoDriver{},
	}

	mapped := make(map[string]IoDriver)
	for _, driver := range drivers {
		mapped[driver.String()] = driver
	}
	return mapped
}

type DigitalInput interface {
	GetState() (bool, error)

	// MeasurePulse blocks until the line completes one high pulse (rising
	// edge followed by falling edge) and returns the pulse width. A line
	// already high when called counts as the rising edge. Returns an error
	// wrapping ErrPulseTimeout if the pulse does not complete within
	// timeout; it never blocks past the deadline. How the edges are
	// detected (register polling, kernel events, daemon side) is the
	// driver's business.
	MeasurePulse(timeout time.Duration) (time.Duration, error)
}

type DigitalOutput interface {
	GetState() (bool, error)
	Set(bool) error

	// Pulse drives the line high for width, then low again. The line is
	// left low regardless of its prior state.
	Pulse(width time.Duration) error
}
