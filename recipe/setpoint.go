package recipe

import (
	"fmt"

	"github.com/lattice-mbe/lattice/device"
)

// setpointAction writes each populated numeric cell as a literal setpoint to
// its named source.
type setpointAction struct {
	reg  *device.Registry
	cols []string
}

func newSetpointAction(reg *device.Registry, cols []string) *setpointAction {
	return &setpointAction{reg: reg, cols: cols}
}

func (a *setpointAction) Kind() Kind { return KindSetpoint }

func (a *setpointAction) Validate(step Step) error {
	values, err := numericCells(step, a.cols)
	if err != nil {
		return err
	}

	for name, v := range values {
		src, ok := a.reg.Source(name)
		if !ok {
			return fmt.Errorf("%w: source %q", ErrUnknownColumn, name)
		}
		if v < 0 || v > src.MaxSetpoint() {
			return fmt.Errorf("%w: setpoint %v for %q outside [0, %v]",
				ErrValueOutOfRange, v, name, src.MaxSetpoint())
		}
	}

	return nil
}

func (a *setpointAction) Run(step Step, done func()) error {
	values, err := numericCells(step, a.cols)
	if err != nil {
		return err
	}

	for name, v := range values {
		src, ok := a.reg.Source(name)
		if !ok {
			return fmt.Errorf("%w: source %q", ErrUnknownColumn, name)
		}
		if err := src.SetSetpoint(v); err != nil {
			return err
		}
	}

	done()

	return nil
}
