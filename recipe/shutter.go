package recipe

import (
	"fmt"

	"github.com/lattice-mbe/lattice/device"
)

// shutterAction actuates the named shutters. Cells are a tri-state
// {blank, OPEN, CLOSE}; blank is a no-op for that source.
type shutterAction struct {
	reg  *device.Registry
	cols []string
}

func newShutterAction(reg *device.Registry, cols []string) *shutterAction {
	return &shutterAction{reg: reg, cols: cols}
}

func (a *shutterAction) Kind() Kind { return KindShutter }

func (a *shutterAction) Validate(step Step) error {
	for _, name := range a.cols {
		v, ok := step.Cell(name)
		if !ok {
			continue
		}
		if v != ShutterCellOpen && v != ShutterCellClose {
			return fmt.Errorf("%w: %q for %q", ErrUnknownShutterState, v, name)
		}
		if _, found := a.reg.Shutter(name); !found {
			return fmt.Errorf("%w: shutter %q", ErrUnknownColumn, name)
		}
	}

	return nil
}

func (a *shutterAction) Run(step Step, done func()) error {
	for _, name := range a.cols {
		v, ok := step.Cell(name)
		if !ok {
			continue
		}

		sh, found := a.reg.Shutter(name)
		if !found {
			return fmt.Errorf("%w: shutter %q", ErrUnknownColumn, name)
		}

		var err error
		switch v {
		case ShutterCellOpen:
			err = sh.Open()
		case ShutterCellClose:
			err = sh.Close()
		default:
			err = fmt.Errorf("%w: %q for %q", ErrUnknownShutterState, v, name)
		}
		if err != nil {
			return err
		}
	}

	done()

	return nil
}
