package recipe

import (
	"fmt"

	"github.com/lattice-mbe/lattice/device"
)

// rateLimitAction writes each populated numeric cell as a literal rate limit
// to its named source. The source's safety envelope still decides the
// effective hardware value.
type rateLimitAction struct {
	reg  *device.Registry
	cols []string
}

func newRateLimitAction(reg *device.Registry, cols []string) *rateLimitAction {
	return &rateLimitAction{reg: reg, cols: cols}
}

func (a *rateLimitAction) Kind() Kind { return KindRateLimit }

func (a *rateLimitAction) Validate(step Step) error {
	values, err := numericCells(step, a.cols)
	if err != nil {
		return err
	}

	for name, v := range values {
		if _, ok := a.reg.Source(name); !ok {
			return fmt.Errorf("%w: source %q", ErrUnknownColumn, name)
		}
		if v <= 0 {
			return fmt.Errorf("%w: rate limit %v for %q must be positive",
				ErrValueOutOfRange, v, name)
		}
	}

	return nil
}

func (a *rateLimitAction) Run(step Step, done func()) error {
	values, err := numericCells(step, a.cols)
	if err != nil {
		return err
	}

	for name, v := range values {
		src, ok := a.reg.Source(name)
		if !ok {
			return fmt.Errorf("%w: source %q", ErrUnknownColumn, name)
		}
		if err := src.SetRateLimit(v); err != nil {
			return err
		}
	}

	done()

	return nil
}
