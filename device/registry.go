package device

import (
	"fmt"
	"sync"

	"github.com/puzpuzpuz/xsync/v3"
)

// Registry holds the configured devices keyed by name. Names are the stable
// keys used by the recipe engine; insertion order is preserved because the
// recipe CSV header must match the configured source order exactly.
type Registry struct {
	sources  *xsync.MapOf[string, *Source]
	shutters *xsync.MapOf[string, *Shutter]
	gauges   *xsync.MapOf[string, *PressureGauge]

	mu           sync.Mutex
	sourceOrder  []string
	shutterOrder []string
	gaugeOrder   []string
}

// NewRegistry creates an empty device registry.
func NewRegistry() *Registry {
	return &Registry{
		sources:  xsync.NewMapOf[string, *Source](),
		shutters: xsync.NewMapOf[string, *Shutter](),
		gauges:   xsync.NewMapOf[string, *PressureGauge](),
	}
}

// AddSource registers a source. The name must be unique among sources.
func (r *Registry) AddSource(s *Source) error {
	if _, loaded := r.sources.LoadOrStore(s.Name(), s); loaded {
		return fmt.Errorf("%w: source %q", ErrDuplicateDevice, s.Name())
	}

	r.mu.Lock()
	r.sourceOrder = append(r.sourceOrder, s.Name())
	r.mu.Unlock()

	return nil
}

// AddShutter registers a shutter. The name must be unique among shutters.
func (r *Registry) AddShutter(s *Shutter) error {
	if _, loaded := r.shutters.LoadOrStore(s.Name(), s); loaded {
		return fmt.Errorf("%w: shutter %q", ErrDuplicateDevice, s.Name())
	}

	r.mu.Lock()
	r.shutterOrder = append(r.shutterOrder, s.Name())
	r.mu.Unlock()

	return nil
}

// AddGauge registers a pressure gauge. The name must be unique among gauges.
func (r *Registry) AddGauge(g *PressureGauge) error {
	if _, loaded := r.gauges.LoadOrStore(g.Name(), g); loaded {
		return fmt.Errorf("%w: gauge %q", ErrDuplicateDevice, g.Name())
	}

	r.mu.Lock()
	r.gaugeOrder = append(r.gaugeOrder, g.Name())
	r.mu.Unlock()

	return nil
}

// Source looks up a source by name.
func (r *Registry) Source(name string) (*Source, bool) {
	return r.sources.Load(name)
}

// Shutter looks up a shutter by name.
func (r *Registry) Shutter(name string) (*Shutter, bool) {
	return r.shutters.Load(name)
}

// Gauge looks up a gauge by name.
func (r *Registry) Gauge(name string) (*PressureGauge, bool) {
	return r.gauges.Load(name)
}

// SourceNames returns the source names in registration order.
func (r *Registry) SourceNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.sourceOrder...)
}

// ShutterNames returns the shutter names in registration order.
func (r *Registry) ShutterNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.shutterOrder...)
}

// GaugeNames returns the gauge names in registration order.
func (r *Registry) GaugeNames() []string {
	r.mu.Lock()
	defer r.mu.Unlock()

	return append([]string(nil), r.gaugeOrder...)
}

// EachSource calls fn for every source in registration order.
func (r *Registry) EachSource(fn func(*Source)) {
	for _, name := range r.SourceNames() {
		if s, ok := r.sources.Load(name); ok {
			fn(s)
		}
	}
}

// EachShutter calls fn for every shutter in registration order.
func (r *Registry) EachShutter(fn func(*Shutter)) {
	for _, name := range r.ShutterNames() {
		if s, ok := r.shutters.Load(name); ok {
			fn(s)
		}
	}
}

// EachGauge calls fn for every gauge in registration order.
func (r *Registry) EachGauge(fn func(*PressureGauge)) {
	for _, name := range r.GaugeNames() {
		if g, ok := r.gauges.Load(name); ok {
			fn(g)
		}
	}
}
