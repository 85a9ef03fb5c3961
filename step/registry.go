package step

import (
	"errors"
	"fmt"
	"sort"
)

var (
	// ErrDuplicateVersion indicates two registered steps share a version.
	ErrDuplicateVersion = errors.New("duplicate step version")

	// ErrNilStep indicates a factory returned a nil step without an error.
	ErrNilStep = errors.New("step factory returned nil")
)

// Factory constructs a single Step. Factories run once per runner execution,
// so constructor errors (missing dependencies, bad wiring) surface as fatal
// discovery errors instead of panics at registration time.
type Factory func() (Step, error)

// Registry holds the explicit list of step factories a host registers at
// startup. It replaces assembly/package scanning: the host states exactly
// which steps exist, the registry instantiates and orders them.
type Registry struct {
	factories []Factory
}

// NewRegistry returns an empty Registry.
func NewRegistry() *Registry {
	return &Registry{}
}

// Add appends step factories. Returns the registry for chaining.
func (r *Registry) Add(factories ...Factory) *Registry {
	r.factories = append(r.factories, factories...)
	return r
}

// Register appends already-constructed steps. Useful for steps without
// constructor dependencies. Returns the registry for chaining.
func (r *Registry) Register(steps ...Step) *Registry {
	for _, s := range steps {
		s := s
		r.factories = append(r.factories, func() (Step, error) { return s, nil })
	}
	return r
}

// Len reports the number of registered factories.
func (r *Registry) Len() int {
	return len(r.factories)
}

// Discover instantiates every registered factory, validates version
// uniqueness and returns the steps sorted ascending by version. A factory
// failure or a duplicate version is a fatal configuration error.
func (r *Registry) Discover() ([]Step, error) {
	steps := make([]Step, 0, len(r.factories))
	for i, f := range r.factories {
		s, err := f()
		if err != nil {
			return nil, fmt.Errorf("construct migration step %d of %d: %w", i+1, len(r.factories), err)
		}
		if s == nil {
			return nil, fmt.Errorf("migration step %d of %d: %w", i+1, len(r.factories), ErrNilStep)
		}
		steps = append(steps, s)
	}

	sort.SliceStable(steps, func(i, j int) bool {
		return steps[i].Version().LessThan(steps[j].Version())
	})

	for i := 1; i < len(steps); i++ {
		if steps[i].Version().Equal(steps[i-1].Version()) {
			return nil, fmt.Errorf("%w: %s", ErrDuplicateVersion, steps[i].Version().Original())
		}
	}

	return steps, nil
}
