package flight

import (
	"fmt"
	"sync"

	"github.com/yungbote/stairway/errs"
)

// StepEntry pairs a step with its retry rule and recorded name.
type StepEntry struct {
	Step      Step
	RetryRule RetryRule
	Name      string
}

/*
Flight is the ordered step list built by a constructor. Given the same
(className, inputs) a constructor must always produce the same list;
recovery relies on rebuilding an identical flight and resuming it at the
persisted step index.
*/
type Flight struct {
	steps []StepEntry
}

// New returns an empty flight definition.
func New() *Flight {
	return &Flight{}
}

// AddStep appends a step. A nil rule means no retries.
func (f *Flight) AddStep(step Step, rule RetryRule) {
	if rule == nil {
		rule = NewRetryRuleNone()
	}
	f.steps = append(f.steps, StepEntry{Step: step, RetryRule: rule, Name: StepName(step)})
}

// Steps returns the ordered step list.
func (f *Flight) Steps() []StepEntry { return f.steps }

// NumSteps returns the number of steps.
func (f *Flight) NumSteps() int { return len(f.steps) }

// StepNames returns the recorded step names in order.
func (f *Flight) StepNames() []string {
	names := make([]string, len(f.steps))
	for i, s := range f.steps {
		names[i] = s.Name
	}
	return names
}

/*
Constructor builds a flight from its immutable input map and the
application context handle the engine was configured with. It must be
deterministic: recovery calls it again with the same inputs and expects
the same step list.
*/
type Constructor func(inputs *FlightMap, appContext any) (*Flight, error)

/*
Registry is the class-name dispatch table: the persisted class_name
string is bound to a constructor here and nowhere else. Registration
happens at process startup; lookups happen concurrently from workers and
the queue listener.
*/
type Registry struct {
	mu    sync.RWMutex
	ctors map[string]Constructor
}

// NewRegistry returns an empty registry.
func NewRegistry() *Registry {
	return &Registry{ctors: make(map[string]Constructor)}
}

// Register binds className to ctor. Duplicate registration for the same
// name is a wiring bug and fails loudly.
func (r *Registry) Register(className string, ctor Constructor) error {
	if className == "" {
		return fmt.Errorf("%w: empty flight class name", errs.ErrBadRequest)
	}
	if ctor == nil {
		return fmt.Errorf("%w: nil constructor for %q", errs.ErrBadRequest, className)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.ctors[className]; exists {
		return fmt.Errorf("%w: constructor already registered for %q", errs.ErrBadRequest, className)
	}
	r.ctors[className] = ctor
	return nil
}

// Registered reports whether className has a constructor.
func (r *Registry) Registered(className string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.ctors[className]
	return ok
}

// Make constructs the flight for className.
func (r *Registry) Make(className string, inputs *FlightMap, appContext any) (*Flight, error) {
	r.mu.RLock()
	ctor, ok := r.ctors[className]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("%w: no constructor registered for %q", errs.ErrMakeFlight, className)
	}
	f, err := ctor(inputs, appContext)
	if err != nil {
		return nil, fmt.Errorf("%w: constructor for %q: %v", errs.ErrMakeFlight, className, err)
	}
	if f == nil || f.NumSteps() == 0 {
		return nil, fmt.Errorf("%w: constructor for %q produced no steps", errs.ErrMakeFlight, className)
	}
	return f, nil
}
