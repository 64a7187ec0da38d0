package engine

import (
	"sort"
	"sync"

	"github.com/eleven-am/plexus/internal/domain"
	"github.com/eleven-am/plexus/internal/ports"
)

// Registry is the in-process step registry keyed by step type.
type Registry struct {
	mu    sync.RWMutex
	steps map[string]ports.Step
}

func NewRegistry() *Registry {
	return &Registry{steps: make(map[string]ports.Step)}
}

func (r *Registry) Register(stepType string, step ports.Step) error {
	if stepType == "" {
		return newValidationError(stepsComponent, "step type is required", nil)
	}
	if step == nil {
		return newValidationError(stepsComponent, "step implementation is required", nil, domain.WithDetail("step_type", stepType))
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.steps[stepType]; exists {
		return domain.NewConflictError("step type already registered", nil,
			domain.WithComponent(stepsComponent),
			domain.WithCode("STEP_CONFLICT"),
			domain.WithDetail("step_type", stepType))
	}
	r.steps[stepType] = step
	return nil
}

func (r *Registry) Get(stepType string) (ports.Step, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	step, ok := r.steps[stepType]
	return step, ok
}

func (r *Registry) Types() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	types := make([]string, 0, len(r.steps))
	for stepType := range r.steps {
		types = append(types, stepType)
	}
	sort.Strings(types)
	return types
}

var _ ports.StepRegistry = (*Registry)(nil)
