package saga

import (
	"context"
	"fmt"
)

// ActionFunc performs one step's forward work. It receives the accumulated
// saga variables and returns updates to merge into them.
type ActionFunc func(ctx context.Context, vars map[string]any) (map[string]any, error)

// CompensateFunc undoes a completed step's forward work.
type CompensateFunc func(ctx context.Context, vars map[string]any) error

// Step is one unit of a saga. A nil Compensate marks the step as having no
// side effects to undo.
type Step struct {
	Name       string
	Action     ActionFunc
	Compensate CompensateFunc

	// MaxRetries is how many times the action is retried after its first
	// failure before the saga compensates. Negative means use the
	// orchestrator default.
	MaxRetries int
}

// Definition is an ordered list of steps executed as one saga.
type Definition struct {
	Name  string
	Steps []Step
}

func (d Definition) validate() error {
	if d.Name == "" {
		return fmt.Errorf("saga: definition name is required")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("saga %s: at least one step is required", d.Name)
	}
	seen := make(map[string]bool, len(d.Steps))
	for i, s := range d.Steps {
		if s.Name == "" {
			return fmt.Errorf("saga %s: step %d has no name", d.Name, i)
		}
		if seen[s.Name] {
			return fmt.Errorf("saga %s: duplicate step name %q", d.Name, s.Name)
		}
		seen[s.Name] = true
		if s.Action == nil {
			return fmt.Errorf("saga %s: step %q has no action", d.Name, s.Name)
		}
	}
	return nil
}

// stepIndex returns the position of a step by name, or -1.
func (d Definition) stepIndex(name string) int {
	for i, s := range d.Steps {
		if s.Name == name {
			return i
		}
	}
	return -1
}

// mergeVars overlays updates onto base without mutating either. Keys in
// updates win.
func mergeVars(base, updates map[string]any) map[string]any {
	out := make(map[string]any, len(base)+len(updates))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range updates {
		out[k] = v
	}
	return out
}

func copyVars(vars map[string]any) map[string]any {
	return mergeVars(vars, nil)
}
