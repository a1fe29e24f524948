package taskengine

import (
	"context"
	"fmt"
)

// PhaseContext accumulates intermediate phase outputs, keyed by phase name,
// as a subagent task progresses.
type PhaseContext struct {
	Outputs map[string]any
}

func newPhaseContext() *PhaseContext {
	return &PhaseContext{Outputs: make(map[string]any)}
}

// Phase is one named step of a subagent task. DependsOn is optional: a phase
// list with no declared dependencies runs in pure declaration order, exactly
// as the sequential base case requires. Declaring dependencies lets
// independent phases run concurrently via the same wave-based topological
// sort the reference project's DAG executor uses for plan steps.
type Phase struct {
	Name      string
	DependsOn []string
	Run       func(ctx context.Context, task *Task, pctx *PhaseContext) (any, error)
}

// PhaseExecutor runs an ordered (or DAG-declared) sequence of phases for a
// subagent task, recording the task as failed if any phase errors.
type PhaseExecutor struct {
	store *Store
}

// NewPhaseExecutor constructs a PhaseExecutor backed by store for failure recording.
func NewPhaseExecutor(store *Store) *PhaseExecutor {
	return &PhaseExecutor{store: store}
}

// Run executes phases against task, in topologically-sorted waves. A task
// with a linear phase list (no DependsOn) produces one phase per wave, i.e.
// pure sequential execution.
func (e *PhaseExecutor) Run(ctx context.Context, task *Task, phases []Phase) (*PhaseContext, error) {
	waves, err := topoSortPhases(phases)
	if err != nil {
		e.fail(task, err)
		return nil, err
	}

	pctx := newPhaseContext()
	for _, wave := range waves {
		if err := e.runWave(ctx, task, wave, pctx); err != nil {
			e.fail(task, err)
			return pctx, err
		}
	}
	return pctx, nil
}

func (e *PhaseExecutor) runWave(ctx context.Context, task *Task, wave []Phase, pctx *PhaseContext) error {
	type result struct {
		name string
		out  any
		err  error
	}
	results := make(chan result, len(wave))
	for _, p := range wave {
		p := p
		go func() {
			out, err := p.Run(ctx, task, pctx)
			results <- result{name: p.Name, out: out, err: err}
		}()
	}
	var firstErr error
	for range wave {
		r := <-results
		if r.err != nil {
			if firstErr == nil {
				firstErr = fmt.Errorf("phase %s: %w", r.name, r.err)
			}
			continue
		}
		pctx.Outputs[r.name] = r.out
	}
	return firstErr
}

func (e *PhaseExecutor) fail(task *Task, cause error) {
	if e.store == nil {
		return
	}
	_, _ = e.store.Update(task.ID, func(t *Task) {
		t.Status = StatusFailed
		t.Error = cause.Error()
	})
}

// topoSortPhases groups phases into dependency waves via Kahn's algorithm,
// the same shape used for subagent execution plans, generalized here to a
// linear default when no phase declares a dependency.
func topoSortPhases(phases []Phase) ([][]Phase, error) {
	byName := make(map[string]Phase, len(phases))
	for _, p := range phases {
		byName[p.Name] = p
	}
	for _, p := range phases {
		for _, dep := range p.DependsOn {
			if _, ok := byName[dep]; !ok {
				return nil, fmt.Errorf("phase %s depends on unknown phase %s", p.Name, dep)
			}
		}
	}

	var waves [][]Phase
	done := make(map[string]bool)
	for len(done) < len(phases) {
		var wave []Phase
		for _, p := range phases {
			if done[p.Name] {
				continue
			}
			ready := true
			for _, dep := range p.DependsOn {
				if !done[dep] {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, p)
			}
		}
		if len(wave) == 0 {
			return nil, fmt.Errorf("cycle detected in phase dependencies")
		}
		waves = append(waves, wave)
		for _, p := range wave {
			done[p.Name] = true
		}
	}
	return waves, nil
}
