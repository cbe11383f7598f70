package orchestrator

import (
	"sync"

	"github.com/google/uuid"

	"github.com/gomaestro/maestro/pkg/plan"
	"github.com/gomaestro/maestro/pkg/protocol"
	"github.com/gomaestro/maestro/pkg/taskspace"
)

// Manager hands out per-task orchestrators and guarantees each task has
// exactly one owner in this process.
type Manager struct {
	deps Deps

	mu    sync.Mutex
	tasks map[string]*Orchestrator
}

// NewManager creates a manager over the shared services.
func NewManager(deps Deps) *Manager {
	return &Manager{deps: deps, tasks: make(map[string]*Orchestrator)}
}

// Start creates a new task and, for a non-empty goal, kicks off planning
// and dispatch in the background. It returns the new task id immediately.
func (m *Manager) Start(goal, userID string) (string, error) {
	taskID := uuid.NewString()
	if _, err := m.deps.Store.Create(taskID, goal, userID); err != nil {
		return "", protocol.NewError(protocol.KindStorage, "failed to create task: %v", err)
	}

	m.mu.Lock()
	o := newOrchestrator(taskID, m.deps)
	m.tasks[taskID] = o
	m.mu.Unlock()

	o.Start(goal)
	return taskID, nil
}

// Get returns the orchestrator owning taskID, adopting an existing task
// directory on first touch. Adoption requeues any step a crash left
// in_progress so the dispatch loop can resume cleanly.
func (m *Manager) Get(taskID string) (*Orchestrator, error) {
	m.mu.Lock()
	if o, ok := m.tasks[taskID]; ok {
		m.mu.Unlock()
		return o, nil
	}
	m.mu.Unlock()

	if _, err := m.deps.Store.Load(taskID); err != nil {
		return nil, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if o, ok := m.tasks[taskID]; ok {
		return o, nil
	}
	o := newOrchestrator(taskID, m.deps)
	if err := o.recover(); err != nil {
		return nil, err
	}
	m.tasks[taskID] = o
	return o, nil
}

// Forget drops the in-process orchestrator, typically after task deletion.
func (m *Manager) Forget(taskID string) {
	m.mu.Lock()
	delete(m.tasks, taskID)
	m.mu.Unlock()
	m.deps.Registry.Release(taskID)
}

// List returns the ids of every task in the store.
func (m *Manager) List() ([]string, error) {
	return m.deps.Store.List()
}

// Close waits for all background processing to finish.
func (m *Manager) Close() {
	m.mu.Lock()
	tasks := make([]*Orchestrator, 0, len(m.tasks))
	for _, o := range m.tasks {
		tasks = append(tasks, o)
	}
	m.mu.Unlock()
	for _, o := range tasks {
		o.Wait()
	}
}

// recover requeues an in_progress step left behind by a crash. The attempt
// is refunded: the interruption was not the step's fault.
func (o *Orchestrator) recover() error {
	snap, err := o.deps.Store.Snapshot(o.taskID)
	if err != nil {
		return err
	}
	if snap.Plan == nil {
		return nil
	}
	for _, s := range snap.Plan.Steps {
		if s.Status != plan.StatusInProgress {
			continue
		}
		next, err := snap.Plan.Mark(s.ID, plan.StatusPending, plan.MarkOptions{})
		if err != nil {
			return o.invariantFault(err)
		}
		if err := o.writePlan(next); err != nil {
			return err
		}
		o.emitStepStatus(s.ID, plan.StatusPending)
		o.logger.Info("requeued interrupted step", "step_id", s.ID)
	}
	if snap.State.Status == taskspace.StatusRunning {
		// The loop is not running anymore; reflect that until resumed.
		return o.setStatus(taskspace.StatusPaused, "recovered after restart")
	}
	return nil
}
