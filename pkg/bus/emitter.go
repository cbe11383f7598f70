package bus

import "github.com/gomaestro/maestro/pkg/event"

// Journal durably appends events and assigns their seq; the taskspace
// store implements it.
type Journal interface {
	AppendEvent(taskID string, ev *event.Event) (int64, error)
}

// Emitter couples the journal and the bus: an event is first appended
// durably (receiving its seq) and only then fanned out. Emitters are safe
// for concurrent use, including concurrent emits for the same task from
// different emitters over the same bus.
type Emitter struct {
	journal Journal
	bus     *Bus
}

// NewEmitter creates an emitter over the given journal and bus.
func NewEmitter(journal Journal, b *Bus) *Emitter {
	return &Emitter{journal: journal, bus: b}
}

// Emit appends the event and publishes it, returning the assigned seq.
// The append and the publish happen under the task's emit lock: a publish
// that overtook a lower seq would be dropped by subscriber dedup and leave
// live streams with a gap.
func (e *Emitter) Emit(ev event.Event) (int64, error) {
	lock := e.bus.emitLock(ev.TaskID)
	lock.Lock()
	defer lock.Unlock()

	seq, err := e.journal.AppendEvent(ev.TaskID, &ev)
	if err != nil {
		return 0, err
	}
	e.bus.Publish(ev)
	return seq, nil
}
