// Package taskspace implements the durable per-task store: the single
// source of truth for a task's plan, message log, event log, artifacts and
// memory rules.
//
// Layout, one directory per task under the store root:
//
//	plan.json                  current plan, atomic overwrite
//	messages.log               append-only, newline-delimited JSON
//	events.log                 append-only event stream, drives replay
//	state.json                 status, plan version, last seqs
//	artifacts/<path>           current artifact content
//	artifacts/.versions/...    append-only version history
//	memory/rules.json          active constraints, preferences, hot issues
//
// Each task directory is guarded by a per-task writer lock: one active
// writer at a time, readers take consistent snapshots under the same lock.
// Cross-task operations are independent.
package taskspace

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/gomaestro/maestro/pkg/event"
	"github.com/gomaestro/maestro/pkg/plan"
	"github.com/gomaestro/maestro/pkg/protocol"
)

// SchemaVersion is written to state.json; readers refuse newer layouts.
const SchemaVersion = 1

// Defaults for event log durability batching.
const (
	DefaultFsyncEvery    = 16
	DefaultFsyncInterval = 50 * time.Millisecond
)

// Status is the lifecycle state of a task.
type Status string

const (
	StatusPending   Status = "pending"
	StatusRunning   Status = "running"
	StatusPaused    Status = "paused"
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
)

// IsTerminal reports whether the status is final.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// Store errors.
var (
	ErrAlreadyExists     = errors.New("taskspace: task already exists")
	ErrNotFound          = errors.New("taskspace: task not found")
	ErrClosed            = errors.New("taskspace: task is terminal")
	ErrCorrupt           = errors.New("taskspace: corrupt state")
	ErrUnsupportedSchema = errors.New("taskspace: unsupported schema version")
	ErrLocked            = errors.New("taskspace: task owned by another process")
)

// State is the persisted task header (state.json).
type State struct {
	SchemaVersion  int       `json:"schema_version"`
	TaskID         string    `json:"task_id"`
	Goal           string    `json:"goal"`
	UserID         string    `json:"user_id"`
	Status         Status    `json:"status"`
	PlanVersion    int       `json:"plan_version"`
	LastEventSeq   int64     `json:"last_event_seq"`
	LastMessageSeq int64     `json:"last_message_seq"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

// Store manages task directories under a base path.
type Store struct {
	base          string
	fsyncEvery    int
	fsyncInterval time.Duration
	logger        *slog.Logger

	mu    sync.Mutex
	tasks map[string]*taskHandle
}

// taskHandle is the in-process view of one open task directory.
// Its mutex is the per-task writer lock.
type taskHandle struct {
	mu       sync.Mutex
	id       string
	dir      string
	state    State
	plan     *plan.Plan
	events   *appendLog
	messages *appendLog
}

// Option configures a Store.
type Option func(*Store)

// WithFsyncPolicy overrides the event log durability batching.
func WithFsyncPolicy(every int, interval time.Duration) Option {
	return func(s *Store) {
		s.fsyncEvery = every
		s.fsyncInterval = interval
	}
}

// WithLogger sets the store logger.
func WithLogger(l *slog.Logger) Option {
	return func(s *Store) { s.logger = l }
}

// New creates a store rooted at base, creating the directory if needed.
func New(base string, opts ...Option) (*Store, error) {
	s := &Store{
		base:          base,
		fsyncEvery:    DefaultFsyncEvery,
		fsyncInterval: DefaultFsyncInterval,
		logger:        slog.Default(),
		tasks:         make(map[string]*taskHandle),
	}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(base, 0o755); err != nil {
		return nil, fmt.Errorf("%w: %v", protocol.NewError(protocol.KindStorage, "create store root"), err)
	}
	return s, nil
}

func (s *Store) taskDir(taskID string) string {
	return filepath.Join(s.base, taskID)
}

// Create initializes a taskspace for a new task.
func (s *Store) Create(taskID, goal, userID string) (State, error) {
	dir := s.taskDir(taskID)
	if _, err := os.Stat(dir); err == nil {
		return State{}, ErrAlreadyExists
	}
	for _, sub := range []string{"", "artifacts", "memory"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return State{}, fmt.Errorf("taskspace: init %s: %w", taskID, err)
		}
	}

	now := time.Now().UTC()
	st := State{
		SchemaVersion: SchemaVersion,
		TaskID:        taskID,
		Goal:          goal,
		UserID:        userID,
		Status:        StatusPending,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := writeJSONAtomic(filepath.Join(dir, "state.json"), &st); err != nil {
		return State{}, err
	}

	h, err := s.open(taskID, st, nil)
	if err != nil {
		return State{}, err
	}
	s.mu.Lock()
	s.tasks[taskID] = h
	s.mu.Unlock()
	return st, nil
}

// Load hydrates a taskspace from disk, recovering torn log tails.
// A torn events.log or messages.log is truncated at the last fully written
// record and the loss is reported through the store logger.
func (s *Store) Load(taskID string) (State, error) {
	s.mu.Lock()
	if h, ok := s.tasks[taskID]; ok {
		s.mu.Unlock()
		h.mu.Lock()
		st := h.state
		h.mu.Unlock()
		return st, nil
	}
	s.mu.Unlock()

	dir := s.taskDir(taskID)
	raw, err := os.ReadFile(filepath.Join(dir, "state.json"))
	if errors.Is(err, os.ErrNotExist) {
		return State{}, ErrNotFound
	}
	if err != nil {
		return State{}, fmt.Errorf("taskspace: load %s: %w", taskID, err)
	}

	var st State
	if err := json.Unmarshal(raw, &st); err != nil {
		return State{}, fmt.Errorf("%w: state.json: %v", ErrCorrupt, err)
	}
	if st.SchemaVersion > SchemaVersion {
		return State{}, fmt.Errorf("%w: %d", ErrUnsupportedSchema, st.SchemaVersion)
	}

	var pl *plan.Plan
	planRaw, err := os.ReadFile(filepath.Join(dir, "plan.json"))
	switch {
	case errors.Is(err, os.ErrNotExist):
		// No plan generated yet.
	case err != nil:
		return State{}, fmt.Errorf("taskspace: load plan %s: %w", taskID, err)
	default:
		pl = &plan.Plan{}
		if err := json.Unmarshal(planRaw, pl); err != nil {
			return State{}, fmt.Errorf("%w: plan.json: %v", ErrCorrupt, err)
		}
		if err := pl.Validate(); err != nil {
			return State{}, fmt.Errorf("%w: plan.json: %v", ErrCorrupt, err)
		}
	}

	h, err := s.open(taskID, st, pl)
	if err != nil {
		return State{}, err
	}

	// The append logs are authoritative for the last durable seq: the
	// process may have died after appending but before state.json caught up.
	if h.events.lastSeq != h.state.LastEventSeq {
		s.logger.Warn("taskspace: reconciling event seq from log",
			"task_id", taskID, "state", h.state.LastEventSeq, "log", h.events.lastSeq)
		h.state.LastEventSeq = h.events.lastSeq
	}
	if h.messages.lastSeq != h.state.LastMessageSeq {
		h.state.LastMessageSeq = h.messages.lastSeq
	}
	if pl != nil && pl.Version != h.state.PlanVersion {
		h.state.PlanVersion = pl.Version
	}

	s.mu.Lock()
	s.tasks[taskID] = h
	s.mu.Unlock()
	return h.state, nil
}

func (s *Store) open(taskID string, st State, pl *plan.Plan) (*taskHandle, error) {
	dir := s.taskDir(taskID)
	events, err := openAppendLog(filepath.Join(dir, "events.log"), s.fsyncEvery, s.fsyncInterval, s.logger, eventSeq)
	if err != nil {
		return nil, err
	}
	// Messages are fsynced on every append; batching applies to events only.
	messages, err := openAppendLog(filepath.Join(dir, "messages.log"), 1, 0, s.logger, messageSeq)
	if err != nil {
		events.close()
		return nil, err
	}
	return &taskHandle{id: taskID, dir: dir, state: st, plan: pl, events: events, messages: messages}, nil
}

func (s *Store) handle(taskID string) (*taskHandle, error) {
	s.mu.Lock()
	h, ok := s.tasks[taskID]
	s.mu.Unlock()
	if !ok {
		if _, err := s.Load(taskID); err != nil {
			return nil, err
		}
		s.mu.Lock()
		h = s.tasks[taskID]
		s.mu.Unlock()
	}
	return h, nil
}

// AppendMessage assigns the next message seq, appends the record and fsyncs.
// Fails with ErrClosed once the task is terminal.
func (s *Store) AppendMessage(taskID string, msg *protocol.Message) (int64, error) {
	h, err := s.handle(taskID)
	if err != nil {
		return 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.state.Status.IsTerminal() {
		return 0, ErrClosed
	}

	msg.Seq = h.state.LastMessageSeq + 1
	if msg.CreatedAt.IsZero() {
		msg.CreatedAt = time.Now().UTC()
	}
	if err := h.messages.append(msg, msg.Seq); err != nil {
		return 0, protocol.NewError(protocol.KindStorage, "append message: %v", err)
	}
	h.state.LastMessageSeq = msg.Seq
	return msg.Seq, h.writeState()
}

// AppendEvent assigns the next event seq and appends the record. The log is
// fsynced every N events or T milliseconds, whichever comes first. The
// event's task id must match the taskspace.
func (s *Store) AppendEvent(taskID string, ev *event.Event) (int64, error) {
	if ev.TaskID != taskID {
		return 0, protocol.NewError(protocol.KindInvariantViolated,
			"event task id %q does not match taskspace %q", ev.TaskID, taskID)
	}
	h, err := s.handle(taskID)
	if err != nil {
		return 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	ev.Seq = h.state.LastEventSeq + 1
	if ev.Timestamp.IsZero() {
		ev.Timestamp = time.Now().UTC()
	}
	if err := h.events.append(ev, ev.Seq); err != nil {
		return 0, protocol.NewError(protocol.KindStorage, "append event: %v", err)
	}
	h.state.LastEventSeq = ev.Seq
	// state.json is not rewritten per event; Load reconciles from the log.
	return ev.Seq, nil
}

// WritePlan atomically replaces plan.json and bumps the plan version.
// The plan is validated first; violations surface as invariant errors.
func (s *Store) WritePlan(taskID string, pl *plan.Plan) (int, error) {
	if err := pl.Validate(); err != nil {
		return 0, err
	}
	h, err := s.handle(taskID)
	if err != nil {
		return 0, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	next := pl.Clone()
	next.Version = h.state.PlanVersion + 1
	if err := writeJSONAtomic(filepath.Join(h.dir, "plan.json"), next); err != nil {
		return 0, err
	}
	h.plan = next
	h.state.PlanVersion = next.Version
	return next.Version, h.writeState()
}

// SetStatus persists a task status change.
func (s *Store) SetStatus(taskID string, status Status) error {
	h, err := s.handle(taskID)
	if err != nil {
		return err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.state.Status = status
	return h.writeState()
}

// Snapshot is a point-in-time, read-only view of a task.
type Snapshot struct {
	State State
	Plan  *plan.Plan
}

// Snapshot returns a consistent view of the task header and plan.
func (s *Store) Snapshot(taskID string) (*Snapshot, error) {
	h, err := s.handle(taskID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	snap := &Snapshot{State: h.state}
	if h.plan != nil {
		snap.Plan = h.plan.Clone()
	}
	return snap, nil
}

// Messages returns the message log from fromSeq (exclusive) onward.
func (s *Store) Messages(taskID string, fromSeq int64) ([]protocol.Message, error) {
	h, err := s.handle(taskID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	var out []protocol.Message
	err = scanLog(filepath.Join(h.dir, "messages.log"), func(line []byte) error {
		var m protocol.Message
		if err := json.Unmarshal(line, &m); err != nil {
			return err
		}
		if m.Seq > fromSeq {
			out = append(out, m)
		}
		return nil
	})
	return out, err
}

// EventsSince replays durable events with seq > fromSeq. This feeds the
// event bus's historical replay for reconnecting subscribers.
func (s *Store) EventsSince(taskID string, fromSeq int64) ([]event.Event, error) {
	h, err := s.handle(taskID)
	if err != nil {
		return nil, err
	}
	h.mu.Lock()
	defer h.mu.Unlock()

	// Flush batched appends so replay sees everything published so far.
	if err := h.events.sync(); err != nil {
		return nil, protocol.NewError(protocol.KindStorage, "sync events: %v", err)
	}

	var out []event.Event
	err = scanLog(filepath.Join(h.dir, "events.log"), func(line []byte) error {
		var ev event.Event
		if err := json.Unmarshal(line, &ev); err != nil {
			return err
		}
		if ev.Seq > fromSeq {
			out = append(out, ev)
		}
		return nil
	})
	return out, err
}

// Delete removes a task from the store. The taskspace directory is retained
// for audit unless purge is set.
func (s *Store) Delete(taskID string, purge bool) error {
	s.mu.Lock()
	h, ok := s.tasks[taskID]
	delete(s.tasks, taskID)
	s.mu.Unlock()

	if ok {
		h.mu.Lock()
		h.events.close()
		h.messages.close()
		h.mu.Unlock()
	} else if _, err := os.Stat(s.taskDir(taskID)); errors.Is(err, os.ErrNotExist) {
		return ErrNotFound
	}

	if purge {
		return os.RemoveAll(s.taskDir(taskID))
	}
	return nil
}

// Close flushes and closes every open task handle.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for id, h := range s.tasks {
		h.mu.Lock()
		h.events.close()
		h.messages.close()
		h.mu.Unlock()
		delete(s.tasks, id)
	}
	return nil
}

// List returns the ids of all tasks present in the store.
func (s *Store) List() ([]string, error) {
	entries, err := os.ReadDir(s.base)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	return ids, nil
}

// MemoryDir returns the task's memory directory, for the rules store.
func (s *Store) MemoryDir(taskID string) string {
	return filepath.Join(s.taskDir(taskID), "memory")
}

// ArtifactsRoot returns the task's artifacts directory.
func (s *Store) ArtifactsRoot(taskID string) string {
	return filepath.Join(s.taskDir(taskID), "artifacts")
}

func (h *taskHandle) writeState() error {
	h.state.UpdatedAt = time.Now().UTC()
	return writeJSONAtomic(filepath.Join(h.dir, "state.json"), &h.state)
}

// writeJSONAtomic writes v to path via temp file + rename, fsyncing the
// temp file first so a crash never leaves a half-written target.
func writeJSONAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(filepath.Dir(path), ".tmp-*")
	if err != nil {
		return protocol.NewError(protocol.KindStorage, "create temp: %v", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return protocol.NewError(protocol.KindStorage, "write temp: %v", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		os.Remove(tmpName)
		return protocol.NewError(protocol.KindStorage, "sync temp: %v", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return protocol.NewError(protocol.KindStorage, "close temp: %v", err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		os.Remove(tmpName)
		return protocol.NewError(protocol.KindStorage, "rename: %v", err)
	}
	return nil
}

// seqOf extractors let the append log learn the last durable seq on open.
func eventSeq(line []byte) (int64, error) {
	var ev event.Event
	if err := json.Unmarshal(line, &ev); err != nil {
		return 0, err
	}
	return ev.Seq, nil
}

func messageSeq(line []byte) (int64, error) {
	var m protocol.Message
	if err := json.Unmarshal(line, &m); err != nil {
		return 0, err
	}
	return m.Seq, nil
}
