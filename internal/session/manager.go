package session

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"sessionctl/internal/workdir"
)

const defaultSubscriberBufCap = 100

// Sentinel errors returned by Manager.
var (
	ErrSessionNotFound = errors.New("session not found")
	ErrMaxSessions     = errors.New("maximum session limit reached")
)

// ChangeTracker records files changed in a working directory while a run is
// active.
type ChangeTracker interface {
	Watch(runID, dir string) error
	Unwatch(runID string) []string
	Changed(runID string) []string
}

// RunInfo is the manager's view of one run.
type RunInfo struct {
	Session
	Label        string       `json:"label"`
	Outcome      *ExitOutcome `json:"outcome,omitempty"`
	ChangedFiles []string     `json:"changedFiles,omitempty"`
}

// Manager runs many sessions concurrently on behalf of the realtime server.
type Manager struct {
	mu          sync.RWMutex
	runs        map[string]*managedRun
	maxSessions int
	logger      *slog.Logger
	tracker     ChangeTracker
}

type managedRun struct {
	id     string
	info   RunInfo
	cancel context.CancelFunc
	lock   *workdir.Lock
	done   chan struct{}

	// outMu guards the output history and subscribers so a new subscriber
	// sees every event exactly once: either in its history or on its channel.
	outMu       sync.Mutex
	stdout      *OutputBuffer
	stderr      *OutputBuffer
	subscribers map[string]chan OutputEvent
	exitEvent   *OutputEvent
}

// streamSink is the live output sink handed to a run's controller.
type streamSink struct {
	m      *Manager
	mr     *managedRun
	stream OutputEventType
}

func (s *streamSink) Write(p []byte) (int, error) {
	s.m.publish(s.mr, s.stream, p)
	return len(p), nil
}

// NewManager creates a session manager. tracker may be nil.
func NewManager(maxSessions int, logger *slog.Logger, tracker ChangeTracker) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		runs:        make(map[string]*managedRun),
		maxSessions: maxSessions,
		logger:      logger,
		tracker:     tracker,
	}
}

// Start launches req under cfg and returns its initial record. The working
// directory must exist and must not be used by another run.
func (m *Manager) Start(label string, req Request, cfg Config) (*RunInfo, error) {
	dir := req.Dir
	if dir != "" {
		abs, err := workdir.Validate(dir)
		if err != nil {
			return nil, err
		}
		req.Dir = abs
	}

	// Hold the write lock across launch so concurrent starts cannot exceed
	// the limit.
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.activeLocked() >= m.maxSessions {
		return nil, fmt.Errorf("%w (%d)", ErrMaxSessions, m.maxSessions)
	}

	effective := cfg.withDefaults()
	mr := &managedRun{
		info:        RunInfo{Label: label},
		done:        make(chan struct{}),
		stdout:      NewOutputBuffer(effective.BufferCap, effective.BufferRetain),
		stderr:      NewOutputBuffer(effective.BufferCap, effective.BufferRetain),
		subscribers: make(map[string]chan OutputEvent),
	}

	if req.Dir != "" {
		lock, err := workdir.TryLock(req.Dir)
		if err != nil {
			return nil, err
		}
		mr.lock = lock
	}

	ctrl, err := NewController(cfg,
		WithOutput(
			&streamSink{m: m, mr: mr, stream: OutputStdout},
			&streamSink{m: m, mr: mr, stream: OutputStderr},
		),
		WithLogger(m.logger),
	)
	if err != nil {
		_ = mr.lock.Unlock()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	run, err := ctrl.Start(ctx, req)
	if err != nil {
		cancel()
		_ = mr.lock.Unlock()
		return nil, err
	}
	mr.cancel = cancel
	mr.info.Session = run.Session()
	mr.id = mr.info.ID
	id := mr.id
	m.runs[id] = mr

	if m.tracker != nil && req.Dir != "" {
		if err := m.tracker.Watch(id, req.Dir); err != nil {
			m.logger.Warn("failed to start change tracking", "session", id, "error", err)
		}
	}

	go m.wait(mr, run)

	info := mr.info
	return &info, nil
}

// wait drives one run and records its outcome.
func (m *Manager) wait(mr *managedRun, run *Run) {
	outcome := run.Wait()
	mr.cancel()
	if err := mr.lock.Unlock(); err != nil {
		m.logger.Warn("failed to release working directory lock", "session", mr.id, "error", err)
	}

	var changed []string
	if m.tracker != nil {
		changed = m.tracker.Unwatch(mr.id)
	}

	m.mu.Lock()
	mr.info.Session = run.Session()
	mr.info.Outcome = outcome
	mr.info.ChangedFiles = changed
	m.mu.Unlock()

	m.publishExit(mr, outcome)
	close(mr.done)
}

func (m *Manager) activeLocked() int {
	active := 0
	for _, mr := range m.runs {
		if mr.info.State == StateRunning {
			active++
		}
	}
	return active
}

// publish records a chunk in the run's history and fans it out.
func (m *Manager) publish(mr *managedRun, stream OutputEventType, p []byte) {
	mr.outMu.Lock()
	defer mr.outMu.Unlock()

	if stream == OutputStderr {
		mr.stderr.Append(p)
	} else {
		mr.stdout.Append(p)
	}

	m.fanOutLocked(mr, OutputEvent{
		RunID:     mr.id,
		Type:      stream,
		Data:      string(p),
		Timestamp: time.Now().UTC(),
	})
}

func (m *Manager) publishExit(mr *managedRun, outcome *ExitOutcome) {
	mr.outMu.Lock()
	defer mr.outMu.Unlock()

	event := OutputEvent{
		RunID:     mr.id,
		Type:      OutputExit,
		Data:      string(outcome.Reason),
		Timestamp: time.Now().UTC(),
	}
	mr.exitEvent = &event
	m.fanOutLocked(mr, event)
}

// fanOutLocked sends an event to all subscribers. Caller holds mr.outMu.
func (m *Manager) fanOutLocked(mr *managedRun, event OutputEvent) {
	for _, ch := range mr.subscribers {
		select {
		case ch <- event:
		default:
			// Subscriber channel full, drop the event.
		}
	}
}

// Get returns a run by ID. A running run reports the files changed so far.
func (m *Manager) Get(id string) (*RunInfo, error) {
	m.mu.RLock()
	mr, ok := m.runs[id]
	var info RunInfo
	if ok {
		info = mr.info
	}
	m.mu.RUnlock()

	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	if info.Outcome == nil && m.tracker != nil {
		info.ChangedFiles = m.tracker.Changed(id)
	}
	return &info, nil
}

// Outcome returns the outcome of a finished run, or nil while it is still
// running.
func (m *Manager) Outcome(id string) (*ExitOutcome, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mr, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return mr.info.Outcome, nil
}

// List returns all runs.
func (m *Manager) List() []*RunInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	result := make([]*RunInfo, 0, len(m.runs))
	for _, mr := range m.runs {
		info := mr.info
		result = append(result, &info)
	}
	return result
}

// Done returns a channel closed when the run has finished and its process
// group is gone.
func (m *Manager) Done(id string) (<-chan struct{}, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	mr, ok := m.runs[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}
	return mr.done, nil
}

// Kill cancels a run. The run ends with ReasonCanceled once its process group
// has been terminated.
func (m *Manager) Kill(id string) error {
	m.mu.RLock()
	mr, ok := m.runs[id]
	m.mu.RUnlock()

	if !ok {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	select {
	case <-mr.done:
		return nil // Already terminated.
	default:
	}

	mr.cancel()
	return nil
}

// Subscribe creates a channel that receives output events for a run.
// It returns the subscription ID, the channel, and the output buffered so far.
func (m *Manager) Subscribe(id string) (string, <-chan OutputEvent, []OutputEvent, error) {
	m.mu.RLock()
	mr, ok := m.runs[id]
	m.mu.RUnlock()

	if !ok {
		return "", nil, nil, fmt.Errorf("%w: %s", ErrSessionNotFound, id)
	}

	subID := uuid.New().String()
	ch := make(chan OutputEvent, defaultSubscriberBufCap)

	mr.outMu.Lock()
	defer mr.outMu.Unlock()

	var history []OutputEvent
	now := time.Now().UTC()
	if mr.stdout.Len() > 0 {
		history = append(history, OutputEvent{RunID: id, Type: OutputStdout, Data: string(mr.stdout.Bytes()), Timestamp: now})
	}
	if mr.stderr.Len() > 0 {
		history = append(history, OutputEvent{RunID: id, Type: OutputStderr, Data: string(mr.stderr.Bytes()), Timestamp: now})
	}

	if mr.exitEvent != nil {
		// Finished runs get their exit event in the history; nothing more
		// will arrive on the channel.
		history = append(history, *mr.exitEvent)
		close(ch)
		return subID, ch, history, nil
	}

	mr.subscribers[subID] = ch
	return subID, ch, history, nil
}

// Unsubscribe removes a subscriber from a run.
func (m *Manager) Unsubscribe(runID, subID string) {
	m.mu.RLock()
	mr, ok := m.runs[runID]
	m.mu.RUnlock()

	if !ok {
		return
	}

	mr.outMu.Lock()
	if ch, exists := mr.subscribers[subID]; exists {
		close(ch)
		delete(mr.subscribers, subID)
	}
	mr.outMu.Unlock()
}

// Shutdown cancels every active run and waits until all of them have ended.
func (m *Manager) Shutdown() {
	m.mu.RLock()
	runs := make([]*managedRun, 0, len(m.runs))
	for _, mr := range m.runs {
		runs = append(runs, mr)
	}
	m.mu.RUnlock()

	for _, mr := range runs {
		mr.cancel()
	}
	for _, mr := range runs {
		<-mr.done
	}
}
