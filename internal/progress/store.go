package progress

import (
	"errors"
	"fmt"
	"hash/fnv"
	"strings"
	"sync"
	"time"

	"github.com/coursepilot/progressd/internal/observability"
)

var (
	ErrNotFound      = errors.New("session not found")
	ErrAlreadyActive = errors.New("session id already active")
	ErrTerminal      = errors.New("session already terminal")
	ErrForbidden     = errors.New("session owned by another user")
)

// Options tunes store lifecycle behavior. Zero values get safe defaults.
type Options struct {
	// SessionTTL is the maximum allowed gap between updates before the
	// reaper moves an active session to expired.
	SessionTTL time.Duration
	// TerminalRetention is how long a completed/failed/expired session
	// stays readable before the reaper evicts it.
	TerminalRetention time.Duration
	// MaxTerminalSessions caps retained terminal sessions; the oldest by
	// last update are evicted first when the cap is exceeded.
	MaxTerminalSessions int
	// SubscriberBuffer is the per-subscriber channel capacity. A saturated
	// subscriber silently loses events and is expected to re-poll.
	SubscriberBuffer int
	// FanoutGrace is how long subscriber channels stay open after a
	// terminal event, so slow consumers can drain the final snapshot.
	FanoutGrace time.Duration
}

func (o Options) withDefaults() Options {
	if o.SessionTTL <= 0 {
		o.SessionTTL = 5 * time.Minute
	}
	if o.TerminalRetention <= 0 {
		o.TerminalRetention = 10 * time.Minute
	}
	if o.MaxTerminalSessions <= 0 {
		o.MaxTerminalSessions = 1024
	}
	if o.SubscriberBuffer <= 0 {
		o.SubscriberBuffer = 64
	}
	if o.FanoutGrace <= 0 {
		o.FanoutGrace = 5 * time.Second
	}
	return o
}

const shardCount = 32

type shard struct {
	mu          sync.RWMutex
	sessions    map[string]*Session
	subscribers map[string]map[int]chan Event
	nextSubID   int
}

// Store is the authoritative in-memory registry of progress sessions. It is
// sharded by session id so writes to unrelated sessions never contend, and
// every read returns a cloned snapshot, never interior state. Sessions do not
// survive a process restart; progress tracking is advisory, not a record of
// truth.
type Store struct {
	opts    Options
	metrics *observability.Metrics

	shards [shardCount]shard

	hookMu   sync.Mutex
	onExpire func(Snapshot)
}

func NewStore(opts Options, metrics *observability.Metrics) *Store {
	s := &Store{
		opts:    opts.withDefaults(),
		metrics: metrics,
	}
	for i := range s.shards {
		s.shards[i].sessions = make(map[string]*Session)
		s.shards[i].subscribers = make(map[string]map[int]chan Event)
	}
	return s
}

// SetExpireHook registers a callback invoked (outside any shard lock) for
// each session the reaper expires.
func (s *Store) SetExpireHook(hook func(Snapshot)) {
	s.hookMu.Lock()
	defer s.hookMu.Unlock()
	s.onExpire = hook
}

func (s *Store) shardFor(sessionID string) *shard {
	h := fnv.New32a()
	_, _ = h.Write([]byte(sessionID))
	return &s.shards[h.Sum32()%shardCount]
}

// Start registers a new active session under a caller-generated id. An id
// already held by an active session is rejected; a terminal grace record
// under the same id is replaced.
func (s *Store) Start(sessionID, ownerID string, totalSteps int) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("session id is required")
	}
	if totalSteps <= 0 {
		return errors.New("total steps must be positive")
	}

	now := time.Now().UTC()
	sess := &Session{
		ID:         sessionID,
		OwnerID:    strings.TrimSpace(ownerID),
		TotalSteps: totalSteps,
		Status:     StatusActive,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	sh := s.shardFor(sessionID)
	sh.mu.Lock()
	if existing, ok := sh.sessions[sessionID]; ok && existing.Status == StatusActive {
		sh.mu.Unlock()
		return ErrAlreadyActive
	}
	sh.sessions[sessionID] = sess
	s.publishLocked(sh, Event{Type: EventStarted, Snapshot: sess.snapshot(), At: now})
	sh.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("started").Inc()
		s.metrics.ActiveSessions.Inc()
	}
	return nil
}

// Advance records a sub-step for an active session. Stored progress is
// monotonic: a percent below the stored value (a producer retry or race) is
// clamped up to the stored value rather than rejected.
func (s *Store) Advance(sessionID, stepID, message string, percent int) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("session id is required")
	}
	if percent < 0 || percent > 100 {
		return fmt.Errorf("progress %d out of range [0,100]", percent)
	}

	now := time.Now().UTC()
	sh := s.shardFor(sessionID)
	sh.mu.Lock()
	sess, ok := sh.sessions[sessionID]
	if !ok {
		sh.mu.Unlock()
		return ErrNotFound
	}
	if sess.Status.Terminal() {
		sh.mu.Unlock()
		return ErrTerminal
	}
	if percent < sess.CurrentProgress {
		percent = sess.CurrentProgress
	}
	sess.CurrentStepID = stepID
	sess.CurrentMessage = message
	sess.CurrentProgress = percent
	sess.UpdatedAt = now
	s.publishLocked(sh, Event{Type: EventAdvanced, Snapshot: sess.snapshot(), At: now})
	sh.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues("advanced").Inc()
	}
	return nil
}

// Complete closes the session successfully and forces progress to 100.
// Calling it on an already-terminal session is a no-op.
func (s *Store) Complete(sessionID string) error {
	return s.finish(sessionID, StatusCompleted, "")
}

// Fail closes the session with a failure reason stored as the current
// message. Calling it on an already-terminal session is a no-op.
func (s *Store) Fail(sessionID, reason string) error {
	return s.finish(sessionID, StatusFailed, reason)
}

func (s *Store) finish(sessionID string, status Status, reason string) error {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		return errors.New("session id is required")
	}

	now := time.Now().UTC()
	sh := s.shardFor(sessionID)
	sh.mu.Lock()
	sess, ok := sh.sessions[sessionID]
	if !ok {
		sh.mu.Unlock()
		return ErrNotFound
	}
	if sess.Status.Terminal() {
		sh.mu.Unlock()
		return nil
	}
	sess.Status = status
	if status == StatusCompleted {
		sess.CurrentProgress = 100
	} else if reason != "" {
		sess.CurrentMessage = reason
	}
	sess.UpdatedAt = now

	evtType := EventCompleted
	if status == StatusFailed {
		evtType = EventFailed
	}
	s.publishLocked(sh, Event{Type: evtType, Snapshot: sess.snapshot(), At: now})
	sh.mu.Unlock()

	if s.metrics != nil {
		s.metrics.SessionEvents.WithLabelValues(string(status)).Inc()
		s.metrics.ActiveSessions.Dec()
	}
	return nil
}

// GetSnapshot returns the current session state. A non-empty
// requestingOwnerID must match the session owner; an empty one skips the
// check entirely (degraded clients may not be able to establish identity).
func (s *Store) GetSnapshot(sessionID, requestingOwnerID string) (Snapshot, error) {
	sh := s.shardFor(sessionID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	sess, ok := sh.sessions[sessionID]
	if !ok {
		return Snapshot{}, ErrNotFound
	}
	if requestingOwnerID != "" && requestingOwnerID != sess.OwnerID {
		return Snapshot{}, ErrForbidden
	}
	return sess.snapshot(), nil
}

// GetSummary returns the lightweight status view for a session.
func (s *Store) GetSummary(sessionID string) (Summary, error) {
	sh := s.shardFor(sessionID)
	sh.mu.RLock()
	defer sh.mu.RUnlock()
	sess, ok := sh.sessions[sessionID]
	if !ok {
		return Summary{}, ErrNotFound
	}
	return Summary{
		SessionID:  sess.ID,
		Status:     sess.Status,
		TotalSteps: sess.TotalSteps,
		IsActive:   sess.Status == StatusActive,
	}, nil
}

// ActiveCount reports how many sessions are currently active.
func (s *Store) ActiveCount() int {
	count := 0
	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.RLock()
		for _, sess := range sh.sessions {
			if sess.Status == StatusActive {
				count++
			}
		}
		sh.mu.RUnlock()
	}
	return count
}
