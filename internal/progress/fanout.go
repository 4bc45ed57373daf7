package progress

import (
	"strings"
	"time"
)

// Subscribe registers a push consumer for a session's events. Subscribing
// before the session exists is allowed; the channel simply waits for the
// first event. The returned closure releases the registration and is safe to
// call more than once.
//
// Delivery is at-most-once, best-effort. The store is always the source of
// truth: a subscriber that loses events recovers by polling GetSnapshot.
func (s *Store) Subscribe(sessionID string) (<-chan Event, func()) {
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		ch := make(chan Event)
		close(ch)
		return ch, func() {}
	}

	ch := make(chan Event, s.opts.SubscriberBuffer)
	sh := s.shardFor(sessionID)
	sh.mu.Lock()
	sh.nextSubID++
	id := sh.nextSubID
	if _, ok := sh.subscribers[sessionID]; !ok {
		sh.subscribers[sessionID] = make(map[int]chan Event)
	}
	sh.subscribers[sessionID][id] = ch
	sh.mu.Unlock()

	if s.metrics != nil {
		s.metrics.Subscribers.Inc()
	}

	return ch, func() {
		sh.mu.Lock()
		defer sh.mu.Unlock()
		subs := sh.subscribers[sessionID]
		if subs == nil {
			return
		}
		if c, ok := subs[id]; ok {
			delete(subs, id)
			close(c)
			if s.metrics != nil {
				s.metrics.Subscribers.Dec()
			}
		}
		if len(subs) == 0 {
			delete(sh.subscribers, sessionID)
		}
	}
}

// publishLocked fans an event out to the session's live subscribers. The
// caller holds the shard lock. Sends never block: a saturated channel drops
// the event for that subscriber only, and the drop is never surfaced to the
// producer because the store write already succeeded.
func (s *Store) publishLocked(sh *shard, evt Event) {
	subs := sh.subscribers[evt.Snapshot.SessionID]
	for _, ch := range subs {
		select {
		case ch <- evt:
			if s.metrics != nil {
				s.metrics.FanoutDelivered.Inc()
			}
		default:
			if s.metrics != nil {
				s.metrics.FanoutDropped.Inc()
			}
		}
	}

	if evt.Terminal() {
		sessionID := evt.Snapshot.SessionID
		time.AfterFunc(s.opts.FanoutGrace, func() {
			s.releaseIfTerminal(sessionID)
		})
	}
}

// releaseIfTerminal closes every subscriber channel for the session unless
// the id has since been reused by a new active session.
func (s *Store) releaseIfTerminal(sessionID string) {
	sh := s.shardFor(sessionID)
	sh.mu.Lock()
	defer sh.mu.Unlock()
	if sess, ok := sh.sessions[sessionID]; ok && !sess.Status.Terminal() {
		return
	}
	s.releaseLocked(sh, sessionID)
}

// releaseLocked closes and removes all subscriber channels for a session.
// The caller holds the shard lock.
func (s *Store) releaseLocked(sh *shard, sessionID string) {
	subs := sh.subscribers[sessionID]
	if len(subs) == 0 {
		return
	}
	for id, ch := range subs {
		delete(subs, id)
		close(ch)
		if s.metrics != nil {
			s.metrics.Subscribers.Dec()
		}
	}
	delete(sh.subscribers, sessionID)
}
