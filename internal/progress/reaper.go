package progress

import (
	"context"
	"sort"
	"time"
)

// StartReaper runs the background sweep until ctx is cancelled. The sweep
// expires active sessions whose last update exceeded the TTL and evicts
// terminal sessions past the retention window or above the terminal cap.
func (s *Store) StartReaper(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				s.Sweep(time.Now().UTC())
			}
		}
	}()
}

type terminalRef struct {
	id        string
	updatedAt time.Time
}

// Sweep performs one reaper pass at the given instant. Exposed so tests can
// drive reaping deterministically without a ticker.
func (s *Store) Sweep(now time.Time) {
	var expired []Snapshot
	var terminal []terminalRef
	evicted := 0

	for i := range s.shards {
		sh := &s.shards[i]
		sh.mu.Lock()
		for id, sess := range sh.sessions {
			if sess.Status == StatusActive {
				if now.Sub(sess.UpdatedAt) <= s.opts.SessionTTL {
					continue
				}
				// Abandoned by a crashed or hung producer. The record is
				// kept for the retention window so a final poll observes
				// the expiry instead of a sudden not-found.
				sess.Status = StatusExpired
				sess.UpdatedAt = now
				evt := Event{Type: EventExpired, Snapshot: sess.snapshot(), At: now}
				s.publishLocked(sh, evt)
				expired = append(expired, evt.Snapshot)
				terminal = append(terminal, terminalRef{id: id, updatedAt: now})
				continue
			}
			if now.Sub(sess.UpdatedAt) > s.opts.TerminalRetention {
				delete(sh.sessions, id)
				s.releaseLocked(sh, id)
				evicted++
				continue
			}
			terminal = append(terminal, terminalRef{id: id, updatedAt: sess.UpdatedAt})
		}
		sh.mu.Unlock()
	}

	// Cap memory: evict the oldest terminal sessions beyond the limit.
	if max := s.opts.MaxTerminalSessions; len(terminal) > max {
		sort.Slice(terminal, func(i, j int) bool {
			return terminal[i].updatedAt.Before(terminal[j].updatedAt)
		})
		for _, ref := range terminal[:len(terminal)-max] {
			sh := s.shardFor(ref.id)
			sh.mu.Lock()
			if sess, ok := sh.sessions[ref.id]; ok && sess.Status.Terminal() {
				delete(sh.sessions, ref.id)
				s.releaseLocked(sh, ref.id)
				evicted++
			}
			sh.mu.Unlock()
		}
	}

	if s.metrics != nil {
		for range expired {
			s.metrics.SessionEvents.WithLabelValues("expired").Inc()
			s.metrics.ActiveSessions.Dec()
		}
		for i := 0; i < evicted; i++ {
			s.metrics.SessionEvents.WithLabelValues("evicted").Inc()
		}
	}

	s.hookMu.Lock()
	hook := s.onExpire
	s.hookMu.Unlock()
	if hook != nil {
		for _, snap := range expired {
			hook(snap)
		}
	}
}
