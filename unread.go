package pingline

import (
	"log/slog"
	"sync"
)

const (
	// seenSetCapacity bounds the dedup set; on overflow it is trimmed
	// to the seenSetKeep most recently added keys.
	seenSetCapacity = 1000
	seenSetKeep     = 500
)

// seenSet is a bounded insertion-ordered set of message dedup keys.
// Eviction drops the oldest half in one O(n) pass, so adds are O(1)
// amortized.
type seenSet struct {
	index    map[string]struct{}
	order    []string
	capacity int
	keep     int
}

func newSeenSet(capacity, keep int) *seenSet {
	return &seenSet{
		index:    make(map[string]struct{}, capacity),
		capacity: capacity,
		keep:     keep,
	}
}

// add inserts the key, reporting whether it was new. Overflow trims to
// the most recently added keep entries and reports the evicted keys.
func (s *seenSet) add(key string) (added bool, evicted []string) {
	if _, ok := s.index[key]; ok {
		return false, nil
	}
	s.index[key] = struct{}{}
	s.order = append(s.order, key)
	if len(s.order) <= s.capacity {
		return true, nil
	}

	cut := len(s.order) - s.keep
	evicted = s.order[:cut]
	for _, k := range evicted {
		delete(s.index, k)
	}
	s.order = append(make([]string, 0, s.capacity), s.order[cut:]...)
	return true, evicted
}

func (s *seenSet) has(key string) bool {
	_, ok := s.index[key]
	return ok
}

// UnreadLedger counts unseen messages per peer. Each distinct message
// (by dedup key) increments a peer's count at most once, ever — the
// bounded seen-set survives view switches and, with a store attached,
// restarts.
type UnreadLedger struct {
	mu     sync.Mutex
	counts map[string]int
	seen   *seenSet
	store  *StateStore
	logger *slog.Logger
}

// NewUnreadLedger creates an in-memory ledger.
func NewUnreadLedger(logger *slog.Logger) *UnreadLedger {
	if logger == nil {
		logger = slog.Default()
	}
	return &UnreadLedger{
		counts: make(map[string]int),
		seen:   newSeenSet(seenSetCapacity, seenSetKeep),
		logger: logger,
	}
}

// LoadUnreadLedger restores counts and the seen-set from the store and
// writes every future mutation through to it.
func LoadUnreadLedger(store *StateStore, logger *slog.Logger) (*UnreadLedger, error) {
	l := NewUnreadLedger(logger)
	l.store = store

	counts, err := store.UnreadCounts()
	if err != nil {
		return nil, err
	}
	l.counts = counts

	keys, err := store.SeenKeys(seenSetCapacity)
	if err != nil {
		return nil, err
	}
	for _, k := range keys {
		l.seen.add(k)
	}
	return l, nil
}

// RecordIfNew increments the peer's count iff the key has not been
// seen before, and reports whether it incremented. Ledger errors are
// background-only: logged, never surfaced.
func (l *UnreadLedger) RecordIfNew(peerID, key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()

	added, evicted := l.seen.add(key)
	if !added {
		return false
	}
	l.counts[peerID]++

	if l.store != nil {
		if err := l.store.SetUnread(peerID, l.counts[peerID]); err != nil {
			l.logger.Warn("persist unread count", "peer", peerID, "err", err)
		}
		if err := l.store.AddSeenKey(key); err != nil {
			l.logger.Warn("persist seen key", "err", err)
		}
		if len(evicted) > 0 {
			if err := l.store.TrimSeenKeys(seenSetKeep); err != nil {
				l.logger.Warn("trim seen keys", "err", err)
			}
		}
	}
	return true
}

// MarkSeen records a dedup key without incrementing any count: used for
// messages that arrive while their conversation is the active view, so
// a later re-delivery cannot count them either.
func (l *UnreadLedger) MarkSeen(key string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	added, evicted := l.seen.add(key)
	if !added || l.store == nil {
		return
	}
	if err := l.store.AddSeenKey(key); err != nil {
		l.logger.Warn("persist seen key", "err", err)
	}
	if len(evicted) > 0 {
		if err := l.store.TrimSeenKeys(seenSetKeep); err != nil {
			l.logger.Warn("trim seen keys", "err", err)
		}
	}
}

// Seen reports whether a dedup key is in the bounded seen-set.
func (l *UnreadLedger) Seen(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.seen.has(key)
}

// Reset zeroes a peer's count when their conversation becomes the
// active view. The seen-set is untouched, so re-delivery of an already
// counted message after a reset does not increment again.
func (l *UnreadLedger) Reset(peerID string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.counts[peerID] == 0 {
		return
	}
	l.counts[peerID] = 0
	if l.store != nil {
		if err := l.store.SetUnread(peerID, 0); err != nil {
			l.logger.Warn("persist unread reset", "peer", peerID, "err", err)
		}
	}
}

// Count returns the current unread count for a peer.
func (l *UnreadLedger) Count(peerID string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.counts[peerID]
}

// Counts returns a copy of all non-zero per-peer counts.
func (l *UnreadLedger) Counts() map[string]int {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make(map[string]int, len(l.counts))
	for k, v := range l.counts {
		if v > 0 {
			out[k] = v
		}
	}
	return out
}
