package pingline

import (
	"sort"
	"time"
)

// roster holds the FriendSummary set and produces the ranked view.
// It is owned by the SyncEngine, which serializes all mutation through
// its own lock; roster itself is not goroutine-safe.
type roster struct {
	friends map[string]*FriendSummary
	selfID  string
	// showSelf controls whether the synthetic self entry (the user's
	// other devices) appears in the ranked view.
	showSelf bool
}

func newRoster(selfID string) *roster {
	return &roster{
		friends: make(map[string]*FriendSummary),
		selfID:  selfID,
	}
}

// replaceAll installs a fetched friend list, carrying over live
// presence and preview state for peers that were already known.
func (r *roster) replaceAll(list []FriendSummary) {
	next := make(map[string]*FriendSummary, len(list))
	for i := range list {
		f := list[i]
		if prev, ok := r.friends[f.ID]; ok {
			if !f.IsOnline && prev.IsOnline {
				f.IsOnline = true
			}
			if f.LastMessageTime == nil {
				f.LastMessagePreview = prev.LastMessagePreview
				f.LastMessageTime = prev.LastMessageTime
			}
		}
		next[f.ID] = &f
	}
	if self, ok := r.friends[r.selfID]; ok {
		if _, listed := next[r.selfID]; !listed {
			next[r.selfID] = self
		}
	}
	r.friends = next
}

// get returns the summary for a peer, creating a placeholder row for
// unknown senders (the list refetch fills in the display fields).
func (r *roster) get(peerID string) *FriendSummary {
	if f, ok := r.friends[peerID]; ok {
		return f
	}
	f := &FriendSummary{ID: peerID, AddedAt: time.Now()}
	if peerID == r.selfID {
		f.DisplayName = "My devices"
	}
	r.friends[peerID] = f
	return f
}

// touch records a merged message against its peer's summary. Messages
// older than the current last-message time are ignored, so re-delivery
// of an old message cannot regress the preview or the ranking.
func (r *roster) touch(peerID, preview string, at time.Time) {
	f := r.get(peerID)
	if f.LastMessageTime != nil && at.Before(*f.LastMessageTime) {
		return
	}
	f.LastMessagePreview = preview
	t := at
	f.LastMessageTime = &t
}

// applyStatusDelta applies a single-peer presence change. It mutates
// only when the online flag actually flips, so re-applying the same
// delta is a no-op.
func (r *roster) applyStatusDelta(peerID string, isOnline bool, lastSeen *time.Time) bool {
	f, ok := r.friends[peerID]
	if !ok {
		return false
	}
	if f.IsOnline == isOnline {
		return false
	}
	f.IsOnline = isOnline
	if lastSeen != nil {
		f.LastSeen = lastSeen
	}
	return true
}

// applyStatusSnapshot overwrites status for every peer present in the
// snapshot; peers absent from it are left untouched.
func (r *roster) applyStatusSnapshot(updates []StatusUpdate) {
	for _, u := range updates {
		if f, ok := r.friends[u.PeerID]; ok {
			f.IsOnline = u.IsOnline
			if u.LastSeen != nil {
				f.LastSeen = u.LastSeen
			}
		}
	}
}

// clearPreview drops the message preview after a conversation delete.
func (r *roster) clearPreview(peerID string) {
	if f, ok := r.friends[peerID]; ok {
		f.LastMessagePreview = ""
		f.LastMessageTime = nil
	}
}

// ranked returns the display order: online peers first, then most
// recent activity (last message time, falling back to when the friend
// was added) descending. The sort is stable, so re-applying the same
// inputs always yields the same order.
func (r *roster) ranked() []FriendSummary {
	out := make([]FriendSummary, 0, len(r.friends))
	for id, f := range r.friends {
		if id == r.selfID && !r.showSelf {
			continue
		}
		out = append(out, *f)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].IsOnline != out[j].IsOnline {
			return out[i].IsOnline
		}
		ti, tj := out[i].rankTime(), out[j].rankTime()
		if !ti.Equal(tj) {
			return ti.After(tj)
		}
		return out[i].ID < out[j].ID
	})
	return out
}
