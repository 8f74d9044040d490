package pingline

import (
	"context"
	"encoding/json"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
)

// settingMultiDevice is the persisted key for the synthetic self entry
// visibility preference.
const settingMultiDevice = "multi_device_visible"

// EngineConfig configures a SyncEngine.
type EngineConfig struct {
	// SelfID is the authenticated user's ID. A message whose sender and
	// receiver both equal SelfID is a multi-device echo routed to the
	// synthetic self conversation.
	SelfID string

	// Channel, when set, is bound at construction: pushed messages and
	// presence events feed the engine, and sends go out through it.
	Channel *Channel

	// Store, when set, backs the unread ledger and preferences.
	Store *StateStore

	Logger *slog.Logger

	// OnTranscript fires when the currently displayed conversation
	// changed. Merges into background conversations do not fire it.
	OnTranscript func(peerID string)
	// OnRoster fires when the ranked friend list changed.
	OnRoster func()
	// OnFriendListStale fires when the relay signals that the friend
	// list must be refetched (request accepted, list updated).
	OnFriendListStale func()
	// OnFriendRequest fires when the relay pushes an inbound friend
	// request.
	OnFriendRequest func(FriendRequest)
	// OnProfileUpdated fires when the relay pushes a profile change
	// (own profile edited from another device, or a friend's).
	OnProfileUpdated func(Profile)
}

// SyncEngine is the client-side synchronization core. It owns the
// per-peer conversation logs, the friend roster and the unread ledger,
// and is the single writer for all three: every mutation — optimistic
// send, relay push, history merge, presence change — goes through its
// contract and is serialized by one lock, so handlers observe mutations
// in delivery order.
type SyncEngine struct {
	selfID string
	chn    *Channel
	store  *StateStore
	logger *slog.Logger

	onTranscript      func(string)
	onRoster          func()
	onFriendListStale func()
	onFriendRequest   func(FriendRequest)
	onProfileUpdated  func(Profile)

	mu            sync.Mutex
	conversations map[string][]Message // ascending by timestamp
	roster        *roster
	ledger        *UnreadLedger
	activePeer    string
	lastSendAt    time.Time
}

// NewEngine creates the engine and, when a channel is configured,
// subscribes it to the relay's push events.
func NewEngine(cfg EngineConfig) *SyncEngine {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	var ledger *UnreadLedger
	if cfg.Store != nil {
		var err error
		ledger, err = LoadUnreadLedger(cfg.Store, logger)
		if err != nil {
			logger.Warn("load unread ledger, starting empty", "err", err)
			ledger = NewUnreadLedger(logger)
		}
	} else {
		ledger = NewUnreadLedger(logger)
	}

	e := &SyncEngine{
		selfID:            cfg.SelfID,
		chn:               cfg.Channel,
		store:             cfg.Store,
		logger:            logger,
		onTranscript:      cfg.OnTranscript,
		onRoster:          cfg.OnRoster,
		onFriendListStale: cfg.OnFriendListStale,
		onFriendRequest:   cfg.OnFriendRequest,
		onProfileUpdated:  cfg.OnProfileUpdated,
		conversations:     make(map[string][]Message),
		roster:            newRoster(cfg.SelfID),
		ledger:            ledger,
	}

	if cfg.Store != nil {
		if v, err := cfg.Store.Setting(settingMultiDevice); err == nil && v == "true" {
			e.roster.showSelf = true
		}
	}

	if e.chn != nil {
		e.bind(e.chn)
	}
	return e
}

func (e *SyncEngine) bind(ch *Channel) {
	ch.OnMessage(e.ApplyIncoming)
	ch.OnStatusUpdate(func(u StatusUpdate) {
		e.ApplyStatusDelta(u.PeerID, u.IsOnline, u.LastSeen)
	})
	ch.OnStatusSnapshot(e.ApplyStatusSnapshot)
	ch.OnConnected(func() {
		// Presence may have drifted while disconnected; ask for a
		// fresh snapshot of everyone we track.
		ids := e.friendIDs()
		if len(ids) > 0 {
			if err := ch.RequestFriendsStatus(context.Background(), ids); err != nil {
				e.logger.Warn("request status snapshot", "err", err)
			}
		}
	})
	stale := func(event string, _ json.RawMessage) {
		if e.onFriendListStale != nil {
			e.onFriendListStale()
		}
	}
	ch.On(EventFriendRequestResponse, stale)
	ch.On(EventUpdateFriendList, stale)
	ch.On(EventReceiveFriendRequest, func(_ string, data json.RawMessage) {
		var req FriendRequest
		if err := json.Unmarshal(data, &req); err != nil || req.ID == "" {
			e.logger.Warn("drop malformed friend request payload", "err", err)
			return
		}
		if e.onFriendRequest != nil {
			e.onFriendRequest(req)
		}
	})
	ch.On(EventProfileUpdated, func(_ string, data json.RawMessage) {
		var p Profile
		if err := json.Unmarshal(data, &p); err != nil || p.ID == "" {
			e.logger.Warn("drop malformed profile payload", "err", err)
			return
		}
		e.mu.Lock()
		if f, ok := e.roster.friends[p.ID]; ok {
			if p.DisplayName != "" {
				f.DisplayName = p.DisplayName
			}
			if p.Avatar != "" {
				f.Avatar = p.Avatar
			}
		}
		onRoster := e.onRoster
		e.mu.Unlock()
		if e.onProfileUpdated != nil {
			e.onProfileUpdated(p)
		}
		if onRoster != nil {
			onRoster()
		}
	})
}

// Ledger returns the unread ledger.
func (e *SyncEngine) Ledger() *UnreadLedger {
	return e.ledger
}

// ============================================================================
// Conversation key & merge
// ============================================================================

// conversationPeer maps a message to the peer whose log owns it. A
// message the user sent to themself lands in the synthetic self
// conversation regardless of which conversation is open.
func (e *SyncEngine) conversationPeer(m *Message) string {
	if m.SenderID == e.selfID && m.ReceiverID == e.selfID {
		return e.selfID
	}
	if m.SenderID == e.selfID {
		return m.ReceiverID
	}
	return m.SenderID
}

// mergeLocked applies the identity precedence to one conversation:
//  1. same serverId → replace in place (idempotent re-delivery, and
//     echo of a message whose clientId round-trip was missed)
//  2. same clientId on a pending message → replace in place (promotes
//     an optimistic send without a duplicate bubble)
//  3. composite key match against an identifier-less row → no-op
//  4. otherwise append
//
// Returns whether the log content changed.
func mergeLocked(log []Message, m Message) ([]Message, bool) {
	replaced := false
	if m.ServerID != "" {
		for i := range log {
			if log[i].ServerID == m.ServerID {
				log[i] = m
				replaced = true
				break
			}
		}
	}
	if !replaced && m.ClientID != "" {
		for i := range log {
			if log[i].ClientID == m.ClientID {
				log[i] = m
				replaced = true
				break
			}
		}
	}
	if !replaced {
		if m.ServerID == "" && m.ClientID == "" {
			key := m.DedupKey()
			for i := range log {
				if log[i].ServerID == "" && log[i].ClientID == "" && log[i].DedupKey() == key {
					return log, false
				}
			}
		}
		log = append(log, m)
	}
	// A replacement can carry a new server-assigned timestamp, so the
	// replace paths re-sort too, not just the append.
	sort.SliceStable(log, func(i, j int) bool {
		return log[i].Timestamp.Before(log[j].Timestamp)
	})
	return log, true
}

// ApplyIncoming merges one inbound message — relay push or history row
// — into its conversation, updates the owning friend summary, re-ranks,
// and routes to the unread ledger when appropriate.
//
// The message is merged even when its conversation is not the one
// currently displayed, so switching to it later shows correct history.
func (e *SyncEngine) ApplyIncoming(m Message) {
	e.mu.Lock()
	peer := e.conversationPeer(&m)
	log, changed := mergeLocked(e.conversations[peer], m)
	e.conversations[peer] = log

	e.roster.touch(peer, m.Preview(), m.Timestamp)

	selfEcho := m.SenderID == e.selfID
	viewed := peer == e.activePeer
	if !selfEcho {
		if viewed {
			// Counted conversations only accumulate in the background;
			// still mark the key so a later re-delivery can't count.
			e.ledger.MarkSeen(m.DedupKey())
		} else {
			e.ledger.RecordIfNew(peer, m.DedupKey())
		}
	}
	onTranscript, onRoster := e.onTranscript, e.onRoster
	e.mu.Unlock()

	if changed && viewed && onTranscript != nil {
		onTranscript(peer)
	}
	if changed && onRoster != nil {
		onRoster()
	}
}

// LoadHistory merges a fetched conversation history through the same
// classification path as pushed messages, so pending local sends are
// promoted rather than duplicated.
func (e *SyncEngine) LoadHistory(peerID string, history []Message) {
	for i := range history {
		m := history[i]
		// History rows for the fetched peer never count as unread;
		// mark them seen up front.
		if m.SenderID != e.selfID && e.conversationPeer(&m) == peerID {
			e.ledger.MarkSeen(m.DedupKey())
		}
		e.ApplyIncoming(m)
	}
}

// Conversation returns the transcript with one peer, ascending by
// timestamp.
func (e *SyncEngine) Conversation(peerID string) []Message {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]Message(nil), e.conversations[peerID]...)
}

// ClearConversation destroys the DM history with one peer locally and
// drops their preview.
func (e *SyncEngine) ClearConversation(peerID string) {
	e.mu.Lock()
	delete(e.conversations, peerID)
	e.roster.clearPreview(peerID)
	onRoster := e.onRoster
	e.mu.Unlock()
	if onRoster != nil {
		onRoster()
	}
}

// ============================================================================
// Sending
// ============================================================================

// nextSendTime returns a strictly increasing timestamp for outgoing
// messages, so a burst split into several sends keeps its intended
// order server-side.
func (e *SyncEngine) nextSendTime() time.Time {
	now := time.Now()
	if !now.After(e.lastSendAt) {
		now = e.lastSendAt.Add(time.Millisecond)
	}
	e.lastSendAt = now
	return now
}

// SendText inserts an optimistic pending message and transmits it over
// the realtime channel. It returns immediately; confirmation arrives as
// a relay echo carrying the same client ID.
func (e *SyncEngine) SendText(ctx context.Context, peerID, text string) Message {
	return e.sendOne(ctx, Message{
		SenderID:   e.selfID,
		ReceiverID: peerID,
		Text:       text,
	})
}

// SendImages sends a caption plus any number of image URLs as one user
// action. The caption (when present) and each image become independent
// messages, each with its own client ID, transmitted separately with
// strictly increasing timestamps.
func (e *SyncEngine) SendImages(ctx context.Context, peerID, caption string, imageURLs []string) []Message {
	var out []Message
	if caption != "" {
		out = append(out, e.sendOne(ctx, Message{
			SenderID:   e.selfID,
			ReceiverID: peerID,
			Text:       caption,
		}))
	}
	for _, u := range imageURLs {
		out = append(out, e.sendOne(ctx, Message{
			SenderID:   e.selfID,
			ReceiverID: peerID,
			ImageURL:   u,
		}))
	}
	return out
}

func (e *SyncEngine) sendOne(ctx context.Context, m Message) Message {
	e.mu.Lock()
	m.ClientID = uuid.NewString()
	m.Timestamp = e.nextSendTime()
	m.Pending = true

	peer := e.conversationPeer(&m)
	log, _ := mergeLocked(e.conversations[peer], m)
	e.conversations[peer] = log
	e.roster.touch(peer, m.Preview(), m.Timestamp)
	onTranscript, onRoster := e.onTranscript, e.onRoster
	viewed := peer == e.activePeer
	e.mu.Unlock()

	if e.chn != nil {
		// Fire and forget: the channel defers and retries once if the
		// transport is down; the message itself is never re-sent.
		if err := e.chn.Emit(ctx, EventSendMessage, m); err != nil {
			e.logger.Warn("send message", "peer", peer, "err", err)
		}
	}

	if viewed && onTranscript != nil {
		onTranscript(peer)
	}
	if onRoster != nil {
		onRoster()
	}
	return m
}

// ============================================================================
// View & roster
// ============================================================================

// SetActivePeer marks a conversation as the displayed one and resets
// its unread count. Pass "" when no conversation is open.
func (e *SyncEngine) SetActivePeer(peerID string) {
	e.mu.Lock()
	e.activePeer = peerID
	e.mu.Unlock()
	if peerID != "" {
		e.ledger.Reset(peerID)
	}
}

// ActivePeer returns the currently displayed conversation's peer.
func (e *SyncEngine) ActivePeer() string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.activePeer
}

// SetFriends installs a fetched friend list, preserving live presence
// and preview state for peers already tracked.
func (e *SyncEngine) SetFriends(list []FriendSummary) {
	e.mu.Lock()
	e.roster.replaceAll(list)
	onRoster := e.onRoster
	e.mu.Unlock()
	if onRoster != nil {
		onRoster()
	}
}

// ApplyStatusDelta applies a single-peer presence change; re-applying
// the same delta is a no-op and fires no callback.
func (e *SyncEngine) ApplyStatusDelta(peerID string, isOnline bool, lastSeen *time.Time) {
	e.mu.Lock()
	changed := e.roster.applyStatusDelta(peerID, isOnline, lastSeen)
	onRoster := e.onRoster
	e.mu.Unlock()
	if changed && onRoster != nil {
		onRoster()
	}
}

// ApplyStatusSnapshot overwrites presence for every peer in the
// snapshot, leaving absent peers untouched.
func (e *SyncEngine) ApplyStatusSnapshot(updates []StatusUpdate) {
	e.mu.Lock()
	e.roster.applyStatusSnapshot(updates)
	onRoster := e.onRoster
	e.mu.Unlock()
	if onRoster != nil {
		onRoster()
	}
}

// RankedFriends returns the display order: online first, then most
// recent activity descending.
func (e *SyncEngine) RankedFriends() []FriendSummary {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.roster.ranked()
}

// SetMultiDeviceVisible toggles the synthetic self entry in the ranked
// list and persists the preference.
func (e *SyncEngine) SetMultiDeviceVisible(visible bool) {
	e.mu.Lock()
	e.roster.showSelf = visible
	store := e.store
	onRoster := e.onRoster
	e.mu.Unlock()

	if store != nil {
		v := "false"
		if visible {
			v = "true"
		}
		if err := store.SetSetting(settingMultiDevice, v); err != nil {
			e.logger.Warn("persist multi-device preference", "err", err)
		}
	}
	if onRoster != nil {
		onRoster()
	}
}

func (e *SyncEngine) friendIDs() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	ids := make([]string, 0, len(e.roster.friends))
	for id := range e.roster.friends {
		if id != e.selfID {
			ids = append(ids, id)
		}
	}
	return ids
}
