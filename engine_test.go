package pingline

import (
	"context"
	"testing"
	"time"
)

func newTestEngine(t *testing.T) *SyncEngine {
	t.Helper()
	return NewEngine(EngineConfig{
		SelfID: "self",
		Logger: testLogger(),
	})
}

func at(sec int) time.Time {
	return time.Date(2026, 8, 1, 12, 0, sec, 0, time.UTC)
}

func TestEngine_ServerIDRedeliveryIsIdempotent(t *testing.T) {
	e := newTestEngine(t)
	m := Message{ServerID: "42", SenderID: "peer", ReceiverID: "self", Text: "hi", Timestamp: at(1)}

	e.ApplyIncoming(m)
	e.ApplyIncoming(m)

	conv := e.Conversation("peer")
	if len(conv) != 1 {
		t.Fatalf("conversation has %d messages, want 1", len(conv))
	}
	if got := e.Ledger().Count("peer"); got != 1 {
		t.Errorf("unread count = %d, want 1 (re-delivery must not double-count)", got)
	}
}

func TestEngine_OptimisticSendPromotion(t *testing.T) {
	e := newTestEngine(t)

	sent := e.SendText(context.Background(), "peer", "hello")
	if sent.ClientID == "" {
		t.Fatal("outgoing message must carry a client ID")
	}
	if !sent.Pending {
		t.Fatal("outgoing message must start pending")
	}

	// Relay echo: server identity assigned, same client ID.
	echo := sent
	echo.ServerID = "99"
	echo.Pending = false
	e.ApplyIncoming(echo)

	conv := e.Conversation("peer")
	if len(conv) != 1 {
		t.Fatalf("conversation has %d messages, want 1 (echo must replace, not append)", len(conv))
	}
	if conv[0].ServerID != "99" || conv[0].Pending {
		t.Errorf("echo did not promote the pending message: %+v", conv[0])
	}
	if got := e.Ledger().Count("peer"); got != 0 {
		t.Errorf("own echo incremented unread count to %d", got)
	}
}

func TestEngine_SelfConversationRouting(t *testing.T) {
	e := newTestEngine(t)

	// Sent from another of the user's devices, to a peer: lands in the
	// peer's conversation even though we are the sender.
	e.ApplyIncoming(Message{ServerID: "1", SenderID: "self", ReceiverID: "peer", Text: "from my phone", Timestamp: at(1)})
	// A note to self lands in the synthetic self conversation.
	e.ApplyIncoming(Message{ServerID: "2", SenderID: "self", ReceiverID: "self", Text: "note", Timestamp: at(2)})

	if got := len(e.Conversation("peer")); got != 1 {
		t.Errorf("peer conversation has %d messages, want 1", got)
	}
	if got := len(e.Conversation("self")); got != 1 {
		t.Errorf("self conversation has %d messages, want 1", got)
	}
	if got := e.Ledger().Count("peer"); got != 0 {
		t.Errorf("multi-device echo counted as unread: %d", got)
	}
	if got := e.Ledger().Count("self"); got != 0 {
		t.Errorf("note to self counted as unread: %d", got)
	}
}

func TestEngine_UnreadViewGating(t *testing.T) {
	e := newTestEngine(t)
	e.SetActivePeer("alice")

	e.ApplyIncoming(Message{ServerID: "1", SenderID: "alice", ReceiverID: "self", Text: "hi", Timestamp: at(1)})
	e.ApplyIncoming(Message{ServerID: "2", SenderID: "bob", ReceiverID: "self", Text: "yo", Timestamp: at(2)})

	if got := e.Ledger().Count("alice"); got != 0 {
		t.Errorf("displayed conversation accumulated unread: %d", got)
	}
	if got := e.Ledger().Count("bob"); got != 1 {
		t.Errorf("background conversation count = %d, want 1", got)
	}

	// Opening bob's conversation clears it; a re-delivery of the same
	// message afterwards must not resurrect the count.
	e.SetActivePeer("bob")
	if got := e.Ledger().Count("bob"); got != 0 {
		t.Fatalf("count after open = %d, want 0", got)
	}
	e.SetActivePeer("")
	e.ApplyIncoming(Message{ServerID: "2", SenderID: "bob", ReceiverID: "self", Text: "yo", Timestamp: at(2)})
	if got := e.Ledger().Count("bob"); got != 0 {
		t.Errorf("re-delivery after open incremented count to %d", got)
	}
}

func TestEngine_CompositeKeyDeduplication(t *testing.T) {
	e := newTestEngine(t)
	row := Message{SenderID: "peer", ReceiverID: "self", Text: "old import", Timestamp: at(1)}

	e.LoadHistory("peer", []Message{row})
	e.LoadHistory("peer", []Message{row})

	if got := len(e.Conversation("peer")); got != 1 {
		t.Errorf("identifier-less row duplicated: %d entries", got)
	}
	if got := e.Ledger().Count("peer"); got != 0 {
		t.Errorf("history rows counted as unread: %d", got)
	}
}

func TestEngine_HistoryPromotesPendingSend(t *testing.T) {
	e := newTestEngine(t)
	sent := e.SendText(context.Background(), "peer", "hello")

	confirmed := sent
	confirmed.ServerID = "7"
	confirmed.Pending = false
	e.LoadHistory("peer", []Message{confirmed})

	conv := e.Conversation("peer")
	if len(conv) != 1 {
		t.Fatalf("history re-fetch duplicated the optimistic send: %d entries", len(conv))
	}
	if conv[0].ServerID != "7" || conv[0].Pending {
		t.Errorf("pending send not promoted by history row: %+v", conv[0])
	}
}

func TestEngine_SendImagesOrderAndIdentity(t *testing.T) {
	e := newTestEngine(t)

	out := e.SendImages(context.Background(), "peer", "look at these", []string{"https://x/1.png", "https://x/2.png"})
	if len(out) != 3 {
		t.Fatalf("got %d messages, want 3 (caption + 2 images)", len(out))
	}
	if out[0].Text != "look at these" || out[1].ImageURL == "" || out[2].ImageURL == "" {
		t.Fatalf("caption must precede images: %+v", out)
	}
	seen := map[string]bool{}
	for i, m := range out {
		if m.ClientID == "" || seen[m.ClientID] {
			t.Errorf("message %d lacks a distinct client ID", i)
		}
		seen[m.ClientID] = true
		if i > 0 && !out[i-1].Timestamp.Before(m.Timestamp) {
			t.Errorf("timestamps not strictly increasing at %d: %v vs %v", i, out[i-1].Timestamp, m.Timestamp)
		}
	}

	conv := e.Conversation("peer")
	if len(conv) != 3 {
		t.Fatalf("conversation has %d messages, want 3", len(conv))
	}
}

func TestEngine_ClearConversation(t *testing.T) {
	e := newTestEngine(t)
	e.ApplyIncoming(Message{ServerID: "1", SenderID: "peer", ReceiverID: "self", Text: "hi", Timestamp: at(1)})

	e.ClearConversation("peer")

	if got := len(e.Conversation("peer")); got != 0 {
		t.Errorf("conversation not cleared: %d entries", got)
	}
	for _, f := range e.RankedFriends() {
		if f.ID == "peer" && f.LastMessagePreview != "" {
			t.Errorf("preview survived clear: %q", f.LastMessagePreview)
		}
	}
}

func TestEngine_OutOfOrderArrivalSortsByTimestamp(t *testing.T) {
	e := newTestEngine(t)
	e.ApplyIncoming(Message{ServerID: "2", SenderID: "peer", ReceiverID: "self", Text: "second", Timestamp: at(2)})
	e.ApplyIncoming(Message{ServerID: "1", SenderID: "peer", ReceiverID: "self", Text: "first", Timestamp: at(1)})

	conv := e.Conversation("peer")
	if len(conv) != 2 {
		t.Fatalf("conversation has %d messages, want 2", len(conv))
	}
	if conv[0].ServerID != "1" || conv[1].ServerID != "2" {
		t.Errorf("transcript not ascending by timestamp: %v, %v", conv[0].ServerID, conv[1].ServerID)
	}
}

func TestEngine_EchoWithEarlierTimestampResorts(t *testing.T) {
	e := newTestEngine(t)
	e.ApplyIncoming(Message{ServerID: "1", SenderID: "peer", ReceiverID: "self", Text: "hi", Timestamp: at(1)})

	// The optimistic send's local timestamp is wall-clock now, well
	// after the existing message.
	sent := e.SendText(context.Background(), "peer", "reply")

	// The server assigns its own, earlier timestamp on confirmation;
	// the promoted entry must move to its sorted position.
	echo := sent
	echo.ServerID = "2"
	echo.Pending = false
	echo.Timestamp = at(0)
	e.ApplyIncoming(echo)

	conv := e.Conversation("peer")
	if len(conv) != 2 {
		t.Fatalf("conversation has %d messages, want 2", len(conv))
	}
	if conv[0].ServerID != "2" || conv[1].ServerID != "1" {
		t.Fatalf("transcript out of order after replace: got [%s %s], want [2 1]",
			conv[0].ServerID, conv[1].ServerID)
	}
}

func TestEngine_RedeliveryKeepsNewestPreview(t *testing.T) {
	e := newTestEngine(t)
	e.ApplyIncoming(Message{ServerID: "1", SenderID: "peer", ReceiverID: "self", Text: "old", Timestamp: at(1)})
	e.ApplyIncoming(Message{ServerID: "2", SenderID: "peer", ReceiverID: "self", Text: "newer", Timestamp: at(9)})

	// Idempotent re-delivery of the older message must not regress the
	// summary or the peer's rank.
	e.ApplyIncoming(Message{ServerID: "1", SenderID: "peer", ReceiverID: "self", Text: "old", Timestamp: at(1)})

	for _, f := range e.RankedFriends() {
		if f.ID != "peer" {
			continue
		}
		if f.LastMessagePreview != "newer" {
			t.Errorf("preview regressed to %q, want newer", f.LastMessagePreview)
		}
		if f.LastMessageTime == nil || !f.LastMessageTime.Equal(at(9)) {
			t.Errorf("last message time regressed: %v", f.LastMessageTime)
		}
		return
	}
	t.Fatal("peer missing from ranked list")
}

func TestEngine_NoRosterCallbackForDuplicateDelivery(t *testing.T) {
	var rosterCalls int
	e := NewEngine(EngineConfig{
		SelfID:   "self",
		Logger:   testLogger(),
		OnRoster: func() { rosterCalls++ },
	})

	row := Message{SenderID: "peer", ReceiverID: "self", Text: "import", Timestamp: at(1)}
	e.ApplyIncoming(row)
	before := rosterCalls
	if before == 0 {
		t.Fatal("first delivery should notify the roster")
	}
	e.ApplyIncoming(row)
	if rosterCalls != before {
		t.Errorf("duplicate delivery fired the roster callback (%d -> %d)", before, rosterCalls)
	}
}

func TestEngine_InboundFriendRequestAndProfileEvents(t *testing.T) {
	relay := newTestRelay(t)
	ch := newTestChannel(t, relay)

	requests := make(chan FriendRequest, 1)
	profiles := make(chan Profile, 1)
	e := NewEngine(EngineConfig{
		SelfID:          "self",
		Channel:         ch,
		Logger:          testLogger(),
		OnFriendRequest: func(r FriendRequest) { requests <- r },
		OnProfileUpdated: func(p Profile) {
			profiles <- p
		},
	})
	e.SetFriends([]FriendSummary{{ID: "bob", DisplayName: "Bob", AddedAt: at(0)}})

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer ch.Close()
	conn := relay.accept(t)

	relay.push(t, conn, EventReceiveFriendRequest, FriendRequest{ID: "r1", FromID: "carol", FromName: "Carol"})
	select {
	case r := <-requests:
		if r.FromID != "carol" {
			t.Errorf("friend request from %q, want carol", r.FromID)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("friend request never routed")
	}

	relay.push(t, conn, EventProfileUpdated, Profile{ID: "bob", Username: "bob", DisplayName: "Bobby"})
	select {
	case p := <-profiles:
		if p.DisplayName != "Bobby" {
			t.Errorf("profile update for %q, want Bobby", p.DisplayName)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("profile update never routed")
	}

	for _, f := range e.RankedFriends() {
		if f.ID == "bob" && f.DisplayName != "Bobby" {
			t.Errorf("roster display name = %q, want Bobby", f.DisplayName)
		}
	}
}

func TestEngine_TranscriptCallbackOnlyForViewedChanges(t *testing.T) {
	var transcriptCalls []string
	e := NewEngine(EngineConfig{
		SelfID: "self",
		Logger: testLogger(),
		OnTranscript: func(peerID string) {
			transcriptCalls = append(transcriptCalls, peerID)
		},
	})

	e.SetActivePeer("alice")
	e.ApplyIncoming(Message{ServerID: "1", SenderID: "alice", ReceiverID: "self", Text: "hi", Timestamp: at(1)})
	e.ApplyIncoming(Message{ServerID: "2", SenderID: "bob", ReceiverID: "self", Text: "yo", Timestamp: at(2)})

	if len(transcriptCalls) != 1 || transcriptCalls[0] != "alice" {
		t.Errorf("transcript callbacks = %v, want exactly [alice]", transcriptCalls)
	}
}
