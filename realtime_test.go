package pingline

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"nhooyr.io/websocket"
)

// testRelay is a minimal in-process relay: it accepts websocket
// connections at /ws, records every frame the client sends, and lets
// tests push events down or drop the connection.
type testRelay struct {
	srv    *httptest.Server
	conns  chan *websocket.Conn
	frames chan envelope
}

func newTestRelay(t *testing.T) *testRelay {
	t.Helper()
	r := &testRelay{
		conns:  make(chan *websocket.Conn, 4),
		frames: make(chan envelope, 32),
	}
	mux := http.NewServeMux()
	mux.HandleFunc("/ws", func(w http.ResponseWriter, req *http.Request) {
		c, err := websocket.Accept(w, req, nil)
		if err != nil {
			return
		}
		r.conns <- c
		for {
			_, data, err := c.Read(context.Background())
			if err != nil {
				return
			}
			var env envelope
			if json.Unmarshal(data, &env) == nil {
				r.frames <- env
			}
		}
	})
	r.srv = httptest.NewServer(mux)
	t.Cleanup(r.srv.Close)
	return r
}

func (r *testRelay) push(t *testing.T, conn *websocket.Conn, event string, data interface{}) {
	t.Helper()
	raw, err := json.Marshal(command{Event: event, Data: data})
	if err != nil {
		t.Fatalf("marshal push: %v", err)
	}
	if err := conn.Write(context.Background(), websocket.MessageText, raw); err != nil {
		t.Fatalf("push %s: %v", event, err)
	}
}

func (r *testRelay) accept(t *testing.T) *websocket.Conn {
	t.Helper()
	select {
	case c := <-r.conns:
		return c
	case <-time.After(10 * time.Second):
		t.Fatal("no websocket connection arrived")
		return nil
	}
}

func (r *testRelay) frame(t *testing.T) envelope {
	t.Helper()
	select {
	case f := <-r.frames:
		return f
	case <-time.After(10 * time.Second):
		t.Fatal("no frame arrived")
		return envelope{}
	}
}

func newTestChannel(t *testing.T, relay *testRelay) *Channel {
	t.Helper()
	s := newSessionManager(nil, nil, testLogger())
	s.SetCredential(Credential{AccessToken: "access-0", RefreshToken: "refresh-0"})
	return newChannel(relay.srv.URL, s, testLogger())
}

func TestChannel_DispatchesInDeliveryOrder(t *testing.T) {
	relay := newTestRelay(t)
	ch := newTestChannel(t, relay)

	events := make(chan string, 8)
	ch.OnMessage(func(m Message) { events <- "message:" + m.Text })
	ch.OnStatusUpdate(func(u StatusUpdate) { events <- "status:" + u.PeerID })
	ch.OnStatusSnapshot(func(b []StatusUpdate) { events <- "snapshot" })

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer ch.Close()
	conn := relay.accept(t)

	relay.push(t, conn, EventReceiveMessage, Message{
		SenderID: "peer", ReceiverID: "self", Text: "first", Timestamp: at(1),
	})
	relay.push(t, conn, EventFriendStatusUpdate, StatusUpdate{PeerID: "peer", IsOnline: true})
	relay.push(t, conn, EventFriendsStatusResponse, []StatusUpdate{{PeerID: "peer", IsOnline: true}})

	want := []string{"message:first", "status:peer", "snapshot"}
	for i, w := range want {
		select {
		case got := <-events:
			if got != w {
				t.Fatalf("event %d = %q, want %q (handlers must run in delivery order)", i, got, w)
			}
		case <-time.After(10 * time.Second):
			t.Fatalf("event %d (%q) never dispatched", i, w)
		}
	}
}

func TestChannel_RejoinsRoomOnReconnect(t *testing.T) {
	relay := newTestRelay(t)
	ch := newTestChannel(t, relay)

	reconnecting := make(chan struct{}, 4)
	ch.OnReconnecting(func(attempt int, delay time.Duration) {
		reconnecting <- struct{}{}
	})

	if err := ch.Connect(context.Background()); err != nil {
		t.Fatalf("connect: %v", err)
	}
	defer ch.Close()
	first := relay.accept(t)

	if err := ch.JoinRoom(context.Background(), "self"); err != nil {
		t.Fatalf("join room: %v", err)
	}
	if f := relay.frame(t); f.Event != EventJoinRoom {
		t.Fatalf("first frame = %q, want join_room", f.Event)
	}

	// Relay drops us; the channel must come back on its own and
	// re-issue the join unprompted.
	_ = first.Close(websocket.StatusGoingAway, "relay restart")

	select {
	case <-reconnecting:
	case <-time.After(10 * time.Second):
		t.Fatal("reconnect never scheduled")
	}
	relay.accept(t)

	f := relay.frame(t)
	if f.Event != EventJoinRoom {
		t.Fatalf("first frame after reconnect = %q, want join_room", f.Event)
	}
	var body map[string]string
	if err := json.Unmarshal(f.Data, &body); err != nil || body["userId"] != "self" {
		t.Errorf("rejoin payload = %s", f.Data)
	}
}

func TestChannel_DeferredSendConnectsAndRetries(t *testing.T) {
	relay := newTestRelay(t)
	ch := newTestChannel(t, relay)
	defer ch.Close()

	// Never connected: the send is deferred, not rejected.
	err := ch.Emit(context.Background(), EventSendMessage, Message{
		ClientID: "c1", SenderID: "self", ReceiverID: "peer", Text: "hi", Timestamp: at(1),
	})
	if err != nil {
		t.Fatalf("deferred Emit returned %v, want nil", err)
	}

	relay.accept(t)
	f := relay.frame(t)
	if f.Event != EventSendMessage {
		t.Fatalf("relayed frame = %q, want send_message", f.Event)
	}
	var m Message
	if err := json.Unmarshal(f.Data, &m); err != nil || m.ClientID != "c1" {
		t.Errorf("relayed payload = %s", f.Data)
	}
}

func TestChannel_EmitAfterLogout(t *testing.T) {
	relay := newTestRelay(t)
	ch := newTestChannel(t, relay)
	ch.session.ForceLogout("test")

	err := ch.Emit(context.Background(), EventSendMessage, Message{ClientID: "c1"})
	if err != ErrLoggedOut {
		t.Fatalf("got %v, want ErrLoggedOut", err)
	}
}

func TestReconnector_Backoff(t *testing.T) {
	r := &reconnector{}

	prev := time.Duration(0)
	for i := 0; i < 6; i++ {
		d := r.nextDelay()
		if d < reconnectBaseDelay || d > reconnectMaxDelay {
			t.Fatalf("attempt %d: delay %v outside [%v, %v]", i, d, reconnectBaseDelay, reconnectMaxDelay)
		}
		if d < prev && d != reconnectMaxDelay {
			t.Fatalf("attempt %d: delay %v shrank before reaching the cap", i, d)
		}
		prev = d
	}
	if r.nextDelay() != reconnectMaxDelay {
		t.Error("delay should sit at the cap once reached")
	}

	r.markConnected()
	if r.attempt != 0 {
		t.Error("attempt counter should reset on connect")
	}
}

func TestDispatcher_DropsMalformedPayloads(t *testing.T) {
	d := newEventDispatcher(testLogger())
	var calls int
	d.onMessage = append(d.onMessage, func(Message) { calls++ })

	d.dispatch(envelope{Event: EventReceiveMessage, Data: json.RawMessage(`"not an object"`)})
	d.dispatch(envelope{Event: EventReceiveMessage, Data: json.RawMessage(`{"text":"no sender"}`)})
	if calls != 0 {
		t.Fatalf("malformed payloads reached handlers %d times", calls)
	}

	d.dispatch(envelope{Event: EventReceiveMessage, Data: json.RawMessage(
		`{"senderId":"peer","receiverId":"self","text":"ok","timestamp":"2026-08-01T12:00:00Z"}`)})
	if calls != 1 {
		t.Fatalf("valid payload dispatched %d times, want 1", calls)
	}
}
