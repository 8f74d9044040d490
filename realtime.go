package pingline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	"nhooyr.io/websocket"
)

// ErrNotConnected is returned by Emit when the channel is down and the
// deferred retry has already been consumed for this send.
var ErrNotConnected = errors.New("pingline: realtime channel not connected")

// Inbound event names pushed by the relay.
const (
	EventReceiveMessage        = "receive_message"
	EventFriendStatusUpdate    = "friend_status_update"
	EventFriendsStatusResponse = "friends_status_response"
	EventReceiveFriendRequest  = "receive_friend_request"
	EventFriendRequestResponse = "friend_request_responded"
	EventUpdateFriendList      = "update_friend_list"
	EventProfileUpdated        = "profile_updated"
)

// Outbound event names emitted to the relay.
const (
	EventJoinRoom             = "join_room"
	EventLeaveRoom            = "leave_room"
	EventSendMessage          = "send_message"
	EventRequestFriendsStatus = "request_friends_status"
	EventSendFriendRequest    = "send_friend_request"
	EventRespondFriendRequest = "respond_friend_request"
)

// envelope is the wire format for all realtime traffic.
type envelope struct {
	Event string          `json:"event"`
	Data  json.RawMessage `json:"data,omitempty"`
}

// command is a client-to-relay event before marshalling.
type command struct {
	Event string      `json:"event"`
	Data  interface{} `json:"data,omitempty"`
}

// ChannelState represents the connection state.
type ChannelState string

const (
	StateDisconnected ChannelState = "disconnected"
	StateConnecting   ChannelState = "connecting"
	StateConnected    ChannelState = "connected"
	StateReconnecting ChannelState = "reconnecting"
)

const (
	reconnectBaseDelay = 1 * time.Second
	reconnectMaxDelay  = 5 * time.Second
	heartbeatInterval  = 25 * time.Second
	sendRetryDelay     = 500 * time.Millisecond
)

// ============================================================================
// Event Dispatcher
// ============================================================================

// EventHandler is the generic event callback type.
type EventHandler func(event string, data json.RawMessage)

// Handlers run synchronously on the read loop, in delivery order: if
// event A arrives before event B, A's handler completes before B's
// starts. The engines rely on this.
type eventDispatcher struct {
	mu             sync.RWMutex
	logger         *slog.Logger
	generic        map[string][]EventHandler
	onMessage      []func(Message)
	onStatusUpdate []func(StatusUpdate)
	onStatusBatch  []func([]StatusUpdate)
	onConnected    []func()
	onDisconnected []func(reason string)
	onReconnecting []func(attempt int, delay time.Duration)
	onSendFailed   []func(event string, err error)
}

func newEventDispatcher(logger *slog.Logger) *eventDispatcher {
	return &eventDispatcher{
		logger:  logger,
		generic: make(map[string][]EventHandler),
	}
}

func (d *eventDispatcher) dispatch(env envelope) {
	d.mu.RLock()
	defer d.mu.RUnlock()

	// Typed handlers. Malformed payloads are dropped and logged; they
	// never crash the engine.
	switch env.Event {
	case EventReceiveMessage:
		var m Message
		if err := json.Unmarshal(env.Data, &m); err != nil || m.SenderID == "" || m.Timestamp.IsZero() {
			d.logger.Warn("drop malformed message payload", "err", err)
			break
		}
		for _, h := range d.onMessage {
			h(m)
		}
	case EventFriendStatusUpdate:
		var u StatusUpdate
		if err := json.Unmarshal(env.Data, &u); err != nil || u.PeerID == "" {
			d.logger.Warn("drop malformed status payload", "err", err)
			break
		}
		for _, h := range d.onStatusUpdate {
			h(u)
		}
	case EventFriendsStatusResponse:
		var batch []StatusUpdate
		if err := json.Unmarshal(env.Data, &batch); err != nil {
			d.logger.Warn("drop malformed status snapshot", "err", err)
			break
		}
		for _, h := range d.onStatusBatch {
			h(batch)
		}
	}

	for _, h := range d.generic[env.Event] {
		h(env.Event, env.Data)
	}
}

func (d *eventDispatcher) emitConnected() {
	d.mu.RLock()
	handlers := append([]func(){}, d.onConnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h()
	}
}

func (d *eventDispatcher) emitDisconnected(reason string) {
	d.mu.RLock()
	handlers := append([]func(string){}, d.onDisconnected...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(reason)
	}
}

func (d *eventDispatcher) emitReconnecting(attempt int, delay time.Duration) {
	d.mu.RLock()
	handlers := append([]func(int, time.Duration){}, d.onReconnecting...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(attempt, delay)
	}
}

func (d *eventDispatcher) emitSendFailed(event string, err error) {
	d.mu.RLock()
	handlers := append([]func(string, error){}, d.onSendFailed...)
	d.mu.RUnlock()
	for _, h := range handlers {
		h(event, err)
	}
}

// ============================================================================
// Reconnector
// ============================================================================

// reconnector tracks backoff state: 1s base doubling to a 5s cap, with
// jitter, unlimited attempts. The attempt counter resets after a
// connection has held for a minute.
type reconnector struct {
	attempt     int
	connectedAt time.Time
}

func (r *reconnector) markConnected() {
	r.connectedAt = time.Now()
	r.attempt = 0
}

func (r *reconnector) nextDelay() time.Duration {
	if !r.connectedAt.IsZero() && time.Since(r.connectedAt) > 60*time.Second {
		r.attempt = 0
	}
	jitter := time.Duration(rand.Float64() * float64(reconnectBaseDelay) * 0.5)
	delay := time.Duration(math.Min(
		float64(reconnectBaseDelay)*math.Pow(2, float64(r.attempt))+float64(jitter),
		float64(reconnectMaxDelay),
	))
	r.attempt++
	return delay
}

// ============================================================================
// Channel
// ============================================================================

// Channel is the persistent bidirectional connection to the Pingline
// relay. It reconnects automatically with bounded backoff for as long
// as the session is valid, and re-issues the room join on every
// (re)connection — room membership does not survive a reconnect.
type Channel struct {
	baseURL string
	session *SessionManager
	logger  *slog.Logger

	mu               sync.Mutex
	conn             *websocket.Conn
	state            ChannelState
	room             string
	intentionalClose bool
	cancelFn         context.CancelFunc

	dispatcher *eventDispatcher
	recon      *reconnector
}

func newChannel(baseURL string, session *SessionManager, logger *slog.Logger) *Channel {
	return &Channel{
		baseURL:    baseURL,
		session:    session,
		logger:     logger,
		state:      StateDisconnected,
		dispatcher: newEventDispatcher(logger),
		recon:      &reconnector{},
	}
}

// OnMessage registers a handler for pushed messages.
func (ch *Channel) OnMessage(h func(Message)) {
	ch.dispatcher.mu.Lock()
	ch.dispatcher.onMessage = append(ch.dispatcher.onMessage, h)
	ch.dispatcher.mu.Unlock()
}

// OnStatusUpdate registers a handler for single-peer presence deltas.
func (ch *Channel) OnStatusUpdate(h func(StatusUpdate)) {
	ch.dispatcher.mu.Lock()
	ch.dispatcher.onStatusUpdate = append(ch.dispatcher.onStatusUpdate, h)
	ch.dispatcher.mu.Unlock()
}

// OnStatusSnapshot registers a handler for batch presence snapshots.
func (ch *Channel) OnStatusSnapshot(h func([]StatusUpdate)) {
	ch.dispatcher.mu.Lock()
	ch.dispatcher.onStatusBatch = append(ch.dispatcher.onStatusBatch, h)
	ch.dispatcher.mu.Unlock()
}

// OnConnected registers a handler for the connected meta-event, fired
// after the room join has been re-issued.
func (ch *Channel) OnConnected(h func()) {
	ch.dispatcher.mu.Lock()
	ch.dispatcher.onConnected = append(ch.dispatcher.onConnected, h)
	ch.dispatcher.mu.Unlock()
}

// OnDisconnected registers a handler for the disconnected meta-event.
func (ch *Channel) OnDisconnected(h func(reason string)) {
	ch.dispatcher.mu.Lock()
	ch.dispatcher.onDisconnected = append(ch.dispatcher.onDisconnected, h)
	ch.dispatcher.mu.Unlock()
}

// OnReconnecting registers a handler for the reconnecting meta-event.
func (ch *Channel) OnReconnecting(h func(attempt int, delay time.Duration)) {
	ch.dispatcher.mu.Lock()
	ch.dispatcher.onReconnecting = append(ch.dispatcher.onReconnecting, h)
	ch.dispatcher.mu.Unlock()
}

// OnSendFailed registers a handler invoked when a deferred send's one
// automatic retry also fails. This is the UI's surface for send errors.
func (ch *Channel) OnSendFailed(h func(event string, err error)) {
	ch.dispatcher.mu.Lock()
	ch.dispatcher.onSendFailed = append(ch.dispatcher.onSendFailed, h)
	ch.dispatcher.mu.Unlock()
}

// On registers a generic handler for a named relay event.
func (ch *Channel) On(event string, h EventHandler) {
	ch.dispatcher.mu.Lock()
	ch.dispatcher.generic[event] = append(ch.dispatcher.generic[event], h)
	ch.dispatcher.mu.Unlock()
}

// State returns the current connection state.
func (ch *Channel) State() ChannelState {
	ch.mu.Lock()
	defer ch.mu.Unlock()
	return ch.state
}

// Connect dials the relay. On success the current room join (if any) is
// re-issued before the connected meta-event fires.
func (ch *Channel) Connect(ctx context.Context) error {
	ch.mu.Lock()
	if ch.state == StateConnected || ch.state == StateConnecting {
		ch.mu.Unlock()
		return nil
	}
	ch.state = StateConnecting
	ch.intentionalClose = false
	ch.mu.Unlock()

	wsURL := strings.Replace(ch.baseURL, "https://", "wss://", 1)
	wsURL = strings.Replace(wsURL, "http://", "ws://", 1)
	wsURL += "/ws?token=" + ch.session.Credential().AccessToken

	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		ch.mu.Lock()
		ch.state = StateDisconnected
		ch.mu.Unlock()
		return fmt.Errorf("websocket dial: %w", err)
	}

	ch.mu.Lock()
	ch.conn = conn
	ch.state = StateConnected
	room := ch.room
	ch.mu.Unlock()
	ch.recon.markConnected()

	// Room membership does not survive the transport; rejoin first.
	if room != "" {
		if err := ch.writeEvent(ctx, EventJoinRoom, map[string]string{"userId": room}); err != nil {
			ch.logger.Warn("rejoin room", "room", room, "err", err)
		}
	}

	connCtx, cancel := context.WithCancel(context.Background())
	ch.mu.Lock()
	ch.cancelFn = cancel
	ch.mu.Unlock()

	go ch.readLoop(connCtx)
	go ch.heartbeatLoop(connCtx)

	ch.dispatcher.emitConnected()
	return nil
}

// Close tears the connection down intentionally; no reconnect follows.
func (ch *Channel) Close() {
	ch.mu.Lock()
	ch.intentionalClose = true
	if ch.cancelFn != nil {
		ch.cancelFn()
		ch.cancelFn = nil
	}
	conn := ch.conn
	ch.conn = nil
	ch.state = StateDisconnected
	ch.mu.Unlock()

	if conn != nil {
		_ = conn.Close(websocket.StatusNormalClosure, "client close")
	}
	ch.dispatcher.emitDisconnected("client close")
}

// JoinRoom joins the user-scoped relay room and remembers it so every
// reconnect re-issues the join.
func (ch *Channel) JoinRoom(ctx context.Context, userID string) error {
	ch.mu.Lock()
	ch.room = userID
	ch.mu.Unlock()
	return ch.Emit(ctx, EventJoinRoom, map[string]string{"userId": userID})
}

// LeaveRoom leaves the user-scoped relay room.
func (ch *Channel) LeaveRoom(ctx context.Context, userID string) error {
	ch.mu.Lock()
	if ch.room == userID {
		ch.room = ""
	}
	ch.mu.Unlock()
	return ch.Emit(ctx, EventLeaveRoom, map[string]string{"userId": userID})
}

// RequestFriendsStatus asks the relay for a presence snapshot of the
// given peers. Issued after reconnect or when the view regains focus.
func (ch *Channel) RequestFriendsStatus(ctx context.Context, peerIDs []string) error {
	return ch.Emit(ctx, EventRequestFriendsStatus, map[string][]string{"peerIds": peerIDs})
}

// SendFriendRequest emits a friend request to the given user.
func (ch *Channel) SendFriendRequest(ctx context.Context, toUserID string) error {
	return ch.Emit(ctx, EventSendFriendRequest, map[string]string{"toUserId": toUserID})
}

// RespondFriendRequest accepts or declines a pending friend request.
func (ch *Channel) RespondFriendRequest(ctx context.Context, requestID string, accept bool) error {
	return ch.Emit(ctx, EventRespondFriendRequest, map[string]interface{}{
		"requestId": requestID,
		"accept":    accept,
	})
}

// Emit sends an event to the relay. If the channel is disconnected it
// triggers a reconnect and defers the send with exactly one automatic
// retry after a short delay; if that retry also fails the error is
// surfaced through OnSendFailed and the send is dropped.
func (ch *Channel) Emit(ctx context.Context, event string, data interface{}) error {
	if err := ch.writeEvent(ctx, event, data); err == nil {
		return nil
	}

	if !ch.session.LoggedIn() {
		return ErrLoggedOut
	}
	go func() {
		if err := ch.Connect(context.Background()); err != nil {
			ch.logger.Warn("reconnect for deferred send", "event", event, "err", err)
		}
		time.Sleep(sendRetryDelay)
		if err := ch.writeEvent(context.Background(), event, data); err != nil {
			ch.logger.Warn("deferred send failed", "event", event, "err", err)
			ch.dispatcher.emitSendFailed(event, err)
		}
	}()
	return nil
}

func (ch *Channel) writeEvent(ctx context.Context, event string, data interface{}) error {
	ch.mu.Lock()
	conn := ch.conn
	ch.mu.Unlock()
	if conn == nil {
		return ErrNotConnected
	}

	payload, err := json.Marshal(command{Event: event, Data: data})
	if err != nil {
		return fmt.Errorf("marshal %s: %w", event, err)
	}
	return conn.Write(ctx, websocket.MessageText, payload)
}

func (ch *Channel) readLoop(ctx context.Context) {
	for {
		ch.mu.Lock()
		conn := ch.conn
		ch.mu.Unlock()
		if conn == nil {
			return
		}

		_, data, err := conn.Read(ctx)
		if err != nil {
			ch.mu.Lock()
			intentional := ch.intentionalClose
			ch.state = StateDisconnected
			ch.conn = nil
			ch.mu.Unlock()
			if intentional {
				return
			}

			ch.dispatcher.emitDisconnected(err.Error())
			if ch.session.LoggedIn() {
				ch.scheduleReconnect()
			}
			return
		}

		var env envelope
		if err := json.Unmarshal(data, &env); err != nil {
			ch.logger.Warn("drop undecodable frame", "err", err)
			continue
		}
		ch.dispatcher.dispatch(env)
	}
}

func (ch *Channel) heartbeatLoop(ctx context.Context) {
	ticker := time.NewTicker(heartbeatInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			ch.mu.Lock()
			conn := ch.conn
			ch.mu.Unlock()
			if conn == nil {
				return
			}
			pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
			err := conn.Ping(pingCtx)
			cancel()
			if err != nil {
				// Let the read loop observe the closure and reconnect.
				_ = conn.Close(websocket.StatusGoingAway, "heartbeat timeout")
				return
			}
		}
	}
}

// scheduleReconnect retries the connection until it succeeds or the
// session ends. Unlimited attempts; delay bounded by reconnectMaxDelay.
func (ch *Channel) scheduleReconnect() {
	for ch.session.LoggedIn() {
		delay := ch.recon.nextDelay()
		ch.mu.Lock()
		if ch.intentionalClose {
			ch.mu.Unlock()
			return
		}
		ch.state = StateReconnecting
		ch.mu.Unlock()

		ch.dispatcher.emitReconnecting(ch.recon.attempt, delay)
		time.Sleep(delay)

		if err := ch.Connect(context.Background()); err == nil {
			return
		}
	}
	ch.mu.Lock()
	ch.state = StateDisconnected
	ch.mu.Unlock()
}
