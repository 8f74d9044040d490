package pingline

import (
	"encoding/json"
	"time"
)

// ============================================================================
// Shared Types
// ============================================================================

// APIError represents an error returned by the Pingline backend.
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func (e *APIError) Error() string {
	return e.Code + ": " + e.Message
}

// apiResult is the generic response envelope used by every REST endpoint.
type apiResult struct {
	OK    bool            `json:"ok"`
	Data  json.RawMessage `json:"data,omitempty"`
	Error *APIError       `json:"error,omitempty"`
}

// Decode unmarshals the Data field into the provided type.
func (r *apiResult) Decode(v interface{}) error {
	if r.Data == nil {
		return nil
	}
	return json.Unmarshal(r.Data, v)
}

// ============================================================================
// Credentials
// ============================================================================

// Credential is the pair of tokens that backs a session, plus an expiry
// hint decoded from the access token. Owned exclusively by the
// SessionManager; callers only ever read the access token through it.
type Credential struct {
	AccessToken  string    `json:"accessToken"`
	RefreshToken string    `json:"refreshToken"`
	ExpiresAt    time.Time `json:"expiresAt,omitempty"`
}

// Valid reports whether the credential carries an access token at all.
// The expiry is a hint only; authorization failures are authoritative.
func (c Credential) Valid() bool {
	return c.AccessToken != ""
}

// ExpiresSoon reports whether the access token is past (or within margin
// of) its hinted expiry. Always false when no hint was decodable.
func (c Credential) ExpiresSoon(margin time.Duration) bool {
	if c.ExpiresAt.IsZero() {
		return false
	}
	return time.Now().Add(margin).After(c.ExpiresAt)
}

// ============================================================================
// Messages
// ============================================================================

// MessageRef points at an earlier message in the same conversation.
type MessageRef struct {
	ServerID string `json:"id,omitempty"`
	SenderID string `json:"senderId,omitempty"`
	Preview  string `json:"preview,omitempty"`
}

// Message is a single direct message.
//
// Identity: once the server has assigned ServerID, that is the identity.
// Before assignment a locally created message is identified by ClientID.
// A message carrying neither (foreign history rows) falls back to the
// composite key of (timestamp, imageUrl, text, senderId).
type Message struct {
	ServerID   string      `json:"id,omitempty"`
	ClientID   string      `json:"clientId,omitempty"`
	SenderID   string      `json:"senderId"`
	ReceiverID string      `json:"receiverId"`
	Text       string      `json:"text,omitempty"`
	ImageURL   string      `json:"imageUrl,omitempty"`
	Timestamp  time.Time   `json:"timestamp"`
	ReplyTo    *MessageRef `json:"replyTo,omitempty"`

	// Pending marks a locally inserted message that has not yet been
	// echoed back by the relay. Never serialized.
	Pending bool `json:"-"`
}

// DedupKey derives the identity key used for merge and unread dedup:
// server ID if assigned, else client ID, else the composite fallback.
func (m *Message) DedupKey() string {
	if m.ServerID != "" {
		return "s:" + m.ServerID
	}
	if m.ClientID != "" {
		return "c:" + m.ClientID
	}
	return "k:" + m.Timestamp.UTC().Format(time.RFC3339Nano) +
		"|" + m.ImageURL + "|" + m.Text + "|" + m.SenderID
}

// Preview returns the display preview for a message: its text, or an
// image placeholder when the message carries only an image.
func (m *Message) Preview() string {
	if m.Text == "" && m.ImageURL != "" {
		return "[image]"
	}
	return m.Text
}

// ============================================================================
// Friends & Presence
// ============================================================================

// FriendSummary is one row of the ranked friend list. The engine keeps
// one per peer plus, when enabled, a synthetic entry for the user's own
// other devices.
type FriendSummary struct {
	ID                 string     `json:"id"`
	DisplayName        string     `json:"displayName"`
	Avatar             string     `json:"avatar,omitempty"`
	IsOnline           bool       `json:"isOnline"`
	LastSeen           *time.Time `json:"lastSeen,omitempty"`
	LastMessagePreview string     `json:"lastMessagePreview,omitempty"`
	LastMessageTime    *time.Time `json:"lastMessageTime,omitempty"`
	AddedAt            time.Time  `json:"addedAt"`
}

// rankTime is the tiebreak instant for ranking: the last message time
// when present, otherwise when the friend was added.
func (f *FriendSummary) rankTime() time.Time {
	if f.LastMessageTime != nil {
		return *f.LastMessageTime
	}
	return f.AddedAt
}

// StatusUpdate is a single-peer presence change, pushed by the relay or
// returned in a batch snapshot.
type StatusUpdate struct {
	PeerID   string     `json:"peerId"`
	IsOnline bool       `json:"isOnline"`
	LastSeen *time.Time `json:"lastSeen,omitempty"`
}

// FriendRequest is a pending friend request, inbound or outbound.
type FriendRequest struct {
	ID        string    `json:"id"`
	FromID    string    `json:"fromId"`
	FromName  string    `json:"fromName,omitempty"`
	ToID      string    `json:"toId"`
	CreatedAt time.Time `json:"createdAt"`
}

// ============================================================================
// Account
// ============================================================================

// Profile is the authenticated user's own account data.
type Profile struct {
	ID          string `json:"id"`
	Username    string `json:"username"`
	DisplayName string `json:"displayName"`
	Avatar      string `json:"avatar,omitempty"`
}

// ProfileUpdate carries the mutable profile fields; nil fields are left
// unchanged by the server.
type ProfileUpdate struct {
	DisplayName *string `json:"displayName,omitempty"`
	Avatar      *string `json:"avatar,omitempty"`
}

// LoginData is the payload returned by the login endpoint.
type LoginData struct {
	Access  string  `json:"access"`
	Refresh string  `json:"refresh"`
	Profile Profile `json:"profile"`
}

// refreshData is the payload returned by the refresh endpoint. The
// refresh token is only present when the server rotated it.
type refreshData struct {
	Access  string `json:"access"`
	Refresh string `json:"refresh,omitempty"`
}
