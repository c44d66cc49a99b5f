// Package protocol defines the WebSocket message types and structures used for
// communication between the client and the relay. All messages are JSON text
// frames with a "type" discriminator; client payloads are decoded exactly
// once into a closed set of structs.
package protocol

import (
	"encoding/json"
	"fmt"
)

// ---------------------------------------------------------------------------
// Message type constants
// ---------------------------------------------------------------------------

// Client -> Server message types.
const (
	TypeSetProfile       = "set_profile"
	TypeWaiting          = "waiting"
	TypeSkip             = "skip"
	TypeLeaveRoom        = "leave_room"
	TypeUpdatePreference = "update_preference"
	TypeSendMessage      = "send_message"
	TypeSendGIF          = "send_gif"
	TypeSendImage        = "send_image"
	TypeTyping           = "typing"
	TypeStopTyping       = "stop_typing"
	TypeReportPartner    = "report_partner"
	TypeReconnectRoom    = "reconnect_room"
	TypeGetOnlineCount   = "get_online_count"
	TypePing             = "ping"
)

// Server -> Client message types. Typing events reuse TypeTyping and
// TypeStopTyping.
const (
	TypeSessionCreated     = "session_created"
	TypeSearching          = "searching"
	TypeMatched            = "matched"
	TypeReconnected        = "reconnected"
	TypePartnerReconnected = "partner_reconnected"
	TypeMessage            = "message"
	TypeGIF                = "gif"
	TypeImage              = "image"
	TypePartnerLeft        = "partner_left"
	TypeWarning            = "warning"
	TypeBanned             = "banned"
	TypeRateLimited        = "rate_limited"
	TypeOnlineCount        = "online_count"
	TypeConnectionRejected = "connection_rejected"
	TypeError              = "error"
	TypePong               = "pong"
)

// Rejection reasons carried by ConnectionRejectedMsg.
const (
	RejectUnauthenticated = "unauthenticated"
	RejectBanned          = "banned"
	RejectReplaced        = "replaced"
)

// FromPartner is the only sender label clients ever see.
const FromPartner = "partner"

// ---------------------------------------------------------------------------
// Envelope
// ---------------------------------------------------------------------------

// Envelope holds the message type and the raw JSON payload for deferred
// parsing into a concrete struct.
type Envelope struct {
	Type string          `json:"type"`
	Raw  json.RawMessage `json:"-"`
}

// UnmarshalJSON captures the full raw bytes and extracts only the "type"
// field so the payload can be decoded later into the matching struct.
func (e *Envelope) UnmarshalJSON(data []byte) error {
	e.Raw = make(json.RawMessage, len(data))
	copy(e.Raw, data)

	var partial struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &partial); err != nil {
		return fmt.Errorf("protocol: failed to unmarshal envelope: %w", err)
	}
	if partial.Type == "" {
		return fmt.Errorf("protocol: missing or empty \"type\" field")
	}
	e.Type = partial.Type
	return nil
}

// ---------------------------------------------------------------------------
// Shared structs
// ---------------------------------------------------------------------------

// Profile holds the self-described attributes a client presents to partners.
type Profile struct {
	Name        string `json:"name"`
	Institution string `json:"institution"`
	Country     string `json:"country,omitempty"`
	City        string `json:"city,omitempty"`
	Gender      string `json:"gender,omitempty"`
	Major       string `json:"major,omitempty"`
}

// Filters holds the client's partner requirements. "Any" or empty is a
// wildcard.
type Filters struct {
	Institution string `json:"institution,omitempty"`
	Gender      string `json:"gender,omitempty"`
	Country     string `json:"country,omitempty"`
	Major       string `json:"major,omitempty"`
}

// ---------------------------------------------------------------------------
// Client -> Server message structs
// ---------------------------------------------------------------------------

// SetProfileMsg submits the client's profile and filters and enters the
// waiting pool.
type SetProfileMsg struct {
	Type    string  `json:"type"`
	Profile Profile `json:"profile"`
	Filters Filters `json:"filters"`
}

// WaitingMsg asks to (re-)enter the waiting pool. Sent while in a room it
// behaves like SkipMsg.
type WaitingMsg struct {
	Type string `json:"type"`
}

// SkipMsg abandons the current room and re-enters the pool.
type SkipMsg struct {
	Type string `json:"type"`
}

// LeaveRoomMsg abandons the current room without re-entering the pool.
type LeaveRoomMsg struct {
	Type string `json:"type"`
}

// UpdatePreferenceMsg changes individual filters. Nil fields are untouched.
type UpdatePreferenceMsg struct {
	Type        string  `json:"type"`
	Institution *string `json:"institution,omitempty"`
	Gender      *string `json:"gender,omitempty"`
	Country     *string `json:"country,omitempty"`
	Major       *string `json:"major,omitempty"`
}

// SendMessageMsg is a text message for the partner.
type SendMessageMsg struct {
	Type    string `json:"type"`
	Message string `json:"message"`
}

// SendGIFMsg shares a GIF by URL.
type SendGIFMsg struct {
	Type string `json:"type"`
	URL  string `json:"url"`
}

// SendImageMsg shares a self-destructing image by URL.
type SendImageMsg struct {
	Type         string `json:"type"`
	URL          string `json:"url"`
	TimerSeconds int    `json:"timer_seconds"`
	Blurred      bool   `json:"blurred"`
}

// TypingMsg signals that the client started typing.
type TypingMsg struct {
	Type string `json:"type"`
}

// StopTypingMsg signals that the client stopped typing.
type StopTypingMsg struct {
	Type string `json:"type"`
}

// ReportPartnerMsg reports the current partner.
type ReportPartnerMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason,omitempty"`
}

// ReconnectRoomMsg reclaims a retained room after a disconnect.
type ReconnectRoomMsg struct {
	Type   string `json:"type"`
	RoomID string `json:"room_id"`
}

// GetOnlineCountMsg asks for the number of connected clients.
type GetOnlineCountMsg struct {
	Type string `json:"type"`
}

// PingMsg is a client-initiated keepalive ping.
type PingMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Server -> Client message structs
// ---------------------------------------------------------------------------

// SessionCreatedMsg is sent once the connection is authenticated and
// registered.
type SessionCreatedMsg struct {
	Type      string `json:"type"`
	SessionID string `json:"session_id"`
}

// SearchingMsg confirms the client is in the waiting pool.
type SearchingMsg struct {
	Type string `json:"type"`
}

// MatchedMsg announces a new room and the partner's profile snapshot.
type MatchedMsg struct {
	Type    string  `json:"type"`
	RoomID  string  `json:"room_id"`
	Partner Profile `json:"partner"`
}

// ReconnectedMsg confirms a successful room reclaim.
type ReconnectedMsg struct {
	Type          string  `json:"type"`
	RoomID        string  `json:"room_id"`
	Partner       Profile `json:"partner"`
	PartnerOnline bool    `json:"partner_online"`
}

// PartnerReconnectedMsg tells the remaining member that the partner is back.
type PartnerReconnectedMsg struct {
	Type string `json:"type"`
}

// ServerChatMsg is a text message relayed from the partner.
type ServerChatMsg struct {
	Type string `json:"type"`
	From string `json:"from"`
	Text string `json:"text"`
	Ts   int64  `json:"ts"`
}

// ServerGIFMsg is a GIF relayed from the partner.
type ServerGIFMsg struct {
	Type string `json:"type"`
	From string `json:"from"`
	URL  string `json:"url"`
	Ts   int64  `json:"ts"`
}

// ServerImageMsg is an image relayed from the partner.
type ServerImageMsg struct {
	Type         string `json:"type"`
	From         string `json:"from"`
	URL          string `json:"url"`
	TimerSeconds int    `json:"timer_seconds"`
	Blurred      bool   `json:"blurred"`
	Ts           int64  `json:"ts"`
}

// ServerTypingMsg relays a typing indicator (typing or stop_typing).
type ServerTypingMsg struct {
	Type string `json:"type"`
}

// PartnerLeftMsg is sent when the partner disconnected or skipped.
type PartnerLeftMsg struct {
	Type string `json:"type"`
}

// WarningMsg is sent to a reported client below the ban threshold.
type WarningMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// BannedMsg is sent to a client that has just been banned.
type BannedMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// RateLimitedMsg is sent when an action was dropped by the rate limiter.
type RateLimitedMsg struct {
	Type       string `json:"type"`
	Action     string `json:"action"`
	RetryAfter int    `json:"retry_after"` // seconds
}

// OnlineCountMsg carries the number of connected clients.
type OnlineCountMsg struct {
	Type  string `json:"type"`
	Count int    `json:"count"`
}

// ConnectionRejectedMsg is the last frame before the server closes a
// connection it will not (or no longer) serve.
type ConnectionRejectedMsg struct {
	Type   string `json:"type"`
	Reason string `json:"reason"`
}

// ErrorMsg is sent by the server to communicate an error condition.
type ErrorMsg struct {
	Type    string `json:"type"`
	Code    string `json:"code"`
	Message string `json:"message"`
}

// PongMsg is the server's response to a client ping.
type PongMsg struct {
	Type string `json:"type"`
}

// ---------------------------------------------------------------------------
// Helper functions
// ---------------------------------------------------------------------------

// ParseClientMessage parses raw WebSocket bytes into a typed client message.
// It returns the message type string, the decoded struct, and any error
// encountered during parsing. An error is returned for unknown or
// server-only message types.
func ParseClientMessage(data []byte) (string, interface{}, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return "", nil, fmt.Errorf("protocol: failed to parse message: %w", err)
	}

	var (
		msg interface{}
		err error
	)

	switch env.Type {
	case TypeSetProfile:
		var m SetProfileMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeWaiting:
		msg = WaitingMsg{Type: env.Type}
	case TypeSkip:
		msg = SkipMsg{Type: env.Type}
	case TypeLeaveRoom:
		msg = LeaveRoomMsg{Type: env.Type}
	case TypeUpdatePreference:
		var m UpdatePreferenceMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendMessage:
		var m SendMessageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendGIF:
		var m SendGIFMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeSendImage:
		var m SendImageMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeTyping:
		msg = TypingMsg{Type: env.Type}
	case TypeStopTyping:
		msg = StopTypingMsg{Type: env.Type}
	case TypeReportPartner:
		var m ReportPartnerMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeReconnectRoom:
		var m ReconnectRoomMsg
		err = json.Unmarshal(env.Raw, &m)
		msg = m
	case TypeGetOnlineCount:
		msg = GetOnlineCountMsg{Type: env.Type}
	case TypePing:
		msg = PingMsg{Type: env.Type}
	default:
		return env.Type, nil, fmt.Errorf("protocol: unknown client message type: %q", env.Type)
	}

	if err != nil {
		return env.Type, nil, fmt.Errorf("protocol: failed to decode %q payload: %w", env.Type, err)
	}
	return env.Type, msg, nil
}

// NewServerMessage creates a JSON-encoded byte slice for a server message.
// The msgType is injected into the payload under the "type" key.
func NewServerMessage(msgType string, payload interface{}) ([]byte, error) {
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal payload: %w", err)
	}

	var m map[string]interface{}
	if err := json.Unmarshal(raw, &m); err != nil {
		return nil, fmt.Errorf("protocol: failed to unmarshal payload into map: %w", err)
	}

	m["type"] = msgType

	out, err := json.Marshal(m)
	if err != nil {
		return nil, fmt.Errorf("protocol: failed to marshal server message: %w", err)
	}
	return out, nil
}

// MustServerMessage is NewServerMessage for payloads that cannot fail to
// encode (the structs in this package). It panics on error.
func MustServerMessage(msgType string, payload interface{}) []byte {
	data, err := NewServerMessage(msgType, payload)
	if err != nil {
		panic(err)
	}
	return data
}
