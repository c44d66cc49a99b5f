package protocol

import (
	"encoding/json"
	"testing"
)

// ---------------------------------------------------------------------------
// Test: Parsing a set_profile message
// ---------------------------------------------------------------------------

func TestParseClientMessage_SetProfile(t *testing.T) {
	input := []byte(`{"type":"set_profile","profile":{"name":"Ada","institution":"MIT","country":"US","gender":"female"},"filters":{"institution":"Any","gender":"male"}}`)

	msgType, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if msgType != TypeSetProfile {
		t.Fatalf("expected type %q, got %q", TypeSetProfile, msgType)
	}

	sp, ok := msg.(SetProfileMsg)
	if !ok {
		t.Fatalf("expected SetProfileMsg, got %T", msg)
	}
	if sp.Profile.Name != "Ada" || sp.Profile.Institution != "MIT" {
		t.Errorf("unexpected profile: %+v", sp.Profile)
	}
	if sp.Filters.Institution != "Any" || sp.Filters.Gender != "male" {
		t.Errorf("unexpected filters: %+v", sp.Filters)
	}
	if sp.Filters.Country != "" {
		t.Errorf("expected empty country filter, got %q", sp.Filters.Country)
	}
}

// ---------------------------------------------------------------------------
// Test: update_preference distinguishes absent fields from empty ones
// ---------------------------------------------------------------------------

func TestParseClientMessage_UpdatePreference(t *testing.T) {
	input := []byte(`{"type":"update_preference","institution":"Stanford","gender":""}`)

	_, msg, err := ParseClientMessage(input)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	up, ok := msg.(UpdatePreferenceMsg)
	if !ok {
		t.Fatalf("expected UpdatePreferenceMsg, got %T", msg)
	}
	if up.Institution == nil || *up.Institution != "Stanford" {
		t.Errorf("expected institution Stanford, got %v", up.Institution)
	}
	if up.Gender == nil || *up.Gender != "" {
		t.Errorf("expected explicit empty gender, got %v", up.Gender)
	}
	if up.Country != nil || up.Major != nil {
		t.Errorf("absent fields should stay nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Creating a matched server message
// ---------------------------------------------------------------------------

func TestNewServerMessage_Matched(t *testing.T) {
	data, err := NewServerMessage(TypeMatched, MatchedMsg{
		RoomID:  "room_123",
		Partner: Profile{Name: "Bob", Institution: "MIT"},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	var result map[string]interface{}
	if err := json.Unmarshal(data, &result); err != nil {
		t.Fatalf("failed to unmarshal result: %v", err)
	}
	if result["type"] != TypeMatched {
		t.Errorf("expected type %q, got %v", TypeMatched, result["type"])
	}
	if result["room_id"] != "room_123" {
		t.Errorf("expected room_id %q, got %v", "room_123", result["room_id"])
	}
	partner, ok := result["partner"].(map[string]interface{})
	if !ok {
		t.Fatalf("expected partner object, got %T", result["partner"])
	}
	if partner["name"] != "Bob" || partner["institution"] != "MIT" {
		t.Errorf("unexpected partner: %v", partner)
	}
	if _, present := partner["country"]; present {
		t.Errorf("empty country should be omitted")
	}
}

func TestNewServerMessage_ChatFromPartner(t *testing.T) {
	data := MustServerMessage(TypeMessage, ServerChatMsg{From: FromPartner, Text: "hello", Ts: 42})

	var decoded ServerChatMsg
	if err := json.Unmarshal(data, &decoded); err != nil {
		t.Fatalf("failed to unmarshal: %v", err)
	}
	if decoded.Type != TypeMessage || decoded.From != "partner" || decoded.Text != "hello" || decoded.Ts != 42 {
		t.Errorf("unexpected message: %+v", decoded)
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing an unknown message type returns an error
// ---------------------------------------------------------------------------

func TestParseClientMessage_UnknownType(t *testing.T) {
	input := []byte(`{"type":"unknown_type","data":"something"}`)

	msgType, msg, err := ParseClientMessage(input)
	if err == nil {
		t.Fatal("expected an error for unknown message type, got nil")
	}
	if msg != nil {
		t.Errorf("expected nil message for unknown type, got %v", msg)
	}
	if msgType != "unknown_type" {
		t.Errorf("expected returned type %q, got %q", "unknown_type", msgType)
	}
}

func TestParseClientMessage_ServerOnlyType(t *testing.T) {
	if _, _, err := ParseClientMessage([]byte(`{"type":"matched","room_id":"x"}`)); err == nil {
		t.Fatal("server-only types must not parse as client messages")
	}
}

func TestParseClientMessage_BadPayload(t *testing.T) {
	if _, _, err := ParseClientMessage([]byte(`{"type":"send_image","timer_seconds":"ten"}`)); err == nil {
		t.Fatal("expected decode error for mistyped field")
	}
}

// ---------------------------------------------------------------------------
// Test: Envelope UnmarshalJSON edge cases
// ---------------------------------------------------------------------------

func TestEnvelope_MissingType(t *testing.T) {
	input := []byte(`{"data":"no type field"}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for missing type field, got nil")
	}
}

func TestEnvelope_InvalidJSON(t *testing.T) {
	input := []byte(`{invalid json}`)
	var env Envelope
	if err := json.Unmarshal(input, &env); err == nil {
		t.Fatal("expected error for invalid JSON, got nil")
	}
}

// ---------------------------------------------------------------------------
// Test: Parsing all client message types succeeds
// ---------------------------------------------------------------------------

func TestParseClientMessage_AllTypes(t *testing.T) {
	cases := []struct {
		name     string
		input    string
		wantType string
	}{
		{"set_profile", `{"type":"set_profile","profile":{"name":"a"}}`, TypeSetProfile},
		{"waiting", `{"type":"waiting"}`, TypeWaiting},
		{"skip", `{"type":"skip"}`, TypeSkip},
		{"leave_room", `{"type":"leave_room"}`, TypeLeaveRoom},
		{"update_preference", `{"type":"update_preference","major":"CS"}`, TypeUpdatePreference},
		{"send_message", `{"type":"send_message","message":"hi"}`, TypeSendMessage},
		{"send_gif", `{"type":"send_gif","url":"https://media.example/x.gif"}`, TypeSendGIF},
		{"send_image", `{"type":"send_image","url":"https://img.example/a.png","timer_seconds":10,"blurred":true}`, TypeSendImage},
		{"typing", `{"type":"typing"}`, TypeTyping},
		{"stop_typing", `{"type":"stop_typing"}`, TypeStopTyping},
		{"report_partner", `{"type":"report_partner","reason":"spam"}`, TypeReportPartner},
		{"reconnect_room", `{"type":"reconnect_room","room_id":"room_1"}`, TypeReconnectRoom},
		{"get_online_count", `{"type":"get_online_count"}`, TypeGetOnlineCount},
		{"ping", `{"type":"ping"}`, TypePing},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			msgType, msg, err := ParseClientMessage([]byte(tc.input))
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if msgType != tc.wantType {
				t.Errorf("expected type %q, got %q", tc.wantType, msgType)
			}
			if msg == nil {
				t.Error("expected non-nil message")
			}
		})
	}
}
