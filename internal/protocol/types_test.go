package protocol

import (
	"encoding/json"
	"testing"
)

func TestEnvelopeRoundTrip(t *testing.T) {
	payload := StartPayload{Host: "example.internal", Username: "deploy", AuthMethod: "password", Password: "pw", Cols: 120, Rows: 30}
	env, err := NewEnvelope(MessageSSHStart, "s1", 0, payload)
	if err != nil {
		t.Fatalf("NewEnvelope: %v", err)
	}

	var decoded StartPayload
	if err := env.DecodePayload(&decoded); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if decoded != payload {
		t.Fatalf("decoded payload mismatch: %+v", decoded)
	}
}

func TestEnvelopeWireNames(t *testing.T) {
	env := MustEnvelope(MessagePermission, "s1", PermissionPayload{ViewerID: "v1", Level: "700"})
	data, err := json.Marshal(env)
	if err != nil {
		t.Fatalf("Marshal: %v", err)
	}
	want := `{"type":"permission","session_id":"s1","payload":{"viewerId":"v1","level":"700"}}`
	if string(data) != want {
		t.Fatalf("wire = %s, want %s", data, want)
	}
}

func TestDecodeEmptyPayload(t *testing.T) {
	var out PathPayload
	if err := (Envelope{Type: MessageSFTPList}).DecodePayload(&out); err != nil {
		t.Fatalf("DecodePayload: %v", err)
	}
	if out.Path != "" {
		t.Fatalf("unexpected path %q", out.Path)
	}
}

func TestLevelAcceptsNumbers(t *testing.T) {
	var p PermissionPayload
	if err := json.Unmarshal([]byte(`{"viewerId":"v1","level":777}`), &p); err != nil {
		t.Fatalf("Unmarshal number: %v", err)
	}
	if p.Level != "777" {
		t.Fatalf("level = %q", p.Level)
	}
	if err := json.Unmarshal([]byte(`{"viewerId":"v1","level":"read-only"}`), &p); err != nil {
		t.Fatalf("Unmarshal string: %v", err)
	}
	if p.Level != "read-only" {
		t.Fatalf("level = %q", p.Level)
	}
}
