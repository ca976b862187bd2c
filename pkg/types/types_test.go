package types

import (
	"encoding/json"
	"testing"
	"time"
)

func TestSessionStatus_Valid(t *testing.T) {
	for _, s := range []SessionStatus{StatusPending, StatusQR, StatusConnected, StatusDisconnected} {
		if !s.Valid() {
			t.Errorf("expected %q to be valid", s)
		}
	}
	if SessionStatus("paired").Valid() {
		t.Error("unknown status reported as valid")
	}
}

func TestSession_WantsConnection(t *testing.T) {
	tests := []struct {
		status SessionStatus
		want   bool
	}{
		{StatusPending, true},
		{StatusQR, true},
		{StatusConnected, true},
		{StatusDisconnected, false},
	}

	for _, tt := range tests {
		t.Run(string(tt.status), func(t *testing.T) {
			s := &Session{Status: tt.status}
			if got := s.WantsConnection(); got != tt.want {
				t.Errorf("WantsConnection() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestSession_QROmittedWhenNil(t *testing.T) {
	data, err := json.Marshal(Session{ID: "s1", Status: StatusPending})
	if err != nil {
		t.Fatalf("Marshal failed: %v", err)
	}

	var raw map[string]any
	if err := json.Unmarshal(data, &raw); err != nil {
		t.Fatalf("Unmarshal failed: %v", err)
	}
	if _, ok := raw["qr"]; ok {
		t.Error("qr should be omitted when nil")
	}
	if raw["status"] != "pending" {
		t.Errorf("status mismatch: got %v", raw["status"])
	}
}

func TestMessage_Before(t *testing.T) {
	now := time.Now()

	a := &Message{Seq: 1, CreatedAt: now}
	b := &Message{Seq: 2, CreatedAt: now}
	if !a.Before(b) || b.Before(a) {
		t.Error("seq should decide ordering")
	}

	c := &Message{Seq: 3, CreatedAt: now}
	d := &Message{Seq: 3, CreatedAt: now.Add(time.Millisecond)}
	if !c.Before(d) {
		t.Error("createdAt should break seq ties")
	}
	if c.Before(c) {
		t.Error("a message is not before itself")
	}
}
