package envelope

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/danmuck/callkeep/internal/testutil/testlog"
)

func TestWakeUpWireRoundTrip(t *testing.T) {
	testlog.Start(t)
	at := time.Unix(1700000000, 0)
	env := WakeUp("42", true, at)

	payload, err := Marshal(env)
	if err != nil {
		t.Fatalf("marshal: %v", err)
	}
	got, err := Unmarshal(append(payload, '\n'))
	if err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if got.Type != TypeWakeUp || !got.IsConnected() || got.SessionID != "42" || got.ID != env.ID {
		t.Fatalf("unexpected envelope: %+v", got)
	}
	if !got.Timestamp.Equal(at) {
		t.Fatalf("timestamp mismatch: %v", got.Timestamp)
	}
}

func TestKeepaliveResponseCarriesCorrelation(t *testing.T) {
	testlog.Start(t)
	req := Keepalive("42", time.Unix(1700000000, 0))
	resp := KeepaliveResponse(req, time.Unix(1700000001, 0))
	if resp.CorrelationID != req.ID {
		t.Fatalf("correlation=%q want=%q", resp.CorrelationID, req.ID)
	}
	if resp.ID == req.ID {
		t.Fatalf("response must carry its own id")
	}
	if err := resp.Validate(); err != nil {
		t.Fatalf("validate: %v", err)
	}
}

func TestUnmarshalRejectsOtherVersion(t *testing.T) {
	testlog.Start(t)
	payload := `{"version":2,"id":"x","type":"WAKE_UP","timestamp":"2024-01-01T00:00:00Z","connected":true}`
	_, err := Unmarshal([]byte(payload))
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected ErrUnsupportedVersion, got %v", err)
	}

	legacy := `{"type":"WAKE_UP","timestamp":"2024-01-01T00:00:00Z"}`
	_, err = Unmarshal([]byte(legacy))
	if !errors.Is(err, ErrUnsupportedVersion) {
		t.Fatalf("expected unversioned legacy envelope to be rejected, got %v", err)
	}
}

func TestValidatePerType(t *testing.T) {
	testlog.Start(t)
	at := time.Unix(1700000000, 0)

	wake := WakeUp("42", false, at)
	wake.Connected = nil
	if err := wake.Validate(); !errors.Is(err, ErrInvalidEnvelope) {
		t.Fatalf("expected wake-up without connected to fail, got %v", err)
	}

	call := IncomingCall("", Call{CallSID: "CA1"}, at)
	if err := call.Validate(); !errors.Is(err, ErrInvalidEnvelope) {
		t.Fatalf("expected incoming call without session to fail, got %v", err)
	}

	unknown := Keepalive("42", at)
	unknown.Type = "REGISTER_SYNC"
	if err := unknown.Validate(); !errors.Is(err, ErrUnknownEnvelopeType) {
		t.Fatalf("expected unknown type error, got %v", err)
	}
}

func TestUnmarshalRejectsOversize(t *testing.T) {
	testlog.Start(t)
	big := `{"reason":"` + strings.Repeat("x", MaxEnvelopeBytes) + `"}`
	if _, err := Unmarshal([]byte(big)); !errors.Is(err, ErrEnvelopeTooLarge) {
		t.Fatalf("expected ErrEnvelopeTooLarge, got %v", err)
	}
}

func TestOutboxLifecycle(t *testing.T) {
	testlog.Start(t)
	o := NewOutbox()
	now := time.Unix(1700000000, 0)
	first := Keepalive("42", now)
	second := Keepalive("42", now.Add(time.Second))
	o.Track(first, 10*time.Second)
	o.Track(second, 10*time.Second)

	if _, ok := o.Resolve(KeepaliveResponse(first, now)); !ok {
		t.Fatalf("expected first keepalive to resolve")
	}
	if _, ok := o.Resolve(KeepaliveResponse(first, now)); ok {
		t.Fatalf("duplicate reply must not resolve twice")
	}
	if got := o.Expire(now.Add(5 * time.Second)); len(got) != 0 {
		t.Fatalf("nothing should expire yet: %+v", got)
	}
	expired := o.Expire(now.Add(11 * time.Second))
	if len(expired) != 1 || expired[0].ID != second.ID {
		t.Fatalf("unexpected expired set: %+v", expired)
	}
	if o.Len() != 0 {
		t.Fatalf("outbox should be empty, len=%d", o.Len())
	}
}
