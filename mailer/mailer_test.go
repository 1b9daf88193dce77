package mailer

import (
	"context"
	"testing"
)

func TestDisabledSendIsNoop(t *testing.T) {
	var m Disabled
	if err := m.Send(context.Background(), "ops@example.com", "hi", "<p>hi</p>"); err != nil {
		t.Fatalf("Send() = %v, want nil", err)
	}
}

func TestSMTPSendHonoursCancelledContext(t *testing.T) {
	m := NewSMTP("smtp.example.com", 587, "user", "pass", "noreply@example.com")
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := m.Send(ctx, "ops@example.com", "hi", "<p>hi</p>"); err == nil {
		t.Fatal("Send() with cancelled context = nil, want error")
	}
}

func TestNewSMTPWithoutUsernameSkipsAuth(t *testing.T) {
	m := NewSMTP("relay.internal", 25, "", "", "noreply@example.com")
	if m.auth != nil {
		t.Fatal("auth set for anonymous relay, want nil")
	}
	if got, want := m.addr, "relay.internal:25"; got != want {
		t.Fatalf("addr = %q, want %q", got, want)
	}
}
