package mail

import (
	"context"
	"net/smtp"
	"strings"
	"testing"
	"time"
)

func TestSMTPSendParsesAddresses(t *testing.T) {
	t.Parallel()
	s, err := NewSMTP(SMTPConfig{Addr: "relay.example.com:587", Username: "u", Password: "p"})
	if err != nil {
		t.Fatal(err)
	}
	var gotAddr, gotFrom string
	var gotTo []string
	var gotMsg []byte
	s.send = func(addr string, a smtp.Auth, from string, to []string, msg []byte) error {
		gotAddr, gotFrom, gotTo, gotMsg = addr, from, to, msg
		if a == nil {
			t.Error("auth should be set when a username is configured")
		}
		return nil
	}

	err = s.Send(context.Background(), Message{
		Subject: "Welcome",
		Body:    "line1\nline2",
		From:    "Site <noreply@example.com>",
		To:      []string{`"Ana Lima" <ana@example.com>`},
	})
	if err != nil {
		t.Fatal(err)
	}
	if gotAddr != "relay.example.com:587" {
		t.Fatalf("addr = %q", gotAddr)
	}
	if gotFrom != "noreply@example.com" {
		t.Fatalf("from = %q, want bare address", gotFrom)
	}
	if len(gotTo) != 1 || gotTo[0] != "ana@example.com" {
		t.Fatalf("to = %v", gotTo)
	}
	if !strings.Contains(string(gotMsg), "line1\r\nline2") {
		t.Fatalf("body not CRLF normalized: %q", gotMsg)
	}
}

func TestSMTPRejectsBadInput(t *testing.T) {
	t.Parallel()
	if _, err := NewSMTP(SMTPConfig{}); err == nil {
		t.Fatal("expected error for empty addr")
	}
	s, _ := NewSMTP(SMTPConfig{Addr: "localhost:25"})
	s.send = func(string, smtp.Auth, string, []string, []byte) error { return nil }
	if err := s.Send(context.Background(), Message{From: "a@example.com"}); err == nil {
		t.Fatal("expected error with no recipients")
	}
	if err := s.Send(context.Background(), Message{From: "not an address", To: []string{"b@example.com"}}); err == nil {
		t.Fatal("expected error for malformed from")
	}
}

func TestComposeHeaders(t *testing.T) {
	t.Parallel()
	now := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	out := string(Compose(Message{Subject: "Hi", Body: "b", From: "a@x.io", To: []string{"b@x.io", "c@x.io"}}, now))
	for _, want := range []string{"From: a@x.io\r\n", "To: b@x.io, c@x.io\r\n", "Subject: Hi\r\n", "\r\n\r\nb"} {
		if !strings.Contains(out, want) {
			t.Fatalf("Compose output missing %q:\n%s", want, out)
		}
	}
}
