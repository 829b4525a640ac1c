package smtp

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/memohai/omnicore/internal/config"
	"github.com/memohai/omnicore/internal/email"
)

func TestBuildMessage(t *testing.T) {
	t.Parallel()
	m, err := buildMessage(email.OutboundEmail{
		To:      []string{"jane@example.com"},
		Subject: "Reply",
		Body:    "Hello Jane",
	}, "clinic@example.com")
	if err != nil {
		t.Fatalf("build: %v", err)
	}
	var buf bytes.Buffer
	if _, err := m.WriteTo(&buf); err != nil {
		t.Fatalf("write: %v", err)
	}
	raw := buf.String()
	for _, want := range []string{"From: <clinic@example.com>", "To: <jane@example.com>", "Subject: Reply", "Hello Jane"} {
		if !strings.Contains(raw, want) {
			t.Fatalf("message missing %q:\n%s", want, raw)
		}
	}
}

func TestBuildMessageRejectsBadRecipient(t *testing.T) {
	t.Parallel()
	_, err := buildMessage(email.OutboundEmail{From: "a@example.com", To: []string{"not an address"}}, "")
	if !errors.Is(err, email.ErrPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}

func TestSendWithoutHostIsPermanent(t *testing.T) {
	t.Parallel()
	a := New(nil, config.EmailConfig{})
	_, err := a.Send(context.Background(), email.OutboundEmail{To: []string{"jane@example.com"}})
	if !errors.Is(err, email.ErrPermanent) {
		t.Fatalf("expected permanent error, got %v", err)
	}
}
