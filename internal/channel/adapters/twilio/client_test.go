package twilio

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/memohai/omnicore/internal/channel"
	"github.com/memohai/omnicore/internal/channel/adapters/twilio/twiliotest"
	"github.com/memohai/omnicore/internal/config"
)

func TestSendMessageSuccess(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/2010-04-01/Accounts/AC1/Messages.json" {
			t.Errorf("unexpected path %s", r.URL.Path)
		}
		user, pass, ok := r.BasicAuth()
		if !ok || user != "AC1" || pass != "secret" {
			t.Errorf("missing basic auth")
		}
		_ = r.ParseForm()
		if r.PostForm.Get("To") != "whatsapp:+905551112233" || r.PostForm.Get("Body") != "hello" {
			t.Errorf("unexpected form %v", r.PostForm)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		_, _ = w.Write([]byte(`{"sid":"SM123","status":"queued"}`))
	}))
	defer srv.Close()

	client := NewClient(config.TwilioConfig{AccountSID: "AC1", AuthToken: "secret", BaseURL: srv.URL})
	res := client.SendMessage(context.Background(), "whatsapp:+1", "whatsapp:+905551112233", "hello")
	if !res.OK || res.ProviderMessageID != "SM123" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestSendMessageClassifiesFailures(t *testing.T) {
	t.Parallel()
	cases := []struct {
		status int
		kind   channel.ErrorKind
	}{
		{http.StatusTooManyRequests, channel.ErrorKindTransient},
		{http.StatusBadGateway, channel.ErrorKindTransient},
		{http.StatusBadRequest, channel.ErrorKindPermanent},
	}
	for _, tc := range cases {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(tc.status)
			_, _ = fmt.Fprintf(w, `{"code":21211,"message":"bad","status":%d}`, tc.status)
		}))
		client := NewClient(config.TwilioConfig{AccountSID: "AC1", AuthToken: "secret", BaseURL: srv.URL})
		res := client.SendMessage(context.Background(), "+1", "+2", "x")
		srv.Close()
		if res.OK || res.ErrorKind != tc.kind {
			t.Fatalf("status %d: got %+v, want kind %s", tc.status, res, tc.kind)
		}
	}
}

func TestSendMessageNetworkErrorIsTransient(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {}))
	base := srv.URL
	srv.Close()
	client := NewClient(config.TwilioConfig{AccountSID: "AC1", AuthToken: "secret", BaseURL: base})
	res := client.SendMessage(context.Background(), "+1", "+2", "x")
	if res.ErrorKind != channel.ErrorKindTransient || !errors.Is(res.Err, channel.ErrTransient) {
		t.Fatalf("expected transient, got %+v", res)
	}
}

func TestSendMessageWithoutCredentials(t *testing.T) {
	t.Parallel()
	res := NewClient(config.TwilioConfig{}).SendMessage(context.Background(), "+1", "+2", "x")
	if res.ErrorKind != channel.ErrorKindPermanent {
		t.Fatalf("expected permanent, got %+v", res)
	}
}

func TestVerifyRequest(t *testing.T) {
	t.Parallel()
	form := url.Values{"From": {"whatsapp:+905551112233"}, "Body": {"Merhaba"}}
	body := form.Encode()
	publicURL := "https://example.com/webhooks/whatsapp"

	req := httptest.NewRequest(http.MethodPost, "/webhooks/whatsapp", strings.NewReader(body))
	req.Header.Set(SignatureHeader, twiliotest.Sign("tok", publicURL, form))
	if err := VerifyRequest("tok", publicURL, req, []byte(body)); err != nil {
		t.Fatalf("expected valid signature: %v", err)
	}

	req.Header.Set(SignatureHeader, "bogus")
	if err := VerifyRequest("tok", publicURL, req, []byte(body)); err == nil {
		t.Fatal("expected invalid signature error")
	}

	if err := VerifyRequest("", publicURL, req, []byte(body)); err != nil {
		t.Fatalf("empty token should skip verification: %v", err)
	}
}

func TestSendMessageHonorsContext(t *testing.T) {
	t.Parallel()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		<-release
	}))
	defer srv.Close()
	defer close(release)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	client := NewClient(config.TwilioConfig{AccountSID: "AC1", AuthToken: "secret", BaseURL: srv.URL})
	res := client.SendMessage(ctx, "+1", "+2", "x")
	if res.OK || res.ErrorKind != channel.ErrorKindTransient {
		t.Fatalf("expected transient failure for cancelled context, got %+v", res)
	}
}

func TestNewClientRejectsBadBaseURL(t *testing.T) {
	t.Parallel()
	client := NewClient(config.TwilioConfig{AccountSID: "AC1", AuthToken: "secret", BaseURL: "api.twilio.local"})
	res := client.SendMessage(context.Background(), "+1", "+2", "x")
	if res.ErrorKind != channel.ErrorKindPermanent {
		t.Fatalf("expected permanent, got %+v", res)
	}
}
