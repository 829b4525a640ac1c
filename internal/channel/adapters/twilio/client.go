// Package twilio holds the REST client shared by the WhatsApp and SMS adapters.
package twilio

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	twiliosdk "github.com/twilio/twilio-go"
	"github.com/twilio/twilio-go/client"
	openapi "github.com/twilio/twilio-go/rest/api/v2010"

	"github.com/memohai/omnicore/internal/channel"
	"github.com/memohai/omnicore/internal/config"
)

const (
	defaultTimeout = 15 * time.Second
	// maxMediaBytes caps downloaded voice notes and images.
	maxMediaBytes = 16 << 20

	SignatureHeader = "X-Twilio-Signature"
)

// Client sends messages through the Twilio Messages API.
type Client struct {
	accountSID string
	authToken  string
	transport  http.RoundTripper
	// err is a configuration problem reported on every send.
	err error
}

// NewClient builds a client from the channel config. BaseURL redirects the
// API host, which tests and egress proxies use.
func NewClient(cfg config.TwilioConfig) *Client {
	c := &Client{
		accountSID: strings.TrimSpace(cfg.AccountSID),
		authToken:  strings.TrimSpace(cfg.AuthToken),
	}
	c.transport, c.err = channel.RedirectTransport(cfg.BaseURL, nil)
	return c
}

// rest binds a Twilio REST client to ctx. The SDK calls take no context, so
// cancellation travels on the transport.
func (c *Client) rest(ctx context.Context) *twiliosdk.RestClient {
	tc := &client.Client{
		Credentials: client.NewCredentials(c.accountSID, c.authToken),
		HTTPClient: &http.Client{
			Timeout:   defaultTimeout,
			Transport: contextTransport{ctx: ctx, next: c.transport},
		},
	}
	tc.SetAccountSid(c.accountSID)
	return twiliosdk.NewRestClientWithParams(twiliosdk.ClientParams{Client: tc})
}

type contextTransport struct {
	ctx  context.Context
	next http.RoundTripper
}

func (t contextTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	return t.next.RoundTrip(req.WithContext(t.ctx))
}

// SendMessage posts one message. Network failures are transient; API
// failures are classified by the status Twilio reports.
func (c *Client) SendMessage(ctx context.Context, from, to, body string) channel.DeliveryResult {
	if c.err != nil {
		return channel.Permanent(c.err)
	}
	if c.accountSID == "" || c.authToken == "" {
		return channel.Permanent(errors.New("twilio credentials are not configured"))
	}
	params := &openapi.CreateMessageParams{}
	params.SetFrom(from)
	params.SetTo(to)
	params.SetBody(body)

	msg, err := c.rest(ctx).Api.CreateMessage(params)
	if err != nil {
		var apiErr *client.TwilioRestError
		if errors.As(err, &apiErr) {
			return channel.ResultFromHTTP(apiErr.Status, fmt.Sprintf("%d %s", apiErr.Code, apiErr.Message), "")
		}
		return channel.Transient(err)
	}
	var sid string
	if msg != nil && msg.Sid != nil {
		sid = *msg.Sid
	}
	return channel.Delivered(sid)
}

// FetchMedia downloads a media URL announced in a webhook. Twilio media URLs
// require the account credentials.
func (c *Client) FetchMedia(ctx context.Context, mediaURL string) ([]byte, string, error) {
	if c.err != nil {
		return nil, "", c.err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, mediaURL, nil)
	if err != nil {
		return nil, "", err
	}
	if c.accountSID != "" {
		req.SetBasicAuth(c.accountSID, c.authToken)
	}
	hc := &http.Client{Timeout: defaultTimeout}
	resp, err := hc.Do(req)
	if err != nil {
		return nil, "", err
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, "", fmt.Errorf("media download failed: status %d", resp.StatusCode)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes+1))
	if err != nil {
		return nil, "", err
	}
	if len(data) > maxMediaBytes {
		return nil, "", errors.New("media exceeds size limit")
	}
	return data, resp.Header.Get("Content-Type"), nil
}

// VerifyRequest checks the signature header of a webhook request. publicURL
// overrides the URL reconstructed from the request when running behind a proxy.
func VerifyRequest(authToken, publicURL string, r *http.Request, body []byte) error {
	if strings.TrimSpace(authToken) == "" {
		return nil
	}
	got := strings.TrimSpace(r.Header.Get(SignatureHeader))
	if got == "" {
		return errors.New("missing twilio signature")
	}
	form, err := url.ParseQuery(string(body))
	if err != nil {
		return fmt.Errorf("parse form: %w", err)
	}
	fullURL := strings.TrimSpace(publicURL)
	if fullURL == "" {
		scheme := "https"
		if r.TLS == nil && r.Header.Get("X-Forwarded-Proto") == "" {
			scheme = "http"
		}
		fullURL = scheme + "://" + r.Host + r.URL.RequestURI()
	}
	params := make(map[string]string, len(form))
	for k := range form {
		params[k] = form.Get(k)
	}
	validator := client.NewRequestValidator(strings.TrimSpace(authToken))
	if !validator.Validate(fullURL, params, got) {
		return errors.New("invalid twilio signature")
	}
	return nil
}
