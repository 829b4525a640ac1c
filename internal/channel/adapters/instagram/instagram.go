// Package instagram implements Instagram Direct messaging over the Meta Graph API.
package instagram

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"

	fb "github.com/huandu/facebook/v2"

	"github.com/memohai/omnicore/internal/channel"
	"github.com/memohai/omnicore/internal/config"
)

const (
	graphVersion   = "v21.0"
	defaultTimeout = 15 * time.Second

	SignatureHeader = "X-Hub-Signature-256"

	// Graph API limits for text and the button template.
	textChunkLimit     = 1000
	buttonTemplateText = 640
	maxButtons         = 3
)

// Graph error codes that signal throttling or temporary unavailability.
var transientGraphCodes = map[int]bool{1: true, 2: true, 4: true, 17: true, 32: true, 613: true}

type Adapter struct {
	logger      *slog.Logger
	token       string
	verifyToken string
	appSecret   string
	session     *fb.Session
	// err is a configuration problem reported on every send.
	err error
}

func NewAdapter(log *slog.Logger, cfg config.InstagramConfig) *Adapter {
	if log == nil {
		log = slog.Default()
	}
	a := &Adapter{
		logger:      log.With(slog.String("adapter", "instagram")),
		token:       strings.TrimSpace(cfg.PageAccessToken),
		verifyToken: strings.TrimSpace(cfg.VerifyToken),
		appSecret:   strings.TrimSpace(cfg.AppSecret),
	}
	// GraphURL redirects the Graph API host for tests and egress proxies.
	transport, err := channel.RedirectTransport(cfg.GraphURL, nil)
	if err != nil {
		a.err = err
		transport = http.DefaultTransport
	}
	a.session = &fb.Session{
		Version:    graphVersion,
		HttpClient: &http.Client{Timeout: defaultTimeout, Transport: transport},
	}
	a.session.SetAccessToken(a.token)
	return a
}

func (a *Adapter) Type() channel.ChannelType {
	return channel.Instagram
}

func (a *Adapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        channel.Instagram,
		DisplayName: "Instagram",
		Capabilities: channel.ChannelCapabilities{
			Text:    true,
			Buttons: true,
			Media:   true,
			Inbound: true,
		},
		OutboundPolicy: channel.OutboundPolicy{
			TextChunkLimit: textChunkLimit,
		},
	}
}

type webhookPayload struct {
	Object string         `json:"object"`
	Entry  []webhookEntry `json:"entry"`
}

type webhookEntry struct {
	ID        string           `json:"id"`
	Messaging []messagingEvent `json:"messaging"`
}

type messagingEvent struct {
	Sender    struct{ ID string } `json:"sender"`
	Recipient struct{ ID string } `json:"recipient"`
	Timestamp int64               `json:"timestamp"`
	Message   *struct {
		MID         string       `json:"mid"`
		Text        string       `json:"text"`
		IsEcho      bool         `json:"is_echo"`
		Attachments []attachment `json:"attachments"`
	} `json:"message"`
}

type attachment struct {
	Type    string `json:"type"`
	Payload struct {
		URL string `json:"url"`
	} `json:"payload"`
}

// NormalizeAll decodes every customer message in a webhook delivery. Echoes of
// our own replies, reads and reactions are skipped.
func (a *Adapter) NormalizeAll(_ context.Context, raw channel.RawPayload) ([]channel.NormalizedMessage, error) {
	var payload webhookPayload
	if err := json.Unmarshal(raw.Body, &payload); err != nil {
		return nil, fmt.Errorf("decode instagram webhook: %w", err)
	}
	if payload.Object != "" && payload.Object != "instagram" && payload.Object != "page" {
		return nil, nil
	}
	var out []channel.NormalizedMessage
	for _, entry := range payload.Entry {
		for _, ev := range entry.Messaging {
			if ev.Message == nil || ev.Message.IsEcho {
				continue
			}
			msg := channel.NormalizedMessage{
				SenderID:          strings.TrimSpace(ev.Sender.ID),
				ReceiverID:        strings.TrimSpace(ev.Recipient.ID),
				Text:              strings.TrimSpace(ev.Message.Text),
				Channel:           channel.Instagram,
				ProviderMessageID: ev.Message.MID,
				ReceivedAt:        time.UnixMilli(ev.Timestamp).UTC(),
			}
			if msg.ReceiverID == "" {
				msg.ReceiverID = strings.TrimSpace(entry.ID)
			}
			for _, att := range ev.Message.Attachments {
				if att.Payload.URL == "" {
					continue
				}
				msg.MediaRef = att.Payload.URL
				msg.MediaType = att.Type
				break
			}
			if msg.Text == "" && !msg.HasMedia() {
				continue
			}
			if ev.Timestamp == 0 {
				msg.ReceivedAt = time.Now().UTC()
			}
			out = append(out, msg)
		}
	}
	return out, nil
}

// Normalize returns the first customer message of the delivery.
func (a *Adapter) Normalize(ctx context.Context, raw channel.RawPayload) (*channel.NormalizedMessage, error) {
	msgs, err := a.NormalizeAll(ctx, raw)
	if err != nil || len(msgs) == 0 {
		return nil, err
	}
	return &msgs[0], nil
}

// VerifyChallenge answers the GET subscription handshake.
func (a *Adapter) VerifyChallenge(mode, token, challenge string) (string, bool) {
	if mode != "subscribe" || a.verifyToken == "" {
		return "", false
	}
	if !hmac.Equal([]byte(token), []byte(a.verifyToken)) {
		return "", false
	}
	return challenge, true
}

func (a *Adapter) VerifyWebhook(r *http.Request, body []byte) error {
	if a.appSecret == "" {
		return nil
	}
	header := strings.TrimSpace(r.Header.Get(SignatureHeader))
	got, ok := strings.CutPrefix(header, "sha256=")
	if !ok {
		return errors.New("missing instagram signature")
	}
	mac := hmac.New(sha256.New, []byte(a.appSecret))
	mac.Write(body)
	want := hex.EncodeToString(mac.Sum(nil))
	if !hmac.Equal([]byte(want), []byte(strings.ToLower(got))) {
		return errors.New("invalid instagram signature")
	}
	return nil
}

// Send delivers a reply. Link actions use the button template when the text
// fits; otherwise they are flattened into the text.
func (a *Adapter) Send(ctx context.Context, msg channel.OutboundMessage) channel.DeliveryResult {
	if a.err != nil {
		return channel.Permanent(a.err)
	}
	if a.token == "" {
		return channel.Permanent(errors.New("instagram page access token is not configured"))
	}
	target := strings.TrimSpace(msg.Target)
	if target == "" {
		return channel.Permanent(errors.New("instagram recipient is required"))
	}
	res, err := a.session.WithContext(ctx).Post("me/messages", fb.Params{
		"recipient": map[string]string{"id": target},
		"message":   buildMessage(msg),
	})
	if err != nil {
		return classifyGraphError(err)
	}
	id, _ := res.Get("message_id").(string)
	return channel.Delivered(id)
}

// classifyGraphError marks throttling codes transient. Other Graph errors
// are permanent; transport failures are transient.
func classifyGraphError(err error) channel.DeliveryResult {
	var graphErr *fb.Error
	if !errors.As(err, &graphErr) {
		return channel.Transient(err)
	}
	wrapped := fmt.Errorf("graph error %d: %s", graphErr.Code, graphErr.Message)
	if transientGraphCodes[graphErr.Code] {
		return channel.Transient(wrapped)
	}
	return channel.Permanent(wrapped)
}

func buildMessage(msg channel.OutboundMessage) map[string]any {
	links := make([]channel.Action, 0, len(msg.Actions))
	for _, action := range msg.Actions {
		if strings.TrimSpace(action.URL) != "" {
			links = append(links, action)
		}
	}
	text := strings.TrimSpace(msg.Text)
	if len(links) == 0 || len(links) > maxButtons || text == "" || len([]rune(text)) > buttonTemplateText {
		return map[string]any{"text": channel.FlattenActions(text, msg.Actions)}
	}
	buttons := make([]map[string]string, 0, len(links))
	for _, link := range links {
		title := strings.TrimSpace(link.Label)
		if title == "" {
			title = "Open"
		}
		buttons = append(buttons, map[string]string{
			"type":  "web_url",
			"url":   link.URL,
			"title": title,
		})
	}
	return map[string]any{
		"attachment": map[string]any{
			"type": "template",
			"payload": map[string]any{
				"template_type": "button",
				"text":          text,
				"buttons":       buttons,
			},
		},
	}
}
