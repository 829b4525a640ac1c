package telegram

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/memohai/omnicore/internal/channel"
	"github.com/memohai/omnicore/internal/config"
)

type fakeBot struct {
	sent    []tgbotapi.Chattable
	sendErr error
	files   map[string]string
}

func (f *fakeBot) Send(c tgbotapi.Chattable) (tgbotapi.Message, error) {
	f.sent = append(f.sent, c)
	if f.sendErr != nil {
		return tgbotapi.Message{}, f.sendErr
	}
	return tgbotapi.Message{MessageID: 42}, nil
}

func (f *fakeBot) GetFileDirectURL(fileID string) (string, error) {
	if link, ok := f.files[fileID]; ok {
		return link, nil
	}
	return "", errors.New("file not found")
}

type transcriberFunc func(ctx context.Context, audio []byte, mimeType string) (string, error)

func (f transcriberFunc) Transcribe(ctx context.Context, audio []byte, mimeType string) (string, error) {
	return f(ctx, audio, mimeType)
}

func newTestAdapter(bot *fakeBot, transcriber channel.Transcriber) *TelegramAdapter {
	a := NewTelegramAdapter(nil, config.TelegramConfig{BotToken: "123456:ABC", WebhookSecret: "s"}, transcriber)
	a.newBot = func(string) (botAPI, error) { return bot, nil }
	return a
}

func TestNormalizePrivateText(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(&fakeBot{}, nil)
	body := `{"update_id":7,"message":{"message_id":1,"date":1700000000,
		"from":{"id":555,"first_name":"Ali","last_name":"Kaya"},
		"chat":{"id":555,"type":"private"},"text":"randevu almak istiyorum"}}`
	msg, err := a.Normalize(context.Background(), channel.RawPayload{Body: []byte(body)})
	if err != nil || msg == nil {
		t.Fatalf("normalize: %+v, %v", msg, err)
	}
	if msg.SenderID != "555" || msg.ReceiverID != "123456" {
		t.Fatalf("unexpected ids: %+v", msg)
	}
	if msg.DisplayName != "Ali Kaya" || msg.ProviderMessageID != "7" {
		t.Fatalf("unexpected metadata: %+v", msg)
	}
	if msg.Text != "randevu almak istiyorum" {
		t.Fatalf("unexpected text %q", msg.Text)
	}
}

func TestNormalizeIgnoresGroupsAndEdits(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(&fakeBot{}, nil)
	for _, body := range []string{
		`{"update_id":1,"message":{"message_id":1,"from":{"id":1},"chat":{"id":-100,"type":"group"},"text":"hi"}}`,
		`{"update_id":2,"edited_message":{"message_id":1,"from":{"id":1},"chat":{"id":1,"type":"private"},"text":"hi"}}`,
	} {
		msg, err := a.Normalize(context.Background(), channel.RawPayload{Body: []byte(body)})
		if err != nil || msg != nil {
			t.Fatalf("expected ignored update, got %+v, %v", msg, err)
		}
	}
}

func TestNormalizePhotoPicksLargest(t *testing.T) {
	t.Parallel()
	bot := &fakeBot{files: map[string]string{"big": "https://api.telegram.org/file/big.jpg"}}
	a := newTestAdapter(bot, nil)
	body := `{"update_id":3,"message":{"message_id":1,"date":1700000000,"from":{"id":9},"chat":{"id":9,"type":"private"},
		"caption":"smile","photo":[{"file_id":"small","width":90,"height":90,"file_size":100},{"file_id":"big","width":800,"height":800,"file_size":9000}]}}`
	msg, err := a.Normalize(context.Background(), channel.RawPayload{Body: []byte(body)})
	if err != nil || msg == nil {
		t.Fatalf("normalize: %+v, %v", msg, err)
	}
	if msg.MediaRef != "https://api.telegram.org/file/big.jpg" || msg.Text != "smile" {
		t.Fatalf("unexpected message: %+v", msg)
	}
}

func TestNormalizeTranscribesVoice(t *testing.T) {
	t.Parallel()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte("OggS"))
	}))
	defer srv.Close()
	bot := &fakeBot{files: map[string]string{"v1": srv.URL + "/voice.oga"}}
	a := newTestAdapter(bot, transcriberFunc(func(_ context.Context, audio []byte, mime string) (string, error) {
		if string(audio) != "OggS" || mime != "audio/ogg" {
			t.Errorf("unexpected audio %q %q", audio, mime)
		}
		return "fiyat nedir", nil
	}))
	body := `{"update_id":4,"message":{"message_id":1,"date":1700000000,"from":{"id":9},"chat":{"id":9,"type":"private"},
		"voice":{"file_id":"v1","duration":3,"mime_type":"audio/ogg"}}}`
	msg, err := a.Normalize(context.Background(), channel.RawPayload{Body: []byte(body)})
	if err != nil || msg == nil {
		t.Fatalf("normalize: %+v, %v", msg, err)
	}
	if msg.Text != "fiyat nedir" {
		t.Fatalf("unexpected text %q", msg.Text)
	}
}

func TestSendWithInlineKeyboard(t *testing.T) {
	t.Parallel()
	bot := &fakeBot{}
	a := newTestAdapter(bot, nil)
	res := a.Send(context.Background(), channel.OutboundMessage{
		Target:  "555",
		Text:    "Odeme",
		Actions: []channel.Action{{Type: "link", Label: "Pay", URL: "https://pay.example"}},
	})
	if !res.OK || res.ProviderMessageID != "42" {
		t.Fatalf("unexpected result: %+v", res)
	}
	if len(bot.sent) != 1 {
		t.Fatalf("expected one send, got %d", len(bot.sent))
	}
	cfg, ok := bot.sent[0].(tgbotapi.MessageConfig)
	if !ok {
		t.Fatalf("unexpected chattable %T", bot.sent[0])
	}
	markup, ok := cfg.ReplyMarkup.(tgbotapi.InlineKeyboardMarkup)
	if !ok || len(markup.InlineKeyboard) != 1 || *markup.InlineKeyboard[0][0].URL != "https://pay.example" {
		t.Fatalf("unexpected markup %#v", cfg.ReplyMarkup)
	}
}

func TestSendClassifiesErrors(t *testing.T) {
	t.Parallel()
	cases := []struct {
		err  error
		kind channel.ErrorKind
	}{
		{&tgbotapi.Error{Code: 429, Message: "Too Many Requests"}, channel.ErrorKindTransient},
		{&tgbotapi.Error{Code: 403, Message: "Forbidden: bot was blocked by the user"}, channel.ErrorKindPermanent},
		{&tgbotapi.Error{Code: 400, Message: "Bad Request: chat not found"}, channel.ErrorKindPermanent},
		{errors.New("dial tcp: connection refused"), channel.ErrorKindTransient},
	}
	for _, tc := range cases {
		a := newTestAdapter(&fakeBot{sendErr: tc.err}, nil)
		res := a.Send(context.Background(), channel.OutboundMessage{Target: "1", Text: "x"})
		if res.OK || res.ErrorKind != tc.kind {
			t.Fatalf("%v: got %+v, want %s", tc.err, res, tc.kind)
		}
	}
}

func TestSendRejectsNonNumericTarget(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(&fakeBot{}, nil)
	res := a.Send(context.Background(), channel.OutboundMessage{Target: "@someone", Text: "x"})
	if res.ErrorKind != channel.ErrorKindPermanent {
		t.Fatalf("expected permanent, got %+v", res)
	}
}

func TestVerifyWebhook(t *testing.T) {
	t.Parallel()
	a := newTestAdapter(&fakeBot{}, nil)
	req := httptest.NewRequest(http.MethodPost, "/webhooks/telegram", nil)
	if err := a.VerifyWebhook(req, nil); err == nil {
		t.Fatal("expected missing secret to fail")
	}
	req.Header.Set(SecretHeader, "s")
	if err := a.VerifyWebhook(req, nil); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTruncateTelegramText(t *testing.T) {
	t.Parallel()
	long := strings.Repeat("ğ", telegramMaxMessageLength)
	got := truncateTelegramText(long)
	if len(got) > telegramMaxMessageLength || !utf8.ValidString(got) || !strings.HasSuffix(got, "...") {
		t.Fatalf("unexpected truncation: len=%d", len(got))
	}
	if truncateTelegramText("short") != "short" {
		t.Fatal("short text must be unchanged")
	}
}

func TestSanitizeTelegramText(t *testing.T) {
	t.Parallel()
	if got := sanitizeTelegramText("ok\xff"); got != "ok" {
		t.Fatalf("unexpected sanitize result %q", got)
	}
}
