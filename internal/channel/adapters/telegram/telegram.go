// Package telegram implements the Telegram Bot API channel.
package telegram

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	tgbotapi "github.com/go-telegram-bot-api/telegram-bot-api/v5"

	"github.com/memohai/omnicore/internal/channel"
	"github.com/memohai/omnicore/internal/config"
)

const (
	telegramMaxMessageLength = 4096
	maxVoiceBytes            = 16 << 20

	SecretHeader = "X-Telegram-Bot-Api-Secret-Token"
)

// botAPI is the subset of *tgbotapi.BotAPI the adapter uses.
type botAPI interface {
	Send(c tgbotapi.Chattable) (tgbotapi.Message, error)
	GetFileDirectURL(fileID string) (string, error)
}

// TelegramAdapter serves one bot token. Updates arrive through the webhook.
type TelegramAdapter struct {
	logger      *slog.Logger
	token       string
	secret      string
	transcriber channel.Transcriber
	http        *http.Client

	mu     sync.Mutex
	bot    botAPI
	newBot func(token string) (botAPI, error)
}

func NewTelegramAdapter(log *slog.Logger, cfg config.TelegramConfig, transcriber channel.Transcriber) *TelegramAdapter {
	if log == nil {
		log = slog.Default()
	}
	adapter := &TelegramAdapter{
		logger:      log.With(slog.String("adapter", "telegram")),
		token:       strings.TrimSpace(cfg.BotToken),
		secret:      strings.TrimSpace(cfg.WebhookSecret),
		transcriber: transcriber,
		http:        &http.Client{Timeout: 30 * time.Second},
		newBot: func(token string) (botAPI, error) {
			return tgbotapi.NewBotAPI(token)
		},
	}
	_ = tgbotapi.SetLogger(&slogBotLogger{log: adapter.logger})
	return adapter
}

// getOrCreateBot lazily builds the client; NewBotAPI performs a getMe call.
func (a *TelegramAdapter) getOrCreateBot() (botAPI, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.bot != nil {
		return a.bot, nil
	}
	if a.token == "" {
		return nil, errors.New("telegram bot token is not configured")
	}
	bot, err := a.newBot(a.token)
	if err != nil {
		a.logger.Error("create bot failed", slog.Any("error", err))
		return nil, err
	}
	a.bot = bot
	return bot, nil
}

func (a *TelegramAdapter) Type() channel.ChannelType {
	return channel.Telegram
}

func (a *TelegramAdapter) Descriptor() channel.Descriptor {
	return channel.Descriptor{
		Type:        channel.Telegram,
		DisplayName: "Telegram",
		Capabilities: channel.ChannelCapabilities{
			Text:    true,
			Buttons: true,
			Media:   true,
			Inbound: true,
		},
		OutboundPolicy: channel.OutboundPolicy{
			TextChunkLimit: telegramMaxMessageLength,
		},
	}
}

// BotID is the numeric id embedded in the token ("<id>:<secret>"). It is the
// receiver id used for tenant bindings.
func (a *TelegramAdapter) BotID() string {
	id, _, _ := strings.Cut(a.token, ":")
	return strings.TrimSpace(id)
}

func (a *TelegramAdapter) VerifyWebhook(r *http.Request, _ []byte) error {
	if a.secret == "" {
		return nil
	}
	if r.Header.Get(SecretHeader) != a.secret {
		return errors.New("invalid telegram secret token")
	}
	return nil
}

// Normalize decodes one webhook update. Only private chat messages are
// customer conversations; edits, channel posts and group chatter are ignored.
func (a *TelegramAdapter) Normalize(ctx context.Context, raw channel.RawPayload) (*channel.NormalizedMessage, error) {
	var update tgbotapi.Update
	if err := json.Unmarshal(raw.Body, &update); err != nil {
		return nil, fmt.Errorf("decode telegram update: %w", err)
	}
	msg := update.Message
	if msg == nil || msg.Chat == nil || !msg.Chat.IsPrivate() {
		return nil, nil
	}
	senderID, displayName := resolveTelegramSender(msg)
	if senderID == "" {
		return nil, nil
	}
	text := strings.TrimSpace(msg.Text)
	if text == "" {
		text = strings.TrimSpace(msg.Caption)
	}
	out := &channel.NormalizedMessage{
		SenderID:          senderID,
		ReceiverID:        a.BotID(),
		Text:              text,
		Channel:           channel.Telegram,
		ReceivedAt:        time.Unix(int64(msg.Date), 0).UTC(),
		ProviderMessageID: strconv.Itoa(update.UpdateID),
		DisplayName:       displayName,
	}
	if msg.Date == 0 {
		out.ReceivedAt = time.Now().UTC()
	}

	switch {
	case len(msg.Photo) > 0:
		photo := pickTelegramPhoto(msg.Photo)
		out.MediaRef = a.resolveFileURL(photo.FileID)
		out.MediaType = "image"
	case msg.Voice != nil:
		out.MediaType = strings.TrimSpace(msg.Voice.MimeType)
		if out.MediaType == "" {
			out.MediaType = "audio/ogg"
		}
		out.MediaRef = a.resolveFileURL(msg.Voice.FileID)
		if out.Text == "" && out.MediaRef != "" {
			out.Text = a.transcribe(ctx, out.MediaRef, out.MediaType)
		}
	case msg.Document != nil:
		out.MediaRef = a.resolveFileURL(msg.Document.FileID)
		out.MediaType = strings.TrimSpace(msg.Document.MimeType)
	}
	if out.Text == "" && !out.HasMedia() {
		return nil, nil
	}
	return out, nil
}

func (a *TelegramAdapter) resolveFileURL(fileID string) string {
	if strings.TrimSpace(fileID) == "" {
		return ""
	}
	bot, err := a.getOrCreateBot()
	if err != nil {
		return ""
	}
	link, err := bot.GetFileDirectURL(fileID)
	if err != nil {
		a.logger.Warn("resolve file url failed", slog.String("file_id", fileID), slog.Any("error", err))
		return ""
	}
	return link
}

func (a *TelegramAdapter) transcribe(ctx context.Context, link, mime string) string {
	if a.transcriber == nil {
		return ""
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, link, nil)
	if err != nil {
		return ""
	}
	resp, err := a.http.Do(req)
	if err != nil {
		a.logger.Warn("voice note download failed", slog.Any("error", err))
		return ""
	}
	defer func() {
		_ = resp.Body.Close()
	}()
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		a.logger.Warn("voice note download failed", slog.Int("status", resp.StatusCode))
		return ""
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxVoiceBytes))
	if err != nil {
		return ""
	}
	text, err := a.transcriber.Transcribe(ctx, data, mime)
	if err != nil {
		a.logger.Warn("voice note transcription failed", slog.Any("error", err))
		return ""
	}
	return strings.TrimSpace(text)
}

// Send delivers a reply as a chat message. Link actions become an inline
// URL keyboard.
func (a *TelegramAdapter) Send(_ context.Context, msg channel.OutboundMessage) channel.DeliveryResult {
	chatID, err := strconv.ParseInt(strings.TrimSpace(msg.Target), 10, 64)
	if err != nil {
		return channel.Permanent(fmt.Errorf("telegram target must be a chat id"))
	}
	bot, err := a.getOrCreateBot()
	if err != nil {
		return classifyTelegramError(err)
	}
	message := tgbotapi.NewMessage(chatID, truncateTelegramText(sanitizeTelegramText(strings.TrimSpace(msg.Text))))
	if keyboard, ok := buildTelegramKeyboard(msg.Actions); ok {
		message.ReplyMarkup = keyboard
	}
	sent, err := bot.Send(message)
	if err != nil {
		return classifyTelegramError(err)
	}
	return channel.Delivered(strconv.Itoa(sent.MessageID))
}

func buildTelegramKeyboard(actions []channel.Action) (tgbotapi.InlineKeyboardMarkup, bool) {
	rows := make([][]tgbotapi.InlineKeyboardButton, 0, len(actions))
	for _, action := range actions {
		link := strings.TrimSpace(action.URL)
		if link == "" {
			continue
		}
		label := strings.TrimSpace(action.Label)
		if label == "" {
			label = link
		}
		rows = append(rows, tgbotapi.NewInlineKeyboardRow(tgbotapi.NewInlineKeyboardButtonURL(label, link)))
	}
	if len(rows) == 0 {
		return tgbotapi.InlineKeyboardMarkup{}, false
	}
	return tgbotapi.NewInlineKeyboardMarkup(rows...), true
}

// classifyTelegramError treats throttling, server errors and transport failures
// as transient. Bot API rejections such as "chat not found" are permanent.
// The library returns *Error from requests, but Error has a value receiver.
func classifyTelegramError(err error) channel.DeliveryResult {
	var apiErr *tgbotapi.Error
	if errors.As(err, &apiErr) {
		if apiErr.Code == http.StatusTooManyRequests || apiErr.Code >= 500 {
			return channel.Transient(err)
		}
		return channel.Permanent(err)
	}
	var valueErr tgbotapi.Error
	if errors.As(err, &valueErr) {
		if valueErr.Code == http.StatusTooManyRequests || valueErr.Code >= 500 {
			return channel.Transient(err)
		}
		return channel.Permanent(err)
	}
	return channel.Transient(err)
}

func resolveTelegramSender(msg *tgbotapi.Message) (string, string) {
	if msg == nil || msg.From == nil {
		return "", ""
	}
	userID := strconv.FormatInt(msg.From.ID, 10)
	displayName := strings.TrimSpace(msg.From.FirstName + " " + msg.From.LastName)
	if displayName == "" {
		displayName = strings.TrimSpace(msg.From.UserName)
	}
	if msg.Chat != nil && msg.Chat.ID != 0 {
		// In private chats the chat id equals the user id and is the reply target.
		userID = strconv.FormatInt(msg.Chat.ID, 10)
	}
	return userID, displayName
}

func pickTelegramPhoto(items []tgbotapi.PhotoSize) tgbotapi.PhotoSize {
	if len(items) == 0 {
		return tgbotapi.PhotoSize{}
	}
	best := items[0]
	for _, item := range items[1:] {
		if item.FileSize > best.FileSize {
			best = item
			continue
		}
		if item.Width*item.Height > best.Width*best.Height {
			best = item
		}
	}
	return best
}

// sanitizeTelegramText ensures text is valid UTF-8 for the Telegram API.
func sanitizeTelegramText(text string) string {
	if utf8.ValidString(text) {
		return text
	}
	return strings.ToValidUTF8(text, "")
}

// truncateTelegramText truncates text to telegramMaxMessageLength on a valid
// UTF-8 rune boundary, appending "..." when truncation occurs.
func truncateTelegramText(text string) string {
	if len(text) <= telegramMaxMessageLength {
		return text
	}
	const suffix = "..."
	limit := telegramMaxMessageLength - len(suffix)
	for limit > 0 && !utf8.RuneStart(text[limit]) {
		limit--
	}
	return text[:limit] + suffix
}

type slogBotLogger struct {
	log *slog.Logger
}

func (l *slogBotLogger) Println(v ...interface{}) {
	l.log.Debug(strings.TrimSpace(fmt.Sprintln(v...)))
}

func (l *slogBotLogger) Printf(format string, v ...interface{}) {
	l.log.Debug(fmt.Sprintf(format, v...))
}
