package channel

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"
	"unicode/utf8"
)

const (
	defaultChunkLimit     = 2000
	defaultRetryAttempts  = 1
	defaultRetryBackoffMs = 500
)

// Chunker splits text into pieces of at most limit runes.
type Chunker func(text string, limit int) []string

// OutboundPolicy bounds one send call: how a long reply is split and how
// often a transient failure is retried before the dispatcher takes over.
type OutboundPolicy struct {
	TextChunkLimit int     `json:"text_chunk_limit,omitempty"`
	Chunker        Chunker `json:"-"`
	// RetryMax counts attempts per chunk, not retries.
	RetryMax       int `json:"retry_max,omitempty"`
	RetryBackoffMs int `json:"retry_backoff_ms,omitempty"`
}

// NormalizeOutboundPolicy fills unset fields with the defaults.
func NormalizeOutboundPolicy(policy OutboundPolicy) OutboundPolicy {
	if policy.TextChunkLimit <= 0 {
		policy.TextChunkLimit = defaultChunkLimit
	}
	if policy.RetryMax <= 0 {
		policy.RetryMax = defaultRetryAttempts
	}
	if policy.RetryBackoffMs <= 0 {
		policy.RetryBackoffMs = defaultRetryBackoffMs
	}
	if policy.Chunker == nil {
		policy.Chunker = ChunkText
	}
	return policy
}

// backoff is linear: the n-th retry waits n times the base delay.
func (p OutboundPolicy) backoff(retry int) time.Duration {
	return time.Duration(retry) * time.Duration(p.RetryBackoffMs) * time.Millisecond
}

// ChunkText packs whole lines into chunks of at most limit runes. A line that
// is longer than the limit on its own is broken at the last space that fits,
// or mid-word when there is none.
func ChunkText(text string, limit int) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var (
		chunks  []string
		current strings.Builder
		size    int
	)
	flush := func() {
		if size > 0 {
			chunks = append(chunks, current.String())
			current.Reset()
			size = 0
		}
	}
	for _, line := range strings.Split(text, "\n") {
		n := utf8.RuneCountInString(line)
		if n > limit {
			flush()
			chunks = append(chunks, breakLine(line, limit)...)
			continue
		}
		if size > 0 && size+1+n > limit {
			flush()
		}
		if size > 0 {
			current.WriteByte('\n')
			size++
		}
		current.WriteString(line)
		size += n
	}
	flush()
	return chunks
}

func breakLine(line string, limit int) []string {
	var parts []string
	runes := []rune(line)
	for len(runes) > 0 {
		cut := min(limit, len(runes))
		if cut < len(runes) {
			for i := cut; i > limit/2; i-- {
				if runes[i] == ' ' {
					cut = i
					break
				}
			}
		}
		if part := strings.TrimSpace(string(runes[:cut])); part != "" {
			parts = append(parts, part)
		}
		runes = runes[cut:]
	}
	return parts
}

// BuildOutboundMessages splits msg by the policy. CTAs are attached to the
// final chunk so they render after the text they refer to.
func BuildOutboundMessages(msg OutboundMessage, policy OutboundPolicy) ([]OutboundMessage, error) {
	if msg.IsEmpty() {
		return nil, errors.New("outbound message is empty")
	}
	policy = NormalizeOutboundPolicy(policy)
	chunks := policy.Chunker(msg.Text, policy.TextChunkLimit)
	if len(chunks) <= 1 {
		return []OutboundMessage{msg}, nil
	}
	out := make([]OutboundMessage, len(chunks))
	for i, chunk := range chunks {
		out[i] = msg
		out[i].Text = chunk
		if i != len(chunks)-1 {
			out[i].Actions = nil
		}
	}
	return out, nil
}

// SendWithPolicy delivers msg chunk by chunk and stops at the first chunk
// that still fails after its retries; that failure is the result.
func SendWithPolicy(ctx context.Context, logger *slog.Logger, channelType ChannelType, sender Sender, msg OutboundMessage, policy OutboundPolicy) DeliveryResult {
	if sender == nil {
		return Permanent(fmt.Errorf("no sender for channel %s", channelType))
	}
	if strings.TrimSpace(msg.Target) == "" {
		return Permanent(errors.New("outbound target is empty"))
	}
	if logger == nil {
		logger = slog.Default()
	}
	policy = NormalizeOutboundPolicy(policy)
	parts, err := BuildOutboundMessages(msg, policy)
	if err != nil {
		return Permanent(err)
	}
	var res DeliveryResult
	for _, part := range parts {
		if res = sendChunk(ctx, logger, channelType, sender, part, policy); !res.OK {
			return res
		}
	}
	return res
}

func sendChunk(ctx context.Context, logger *slog.Logger, channelType ChannelType, sender Sender, msg OutboundMessage, policy OutboundPolicy) DeliveryResult {
	res := sender.Send(ctx, msg)
	for retry := 1; retry < policy.RetryMax && !res.OK && res.ErrorKind == ErrorKindTransient; retry++ {
		logger.Warn("outbound send failed, retrying",
			slog.String("channel", channelType.String()),
			slog.Int("retry", retry),
			slog.Any("error", res.Err))
		timer := time.NewTimer(policy.backoff(retry))
		select {
		case <-ctx.Done():
			timer.Stop()
			return Transient(ctx.Err())
		case <-timer.C:
		}
		res = sender.Send(ctx, msg)
	}
	return res
}
