package channelchecker

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/memohai/omnicore/internal/channel"
	"github.com/memohai/omnicore/internal/healthcheck"
)

const (
	checkTypeChannel  = "channel.registered"
	checkTypeFallback = "channel.fallback"
)

// DescriptorLister reads the registered channel adapters.
type DescriptorLister interface {
	ListDescriptors() []channel.Descriptor
}

// Checker reports which channels are registered and whether each
// conversational channel has its fallback surface available.
type Checker struct {
	logger   *slog.Logger
	registry DescriptorLister
}

// NewChecker creates a channel health checker.
func NewChecker(log *slog.Logger, registry DescriptorLister) *Checker {
	if log == nil {
		log = slog.Default()
	}
	return &Checker{
		logger:   log.With(slog.String("checker", "healthcheck_channel")),
		registry: registry,
	}
}

// ListChecks evaluates the channel registry.
func (c *Checker) ListChecks(ctx context.Context) []healthcheck.CheckResult {
	if err := ctx.Err(); err != nil {
		return []healthcheck.CheckResult{}
	}
	if c.registry == nil {
		c.logger.Warn("channel healthcheck dependency is unavailable")
		return []healthcheck.CheckResult{
			{
				ID:      checkTypeChannel + ".service",
				Type:    checkTypeChannel,
				Status:  healthcheck.StatusWarn,
				Summary: "Channel registry is not available.",
				Detail:  "registry is nil",
			},
		}
	}

	descriptors := c.registry.ListDescriptors()
	registered := make(map[channel.ChannelType]bool, len(descriptors))
	checks := make([]healthcheck.CheckResult, 0, len(descriptors)+2)
	for _, desc := range descriptors {
		registered[desc.Type] = true
		checks = append(checks, healthcheck.CheckResult{
			ID:       checkTypeChannel + "." + desc.Type.String(),
			Type:     checkTypeChannel,
			Subtitle: desc.DisplayName,
			Status:   healthcheck.StatusOK,
			Summary:  fmt.Sprintf("Channel %s is registered.", desc.Type),
			Metadata: map[string]any{
				"buttons": desc.Capabilities.Buttons,
				"media":   desc.Capabilities.Media,
				"inbound": desc.Capabilities.Inbound,
			},
		})
	}
	if len(checks) == 0 {
		return []healthcheck.CheckResult{{
			ID:      checkTypeChannel + ".none",
			Type:    checkTypeChannel,
			Status:  healthcheck.StatusError,
			Summary: "No channels are registered.",
		}}
	}

	if registered[channel.WhatsApp] {
		checks = append(checks, fallbackCheck(channel.SMS, registered[channel.SMS], "whatsapp"))
	}
	if registered[channel.Instagram] || registered[channel.Telegram] || registered[channel.Web] {
		checks = append(checks, fallbackCheck(channel.Email, registered[channel.Email], "instagram, telegram and web"))
	}
	return checks
}

func fallbackCheck(fallback channel.ChannelType, ok bool, covers string) healthcheck.CheckResult {
	item := healthcheck.CheckResult{
		ID:       checkTypeFallback + "." + fallback.String(),
		Type:     checkTypeFallback,
		Subtitle: covers,
		Status:   healthcheck.StatusOK,
		Summary:  fmt.Sprintf("The %s fallback is available.", fallback),
	}
	if !ok {
		item.Status = healthcheck.StatusWarn
		item.Summary = fmt.Sprintf("The %s fallback is not configured; failed replies will only be queued.", fallback)
	}
	return item
}
