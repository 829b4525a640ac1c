// Package assembler builds the model-facing context for one inbound message:
// persona, retrieved knowledge, recent history and conditional guardrails.
package assembler

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/memohai/omnicore/internal/config"
	"github.com/memohai/omnicore/internal/identity"
	"github.com/memohai/omnicore/internal/knowledge"
	"github.com/memohai/omnicore/internal/llm"
	"github.com/memohai/omnicore/internal/persona"
)

type historySource interface {
	RecentTurns(ctx context.Context, identityID string, n int) ([]identity.Turn, error)
}

type Input struct {
	TenantID string
	Identity identity.Identity
	// Text is the redacted inbound text.
	Text string
}

type Context struct {
	System     string
	History    []llm.Message
	Guardrails []string
	Snippets   []knowledge.Snippet
	Locale     string
}

type Assembler struct {
	logger         *slog.Logger
	personas       *persona.Catalog
	knowledge      knowledge.Store
	history        historySource
	historyTurns   int
	knowledgeLimit int
}

func New(log *slog.Logger, personas *persona.Catalog, store knowledge.Store, history historySource, cfg config.AssemblerConfig) *Assembler {
	if log == nil {
		log = slog.Default()
	}
	if cfg.HistoryTurns <= 0 {
		cfg.HistoryTurns = config.DefaultHistoryTurns
	}
	if cfg.KnowledgeLimit <= 0 {
		cfg.KnowledgeLimit = config.DefaultKnowledgeLimit
	}
	return &Assembler{
		logger:         log.With(slog.String("component", "assembler")),
		personas:       personas,
		knowledge:      store,
		history:        history,
		historyTurns:   cfg.HistoryTurns,
		knowledgeLimit: cfg.KnowledgeLimit,
	}
}

// Build assembles the context. A knowledge lookup failure degrades to no
// snippets; a history failure is returned because the model would otherwise
// answer without the conversation so far.
func (a *Assembler) Build(ctx context.Context, in Input) (Context, error) {
	var out Context

	locale := persona.DetectLocale(in.Identity.PrimaryPhone)
	var section string
	if a.personas != nil {
		var p persona.Persona
		p, locale = a.personas.For(in.TenantID, locale)
		section = p.Section()
	}
	out.Locale = locale

	if a.knowledge != nil && strings.TrimSpace(in.Text) != "" {
		snippets, err := a.knowledge.Lookup(ctx, in.TenantID, in.Text, a.knowledgeLimit)
		if err != nil {
			a.logger.Warn("knowledge lookup failed",
				slog.String("tenant_id", in.TenantID),
				slog.Any("error", err))
		} else {
			out.Snippets = snippets
		}
	}

	if a.history != nil && in.Identity.ID != "" {
		turns, err := a.history.RecentTurns(ctx, in.Identity.ID, a.historyTurns)
		if err != nil {
			return Context{}, fmt.Errorf("load history: %w", err)
		}
		out.History = toMessages(turns)
	}

	out.Guardrails = Guardrails(in.Text)
	out.System = render(section, out.Snippets, out.Guardrails, in.Identity)
	return out, nil
}

func toMessages(turns []identity.Turn) []llm.Message {
	msgs := make([]llm.Message, 0, len(turns))
	for _, t := range turns {
		switch t.Role {
		case identity.RoleUser:
			msgs = append(msgs, llm.Message{Role: llm.RoleUser, Content: t.Content})
		case identity.RoleAssistant:
			msgs = append(msgs, llm.Message{Role: llm.RoleAssistant, Content: t.Content})
		}
	}
	return msgs
}

func render(section string, snippets []knowledge.Snippet, guardrails []string, lead identity.Identity) string {
	var b strings.Builder
	b.WriteString(section)
	if len(snippets) > 0 {
		b.WriteString("\n\n## Clinic knowledge\n")
		for _, s := range snippets {
			fmt.Fprintf(&b, "- %s: %s\n", s.Term, strings.TrimSpace(s.Content))
		}
	}
	if lead.DisplayName != "" || lead.Treatment != "" {
		b.WriteString("\n\n## Customer\n")
		if lead.DisplayName != "" {
			fmt.Fprintf(&b, "Name: %s\n", lead.DisplayName)
		}
		if lead.Treatment != "" {
			fmt.Fprintf(&b, "Interested in: %s\n", lead.Treatment)
		}
	}
	if len(guardrails) > 0 {
		b.WriteString("\n\n## Rules for this reply\n")
		for _, g := range guardrails {
			b.WriteString("- ")
			b.WriteString(g)
			b.WriteString("\n")
		}
	}
	return strings.TrimSpace(b.String())
}
