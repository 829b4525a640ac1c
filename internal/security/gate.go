// Package security screens inbound text for prompt injection, masks personal
// identifiers and rejects unsafe model output. Every decision is audited.
package security

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"

	"github.com/memohai/omnicore/internal/audit"
)

// ErrSecurityViolation marks an inbound message or model answer rejected by the gate.
var ErrSecurityViolation = errors.New("security violation")

const (
	// DeflectionText replaces the answer when an inbound message is unsafe.
	DeflectionText = "I'm sorry, I can't help with that request. A member of our team will be happy to assist you with your treatment questions."
	// SafeFallback replaces a model answer rejected by the outbound pass.
	SafeFallback = "Thank you for your question. Our clinical team will review your case and get back to you shortly with an accurate assessment."
)

// Audit actions.
const (
	ActionInboundBlocked  = "security.inbound.blocked"
	ActionInboundPassed   = "security.inbound.passed"
	ActionOutboundBlocked = "security.outbound.blocked"
	ActionOutboundPassed  = "security.outbound.passed"
)

// DetailLimit bounds the audit detail in runes.
const DetailLimit = 160

type Verdict struct {
	Safe   bool   `json:"safe"`
	Reason string `json:"reason,omitempty"`
}

func safe() Verdict { return Verdict{Safe: true} }

type rule struct {
	reason  string
	pattern *regexp.Regexp
}

// Patterns run against normalizeForMatch output: lower case ASCII with single spaces.
var injectionRules = []rule{
	{"instruction_override", regexp.MustCompile(`\b(ignore|disregard|forget|override|skip)\b.{0,20}\b(previous|prior|above|earlier|all|your|the)\b.{0,20}\b(instructions?|prompts?|rules|directions|guidelines|messages)\b`)},
	{"instruction_override", regexp.MustCompile(`\b(onceki|yukaridaki|tum|butun|verilen)\b.{0,20}\b(talimat\w*|kural\w*|komut\w*|yonerge\w*)\b.{0,20}\b(unut\w*|yok ?say\w*|gormezden gel\w*|dikkate alma\w*|iptal\w*)`)},
	{"instruction_override", regexp.MustCompile(`\b(talimat\w*|kural\w*)\b.{0,10}\b(unut|yok ?say|gormezden gel)`)},
	{"role_override", regexp.MustCompile(`\b(you are now|from now on you are|pretend (to be|you are)|act as (an? )?(admin|administrator|developer|system|root|unrestricted|different))\b`)},
	{"role_override", regexp.MustCompile(`\b(artik sen|sen artik|bundan sonra sen)\b|\b(sistem|yonetici|admin|gelistirici)\b.{0,10}\b(gibi davran|rolune gir|modunda)`)},
	{"prompt_exfiltration", regexp.MustCompile(`\b(reveal|show|print|repeat|leak|display|tell me|output|dump)\b.{0,30}\b(system|hidden|initial|original|secret)\b.{0,10}\b(prompt|instructions?|message|rules)\b`)},
	{"prompt_exfiltration", regexp.MustCompile(`\bwhat (is|are|were) your (system prompt|instructions|rules)\b`)},
	{"prompt_exfiltration", regexp.MustCompile(`\bsistem\b.{0,10}\b(prompt\w*|istem\w*|talimat\w*|mesaj\w*)\b.{0,20}\b(goster\w*|yaz\w*|acikla\w*|paylas\w*|ver\w*|soyle\w*)`)},
	{"fake_role_tag", regexp.MustCompile(`<\|?\s*(system|im_start|im_end|assistant)\s*\|?>|\[/?(system|inst)\]|(^|\s)(system|assistant)\s*:`)},
	{"jailbreak_persona", regexp.MustCompile(`\b(jailbreak|dan mode|developer mode|do anything now|unfiltered mode|god mode)\b`)},
}

var responseRules = []rule{
	{"diagnosis_claim", regexp.MustCompile(`\b(you (have|are suffering from|are diagnosed with)|your diagnosis is|i diagnose)\b.{0,40}\b(disease|infection|cancer|periodontitis|gingivitis|caries|abscess|cyst|tumou?r|condition)\b`)},
	{"diagnosis_claim", regexp.MustCompile(`\b(teshisiniz|taniniz|sizde)\b.{0,40}\b(hastalik\w*|enfeksiyon\w*|kanser\w*|apse\w*|kist\w*|iltihap\w*)`)},
	{"prescription_claim", regexp.MustCompile(`\b\d+(\.\d+)? ?(mg|mcg|ml|milligrams?)\b|\b(i prescribe|take)\b.{0,30}\b(times a day|twice a day|daily|every \d+ hours)\b|\b(recete|gunde \d+ (kez|defa))\b`)},
	{"guaranteed_outcome", regexp.MustCompile(`(100 ?%|\bguaranteed\b|\bwe guarantee\b|\bgaranti\w*|\bkesinlikle\b).{0,30}\b(results?|success|outcome|painless|sonuc\w*|basari\w*|iyiles\w*|agrisiz)\b`)},
	{"prompt_leakage", regexp.MustCompile(`\b(system prompt|my instructions (are|say)|i was instructed to|sistem (istemi|promptu|talimat\w*))\b`)},
}

func firstMatch(rules []rule, text string) Verdict {
	normalized := normalizeForMatch(text)
	for _, r := range rules {
		if r.pattern.MatchString(normalized) {
			return Verdict{Safe: false, Reason: r.reason}
		}
	}
	return safe()
}

// Gate runs both screening passes and records their decisions.
type Gate struct {
	logger *slog.Logger
	audit  audit.Recorder
}

func NewGate(log *slog.Logger, recorder audit.Recorder) *Gate {
	if log == nil {
		log = slog.Default()
	}
	return &Gate{
		logger: log.With(slog.String("component", "security_gate")),
		audit:  recorder,
	}
}

// DetectInjection looks for instruction or role override attempts.
func (g *Gate) DetectInjection(text string) Verdict {
	return firstMatch(injectionRules, text)
}

// RedactPII masks personal identifiers.
func (g *Gate) RedactPII(text string) string {
	return RedactPII(text)
}

// ValidateResponse rejects model output that makes clinical claims or leaks instructions.
func (g *Gate) ValidateResponse(text string) Verdict {
	return firstMatch(responseRules, text)
}

// ScreenInbound runs the inbound pass and audits the decision. Unsafe input
// returns ErrSecurityViolation together with the verdict.
func (g *Gate) ScreenInbound(ctx context.Context, actorID, resource, text string) (Verdict, error) {
	verdict := g.DetectInjection(text)
	if verdict.Safe {
		g.record(ctx, ActionInboundPassed, actorID, resource, detail(verdict, text), audit.ClearanceInternal)
		return verdict, nil
	}
	g.logger.Warn("inbound message blocked",
		slog.String("actor_id", actorID),
		slog.String("reason", verdict.Reason))
	g.record(ctx, ActionInboundBlocked, actorID, resource, detail(verdict, text), audit.ClearanceRestricted)
	return verdict, fmt.Errorf("%w: %s", ErrSecurityViolation, verdict.Reason)
}

// ScreenOutbound validates a model answer and returns the text to deliver.
func (g *Gate) ScreenOutbound(ctx context.Context, actorID, resource, text string) (string, Verdict) {
	verdict := g.ValidateResponse(text)
	if verdict.Safe {
		g.record(ctx, ActionOutboundPassed, actorID, resource, detail(verdict, text), audit.ClearanceInternal)
		return text, verdict
	}
	g.logger.Warn("model answer replaced",
		slog.String("actor_id", actorID),
		slog.String("reason", verdict.Reason))
	g.record(ctx, ActionOutboundBlocked, actorID, resource, detail(verdict, text), audit.ClearanceRestricted)
	return SafeFallback, verdict
}

// detail never carries the flagged text itself, only its size and the reason.
func detail(v Verdict, text string) string {
	reason := v.Reason
	if reason == "" {
		reason = "none"
	}
	return fmt.Sprintf("reason=%s redacted=%t runes=%d", reason, RedactPII(text) != text, len([]rune(text)))
}

func (g *Gate) record(ctx context.Context, action, actorID, resource, detail, clearance string) {
	if g.audit == nil {
		return
	}
	err := g.audit.Append(ctx, audit.Entry{
		Action:         action,
		ActorID:        actorID,
		Resource:       resource,
		Detail:         truncateRunes(RedactPII(detail), DetailLimit),
		ClearanceLevel: clearance,
	})
	if err != nil {
		g.logger.Error("audit append failed", slog.String("action", action), slog.Any("error", err))
	}
}
