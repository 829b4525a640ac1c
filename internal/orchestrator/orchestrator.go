// Package orchestrator runs one inbound message through the guarded model
// loop: screen, build context, call the model, run at most one tool round,
// validate the answer and persist the turns.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/memohai/omnicore/internal/assembler"
	"github.com/memohai/omnicore/internal/channel"
	"github.com/memohai/omnicore/internal/crm"
	"github.com/memohai/omnicore/internal/identity"
	"github.com/memohai/omnicore/internal/llm"
	"github.com/memohai/omnicore/internal/scoring"
	"github.com/memohai/omnicore/internal/security"
	"github.com/memohai/omnicore/internal/tools"
)

// ErrModelFailure marks a timed out, failed or empty model call.
var ErrModelFailure = errors.New("model failure")

// ApologyText is sent when the model cannot produce an answer.
const ApologyText = "We're having a temporary issue answering right now. Please try again in a few minutes."

// Outcome tells which of the three user-visible replies was produced.
type Outcome string

const (
	OutcomeAnswered  Outcome = "answered"
	OutcomeDeflected Outcome = "deflected"
	OutcomeApology   Outcome = "apology"
)

const (
	defaultModelTimeout = 30 * time.Second
	backgroundTimeout   = 15 * time.Second
	maxParallelTools    = 4
)

type contextBuilder interface {
	Build(ctx context.Context, in assembler.Input) (assembler.Context, error)
}

type toolExecutor interface {
	Specs() []llm.ToolSpec
	Execute(ctx context.Context, s tools.Session, call llm.ToolCall) tools.Invocation
}

type turnStore interface {
	AppendTurn(ctx context.Context, identityID string, turn identity.Turn) (identity.Turn, error)
	Touch(ctx context.Context, identityID string, at time.Time) error
	UpdateScore(ctx context.Context, identityID string, u identity.ScoreUpdate) error
}

type leadSyncer interface {
	Sync(ctx context.Context, lead crm.Lead) error
}

type Request struct {
	TenantID string
	Identity identity.Identity
	Message  channel.NormalizedMessage
}

type Reply struct {
	Text    string
	Outcome Outcome
	// Actions carries links produced by tools, such as payment links.
	Actions []channel.Action
	Tools   []tools.Invocation
	// Err is the recovered cause for deflections and apologies.
	Err error
}

type Deps struct {
	Gate      *security.Gate
	Assembler contextBuilder
	Model     llm.Client
	Tools     toolExecutor
	Turns     turnStore
	CRM       leadSyncer
}

type Orchestrator struct {
	logger    *slog.Logger
	gate      *security.Gate
	assembler contextBuilder
	model     llm.Client
	tools     toolExecutor
	turns     turnStore
	crm       leadSyncer
	timeout   time.Duration
	now       func() time.Time

	background sync.WaitGroup
}

func New(log *slog.Logger, deps Deps, modelTimeout time.Duration) *Orchestrator {
	if log == nil {
		log = slog.Default()
	}
	if modelTimeout <= 0 {
		modelTimeout = defaultModelTimeout
	}
	return &Orchestrator{
		logger:    log.With(slog.String("component", "orchestrator")),
		gate:      deps.Gate,
		assembler: deps.Assembler,
		model:     deps.Model,
		tools:     deps.Tools,
		turns:     deps.Turns,
		crm:       deps.CRM,
		timeout:   modelTimeout,
		now:       time.Now,
	}
}

// Handle always returns a reply that is safe to send.
func (o *Orchestrator) Handle(ctx context.Context, req Request) Reply {
	ident := req.Identity
	msg := req.Message
	resource := "message:" + msg.Channel.String()

	if _, err := o.gate.ScreenInbound(ctx, ident.ID, resource, msg.Text); err != nil {
		return Reply{Text: security.DeflectionText, Outcome: OutcomeDeflected, Err: err}
	}
	redacted := o.gate.RedactPII(msg.Text)

	o.scoreAsync(ctx, req, redacted)

	reply := o.answer(ctx, req, redacted)
	if reply.Outcome == OutcomeAnswered {
		text, verdict := o.gate.ScreenOutbound(ctx, ident.ID, resource, reply.Text)
		reply.Text = text
		if !verdict.Safe {
			reply.Actions = nil
		}
	}

	o.persist(ctx, ident.ID, msg.Channel, redacted, reply)
	return reply
}

func (o *Orchestrator) answer(ctx context.Context, req Request, text string) Reply {
	built, err := o.assembler.Build(ctx, assembler.Input{TenantID: req.TenantID, Identity: req.Identity, Text: text})
	if err != nil {
		return o.apology(req, fmt.Errorf("build context: %w", err))
	}

	messages := append(built.History, llm.Message{Role: llm.RoleUser, Content: modelText(req.Message, text)})
	var specs []llm.ToolSpec
	if o.tools != nil {
		specs = o.tools.Specs()
	}

	first, err := o.generate(ctx, llm.Request{System: built.System, Messages: messages, Tools: specs})
	if err != nil {
		return o.apology(req, err)
	}
	if len(first.ToolCalls) == 0 || o.tools == nil {
		if strings.TrimSpace(first.Text) == "" {
			return o.apology(req, fmt.Errorf("%w: empty response", ErrModelFailure))
		}
		return Reply{Text: strings.TrimSpace(first.Text), Outcome: OutcomeAnswered}
	}

	session := tools.Session{TenantID: req.TenantID, IdentityID: req.Identity.ID, Channel: req.Message.Channel}
	invocations := o.executeTools(ctx, session, first.ToolCalls)

	messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: first.Text, ToolCalls: first.ToolCalls})
	for _, inv := range invocations {
		messages = append(messages, llm.Message{
			Role:       llm.RoleTool,
			Content:    inv.Result.JSON(),
			ToolCallID: inv.CallID,
			ToolName:   string(inv.Tool),
		})
	}

	// The final call carries no tools; any tool calls it returns are dropped.
	final, err := o.generate(ctx, llm.Request{System: built.System, Messages: messages})
	if err != nil {
		reply := o.apology(req, err)
		reply.Tools = invocations
		return reply
	}
	if strings.TrimSpace(final.Text) == "" {
		reply := o.apology(req, fmt.Errorf("%w: empty final response", ErrModelFailure))
		reply.Tools = invocations
		return reply
	}
	return Reply{
		Text:    strings.TrimSpace(final.Text),
		Outcome: OutcomeAnswered,
		Actions: actionsFrom(invocations),
		Tools:   invocations,
	}
}

func (o *Orchestrator) generate(ctx context.Context, req llm.Request) (llm.Response, error) {
	callCtx, cancel := context.WithTimeout(ctx, o.timeout)
	defer cancel()
	resp, err := o.model.Generate(callCtx, req)
	if err != nil {
		return llm.Response{}, fmt.Errorf("%w: %w", ErrModelFailure, err)
	}
	return resp, nil
}

// executeTools runs the calls of one round concurrently and keeps their order.
func (o *Orchestrator) executeTools(ctx context.Context, s tools.Session, calls []llm.ToolCall) []tools.Invocation {
	out := make([]tools.Invocation, len(calls))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(maxParallelTools)
	for i, call := range calls {
		g.Go(func() error {
			out[i] = o.tools.Execute(gctx, s, call)
			return nil
		})
	}
	_ = g.Wait()
	return out
}

func (o *Orchestrator) apology(req Request, err error) Reply {
	o.logger.Error("model call failed",
		slog.String("identity_id", req.Identity.ID),
		slog.String("channel", req.Message.Channel.String()),
		slog.Any("error", err))
	return Reply{Text: ApologyText, Outcome: OutcomeApology, Err: err}
}

// persist appends the user turn and, for real answers, the assistant turn.
// Apologies are not stored so they never reach later model context.
func (o *Orchestrator) persist(ctx context.Context, identityID string, ct channel.ChannelType, userText string, reply Reply) {
	if o.turns == nil || identityID == "" {
		return
	}
	now := o.now()
	if strings.TrimSpace(userText) != "" {
		if _, err := o.turns.AppendTurn(ctx, identityID, identity.Turn{
			Role: identity.RoleUser, Content: userText, Channel: ct, Timestamp: now,
		}); err != nil {
			o.logger.Error("persist user turn failed", slog.String("identity_id", identityID), slog.Any("error", err))
		}
	}
	if reply.Outcome == OutcomeAnswered {
		if _, err := o.turns.AppendTurn(ctx, identityID, identity.Turn{
			Role: identity.RoleAssistant, Content: reply.Text, Channel: ct, Timestamp: now.Add(time.Millisecond),
		}); err != nil {
			o.logger.Error("persist assistant turn failed", slog.String("identity_id", identityID), slog.Any("error", err))
		}
	}
	if err := o.turns.Touch(ctx, identityID, now); err != nil {
		o.logger.Error("touch identity failed", slog.String("identity_id", identityID), slog.Any("error", err))
	}
}

// scoreAsync scores the message and syncs the CRM without blocking the reply.
func (o *Orchestrator) scoreAsync(ctx context.Context, req Request, text string) {
	if o.turns == nil || req.Identity.ID == "" {
		return
	}
	bg, cancel := context.WithTimeout(context.WithoutCancel(ctx), backgroundTimeout)
	o.background.Add(1)
	go func() {
		defer o.background.Done()
		defer cancel()
		if err := o.score(bg, req, text); err != nil {
			o.logger.Warn("lead scoring failed",
				slog.String("identity_id", req.Identity.ID),
				slog.Any("error", err))
		}
	}()
}

func (o *Orchestrator) score(ctx context.Context, req Request, text string) error {
	ident := req.Identity
	phone := ident.PrimaryPhone
	if phone == "" && req.Message.Channel.PhoneAddressed() {
		phone = req.Message.SenderID
	}
	res, state := scoring.Score(
		scoring.Lead{Treatment: ident.Treatment, Phone: phone},
		scoring.Message{Text: text, HasMedia: req.Message.HasMedia()},
		scoring.State{ReferralApplied: ident.ReferralApplied},
	)
	if err := o.turns.UpdateScore(ctx, ident.ID, identity.ScoreUpdate{
		Score:           res.Score,
		Rank:            res.Rank,
		Treatment:       res.Treatment,
		ReferralApplied: state.ReferralApplied,
	}); err != nil {
		return fmt.Errorf("store score: %w", err)
	}
	if o.crm == nil {
		return nil
	}
	status := ident.Status
	if status == identity.StatusNew || status == "" {
		status = identity.StatusActive
	}
	if err := o.crm.Sync(ctx, crm.Lead{
		TenantID:   req.TenantID,
		IdentityID: ident.ID,
		Channel:    req.Message.Channel.String(),
		Status:     status,
		Result:     res,
	}); err != nil {
		return fmt.Errorf("crm sync: %w", err)
	}
	return nil
}

// Wait blocks until background scoring has finished.
func (o *Orchestrator) Wait() {
	o.background.Wait()
}

func modelText(msg channel.NormalizedMessage, text string) string {
	if !msg.HasMedia() {
		return text
	}
	note := "[The customer attached a file"
	if msg.MediaType != "" {
		note += " (" + msg.MediaType + ")"
	}
	note += "]"
	if strings.TrimSpace(text) == "" {
		return note
	}
	return text + "\n" + note
}

func actionsFrom(invocations []tools.Invocation) []channel.Action {
	var actions []channel.Action
	for _, inv := range invocations {
		if !inv.Result.OK {
			continue
		}
		if link, ok := inv.Result.Data.(tools.PaymentLink); ok && link.URL != "" {
			actions = append(actions, channel.Action{Type: "payment", Label: "Pay securely", URL: link.URL})
		}
	}
	return actions
}
