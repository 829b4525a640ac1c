package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/memohai/omnicore/internal/audit"
	"github.com/memohai/omnicore/internal/llm"
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Tool is a bound tool: its declaration plus a type-erased caller.
type Tool struct {
	id          ID
	description string
	schema      map[string]any
	call        func(ctx context.Context, s Session, raw json.RawMessage) (any, error)
}

func (t Tool) ID() ID { return t.id }

// Spec is the declaration sent to the model.
func (t Tool) Spec() llm.ToolSpec {
	return llm.ToolSpec{Name: string(t.id), Description: t.description, Parameters: t.schema}
}

// Bind ties a tool id to a handler taking typed arguments. Arguments are
// decoded from JSON and checked with their `validate` tags first.
func Bind[A any](id ID, description string, schema map[string]any, handler func(ctx context.Context, s Session, args A) (any, error)) Tool {
	if schema == nil {
		schema = map[string]any{"type": "object", "properties": map[string]any{}}
	}
	return Tool{
		id:          id,
		description: description,
		schema:      schema,
		call: func(ctx context.Context, s Session, raw json.RawMessage) (any, error) {
			var args A
			if len(bytes.TrimSpace(raw)) > 0 {
				dec := json.NewDecoder(bytes.NewReader(raw))
				dec.DisallowUnknownFields()
				if err := dec.Decode(&args); err != nil {
					return nil, fmt.Errorf("%w: %v", ErrInvalidArguments, err)
				}
			}
			if err := validate.Struct(args); err != nil {
				return nil, fmt.Errorf("%w: %s", ErrInvalidArguments, describeValidation(err))
			}
			return handler(ctx, s, args)
		},
	}
}

func describeValidation(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) {
		return err.Error()
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fmt.Sprintf("%s failed %s", strings.ToLower(fe.Field()), fe.Tag()))
	}
	return strings.Join(parts, "; ")
}

// Registry holds the bound tools. Only ids in Known can be registered.
type Registry struct {
	logger *slog.Logger
	audit  audit.Recorder
	items  map[ID]Tool
}

func NewRegistry(log *slog.Logger, recorder audit.Recorder) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return &Registry{
		logger: log.With(slog.String("component", "tool_registry")),
		audit:  recorder,
		items:  map[ID]Tool{},
	}
}

func (r *Registry) Register(tool Tool) error {
	if !tool.id.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownTool, tool.id)
	}
	if tool.call == nil {
		return fmt.Errorf("tool %s has no handler", tool.id)
	}
	if _, exists := r.items[tool.id]; exists {
		return fmt.Errorf("tool already registered: %s", tool.id)
	}
	r.items[tool.id] = tool
	return nil
}

func (r *Registry) Lookup(id ID) (Tool, bool) {
	tool, ok := r.items[ID(strings.TrimSpace(string(id)))]
	return tool, ok
}

// Specs returns the declarations sorted by name.
func (r *Registry) Specs() []llm.ToolSpec {
	ids := make([]string, 0, len(r.items))
	for id := range r.items {
		ids = append(ids, string(id))
	}
	sort.Strings(ids)
	specs := make([]llm.ToolSpec, 0, len(ids))
	for _, id := range ids {
		specs = append(specs, r.items[ID(id)].Spec())
	}
	return specs
}

// Execute runs one model tool call. Unknown tools, bad arguments, handler
// errors and panics all come back as an error Result.
func (r *Registry) Execute(ctx context.Context, s Session, call llm.ToolCall) (inv Invocation) {
	inv = Invocation{CallID: call.ID, Tool: ID(call.Name), Arguments: call.Arguments}
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool panicked", slog.String("tool", call.Name), slog.Any("panic", rec))
			inv.Result = ErrorResult("tool execution failed")
		}
		r.record(ctx, s, inv)
	}()

	tool, ok := r.Lookup(ID(call.Name))
	if !ok {
		inv.Result = ErrorResult(fmt.Sprintf("%s: %s", ErrUnknownTool, call.Name))
		return inv
	}
	data, err := tool.call(ctx, s, call.Arguments)
	if err != nil {
		r.logger.Warn("tool failed", slog.String("tool", call.Name), slog.Any("error", err))
		if errors.Is(err, ErrInvalidArguments) {
			inv.Result = ErrorResult(err.Error())
		} else {
			inv.Result = ErrorResult("tool execution failed")
		}
		return inv
	}
	inv.Result = SuccessResult(data)
	return inv
}

func (r *Registry) record(ctx context.Context, s Session, inv Invocation) {
	if r.audit == nil {
		return
	}
	detail := "ok"
	if !inv.Result.OK {
		detail = inv.Result.Error
	}
	if len([]rune(detail)) > 160 {
		detail = string([]rune(detail)[:160])
	}
	err := r.audit.Append(ctx, audit.Entry{
		Action:         "tool." + string(inv.Tool),
		ActorID:        s.IdentityID,
		Resource:       "tenant:" + s.TenantID,
		Detail:         detail,
		ClearanceLevel: audit.ClearanceInternal,
	})
	if err != nil {
		r.logger.Warn("audit tool invocation failed", slog.Any("error", err))
	}
}
