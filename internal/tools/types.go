// Package tools is the closed set of business tools the model may call. Each
// tool id is bound to a typed handler whose arguments are validated before it runs.
package tools

import (
	"encoding/json"
	"errors"
	"strings"

	"github.com/memohai/omnicore/internal/channel"
)

type ID string

const (
	CreatePaymentLink   ID = "create_payment_link"
	BookAppointment     ID = "book_appointment"
	RequestHumanHandoff ID = "request_human_handoff"
)

// Known lists every tool id the registry accepts.
var Known = []ID{CreatePaymentLink, BookAppointment, RequestHumanHandoff}

func (id ID) Valid() bool {
	for _, known := range Known {
		if id == known {
			return true
		}
	}
	return false
}

var (
	ErrUnknownTool      = errors.New("unknown tool")
	ErrInvalidArguments = errors.New("invalid tool arguments")
)

// Session carries the request-scoped identity a tool acts for.
type Session struct {
	TenantID   string
	IdentityID string
	Channel    channel.ChannelType
}

// Result is what the model sees after a tool runs.
type Result struct {
	OK    bool   `json:"ok"`
	Data  any    `json:"data,omitempty"`
	Error string `json:"error,omitempty"`
}

func SuccessResult(data any) Result {
	return Result{OK: true, Data: data}
}

// ErrorResult builds a structured failure instead of an error.
func ErrorResult(message string) Result {
	msg := strings.TrimSpace(message)
	if msg == "" {
		msg = "tool execution failed"
	}
	return Result{OK: false, Error: msg}
}

// JSON renders the result for the model. It never fails.
func (r Result) JSON() string {
	payload, err := json.Marshal(r)
	if err != nil {
		return `{"ok":false,"error":"unserializable tool result"}`
	}
	return string(payload)
}

// Invocation is one executed tool call. It is ephemeral and only audited.
type Invocation struct {
	CallID    string          `json:"call_id,omitempty"`
	Tool      ID              `json:"tool"`
	Arguments json.RawMessage `json:"arguments"`
	Result    Result          `json:"result"`
}
