package email

import "errors"

type ProviderName string

// ErrPermanent marks provider rejections that retrying cannot fix, such as an
// invalid recipient. Providers wrap it; anything else is treated as transient.
var ErrPermanent = errors.New("permanent email failure")

type OutboundEmail struct {
	From    string   `json:"from"`
	To      []string `json:"to"`
	Subject string   `json:"subject"`
	Body    string   `json:"body"`
	HTML    bool     `json:"html,omitempty"`
}
