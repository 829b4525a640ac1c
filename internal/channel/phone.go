package channel

import "strings"

// NormalizePhone canonicalizes a phone-like external id to E.164 form.
// Channel prefixes such as "whatsapp:" and formatting characters are removed.
// It returns "" when the value does not look like a phone number.
func NormalizePhone(raw string) string {
	value := strings.TrimSpace(raw)
	if i := strings.IndexByte(value, ':'); i >= 0 {
		value = value[i+1:]
	}
	var b strings.Builder
	for i, r := range value {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '+' && i == 0:
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '(' || r == ')' || r == '.':
		default:
			return ""
		}
	}
	out := b.String()
	if strings.HasPrefix(out, "00") {
		out = "+" + out[2:]
	}
	if !strings.HasPrefix(out, "+") {
		out = "+" + out
	}
	digits := len(out) - 1
	if digits < 8 || digits > 15 {
		return ""
	}
	return out
}
