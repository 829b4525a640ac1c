package assembler

import (
	"strings"

	"github.com/memohai/omnicore/internal/knowledge"
)

const (
	PricingGuardrail = "Do not quote a final price. Explain that the price depends on a clinical assessment, " +
		"offer a free consultation and ask whether the customer wants a coordinator to follow up."
	DiagnosisGuardrail = "Do not diagnose or recommend medication. Say that only a dentist can assess the case " +
		"after an examination and offer to hand the conversation over to the clinical team."
)

var (
	pricingIntent   = []string{"price", "cost", "how much", "quote", "fiyat", "ne kadar", "ucret", "kac para", "preis", "kosten"}
	diagnosisIntent = []string{
		"pain", "hurts", "swollen", "swelling", "bleeding", "infection", "abscess", "antibiotic", "painkiller",
		"agri", "agriyor", "sislik", "sisti", "kanama", "iltihap", "apse", "antibiyotik", "schmerz",
	}
)

// Guardrails returns the instructions triggered by the message text.
func Guardrails(text string) []string {
	folded := " " + strings.Join(knowledge.Tokens(text), " ") + " "
	var out []string
	if matchesAny(folded, pricingIntent) {
		out = append(out, PricingGuardrail)
	}
	if matchesAny(folded, diagnosisIntent) {
		out = append(out, DiagnosisGuardrail)
	}
	return out
}

// matchesAny matches phrases at word starts so "pain" hits "painful" but not "spain".
func matchesAny(folded string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(folded, " "+p) {
			return true
		}
	}
	return false
}
