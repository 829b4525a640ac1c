// Package scoring computes the sales-intent score of a lead from its latest
// message. Score is pure: identical inputs give identical results.
package scoring

import (
	"strings"
	"unicode"
)

// Ranks.
const (
	RankS = "S"
	RankA = "A"
	RankB = "B"
	RankC = "C"
)

// Factor names used in reasons.
const (
	FactorTreatment   = "treatment"
	FactorPricing     = "pricing"
	FactorAppointment = "appointment"
	FactorUrgency     = "urgency"
	FactorDocuments   = "documents"
	FactorDecisive    = "decisive"
	FactorReferral    = "referral"
	FactorMarket      = "market"
)

type Lead struct {
	// Treatment is the key carried from earlier messages, if any.
	Treatment string
	Phone     string
	Referred  bool
}

type Message struct {
	Text     string
	HasMedia bool
}

// State is carried between scoring passes so one-time bonuses are counted once.
type State struct {
	ReferralApplied bool
}

type Reason struct {
	Factor string `json:"factor"`
	Points int    `json:"points"`
	Detail string `json:"detail,omitempty"`
}

type Result struct {
	Score     int      `json:"score"`
	Rank      string   `json:"rank"`
	Treatment string   `json:"treatment,omitempty"`
	Reasons   []Reason `json:"reasons"`
}

// Score evaluates the factors in a fixed order and clamps the sum to [0,100].
func Score(lead Lead, msg Message, prior State) (Result, State) {
	text := fold(msg.Text)
	next := prior
	res := Result{Treatment: lead.Treatment}

	if detected := detectFolded(text); detected != "" {
		res.Treatment = detected
	}
	base, ok := treatmentBase[res.Treatment]
	if !ok {
		base = UnknownTreatmentBase
	}
	res.add(FactorTreatment, base, res.Treatment)

	if containsAny(text, pricingPhrases) {
		res.add(FactorPricing, pointsPricing, "")
	}
	if containsAny(text, appointmentPhrases) {
		res.add(FactorAppointment, pointsAppointment, "")
	}
	if containsAny(text, urgencyPhrases) {
		res.add(FactorUrgency, pointsUrgency, "")
	}
	if msg.HasMedia || containsAny(text, documentPhrases) {
		res.add(FactorDocuments, pointsDocuments, "")
	}
	if containsAny(text, decisivePhrases) {
		res.add(FactorDecisive, pointsDecisive, "")
	}
	if !prior.ReferralApplied && (lead.Referred || containsAny(text, referralPhrases)) {
		res.add(FactorReferral, pointsReferral, "")
		next.ReferralApplied = true
	}
	if points, code := marketBonus(lead.Phone); points > 0 {
		res.add(FactorMarket, points, "+"+code)
	}

	switch {
	case res.Score > 100:
		res.Score = 100
	case res.Score < 0:
		res.Score = 0
	}
	res.Rank = RankFor(res.Score)
	return res, next
}

func (r *Result) add(factor string, points int, detail string) {
	r.Score += points
	r.Reasons = append(r.Reasons, Reason{Factor: factor, Points: points, Detail: detail})
}

// RankFor maps a score to its rank bucket.
func RankFor(score int) string {
	switch {
	case score >= 90:
		return RankS
	case score >= 70:
		return RankA
	case score >= 40:
		return RankB
	default:
		return RankC
	}
}

// DetectTreatment returns the treatment key named in text, or "".
func DetectTreatment(text string) string {
	return detectFolded(fold(text))
}

// TreatmentName returns the display name for a treatment key.
func TreatmentName(key string) string {
	if name, ok := treatmentNames[key]; ok {
		return name
	}
	return key
}

func detectFolded(text string) string {
	for _, entry := range treatmentSynonyms {
		if containsAny(text, entry.phrases) {
			return entry.treatment
		}
	}
	return ""
}

func marketBonus(phone string) (int, string) {
	digits := strings.TrimPrefix(strings.TrimSpace(phone), "+")
	if digits == "" {
		return 0, ""
	}
	// Longest calling code first so 353 is not read as 35.
	for n := 3; n >= 1; n-- {
		if len(digits) < n {
			continue
		}
		code := digits[:n]
		if contains(tierOneMarkets, code) {
			return pointsTierOne, code
		}
		if contains(tierTwoMarkets, code) {
			return pointsTierTwo, code
		}
	}
	return 0, ""
}

func contains(list []string, value string) bool {
	for _, item := range list {
		if item == value {
			return true
		}
	}
	return false
}

var turkishFold = strings.NewReplacer(
	"ı", "i", "İ", "i", "ş", "s", "Ş", "s", "ğ", "g", "Ğ", "g",
	"ü", "u", "Ü", "u", "ö", "o", "Ö", "o", "ç", "c", "Ç", "c",
)

// fold lower-cases, folds Turkish letters and turns punctuation into single
// spaces, padded so phrases can be matched at a word start.
func fold(text string) string {
	folded := strings.ToLower(turkishFold.Replace(text))
	fields := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	return " " + strings.Join(fields, " ") + " "
}

// containsAny matches phrases at a word start, so suffixed Turkish forms
// ("fiyatı", "randevusu") still count.
func containsAny(folded string, phrases []string) bool {
	for _, p := range phrases {
		if strings.Contains(folded, " "+p) {
			return true
		}
	}
	return false
}
