package security

import (
	"math/big"
	"regexp"
	"strings"
)

// PII kinds used in redaction tokens.
const (
	KindNationalID = "NATIONAL_ID"
	KindIBAN       = "IBAN"
	KindCard       = "CARD"
	KindPassport   = "PASSPORT"
)

var (
	ibanPattern     = regexp.MustCompile(`(?i)\b[A-Z]{2}\d{2}(?:[ ]?[A-Z0-9]{4}){2,7}(?:[ ]?[A-Z0-9]{1,3})?\b`)
	digitRunPattern = regexp.MustCompile(`\d+(?:[ -]\d+)*`)
	tcknPattern     = regexp.MustCompile(`\b[1-9]\d{10}\b`)
	passportPattern = regexp.MustCompile(`(?i)\b(?:passport|pasaport)(?:\s*(?:no|number|numarasi|numarası))?\s*[:#.]?\s*([A-Z]{0,2}\d{6,9})\b|\b[A-Z]\d{8}\b`)
)

func redactionToken(kind string) string {
	return "[REDACTED:" + kind + "]"
}

// RedactPII masks national id numbers, IBANs, payment cards and passport
// numbers. Tokens carry no digits, so applying it twice is a no-op.
// National ids are masked before cards so an id followed by another number
// is not read as one long card number.
func RedactPII(text string) string {
	if text == "" {
		return text
	}
	out := ibanPattern.ReplaceAllStringFunc(text, redactIBAN)
	out = tcknPattern.ReplaceAllStringFunc(out, func(m string) string {
		if validTCKN(m) {
			return redactionToken(KindNationalID)
		}
		return m
	})
	out = digitRunPattern.ReplaceAllStringFunc(out, redactCards)
	out = passportPattern.ReplaceAllStringFunc(out, func(m string) string {
		sub := passportPattern.FindStringSubmatch(m)
		if len(sub) > 1 && sub[1] != "" {
			return strings.Replace(m, sub[1], redactionToken(KindPassport), 1)
		}
		return redactionToken(KindPassport)
	})
	return out
}

// redactIBAN masks the longest prefix of m that is a valid IBAN, leaving any
// trailing characters the pattern swallowed.
func redactIBAN(m string) string {
	for end := len(m); end >= 15; end-- {
		if m[end-1] == ' ' {
			continue
		}
		if validIBAN(m[:end]) {
			return redactionToken(KindIBAN) + m[end:]
		}
	}
	return m
}

type digitGroup struct {
	start, end int
}

// redactCards scans a run of digit groups separated by single spaces or
// dashes. Windows of consecutive whole groups holding 13 to 19 digits are
// Luhn-checked, and the shortest passing window from each start is masked.
func redactCards(run string) string {
	var groups []digitGroup
	for i := 0; i < len(run); {
		if run[i] < '0' || run[i] > '9' {
			i++
			continue
		}
		j := i
		for j < len(run) && run[j] >= '0' && run[j] <= '9' {
			j++
		}
		groups = append(groups, digitGroup{start: i, end: j})
		i = j
	}

	var b strings.Builder
	last := 0
	for s := 0; s < len(groups); s++ {
		count := 0
		for e := s; e < len(groups); e++ {
			count += groups[e].end - groups[e].start
			if count > 19 {
				break
			}
			if count < 13 || !validLuhn(digitsOf(run[groups[s].start:groups[e].end])) {
				continue
			}
			b.WriteString(run[last:groups[s].start])
			b.WriteString(redactionToken(KindCard))
			last = groups[e].end
			s = e
			break
		}
	}
	if last == 0 {
		return run
	}
	b.WriteString(run[last:])
	return b.String()
}

func digitsOf(value string) string {
	var b strings.Builder
	for _, r := range value {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	return b.String()
}

// validTCKN checks the two check digits of a Turkish national id number.
func validTCKN(value string) bool {
	if len(value) != 11 || value[0] == '0' {
		return false
	}
	d := make([]int, 11)
	for i, r := range value {
		if r < '0' || r > '9' {
			return false
		}
		d[i] = int(r - '0')
	}
	odd := d[0] + d[2] + d[4] + d[6] + d[8]
	even := d[1] + d[3] + d[5] + d[7]
	tenth := ((odd*7-even)%10 + 10) % 10
	if tenth != d[9] {
		return false
	}
	sum := 0
	for _, v := range d[:10] {
		sum += v
	}
	return sum%10 == d[10]
}

func validLuhn(digits string) bool {
	if len(digits) < 13 || len(digits) > 19 {
		return false
	}
	sum := 0
	double := false
	for i := len(digits) - 1; i >= 0; i-- {
		n := int(digits[i] - '0')
		if double {
			n *= 2
			if n > 9 {
				n -= 9
			}
		}
		sum += n
		double = !double
	}
	return sum%10 == 0
}

// validIBAN applies the ISO 13616 mod-97 check.
func validIBAN(value string) bool {
	compact := strings.ToUpper(strings.ReplaceAll(value, " ", ""))
	if len(compact) < 15 || len(compact) > 34 {
		return false
	}
	rearranged := compact[4:] + compact[:4]
	var b strings.Builder
	for _, r := range rearranged {
		switch {
		case r >= '0' && r <= '9':
			b.WriteRune(r)
		case r >= 'A' && r <= 'Z':
			b.WriteString(big.NewInt(int64(r-'A'+10)).String())
		default:
			return false
		}
	}
	n, ok := new(big.Int).SetString(b.String(), 10)
	if !ok {
		return false
	}
	return new(big.Int).Mod(n, big.NewInt(97)).Int64() == 1
}
