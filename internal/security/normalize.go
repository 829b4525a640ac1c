package security

import (
	"strings"
	"unicode"
)

var zeroWidth = map[rune]bool{
	'\u200b': true,
	'\u200c': true,
	'\u200d': true,
	'\u2060': true,
	'\ufeff': true,
	'\u00ad': true,
}

var asciiFold = map[rune]rune{
	'ı': 'i', 'İ': 'i', 'I': 'i',
	'ş': 's', 'Ş': 's',
	'ğ': 'g', 'Ğ': 'g',
	'ü': 'u', 'Ü': 'u',
	'ö': 'o', 'Ö': 'o',
	'ç': 'c', 'Ç': 'c',
	'â': 'a', 'î': 'i', 'û': 'u',
}

// normalizeForMatch folds case and Turkish letters to ASCII, strips zero-width
// characters and collapses whitespace so patterns can be written once.
func normalizeForMatch(text string) string {
	var b strings.Builder
	b.Grow(len(text))
	space := false
	for _, r := range text {
		if zeroWidth[r] {
			continue
		}
		if unicode.IsSpace(r) {
			space = b.Len() > 0
			continue
		}
		if space {
			b.WriteByte(' ')
			space = false
		}
		if folded, ok := asciiFold[r]; ok {
			b.WriteRune(folded)
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

func truncateRunes(value string, limit int) string {
	runes := []rune(value)
	if len(runes) <= limit {
		return value
	}
	return string(runes[:limit])
}
