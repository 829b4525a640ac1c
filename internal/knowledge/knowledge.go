// Package knowledge retrieves tenant-authored snippets (treatment notes,
// pricing policy, aftercare) for the model context.
package knowledge

import (
	"context"
	"sort"
	"strings"
	"unicode"
)

type Entry struct {
	ID       string   `json:"id"`
	TenantID string   `json:"tenant_id"`
	Term     string   `json:"term"`
	Keywords []string `json:"keywords,omitempty"`
	Content  string   `json:"content"`
}

type Snippet struct {
	ID      string  `json:"id"`
	Term    string  `json:"term"`
	Content string  `json:"content"`
	Score   float64 `json:"score"`
	// Exact is true when the entry's term appears verbatim in the query.
	Exact bool `json:"exact"`
}

// Store looks up snippets for a message.
type Store interface {
	Lookup(ctx context.Context, tenantID, text string, limit int) ([]Snippet, error)
}

var turkishFold = strings.NewReplacer(
	"ı", "i", "İ", "i", "ş", "s", "Ş", "s", "ğ", "g", "Ğ", "g",
	"ü", "u", "Ü", "u", "ö", "o", "Ö", "o", "ç", "c", "Ç", "c",
)

// Tokens splits text into folded lower-case words of two or more characters.
func Tokens(text string) []string {
	folded := strings.ToLower(turkishFold.Replace(text))
	fields := strings.FieldsFunc(folded, func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
	out := fields[:0]
	for _, f := range fields {
		if len([]rune(f)) >= 2 {
			out = append(out, f)
		}
	}
	return out
}

func phrase(text string) string {
	return " " + strings.Join(Tokens(text), " ") + " "
}

// Rank orders entries for a query: exact term matches first, then keyword
// overlap. Entries with neither are dropped.
func Rank(text string, entries []Entry, limit int) []Snippet {
	query := phrase(text)
	words := map[string]bool{}
	for _, tok := range Tokens(text) {
		words[tok] = true
	}
	out := make([]Snippet, 0, len(entries))
	for _, e := range entries {
		term := strings.TrimSpace(phrase(e.Term))
		if term != "" && strings.Contains(query, " "+term+" ") {
			// Longer terms are more specific.
			score := float64(len(Tokens(e.Term)))
			out = append(out, Snippet{ID: e.ID, Term: e.Term, Content: e.Content, Score: score, Exact: true})
			continue
		}
		keywords := map[string]bool{}
		for _, k := range append(Tokens(e.Term), keywordTokens(e.Keywords)...) {
			keywords[k] = true
		}
		if len(keywords) == 0 {
			continue
		}
		hits := 0
		for k := range keywords {
			if words[k] {
				hits++
			}
		}
		if hits == 0 {
			continue
		}
		out = append(out, Snippet{ID: e.ID, Term: e.Term, Content: e.Content, Score: float64(hits) / float64(len(keywords))})
	}
	sort.SliceStable(out, func(i, j int) bool {
		if out[i].Exact != out[j].Exact {
			return out[i].Exact
		}
		return out[i].Score > out[j].Score
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}

func keywordTokens(keywords []string) []string {
	var out []string
	for _, k := range keywords {
		out = append(out, Tokens(k)...)
	}
	return out
}
