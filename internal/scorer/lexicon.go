package scorer

import (
	"context"
	"strings"
	"unicode"
)

// defaultTerms is the built-in weighted lexicon. Single words are matched
// token-by-token with punctuation stripped; terms containing spaces are
// matched as whole phrases on word boundaries.
var defaultTerms = map[string]float64{
	"idiot":         0.65,
	"stupid":        0.62,
	"moron":         0.68,
	"loser":         0.60,
	"trash":         0.55,
	"pathetic":      0.58,
	"shut up":       0.66,
	"nobody likes you": 0.72,
	"kill yourself": 0.98,
	"go die":        0.95,
	"i hate you":    0.80,
}

// shoutScore is the heuristic score contribution for all-caps shouting.
const shoutScore = 0.15

// Lexicon scores text against a weighted term list. The score is the maximum
// weight among matched terms; clean text falls back to a small heuristic
// score so downstream consumers always see a value in [0,1].
type Lexicon struct {
	words   map[string]float64 // single-token terms
	phrases map[string]float64 // multi-word terms, matched on word boundaries
}

// NewLexicon creates a Lexicon with the built-in term weights.
func NewLexicon() *Lexicon {
	return NewLexiconWithTerms(defaultTerms)
}

// NewLexiconWithTerms creates a Lexicon from an explicit weight table,
// primarily for tests. Weights are clamped to [0,1].
func NewLexiconWithTerms(terms map[string]float64) *Lexicon {
	l := &Lexicon{
		words:   make(map[string]float64),
		phrases: make(map[string]float64),
	}
	for term, w := range terms {
		term = strings.ToLower(strings.TrimSpace(term))
		if term == "" {
			continue
		}
		if w < 0 {
			w = 0
		}
		if w > 1 {
			w = 1
		}
		if strings.ContainsRune(term, ' ') {
			l.phrases[term] = w
		} else {
			l.words[term] = w
		}
	}
	return l
}

// Score implements Scorer. It never returns an error; the signature matches
// the interface shared with remote scorers.
func (l *Lexicon) Score(_ context.Context, text string) (float64, error) {
	lower := strings.ToLower(text)
	score := 0.0

	for _, tok := range tokenize(lower) {
		if w, ok := l.words[tok]; ok && w > score {
			score = w
		}
	}

	for phrase, w := range l.phrases {
		if w > score && containsPhrase(lower, phrase) {
			score = w
		}
	}

	if score == 0 && isShouting(text) {
		score = shoutScore
	}
	return score, nil
}

// Warm implements Warmer. The lexicon has no model to load; a single scoring
// pass touches every code path so the first real message pays no setup cost.
func (l *Lexicon) Warm(ctx context.Context) error {
	_, err := l.Score(ctx, "warmup")
	return err
}

// tokenize splits lowered text into words, stripping surrounding punctuation
// so "badword!" matches the term "badword" while "mybadword" does not.
func tokenize(text string) []string {
	fields := strings.FieldsFunc(text, func(r rune) bool {
		return unicode.IsSpace(r)
	})
	toks := make([]string, 0, len(fields))
	for _, f := range fields {
		tok := strings.TrimFunc(f, func(r rune) bool {
			return !unicode.IsLetter(r) && !unicode.IsNumber(r)
		})
		if tok != "" {
			toks = append(toks, tok)
		}
	}
	return toks
}

// containsPhrase reports whether phrase occurs in text on word boundaries, so
// "kill yourself" does not match "kill yourselves".
func containsPhrase(text, phrase string) bool {
	idx := 0
	for {
		i := strings.Index(text[idx:], phrase)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(phrase)
		beforeOK := start == 0 || !isWordRune(rune(text[start-1]))
		afterOK := end == len(text) || !isWordRune(rune(text[end]))
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordRune(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsNumber(r)
}

// isShouting reports whether text is mostly upper-case letters, a weak
// aggression signal worth a small non-zero score.
func isShouting(text string) bool {
	letters, upper := 0, 0
	for _, r := range text {
		if unicode.IsLetter(r) {
			letters++
			if unicode.IsUpper(r) {
				upper++
			}
		}
	}
	return letters >= 8 && upper*10 >= letters*9
}
