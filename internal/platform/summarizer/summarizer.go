// Package summarizer condenses free-text clinical notes. Input is always
// stripped of markup before it reaches a model.
package summarizer

import (
	"context"
	"errors"
	"html"
	"regexp"
	"sort"
	"strings"

	"github.com/microcosm-cc/bluemonday"
)

// MaxInputChars bounds the text accepted for a single summary.
const MaxInputChars = 20000

var (
	ErrEmptyInput    = errors.New("nothing to summarize")
	ErrInputTooLarge = errors.New("clinical text too large to summarize")
)

// Summary is the result of summarizing a note.
type Summary struct {
	Text  string `json:"summary"`
	Model string `json:"model"`
}

// Summarizer turns sanitised clinical text into a short summary.
type Summarizer interface {
	Summarize(ctx context.Context, text string) (Summary, error)
}

var (
	policy     = bluemonday.StrictPolicy()
	whitespace = regexp.MustCompile(`\s+`)
)

// Sanitize removes all HTML from text, decodes entities and collapses
// whitespace. It returns ErrEmptyInput when nothing readable remains.
func Sanitize(text string) (string, error) {
	clean := html.UnescapeString(policy.Sanitize(text))
	clean = strings.TrimSpace(whitespace.ReplaceAllString(clean, " "))
	if clean == "" {
		return "", ErrEmptyInput
	}
	if len(clean) > MaxInputChars {
		return "", ErrInputTooLarge
	}
	return clean, nil
}

// Extractive picks the highest scoring sentences by word frequency and
// returns them in their original order. It needs no network access.
type Extractive struct {
	MaxSentences int
}

func NewExtractive(maxSentences int) *Extractive {
	if maxSentences <= 0 {
		maxSentences = 3
	}
	return &Extractive{MaxSentences: maxSentences}
}

var (
	sentenceEnd = regexp.MustCompile(`[^.!?]+[.!?]*`)
	wordRe      = regexp.MustCompile(`[a-z][a-z0-9\-]+`)
)

var stopWords = map[string]bool{
	"the": true, "and": true, "for": true, "with": true, "was": true, "were": true,
	"are": true, "has": true, "have": true, "had": true, "this": true, "that": true,
	"from": true, "but": true, "not": true, "all": true, "any": true, "his": true,
	"her": true, "its": true, "she": true, "him": true, "they": true, "them": true,
	"been": true, "will": true, "would": true, "should": true, "there": true,
	"which": true, "into": true, "also": true, "than": true, "then": true,
	"patient": true, "pt": true,
}

func splitSentences(text string) []string {
	raw := sentenceEnd.FindAllString(text, -1)
	out := make([]string, 0, len(raw))
	for _, s := range raw {
		if s = strings.TrimSpace(s); s != "" {
			out = append(out, s)
		}
	}
	return out
}

func (e *Extractive) Summarize(ctx context.Context, text string) (Summary, error) {
	if err := ctx.Err(); err != nil {
		return Summary{}, err
	}
	clean, err := Sanitize(text)
	if err != nil {
		return Summary{}, err
	}

	sentences := splitSentences(clean)
	if len(sentences) <= e.MaxSentences {
		return Summary{Text: strings.Join(sentences, " "), Model: "extractive"}, nil
	}

	freq := map[string]int{}
	words := make([][]string, len(sentences))
	for i, s := range sentences {
		for _, w := range wordRe.FindAllString(strings.ToLower(s), -1) {
			if stopWords[w] {
				continue
			}
			freq[w]++
			words[i] = append(words[i], w)
		}
	}

	type scored struct {
		idx   int
		score float64
	}
	scores := make([]scored, len(sentences))
	for i, ws := range words {
		var total int
		for _, w := range ws {
			total += freq[w]
		}
		s := 0.0
		if len(ws) > 0 {
			s = float64(total) / float64(len(ws))
		}
		scores[i] = scored{idx: i, score: s}
	}
	sort.SliceStable(scores, func(a, b int) bool { return scores[a].score > scores[b].score })

	picked := scores[:e.MaxSentences]
	sort.Slice(picked, func(a, b int) bool { return picked[a].idx < picked[b].idx })

	parts := make([]string, len(picked))
	for i, p := range picked {
		parts[i] = sentences[p.idx]
	}
	return Summary{Text: strings.Join(parts, " "), Model: "extractive"}, nil
}
