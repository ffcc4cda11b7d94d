// Package attribution aligns generated answers with the chunks that
// support them and compresses retrieved context into a token budget.
package attribution

import (
	"math"
	"regexp"
	"strings"

	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter counts tokens with the cl100k_base BPE when available and
// falls back to a character heuristic when the encoding cannot be loaded.
type TokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTokenCounter builds a counter. The BPE tables load lazily on first
// use; construction never fails.
func NewTokenCounter() *TokenCounter {
	enc, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return &TokenCounter{}
	}
	return &TokenCounter{enc: enc}
}

// Count returns the token count of text.
func (tc *TokenCounter) Count(text string) int {
	if tc.enc != nil {
		return len(tc.enc.Encode(text, nil, nil))
	}
	// CJK runs roughly 1.5 chars per token, latin roughly 4.
	var han, other int
	for _, r := range text {
		if r >= 0x4e00 && r <= 0x9fff {
			han++
		} else {
			other++
		}
	}
	return int(float64(han)/1.5 + float64(other)/4)
}

var sentenceEndings = map[rune]bool{
	'。': true, '！': true, '？': true,
	'.': true, '!': true, '?': true, '\n': true,
}

// splitSentences splits mixed Chinese and English text on sentence
// terminators, keeping the terminator with its sentence.
func splitSentences(text string) []string {
	var out []string
	var b strings.Builder
	for _, r := range text {
		b.WriteRune(r)
		if sentenceEndings[r] {
			if s := strings.TrimSpace(b.String()); s != "" {
				out = append(out, s)
			}
			b.Reset()
		}
	}
	if s := strings.TrimSpace(b.String()); s != "" {
		out = append(out, s)
	}
	return out
}

var wordPattern = regexp.MustCompile(`\p{Han}+|[a-zA-Z]+`)

func wordSet(text string) map[string]struct{} {
	out := make(map[string]struct{})
	for _, w := range wordPattern.FindAllString(strings.ToLower(text), -1) {
		out[w] = struct{}{}
	}
	return out
}

// keywordOverlap is the fraction of reference words present in text.
func keywordOverlap(reference map[string]struct{}, text string) float64 {
	if len(reference) == 0 {
		return 0
	}
	hits := 0
	for w := range wordSet(text) {
		if _, ok := reference[w]; ok {
			hits++
		}
	}
	return float64(hits) / float64(len(reference))
}

func cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
