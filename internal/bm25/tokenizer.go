package bm25

import (
	"strings"
	"unicode"
)

// TokenizerVersion is stamped into persisted index files. Bump it whenever
// tokenization changes so stale indexes are rebuilt instead of silently
// returning wrong scores.
const TokenizerVersion = 2

// cjkRatioThreshold decides per-text language detection.
const cjkRatioThreshold = 0.3

var enStopwords = map[string]struct{}{
	"a": {}, "an": {}, "and": {}, "are": {}, "as": {}, "at": {}, "be": {},
	"by": {}, "for": {}, "from": {}, "has": {}, "he": {}, "in": {}, "is": {},
	"it": {}, "its": {}, "of": {}, "on": {}, "or": {}, "that": {}, "the": {},
	"to": {}, "was": {}, "were": {}, "will": {}, "with": {},
}

func isCJK(r rune) bool {
	return unicode.Is(unicode.Han, r)
}

// detectLanguage returns "zh" when the CJK character ratio exceeds the
// threshold, else "en".
func detectLanguage(text string) string {
	var cjk, letters int
	for _, r := range text {
		if unicode.IsSpace(r) || unicode.IsPunct(r) {
			continue
		}
		letters++
		if isCJK(r) {
			cjk++
		}
	}
	if letters > 0 && float64(cjk)/float64(letters) > cjkRatioThreshold {
		return "zh"
	}
	return "en"
}

// Tokenize splits text into scoring tokens. English text is lowercased,
// word-segmented and stopword-filtered. Chinese text emits each CJK
// character plus consecutive-character bigrams; embedded latin runs are
// tokenized as English words.
func Tokenize(text string) []string {
	if detectLanguage(text) == "zh" {
		return tokenizeZH(text)
	}
	return tokenizeEN(text)
}

func tokenizeEN(text string) []string {
	var tokens []string
	var word strings.Builder
	flush := func() {
		if word.Len() == 0 {
			return
		}
		w := strings.ToLower(word.String())
		word.Reset()
		if _, stop := enStopwords[w]; !stop {
			tokens = append(tokens, w)
		}
	}
	for _, r := range text {
		if unicode.IsLetter(r) || unicode.IsDigit(r) {
			word.WriteRune(r)
		} else {
			flush()
		}
	}
	flush()
	return tokens
}

func tokenizeZH(text string) []string {
	var tokens []string
	var cjkRun []rune
	var word strings.Builder

	flushWord := func() {
		if word.Len() == 0 {
			return
		}
		w := strings.ToLower(word.String())
		word.Reset()
		if _, stop := enStopwords[w]; !stop {
			tokens = append(tokens, w)
		}
	}
	flushCJK := func() {
		for i, r := range cjkRun {
			tokens = append(tokens, string(r))
			if i+1 < len(cjkRun) {
				tokens = append(tokens, string(cjkRun[i])+string(cjkRun[i+1]))
			}
		}
		cjkRun = cjkRun[:0]
	}

	for _, r := range text {
		switch {
		case isCJK(r):
			flushWord()
			cjkRun = append(cjkRun, r)
		case unicode.IsLetter(r) || unicode.IsDigit(r):
			flushCJK()
			word.WriteRune(r)
		default:
			flushWord()
			flushCJK()
		}
	}
	flushWord()
	flushCJK()
	return tokens
}
