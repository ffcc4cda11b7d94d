package rewrite

import (
	"regexp"
	"strings"
)

// The rule-based fallback used when the LLM path is unavailable: extract
// named entities from recent turns and substitute them for pronouns in the
// follow-up query.

var zhPronouns = map[string]string{
	"它们": "entities",
	"这个": "entity",
	"那个": "entity",
	"它":  "entity",
	"其":  "entity",
	"该":  "entity",
	"此":  "entity",
}

var enPronouns = map[string]string{
	"it":    "entity",
	"its":   "entity",
	"they":  "entities",
	"this":  "entity",
	"that":  "entity",
	"these": "entities",
	"those": "entities",
}

var entityPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[\x{4e00}-\x{9fff}]+(?:公司|集团|企业|银行|机构)`),
	regexp.MustCompile(`[\x{4e00}-\x{9fff}]+(?:手机|电脑|汽车|产品|服务)`),
	regexp.MustCompile(`[\x{4e00}-\x{9fff}]+(?:技术|框架|语言|算法)`),
	regexp.MustCompile(`[A-Z][a-zA-Z]+(?:Inc|Corp|Ltd|LLC)?`),
}

// extractEntities returns unique entities from text, in match order.
func extractEntities(text string) []string {
	var out []string
	seen := make(map[string]struct{})
	for _, p := range entityPatterns {
		for _, m := range p.FindAllString(text, -1) {
			if _, ok := seen[m]; !ok {
				seen[m] = struct{}{}
				out = append(out, m)
			}
		}
	}
	return out
}

// entitiesFromHistory collects entities from the most recent turns first.
func entitiesFromHistory(history []Turn, max int) []string {
	var out []string
	seen := make(map[string]struct{})
	for i := len(history) - 1; i >= 0 && len(out) < max; i-- {
		for _, e := range extractEntities(history[i].Content) {
			if _, ok := seen[e]; !ok {
				seen[e] = struct{}{}
				out = append(out, e)
				if len(out) == max {
					break
				}
			}
		}
	}
	return out
}

// detectedPronoun is one pronoun occurrence in the query.
type detectedPronoun struct {
	pronoun string
	kind    string // "entity" or "entities"
}

func detectPronouns(query string) []detectedPronoun {
	var found []detectedPronoun
	for pronoun, kind := range zhPronouns {
		if strings.Contains(query, pronoun) {
			found = append(found, detectedPronoun{pronoun, kind})
		}
	}
	lower := strings.ToLower(query)
	words := strings.FieldsFunc(lower, func(r rune) bool {
		return !('a' <= r && r <= 'z')
	})
	for _, w := range words {
		if kind, ok := enPronouns[w]; ok {
			found = append(found, detectedPronoun{w, kind})
		}
	}
	return found
}

// resolvePronouns substitutes history entities for pronouns. Confidence is
// damped per substitution (0.9 singular, 0.85 plural); a query with
// pronouns but no resolvable entities reports 0.5.
func resolvePronouns(query string, history []Turn) (string, float64) {
	pronouns := detectPronouns(query)
	if len(pronouns) == 0 {
		return query, 1.0
	}
	entities := entitiesFromHistory(history, 10)
	if len(entities) == 0 {
		return query, 0.5
	}

	rewritten := query
	confidence := 1.0
	for _, p := range pronouns {
		switch {
		case p.kind == "entity":
			rewritten = replacePronoun(rewritten, p.pronoun, entities[0])
			confidence *= 0.9
		case p.kind == "entities" && len(entities) > 1:
			joined := strings.Join(entities[:min(3, len(entities))], ", ")
			rewritten = replacePronoun(rewritten, p.pronoun, joined)
			confidence *= 0.85
		}
	}
	return rewritten, confidence
}

// replacePronoun substitutes the first occurrence, case-insensitively for
// latin pronouns.
func replacePronoun(text, pronoun, replacement string) string {
	if idx := strings.Index(text, pronoun); idx >= 0 {
		return text[:idx] + replacement + text[idx+len(pronoun):]
	}
	lower := strings.ToLower(text)
	if idx := strings.Index(lower, pronoun); idx >= 0 {
		return text[:idx] + replacement + text[idx+len(pronoun):]
	}
	return text
}
