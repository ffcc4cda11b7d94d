package attribution

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/knowledgecore/retrieval/internal/degradation"
	"github.com/knowledgecore/retrieval/internal/retrieval"
)

// Citation styles.
const (
	StyleStandard = "standard"
	StyleAcademic = "academic"
	StyleMarkdown = "markdown"
)

// relevanceFloor is the minimum relevance for a hit to contribute to the
// overall confidence.
const relevanceFloor = 0.4

// SourceReference ties one retrieval hit to the answer it supports.
type SourceReference struct {
	DocID     string   `json:"doc_id"`
	ChunkID   string   `json:"chunk_id"`
	KBID      string   `json:"kb_id"`
	Content   string   `json:"content"`
	Score     float64  `json:"score"`
	Relevance float64  `json:"relevance"`
	Quote     string   `json:"quote"`
	Page      *int     `json:"page,omitempty"`
	Section   *string  `json:"section,omitempty"`
	DocName   string   `json:"doc_name,omitempty"`
}

// Citation renders the reference in the requested style.
func (s SourceReference) Citation(style string) string {
	name := s.DocName
	if name == "" {
		name = s.DocID
	}
	switch style {
	case StyleAcademic:
		return fmt.Sprintf("[%s]", name)
	case StyleMarkdown:
		return fmt.Sprintf("[%s](doc://%s)", name, s.DocID)
	default:
		parts := []string{name}
		if s.Page != nil {
			parts = append(parts, fmt.Sprintf("p. %d", *s.Page))
		}
		if s.Section != nil && *s.Section != "" {
			parts = append(parts, fmt.Sprintf("%q", *s.Section))
		}
		return strings.Join(parts, " - ")
	}
}

// Result is the outcome of attributing an answer to its sources.
type Result struct {
	Sources    []SourceReference `json:"sources"`
	Confidence float64           `json:"confidence"`
	Degraded   bool              `json:"degraded"`
}

// Embedder batch-embeds texts for similarity scoring.
type Embedder interface {
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
}

// Attributor scores hits against a generated answer. Embedding failures
// degrade silently to score-based relevance.
type Attributor struct {
	embed   Embedder
	degrade *degradation.Manager
	logger  *zap.Logger
}

// NewAttributor builds the attributor.
func NewAttributor(embed Embedder, degrade *degradation.Manager, logger *zap.Logger) *Attributor {
	return &Attributor{embed: embed, degrade: degrade, logger: logger}
}

// Attribute assigns each hit a relevance in [0,1] against the answer and
// derives per-hit quotes and an overall confidence.
func (a *Attributor) Attribute(ctx context.Context, answer string, hits []retrieval.SearchHit) *Result {
	if len(hits) == 0 {
		return &Result{Sources: []SourceReference{}}
	}

	answerWords := wordSet(answer)
	sources := make([]SourceReference, len(hits))
	for i, h := range hits {
		sources[i] = SourceReference{
			DocID:   h.DocID,
			ChunkID: h.ChunkID,
			KBID:    h.KBID,
			Content: h.Content,
			Score:   h.Score,
			Quote:   bestQuote(answerWords, h.Content),
			Page:    h.Page,
			Section: h.Section,
		}
	}

	relevances, degraded := a.relevances(ctx, answer, hits)
	var sum float64
	var above int
	for i := range sources {
		sources[i].Relevance = relevances[i]
		if relevances[i] > relevanceFloor {
			sum += relevances[i]
			above++
		}
	}

	res := &Result{Sources: sources, Degraded: degraded}
	if degraded {
		// Confidence is meaningless without semantic relevance.
		res.Confidence = 0
		return res
	}
	if above > 0 {
		res.Confidence = sum / float64(above)
	}
	return res
}

// relevances scores each hit by the best cosine similarity between any
// answer sentence and the hit content. When the embedding path is down
// the hit's retrieval score stands in.
func (a *Attributor) relevances(ctx context.Context, answer string, hits []retrieval.SearchHit) ([]float64, bool) {
	fallback := func() []float64 {
		out := make([]float64, len(hits))
		for i, h := range hits {
			out[i] = clamp01(h.Score)
		}
		return out
	}

	if a.embed == nil || !a.degrade.DenseAvailable() {
		return fallback(), true
	}

	sentences := splitSentences(answer)
	if len(sentences) == 0 {
		return fallback(), true
	}
	texts := make([]string, 0, len(sentences)+len(hits))
	texts = append(texts, sentences...)
	for _, h := range hits {
		texts = append(texts, h.Content)
	}

	vecs, err := a.embed.EmbedBatch(ctx, texts)
	if err != nil || len(vecs) != len(texts) {
		a.logger.Debug("Attribution embedding failed, using retrieval scores", zap.Error(err))
		return fallback(), true
	}

	sentVecs := vecs[:len(sentences)]
	hitVecs := vecs[len(sentences):]
	out := make([]float64, len(hits))
	for i, hv := range hitVecs {
		best := 0.0
		for _, sv := range sentVecs {
			if c := cosine(sv, hv); c > best {
				best = c
			}
		}
		out[i] = clamp01(best)
	}
	return out, false
}

// bestQuote picks the sentence of content with the highest token overlap
// against the answer.
func bestQuote(answerWords map[string]struct{}, content string) string {
	sentences := splitSentences(content)
	if len(sentences) == 0 {
		return ""
	}
	best := sentences[0]
	bestScore := -1.0
	for _, s := range sentences {
		if score := keywordOverlap(answerWords, s); score > bestScore {
			best, bestScore = s, score
		}
	}
	return best
}

// Bibliography renders a numbered reference list, one entry per document.
func Bibliography(sources []SourceReference, style string) string {
	if len(sources) == 0 {
		return ""
	}
	seen := make(map[string]bool)
	var lines []string
	n := 0
	for _, s := range sources {
		if seen[s.DocID] {
			continue
		}
		seen[s.DocID] = true
		n++
		lines = append(lines, fmt.Sprintf("[%d] %s", n, s.Citation(style)))
	}
	return strings.Join(lines, "\n")
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}
