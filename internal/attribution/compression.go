package attribution

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/knowledgecore/retrieval/internal/retrieval"
)

const (
	// sentenceKeepThreshold is the minimum blended relevance for a
	// sentence to survive compression.
	sentenceKeepThreshold = 0.35
	keywordWeight         = 0.4
	semanticWeight        = 0.6
)

// Excerpt is one hit's compressed content.
type Excerpt struct {
	ChunkID string  `json:"chunk_id"`
	DocID   string  `json:"doc_id"`
	Content string  `json:"content"`
	Tokens  int     `json:"tokens"`
	Score   float64 `json:"score"`
}

// CompressionResult reports the compressed excerpts and the token
// accounting before and after.
type CompressionResult struct {
	Excerpts         []Excerpt `json:"excerpts"`
	OriginalTokens   int       `json:"original_tokens"`
	CompressedTokens int       `json:"compressed_tokens"`
	Degraded         bool      `json:"degraded"`
}

// Compressor reduces retrieved context to a token budget by extractive
// sentence selection. When embeddings are unavailable it falls back to
// plain truncation.
type Compressor struct {
	embed   Embedder
	counter *TokenCounter
	logger  *zap.Logger
}

// NewCompressor builds the compressor.
func NewCompressor(embed Embedder, counter *TokenCounter, logger *zap.Logger) *Compressor {
	return &Compressor{embed: embed, counter: counter, logger: logger}
}

// Compress takes hits in descending score order and packs compressed
// excerpts into maxTokens. Each hit gets at most maxTokens/k tokens where
// k is the hit count; packing stops before the budget would be exceeded.
func (c *Compressor) Compress(ctx context.Context, query string, hits []retrieval.SearchHit, maxTokens int) *CompressionResult {
	res := &CompressionResult{Excerpts: []Excerpt{}}
	if len(hits) == 0 || maxTokens <= 0 {
		return res
	}

	perHit := maxTokens / len(hits)
	if perHit < 1 {
		perHit = 1
	}
	for _, h := range hits {
		res.OriginalTokens += c.counter.Count(h.Content)
	}

	scores, degraded := c.sentenceScores(ctx, query, hits)
	res.Degraded = degraded

	queryWords := wordSet(query)
	total := 0
	for i, h := range hits {
		var excerpt string
		if degraded {
			excerpt = c.truncate(h.Content, perHit)
		} else {
			excerpt = c.extract(queryWords, h.Content, scores[i], perHit)
		}
		if excerpt == "" {
			continue
		}
		tokens := c.counter.Count(excerpt)
		if total+tokens > maxTokens {
			break
		}
		total += tokens
		res.Excerpts = append(res.Excerpts, Excerpt{
			ChunkID: h.ChunkID,
			DocID:   h.DocID,
			Content: excerpt,
			Tokens:  tokens,
			Score:   h.Score,
		})
	}
	res.CompressedTokens = total
	return res
}

// sentenceScores embeds the query and every hit sentence in one batch and
// returns per-hit semantic scores aligned with splitSentences output. The
// bool reports whether scoring degraded to keyword-only truncation.
func (c *Compressor) sentenceScores(ctx context.Context, query string, hits []retrieval.SearchHit) ([][]float64, bool) {
	if c.embed == nil {
		return nil, true
	}

	texts := []string{query}
	counts := make([]int, len(hits))
	for i, h := range hits {
		sentences := splitSentences(h.Content)
		counts[i] = len(sentences)
		texts = append(texts, sentences...)
	}
	if len(texts) == 1 {
		return nil, true
	}

	vecs, err := c.embed.EmbedBatch(ctx, texts)
	if err != nil || len(vecs) != len(texts) {
		c.logger.Debug("Compression embedding failed, truncating instead", zap.Error(err))
		return nil, true
	}

	queryVec := vecs[0]
	rest := vecs[1:]
	out := make([][]float64, len(hits))
	pos := 0
	for i := range hits {
		out[i] = make([]float64, counts[i])
		for j := 0; j < counts[i]; j++ {
			out[i][j] = clamp01(cosine(queryVec, rest[pos]))
			pos++
		}
	}
	return out, false
}

// extract keeps sentences whose blended keyword and semantic relevance
// beats the threshold, preserving original order within the per-hit cap.
func (c *Compressor) extract(queryWords map[string]struct{}, content string, semantic []float64, budget int) string {
	sentences := splitSentences(content)
	var b strings.Builder
	used := 0
	for i, s := range sentences {
		sem := 0.0
		if i < len(semantic) {
			sem = semantic[i]
		}
		score := keywordWeight*keywordOverlap(queryWords, s) + semanticWeight*sem
		if score <= sentenceKeepThreshold {
			continue
		}
		t := c.counter.Count(s)
		if used+t > budget {
			break
		}
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(s)
		used += t
	}
	return b.String()
}

// truncate keeps whole sentences in order up to the cap, falling back to
// a rune prefix when not even the first sentence fits.
func (c *Compressor) truncate(content string, budget int) string {
	sentences := splitSentences(content)
	var b strings.Builder
	used := 0
	for _, s := range sentences {
		t := c.counter.Count(s)
		if used+t > budget {
			break
		}
		if b.Len() > 0 {
			b.WriteString(" ")
		}
		b.WriteString(s)
		used += t
	}
	if b.Len() > 0 {
		return b.String()
	}
	runes := []rune(content)
	if limit := budget * 4; len(runes) > limit {
		runes = runes[:limit]
	}
	return strings.TrimSpace(string(runes))
}
