// Package rewrite turns a follow-up query plus recent conversation history
// into a self-contained query with paraphrastic variants, via an LLM with
// a rule-based pronoun-resolution fallback.
package rewrite

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/agnivade/levenshtein"
	"go.uber.org/zap"

	"github.com/knowledgecore/retrieval/internal/config"
	"github.com/knowledgecore/retrieval/internal/llm"
	"github.com/knowledgecore/retrieval/internal/metrics"
)

const (
	maxRewrittenLen    = 512
	variantSimilarity  = 0.95
	rewriteSystemRole  = "You rewrite follow-up search queries into self-contained queries."
	rewritePromptShape = `Conversation so far:
%s

Latest query: %s

Rewrite the latest query so it can be understood without the conversation:
resolve pronouns using named entities from prior turns, keep the user's
intent and language. Also produce up to %d paraphrases that widen recall.
Respond with only a JSON object:
{"rewritten": "...", "variants": ["..."], "confidence": 0.0-1.0}`
)

// Result is the outcome of one rewrite.
type Result struct {
	Original   string
	Rewritten  string
	Variants   []string
	Confidence float64
}

// Rewriter produces rewrites. It is stateless apart from the session store.
type Rewriter struct {
	cfg      config.RewriteConfig
	llm      *llm.Failover
	sessions *SessionStore
	logger   *zap.Logger
}

// NewRewriter builds the rewriter.
func NewRewriter(cfg config.RewriteConfig, chain *llm.Failover, sessions *SessionStore, logger *zap.Logger) *Rewriter {
	if cfg.MaxHistoryTurns <= 0 {
		cfg.MaxHistoryTurns = 5
	}
	if cfg.MaxVariations <= 0 {
		cfg.MaxVariations = 3
	}
	return &Rewriter{cfg: cfg, llm: chain, sessions: sessions, logger: logger}
}

// Sessions exposes the session store so callers can record turns.
func (r *Rewriter) Sessions() *SessionStore { return r.sessions }

// RewriteForConversation resolves the conversation's history and rewrites.
func (r *Rewriter) RewriteForConversation(ctx context.Context, conversationID, query string) Result {
	var history []Turn
	if conversationID != "" && r.sessions != nil {
		history = r.sessions.History(conversationID)
	}
	return r.Rewrite(ctx, query, history)
}

// Rewrite transforms query using up to MaxHistoryTurns of history. With no
// history the rewrite is the identity. LLM failure or unparseable output
// degrades silently to pronoun resolution.
func (r *Rewriter) Rewrite(ctx context.Context, query string, history []Turn) Result {
	if len(history) == 0 {
		metrics.RewriteRequests.WithLabelValues("identity").Inc()
		return Result{Original: query, Rewritten: query, Confidence: 1.0}
	}
	if len(history) > r.cfg.MaxHistoryTurns {
		history = history[len(history)-r.cfg.MaxHistoryTurns:]
	}

	res, err := r.llm.Complete(ctx, llm.Request{
		System: rewriteSystemRole,
		Messages: []llm.Message{{
			Role:    llm.RoleUser,
			Content: fmt.Sprintf(rewritePromptShape, formatHistory(history), query, r.cfg.MaxVariations),
		}},
		MaxTokens: 512,
	})
	if err != nil || res.Degraded {
		if err != nil {
			r.logger.Warn("LLM rewrite failed, falling back", zap.Error(err))
		}
		return r.fallback(query, history)
	}

	parsed, ok := parseRewrite(res.Text)
	if !ok {
		r.logger.Warn("Unparseable rewrite response, falling back",
			zap.String("provider", res.Provider))
		return r.fallback(query, history)
	}

	metrics.RewriteRequests.WithLabelValues("ok").Inc()
	return r.sanitize(query, parsed)
}

// fallback applies rule-based pronoun resolution. A query the resolver
// could not improve reports zero confidence so callers know the rewrite
// carries no new information.
func (r *Rewriter) fallback(query string, history []Turn) Result {
	metrics.RewriteRequests.WithLabelValues("fallback").Inc()
	rewritten, confidence := resolvePronouns(query, history)
	if rewritten == query {
		return Result{Original: query, Rewritten: query, Confidence: 0.0}
	}
	return Result{Original: query, Rewritten: rewritten, Confidence: confidence}
}

type rewriteResponse struct {
	Rewritten  string   `json:"rewritten"`
	Variants   []string `json:"variants"`
	Confidence float64  `json:"confidence"`
}

// parseRewrite extracts the JSON object from the model output, tolerating
// code fences and surrounding prose.
func parseRewrite(text string) (rewriteResponse, bool) {
	start := strings.Index(text, "{")
	end := strings.LastIndex(text, "}")
	if start < 0 || end <= start {
		return rewriteResponse{}, false
	}
	var out rewriteResponse
	if err := json.Unmarshal([]byte(text[start:end+1]), &out); err != nil {
		return rewriteResponse{}, false
	}
	if strings.TrimSpace(out.Rewritten) == "" {
		return rewriteResponse{}, false
	}
	return out, true
}

// sanitize enforces the output bounds: rewritten length, variant count,
// near-duplicate variants dropped, confidence clamped.
func (r *Rewriter) sanitize(original string, parsed rewriteResponse) Result {
	rewritten := strings.TrimSpace(parsed.Rewritten)
	if len(rewritten) > maxRewrittenLen {
		rewritten = rewritten[:maxRewrittenLen]
	}

	var variants []string
	if r.cfg.EnableExpansion {
		for _, v := range parsed.Variants {
			v = strings.TrimSpace(v)
			if v == "" || v == rewritten {
				continue
			}
			if similarity(v, rewritten) >= variantSimilarity {
				continue
			}
			duplicate := false
			for _, kept := range variants {
				if similarity(v, kept) >= variantSimilarity {
					duplicate = true
					break
				}
			}
			if duplicate {
				continue
			}
			variants = append(variants, v)
			if len(variants) == r.cfg.MaxVariations {
				break
			}
		}
	}

	confidence := parsed.Confidence
	if confidence < 0 {
		confidence = 0
	}
	if confidence > 1 {
		confidence = 1
	}
	return Result{
		Original:   original,
		Rewritten:  rewritten,
		Variants:   variants,
		Confidence: confidence,
	}
}

// similarity is 1 - normalized edit distance.
func similarity(a, b string) float64 {
	if a == b {
		return 1.0
	}
	la, lb := len([]rune(a)), len([]rune(b))
	longest := la
	if lb > longest {
		longest = lb
	}
	if longest == 0 {
		return 1.0
	}
	d := levenshtein.ComputeDistance(a, b)
	return 1.0 - float64(d)/float64(longest)
}

func formatHistory(history []Turn) string {
	var sb strings.Builder
	for _, t := range history {
		sb.WriteString(t.Role)
		sb.WriteString(": ")
		sb.WriteString(t.Content)
		sb.WriteString("\n")
	}
	return strings.TrimRight(sb.String(), "\n")
}
