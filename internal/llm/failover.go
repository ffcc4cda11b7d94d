package llm

import (
	"context"

	"go.uber.org/zap"

	"github.com/knowledgecore/retrieval/internal/circuitbreaker"
	"github.com/knowledgecore/retrieval/internal/config"
	"github.com/knowledgecore/retrieval/internal/kberrors"
	"github.com/knowledgecore/retrieval/internal/metrics"
	"github.com/knowledgecore/retrieval/internal/resilience"
)

// DegradedText is the canned response served when every provider in the
// chain is unavailable. Callers that can do better (the query rewriter
// falls back to the verbatim query) check Result.Degraded instead.
const DegradedText = "The language model service is temporarily unavailable. Results may be less precise."

// Result is the outcome of a failover completion.
type Result struct {
	Text     string
	Provider string
	Degraded bool
}

// Failover tries providers in static priority order. Each provider sits
// behind its own resilience policy, so a provider with an open breaker is
// skipped without being called.
type Failover struct {
	order     []string
	providers map[string]Provider
	policies  map[string]*resilience.Policy
	logger    *zap.Logger
}

// NewFailover builds the chain from config. The provider set and order are
// fixed at startup.
func NewFailover(cfg config.LLMConfig, resilienceFor func(string) config.ResilienceConfig, breakers *circuitbreaker.Manager, logger *zap.Logger) (*Failover, error) {
	providers := make(map[string]Provider, len(cfg.Providers))
	policies := make(map[string]*resilience.Policy, len(cfg.Providers))
	for name, pc := range cfg.Providers {
		p, err := NewProvider(name, pc)
		if err != nil {
			return nil, err
		}
		providers[name] = p
		policies[name] = resilience.NewPolicy("llm:"+name, resilienceFor("llm:"+name), breakers, logger)
	}

	order := cfg.ProviderPriority
	if len(order) == 0 {
		for name := range providers {
			order = append(order, name)
		}
	}
	return newFailover(order, providers, policies, logger), nil
}

func newFailover(order []string, providers map[string]Provider, policies map[string]*resilience.Policy, logger *zap.Logger) *Failover {
	return &Failover{
		order:     order,
		providers: providers,
		policies:  policies,
		logger:    logger,
	}
}

// Complete runs req against the first healthy provider. Input errors stop
// the chain immediately; transient and permanent provider failures advance
// to the next provider. When the chain is exhausted the canned degraded
// result is returned with a nil error.
func (f *Failover) Complete(ctx context.Context, req Request) (Result, error) {
	for i, name := range f.order {
		provider, ok := f.providers[name]
		if !ok {
			continue
		}
		policy := f.policies[name]

		if !policy.Available() {
			f.logger.Debug("Skipping provider with open circuit", zap.String("provider", name))
			f.recordFailover(i)
			continue
		}

		var text string
		err := policy.Execute(ctx, func(ctx context.Context) error {
			var callErr error
			text, callErr = provider.Complete(ctx, req)
			return callErr
		})
		if err == nil {
			return Result{Text: text, Provider: name}, nil
		}
		if kberrors.CategoryOf(err) == kberrors.CategoryInput {
			return Result{}, err
		}
		if ctx.Err() != nil {
			return Result{}, kberrors.Transient("llm", ctx.Err())
		}

		f.logger.Warn("Provider failed, trying next",
			zap.String("provider", name),
			zap.Error(err),
		)
		f.recordFailover(i)
	}

	metrics.DegradedResponses.Inc()
	f.logger.Warn("All LLM providers unavailable, serving degraded response")
	return Result{Text: DegradedText, Degraded: true}, nil
}

// recordFailover notes that the provider at position i was passed over in
// favor of the next one in the chain (or the degraded response).
func (f *Failover) recordFailover(i int) {
	to := "degraded"
	if i+1 < len(f.order) {
		to = f.order[i+1]
	}
	metrics.ProviderFailovers.WithLabelValues(f.order[i], to).Inc()
}
