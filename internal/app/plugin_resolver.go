package app

import (
	"context"
	"time"

	"github.com/yourusername/downlink-go/internal/domain"
	"go.uber.org/zap"
)

// PluginResolver runs the resolution pipeline: match, invoke, retry, fall back to bypass
type PluginResolver struct {
	registry *PluginRegistry
	sandbox  domain.ScriptSandbox
	config   *domain.PluginsConfig
	logger   *zap.Logger
}

// NewPluginResolver creates a new plugin resolver
func NewPluginResolver(
	registry *PluginRegistry,
	sandbox domain.ScriptSandbox,
	config *domain.PluginsConfig,
	logger *zap.Logger,
) *PluginResolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &PluginResolver{
		registry: registry,
		sandbox:  sandbox,
		config:   config,
		logger:   logger,
	}
}

// ProcessURL resolves rawURL into the resources to transfer.
//
// A URL no plugin claims, a plugin that fails, and a plugin that keeps asking for
// retries all yield the single bypass result. A plugin that settles with an empty
// list yields no results.
func (r *PluginResolver) ProcessURL(ctx context.Context, rawURL string) []domain.PluginResult {
	bypass := []domain.PluginResult{domain.BypassResult(rawURL)}

	match, ok := r.registry.Match(rawURL)
	if !ok {
		return bypass
	}

	maxAttempts := r.config.MaxAttempts
	if maxAttempts < 1 {
		maxAttempts = 1
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		outcome, err := r.invoke(ctx, match, rawURL)
		if err != nil {
			r.logger.Warn("Plugin invocation failed, falling back to direct download",
				zap.String("plugin", match.Name),
				zap.String("url", rawURL),
				zap.Int("attempt", attempt+1),
				zap.Error(err))
			return bypass
		}

		switch outcome.Kind {
		case domain.OutcomeURL, domain.OutcomeResource, domain.OutcomeList:
			results := make([]domain.PluginResult, 0, len(outcome.Resources))
			for _, res := range outcome.Resources {
				res.PluginName = match.Name
				res.Capabilities = match.Capabilities
				results = append(results, res)
			}
			r.logger.Info("URL resolved",
				zap.String("plugin", match.Name),
				zap.String("url", rawURL),
				zap.String("shape", outcome.Kind.String()),
				zap.Int("results", len(results)))
			return results

		case domain.OutcomeError:
			if !outcome.Retryable || attempt+1 >= maxAttempts {
				r.logger.Warn("Plugin reported an error, falling back to direct download",
					zap.String("plugin", match.Name),
					zap.String("url", rawURL),
					zap.Bool("retryable", outcome.Retryable),
					zap.Int("attempt", attempt+1),
					zap.String("error", outcome.Error))
				return bypass
			}

			delay := r.config.RetryBaseDelay * time.Duration(1<<attempt)
			r.logger.Info("Plugin asked for a retry",
				zap.String("plugin", match.Name),
				zap.String("url", rawURL),
				zap.Int("attempt", attempt+1),
				zap.Duration("delay", delay),
				zap.String("error", outcome.Error))

			timer := time.NewTimer(delay)
			select {
			case <-timer.C:
			case <-ctx.Done():
				timer.Stop()
				return bypass
			}

		default:
			r.logger.Warn("Plugin returned an unrecognized value, falling back to direct download",
				zap.String("plugin", match.Name),
				zap.String("url", rawURL))
			return bypass
		}
	}
	return bypass
}

func (r *PluginResolver) invoke(ctx context.Context, match PluginMatch, rawURL string) (domain.ScriptOutcome, error) {
	if r.config.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.config.Timeout)
		defer cancel()
	}
	return r.sandbox.Invoke(ctx, match.Handle, rawURL)
}
