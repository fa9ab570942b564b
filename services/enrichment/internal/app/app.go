package app

import (
	"context"
	"log/slog"

	"aicollector/pkg/ai"
	"aicollector/pkg/domain"
)

// Config holds runtime configuration for the enrichment application.
type Config struct {
	APIKey   string
	Endpoint string
	Model    string
	Analyzer ai.Analyzer // optional override, used in tests
}

// App wraps the model client with the fallback-on-any-failure policy:
// enrichment is best-effort annotation, so every failure mode degrades to the
// fixed result instead of propagating.
type App struct {
	analyzer ai.Analyzer
}

// New constructs the application.
func New(cfg Config) *App {
	analyzer := cfg.Analyzer
	if analyzer == nil {
		analyzer = ai.NewSiliconFlowClient(cfg.Endpoint, cfg.APIKey, cfg.Model)
	}
	return &App{analyzer: analyzer}
}

// Analyze runs one enrichment attempt and never fails: on missing credential,
// upstream trouble, or undecodable output it substitutes the fixed fallback
// and reports the reason in the outcome.
func (a *App) Analyze(ctx context.Context, text string) domain.EnrichmentOutcome {
	analysis, err := a.analyzer.Analyze(ctx, text)
	if err != nil {
		slog.Warn("enrichment degraded to fallback", "reason", err.Error())
		return domain.EnrichmentOutcome{
			Analysis: ai.FallbackAnalysis(),
			Degraded: true,
			Reason:   err.Error(),
		}
	}
	return domain.EnrichmentOutcome{Analysis: analysis}
}

// CannedAnalysis returns the fixed local-testing response served by /analyze.
func CannedAnalysis() domain.Analysis {
	return domain.Analysis{
		Keywords:   []string{"人工智能", "教育"},
		Category:   "科技,教育",
		Summary:    "AI 通过个性化路径提升教育效果。",
		Confidence: 0.91,
	}
}
