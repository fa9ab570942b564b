package ai

import (
	"context"
	"fmt"

	"aicollector/pkg/domain"
)

// Analyzer extracts keywords, category, summary and confidence from text.
type Analyzer interface {
	Analyze(ctx context.Context, text string) (domain.Analysis, error)
}

// DecodeError marks a response that arrived but could not be decoded into the
// four required analysis fields. Callers route it to the fallback path.
type DecodeError struct {
	Reason string
	Cause  error
}

func (e *DecodeError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("decode analysis: %s: %v", e.Reason, e.Cause)
	}
	return fmt.Sprintf("decode analysis: %s", e.Reason)
}

func (e *DecodeError) Unwrap() error { return e.Cause }

// FallbackAnalysis returns the fixed annotation substituted whenever
// enrichment cannot be completed or parsed.
func FallbackAnalysis() domain.Analysis {
	return domain.Analysis{
		Keywords:   []string{"人工智能", "教育", "机器学习"},
		Category:   "科技,教育",
		Summary:    "AI 通过个性化路径提升教育效果。",
		Confidence: 0.91,
	}
}
