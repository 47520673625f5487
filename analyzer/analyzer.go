// Package analyzer produces the authenticity verdict for a report.
package analyzer

import (
	"context"
	"fmt"

	"github.com/apex/log"

	"civicreport/config"
	"civicreport/evidence"
	"civicreport/gemini"
	"civicreport/metrics"
	"civicreport/models"
)

const (
	CategoryError      = "Error"
	CategorySimulation = "Simulation"

	errorSummary      = "Failed to analyze report content."
	simulationSummary = "API Key missing. This is a simulated analysis."
)

// Analyzer classifies a report from its description and optional photo.
// Implementations must be concurrency-safe.
type Analyzer interface {
	Analyze(ctx context.Context, description string, ev *evidence.Evidence) (models.AnalysisResult, error)
	// Name returns a short provider label (e.g., "Gemini", "Simulation").
	Name() string
}

// ErrorFallback replaces the result of a failed analysis.
func ErrorFallback() models.AnalysisResult {
	return models.AnalysisResult{
		Score:       0.0,
		Category:    CategoryError,
		Summary:     errorSummary,
		IsAuthentic: false,
	}
}

// SimulationFallback is returned when no analyzer credential is configured.
func SimulationFallback() models.AnalysisResult {
	return models.AnalysisResult{
		Score:       0.95,
		Category:    CategorySimulation,
		Summary:     simulationSummary,
		IsAuthentic: true,
	}
}

// New picks the analyzer for the configuration. Without an API key no network
// call is ever attempted.
func New(cfg *config.Config) Analyzer {
	client := gemini.NewClient(cfg.GeminiAPIKey, cfg.GeminiModel, cfg.GeminiTimeout)
	if !client.Enabled() {
		log.Warn("No Gemini API key configured, reports will receive a simulated analysis")
		return Guard(NewSimulated())
	}
	log.Infof("Analyzer provider=Gemini model=%s", client.Model())
	return Guard(NewGemini(client))
}

// Func adapts a function to the Analyzer interface.
type Func func(ctx context.Context, description string, ev *evidence.Evidence) (models.AnalysisResult, error)

func (f Func) Analyze(ctx context.Context, description string, ev *evidence.Evidence) (models.AnalysisResult, error) {
	return f(ctx, description, ev)
}

func (f Func) Name() string { return "Func" }

type guarded struct {
	inner Analyzer
}

// Guard wraps an analyzer so that failures, malformed output and panics are
// replaced by ErrorFallback. The returned analyzer never returns an error.
func Guard(a Analyzer) Analyzer {
	if g, ok := a.(*guarded); ok {
		return g
	}
	return &guarded{inner: a}
}

func (g *guarded) Name() string { return g.inner.Name() }

func (g *guarded) Analyze(ctx context.Context, description string, ev *evidence.Evidence) (result models.AnalysisResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			g.fallback(fmt.Errorf("analyzer panic: %v", r))
			result, err = ErrorFallback(), nil
		}
	}()

	result, err = g.inner.Analyze(ctx, description, ev)
	if err != nil {
		g.fallback(err)
		return ErrorFallback(), nil
	}
	return result, nil
}

func (g *guarded) fallback(cause error) {
	metrics.AnalyzerFallbackTotal.WithLabelValues("error").Inc()
	log.WithFields(log.Fields{
		"analyzer": g.inner.Name(),
	}).Errorf("Analysis failed, using fallback result: %v", cause)
}
