package analyzer

import (
	"context"

	"civicreport/evidence"
	"civicreport/metrics"
	"civicreport/models"
)

// Simulated is the no-credential analyzer. It is total, synchronous and
// never touches the network.
type Simulated struct{}

// NewSimulated returns the analyzer used when no API key is set.
func NewSimulated() *Simulated { return &Simulated{} }

func (s *Simulated) Name() string { return CategorySimulation }

func (s *Simulated) Analyze(context.Context, string, *evidence.Evidence) (models.AnalysisResult, error) {
	metrics.AnalyzerFallbackTotal.WithLabelValues("simulation").Inc()
	return SimulationFallback(), nil
}
