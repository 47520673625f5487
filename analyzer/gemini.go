package analyzer

import (
	"context"
	"fmt"

	"civicreport/evidence"
	"civicreport/gemini"
	"civicreport/models"
	"civicreport/parser"
)

// Gemini analyzes reports with the Gemini generateContent API.
type Gemini struct {
	client *gemini.Client
}

// NewGemini wraps a configured Gemini client.
func NewGemini(client *gemini.Client) *Gemini {
	return &Gemini{client: client}
}

func (g *Gemini) Name() string { return "Gemini" }

func (g *Gemini) Analyze(ctx context.Context, description string, ev *evidence.Evidence) (models.AnalysisResult, error) {
	var img *gemini.Image
	if ev = evidence.Compress(ev); !ev.Empty() {
		img = &gemini.Image{MimeType: ev.MimeType, Data: ev.Data}
	}

	text, err := g.client.AnalyzeReport(ctx, description, img)
	if err != nil {
		return models.AnalysisResult{}, fmt.Errorf("gemini request failed: %w", err)
	}

	result, err := parser.ParseAnalysis(text)
	if err != nil {
		return models.AnalysisResult{}, err
	}
	return *result, nil
}
