package parser

import (
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"strings"

	"civicreport/models"
)

// ErrMalformed is wrapped by every shape or range violation.
var ErrMalformed = errors.New("malformed analysis response")

// rawAnalysis uses pointers so a missing key is distinguishable from a zero value.
type rawAnalysis struct {
	Score       *float64 `json:"score"`
	Category    *string  `json:"category"`
	Summary     *string  `json:"summary"`
	IsAuthentic *bool    `json:"isAuthentic"`
}

// ExtractJSON extracts a JSON object from markdown code blocks or surrounding prose.
func ExtractJSON(response string) string {
	const marker = "```"

	startIdx := strings.Index(response, marker)
	if startIdx == -1 {
		// No code block found, try to find JSON object directly
		startIdx = strings.Index(response, "{")
		if startIdx == -1 {
			return response
		}
		endIdx := strings.LastIndex(response, "}")
		if endIdx < startIdx {
			return response
		}
		return strings.TrimSpace(response[startIdx : endIdx+1])
	}

	endIdx := strings.Index(response[startIdx+len(marker):], marker)
	if endIdx == -1 {
		return response
	}
	endIdx += startIdx + len(marker)

	content := response[startIdx+len(marker) : endIdx]

	// Remove the language identifier if present (e.g., "json")
	lines := strings.Split(strings.TrimSpace(content), "\n")
	if len(lines) > 0 && (strings.TrimSpace(lines[0]) == "json" || strings.TrimSpace(lines[0]) == "") {
		content = strings.Join(lines[1:], "\n")
	}

	return strings.TrimSpace(content)
}

// ParseAnalysis validates the analyzer output against the analysis schema.
// It never returns a partially populated result.
func ParseAnalysis(response string) (*models.AnalysisResult, error) {
	jsonContent := ExtractJSON(strings.TrimSpace(response))
	if jsonContent == "" {
		return nil, fmt.Errorf("%w: empty response", ErrMalformed)
	}

	var raw rawAnalysis
	if err := json.Unmarshal([]byte(jsonContent), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformed, err)
	}

	switch {
	case raw.Score == nil:
		return nil, fmt.Errorf("%w: score is required", ErrMalformed)
	case raw.Category == nil:
		return nil, fmt.Errorf("%w: category is required", ErrMalformed)
	case raw.Summary == nil:
		return nil, fmt.Errorf("%w: summary is required", ErrMalformed)
	case raw.IsAuthentic == nil:
		return nil, fmt.Errorf("%w: isAuthentic is required", ErrMalformed)
	}

	score := *raw.Score
	if math.IsNaN(score) || score < 0 || score > 1 {
		return nil, fmt.Errorf("%w: score must be between 0 and 1, got %v", ErrMalformed, score)
	}

	return &models.AnalysisResult{
		Score:       score,
		Category:    *raw.Category,
		Summary:     *raw.Summary,
		IsAuthentic: *raw.IsAuthentic,
	}, nil
}
