// Package stats aggregates reports for the dashboard.
package stats

import (
	"github.com/shopspring/decimal"

	"civicreport/models"
)

// Dashboard score buckets. These are a presentation of the raw score and are
// independent from the stored report status.
const (
	BucketVerified = "Verified"
	BucketPending  = "Pending"
	BucketFlagged  = "Flagged"

	verifiedFloor = 0.8
	pendingFloor  = 0.5
)

// CategoryCount is one bar of the category chart.
type CategoryCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// BucketCount is one slice of the score distribution.
type BucketCount struct {
	Name  string `json:"name"`
	Count int    `json:"count"`
}

// Summary holds the dashboard figures.
type Summary struct {
	Total           int             `json:"total"`
	Categories      []CategoryCount `json:"categories"`
	Scores          []BucketCount   `json:"scores"`
	AverageScore    float64         `json:"averageScore"`
	VerifiedPercent float64         `json:"verifiedPercent"`
}

// Bucket places a score in its dashboard bucket.
func Bucket(score float64) string {
	switch {
	case score >= verifiedFloor:
		return BucketVerified
	case score >= pendingFloor:
		return BucketPending
	default:
		return BucketFlagged
	}
}

// Summarize computes the dashboard figures. Categories outside
// models.Categories (e.g. the analyzer's Error and Simulation labels) are not
// charted, and categories with no reports are omitted.
func Summarize(reports []models.Report) Summary {
	s := Summary{
		Total:      len(reports),
		Categories: []CategoryCount{},
		Scores: []BucketCount{
			{Name: BucketVerified},
			{Name: BucketPending},
			{Name: BucketFlagged},
		},
	}

	byCategory := make(map[string]int)
	sum := decimal.Zero
	verified := 0
	for _, r := range reports {
		byCategory[r.Category]++
		sum = sum.Add(decimal.NewFromFloat(r.Analysis.Score))
		if r.Status == models.StatusVerified {
			verified++
		}
		switch Bucket(r.Analysis.Score) {
		case BucketVerified:
			s.Scores[0].Count++
		case BucketPending:
			s.Scores[1].Count++
		default:
			s.Scores[2].Count++
		}
	}

	for _, c := range models.Categories {
		if n := byCategory[c]; n > 0 {
			s.Categories = append(s.Categories, CategoryCount{Name: c, Count: n})
		}
	}

	if s.Total > 0 {
		total := decimal.NewFromInt(int64(s.Total))
		s.AverageScore = sum.Div(total).Round(2).InexactFloat64()
		s.VerifiedPercent = decimal.NewFromInt(int64(verified)).
			Mul(decimal.NewFromInt(100)).
			Div(total).
			Round(1).
			InexactFloat64()
	}
	return s
}
