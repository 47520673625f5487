// Package storage puts report documents into content storage and returns
// their content-address shaped identifier.
package storage

import (
	"context"
	"encoding/json"
	"time"

	"civicreport/ids"
	"civicreport/models"
)

// Document is what gets stored for a report.
type Document struct {
	ReportID         string                `json:"reportId"`
	CreatedAt        time.Time             `json:"createdAt"`
	Description      string                `json:"description"`
	Location         string                `json:"location"`
	Evidence         string                `json:"evidence,omitempty"`
	Analysis         models.AnalysisResult `json:"analysis"`
	VerificationHash string                `json:"verificationHash"`
}

// Marshal returns the canonical JSON encoding of the document.
func (d Document) Marshal() ([]byte, error) {
	return json.Marshal(d)
}

// Uploader stores a document. Implementations return an error rather than an
// identifier when the content was not stored.
type Uploader interface {
	Upload(ctx context.Context, doc Document) (string, error)
	Name() string
}

// Simulated pretends to upload: it waits for a fixed delay and fabricates an id.
type Simulated struct {
	delay time.Duration
}

// NewSimulated returns an uploader that waits delay before every upload.
func NewSimulated(delay time.Duration) *Simulated {
	return &Simulated{delay: delay}
}

func (s *Simulated) Name() string { return "Simulated" }

func (s *Simulated) Upload(ctx context.Context, _ Document) (string, error) {
	if err := sleep(ctx, s.delay); err != nil {
		return "", err
	}
	return ids.NewStorageID(), nil
}

func sleep(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
