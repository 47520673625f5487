package models

import (
	"strings"
	"time"
)

// VerifiedThreshold is the score a report must exceed to be stored as Verified.
const VerifiedThreshold = 0.8

// Status is the stored verdict of a finished report.
type Status string

const (
	StatusVerified Status = "Verified"
	StatusFlagged  Status = "Flagged"
	StatusPending  Status = "Pending"
)

// State is a submission pipeline state. States only move forward.
type State string

const (
	StateIdle       State = "Idle"
	StateAnalyzing  State = "Analyzing"
	StateStoring    State = "Storing"
	StateCommitting State = "Committing"
	StateComplete   State = "Complete"
)

// Report categories suggested to the analyzer.
const (
	CategoryAccident        = "Accident"
	CategoryIllegalActivity = "Illegal Activity"
	CategoryAbuse           = "Abuse"
	CategoryInfrastructure  = "Infrastructure"
	CategoryOther           = "Other"
)

// Categories lists the known categories in display order.
var Categories = []string{
	CategoryAccident,
	CategoryIllegalActivity,
	CategoryAbuse,
	CategoryInfrastructure,
	CategoryOther,
}

// ReportInput is what a citizen submits.
type ReportInput struct {
	Description string `json:"description"`
	Location    string `json:"location,omitempty"`
	// Evidence is a data URL (or bare base64) image payload.
	Evidence string `json:"evidence,omitempty"`
}

// AnalysisResult is the analyzer's verdict on a report.
type AnalysisResult struct {
	Score       float64 `json:"score"`
	Category    string  `json:"category"`
	Summary     string  `json:"summary"`
	IsAuthentic bool    `json:"isAuthentic"`
}

// Coordinates is set when the location is a "lat, lng" pair.
type Coordinates struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	CellToken string  `json:"cellToken"`
}

// StageEvent records when the pipeline entered a state.
type StageEvent struct {
	State State     `json:"state"`
	At    time.Time `json:"at"`
}

// Report is the finished, immutable result of a submission.
type Report struct {
	ID               string         `json:"id"`
	CreatedAt        time.Time      `json:"createdAt"`
	Description      string         `json:"description"`
	Location         string         `json:"location"`
	Evidence         string         `json:"evidence,omitempty"`
	Coordinates      *Coordinates   `json:"coordinates,omitempty"`
	Category         string         `json:"category"`
	Analysis         AnalysisResult `json:"analysis"`
	VerificationHash string         `json:"verificationHash"`
	StorageID        string         `json:"storageId"`
	LedgerRef        string         `json:"ledgerRef"`
	LedgerTx         string         `json:"ledgerTx,omitempty"`
	Status           Status         `json:"status"`
	Timeline         []StageEvent   `json:"timeline,omitempty"`
}

// Update is one pipeline progress notification. The Complete update carries
// the Report; a failed run ends with an update carrying Err instead.
type Update struct {
	State  State   `json:"state"`
	Report *Report `json:"report,omitempty"`
	Err    error   `json:"-"`
}

// DeriveStatus maps an analysis score to the stored status.
func DeriveStatus(score float64) Status {
	if score > VerifiedThreshold {
		return StatusVerified
	}
	return StatusFlagged
}

// NormalizeCategory trims the analyzer's label and falls back to Other.
func NormalizeCategory(category string) string {
	category = strings.TrimSpace(category)
	if category == "" {
		return CategoryOther
	}
	return category
}
