// Package pipeline drives a report through analysis, content storage and
// ledger commit, one submission at a time.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/apex/log"
	"github.com/ethereum/go-ethereum/crypto"

	"civicreport/analyzer"
	"civicreport/evidence"
	"civicreport/ids"
	"civicreport/ledger"
	"civicreport/location"
	"civicreport/metrics"
	"civicreport/models"
	"civicreport/storage"
)

var (
	// ErrEmptyDescription rejects a submission whose description is blank.
	ErrEmptyDescription = errors.New("description must not be empty")
	// ErrInvalidEvidence rejects evidence that is not valid base64.
	ErrInvalidEvidence = evidence.ErrInvalidEvidence
	// ErrSubmissionInFlight is returned while a run has not reached Complete.
	ErrSubmissionInFlight = errors.New("a submission is already in flight")
)

// Updates per run: Analyzing, Storing, Committing and the terminal update.
const updateBuffer = 4

// Pipeline runs at most one submission at a time. A finished run leaves the
// pipeline in Complete until the next Submit or an explicit Reset.
type Pipeline struct {
	analyzer  analyzer.Analyzer
	uploader  storage.Uploader
	committer ledger.Committer

	mu    sync.Mutex
	state models.State
}

// New creates a pipeline. The analyzer is guarded so that analysis failures
// never abort a run.
func New(a analyzer.Analyzer, u storage.Uploader, c ledger.Committer) *Pipeline {
	return &Pipeline{
		analyzer:  analyzer.Guard(a),
		uploader:  u,
		committer: c,
		state:     models.StateIdle,
	}
}

// State returns the state of the current or last run.
func (p *Pipeline) State() models.State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state
}

// Reset returns a completed pipeline to Idle.
func (p *Pipeline) Reset() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch p.state {
	case models.StateIdle:
		return nil
	case models.StateComplete:
		p.state = models.StateIdle
		return nil
	default:
		return ErrSubmissionInFlight
	}
}

// Submit validates the input and starts a run. The returned channel receives
// the Analyzing, Storing, Committing and Complete updates in order and is
// closed after the terminal update. A run cannot be cancelled once started.
func (p *Pipeline) Submit(input models.ReportInput) (<-chan models.Update, error) {
	if strings.TrimSpace(input.Description) == "" {
		metrics.RejectedTotal.WithLabelValues("empty_description").Inc()
		return nil, ErrEmptyDescription
	}
	ev, err := evidence.Decode(input.Evidence)
	if err != nil {
		metrics.RejectedTotal.WithLabelValues("invalid_evidence").Inc()
		return nil, err
	}

	p.mu.Lock()
	if p.state != models.StateIdle && p.state != models.StateComplete {
		p.mu.Unlock()
		metrics.RejectedTotal.WithLabelValues("in_flight").Inc()
		return nil, ErrSubmissionInFlight
	}
	p.state = models.StateAnalyzing
	p.mu.Unlock()

	updates := make(chan models.Update, updateBuffer)
	go p.run(input, ev, updates)
	return updates, nil
}

// Run submits the input and blocks until the run finishes, calling onState for
// every update. If ctx is done first Run returns ctx.Err() while the run
// itself carries on.
func (p *Pipeline) Run(ctx context.Context, input models.ReportInput, onState func(models.State)) (*models.Report, error) {
	updates, err := p.Submit(input)
	if err != nil {
		return nil, err
	}
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case u, ok := <-updates:
			if !ok {
				return nil, errors.New("pipeline closed without a terminal update")
			}
			if onState != nil {
				onState(u.State)
			}
			if u.Err != nil {
				return nil, u.Err
			}
			if u.Report != nil {
				return u.Report, nil
			}
		}
	}
}

func (p *Pipeline) run(input models.ReportInput, ev *evidence.Evidence, updates chan<- models.Update) {
	defer close(updates)
	metrics.InFlight.Inc()
	defer metrics.InFlight.Dec()

	ctx := context.Background()
	report := &models.Report{
		ID:          ids.NewReportID(),
		CreatedAt:   time.Now(),
		Description: input.Description,
		Location:    location.Normalize(input.Location),
		Evidence:    input.Evidence,
	}
	if coords, ok := location.Parse(report.Location); ok {
		report.Coordinates = coords
	}
	logger := log.WithField("report_id", report.ID)

	// Analyzing was claimed by Submit.
	p.enter(report, models.StateAnalyzing, updates)
	started := time.Now()
	analysis, err := p.analyzer.Analyze(ctx, input.Description, ev)
	if err != nil {
		// The guard already substitutes its fallback; keep the run going regardless.
		logger.WithError(err).Warn("Analysis failed, using the error fallback")
		analysis = analyzer.ErrorFallback()
	}
	report.Analysis = analysis
	report.Category = models.NormalizeCategory(report.Analysis.Category)
	report.VerificationHash = VerificationHash(report.Analysis)
	observe(models.StateAnalyzing, started)

	p.enter(report, models.StateStoring, updates)
	started = time.Now()
	storageID, err := p.uploader.Upload(ctx, storage.Document{
		ReportID:         report.ID,
		CreatedAt:        report.CreatedAt,
		Description:      report.Description,
		Location:         report.Location,
		Evidence:         report.Evidence,
		Analysis:         report.Analysis,
		VerificationHash: report.VerificationHash,
	})
	observe(models.StateStoring, started)
	if err != nil {
		p.fail(logger, fmt.Errorf("%s upload failed: %w", p.uploader.Name(), err), updates)
		return
	}
	report.StorageID = storageID

	p.enter(report, models.StateCommitting, updates)
	started = time.Now()
	receipt, err := p.committer.Commit(ctx, ledger.NewCommitment(storageID, report.VerificationHash, time.Now()))
	observe(models.StateCommitting, started)
	if err != nil {
		p.fail(logger, fmt.Errorf("%s commit failed: %w", p.committer.Name(), err), updates)
		return
	}
	report.LedgerRef = receipt.Ref
	report.LedgerTx = receipt.TxHash
	report.Status = models.DeriveStatus(report.Analysis.Score)

	p.enter(report, models.StateComplete, updates)
	metrics.SubmissionsTotal.WithLabelValues(string(report.Status)).Inc()
	logger.WithFields(log.Fields{
		"status":     report.Status,
		"score":      report.Analysis.Score,
		"storage_id": report.StorageID,
		"ledger_ref": report.LedgerRef,
	}).Info("Report complete")

	updates <- models.Update{State: models.StateComplete, Report: report}
}

// enter moves the pipeline to s and records it on the report timeline. Every
// state except Complete is announced immediately; Complete is announced with
// the finished report.
func (p *Pipeline) enter(report *models.Report, s models.State, updates chan<- models.Update) {
	p.mu.Lock()
	p.state = s
	p.mu.Unlock()

	report.Timeline = append(report.Timeline, models.StageEvent{State: s, At: time.Now()})
	if s != models.StateComplete {
		updates <- models.Update{State: s}
	}
}

func (p *Pipeline) fail(logger log.Interface, err error, updates chan<- models.Update) {
	p.mu.Lock()
	p.state = models.StateIdle
	p.mu.Unlock()

	metrics.SubmissionsTotal.WithLabelValues("failed").Inc()
	logger.WithError(err).Error("Submission failed")
	updates <- models.Update{State: models.StateIdle, Err: err}
}

func observe(s models.State, started time.Time) {
	metrics.StageDurationSeconds.WithLabelValues(strings.ToLower(string(s))).Observe(time.Since(started).Seconds())
}

// VerificationHash is the keccak-256 hash of the analysis JSON, committed to
// the ledger alongside the storage id.
func VerificationHash(a models.AnalysisResult) string {
	data, err := json.Marshal(a)
	if err != nil {
		return ""
	}
	return crypto.Keccak256Hash(data).Hex()
}
