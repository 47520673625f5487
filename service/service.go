package service

import (
	"errors"
	"fmt"

	"github.com/apex/log"

	"civicreport/analyzer"
	"civicreport/config"
	"civicreport/database"
	"civicreport/ledger"
	"civicreport/metrics"
	"civicreport/models"
	"civicreport/pipeline"
	"civicreport/state"
	"civicreport/stats"
	"civicreport/storage"
)

var (
	// ErrBusy is returned when every pipeline has a submission in flight.
	ErrBusy = errors.New("all pipelines are busy")
	// ErrUnknownPage is returned by Navigate for a page that does not exist.
	ErrUnknownPage = errors.New("unknown page")
)

// loadLimit is how many persisted reports are loaded into memory on start.
const loadLimit = 1000

// ReportStore persists completed reports. *database.Database implements it.
type ReportStore interface {
	CreateReportsTable() error
	MigrateReportsTable() error
	SaveReport(r *models.Report) error
	GetReport(id string) (*models.Report, error)
	GetReportByStorageID(storageID string) (*models.Report, error)
	ListReports(limit int) ([]models.Report, error)
}

// Publisher announces completed reports. *rabbitmq.Publisher implements it.
type Publisher interface {
	PublishReport(r *models.Report) error
	Close() error
}

// Broadcaster pushes live updates. *websocket.Hub implements it.
type Broadcaster interface {
	BroadcastState(worker int, s models.State)
	BroadcastReport(r models.Report)
}

// Dependencies are the collaborators of the service. Nil Analyzer, Uploader
// and Committer are built from the configuration; nil DB, Publisher and Hub
// disable that side channel.
type Dependencies struct {
	Analyzer  analyzer.Analyzer
	Uploader  storage.Uploader
	Committer ledger.Committer
	DB        ReportStore
	Publisher Publisher
	Hub       Broadcaster
}

// Service owns the pipelines and the application state.
type Service struct {
	config    *config.Config
	pipelines []*pipeline.Pipeline
	store     *state.Store
	db        ReportStore
	publisher Publisher
	hub       Broadcaster
}

// NewService creates the service with cfg.PipelineWorkers pipelines sharing
// the same backends.
func NewService(cfg *config.Config, deps Dependencies) (*Service, error) {
	var err error
	if deps.Analyzer == nil {
		deps.Analyzer = analyzer.New(cfg)
	}
	if deps.Uploader == nil {
		if deps.Uploader, err = NewUploader(cfg); err != nil {
			return nil, err
		}
	}
	if deps.Committer == nil {
		if deps.Committer, err = NewCommitter(cfg); err != nil {
			return nil, err
		}
	}

	workers := cfg.PipelineWorkers
	if workers <= 0 {
		workers = 1
	}
	pipelines := make([]*pipeline.Pipeline, workers)
	for i := range pipelines {
		pipelines[i] = pipeline.New(deps.Analyzer, deps.Uploader, deps.Committer)
	}
	log.Infof("Service configured with %d pipeline(s), analyzer=%s storage=%s ledger=%s",
		workers, deps.Analyzer.Name(), deps.Uploader.Name(), deps.Committer.Name())

	return &Service{
		config:    cfg,
		pipelines: pipelines,
		store:     state.NewStore(),
		db:        deps.DB,
		publisher: deps.Publisher,
		hub:       deps.Hub,
	}, nil
}

// NewUploader builds the content storage backend selected by the configuration.
func NewUploader(cfg *config.Config) (storage.Uploader, error) {
	switch cfg.StorageBackend {
	case config.StorageS3:
		return storage.NewS3Uploader(cfg.S3), nil
	case config.StorageSimulated, "":
		return storage.NewSimulated(cfg.StorageDelay), nil
	default:
		return nil, fmt.Errorf("unknown storage backend %q", cfg.StorageBackend)
	}
}

// NewCommitter builds the ledger backend selected by the configuration.
func NewCommitter(cfg *config.Config) (ledger.Committer, error) {
	switch cfg.LedgerBackend {
	case config.LedgerEthereum:
		return ledger.NewEthCommitter(cfg.Ethereum)
	case config.LedgerSimulated, "":
		return ledger.NewSimulated(cfg.LedgerDelay), nil
	default:
		return nil, fmt.Errorf("unknown ledger backend %q", cfg.LedgerBackend)
	}
}

// Start prepares the database and loads persisted reports into memory.
func (s *Service) Start() error {
	log.Info("Starting civic report service...")
	if s.db == nil {
		return nil
	}

	if err := s.db.CreateReportsTable(); err != nil {
		return err
	}
	if err := s.db.MigrateReportsTable(); err != nil {
		return err
	}
	reports, err := s.db.ListReports(loadLimit)
	if err != nil {
		return fmt.Errorf("failed to load reports: %w", err)
	}
	s.store.Dispatch(state.ReportsLoaded{Reports: reports})
	log.Infof("Loaded %d persisted reports", len(reports))
	return nil
}

// Stop releases the side channels.
func (s *Service) Stop() {
	log.Info("Stopping civic report service...")
	if s.publisher != nil {
		if err := s.publisher.Close(); err != nil {
			log.Warnf("Failed to close RabbitMQ publisher: %v", err)
		}
	}
}

// Submit starts the input on an idle pipeline. The returned channel carries
// the pipeline updates; the Complete update is forwarded only after the
// report has been recorded.
func (s *Service) Submit(input models.ReportInput) (<-chan models.Update, error) {
	for worker, p := range s.pipelines {
		updates, err := p.Submit(input)
		if errors.Is(err, pipeline.ErrSubmissionInFlight) {
			continue
		}
		if err != nil {
			return nil, err
		}

		out := make(chan models.Update, cap(updates))
		go s.forward(worker, updates, out)
		return out, nil
	}
	return nil, ErrBusy
}

func (s *Service) forward(worker int, in <-chan models.Update, out chan<- models.Update) {
	defer close(out)
	for u := range in {
		if s.hub != nil {
			s.hub.BroadcastState(worker, u.State)
		}
		if u.Report != nil {
			s.record(u.Report)
		}
		out <- u
	}
}

// record delivers a completed report to the state store and side channels,
// and moves the view to the feed where the new report is shown first. Side
// channel failures are logged and never fail the submission.
func (s *Service) record(r *models.Report) {
	s.store.Dispatch(state.ReportAdded{Report: *r})
	s.store.Dispatch(state.PageChanged{Page: state.PageFeed})

	if s.db != nil {
		if err := s.db.SaveReport(r); err != nil {
			metrics.PublishErrorTotal.WithLabelValues("database").Inc()
			log.Errorf("Failed to save report %s: %v", r.ID, err)
		}
	}
	if s.publisher != nil {
		if err := s.publisher.PublishReport(r); err != nil {
			metrics.PublishErrorTotal.WithLabelValues("rabbitmq").Inc()
			log.Errorf("Failed to publish report %s: %v", r.ID, err)
		}
	}
	if s.hub != nil {
		s.hub.BroadcastReport(*r)
	}
}

// Reports returns the feed, newest first.
func (s *Service) Reports(f state.Filter) []models.Report {
	return s.store.List(f)
}

// Report finds a report by id, falling back to the database for reports that
// are no longer in memory or were loaded without their evidence.
func (s *Service) Report(id string) (*models.Report, error) {
	r, ok := s.store.Find(id)
	if s.db != nil && !(ok && r.Evidence != "") {
		dbReport, err := s.db.GetReport(id)
		switch {
		case err == nil:
			return dbReport, nil
		case !errors.Is(err, database.ErrNotFound) && !ok:
			return nil, err
		}
	}
	if ok {
		return &r, nil
	}
	return nil, database.ErrNotFound
}

// Track finds a report by its storage id.
func (s *Service) Track(storageID string) (*models.Report, error) {
	if r, ok := s.store.FindByStorageID(storageID); ok {
		return &r, nil
	}
	if s.db != nil {
		return s.db.GetReportByStorageID(storageID)
	}
	return nil, database.ErrNotFound
}

// Stats summarizes the reports in memory for the dashboard.
func (s *Service) Stats() stats.Summary {
	return stats.Summarize(s.store.Snapshot().Reports)
}

// States returns the current state of every pipeline.
func (s *Service) States() []models.State {
	states := make([]models.State, len(s.pipelines))
	for i, p := range s.pipelines {
		states[i] = p.State()
	}
	return states
}

// Page returns the page the client should show.
func (s *Service) Page() state.Page {
	return s.store.Snapshot().Page
}

// Navigate switches the current page.
func (s *Service) Navigate(page string) (state.Page, error) {
	p, ok := state.ParsePage(page)
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownPage, page)
	}
	return s.store.Dispatch(state.PageChanged{Page: p}).Page, nil
}
