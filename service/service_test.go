package service

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"civicreport/analyzer"
	"civicreport/config"
	"civicreport/database"
	"civicreport/evidence"
	"civicreport/ledger"
	"civicreport/models"
	"civicreport/pipeline"
	"civicreport/state"
	"civicreport/storage"
)

type fakeDB struct {
	mu      sync.Mutex
	saved   []models.Report
	loaded  []models.Report
	saveErr error
}

func (f *fakeDB) CreateReportsTable() error  { return nil }
func (f *fakeDB) MigrateReportsTable() error { return nil }

func (f *fakeDB) SaveReport(r *models.Report) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.saveErr != nil {
		return f.saveErr
	}
	f.saved = append(f.saved, *r)
	return nil
}

func (f *fakeDB) GetReport(id string) (*models.Report, error) {
	for _, r := range f.loaded {
		if r.ID == id {
			r.Evidence = "from-db"
			return &r, nil
		}
	}
	return nil, database.ErrNotFound
}

func (f *fakeDB) GetReportByStorageID(storageID string) (*models.Report, error) {
	for _, r := range f.loaded {
		if r.StorageID == storageID {
			return &r, nil
		}
	}
	return nil, database.ErrNotFound
}

func (f *fakeDB) ListReports(limit int) ([]models.Report, error) {
	return f.loaded, nil
}

type fakePublisher struct {
	mu        sync.Mutex
	published []string
	err       error
	closed    bool
}

func (f *fakePublisher) PublishReport(r *models.Report) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.published = append(f.published, r.ID)
	return nil
}

func (f *fakePublisher) Close() error {
	f.closed = true
	return nil
}

type fakeHub struct {
	mu      sync.Mutex
	states  []models.State
	reports []models.Report
}

func (f *fakeHub) BroadcastState(_ int, s models.State) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.states = append(f.states, s)
}

func (f *fakeHub) BroadcastReport(r models.Report) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.reports = append(f.reports, r)
}

func testConfig(workers int) *config.Config {
	return &config.Config{PipelineWorkers: workers}
}

func newTestService(t *testing.T, workers int, deps Dependencies) *Service {
	t.Helper()
	if deps.Analyzer == nil {
		deps.Analyzer = analyzer.NewSimulated()
	}
	if deps.Uploader == nil {
		deps.Uploader = storage.NewSimulated(0)
	}
	if deps.Committer == nil {
		deps.Committer = ledger.NewSimulated(0)
	}
	s, err := NewService(testConfig(workers), deps)
	if err != nil {
		t.Fatalf("NewService() error = %v", err)
	}
	return s
}

func drain(t *testing.T, updates <-chan models.Update) *models.Report {
	t.Helper()
	timeout := time.After(5 * time.Second)
	var report *models.Report
	for {
		select {
		case u, ok := <-updates:
			if !ok {
				return report
			}
			if u.Report != nil {
				report = u.Report
			}
		case <-timeout:
			t.Fatal("submission did not finish")
		}
	}
}

func TestSubmitRecordsReport(t *testing.T) {
	db := &fakeDB{}
	pub := &fakePublisher{}
	hub := &fakeHub{}
	s := newTestService(t, 1, Dependencies{DB: db, Publisher: pub, Hub: hub})

	updates, err := s.Submit(models.ReportInput{Description: "Pothole on Main St"})
	if err != nil {
		t.Fatalf("Submit() error = %v", err)
	}
	report := drain(t, updates)
	if report == nil {
		t.Fatal("no report received")
	}

	if got, ok := s.store.Find(report.ID); !ok || got.StorageID != report.StorageID {
		t.Errorf("report %s not in the state store", report.ID)
	}
	if len(db.saved) != 1 || db.saved[0].ID != report.ID {
		t.Errorf("saved = %+v", db.saved)
	}
	if len(pub.published) != 1 || pub.published[0] != report.ID {
		t.Errorf("published = %v", pub.published)
	}
	want := []models.State{models.StateAnalyzing, models.StateStoring, models.StateCommitting, models.StateComplete}
	if len(hub.states) != len(want) {
		t.Fatalf("broadcast states = %v, want %v", hub.states, want)
	}
	for i := range want {
		if hub.states[i] != want[i] {
			t.Errorf("broadcast states = %v, want %v", hub.states, want)
			break
		}
	}
	if len(hub.reports) != 1 {
		t.Errorf("broadcast %d reports, want 1", len(hub.reports))
	}
	if s.Page() != state.PageFeed {
		t.Errorf("Page() = %q, want feed after a submission", s.Page())
	}
}

func TestNavigate(t *testing.T) {
	s := newTestService(t, 1, Dependencies{})
	if s.Page() != state.PageHome {
		t.Errorf("Page() = %q, want home", s.Page())
	}
	if p, err := s.Navigate("dashboard"); err != nil || p != state.PageDashboard {
		t.Errorf("Navigate(dashboard) = %q, %v", p, err)
	}
	if _, err := s.Navigate("admin"); !errors.Is(err, ErrUnknownPage) {
		t.Errorf("Navigate(admin) error = %v, want ErrUnknownPage", err)
	}
	if s.Page() != state.PageDashboard {
		t.Errorf("Page() = %q, want dashboard after a rejected navigation", s.Page())
	}
}

func TestSideChannelFailuresDoNotFailSubmission(t *testing.T) {
	db := &fakeDB{saveErr: errors.New("disk full")}
	pub := &fakePublisher{err: errors.New("channel closed")}
	s := newTestService(t, 1, Dependencies{DB: db, Publisher: pub})

	updates, err := s.Submit(models.ReportInput{Description: "x"})
	if err != nil {
		t.Fatal(err)
	}
	report := drain(t, updates)
	if report == nil {
		t.Fatal("no report received")
	}
	if len(s.Reports(state.Filter{})) != 1 {
		t.Error("report missing from the feed")
	}
}

func TestSubmitBusy(t *testing.T) {
	release := make(chan struct{})
	gated := analyzer.Func(func(context.Context, string, *evidence.Evidence) (models.AnalysisResult, error) {
		<-release
		return analyzer.SimulationFallback(), nil
	})
	s := newTestService(t, 2, Dependencies{Analyzer: gated})

	first, err := s.Submit(models.ReportInput{Description: "one"})
	if err != nil {
		t.Fatal(err)
	}
	second, err := s.Submit(models.ReportInput{Description: "two"})
	if err != nil {
		t.Fatalf("second Submit() should use the second pipeline: %v", err)
	}
	if _, err := s.Submit(models.ReportInput{Description: "three"}); !errors.Is(err, ErrBusy) {
		t.Fatalf("third Submit() error = %v, want ErrBusy", err)
	}
	for _, st := range s.States() {
		if st != models.StateAnalyzing {
			t.Errorf("States() = %v", s.States())
		}
	}

	close(release)
	drain(t, first)
	drain(t, second)
	if n := len(s.Reports(state.Filter{})); n != 2 {
		t.Errorf("feed has %d reports, want 2", n)
	}
}

func TestSubmitValidationErrors(t *testing.T) {
	s := newTestService(t, 1, Dependencies{})
	if _, err := s.Submit(models.ReportInput{Description: " "}); !errors.Is(err, pipeline.ErrEmptyDescription) {
		t.Errorf("Submit() error = %v, want ErrEmptyDescription", err)
	}
}

func TestStartLoadsPersistedReports(t *testing.T) {
	db := &fakeDB{loaded: []models.Report{
		{ID: "bbbbbbbbb", StorageID: "Qmb", Status: models.StatusVerified, Category: "Accident", Analysis: models.AnalysisResult{Score: 0.9}},
		{ID: "aaaaaaaaa", StorageID: "Qma", Status: models.StatusFlagged, Category: "Other", Analysis: models.AnalysisResult{Score: 0.2}},
	}}
	s := newTestService(t, 1, Dependencies{DB: db})
	if err := s.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}

	if n := len(s.Reports(state.Filter{})); n != 2 {
		t.Fatalf("feed has %d reports, want 2", n)
	}
	if got := s.Reports(state.Filter{Status: models.StatusFlagged}); len(got) != 1 || got[0].ID != "aaaaaaaaa" {
		t.Errorf("flagged feed = %+v", got)
	}

	// Loaded reports carry no evidence, so the database copy is returned.
	r, err := s.Report("aaaaaaaaa")
	if err != nil || r.Evidence != "from-db" {
		t.Errorf("Report() = %+v, %v", r, err)
	}
	if _, err := s.Report("zzzzzzzzz"); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("Report(missing) error = %v, want ErrNotFound", err)
	}
	if r, err := s.Track("Qmb"); err != nil || r.ID != "bbbbbbbbb" {
		t.Errorf("Track() = %+v, %v", r, err)
	}
	if st := s.Stats(); st.Total != 2 || st.VerifiedPercent != 50 {
		t.Errorf("Stats() = %+v", st)
	}
}

func TestMemoryOnlyLookups(t *testing.T) {
	s := newTestService(t, 1, Dependencies{})
	updates, err := s.Submit(models.ReportInput{Description: "Broken light", Evidence: "data:image/png;base64,AAAA"})
	if err != nil {
		t.Fatal(err)
	}
	report := drain(t, updates)

	got, err := s.Report(report.ID)
	if err != nil || got.ID != report.ID {
		t.Errorf("Report() = %+v, %v", got, err)
	}
	if got, err := s.Track(report.StorageID); err != nil || got.ID != report.ID {
		t.Errorf("Track() = %+v, %v", got, err)
	}
	if _, err := s.Track("Qmnothing"); !errors.Is(err, database.ErrNotFound) {
		t.Errorf("Track(missing) error = %v", err)
	}
}

func TestStopClosesPublisher(t *testing.T) {
	pub := &fakePublisher{}
	s := newTestService(t, 1, Dependencies{Publisher: pub})
	s.Stop()
	if !pub.closed {
		t.Error("publisher not closed")
	}
}

func TestNewUploaderAndCommitter(t *testing.T) {
	cfg := &config.Config{StorageBackend: config.StorageSimulated, LedgerBackend: config.LedgerSimulated}
	u, err := NewUploader(cfg)
	if err != nil || u.Name() != "Simulated" {
		t.Errorf("NewUploader() = %v, %v", u, err)
	}
	c, err := NewCommitter(cfg)
	if err != nil || c.Name() != "Simulated" {
		t.Errorf("NewCommitter() = %v, %v", c, err)
	}

	cfg.StorageBackend = "ipfs"
	if _, err := NewUploader(cfg); err == nil {
		t.Error("expected an error for an unknown storage backend")
	}
	cfg.LedgerBackend = "solana"
	if _, err := NewCommitter(cfg); err == nil {
		t.Error("expected an error for an unknown ledger backend")
	}
}
