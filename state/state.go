// Package state holds the application's report list and current page as a
// single container updated through actions.
package state

import (
	"strings"
	"sync"

	"civicreport/models"
)

// Page is the view the client is showing.
type Page string

const (
	PageHome      Page = "home"
	PageReport    Page = "report"
	PageFeed      Page = "feed"
	PageTrack     Page = "track"
	PageDashboard Page = "dashboard"
)

// ParsePage returns the page named s.
func ParsePage(s string) (Page, bool) {
	switch p := Page(s); p {
	case PageHome, PageReport, PageFeed, PageTrack, PageDashboard:
		return p, true
	}
	return "", false
}

// AppState is an immutable snapshot. Reports are newest first.
type AppState struct {
	Reports []models.Report `json:"reports"`
	Page    Page            `json:"page"`
}

// Action is a state transition.
type Action interface {
	apply(AppState) AppState
}

// ReportAdded prepends a finished report.
type ReportAdded struct {
	Report models.Report
}

func (a ReportAdded) apply(s AppState) AppState {
	for _, r := range s.Reports {
		if r.ID == a.Report.ID {
			return s
		}
	}
	reports := make([]models.Report, 0, len(s.Reports)+1)
	reports = append(reports, a.Report)
	reports = append(reports, s.Reports...)
	s.Reports = reports
	return s
}

// ReportsLoaded replaces the list, e.g. with reports read from the database
// on startup. Reports must already be newest first.
type ReportsLoaded struct {
	Reports []models.Report
}

func (a ReportsLoaded) apply(s AppState) AppState {
	s.Reports = append([]models.Report(nil), a.Reports...)
	return s
}

// PageChanged switches the current page.
type PageChanged struct {
	Page Page
}

func (a PageChanged) apply(s AppState) AppState {
	s.Page = a.Page
	return s
}

// Reduce returns the state that results from applying action to s. s is not
// modified.
func Reduce(s AppState, action Action) AppState {
	return action.apply(s)
}

// Store owns the current AppState.
type Store struct {
	mu    sync.RWMutex
	state AppState
}

// NewStore returns an empty store showing the home page.
func NewStore() *Store {
	return &Store{state: AppState{Page: PageHome}}
}

// Dispatch applies the action and returns the new state.
func (s *Store) Dispatch(action Action) AppState {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.state = Reduce(s.state, action)
	return s.state
}

// Snapshot returns the current state. Callers must not modify the slice.
func (s *Store) Snapshot() AppState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Find returns the report with the given id.
func (s *Store) Find(id string) (models.Report, bool) {
	for _, r := range s.Snapshot().Reports {
		if r.ID == id {
			return r, true
		}
	}
	return models.Report{}, false
}

// FindByStorageID returns the report stored under the given content id.
func (s *Store) FindByStorageID(storageID string) (models.Report, bool) {
	for _, r := range s.Snapshot().Reports {
		if r.StorageID == storageID {
			return r, true
		}
	}
	return models.Report{}, false
}

// Filter selects reports for the feed.
type Filter struct {
	// Query matches description, summary and storage id, case-insensitively.
	Query string
	// Status keeps only reports with this status when set.
	Status models.Status
}

// Match reports whether r passes the filter.
func (f Filter) Match(r models.Report) bool {
	if f.Status != "" && r.Status != f.Status {
		return false
	}
	q := strings.ToLower(strings.TrimSpace(f.Query))
	if q == "" {
		return true
	}
	return strings.Contains(strings.ToLower(r.Description), q) ||
		strings.Contains(strings.ToLower(r.Analysis.Summary), q) ||
		strings.Contains(strings.ToLower(r.StorageID), q)
}

// List returns the matching reports, newest first.
func (s *Store) List(f Filter) []models.Report {
	var out []models.Report
	for _, r := range s.Snapshot().Reports {
		if f.Match(r) {
			out = append(out, r)
		}
	}
	return out
}
