package database

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/apex/log"
	_ "github.com/go-sql-driver/mysql"

	"civicreport/config"
	"civicreport/models"
)

// ErrNotFound is returned when no report matches the lookup.
var ErrNotFound = errors.New("report not found")

const maxPingInterval = 30 * time.Second

// Database stores completed reports in MySQL.
type Database struct {
	db *sql.DB
}

// NewDatabase opens the connection and waits until MySQL answers.
func NewDatabase(cfg *config.Config) (*Database, error) {
	db, err := sql.Open("mysql", cfg.DSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// Ping with exponential backoff: 1s, 2s, 4s, ... capped at 30s.
	waitInterval := time.Second
	for {
		if err := db.Ping(); err == nil {
			break
		}
		log.Warnf("Database connection failed, retrying in %v: %v", waitInterval, err)
		time.Sleep(waitInterval)
		waitInterval *= 2
		if waitInterval > maxPingInterval {
			waitInterval = maxPingInterval
		}
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &Database{db: db}, nil
}

// New wraps an existing connection.
func New(db *sql.DB) *Database {
	return &Database{db: db}
}

func (d *Database) Close() error {
	return d.db.Close()
}

// CreateReportsTable creates the civic_reports table if it doesn't exist
func (d *Database) CreateReportsTable() error {
	query := `
	CREATE TABLE IF NOT EXISTS civic_reports (
		id CHAR(9) NOT NULL,
		created_at DATETIME(3) NOT NULL,
		description TEXT NOT NULL,
		location VARCHAR(255) NOT NULL DEFAULT 'Remote',
		latitude DOUBLE NULL,
		longitude DOUBLE NULL,
		cell_token VARCHAR(32) NOT NULL DEFAULT '',
		evidence LONGTEXT,
		category VARCHAR(64) NOT NULL,
		score DOUBLE NOT NULL,
		analysis_category VARCHAR(64) NOT NULL,
		summary TEXT,
		is_authentic BOOLEAN NOT NULL DEFAULT FALSE,
		verification_hash CHAR(66) NOT NULL,
		storage_id CHAR(46) NOT NULL,
		ledger_ref CHAR(42) NOT NULL,
		ledger_tx VARCHAR(66) NOT NULL DEFAULT '',
		status ENUM('Verified', 'Flagged', 'Pending') NOT NULL,
		timeline TEXT,
		PRIMARY KEY (id),
		INDEX idx_civic_reports_created_at (created_at),
		INDEX idx_civic_reports_storage_id (storage_id),
		INDEX idx_civic_reports_status (status),
		INDEX idx_civic_reports_cell_token (cell_token)
	)`

	if _, err := d.db.Exec(query); err != nil {
		return fmt.Errorf("failed to create civic_reports table: %w", err)
	}

	log.Info("civic_reports table created/verified successfully")
	return nil
}

// SaveReport inserts a completed report. Saving the same id twice is a no-op.
func (d *Database) SaveReport(r *models.Report) error {
	timeline, err := json.Marshal(r.Timeline)
	if err != nil {
		return fmt.Errorf("failed to marshal timeline: %w", err)
	}

	var lat, lng sql.NullFloat64
	var cellToken string
	if r.Coordinates != nil {
		lat = sql.NullFloat64{Float64: r.Coordinates.Latitude, Valid: true}
		lng = sql.NullFloat64{Float64: r.Coordinates.Longitude, Valid: true}
		cellToken = r.Coordinates.CellToken
	}

	query := `
	INSERT IGNORE INTO civic_reports (
		id, created_at, description, location, latitude, longitude, cell_token,
		evidence, category, score, analysis_category, summary, is_authentic,
		verification_hash, storage_id, ledger_ref, ledger_tx, status, timeline
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	_, err = d.db.Exec(query,
		r.ID, r.CreatedAt, r.Description, r.Location, lat, lng, cellToken,
		r.Evidence, r.Category, r.Analysis.Score, r.Analysis.Category, r.Analysis.Summary, r.Analysis.IsAuthentic,
		r.VerificationHash, r.StorageID, r.LedgerRef, r.LedgerTx, string(r.Status), string(timeline),
	)
	if err != nil {
		return fmt.Errorf("failed to save report %s: %w", r.ID, err)
	}
	return nil
}

const reportColumns = `id, created_at, description, location, latitude, longitude, cell_token,
		category, score, analysis_category, summary, is_authentic,
		verification_hash, storage_id, ledger_ref, ledger_tx, status, timeline`

// GetReport returns the report with the given id, evidence included.
func (d *Database) GetReport(id string) (*models.Report, error) {
	return d.getOne(`SELECT `+reportColumns+`, evidence FROM civic_reports WHERE id = ?`, id)
}

// GetReportByStorageID returns the report stored under the given content id.
func (d *Database) GetReportByStorageID(storageID string) (*models.Report, error) {
	return d.getOne(`SELECT `+reportColumns+`, evidence FROM civic_reports WHERE storage_id = ? LIMIT 1`, storageID)
}

func (d *Database) getOne(query string, arg string) (*models.Report, error) {
	var evidence sql.NullString
	r, err := scanReport(d.db.QueryRow(query, arg), &evidence)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get report: %w", err)
	}
	r.Evidence = evidence.String
	return r, nil
}

// ListReports returns up to limit reports, newest first, without evidence.
func (d *Database) ListReports(limit int) ([]models.Report, error) {
	rows, err := d.db.Query(`SELECT `+reportColumns+` FROM civic_reports ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list reports: %w", err)
	}
	defer rows.Close()

	var reports []models.Report
	for rows.Next() {
		r, err := scanReport(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan report: %w", err)
		}
		reports = append(reports, *r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating reports: %w", err)
	}
	return reports, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanReport(s scanner, extra ...any) (*models.Report, error) {
	var (
		r         models.Report
		lat, lng  sql.NullFloat64
		cellToken string
		summary   sql.NullString
		status    string
		timeline  sql.NullString
	)
	dest := []any{
		&r.ID, &r.CreatedAt, &r.Description, &r.Location, &lat, &lng, &cellToken,
		&r.Category, &r.Analysis.Score, &r.Analysis.Category, &summary, &r.Analysis.IsAuthentic,
		&r.VerificationHash, &r.StorageID, &r.LedgerRef, &r.LedgerTx, &status, &timeline,
	}
	if err := s.Scan(append(dest, extra...)...); err != nil {
		return nil, err
	}

	r.Analysis.Summary = summary.String
	r.Status = models.Status(status)
	if lat.Valid && lng.Valid {
		r.Coordinates = &models.Coordinates{Latitude: lat.Float64, Longitude: lng.Float64, CellToken: cellToken}
	}
	if timeline.Valid && timeline.String != "" {
		if err := json.Unmarshal([]byte(timeline.String), &r.Timeline); err != nil {
			log.Warnf("Ignoring malformed timeline of report %s: %v", r.ID, err)
		}
	}
	return &r, nil
}
