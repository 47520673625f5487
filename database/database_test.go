package database

import (
	"database/sql"
	"errors"
	"testing"
	"time"

	sqlmock "github.com/DATA-DOG/go-sqlmock"
	"github.com/jknair0/beforeeach"

	"civicreport/models"
)

var (
	db   *sql.DB
	mock sqlmock.Sqlmock
)

func setUp() {
	db, mock, _ = sqlmock.New()
}

func tearDown() {
	db.Close()
}

var it = beforeeach.Create(setUp, tearDown)

var listColumns = []string{
	"id", "created_at", "description", "location", "latitude", "longitude", "cell_token",
	"category", "score", "analysis_category", "summary", "is_authentic",
	"verification_hash", "storage_id", "ledger_ref", "ledger_tx", "status", "timeline",
}

var createdAt = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

func testReport() *models.Report {
	return &models.Report{
		ID:          "abc123xyz",
		CreatedAt:   createdAt,
		Description: "Pothole on Main St",
		Location:    "40.7128, -74.0060",
		Coordinates: &models.Coordinates{Latitude: 40.7128, Longitude: -74.006, CellToken: "89c25"},
		Evidence:    "data:image/jpeg;base64,AAAA",
		Category:    "Infrastructure",
		Analysis: models.AnalysisResult{
			Score:       0.88,
			Category:    "Infrastructure",
			Summary:     "Road damage.",
			IsAuthentic: true,
		},
		VerificationHash: "0x" + "ab",
		StorageID:        "Qm" + "cd",
		LedgerRef:        "0x" + "ef",
		Status:           models.StatusVerified,
		Timeline:         []models.StageEvent{{State: models.StateAnalyzing, At: createdAt}},
	}
}

func TestCreateReportsTable(t *testing.T) {
	it(func() {
		mock.ExpectExec("CREATE TABLE IF NOT EXISTS civic_reports").
			WillReturnResult(sqlmock.NewResult(0, 0))

		if err := New(db).CreateReportsTable(); err != nil {
			t.Errorf("CreateReportsTable() error = %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})
}

func TestSaveReport(t *testing.T) {
	it(func() {
		r := testReport()
		mock.ExpectExec("INSERT IGNORE INTO civic_reports").
			WithArgs(
				r.ID, r.CreatedAt, r.Description, r.Location, 40.7128, -74.006, "89c25",
				r.Evidence, "Infrastructure", 0.88, "Infrastructure", "Road damage.", true,
				r.VerificationHash, r.StorageID, r.LedgerRef, "", "Verified", sqlmock.AnyArg(),
			).
			WillReturnResult(sqlmock.NewResult(1, 1))

		if err := New(db).SaveReport(r); err != nil {
			t.Errorf("SaveReport() error = %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})
}

func TestSaveReportWithoutCoordinates(t *testing.T) {
	it(func() {
		r := testReport()
		r.Coordinates = nil
		r.Location = "Remote"
		mock.ExpectExec("INSERT IGNORE INTO civic_reports").
			WithArgs(
				r.ID, r.CreatedAt, r.Description, "Remote", nil, nil, "",
				sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
				sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(), sqlmock.AnyArg(),
			).
			WillReturnResult(sqlmock.NewResult(1, 1))

		if err := New(db).SaveReport(r); err != nil {
			t.Errorf("SaveReport() error = %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})
}

func TestSaveReportError(t *testing.T) {
	it(func() {
		mock.ExpectExec("INSERT IGNORE INTO civic_reports").WillReturnError(errors.New("connection lost"))
		if err := New(db).SaveReport(testReport()); err == nil {
			t.Error("expected an error")
		}
	})
}

func TestGetReport(t *testing.T) {
	testCases := []struct {
		name    string
		found   bool
		wantErr error
	}{
		{"found", true, nil},
		{"missing", false, ErrNotFound},
	}

	for _, tc := range testCases {
		it(func() {
			rows := sqlmock.NewRows(append(listColumns, "evidence"))
			if tc.found {
				rows.AddRow(
					"abc123xyz", createdAt, "Pothole on Main St", "Remote", nil, nil, "",
					"Infrastructure", 0.88, "Infrastructure", "Road damage.", true,
					"0xab", "Qmcd", "0xef", "", "Verified", `[{"state":"Analyzing","at":"2025-03-01T12:00:00Z"}]`,
					"data:image/jpeg;base64,AAAA",
				)
			}
			mock.ExpectQuery("SELECT (.+) FROM civic_reports WHERE id = ?").
				WithArgs("abc123xyz").
				WillReturnRows(rows)

			r, err := New(db).GetReport("abc123xyz")
			if !errors.Is(err, tc.wantErr) {
				t.Fatalf("%s: GetReport() error = %v, want %v", tc.name, err, tc.wantErr)
			}
			if !tc.found {
				return
			}
			if r.Status != models.StatusVerified || r.Analysis.Score != 0.88 || !r.Analysis.IsAuthentic {
				t.Errorf("%s: got %+v", tc.name, r)
			}
			if r.Coordinates != nil {
				t.Errorf("%s: Coordinates = %+v, want nil", tc.name, r.Coordinates)
			}
			if r.Evidence != "data:image/jpeg;base64,AAAA" {
				t.Errorf("%s: Evidence = %q", tc.name, r.Evidence)
			}
			if len(r.Timeline) != 1 || r.Timeline[0].State != models.StateAnalyzing {
				t.Errorf("%s: Timeline = %+v", tc.name, r.Timeline)
			}
		})
	}
}

func TestGetReportByStorageID(t *testing.T) {
	it(func() {
		rows := sqlmock.NewRows(append(listColumns, "evidence")).AddRow(
			"abc123xyz", createdAt, "Broken light", "40.7128, -74.0060", 40.7128, -74.006, "89c25",
			"Other", 0.3, "Other", nil, false,
			"0xab", "Qmcd", "0xef", "0x1234", "Flagged", nil,
			nil,
		)
		mock.ExpectQuery("SELECT (.+) FROM civic_reports WHERE storage_id = ?").
			WithArgs("Qmcd").
			WillReturnRows(rows)

		r, err := New(db).GetReportByStorageID("Qmcd")
		if err != nil {
			t.Fatalf("GetReportByStorageID() error = %v", err)
		}
		if r.Coordinates == nil || r.Coordinates.CellToken != "89c25" {
			t.Errorf("Coordinates = %+v", r.Coordinates)
		}
		if r.LedgerTx != "0x1234" || r.Evidence != "" || r.Timeline != nil {
			t.Errorf("got %+v", r)
		}
	})
}

func TestListReports(t *testing.T) {
	it(func() {
		rows := sqlmock.NewRows(listColumns).
			AddRow("bbbbbbbbb", createdAt.Add(time.Minute), "second", "Remote", nil, nil, "",
				"Accident", 0.9, "Accident", "s", true, "0x1", "Qm2", "0x3", "", "Verified", nil).
			AddRow("aaaaaaaaa", createdAt, "first", "Remote", nil, nil, "",
				"Other", 0.1, "Other", "f", false, "0x4", "Qm5", "0x6", "", "Flagged", nil)
		mock.ExpectQuery("SELECT (.+) FROM civic_reports ORDER BY created_at DESC LIMIT ?").
			WithArgs(50).
			WillReturnRows(rows)

		reports, err := New(db).ListReports(50)
		if err != nil {
			t.Fatalf("ListReports() error = %v", err)
		}
		if len(reports) != 2 || reports[0].ID != "bbbbbbbbb" || reports[1].Status != models.StatusFlagged {
			t.Errorf("ListReports() = %+v", reports)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})
}

func TestMigrateReportsTable(t *testing.T) {
	it(func() {
		mock.ExpectQuery("SELECT COUNT").WithArgs("civic_reports", "cell_token").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))
		mock.ExpectQuery("SELECT COUNT").WithArgs("civic_reports", "ledger_tx").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(0))
		mock.ExpectExec("ALTER TABLE civic_reports ADD COLUMN ledger_tx").
			WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectQuery("SELECT COUNT").WithArgs("civic_reports", "timeline").
			WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(1))

		if err := New(db).MigrateReportsTable(); err != nil {
			t.Errorf("MigrateReportsTable() error = %v", err)
		}
		if err := mock.ExpectationsWereMet(); err != nil {
			t.Errorf("unmet expectations: %v", err)
		}
	})
}
