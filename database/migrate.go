package database

import (
	"fmt"

	"github.com/apex/log"
)

// Columns added after the first release of civic_reports.
var reportMigrations = []struct {
	column     string
	definition string
}{
	{"cell_token", "VARCHAR(32) NOT NULL DEFAULT ''"},
	{"ledger_tx", "VARCHAR(66) NOT NULL DEFAULT ''"},
	{"timeline", "TEXT"},
}

// columnExists checks if a column exists in a table
func (d *Database) columnExists(tableName, columnName string) (bool, error) {
	query := `
	SELECT COUNT(*)
	FROM INFORMATION_SCHEMA.COLUMNS
	WHERE TABLE_SCHEMA = DATABASE()
	AND TABLE_NAME = ?
	AND COLUMN_NAME = ?`

	var count int
	if err := d.db.QueryRow(query, tableName, columnName).Scan(&count); err != nil {
		return false, fmt.Errorf("failed to check column %s.%s: %w", tableName, columnName, err)
	}
	return count > 0, nil
}

// MigrateReportsTable adds the columns missing from older civic_reports tables.
func (d *Database) MigrateReportsTable() error {
	for _, m := range reportMigrations {
		exists, err := d.columnExists("civic_reports", m.column)
		if err != nil {
			return err
		}
		if exists {
			continue
		}
		log.Infof("Adding %s column to civic_reports table", m.column)
		if _, err := d.db.Exec(fmt.Sprintf("ALTER TABLE civic_reports ADD COLUMN %s %s", m.column, m.definition)); err != nil {
			return fmt.Errorf("failed to add %s column: %w", m.column, err)
		}
	}
	return nil
}
