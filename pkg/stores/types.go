package stores

import (
	"context"
	"database/sql"
	"strings"
	"time"

	"github.com/openfroyo/mlpipe/pkg/engine"
)

// Store defines the interface for the persistence layer. It holds pipeline
// records with their deployment units, stackset instances and lifecycle
// history, and the provisioning locks shared by engine processes.
type Store interface {
	engine.RecordStore
	engine.LockManager

	// Lifecycle
	Init(ctx context.Context) error
	Close() error
	Migrate(ctx context.Context) error

	// Utility
	HealthCheck(ctx context.Context) error
}

var _ Store = (*SQLiteStore)(nil)

// timeLayout is the persisted timestamp format. It sorts lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.UTC().Format(timeLayout)
}

func parseTime(s string) (time.Time, error) {
	if s == "" {
		return time.Time{}, nil
	}
	return time.Parse(timeLayout, s)
}

// nullString maps an empty string to SQL NULL.
func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// isUniqueViolation reports whether err is a primary key or unique constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

// rowScanner is satisfied by *sql.Row and *sql.Rows.
type rowScanner interface {
	Scan(dest ...any) error
}
