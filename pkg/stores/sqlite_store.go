package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/golang-migrate/migrate/v4"
	migratesqlite "github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/openfroyo/mlpipe/pkg/engine"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
	now func() time.Time
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
	BusyTimeout     time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("database path is required")
	}

	// Set defaults
	if cfg.MaxOpenConns == 0 {
		cfg.MaxOpenConns = 25
	}
	if cfg.MaxIdleConns == 0 {
		cfg.MaxIdleConns = 5
	}
	if cfg.ConnMaxLifetime == 0 {
		cfg.ConnMaxLifetime = 5 * time.Minute
	}
	if cfg.BusyTimeout == 0 {
		cfg.BusyTimeout = 5 * time.Second
	}
	// Every connection to :memory: is a separate database.
	if cfg.Path == ":memory:" {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{
		cfg: cfg,
		now: time.Now,
	}, nil
}

// Open creates, initializes and migrates a store.
func Open(ctx context.Context, cfg Config) (*SQLiteStore, error) {
	s, err := NewSQLiteStore(cfg)
	if err != nil {
		return nil, err
	}
	if err := s.Init(ctx); err != nil {
		return nil, err
	}
	if err := s.Migrate(ctx); err != nil {
		_ = s.Close()
		return nil, err
	}
	return s, nil
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	dsn := fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=busy_timeout(%d)&_pragma=synchronous(NORMAL)&_txlock=immediate",
		s.cfg.Path, s.cfg.BusyTimeout.Milliseconds())
	if s.cfg.Path != ":memory:" {
		dsn += "&_pragma=journal_mode(WAL)"
	}

	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return fmt.Errorf("failed to open database: %w", err)
	}

	// Configure connection pool
	db.SetMaxOpenConns(s.cfg.MaxOpenConns)
	db.SetMaxIdleConns(s.cfg.MaxIdleConns)
	db.SetConnMaxLifetime(s.cfg.ConnMaxLifetime)

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("failed to ping database: %w", err)
	}

	s.db = db
	return nil
}

// Close closes the database connection
func (s *SQLiteStore) Close() error {
	if s.db != nil {
		return s.db.Close()
	}
	return nil
}

// Migrate runs database migrations.
func (s *SQLiteStore) Migrate(_ context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}

	// Create migration source from embedded FS
	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	// Create database driver
	driver, err := migratesqlite.WithInstance(s.db, &migratesqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	// Create migration instance
	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	// Run migrations
	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// HealthCheck verifies the database is reachable.
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return fmt.Errorf("database not initialized")
	}
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("database ping failed: %w", err)
	}
	return nil
}

// withTx runs fn in a transaction, rolling back on error.
func (s *SQLiteStore) withTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	if err := fn(tx); err != nil {
		_ = tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}
	return nil
}

// CreateRecord inserts a new pipeline record at version 1.
func (s *SQLiteStore) CreateRecord(ctx context.Context, rec *engine.PipelineRecord) error {
	params, err := json.Marshal(rec.CurrentParameters)
	if err != nil {
		return fmt.Errorf("failed to encode parameters: %w", err)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO pipelines (pipeline_id, pipeline_type, pipeline_option, parameters, terminated, version, created_at, updated_at)
			VALUES (?, ?, ?, ?, ?, 1, ?, ?)
		`,
			rec.PipelineID,
			rec.PipelineType,
			rec.Option,
			string(params),
			rec.Terminated,
			formatTime(rec.CreatedAt),
			formatTime(rec.UpdatedAt),
		)
		if isUniqueViolation(err) {
			return engine.NewAlreadyExistsError(rec.PipelineID)
		}
		if err != nil {
			return fmt.Errorf("failed to create pipeline: %w", err)
		}
		return writeChildren(ctx, tx, rec, 0)
	})
	if err != nil {
		return err
	}

	rec.Version = 1
	return nil
}

// UpdateRecord writes rec if the stored version equals expectedVersion.
func (s *SQLiteStore) UpdateRecord(ctx context.Context, rec *engine.PipelineRecord, expectedVersion int64) error {
	params, err := json.Marshal(rec.CurrentParameters)
	if err != nil {
		return fmt.Errorf("failed to encode parameters: %w", err)
	}

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		result, err := tx.ExecContext(ctx, `
			UPDATE pipelines
			SET pipeline_type = ?, pipeline_option = ?, parameters = ?, terminated = ?, version = ?, updated_at = ?
			WHERE pipeline_id = ? AND version = ?
		`,
			rec.PipelineType,
			rec.Option,
			string(params),
			rec.Terminated,
			expectedVersion+1,
			formatTime(rec.UpdatedAt),
			rec.PipelineID,
			expectedVersion,
		)
		if err != nil {
			return fmt.Errorf("failed to update pipeline: %w", err)
		}

		rows, err := result.RowsAffected()
		if err != nil {
			return fmt.Errorf("failed to get rows affected: %w", err)
		}
		if rows == 0 {
			return versionMismatch(ctx, tx, rec.PipelineID, expectedVersion)
		}

		var stored int
		if err := tx.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(sequence), 0) FROM lifecycle_events WHERE pipeline_id = ?`,
			rec.PipelineID,
		).Scan(&stored); err != nil {
			return fmt.Errorf("failed to read history length: %w", err)
		}

		if _, err := tx.ExecContext(ctx, `DELETE FROM stackset_instances WHERE pipeline_id = ?`, rec.PipelineID); err != nil {
			return fmt.Errorf("failed to clear stackset instances: %w", err)
		}
		return writeChildren(ctx, tx, rec, stored)
	})
	if err != nil {
		return err
	}

	rec.Version = expectedVersion + 1
	return nil
}

func versionMismatch(ctx context.Context, tx *sql.Tx, pipelineID string, expected int64) error {
	var actual int64
	err := tx.QueryRowContext(ctx, `SELECT version FROM pipelines WHERE pipeline_id = ?`, pipelineID).Scan(&actual)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.NewPipelineNotFoundError(pipelineID)
	}
	if err != nil {
		return fmt.Errorf("failed to read pipeline version: %w", err)
	}
	return engine.NewConflictError("pipeline record version mismatch", nil).
		WithCode(engine.ErrCodeVersionConflict).
		WithResource(pipelineID).
		WithDetail("expected", expected).
		WithDetail("actual", actual)
}

// writeChildren upserts the deployment unit, rewrites the instances and
// appends history events past storedEvents. History is append-only.
func writeChildren(ctx context.Context, tx *sql.Tx, rec *engine.PipelineRecord, storedEvents int) error {
	u := rec.DeploymentUnit
	if u.Kind != "" {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO deployment_units (
				pipeline_id, unit_name, kind, status, template_id,
				last_request_id, last_operation_id, last_error, submitted_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
			ON CONFLICT(pipeline_id) DO UPDATE SET
				unit_name = excluded.unit_name,
				kind = excluded.kind,
				status = excluded.status,
				template_id = excluded.template_id,
				last_request_id = excluded.last_request_id,
				last_operation_id = excluded.last_operation_id,
				last_error = excluded.last_error,
				submitted_at = excluded.submitted_at,
				updated_at = excluded.updated_at
		`,
			rec.PipelineID,
			u.UnitName,
			string(u.Kind),
			string(u.Status),
			u.TemplateID,
			u.LastRequestID,
			u.LastOperationID,
			u.LastError,
			formatTime(u.SubmittedAt),
			formatTime(u.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to write deployment unit: %w", err)
		}
	}

	for i, inst := range u.Instances {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO stackset_instances (
				pipeline_id, account_id, region, position, unit_name, status,
				last_operation_id, last_error, submitted_at, updated_at
			) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		`,
			rec.PipelineID,
			inst.Environment.AccountID,
			inst.Environment.Region,
			i,
			inst.UnitName,
			string(inst.Status),
			inst.LastOperationID,
			inst.LastError,
			formatTime(inst.SubmittedAt),
			formatTime(inst.UpdatedAt),
		)
		if err != nil {
			return fmt.Errorf("failed to write stackset instance %s: %w", inst.Environment, err)
		}
	}

	for _, ev := range rec.History {
		if ev.Sequence <= storedEvents {
			continue
		}
		var account, region string
		if ev.Environment != nil {
			account, region = ev.Environment.AccountID, ev.Environment.Region
		}
		_, err := tx.ExecContext(ctx, `
			INSERT INTO lifecycle_events (pipeline_id, sequence, occurred_at, from_state, to_state, detail, account_id, region)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		`,
			rec.PipelineID,
			ev.Sequence,
			formatTime(ev.Timestamp),
			string(ev.FromState),
			string(ev.ToState),
			ev.Detail,
			nullString(account),
			nullString(region),
		)
		if err != nil {
			return fmt.Errorf("failed to append lifecycle event %d: %w", ev.Sequence, err)
		}
	}

	return nil
}

// GetRecord loads a pipeline record with its unit, instances and history.
func (s *SQLiteStore) GetRecord(ctx context.Context, pipelineID string) (*engine.PipelineRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT pipeline_id, pipeline_type, pipeline_option, parameters, terminated, version, created_at, updated_at
		FROM pipelines
		WHERE pipeline_id = ?
	`, pipelineID)

	rec, err := scanPipeline(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, engine.NewPipelineNotFoundError(pipelineID)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get pipeline: %w", err)
	}

	if err := s.loadChildren(ctx, rec); err != nil {
		return nil, err
	}
	return rec, nil
}

func scanPipeline(row rowScanner) (*engine.PipelineRecord, error) {
	var (
		rec                  engine.PipelineRecord
		params               string
		createdAt, updatedAt string
	)
	if err := row.Scan(
		&rec.PipelineID,
		&rec.PipelineType,
		&rec.Option,
		&params,
		&rec.Terminated,
		&rec.Version,
		&createdAt,
		&updatedAt,
	); err != nil {
		return nil, err
	}

	if err := json.Unmarshal([]byte(params), &rec.CurrentParameters); err != nil {
		return nil, fmt.Errorf("failed to decode parameters of %s: %w", rec.PipelineID, err)
	}
	var err error
	if rec.CreatedAt, err = parseTime(createdAt); err != nil {
		return nil, err
	}
	if rec.UpdatedAt, err = parseTime(updatedAt); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *SQLiteStore) loadChildren(ctx context.Context, rec *engine.PipelineRecord) error {
	u := &rec.DeploymentUnit
	var kind, status, submittedAt, updatedAt string
	err := s.db.QueryRowContext(ctx, `
		SELECT unit_name, kind, status, template_id, last_request_id, last_operation_id, last_error, submitted_at, updated_at
		FROM deployment_units
		WHERE pipeline_id = ?
	`, rec.PipelineID).Scan(
		&u.UnitName,
		&kind,
		&status,
		&u.TemplateID,
		&u.LastRequestID,
		&u.LastOperationID,
		&u.LastError,
		&submittedAt,
		&updatedAt,
	)
	switch {
	case errors.Is(err, sql.ErrNoRows):
	case err != nil:
		return fmt.Errorf("failed to get deployment unit: %w", err)
	default:
		u.Kind = engine.UnitKind(kind)
		u.Status = engine.DeploymentStatus(status)
		if u.SubmittedAt, err = parseTime(submittedAt); err != nil {
			return err
		}
		if u.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return err
		}
	}

	if err := s.loadInstances(ctx, rec); err != nil {
		return err
	}
	return s.loadHistory(ctx, rec)
}

func (s *SQLiteStore) loadInstances(ctx context.Context, rec *engine.PipelineRecord) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT account_id, region, unit_name, status, last_operation_id, last_error, submitted_at, updated_at
		FROM stackset_instances
		WHERE pipeline_id = ?
		ORDER BY position ASC
	`, rec.PipelineID)
	if err != nil {
		return fmt.Errorf("failed to list stackset instances: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			inst                   engine.StackSetInstance
			status                 string
			submittedAt, updatedAt string
		)
		if err := rows.Scan(
			&inst.Environment.AccountID,
			&inst.Environment.Region,
			&inst.UnitName,
			&status,
			&inst.LastOperationID,
			&inst.LastError,
			&submittedAt,
			&updatedAt,
		); err != nil {
			return fmt.Errorf("failed to scan stackset instance: %w", err)
		}
		inst.Status = engine.DeploymentStatus(status)
		if inst.SubmittedAt, err = parseTime(submittedAt); err != nil {
			return err
		}
		if inst.UpdatedAt, err = parseTime(updatedAt); err != nil {
			return err
		}
		rec.DeploymentUnit.Instances = append(rec.DeploymentUnit.Instances, inst)
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating stackset instances: %w", err)
	}
	return nil
}

func (s *SQLiteStore) loadHistory(ctx context.Context, rec *engine.PipelineRecord) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT sequence, occurred_at, from_state, to_state, detail, account_id, region
		FROM lifecycle_events
		WHERE pipeline_id = ?
		ORDER BY sequence ASC
	`, rec.PipelineID)
	if err != nil {
		return fmt.Errorf("failed to list lifecycle events: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			ev              engine.LifecycleEvent
			occurredAt      string
			from, to        string
			account, region sql.NullString
		)
		if err := rows.Scan(&ev.Sequence, &occurredAt, &from, &to, &ev.Detail, &account, &region); err != nil {
			return fmt.Errorf("failed to scan lifecycle event: %w", err)
		}
		ev.FromState = engine.DeploymentStatus(from)
		ev.ToState = engine.DeploymentStatus(to)
		if ev.Timestamp, err = parseTime(occurredAt); err != nil {
			return err
		}
		if account.Valid {
			ev.Environment = &engine.EnvironmentRef{AccountID: account.String, Region: region.String}
		}
		rec.History = append(rec.History, ev)
	}

	if err := rows.Err(); err != nil {
		return fmt.Errorf("error iterating lifecycle events: %w", err)
	}
	return nil
}

var outstandingStatuses = []any{
	string(engine.StatusRequested),
	string(engine.StatusInProgress),
	string(engine.StatusUnknown),
}

// ListRecords returns records matching filter, ordered by pipeline ID.
func (s *SQLiteStore) ListRecords(ctx context.Context, filter engine.PipelineFilter) ([]*engine.PipelineRecord, error) {
	var (
		where []string
		args  []any
	)
	if !filter.IncludeTerminated {
		where = append(where, "p.terminated = 0")
	}
	if filter.PipelineType != "" {
		where = append(where, "p.pipeline_type = ?")
		args = append(args, filter.PipelineType)
	}
	if filter.Status != "" {
		where = append(where, "u.status = ?")
		args = append(args, string(filter.Status))
	}
	if filter.OutstandingOnly {
		where = append(where, `(u.status IN (?, ?, ?) OR EXISTS (
			SELECT 1 FROM stackset_instances i
			WHERE i.pipeline_id = p.pipeline_id AND i.status IN (?, ?, ?)))`)
		args = append(args, outstandingStatuses...)
		args = append(args, outstandingStatuses...)
	}

	query := `
		SELECT p.pipeline_id, p.pipeline_type, p.pipeline_option, p.parameters, p.terminated, p.version, p.created_at, p.updated_at
		FROM pipelines p
		LEFT JOIN deployment_units u ON u.pipeline_id = p.pipeline_id
	`
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY p.pipeline_id ASC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list pipelines: %w", err)
	}

	var recs []*engine.PipelineRecord
	for rows.Next() {
		rec, err := scanPipeline(rows)
		if err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan pipeline: %w", err)
		}
		recs = append(recs, rec)
	}
	if err := rows.Err(); err != nil {
		rows.Close()
		return nil, fmt.Errorf("error iterating pipelines: %w", err)
	}
	rows.Close()

	// Children are loaded after the cursor is closed so a single-connection
	// pool is not starved.
	for _, rec := range recs {
		if err := s.loadChildren(ctx, rec); err != nil {
			return nil, err
		}
	}
	return recs, nil
}

// TryLock acquires or renews the provisioning lease of a pipeline. An expired
// lease is taken over; a live lease held by someone else is refused.
func (s *SQLiteStore) TryLock(ctx context.Context, pipelineID, holder string, ttl time.Duration) (bool, error) {
	now := s.now()
	result, err := s.db.ExecContext(ctx, `
		INSERT INTO provisioning_locks (pipeline_id, holder, expires_at)
		VALUES (?, ?, ?)
		ON CONFLICT(pipeline_id) DO UPDATE SET
			holder = excluded.holder,
			expires_at = excluded.expires_at
		WHERE provisioning_locks.holder = excluded.holder OR provisioning_locks.expires_at <= ?
	`, pipelineID, holder, now.Add(ttl).UnixNano(), now.UnixNano())
	if err != nil {
		return false, fmt.Errorf("failed to acquire lock: %w", err)
	}

	rows, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("failed to get rows affected: %w", err)
	}
	return rows == 1, nil
}

// Unlock releases the lease if holder still owns it.
func (s *SQLiteStore) Unlock(ctx context.Context, pipelineID, holder string) error {
	_, err := s.db.ExecContext(ctx,
		`DELETE FROM provisioning_locks WHERE pipeline_id = ? AND holder = ?`,
		pipelineID, holder,
	)
	if err != nil {
		return fmt.Errorf("failed to release lock: %w", err)
	}
	return nil
}
