package stores

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	"github.com/golang-migrate/migrate/v4/source/iofs"

	"github.com/nlabh01/brooklyn-server/pkg/blueprint"
	"github.com/nlabh01/brooklyn-server/pkg/engine"
	"github.com/nlabh01/brooklyn-server/pkg/entity"

	// SQLite driver
	_ "modernc.org/sqlite"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// MemoryPath opens a private in-memory database.
const MemoryPath = ":memory:"

// SQLiteStore implements the Store interface using SQLite
type SQLiteStore struct {
	db  *sql.DB
	cfg Config
}

// Config holds SQLite store configuration
type Config struct {
	Path            string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// NewSQLiteStore creates a new SQLite store instance
func NewSQLiteStore(cfg Config) (*SQLiteStore, error) {
	if cfg.Path == "" {
		return nil, engine.NewPermanentError("database path is required", nil).
			WithCode(engine.ErrCodeValidation)
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
	// Every connection to :memory: sees its own database.
	if cfg.Path == MemoryPath {
		cfg.MaxOpenConns = 1
		cfg.MaxIdleConns = 1
		cfg.ConnMaxLifetime = 0
	}

	return &SQLiteStore{cfg: cfg}, nil
}

func (s *SQLiteStore) dsn() string {
	if s.cfg.Path == MemoryPath {
		return "file::memory:?_pragma=foreign_keys(1)"
	}
	return fmt.Sprintf("file:%s?_pragma=foreign_keys(1)&_pragma=journal_mode(WAL)"+
		"&_pragma=busy_timeout(5000)&_pragma=synchronous(NORMAL)&_txlock=immediate", s.cfg.Path)
}

// Init initializes the database connection and enables WAL mode.
func (s *SQLiteStore) Init(ctx context.Context) error {
	db, err := sql.Open("sqlite", s.dsn())
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
		return errNotInitialized()
	}

	sourceDriver, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	driver, err := sqlite.WithInstance(s.db, &sqlite.Config{})
	if err != nil {
		return fmt.Errorf("failed to create database driver: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", sourceDriver, "sqlite", driver)
	if err != nil {
		return fmt.Errorf("failed to create migration instance: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// BeginTx starts a new transaction
func (s *SQLiteStore) BeginTx(ctx context.Context) (*sql.Tx, error) {
	if s.db == nil {
		return nil, errNotInitialized()
	}
	return s.db.BeginTx(ctx, &sql.TxOptions{
		Isolation: sql.LevelSerializable,
	})
}

// RecordDeployment inserts or updates a deployment record.
func (s *SQLiteStore) RecordDeployment(ctx context.Context, rec blueprint.Record) error {
	query := `
		INSERT INTO deployments (id, blueprint, source, app_id, status, errors, started_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			app_id = excluded.app_id,
			status = excluded.status,
			errors = excluded.errors,
			updated_at = excluded.updated_at
	`

	errs := rec.Errors
	if errs == nil {
		errs = []string{}
	}
	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.Blueprint,
		rec.Source,
		rec.AppID,
		rec.Status,
		encodeJSON(errs),
		rec.StartedAt,
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record deployment: %w", err)
	}

	return nil
}

// GetDeployment retrieves a deployment by ID
func (s *SQLiteStore) GetDeployment(ctx context.Context, id string) (*Deployment, error) {
	query := `
		SELECT id, blueprint, source, app_id, status, errors, started_at, updated_at
		FROM deployments
		WHERE id = ?
	`

	d, err := scanDeployment(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("deployment", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get deployment: %w", err)
	}

	return d, nil
}

// ListDeployments lists deployments, most recent first
func (s *SQLiteStore) ListDeployments(ctx context.Context, limit, offset int) ([]*Deployment, error) {
	query := `
		SELECT id, blueprint, source, app_id, status, errors, started_at, updated_at
		FROM deployments
		ORDER BY started_at DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list deployments: %w", err)
	}
	defer rows.Close()

	deployments := []*Deployment{}
	for rows.Next() {
		d, err := scanDeployment(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan deployment: %w", err)
		}
		deployments = append(deployments, d)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating deployments: %w", err)
	}

	return deployments, nil
}

// DeleteDeployment deletes a deployment by ID
func (s *SQLiteStore) DeleteDeployment(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `DELETE FROM deployments WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete deployment: %w", err)
	}
	return expectRow(result, "deployment", id)
}

// RecordNode inserts or updates the record of a node.
func (s *SQLiteStore) RecordNode(ctx context.Context, rec entity.NodeRecord) error {
	query := `
		INSERT INTO nodes (id, plan_id, parent_id, display_name, type, lifecycle, config, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			parent_id = excluded.parent_id,
			display_name = excluded.display_name,
			lifecycle = excluded.lifecycle,
			config = excluded.config,
			updated_at = excluded.updated_at
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.ID,
		rec.PlanID,
		nullString(rec.ParentID),
		rec.DisplayName,
		rec.Type,
		rec.Lifecycle,
		encodeJSON(rec.Config),
		rec.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to record node: %w", err)
	}

	return nil
}

// GetNode retrieves a node by ID
func (s *SQLiteStore) GetNode(ctx context.Context, id string) (*Node, error) {
	query := `
		SELECT id, plan_id, parent_id, display_name, type, lifecycle, config, updated_at
		FROM nodes
		WHERE id = ?
	`

	n, err := scanNode(s.db.QueryRowContext(ctx, query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, notFound("node", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get node: %w", err)
	}

	return n, nil
}

// ListNodes lists the children of parentID, or the roots when parentID is
// nil.
func (s *SQLiteStore) ListNodes(ctx context.Context, parentID *string) ([]*Node, error) {
	query := `
		SELECT id, plan_id, parent_id, display_name, type, lifecycle, config, updated_at
		FROM nodes
		WHERE (? IS NULL AND parent_id IS NULL) OR parent_id = ?
		ORDER BY updated_at ASC, id ASC
	`

	rows, err := s.db.QueryContext(ctx, query, parentID, parentID)
	if err != nil {
		return nil, fmt.Errorf("failed to list nodes: %w", err)
	}
	defer rows.Close()

	nodes := []*Node{}
	for rows.Next() {
		n, err := scanNode(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan node: %w", err)
		}
		nodes = append(nodes, n)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating nodes: %w", err)
	}

	return nodes, nil
}

// AppendSensorEvents appends events to the log in one transaction and sets
// their IDs.
func (s *SQLiteStore) AppendSensorEvents(ctx context.Context, events []*SensorEvent) (err error) {
	if len(events) == 0 {
		return nil
	}

	tx, err := s.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO sensor_events (node_id, sensor, value, seq, timestamp)
		VALUES (?, ?, ?, ?, ?)
	`)
	if err != nil {
		return fmt.Errorf("failed to prepare sensor event insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range events {
		result, err := stmt.ExecContext(ctx, e.NodeID, e.Sensor, e.Value, e.Seq, e.Timestamp)
		if err != nil {
			return fmt.Errorf("failed to append sensor event: %w", err)
		}
		id, err := result.LastInsertId()
		if err != nil {
			return fmt.Errorf("failed to get sensor event ID: %w", err)
		}
		e.ID = id
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("failed to commit sensor events: %w", err)
	}
	return nil
}

// GetSensorEvents retrieves sensor events with optional filters, most
// recent first.
func (s *SQLiteStore) GetSensorEvents(ctx context.Context, nodeID, sensor *string, limit, offset int) ([]*SensorEvent, error) {
	query := `
		SELECT id, node_id, sensor, value, seq, timestamp
		FROM sensor_events
		WHERE (? IS NULL OR node_id = ?)
		  AND (? IS NULL OR sensor = ?)
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, nodeID, nodeID, sensor, sensor, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to get sensor events: %w", err)
	}
	defer rows.Close()

	events := []*SensorEvent{}
	for rows.Next() {
		e := &SensorEvent{}
		err := rows.Scan(
			&e.ID,
			&e.NodeID,
			&e.Sensor,
			&e.Value,
			&e.Seq,
			&e.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan sensor event: %w", err)
		}
		events = append(events, e)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating sensor events: %w", err)
	}

	return events, nil
}

// RecordAdjunctFailure appends an attachment failure.
func (s *SQLiteStore) RecordAdjunctFailure(ctx context.Context, rec entity.FailureRecord) error {
	query := `
		INSERT INTO adjunct_failures (node_id, adjunct_id, adjunct_type, kind, phase, reason, timestamp)
		VALUES (?, ?, ?, ?, ?, ?, ?)
	`

	_, err := s.db.ExecContext(ctx, query,
		rec.NodeID,
		rec.AdjunctID,
		rec.AdjunctType,
		rec.Kind,
		rec.Phase,
		rec.Reason,
		rec.At,
	)
	if err != nil {
		return fmt.Errorf("failed to record adjunct failure: %w", err)
	}

	return nil
}

// ListAdjunctFailures lists attachment failures, optionally of one node,
// most recent first.
func (s *SQLiteStore) ListAdjunctFailures(ctx context.Context, nodeID *string, limit, offset int) ([]*AdjunctFailure, error) {
	query := `
		SELECT id, node_id, adjunct_id, adjunct_type, kind, phase, reason, timestamp
		FROM adjunct_failures
		WHERE (? IS NULL OR node_id = ?)
		ORDER BY id DESC
		LIMIT ? OFFSET ?
	`

	rows, err := s.db.QueryContext(ctx, query, nodeID, nodeID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to list adjunct failures: %w", err)
	}
	defer rows.Close()

	failures := []*AdjunctFailure{}
	for rows.Next() {
		f := &AdjunctFailure{}
		err := rows.Scan(
			&f.ID,
			&f.NodeID,
			&f.AdjunctID,
			&f.AdjunctType,
			&f.Kind,
			&f.Phase,
			&f.Reason,
			&f.Timestamp,
		)
		if err != nil {
			return nil, fmt.Errorf("failed to scan adjunct failure: %w", err)
		}
		failures = append(failures, f)
	}

	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating adjunct failures: %w", err)
	}

	return failures, nil
}

// HealthCheck verifies the database connection is healthy
func (s *SQLiteStore) HealthCheck(ctx context.Context) error {
	if s.db == nil {
		return errNotInitialized()
	}

	return s.db.PingContext(ctx)
}

type scanner interface {
	Scan(dest ...any) error
}

func scanDeployment(row scanner) (*Deployment, error) {
	d := &Deployment{}
	err := row.Scan(
		&d.ID,
		&d.Blueprint,
		&d.Source,
		&d.AppID,
		&d.Status,
		&d.Errors,
		&d.StartedAt,
		&d.UpdatedAt,
	)
	return d, err
}

func scanNode(row scanner) (*Node, error) {
	n := &Node{}
	err := row.Scan(
		&n.ID,
		&n.PlanID,
		&n.ParentID,
		&n.DisplayName,
		&n.Type,
		&n.Lifecycle,
		&n.Config,
		&n.UpdatedAt,
	)
	return n, err
}

func expectRow(result sql.Result, what, id string) error {
	rows, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to get rows affected: %w", err)
	}
	if rows == 0 {
		return notFound(what, id)
	}
	return nil
}

func notFound(what, id string) error {
	return engine.NewPermanentError(what+" not found", nil).
		WithCode(engine.ErrCodeNotFound).
		WithResource(id)
}

func errNotInitialized() error {
	return engine.NewPermanentError("database not initialized", nil).
		WithCode(engine.ErrCodeInternal)
}

func nullString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

// encodeJSON renders v as JSON, falling back to a JSON string of its
// printed form for values JSON cannot represent.
func encodeJSON(v any) string {
	b, err := json.Marshal(v)
	if err != nil {
		b, _ = json.Marshal(fmt.Sprint(v))
	}
	return string(b)
}
