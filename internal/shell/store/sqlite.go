package store

import (
	"context"
	"database/sql"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/artpar/lambdaroll/internal/core/domain"
	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database/sqlite3"
	"github.com/golang-migrate/migrate/v4/source/iofs"
	"github.com/jmoiron/sqlx"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// timeLayout keeps a fixed width so stored timestamps sort lexically.
const timeLayout = "2006-01-02T15:04:05.000000000Z07:00"

// =============================================================================
// Executor Interface - Shared by DB and Transaction
// =============================================================================

// executor abstracts database operations that can be performed on both
// a database connection and a transaction.
type executor interface {
	GetContext(ctx context.Context, dest any, query string, args ...any) error
	SelectContext(ctx context.Context, dest any, query string, args ...any) error
	NamedExecContext(ctx context.Context, query string, arg any) (sql.Result, error)
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
}

// =============================================================================
// SQLiteStore
// =============================================================================

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sqlx.DB
}

// NewSQLiteStore creates a new SQLite store and runs migrations.
func NewSQLiteStore(dsn string) (*SQLiteStore, error) {
	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}

	db, err := sqlx.Open("sqlite3", dsn+sep+"_foreign_keys=on&_busy_timeout=5000")
	if err != nil {
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to open database", ErrConnectionFailed)
	}

	// SQLite allows one writer; a single connection also keeps :memory:
	// databases shared across goroutines.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", "failed to ping database", ErrConnectionFailed)
	}

	if err := runMigrations(db.DB); err != nil {
		db.Close()
		return nil, NewStoreError("NewSQLiteStore", "", "", err.Error(), ErrMigrationFailed)
	}

	return &SQLiteStore{db: db}, nil
}

// runMigrations runs database migrations using embedded SQL files.
func runMigrations(db *sql.DB) error {
	driver, err := sqlite3.WithInstance(db, &sqlite3.Config{})
	if err != nil {
		return fmt.Errorf("failed to create migration driver: %w", err)
	}

	source, err := iofs.New(migrationsFS, "migrations")
	if err != nil {
		return fmt.Errorf("failed to create migration source: %w", err)
	}

	m, err := migrate.NewWithInstance("iofs", source, "sqlite3", driver)
	if err != nil {
		return fmt.Errorf("failed to create migrator: %w", err)
	}

	if err := m.Up(); err != nil && !errors.Is(err, migrate.ErrNoChange) {
		return fmt.Errorf("failed to run migrations: %w", err)
	}

	return nil
}

// Close closes the database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// =============================================================================
// Run Operations
// =============================================================================

type runRow struct {
	ID           string  `db:"id"`
	Fleet        string  `db:"fleet"`
	SourceRef    string  `db:"source_ref"`
	SourceDir    string  `db:"source_dir"`
	Status       string  `db:"status"`
	CurrentStage string  `db:"current_stage"`
	ErrorMessage string  `db:"error_message"`
	CreatedAt    string  `db:"created_at"`
	UpdatedAt    string  `db:"updated_at"`
	FinishedAt   *string `db:"finished_at"`
}

func (s *SQLiteStore) CreateRun(ctx context.Context, run *domain.PipelineRun) error {
	return s.WithTx(ctx, func(tx Store) error {
		return tx.(*txSQLiteStore).createRun(ctx, run)
	})
}

func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*domain.PipelineRun, error) {
	return getRun(ctx, s.db, id)
}

func (s *SQLiteStore) UpdateRun(ctx context.Context, run *domain.PipelineRun) error {
	return updateRun(ctx, s.db, run)
}

func (s *SQLiteStore) ListRuns(ctx context.Context, opts ListOptions) ([]domain.PipelineRun, error) {
	return listRuns(ctx, s.db, opts)
}

func (s *SQLiteStore) ListActiveRuns(ctx context.Context, fleet string) ([]domain.PipelineRun, error) {
	return listActiveRuns(ctx, s.db, fleet)
}

// =============================================================================
// Stage Operations
// =============================================================================

type stageRow struct {
	RunID        string  `db:"run_id"`
	Stage        string  `db:"stage"`
	Position     int     `db:"position"`
	Status       string  `db:"status"`
	Outcomes     *string `db:"outcomes"`
	LayerVersion *string `db:"layer_version"`
	GateID       string  `db:"gate_id"`
	ErrorKind    string  `db:"error_kind"`
	ErrorMessage string  `db:"error_message"`
	StartedAt    *string `db:"started_at"`
	FinishedAt   *string `db:"finished_at"`
}

func (s *SQLiteStore) SaveStage(ctx context.Context, stage *domain.StageExecution) error {
	return saveStage(ctx, s.db, stage)
}

func (s *SQLiteStore) ListStages(ctx context.Context, runID string) ([]domain.StageExecution, error) {
	return listStages(ctx, s.db, runID)
}

// =============================================================================
// Gate Operations
// =============================================================================

type gateRow struct {
	ID         string  `db:"id"`
	RunID      string  `db:"run_id"`
	Stage      string  `db:"stage"`
	Status     string  `db:"status"`
	Info       string  `db:"info"`
	DecidedBy  string  `db:"decided_by"`
	Comment    string  `db:"comment"`
	CreatedAt  string  `db:"created_at"`
	DecidedAt  *string `db:"decided_at"`
	NotifiedAt *string `db:"notified_at"`
}

func (s *SQLiteStore) CreateGate(ctx context.Context, gate *domain.Gate) error {
	return createGate(ctx, s.db, gate)
}

func (s *SQLiteStore) GetGate(ctx context.Context, id string) (*domain.Gate, error) {
	return getGate(ctx, s.db, id)
}

func (s *SQLiteStore) GetGateForStage(ctx context.Context, runID string, stage domain.Stage) (*domain.Gate, error) {
	return getGateForStage(ctx, s.db, runID, stage)
}

func (s *SQLiteStore) UpdateGate(ctx context.Context, gate *domain.Gate, expected domain.GateStatus) error {
	return updateGate(ctx, s.db, gate, expected)
}

func (s *SQLiteStore) ListPendingGates(ctx context.Context) ([]domain.Gate, error) {
	return listPendingGates(ctx, s.db)
}

func (s *SQLiteStore) MarkGateNotified(ctx context.Context, id string, at time.Time) error {
	return markGateNotified(ctx, s.db, id, at)
}

// =============================================================================
// Layer Version Operations
// =============================================================================

type layerVersionRow struct {
	LayerName          string  `db:"layer_name"`
	Version            int64   `db:"version"`
	ARN                string  `db:"arn"`
	LayerARN           string  `db:"layer_arn"`
	CodeSHA256         string  `db:"code_sha256"`
	Description        string  `db:"description"`
	CompatibleRuntimes *string `db:"compatible_runtimes"`
	RunID              string  `db:"run_id"`
	PublishedAt        string  `db:"published_at"`
}

func (s *SQLiteStore) RecordLayerVersion(ctx context.Context, runID string, version *domain.LayerVersion) error {
	return recordLayerVersion(ctx, s.db, runID, version)
}

func (s *SQLiteStore) ListLayerVersions(ctx context.Context, layerName string, opts ListOptions) ([]domain.LayerVersion, error) {
	return listLayerVersions(ctx, s.db, layerName, opts)
}

// =============================================================================
// Transaction Support
// =============================================================================

func (s *SQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	tx, err := s.db.BeginTxx(ctx, nil)
	if err != nil {
		return NewStoreError("WithTx", "", "", "failed to begin transaction", ErrTxFailed)
	}

	txS := &txSQLiteStore{tx: tx}

	if err := fn(txS); err != nil {
		if rbErr := tx.Rollback(); rbErr != nil {
			return NewStoreError("WithTx", "", "", fmt.Sprintf("rollback failed after error: %v", err), ErrTxFailed)
		}
		return err
	}

	if err := tx.Commit(); err != nil {
		return NewStoreError("WithTx", "", "", "failed to commit transaction", ErrTxFailed)
	}

	return nil
}

// =============================================================================
// Transaction Store
// =============================================================================

// txSQLiteStore implements Store within a transaction.
type txSQLiteStore struct {
	tx *sqlx.Tx
}

func (s *txSQLiteStore) createRun(ctx context.Context, run *domain.PipelineRun) error {
	if err := createRun(ctx, s.tx, run); err != nil {
		return err
	}
	for i := range run.Stages {
		if err := insertStage(ctx, s.tx, &run.Stages[i]); err != nil {
			return err
		}
	}
	return nil
}

func (s *txSQLiteStore) CreateRun(ctx context.Context, run *domain.PipelineRun) error {
	return s.createRun(ctx, run)
}

func (s *txSQLiteStore) GetRun(ctx context.Context, id string) (*domain.PipelineRun, error) {
	return getRun(ctx, s.tx, id)
}

func (s *txSQLiteStore) UpdateRun(ctx context.Context, run *domain.PipelineRun) error {
	return updateRun(ctx, s.tx, run)
}

func (s *txSQLiteStore) ListRuns(ctx context.Context, opts ListOptions) ([]domain.PipelineRun, error) {
	return listRuns(ctx, s.tx, opts)
}

func (s *txSQLiteStore) ListActiveRuns(ctx context.Context, fleet string) ([]domain.PipelineRun, error) {
	return listActiveRuns(ctx, s.tx, fleet)
}

func (s *txSQLiteStore) SaveStage(ctx context.Context, stage *domain.StageExecution) error {
	return saveStage(ctx, s.tx, stage)
}

func (s *txSQLiteStore) ListStages(ctx context.Context, runID string) ([]domain.StageExecution, error) {
	return listStages(ctx, s.tx, runID)
}

func (s *txSQLiteStore) CreateGate(ctx context.Context, gate *domain.Gate) error {
	return createGate(ctx, s.tx, gate)
}

func (s *txSQLiteStore) GetGate(ctx context.Context, id string) (*domain.Gate, error) {
	return getGate(ctx, s.tx, id)
}

func (s *txSQLiteStore) GetGateForStage(ctx context.Context, runID string, stage domain.Stage) (*domain.Gate, error) {
	return getGateForStage(ctx, s.tx, runID, stage)
}

func (s *txSQLiteStore) UpdateGate(ctx context.Context, gate *domain.Gate, expected domain.GateStatus) error {
	return updateGate(ctx, s.tx, gate, expected)
}

func (s *txSQLiteStore) ListPendingGates(ctx context.Context) ([]domain.Gate, error) {
	return listPendingGates(ctx, s.tx)
}

func (s *txSQLiteStore) MarkGateNotified(ctx context.Context, id string, at time.Time) error {
	return markGateNotified(ctx, s.tx, id, at)
}

func (s *txSQLiteStore) RecordLayerVersion(ctx context.Context, runID string, version *domain.LayerVersion) error {
	return recordLayerVersion(ctx, s.tx, runID, version)
}

func (s *txSQLiteStore) ListLayerVersions(ctx context.Context, layerName string, opts ListOptions) ([]domain.LayerVersion, error) {
	return listLayerVersions(ctx, s.tx, layerName, opts)
}

func (s *txSQLiteStore) WithTx(ctx context.Context, fn func(Store) error) error {
	// Already in a transaction, just run the function
	return fn(s)
}

func (s *txSQLiteStore) Close() error {
	// No-op for tx store
	return nil
}

// =============================================================================
// Shared Implementation Functions
// =============================================================================

func createRun(ctx context.Context, exec executor, run *domain.PipelineRun) error {
	query := `
		INSERT INTO pipeline_runs (
			id, fleet, source_ref, source_dir, status, current_stage,
			error_message, created_at, updated_at, finished_at
		) VALUES (
			:id, :fleet, :source_ref, :source_dir, :status, :current_stage,
			:error_message, :created_at, :updated_at, :finished_at
		)`

	_, err := exec.NamedExecContext(ctx, query, runToRow(run))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: pipeline_runs.id") {
			return NewStoreError("CreateRun", "run", run.ID, "run with this ID already exists", ErrDuplicateID)
		}
		return NewStoreError("CreateRun", "run", run.ID, err.Error(), err)
	}
	return nil
}

func getRun(ctx context.Context, exec executor, id string) (*domain.PipelineRun, error) {
	var row runRow
	err := exec.GetContext(ctx, &row, `SELECT * FROM pipeline_runs WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetRun", "run", id, "run not found", ErrNotFound)
		}
		return nil, NewStoreError("GetRun", "run", id, err.Error(), err)
	}

	run := rowToRun(&row)
	stages, err := listStages(ctx, exec, id)
	if err != nil {
		return nil, err
	}
	run.Stages = stages
	return run, nil
}

func updateRun(ctx context.Context, exec executor, run *domain.PipelineRun) error {
	query := `
		UPDATE pipeline_runs SET
			status = :status,
			current_stage = :current_stage,
			error_message = :error_message,
			updated_at = :updated_at,
			finished_at = :finished_at
		WHERE id = :id`

	result, err := exec.NamedExecContext(ctx, query, runToRow(run))
	if err != nil {
		return NewStoreError("UpdateRun", "run", run.ID, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("UpdateRun", "run", run.ID, "run not found", ErrNotFound)
	}
	return nil
}

func listRuns(ctx context.Context, exec executor, opts ListOptions) ([]domain.PipelineRun, error) {
	opts = opts.Normalize()

	var rows []runRow
	err := exec.SelectContext(ctx, &rows,
		`SELECT * FROM pipeline_runs ORDER BY created_at DESC LIMIT ? OFFSET ?`, opts.Limit, opts.Offset)
	if err != nil {
		return nil, NewStoreError("ListRuns", "run", "", err.Error(), err)
	}

	runs := make([]domain.PipelineRun, 0, len(rows))
	for i := range rows {
		runs = append(runs, *rowToRun(&rows[i]))
	}
	return runs, nil
}

func listActiveRuns(ctx context.Context, exec executor, fleet string) ([]domain.PipelineRun, error) {
	query := `SELECT * FROM pipeline_runs WHERE status IN (?, ?)`
	args := []any{string(domain.RunPending), string(domain.RunRunning)}
	if fleet != "" {
		query += ` AND fleet = ?`
		args = append(args, fleet)
	}
	query += ` ORDER BY created_at ASC`

	var rows []runRow
	if err := exec.SelectContext(ctx, &rows, query, args...); err != nil {
		return nil, NewStoreError("ListActiveRuns", "run", "", err.Error(), err)
	}

	runs := make([]domain.PipelineRun, 0, len(rows))
	for i := range rows {
		run := rowToRun(&rows[i])
		stages, err := listStages(ctx, exec, run.ID)
		if err != nil {
			return nil, err
		}
		run.Stages = stages
		runs = append(runs, *run)
	}
	return runs, nil
}

func insertStage(ctx context.Context, exec executor, stage *domain.StageExecution) error {
	row, err := stageToRow(stage)
	if err != nil {
		return NewStoreError("CreateRun", "stage", stage.RunID, err.Error(), ErrInvalidData)
	}

	query := `
		INSERT INTO stage_executions (
			run_id, stage, position, status, outcomes, layer_version, gate_id,
			error_kind, error_message, started_at, finished_at
		) VALUES (
			:run_id, :stage, :position, :status, :outcomes, :layer_version, :gate_id,
			:error_kind, :error_message, :started_at, :finished_at
		)`

	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return NewStoreError("CreateRun", "stage", stage.RunID, "run not found", ErrForeignKey)
		}
		return NewStoreError("CreateRun", "stage", stage.RunID, err.Error(), err)
	}
	return nil
}

func saveStage(ctx context.Context, exec executor, stage *domain.StageExecution) error {
	row, err := stageToRow(stage)
	if err != nil {
		return NewStoreError("SaveStage", "stage", stage.RunID, err.Error(), ErrInvalidData)
	}

	query := `
		UPDATE stage_executions SET
			status = :status,
			outcomes = :outcomes,
			layer_version = :layer_version,
			gate_id = :gate_id,
			error_kind = :error_kind,
			error_message = :error_message,
			started_at = :started_at,
			finished_at = :finished_at
		WHERE run_id = :run_id AND stage = :stage`

	result, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		return NewStoreError("SaveStage", "stage", stage.RunID, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("SaveStage", "stage", stage.RunID+"/"+string(stage.Stage), "stage not found", ErrNotFound)
	}
	return nil
}

func listStages(ctx context.Context, exec executor, runID string) ([]domain.StageExecution, error) {
	var rows []stageRow
	err := exec.SelectContext(ctx, &rows,
		`SELECT * FROM stage_executions WHERE run_id = ? ORDER BY position ASC`, runID)
	if err != nil {
		return nil, NewStoreError("ListStages", "stage", runID, err.Error(), err)
	}

	stages := make([]domain.StageExecution, 0, len(rows))
	for i := range rows {
		st, err := rowToStage(&rows[i])
		if err != nil {
			return nil, err
		}
		stages = append(stages, *st)
	}
	return stages, nil
}

func createGate(ctx context.Context, exec executor, gate *domain.Gate) error {
	query := `
		INSERT INTO gates (
			id, run_id, stage, status, info, decided_by, comment,
			created_at, decided_at, notified_at
		) VALUES (
			:id, :run_id, :stage, :status, :info, :decided_by, :comment,
			:created_at, :decided_at, :notified_at
		)`

	_, err := exec.NamedExecContext(ctx, query, gateToRow(gate))
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return NewStoreError("CreateGate", "gate", gate.ID, "gate already exists for this stage", ErrDuplicateID)
		}
		if strings.Contains(err.Error(), "FOREIGN KEY constraint failed") {
			return NewStoreError("CreateGate", "gate", gate.ID, "run not found", ErrForeignKey)
		}
		return NewStoreError("CreateGate", "gate", gate.ID, err.Error(), err)
	}
	return nil
}

func getGate(ctx context.Context, exec executor, id string) (*domain.Gate, error) {
	var row gateRow
	err := exec.GetContext(ctx, &row, `SELECT * FROM gates WHERE id = ?`, id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetGate", "gate", id, "gate not found", ErrNotFound)
		}
		return nil, NewStoreError("GetGate", "gate", id, err.Error(), err)
	}
	return rowToGate(&row), nil
}

func getGateForStage(ctx context.Context, exec executor, runID string, stage domain.Stage) (*domain.Gate, error) {
	var row gateRow
	err := exec.GetContext(ctx, &row, `SELECT * FROM gates WHERE run_id = ? AND stage = ?`, runID, string(stage))
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, NewStoreError("GetGateForStage", "gate", runID+"/"+string(stage), "gate not found", ErrNotFound)
		}
		return nil, NewStoreError("GetGateForStage", "gate", runID, err.Error(), err)
	}
	return rowToGate(&row), nil
}

func updateGate(ctx context.Context, exec executor, gate *domain.Gate, expected domain.GateStatus) error {
	row := gateToRow(gate)
	row["expected_status"] = string(expected)

	query := `
		UPDATE gates SET
			status = :status,
			decided_by = :decided_by,
			comment = :comment,
			decided_at = :decided_at,
			notified_at = :notified_at
		WHERE id = :id AND status = :expected_status`

	result, err := exec.NamedExecContext(ctx, query, row)
	if err != nil {
		return NewStoreError("UpdateGate", "gate", gate.ID, err.Error(), err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected > 0 {
		return nil
	}

	// Distinguish a missing gate from one decided by someone else.
	if _, err := getGate(ctx, exec, gate.ID); err != nil {
		return err
	}
	return NewStoreError("UpdateGate", "gate", gate.ID, "gate is no longer "+string(expected), ErrStaleState)
}

func listPendingGates(ctx context.Context, exec executor) ([]domain.Gate, error) {
	var rows []gateRow
	err := exec.SelectContext(ctx, &rows,
		`SELECT * FROM gates WHERE status = ? ORDER BY created_at ASC`, string(domain.GatePending))
	if err != nil {
		return nil, NewStoreError("ListPendingGates", "gate", "", err.Error(), err)
	}

	gates := make([]domain.Gate, 0, len(rows))
	for i := range rows {
		gates = append(gates, *rowToGate(&rows[i]))
	}
	return gates, nil
}

func markGateNotified(ctx context.Context, exec executor, id string, at time.Time) error {
	result, err := exec.ExecContext(ctx, `UPDATE gates SET notified_at = ? WHERE id = ?`, formatTime(at), id)
	if err != nil {
		return NewStoreError("MarkGateNotified", "gate", id, err.Error(), err)
	}
	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return NewStoreError("MarkGateNotified", "gate", id, "gate not found", ErrNotFound)
	}
	return nil
}

func recordLayerVersion(ctx context.Context, exec executor, runID string, v *domain.LayerVersion) error {
	runtimes, err := json.Marshal(v.CompatibleRuntimes)
	if err != nil {
		return NewStoreError("RecordLayerVersion", "layer_version", v.String(), "failed to serialize runtimes", ErrInvalidData)
	}
	runtimesStr := string(runtimes)

	query := `
		INSERT INTO layer_versions (
			layer_name, version, arn, layer_arn, code_sha256, description,
			compatible_runtimes, run_id, published_at
		) VALUES (
			:layer_name, :version, :arn, :layer_arn, :code_sha256, :description,
			:compatible_runtimes, :run_id, :published_at
		)`

	row := layerVersionRow{
		LayerName:          v.LayerName,
		Version:            v.Version,
		ARN:                v.ARN,
		LayerARN:           v.LayerARN,
		CodeSHA256:         v.CodeSHA256,
		Description:        v.Description,
		CompatibleRuntimes: &runtimesStr,
		RunID:              runID,
		PublishedAt:        formatTime(v.PublishedAt),
	}

	if _, err := exec.NamedExecContext(ctx, query, row); err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return NewStoreError("RecordLayerVersion", "layer_version", v.String(), "version already recorded", ErrDuplicateID)
		}
		return NewStoreError("RecordLayerVersion", "layer_version", v.String(), err.Error(), err)
	}
	return nil
}

func listLayerVersions(ctx context.Context, exec executor, layerName string, opts ListOptions) ([]domain.LayerVersion, error) {
	opts = opts.Normalize()

	var rows []layerVersionRow
	err := exec.SelectContext(ctx, &rows,
		`SELECT * FROM layer_versions WHERE layer_name = ? ORDER BY version DESC LIMIT ? OFFSET ?`,
		layerName, opts.Limit, opts.Offset)
	if err != nil {
		return nil, NewStoreError("ListLayerVersions", "layer_version", layerName, err.Error(), err)
	}

	versions := make([]domain.LayerVersion, 0, len(rows))
	for i := range rows {
		v, err := rowToLayerVersion(&rows[i])
		if err != nil {
			return nil, err
		}
		versions = append(versions, *v)
	}
	return versions, nil
}

// =============================================================================
// Row Conversion
// =============================================================================

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func formatTimePtr(t *time.Time) *string {
	if t == nil {
		return nil
	}
	s := formatTime(*t)
	return &s
}

func parseTime(s string) time.Time {
	t, _ := time.Parse(timeLayout, s)
	return t
}

func parseTimePtr(s *string) *time.Time {
	if s == nil || *s == "" {
		return nil
	}
	t := parseTime(*s)
	return &t
}

func runToRow(run *domain.PipelineRun) map[string]any {
	return map[string]any{
		"id":            run.ID,
		"fleet":         run.Fleet,
		"source_ref":    run.SourceRef,
		"source_dir":    run.SourceDir,
		"status":        string(run.Status),
		"current_stage": string(run.CurrentStage),
		"error_message": run.ErrorMessage,
		"created_at":    formatTime(run.CreatedAt),
		"updated_at":    formatTime(run.UpdatedAt),
		"finished_at":   formatTimePtr(run.FinishedAt),
	}
}

func rowToRun(row *runRow) *domain.PipelineRun {
	return &domain.PipelineRun{
		ID:           row.ID,
		Fleet:        row.Fleet,
		SourceRef:    row.SourceRef,
		SourceDir:    row.SourceDir,
		Status:       domain.RunStatus(row.Status),
		CurrentStage: domain.Stage(row.CurrentStage),
		ErrorMessage: row.ErrorMessage,
		CreatedAt:    parseTime(row.CreatedAt),
		UpdatedAt:    parseTime(row.UpdatedAt),
		FinishedAt:   parseTimePtr(row.FinishedAt),
	}
}

func stageToRow(stage *domain.StageExecution) (map[string]any, error) {
	var outcomes, layerVersion *string
	if len(stage.Outcomes) > 0 {
		data, err := json.Marshal(stage.Outcomes)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize outcomes: %w", err)
		}
		s := string(data)
		outcomes = &s
	}
	if stage.LayerVersion != nil {
		data, err := json.Marshal(stage.LayerVersion)
		if err != nil {
			return nil, fmt.Errorf("failed to serialize layer version: %w", err)
		}
		s := string(data)
		layerVersion = &s
	}

	return map[string]any{
		"run_id":        stage.RunID,
		"stage":         string(stage.Stage),
		"position":      stage.Position,
		"status":        string(stage.Status),
		"outcomes":      outcomes,
		"layer_version": layerVersion,
		"gate_id":       stage.GateID,
		"error_kind":    string(stage.ErrorKind),
		"error_message": stage.ErrorMessage,
		"started_at":    formatTimePtr(stage.StartedAt),
		"finished_at":   formatTimePtr(stage.FinishedAt),
	}, nil
}

func rowToStage(row *stageRow) (*domain.StageExecution, error) {
	st := &domain.StageExecution{
		RunID:        row.RunID,
		Stage:        domain.Stage(row.Stage),
		Position:     row.Position,
		Status:       domain.StageStatus(row.Status),
		GateID:       row.GateID,
		ErrorKind:    domain.ErrorKind(row.ErrorKind),
		ErrorMessage: row.ErrorMessage,
		StartedAt:    parseTimePtr(row.StartedAt),
		FinishedAt:   parseTimePtr(row.FinishedAt),
	}

	if row.Outcomes != nil && *row.Outcomes != "" && *row.Outcomes != "null" {
		if err := json.Unmarshal([]byte(*row.Outcomes), &st.Outcomes); err != nil {
			return nil, NewStoreError("rowToStage", "stage", row.RunID, "failed to parse outcomes", ErrInvalidData)
		}
	}
	if row.LayerVersion != nil && *row.LayerVersion != "" && *row.LayerVersion != "null" {
		var v domain.LayerVersion
		if err := json.Unmarshal([]byte(*row.LayerVersion), &v); err != nil {
			return nil, NewStoreError("rowToStage", "stage", row.RunID, "failed to parse layer version", ErrInvalidData)
		}
		st.LayerVersion = &v
	}
	return st, nil
}

func gateToRow(gate *domain.Gate) map[string]any {
	return map[string]any{
		"id":          gate.ID,
		"run_id":      gate.RunID,
		"stage":       string(gate.Stage),
		"status":      string(gate.Status),
		"info":        gate.Info,
		"decided_by":  gate.DecidedBy,
		"comment":     gate.Comment,
		"created_at":  formatTime(gate.CreatedAt),
		"decided_at":  formatTimePtr(gate.DecidedAt),
		"notified_at": formatTimePtr(gate.NotifiedAt),
	}
}

func rowToGate(row *gateRow) *domain.Gate {
	return &domain.Gate{
		ID:         row.ID,
		RunID:      row.RunID,
		Stage:      domain.Stage(row.Stage),
		Status:     domain.GateStatus(row.Status),
		Info:       row.Info,
		DecidedBy:  row.DecidedBy,
		Comment:    row.Comment,
		CreatedAt:  parseTime(row.CreatedAt),
		DecidedAt:  parseTimePtr(row.DecidedAt),
		NotifiedAt: parseTimePtr(row.NotifiedAt),
	}
}

func rowToLayerVersion(row *layerVersionRow) (*domain.LayerVersion, error) {
	var runtimes []string
	if row.CompatibleRuntimes != nil && *row.CompatibleRuntimes != "" && *row.CompatibleRuntimes != "null" {
		if err := json.Unmarshal([]byte(*row.CompatibleRuntimes), &runtimes); err != nil {
			return nil, NewStoreError("rowToLayerVersion", "layer_version", row.LayerName, "failed to parse runtimes", ErrInvalidData)
		}
	}
	return &domain.LayerVersion{
		LayerName:          row.LayerName,
		Version:            row.Version,
		ARN:                row.ARN,
		LayerARN:           row.LayerARN,
		CodeSHA256:         row.CodeSHA256,
		Description:        row.Description,
		CompatibleRuntimes: runtimes,
		PublishedAt:        parseTime(row.PublishedAt),
	}, nil
}
