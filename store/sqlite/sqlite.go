/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements every persistence contract of the payroll engine on one
  database file. In production, the same patterns apply to PostgreSQL -
  only minor SQL dialect differences.

INTERFACES IMPLEMENTED:
  benefits.Store:      Participants, tenant plans, calculation records
  batch.JobRepository: Job executions with their step history
  batch.TenantLock:    Per-tenant single-flight lease with staleness

KEY TABLES:
  participants:     One row per (tenant_id, individual_id)
  tenant_plans:     Plan headers; policy sections as JSON columns
  calculations:     One row per calculation attempt
  job_executions:   Execution header columns plus the full JSON body
  tenant_job_locks: At most one live lease per tenant

INDEXES:
  - idx_participants_tenant_created: Paged eligibility scan (hot path)
  - idx_calculations_tenant_period:  Deduction re-query and reprocessing
  - idx_job_executions_name_created: Execution listing

ENCODING:
  Timestamps are UTC text in a fixed-width layout so ORDER BY on the column
  matches time order. Dates use YYYY-MM-DD. Zero times are NULL. Decimals
  are stored as exact text through decimal.Decimal's driver.Valuer.

WAL MODE:
  SQLite is opened with WAL (Write-Ahead Logging) for better concurrency:
  - Multiple readers don't block
  - Single writer at a time
  - Better crash recovery

USAGE:
  store, err := sqlite.New("./data/payroll.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

MIGRATION:
  Schema is auto-migrated on New(). For production, use a proper
  migration tool (golang-migrate, goose) with versioned migrations.

SEE ALSO:
  - benefits/store.go: Store contract
  - batch/repository.go, batch/lock.go: Job repository and lock contracts
  - store/memory: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/warp/payroll-engine/batch"
	"github.com/warp/payroll-engine/benefits"
)

// Store implements all storage interfaces using SQLite.
type Store struct {
	db         *sql.DB
	mu         sync.RWMutex
	staleAfter time.Duration
}

var (
	_ benefits.Store      = (*Store)(nil)
	_ batch.JobRepository = (*Store)(nil)
	_ batch.TenantLock    = (*Store)(nil)
)

// Option configures a Store.
type Option func(*Store)

// WithStaleAfter sets the lease age after which a tenant lock may be taken over.
func WithStaleAfter(d time.Duration) Option {
	return func(s *Store) {
		if d > 0 {
			s.staleAfter = d
		}
	}
}

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string, opts ...Option) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is its own database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{db: db, staleAfter: batch.DefaultStaleAfter}
	for _, opt := range opts {
		opt(store)
	}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks that the database answers.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	-- Participants synced from the HRIS
	CREATE TABLE IF NOT EXISTS participants (
		tenant_id TEXT NOT NULL,
		individual_id TEXT NOT NULL,
		first_name TEXT,
		last_name TEXT,
		title TEXT,
		date_of_birth TEXT,
		employment_status TEXT,
		employment_type TEXT,
		employment_subtype TEXT,
		class_code TEXT,
		is_active BOOLEAN NOT NULL DEFAULT TRUE,
		start_date TEXT,
		latest_rehire_date TEXT,
		end_date TEXT,
		income_amount TEXT,
		income_unit TEXT,
		income_currency TEXT,
		income_effective_date TEXT,
		is_eligible BOOLEAN NOT NULL DEFAULT FALSE,
		eligibility_date TEXT,
		eligibility_status TEXT,
		eligibility_reason TEXT,
		last_eligibility_check TEXT,
		next_eligibility_check TEXT,
		eligibility_notes TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT,
		PRIMARY KEY (tenant_id, individual_id)
	);

	CREATE INDEX IF NOT EXISTS idx_participants_tenant_created
		ON participants(tenant_id, created_at DESC, individual_id);
	CREATE INDEX IF NOT EXISTS idx_participants_tenant_eligible
		ON participants(tenant_id, is_eligible);

	-- Tenant plan configurations (latest created_at wins)
	CREATE TABLE IF NOT EXISTS tenant_plans (
		id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		plan_type_id TEXT,
		plan_year INTEGER,
		effective_date TEXT,
		eligibility_json TEXT,
		employee_contribution_json TEXT,
		employer_contribution_json TEXT,
		profit_sharing_json TEXT,
		created_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_tenant_plans_tenant
		ON tenant_plans(tenant_id, created_at DESC);

	-- Calculation records, one per attempt
	CREATE TABLE IF NOT EXISTS calculations (
		calculation_id TEXT PRIMARY KEY,
		tenant_id TEXT NOT NULL,
		employee_id TEXT NOT NULL,
		job_execution_id TEXT,
		period_start TEXT NOT NULL,
		period_end TEXT NOT NULL,
		calculated_at TEXT NOT NULL,
		status TEXT NOT NULL,
		error_message TEXT,
		employee_amount TEXT NOT NULL,
		employee_percentage TEXT NOT NULL,
		employer_amount TEXT NOT NULL,
		employer_percentage TEXT NOT NULL,
		profit_sharing_amount TEXT NOT NULL,
		profit_sharing_percentage TEXT NOT NULL,
		total_amount TEXT NOT NULL,
		total_percentage TEXT NOT NULL,
		base_salary TEXT NOT NULL,
		eligible_compensation TEXT NOT NULL,
		plan_id TEXT,
		employee_config_id TEXT,
		employer_rule_id TEXT,
		profit_sharing_config_id TEXT,
		sync_status TEXT NOT NULL DEFAULT 'PENDING',
		sync_error TEXT,
		processed_at TEXT,
		reprocess_count INTEGER NOT NULL DEFAULT 0,
		last_reprocessed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_calculations_tenant_period
		ON calculations(tenant_id, period_start, period_end, status);
	CREATE INDEX IF NOT EXISTS idx_calculations_tenant_employee
		ON calculations(tenant_id, employee_id);

	-- Job executions
	CREATE TABLE IF NOT EXISTS job_executions (
		id TEXT PRIMARY KEY,
		job_name TEXT NOT NULL,
		tenant_id TEXT,
		status TEXT NOT NULL,
		create_time TEXT NOT NULL,
		last_updated TEXT NOT NULL,
		body_json TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_job_executions_name_created
		ON job_executions(job_name, create_time DESC);
	CREATE INDEX IF NOT EXISTS idx_job_executions_tenant
		ON job_executions(tenant_id, status);

	-- Single-flight leases
	CREATE TABLE IF NOT EXISTS tenant_job_locks (
		tenant_id TEXT PRIMARY KEY,
		execution_id TEXT NOT NULL,
		acquired_at TEXT NOT NULL
	);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONS (benefits.Store.WithTx)
// =============================================================================

// querier is satisfied by *sql.DB and *sql.Tx.
type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(store benefits.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(&txStore{tx: sqlTx}); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// txStore runs every call on the open transaction. The parent lock is
// already held, so it never touches Store.mu.
type txStore struct {
	tx *sql.Tx
}

func (ts *txStore) GetParticipant(ctx context.Context, tenantID, individualID string) (*benefits.Participant, error) {
	return getParticipant(ctx, ts.tx, tenantID, individualID)
}

func (ts *txStore) ListParticipants(ctx context.Context, tenantID string, page benefits.PageRequest) ([]benefits.Participant, error) {
	return listParticipants(ctx, ts.tx, tenantID, page)
}

func (ts *txStore) ListEligibleParticipants(ctx context.Context, tenantID string) ([]benefits.Participant, error) {
	return listEligibleParticipants(ctx, ts.tx, tenantID)
}

func (ts *txStore) SaveParticipants(ctx context.Context, participants []benefits.Participant) error {
	return saveParticipants(ctx, ts.tx, participants)
}

func (ts *txStore) ListTenantPlans(ctx context.Context, tenantID string) ([]benefits.TenantPlan, error) {
	return listTenantPlans(ctx, ts.tx, tenantID)
}

func (ts *txStore) SaveTenantPlan(ctx context.Context, plan benefits.TenantPlan) error {
	return saveTenantPlan(ctx, ts.tx, plan)
}

func (ts *txStore) ListPlanTenants(ctx context.Context) ([]string, error) {
	return listPlanTenants(ctx, ts.tx)
}

func (ts *txStore) GetCalculations(ctx context.Context, ids []string) ([]benefits.CalculationRecord, error) {
	return getCalculations(ctx, ts.tx, ids)
}

func (ts *txStore) ListCalculations(ctx context.Context, filter benefits.CalculationFilter) ([]benefits.CalculationRecord, error) {
	return listCalculations(ctx, ts.tx, filter)
}

func (ts *txStore) SaveCalculations(ctx context.Context, records []benefits.CalculationRecord) error {
	return saveCalculations(ctx, ts.tx, records)
}

// WithTx on a transactional store joins the enclosing transaction.
func (ts *txStore) WithTx(_ context.Context, fn func(store benefits.Store) error) error {
	return fn(ts)
}

// withWriteTx runs fn on a fresh transaction for multi-statement writes
// outside WithTx. Caller holds s.mu.
func (s *Store) withWriteTx(ctx context.Context, fn func(q querier) error) error {
	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	if err := fn(sqlTx); err != nil {
		return err
	}
	return sqlTx.Commit()
}

// =============================================================================
// ENCODING HELPERS
// =============================================================================

// timeLayout is fixed width so text order equals time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

func formatTime(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(timeLayout), Valid: true}
}

func formatDate(t time.Time) sql.NullString {
	if t.IsZero() {
		return sql.NullString{}
	}
	return sql.NullString{String: t.UTC().Format(batch.DateLayout), Valid: true}
}

func parseTime(ns sql.NullString) (time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(timeLayout, ns.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse time %q: %w", ns.String, err)
	}
	return t, nil
}

func parseDate(ns sql.NullString) (time.Time, error) {
	if !ns.Valid || ns.String == "" {
		return time.Time{}, nil
	}
	t, err := time.Parse(batch.DateLayout, ns.String)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse date %q: %w", ns.String, err)
	}
	return t, nil
}

// timeParser collects the first parse failure across many columns.
type timeParser struct {
	err error
}

func (p *timeParser) time(ns sql.NullString) time.Time {
	t, err := parseTime(ns)
	if err != nil && p.err == nil {
		p.err = err
	}
	return t
}

func (p *timeParser) date(ns sql.NullString) time.Time {
	t, err := parseDate(ns)
	if err != nil && p.err == nil {
		p.err = err
	}
	return t
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// placeholders returns "?, ?, ?" for n arguments.
func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}

func isUniqueConstraintError(err error) bool {
	return err != nil && (strings.Contains(err.Error(), "UNIQUE constraint failed") ||
		strings.Contains(err.Error(), "duplicate key"))
}
