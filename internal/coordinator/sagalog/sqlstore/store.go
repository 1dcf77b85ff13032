// Package sqlstore provides a database/sql implementation of
// sagalog.Repository for SQLite and PostgreSQL.
//
// SQLite is the default: WAL mode is enabled on Open so that readers never
// block writers and vice versa, which matters because saga goroutines write
// while HTTP handlers read status and events. PostgreSQL goes through the
// pgx stdlib driver. Both schemas are applied with embedded goose
// migrations.
package sqlstore

import (
	"context"
	"database/sql"
	"embed"
	"errors"
	"fmt"
	"io/fs"
	"strconv"
	"strings"
	"time"

	"github.com/pressly/goose/v3"

	"github.com/jcmexdev/saga-orchestrator/internal/coordinator/sagalog"

	// Register the PostgreSQL driver as "pgx".
	_ "github.com/jackc/pgx/v5/stdlib"
	// Register the pure-Go SQLite driver.
	// We use modernc.org/sqlite instead of mattn/go-sqlite3 to avoid CGO
	// requirements, making it easier to build and run in Docker (Alpine).
	_ "modernc.org/sqlite"
)

// Dialect selects the SQL flavour and migration set.
type Dialect string

const (
	DialectSQLite   Dialect = "sqlite"
	DialectPostgres Dialect = "postgres"
)

//go:embed migrations
var migrations embed.FS

var _ sagalog.Repository = (*Store)(nil)

// Store is the SQL implementation of sagalog.Repository.
type Store struct {
	db      *sql.DB
	dialect Dialect
}

// Open connects to the database for the given dialect and applies the
// schema. For SQLite, dsn is a file path:
//
//	store, err := sqlstore.Open(ctx, sqlstore.DialectSQLite, "./data/saga.db")
func Open(ctx context.Context, dialect Dialect, dsn string) (*Store, error) {
	var (
		db  *sql.DB
		err error
	)
	switch dialect {
	case DialectSQLite:
		// The pure-Go driver uses _pragma query parameters to configure connection state.
		// busy_timeout waits for locks instead of failing immediately.
		db, err = sql.Open("sqlite", fmt.Sprintf(
			"file:%s?_pragma=journal_mode(WAL)&_pragma=foreign_keys(on)&_pragma=busy_timeout(5000)", dsn))
		if err == nil {
			// SQLite performs best with a single writer connection.
			db.SetMaxOpenConns(1)
		}
	case DialectPostgres:
		db, err = sql.Open("pgx", dsn)
		if err == nil {
			db.SetMaxOpenConns(25)
			db.SetMaxIdleConns(5)
			db.SetConnMaxLifetime(5 * time.Minute)
		}
	default:
		return nil, fmt.Errorf("sqlstore: unknown dialect %q", dialect)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: open %s: %w", dialect, err)
	}

	s := New(db, dialect)
	if err := s.Migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// New wraps an already opened database. The schema is not applied.
func New(db *sql.DB, dialect Dialect) *Store {
	return &Store{db: db, dialect: dialect}
}

// Migrate applies every pending embedded migration. Idempotent.
func (s *Store) Migrate(ctx context.Context) error {
	gooseDialect := goose.DialectSQLite3
	if s.dialect == DialectPostgres {
		gooseDialect = goose.DialectPostgres
	}
	fsys, err := fs.Sub(migrations, "migrations/"+string(s.dialect))
	if err != nil {
		return fmt.Errorf("sqlstore: migrations for %s: %w", s.dialect, err)
	}
	provider, err := goose.NewProvider(gooseDialect, s.db, fsys)
	if err != nil {
		return fmt.Errorf("sqlstore: goose provider: %w", err)
	}
	if _, err := provider.Up(ctx); err != nil {
		return fmt.Errorf("sqlstore: apply migrations: %w", err)
	}
	return nil
}

// Close releases the database connection. Call it with defer in main().
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the database is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// rebind rewrites ? placeholders to $n for PostgreSQL.
func (s *Store) rebind(q string) string {
	if s.dialect != DialectPostgres {
		return q
	}
	var b strings.Builder
	b.Grow(len(q) + 8)
	n := 0
	for _, r := range q {
		if r == '?' {
			n++
			b.WriteByte('$')
			b.WriteString(strconv.Itoa(n))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

const sagaColumns = `saga_id, saga_type, state, payload, result, error_message,
	created_at, started_at, updated_at, completed_at, failed_at`

// CreateSaga inserts a new saga row.
func (s *Store) CreateSaga(ctx context.Context, saga *sagalog.Saga) error {
	q := s.rebind(`INSERT INTO sagas (` + sagaColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)

	_, err := s.db.ExecContext(ctx, q,
		saga.ID,
		saga.Type,
		string(saga.State),
		string(saga.Payload),
		nullableJSON(saga.Result),
		saga.ErrorMessage,
		s.timeValue(saga.CreatedAt),
		s.timeValue(saga.StartedAt),
		s.timeValue(saga.UpdatedAt),
		s.timePtrValue(saga.CompletedAt),
		s.timePtrValue(saga.FailedAt),
	)
	if err != nil {
		return fmt.Errorf("sqlstore: create saga %q: %w", saga.ID, err)
	}
	return nil
}

// GetSaga returns the saga or sagalog.ErrNotFound.
func (s *Store) GetSaga(ctx context.Context, id string) (*sagalog.Saga, error) {
	q := s.rebind(`SELECT ` + sagaColumns + ` FROM sagas WHERE saga_id = ?`)

	saga, err := scanSaga(s.db.QueryRowContext(ctx, q, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("sqlstore: saga %q: %w", id, sagalog.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("sqlstore: get saga %q: %w", id, err)
	}
	return saga, nil
}

// UpdateSaga writes the mutable columns. The WHERE clause refuses terminal
// rows, so a saga can never leave COMPLETED, COMPENSATED or FAILED.
func (s *Store) UpdateSaga(ctx context.Context, saga *sagalog.Saga) error {
	q := s.rebind(`UPDATE sagas
		SET state = ?, result = ?, error_message = ?, updated_at = ?, completed_at = ?, failed_at = ?
		WHERE saga_id = ? AND state NOT IN (?, ?, ?)`)

	res, err := s.db.ExecContext(ctx, q,
		string(saga.State),
		nullableJSON(saga.Result),
		saga.ErrorMessage,
		s.timeValue(saga.UpdatedAt),
		s.timePtrValue(saga.CompletedAt),
		s.timePtrValue(saga.FailedAt),
		saga.ID,
		string(sagalog.StateCompleted), string(sagalog.StateCompensated), string(sagalog.StateFailed),
	)
	if err != nil {
		return fmt.Errorf("sqlstore: update saga %q: %w", saga.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlstore: update saga %q: %w", saga.ID, err)
	}
	if n == 0 {
		if _, err := s.GetSaga(ctx, saga.ID); err != nil {
			return err
		}
		return fmt.Errorf("sqlstore: update saga %q: %w", saga.ID, sagalog.ErrTerminal)
	}
	return nil
}

// ListSagas returns a page of sagas in creation order and the total count
// matching the filter.
func (s *Store) ListSagas(ctx context.Context, f sagalog.ListFilter) ([]*sagalog.Saga, int, error) {
	var (
		where []string
		args  []any
	)
	if f.Type != "" {
		where = append(where, "saga_type = ?")
		args = append(args, f.Type)
	}
	if f.State != "" {
		where = append(where, "state = ?")
		args = append(args, string(f.State))
	}
	clause := ""
	if len(where) > 0 {
		clause = " WHERE " + strings.Join(where, " AND ")
	}

	var total int
	if err := s.db.QueryRowContext(ctx, s.rebind(`SELECT COUNT(*) FROM sagas`+clause), args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("sqlstore: count sagas: %w", err)
	}

	limit := f.Limit
	if limit <= 0 {
		limit = 100
	}
	q := s.rebind(`SELECT ` + sagaColumns + ` FROM sagas` + clause + ` ORDER BY seq LIMIT ? OFFSET ?`)
	sagas, err := s.querySagas(ctx, q, append(args, limit, f.Skip)...)
	if err != nil {
		return nil, 0, err
	}
	return sagas, total, nil
}

// Unfinished returns every non-terminal saga, oldest first.
func (s *Store) Unfinished(ctx context.Context) ([]*sagalog.Saga, error) {
	q := s.rebind(`SELECT ` + sagaColumns + ` FROM sagas WHERE state NOT IN (?, ?, ?) ORDER BY seq`)
	return s.querySagas(ctx, q,
		string(sagalog.StateCompleted), string(sagalog.StateCompensated), string(sagalog.StateFailed))
}

func (s *Store) querySagas(ctx context.Context, q string, args ...any) ([]*sagalog.Saga, error) {
	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list sagas: %w", err)
	}
	defer rows.Close()

	var out []*sagalog.Saga
	for rows.Next() {
		saga, err := scanSaga(rows)
		if err != nil {
			return nil, fmt.Errorf("sqlstore: scan saga: %w", err)
		}
		out = append(out, saga)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: list sagas: %w", err)
	}
	return out, nil
}

// CreateStep inserts a step execution and assigns exec.ID.
func (s *Store) CreateStep(ctx context.Context, exec *sagalog.StepExecution) error {
	q := s.rebind(`INSERT INTO saga_step_executions
			(saga_id, step, step_order, status, compensation_step, started_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING id`)

	err := s.db.QueryRowContext(ctx, q,
		exec.SagaID,
		string(exec.Step),
		exec.Order,
		string(exec.Status),
		string(exec.CompensationStep),
		s.timeValue(exec.StartedAt),
	).Scan(&exec.ID)
	if err != nil {
		return fmt.Errorf("sqlstore: create step %s for %q: %w", exec.Step, exec.SagaID, err)
	}
	return nil
}

// FinishStep records the terminal outcome of a RUNNING execution.
func (s *Store) FinishStep(ctx context.Context, exec *sagalog.StepExecution) error {
	q := s.rebind(`UPDATE saga_step_executions
		SET status = ?, output_data = ?, error_message = ?, completed_at = ?, duration_ms = ?
		WHERE id = ? AND status = ?`)

	res, err := s.db.ExecContext(ctx, q,
		string(exec.Status),
		nullableJSON(exec.OutputData),
		exec.ErrorMessage,
		s.timePtrValue(exec.CompletedAt),
		exec.DurationMs,
		exec.ID,
		string(sagalog.StepRunning),
	)
	return s.checkStepUpdate(res, err, "finish", exec)
}

// MarkCompensated moves a COMPLETED execution to COMPENSATED. Executions of
// a saga already stored in a terminal state are refused with ErrTerminal.
func (s *Store) MarkCompensated(ctx context.Context, exec *sagalog.StepExecution) error {
	q := s.rebind(`UPDATE saga_step_executions SET status = ?
		WHERE id = ? AND status = ?
		AND saga_id IN (SELECT saga_id FROM sagas WHERE state NOT IN (?, ?, ?))`)

	res, err := s.db.ExecContext(ctx, q,
		string(sagalog.StepCompensated),
		exec.ID,
		string(sagalog.StepCompleted),
		string(sagalog.StateCompleted), string(sagalog.StateCompensated), string(sagalog.StateFailed),
	)
	if err := s.checkStepUpdate(res, err, "compensate", exec); err != nil {
		if errors.Is(err, sagalog.ErrStaleStep) {
			if saga, gerr := s.GetSaga(ctx, exec.SagaID); gerr == nil && saga.State.IsTerminal() {
				return fmt.Errorf("sqlstore: compensate step %d: %w", exec.ID, sagalog.ErrTerminal)
			}
		}
		return err
	}
	return nil
}

func (s *Store) checkStepUpdate(res sql.Result, err error, op string, exec *sagalog.StepExecution) error {
	if err != nil {
		return fmt.Errorf("sqlstore: %s step %d: %w", op, exec.ID, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("sqlstore: %s step %d: %w", op, exec.ID, err)
	}
	if n == 0 {
		return fmt.Errorf("sqlstore: %s step %d: %w", op, exec.ID, sagalog.ErrStaleStep)
	}
	return nil
}

// ListSteps returns a saga's executions ordered by step_order.
func (s *Store) ListSteps(ctx context.Context, sagaID string) ([]*sagalog.StepExecution, error) {
	q := s.rebind(`
		SELECT id, saga_id, step, step_order, status, compensation_step, output_data,
		       error_message, started_at, completed_at, duration_ms
		FROM   saga_step_executions
		WHERE  saga_id = ?
		ORDER  BY step_order`)

	rows, err := s.db.QueryContext(ctx, q, sagaID)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list steps for %q: %w", sagaID, err)
	}
	defer rows.Close()

	var out []*sagalog.StepExecution
	for rows.Next() {
		var (
			exec        sagalog.StepExecution
			step        string
			status      string
			compStep    string
			output      sql.NullString
			startedAt   nullTime
			completedAt nullTime
		)
		if err := rows.Scan(&exec.ID, &exec.SagaID, &step, &exec.Order, &status, &compStep, &output,
			&exec.ErrorMessage, &startedAt, &completedAt, &exec.DurationMs); err != nil {
			return nil, fmt.Errorf("sqlstore: scan step: %w", err)
		}
		exec.Step = sagalog.StepName(step)
		exec.Status = sagalog.StepStatus(status)
		exec.CompensationStep = sagalog.StepName(compStep)
		if output.Valid {
			exec.OutputData = []byte(output.String)
		}
		exec.StartedAt = startedAt.Time
		exec.CompletedAt = completedAt.ptr()
		out = append(out, &exec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: list steps for %q: %w", sagaID, err)
	}
	return out, nil
}

// AppendEvent inserts an event and assigns event.Seq. It is safe to call
// concurrently.
func (s *Store) AppendEvent(ctx context.Context, event *sagalog.Event) error {
	q := s.rebind(`INSERT INTO saga_events
			(saga_id, event_type, event_data, trace_id, span_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
		RETURNING seq`)

	err := s.db.QueryRowContext(ctx, q,
		event.SagaID,
		string(event.Type),
		string(event.Data),
		event.TraceID,
		event.SpanID,
		s.timeValue(event.CreatedAt),
	).Scan(&event.Seq)
	if err != nil {
		return fmt.Errorf("sqlstore: append %s event for %q: %w", event.Type, event.SagaID, err)
	}
	return nil
}

// ListEvents returns events newest-first by sequence number.
func (s *Store) ListEvents(ctx context.Context, sagaID string, eq sagalog.EventQuery) ([]*sagalog.Event, error) {
	limit := eq.Limit
	if limit <= 0 {
		limit = 50
	}
	args := []any{sagaID}
	cursor := ""
	if eq.Before > 0 {
		cursor = " AND seq < ?"
		args = append(args, eq.Before)
	}
	args = append(args, limit)

	q := s.rebind(`
		SELECT seq, saga_id, event_type, event_data, trace_id, span_id, created_at
		FROM   saga_events
		WHERE  saga_id = ?` + cursor + `
		ORDER  BY seq DESC
		LIMIT  ?`)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: list events for %q: %w", sagaID, err)
	}
	defer rows.Close()

	var out []*sagalog.Event
	for rows.Next() {
		var (
			ev        sagalog.Event
			typ       string
			data      string
			createdAt nullTime
		)
		if err := rows.Scan(&ev.Seq, &ev.SagaID, &typ, &data, &ev.TraceID, &ev.SpanID, &createdAt); err != nil {
			return nil, fmt.Errorf("sqlstore: scan event: %w", err)
		}
		ev.Type = sagalog.EventType(typ)
		ev.Data = []byte(data)
		ev.CreatedAt = createdAt.Time
		out = append(out, &ev)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: list events for %q: %w", sagaID, err)
	}
	return out, nil
}

// Stats aggregates saga and step counters.
func (s *Store) Stats(ctx context.Context) (*sagalog.Stats, error) {
	st := &sagalog.Stats{ByState: make(map[sagalog.State]int)}

	rows, err := s.db.QueryContext(ctx, `SELECT state, COUNT(*) FROM sagas GROUP BY state`)
	if err != nil {
		return nil, fmt.Errorf("sqlstore: stats by state: %w", err)
	}
	for rows.Next() {
		var (
			state string
			n     int
		)
		if err := rows.Scan(&state, &n); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlstore: stats by state: %w", err)
		}
		st.ByState[sagalog.State(state)] = n
		st.Total += n
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: stats by state: %w", err)
	}

	// Durations are computed here rather than in SQL because SQLite stores
	// timestamps as TEXT.
	rows, err = s.db.QueryContext(ctx, s.rebind(`
		SELECT started_at, completed_at FROM sagas
		WHERE state = ? AND completed_at IS NOT NULL`), string(sagalog.StateCompleted))
	if err != nil {
		return nil, fmt.Errorf("sqlstore: stats durations: %w", err)
	}
	var (
		sum   float64
		count int
	)
	for rows.Next() {
		var started, completed nullTime
		if err := rows.Scan(&started, &completed); err != nil {
			rows.Close()
			return nil, fmt.Errorf("sqlstore: stats durations: %w", err)
		}
		sum += float64(completed.Time.Sub(started.Time)) / float64(time.Millisecond)
		count++
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlstore: stats durations: %w", err)
	}
	if count > 0 {
		avg := sum / float64(count)
		st.AvgDuration = &avg
	}

	q := s.rebind(`SELECT COUNT(*), COALESCE(SUM(CASE WHEN status = ? THEN 1 ELSE 0 END), 0)
		FROM saga_step_executions`)
	if err := s.db.QueryRowContext(ctx, q, string(sagalog.StepCompensated)).
		Scan(&st.TotalStepsExecuted, &st.TotalCompensations); err != nil {
		return nil, fmt.Errorf("sqlstore: stats steps: %w", err)
	}

	q = s.rebind(`SELECT COUNT(*) FROM saga_events WHERE event_type = ?`)
	if err := s.db.QueryRowContext(ctx, q, string(sagalog.EventCompensationFailed)).
		Scan(&st.FailedCompensations); err != nil {
		return nil, fmt.Errorf("sqlstore: stats compensation failures: %w", err)
	}
	return st, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSaga(row rowScanner) (*sagalog.Saga, error) {
	var (
		saga        sagalog.Saga
		state       string
		payload     string
		result      sql.NullString
		createdAt   nullTime
		startedAt   nullTime
		updatedAt   nullTime
		completedAt nullTime
		failedAt    nullTime
	)
	err := row.Scan(&saga.ID, &saga.Type, &state, &payload, &result, &saga.ErrorMessage,
		&createdAt, &startedAt, &updatedAt, &completedAt, &failedAt)
	if err != nil {
		return nil, err
	}
	saga.State = sagalog.State(state)
	saga.Payload = []byte(payload)
	if result.Valid {
		saga.Result = []byte(result.String)
	}
	saga.CreatedAt = createdAt.Time
	saga.StartedAt = startedAt.Time
	saga.UpdatedAt = updatedAt.Time
	saga.CompletedAt = completedAt.ptr()
	saga.FailedAt = failedAt.ptr()
	return &saga, nil
}

// nullableJSON returns nil for empty documents so the column stores NULL
// instead of an empty TEXT.
func nullableJSON(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}
