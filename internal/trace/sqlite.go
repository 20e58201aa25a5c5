package trace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/spanline/gateway/migrations"

	_ "modernc.org/sqlite"
)

// Fixed width so lexical ORDER BY on the text column is chronological.
const sqliteTimeLayout = "2006-01-02T15:04:05.000000000Z"

type SQLiteStore struct {
	Path string
	db   *sql.DB
	// SQLite allows only one writer at a time; serialize writes to avoid
	// SQLITE_BUSY when requests finalize spans concurrently.
	writeMu sync.Mutex
}

func NewSQLiteStore(path string) (*SQLiteStore, error) {
	if path == "" {
		return nil, fmt.Errorf("sqlite path cannot be empty")
	}

	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("create sqlite directory %q: %w", dir, err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %q: %w", path, err)
	}

	store := &SQLiteStore{
		Path: path,
		db:   db,
	}
	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.Apply(context.Background(), db, migrations.DriverSQLite); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure sqlite schema: %w", err)
	}
	return store, nil
}

// DB exposes the handle for migration reporting.
func (s *SQLiteStore) DB() *sql.DB {
	return s.db
}

func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *SQLiteStore) InsertSpan(ctx context.Context, span *Span) error {
	if span == nil {
		return fmt.Errorf("insert span: span is nil")
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := retrySQLiteBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx, `
INSERT INTO spans (
    id,
    account_id,
    trace_id,
    parent_id,
    status,
    provider,
    model,
    endpoint,
    streaming,
    prompt,
    completion,
    input_tokens,
    output_tokens,
    cost_usd,
    duration_ms,
    error,
    request_snapshot,
    started_at,
    completed_at
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			span.ID,
			span.AccountID,
			span.TraceID,
			nullableString(span.ParentID),
			string(span.Status),
			span.Provider,
			span.Model,
			span.Endpoint,
			boolToInt(span.Streaming),
			span.Prompt,
			span.Completion,
			span.InputTokens,
			span.OutputTokens,
			span.CostUSD,
			span.DurationMS,
			span.Error,
			nullableString(span.RequestSnapshot),
			formatSQLiteTime(span.StartedAt),
			formatSQLiteTimePtr(span.CompletedAt),
		)
		return err
	})
	if err != nil {
		return fmt.Errorf("insert span %q: %w", span.ID, err)
	}
	return nil
}

func (s *SQLiteStore) MarkRunning(ctx context.Context, id string, at time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var affected int64
	err := retrySQLiteBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx,
			`UPDATE spans SET status = ?, started_at = ? WHERE id = ? AND status = ?`,
			string(StatusRunning), formatSQLiteTime(at), id, string(StatusPending),
		)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("start span %q: %w", id, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func (s *SQLiteStore) UpdateSpanTerminal(ctx context.Context, id string, update TerminalUpdate) error {
	if !update.Status.Terminal() {
		return fmt.Errorf("%w: %q is not terminal", ErrInvalidStatus, update.Status)
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var affected int64
	err := retrySQLiteBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `
UPDATE spans SET
    status = ?,
    duration_ms = ?,
    cost_usd = ?,
    completion = ?,
    input_tokens = ?,
    output_tokens = ?,
    error = ?,
    completed_at = ?
WHERE id = ? AND status = ?`,
			string(update.Status),
			update.DurationMS,
			update.CostUSD,
			update.Completion,
			update.InputTokens,
			update.OutputTokens,
			update.Error,
			formatSQLiteTime(update.CompletedAt),
			id,
			string(StatusRunning),
		)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("finalize span %q: %w", id, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

const spanSelectColumns = `
id,
account_id,
trace_id,
parent_id,
status,
provider,
model,
endpoint,
streaming,
prompt,
completion,
input_tokens,
output_tokens,
cost_usd,
duration_ms,
error,
request_snapshot,
started_at,
completed_at
`

func (s *SQLiteStore) GetSpan(ctx context.Context, id string) (*Span, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+spanSelectColumns+" FROM spans WHERE id = ? LIMIT 1", id)
	span, err := scanSQLiteSpan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get span %q: %w", id, err)
	}
	return span, nil
}

func (s *SQLiteStore) ListSpansByTrace(ctx context.Context, traceID string) ([]*Span, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+spanSelectColumns+" FROM spans WHERE trace_id = ? ORDER BY started_at ASC, id ASC", traceID)
	if err != nil {
		return nil, fmt.Errorf("list spans for trace %q: %w", traceID, err)
	}
	return collectSQLiteSpans(rows)
}

func (s *SQLiteStore) ListSpans(ctx context.Context, filter SpanFilter) ([]*Span, error) {
	clauses := []string{"1 = 1"}
	args := make([]any, 0, 3)
	if filter.AccountID != "" {
		clauses = append(clauses, "account_id = ?")
		args = append(args, filter.AccountID)
	}
	if filter.Status != "" {
		clauses = append(clauses, "status = ?")
		args = append(args, string(filter.Status))
	}
	args = append(args, normalizeSpanFilterLimit(filter.Limit))

	query := "SELECT " + spanSelectColumns + " FROM spans WHERE " + strings.Join(clauses, " AND ") + " ORDER BY started_at DESC, id DESC LIMIT ?"
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list spans: %w", err)
	}
	return collectSQLiteSpans(rows)
}

func (s *SQLiteStore) GetOrCreateAccount(ctx context.Context, credentialHash, provider string) (*Account, error) {
	if strings.TrimSpace(credentialHash) == "" {
		return nil, fmt.Errorf("get or create account: credential hash is empty")
	}
	now := formatSQLiteTime(time.Now())

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	err := retrySQLiteBusy(ctx, func() error {
		_, err := s.db.ExecContext(ctx,
			`INSERT OR IGNORE INTO accounts (id, credential_hash, provider, first_seen_at, last_seen_at) VALUES (?, ?, ?, ?, ?)`,
			uuid.NewString(), credentialHash, provider, now, now,
		)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}

	var (
		account   Account
		firstSeen string
		lastSeen  string
	)
	err = s.db.QueryRowContext(ctx,
		`SELECT id, credential_hash, provider, first_seen_at, last_seen_at FROM accounts WHERE credential_hash = ?`,
		credentialHash,
	).Scan(&account.ID, &account.CredentialHash, &account.Provider, &firstSeen, &lastSeen)
	if err != nil {
		return nil, fmt.Errorf("select account: %w", err)
	}
	if account.FirstSeenAt, err = parseSQLiteTimestamp(firstSeen); err != nil {
		return nil, fmt.Errorf("parse first_seen_at %q: %w", firstSeen, err)
	}
	if account.LastSeenAt, err = parseSQLiteTimestamp(lastSeen); err != nil {
		return nil, fmt.Errorf("parse last_seen_at %q: %w", lastSeen, err)
	}
	return &account, nil
}

func (s *SQLiteStore) TouchAccount(ctx context.Context, id string, at time.Time) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	var affected int64
	err := retrySQLiteBusy(ctx, func() error {
		res, err := s.db.ExecContext(ctx, `UPDATE accounts SET last_seen_at = MAX(last_seen_at, ?) WHERE id = ?`, formatSQLiteTime(at), id)
		if err != nil {
			return err
		}
		affected, err = res.RowsAffected()
		return err
	})
	if err != nil {
		return fmt.Errorf("touch account %q: %w", id, err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

const (
	sqliteBusyMaxRetries     = 12
	sqliteBusyInitialBackoff = 5 * time.Millisecond
	sqliteBusyMaxBackoff     = 250 * time.Millisecond
)

// retrySQLiteBusy retries transient lock contention, e.g. a second gateway
// process sharing the database file.
func retrySQLiteBusy(ctx context.Context, fn func() error) error {
	if ctx == nil {
		ctx = context.Background()
	}

	var (
		err   error
		timer *time.Timer
	)
	stopTimer := func() {
		if timer == nil {
			return
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
	}
	defer stopTimer()

	for retries := 0; ; retries++ {
		err = fn()
		if err == nil {
			return nil
		}
		if !isSQLiteBusyError(err) || retries >= sqliteBusyMaxRetries {
			return err
		}

		wait := sqliteBusyInitialBackoff << retries
		if wait > sqliteBusyMaxBackoff {
			wait = sqliteBusyMaxBackoff
		}
		if timer == nil {
			timer = time.NewTimer(wait)
		} else {
			stopTimer()
			timer.Reset(wait)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timer.C:
		}
	}
}

func isSQLiteBusyError(err error) bool {
	if err == nil {
		return false
	}
	value := strings.ToLower(err.Error())
	return strings.Contains(value, "sqlite_busy") || strings.Contains(value, "database is locked")
}

type rowScanner interface {
	Scan(dest ...any) error
}

func collectSQLiteSpans(rows *sql.Rows) ([]*Span, error) {
	defer rows.Close()

	items := make([]*Span, 0)
	for rows.Next() {
		span, err := scanSQLiteSpan(rows)
		if err != nil {
			return nil, fmt.Errorf("scan span row: %w", err)
		}
		items = append(items, span)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate span rows: %w", err)
	}
	return items, nil
}

func scanSQLiteSpan(scanner rowScanner) (*Span, error) {
	var (
		span          Span
		parentID      sql.NullString
		status        string
		streaming     int64
		snapshot      sql.NullString
		startedText   string
		completedText sql.NullString
	)
	if err := scanner.Scan(
		&span.ID,
		&span.AccountID,
		&span.TraceID,
		&parentID,
		&status,
		&span.Provider,
		&span.Model,
		&span.Endpoint,
		&streaming,
		&span.Prompt,
		&span.Completion,
		&span.InputTokens,
		&span.OutputTokens,
		&span.CostUSD,
		&span.DurationMS,
		&span.Error,
		&snapshot,
		&startedText,
		&completedText,
	); err != nil {
		return nil, err
	}

	span.Status = Status(status)
	span.Streaming = streaming != 0
	if parentID.Valid {
		span.ParentID = parentID.String
	}
	if snapshot.Valid {
		span.RequestSnapshot = snapshot.String
	}

	startedAt, err := parseSQLiteTimestamp(startedText)
	if err != nil {
		return nil, fmt.Errorf("parse started_at %q: %w", startedText, err)
	}
	span.StartedAt = startedAt
	if completedText.Valid && completedText.String != "" {
		completedAt, err := parseSQLiteTimestamp(completedText.String)
		if err != nil {
			return nil, fmt.Errorf("parse completed_at %q: %w", completedText.String, err)
		}
		span.CompletedAt = &completedAt
	}
	return &span, nil
}

func parseSQLiteTimestamp(raw string) (time.Time, error) {
	value := strings.TrimSpace(raw)
	if value == "" {
		return time.Time{}, nil
	}

	withTZLayouts := []string{
		time.RFC3339Nano,
		time.RFC3339,
		"2006-01-02 15:04:05.999999999-07:00",
		"2006-01-02 15:04:05-07:00",
		"2006-01-02 15:04:05 -0700 MST",
	}
	for _, layout := range withTZLayouts {
		if parsed, err := time.Parse(layout, value); err == nil {
			return parsed.UTC(), nil
		}
	}

	withoutTZLayouts := []string{
		"2006-01-02 15:04:05.999999999",
		"2006-01-02 15:04:05",
		"2006-01-02T15:04:05.999999999",
		"2006-01-02T15:04:05",
	}
	for _, layout := range withoutTZLayouts {
		if parsed, err := time.ParseInLocation(layout, value, time.UTC); err == nil {
			return parsed.UTC(), nil
		}
	}
	return time.Time{}, fmt.Errorf("unsupported sqlite datetime format")
}

func (s *SQLiteStore) configure() error {
	if _, err := s.db.Exec(`PRAGMA journal_mode = WAL;`); err != nil {
		return fmt.Errorf("enable sqlite WAL mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA synchronous = NORMAL;`); err != nil {
		return fmt.Errorf("set sqlite synchronous mode: %w", err)
	}
	if _, err := s.db.Exec(`PRAGMA busy_timeout = 5000;`); err != nil {
		return fmt.Errorf("set sqlite busy timeout: %w", err)
	}
	return nil
}

func formatSQLiteTime(t time.Time) string {
	if t.IsZero() {
		t = time.Now()
	}
	return t.UTC().Format(sqliteTimeLayout)
}

func formatSQLiteTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return formatSQLiteTime(*t)
}

func nullableString(value string) any {
	if value == "" {
		return nil
	}
	return value
}

func boolToInt(value bool) int {
	if value {
		return 1
	}
	return 0
}
