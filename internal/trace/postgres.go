package trace

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/spanline/gateway/migrations"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
)

type PostgresStore struct {
	DSN string
	db  *sql.DB
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	if strings.TrimSpace(dsn) == "" {
		return nil, fmt.Errorf("postgres dsn cannot be empty")
	}

	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres database: %w", err)
	}

	store := &PostgresStore{
		DSN: dsn,
		db:  db,
	}
	if err := store.configure(); err != nil {
		_ = db.Close()
		return nil, err
	}
	if err := migrations.Apply(context.Background(), db, migrations.DriverPostgres); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ensure postgres schema: %w", err)
	}
	return store, nil
}

// DB exposes the handle for migration reporting.
func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

func (s *PostgresStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *PostgresStore) InsertSpan(ctx context.Context, span *Span) error {
	if span == nil {
		return fmt.Errorf("insert span: span is nil")
	}

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
) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19)`,
		span.ID,
		span.AccountID,
		span.TraceID,
		nullableString(span.ParentID),
		string(span.Status),
		span.Provider,
		span.Model,
		span.Endpoint,
		span.Streaming,
		span.Prompt,
		span.Completion,
		span.InputTokens,
		span.OutputTokens,
		span.CostUSD,
		span.DurationMS,
		span.Error,
		nullableString(span.RequestSnapshot),
		postgresTime(span.StartedAt),
		postgresTimePtr(span.CompletedAt),
	)
	if err != nil {
		if isPostgresForeignKeyViolation(err) {
			return fmt.Errorf("insert span %q: account %q does not exist: %w", span.ID, span.AccountID, err)
		}
		return fmt.Errorf("insert span %q: %w", span.ID, err)
	}
	return nil
}

func (s *PostgresStore) MarkRunning(ctx context.Context, id string, at time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE spans SET status = $1, started_at = $2 WHERE id = $3 AND status = $4`,
		string(StatusRunning), postgresTime(at), id, string(StatusPending),
	)
	if err != nil {
		return fmt.Errorf("start span %q: %w", id, err)
	}
	return requireAffected(res)
}

func (s *PostgresStore) UpdateSpanTerminal(ctx context.Context, id string, update TerminalUpdate) error {
	if !update.Status.Terminal() {
		return fmt.Errorf("%w: %q is not terminal", ErrInvalidStatus, update.Status)
	}

	res, err := s.db.ExecContext(ctx, `
UPDATE spans SET
    status = $1,
    duration_ms = $2,
    cost_usd = $3,
    completion = $4,
    input_tokens = $5,
    output_tokens = $6,
    error = $7,
    completed_at = $8
WHERE id = $9 AND status = $10`,
		string(update.Status),
		update.DurationMS,
		update.CostUSD,
		update.Completion,
		update.InputTokens,
		update.OutputTokens,
		update.Error,
		postgresTime(update.CompletedAt),
		id,
		string(StatusRunning),
	)
	if err != nil {
		return fmt.Errorf("finalize span %q: %w", id, err)
	}
	return requireAffected(res)
}

func (s *PostgresStore) GetSpan(ctx context.Context, id string) (*Span, error) {
	row := s.db.QueryRowContext(ctx, "SELECT "+spanSelectColumns+" FROM spans WHERE id = $1 LIMIT 1", id)
	span, err := scanPostgresSpan(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("get span %q: %w", id, err)
	}
	return span, nil
}

func (s *PostgresStore) ListSpansByTrace(ctx context.Context, traceID string) ([]*Span, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT "+spanSelectColumns+" FROM spans WHERE trace_id = $1 ORDER BY started_at ASC, id ASC", traceID)
	if err != nil {
		return nil, fmt.Errorf("list spans for trace %q: %w", traceID, err)
	}
	return collectPostgresSpans(rows)
}

func (s *PostgresStore) ListSpans(ctx context.Context, filter SpanFilter) ([]*Span, error) {
	builder := newPostgresWhereBuilder()
	if filter.AccountID != "" {
		builder.addComparison("account_id", "=", filter.AccountID)
	}
	if filter.Status != "" {
		builder.addComparison("status", "=", string(filter.Status))
	}
	limitArg := builder.addArg(normalizeSpanFilterLimit(filter.Limit))

	query := "SELECT " + spanSelectColumns + " FROM spans" + builder.where() + " ORDER BY started_at DESC, id DESC LIMIT " + limitArg
	rows, err := s.db.QueryContext(ctx, query, builder.args...)
	if err != nil {
		return nil, fmt.Errorf("list spans: %w", err)
	}
	return collectPostgresSpans(rows)
}

func (s *PostgresStore) GetOrCreateAccount(ctx context.Context, credentialHash, provider string) (*Account, error) {
	if strings.TrimSpace(credentialHash) == "" {
		return nil, fmt.Errorf("get or create account: credential hash is empty")
	}
	now := time.Now().UTC()

	if _, err := s.db.ExecContext(ctx, `
INSERT INTO accounts (id, credential_hash, provider, first_seen_at, last_seen_at)
VALUES ($1, $2, $3, $4, $5)
ON CONFLICT (credential_hash) DO NOTHING`,
		uuid.NewString(), credentialHash, provider, now, now,
	); err != nil {
		return nil, fmt.Errorf("insert account: %w", err)
	}

	var account Account
	err := s.db.QueryRowContext(ctx,
		`SELECT id, credential_hash, provider, first_seen_at, last_seen_at FROM accounts WHERE credential_hash = $1`,
		credentialHash,
	).Scan(&account.ID, &account.CredentialHash, &account.Provider, &account.FirstSeenAt, &account.LastSeenAt)
	if err != nil {
		return nil, fmt.Errorf("select account: %w", err)
	}
	account.FirstSeenAt = account.FirstSeenAt.UTC()
	account.LastSeenAt = account.LastSeenAt.UTC()
	return &account, nil
}

func (s *PostgresStore) TouchAccount(ctx context.Context, id string, at time.Time) error {
	// GREATEST keeps last-write-wins monotone when touches land out of order.
	res, err := s.db.ExecContext(ctx,
		`UPDATE accounts SET last_seen_at = GREATEST(last_seen_at, $1) WHERE id = $2`,
		postgresTime(at), id,
	)
	if err != nil {
		return fmt.Errorf("touch account %q: %w", id, err)
	}
	return requireAffected(res)
}

type postgresWhereBuilder struct {
	clauses []string
	args    []any
}

func newPostgresWhereBuilder() *postgresWhereBuilder {
	return &postgresWhereBuilder{
		clauses: make([]string, 0, 4),
		args:    make([]any, 0, 4),
	}
}

func (b *postgresWhereBuilder) addArg(value any) string {
	b.args = append(b.args, value)
	return fmt.Sprintf("$%d", len(b.args))
}

func (b *postgresWhereBuilder) addComparison(column, operator string, value any) {
	b.clauses = append(b.clauses, fmt.Sprintf("%s %s %s", column, operator, b.addArg(value)))
}

func (b *postgresWhereBuilder) where() string {
	if len(b.clauses) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(b.clauses, " AND ")
}

func collectPostgresSpans(rows *sql.Rows) ([]*Span, error) {
	defer rows.Close()

	items := make([]*Span, 0)
	for rows.Next() {
		span, err := scanPostgresSpan(rows)
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

func scanPostgresSpan(scanner rowScanner) (*Span, error) {
	var (
		span        Span
		parentID    sql.NullString
		status      string
		snapshot    sql.NullString
		completedAt sql.NullTime
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
		&span.Streaming,
		&span.Prompt,
		&span.Completion,
		&span.InputTokens,
		&span.OutputTokens,
		&span.CostUSD,
		&span.DurationMS,
		&span.Error,
		&snapshot,
		&span.StartedAt,
		&completedAt,
	); err != nil {
		return nil, err
	}

	span.Status = Status(status)
	span.StartedAt = span.StartedAt.UTC()
	if parentID.Valid {
		span.ParentID = parentID.String
	}
	if snapshot.Valid {
		span.RequestSnapshot = snapshot.String
	}
	if completedAt.Valid {
		completed := completedAt.Time.UTC()
		span.CompletedAt = &completed
	}
	return &span, nil
}

func (s *PostgresStore) configure() error {
	if s.db == nil {
		return fmt.Errorf("postgres database is not initialized")
	}

	s.db.SetMaxOpenConns(20)
	s.db.SetMaxIdleConns(10)
	s.db.SetConnMaxLifetime(30 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("ping postgres: %w", err)
	}
	return nil
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("read affected rows: %w", err)
	}
	if affected == 0 {
		return ErrNotFound
	}
	return nil
}

func isPostgresForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}

func postgresTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}

func postgresTimePtr(t *time.Time) any {
	if t == nil {
		return nil
	}
	return postgresTime(*t)
}
