package repositoryimpl

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/kazz187/taskbot/internal/webhook"
	"github.com/kazz187/taskbot/pkg/cerr"
)

const schema = `
CREATE TABLE IF NOT EXISTS webhook_deliveries (
	id               TEXT PRIMARY KEY,
	bot_id           TEXT NOT NULL,
	event            TEXT NOT NULL,
	payload          TEXT NOT NULL,
	status           TEXT NOT NULL,
	attempts         INTEGER NOT NULL DEFAULT 0,
	next_retry_at    INTEGER,
	http_status      INTEGER NOT NULL DEFAULT 0,
	response_snippet TEXT NOT NULL DEFAULT '',
	last_error       TEXT NOT NULL DEFAULT '',
	created_at       INTEGER NOT NULL,
	updated_at       INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_webhook_deliveries_due
	ON webhook_deliveries (status, next_retry_at, created_at);
`

const columns = `id, bot_id, event, payload, status, attempts, next_retry_at, http_status, response_snippet, last_error, created_at, updated_at`

type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository opens (creating if needed) the database at dbPath.
func NewSQLiteRepository(ctx context.Context, dbPath string) (*SQLiteRepository, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create parent directories: %w", err)
	}
	dsn := fmt.Sprintf("file:%s?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)", dbPath)
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return &SQLiteRepository{db: db}, nil
}

func (r *SQLiteRepository) Close() error {
	return r.db.Close()
}

func toMillis(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func (r *SQLiteRepository) Create(ctx context.Context, d *webhook.Delivery) error {
	_, err := r.db.ExecContext(ctx,
		`INSERT INTO webhook_deliveries (`+columns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		d.ID, d.BotID, d.Event, string(d.Payload), string(d.Status), d.Attempts, toMillis(d.NextRetryAt),
		d.HTTPStatus, d.ResponseSnippet, d.LastError, d.CreatedAt.UnixMilli(), d.UpdatedAt.UnixMilli())
	if err != nil {
		var one int
		if qErr := r.db.QueryRowContext(ctx, `SELECT 1 FROM webhook_deliveries WHERE id = ?`, d.ID).Scan(&one); qErr == nil {
			return cerr.NewError(cerr.AlreadyExists, "webhook delivery already exists", err)
		}
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to insert webhook delivery: %w", err))
	}
	return nil
}

func (r *SQLiteRepository) Get(ctx context.Context, id string) (*webhook.Delivery, error) {
	row := r.db.QueryRowContext(ctx, `SELECT `+columns+` FROM webhook_deliveries WHERE id = ?`, id)
	d, err := scan(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, cerr.NewError(cerr.NotFound, "webhook delivery not found", err)
	}
	if err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to read webhook delivery: %w", err))
	}
	return d, nil
}

func (r *SQLiteRepository) Update(ctx context.Context, d *webhook.Delivery) error {
	res, err := r.db.ExecContext(ctx,
		`UPDATE webhook_deliveries SET status = ?, attempts = ?, next_retry_at = ?, http_status = ?,
			response_snippet = ?, last_error = ?, updated_at = ? WHERE id = ?`,
		string(d.Status), d.Attempts, toMillis(d.NextRetryAt), d.HTTPStatus,
		d.ResponseSnippet, d.LastError, d.UpdatedAt.UnixMilli(), d.ID)
	if err != nil {
		return cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to update webhook delivery: %w", err))
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return cerr.NewError(cerr.NotFound, "webhook delivery not found", nil)
	}
	return nil
}

func (r *SQLiteRepository) ListDue(ctx context.Context, now time.Time, limit int) ([]*webhook.Delivery, error) {
	if limit <= 0 {
		limit = webhook.BatchSize
	}
	rows, err := r.db.QueryContext(ctx,
		`SELECT `+columns+` FROM webhook_deliveries
		WHERE status = ? AND (next_retry_at IS NULL OR next_retry_at <= ?)
		ORDER BY created_at, id LIMIT ?`,
		string(webhook.StatusPending), now.UnixMilli(), limit)
	if err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to list due webhook deliveries: %w", err))
	}
	defer rows.Close()

	var due []*webhook.Delivery
	for rows.Next() {
		d, err := scan(rows)
		if err != nil {
			return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to scan webhook delivery: %w", err))
		}
		due = append(due, d)
	}
	if err := rows.Err(); err != nil {
		return nil, cerr.NewError(cerr.Internal, "server error", fmt.Errorf("failed to list due webhook deliveries: %w", err))
	}
	return due, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scan(s scanner) (*webhook.Delivery, error) {
	var (
		d                webhook.Delivery
		payload, status  string
		next             sql.NullInt64
		created, updated int64
	)
	if err := s.Scan(&d.ID, &d.BotID, &d.Event, &payload, &status, &d.Attempts, &next,
		&d.HTTPStatus, &d.ResponseSnippet, &d.LastError, &created, &updated); err != nil {
		return nil, err
	}
	d.Payload = []byte(payload)
	d.Status = webhook.Status(status)
	if next.Valid {
		t := time.UnixMilli(next.Int64).UTC()
		d.NextRetryAt = &t
	}
	d.CreatedAt = time.UnixMilli(created).UTC()
	d.UpdatedAt = time.UnixMilli(updated).UTC()
	return &d, nil
}
