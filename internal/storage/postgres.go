package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog/log"
)

// ErrNotFound is returned when no submission exists for the given id.
var ErrNotFound = errors.New("submission not found")

// DB wraps a PostgreSQL connection pool.
type DB struct {
	pool *pgxpool.Pool
}

// New creates a new database connection pool.
func New(ctx context.Context, dsn string) (*DB, error) {
	config, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database DSN: %w", err)
	}

	config.MaxConns = 25
	config.MinConns = 2
	config.MaxConnLifetime = 5 * time.Minute
	config.MaxConnIdleTime = 1 * time.Minute

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	log.Info().Msg("connected to PostgreSQL")
	return &DB{pool: pool}, nil
}

// Close shuts down the connection pool.
func (db *DB) Close() {
	db.pool.Close()
}

// Healthy checks database connectivity.
func (db *DB) Healthy(ctx context.Context) bool {
	return db.pool.Ping(ctx) == nil
}

// CreateSubmission stores the submitted code with pending status and returns
// the stored record.
func (db *DB) CreateSubmission(ctx context.Context, code string) (*Submission, error) {
	sub := &Submission{
		ID:        uuid.New().String(),
		Code:      code,
		Status:    StatusPending,
		CreatedAt: time.Now().UTC(),
	}

	query := `
		INSERT INTO submissions (id, code, status, created_at)
		VALUES ($1, $2, $3, $4)`

	if _, err := db.pool.Exec(ctx, query, sub.ID, sub.Code, sub.Status, sub.CreatedAt); err != nil {
		return nil, fmt.Errorf("inserting submission: %w", err)
	}
	return sub, nil
}

// CompleteSubmission records the processing result for a submission.
func (db *DB) CompleteSubmission(ctx context.Context, id, status, output, errMsg string, executionTime float64) error {
	query := `
		UPDATE submissions
		SET status = $2, output = $3, error = $4, execution_time = $5, updated_at = $6
		WHERE id = $1`

	tag, err := db.pool.Exec(ctx, query,
		id, status,
		truncateForDB(output, 65535),
		truncateForDB(errMsg, 65535),
		executionTime, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("updating submission %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("updating submission %s: %w", id, ErrNotFound)
	}
	return nil
}

// GetSubmission retrieves a single submission by id.
func (db *DB) GetSubmission(ctx context.Context, id string) (*Submission, error) {
	query := `
		SELECT id, code, COALESCE(output, ''), COALESCE(error, ''), status,
			COALESCE(execution_time, 0), created_at, updated_at
		FROM submissions WHERE id = $1`

	var sub Submission
	err := db.pool.QueryRow(ctx, query, id).Scan(
		&sub.ID, &sub.Code, &sub.Output, &sub.Error, &sub.Status,
		&sub.ExecutionTime, &sub.CreatedAt, &sub.UpdatedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("querying submission %s: %w", id, err)
	}
	return &sub, nil
}

// ListSubmissions queries submissions with optional filters. Code bodies are
// omitted from list results.
func (db *DB) ListSubmissions(ctx context.Context, filter SubmissionFilter) ([]Submission, error) {
	query := `
		SELECT id, status, COALESCE(execution_time, 0), created_at, updated_at
		FROM submissions
		WHERE ($1 = '' OR status = $1)
		ORDER BY created_at DESC
		LIMIT $2 OFFSET $3`

	limit := filter.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	rows, err := db.pool.Query(ctx, query, filter.Status, limit, filter.Offset)
	if err != nil {
		return nil, fmt.Errorf("querying submissions: %w", err)
	}
	defer rows.Close()

	var results []Submission
	for rows.Next() {
		var sub Submission
		if err := rows.Scan(
			&sub.ID, &sub.Status, &sub.ExecutionTime,
			&sub.CreatedAt, &sub.UpdatedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning submission row: %w", err)
		}
		results = append(results, sub)
	}

	return results, rows.Err()
}

// LogExecution inserts an audit record for a synchronous execution.
func (db *DB) LogExecution(ctx context.Context, entry *AuditEntry) error {
	if entry.ID == "" {
		entry.ID = uuid.New().String()
	}
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now().UTC()
	}

	query := `
		INSERT INTO execution_audit (id, code_hash, status, exit_code, duration_ms,
			code_bytes, output_bytes, request_ip, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`

	_, err := db.pool.Exec(ctx, query,
		entry.ID, entry.CodeHash, entry.Status, entry.ExitCode, entry.DurationMS,
		entry.CodeBytes, entry.OutputBytes, entry.RequestIP, entry.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("inserting audit entry: %w", err)
	}
	return nil
}

func truncateForDB(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen]
}
