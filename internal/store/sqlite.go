package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/seantiz/guidance/internal/model"

	_ "modernc.org/sqlite"
)

const createRequestsTable = `
CREATE TABLE IF NOT EXISTS requests (
    id                TEXT PRIMARY KEY,
    client_req_id     INTEGER NOT NULL,
    engine_req_id     INTEGER NOT NULL DEFAULT 0,
    status            TEXT NOT NULL,
    prompt            TEXT,
    prompt_tokens     INTEGER NOT NULL DEFAULT 0,
    completion_tokens INTEGER NOT NULL DEFAULT 0,
    num_sequences     INTEGER NOT NULL,
    max_tokens        INTEGER NOT NULL,
    grammars          INTEGER NOT NULL DEFAULT 0,
    is_chat           INTEGER NOT NULL DEFAULT 0,
    outputs           TEXT,
    error             TEXT,
    duration_ms       INTEGER,
    created_at        DATETIME NOT NULL,
    started_at        DATETIME,
    finished_at       DATETIME
)`

const createLogsTable = `
CREATE TABLE IF NOT EXISTS constraint_logs (
    id          INTEGER PRIMARY KEY AUTOINCREMENT,
    request_id  TEXT NOT NULL REFERENCES requests(id),
    seq         INTEGER NOT NULL,
    line        TEXT NOT NULL,
    created_at  DATETIME NOT NULL
)`

const createLogsIndex = `
CREATE INDEX IF NOT EXISTS idx_constraint_logs_request ON constraint_logs(request_id, seq)`

const requestColumns = `id, client_req_id, engine_req_id, status, prompt, prompt_tokens,
	completion_tokens, num_sequences, max_tokens, grammars, is_chat, outputs, error,
	duration_ms, created_at, started_at, finished_at`

// ErrNotFound is returned when a request is not found.
var ErrNotFound = errors.New("request not found")

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Each connection would otherwise see its own empty database.
		db.SetMaxOpenConns(1)
	}

	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}

	if _, err := db.Exec("PRAGMA busy_timeout = 5000"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set busy timeout: %w", err)
	}

	for _, stmt := range []string{createRequestsTable, createLogsTable, createLogsIndex} {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("migrate: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateRequest inserts a new request record.
func (s *SQLiteStore) CreateRequest(ctx context.Context, r *model.Request) error {
	outputs, err := encodeOutputs(r.Outputs)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO requests (`+requestColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.ID, r.ClientReqID, r.EngineReqID, r.Status, r.Prompt, r.PromptTokens,
		r.CompletionTokens, r.NumSequences, r.MaxTokens, r.Grammars, r.IsChat, outputs, r.Error,
		r.DurationMS, r.CreatedAt, r.StartedAt, r.FinishedAt,
	)
	if err != nil {
		return fmt.Errorf("insert request: %w", err)
	}
	return nil
}

// GetRequest retrieves a request by ID.
func (s *SQLiteStore) GetRequest(ctx context.Context, id string) (*model.Request, error) {
	r, err := scanRequest(s.db.QueryRowContext(ctx,
		`SELECT `+requestColumns+` FROM requests WHERE id = ?`, id,
	))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get request: %w", err)
	}
	return r, nil
}

// ListRequests returns a paginated list of requests ordered by created_at DESC,
// along with the total count of all requests.
func (s *SQLiteStore) ListRequests(ctx context.Context, limit, offset int) ([]*model.Request, int, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, 0, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	var total int
	if err := tx.QueryRowContext(ctx, "SELECT COUNT(*) FROM requests").Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count requests: %w", err)
	}

	rows, err := tx.QueryContext(ctx,
		`SELECT `+requestColumns+` FROM requests ORDER BY created_at DESC, id DESC LIMIT ? OFFSET ?`,
		limit, offset,
	)
	if err != nil {
		return nil, 0, fmt.Errorf("list requests: %w", err)
	}
	defer rows.Close()

	var requests []*model.Request
	for rows.Next() {
		r, err := scanRequest(rows)
		if err != nil {
			return nil, 0, fmt.Errorf("scan request: %w", err)
		}
		requests = append(requests, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate requests: %w", err)
	}

	return requests, total, nil
}

// UpdateRequestStatus moves a request to status. Moving to running sets
// started_at; terminal statuses set finished_at.
func (s *SQLiteStore) UpdateRequestStatus(ctx context.Context, id, status string) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	current, err := currentStatus(ctx, tx, id)
	if err != nil {
		return err
	}
	if !model.ValidTransition(current, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, current, status)
	}

	now := time.Now().UTC()
	switch {
	case status == model.StatusRunning:
		_, err = tx.ExecContext(ctx,
			"UPDATE requests SET status = ?, started_at = ? WHERE id = ?", status, now, id)
	case model.IsTerminal(status):
		_, err = tx.ExecContext(ctx,
			"UPDATE requests SET status = ?, finished_at = ? WHERE id = ?", status, now, id)
	default:
		_, err = tx.ExecContext(ctx,
			"UPDATE requests SET status = ? WHERE id = ?", status, id)
	}
	if err != nil {
		return fmt.Errorf("update request status: %w", err)
	}
	return tx.Commit()
}

// FinishRequest records the terminal outcome of a request. The duration is
// measured from started_at when set, else from created_at.
func (s *SQLiteStore) FinishRequest(ctx context.Context, id string, res Result) error {
	if !model.IsTerminal(res.Status) {
		return fmt.Errorf("%w: %q is not terminal", ErrInvalidTransition, res.Status)
	}
	outputs, err := encodeOutputs(res.Outputs)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var (
		status    string
		createdAt time.Time
		startedAt sql.NullTime
	)
	err = tx.QueryRowContext(ctx,
		"SELECT status, created_at, started_at FROM requests WHERE id = ?", id,
	).Scan(&status, &createdAt, &startedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	if err != nil {
		return fmt.Errorf("get request status: %w", err)
	}
	if !model.ValidTransition(status, res.Status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, status, res.Status)
	}

	now := time.Now().UTC()
	since := createdAt
	if startedAt.Valid {
		since = startedAt.Time
	}
	duration := int(now.Sub(since).Milliseconds())

	_, err = tx.ExecContext(ctx,
		`UPDATE requests SET status = ?, outputs = ?, completion_tokens = ?, error = ?,
			duration_ms = ?, finished_at = ? WHERE id = ?`,
		res.Status, outputs, res.CompletionTokens, res.Error, duration, now, id,
	)
	if err != nil {
		return fmt.Errorf("finish request: %w", err)
	}
	return tx.Commit()
}

// GetRequestStats returns counts by status, the average duration of finished
// requests and the total number of generated tokens.
func (s *SQLiteStore) GetRequestStats(ctx context.Context) (*RequestStats, error) {
	tx, err := s.db.BeginTx(ctx, &sql.TxOptions{ReadOnly: true})
	if err != nil {
		return nil, fmt.Errorf("begin read tx: %w", err)
	}
	defer tx.Rollback()

	stats := &RequestStats{CountByStatus: make(map[string]int)}

	rows, err := tx.QueryContext(ctx, "SELECT status, COUNT(*) FROM requests GROUP BY status")
	if err != nil {
		return nil, fmt.Errorf("count by status: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("scan status count: %w", err)
		}
		stats.CountByStatus[status] = n
		stats.Total += n
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate status counts: %w", err)
	}

	var avg sql.NullFloat64
	var tokens sql.NullInt64
	if err := tx.QueryRowContext(ctx,
		"SELECT AVG(duration_ms), SUM(completion_tokens) FROM requests WHERE duration_ms IS NOT NULL",
	).Scan(&avg, &tokens); err != nil {
		return nil, fmt.Errorf("aggregate durations: %w", err)
	}
	stats.AvgDurationMS = avg.Float64
	stats.TotalCompletionTokens = int(tokens.Int64)

	return stats, nil
}

// InsertLogLine appends one constraint log line for a request.
func (s *SQLiteStore) InsertLogLine(ctx context.Context, requestID string, seq int, line string) error {
	_, err := s.db.ExecContext(ctx,
		"INSERT INTO constraint_logs (request_id, seq, line, created_at) VALUES (?, ?, ?, ?)",
		requestID, seq, line, time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert log line: %w", err)
	}
	return nil
}

// GetLogLines returns a request's log lines ordered by seq.
func (s *SQLiteStore) GetLogLines(ctx context.Context, requestID string) ([]model.LogLine, error) {
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, request_id, seq, line, created_at FROM constraint_logs WHERE request_id = ? ORDER BY seq",
		requestID,
	)
	if err != nil {
		return nil, fmt.Errorf("get log lines: %w", err)
	}
	defer rows.Close()

	var lines []model.LogLine
	for rows.Next() {
		var l model.LogLine
		if err := rows.Scan(&l.ID, &l.RequestID, &l.Seq, &l.Line, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan log line: %w", err)
		}
		lines = append(lines, l)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate log lines: %w", err)
	}
	return lines, nil
}

func currentStatus(ctx context.Context, tx *sql.Tx, id string) (string, error) {
	var status string
	err := tx.QueryRowContext(ctx, "SELECT status FROM requests WHERE id = ?", id).Scan(&status)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("get request status: %w", err)
	}
	return status, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRequest(row scanner) (*model.Request, error) {
	r := &model.Request{}
	var (
		prompt  sql.NullString
		outputs sql.NullString
		errMsg  sql.NullString
	)
	if err := row.Scan(
		&r.ID, &r.ClientReqID, &r.EngineReqID, &r.Status, &prompt, &r.PromptTokens,
		&r.CompletionTokens, &r.NumSequences, &r.MaxTokens, &r.Grammars, &r.IsChat, &outputs, &errMsg,
		&r.DurationMS, &r.CreatedAt, &r.StartedAt, &r.FinishedAt,
	); err != nil {
		return nil, err
	}
	r.Prompt = prompt.String
	r.Error = errMsg.String
	if outputs.String != "" {
		if err := json.Unmarshal([]byte(outputs.String), &r.Outputs); err != nil {
			return nil, fmt.Errorf("decode outputs: %w", err)
		}
	}
	return r, nil
}

func encodeOutputs(outputs []model.SequenceOutput) (any, error) {
	if len(outputs) == 0 {
		return nil, nil
	}
	b, err := json.Marshal(outputs)
	if err != nil {
		return nil, fmt.Errorf("encode outputs: %w", err)
	}
	return string(b), nil
}
