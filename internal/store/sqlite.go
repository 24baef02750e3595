package store

import (
	"context"
	"database/sql"
	_ "embed"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/charmbracelet/log"
	_ "modernc.org/sqlite"

	"github.com/xiy/civicrm-mcp/internal/apiv4"
)

//go:embed schema.sql
var schemaSQL string

const errorTextLimit = 300

// MCPRequestLog captures one incoming MCP request handled by the server.
type MCPRequestLog struct {
	ID         int64
	Method     string
	ToolName   string
	Success    bool
	ErrorText  string
	DurationMS int64
	CreatedAt  time.Time
}

// CRMCallLog captures one outgoing CRM request. Payloads and credentials are not stored.
type CRMCallLog struct {
	ID         int64
	RequestID  string
	Entity     string
	Action     string
	Method     string
	URL        string
	Status     int
	Outcome    string
	ErrorText  string
	DurationMS int64
	CreatedAt  time.Time
}

// Stats summarizes diagnostic counters for admin dashboards.
type Stats struct {
	Requests      int64
	FailedTools   int64
	CRMCalls      int64
	CRMTransport  int64
	CRMDecode     int64
	CRMAPIErrors  int64
	OldestRequest time.Time
}

// SQLiteStore is a SQLite-backed diagnostic store.
type SQLiteStore struct {
	db     *sql.DB
	logger *log.Logger
}

// OpenSQLite opens and initializes the SQLite store.
func OpenSQLite(ctx context.Context, dbPath string, logger *log.Logger) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("mkdir db dir: %w", err)
	}

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}

	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &SQLiteStore{db: db, logger: logger}
	if err := s.init(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) init(ctx context.Context) error {
	for _, stmt := range splitSQLStatements(schemaSQL) {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("run schema stmt: %w", err)
		}
	}
	return nil
}

func splitSQLStatements(s string) []string {
	parts := strings.Split(s, ";")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p == "" {
			continue
		}
		out = append(out, p+";")
	}
	return out
}

// InsertMCPRequestLog stores one request event for admin observability.
func (s *SQLiteStore) InsertMCPRequestLog(ctx context.Context, rec MCPRequestLog) error {
	ts := rec.CreatedAt.UTC()
	if rec.CreatedAt.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO mcp_requests (
		method, tool_name, success, error_text, duration_ms, created_at
	) VALUES (?, ?, ?, ?, ?, ?)`,
		strings.TrimSpace(rec.Method),
		strings.TrimSpace(rec.ToolName),
		boolToInt(rec.Success),
		clip(strings.TrimSpace(rec.ErrorText)),
		rec.DurationMS,
		ts.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert mcp request log: %w", err)
	}
	return nil
}

// ObserveCall records a CRM call. Failures are logged and never reach the caller.
func (s *SQLiteStore) ObserveCall(ctx context.Context, rec apiv4.CallRecord) {
	row := CRMCallLog{
		RequestID:  rec.RequestID,
		Entity:     rec.Entity,
		Action:     rec.Action,
		Method:     rec.Method,
		URL:        rec.URL,
		Status:     rec.Status,
		Outcome:    rec.Outcome,
		ErrorText:  rec.ErrorText,
		DurationMS: rec.Duration.Milliseconds(),
		CreatedAt:  rec.StartedAt,
	}
	// The tool call may already be cancelled; the record is still wanted.
	if err := s.InsertCRMCallLog(context.WithoutCancel(ctx), row); err != nil {
		s.logger.Warn("failed to persist CRM call log", "request_id", rec.RequestID, "error", err)
	}
}

// InsertCRMCallLog stores one CRM call record.
func (s *SQLiteStore) InsertCRMCallLog(ctx context.Context, rec CRMCallLog) error {
	ts := rec.CreatedAt.UTC()
	if rec.CreatedAt.IsZero() {
		ts = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `INSERT INTO crm_calls (
		request_id, entity, action, method, url, status, outcome, error_text, duration_ms, created_at
	) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.RequestID,
		rec.Entity,
		rec.Action,
		rec.Method,
		rec.URL,
		rec.Status,
		rec.Outcome,
		clip(rec.ErrorText),
		rec.DurationMS,
		ts.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("insert crm call log: %w", err)
	}
	return nil
}

// RecentMCPRequestLogs returns most recent request events in newest-first order.
func (s *SQLiteStore) RecentMCPRequestLogs(ctx context.Context, limit int) ([]MCPRequestLog, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, method, tool_name, success, error_text, duration_ms, created_at
FROM mcp_requests
ORDER BY created_at DESC, id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list mcp request logs: %w", err)
	}
	defer rows.Close()

	items := make([]MCPRequestLog, 0, limit)
	for rows.Next() {
		var (
			row            MCPRequestLog
			successAsInt   int
			createdAtValue string
		)
		if err := rows.Scan(
			&row.ID,
			&row.Method,
			&row.ToolName,
			&successAsInt,
			&row.ErrorText,
			&row.DurationMS,
			&createdAtValue,
		); err != nil {
			return nil, fmt.Errorf("scan mcp request log: %w", err)
		}
		row.Success = successAsInt == 1
		if ts, err := time.Parse(time.RFC3339Nano, createdAtValue); err == nil {
			row.CreatedAt = ts
		}
		items = append(items, row)
	}
	return items, rows.Err()
}

// RecentCRMCalls returns most recent CRM calls in newest-first order.
func (s *SQLiteStore) RecentCRMCalls(ctx context.Context, limit int) ([]CRMCallLog, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := s.db.QueryContext(ctx, `SELECT id, request_id, entity, action, method, url, status, outcome, error_text, duration_ms, created_at
FROM crm_calls
ORDER BY created_at DESC, id DESC
LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list crm calls: %w", err)
	}
	defer rows.Close()

	items := make([]CRMCallLog, 0, limit)
	for rows.Next() {
		var (
			row            CRMCallLog
			createdAtValue string
		)
		if err := rows.Scan(
			&row.ID,
			&row.RequestID,
			&row.Entity,
			&row.Action,
			&row.Method,
			&row.URL,
			&row.Status,
			&row.Outcome,
			&row.ErrorText,
			&row.DurationMS,
			&createdAtValue,
		); err != nil {
			return nil, fmt.Errorf("scan crm call: %w", err)
		}
		if ts, err := time.Parse(time.RFC3339Nano, createdAtValue); err == nil {
			row.CreatedAt = ts
		}
		items = append(items, row)
	}
	return items, rows.Err()
}

// Stats counts stored diagnostics.
func (s *SQLiteStore) Stats(ctx context.Context) (Stats, error) {
	var st Stats
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM mcp_requests`).Scan(&st.Requests); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM mcp_requests WHERE success = 0`).Scan(&st.FailedTools); err != nil {
		return st, err
	}
	if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM crm_calls`).Scan(&st.CRMCalls); err != nil {
		return st, err
	}
	outcomes := []struct {
		outcome string
		dst     *int64
	}{
		{apiv4.OutcomeTransportError, &st.CRMTransport},
		{apiv4.OutcomeDecodeError, &st.CRMDecode},
		{apiv4.OutcomeAPIError, &st.CRMAPIErrors},
	}
	for _, o := range outcomes {
		if err := s.db.QueryRowContext(ctx, `SELECT count(*) FROM crm_calls WHERE outcome = ?`, o.outcome).Scan(o.dst); err != nil {
			return st, err
		}
	}
	var oldest sql.NullString
	if err := s.db.QueryRowContext(ctx, `SELECT min(created_at) FROM mcp_requests`).Scan(&oldest); err != nil {
		return st, err
	}
	if oldest.Valid {
		if ts, err := time.Parse(time.RFC3339Nano, oldest.String); err == nil {
			st.OldestRequest = ts
		}
	}
	return st, nil
}

// Prune deletes diagnostic rows created before cutoff.
func (s *SQLiteStore) Prune(ctx context.Context, cutoff time.Time) (int64, error) {
	ts := cutoff.UTC().Format(time.RFC3339Nano)
	var total int64
	for _, table := range []string{"mcp_requests", "crm_calls"} {
		res, err := s.db.ExecContext(ctx, `DELETE FROM `+table+` WHERE created_at < ?`, ts)
		if err != nil {
			return total, fmt.Errorf("prune %s: %w", table, err)
		}
		n, err := res.RowsAffected()
		if err != nil {
			return total, fmt.Errorf("prune %s rows affected: %w", table, err)
		}
		total += n
	}
	return total, nil
}

func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func clip(s string) string {
	return apiv4.Preview(s, errorTextLimit)
}
