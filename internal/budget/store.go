package budget

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// Store persists per-run cost reports.
type Store struct {
	db *sql.DB
}

// NewStore creates a cost report store on a migrated database.
func NewStore(db *sql.DB) *Store {
	return &Store{db: db}
}

// RunRecord is a completed run's cost data.
type RunRecord struct {
	ID        string        `json:"id"`
	RunID     string        `json:"run_id"`
	Query     string        `json:"query"`
	Status    string        `json:"status"`
	Mode      string        `json:"mode,omitempty"`
	StartedAt time.Time     `json:"started_at"`
	Duration  time.Duration `json:"duration"`
	Report    CostReport    `json:"report"`
}

// SaveRun records a completed run.
func (s *Store) SaveRun(ctx context.Context, record *RunRecord) error {
	if record.ID == "" {
		record.ID = fmt.Sprintf("run:%s", uuid.New().String())
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = time.Now()
	}

	data, err := json.Marshal(record.Report)
	if err != nil {
		return fmt.Errorf("marshal report: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO cost_reports (id, run_id, query, status, mode, started_at, duration_ms, total_tokens, total_cost, savings, report)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		record.ID, record.RunID, record.Query, record.Status, record.Mode,
		record.StartedAt.UnixMilli(), record.Duration.Milliseconds(),
		record.Report.Total.Tokens(), record.Report.Total.Cost, record.Report.Savings,
		string(data),
	)
	if err != nil {
		return fmt.Errorf("insert cost report: %w", err)
	}
	return nil
}

// GetRun retrieves a record by ID. It returns nil if none exists.
func (s *Store) GetRun(ctx context.Context, id string) (*RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, run_id, query, status, mode, started_at, duration_ms, report
		FROM cost_reports WHERE id = ?`, id)

	record, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	return record, err
}

// ListRuns returns the most recent records first.
func (s *Store) ListRuns(ctx context.Context, limit int) ([]*RunRecord, error) {
	if limit <= 0 {
		limit = 20
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, run_id, query, status, mode, started_at, duration_ms, report
		FROM cost_reports ORDER BY started_at DESC, id LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("list cost reports: %w", err)
	}
	defer rows.Close()

	var records []*RunRecord
	for rows.Next() {
		record, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		records = append(records, record)
	}
	return records, rows.Err()
}

// SpendingSummary aggregates all recorded runs.
type SpendingSummary struct {
	Runs        int64   `json:"runs"`
	TotalTokens int64   `json:"total_tokens"`
	TotalCost   float64 `json:"total_cost"`
	TotalSaved  float64 `json:"total_saved"`
}

// Summary returns totals across all runs.
func (s *Store) Summary(ctx context.Context) (SpendingSummary, error) {
	var sum SpendingSummary
	err := s.db.QueryRowContext(ctx, `
		SELECT COUNT(*), COALESCE(SUM(total_tokens), 0), COALESCE(SUM(total_cost), 0), COALESCE(SUM(savings), 0)
		FROM cost_reports`).Scan(&sum.Runs, &sum.TotalTokens, &sum.TotalCost, &sum.TotalSaved)
	if err != nil {
		return sum, fmt.Errorf("summarize cost reports: %w", err)
	}
	return sum, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*RunRecord, error) {
	var (
		r          RunRecord
		startedMS  int64
		durationMS int64
		report     string
	)
	if err := row.Scan(&r.ID, &r.RunID, &r.Query, &r.Status, &r.Mode, &startedMS, &durationMS, &report); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan cost report: %w", err)
	}
	r.StartedAt = time.UnixMilli(startedMS)
	r.Duration = time.Duration(durationMS) * time.Millisecond
	if err := json.Unmarshal([]byte(report), &r.Report); err != nil {
		return nil, fmt.Errorf("unmarshal report: %w", err)
	}
	return &r, nil
}
