// Package runlog keeps an audit trail of scheduled job runs in cron_runs.
// Writes are best-effort: callers log a failed write and move on.
package runlog

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

// Run is one job execution.
type Run struct {
	ID             string
	ClinicID       *string
	Job            string
	CandidateCount int
	UpdatedCount   int
	AffectedIDs    []string
	Details        any
	CreatedAt      time.Time
}

// Recorder writes runs to Postgres.
type Recorder struct {
	db *sql.DB
}

// NewRecorder creates a recorder.
func NewRecorder(db *sql.DB) *Recorder {
	return &Recorder{db: db}
}

// Record inserts a run. Details are stored as JSON.
func (r *Recorder) Record(ctx context.Context, run Run) error {
	if run.ID == "" {
		run.ID = uuid.NewString()
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.AffectedIDs == nil {
		run.AffectedIDs = []string{}
	}
	details := []byte("{}")
	if run.Details != nil {
		raw, err := json.Marshal(run.Details)
		if err != nil {
			return fmt.Errorf("runlog: encode details: %w", err)
		}
		details = raw
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO cron_runs (
			id, clinic_id, job, candidate_count, updated_count, affected_ids, details, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		run.ID,
		run.ClinicID,
		run.Job,
		run.CandidateCount,
		run.UpdatedCount,
		pq.Array(run.AffectedIDs),
		details,
		run.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("runlog: insert run: %w", err)
	}
	return nil
}

// Summary is a row of the recent-runs listing.
type Summary struct {
	ID             string          `json:"id"`
	ClinicID       *string         `json:"clinic_id"`
	Job            string          `json:"job"`
	CandidateCount int             `json:"candidate_count"`
	UpdatedCount   int             `json:"updated_count"`
	AffectedIDs    []string        `json:"affected_ids"`
	Details        json.RawMessage `json:"details"`
	CreatedAt      time.Time       `json:"created_at"`
}

// Recent lists the latest runs of a job, newest first. An empty job lists all.
func (r *Recorder) Recent(ctx context.Context, job string, limit int) ([]Summary, error) {
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, clinic_id, job, candidate_count, updated_count, affected_ids, details, created_at
		FROM cron_runs
		WHERE ($1 = '' OR job = $1)
		ORDER BY created_at DESC
		LIMIT $2`, job, limit)
	if err != nil {
		return nil, fmt.Errorf("runlog: list runs: %w", err)
	}
	defer rows.Close()

	var out []Summary
	for rows.Next() {
		var (
			s        Summary
			clinicID sql.NullString
			details  []byte
		)
		if err := rows.Scan(&s.ID, &clinicID, &s.Job, &s.CandidateCount, &s.UpdatedCount,
			pq.Array(&s.AffectedIDs), &details, &s.CreatedAt); err != nil {
			return nil, fmt.Errorf("runlog: scan run: %w", err)
		}
		if clinicID.Valid {
			s.ClinicID = &clinicID.String
		}
		s.Details = json.RawMessage(details)
		out = append(out, s)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("runlog: list runs: %w", err)
	}
	return out, nil
}
