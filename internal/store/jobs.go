package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/makeastudio/api/internal/model"
)

const jobColumns = `id, parent_id, owner_id, mode, status, vars, prompt_text, output_url, error, created_at, updated_at`

// CreateJob inserts a new job row. CreatedAt/UpdatedAt are filled in when zero.
func (s *SQLStore) CreateJob(ctx context.Context, job *model.Job) error {
	now := s.timestamp()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	vars, errDoc, err := encodeJobDocs(job)
	if err != nil {
		return err
	}

	_, err = s.db.ExecContext(ctx, s.q(`
		INSERT INTO jobs (`+jobColumns+`)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`),
		job.ID, nullString(job.ParentID), job.OwnerID, string(job.Mode), string(job.Status),
		vars, nullString(job.PromptText), nullString(job.OutputURL), errDoc,
		toMillis(job.CreatedAt), toMillis(job.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

func (s *SQLStore) GetJob(ctx context.Context, id string) (*model.Job, error) {
	row := s.db.QueryRowContext(ctx, s.q(`SELECT `+jobColumns+` FROM jobs WHERE id = $1`), id)
	job, err := scanJob(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, model.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get job: %w", err)
	}
	return job, nil
}

// UpdateJob writes the mutable columns of a non-terminal job. A row that is
// already terminal is left untouched and ErrJobFinalized is returned.
func (s *SQLStore) UpdateJob(ctx context.Context, job *model.Job) error {
	job.UpdatedAt = s.timestamp()

	vars, errDoc, err := encodeJobDocs(job)
	if err != nil {
		return err
	}

	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE jobs
		SET status = $2, vars = $3, prompt_text = $4, output_url = $5, error = $6, updated_at = $7
		WHERE id = $1 AND status NOT IN ('done', 'suggested', 'error')`),
		job.ID, string(job.Status), vars, nullString(job.PromptText), nullString(job.OutputURL),
		errDoc, toMillis(job.UpdatedAt),
	)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}

	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n == 1 {
		return nil
	}

	if _, err := s.GetJob(ctx, job.ID); err != nil {
		return err
	}
	return model.ErrJobFinalized
}

// ClaimJob moves a queued job to processing. Exactly one caller wins.
func (s *SQLStore) ClaimJob(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, s.q(`
		UPDATE jobs SET status = $2, updated_at = $3
		WHERE id = $1 AND status = $4`),
		id, string(model.JobStatusProcessing), toMillis(s.timestamp()), string(model.JobStatusQueued),
	)
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("claim job: %w", err)
	}
	return n == 1, nil
}

// ListStale returns jobs in one of statuses whose last update is older than before.
func (s *SQLStore) ListStale(ctx context.Context, statuses []model.JobStatus, before time.Time, limit int) ([]*model.Job, error) {
	if len(statuses) == 0 {
		return nil, nil
	}
	if limit <= 0 {
		limit = 100
	}

	args := []interface{}{toMillis(before), limit}
	marks := make([]string, len(statuses))
	for i, st := range statuses {
		args = append(args, string(st))
		marks[i] = fmt.Sprintf("$%d", i+3)
	}

	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT `+jobColumns+` FROM jobs
		WHERE updated_at < $1 AND status IN (`+strings.Join(marks, ", ")+`)
		ORDER BY updated_at ASC
		LIMIT $2`), args...)
	if err != nil {
		return nil, fmt.Errorf("list stale jobs: %w", err)
	}
	defer rows.Close()

	var jobs []*model.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanJob(row rowScanner) (*model.Job, error) {
	var (
		job                                  model.Job
		parentID, promptText, outputURL, jerr sql.NullString
		mode, status, vars                   string
		createdAt, updatedAt                 int64
	)
	if err := row.Scan(&job.ID, &parentID, &job.OwnerID, &mode, &status, &vars,
		&promptText, &outputURL, &jerr, &createdAt, &updatedAt); err != nil {
		return nil, err
	}

	job.Mode = model.Mode(mode)
	job.Status = model.JobStatus(status)
	job.ParentID = stringPtr(parentID)
	job.PromptText = stringPtr(promptText)
	job.OutputURL = stringPtr(outputURL)
	job.CreatedAt = fromMillis(createdAt)
	job.UpdatedAt = fromMillis(updatedAt)

	if err := json.Unmarshal([]byte(vars), &job.Vars); err != nil {
		return nil, fmt.Errorf("decode working variables: %w", err)
	}
	if jerr.Valid && jerr.String != "" {
		var je model.JobError
		if err := json.Unmarshal([]byte(jerr.String), &je); err != nil {
			return nil, fmt.Errorf("decode job error: %w", err)
		}
		job.Error = &je
	}
	return &job, nil
}

func encodeJobDocs(job *model.Job) (string, sql.NullString, error) {
	vars, err := json.Marshal(job.Vars)
	if err != nil {
		return "", sql.NullString{}, fmt.Errorf("encode working variables: %w", err)
	}
	if job.Error == nil {
		return string(vars), sql.NullString{}, nil
	}
	je, err := json.Marshal(job.Error)
	if err != nil {
		return "", sql.NullString{}, fmt.Errorf("encode job error: %w", err)
	}
	return string(vars), sql.NullString{String: string(je), Valid: true}, nil
}

func nullString(p *string) sql.NullString {
	if p == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *p, Valid: true}
}

func stringPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}
