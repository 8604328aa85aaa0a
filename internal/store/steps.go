package store

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/makeastudio/api/internal/model"
)

const maxStepInsertAttempts = 3

// AppendStep assigns the next sequence number of the job and inserts the
// step. Sequence numbers start at 1 and have no gaps.
func (s *SQLStore) AppendStep(ctx context.Context, step *model.Step) error {
	payload, err := json.Marshal(step.Payload)
	if err != nil {
		return fmt.Errorf("encode step payload: %w", err)
	}
	if step.CreatedAt.IsZero() {
		step.CreatedAt = s.timestamp()
	}

	// a concurrent writer can take the same number between MAX and INSERT
	for attempt := 1; attempt <= maxStepInsertAttempts; attempt++ {
		seq, inserted, err := s.insertStep(ctx, step, payload)
		if err != nil {
			return err
		}
		if inserted {
			step.SequenceNo = seq
			return nil
		}
	}
	return fmt.Errorf("append step for job %s: sequence contention", step.JobID)
}

func (s *SQLStore) insertStep(ctx context.Context, step *model.Step, payload []byte) (int, bool, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, false, fmt.Errorf("begin step tx: %w", err)
	}
	defer tx.Rollback()

	var seq int
	if err := tx.QueryRowContext(ctx, s.q(`
		SELECT COALESCE(MAX(sequence_no), 0) + 1 FROM job_steps WHERE job_id = $1`),
		step.JobID,
	).Scan(&seq); err != nil {
		return 0, false, fmt.Errorf("next step sequence: %w", err)
	}

	res, err := tx.ExecContext(ctx, s.q(`
		INSERT INTO job_steps (job_id, sequence_no, type, payload, created_at)
		VALUES ($1, $2, $3, $4, $5)
		ON CONFLICT (job_id, sequence_no) DO NOTHING`),
		step.JobID, seq, string(step.Type), string(payload), toMillis(step.CreatedAt),
	)
	if err != nil {
		return 0, false, fmt.Errorf("insert step: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, false, fmt.Errorf("insert step: %w", err)
	}
	if n == 0 {
		return 0, false, nil
	}

	if err := tx.Commit(); err != nil {
		return 0, false, fmt.Errorf("commit step: %w", err)
	}
	return seq, true, nil
}

// ListSteps returns the step log ordered by sequence number.
func (s *SQLStore) ListSteps(ctx context.Context, jobID string) ([]*model.Step, error) {
	rows, err := s.db.QueryContext(ctx, s.q(`
		SELECT job_id, sequence_no, type, payload, created_at
		FROM job_steps WHERE job_id = $1
		ORDER BY sequence_no ASC`), jobID)
	if err != nil {
		return nil, fmt.Errorf("list steps: %w", err)
	}
	defer rows.Close()

	var steps []*model.Step
	for rows.Next() {
		var (
			step      model.Step
			typ       string
			payload   string
			createdAt int64
		)
		if err := rows.Scan(&step.JobID, &step.SequenceNo, &typ, &payload, &createdAt); err != nil {
			return nil, fmt.Errorf("scan step: %w", err)
		}
		step.Type = model.StepType(typ)
		step.CreatedAt = fromMillis(createdAt)
		if err := json.Unmarshal([]byte(payload), &step.Payload); err != nil {
			return nil, fmt.Errorf("decode step payload: %w", err)
		}
		steps = append(steps, &step)
	}
	return steps, rows.Err()
}
