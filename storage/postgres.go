package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/hibeats/engine/core"
)

// PGStore persists the task journal in Postgres.
type PGStore struct {
	pool *pgxpool.Pool
}

// NewPGStore connects and initializes the schema.
func NewPGStore(ctx context.Context, dsn string) (*PGStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &PGStore{pool: pool}
	if err := s.initSchema(ctx); err != nil {
		pool.Close()
		return nil, err
	}
	return s, nil
}

func (s *PGStore) initSchema(ctx context.Context) error {
	schema := `
CREATE TABLE IF NOT EXISTS generation_tasks (
  task_id TEXT PRIMARY KEY,
  wallet TEXT,
  params JSONB,
  request_tx_hash TEXT,
  completion_tx_hash TEXT,
  status TEXT,
  expected_artifacts INT,
  needs_completion BOOLEAN DEFAULT FALSE,
  fail_reason TEXT,
  created_at TIMESTAMPTZ,
  updated_at TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_generation_tasks_status ON generation_tasks (status);
`
	if _, err := s.pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("init schema: %w", err)
	}
	return nil
}

// SaveTask upserts a task record.
func (s *PGStore) SaveTask(ctx context.Context, task core.GenerationTask) error {
	params, err := json.Marshal(task.Params)
	if err != nil {
		return fmt.Errorf("encode params: %w", err)
	}
	if task.CreatedAt.IsZero() {
		task.CreatedAt = time.Now()
	}
	task.UpdatedAt = time.Now()
	_, err = s.pool.Exec(ctx, `
INSERT INTO generation_tasks
  (task_id, wallet, params, request_tx_hash, completion_tx_hash, status,
   expected_artifacts, needs_completion, fail_reason, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)
ON CONFLICT (task_id) DO UPDATE SET
  wallet = EXCLUDED.wallet,
  params = EXCLUDED.params,
  request_tx_hash = EXCLUDED.request_tx_hash,
  completion_tx_hash = EXCLUDED.completion_tx_hash,
  status = EXCLUDED.status,
  expected_artifacts = EXCLUDED.expected_artifacts,
  needs_completion = EXCLUDED.needs_completion,
  fail_reason = EXCLUDED.fail_reason,
  updated_at = EXCLUDED.updated_at
`, task.TaskID, task.Wallet, params, task.RequestTxHash, task.CompletionTxHash,
		string(task.Status), task.ExpectedArtifacts, task.NeedsCompletion,
		task.FailReason, task.CreatedAt, task.UpdatedAt)
	if err != nil {
		return fmt.Errorf("save task %s: %w", task.TaskID, err)
	}
	return nil
}

// GetTask returns a task by id.
func (s *PGStore) GetTask(ctx context.Context, taskID string) (core.GenerationTask, error) {
	row := s.pool.QueryRow(ctx, `
SELECT task_id, wallet, params, request_tx_hash, completion_tx_hash, status,
       expected_artifacts, needs_completion, fail_reason, created_at, updated_at
FROM generation_tasks WHERE task_id = $1`, taskID)
	return scanTask(row)
}

// ListUnfinished returns tasks still awaiting reconciliation or a
// completion-write retry, oldest first.
func (s *PGStore) ListUnfinished(ctx context.Context) ([]core.GenerationTask, error) {
	rows, err := s.pool.Query(ctx, `
SELECT task_id, wallet, params, request_tx_hash, completion_tx_hash, status,
       expected_artifacts, needs_completion, fail_reason, created_at, updated_at
FROM generation_tasks
WHERE status NOT IN ('completed','failed') OR needs_completion
ORDER BY created_at`)
	if err != nil {
		return nil, fmt.Errorf("list unfinished: %w", err)
	}
	defer rows.Close()

	var out []core.GenerationTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, task)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (core.GenerationTask, error) {
	var task core.GenerationTask
	var params []byte
	var status string
	err := row.Scan(&task.TaskID, &task.Wallet, &params, &task.RequestTxHash,
		&task.CompletionTxHash, &status, &task.ExpectedArtifacts,
		&task.NeedsCompletion, &task.FailReason, &task.CreatedAt, &task.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return core.GenerationTask{}, ErrTaskNotFound
		}
		return core.GenerationTask{}, fmt.Errorf("scan task: %w", err)
	}
	task.Status = core.TaskStatus(status)
	if len(params) > 0 {
		if err := json.Unmarshal(params, &task.Params); err != nil {
			return core.GenerationTask{}, fmt.Errorf("decode params: %w", err)
		}
	}
	return task, nil
}

// Close releases the connection pool.
func (s *PGStore) Close() { s.pool.Close() }
