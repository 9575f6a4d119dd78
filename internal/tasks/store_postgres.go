package tasks

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/antoniostano/posegen/internal/generation"
)

const ownerMetaKey = "owner_id"

// PostgresStore persists the registry for deployments that run more than one
// orchestrator instance against the same database.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, strings.TrimSpace(databaseURL))
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := initRegistrySchema(ctx, pool); err != nil {
		pool.Close()
		return nil, err
	}
	return &PostgresStore{pool: pool}, nil
}

func initRegistrySchema(ctx context.Context, pool *pgxpool.Pool) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS generation_tasks (
			id TEXT PRIMARY KEY,
			seq BIGSERIAL,
			owner_id TEXT NOT NULL DEFAULT '',
			target_entity_id TEXT NOT NULL,
			target_entity_label TEXT NOT NULL DEFAULT '',
			mode TEXT NOT NULL,
			status TEXT NOT NULL,
			progress INTEGER NOT NULL DEFAULT 0,
			status_message TEXT NOT NULL DEFAULT '',
			error_message TEXT NOT NULL DEFAULT '',
			result JSONB NULL,
			quota_warning BOOLEAN NOT NULL DEFAULT FALSE,
			analyzed_data JSONB NULL,
			auto_apply_status TEXT NOT NULL,
			apply_error TEXT NOT NULL DEFAULT '',
			applied_at TIMESTAMPTZ NULL,
			applied_result JSONB NULL,
			started_at TIMESTAMPTZ NOT NULL,
			updated_at TIMESTAMPTZ NOT NULL,
			dismissed_at TIMESTAMPTZ NULL
		);`,
		`CREATE INDEX IF NOT EXISTS idx_generation_tasks_seq ON generation_tasks (seq);`,
		`CREATE TABLE IF NOT EXISTS registry_meta (
			key TEXT PRIMARY KEY,
			value TEXT NOT NULL
		);`,
	}

	for _, stmt := range stmts {
		if _, err := pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("init registry schema failed on %q: %w", stmt, err)
		}
	}
	return nil
}

const taskColumns = `id, owner_id, target_entity_id, target_entity_label, mode, status, progress,
	status_message, error_message, result, quota_warning, analyzed_data, auto_apply_status,
	apply_error, applied_at, applied_result, started_at, updated_at, dismissed_at`

func (s *PostgresStore) Upsert(ctx context.Context, task generation.Task) error {
	var result []byte
	if task.Result != nil {
		b, err := json.Marshal(task.Result)
		if err != nil {
			return fmt.Errorf("encode result: %w", err)
		}
		result = b
	}

	_, err := s.pool.Exec(ctx,
		`INSERT INTO generation_tasks (`+taskColumns+`) VALUES (
			$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19
		)
		ON CONFLICT (id) DO UPDATE SET
			owner_id=EXCLUDED.owner_id,
			target_entity_id=EXCLUDED.target_entity_id,
			target_entity_label=EXCLUDED.target_entity_label,
			mode=EXCLUDED.mode,
			status=EXCLUDED.status,
			progress=EXCLUDED.progress,
			status_message=EXCLUDED.status_message,
			error_message=EXCLUDED.error_message,
			result=EXCLUDED.result,
			quota_warning=EXCLUDED.quota_warning,
			analyzed_data=EXCLUDED.analyzed_data,
			auto_apply_status=EXCLUDED.auto_apply_status,
			apply_error=EXCLUDED.apply_error,
			applied_at=EXCLUDED.applied_at,
			applied_result=EXCLUDED.applied_result,
			started_at=EXCLUDED.started_at,
			updated_at=EXCLUDED.updated_at,
			dismissed_at=EXCLUDED.dismissed_at`,
		task.ID,
		task.OwnerID,
		task.TargetEntityID,
		task.TargetEntityLabel,
		string(task.Mode),
		string(task.Status),
		task.Progress,
		task.StatusMessage,
		task.ErrorMessage,
		nullableJSON(result),
		task.QuotaWarning,
		nullableJSON(task.AnalyzedData),
		string(task.AutoApplyStatus),
		task.ApplyError,
		task.AppliedAt,
		nullableJSON(task.AppliedResult),
		task.StartedAt,
		task.UpdatedAt,
		task.DismissedAt,
	)
	if err != nil {
		return fmt.Errorf("upsert generation task: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, taskID string) (generation.Task, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+taskColumns+` FROM generation_tasks WHERE id=$1`, taskID)
	task, err := scanTask(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return generation.Task{}, ErrStoreNotFound
		}
		return generation.Task{}, fmt.Errorf("get generation task: %w", err)
	}
	return task, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]generation.Task, error) {
	rows, err := s.pool.Query(ctx, `SELECT `+taskColumns+` FROM generation_tasks ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("list generation tasks: %w", err)
	}
	defer rows.Close()

	out := make([]generation.Task, 0, 16)
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan generation task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate generation tasks: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Delete(ctx context.Context, taskIDs ...string) error {
	if len(taskIDs) == 0 {
		return nil
	}
	if _, err := s.pool.Exec(ctx, `DELETE FROM generation_tasks WHERE id = ANY($1)`, taskIDs); err != nil {
		return fmt.Errorf("delete generation tasks: %w", err)
	}
	return nil
}

func (s *PostgresStore) Owner(ctx context.Context) (string, error) {
	var owner string
	err := s.pool.QueryRow(ctx, `SELECT value FROM registry_meta WHERE key=$1`, ownerMetaKey).Scan(&owner)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get registry owner: %w", err)
	}
	return owner, nil
}

func (s *PostgresStore) SetOwner(ctx context.Context, ownerID string) error {
	_, err := s.pool.Exec(ctx,
		`INSERT INTO registry_meta (key, value) VALUES ($1, $2)
		ON CONFLICT (key) DO UPDATE SET value=EXCLUDED.value`,
		ownerMetaKey, ownerID,
	)
	if err != nil {
		return fmt.Errorf("set registry owner: %w", err)
	}
	return nil
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}

func scanTask(row pgx.Row) (generation.Task, error) {
	var (
		task          generation.Task
		mode          string
		status        string
		applyStatus   string
		result        []byte
		analyzed      []byte
		appliedResult []byte
		appliedAt     *time.Time
		dismissedAt   *time.Time
	)
	if err := row.Scan(
		&task.ID,
		&task.OwnerID,
		&task.TargetEntityID,
		&task.TargetEntityLabel,
		&mode,
		&status,
		&task.Progress,
		&task.StatusMessage,
		&task.ErrorMessage,
		&result,
		&task.QuotaWarning,
		&analyzed,
		&applyStatus,
		&task.ApplyError,
		&appliedAt,
		&appliedResult,
		&task.StartedAt,
		&task.UpdatedAt,
		&dismissedAt,
	); err != nil {
		return generation.Task{}, err
	}
	task.Mode = generation.Mode(mode)
	task.Status = generation.Status(status)
	task.AutoApplyStatus = generation.ApplyStatus(applyStatus)
	task.AppliedAt = appliedAt
	task.DismissedAt = dismissedAt
	if len(result) > 0 {
		var r generation.Result
		if err := json.Unmarshal(result, &r); err != nil {
			return generation.Task{}, fmt.Errorf("decode result: %w", err)
		}
		task.Result = &r
	}
	if len(analyzed) > 0 {
		task.AnalyzedData = json.RawMessage(analyzed)
	}
	if len(appliedResult) > 0 {
		task.AppliedResult = json.RawMessage(appliedResult)
	}
	return task, nil
}

// nullableJSON maps empty payloads to SQL NULL.
func nullableJSON(raw []byte) any {
	if len(raw) == 0 {
		return nil
	}
	return string(raw)
}
