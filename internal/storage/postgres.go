package storage

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/mpataki/tactus/internal/models"
)

// Postgres is a Store and RunHistory on a pgx pool.
type Postgres struct {
	pool *pgxpool.Pool
}

func NewPostgres(ctx context.Context, url string) (*Postgres, error) {
	if url == "" {
		return nil, errors.New("postgres: DATABASE_URL is not configured")
	}
	cfg, err := pgxpool.ParseConfig(url)
	if err != nil {
		return nil, fmt.Errorf("postgres: parse config: %w", err)
	}

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	pool, err := pgxpool.NewWithConfig(connectCtx, cfg)
	if err != nil {
		return nil, fmt.Errorf("postgres: create pool: %w", err)
	}

	p := &Postgres{pool: pool}
	if err := p.migrate(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres: migrate: %w", err)
	}
	return p, nil
}

func (p *Postgres) migrate(ctx context.Context) error {
	_, err := p.pool.Exec(ctx, `
	CREATE TABLE IF NOT EXISTS tactus_checkpoints (
		procedure_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value JSONB NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		PRIMARY KEY (procedure_id, key)
	);

	CREATE TABLE IF NOT EXISTS tactus_runs (
		id TEXT PRIMARY KEY,
		procedure_id TEXT NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		error TEXT,
		iterations INTEGER NOT NULL DEFAULT 0,
		tools_used JSONB,
		result JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		completed_at TIMESTAMPTZ
	);

	CREATE INDEX IF NOT EXISTS idx_tactus_runs_created ON tactus_runs(created_at);
	`)
	return err
}

func (p *Postgres) Close() error {
	p.pool.Close()
	return nil
}

func (p *Postgres) Get(ctx context.Context, procedureID, key string) (any, bool, error) {
	var raw []byte
	err := p.pool.QueryRow(ctx,
		`SELECT value FROM tactus_checkpoints WHERE procedure_id = $1 AND key = $2`, procedureID, key,
	).Scan(&raw)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	v, err := decode(raw)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (p *Postgres) Put(ctx context.Context, procedureID, key string, value any) error {
	data, err := encode(value)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO tactus_checkpoints (procedure_id, key, value, updated_at) VALUES ($1, $2, $3, now())
		 ON CONFLICT (procedure_id, key) DO UPDATE SET value = EXCLUDED.value, updated_at = EXCLUDED.updated_at`,
		procedureID, key, string(data),
	)
	return err
}

func (p *Postgres) CreateRun(ctx context.Context, run *models.RunRecord) error {
	tools, result, err := encodeResult(run)
	if err != nil {
		return err
	}
	_, err = p.pool.Exec(ctx,
		`INSERT INTO tactus_runs (id, procedure_id, name, status, error, iterations, tools_used, result, created_at, completed_at)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)`,
		run.RunID, run.ProcedureID, run.Name, string(run.Status), nullString(run.Error), run.Iterations,
		string(tools), nullBytes(result), run.CreatedAt, run.CompletedAt,
	)
	return err
}

func (p *Postgres) UpdateRun(ctx context.Context, run *models.RunRecord) error {
	tools, result, err := encodeResult(run)
	if err != nil {
		return err
	}
	tag, err := p.pool.Exec(ctx,
		`UPDATE tactus_runs SET status = $1, error = $2, iterations = $3, tools_used = $4, result = $5, completed_at = $6 WHERE id = $7`,
		string(run.Status), nullString(run.Error), run.Iterations, string(tools), nullBytes(result), run.CompletedAt, run.RunID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("run %s: %w", run.RunID, ErrNotFound)
	}
	return nil
}

const pgRunColumns = `id, procedure_id, name, status, error, iterations, tools_used::text, result::text, created_at, completed_at`

func (p *Postgres) GetRun(ctx context.Context, runID string) (*models.RunRecord, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+pgRunColumns+` FROM tactus_runs WHERE id = $1`, runID)
	run, err := scanPGRun(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return run, err
}

func (p *Postgres) ListRuns(ctx context.Context, limit int) ([]*models.RunRecord, error) {
	query := `SELECT ` + pgRunColumns + ` FROM tactus_runs ORDER BY created_at DESC`
	args := []any{}
	if limit > 0 {
		query += ` LIMIT $1`
		args = append(args, limit)
	}
	rows, err := p.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.RunRecord
	for rows.Next() {
		run, err := scanPGRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

func (p *Postgres) DeleteRun(ctx context.Context, runID string) error {
	_, err := p.pool.Exec(ctx, `DELETE FROM tactus_runs WHERE id = $1`, runID)
	return err
}

func scanPGRun(row pgx.Row) (*models.RunRecord, error) {
	var run models.RunRecord
	var status string
	var errText, tools, result *string

	err := row.Scan(
		&run.RunID, &run.ProcedureID, &run.Name, &status, &errText,
		&run.Iterations, &tools, &result, &run.CreatedAt, &run.CompletedAt,
	)
	if err != nil {
		return nil, err
	}
	run.Status = models.RunStatus(status)
	if errText != nil {
		run.Error = *errText
	}
	var toolsRaw, resultRaw []byte
	if tools != nil {
		toolsRaw = []byte(*tools)
	}
	if result != nil {
		resultRaw = []byte(*result)
	}
	if err := decodeResult(&run, toolsRaw, resultRaw); err != nil {
		return nil, err
	}
	return &run, nil
}
