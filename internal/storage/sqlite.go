package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"

	"github.com/mpataki/tactus/internal/models"
)

// SQLite is the file-backed Store and RunHistory.
type SQLite struct {
	db *sql.DB
}

func NewSQLite(dbPath string) (*SQLite, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, err
	}
	// sqlite allows a single writer
	db.SetMaxOpenConns(1)

	s := &SQLite{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

func (s *SQLite) Close() error {
	return s.db.Close()
}

func (s *SQLite) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS checkpoints (
		procedure_id TEXT NOT NULL,
		key TEXT NOT NULL,
		value TEXT NOT NULL,
		updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
		PRIMARY KEY (procedure_id, key)
	);

	CREATE TABLE IF NOT EXISTS runs (
		id TEXT PRIMARY KEY,
		procedure_id TEXT NOT NULL,
		name TEXT NOT NULL,
		status TEXT NOT NULL DEFAULT 'pending',
		error TEXT,
		iterations INTEGER NOT NULL DEFAULT 0,
		tools_used TEXT,
		result TEXT,
		created_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	);

	CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status);
	CREATE INDEX IF NOT EXISTS idx_runs_created ON runs(created_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

func (s *SQLite) Get(ctx context.Context, procedureID, key string) (any, bool, error) {
	var raw string
	err := s.db.QueryRowContext(ctx,
		`SELECT value FROM checkpoints WHERE procedure_id = ? AND key = ?`, procedureID, key,
	).Scan(&raw)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	v, err := decode([]byte(raw))
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (s *SQLite) Put(ctx context.Context, procedureID, key string, value any) error {
	data, err := encode(value)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO checkpoints (procedure_id, key, value, updated_at) VALUES (?, ?, ?, ?)
		 ON CONFLICT(procedure_id, key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		procedureID, key, string(data), time.Now().UTC(),
	)
	return err
}

func (s *SQLite) CreateRun(ctx context.Context, run *models.RunRecord) error {
	tools, result, err := encodeResult(run)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO runs (id, procedure_id, name, status, error, iterations, tools_used, result, created_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.RunID, run.ProcedureID, run.Name, run.Status, nullString(run.Error), run.Iterations,
		string(tools), nullBytes(result), run.CreatedAt.UTC(), run.CompletedAt,
	)
	return err
}

func (s *SQLite) UpdateRun(ctx context.Context, run *models.RunRecord) error {
	tools, result, err := encodeResult(run)
	if err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE runs SET status = ?, error = ?, iterations = ?, tools_used = ?, result = ?, completed_at = ? WHERE id = ?`,
		run.Status, nullString(run.Error), run.Iterations, string(tools), nullBytes(result), run.CompletedAt, run.RunID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("run %s: %w", run.RunID, ErrNotFound)
	}
	return nil
}

const runColumns = `id, procedure_id, name, status, error, iterations, tools_used, result, created_at, completed_at`

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*models.RunRecord, error) {
	var run models.RunRecord
	var errText, tools, result sql.NullString
	var completedAt sql.NullTime

	err := row.Scan(
		&run.RunID, &run.ProcedureID, &run.Name, &run.Status, &errText,
		&run.Iterations, &tools, &result, &run.CreatedAt, &completedAt,
	)
	if err != nil {
		return nil, err
	}

	if errText.Valid {
		run.Error = errText.String
	}
	if completedAt.Valid {
		run.CompletedAt = &completedAt.Time
	}
	if err := decodeResult(&run, []byte(tools.String), []byte(result.String)); err != nil {
		return nil, err
	}
	return &run, nil
}

func (s *SQLite) GetRun(ctx context.Context, runID string) (*models.RunRecord, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, runID)
	run, err := scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return run, err
}

func (s *SQLite) ListRuns(ctx context.Context, limit int) ([]*models.RunRecord, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := s.db.QueryContext(ctx, `SELECT `+runColumns+` FROM runs ORDER BY created_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []*models.RunRecord
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

func (s *SQLite) DeleteRun(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM runs WHERE id = ?`, runID)
	return err
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

func nullBytes(b []byte) sql.NullString {
	return sql.NullString{String: string(b), Valid: len(b) > 0}
}

// FormatTimeAgo renders t relative to now for listings.
func FormatTimeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("Jan 2")
	}
}
