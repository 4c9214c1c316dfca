// Package storage persists procedure checkpoints and run history.
package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/mpataki/tactus/internal/models"
)

var ErrNotFound = errors.New("not found")

// Store is a per-procedure key/value checkpoint store. Values are stored as
// JSON, so Get returns what encoding/json decodes.
type Store interface {
	Get(ctx context.Context, procedureID, key string) (any, bool, error)
	Put(ctx context.Context, procedureID, key string, value any) error
	Close() error
}

// RunHistory is implemented by backends that keep a record of runs.
type RunHistory interface {
	CreateRun(ctx context.Context, run *models.RunRecord) error
	UpdateRun(ctx context.Context, run *models.RunRecord) error
	GetRun(ctx context.Context, runID string) (*models.RunRecord, error)
	ListRuns(ctx context.Context, limit int) ([]*models.RunRecord, error)
	DeleteRun(ctx context.Context, runID string) error
}

const (
	BackendMemory   = "memory"
	BackendFile     = "file"
	BackendSQLite   = "sqlite"
	BackendRedis    = "redis"
	BackendPostgres = "postgres"
)

var Backends = []string{BackendMemory, BackendFile, BackendSQLite, BackendRedis, BackendPostgres}

type Config struct {
	Backend string
	// Path is the sqlite database file, or a directory for the file backend.
	Path        string
	RedisURL    string
	DatabaseURL string
}

// Open selects a backend by name.
func Open(ctx context.Context, cfg Config) (Store, error) {
	switch cfg.Backend {
	case "", BackendMemory:
		return NewMemory(), nil
	case BackendFile, BackendSQLite:
		path := cfg.Path
		if path == "" {
			return nil, fmt.Errorf("%s storage requires a path", cfg.Backend)
		}
		if cfg.Backend == BackendFile || filepath.Ext(path) == "" {
			if err := os.MkdirAll(path, 0755); err != nil {
				return nil, fmt.Errorf("failed to create storage dir: %w", err)
			}
			path = filepath.Join(path, "tactus.db")
		}
		return NewSQLite(path)
	case BackendRedis:
		return NewRedis(ctx, cfg.RedisURL)
	case BackendPostgres:
		return NewPostgres(ctx, cfg.DatabaseURL)
	}
	return nil, fmt.Errorf("unknown storage backend %q", cfg.Backend)
}

func encode(value any) ([]byte, error) {
	data, err := json.Marshal(value)
	if err != nil {
		return nil, fmt.Errorf("failed to encode value: %w", err)
	}
	return data, nil
}

func decode(data []byte) (any, error) {
	var v any
	if err := json.Unmarshal(data, &v); err != nil {
		return nil, fmt.Errorf("failed to decode value: %w", err)
	}
	return v, nil
}

func encodeResult(run *models.RunRecord) (tools []byte, result []byte, err error) {
	if tools, err = encode(run.ToolsUsed); err != nil {
		return nil, nil, err
	}
	if run.Result != nil {
		if result, err = encode(run.Result); err != nil {
			return nil, nil, err
		}
	}
	return tools, result, nil
}

func decodeResult(run *models.RunRecord, tools, result []byte) error {
	if len(tools) > 0 {
		if err := json.Unmarshal(tools, &run.ToolsUsed); err != nil {
			return fmt.Errorf("failed to decode tools: %w", err)
		}
	}
	if len(result) > 0 {
		v, err := decode(result)
		if err != nil {
			return err
		}
		run.Result = v
	}
	return nil
}
