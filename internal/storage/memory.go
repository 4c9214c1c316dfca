package storage

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/mpataki/tactus/internal/models"
)

// Memory is a non-persistent Store and RunHistory.
type Memory struct {
	mu     sync.RWMutex
	values map[string]map[string][]byte
	runs   map[string]models.RunRecord
}

func NewMemory() *Memory {
	return &Memory{
		values: make(map[string]map[string][]byte),
		runs:   make(map[string]models.RunRecord),
	}
}

func (m *Memory) Get(_ context.Context, procedureID, key string) (any, bool, error) {
	m.mu.RLock()
	data, ok := m.values[procedureID][key]
	m.mu.RUnlock()
	if !ok {
		return nil, false, nil
	}
	v, err := decode(data)
	if err != nil {
		return nil, false, err
	}
	return v, true, nil
}

func (m *Memory) Put(_ context.Context, procedureID, key string, value any) error {
	data, err := encode(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.values[procedureID] == nil {
		m.values[procedureID] = make(map[string][]byte)
	}
	m.values[procedureID][key] = data
	return nil
}

func (m *Memory) Close() error { return nil }

func (m *Memory) CreateRun(_ context.Context, run *models.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.RunID]; exists {
		return fmt.Errorf("run %s already exists", run.RunID)
	}
	m.runs[run.RunID] = *run
	return nil
}

func (m *Memory) UpdateRun(_ context.Context, run *models.RunRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.runs[run.RunID]; !exists {
		return fmt.Errorf("run %s: %w", run.RunID, ErrNotFound)
	}
	m.runs[run.RunID] = *run
	return nil
}

func (m *Memory) GetRun(_ context.Context, runID string) (*models.RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	run, ok := m.runs[runID]
	if !ok {
		return nil, fmt.Errorf("run %s: %w", runID, ErrNotFound)
	}
	return &run, nil
}

func (m *Memory) ListRuns(_ context.Context, limit int) ([]*models.RunRecord, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	runs := make([]*models.RunRecord, 0, len(m.runs))
	for _, r := range m.runs {
		r := r
		runs = append(runs, &r)
	}
	sort.Slice(runs, func(i, j int) bool { return runs[i].CreatedAt.After(runs[j].CreatedAt) })
	if limit > 0 && len(runs) > limit {
		runs = runs[:limit]
	}
	return runs, nil
}

func (m *Memory) DeleteRun(_ context.Context, runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.runs, runID)
	return nil
}
