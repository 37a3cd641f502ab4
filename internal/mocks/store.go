package mocks

import (
	"context"
	"sync"

	"github.com/Skryldev/evenodd-lab/domain/model"
)

// MockResultStore is a test double for ports.ResultStore
type MockResultStore struct {
	SaveFunc func(ctx context.Context, r model.Result) error
	LoadFunc func(ctx context.Context) (model.Result, bool, error)

	mu    sync.Mutex
	Saved []model.Result
}

func (m *MockResultStore) Save(ctx context.Context, r model.Result) error {
	m.mu.Lock()
	m.Saved = append(m.Saved, r)
	m.mu.Unlock()
	if m.SaveFunc != nil {
		return m.SaveFunc(ctx, r)
	}
	return nil
}

func (m *MockResultStore) Load(ctx context.Context) (model.Result, bool, error) {
	if m.LoadFunc != nil {
		return m.LoadFunc(ctx)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if len(m.Saved) == 0 {
		return model.Result{}, false, nil
	}
	return m.Saved[len(m.Saved)-1], true, nil
}

// SavedCount returns how many results were saved
func (m *MockResultStore) SavedCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Saved)
}
