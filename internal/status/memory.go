package status

import (
	"context"
	"sync"

	"github.com/makeasinger/choreo/internal/model"
)

// MemoryStore keeps tasks in process memory. The CLI and tests use it.
type MemoryStore struct {
	mu         sync.Mutex
	tasks      map[string]*model.ChoreographyTask
	blueprints map[string][]byte
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		tasks:      make(map[string]*model.ChoreographyTask),
		blueprints: make(map[string][]byte),
	}
}

func (s *MemoryStore) Create(_ context.Context, task *model.ChoreographyTask) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.tasks[task.ID]; ok {
		return ErrExists
	}
	s.tasks[task.ID] = clone(task)
	return nil
}

func (s *MemoryStore) Get(_ context.Context, id string) (*model.ChoreographyTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(t), nil
}

func (s *MemoryStore) Update(_ context.Context, id string, fn func(*model.ChoreographyTask) error) (*model.ChoreographyTask, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.tasks[id]
	if !ok {
		return nil, ErrNotFound
	}
	work := clone(t)
	if err := fn(work); err != nil {
		return nil, err
	}
	s.tasks[id] = work
	return clone(work), nil
}

func (s *MemoryStore) PutBlueprint(_ context.Context, id string, blueprint []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.blueprints[id] = append([]byte(nil), blueprint...)
	return nil
}

func (s *MemoryStore) GetBlueprint(_ context.Context, id string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.blueprints[id]
	if !ok {
		return nil, ErrNotFound
	}
	return append([]byte(nil), b...), nil
}

func (s *MemoryStore) Reset(context.Context) error { return nil }
func (s *MemoryStore) Close() error                { return nil }
