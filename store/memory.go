package store

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// MemoryStore keeps everything in process memory.
type MemoryStore struct {
	mu       sync.RWMutex
	projects map[string]Project
	messages map[string][]Message
	now      func() time.Time
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		projects: make(map[string]Project),
		messages: make(map[string][]Message),
		now:      time.Now,
	}
}

func (s *MemoryStore) CreateProject(_ context.Context, p Project) (Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if p.ID == "" {
		p.ID = uuid.NewString()
	}
	if _, exists := s.projects[p.ID]; exists {
		return Project{}, fmt.Errorf("project %s already exists", p.ID)
	}
	if p.Status == "" {
		p.Status = StatusIdle
	}
	now := s.now()
	p.CreatedAt, p.UpdatedAt = now, now
	s.projects[p.ID] = p
	return p, nil
}

func (s *MemoryStore) GetProject(_ context.Context, id string) (Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	p, ok := s.projects[id]
	if !ok {
		return Project{}, fmt.Errorf("%w: project %s", ErrNotFound, id)
	}
	return p, nil
}

func (s *MemoryStore) UpdateProject(_ context.Context, id string, u ProjectUpdate) (Project, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.projects[id]
	if !ok {
		return Project{}, fmt.Errorf("%w: project %s", ErrNotFound, id)
	}
	u.apply(&p, s.now())
	s.projects[id] = p
	return p, nil
}

func (s *MemoryStore) ListProjects(context.Context) ([]Project, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Project, 0, len(s.projects))
	for _, p := range s.projects {
		out = append(out, p)
	}
	sortProjects(out)
	return out, nil
}

func (s *MemoryStore) DeleteProject(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[id]; !ok {
		return fmt.Errorf("%w: project %s", ErrNotFound, id)
	}
	delete(s.projects, id)
	delete(s.messages, id)
	return nil
}

func (s *MemoryStore) SaveMessage(_ context.Context, m Message) (Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.projects[m.ProjectID]; !ok {
		return Message{}, fmt.Errorf("%w: project %s", ErrNotFound, m.ProjectID)
	}
	if m.ID == "" {
		m.ID = uuid.NewString()
	}
	if m.CreatedAt.IsZero() {
		m.CreatedAt = s.now()
	}
	s.messages[m.ProjectID] = append(s.messages[m.ProjectID], m)
	return m, nil
}

func (s *MemoryStore) ListMessages(_ context.Context, projectID string) ([]Message, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	msgs := s.messages[projectID]
	return append([]Message(nil), msgs...), nil
}

func (s *MemoryStore) Close() error { return nil }
