package notes

import (
	"context"
	"sort"
	"sync"
	"time"

	"notesync/pkg/auth"

	"github.com/google/uuid"
)

// MemoryStore keeps records in process. Used for development and tests.
type MemoryStore struct {
	mu    sync.RWMutex
	items map[string]Record
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		items: map[string]Record{},
		now:   func() time.Time { return time.Now().UTC() },
	}
}

func (m *MemoryStore) FindByOwner(ctx context.Context, owner auth.Identity) ([]Record, error) {
	m.mu.RLock()
	out := make([]Record, 0)
	for _, r := range m.items {
		if r.Owner == owner {
			out = append(out, r)
		}
	}
	m.mu.RUnlock()
	sortNewestFirst(out)
	return out, nil
}

func (m *MemoryStore) FindByID(ctx context.Context, id string) (Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.items[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	return r, nil
}

func (m *MemoryStore) Create(ctx context.Context, owner auth.Identity, p Payload) (Record, error) {
	if err := p.ValidateCreate(); err != nil {
		return Record{}, err
	}
	p = p.Normalize()
	now := m.now()
	r := Record{
		ID:        uuid.NewString(),
		Owner:     owner,
		Title:     p.Title,
		Content:   p.Content,
		CreatedAt: now,
		UpdatedAt: now,
	}
	m.mu.Lock()
	m.items[r.ID] = r
	m.mu.Unlock()
	return r, nil
}

func (m *MemoryStore) Update(ctx context.Context, id string, p Payload) (Record, error) {
	if err := p.ValidateUpdate(); err != nil {
		return Record{}, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	r, ok := m.items[id]
	if !ok {
		return Record{}, ErrNotFound
	}
	r = p.Apply(r)
	r.UpdatedAt = m.now()
	m.items[id] = r
	return r, nil
}

func (m *MemoryStore) Delete(ctx context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.items[id]; !ok {
		return ErrNotFound
	}
	delete(m.items, id)
	return nil
}

func sortNewestFirst(rs []Record) {
	sort.Slice(rs, func(i, j int) bool {
		if rs[i].CreatedAt.Equal(rs[j].CreatedAt) {
			return rs[i].ID > rs[j].ID
		}
		return rs[i].CreatedAt.After(rs[j].CreatedAt)
	})
}
