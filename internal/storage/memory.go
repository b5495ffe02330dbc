package storage

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/attachvault/internal/config"
	"github.com/dharsanguruparan/attachvault/internal/model"
)

// MemoryStore provides an in-memory metadata store guarded by an RWMutex:
// many concurrent readers, one writer.
type MemoryStore struct {
	mu    sync.RWMutex
	files map[string]*model.Attachment
	now   func() time.Time
}

// NewMemoryStore constructs a MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		files: make(map[string]*model.Attachment),
		now:   func() time.Time { return time.Now().UTC() },
	}
}

// Create inserts a record.
func (m *MemoryStore) Create(_ context.Context, a *model.Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	now := m.now()
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	if a.Status == "" {
		a.Status = model.StatusActive
	}
	m.files[a.ID] = a.Clone()
	return nil
}

// Get returns a record copy.
func (m *MemoryStore) Get(_ context.Context, id string) (*model.Attachment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.files[id]
	if !ok {
		return nil, ErrNotFound
	}
	return rec.Clone(), nil
}

// FindActiveByHash returns the oldest active record with the hash in category.
func (m *MemoryStore) FindActiveByHash(_ context.Context, hash string, category config.Category) (*model.Attachment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var found *model.Attachment
	for _, rec := range m.files {
		if rec.Hash != hash || rec.Category != category || !rec.Active() {
			continue
		}
		if found == nil || rec.CreatedAt.Before(found.CreatedAt) {
			found = rec
		}
	}
	if found == nil {
		return nil, ErrNotFound
	}
	return found.Clone(), nil
}

// Update replaces an existing record and bumps UpdatedAt.
func (m *MemoryStore) Update(_ context.Context, a *model.Attachment) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.files[a.ID]; !ok {
		return ErrNotFound
	}
	a.UpdatedAt = m.now()
	m.files[a.ID] = a.Clone()
	return nil
}

// Remove hard-deletes a record.
func (m *MemoryStore) Remove(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.files, id)
	return nil
}

// List returns one page of active records, newest first.
func (m *MemoryStore) List(_ context.Context, q model.ListQuery) ([]*model.Attachment, int, error) {
	m.mu.RLock()
	matches := make([]*model.Attachment, 0, len(m.files))
	for _, rec := range m.files {
		if !rec.Active() || (q.Category != "" && rec.Category != q.Category) {
			continue
		}
		matches = append(matches, rec.Clone())
	}
	m.mu.RUnlock()
	sortNewestFirst(matches)
	total := len(matches)
	start := (q.Page - 1) * q.Limit
	if start < 0 || start >= total {
		return []*model.Attachment{}, total, nil
	}
	end := min(start+q.Limit, total)
	return matches[start:end], total, nil
}

// Search matches originalName case-insensitively.
func (m *MemoryStore) Search(_ context.Context, query string, limit int) ([]*model.Attachment, error) {
	needle := strings.ToLower(query)
	m.mu.RLock()
	var matches []*model.Attachment
	for _, rec := range m.files {
		if rec.Active() && strings.Contains(strings.ToLower(rec.OriginalName), needle) {
			matches = append(matches, rec.Clone())
		}
	}
	m.mu.RUnlock()
	sortNewestFirst(matches)
	if len(matches) > limit {
		matches = matches[:limit]
	}
	return matches, nil
}

// Stats aggregates active records per category.
func (m *MemoryStore) Stats(_ context.Context) ([]model.CategoryStats, error) {
	m.mu.RLock()
	byCat := make(map[config.Category]*model.CategoryStats)
	for _, rec := range m.files {
		if !rec.Active() {
			continue
		}
		s, ok := byCat[rec.Category]
		if !ok {
			s = &model.CategoryStats{Category: rec.Category}
			byCat[rec.Category] = s
		}
		s.Count++
		s.Bytes += rec.Size
	}
	m.mu.RUnlock()
	out := make([]model.CategoryStats, 0, len(byCat))
	for _, s := range byCat {
		out = append(out, *s)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Category < out[j].Category })
	return out, nil
}

// ListDeletedBefore returns soft-deleted records whose deletion predates before.
func (m *MemoryStore) ListDeletedBefore(_ context.Context, before time.Time, limit int) ([]*model.Attachment, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*model.Attachment
	for _, rec := range m.files {
		if rec.Status != model.StatusDeleted || rec.DeletedAt == nil || !rec.DeletedAt.Before(before) {
			continue
		}
		out = append(out, rec.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DeletedAt.Before(*out[j].DeletedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

// HasDiskFilename reports whether any record owns name.
func (m *MemoryStore) HasDiskFilename(_ context.Context, name string) (bool, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, rec := range m.files {
		if rec.DiskFilename == name {
			return true, nil
		}
	}
	return false, nil
}

func sortNewestFirst(items []*model.Attachment) {
	sort.Slice(items, func(i, j int) bool {
		if items[i].CreatedAt.Equal(items[j].CreatedAt) {
			return items[i].ID < items[j].ID
		}
		return items[i].CreatedAt.After(items[j].CreatedAt)
	})
}
