package storage

import (
	"context"
	"slices"
	"sync"
)

// MemoryReferences keeps reference arrays for holders (documents, quotes) in
// memory. It backs single-process deployments and tests.
type MemoryReferences struct {
	mu   sync.Mutex
	refs map[string][]string
}

// NewMemoryReferences constructs an empty holder set.
func NewMemoryReferences() *MemoryReferences {
	return &MemoryReferences{refs: make(map[string][]string)}
}

// Attach records that holder references attachmentID.
func (r *MemoryReferences) Attach(holder, attachmentID string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !slices.Contains(r.refs[holder], attachmentID) {
		r.refs[holder] = append(r.refs[holder], attachmentID)
	}
}

// References returns a copy of holder's reference array.
func (r *MemoryReferences) References(holder string) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return slices.Clone(r.refs[holder])
}

// PullAttachment removes attachmentID from every holder.
func (r *MemoryReferences) PullAttachment(_ context.Context, attachmentID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for holder, ids := range r.refs {
		r.refs[holder] = slices.DeleteFunc(ids, func(id string) bool { return id == attachmentID })
	}
	return nil
}
