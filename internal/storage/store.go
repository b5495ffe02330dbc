// Package storage defines the metadata persistence contract used by the
// content store and ships the in-memory implementation. The PostgreSQL
// implementation lives in internal/repository.
package storage

import (
	"context"
	"errors"
	"time"

	"github.com/dharsanguruparan/attachvault/internal/config"
	"github.com/dharsanguruparan/attachvault/internal/model"
)

// ErrNotFound is returned when no record matches. Compare with errors.Is.
var ErrNotFound = errors.New("attachment not found")

// MetadataStore persists attachment records keyed by ID.
type MetadataStore interface {
	// Create assigns an ID when empty and stamps timestamps.
	Create(ctx context.Context, a *model.Attachment) error
	// Get returns the record regardless of status.
	Get(ctx context.Context, id string) (*model.Attachment, error)
	FindActiveByHash(ctx context.Context, hash string, category config.Category) (*model.Attachment, error)
	// Update replaces the mutable fields of an existing record.
	Update(ctx context.Context, a *model.Attachment) error
	// Remove hard-deletes a record. Missing records are not an error.
	Remove(ctx context.Context, id string) error
	List(ctx context.Context, q model.ListQuery) ([]*model.Attachment, int, error)
	Search(ctx context.Context, query string, limit int) ([]*model.Attachment, error)
	Stats(ctx context.Context) ([]model.CategoryStats, error)
	ListDeletedBefore(ctx context.Context, before time.Time, limit int) ([]*model.Attachment, error)
	// HasDiskFilename reports whether any record, in any status, owns name.
	HasDiskFilename(ctx context.Context, name string) (bool, error)
}

// ReferenceCleaner removes a deleted attachment ID from every entity that
// references it (documents, quotes).
type ReferenceCleaner interface {
	PullAttachment(ctx context.Context, attachmentID string) error
}
