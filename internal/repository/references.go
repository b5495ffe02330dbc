package repository

import (
	"context"
	"fmt"

	"github.com/dharsanguruparan/attachvault/internal/storage"
)

// referenceTables lists the tables that keep arrays of attachment IDs. They
// are owned by the notes service; only the array column is touched here.
var referenceTables = []string{"documents", "quotes"}

// ReferenceRepository pulls attachment IDs out of holder arrays.
type ReferenceRepository struct {
	db DB
}

var _ storage.ReferenceCleaner = (*ReferenceRepository)(nil)

// NewReferenceRepository constructs a ReferenceRepository.
func NewReferenceRepository(db DB) *ReferenceRepository {
	return &ReferenceRepository{db: db}
}

// PullAttachment removes attachmentID from every holder. Running it twice is
// harmless.
func (r *ReferenceRepository) PullAttachment(ctx context.Context, attachmentID string) error {
	for _, table := range referenceTables {
		stmt := fmt.Sprintf(`
			UPDATE %s
			SET referenced_attachment_ids = array_remove(referenced_attachment_ids, $1)
			WHERE $1 = ANY(referenced_attachment_ids)`, table)
		if _, err := r.db.Exec(ctx, stmt, attachmentID); err != nil {
			return fmt.Errorf("pull attachment from %s: %w", table, err)
		}
	}
	return nil
}
