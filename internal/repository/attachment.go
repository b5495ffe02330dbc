// Package repository implements storage.MetadataStore and
// storage.ReferenceCleaner on PostgreSQL.
package repository

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"

	"github.com/dharsanguruparan/attachvault/internal/config"
	"github.com/dharsanguruparan/attachvault/internal/model"
	"github.com/dharsanguruparan/attachvault/internal/storage"
)

// DB is the subset of *pgxpool.Pool the repositories need.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

const attachmentColumns = `id, category, original_name, mime_type, extension, size, disk_filename,
	relative_dir, hash, status, description, created_at, updated_at, deleted_at`

// AttachmentRepository wraps all SQL touching the attachments table.
type AttachmentRepository struct {
	db DB
}

var _ storage.MetadataStore = (*AttachmentRepository)(nil)

// NewAttachmentRepository constructs a repository.
func NewAttachmentRepository(db DB) *AttachmentRepository {
	return &AttachmentRepository{db: db}
}

// Create inserts a record.
func (r *AttachmentRepository) Create(ctx context.Context, a *model.Attachment) error {
	now := time.Now().UTC()
	if a.ID == "" {
		a.ID = uuid.NewString()
	}
	if a.CreatedAt.IsZero() {
		a.CreatedAt = now
	}
	a.UpdatedAt = now
	if a.Status == "" {
		a.Status = model.StatusActive
	}
	_, err := r.db.Exec(ctx, `
		INSERT INTO attachments (`+attachmentColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
	`, a.ID, a.Category, a.OriginalName, a.MimeType, a.Extension, a.Size, a.DiskFilename,
		a.RelativeDir, a.Hash, a.Status, a.Description, a.CreatedAt, a.UpdatedAt, a.DeletedAt)
	if err != nil {
		return fmt.Errorf("insert attachment: %w", err)
	}
	return nil
}

// Get returns a record by id.
func (r *AttachmentRepository) Get(ctx context.Context, id string) (*model.Attachment, error) {
	row := r.db.QueryRow(ctx, `SELECT `+attachmentColumns+` FROM attachments WHERE id=$1`, id)
	a, err := scanAttachment(row)
	if err != nil {
		return nil, fmt.Errorf("select attachment: %w", err)
	}
	return a, nil
}

// FindActiveByHash returns the oldest active record with hash in category.
func (r *AttachmentRepository) FindActiveByHash(ctx context.Context, hash string, category config.Category) (*model.Attachment, error) {
	row := r.db.QueryRow(ctx, `
		SELECT `+attachmentColumns+` FROM attachments
		WHERE hash=$1 AND category=$2 AND status='active'
		ORDER BY created_at ASC LIMIT 1
	`, hash, category)
	a, err := scanAttachment(row)
	if err != nil {
		return nil, fmt.Errorf("select attachment by hash: %w", err)
	}
	return a, nil
}

// Update writes the mutable fields back.
func (r *AttachmentRepository) Update(ctx context.Context, a *model.Attachment) error {
	a.UpdatedAt = time.Now().UTC()
	tag, err := r.db.Exec(ctx, `
		UPDATE attachments
		SET original_name=$1, description=$2, status=$3, deleted_at=$4, updated_at=$5
		WHERE id=$6
	`, a.OriginalName, a.Description, a.Status, a.DeletedAt, a.UpdatedAt, a.ID)
	if err != nil {
		return fmt.Errorf("update attachment: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return storage.ErrNotFound
	}
	return nil
}

// Remove hard-deletes a record.
func (r *AttachmentRepository) Remove(ctx context.Context, id string) error {
	if _, err := r.db.Exec(ctx, `DELETE FROM attachments WHERE id=$1`, id); err != nil {
		return fmt.Errorf("delete attachment: %w", err)
	}
	return nil
}

// List returns one page of active records, newest first.
func (r *AttachmentRepository) List(ctx context.Context, q model.ListQuery) ([]*model.Attachment, int, error) {
	where := "status='active'"
	args := []any{}
	if q.Category != "" {
		where += " AND category=$1"
		args = append(args, q.Category)
	}
	var total int
	if err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM attachments WHERE `+where, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count attachments: %w", err)
	}
	args = append(args, q.Limit, (q.Page-1)*q.Limit)
	sql := fmt.Sprintf(`SELECT %s FROM attachments WHERE %s ORDER BY created_at DESC, id ASC LIMIT $%d OFFSET $%d`,
		attachmentColumns, where, len(args)-1, len(args))
	items, err := r.queryAttachments(ctx, sql, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("list attachments: %w", err)
	}
	return items, total, nil
}

// Search matches originalName case-insensitively.
func (r *AttachmentRepository) Search(ctx context.Context, query string, limit int) ([]*model.Attachment, error) {
	pattern := "%" + escapeLike(query) + "%"
	items, err := r.queryAttachments(ctx, `
		SELECT `+attachmentColumns+` FROM attachments
		WHERE status='active' AND original_name ILIKE $1 ESCAPE '\'
		ORDER BY created_at DESC LIMIT $2
	`, pattern, limit)
	if err != nil {
		return nil, fmt.Errorf("search attachments: %w", err)
	}
	return items, nil
}

// Stats aggregates active records per category.
func (r *AttachmentRepository) Stats(ctx context.Context) ([]model.CategoryStats, error) {
	rows, err := r.db.Query(ctx, `
		SELECT category, COUNT(*), COALESCE(SUM(size),0) FROM attachments
		WHERE status='active' GROUP BY category ORDER BY category
	`)
	if err != nil {
		return nil, fmt.Errorf("stats: %w", err)
	}
	defer rows.Close()
	var out []model.CategoryStats
	for rows.Next() {
		var s model.CategoryStats
		if err := rows.Scan(&s.Category, &s.Count, &s.Bytes); err != nil {
			return nil, fmt.Errorf("scan stats: %w", err)
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// ListDeletedBefore returns soft-deleted records older than before.
func (r *AttachmentRepository) ListDeletedBefore(ctx context.Context, before time.Time, limit int) ([]*model.Attachment, error) {
	items, err := r.queryAttachments(ctx, `
		SELECT `+attachmentColumns+` FROM attachments
		WHERE status='deleted' AND deleted_at < $1
		ORDER BY deleted_at ASC LIMIT $2
	`, before, limit)
	if err != nil {
		return nil, fmt.Errorf("list deleted attachments: %w", err)
	}
	return items, nil
}

// HasDiskFilename reports whether any record owns name.
func (r *AttachmentRepository) HasDiskFilename(ctx context.Context, name string) (bool, error) {
	var exists bool
	if err := r.db.QueryRow(ctx, `SELECT EXISTS(SELECT 1 FROM attachments WHERE disk_filename=$1)`, name).Scan(&exists); err != nil {
		return false, fmt.Errorf("lookup disk filename: %w", err)
	}
	return exists, nil
}

func (r *AttachmentRepository) queryAttachments(ctx context.Context, sql string, args ...any) ([]*model.Attachment, error) {
	rows, err := r.db.Query(ctx, sql, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	items := []*model.Attachment{}
	for rows.Next() {
		a, err := scanAttachment(rows)
		if err != nil {
			return nil, err
		}
		items = append(items, a)
	}
	return items, rows.Err()
}

func scanAttachment(row pgx.Row) (*model.Attachment, error) {
	var a model.Attachment
	err := row.Scan(&a.ID, &a.Category, &a.OriginalName, &a.MimeType, &a.Extension, &a.Size,
		&a.DiskFilename, &a.RelativeDir, &a.Hash, &a.Status, &a.Description,
		&a.CreatedAt, &a.UpdatedAt, &a.DeletedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, storage.ErrNotFound
		}
		return nil, err
	}
	return &a, nil
}

func escapeLike(s string) string {
	r := strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)
	return r.Replace(s)
}
