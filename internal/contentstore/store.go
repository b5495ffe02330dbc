// Package contentstore stores attachment bytes on the local filesystem,
// addressed by attachment ID and deduplicated by content hash.
package contentstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"

	"github.com/dharsanguruparan/attachvault/internal/apperr"
	"github.com/dharsanguruparan/attachvault/internal/config"
	"github.com/dharsanguruparan/attachvault/internal/keylock"
	"github.com/dharsanguruparan/attachvault/internal/logger"
	"github.com/dharsanguruparan/attachvault/internal/metrics"
	"github.com/dharsanguruparan/attachvault/internal/model"
	"github.com/dharsanguruparan/attachvault/internal/storage"
)

const (
	maxOriginalNameLen = 255
	maxDescriptionLen  = 20000
	tempPattern        = ".upload-*.tmp"
)

// ReferenceNotifier is told about deletions so holders of attachment IDs can
// drop them. Delivery is fire-and-forget.
type ReferenceNotifier interface {
	NotifyDeleted(ctx context.Context, attachmentID string)
}

// BackupRequester is told about freshly stored attachments.
type BackupRequester interface {
	RequestBackup(ctx context.Context, a *model.Attachment)
}

// Store is the content store.
type Store struct {
	cfg      *config.Config
	meta     storage.MetadataStore
	notifier ReferenceNotifier
	backup   BackupRequester
	log      *logger.Logger
	metrics  metrics.Observer
	locks    *keylock.Locker
	now      func() time.Time
}

// Option customizes a Store.
type Option func(*Store)

// WithNotifier sets the reference cleanup notifier.
func WithNotifier(n ReferenceNotifier) Option {
	return func(s *Store) { s.notifier = n }
}

// WithBackup sets the backup requester.
func WithBackup(b BackupRequester) Option {
	return func(s *Store) { s.backup = b }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(s *Store) { s.log = l }
}

// WithMetrics sets the metrics observer.
func WithMetrics(m metrics.Observer) Option {
	return func(s *Store) { s.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// New constructs a Store.
func New(cfg *config.Config, meta storage.MetadataStore, opts ...Option) *Store {
	s := &Store{
		cfg:     cfg,
		meta:    meta,
		log:     logger.Nop(),
		metrics: metrics.Nop(),
		locks:   keylock.New(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(s)
	}
	s.log = s.log.WithComponent("contentstore")
	return s
}

// Config exposes the configuration the store was built with.
func (s *Store) Config() *config.Config { return s.cfg }

// Rules validates category, type and size the way Save does, without
// touching any bytes. It returns the category rules and the normalized
// extension.
func (s *Store) Rules(category config.Category, originalName, mimeType string, size int64) (config.CategoryRules, string, error) {
	rules, ok := s.cfg.Rules(category)
	if !ok {
		return rules, "", apperr.New(apperr.UnsupportedType, "unknown category %q", category)
	}
	ext := ExtensionOf(originalName)
	if ext == "" || !rules.AllowsExtension(ext) {
		return rules, "", apperr.New(apperr.UnsupportedType, "extension %q is not allowed for %s", ext, category)
	}
	if !rules.AllowsMime(mimeType) {
		return rules, "", apperr.New(apperr.UnsupportedType, "mime type %q is not allowed for %s", mimeType, category)
	}
	if size <= 0 {
		return rules, "", apperr.New(apperr.InvalidParameter, "file is empty")
	}
	if size > rules.MaxSize {
		return rules, "", apperr.New(apperr.TooLarge, "file exceeds %d bytes for %s", rules.MaxSize, category)
	}
	return rules, ext, nil
}

// Save validates, hashes and stores src. With deduplication enabled an
// identical active attachment in the same category is returned instead and
// the new bytes are discarded.
func (s *Store) Save(ctx context.Context, src model.ByteSource, category config.Category, originalName, mimeType string) (*model.Attachment, error) {
	start := time.Now()
	a, deduped, err := s.save(ctx, src, category, originalName, mimeType)
	s.metrics.ObserveSave(string(category), src.Size(), time.Since(start), deduped, err)
	return a, err
}

func (s *Store) save(ctx context.Context, src model.ByteSource, category config.Category, originalName, mimeType string) (*model.Attachment, bool, error) {
	rules, ext, err := s.Rules(category, originalName, mimeType, src.Size())
	if err != nil {
		return nil, false, err
	}
	dir := filepath.Join(s.cfg.BaseDir, rules.Dir)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, false, fmt.Errorf("create category dir: %w", err)
	}
	tmpPath, hash, err := s.writeTemp(dir, src, rules.MaxSize)
	if err != nil {
		return nil, false, err
	}
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpPath)
		}
	}()

	// Serialize the dedup lookup and the record creation for one hash so two
	// identical uploads cannot both miss.
	unlock := s.locks.Lock(string(category) + ":" + hash)
	defer unlock()

	if s.cfg.Dedup {
		existing, err := s.meta.FindActiveByHash(ctx, hash, category)
		switch {
		case err == nil:
			if healed, err := s.healMissing(existing, tmpPath); err != nil {
				return nil, false, err
			} else if healed {
				committed = true
			}
			s.log.Info("duplicate content, reusing attachment", "attachment_id", existing.ID, "hash", hash)
			return existing, true, nil
		case !errors.Is(err, storage.ErrNotFound):
			return nil, false, fmt.Errorf("dedup lookup: %w", err)
		}
	}

	diskFilename := uuid.NewString() + "." + ext
	finalPath := filepath.Join(dir, diskFilename)
	if err := os.Rename(tmpPath, finalPath); err != nil {
		return nil, false, fmt.Errorf("commit file: %w", err)
	}
	committed = true
	a := &model.Attachment{
		Category:     category,
		OriginalName: strings.TrimSpace(originalName),
		MimeType:     normalizeMime(mimeType),
		Extension:    ext,
		Size:         src.Size(),
		DiskFilename: diskFilename,
		RelativeDir:  rules.Dir,
		Hash:         hash,
		Status:       model.StatusActive,
	}
	if err := s.meta.Create(ctx, a); err != nil {
		_ = os.Remove(finalPath)
		return nil, false, fmt.Errorf("create attachment record: %w", err)
	}
	s.log.Info("attachment stored", "attachment_id", a.ID, "category", category, "size", a.Size)
	if s.backup != nil {
		s.backup.RequestBackup(ctx, a)
	}
	return a, false, nil
}

// writeTemp streams src into a temp file in dir while hashing it. The temp
// file lives next to its final location so the commit is a same-filesystem
// rename.
func (s *Store) writeTemp(dir string, src model.ByteSource, limit int64) (string, string, error) {
	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return "", "", fmt.Errorf("create temp file: %w", err)
	}
	hasher := sha256.New()
	n, copyErr := io.Copy(io.MultiWriter(tmp, hasher), io.LimitReader(src, limit+1))
	closeErr := tmp.Close()
	fail := func(err error) (string, string, error) {
		_ = os.Remove(tmp.Name())
		return "", "", err
	}
	if copyErr != nil {
		return fail(fmt.Errorf("write temp file: %w", copyErr))
	}
	if closeErr != nil {
		return fail(fmt.Errorf("close temp file: %w", closeErr))
	}
	if n > limit {
		return fail(apperr.New(apperr.TooLarge, "file exceeds %d bytes", limit))
	}
	if n != src.Size() {
		return fail(apperr.New(apperr.InvalidParameter, "declared %d bytes but received %d", src.Size(), n))
	}
	return tmp.Name(), hex.EncodeToString(hasher.Sum(nil)), nil
}

// healMissing puts freshly received bytes in place of a dedup target whose
// file has gone missing. The hash match guarantees identical content.
func (s *Store) healMissing(existing *model.Attachment, tmpPath string) (bool, error) {
	path := s.FilePath(existing)
	if _, err := os.Stat(path); err == nil {
		return false, nil
	} else if !errors.Is(err, fs.ErrNotExist) {
		return false, fmt.Errorf("stat dedup target: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return false, fmt.Errorf("restore dedup target: %w", err)
	}
	s.log.Warn("restored missing file from duplicate upload", "attachment_id", existing.ID)
	return true, nil
}

// Resolve returns an active attachment and the absolute path of its bytes.
func (s *Store) Resolve(ctx context.Context, id string) (*model.Attachment, string, error) {
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, "", err
	}
	path := s.FilePath(a)
	if _, err := os.Stat(path); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			s.log.Error("attachment file missing on disk", "attachment_id", a.ID, "relative_dir", a.RelativeDir, "disk_filename", a.DiskFilename)
			return nil, "", apperr.New(apperr.FileMissing, "attachment %s has no bytes on disk", a.ID)
		}
		return nil, "", fmt.Errorf("stat attachment file: %w", err)
	}
	return a, path, nil
}

// Get returns the metadata of an active attachment.
func (s *Store) Get(ctx context.Context, id string) (*model.Attachment, error) {
	a, err := s.meta.Get(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.New(apperr.NotFound, "attachment not found")
		}
		return nil, fmt.Errorf("load attachment: %w", err)
	}
	if !a.Active() {
		return nil, apperr.New(apperr.NotFound, "attachment not found")
	}
	return a, nil
}

// Delete soft-deletes an attachment and removes its bytes. Deleting an
// absent or already deleted attachment succeeds.
func (s *Store) Delete(ctx context.Context, id string) error {
	a, err := s.meta.Get(ctx, id)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("load attachment: %w", err)
	}
	if !a.Active() {
		return nil
	}
	now := s.now()
	a.Status = model.StatusDeleted
	a.DeletedAt = &now
	if err := s.meta.Update(ctx, a); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return fmt.Errorf("mark attachment deleted: %w", err)
	}
	// The record is already deleted, so a failed removal only leaves work
	// for the reaper.
	if err := os.Remove(s.FilePath(a)); err != nil && !errors.Is(err, fs.ErrNotExist) {
		s.log.Warn("remove attachment file", "attachment_id", a.ID, "err", err)
	}
	s.log.Info("attachment deleted", "attachment_id", a.ID)
	if s.notifier != nil {
		s.notifier.NotifyDeleted(ctx, a.ID)
	}
	return nil
}

// Patch lists the metadata fields a caller may change. Nil fields are left
// untouched.
type Patch struct {
	OriginalName *string `json:"originalName,omitempty"`
	Description  *string `json:"description,omitempty"`
}

// UpdateMetadata applies p to an active attachment.
func (s *Store) UpdateMetadata(ctx context.Context, id string, p Patch) (*model.Attachment, error) {
	if p.OriginalName != nil {
		name := strings.TrimSpace(*p.OriginalName)
		if name == "" || utf8.RuneCountInString(name) > maxOriginalNameLen {
			return nil, apperr.New(apperr.InvalidParameter, "originalName must be 1-%d characters", maxOriginalNameLen)
		}
		p.OriginalName = &name
	}
	if p.Description != nil && utf8.RuneCountInString(*p.Description) > maxDescriptionLen {
		return nil, apperr.New(apperr.InvalidParameter, "description must be at most %d characters", maxDescriptionLen)
	}
	a, err := s.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if p.OriginalName == nil && p.Description == nil {
		return a, nil
	}
	if p.OriginalName != nil {
		a.OriginalName = *p.OriginalName
	}
	if p.Description != nil {
		a.Description = *p.Description
	}
	if err := s.meta.Update(ctx, a); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, apperr.New(apperr.NotFound, "attachment not found")
		}
		return nil, fmt.Errorf("update attachment: %w", err)
	}
	return a, nil
}

// FilePath is the absolute location of a's bytes.
func (s *Store) FilePath(a *model.Attachment) string {
	return filepath.Join(s.cfg.BaseDir, filepath.Clean("/"+a.RelativeDir), filepath.Base(a.DiskFilename))
}

// ExtensionOf returns the lower-cased extension of name without the dot.
func ExtensionOf(name string) string {
	return strings.ToLower(strings.TrimPrefix(filepath.Ext(strings.TrimSpace(name)), "."))
}

func normalizeMime(mimeType string) string {
	mimeType = strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mimeType, ';'); i >= 0 {
		mimeType = strings.TrimSpace(mimeType[:i])
	}
	return mimeType
}
