// Package maintenance keeps the disk, the metadata store and the backup
// bucket consistent: it reaps soft-deleted attachments, sweeps abandoned
// upload sessions, removes orphaned files and prunes old thumbnails.
package maintenance

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dharsanguruparan/attachvault/internal/apperr"
	"github.com/dharsanguruparan/attachvault/internal/config"
	"github.com/dharsanguruparan/attachvault/internal/contentstore"
	"github.com/dharsanguruparan/attachvault/internal/logger"
	"github.com/dharsanguruparan/attachvault/internal/metrics"
	"github.com/dharsanguruparan/attachvault/internal/model"
	"github.com/dharsanguruparan/attachvault/internal/storage"
)

// Task names, shared with the queue and the CLI.
const (
	TaskReap           = "reap"
	TaskSweepSessions  = "sweep-sessions"
	TaskReconcile      = "reconcile"
	TaskPruneThumbnail = "prune-thumbnails"
)

const reapBatch = 500

// SessionSweeper aborts abandoned resumable uploads.
type SessionSweeper interface {
	Sweep(ctx context.Context) (int, error)
}

// ThumbnailPruner drops cached thumbnails written before cutoff.
type ThumbnailPruner interface {
	Prune(cutoff time.Time) (int, error)
}

// ObjectStore holds backup copies of attachment bytes.
type ObjectStore interface {
	Upload(ctx context.Context, a *model.Attachment, r io.Reader) error
	Open(ctx context.Context, a *model.Attachment) (io.ReadCloser, error)
	Remove(ctx context.Context, a *model.Attachment) error
}

// Janitor runs maintenance and background attachment tasks.
type Janitor struct {
	cfg      *config.Config
	meta     storage.MetadataStore
	content  *contentstore.Store
	refs     storage.ReferenceCleaner
	sessions SessionSweeper
	thumbs   ThumbnailPruner
	backup   ObjectStore
	log      *logger.Logger
	metrics  metrics.Observer
	now      func() time.Time
}

// Option customizes a Janitor.
type Option func(*Janitor)

// WithReferences sets the holder of attachment references.
func WithReferences(r storage.ReferenceCleaner) Option {
	return func(j *Janitor) { j.refs = r }
}

// WithSessions sets the upload session sweeper.
func WithSessions(s SessionSweeper) Option {
	return func(j *Janitor) { j.sessions = s }
}

// WithThumbnails sets the thumbnail cache to prune.
func WithThumbnails(t ThumbnailPruner) Option {
	return func(j *Janitor) { j.thumbs = t }
}

// WithBackup sets the backup object store.
func WithBackup(b ObjectStore) Option {
	return func(j *Janitor) { j.backup = b }
}

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(j *Janitor) { j.log = l }
}

// WithMetrics sets the metrics observer.
func WithMetrics(m metrics.Observer) Option {
	return func(j *Janitor) { j.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(j *Janitor) { j.now = now }
}

// New constructs a Janitor.
func New(cfg *config.Config, meta storage.MetadataStore, content *contentstore.Store, opts ...Option) *Janitor {
	j := &Janitor{
		cfg:     cfg,
		meta:    meta,
		content: content,
		log:     logger.Nop(),
		metrics: metrics.Nop(),
		now:     func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		opt(j)
	}
	j.log = j.log.WithComponent("maintenance")
	return j
}

// PullReferences removes id from every holder.
func (j *Janitor) PullReferences(ctx context.Context, id string) error {
	if j.refs == nil {
		return nil
	}
	if err := j.refs.PullAttachment(ctx, id); err != nil {
		return fmt.Errorf("pull references to %s: %w", id, err)
	}
	j.log.Debug("attachment references pulled", "attachment_id", id)
	return nil
}

// BackupAttachment copies the bytes of an active attachment to the backup
// store. Attachments deleted in the meantime are skipped.
func (j *Janitor) BackupAttachment(ctx context.Context, id string) error {
	if j.backup == nil {
		return nil
	}
	a, path, err := j.content.Resolve(ctx, id)
	if apperr.IsKind(err, apperr.NotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open attachment: %w", err)
	}
	defer f.Close()
	if err := j.backup.Upload(ctx, a, f); err != nil {
		return err
	}
	j.log.Debug("attachment backed up", "attachment_id", id)
	return nil
}

// Restore rewrites the local file of an active attachment from its backup.
func (j *Janitor) Restore(ctx context.Context, id string) error {
	if j.backup == nil {
		return errors.New("no backup store configured")
	}
	a, err := j.content.Get(ctx, id)
	if err != nil {
		return err
	}
	r, err := j.backup.Open(ctx, a)
	if err != nil {
		return err
	}
	defer r.Close()
	return j.content.RestoreFile(ctx, a, r)
}

// ReapDeleted hard-deletes attachments soft-deleted longer ago than the
// retention period. Any leftover file, backup copy and reference is removed
// first; a record whose cleanup fails is kept for the next pass.
func (j *Janitor) ReapDeleted(ctx context.Context) (int, error) {
	cutoff := j.now().Add(-j.cfg.DeleteRetention)
	victims, err := j.meta.ListDeletedBefore(ctx, cutoff, reapBatch)
	if err != nil {
		return 0, fmt.Errorf("list deleted attachments: %w", err)
	}
	removed := 0
	for _, a := range victims {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		if err := os.Remove(j.content.FilePath(a)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			j.log.Warn("remove reaped file", "attachment_id", a.ID, "err", err)
			continue
		}
		if j.backup != nil {
			if err := j.backup.Remove(ctx, a); err != nil {
				j.log.Warn("remove backup copy", "attachment_id", a.ID, "err", err)
				continue
			}
		}
		// Deletion notifications can be dropped; pull again before the record goes.
		if err := j.PullReferences(ctx, a.ID); err != nil {
			j.log.Warn("pull references before reap", "attachment_id", a.ID, "err", err)
			continue
		}
		if err := j.meta.Remove(ctx, a.ID); err != nil {
			j.log.Warn("remove attachment record", "attachment_id", a.ID, "err", err)
			continue
		}
		removed++
	}
	return removed, nil
}

// SweepSessions aborts upload sessions idle past their TTL.
func (j *Janitor) SweepSessions(ctx context.Context) (int, error) {
	if j.sessions == nil {
		return 0, nil
	}
	return j.sessions.Sweep(ctx)
}

// ReconcileOrphans removes files in category directories that no record
// owns, plus temp files left by interrupted saves. Files younger than the
// orphan grace period are left alone so in-flight saves are never touched.
func (j *Janitor) ReconcileOrphans(ctx context.Context) (int, error) {
	cutoff := j.now().Add(-j.cfg.OrphanGrace)
	removed := 0
	for _, name := range j.cfg.CategoryNames() {
		rules, _ := j.cfg.Rules(name)
		dir := filepath.Join(j.cfg.BaseDir, rules.Dir)
		entries, err := os.ReadDir(dir)
		if errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err != nil {
			return removed, fmt.Errorf("read %s: %w", rules.Dir, err)
		}
		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return removed, err
			}
			if e.IsDir() {
				continue
			}
			info, err := e.Info()
			if err != nil || info.ModTime().After(cutoff) {
				continue
			}
			if !isTempFile(e.Name()) {
				owned, err := j.meta.HasDiskFilename(ctx, e.Name())
				if err != nil {
					return removed, fmt.Errorf("check owner of %s: %w", e.Name(), err)
				}
				if owned {
					continue
				}
			}
			if err := os.Remove(filepath.Join(dir, e.Name())); err != nil && !errors.Is(err, fs.ErrNotExist) {
				j.log.Warn("remove orphan", "category", name, "file", e.Name(), "err", err)
				continue
			}
			j.log.Info("orphan removed", "category", name, "file", e.Name())
			removed++
		}
	}
	return removed, nil
}

func isTempFile(name string) bool {
	return strings.HasPrefix(name, ".upload-") && strings.HasSuffix(name, ".tmp")
}

// PruneThumbnails drops cached variants older than the deletion retention.
func (j *Janitor) PruneThumbnails(_ context.Context) (int, error) {
	if j.thumbs == nil {
		return 0, nil
	}
	return j.thumbs.Prune(j.now().Add(-j.cfg.DeleteRetention))
}

// RunTask runs one named maintenance task and records its outcome.
func (j *Janitor) RunTask(ctx context.Context, task string) (int, error) {
	var (
		n   int
		err error
	)
	switch task {
	case TaskReap:
		n, err = j.ReapDeleted(ctx)
	case TaskSweepSessions:
		n, err = j.SweepSessions(ctx)
	case TaskReconcile:
		n, err = j.ReconcileOrphans(ctx)
	case TaskPruneThumbnail:
		n, err = j.PruneThumbnails(ctx)
	default:
		return 0, fmt.Errorf("unknown maintenance task %q", task)
	}
	j.metrics.ObserveMaintenance(task, n, err)
	if err != nil {
		j.log.Error("maintenance task failed", "task", task, "err", err)
		return n, err
	}
	if n > 0 {
		j.log.Info("maintenance task finished", "task", task, "removed", n)
	}
	return n, nil
}

// Tasks lists every maintenance task in the order RunAll runs them.
func Tasks() []string {
	return []string{TaskSweepSessions, TaskReap, TaskReconcile, TaskPruneThumbnail}
}

// RunAll runs every task once. A failing task does not stop the others.
func (j *Janitor) RunAll(ctx context.Context) error {
	var errs []error
	for _, task := range Tasks() {
		if _, err := j.RunTask(ctx, task); err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", task, err))
		}
	}
	return errors.Join(errs...)
}

// Run calls RunAll every interval until ctx is cancelled.
func (j *Janitor) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			_ = j.RunAll(ctx)
		}
	}
}
