package contentstore

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/dharsanguruparan/attachvault/internal/apperr"
	"github.com/dharsanguruparan/attachvault/internal/config"
	"github.com/dharsanguruparan/attachvault/internal/model"
)

const (
	defaultPageLimit   = 20
	maxPageLimit       = 100
	defaultSearchLimit = 20
	maxSearchLimit     = 50
	minSearchLen       = 2
)

// List returns a page of active attachments, optionally for one category.
func (s *Store) List(ctx context.Context, q model.ListQuery) (*model.Page, error) {
	if q.Category != "" {
		if _, ok := s.cfg.Rules(q.Category); !ok {
			return nil, apperr.New(apperr.InvalidParameter, "unknown category %q", q.Category)
		}
	}
	if q.Page < 1 {
		q.Page = 1
	}
	if q.Limit < 1 {
		q.Limit = defaultPageLimit
	}
	q.Limit = min(q.Limit, maxPageLimit)
	items, total, err := s.meta.List(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list attachments: %w", err)
	}
	return model.NewPage(items, total, q.Page, q.Limit), nil
}

// Search finds active attachments whose original name contains query.
func (s *Store) Search(ctx context.Context, query string, limit int) ([]*model.Attachment, error) {
	query = strings.TrimSpace(query)
	if utf8.RuneCountInString(query) < minSearchLen {
		return nil, apperr.New(apperr.InvalidParameter, "query must be at least %d characters", minSearchLen)
	}
	if limit < 1 {
		limit = defaultSearchLimit
	}
	limit = min(limit, maxSearchLimit)
	items, err := s.meta.Search(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("search attachments: %w", err)
	}
	if items == nil {
		items = []*model.Attachment{}
	}
	return items, nil
}

// Stats reports count and bytes per configured category, zeroes included.
func (s *Store) Stats(ctx context.Context) ([]model.CategoryStats, error) {
	found, err := s.meta.Stats(ctx)
	if err != nil {
		return nil, fmt.Errorf("attachment stats: %w", err)
	}
	byCat := make(map[config.Category]model.CategoryStats, len(found))
	for _, st := range found {
		byCat[st.Category] = st
	}
	out := make([]model.CategoryStats, 0, len(s.cfg.Categories))
	for _, name := range s.cfg.CategoryNames() {
		st, ok := byCat[name]
		if !ok {
			st = model.CategoryStats{Category: name}
		}
		out = append(out, st)
	}
	return out, nil
}

// CategoryConfig exposes the configured rules per category.
func (s *Store) CategoryConfig() map[config.Category]config.CategoryRules {
	out := make(map[config.Category]config.CategoryRules, len(s.cfg.Categories))
	for name, rules := range s.cfg.Categories {
		out[name] = rules
	}
	return out
}

// RestoreFile writes r back to a's location after checking it hashes to
// a.Hash. Used to recover from metadata/filesystem drift.
func (s *Store) RestoreFile(ctx context.Context, a *model.Attachment, r io.Reader) error {
	if !a.Active() {
		return apperr.New(apperr.NotFound, "attachment not found")
	}
	path := s.FilePath(a)
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return fmt.Errorf("create category dir: %w", err)
	}
	tmp, err := os.CreateTemp(dir, tempPattern)
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	defer os.Remove(tmp.Name())
	hasher := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, hasher), r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return fmt.Errorf("write restored file: %w", err)
	}
	if n != a.Size || hex.EncodeToString(hasher.Sum(nil)) != a.Hash {
		return fmt.Errorf("restored content does not match attachment %s", a.ID)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("commit restored file: %w", err)
	}
	s.log.Info("attachment file restored", "attachment_id", a.ID)
	return nil
}
