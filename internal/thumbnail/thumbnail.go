// Package thumbnail derives resized, recompressed variants of image
// attachments and caches them on disk under a content-derived name.
package thumbnail

import (
	"context"
	"crypto/sha1"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sync/atomic"
	"time"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	lru "github.com/hashicorp/golang-lru/v2"
	_ "golang.org/x/image/webp" // registers the webp decoder with image.Decode
	"golang.org/x/sync/singleflight"

	"github.com/dharsanguruparan/attachvault/internal/apperr"
	"github.com/dharsanguruparan/attachvault/internal/config"
	"github.com/dharsanguruparan/attachvault/internal/logger"
	"github.com/dharsanguruparan/attachvault/internal/metrics"
	"github.com/dharsanguruparan/attachvault/internal/model"
)

// Resolver locates an active attachment and its bytes.
type Resolver interface {
	Resolve(ctx context.Context, id string) (*model.Attachment, string, error)
}

// Plan is everything known about a variant before any pixels are touched.
type Plan struct {
	Attachment  *model.Attachment
	SourcePath  string
	Options     Options
	Digest      string
	ETag        string
	CachePath   string
	ContentType string
}

// Result locates a rendered variant on disk.
type Result struct {
	Path    string
	Size    int64
	ModTime time.Time
}

// Deriver renders and caches thumbnails.
type Deriver struct {
	content Resolver
	dir     string
	cache   *lru.Cache[string, Result]
	group   singleflight.Group
	log     *logger.Logger
	metrics metrics.Observer
	renders atomic.Int64
}

// Option customizes a Deriver.
type Option func(*Deriver)

// WithLogger sets the logger.
func WithLogger(l *logger.Logger) Option {
	return func(d *Deriver) { d.log = l }
}

// WithMetrics sets the metrics observer.
func WithMetrics(m metrics.Observer) Option {
	return func(d *Deriver) { d.metrics = m }
}

// New builds a Deriver that caches rendered files in dir and remembers up to
// cacheSize of them in memory.
func New(content Resolver, dir string, cacheSize int, opts ...Option) (*Deriver, error) {
	if cacheSize <= 0 {
		cacheSize = 128
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create thumbnail dir: %w", err)
	}
	cache, err := lru.New[string, Result](cacheSize)
	if err != nil {
		return nil, fmt.Errorf("create thumbnail cache: %w", err)
	}
	d := &Deriver{
		content: content,
		dir:     dir,
		cache:   cache,
		log:     logger.Nop(),
		metrics: metrics.Nop(),
	}
	for _, opt := range opts {
		opt(d)
	}
	d.log = d.log.WithComponent("thumbnail")
	return d, nil
}

// Plan validates o and resolves the source without rendering anything, so
// conditional requests can be answered from the ETag alone.
func (d *Deriver) Plan(ctx context.Context, id string, o Options) (*Plan, error) {
	if err := o.Validate(); err != nil {
		return nil, err
	}
	a, path, err := d.content.Resolve(ctx, id)
	if err != nil {
		return nil, err
	}
	if a.Category != config.CategoryImage {
		return nil, apperr.New(apperr.UnsupportedType, "thumbnails are only available for images")
	}
	sum := sha1.Sum([]byte(o.cacheKey(a.Hash)))
	digest := hex.EncodeToString(sum[:])
	return &Plan{
		Attachment:  a,
		SourcePath:  path,
		Options:     o,
		Digest:      digest,
		ETag:        `"` + digest + `"`,
		CachePath:   filepath.Join(d.dir, digest+"."+o.extension()),
		ContentType: o.contentType(),
	}, nil
}

// Render returns the cached variant for p, producing it first if needed.
// Concurrent renders of the same variant share one decode.
func (d *Deriver) Render(ctx context.Context, p *Plan) (*Result, error) {
	start := time.Now()
	if r, ok := d.lookup(p); ok {
		d.metrics.ObserveThumbnail(true, time.Since(start), nil)
		return &r, nil
	}
	v, err, _ := d.group.Do(p.Digest, func() (any, error) {
		if r, ok := d.lookup(p); ok {
			return r, nil
		}
		return d.generate(p)
	})
	d.metrics.ObserveThumbnail(false, time.Since(start), err)
	if err != nil {
		return nil, err
	}
	r := v.(Result)
	return &r, nil
}

func (d *Deriver) lookup(p *Plan) (Result, bool) {
	if r, ok := d.cache.Get(p.Digest); ok {
		if _, err := os.Stat(r.Path); err == nil {
			return r, true
		}
		d.cache.Remove(p.Digest)
	}
	info, err := os.Stat(p.CachePath)
	if err != nil {
		return Result{}, false
	}
	r := Result{Path: p.CachePath, Size: info.Size(), ModTime: info.ModTime()}
	d.cache.Add(p.Digest, r)
	return r, true
}

func (d *Deriver) generate(p *Plan) (Result, error) {
	d.renders.Add(1)
	src, err := os.Open(p.SourcePath)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Result{}, apperr.New(apperr.FileMissing, "attachment %s has no bytes on disk", p.Attachment.ID)
		}
		return Result{}, fmt.Errorf("open thumbnail source: %w", err)
	}
	img, err := imaging.Decode(src, imaging.AutoOrientation(true))
	src.Close()
	if err != nil {
		return Result{}, apperr.Wrap(err, apperr.UnsupportedType, "attachment is not a decodable image")
	}
	out := resize(img, p.Options)

	tmp, err := os.CreateTemp(d.dir, ".thumb-*.tmp")
	if err != nil {
		return Result{}, fmt.Errorf("create thumbnail temp: %w", err)
	}
	defer os.Remove(tmp.Name())
	if err := encode(tmp, out, p.Options); err != nil {
		tmp.Close()
		return Result{}, fmt.Errorf("encode thumbnail: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return Result{}, fmt.Errorf("close thumbnail: %w", err)
	}
	if err := os.Rename(tmp.Name(), p.CachePath); err != nil {
		return Result{}, fmt.Errorf("commit thumbnail: %w", err)
	}
	info, err := os.Stat(p.CachePath)
	if err != nil {
		return Result{}, fmt.Errorf("stat thumbnail: %w", err)
	}
	r := Result{Path: p.CachePath, Size: info.Size(), ModTime: info.ModTime()}
	d.cache.Add(p.Digest, r)
	d.log.Debug("thumbnail rendered", "attachment_id", p.Attachment.ID, "digest", p.Digest, "bytes", r.Size)
	return r, nil
}

// resize maps src onto the target box without ever enlarging it. Cover crops
// around the center; contain keeps the whole image inside the box.
func resize(src image.Image, o Options) image.Image {
	b := src.Bounds()
	sw, sh := b.Dx(), b.Dy()
	if o.Fit == FitContain {
		if sw <= o.Width && sh <= o.Height {
			return src
		}
		return imaging.Fit(src, o.Width, o.Height, imaging.Lanczos)
	}
	scale := math.Min(1, math.Min(float64(sw)/float64(o.Width), float64(sh)/float64(o.Height)))
	w := max(1, int(math.Round(float64(o.Width)*scale)))
	h := max(1, int(math.Round(float64(o.Height)*scale)))
	return imaging.Fill(src, w, h, imaging.Center, imaging.Lanczos)
}

func encode(w io.Writer, img image.Image, o Options) error {
	switch o.Format {
	case FormatJPEG:
		return imaging.Encode(w, img, imaging.JPEG, imaging.JPEGQuality(o.Quality))
	case FormatPNG:
		return imaging.Encode(w, img, imaging.PNG)
	default:
		return webp.Encode(w, img, &webp.Options{Quality: float32(o.Quality)})
	}
}

// Prune removes cached variants last written before cutoff. Variants of
// deleted sources are never requested again, so age is the only signal.
func (d *Deriver) Prune(cutoff time.Time) (int, error) {
	entries, err := os.ReadDir(d.dir)
	if err != nil {
		return 0, fmt.Errorf("read thumbnail dir: %w", err)
	}
	removed := 0
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil || !info.ModTime().Before(cutoff) {
			continue
		}
		if err := os.Remove(filepath.Join(d.dir, e.Name())); err == nil {
			removed++
		}
	}
	if removed > 0 {
		d.cache.Purge()
	}
	return removed, nil
}
