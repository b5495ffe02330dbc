package api

import (
	"errors"
	"io"
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	"github.com/dharsanguruparan/attachvault/internal/apperr"
	"github.com/dharsanguruparan/attachvault/internal/config"
	"github.com/dharsanguruparan/attachvault/internal/contentstore"
	"github.com/dharsanguruparan/attachvault/internal/model"
	"github.com/dharsanguruparan/attachvault/internal/signing"
	"github.com/dharsanguruparan/attachvault/internal/stream"
	"github.com/dharsanguruparan/attachvault/internal/thumbnail"
)

const sniffLen = 512

func (s *Server) handleCategoryConfig(c echo.Context) error {
	return c.JSON(http.StatusOK, s.content.CategoryConfig())
}

func (s *Server) handleList(c echo.Context) error {
	q := model.ListQuery{Category: config.Category(c.QueryParam("category"))}
	var err error
	if q.Page, err = queryInt(c, "page"); err != nil {
		return err
	}
	if q.Limit, err = queryInt(c, "limit"); err != nil {
		return err
	}
	page, err := s.content.List(c.Request().Context(), q)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, page)
}

func (s *Server) handleSearch(c echo.Context) error {
	limit, err := queryInt(c, "limit")
	if err != nil {
		return err
	}
	items, err := s.content.Search(c.Request().Context(), c.QueryParam("q"), limit)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"items": items})
}

func (s *Server) handleStats(c echo.Context) error {
	stats, err := s.content.Stats(c.Request().Context())
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]any{"categories": stats})
}

// handleUpload accepts either a raw body or a multipart form with one or more
// "file" parts.
func (s *Server) handleUpload(c echo.Context) error {
	category := config.Category(c.Param("category"))
	rules, ok := s.cfg.Rules(category)
	if !ok {
		return apperr.New(apperr.UnsupportedType, "unknown category %q", category)
	}
	mediaType, _, _ := mime.ParseMediaType(c.Request().Header.Get(echo.HeaderContentType))
	if mediaType == echo.MIMEMultipartForm {
		return s.uploadMultipart(c, category, rules)
	}
	return s.uploadRaw(c, category, mediaType)
}

func (s *Server) uploadRaw(c echo.Context, category config.Category, mimeType string) error {
	r := c.Request()
	name := r.Header.Get(headerFileName)
	if decoded, err := url.PathUnescape(name); err == nil {
		name = decoded
	}
	if name == "" {
		name = c.QueryParam("name")
	}
	if strings.TrimSpace(name) == "" {
		return apperr.New(apperr.InvalidParameter, "a file name is required via %s or ?name=", headerFileName)
	}
	if r.ContentLength <= 0 {
		return apperr.New(apperr.InvalidParameter, "Content-Length is required")
	}
	if _, _, err := s.content.Rules(category, name, mimeType, r.ContentLength); err != nil {
		return err
	}
	a, err := s.content.Save(r.Context(), model.ReaderSource(r.Body, r.ContentLength), category, name, mimeType)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, a)
}

func (s *Server) uploadMultipart(c echo.Context, category config.Category, rules config.CategoryRules) error {
	ctx := c.Request().Context()
	// A little slack on top of the payload for part headers and boundaries.
	body := http.MaxBytesReader(c.Response(), c.Request().Body, rules.MaxSize*int64(rules.MaxFiles)+int64(rules.MaxFiles)*4096)
	c.Request().Body = body
	mr, err := c.Request().MultipartReader()
	if err != nil {
		return apperr.Wrap(err, apperr.InvalidParameter, "expecting multipart form")
	}
	saved := make([]*model.Attachment, 0, 1)
	for {
		part, err := nextFilePart(mr)
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				return apperr.New(apperr.TooLarge, "upload exceeds the limit for %s", category)
			}
			return apperr.Wrap(err, apperr.InvalidParameter, "failed to read upload")
		}
		if len(saved) == rules.MaxFiles {
			part.Close()
			return apperr.New(apperr.InvalidParameter, "at most %d files may be uploaded to %s", rules.MaxFiles, category)
		}
		a, err := s.savePart(c, part, category, rules.MaxSize)
		part.Close()
		if err != nil {
			return err
		}
		saved = append(saved, a)
	}
	if len(saved) == 0 {
		return apperr.New(apperr.InvalidParameter, "missing file part")
	}
	s.log.WithContext(ctx).Info("attachments uploaded", "category", category, "count", len(saved))
	return c.JSON(http.StatusCreated, map[string]any{"items": saved})
}

// savePart spools a part to disk so its size is known before the content
// store sees it.
func (s *Server) savePart(c echo.Context, part *multipart.Part, category config.Category, maxSize int64) (*model.Attachment, error) {
	tmp, err := os.CreateTemp(s.cfg.TmpDir, "attachvault-part-*")
	if err != nil {
		return nil, err
	}
	defer os.Remove(tmp.Name())
	defer tmp.Close()

	n, err := io.Copy(tmp, io.LimitReader(part, maxSize+1))
	if err != nil {
		var tooBig *http.MaxBytesError
		if errors.As(err, &tooBig) {
			return nil, apperr.New(apperr.TooLarge, "upload exceeds the limit for %s", category)
		}
		return nil, apperr.Wrap(err, apperr.InvalidParameter, "failed to read upload")
	}
	if n > maxSize {
		return nil, apperr.New(apperr.TooLarge, "file exceeds %d bytes for %s", maxSize, category)
	}
	if n == 0 {
		return nil, apperr.New(apperr.InvalidParameter, "file is empty")
	}
	mimeType := part.Header.Get(echo.HeaderContentType)
	if mimeType == "" || mimeType == echo.MIMEOctetStream {
		sniff := make([]byte, sniffLen)
		k, _ := tmp.ReadAt(sniff, 0)
		mimeType = http.DetectContentType(sniff[:k])
	}
	if _, err := tmp.Seek(0, io.SeekStart); err != nil {
		return nil, err
	}
	name := part.FileName()
	if name == "" {
		return nil, apperr.New(apperr.InvalidParameter, "file part has no file name")
	}
	return s.content.Save(c.Request().Context(), model.ReaderSource(tmp, n), category, name, mimeType)
}

func nextFilePart(mr *multipart.Reader) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if err != nil {
			return nil, err
		}
		if part.FormName() == "file" {
			return part, nil
		}
		part.Close()
	}
}

// handleStream serves the bytes of an attachment with Range and conditional
// request support.
func (s *Server) handleStream(c echo.Context) error {
	r := c.Request()
	id := c.Param("id")
	req := stream.Request{
		Method:          r.Method,
		Range:           r.Header.Get("Range"),
		IfNoneMatch:     r.Header.Get("If-None-Match"),
		IfModifiedSince: r.Header.Get("If-Modified-Since"),
	}
	resp, err := s.stream.Serve(r.Context(), id, req)
	if apperr.IsKind(err, apperr.FileMissing) && s.restorer != nil {
		if rerr := s.restorer.Restore(r.Context(), id); rerr == nil {
			s.log.WithContext(r.Context()).Info("attachment restored from backup", "attachment_id", id)
			resp, err = s.stream.Serve(r.Context(), id, req)
		} else {
			s.log.WithContext(r.Context()).Warn("restore from backup failed", "attachment_id", id, "err", rerr)
		}
	}
	if err != nil {
		if apperr.IsKind(err, apperr.RangeNotSatisfiable) && resp != nil {
			c.Response().Header().Set("Content-Range", stream.UnsatisfiableRange(resp.Total))
		}
		return err
	}
	stream.WriteHeaders(c.Response().Header(), resp, stream.HeaderOptions{
		CacheTTL:     s.cfg.CacheTTL,
		RangeEnabled: s.stream.RangeEnabled(),
	})
	c.Response().WriteHeader(resp.Status)
	if resp.Body == nil {
		return nil
	}
	defer resp.Body.Close()
	if _, err := io.Copy(c.Response(), resp.Body); err != nil {
		s.log.WithContext(r.Context()).Debug("stream aborted", "attachment_id", id, "err", err)
	}
	return nil
}

func (s *Server) handleThumbnail(c echo.Context) error {
	r := c.Request()
	opts, err := thumbnail.ParseOptions(c.QueryParam)
	if err != nil {
		return err
	}
	plan, err := s.thumbs.Plan(r.Context(), c.Param("id"), opts)
	if err != nil {
		return err
	}
	h := c.Response().Header()
	h.Set("ETag", plan.ETag)
	h.Set("Cache-Control", stream.CacheControl(s.cfg.CacheTTL))
	var cachedAt time.Time
	if info, err := os.Stat(plan.CachePath); err == nil {
		cachedAt = info.ModTime().UTC().Truncate(time.Second)
	}
	cond := stream.Request{
		IfNoneMatch:     r.Header.Get("If-None-Match"),
		IfModifiedSince: r.Header.Get("If-Modified-Since"),
	}
	if stream.NotModified(cond, plan.ETag, cachedAt) {
		return c.NoContent(http.StatusNotModified)
	}
	res, err := s.thumbs.Render(r.Context(), plan)
	if err != nil {
		return err
	}
	f, err := os.Open(res.Path)
	if err != nil {
		return err
	}
	defer f.Close()
	h.Set(echo.HeaderContentType, plan.ContentType)
	h.Set(echo.HeaderContentLength, strconv.FormatInt(res.Size, 10))
	h.Set(echo.HeaderLastModified, res.ModTime.UTC().Format(http.TimeFormat))
	h.Set("X-Content-Type-Options", "nosniff")
	c.Response().WriteHeader(http.StatusOK)
	if r.Method == http.MethodHead {
		return nil
	}
	if _, err := io.Copy(c.Response(), f); err != nil {
		s.log.WithContext(r.Context()).Debug("thumbnail stream aborted", "err", err)
	}
	return nil
}

func (s *Server) handleGetMeta(c echo.Context) error {
	a, err := s.content.Get(c.Request().Context(), c.Param("id"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

type patchRequest struct {
	OriginalName *string `json:"originalName"`
	Description  *string `json:"description"`
}

func (s *Server) handlePatchMeta(c echo.Context) error {
	var body patchRequest
	if err := c.Bind(&body); err != nil {
		return apperr.Wrap(err, apperr.InvalidParameter, "invalid JSON body")
	}
	a, err := s.content.UpdateMetadata(c.Request().Context(), c.Param("id"), contentstore.Patch{
		OriginalName: body.OriginalName,
		Description:  body.Description,
	})
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, a)
}

type signedURLResponse struct {
	URL   string `json:"url"`
	Token string `json:"token"`
	Exp   int64  `json:"exp"`
}

func (s *Server) handleSignedURL(c echo.Context) error {
	id := c.Param("id")
	ttl, err := parseTTL(c.QueryParam("ttl"))
	if err != nil {
		return err
	}
	if _, err := s.content.Get(c.Request().Context(), id); err != nil {
		return err
	}
	tok := s.signer.Issue(id, ttl)
	return c.JSON(http.StatusOK, signedURLResponse{URL: tok.URL(s.cfg.PublicBaseURL, id), Token: tok.Token, Exp: tok.Exp})
}

func (s *Server) handleDelete(c echo.Context) error {
	id := c.Param("id")
	if err := s.content.Delete(c.Request().Context(), id); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"id": id, "status": string(model.StatusDeleted)})
}

// parseTTL accepts whole seconds or a Go duration. Empty means the default.
func parseTTL(v string) (time.Duration, error) {
	if v == "" {
		return 0, nil
	}
	if n, err := strconv.ParseInt(v, 10, 64); err == nil {
		if n <= 0 {
			return 0, nil
		}
		if limit := int64(signing.MaxTTL / time.Second); n > limit {
			n = limit
		}
		return time.Duration(n) * time.Second, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, apperr.New(apperr.InvalidParameter, "ttl must be seconds or a duration")
	}
	return d, nil
}

func queryInt(c echo.Context, name string) (int, error) {
	v := c.QueryParam(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, apperr.New(apperr.InvalidParameter, "%s must be an integer", name)
	}
	return n, nil
}
