// Package api exposes the attachment engine over HTTP using echo.
package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/dharsanguruparan/attachvault/internal/apperr"
	"github.com/dharsanguruparan/attachvault/internal/auth"
	"github.com/dharsanguruparan/attachvault/internal/config"
	"github.com/dharsanguruparan/attachvault/internal/contentstore"
	"github.com/dharsanguruparan/attachvault/internal/logger"
	"github.com/dharsanguruparan/attachvault/internal/metrics"
	"github.com/dharsanguruparan/attachvault/internal/signing"
	"github.com/dharsanguruparan/attachvault/internal/stream"
	"github.com/dharsanguruparan/attachvault/internal/thumbnail"
	"github.com/dharsanguruparan/attachvault/internal/uploads"
)

// Restorer brings back the bytes of an attachment whose file went missing.
type Restorer interface {
	Restore(ctx context.Context, id string) error
}

// Deps are the collaborators the handlers need. Restorer and Gatherer are
// optional.
type Deps struct {
	Config   *config.Config
	Content  *contentstore.Store
	Uploads  *uploads.Manager
	Stream   *stream.Server
	Thumbs   *thumbnail.Deriver
	Signer   *signing.Signer
	Tokens   *auth.Tokens
	Restorer Restorer
	Logger   *logger.Logger
	Metrics  metrics.Observer
	Gatherer prometheus.Gatherer
}

// Server exposes HTTP endpoints for attachments and resumable uploads.
type Server struct {
	cfg      *config.Config
	content  *contentstore.Store
	uploads  *uploads.Manager
	stream   *stream.Server
	thumbs   *thumbnail.Deriver
	signer   *signing.Signer
	tokens   *auth.Tokens
	restorer Restorer
	log      *logger.Logger
	metrics  metrics.Observer
	echo     *echo.Echo
}

// New constructs a Server and registers its routes.
func New(d Deps) *Server {
	s := &Server{
		cfg:      d.Config,
		content:  d.Content,
		uploads:  d.Uploads,
		stream:   d.Stream,
		thumbs:   d.Thumbs,
		signer:   d.Signer,
		tokens:   d.Tokens,
		restorer: d.Restorer,
		log:      d.Logger,
		metrics:  d.Metrics,
	}
	if s.log == nil {
		s.log = logger.Nop()
	}
	s.log = s.log.WithComponent("api")
	if s.metrics == nil {
		s.metrics = metrics.Nop()
	}
	if !s.tokens.Enabled() {
		s.log.Warn("no JWT secret configured, session authentication is disabled")
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleError
	s.setupMiddleware(e)
	s.registerRoutes(e, d.Gatherer)
	s.echo = e
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() *echo.Echo { return s.echo }

func (s *Server) setupMiddleware(e *echo.Echo) {
	e.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		RequestIDHandler: func(c echo.Context, id string) {
			r := c.Request()
			c.SetRequest(r.WithContext(logger.ContextWithRequestID(r.Context(), id)))
		},
	}))
	e.Use(s.requestLogger())
	e.Use(middleware.Recover())
	e.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodHead, http.MethodPost, http.MethodPut, http.MethodPatch, http.MethodDelete},
		AllowHeaders: []string{
			echo.HeaderContentType, echo.HeaderAuthorization, headerToken, headerFileName,
			"Range", "If-None-Match", "If-Modified-Since",
		},
		ExposeHeaders: []string{"ETag", "Content-Range", "Accept-Ranges", "Content-Disposition", "Last-Modified"},
	}))
}

func (s *Server) registerRoutes(e *echo.Echo, gatherer prometheus.Gatherer) {
	e.GET("/healthz", s.handleHealth)
	if gatherer != nil {
		e.GET("/metrics", echo.WrapHandler(promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{})))
	}

	session := s.requireSession()
	readable := s.requireSessionOrSignature()

	a := e.Group("/attachments")
	a.GET("/config", s.handleCategoryConfig, session)
	a.GET("", s.handleList, session)
	a.GET("/search", s.handleSearch, session)
	a.GET("/stats", s.handleStats, session)
	a.POST("/:category", s.handleUpload, session)
	a.GET("/:id", s.handleStream, readable)
	a.HEAD("/:id", s.handleStream, readable)
	a.GET("/:id/thumbnail", s.handleThumbnail, readable)
	a.HEAD("/:id/thumbnail", s.handleThumbnail, readable)
	a.GET("/:id/meta", s.handleGetMeta, session)
	a.PATCH("/:id/meta", s.handlePatchMeta, session)
	a.POST("/:id/signed-url", s.handleSignedURL, session)
	a.DELETE("/:id", s.handleDelete, session)

	u := e.Group("/uploads", session)
	u.POST("", s.handleInitiate)
	u.GET("/:uploadId", s.handleUploadStatus)
	u.PUT("/:uploadId", s.handleAppendChunk)
	u.POST("/:uploadId/complete", s.handleComplete)
	u.POST("/:uploadId/abort", s.handleAbort)
}

func (s *Server) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
}

type errorBody struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

// handleError renders every failure as {"error": kind, "message": ...}.
func (s *Server) handleError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	status, body := s.describe(err)
	log := s.log.WithContext(c.Request().Context())
	switch {
	case status >= http.StatusInternalServerError:
		log.Error("request failed", "method", c.Request().Method, "path", c.Path(), "err", err)
	case apperr.IsKind(err, apperr.FileMissing):
		log.Warn("attachment bytes missing", "path", c.Request().URL.Path, "err", err)
	}
	if c.Request().Method == http.MethodHead {
		_ = c.NoContent(status)
		return
	}
	_ = c.JSON(status, body)
}

func (s *Server) describe(err error) (int, errorBody) {
	var he *echo.HTTPError
	if errors.As(err, &he) {
		if inner := he.Internal; inner != nil {
			var ae *apperr.Error
			if errors.As(inner, &ae) {
				return s.describe(ae)
			}
		}
		msg, ok := he.Message.(string)
		if !ok {
			msg = http.StatusText(he.Code)
		}
		return he.Code, errorBody{Error: kindForStatus(he.Code), Message: msg}
	}
	kind := apperr.KindOf(err)
	return apperr.HTTPStatus(kind), errorBody{
		Error:   string(apperr.PublicKind(kind)),
		Message: apperr.PublicMessage(err),
	}
}

func kindForStatus(status int) string {
	switch status {
	case http.StatusBadRequest:
		return string(apperr.InvalidParameter)
	case http.StatusUnauthorized:
		return string(apperr.Unauthorized)
	case http.StatusNotFound:
		return string(apperr.NotFound)
	case http.StatusRequestEntityTooLarge:
		return string(apperr.TooLarge)
	case http.StatusRequestedRangeNotSatisfiable:
		return string(apperr.RangeNotSatisfiable)
	}
	if status >= http.StatusInternalServerError {
		return string(apperr.Internal)
	}
	return strings.ReplaceAll(strings.ToLower(http.StatusText(status)), " ", "_")
}
