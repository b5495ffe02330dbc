package api

import (
	"strings"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"

	"github.com/dharsanguruparan/attachvault/internal/apperr"
)

const (
	headerToken    = "X-Attachment-Token"
	headerFileName = "X-File-Name"
	userKey        = "user"
)

// requestLogger logs one line per request and records HTTP metrics. Errors
// are rendered first so the logged status is the one the client saw.
func (s *Server) requestLogger() echo.MiddlewareFunc {
	return middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURIPath:   true,
		LogRoutePath: true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogError:     true,
		HandleError:  true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			route := v.RoutePath
			if route == "" {
				route = "unmatched"
			}
			s.metrics.ObserveHTTP(v.Method, route, v.Status, v.Latency)
			s.log.Info("request",
				"method", v.Method,
				"path", v.URIPath,
				"status", v.Status,
				"latency", v.Latency,
				"request_id", v.RequestID,
			)
			return nil
		},
	})
}

// requireSession admits requests carrying a valid session token. With no JWT
// secret configured every request is admitted.
func (s *Server) requireSession() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			if !s.tokens.Enabled() {
				return next(c)
			}
			if !s.authenticate(c) {
				return apperr.New(apperr.Unauthorized, "a valid session token is required")
			}
			return next(c)
		}
	}
}

// requireSessionOrSignature admits requests that either carry a session or
// present a token and exp signed for the :id path parameter.
func (s *Server) requireSessionOrSignature() echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			token, exp := c.QueryParam("token"), c.QueryParam("exp")
			if token != "" || exp != "" {
				if s.signer.ValidateQuery(c.Param("id"), token, exp) {
					return next(c)
				}
			}
			if !s.tokens.Enabled() || s.authenticate(c) {
				return next(c)
			}
			return apperr.New(apperr.Unauthorized, "a valid session or signed URL is required")
		}
	}
}

func (s *Server) authenticate(c echo.Context) bool {
	claims, err := s.tokens.Verify(sessionToken(c))
	if err != nil {
		return false
	}
	c.Set(userKey, claims.UserID)
	return true
}

func sessionToken(c echo.Context) string {
	h := c.Request().Header
	if t := strings.TrimSpace(h.Get(headerToken)); t != "" {
		return t
	}
	if v := h.Get(echo.HeaderAuthorization); len(v) > 7 && strings.EqualFold(v[:7], "bearer ") {
		return strings.TrimSpace(v[7:])
	}
	return ""
}
