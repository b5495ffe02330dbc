package api

import (
	"io"
	"net/http"
	"strconv"

	"github.com/labstack/echo/v4"

	"github.com/dharsanguruparan/attachvault/internal/apperr"
	"github.com/dharsanguruparan/attachvault/internal/model"
	"github.com/dharsanguruparan/attachvault/internal/uploads"
)

func (s *Server) handleInitiate(c echo.Context) error {
	var req uploads.InitiateRequest
	if err := c.Bind(&req); err != nil {
		return apperr.Wrap(err, apperr.InvalidParameter, "invalid JSON body")
	}
	sess, err := s.uploads.Initiate(c.Request().Context(), req)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, sess)
}

func (s *Server) handleUploadStatus(c echo.Context) error {
	sess, err := s.uploads.Status(c.Request().Context(), c.Param("uploadId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

// handleAppendChunk writes the raw request body at ?offset=N.
func (s *Server) handleAppendChunk(c echo.Context) error {
	offset, err := strconv.ParseInt(c.QueryParam("offset"), 10, 64)
	if err != nil {
		return apperr.New(apperr.InvalidParameter, "offset must be an integer")
	}
	limit := s.cfg.ChunkLimit
	chunk, err := io.ReadAll(io.LimitReader(c.Request().Body, limit+1))
	if err != nil {
		return apperr.Wrap(err, apperr.InvalidParameter, "failed to read chunk")
	}
	if int64(len(chunk)) > limit {
		return apperr.New(apperr.TooLarge, "chunk exceeds %d bytes", limit)
	}
	sess, err := s.uploads.AppendChunk(c.Request().Context(), c.Param("uploadId"), offset, chunk)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, sess)
}

func (s *Server) handleComplete(c echo.Context) error {
	a, err := s.uploads.Complete(c.Request().Context(), c.Param("uploadId"))
	if err != nil {
		return err
	}
	return c.JSON(http.StatusCreated, a)
}

func (s *Server) handleAbort(c echo.Context) error {
	id := c.Param("uploadId")
	if err := s.uploads.Abort(c.Request().Context(), id); err != nil {
		return err
	}
	return c.JSON(http.StatusOK, map[string]string{"uploadId": id, "state": string(model.SessionAborted)})
}
