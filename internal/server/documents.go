package server

import (
	"io"
	"net/http"

	"github.com/labstack/echo/v4"

	"github.com/clausechat/clausechat/internal/blob"
	"github.com/clausechat/clausechat/internal/ingest"
	"github.com/clausechat/clausechat/internal/pipeline"
	"github.com/clausechat/clausechat/internal/store"
)

// DocumentsHandler serves upload, inspection and lifecycle endpoints.
type DocumentsHandler struct {
	Store    *store.Store
	Ingestor *ingest.Ingestor
	Pipeline *pipeline.Pipeline
	Blobs    blob.Store
}

func (h *DocumentsHandler) Register(g *echo.Group, secret []byte) {
	g.Use(withAuth(secret))
	g.POST("", h.upload)
	g.GET("", h.list)
	g.GET("/:id", h.get)
	g.DELETE("/:id", h.remove)
	g.GET("/:id/jobs", h.jobs)
	g.POST("/:id/reprocess", h.reprocess)
}

// upload accepts one multipart file, validates and stores it, and
// kicks off background processing. Duplicate content returns the
// existing document id without a second storage write.
func (h *DocumentsHandler) upload(c echo.Context) error {
	userID := c.Get("user_id").(string)
	fh, err := c.FormFile("file")
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "file field required")
	}
	src, err := fh.Open()
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}
	defer src.Close()
	data, err := io.ReadAll(src)
	if err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, err.Error())
	}

	mimeType := fh.Header.Get("Content-Type")
	res, err := h.Ingestor.Ingest(c.Request().Context(), userID, fh.Filename, mimeType, data)
	if err != nil {
		return err
	}
	pipeline.CountIngested(res.Status == ingest.StatusDuplicate)
	if res.Status == ingest.StatusDuplicate {
		return c.JSON(http.StatusOK, res)
	}

	doc, err := h.Store.GetDocument(c.Request().Context(), res.DocumentID, userID)
	if err != nil {
		return err
	}
	if err := h.Pipeline.Kickoff(c.Request().Context(), doc); err != nil {
		return err
	}
	return c.JSON(http.StatusAccepted, res)
}

func (h *DocumentsHandler) list(c echo.Context) error {
	userID := c.Get("user_id").(string)
	docs, err := h.Store.ListDocuments(c.Request().Context(), userID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, docs)
}

func (h *DocumentsHandler) get(c echo.Context) error {
	userID := c.Get("user_id").(string)
	doc, err := h.Store.GetDocument(c.Request().Context(), c.Param("id"), userID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, doc)
}

// remove deletes the row (chunks and sessions cascade) and then the
// blob, best effort; a dangling blob is preferable to a dangling row.
func (h *DocumentsHandler) remove(c echo.Context) error {
	userID := c.Get("user_id").(string)
	ctx := c.Request().Context()
	doc, err := h.Store.GetDocument(ctx, c.Param("id"), userID)
	if err != nil {
		return err
	}
	if err := h.Store.DeleteDocument(ctx, doc.ID, userID); err != nil {
		return err
	}
	_ = h.Blobs.Delete(ctx, doc.StoragePath)
	return c.NoContent(http.StatusNoContent)
}

func (h *DocumentsHandler) jobs(c echo.Context) error {
	userID := c.Get("user_id").(string)
	ctx := c.Request().Context()
	doc, err := h.Store.GetDocument(ctx, c.Param("id"), userID)
	if err != nil {
		return err
	}
	jobs, err := h.Store.ListJobsByDocument(ctx, doc.ID)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, jobs)
}

// reprocess drops existing chunks and runs the pipeline again, for
// documents whose processing failed or whose chunking tunables changed.
func (h *DocumentsHandler) reprocess(c echo.Context) error {
	userID := c.Get("user_id").(string)
	ctx := c.Request().Context()
	doc, err := h.Store.GetDocument(ctx, c.Param("id"), userID)
	if err != nil {
		return err
	}
	if err := h.Pipeline.Reprocess(ctx, doc); err != nil {
		return err
	}
	return c.NoContent(http.StatusAccepted)
}
