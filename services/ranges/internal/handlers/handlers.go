package handlers

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/shopspring/decimal"

	"github.com/AfshinJalili/withdrawal-ranges/libs/httpmiddleware"
	"github.com/AfshinJalili/withdrawal-ranges/services/ranges/internal/events"
	"github.com/AfshinJalili/withdrawal-ranges/services/ranges/internal/importer"
	"github.com/AfshinJalili/withdrawal-ranges/services/ranges/internal/rangetable"
	"github.com/AfshinJalili/withdrawal-ranges/services/ranges/internal/validation"
)

// multipart framing allowance on top of the file size limit
const formOverhead = 64 << 10

type RangeEngine interface {
	Create(ctx context.Context, min, max, value decimal.Decimal) (rangetable.Record, error)
	Update(ctx context.Context, id int64, patch rangetable.Patch) (rangetable.Record, error)
	Delete(ctx context.Context, id int64) error
	Lookup(ctx context.Context, amount decimal.Decimal) (rangetable.Record, error)
	ListAll(ctx context.Context) ([]rangetable.Record, error)
	BulkReplace(ctx context.Context, records []rangetable.Record) (int, error)
}

type Importer interface {
	Normalize(data []byte, mediaType string) ([]rangetable.Record, error)
}

type Handler struct {
	Def            rangetable.Definition
	Engine         RangeEngine
	Importer       Importer
	Logger         *slog.Logger
	MaxUploadBytes int64
}

type messageResponse struct {
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

type uploadResponse struct {
	Message string `json:"message"`
	Count   int    `json:"count"`
}

type errorResponse struct {
	Code    string                  `json:"code"`
	Message string                  `json:"message"`
	Fields  []validation.FieldError `json:"fields,omitempty"`
}

func New(def rangetable.Definition, engine RangeEngine, imp Importer, maxUploadBytes int64, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Handler{
		Def:            def,
		Engine:         engine,
		Importer:       imp,
		Logger:         logger.With("table", def.Name),
		MaxUploadBytes: maxUploadBytes,
	}
}

// Register mounts the table's routes under its prefix. guard runs before
// every mutating route and limit before the lookup route; either may be
// empty.
func (h *Handler) Register(r gin.IRouter, guard []gin.HandlerFunc, limit ...gin.HandlerFunc) {
	group := r.Group(h.Def.RoutePrefix)
	group.POST("/upload", chain(guard, h.Upload)...)
	group.POST("", chain(guard, h.Create)...)
	group.PUT("/:id", chain(guard, h.Update)...)
	group.DELETE("/:id", chain(guard, h.Delete)...)
	group.GET("/"+h.Def.LookupPath, chain(limit, h.Lookup)...)
	group.GET("", h.List)
}

func (h *Handler) Create(c *gin.Context) {
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
		return
	}
	in, errs := validation.ValidateCreate(body, h.Def.ValueField)
	if len(errs) > 0 {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request", errs)
		return
	}

	rec, err := h.Engine.Create(h.requestContext(c), *in.MinAmount, *in.MaxAmount, *in.Value)
	if err != nil {
		h.writeEngineError(c, "create", err)
		return
	}

	c.JSON(http.StatusCreated, messageResponse{
		Message: h.Def.Label + " created successfully.",
		Data:    h.item(rec),
	})
}

func (h *Handler) Update(c *gin.Context) {
	id, errs := validation.ParseID(c.Param("id"))
	if len(errs) > 0 {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid id", errs)
		return
	}
	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid payload", nil)
		return
	}
	in, errs := validation.ValidateUpdate(body, h.Def.ValueField)
	if len(errs) > 0 {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid request", errs)
		return
	}

	rec, err := h.Engine.Update(h.requestContext(c), id, rangetable.Patch{
		MinAmount: in.MinAmount,
		MaxAmount: in.MaxAmount,
		Value:     in.Value,
	})
	if err != nil {
		h.writeEngineError(c, "update", err)
		return
	}

	c.JSON(http.StatusOK, messageResponse{
		Message: h.Def.Label + " updated successfully.",
		Data:    h.item(rec),
	})
}

func (h *Handler) Delete(c *gin.Context) {
	id, errs := validation.ParseID(c.Param("id"))
	if len(errs) > 0 {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid id", errs)
		return
	}

	if err := h.Engine.Delete(h.requestContext(c), id); err != nil {
		h.writeEngineError(c, "delete", err)
		return
	}

	c.JSON(http.StatusOK, messageResponse{Message: h.Def.Label + " deleted successfully."})
}

func (h *Handler) Lookup(c *gin.Context) {
	amount, errs := validation.ParseAmount(c.Query("amount"))
	if len(errs) > 0 {
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "invalid amount", errs)
		return
	}

	rec, err := h.Engine.Lookup(c.Request.Context(), amount)
	if err != nil {
		h.writeEngineError(c, "lookup", err)
		return
	}

	var data any = h.item(rec)
	if h.Def.BareLookup {
		data = rec.Value
	}
	c.JSON(http.StatusOK, messageResponse{
		Message: h.Def.LookupMessage,
		Data:    data,
	})
}

func (h *Handler) List(c *gin.Context) {
	records, err := h.Engine.ListAll(c.Request.Context())
	if err != nil {
		h.writeEngineError(c, "list", err)
		return
	}

	items := make([]gin.H, 0, len(records))
	for _, rec := range records {
		items = append(items, h.item(rec))
	}
	c.JSON(http.StatusOK, messageResponse{
		Message: fmt.Sprintf("All %ss retrieved successfully.", strings.ToLower(h.Def.Label)),
		Data:    items,
	})
}

func (h *Handler) Upload(c *gin.Context) {
	if h.MaxUploadBytes > 0 {
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.MaxUploadBytes+formOverhead)
	}

	fh, err := c.FormFile("file")
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(c, http.StatusBadRequest, "INVALID_FILE", h.tooLargeMessage(), nil)
			return
		}
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", "Please upload a CSV or Excel file.", []validation.FieldError{
			{Field: "file", Message: "file is required"},
		})
		return
	}
	if h.MaxUploadBytes > 0 && fh.Size > h.MaxUploadBytes {
		writeError(c, http.StatusBadRequest, "INVALID_FILE", h.tooLargeMessage(), nil)
		return
	}

	f, err := fh.Open()
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_FILE", "unable to read uploaded file", nil)
		return
	}
	defer f.Close()
	data, err := io.ReadAll(f)
	if err != nil {
		writeError(c, http.StatusBadRequest, "INVALID_FILE", "unable to read uploaded file", nil)
		return
	}

	mediaType := importer.MediaTypeFor(fh.Header.Get("Content-Type"), fh.Filename)
	records, err := h.Importer.Normalize(data, mediaType)
	if err != nil {
		h.Logger.Info("upload rejected", "file", fh.Filename, "media_type", mediaType, "error", err)
		writeError(c, http.StatusBadRequest, "INVALID_FILE", err.Error(), nil)
		return
	}

	count, err := h.Engine.BulkReplace(h.requestContext(c), records)
	if err != nil {
		h.writeEngineError(c, "upload", err)
		return
	}

	c.JSON(http.StatusOK, uploadResponse{
		Message: fmt.Sprintf("%ss uploaded successfully.", h.Def.Label),
		Count:   count,
	})
}

func (h *Handler) item(rec rangetable.Record) gin.H {
	return gin.H{
		"id":             rec.ID,
		"minAmount":      rec.MinAmount,
		"maxAmount":      rec.MaxAmount,
		h.Def.ValueField: rec.Value,
		"createdAt":      rec.CreatedAt,
		"updatedAt":      rec.UpdatedAt,
	}
}

func (h *Handler) requestContext(c *gin.Context) context.Context {
	return events.WithCorrelationID(c.Request.Context(), httpmiddleware.RequestIDFromContext(c))
}

func (h *Handler) tooLargeMessage() string {
	return fmt.Sprintf("file exceeds the %d byte limit", h.MaxUploadBytes)
}

func (h *Handler) writeEngineError(c *gin.Context, op string, err error) {
	switch {
	case errors.Is(err, rangetable.ErrInvalidRange):
		writeError(c, http.StatusBadRequest, "INVALID_RANGE", err.Error(), nil)
	case errors.Is(err, rangetable.ErrInvalidInput):
		writeError(c, http.StatusBadRequest, "INVALID_REQUEST", err.Error(), nil)
	case errors.Is(err, rangetable.ErrOverlap), errors.Is(err, rangetable.ErrBatchOverlap):
		writeError(c, http.StatusBadRequest, "RANGE_OVERLAP", err.Error(), nil)
	case errors.Is(err, rangetable.ErrNotFound):
		writeError(c, http.StatusNotFound, "RANGE_NOT_FOUND", h.Def.Label+" not found.", nil)
	case errors.Is(err, rangetable.ErrNoMatch):
		writeError(c, http.StatusNotFound, "NO_MATCHING_RANGE", fmt.Sprintf("No applicable %s range found for the specified amount.", h.Def.Name), nil)
	default:
		h.Logger.Error("range operation failed", "operation", op, "error", err)
		writeError(c, http.StatusInternalServerError, "INTERNAL_ERROR", "internal error", nil)
	}
}

func writeError(c *gin.Context, status int, code, message string, fields []validation.FieldError) {
	c.JSON(status, errorResponse{
		Code:    code,
		Message: message,
		Fields:  fields,
	})
}

func chain(before []gin.HandlerFunc, h gin.HandlerFunc) []gin.HandlerFunc {
	out := make([]gin.HandlerFunc, 0, len(before)+1)
	for _, fn := range before {
		if fn != nil {
			out = append(out, fn)
		}
	}
	return append(out, h)
}
