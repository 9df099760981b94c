package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/agrotrace/internal/traceview"
	"go.uber.org/zap"
)

// TraceHandler serves the public traceability document. Its routes are
// never authenticated.
type TraceHandler struct {
	views  *traceview.Builder
	logger *zap.Logger
}

// NewTraceHandler creates a TraceHandler.
func NewTraceHandler(views *traceview.Builder, logger *zap.Logger) *TraceHandler {
	return &TraceHandler{views: views, logger: logger}
}

// Register mounts the public trace routes on rg.
func (h *TraceHandler) Register(rg *gin.RouterGroup) {
	rg.GET("/batches/:id/trace", h.ByID)
	rg.GET("/trace/:code", h.ByCode)
}

// ByID handles GET /batches/:id/trace.
func (h *TraceHandler) ByID(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	doc, err := h.views.GetBatchTraceability(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, "trace by id", err)
		return
	}
	c.JSON(http.StatusOK, doc)
}

// ByCode handles GET /trace/:code, the URL encoded in packaging QR codes.
func (h *TraceHandler) ByCode(c *gin.Context) {
	doc, err := h.views.GetBatchTraceabilityByCode(c.Request.Context(), c.Param("code"))
	if err != nil {
		respondError(c, h.logger, "trace by code", err)
		return
	}
	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, doc)
}
