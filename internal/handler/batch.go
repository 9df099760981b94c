package handler

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/agrotrace/internal/identity"
	"github.com/jmerrifield20/agrotrace/internal/ledger"
	"github.com/jmerrifield20/agrotrace/internal/traceview"
	"go.uber.org/zap"
)

// BatchHandler serves batch registration, event appends, sealing and
// verification.
type BatchHandler struct {
	svc    *ledger.Service
	auth   auth
	logger *zap.Logger
}

// NewBatchHandler creates a BatchHandler. tokens may be nil to disable auth.
func NewBatchHandler(svc *ledger.Service, tokens *identity.TokenIssuer, logger *zap.Logger) *BatchHandler {
	return &BatchHandler{svc: svc, auth: auth{tokens: tokens}, logger: logger}
}

// Register mounts the batch routes on rg.
func (h *BatchHandler) Register(rg *gin.RouterGroup) {
	b := rg.Group("/batches")
	{
		b.POST("", h.auth.guard(identity.ScopeWrite, h.RegisterBatch)...)
		b.GET("", h.ListBatches)
		b.GET("/:id", h.GetBatch)
		b.POST("/:id/events", h.auth.guard(identity.ScopeWrite, h.AppendEvent)...)
		b.GET("/:id/events", h.ListEvents)
		b.POST("/:id/seal", h.auth.guard(identity.ScopeWrite, h.SealBatch)...)
		b.GET("/:id/verify", h.Verify)
	}
}

type registerBatchRequest struct {
	Code        string    `json:"code" binding:"required"`
	Origin      string    `json:"origin"`
	Variety     string    `json:"variety"`
	HarvestDate time.Time `json:"harvestDate"`
	Quantity    float64   `json:"quantity" binding:"gte=0"`
	Unit        string    `json:"unit"`
}

// RegisterBatch handles POST /batches.
func (h *BatchHandler) RegisterBatch(c *gin.Context) {
	var req registerBatchRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	b, err := h.svc.RegisterBatch(c.Request.Context(), ledger.NewBatch{
		Code:        req.Code,
		Origin:      req.Origin,
		Variety:     req.Variety,
		HarvestDate: req.HarvestDate,
		Quantity:    req.Quantity,
		Unit:        req.Unit,
	})
	if err != nil {
		respondError(c, h.logger, "register batch", err)
		return
	}
	c.JSON(http.StatusCreated, traceview.NewBatchRecord(b))
}

// ListBatches handles GET /batches?limit=&offset=.
func (h *BatchHandler) ListBatches(c *gin.Context) {
	limit, _ := strconv.Atoi(c.DefaultQuery("limit", "50"))
	offset, _ := strconv.Atoi(c.DefaultQuery("offset", "0"))
	if limit <= 0 || limit > 200 {
		limit = 50
	}
	if offset < 0 {
		offset = 0
	}

	batches, err := h.svc.ListBatches(c.Request.Context(), limit, offset)
	if err != nil {
		respondError(c, h.logger, "list batches", err)
		return
	}
	out := make([]traceview.BatchRecord, 0, len(batches))
	for _, b := range batches {
		out = append(out, traceview.NewBatchRecord(b))
	}
	c.JSON(http.StatusOK, gin.H{"batches": out, "count": len(out), "limit": limit, "offset": offset})
}

// GetBatch handles GET /batches/:id.
func (h *BatchHandler) GetBatch(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	b, err := h.svc.GetBatch(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, "get batch", err)
		return
	}
	c.JSON(http.StatusOK, traceview.NewBatchRecord(b))
}

type appendEventRequest struct {
	Type        ledger.EventType  `json:"type" binding:"required"`
	Description string            `json:"description"`
	Location    string            `json:"location"`
	Timestamp   time.Time         `json:"timestamp" binding:"required"`
	Actor       string            `json:"actor"`
	Metadata    map[string]string `json:"metadata"`
	EvidenceURI string            `json:"evidenceUri"`
}

// AppendEvent handles POST /batches/:id/events.
func (h *BatchHandler) AppendEvent(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req appendEventRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	ev, err := h.svc.AppendEvent(c.Request.Context(), id, ledger.EventInput{
		EventType:   req.Type,
		Description: req.Description,
		Location:    req.Location,
		Timestamp:   req.Timestamp,
		Actor:       h.auth.actor(c, req.Actor),
		Metadata:    req.Metadata,
		EvidenceURI: req.EvidenceURI,
	})
	if err != nil {
		respondError(c, h.logger, "append event", err)
		return
	}
	c.JSON(http.StatusCreated, traceview.NewEventRecord(ev))
}

// ListEvents handles GET /batches/:id/events.
func (h *BatchHandler) ListEvents(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	events, err := h.svc.ListEvents(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, "list events", err)
		return
	}
	out := make([]traceview.EventRecord, 0, len(events))
	for _, ev := range events {
		out = append(out, traceview.NewEventRecord(ev))
	}
	c.JSON(http.StatusOK, gin.H{"events": out, "count": len(out)})
}

// SealBatch handles POST /batches/:id/seal.
func (h *BatchHandler) SealBatch(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	b, err := h.svc.SealBatch(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, "seal batch", err)
		return
	}
	c.JSON(http.StatusOK, traceview.NewBatchRecord(b))
}

// Verify handles GET /batches/:id/verify. Detected tampering is a 200 with
// valid=false, not an error.
func (h *BatchHandler) Verify(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	report, err := h.svc.VerifyChainIntegrity(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, "verify chain", err)
		return
	}
	c.JSON(http.StatusOK, report)
}
