package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/jmerrifield20/agrotrace/internal/identity"
	"github.com/jmerrifield20/agrotrace/internal/ledger"
	"github.com/jmerrifield20/agrotrace/internal/traceview"
	"go.uber.org/zap"
)

// ProofHandler serves integrity proofs.
type ProofHandler struct {
	svc    *ledger.Service
	auth   auth
	logger *zap.Logger
}

// NewProofHandler creates a ProofHandler. tokens may be nil to disable auth.
func NewProofHandler(svc *ledger.Service, tokens *identity.TokenIssuer, logger *zap.Logger) *ProofHandler {
	return &ProofHandler{svc: svc, auth: auth{tokens: tokens}, logger: logger}
}

// Register mounts the proof routes on rg.
func (h *ProofHandler) Register(rg *gin.RouterGroup) {
	rg.POST("/batches/:id/proofs", h.auth.guard(identity.ScopeWrite, h.CreateProof)...)
	rg.GET("/batches/:id/proofs", h.ListProofs)

	p := rg.Group("/proofs")
	{
		p.GET("/:id", h.GetProof)
		p.GET("/:id/verify", h.VerifyProof)
		p.POST("/:id/confirm", h.auth.guard(identity.ScopeAdmin, h.ConfirmProof)...)
	}
}

type createProofRequest struct {
	AnchorType ledger.AnchorType `json:"anchorType"`
}

// CreateProof handles POST /batches/:id/proofs. The anchor type defaults to
// internal.
func (h *ProofHandler) CreateProof(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req createProofRequest
	if c.Request.ContentLength != 0 {
		if err := c.ShouldBindJSON(&req); err != nil {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
	}
	if req.AnchorType == "" {
		req.AnchorType = ledger.AnchorInternal
	}

	p, err := h.svc.CreateIntegrityProof(c.Request.Context(), id, req.AnchorType)
	if err != nil {
		respondError(c, h.logger, "create proof", err)
		return
	}
	c.JSON(http.StatusCreated, traceview.FromProof(p))
}

// ListProofs handles GET /batches/:id/proofs.
func (h *ProofHandler) ListProofs(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	proofs, err := h.svc.ListProofs(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, "list proofs", err)
		return
	}
	out := make([]traceview.Proof, 0, len(proofs))
	for _, p := range proofs {
		out = append(out, traceview.FromProof(p))
	}
	c.JSON(http.StatusOK, gin.H{"proofs": out, "count": len(out)})
}

// GetProof handles GET /proofs/:id.
func (h *ProofHandler) GetProof(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	p, err := h.svc.GetProof(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, "get proof", err)
		return
	}
	c.JSON(http.StatusOK, traceview.FromProof(p))
}

// VerifyProof handles GET /proofs/:id/verify.
func (h *ProofHandler) VerifyProof(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	check, err := h.svc.VerifyProof(c.Request.Context(), id)
	if err != nil {
		respondError(c, h.logger, "verify proof", err)
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"proof":      traceview.FromProof(check.Proof),
		"matches":    check.Matches,
		"chainValid": check.ChainValid,
		"message":    check.Message,
	})
}

type confirmProofRequest struct {
	Verified *bool `json:"verified" binding:"required"`
}

// ConfirmProof handles POST /proofs/:id/confirm: the verdict of the external
// anchor for a pending proof.
func (h *ProofHandler) ConfirmProof(c *gin.Context) {
	id, ok := parseID(c, "id")
	if !ok {
		return
	}
	var req confirmProofRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	p, err := h.svc.ConfirmProof(c.Request.Context(), id, *req.Verified)
	if err != nil {
		respondError(c, h.logger, "confirm proof", err)
		return
	}
	c.JSON(http.StatusOK, traceview.FromProof(p))
}
