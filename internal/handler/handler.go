// Package handler exposes the provenance ledger over HTTP with gin.
package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jmerrifield20/agrotrace/internal/identity"
	"github.com/jmerrifield20/agrotrace/internal/ledger"
	"go.uber.org/zap"
)

// errorStatus maps domain errors to HTTP status codes. Anything unknown is an
// infrastructure failure.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, ledger.ErrBatchNotFound), errors.Is(err, ledger.ErrProofNotFound):
		return http.StatusNotFound
	case errors.Is(err, ledger.ErrBatchSealed),
		errors.Is(err, ledger.ErrConcurrencyConflict),
		errors.Is(err, ledger.ErrDuplicateBatchCode),
		errors.Is(err, ledger.ErrInvalidProofTransition),
		errors.Is(err, ledger.ErrChainInconsistent):
		return http.StatusConflict
	case errors.Is(err, ledger.ErrEmptyLedger):
		return http.StatusUnprocessableEntity
	case errors.Is(err, ledger.ErrInvalidEvent),
		errors.Is(err, ledger.ErrInvalidBatch),
		errors.Is(err, ledger.ErrUnsupportedAnchorType),
		errors.Is(err, ledger.ErrUnsupportedHashVersion):
		return http.StatusBadRequest
	}
	return http.StatusInternalServerError
}

// respondError writes err as {"error": ...}. Internal errors are logged and
// replaced with a generic message.
func respondError(c *gin.Context, logger *zap.Logger, op string, err error) {
	status := errorStatus(err)
	if status == http.StatusInternalServerError {
		logger.Error(op, zap.Error(err), zap.String("path", c.FullPath()))
		c.JSON(status, gin.H{"error": "internal error"})
		return
	}
	c.JSON(status, gin.H{"error": err.Error()})
}

// parseID reads a UUID path parameter, answering 400 when it is malformed.
func parseID(c *gin.Context, name string) (uuid.UUID, bool) {
	id, err := uuid.Parse(c.Param(name))
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": name + " must be a UUID"})
		return uuid.Nil, false
	}
	return id, true
}

// auth gates write routes. With a nil issuer every route is open and writes
// name their actor in the request body.
type auth struct {
	tokens *identity.TokenIssuer
}

// guard prefixes h with RequireToken and RequireScope when auth is
// configured. In development mode h runs unguarded.
func (a auth) guard(scope string, h gin.HandlerFunc) []gin.HandlerFunc {
	if a.tokens == nil {
		return []gin.HandlerFunc{h}
	}
	return []gin.HandlerFunc{identity.RequireToken(a.tokens), identity.RequireScope(scope), h}
}

// actor resolves who is writing: the token subject when auth is on, else the
// actor named in the body.
func (a auth) actor(c *gin.Context, fromBody string) string {
	if a.tokens != nil {
		return identity.ActorFromCtx(c)
	}
	return fromBody
}
