package identity

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const ctxProducerClaims = "agrotrace_producer_claims"

// RequireToken returns a Gin middleware that enforces a valid Bearer producer
// token. On success the *ProducerClaims are stored in the context.
func RequireToken(tokens *TokenIssuer) gin.HandlerFunc {
	return func(c *gin.Context) {
		authHeader := c.GetHeader("Authorization")
		if !strings.HasPrefix(authHeader, "Bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer token required",
			})
			return
		}

		claims, err := tokens.Verify(strings.TrimPrefix(authHeader, "Bearer "))
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid token: " + err.Error(),
			})
			return
		}

		c.Set(ctxProducerClaims, claims)
		c.Next()
	}
}

// RequireScope aborts with 403 unless the claims set by RequireToken grant
// scope. It must run after RequireToken.
func RequireScope(scope string) gin.HandlerFunc {
	return func(c *gin.Context) {
		if !HasScope(ClaimsFromCtx(c), scope) {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"error": "scope " + scope + " required",
			})
			return
		}
		c.Next()
	}
}

// ClaimsFromCtx retrieves the claims injected by RequireToken, or nil.
func ClaimsFromCtx(c *gin.Context) *ProducerClaims {
	v, _ := c.Get(ctxProducerClaims)
	claims, _ := v.(*ProducerClaims)
	return claims
}

// ActorFromCtx returns the authenticated actor, or "" without a token.
func ActorFromCtx(c *gin.Context) string {
	if claims := ClaimsFromCtx(c); claims != nil {
		return claims.Actor
	}
	return ""
}
