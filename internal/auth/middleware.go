package auth

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const ctxClaims = "auditrelay_claims"

// Verifier validates bearer session tokens.
type Verifier interface {
	Verify(tokenStr string) (*Claims, error)
}

// RequireSession returns a Gin middleware that enforces a valid session Bearer token.
//
// On success it injects the *Claims into the context.
func RequireSession(v Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr, ok := bearer(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "Bearer session token required",
			})
			return
		}

		claims, err := v.Verify(tokenStr)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "invalid session token",
			})
			return
		}

		c.Set(ctxClaims, claims)
		c.Next()
	}
}

// RequireSecret returns a Gin middleware that accepts only the given static
// Bearer secret. An empty secret rejects every request.
func RequireSecret(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		tokenStr, ok := bearer(c)
		if !ok || secret == "" || subtle.ConstantTimeCompare([]byte(tokenStr), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
			return
		}
		c.Next()
	}
}

// ClaimsFromCtx retrieves the claims injected by RequireSession.
// Returns nil if no session is present in the context.
func ClaimsFromCtx(c *gin.Context) *Claims {
	v, _ := c.Get(ctxClaims)
	claims, _ := v.(*Claims)
	return claims
}

// WithClaims stores claims on the context. Tests and trusted internal
// routes use it to bypass token parsing.
func WithClaims(claims *Claims) gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Set(ctxClaims, claims)
		c.Next()
	}
}

func bearer(c *gin.Context) (string, bool) {
	h := c.GetHeader("Authorization")
	if !strings.HasPrefix(h, "Bearer ") {
		return "", false
	}
	tok := strings.TrimSpace(strings.TrimPrefix(h, "Bearer "))
	return tok, tok != ""
}
