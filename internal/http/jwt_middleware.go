package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"agent-relay/internal/metrics"
	"agent-relay/internal/service"
)

const (
	authClaimsKey = "auth_claims"
	userIDKey     = "user_id"
	// UserIDHeader identifica al usuario cuando el relay corre sin JWT.
	UserIDHeader = "X-User-ID"
)

// IdentityMiddleware fija el usuario de la peticion. Con verifier exige un
// Bearer valido y toma el claim uid; sin verifier confia en X-User-ID y deja
// que el handler use el userId del cuerpo como ultimo recurso.
func IdentityMiddleware(verifier *service.TokenVerifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if verifier == nil {
			if id := strings.TrimSpace(c.GetHeader(UserIDHeader)); id != "" {
				c.Set(userIDKey, id)
			}
			c.Next()
			return
		}

		header := strings.TrimSpace(c.GetHeader("Authorization"))
		if header == "" || !strings.HasPrefix(strings.ToLower(header), "bearer ") {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "missing token"})
			c.Abort()
			return
		}

		token := strings.TrimSpace(header[len("Bearer "):])
		claims, err := verifier.ParseAccessToken(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			c.Abort()
			return
		}

		c.Set(authClaimsKey, claims)
		c.Set(userIDKey, claims.UserID)
		c.Next()
	}
}

// GetAuthClaims obtiene claims de JWT desde el contexto.
func GetAuthClaims(c *gin.Context) (service.Claims, bool) {
	val, ok := c.Get(authClaimsKey)
	if !ok {
		return service.Claims{}, false
	}
	claims, ok := val.(service.Claims)
	return claims, ok
}

// RequestUserID devuelve el usuario autenticado o, si no hay JWT, el fallback
// recibido en el cuerpo.
func RequestUserID(c *gin.Context, fallback string) string {
	if claims, ok := GetAuthClaims(c); ok {
		return claims.UserID
	}
	if id := c.GetString(userIDKey); id != "" {
		return id
	}
	return strings.TrimSpace(fallback)
}

// RateLimitMiddleware rechaza con 429 cuando el usuario (o la IP) supera el limite.
func RateLimitMiddleware(limiter service.RateLimiter, m *metrics.Relay) gin.HandlerFunc {
	return func(c *gin.Context) {
		if limiter == nil {
			c.Next()
			return
		}
		key := c.GetString(userIDKey)
		if key == "" {
			key = "ip:" + c.ClientIP()
		}
		if !limiter.Allow(c.Request.Context(), key) {
			m.RateLimited()
			c.JSON(http.StatusTooManyRequests, gin.H{"error": "rate limit exceeded"})
			c.Abort()
			return
		}
		c.Next()
	}
}
