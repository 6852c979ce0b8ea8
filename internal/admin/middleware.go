package admin

import (
	"context"
	"crypto/subtle"
	"net/http"

	"github.com/gin-gonic/gin"

	"github.com/kandev/broker/internal/store"
)

const (
	secretSettingKey = "admin_secret"
	secretHeader     = "X-Admin-Secret"
	secretQueryParam = "secret"
)

// resolveSecret returns the shared admin secret, persisting cfg.Auth.Secret
// through the Store on first run (§6.2) so a generated development secret
// survives a restart instead of being regenerated per process.
func resolveSecret(ctx context.Context, s store.Store, configured string) (string, error) {
	return s.SetSettingIfAbsent(ctx, secretSettingKey, configured)
}

// authMiddleware rejects any request whose X-Admin-Secret header or
// `secret` query parameter doesn't match secret, using a constant-time
// comparison to avoid leaking the secret through response timing.
func authMiddleware(secret string) gin.HandlerFunc {
	return func(c *gin.Context) {
		presented := c.GetHeader(secretHeader)
		if presented == "" {
			presented = c.Query(secretQueryParam)
		}
		if subtle.ConstantTimeCompare([]byte(presented), []byte(secret)) != 1 {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or missing admin secret"})
			return
		}
		c.Next()
	}
}
