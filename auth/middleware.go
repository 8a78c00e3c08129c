package auth

import (
	"log/slog"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// Authenticator guards routes with a key requirement.
type Authenticator struct {
	keys     *Keys
	disabled bool
}

// New returns an Authenticator for keys. When disabled every request is let
// through.
func New(keys *Keys, disabled bool) *Authenticator {
	if disabled {
		slog.Warn("authentication is disabled; anyone who can reach this server can use it")
	}
	return &Authenticator{keys: keys, disabled: disabled}
}

// header names the key header checked first for each tier.
var header = map[Tier]string{
	TierAPI:   "X-Api-Key",
	TierAdmin: "X-Admin-Key",
}

var noun = map[Tier]string{
	TierAPI:   "API key",
	TierAdmin: "admin key",
}

const permissionKey = "auth.permission"

// Granted returns the tier of the key that passed Require, or "" when
// authentication is disabled.
func Granted(c *gin.Context) Tier {
	v, _ := c.Get(permissionKey)
	tier, _ := v.(Tier)
	return tier
}

func grants(granted, tier Tier) bool {
	return granted == tier || granted == TierAdmin
}

// Require answers 401 unless the request carries a key granting tier,
// either in the tier's header or as a bearer token.
func (a *Authenticator) Require(tier Tier) gin.HandlerFunc {
	return func(c *gin.Context) {
		if a.disabled {
			c.Next()
			return
		}

		key := c.GetHeader(header[tier])
		if key == "" {
			key = c.GetHeader("Authorization")
			if key == "" {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Please provide an " + noun[tier]})
				return
			}

			if scheme, _, ok := strings.Cut(key, " "); !ok || !strings.EqualFold(scheme, "bearer") {
				c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid " + noun[tier]})
				return
			}
		}

		granted, err := a.keys.Permission(key)
		if err != nil || !grants(granted, tier) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Invalid " + noun[tier]})
			return
		}

		c.Set(permissionKey, granted)
		c.Next()
	}
}
