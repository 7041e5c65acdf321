package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// SyncAuth guards the trigger and admin routes. A request passes when the
// scheduler header is present and trusted, or when it carries the shared
// secret as a bearer token. With neither configured every request fails.
type SyncAuth struct {
	Secret               string
	SchedulerHeader      string
	TrustSchedulerHeader bool
}

func (a SyncAuth) authorized(r *http.Request) bool {
	if a.TrustSchedulerHeader && a.SchedulerHeader != "" && r.Header.Get(a.SchedulerHeader) != "" {
		return true
	}
	if a.Secret == "" {
		return false
	}

	token, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
	if !ok {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(strings.TrimSpace(token)), []byte(a.Secret)) == 1
}

func (a SyncAuth) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !a.authorized(c.Request) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{
				"error": "unauthorized",
			})
			return
		}
		c.Next()
	}
}
