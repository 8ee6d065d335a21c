package server

import (
	"crypto/subtle"
	"strings"

	"github.com/gin-gonic/gin"
)

const (
	HeaderInternalKey = "X-Internal-Key"
	bearerPrefix      = "Bearer "
)

// InternalKeyRequired guards service routes with the shared internal key.
// Webhook senders that can only set Authorization may send it as a bearer
// token. An empty configured key disables the check.
func (s *Server) InternalKeyRequired() gin.HandlerFunc {
	expected := []byte(strings.TrimSpace(s.cfg.InternalKey))
	return func(c *gin.Context) {
		if len(expected) == 0 {
			c.Next()
			return
		}

		presented := strings.TrimSpace(c.GetHeader(HeaderInternalKey))
		if presented == "" {
			header := strings.TrimSpace(c.GetHeader("Authorization"))
			if strings.HasPrefix(header, bearerPrefix) {
				presented = strings.TrimSpace(strings.TrimPrefix(header, bearerPrefix))
			}
		}

		if presented == "" || subtle.ConstantTimeCompare([]byte(presented), expected) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}
