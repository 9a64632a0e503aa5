package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// OriginSet is the set of browser origins allowed to call the service
type OriginSet map[string]bool

// NewOriginSet builds an OriginSet. "*" allows every origin.
func NewOriginSet(origins []string) OriginSet {
	set := make(OriginSet, len(origins))
	for _, o := range origins {
		set[o] = true
	}
	return set
}

// Allowed reports whether origin may connect. Requests without an Origin
// header come from non-browser clients and are allowed.
func (s OriginSet) Allowed(origin string) bool {
	return origin == "" || s["*"] || s[origin]
}

// CORSMiddleware answers preflight requests and rejects disallowed origins
func CORSMiddleware(origins OriginSet) gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.Request.Header.Get("Origin")
		if !origins.Allowed(origin) {
			c.AbortWithStatus(http.StatusForbidden)
			return
		}
		if origin != "" {
			c.Writer.Header().Set("Access-Control-Allow-Origin", origin)
			c.Writer.Header().Set("Access-Control-Allow-Credentials", "true")
		}

		c.Writer.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
		c.Writer.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		c.Writer.Header().Set("Access-Control-Max-Age", "86400")

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}
