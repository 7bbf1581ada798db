package middleware

import (
	"net/http"

	"github.com/gin-gonic/gin"

	apperrors "github.com/jwalitptl/opd-queue/pkg/errors"
	"github.com/jwalitptl/opd-queue/pkg/httputil"
)

const DefaultMaxBodySize int64 = 64 << 10

// SizeLimit rejects bodies declared larger than maxBytes and caps the reader
// for bodies that do not declare a length.
func SizeLimit(maxBytes int64) gin.HandlerFunc {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBodySize
	}
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			httputil.RespondWithError(c, apperrors.BadRequest("request body too large", nil))
			c.Abort()
			return
		}
		if c.Request.Body != nil {
			c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		}
		c.Next()
	}
}
