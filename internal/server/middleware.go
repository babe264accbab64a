package server

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// requestIDHeader correlates a request across the bridge's own logs,
// adapted from the teacher's middleware.RequestID.
const requestIDHeader = "X-Request-ID"

func requestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(requestIDHeader, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}

// maxExecuteBodyBytes bounds the /execute request body, adapted from the
// teacher's middleware.RequestSizeLimiter. A connector-facing bridge has no
// file uploads, so a single small JSON-sized ceiling is enough.
const maxExecuteBodyBytes = 1 << 20 // 1 MiB

func bodySizeLimiter(maxBytes int64) gin.HandlerFunc {
	return func(c *gin.Context) {
		if c.Request.ContentLength > maxBytes {
			c.AbortWithStatusJSON(http.StatusRequestEntityTooLarge, gin.H{
				"error": gin.H{"code": "invalid_frame", "message": "request body exceeds maximum allowed size"},
			})
			return
		}
		c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, maxBytes)
		c.Next()
	}
}

// requestTimeout aborts a handler that outruns d, adapted from the
// teacher's middleware.Timeout. The WebSocket upgrade route is excluded —
// that connection is meant to live for the server's entire session, not one
// request cycle.
func requestTimeout(d time.Duration, excludedPrefixes ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		path := c.Request.URL.Path
		for _, prefix := range excludedPrefixes {
			if strings.HasPrefix(path, prefix) {
				c.Next()
				return
			}
		}

		ctx, cancel := context.WithTimeout(c.Request.Context(), d)
		defer cancel()
		c.Request = c.Request.WithContext(ctx)

		finished := make(chan struct{})
		go func() {
			c.Next()
			close(finished)
		}()

		select {
		case <-finished:
		case <-ctx.Done():
			c.AbortWithStatusJSON(http.StatusRequestTimeout, gin.H{
				"error": gin.H{"code": "timeout", "message": "request took too long to process"},
			})
		}
	}
}
