package middleware

import (
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

// Keys under which middleware stores values on the gin context
const (
	RequestIDKey      = "request_id"
	RequestContextKey = "request_context"
	OutcomeKey        = "gate_outcome"
	AuthErrorKey      = "auth_error"
)

const requestIDHeader = "X-Request-ID"

// Reuses an inbound request id or assigns a new one
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(requestIDHeader)
		if id == "" || len(id) > 128 {
			id = uuid.NewString()
		}

		c.Set(RequestIDKey, id)
		c.Header(requestIDHeader, id)
		c.Next()
	}
}
