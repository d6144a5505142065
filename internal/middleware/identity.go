package middleware

import (
	"net/http"
	"strings"

	"github.com/aman-churiwal/rate-guard/internal/gate"
	"github.com/aman-churiwal/rate-guard/internal/service"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

// Identity builds the gate.RequestContext for every request. Requests
// without a bearer token are anonymous. A token that is present but does not
// verify also leaves the request anonymous and is remembered under
// AuthErrorKey; RateLimit answers 401 once the gate has admitted it, so
// credential guessing is still counted and deny-listed.
func Identity(identityService *service.IdentityService, logger *zap.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		rc := gate.RequestContext{
			IP:        c.ClientIP(),
			Endpoint:  c.Request.URL.Path,
			Method:    c.Request.Method,
			UserAgent: c.Request.UserAgent(),
		}

		authHeader := c.GetHeader("Authorization")
		if authHeader != "" && identityService.Enabled() {
			// Check Bearer prefix
			parts := strings.Split(authHeader, " ")
			if len(parts) != 2 || parts[0] != "Bearer" {
				c.Set(AuthErrorKey, "Invalid authorization header format. Use: Bearer <token>")
			} else if claims, err := identityService.ValidateToken(parts[1]); err != nil {
				logger.Debug("rejected bearer token",
					zap.String("request_id", c.GetString(RequestIDKey)),
					zap.String("client_ip", rc.IP),
					zap.Error(err),
				)
				c.Set(AuthErrorKey, "Invalid or expired token")
			} else {
				rc.UserID = claims.UserID
				rc.Role = claims.Role
				rc.MerchantID = claims.MerchantID
				rc.MerchantName = claims.MerchantName

				// Store user info in context
				c.Set("user_id", claims.UserID)
				c.Set("role", claims.Role)
			}
		}

		c.Set(RequestContextKey, rc)
		c.Next()
	}
}

// Ends a request whose credentials did not verify. Reports whether it did.
func rejectUnauthenticated(c *gin.Context) bool {
	msg := c.GetString(AuthErrorKey)
	if msg == "" {
		return false
	}
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": msg})
	return true
}

// Returns the request context set by Identity, or one built from the
// connection alone
func requestContext(c *gin.Context) gate.RequestContext {
	if v, ok := c.Get(RequestContextKey); ok {
		if rc, ok := v.(gate.RequestContext); ok {
			return rc
		}
	}
	return gate.RequestContext{
		IP:        c.ClientIP(),
		Endpoint:  c.Request.URL.Path,
		Method:    c.Request.Method,
		UserAgent: c.Request.UserAgent(),
	}
}
