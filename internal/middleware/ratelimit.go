package middleware

import (
	"math"
	"net/http"
	"strconv"
	"time"

	"github.com/aman-churiwal/rate-guard/internal/gate"
	"github.com/gin-gonic/gin"
)

// Response headers set on gated requests
const (
	HeaderLimit          = "X-RateLimit-Limit"
	HeaderRemaining      = "X-RateLimit-Remaining"
	HeaderReset          = "X-RateLimit-Reset"
	HeaderBypass         = "X-RateLimit-Bypass"
	HeaderBurstActivated = "X-RateLimit-Burst-Activated"
	HeaderBurstActive    = "X-RateLimit-Burst-Active"
	HeaderRetryAfter     = "Retry-After"
)

// Runs every request through the gate before any handler executes. Blocks
// and throttles take precedence over a failed authentication.
func RateLimit(g *gate.Gate) gin.HandlerFunc {
	return func(c *gin.Context) {
		rc := requestContext(c)
		d := g.Decide(c.Request.Context(), rc)
		c.Set(OutcomeKey, string(d.Outcome))

		switch d.Outcome {
		case gate.OutcomeExempt:
			if !rejectUnauthenticated(c) {
				c.Next()
			}
			return
		case gate.OutcomeBlocked:
			setLimitHeaders(c, d)
			reason := "access denied"
			if d.Override != nil && d.Override.Reason != "" {
				reason = d.Override.Reason
			}
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{
				"status":  "error",
				"code":    "ACCESS_DENIED",
				"message": "Access to this resource has been denied",
				"reason":  reason,
			})
			return
		}

		setLimitHeaders(c, d)

		if !d.Admit {
			retryAfter := retrySeconds(d.RetryAfter)
			c.Header(HeaderRetryAfter, strconv.Itoa(retryAfter))

			caller := gin.H{"userAuthenticated": rc.Authenticated()}
			if rc.Role != "" {
				caller["userRole"] = rc.Role
			}
			if rc.MerchantID != "" {
				caller["merchantId"] = rc.MerchantID
			}

			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{
				"status":             "error",
				"message":            "Rate limit exceeded. Please retry later.",
				"code":               "RATE_LIMIT_EXCEEDED",
				"retryAfter":         retryAfter,
				"burstModeAvailable": d.BurstActivated,
				"context":            caller,
			})
			return
		}

		if rejectUnauthenticated(c) {
			return
		}
		c.Next()
	}
}

func setLimitHeaders(c *gin.Context, d gate.Decision) {
	if d.Unbounded {
		c.Header(HeaderLimit, "unlimited")
		c.Header(HeaderRemaining, "unlimited")
		c.Header(HeaderReset, "unlimited")
		if d.Outcome == gate.OutcomeBypassed {
			c.Header(HeaderBypass, "allowlist")
		}
		return
	}

	c.Header(HeaderLimit, strconv.Itoa(d.Limit))
	c.Header(HeaderRemaining, strconv.Itoa(max(d.Remaining, 0)))
	if !d.ResetAt.IsZero() {
		c.Header(HeaderReset, strconv.FormatInt(d.ResetAt.Unix(), 10))
	}
	if d.BurstActivated {
		c.Header(HeaderBurstActivated, "true")
	}
	if d.BurstActive {
		c.Header(HeaderBurstActive, "true")
	}
}

// Whole seconds, rounded up, never below one
func retrySeconds(d time.Duration) int {
	s := int(math.Ceil(d.Seconds()))
	if s < 1 {
		return 1
	}
	return s
}
