package handler

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/aman-churiwal/rate-guard/internal/repository"
	"github.com/aman-churiwal/rate-guard/internal/service"
	"github.com/gin-gonic/gin"
)

// Maps service errors onto status codes
func respondError(c *gin.Context, err error) {
	var verr *service.ValidationError
	switch {
	case errors.As(err, &verr):
		c.JSON(http.StatusBadRequest, verr)
	case errors.Is(err, repository.ErrDuplicateScope), errors.Is(err, service.ErrTickInProgress):
		c.JSON(http.StatusConflict, gin.H{"error": err.Error()})
	case errors.Is(err, service.ErrStoreUnavailable):
		c.JSON(http.StatusServiceUnavailable, gin.H{"error": err.Error()})
	default:
		c.JSON(http.StatusInternalServerError, gin.H{"error": err.Error()})
	}
}

func notFound(c *gin.Context, what string) {
	c.JSON(http.StatusNotFound, gin.H{"error": what + " not found"})
}

// Parses 'from' and 'to' query parameters
func parseTimeRange(c *gin.Context, now time.Time) (time.Time, time.Time, error) {
	// Default: last 24 hours
	to := now
	from := to.Add(-24 * time.Hour)

	if fromStr := c.Query("from"); fromStr != "" {
		parsed, err := parseTime(fromStr)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		from = parsed
	}

	if toStr := c.Query("to"); toStr != "" {
		parsed, err := parseTime(toStr)
		if err != nil {
			return time.Time{}, time.Time{}, err
		}
		to = parsed
	}

	return from.UTC(), to.UTC(), nil
}

// RFC3339 or a Unix timestamp
func parseTime(s string) (time.Time, error) {
	t, err := time.Parse(time.RFC3339, s)
	if err == nil {
		return t, nil
	}
	if timestamp, perr := strconv.ParseInt(s, 10, 64); perr == nil {
		return time.Unix(timestamp, 0), nil
	}
	return time.Time{}, err
}

// Parses limit and offset, clamping limit to [1, max]
func parsePagination(c *gin.Context, def, maxLimit int) (int, int) {
	limit := def
	if limitStr := c.Query("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 && l <= maxLimit {
			limit = l
		}
	}

	offset := 0
	if offsetStr := c.Query("offset"); offsetStr != "" {
		if o, err := strconv.Atoi(offsetStr); err == nil && o >= 0 {
			offset = o
		}
	}

	return limit, offset
}
