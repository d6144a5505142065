package proxy

import (
	"errors"
	"net/http"
	"net/http/httputil"
	"net/url"

	"github.com/aman-churiwal/rate-guard/internal/circuitbreaker"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

var errUpstream = errors.New("upstream returned a server error")

// Forwards admitted requests for one service to its upstream
type Proxy struct {
	target         *url.URL
	reverseProxy   *httputil.ReverseProxy
	circuitBreaker *circuitbreaker.CircuitBreaker
	logger         *zap.Logger
}

type Config struct {
	Target         string
	CircuitBreaker circuitbreaker.Config
}

func New(cfg Config, logger *zap.Logger) (*Proxy, error) {
	if cfg.Target == "" {
		return nil, errors.New("a target is required")
	}

	target, err := url.Parse(cfg.Target)
	if err != nil {
		return nil, err
	}
	if target.Scheme == "" || target.Host == "" {
		return nil, errors.New("target must be an absolute URL")
	}

	if logger == nil {
		logger = zap.NewNop()
	}
	logger = logger.With(zap.String("component", "proxy"), zap.String("target", cfg.Target))

	rp := httputil.NewSingleHostReverseProxy(target)
	rp.ErrorHandler = func(w http.ResponseWriter, r *http.Request, err error) {
		logger.Warn("upstream request failed", zap.String("path", r.URL.Path), zap.Error(err))
		w.WriteHeader(http.StatusBadGateway)
	}

	logger.Info("proxy initialized")

	return &Proxy{
		target:         target,
		reverseProxy:   rp,
		circuitBreaker: circuitbreaker.New(cfg.CircuitBreaker),
		logger:         logger,
	}, nil
}

// Forwards the request to the upstream
func (p *Proxy) Handle(c *gin.Context) {
	err := p.circuitBreaker.Call(func() error {
		// Create a response recorder to capture status
		recorder := &responseRecorder{
			ResponseWriter: c.Writer,
			statusCode:     http.StatusOK,
		}

		req := c.Request
		req.Header.Set("X-Forwarded-Host", req.Host)
		req.Host = p.target.Host

		if clientIP := c.ClientIP(); clientIP != "" {
			req.Header.Set("X-Forwarded-For", clientIP)
		}
		if id := c.GetString("request_id"); id != "" {
			req.Header.Set("X-Request-ID", id)
		}

		c.Writer = recorder
		p.reverseProxy.ServeHTTP(c.Writer, req)

		if recorder.statusCode >= 500 {
			return errUpstream
		}
		return nil
	})

	if errors.Is(err, circuitbreaker.ErrCircuitOpen) {
		p.logger.Warn("circuit breaker open")
		c.JSON(http.StatusServiceUnavailable, gin.H{
			"error": "Service temporarily unavailable",
		})
	}
	// Other errors have already been written by the reverse proxy
}

func (p *Proxy) CircuitBreaker() *circuitbreaker.CircuitBreaker {
	return p.circuitBreaker
}

// Captures the response status code
type responseRecorder struct {
	gin.ResponseWriter
	statusCode int
}

func (r *responseRecorder) WriteHeader(statusCode int) {
	r.statusCode = statusCode
	r.ResponseWriter.WriteHeader(statusCode)
}
