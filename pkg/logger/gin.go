package logger

import (
	"log/slog"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
)

const (
	headerRequestID = "X-Request-Id"
	ginKey          = "logger"
	attrsKey        = "logger.attrs"
)

// Middleware assigns each request an id and emits one summary line when it
// completes. Routes listed in quiet (matched route patterns, e.g. "/healthz")
// summarize at debug level so probes and scrapes do not flood the log.
//
// The request logger lives on both the gin context and the request context;
// services called with c.Request.Context() log under the same request_id.
func Middleware(l *slog.Logger, quiet ...string) gin.HandlerFunc {
	quietSet := make(map[string]bool, len(quiet))
	for _, p := range quiet {
		quietSet[p] = true
	}

	return func(c *gin.Context) {
		start := time.Now()

		rid := c.GetHeader(headerRequestID)
		if rid == "" {
			rid = uuid.NewString()
		}
		c.Writer.Header().Set(headerRequestID, rid)

		reqLogger := l.With("request_id", rid)
		c.Set(ginKey, reqLogger)
		c.Request = c.Request.WithContext(With(c.Request.Context(), reqLogger))

		c.Next()

		path := c.FullPath()
		if path == "" {
			path = c.Request.URL.Path
		}
		status := c.Writer.Status()

		attrs := []any{
			"method", c.Request.Method,
			"path", path,
			"status", status,
			"duration_ms", time.Since(start).Milliseconds(),
		}
		if extra, ok := c.Get(attrsKey); ok {
			attrs = append(attrs, extra.([]any)...)
		}

		switch {
		case len(c.Errors) > 0:
			reqLogger.Error("request", append(attrs, "errors", c.Errors.String())...)
		case status >= 500:
			reqLogger.Error("request", attrs...)
		case quietSet[path]:
			reqLogger.Debug("request", attrs...)
		default:
			reqLogger.Info("request", attrs...)
		}
	}
}

// Annotate adds key/value pairs to the request's summary line, e.g. the
// provider call id resolved by a webhook handler.
func Annotate(c *gin.Context, kv ...any) {
	var attrs []any
	if v, ok := c.Get(attrsKey); ok {
		attrs = v.([]any)
	}
	c.Set(attrsKey, append(attrs, kv...))
}

// FromGin pulls the request-scoped logger from Gin context.
func FromGin(c *gin.Context) *slog.Logger {
	if v, ok := c.Get(ginKey); ok {
		if l, ok := v.(*slog.Logger); ok && l != nil {
			return l
		}
	}
	return slog.Default()
}
