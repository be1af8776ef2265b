package api

import (
	"log/slog"
	"strconv"
	"time"

	"variantlab/internal/errors"
	"variantlab/internal/metrics"

	"github.com/gin-gonic/gin"
)

// requestLogger logs one line per request and records its latency
func requestLogger(logger *slog.Logger, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		elapsed := time.Since(start)

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		status := c.Writer.Status()
		m.HTTPRequestDuration.WithLabelValues(c.Request.Method, route, strconv.Itoa(status)).Observe(elapsed.Seconds())

		level := slog.LevelInfo
		if status >= 500 {
			level = slog.LevelError
		}
		logger.Log(c.Request.Context(), level, "http request",
			"method", c.Request.Method,
			"route", route,
			"status", status,
			"duration_ms", elapsed.Milliseconds())
	}
}

// respondError writes err as {"error", "code"} with its mapped status
func (s *Server) respondError(c *gin.Context, err error) {
	s.respondErrorStatus(c, errors.HTTPStatus(err), err)
}

func (s *Server) respondErrorStatus(c *gin.Context, status int, err error) {
	if status >= 500 {
		s.logger.Error("request failed", "path", c.Request.URL.Path, "err", err)
	} else {
		s.logger.Debug("request rejected", "path", c.Request.URL.Path, "status", status, "err", err)
	}
	c.AbortWithStatusJSON(status, gin.H{
		"error": err.Error(),
		"code":  errors.GetCode(err),
	})
}

// bindJSON decodes the body into dst, answering 400 on malformed input
func (s *Server) bindJSON(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		s.respondError(c, errors.ValidationErrorf("invalid request body: %v", err))
		return false
	}
	return true
}
