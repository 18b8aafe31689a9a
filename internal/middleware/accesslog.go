package middleware

import (
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"newsletter-go/internal/logging"
	"newsletter-go/internal/metrics"
)

func AccessLog(logger *logging.ContextLogger, m *metrics.Metrics) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		path := c.Request.URL.Path
		method := c.Request.Method

		c.Next()

		latency := time.Since(start)
		status := c.Writer.Status()

		if m != nil {
			endpoint := c.FullPath()
			if endpoint == "" {
				endpoint = "unmatched"
			}
			m.HTTPRequestsTotal.WithLabelValues(method, endpoint, strconv.Itoa(status)).Inc()
			m.HTTPRequestDuration.WithLabelValues(method, endpoint).Observe(latency.Seconds())
		}

		logger.WithTracing(c.Request.Context()).WithFields(logrus.Fields{
			"method":     method,
			"path":       path,
			"status":     status,
			"latency_ms": latency.Milliseconds(),
			"user_agent": c.Request.UserAgent(),
		}).Info("HTTP request completed")
	}
}
