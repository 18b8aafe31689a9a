package handlers

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/heptiolabs/healthcheck"
)

// HealthCheck answers 200 with an empty body while the process is serving.
func HealthCheck(c *gin.Context) {
	c.Status(http.StatusOK)
}

type Pinger interface {
	Ping(ctx context.Context) error
}

// NewReadinessHandler reports ready only while the subscriber store answers
// its ping within timeout.
func NewReadinessHandler(store Pinger, timeout time.Duration) healthcheck.Handler {
	health := healthcheck.NewHandler()
	health.AddReadinessCheck("subscriber-store", func() error {
		ctx, cancel := context.WithTimeout(context.Background(), timeout)
		defer cancel()
		if err := store.Ping(ctx); err != nil {
			return fmt.Errorf("subscriber store unreachable: %w", err)
		}
		return nil
	})
	return health
}
