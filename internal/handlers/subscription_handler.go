package handlers

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"newsletter-go/internal/logging"
	"newsletter-go/internal/models"
	"newsletter-go/internal/service"
)

type SubscriptionWorkflow interface {
	Subscribe(ctx context.Context, rawName, rawEmail string) service.Result
}

type SubscriptionHandler struct {
	workflow SubscriptionWorkflow
	logger   *logging.ContextLogger
	tracer   trace.Tracer
}

func NewSubscriptionHandler(workflow SubscriptionWorkflow, logger *logging.ContextLogger) *SubscriptionHandler {
	return &SubscriptionHandler{
		workflow: workflow,
		logger:   logger,
		tracer:   otel.Tracer("subscription-handler"),
	}
}

// Subscribe handles POST /subscriptions. Bodies are always empty; the cause
// of a failure is only logged.
func (h *SubscriptionHandler) Subscribe(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "subscription.handler.subscribe")
	defer span.End()

	var form models.SubscriptionForm
	if err := c.ShouldBind(&form); err != nil {
		h.logger.ErrorWithTracing(ctx, "Invalid subscription form", err, logrus.Fields{
			"endpoint": "POST /subscriptions",
		})
		span.RecordError(err)
		c.Status(http.StatusBadRequest)
		return
	}

	result := h.workflow.Subscribe(ctx, form.Name, form.Email)
	status := StatusForOutcome(result.Outcome)

	span.SetAttributes(
		attribute.String("subscription.outcome", string(result.Outcome)),
		attribute.Int("http.status_code", status),
	)

	if result.Err != nil {
		h.logger.WarnWithTracing(ctx, "Subscription request did not complete", logrus.Fields{
			"endpoint": "POST /subscriptions",
			"outcome":  result.Outcome,
			"status":   status,
		})
	}

	c.Status(status)
}

func StatusForOutcome(outcome service.Outcome) int {
	switch outcome {
	case service.Subscribed:
		return http.StatusOK
	case service.Rejected:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}
