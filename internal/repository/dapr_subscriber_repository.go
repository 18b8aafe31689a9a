package repository

import (
	"context"
	"encoding/json"
	"fmt"

	dapr "github.com/dapr/go-sdk/client"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"newsletter-go/internal/models"
)

const (
	daprEmailIndexPrefix = "subscriber-email:"
	daprPingKey          = "subscriber-ping"
)

// DaprSubscriberRepository keeps each subscriber under its id plus an email
// index entry. The two writes are not atomic and the email check is best
// effort: concurrent submissions for one address may both be stored.
type DaprSubscriberRepository struct {
	client    dapr.Client
	tracer    trace.Tracer
	storeName string
}

func NewDaprSubscriberRepository(client dapr.Client, storeName string) *DaprSubscriberRepository {
	return &DaprSubscriberRepository{
		client:    client,
		tracer:    otel.Tracer("dapr.repository"),
		storeName: storeName,
	}
}

func (r *DaprSubscriberRepository) InsertPendingSubscriber(ctx context.Context, subscriber *models.Subscriber) error {
	ctx, span := r.tracer.Start(ctx, "subscriber.repository.insert_pending",
		trace.WithAttributes(
			attribute.String("subscriber.id", subscriber.ID.String()),
			attribute.String("operation", "database.write"),
			attribute.String("dapr.store", r.storeName),
		))
	defer span.End()

	existing, err := r.client.GetState(ctx, r.storeName, daprEmailIndexPrefix+subscriber.Email, nil)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to read email index from dapr state store: %w", err)
	}
	if existing != nil && len(existing.Value) > 0 {
		err := fmt.Errorf("subscriber with email %s: %w", subscriber.Email, models.ErrSubscriberExists)
		span.RecordError(err)
		return err
	}

	subscriber.Status = models.StatusPendingConfirmation
	data, err := json.Marshal(subscriber)
	if err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to marshal subscriber: %w", err)
	}

	if err := r.client.SaveState(ctx, r.storeName, subscriber.ID.String(), data, nil); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to save subscriber to dapr state store: %w", err)
	}

	if err := r.client.SaveState(ctx, r.storeName, daprEmailIndexPrefix+subscriber.Email, []byte(subscriber.ID.String()), nil); err != nil {
		span.RecordError(err)
		return fmt.Errorf("failed to save email index to dapr state store: %w", err)
	}

	span.SetAttributes(attribute.Bool("success", true))
	return nil
}

func (r *DaprSubscriberRepository) GetByEmail(ctx context.Context, email string) (*models.Subscriber, error) {
	ctx, span := r.tracer.Start(ctx, "subscriber.repository.get_by_email",
		trace.WithAttributes(
			attribute.String("operation", "database.read"),
			attribute.String("dapr.store", r.storeName),
		))
	defer span.End()

	index, err := r.client.GetState(ctx, r.storeName, daprEmailIndexPrefix+email, nil)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to read email index from dapr state store: %w", err)
	}
	if index == nil || len(index.Value) == 0 {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, models.ErrSubscriberNotFound
	}

	item, err := r.client.GetState(ctx, r.storeName, string(index.Value), nil)
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get subscriber from dapr state store: %w", err)
	}
	if item == nil || len(item.Value) == 0 {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, models.ErrSubscriberNotFound
	}

	var subscriber models.Subscriber
	if err := json.Unmarshal(item.Value, &subscriber); err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to unmarshal subscriber: %w", err)
	}

	span.SetAttributes(attribute.Bool("found", true))
	return &subscriber, nil
}

// Ping round-trips a read against the state store through the sidecar.
func (r *DaprSubscriberRepository) Ping(ctx context.Context) error {
	if _, err := r.client.GetState(ctx, r.storeName, daprPingKey, nil); err != nil {
		return fmt.Errorf("dapr state store %s unavailable: %w", r.storeName, err)
	}
	return nil
}
