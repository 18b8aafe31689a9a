package repository

import (
	"context"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"newsletter-go/internal/models"
)

type SubscriberRepository interface {
	// InsertPendingSubscriber stores the subscriber with status
	// pending_confirmation, whatever Status the caller set.
	InsertPendingSubscriber(ctx context.Context, subscriber *models.Subscriber) error
	GetByEmail(ctx context.Context, email string) (*models.Subscriber, error)
	Ping(ctx context.Context) error
}

// InMemorySubscriberRepository mirrors the relational schema, including the
// unique constraint on email.
type InMemorySubscriberRepository struct {
	mu          sync.RWMutex
	subscribers map[uuid.UUID]*models.Subscriber
	byEmail     map[string]uuid.UUID
	tracer      trace.Tracer
}

func NewInMemorySubscriberRepository() *InMemorySubscriberRepository {
	return &InMemorySubscriberRepository{
		subscribers: make(map[uuid.UUID]*models.Subscriber),
		byEmail:     make(map[string]uuid.UUID),
		tracer:      otel.Tracer("subscriber-repository"),
	}
}

func (r *InMemorySubscriberRepository) InsertPendingSubscriber(ctx context.Context, subscriber *models.Subscriber) error {
	_, span := r.tracer.Start(ctx, "subscriber.repository.insert_pending",
		trace.WithAttributes(
			attribute.String("subscriber.id", subscriber.ID.String()),
			attribute.String("operation", "database.write"),
		))
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.subscribers[subscriber.ID]; exists {
		err := fmt.Errorf("subscriber with ID %s: %w", subscriber.ID, models.ErrSubscriberExists)
		span.RecordError(err)
		return err
	}
	if _, exists := r.byEmail[subscriber.Email]; exists {
		err := fmt.Errorf("subscriber with email %s: %w", subscriber.Email, models.ErrSubscriberExists)
		span.RecordError(err)
		return err
	}

	subscriber.Status = models.StatusPendingConfirmation
	stored := *subscriber
	r.subscribers[stored.ID] = &stored
	r.byEmail[stored.Email] = stored.ID

	span.SetAttributes(attribute.Bool("success", true))
	return nil
}

func (r *InMemorySubscriberRepository) GetByEmail(ctx context.Context, email string) (*models.Subscriber, error) {
	_, span := r.tracer.Start(ctx, "subscriber.repository.get_by_email",
		trace.WithAttributes(
			attribute.String("operation", "database.read"),
		))
	defer span.End()

	r.mu.RLock()
	defer r.mu.RUnlock()

	id, exists := r.byEmail[email]
	if !exists {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, models.ErrSubscriberNotFound
	}

	found := *r.subscribers[id]
	span.SetAttributes(attribute.Bool("found", true))
	return &found, nil
}

func (r *InMemorySubscriberRepository) Ping(context.Context) error {
	return nil
}
