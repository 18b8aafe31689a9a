package repository

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"newsletter-go/internal/models"
)

const uniqueViolation = "23505"

type PostgresOptions struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

// OpenPostgres opens a database/sql pool on the pgx driver and verifies it
// with a ping.
func OpenPostgres(ctx context.Context, dsn string, opts PostgresOptions) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open postgres connection: %w", err)
	}

	if opts.MaxOpenConns > 0 {
		db.SetMaxOpenConns(opts.MaxOpenConns)
	}
	if opts.MaxIdleConns > 0 {
		db.SetMaxIdleConns(opts.MaxIdleConns)
	}
	if opts.ConnMaxLifetime > 0 {
		db.SetConnMaxLifetime(opts.ConnMaxLifetime)
	}

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	return db, nil
}

type PostgresSubscriberRepository struct {
	db     *sql.DB
	tracer trace.Tracer
}

func NewPostgresSubscriberRepository(db *sql.DB) *PostgresSubscriberRepository {
	return &PostgresSubscriberRepository{
		db:     db,
		tracer: otel.Tracer("postgres.repository"),
	}
}

func (r *PostgresSubscriberRepository) InsertPendingSubscriber(ctx context.Context, subscriber *models.Subscriber) error {
	ctx, span := r.tracer.Start(ctx, "subscriber.repository.insert_pending",
		trace.WithAttributes(
			attribute.String("subscriber.id", subscriber.ID.String()),
			attribute.String("operation", "database.write"),
			attribute.String("db.system", "postgresql"),
		))
	defer span.End()

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO subscriptions (id, email, name, subscribed_at, status)
		VALUES ($1, $2, $3, $4, $5)
	`, subscriber.ID, subscriber.Email, subscriber.Name, subscriber.SubscribedAt, string(models.StatusPendingConfirmation))
	if err != nil {
		span.RecordError(err)
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			return fmt.Errorf("subscriber with email %s: %w", subscriber.Email, models.ErrSubscriberExists)
		}
		return fmt.Errorf("failed to insert subscriber: %w", err)
	}

	subscriber.Status = models.StatusPendingConfirmation
	span.SetAttributes(attribute.Bool("success", true))
	return nil
}

func (r *PostgresSubscriberRepository) GetByEmail(ctx context.Context, email string) (*models.Subscriber, error) {
	ctx, span := r.tracer.Start(ctx, "subscriber.repository.get_by_email",
		trace.WithAttributes(
			attribute.String("operation", "database.read"),
			attribute.String("db.system", "postgresql"),
		))
	defer span.End()

	var (
		subscriber models.Subscriber
		status     string
	)
	err := r.db.QueryRowContext(ctx, `
		SELECT id, email, name, subscribed_at, status
		FROM subscriptions
		WHERE email = $1
	`, email).Scan(&subscriber.ID, &subscriber.Email, &subscriber.Name, &subscriber.SubscribedAt, &status)
	if errors.Is(err, sql.ErrNoRows) {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, models.ErrSubscriberNotFound
	}
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("failed to get subscriber by email: %w", err)
	}

	subscriber.Status = models.Status(status)
	subscriber.SubscribedAt = subscriber.SubscribedAt.UTC()
	span.SetAttributes(attribute.Bool("found", true))
	return &subscriber, nil
}

func (r *PostgresSubscriberRepository) Ping(ctx context.Context) error {
	return r.db.PingContext(ctx)
}
