package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"newsletter-go/internal/domain"
	"newsletter-go/internal/emailclient"
	"newsletter-go/internal/logging"
	"newsletter-go/internal/metrics"
	"newsletter-go/internal/models"
	"newsletter-go/internal/repository"
)

const ConfirmationSubject = "Welcome!"

type EmailSender interface {
	Send(ctx context.Context, msg emailclient.Message) error
}

type Outcome string

const (
	Subscribed        Outcome = "subscribed"
	Rejected          Outcome = "rejected"
	PersistenceFailed Outcome = "persistence_failed"
	EmailFailed       Outcome = "email_failed"
)

// Result is the outcome of one subscription attempt. Err holds the cause for
// every outcome except Subscribed; Subscriber is set once the row was stored.
type Result struct {
	Outcome    Outcome
	Subscriber *models.Subscriber
	Err        error
}

type SubscriptionService struct {
	repo    repository.SubscriberRepository
	sender  EmailSender
	logger  *logging.ContextLogger
	metrics *metrics.Metrics
	baseURL string
	tracer  trace.Tracer
}

type Option func(*SubscriptionService)

func WithMetrics(m *metrics.Metrics) Option {
	return func(s *SubscriptionService) {
		s.metrics = m
	}
}

// WithBaseURL sets the public address used to build the confirmation link.
func WithBaseURL(baseURL string) Option {
	return func(s *SubscriptionService) {
		s.baseURL = strings.TrimRight(baseURL, "/")
	}
}

func NewSubscriptionService(repo repository.SubscriberRepository, sender EmailSender, logger *logging.ContextLogger, opts ...Option) *SubscriptionService {
	s := &SubscriptionService{
		repo:    repo,
		sender:  sender,
		logger:  logger,
		baseURL: "http://127.0.0.1:8080",
		tracer:  otel.Tracer("subscription-service"),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Subscribe validates the submission, stores a pending subscriber and sends
// one confirmation email, in that order. A failed send leaves the stored row
// in place. Persistence and dispatch run to completion even if ctx is
// cancelled; the email client's timeout is the only bound.
func (s *SubscriptionService) Subscribe(ctx context.Context, rawName, rawEmail string) Result {
	ctx, span := s.tracer.Start(ctx, "subscription.service.subscribe")
	defer span.End()

	result := s.subscribe(ctx, span, rawName, rawEmail)

	span.SetAttributes(attribute.String("subscription.outcome", string(result.Outcome)))
	if result.Err != nil {
		span.RecordError(result.Err)
		span.SetStatus(codes.Error, string(result.Outcome))
	}
	if s.metrics != nil {
		s.metrics.ObserveSubscription(string(result.Outcome))
	}
	return result
}

func (s *SubscriptionService) subscribe(ctx context.Context, span trace.Span, rawName, rawEmail string) Result {
	name, email, err := parseSubmission(rawName, rawEmail)
	if err != nil {
		s.logger.WarnWithTracing(ctx, "Rejected subscription request", logrus.Fields{
			"reason": err.Error(),
		})
		return Result{Outcome: Rejected, Err: err}
	}

	subscriber := models.NewPendingSubscriber(email, name)
	span.SetAttributes(attribute.String("subscriber.id", subscriber.ID.String()))

	s.logger.InfoWithTracing(ctx, "Adding a new subscriber", logrus.Fields{
		"subscriber_id": subscriber.ID.String(),
		"email":         subscriber.Email,
		"name":          subscriber.Name,
	})

	work := context.WithoutCancel(ctx)

	if err := s.insert(work, subscriber); err != nil {
		return Result{Outcome: PersistenceFailed, Err: err}
	}

	if err := s.sendConfirmation(work, email); err != nil {
		return Result{Outcome: EmailFailed, Subscriber: subscriber, Err: err}
	}

	s.logger.InfoWithTracing(ctx, "New subscriber has been saved and notified", logrus.Fields{
		"subscriber_id": subscriber.ID.String(),
	})
	return Result{Outcome: Subscribed, Subscriber: subscriber}
}

// parseSubmission checks both fields before reporting, so the error names
// every rejected field.
func parseSubmission(rawName, rawEmail string) (domain.SubscriberName, domain.SubscriberEmail, error) {
	name, nameErr := domain.ParseSubscriberName(rawName)
	email, emailErr := domain.ParseSubscriberEmail(rawEmail)
	if err := errors.Join(nameErr, emailErr); err != nil {
		return domain.SubscriberName{}, domain.SubscriberEmail{}, err
	}
	return name, email, nil
}

func (s *SubscriptionService) insert(ctx context.Context, subscriber *models.Subscriber) error {
	ctx, span := s.tracer.Start(ctx, "subscription.service.insert_subscriber",
		trace.WithAttributes(
			attribute.String("subscriber.id", subscriber.ID.String()),
			attribute.String("operation", "database.write"),
		))
	defer span.End()

	if err := s.repo.InsertPendingSubscriber(ctx, subscriber); err != nil {
		err = fmt.Errorf("failed to insert pending subscriber: %w", err)
		s.logger.ErrorWithTracing(ctx, "Failed to save new subscriber", err, logrus.Fields{
			"subscriber_id": subscriber.ID.String(),
		})
		span.RecordError(err)
		return err
	}

	span.SetAttributes(attribute.Bool("success", true))
	return nil
}

func (s *SubscriptionService) sendConfirmation(ctx context.Context, recipient domain.SubscriberEmail) error {
	ctx, span := s.tracer.Start(ctx, "subscription.service.send_confirmation",
		trace.WithAttributes(
			attribute.String("operation", "email.confirmation"),
		))
	defer span.End()

	start := time.Now()
	err := s.sender.Send(ctx, s.ConfirmationEmail(recipient))
	if s.metrics != nil {
		s.metrics.ObserveEmailDispatch(dispatchResult(err), time.Since(start))
	}

	if err != nil {
		err = fmt.Errorf("failed to send confirmation email: %w", err)
		s.logger.ErrorWithTracing(ctx, "Failed to send confirmation email", err, logrus.Fields{
			"recipient": recipient.String(),
		})
		span.RecordError(err)
		return err
	}

	span.SetAttributes(attribute.Bool("success", true))
	return nil
}

// ConfirmationLink is a fixed placeholder; there is no per-subscriber token.
func (s *SubscriptionService) ConfirmationLink() string {
	return s.baseURL + "/subscriptions/confirm"
}

func (s *SubscriptionService) ConfirmationEmail(recipient domain.SubscriberEmail) emailclient.Message {
	link := s.ConfirmationLink()
	return emailclient.Message{
		To:      recipient,
		Subject: ConfirmationSubject,
		HTMLContent: fmt.Sprintf(
			"Welcome to our newsletter!<br />Click <a href=\"%s\">here</a> to confirm your subscription.", link),
		TextContent: fmt.Sprintf(
			"Welcome to our newsletter!\nVisit %s to confirm your subscription.", link),
	}
}

func dispatchResult(err error) string {
	if err == nil {
		return "sent"
	}
	var dispatchErr *emailclient.DispatchError
	if errors.As(err, &dispatchErr) {
		return string(dispatchErr.Kind)
	}
	return "error"
}
