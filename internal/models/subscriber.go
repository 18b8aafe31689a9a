package models

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"newsletter-go/internal/domain"
)

var (
	ErrSubscriberNotFound = errors.New("subscriber not found")
	ErrSubscriberExists   = errors.New("subscriber already exists")
)

type Status string

const (
	StatusPendingConfirmation Status = "pending_confirmation"
	StatusConfirmed           Status = "confirmed"
)

type Subscriber struct {
	ID           uuid.UUID `json:"id"`
	Email        string    `json:"email"`
	Name         string    `json:"name"`
	SubscribedAt time.Time `json:"subscribed_at"`
	Status       Status    `json:"status"`
}

type SubscriptionForm struct {
	Name  string `form:"name"`
	Email string `form:"email"`
}

func NewPendingSubscriber(email domain.SubscriberEmail, name domain.SubscriberName) *Subscriber {
	return &Subscriber{
		ID:           uuid.New(),
		Email:        email.String(),
		Name:         name.String(),
		SubscribedAt: time.Now().UTC(),
		Status:       StatusPendingConfirmation,
	}
}
