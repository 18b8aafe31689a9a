package domain

import (
	"github.com/go-playground/validator/v10"
)

var emailValidator = validator.New()

type SubscriberEmail struct {
	value string
}

// ParseSubscriberEmail delegates the syntax check to the validator package's
// RFC 5322 email rule.
func ParseSubscriberEmail(raw string) (SubscriberEmail, error) {
	if err := emailValidator.Var(raw, "required,email"); err != nil {
		return SubscriberEmail{}, &ValidationError{Kind: InvalidEmail, Input: raw}
	}

	return SubscriberEmail{value: raw}, nil
}

func (e SubscriberEmail) String() string {
	return e.value
}
