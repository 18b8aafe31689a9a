package domain

import (
	"strings"

	"github.com/rivo/uniseg"
)

const MaxNameLength = 256

const forbiddenNameCharacters = `/()"<>\{}`

type SubscriberName struct {
	value string
}

// ParseSubscriberName accepts a name that is non-blank, at most MaxNameLength
// user-perceived characters long and free of forbiddenNameCharacters.
func ParseSubscriberName(raw string) (SubscriberName, error) {
	isBlank := strings.TrimSpace(raw) == ""
	isTooLong := uniseg.GraphemeClusterCount(raw) > MaxNameLength
	hasForbidden := strings.ContainsAny(raw, forbiddenNameCharacters)

	if isBlank || isTooLong || hasForbidden {
		return SubscriberName{}, &ValidationError{Kind: InvalidName, Input: raw}
	}

	return SubscriberName{value: raw}, nil
}

func (n SubscriberName) String() string {
	return n.value
}
