// Package actor defines the explicit identity value threaded through every call.
package actor

import (
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/smallbiznis/tenancy/pkg/apperror"
)

var (
	ErrInvalidEmail = apperror.Validation("invalid_email", "email address is malformed")
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// Actor is a pre-verified identity claim. ID is opaque; Email may be empty
// when the identity source does not supply one.
type Actor struct {
	ID    string `validate:"required,max=255"`
	Email string `validate:"omitempty,email,max=320"`
}

// New normalizes and validates an identity claim.
func New(id, email string) (Actor, error) {
	a := Actor{
		ID:    strings.TrimSpace(id),
		Email: NormalizeEmail(email),
	}
	if err := a.Validate(); err != nil {
		return Actor{}, err
	}
	return a, nil
}

func (a Actor) Validate() error {
	if err := validate.Struct(a); err != nil {
		if strings.TrimSpace(a.ID) == "" {
			return apperror.ErrInvalidActor
		}
		return ErrInvalidEmail.Wrap(err)
	}
	return nil
}

// EmailDomain returns the lowercase domain part of the actor's email.
func (a Actor) EmailDomain() string {
	return EmailDomain(a.Email)
}

// NormalizeEmail trims and lowercases an email address.
func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// ValidateEmail checks a normalized address.
func ValidateEmail(email string) error {
	if err := validate.Var(email, "required,email,max=320"); err != nil {
		return ErrInvalidEmail.Wrap(err)
	}
	return nil
}

func EmailDomain(email string) string {
	email = NormalizeEmail(email)
	at := strings.LastIndex(email, "@")
	if at < 0 || at == len(email)-1 {
		return ""
	}
	return email[at+1:]
}
