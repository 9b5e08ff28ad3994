// Package validation wraps go-playground/validator so that every layer
// reports schema failures as typed validation errors.
package validation

import (
	"fmt"
	"strings"
	"sync"

	"github.com/go-playground/validator/v10"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/errors"
)

var (
	once     sync.Once
	instance *validator.Validate
)

// Validator returns the shared validator instance.
func Validator() *validator.Validate {
	once.Do(func() {
		instance = validator.New(validator.WithRequiredStructEnabled())
	})
	return instance
}

// Struct validates v and converts any failure into a validation AppError
// carrying the failed fields in Details.
func Struct(code string, v any) error {
	if err := Validator().Struct(v); err != nil {
		return FromError(code, err)
	}
	return nil
}

// FromError converts validator output into a validation AppError.
func FromError(code string, err error) error {
	verrs, ok := err.(validator.ValidationErrors)
	if !ok {
		return errors.NewValidationError(code, err.Error()).WithCause(err)
	}
	fields := make(map[string]interface{}, len(verrs))
	msgs := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		fields[fe.Namespace()] = fe.Tag()
		if fe.Param() != "" {
			msgs = append(msgs, fmt.Sprintf("%s failed %s=%s", fe.Field(), fe.Tag(), fe.Param()))
		} else {
			msgs = append(msgs, fmt.Sprintf("%s failed %s", fe.Field(), fe.Tag()))
		}
	}
	return errors.NewValidationError(code, strings.Join(msgs, "; ")).WithDetails(fields)
}
