package core

import (
	"errors"
	"strings"

	"github.com/go-playground/validator/v10"

	"kickoff/internal/types"
)

// Validator wraps go-playground/validator and maps failures to AppErrors.
type Validator struct {
	v *validator.Validate
}

// NewValidator creates a Validator.
func NewValidator() *Validator {
	return &Validator{v: validator.New(validator.WithRequiredStructEnabled())}
}

// ValidateStruct validates s. Field failures are reported in the error
// details keyed by the lower-cased field name.
func (val *Validator) ValidateStruct(s any) error {
	err := val.v.Struct(s)
	if err == nil {
		return nil
	}
	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		return types.NewAppError(types.ErrCodeValidationTrigger, "invalid request", err)
	}
	details := make(map[string]any, len(fieldErrs))
	for _, fe := range fieldErrs {
		details[strings.ToLower(fe.Field())] = fe.Tag()
	}
	return types.NewAppErrorWithDetails(types.ErrCodeValidationTrigger, "request failed validation", err, details)
}
