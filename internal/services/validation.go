package services

import (
	"errors"
	"fmt"

	"github.com/go-playground/validator/v10"

	"github.com/propledger/backend/internal/apperrors"
)

// ValidationHelper provides shared validation functionality
type ValidationHelper struct {
	validator *validator.Validate
}

// NewValidationHelper creates a new validation helper
func NewValidationHelper() *ValidationHelper {
	return &ValidationHelper{
		validator: validator.New(),
	}
}

// ValidateStruct validates a struct and returns a classified validation error
func (vh *ValidationHelper) ValidateStruct(s any) error {
	if err := vh.validator.Struct(s); err != nil {
		return ValidationError(err)
	}
	return nil
}

// ValidationError converts validator output into an INVALID_REQUEST error
// whose details name each failing field.
func ValidationError(err error) error {
	appErr := apperrors.Validation(apperrors.CodeInvalidRequest, "request validation failed")

	var fieldErrs validator.ValidationErrors
	if !errors.As(err, &fieldErrs) {
		appErr.Cause = err
		return appErr
	}
	for _, fe := range fieldErrs {
		appErr = appErr.WithDetail(fe.Field(), fmt.Sprintf("Field Validation Failed on '%s' tag", fe.Tag()))
	}
	return appErr
}
