package services

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/propledger/backend/internal/apperrors"
)

type TestStruct struct {
	Name  string `validate:"required,min=2"`
	Email string `validate:"required,email"`
	Age   int    `validate:"required,gte=18"`
}

func TestValidationHelper_ValidateStruct(t *testing.T) {
	vh := NewValidationHelper()

	t.Run("valid struct", func(t *testing.T) {
		valid := TestStruct{
			Name:  "John Doe",
			Email: "john@example.com",
			Age:   25,
		}

		err := vh.ValidateStruct(&valid)
		assert.NoError(t, err)
	})

	t.Run("invalid struct - missing required fields", func(t *testing.T) {
		invalid := TestStruct{
			Name: "J", // Too short
			// Email missing
			Age: 16, // Too young
		}

		err := vh.ValidateStruct(&invalid)
		require.Error(t, err)

		appErr, ok := apperrors.As(err)
		require.True(t, ok)
		assert.Equal(t, apperrors.KindValidation, appErr.Kind)
		assert.Len(t, appErr.Details, 3) // Name, Email, Age errors
	})

	t.Run("invalid email format", func(t *testing.T) {
		invalid := TestStruct{
			Name:  "John Doe",
			Email: "invalid-email",
			Age:   25,
		}

		err := vh.ValidateStruct(&invalid)
		appErr, ok := apperrors.As(err)
		require.True(t, ok)
		assert.Len(t, appErr.Details, 1)
		assert.Equal(t, "Field Validation Failed on 'email' tag", appErr.Details["Email"])
	})
}

func TestValidationError_NonValidatorError(t *testing.T) {
	cause := errors.New("unexpected")
	err := ValidationError(cause)
	assert.ErrorIs(t, err, cause)
	assert.Equal(t, apperrors.KindValidation, apperrors.KindOf(err))
}
