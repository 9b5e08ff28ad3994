package validation

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/davidleathers/compliance-governance-engine/internal/domain/errors"
)

type sample struct {
	Name  string `validate:"required"`
	Email string `validate:"omitempty,email"`
	Count int    `validate:"min=1"`
}

func TestStruct(t *testing.T) {
	assert.NoError(t, Struct("BAD", &sample{Name: "a", Count: 1}))

	err := Struct("BAD_SAMPLE", &sample{Email: "nope"})
	require.Error(t, err)
	assert.True(t, errors.IsType(err, errors.ErrorTypeValidation))

	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "BAD_SAMPLE", appErr.Code)
	assert.Contains(t, appErr.Details, "sample.Name")
	assert.Contains(t, appErr.Details, "sample.Email")
	assert.Contains(t, appErr.Message, "Count failed min=1")
	assert.Equal(t, 400, errors.GetStatusCode(err))
}
