package contactsdb

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestErrorCode_String(t *testing.T) {
	tests := []struct {
		code ErrorCode
		want string
	}{
		{NoError, "NoError"},
		{DoesNotExist, "DoesNotExist"},
		{BadArgument, "BadArgument"},
		{InvalidDetail, "InvalidDetail"},
		{InvalidRelationship, "InvalidRelationship"},
		{LimitReached, "LimitReached"},
		{NotSupported, "NotSupported"},
		{Locked, "Locked"},
		{Unspecified, "Unspecified"},
		{ErrorCode(999), "Unknown"},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, tt.code.String())
	}
}

func TestError_Unwrap(t *testing.T) {
	cause := errors.New("boom")
	err := unspecified("op", cause)

	assert.ErrorIs(t, err, cause)
	assert.Contains(t, err.Error(), "Unspecified")
	assert.Contains(t, err.Error(), "boom")
}

func TestError_NoCause(t *testing.T) {
	err := newErr("op", DoesNotExist, nil)
	assert.Equal(t, "contactsdb: op: DoesNotExist", err.Error())
}

func TestBatchErrors_Worst(t *testing.T) {
	tests := []struct {
		name string
		errs BatchErrors
		want ErrorCode
	}{
		{"empty", BatchErrors{}, NoError},
		{"nil", nil, NoError},
		{"single", BatchErrors{0: DoesNotExist}, DoesNotExist},
		{"picks most severe", BatchErrors{0: DoesNotExist, 1: Unspecified, 2: BadArgument}, Unspecified},
		{"locked beats bad argument", BatchErrors{0: BadArgument, 1: Locked}, Locked},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.errs.Worst())
		})
	}
}
