package apperr

import (
	"fmt"
	"net/http"
	"testing"

	pkgerrors "github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
)

func TestCodeOf(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want Code
	}{
		{"nil", nil, ""},
		{"plain", fmt.Errorf("boom"), CodeInternal},
		{"direct", NotFound("hangout not found"), CodeNotFound},
		{"fmt wrapped", fmt.Errorf("ctx: %w", PermissionDenied("nope")), CodePermissionDenied},
		{"pkg wrapped", pkgerrors.Wrap(Conflict("race"), "swap"), CodeConflict},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CodeOf(tt.err))
		})
	}
}

func TestHTTPStatus(t *testing.T) {
	tests := []struct {
		code Code
		want int
	}{
		{CodeNotFound, http.StatusNotFound},
		{CodePermissionDenied, http.StatusForbidden},
		{CodeAlreadyLocked, http.StatusConflict},
		{CodeAlreadyResolved, http.StatusConflict},
		{CodeLimitExceeded, http.StatusConflict},
		{CodeValidation, http.StatusBadRequest},
		{CodeTimeout, http.StatusGatewayTimeout},
		{CodeInternal, http.StatusInternalServerError},
		{CodeUnknown, http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(string(tt.code), func(t *testing.T) {
			assert.Equal(t, tt.want, HTTPStatus(tt.code))
		})
	}
}

func TestMessageOf_HidesInternalErrors(t *testing.T) {
	assert.Equal(t, "internal error", MessageOf(fmt.Errorf("dial tcp 10.0.0.1:5432")))
	assert.Equal(t, "Message is locked: evidence", MessageOf(New(CodeAlreadyLocked, "Message is locked: evidence")))
}

func TestFromStatus(t *testing.T) {
	err := FromStatus(http.StatusForbidden, "", "")
	assert.Equal(t, CodePermissionDenied, CodeOf(err))
	assert.Equal(t, "Forbidden", MessageOf(err))

	err = FromStatus(http.StatusConflict, CodeAlreadyLocked, "already locked")
	assert.Equal(t, CodeAlreadyLocked, CodeOf(err))
}
