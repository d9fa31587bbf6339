package apierr

import (
	"errors"
	"fmt"
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestAsThroughWrapping(t *testing.T) {
	err := fmt.Errorf("resolve: %w", RouteNotFound("no endpoint billing/x"))

	e, ok := As(err)
	assert.True(t, ok)
	assert.Equal(t, http.StatusNotFound, e.Status)
	assert.True(t, IsKind(err, KindRouteNotFound))
	assert.False(t, IsKind(err, KindAuth))
}

func TestQuotaMessage(t *testing.T) {
	e := Quota(1001, 1000)
	assert.Equal(t, http.StatusTooManyRequests, e.Status)
	assert.Contains(t, e.Message, "1001/1000")
}

func TestSandboxWrapsCause(t *testing.T) {
	cause := errors.New("timeout")
	e := Sandbox(cause)
	assert.ErrorIs(t, e, cause)
	assert.Equal(t, "transformation execution failed: timeout", e.Error())
}

func TestUpstreamErrorStatus(t *testing.T) {
	tests := []struct {
		name   string
		status int
		want   int
	}{
		{name: "transport failure", status: 0, want: http.StatusInternalServerError},
		{name: "client error", status: 404, want: 404},
		{name: "server error", status: 503, want: 503},
		{name: "redirect", status: 302, want: http.StatusInternalServerError},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := &UpstreamError{Status: tt.status}
			assert.Equal(t, tt.want, e.HTTPStatus())
		})
	}
}
