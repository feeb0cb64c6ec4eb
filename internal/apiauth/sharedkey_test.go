package apiauth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSharedKey(t *testing.T) {
	t.Run("validate", func(t *testing.T) {
		require.ErrorContains(t, (&SharedKey{}).Validate(), "key is empty")
		require.ErrorContains(t, (&SharedKey{Key: "short"}).Validate(), "at least 16-characters")
		require.NoError(t, (&SharedKey{Key: "0123456789abcdef"}).Validate())
	})

	key := &SharedKey{Key: "0123456789abcdef"}

	t.Run("round trip", func(t *testing.T) {
		r := httptest.NewRequest(http.MethodGet, "/", nil)
		require.NoError(t, key.UpdateRequest(r))
		assert.Equal(t, "Bearer 0123456789abcdef", r.Header.Get("Authorization"))

		ok, err := key.ValidateIncomingRequest(r)
		require.NoError(t, err)
		assert.True(t, ok)
	})

	tests := []struct {
		name   string
		header string
		want   bool
	}{
		{name: "missing", header: "", want: false},
		{name: "wrong key", header: "Bearer fedcba9876543210", want: false},
		{name: "wrong scheme", header: "Basic 0123456789abcdef", want: false},
		{name: "no scheme", header: "0123456789abcdef", want: false},
		{name: "prefix of key", header: "Bearer 0123456789", want: false},
		{name: "case-insensitive scheme", header: "bearer 0123456789abcdef", want: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				r.Header.Set("Authorization", tt.header)
			}
			ok, err := key.ValidateIncomingRequest(r)
			require.NoError(t, err)
			assert.Equal(t, tt.want, ok)
		})
	}
}
