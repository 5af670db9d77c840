package auth

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		name    string
		header  string
		want    string
		wantErr bool
	}{
		{name: "valid", header: "Bearer abc", want: "abc"},
		{name: "padded", header: "Bearer   abc  ", want: "abc"},
		{name: "missing", header: "", wantErr: true},
		{name: "basic", header: "Basic abc", wantErr: true},
		{name: "blank", header: "Bearer   ", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, "/", nil)
			if tt.header != "" {
				req.Header.Set("Authorization", tt.header)
			}
			got, err := ExtractBearerToken(req)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestAuthenticate(t *testing.T) {
	tokens := []TokenConfig{
		{Token: "submitter", Scopes: []string{ScopeMessagesRW}},
		{Token: "reader", Scopes: []string{ScopeRunsRO, " "}},
	}

	admin, ok := Authenticate("admin-key", "admin-key", tokens)
	require.True(t, ok)
	assert.True(t, HasAnyScope(admin, ScopeRunsRO))

	sub, ok := Authenticate("submitter", "admin-key", tokens)
	require.True(t, ok)
	assert.True(t, HasAnyScope(sub, ScopeEventsRO), "submitting implies watching")
	assert.False(t, HasAnyScope(sub, ScopeRunsRO))

	reader, ok := Authenticate("reader", "admin-key", tokens)
	require.True(t, ok)
	assert.Len(t, reader.Scopes, 1)

	_, ok = Authenticate("nope", "admin-key", tokens)
	assert.False(t, ok)
	_, ok = Authenticate("", "", nil)
	assert.False(t, ok)
}
