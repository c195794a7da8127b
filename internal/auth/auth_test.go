package auth

import (
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractBearerToken(t *testing.T) {
	tests := []struct {
		header  string
		want    string
		wantErr bool
	}{
		{header: "", wantErr: true},
		{header: "Basic abc", wantErr: true},
		{header: "Bearer    ", wantErr: true},
		{header: "Bearer  secret ", want: "secret"},
	}
	for _, tt := range tests {
		r := httptest.NewRequest("GET", "/", nil)
		if tt.header != "" {
			r.Header.Set("Authorization", tt.header)
		}
		got, err := ExtractBearerToken(r)
		if tt.wantErr {
			assert.Error(t, err, tt.header)
			continue
		}
		require.NoError(t, err)
		assert.Equal(t, tt.want, got)
	}
}

func TestAuthenticate(t *testing.T) {
	tokens := []TokenConfig{
		{Token: "viewer", Scopes: []string{ScopeRuntimeRO}},
		{Token: "deployer", Scopes: []string{" program:rw "}},
	}

	p, ok := Authenticate("admin-key", "admin-key", tokens)
	require.True(t, ok)
	assert.True(t, HasAnyScope(p, ScopeProgramRW))

	p, ok = Authenticate("deployer", "admin-key", tokens)
	require.True(t, ok)
	assert.Equal(t, "token-1", p.Name)
	assert.True(t, HasAnyScope(p, ScopeProgramRW))
	assert.True(t, HasAnyScope(p, ScopeRuntimeRO), "write implies read")
	assert.False(t, HasAnyScope(p, ScopeRuntimeRW))

	p, ok = Authenticate("viewer", "", tokens)
	require.True(t, ok)
	assert.False(t, HasAnyScope(p, ScopeRuntimeRW, ScopeProgramRW))

	_, ok = Authenticate("nope", "admin-key", tokens)
	assert.False(t, ok)
	_, ok = Authenticate("", "", nil)
	assert.False(t, ok, "empty key must never authenticate")
}

func TestPrincipalContext(t *testing.T) {
	r := httptest.NewRequest("GET", "/", nil)
	_, ok := PrincipalFromContext(r.Context())
	assert.False(t, ok)

	ctx := WithPrincipal(r.Context(), Principal{Name: "admin"})
	p, ok := PrincipalFromContext(ctx)
	require.True(t, ok)
	assert.Equal(t, "admin", p.Name)
}

func TestKnownScope(t *testing.T) {
	assert.True(t, KnownScope("*"))
	assert.True(t, KnownScope(" runtime:rw "))
	assert.False(t, KnownScope("runtime:admin"))
	assert.False(t, KnownScope(""))
}
