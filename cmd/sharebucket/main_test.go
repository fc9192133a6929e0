package main

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"sharebucket/internal/config"
	"sharebucket/pkg/auth"

	"github.com/stretchr/testify/require"
)

func TestBuildAuthenticator(t *testing.T) {
	t.Parallel()

	require.Nil(t, buildAuthenticator(config.AuthConfig{}), "no credentials means open access")

	engine := buildAuthenticator(config.AuthConfig{
		BearerTokens: []string{"token"},
		BasicUser:    "reader",
		AccessKeys:   []config.StaticAccessKey{{AccessKey: "ak", SecretKey: "sk"}},
	})
	require.NotNil(t, engine)

	compound, ok := engine.(*auth.CompoundAuthEngine)
	require.True(t, ok)
	require.Equal(t, 3, compound.Len())

	req := httptest.NewRequestWithContext(t.Context(), http.MethodGet, "/bucket", nil)
	req.Header.Set("Authorization", auth.BearerPrefix+"token")
	user, err := engine.AuthenticateRequest(t.Context(), req)
	require.NoError(t, err)
	require.NotNil(t, user)
}
