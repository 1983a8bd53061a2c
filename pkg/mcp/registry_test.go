package mcp

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegistryResolvePrefersRemote(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v0/servers", r.URL.Path)
		assert.Equal(t, "@acme/search", r.URL.Query().Get("search"))
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"servers":[{
			"name":"@acme/search",
			"remotes":[{"type":"streamable-http","url":"https://mcp.acme.dev","headers":[{"name":"X-Team","value":"core"}]}],
			"packages":[{"registry_type":"npm","identifier":"@acme/search-mcp"}]
		}]}`))
	}))
	defer srv.Close()

	rc := NewRegistryClient(srv.URL)
	endpoint, err := rc.Resolve(context.Background(), "@acme/search")
	require.NoError(t, err)

	assert.Equal(t, "acme-search", endpoint.ID)
	require.NotNil(t, endpoint.Remote)
	assert.Equal(t, "https://mcp.acme.dev", endpoint.Remote.URL)
	assert.Equal(t, "core", endpoint.Remote.Headers["X-Team"])
	assert.Nil(t, endpoint.Command)
}

func TestRegistryResolveFallsBackToPackage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"servers":[{
			"name":"@acme/files",
			"packages":[{"registry_type":"npm","identifier":"@acme/files-mcp","version":"1.2.0"}]
		}]}`))
	}))
	defer srv.Close()

	rc := NewRegistryClient(srv.URL)
	endpoint, err := rc.Resolve(context.Background(), "@acme/files")
	require.NoError(t, err)

	require.NotNil(t, endpoint.Command)
	assert.Equal(t, "npx", endpoint.Command.Command)
	assert.Equal(t, []string{"-y", "@acme/files-mcp@1.2.0"}, endpoint.Command.Args)
}

func TestRegistryResolveNotFound(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"servers":[]}`))
	}))
	defer srv.Close()

	rc := NewRegistryClient(srv.URL)
	_, err := rc.Resolve(context.Background(), "@acme/missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not found")
}

func TestRegistryResolveRejectsBadIdentifier(t *testing.T) {
	rc := NewRegistryClient("http://unused.invalid")
	_, err := rc.Resolve(context.Background(), "not a package!!")
	require.Error(t, err)
}

func TestServerIDFromPackage(t *testing.T) {
	assert.Equal(t, "acme-filesystem", ServerIDFromPackage("@acme/filesystem"))
	assert.Equal(t, "plain", ServerIDFromPackage("plain"))
	assert.Equal(t, "scope-my-pkg", ServerIDFromPackage("@scope/my.pkg"))
}

func TestEndpointValidate(t *testing.T) {
	tests := []struct {
		name     string
		endpoint Endpoint
		wantErr  bool
	}{
		{"stdio ok", Endpoint{ID: "a", Command: &CommandEndpoint{Command: "bin"}}, false},
		{"remote ok", Endpoint{ID: "a", Remote: &RemoteEndpoint{URL: "https://x"}}, false},
		{"bad id", Endpoint{ID: "a b", Command: &CommandEndpoint{Command: "bin"}}, true},
		{"no transport", Endpoint{ID: "a"}, true},
		{"both transports", Endpoint{ID: "a", Command: &CommandEndpoint{Command: "bin"}, Remote: &RemoteEndpoint{URL: "https://x"}}, true},
		{"empty command", Endpoint{ID: "a", Command: &CommandEndpoint{}}, true},
		{"empty url", Endpoint{ID: "a", Remote: &RemoteEndpoint{}}, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.endpoint.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}
