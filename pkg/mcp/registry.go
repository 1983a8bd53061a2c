package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"regexp"
	"strings"
	"time"

	"github.com/zypherlabs/zypher/pkg/httpclient"
)

// DefaultRegistryURL is the public MCP server registry.
const DefaultRegistryURL = "https://registry.modelcontextprotocol.io"

// packageIdentifierPattern accepts "name" or "@scope/name".
var packageIdentifierPattern = regexp.MustCompile(`^(@[a-z0-9][a-z0-9._-]*/)?[a-z0-9][a-z0-9._-]*$`)

// RegistryClient resolves package identifiers against an MCP server
// registry.
type RegistryClient struct {
	baseURL string
	http    *httpclient.Client
}

// RegistryOption configures a RegistryClient.
type RegistryOption func(*RegistryClient)

// WithRegistryHTTPClient overrides the HTTP client.
func WithRegistryHTTPClient(c *httpclient.Client) RegistryOption {
	return func(r *RegistryClient) { r.http = c }
}

// NewRegistryClient creates a client for the registry at baseURL. An empty
// baseURL uses the public registry.
func NewRegistryClient(baseURL string, opts ...RegistryOption) *RegistryClient {
	if baseURL == "" {
		baseURL = DefaultRegistryURL
	}
	r := &RegistryClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http: httpclient.New(
			httpclient.WithHTTPClient(&http.Client{Timeout: 30 * time.Second}),
			httpclient.WithMaxRetries(3),
		),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Registry response shapes, reduced to the fields resolution needs.
type registryServer struct {
	Name        string            `json:"name"`
	Description string            `json:"description"`
	Remotes     []registryRemote  `json:"remotes"`
	Packages    []registryPackage `json:"packages"`
}

type registryRemote struct {
	Type    string           `json:"type"`
	URL     string           `json:"url"`
	Headers []registryHeader `json:"headers"`
}

type registryHeader struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

type registryPackage struct {
	RegistryType string   `json:"registry_type"`
	Identifier   string   `json:"identifier"`
	Version      string   `json:"version"`
	RuntimeHint  string   `json:"runtime_hint"`
	RuntimeArgs  []string `json:"runtime_arguments"`
	PackageArgs  []string `json:"package_arguments"`
}

type registryListResponse struct {
	Servers []registryServer `json:"servers"`
}

// Resolve looks up a package identifier and converts the best match into a
// connectable endpoint. Remote transports win over subprocess packages.
func (r *RegistryClient) Resolve(ctx context.Context, packageIdentifier string) (Endpoint, error) {
	if !packageIdentifierPattern.MatchString(packageIdentifier) {
		return Endpoint{}, fmt.Errorf("invalid package identifier %q", packageIdentifier)
	}

	server, err := r.lookup(ctx, packageIdentifier)
	if err != nil {
		return Endpoint{}, err
	}

	endpoint := Endpoint{
		ID:   ServerIDFromPackage(packageIdentifier),
		Name: server.Name,
	}

	for _, remote := range server.Remotes {
		if remote.Type != "streamable-http" && remote.Type != "" {
			continue
		}
		headers := make(map[string]string, len(remote.Headers))
		for _, h := range remote.Headers {
			headers[h.Name] = h.Value
		}
		endpoint.Remote = &RemoteEndpoint{URL: remote.URL, Headers: headers}
		return endpoint, nil
	}

	for _, pkg := range server.Packages {
		cmd, args, ok := packageCommand(pkg)
		if !ok {
			continue
		}
		endpoint.Command = &CommandEndpoint{Command: cmd, Args: args}
		return endpoint, nil
	}

	return Endpoint{}, fmt.Errorf("package %q has no usable transport", packageIdentifier)
}

func (r *RegistryClient) lookup(ctx context.Context, packageIdentifier string) (*registryServer, error) {
	u := fmt.Sprintf("%s/v0/servers?search=%s&version=latest",
		r.baseURL, url.QueryEscape(packageIdentifier))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")

	resp, err := r.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("registry request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("registry returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var list registryListResponse
	if err := json.NewDecoder(resp.Body).Decode(&list); err != nil {
		return nil, fmt.Errorf("parsing registry response: %w", err)
	}
	if len(list.Servers) == 0 {
		return nil, fmt.Errorf("package %q not found in registry", packageIdentifier)
	}

	// Prefer an exact name match over the first search hit.
	for i := range list.Servers {
		if list.Servers[i].Name == packageIdentifier {
			return &list.Servers[i], nil
		}
	}
	return &list.Servers[0], nil
}

// packageCommand maps a registry package entry to a launchable command.
func packageCommand(pkg registryPackage) (string, []string, bool) {
	spec := pkg.Identifier
	if pkg.Version != "" {
		spec += "@" + pkg.Version
	}

	switch {
	case pkg.RuntimeHint != "":
		args := append(append([]string{}, pkg.RuntimeArgs...), spec)
		return pkg.RuntimeHint, append(args, pkg.PackageArgs...), true
	case pkg.RegistryType == "npm":
		return "npx", append([]string{"-y", spec}, pkg.PackageArgs...), true
	case pkg.RegistryType == "pypi":
		return "uvx", append([]string{spec}, pkg.PackageArgs...), true
	default:
		return "", nil, false
	}
}

// ServerIDFromPackage derives a valid server ID from a package identifier,
// e.g. "@acme/filesystem" becomes "acme-filesystem".
func ServerIDFromPackage(packageIdentifier string) string {
	id := strings.TrimPrefix(packageIdentifier, "@")
	id = strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '_', r == '-':
			return r
		default:
			return '-'
		}
	}, id)
	return id
}
