// Package mcp manages the fleet of Model-Context-Protocol tool servers: a
// per-server connection state machine, tool discovery and namespacing, and
// a manager that merges server tools with built-ins and mediates
// approval-gated invocation.
package mcp

import (
	"fmt"
	"regexp"
)

// serverIDPattern keeps server IDs safe for embedding in tool names.
var serverIDPattern = regexp.MustCompile(`^[a-zA-Z0-9_-]+$`)

// ValidateServerID checks a server ID against the allowed pattern.
func ValidateServerID(id string) error {
	if !serverIDPattern.MatchString(id) {
		return fmt.Errorf("%w: %q", ErrInvalidServerID, id)
	}
	return nil
}

// Endpoint identifies one MCP server. Exactly one of Command or Remote is
// set.
type Endpoint struct {
	ID   string `json:"id" yaml:"id"`
	Name string `json:"name,omitempty" yaml:"name,omitempty"`

	Command *CommandEndpoint `json:"command,omitempty" yaml:"command,omitempty"`
	Remote  *RemoteEndpoint  `json:"remote,omitempty" yaml:"remote,omitempty"`
}

// CommandEndpoint launches the server as a subprocess speaking stdio.
type CommandEndpoint struct {
	Command string            `json:"command" yaml:"command"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`
}

// RemoteEndpoint reaches the server over streamable HTTP.
type RemoteEndpoint struct {
	URL     string            `json:"url" yaml:"url"`
	Headers map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`

	// OAuth, when set, gates the connection on an authorization code flow.
	OAuth *OAuthConfig `json:"oauth,omitempty" yaml:"oauth,omitempty"`
}

// Validate checks the endpoint shape.
func (e Endpoint) Validate() error {
	if err := ValidateServerID(e.ID); err != nil {
		return err
	}
	switch {
	case e.Command == nil && e.Remote == nil:
		return fmt.Errorf("server %q: either command or remote is required", e.ID)
	case e.Command != nil && e.Remote != nil:
		return fmt.Errorf("server %q: command and remote are mutually exclusive", e.ID)
	case e.Command != nil && e.Command.Command == "":
		return fmt.Errorf("server %q: command path is required", e.ID)
	case e.Remote != nil && e.Remote.URL == "":
		return fmt.Errorf("server %q: remote url is required", e.ID)
	}
	return nil
}

// SourceKind distinguishes how a server was registered.
type SourceKind string

const (
	SourceDirect   SourceKind = "direct"
	SourceRegistry SourceKind = "registry"
)

// Source records the provenance of a server registration.
type Source struct {
	Kind SourceKind `json:"kind"`

	// PackageIdentifier is set for registry-sourced servers, e.g.
	// "@acme/filesystem".
	PackageIdentifier string `json:"packageIdentifier,omitempty"`
}

// ToolNamePrefix namespaces MCP tool names per server.
func ToolNamePrefix(serverID string) string {
	return "mcp__" + serverID + "__"
}

// NamespacedToolName builds the globally unique tool name for a server tool.
func NamespacedToolName(serverID, toolName string) string {
	return ToolNamePrefix(serverID) + toolName
}
