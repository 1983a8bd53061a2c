// Package tools defines the tool descriptor shared by built-in and
// MCP-derived tools, plus a constructor that builds tools from plain Go
// functions with generated JSON schemas.
package tools

import (
	"context"

	"github.com/zypherlabs/zypher/pkg/protocol"
)

// ExecuteFunc runs a tool invocation.
type ExecuteFunc func(ctx context.Context, input map[string]any) (*Result, error)

// Tool describes one invocable tool. MCP-derived tools carry namespaced
// names of the form mcp__<serverId>__<name>; built-in tools use their plain
// name and shadow MCP entries on collision.
type Tool struct {
	Name         string
	Description  string
	InputSchema  map[string]any
	OutputSchema map[string]any
	Execute      ExecuteFunc
}

// Result is the outcome of a tool invocation. IsError marks a tool-level
// failure that is reported back to the model rather than raised.
type Result struct {
	Content []protocol.ContentBlock
	IsError bool
}

// TextResult wraps plain text as a successful result.
func TextResult(text string) *Result {
	return &Result{Content: []protocol.ContentBlock{&protocol.TextBlock{Text: text}}}
}

// ErrorResult wraps plain text as a failed result.
func ErrorResult(text string) *Result {
	return &Result{
		Content: []protocol.ContentBlock{&protocol.TextBlock{Text: text}},
		IsError: true,
	}
}

// Text returns the concatenated text content of the result.
func (r *Result) Text() string {
	var out string
	for _, b := range r.Content {
		if t, ok := b.(*protocol.TextBlock); ok {
			out += t.Text
		}
	}
	return out
}

// ApprovalHandler decides whether a tool invocation may proceed. Returning
// false rejects the call. The handler must honor ctx cancellation.
type ApprovalHandler func(ctx context.Context, name string, input map[string]any) (bool, error)
