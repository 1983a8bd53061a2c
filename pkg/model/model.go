// Package model abstracts the streaming LLM provider behind a small
// interface and adapts the Anthropic Messages API to it.
package model

import (
	"context"

	"github.com/zypherlabs/zypher/pkg/attachments"
	"github.com/zypherlabs/zypher/pkg/protocol"
	"github.com/zypherlabs/zypher/pkg/tools"
)

// Request is one streaming inference call.
type Request struct {
	System      string
	Messages    []*protocol.Message
	Tools       []*tools.Tool
	Model       string
	MaxTokens   int
	Temperature float64

	// Attachments maps file IDs referenced by the messages to their
	// cached local copies and signed URLs.
	Attachments map[string]attachments.Cached
}

// EventType discriminates stream events.
type EventType string

const (
	// EventText is an incremental text delta.
	EventText EventType = "text"

	// EventToolUseStart opens a tool_use block.
	EventToolUseStart EventType = "tool_use"

	// EventToolUseInput is an incremental tool input JSON delta.
	EventToolUseInput EventType = "tool_use_input"

	// EventMessage carries the fully assembled assistant message and the
	// stop reason; it is the stream's last content event.
	EventMessage EventType = "message"

	// EventUsage carries the final token accounting.
	EventUsage EventType = "usage"
)

// Event is one element of a model response stream.
type Event struct {
	Type EventType

	Text       string
	ToolUseID  string
	ToolName   string
	InputDelta string

	Message    *protocol.Message
	StopReason protocol.StopReason
	Usage      *protocol.TokenUsage
}

// Stream yields response events. Recv returns io.EOF after the last event.
type Stream interface {
	Recv() (*Event, error)
	Close() error
}

// Provider opens streaming inference calls.
type Provider interface {
	Stream(ctx context.Context, req *Request) (Stream, error)
}
