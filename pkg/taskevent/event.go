package taskevent

import (
	"time"

	"github.com/zypherlabs/zypher/pkg/protocol"
)

// Type discriminates task events.
type Type string

const (
	// Model-stream events, forwarded unchanged from the provider.
	TypeTextDelta    Type = "text"
	TypeToolUse      Type = "tool_use"
	TypeToolUseInput Type = "tool_use_input"
	TypeMessage      Type = "message"

	// Tool-dispatch events, piped from the MCP server manager.
	TypeToolUsePendingApproval Type = "tool_use_pending_approval"
	TypeToolUseApproved        Type = "tool_use_approved"
	TypeToolUseRejected        Type = "tool_use_rejected"
	TypeToolUseResult          Type = "tool_use_result"
	TypeToolUseError           Type = "tool_use_error"
	TypeToolUseCancelled       Type = "tool_use_cancelled"

	// Interceptor chain events.
	TypeInterceptorUse    Type = "interceptor_use"
	TypeInterceptorResult Type = "interceptor_result"
	TypeInterceptorError  Type = "interceptor_error"

	// Lifecycle events.
	TypeUsage          Type = "usage"
	TypeCompleted      Type = "completed"
	TypeCancelled      Type = "cancelled"
	TypeHistoryChanged Type = "history_changed"

	// Transport keepalive.
	TypeHeartbeat Type = "heartbeat"
)

// CancelReason distinguishes who aborted a task.
type CancelReason string

const (
	CancelReasonUser    CancelReason = "user"
	CancelReasonTimeout CancelReason = "timeout"
)

// Event is one element of a task's event stream. Only the fields relevant
// to its Type are populated.
type Event struct {
	ID        EventID   `json:"id"`
	Type      Type      `json:"type"`
	Timestamp time.Time `json:"timestamp"`

	// Model stream payloads.
	Text    string               `json:"text,omitempty"`
	Message *protocol.Message    `json:"message,omitempty"`
	Usage   *protocol.TokenUsage `json:"usage,omitempty"`

	// Tool dispatch payloads.
	ToolUseID  string                    `json:"toolUseId,omitempty"`
	ToolName   string                    `json:"toolName,omitempty"`
	ToolInput  map[string]any            `json:"toolInput,omitempty"`
	InputDelta string                    `json:"inputDelta,omitempty"`
	Result     *protocol.ToolResultBlock `json:"result,omitempty"`

	// Interceptor payloads.
	Interceptor string `json:"interceptor,omitempty"`
	Decision    string `json:"decision,omitempty"`

	// Cancellation / rejection / error detail.
	Reason CancelReason `json:"reason,omitempty"`
	Error  string       `json:"error,omitempty"`
}

// IsToolDispatch reports whether the event is one of the six tool-dispatch
// types piped from the MCP server manager onto the task bus.
func (e *Event) IsToolDispatch() bool {
	switch e.Type {
	case TypeToolUsePendingApproval, TypeToolUseApproved, TypeToolUseRejected,
		TypeToolUseResult, TypeToolUseError, TypeToolUseCancelled:
		return true
	}
	return false
}

// IsTerminal reports whether the event ends a task stream.
func (e *Event) IsTerminal() bool {
	return e.Type == TypeCompleted || e.Type == TypeCancelled
}
