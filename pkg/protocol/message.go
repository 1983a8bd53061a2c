// Package protocol defines the conversation data model shared by the agent
// runtime: messages, their content blocks, and token usage accounting.
//
// Messages are append-mostly. The runner and interceptors append; the only
// destructive operation is checkpoint rollback, which truncates history.
package protocol

import (
	"encoding/json"
	"fmt"
	"time"
)

// Role identifies the author of a message.
type Role string

const (
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
)

// Message is one entry in the conversation history.
type Message struct {
	Role    Role           `json:"role"`
	Content []ContentBlock `json:"content"`

	Timestamp time.Time `json:"timestamp"`

	// CheckpointID links the message to the workspace snapshot taken just
	// before it was appended. Only set on task-initiating user messages.
	CheckpointID string `json:"checkpointId,omitempty"`

	Metadata map[string]any `json:"metadata,omitempty"`
}

// Text returns the concatenated text content of the message.
func (m *Message) Text() string {
	var out string
	for _, b := range m.Content {
		if t, ok := b.(*TextBlock); ok {
			out += t.Text
		}
	}
	return out
}

// ToolUses returns the tool_use blocks of the message in order.
func (m *Message) ToolUses() []*ToolUseBlock {
	var uses []*ToolUseBlock
	for _, b := range m.Content {
		if u, ok := b.(*ToolUseBlock); ok {
			uses = append(uses, u)
		}
	}
	return uses
}

// NewUserText builds a user message holding a single text block.
func NewUserText(text string) *Message {
	return &Message{
		Role:      RoleUser,
		Content:   []ContentBlock{&TextBlock{Text: text}},
		Timestamp: time.Now(),
	}
}

// NewAssistantText builds an assistant message holding a single text block.
func NewAssistantText(text string) *Message {
	return &Message{
		Role:      RoleAssistant,
		Content:   []ContentBlock{&TextBlock{Text: text}},
		Timestamp: time.Now(),
	}
}

// ContentBlock is one element of a message's content sequence.
type ContentBlock interface {
	BlockType() string
}

// TextBlock is plain text content.
type TextBlock struct {
	Text string `json:"text"`
}

func (*TextBlock) BlockType() string { return "text" }

// ImageSourceKind discriminates how image bytes are referenced.
type ImageSourceKind string

const (
	ImageSourceBase64 ImageSourceKind = "base64"
	ImageSourceURL    ImageSourceKind = "url"
)

// ImageBlock is image content, either inline base64 or by URL.
type ImageBlock struct {
	Kind      ImageSourceKind `json:"kind"`
	MediaType string          `json:"mediaType,omitempty"`
	Data      string          `json:"data,omitempty"`
	URL       string          `json:"url,omitempty"`
}

func (*ImageBlock) BlockType() string { return "image" }

// ToolUseBlock is a model-issued request to invoke a tool.
type ToolUseBlock struct {
	ID    string         `json:"id"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

func (*ToolUseBlock) BlockType() string { return "tool_use" }

// ToolResultBlock carries the outcome of a tool invocation back to the model.
type ToolResultBlock struct {
	ToolUseID string         `json:"toolUseId"`
	Name      string         `json:"name"`
	Input     map[string]any `json:"input,omitempty"`
	Success   bool           `json:"success"`
	Content   []ContentBlock `json:"content"`
}

func (*ToolResultBlock) BlockType() string { return "tool_result" }

// FileAttachmentBlock references a file stored with the storage collaborator.
type FileAttachmentBlock struct {
	FileID   string `json:"fileId"`
	MimeType string `json:"mimeType,omitempty"`
}

func (*FileAttachmentBlock) BlockType() string { return "file_attachment" }

// ThinkingBlock is extended-thinking output from the model.
type ThinkingBlock struct {
	Signature string `json:"signature,omitempty"`
	Text      string `json:"text"`
}

func (*ThinkingBlock) BlockType() string { return "thinking" }

// MarshalJSON emits the content sequence with a "type" discriminator per block.
func (m *Message) MarshalJSON() ([]byte, error) {
	type alias Message
	raw := struct {
		*alias
		Content []json.RawMessage `json:"content"`
	}{alias: (*alias)(m)}

	raw.Content = make([]json.RawMessage, 0, len(m.Content))
	for _, b := range m.Content {
		enc, err := MarshalBlock(b)
		if err != nil {
			return nil, err
		}
		raw.Content = append(raw.Content, enc)
	}
	return json.Marshal(raw)
}

// UnmarshalJSON restores the typed content sequence.
func (m *Message) UnmarshalJSON(data []byte) error {
	type alias Message
	raw := struct {
		*alias
		Content []json.RawMessage `json:"content"`
	}{alias: (*alias)(m)}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	m.Content = make([]ContentBlock, 0, len(raw.Content))
	for _, enc := range raw.Content {
		b, err := UnmarshalBlock(enc)
		if err != nil {
			return err
		}
		m.Content = append(m.Content, b)
	}
	return nil
}

// MarshalBlock encodes a single content block with its type tag.
func MarshalBlock(b ContentBlock) ([]byte, error) {
	body, err := json.Marshal(b)
	if err != nil {
		return nil, err
	}
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(body, &fields); err != nil {
		return nil, err
	}
	fields["type"] = json.RawMessage(fmt.Sprintf("%q", b.BlockType()))
	return json.Marshal(fields)
}

// UnmarshalBlock decodes a single tagged content block.
func UnmarshalBlock(data []byte) (ContentBlock, error) {
	var env struct {
		Type string `json:"type"`
	}
	if err := json.Unmarshal(data, &env); err != nil {
		return nil, err
	}

	var block ContentBlock
	switch env.Type {
	case "text":
		block = &TextBlock{}
	case "image":
		block = &ImageBlock{}
	case "tool_use":
		block = &ToolUseBlock{}
	case "tool_result":
		block = &ToolResultBlock{}
	case "file_attachment":
		block = &FileAttachmentBlock{}
	case "thinking":
		block = &ThinkingBlock{}
	default:
		return nil, fmt.Errorf("unknown content block type %q", env.Type)
	}
	if err := json.Unmarshal(data, block); err != nil {
		return nil, err
	}
	return block, nil
}

// UnmarshalJSON for ToolResultBlock needs the same nested block decoding.
func (r *ToolResultBlock) UnmarshalJSON(data []byte) error {
	type alias ToolResultBlock
	raw := struct {
		*alias
		Content []json.RawMessage `json:"content"`
	}{alias: (*alias)(r)}
	if err := json.Unmarshal(data, &raw); err != nil {
		return err
	}
	r.Content = make([]ContentBlock, 0, len(raw.Content))
	for _, enc := range raw.Content {
		b, err := UnmarshalBlock(enc)
		if err != nil {
			return err
		}
		r.Content = append(r.Content, b)
	}
	return nil
}

// MarshalJSON for ToolResultBlock tags its nested content blocks.
func (r *ToolResultBlock) MarshalJSON() ([]byte, error) {
	content := make([]json.RawMessage, 0, len(r.Content))
	for _, b := range r.Content {
		enc, err := MarshalBlock(b)
		if err != nil {
			return nil, err
		}
		content = append(content, enc)
	}
	return json.Marshal(struct {
		ToolUseID string            `json:"toolUseId"`
		Name      string            `json:"name"`
		Input     map[string]any    `json:"input,omitempty"`
		Success   bool              `json:"success"`
		Content   []json.RawMessage `json:"content"`
	}{r.ToolUseID, r.Name, r.Input, r.Success, content})
}
