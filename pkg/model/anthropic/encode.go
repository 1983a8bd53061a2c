package anthropic

import (
	"fmt"
	"strings"

	sdk "github.com/anthropics/anthropic-sdk-go"

	"github.com/zypherlabs/zypher/pkg/attachments"
	"github.com/zypherlabs/zypher/pkg/protocol"
	"github.com/zypherlabs/zypher/pkg/tools"
)

// encodeMessages converts the history into API message params. File
// attachments resolve through the cache map: image attachments become
// URL image blocks on their signed URL, everything else degrades to a
// reference note the model can read.
func encodeMessages(messages []*protocol.Message, cached map[string]attachments.Cached) ([]sdk.MessageParam, error) {
	out := make([]sdk.MessageParam, 0, len(messages))
	for _, msg := range messages {
		blocks := make([]sdk.ContentBlockParamUnion, 0, len(msg.Content))
		for _, block := range msg.Content {
			encoded, err := encodeBlock(block, cached)
			if err != nil {
				return nil, err
			}
			if encoded != nil {
				blocks = append(blocks, *encoded)
			}
		}
		if len(blocks) == 0 {
			continue
		}
		switch msg.Role {
		case protocol.RoleUser:
			out = append(out, sdk.NewUserMessage(blocks...))
		case protocol.RoleAssistant:
			out = append(out, sdk.NewAssistantMessage(blocks...))
		default:
			return nil, fmt.Errorf("unsupported message role %q", msg.Role)
		}
	}
	return out, nil
}

func encodeBlock(block protocol.ContentBlock, cached map[string]attachments.Cached) (*sdk.ContentBlockParamUnion, error) {
	switch b := block.(type) {
	case *protocol.TextBlock:
		if b.Text == "" {
			return nil, nil
		}
		u := sdk.NewTextBlock(b.Text)
		return &u, nil

	case *protocol.ToolUseBlock:
		input := b.Input
		if input == nil {
			input = map[string]any{}
		}
		u := sdk.NewToolUseBlock(b.ID, input, b.Name)
		return &u, nil

	case *protocol.ToolResultBlock:
		u := sdk.NewToolResultBlock(b.ToolUseID, toolResultText(b), !b.Success)
		return &u, nil

	case *protocol.ThinkingBlock:
		if b.Signature == "" || b.Text == "" {
			return nil, nil
		}
		u := sdk.NewThinkingBlock(b.Signature, b.Text)
		return &u, nil

	case *protocol.ImageBlock:
		return encodeImage(b)

	case *protocol.FileAttachmentBlock:
		entry, ok := cached[b.FileID]
		if !ok {
			// Unknown attachments were already skipped by the cache.
			u := sdk.NewTextBlock(fmt.Sprintf("[attachment %s unavailable]", b.FileID))
			return &u, nil
		}
		if strings.HasPrefix(b.MimeType, "image/") {
			return encodeImage(&protocol.ImageBlock{
				Kind: protocol.ImageSourceURL,
				URL:  entry.SignedURL,
			})
		}
		u := sdk.NewTextBlock(fmt.Sprintf("[attachment %s: %s]", b.FileID, entry.SignedURL))
		return &u, nil

	default:
		return nil, fmt.Errorf("unsupported content block type %q", block.BlockType())
	}
}

func encodeImage(b *protocol.ImageBlock) (*sdk.ContentBlockParamUnion, error) {
	switch b.Kind {
	case protocol.ImageSourceBase64:
		u := sdk.ContentBlockParamUnion{
			OfImage: &sdk.ImageBlockParam{
				Source: sdk.ImageBlockParamSourceUnion{
					OfBase64: &sdk.Base64ImageSourceParam{
						Data:      b.Data,
						MediaType: sdk.Base64ImageSourceMediaType(b.MediaType),
					},
				},
			},
		}
		return &u, nil
	case protocol.ImageSourceURL:
		u := sdk.ContentBlockParamUnion{
			OfImage: &sdk.ImageBlockParam{
				Source: sdk.ImageBlockParamSourceUnion{
					OfURL: &sdk.URLImageSourceParam{URL: b.URL},
				},
			},
		}
		return &u, nil
	default:
		return nil, fmt.Errorf("unsupported image source kind %q", b.Kind)
	}
}

// toolResultText flattens a tool result into text, serializing non-text
// blocks as JSON.
func toolResultText(b *protocol.ToolResultBlock) string {
	var sb strings.Builder
	for _, block := range b.Content {
		switch c := block.(type) {
		case *protocol.TextBlock:
			sb.WriteString(c.Text)
		default:
			if data, err := protocol.MarshalBlock(block); err == nil {
				sb.Write(data)
			}
		}
	}
	return sb.String()
}

func encodeTools(defs []*tools.Tool) []sdk.ToolUnionParam {
	if len(defs) == 0 {
		return nil
	}
	out := make([]sdk.ToolUnionParam, 0, len(defs))
	for _, def := range defs {
		schema := sdk.ToolInputSchemaParam{}
		if def.InputSchema != nil {
			if props, ok := def.InputSchema["properties"]; ok {
				schema.Properties = props
			}
			if required, ok := def.InputSchema["required"]; ok {
				schema.Required = toStringSlice(required)
			}
		}
		u := sdk.ToolUnionParamOfTool(schema, def.Name)
		if u.OfTool != nil && def.Description != "" {
			u.OfTool.Description = sdk.String(def.Description)
		}
		out = append(out, u)
	}
	return out
}

func toStringSlice(v any) []string {
	switch vals := v.(type) {
	case []string:
		return vals
	case []any:
		out := make([]string, 0, len(vals))
		for _, item := range vals {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	default:
		return nil
	}
}
