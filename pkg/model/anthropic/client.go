// Package anthropic adapts the Anthropic Messages streaming API to the
// model.Provider interface.
package anthropic

import (
	"context"
	"errors"
	"fmt"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/zypherlabs/zypher/pkg/model"
)

const (
	// DefaultModel is used when the config names none.
	DefaultModel = string(sdk.ModelClaudeSonnet4_5)

	// DefaultMaxTokens caps completions when a request does not set one.
	DefaultMaxTokens = 8192
)

// Config configures the Anthropic provider.
type Config struct {
	APIKey      string  `yaml:"api_key"`
	Model       string  `yaml:"model"`
	MaxTokens   int     `yaml:"max_tokens"`
	Temperature float64 `yaml:"temperature"`
}

// messageStreamer is the slice of the SDK's message service the client
// needs; tests substitute it.
type messageStreamer interface {
	NewStreaming(ctx context.Context, body sdk.MessageNewParams, opts ...option.RequestOption) *ssestream.Stream[sdk.MessageStreamEventUnion]
}

// Client streams completions from the Anthropic Messages API.
type Client struct {
	msg         messageStreamer
	model       string
	maxTokens   int
	temperature float64
}

// New creates an Anthropic-backed provider.
func New(cfg *Config) (*Client, error) {
	if cfg == nil || cfg.APIKey == "" {
		return nil, errors.New("anthropic: api key is required")
	}
	ac := sdk.NewClient(option.WithAPIKey(cfg.APIKey))

	c := &Client{
		msg:         &ac.Messages,
		model:       cfg.Model,
		maxTokens:   cfg.MaxTokens,
		temperature: cfg.Temperature,
	}
	if c.model == "" {
		c.model = DefaultModel
	}
	if c.maxTokens <= 0 {
		c.maxTokens = DefaultMaxTokens
	}
	return c, nil
}

// Stream opens a streaming completion for the request.
func (c *Client) Stream(ctx context.Context, req *model.Request) (model.Stream, error) {
	params, err := c.encodeRequest(req)
	if err != nil {
		return nil, fmt.Errorf("anthropic: %w", err)
	}
	raw := c.msg.NewStreaming(ctx, *params)
	return newStream(ctx, raw), nil
}

func (c *Client) encodeRequest(req *model.Request) (*sdk.MessageNewParams, error) {
	if len(req.Messages) == 0 {
		return nil, errors.New("messages are required")
	}

	modelID := req.Model
	if modelID == "" {
		modelID = c.model
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = c.maxTokens
	}

	msgs, err := encodeMessages(req.Messages, req.Attachments)
	if err != nil {
		return nil, err
	}

	params := &sdk.MessageNewParams{
		Model:     sdk.Model(modelID),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if req.System != "" {
		params.System = []sdk.TextBlockParam{{Text: req.System}}
	}
	if tools := encodeTools(req.Tools); len(tools) > 0 {
		params.Tools = tools
	}
	temperature := req.Temperature
	if temperature == 0 {
		temperature = c.temperature
	}
	if temperature > 0 {
		params.Temperature = sdk.Float(temperature)
	}
	return params, nil
}

var _ model.Provider = (*Client)(nil)
