// Package anthropic implements polaris.ModelProvider on the official
// Anthropic SDK.
package anthropic

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	sdk "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/aelish/polaris"
)

// Provider implements polaris.ModelProvider for Anthropic's Messages API.
// Safe for concurrent use; each call creates an independent request.
type Provider struct {
	client       sdk.Client
	defaultModel string
}

var _ polaris.ModelProvider = (*Provider)(nil)

// Option configures a Provider.
type Option func(*Provider, *[]option.RequestOption)

// WithBaseURL overrides the API base URL.
func WithBaseURL(u string) Option {
	return func(_ *Provider, reqOpts *[]option.RequestOption) {
		*reqOpts = append(*reqOpts, option.WithBaseURL(u))
	}
}

// WithDefaultModel sets the model used when a request leaves Model empty.
func WithDefaultModel(model string) Option {
	return func(p *Provider, _ *[]option.RequestOption) { p.defaultModel = model }
}

// New creates a Provider with the given API key.
func New(apiKey string, opts ...Option) *Provider {
	p := &Provider{defaultModel: "claude-sonnet-4-5"}
	reqOpts := []option.RequestOption{option.WithAPIKey(apiKey)}
	for _, o := range opts {
		o(p, &reqOpts)
	}
	p.client = sdk.NewClient(reqOpts...)
	return p
}

// Name returns "anthropic".
func (p *Provider) Name() string { return "anthropic" }

// Complete sends one completion request and returns the full response.
func (p *Provider) Complete(ctx context.Context, req polaris.CompletionRequest) (polaris.CompletionResponse, error) {
	params, err := p.buildParams(req)
	if err != nil {
		return polaris.CompletionResponse{}, err
	}
	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return polaris.CompletionResponse{}, wrapError(err)
	}
	return convertResponse(msg)
}

// Stream sends one completion request, emitting events into ch as they
// arrive, and returns the final assembled response. ch is closed before
// returning.
func (p *Provider) Stream(ctx context.Context, req polaris.CompletionRequest, ch chan<- polaris.StreamEvent) (polaris.CompletionResponse, error) {
	defer close(ch)

	params, err := p.buildParams(req)
	if err != nil {
		return polaris.CompletionResponse{}, err
	}
	stream := p.client.Messages.NewStreaming(ctx, params)
	var acc sdk.Message
	for stream.Next() {
		event := stream.Current()
		if err := acc.Accumulate(event); err != nil {
			return polaris.CompletionResponse{}, fmt.Errorf("anthropic: accumulate: %w", err)
		}
		switch ev := event.AsAny().(type) {
		case sdk.MessageStartEvent:
			emit(ctx, ch, polaris.StreamEvent{Type: polaris.EventMessageStart})
		case sdk.ContentBlockStartEvent:
			emit(ctx, ch, polaris.StreamEvent{Type: polaris.EventContentBlockStart, Index: int(ev.Index)})
		case sdk.ContentBlockDeltaEvent:
			emit(ctx, ch, polaris.StreamEvent{Type: polaris.EventContentBlockDelta, Index: int(ev.Index), Text: ev.Delta.Text})
		case sdk.MessageStopEvent:
			emit(ctx, ch, polaris.StreamEvent{Type: polaris.EventMessageStop})
		}
	}
	if err := stream.Err(); err != nil {
		return polaris.CompletionResponse{}, wrapError(err)
	}
	return convertResponse(&acc)
}

func emit(ctx context.Context, ch chan<- polaris.StreamEvent, ev polaris.StreamEvent) {
	select {
	case ch <- ev:
	case <-ctx.Done():
	}
}

// buildParams converts a request to SDK params. Inline system-role
// messages are merged into the system field.
func (p *Provider) buildParams(req polaris.CompletionRequest) (sdk.MessageNewParams, error) {
	model := req.Model
	if model == "" {
		model = p.defaultModel
	}

	system := req.System
	var messages []sdk.MessageParam
	for _, m := range req.Messages {
		switch m.Role {
		case polaris.RoleSystem:
			if t := m.Text(); t != "" {
				if system != "" {
					system += "\n\n"
				}
				system += t
			}
		case polaris.RoleAssistant:
			content, err := convertBlocks(m.Content)
			if err != nil {
				return sdk.MessageNewParams{}, err
			}
			messages = append(messages, sdk.NewAssistantMessage(content...))
		default:
			// User and tool turns are both user-role on the wire; tool turns
			// carry tool_result blocks.
			content, err := convertBlocks(m.Content)
			if err != nil {
				return sdk.MessageNewParams{}, err
			}
			messages = append(messages, sdk.NewUserMessage(content...))
		}
	}

	params := sdk.MessageNewParams{
		Model:     sdk.Model(model),
		MaxTokens: int64(req.MaxTokens),
		Messages:  messages,
	}
	if system != "" {
		params.System = []sdk.TextBlockParam{{Text: system}}
	}
	if req.Temperature != nil {
		params.Temperature = sdk.Float(*req.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = convertTools(req.Tools)
	}
	return params, nil
}

func convertBlocks(blocks []polaris.ContentBlock) ([]sdk.ContentBlockParamUnion, error) {
	var content []sdk.ContentBlockParamUnion
	for _, blk := range blocks {
		switch blk.Type {
		case polaris.BlockTypeText:
			if blk.Text != "" {
				content = append(content, sdk.NewTextBlock(blk.Text))
			}
		case polaris.BlockTypeToolUse:
			content = append(content, sdk.NewToolUseBlock(blk.ID, blk.Input, blk.Name))
		case polaris.BlockTypeToolResult:
			content = append(content, sdk.NewToolResultBlock(blk.ToolUseID, blk.Content, blk.IsError))
		default:
			return nil, fmt.Errorf("anthropic: unsupported content block type %q", blk.Type)
		}
	}
	return content, nil
}

func convertTools(tools []polaris.ModelTool) []sdk.ToolUnionParam {
	out := make([]sdk.ToolUnionParam, 0, len(tools))
	for _, t := range tools {
		props := make(map[string]any, len(t.InputSchema.Properties))
		for name, ps := range t.InputSchema.Properties {
			prop := map[string]any{"type": ps.Type}
			if ps.Description != "" {
				prop["description"] = ps.Description
			}
			if len(ps.Enum) > 0 {
				prop["enum"] = ps.Enum
			}
			props[name] = prop
		}
		schema := sdk.ToolInputSchemaParam{
			Properties: props,
			Required:   t.InputSchema.Required,
		}
		param := sdk.ToolUnionParamOfTool(schema, t.Name)
		if param.OfTool != nil && t.Description != "" {
			param.OfTool.Description = sdk.String(t.Description)
		}
		out = append(out, param)
	}
	return out
}

func convertResponse(msg *sdk.Message) (polaris.CompletionResponse, error) {
	resp := polaris.CompletionResponse{
		StopReason: string(msg.StopReason),
		Usage: polaris.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	for _, blk := range msg.Content {
		switch variant := blk.AsAny().(type) {
		case sdk.TextBlock:
			resp.Content = append(resp.Content, polaris.TextBlock(variant.Text))
		case sdk.ToolUseBlock:
			var input map[string]any
			if len(variant.Input) > 0 {
				if err := json.Unmarshal(variant.Input, &input); err != nil {
					return polaris.CompletionResponse{}, fmt.Errorf("anthropic: tool input for %s: %w", variant.Name, err)
				}
			}
			resp.Content = append(resp.Content, polaris.ToolUseBlock(variant.ID, variant.Name, input))
		}
	}
	return resp, nil
}

// wrapError converts SDK errors to the typed errors the retry wrapper
// understands. Every API error becomes ErrHTTP carrying its status code and
// any parsed Retry-After; other failures become an ErrProvider that is
// retryable only when the context deadline was exceeded.
func wrapError(err error) error {
	var apierr *sdk.Error
	if errors.As(err, &apierr) {
		he := &polaris.ErrHTTP{Status: apierr.StatusCode, Body: apierr.Error()}
		if apierr.Response != nil {
			if ra := apierr.Response.Header.Get("Retry-After"); ra != "" {
				if d, perr := time.ParseDuration(ra + "s"); perr == nil {
					he.RetryAfter = d
				}
			}
		}
		return he
	}
	return &polaris.ErrProvider{Provider: "anthropic", Message: err.Error(), Retryable: errors.Is(err, context.DeadlineExceeded)}
}
