// Package agent implements the multi-hop investigation loop: a reasoning
// model iteratively calls graph tools until it can ground an answer in
// retrieved evidence.
package agent

import (
	"context"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// Turn is one message in the conversation between the loop and the model.
type Turn struct {
	Role       string // "system", "user", "assistant", "tool"
	Content    string
	ToolCalls  []ToolCall // set on assistant turns that request tools
	ToolCallID string     // set on tool turns, matching the assistant's call id
	Name       string     // tool name, set on tool turns
}

// ToolCall is a single tool invocation requested by the model.
type ToolCall struct {
	ID        string
	Name      string
	Arguments json.RawMessage
}

// ToolSpec declares one callable tool to the model.
type ToolSpec struct {
	Name        string
	Description string
	Parameters  json.RawMessage // JSON Schema for the arguments object
}

// Usage is the token accounting for one completion.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// Reply is the model's response to one hop.
type Reply struct {
	Content   string
	ToolCalls []ToolCall
	Usage     Usage
}

// Reasoner produces the next assistant turn given the conversation so far.
// Implementations must be safe for concurrent use.
type Reasoner interface {
	Complete(ctx context.Context, turns []Turn, tools []ToolSpec) (Reply, error)
}

// OpenAIReasoner implements Reasoner over any OpenAI-compatible chat
// completion endpoint with native function calling (OpenAI, vLLM, Ollama's
// OpenAI facade, LM Studio).
type OpenAIReasoner struct {
	client      *openai.Client
	model       string
	temperature float32
	maxTokens   int
}

// OpenAIConfig configures an OpenAIReasoner.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string // empty = api.openai.com
	Model       string
	Temperature float32
	MaxTokens   int // 0 = provider default
}

// NewOpenAIReasoner creates a reasoner backed by a chat completion endpoint.
func NewOpenAIReasoner(cfg OpenAIConfig) *OpenAIReasoner {
	clientCfg := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientCfg.BaseURL = cfg.BaseURL
	}
	return &OpenAIReasoner{
		client:      openai.NewClientWithConfig(clientCfg),
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
	}
}

// Complete sends the conversation and tool declarations, returning the next
// assistant turn.
func (r *OpenAIReasoner) Complete(ctx context.Context, turns []Turn, tools []ToolSpec) (Reply, error) {
	messages := make([]openai.ChatCompletionMessage, 0, len(turns))
	for _, turn := range turns {
		msg := openai.ChatCompletionMessage{
			Role:       turn.Role,
			Content:    turn.Content,
			ToolCallID: turn.ToolCallID,
			Name:       turn.Name,
		}
		for _, tc := range turn.ToolCalls {
			msg.ToolCalls = append(msg.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: string(tc.Arguments),
				},
			})
		}
		messages = append(messages, msg)
	}

	oaTools := make([]openai.Tool, 0, len(tools))
	for _, spec := range tools {
		oaTools = append(oaTools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        spec.Name,
				Description: spec.Description,
				Parameters:  spec.Parameters,
			},
		})
	}

	resp, err := r.client.CreateChatCompletion(ctx, openai.ChatCompletionRequest{
		Model:               r.model,
		Messages:            messages,
		Tools:               oaTools,
		Temperature:         r.temperature,
		MaxCompletionTokens: r.maxTokens,
	})
	if err != nil {
		return Reply{}, fmt.Errorf("agent: chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return Reply{}, fmt.Errorf("agent: chat completion returned no choices")
	}

	choice := resp.Choices[0].Message
	reply := Reply{
		Content: choice.Content,
		Usage: Usage{
			PromptTokens:     resp.Usage.PromptTokens,
			CompletionTokens: resp.Usage.CompletionTokens,
			TotalTokens:      resp.Usage.TotalTokens,
		},
	}
	for _, tc := range choice.ToolCalls {
		reply.ToolCalls = append(reply.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: json.RawMessage(tc.Function.Arguments),
		})
	}
	return reply, nil
}
