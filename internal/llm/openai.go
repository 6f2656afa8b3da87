package llm

import (
	"context"
	"errors"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIClient adapts any OpenAI-compatible chat endpoint to Client.
type OpenAIClient struct {
	api          *openai.Client
	defaultModel string
}

// NewOpenAI builds a client against the given endpoint. baseURL may be empty
// for the public API; defaultModel is used when a request names none.
func NewOpenAI(apiKey, baseURL, defaultModel string) (*OpenAIClient, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, &ConfigurationError{Message: "missing API key"}
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = strings.TrimRight(baseURL, "/")
	}
	return &OpenAIClient{api: openai.NewClientWithConfig(cfg), defaultModel: defaultModel}, nil
}

func (c *OpenAIClient) Complete(ctx context.Context, req Request) (Response, error) {
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	if model == "" {
		return Response{}, &ConfigurationError{Message: "no model configured"}
	}

	ccr := openai.ChatCompletionRequest{
		Model:       model,
		Temperature: req.Temperature,
		MaxTokens:   req.MaxTokens,
	}
	if req.System != "" {
		ccr.Messages = append(ccr.Messages, openai.ChatCompletionMessage{
			Role: openai.ChatMessageRoleSystem, Content: req.System,
		})
	}
	ccr.Messages = append(ccr.Messages, openai.ChatCompletionMessage{
		Role: openai.ChatMessageRoleUser, Content: req.User,
	})
	if req.ForceJSON {
		ccr.ResponseFormat = &openai.ChatCompletionResponseFormat{
			Type: openai.ChatCompletionResponseFormatTypeJSONObject,
		}
	}

	resp, err := c.api.CreateChatCompletion(ctx, ccr)
	if err != nil {
		return Response{}, classifyOpenAIError(err)
	}
	if len(resp.Choices) == 0 {
		return Response{}, ErrorFromHTTPStatus("openai", 0, "empty choices in completion response", nil)
	}
	return Response{
		Content:      resp.Choices[0].Message.Content,
		Model:        resp.Model,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}, nil
}

func classifyOpenAIError(err error) error {
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		var retryAfter *time.Duration
		return ErrorFromHTTPStatus("openai", apiErr.HTTPStatusCode, apiErr.Message, retryAfter)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return ErrorFromHTTPStatus("openai", reqErr.HTTPStatusCode, reqErr.Error(), nil)
	}
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return err
	}
	// Transport-level failure with no HTTP status.
	return ErrorFromHTTPStatus("openai", 0, err.Error(), nil)
}
