package upstream

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/ashita-ai/kakehashi/internal/catalog"
)

// turnRequest is the chat-completions request shape. Reasoning-class models
// take max_completion_tokens plus a reasoning effort and must not receive a
// temperature; standard-class models take max_tokens and an optional
// temperature. Exactly one token field is set per request.
type turnRequest struct {
	Model               string   `json:"model"`
	Messages            []Turn   `json:"messages"`
	MaxTokens           int      `json:"max_tokens,omitempty"`
	MaxCompletionTokens int      `json:"max_completion_tokens,omitempty"`
	ReasoningEffort     string   `json:"reasoning_effort,omitempty"`
	Temperature         *float64 `json:"temperature,omitempty"`
}

type turnResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content *string `json:"content"`
		} `json:"message"`
		FinishReason string `json:"finish_reason"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
	Error *apiError `json:"error"`
}

func (c *Client) callTurns(ctx context.Context, baseURL, token string, req Request) (Response, error) {
	payload := turnRequest{
		Model:    req.Profile.Model,
		Messages: req.Turns,
	}
	switch req.Profile.Class {
	case catalog.ClassReasoning:
		payload.MaxCompletionTokens = req.MaxOutputTokens
		payload.ReasoningEffort = coalesce(req.Effort, EffortMedium)
	default:
		payload.MaxTokens = req.MaxOutputTokens
		payload.Temperature = req.Temperature
	}

	body, err := c.post(ctx, baseURL+"/chat/completions", token, payload)
	if err != nil {
		return Response{}, err
	}

	var result turnResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return Response{}, fmt.Errorf("upstream: unmarshal response: %w", err)
	}
	if result.Error != nil {
		return Response{}, fmt.Errorf("upstream: api error: %s: %s", result.Error.Type, result.Error.Message)
	}
	if len(result.Choices) == 0 {
		return Response{}, fmt.Errorf("upstream: response has no choices (model %s)", req.Profile.Model)
	}

	choice := result.Choices[0]
	text := ""
	if choice.Message.Content != nil {
		text = *choice.Message.Content
	}
	if text == "" {
		// A null or empty completion is still a success; callers get "".
		c.logger.Warn("upstream: empty completion",
			"model", req.Profile.Model, "finish_reason", choice.FinishReason)
	}

	return Response{
		Text:         text,
		Model:        coalesce(result.Model, req.Profile.Model),
		FinishReason: choice.FinishReason,
		Usage: Usage{
			PromptTokens:     result.Usage.PromptTokens,
			CompletionTokens: result.Usage.CompletionTokens,
			TotalTokens:      result.Usage.TotalTokens,
		},
	}, nil
}
