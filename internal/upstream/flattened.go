package upstream

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
)

// flatRequest is the responses-endpoint request shape: the whole conversation
// rendered into one input string. No temperature, no effort.
type flatRequest struct {
	Model           string `json:"model"`
	Input           string `json:"input"`
	MaxOutputTokens int    `json:"max_output_tokens,omitempty"`
}

type flatResponse struct {
	Model  string `json:"model"`
	Status string `json:"status"`
	Output []struct {
		Type    string `json:"type"`
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	} `json:"output"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
		TotalTokens  int `json:"total_tokens"`
	} `json:"usage"`
	Error *apiError `json:"error"`
}

// FlattenTurns renders turns as "Role: content" paragraphs separated by
// blank lines, the input format of the flattened protocol.
func FlattenTurns(turns []Turn) string {
	parts := make([]string, 0, len(turns))
	for _, t := range turns {
		parts = append(parts, titleRole(t.Role)+": "+t.Content)
	}
	return strings.Join(parts, "\n\n")
}

func titleRole(role string) string {
	if role == "" {
		return ""
	}
	lower := strings.ToLower(role)
	return strings.ToUpper(lower[:1]) + lower[1:]
}

func (c *Client) callFlattened(ctx context.Context, baseURL, token string, req Request) (Response, error) {
	payload := flatRequest{
		Model:           req.Profile.Model,
		Input:           FlattenTurns(req.Turns),
		MaxOutputTokens: req.MaxOutputTokens,
	}

	body, err := c.post(ctx, baseURL+"/responses", token, payload)
	if err != nil {
		return Response{}, err
	}

	var result flatResponse
	if err := json.Unmarshal(body, &result); err != nil {
		return Response{}, fmt.Errorf("upstream: unmarshal response: %w", err)
	}
	if result.Error != nil {
		return Response{}, fmt.Errorf("upstream: api error: %s: %s", result.Error.Type, result.Error.Message)
	}

	// Concatenate every output_text fragment under every message block,
	// in order. Anything else (reasoning traces, tool blocks) is skipped.
	var sb strings.Builder
	for _, block := range result.Output {
		if block.Type != "message" {
			continue
		}
		for _, item := range block.Content {
			if item.Type == "output_text" {
				sb.WriteString(item.Text)
			}
		}
	}
	text := sb.String()
	if text == "" {
		c.logger.Warn("upstream: empty completion",
			"model", req.Profile.Model, "status", result.Status)
	}

	return Response{
		Text:         text,
		Model:        coalesce(result.Model, req.Profile.Model),
		FinishReason: result.Status,
		Usage: Usage{
			PromptTokens:     result.Usage.InputTokens,
			CompletionTokens: result.Usage.OutputTokens,
			TotalTokens:      result.Usage.TotalTokens,
		},
	}, nil
}
