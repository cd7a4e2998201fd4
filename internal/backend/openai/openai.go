// Package openai adapts OpenAI-compatible deployments to the canonical
// backend client contract. Credentials and endpoint come from the
// deployment's parameter map, so one adapter instance serves any number
// of deployments.
package openai

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	openaiSDK "github.com/openai/openai-go/v3"
	"github.com/openai/openai-go/v3/option"

	"github.com/IolandaManzali/litellm/internal/backend"
)

const (
	backendName    = "openai"
	requestTimeout = 30 * time.Second
)

type Client struct {
	httpClient *http.Client
}

var _ backend.Client = (*Client)(nil)

func New() *Client {
	return &Client{httpClient: &http.Client{Timeout: requestTimeout}}
}

func (c *Client) Name() string { return backendName }

// Call dispatches one chat request against the deployment described by
// params. Recognized parameters: model (required), api_key, api_base.
func (c *Client) Call(ctx context.Context, params map[string]string, req *backend.ChatRequest) (*backend.ChatResponse, error) {
	key := params["api_key"]
	if key == "" {
		return nil, fmt.Errorf("openai: deployment has no api key configured")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithHTTPClient(c.httpClient),
	}
	if base := params["api_base"]; base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	cli := openaiSDK.NewClient(opts...)

	resp, err := cli.Chat.Completions.New(ctx, buildParams(params["model"], req))
	if err != nil {
		return nil, toBackendError(err)
	}

	content := ""
	if len(resp.Choices) > 0 {
		content = resp.Choices[0].Message.Content
	}

	return &backend.ChatResponse{
		ID:      resp.ID,
		Model:   resp.Model,
		Content: content,
		Usage: backend.Usage{
			InputTokens:  int(resp.Usage.PromptTokens),
			OutputTokens: int(resp.Usage.CompletionTokens),
		},
	}, nil
}

func buildParams(model string, req *backend.ChatRequest) openaiSDK.ChatCompletionNewParams {
	msgs := make([]openaiSDK.ChatCompletionMessageParamUnion, 0, len(req.Messages))
	for _, m := range req.Messages {
		msgs = append(msgs, toSDKMessage(m.Role, m.Content))
	}

	params := openaiSDK.ChatCompletionNewParams{
		Messages: msgs,
		Model:    model,
	}
	if req.Temperature != 0 {
		params.Temperature = openaiSDK.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxCompletionTokens = openaiSDK.Int(int64(req.MaxTokens))
	}
	return params
}

func toSDKMessage(role, content string) openaiSDK.ChatCompletionMessageParamUnion {
	switch strings.ToLower(role) {
	case "developer":
		return openaiSDK.DeveloperMessage(content)
	case "system":
		return openaiSDK.SystemMessage(content)
	case "assistant":
		return openaiSDK.AssistantMessage(content)
	default:
		return openaiSDK.UserMessage(content)
	}
}

func toBackendError(err error) error {
	var apierr *openaiSDK.Error
	if errors.As(err, &apierr) {
		return &backend.Error{
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
		}
	}
	return err
}
