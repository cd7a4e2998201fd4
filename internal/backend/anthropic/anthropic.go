// Package anthropic adapts Anthropic deployments to the canonical backend
// client contract.
package anthropic

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/IolandaManzali/litellm/internal/backend"
)

const (
	backendName      = "anthropic"
	defaultMaxTokens = 4096
	requestTimeout   = 30 * time.Second
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
		return nil, fmt.Errorf("anthropic: deployment has no api key configured")
	}

	opts := []option.RequestOption{
		option.WithAPIKey(key),
		option.WithHTTPClient(c.httpClient),
	}
	if base := params["api_base"]; base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	cli := anthropic.NewClient(opts...)

	msg, err := cli.Messages.New(ctx, buildParams(params["model"], req))
	if err != nil {
		return nil, toBackendError(err)
	}

	var sb strings.Builder
	for _, b := range msg.Content {
		switch v := b.AsAny().(type) {
		case anthropic.TextBlock:
			sb.WriteString(v.Text)
		case *anthropic.TextBlock:
			sb.WriteString(v.Text)
		}
	}

	return &backend.ChatResponse{
		ID:      msg.ID,
		Model:   string(msg.Model),
		Content: sb.String(),
		Usage: backend.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}, nil
}

func buildParams(model string, req *backend.ChatRequest) anthropic.MessageNewParams {
	var systemPrompt string
	msgs := make([]anthropic.MessageParam, 0, len(req.Messages))

	for _, m := range req.Messages {
		switch strings.ToLower(m.Role) {
		case "system", "developer":
			if systemPrompt != "" {
				systemPrompt += "\n"
			}
			systemPrompt += m.Content
		default:
			msgs = append(msgs, toSDKMessage(m.Role, m.Content))
		}
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = defaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  msgs,
	}
	if systemPrompt != "" {
		params.System = []anthropic.TextBlockParam{{Text: systemPrompt}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	return params
}

func toSDKMessage(role, content string) anthropic.MessageParam {
	anthRole := anthropic.MessageParamRoleUser
	if strings.ToLower(role) == "assistant" {
		anthRole = anthropic.MessageParamRoleAssistant
	}
	return anthropic.MessageParam{
		Role: anthRole,
		Content: []anthropic.ContentBlockParamUnion{
			{OfText: &anthropic.TextBlockParam{Text: content}},
		},
	}
}

func toBackendError(err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &backend.Error{
			StatusCode: apierr.StatusCode,
			Message:    apierr.Error(),
		}
	}
	return err
}
