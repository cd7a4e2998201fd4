// Package hooks runs an ordered list of request hooks around model calls.
//
// PreCall failures abort the request before dispatch. PostCallSuccess
// failures are logged and the response continues unchanged. LogTransform
// runs on the async logging path and never affects the response.
package hooks

import (
	"context"
	"fmt"
	"log/slog"
	"os"

	"github.com/IolandaManzali/litellm/internal/auth"
	"github.com/IolandaManzali/litellm/internal/backend"
	"github.com/IolandaManzali/litellm/internal/logger"
)

// Hook observes and may rewrite a request at three points of its life.
type Hook interface {
	Name() string

	// PreCall runs before dispatch and may rewrite the request in place.
	// An error aborts the request.
	PreCall(ctx context.Context, id *auth.CallerIdentity, req *backend.ChatRequest) error

	// PostCallSuccess runs after a successful call and may return a
	// replacement response. Errors are logged, not surfaced.
	PostCallSuccess(ctx context.Context, id *auth.CallerIdentity, resp *backend.ChatResponse) (*backend.ChatResponse, error)

	// LogTransform rewrites the call record before it is emitted.
	LogTransform(ctx context.Context, rec *logger.CallRecord) (*logger.CallRecord, error)
}

// Pipeline applies hooks in registration order.
type Pipeline struct {
	hooks []Hook
	log   *slog.Logger
}

func NewPipeline(log *slog.Logger, hooks ...Hook) *Pipeline {
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return &Pipeline{hooks: hooks, log: log}
}

// PreCall runs every hook in order. The first failure aborts.
func (p *Pipeline) PreCall(ctx context.Context, id *auth.CallerIdentity, req *backend.ChatRequest) error {
	for _, h := range p.hooks {
		if err := h.PreCall(ctx, id, req); err != nil {
			return fmt.Errorf("hooks: %s: %w", h.Name(), err)
		}
	}
	return nil
}

// PostCallSuccess runs every hook in order. A failing hook is skipped and
// the response from the previous stage carries forward.
func (p *Pipeline) PostCallSuccess(ctx context.Context, id *auth.CallerIdentity, resp *backend.ChatResponse) *backend.ChatResponse {
	for _, h := range p.hooks {
		out, err := h.PostCallSuccess(ctx, id, resp)
		if err != nil {
			p.log.WarnContext(ctx, "post-call hook failed",
				slog.String("hook", h.Name()),
				slog.String("error", err.Error()),
			)
			continue
		}
		if out != nil {
			resp = out
		}
	}
	return resp
}

// LogTransform chains every hook over the record. The first failure stops
// the chain; the caller decides what to emit.
func (p *Pipeline) LogTransform(ctx context.Context, rec *logger.CallRecord) (*logger.CallRecord, error) {
	for _, h := range p.hooks {
		out, err := h.LogTransform(ctx, rec)
		if err != nil {
			return nil, fmt.Errorf("hooks: %s: %w", h.Name(), err)
		}
		if out != nil {
			rec = out
		}
	}
	return rec, nil
}
