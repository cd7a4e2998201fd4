// Package proxy is the core LLM request dispatcher.
//
// The Gateway receives an incoming OpenAI-compatible request, authenticates
// and authorizes the caller, runs the hook pipeline's pre-call stage,
// selects a deployment through the quota-aware router, calls the backend,
// records usage, and runs the post-call and async logging stages.
//
// Key design constraints:
//   - Logger and metrics are optional and nil-safe.
//   - All I/O uses context.Context so timeouts propagate correctly.
//   - A cancelled or failed pre-call stage never reaches the router.
package proxy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/valyala/fasthttp"

	"github.com/IolandaManzali/litellm/internal/auth"
	"github.com/IolandaManzali/litellm/internal/backend"
	"github.com/IolandaManzali/litellm/internal/cache"
	"github.com/IolandaManzali/litellm/internal/hooks"
	"github.com/IolandaManzali/litellm/internal/hooks/piimask"
	"github.com/IolandaManzali/litellm/internal/logger"
	"github.com/IolandaManzali/litellm/internal/metrics"
	"github.com/IolandaManzali/litellm/internal/router"
	"github.com/IolandaManzali/litellm/pkg/apierr"
)

const (
	defaultMaxRetries     = 3
	defaultBackendTimeout = 30 * time.Second
)

// GatewayOptions holds optional tuning parameters for a Gateway. All fields
// have sensible defaults and can be omitted.
type GatewayOptions struct {
	// Logger is the structured logger used for request events and dispatch
	// diagnostics. Defaults to slog.Default when nil.
	Logger *slog.Logger

	// MaxRetries is the maximum number of deployment attempts per request
	// (including the first). Must be ≥ 1. Default: 3.
	MaxRetries int

	// BackendTimeout is the per-attempt backend call timeout. Default: 30s.
	BackendTimeout time.Duration

	// Metrics enables Prometheus metrics collection. When nil, metrics are
	// disabled.
	Metrics *metrics.Registry

	// CORSOrigins configures allowed CORS origins. Empty means "*".
	CORSOrigins []string
}

// Gateway is the main dispatcher — all dependencies are injected via the
// constructor so they can be replaced with doubles in unit tests.
type Gateway struct {
	router   *router.Router
	backends map[string]backend.Client
	authn    *auth.Authenticator
	pipeline *hooks.Pipeline
	store    auth.PersistenceStore
	cache    cache.Cache

	baseCtx context.Context
	log     *slog.Logger
	metrics *metrics.Registry

	maxRetries     int
	backendTimeout time.Duration
	corsOrigins    []string

	// Optional — nil-safe when not configured.
	reqLogger *logger.Logger
}

// NewGateway creates a fully configured Gateway.
func NewGateway(
	baseCtx context.Context,
	rt *router.Router,
	backends map[string]backend.Client,
	authn *auth.Authenticator,
	pipeline *hooks.Pipeline,
	store auth.PersistenceStore,
	c cache.Cache,
	opts GatewayOptions,
) *Gateway {
	if baseCtx == nil {
		panic("gateway: context must not be nil")
	}

	log := opts.Logger
	if log == nil {
		log = slog.Default()
	}
	maxRetries := opts.MaxRetries
	if maxRetries < 1 {
		maxRetries = defaultMaxRetries
	}
	backendTimeout := opts.BackendTimeout
	if backendTimeout <= 0 {
		backendTimeout = defaultBackendTimeout
	}

	return &Gateway{
		router:         rt,
		backends:       backends,
		authn:          authn,
		pipeline:       pipeline,
		store:          store,
		cache:          c,
		baseCtx:        baseCtx,
		log:            log,
		metrics:        opts.Metrics,
		maxRetries:     maxRetries,
		backendTimeout: backendTimeout,
		corsOrigins:    opts.CORSOrigins,
	}
}

// SetLogger injects the async call-record logger.
func (g *Gateway) SetLogger(l *logger.Logger) {
	g.reqLogger = l
}

// ── Internal request / response types ─────────────────────────────────────────

type (
	inboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}
	inboundRequest struct {
		Model         string                 `json:"model"`
		Messages      []inboundMessage       `json:"messages"`
		Temperature   float64                `json:"temperature"`
		MaxTokens     int                    `json:"max_tokens"`
		ContentSafety *backend.ContentSafety `json:"content_safety"`
	}

	outboundUsage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	}

	outboundMessage struct {
		Role    string `json:"role"`
		Content string `json:"content"`
	}

	outboundChoice struct {
		Index        int             `json:"index"`
		Message      outboundMessage `json:"message"`
		FinishReason string          `json:"finish_reason"`
	}

	outboundResponse struct {
		ID      string           `json:"id"`
		Object  string           `json:"object"`
		Created int64            `json:"created"`
		Model   string           `json:"model"`
		Choices []outboundChoice `json:"choices"`
		Usage   outboundUsage    `json:"usage"`
	}
)

// dispatchChat is the core handler for /v1/chat/completions and /v1/completions.
func (g *Gateway) dispatchChat(ctx *fasthttp.RequestCtx) {
	start := time.Now()
	path := string(ctx.Path())
	route := "chat_completions"
	if path == "/v1/completions" {
		route = "completions"
	}

	if g.metrics != nil {
		g.metrics.IncInFlight()
	}
	defer func() {
		if g.metrics == nil {
			return
		}
		g.metrics.DecInFlight()
		g.metrics.ObserveHTTP(route, ctx.Response.StatusCode(), time.Since(start))
	}()

	reqID, _ := ctx.UserValue("request_id").(string)

	// 1. Authenticate and authorize the caller.
	id, ok := g.authorize(ctx, path)
	if !ok {
		return
	}

	// 2. Parse request body.
	var req inboundRequest
	if err := json.Unmarshal(ctx.PostBody(), &req); err != nil {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			fmt.Sprintf("invalid JSON: %s", err.Error()),
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}
	if req.Model == "" {
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			"field 'model' is required",
			apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
		return
	}

	if !id.ModelAllowed(req.Model) {
		apierr.WriteForbidden(ctx,
			fmt.Sprintf("model %q is not on the team's allow-list", req.Model),
			apierr.CodeForbidden)
		return
	}

	g.log.InfoContext(ctx, "request",
		slog.String("request_id", reqID),
		slog.String("model", req.Model),
		slog.String("team_id", id.TeamID),
		slog.String("scope", string(id.Scope)),
	)

	// 3. Build the canonical request and estimate its token cost.
	msgs := make([]backend.Message, len(req.Messages))
	for i, m := range req.Messages {
		msgs[i] = backend.Message{Role: m.Role, Content: m.Content}
	}
	chatReq := &backend.ChatRequest{
		Model:         req.Model,
		Messages:      msgs,
		Temperature:   req.Temperature,
		MaxTokens:     req.MaxTokens,
		ContentSafety: req.ContentSafety,
		RequestID:     reqID,
	}
	requestCost := estimateCost(chatReq)

	// 4. Team quota check (request-level, before any work is committed).
	if ok := g.checkTeamQuota(ctx, id, requestCost); !ok {
		return
	}

	// 5. Pre-call hook stage. A failure here aborts before dispatch.
	maskStart := time.Now()
	if err := g.pipeline.PreCall(ctx, id, chatReq); err != nil {
		if g.metrics != nil {
			g.metrics.ObserveMasking("pre", time.Since(maskStart))
		}
		g.log.WarnContext(ctx, "pre_call_rejected",
			slog.String("request_id", reqID),
			slog.String("error", err.Error()),
		)
		writePreCallError(ctx, err)
		return
	}
	if g.metrics != nil {
		g.metrics.ObserveMasking("pre", time.Since(maskStart))
	}
	if ctx.Err() != nil {
		// The caller went away during masking; never dispatch.
		apierr.WriteTimeout(ctx)
		return
	}

	// 6. Select a deployment and call the backend, excluding deployments
	// that fail with a retryable backend error.
	resp, dep, err := g.dispatch(ctx, chatReq, requestCost)
	if err != nil {
		g.log.ErrorContext(ctx, "dispatch_failed",
			slog.String("request_id", reqID),
			slog.String("model", req.Model),
			slog.String("error", err.Error()),
			slog.Duration("elapsed", time.Since(start)),
		)
		g.writeDispatchError(ctx, req.Model, err)
		g.logCall(reqID, id, chatReq, nil, "", time.Since(start), ctx.Response.StatusCode())
		return
	}

	// 7. Charge usage for the completed call. Only successful calls are
	// charged; a failed counter update is logged, never surfaced.
	totalTokens := resp.Usage.InputTokens + resp.Usage.OutputTokens
	if err := g.router.RecordUsage(ctx, dep.ID(), totalTokens); err != nil {
		if g.metrics != nil {
			g.metrics.RecordUsageRecordError()
		}
		g.log.WarnContext(ctx, "usage_record_failed",
			slog.String("request_id", reqID),
			slog.String("deployment", dep.ID()),
			slog.String("error", err.Error()),
		)
	}
	g.recordTeamUsage(ctx, id, totalTokens)
	if g.metrics != nil {
		g.metrics.AddTokens(dep.ID(), resp.Usage.InputTokens, resp.Usage.OutputTokens)
	}

	// 8. Post-call hook stage — best effort, the call already succeeded.
	postStart := time.Now()
	resp = g.pipeline.PostCallSuccess(ctx, id, resp)
	if g.metrics != nil {
		g.metrics.ObserveMasking("post", time.Since(postStart))
	}

	// 9. Emit the call record asynchronously.
	g.logCall(reqID, id, chatReq, resp, dep.ID(), time.Since(start), fasthttp.StatusOK)

	// 10. Build an OpenAI-compatible response envelope.
	out := outboundResponse{
		ID:      resp.ID,
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   resp.Model,
		Choices: []outboundChoice{
			{
				Index:        0,
				Message:      outboundMessage{Role: "assistant", Content: resp.Content},
				FinishReason: "stop",
			},
		},
		Usage: outboundUsage{
			PromptTokens:     resp.Usage.InputTokens,
			CompletionTokens: resp.Usage.OutputTokens,
			TotalTokens:      totalTokens,
		},
	}

	body, err := json.Marshal(out)
	if err != nil {
		apierr.Write(ctx, fasthttp.StatusInternalServerError,
			"failed to serialize response", apierr.TypeServerError, apierr.CodeInternalError)
		return
	}

	g.log.DebugContext(ctx, "response_ok",
		slog.String("request_id", reqID),
		slog.String("deployment", dep.ID()),
		slog.String("model", resp.Model),
		slog.Int("input_tokens", resp.Usage.InputTokens),
		slog.Int("output_tokens", resp.Usage.OutputTokens),
		slog.Duration("elapsed", time.Since(start)),
	)

	ctx.SetStatusCode(fasthttp.StatusOK)
	ctx.SetContentType("application/json")
	ctx.SetBody(body)
}

// authorize verifies the bearer token and resolves the caller identity.
// On failure it writes the error response and returns ok=false.
func (g *Gateway) authorize(ctx *fasthttp.RequestCtx, path string) (*auth.CallerIdentity, bool) {
	token, err := auth.BearerToken(string(ctx.Request.Header.Peek("Authorization")))
	if err != nil {
		g.recordAuth("missing_token")
		apierr.WriteAuth(ctx, "missing or malformed bearer token", apierr.CodeInvalidToken)
		return nil, false
	}

	claims, err := g.authn.Authenticate(ctx, token)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrKeyNotFound):
			g.recordAuth("key_not_found")
			apierr.WriteAuth(ctx, "token signing key not recognized", apierr.CodeInvalidToken)
		default:
			g.recordAuth("invalid_token")
			apierr.WriteAuth(ctx, "invalid token", apierr.CodeInvalidToken)
		}
		return nil, false
	}

	id, err := g.authn.Authorize(ctx, claims, path)
	if err != nil {
		switch {
		case errors.Is(err, auth.ErrTeamNotFound):
			g.recordAuth("team_not_found")
			apierr.WriteForbidden(ctx, "team not found", apierr.CodeTeamNotFound)
		case errors.Is(err, auth.ErrUserNotFound):
			g.recordAuth("user_not_found")
			apierr.WriteForbidden(ctx, "user not found", apierr.CodeUserNotFound)
		case errors.Is(err, auth.ErrForbiddenDomain):
			g.recordAuth("forbidden_domain")
			apierr.WriteForbidden(ctx, "email domain not allowed", apierr.CodeForbidden)
		case errors.Is(err, auth.ErrForbidden):
			g.recordAuth("forbidden")
			apierr.WriteForbidden(ctx, "route not permitted for this scope", apierr.CodeForbidden)
		default:
			g.recordAuth("error")
			apierr.Write(ctx, fasthttp.StatusInternalServerError,
				"authorization failed", apierr.TypeServerError, apierr.CodeInternalError)
		}
		return nil, false
	}

	g.recordAuth("ok")
	return id, true
}

func (g *Gateway) recordAuth(outcome string) {
	if g.metrics != nil {
		g.metrics.RecordAuth(outcome)
	}
}

func (g *Gateway) noteCacheGet(found bool) {
	if g.metrics == nil {
		return
	}
	if found {
		g.metrics.CacheGetHit()
	} else {
		g.metrics.CacheGetMiss()
	}
}

func (g *Gateway) noteCacheWrite(err error) {
	if g.metrics == nil {
		return
	}
	if err != nil {
		g.metrics.CacheSetError()
	} else {
		g.metrics.CacheSetOK()
	}
}

// dispatch runs the select-call loop. Deployments failing with a retryable
// backend error are excluded and selection is retried, up to maxRetries
// attempts. Selection failures are terminal.
func (g *Gateway) dispatch(ctx *fasthttp.RequestCtx, req *backend.ChatRequest, requestCost int) (*backend.ChatResponse, *router.Deployment, error) {
	excluded := make(map[string]struct{})
	var lastErr error

	for attempt := 0; attempt < g.maxRetries; attempt++ {
		dep, err := g.router.SelectExcluding(ctx, req.Model, requestCost, excluded)
		if err != nil {
			if lastErr != nil {
				// Selection ran dry while retrying a backend failure;
				// surface the backend error, not the exhaustion.
				return nil, nil, lastErr
			}
			return nil, nil, err
		}
		if g.metrics != nil {
			g.metrics.RecordSelection(req.Model, dep.ID())
		}

		client, err := g.clientFor(dep)
		if err != nil {
			return nil, nil, err
		}

		callCtx, cancel := context.WithTimeout(ctx, g.backendTimeout)
		callStart := time.Now()
		resp, err := client.Call(callCtx, dep.Params, req)
		cancel()
		if err == nil {
			if g.metrics != nil {
				g.metrics.ObserveDispatch(dep.ID(), "success", time.Since(callStart))
			}
			return resp, dep, nil
		}
		if g.metrics != nil {
			g.metrics.ObserveDispatch(dep.ID(), "error", time.Since(callStart))
		}

		var berr *backend.Error
		if !errors.As(err, &berr) || !berr.Retryable() {
			return nil, nil, err
		}

		g.log.WarnContext(ctx, "deployment_failed",
			slog.String("request_id", req.RequestID),
			slog.String("deployment", dep.ID()),
			slog.Int("status", berr.StatusCode),
			slog.Int("attempt", attempt+1),
		)
		excluded[dep.ID()] = struct{}{}
		lastErr = err
	}
	return nil, nil, lastErr
}

// clientFor resolves the backend adapter named by the deployment's
// "backend" parameter. An unset parameter defaults to "openai".
func (g *Gateway) clientFor(dep *router.Deployment) (backend.Client, error) {
	name := dep.Params["backend"]
	if name == "" {
		name = "openai"
	}
	client, ok := g.backends[name]
	if !ok {
		return nil, fmt.Errorf("proxy: no backend adapter registered for %q", name)
	}
	return client, nil
}

// checkTeamQuota enforces the team's own RPM/TPM limits before dispatch.
// Counters live in the shared cache under per-minute buckets.
func (g *Gateway) checkTeamQuota(ctx *fasthttp.RequestCtx, id *auth.CallerIdentity, requestCost int) bool {
	if id.TeamID == "" || g.cache == nil {
		return true
	}
	minute := time.Now().Format("15-04")

	if id.TeamRPMLimit > 0 {
		used, err := g.cache.Increment(ctx, "team:"+id.TeamID+":rpm:"+minute, 1, time.Minute)
		g.noteCacheWrite(err)
		if err == nil && used > int64(id.TeamRPMLimit) {
			apierr.WriteRateLimit(ctx)
			return false
		}
	}
	if id.TeamTPMLimit > 0 {
		raw, found := g.cache.Get(ctx, "team:"+id.TeamID+":tpm:"+minute)
		g.noteCacheGet(found)
		used := parseCounter(raw)
		if used+int64(requestCost) > int64(id.TeamTPMLimit) {
			apierr.WriteRateLimit(ctx)
			return false
		}
	}
	return true
}

// recordTeamUsage charges completed-call tokens against the team's TPM
// counter. Best effort.
func (g *Gateway) recordTeamUsage(ctx *fasthttp.RequestCtx, id *auth.CallerIdentity, totalTokens int) {
	if id.TeamID == "" || id.TeamTPMLimit <= 0 || g.cache == nil || totalTokens <= 0 {
		return
	}
	minute := time.Now().Format("15-04")
	_, err := g.cache.Increment(ctx, "team:"+id.TeamID+":tpm:"+minute, int64(totalTokens), time.Minute)
	g.noteCacheWrite(err)
	if err != nil {
		g.log.WarnContext(ctx, "team_usage_record_failed",
			slog.String("team_id", id.TeamID),
			slog.String("error", err.Error()),
		)
	}
}

func parseCounter(raw []byte) int64 {
	var n int64
	for _, b := range raw {
		if b < '0' || b > '9' {
			return 0
		}
		n = n*10 + int64(b-'0')
	}
	return n
}

// logCall enqueues a call record to the async logger. Never blocks. The
// record flows through the pipeline's logging transform before emission.
func (g *Gateway) logCall(
	requestID string,
	id *auth.CallerIdentity,
	req *backend.ChatRequest,
	resp *backend.ChatResponse,
	deployment string,
	latency time.Duration,
	status int,
) {
	if g.reqLogger == nil {
		return
	}

	reqUUID, _ := uuid.Parse(requestID)
	rec := logger.CallRecord{
		ID:         reqUUID,
		TeamID:     id.TeamID,
		UserID:     id.UserID,
		Model:      req.Model,
		Deployment: deployment,
		Messages:   req.Messages,
		LatencyMs:  latency.Milliseconds(),
		Status:     status,
		CreatedAt:  time.Now(),
	}
	if resp != nil {
		rec.Response = resp.Content
		rec.InputTokens = resp.Usage.InputTokens
		rec.OutputTokens = resp.Usage.OutputTokens
	}
	g.reqLogger.Log(rec)
}

// estimateCost approximates the request's token cost at ~4 characters per
// token. The router only needs a stable, conservative estimate.
func estimateCost(req *backend.ChatRequest) int {
	chars := 0
	for _, m := range req.Messages {
		chars += len(m.Content)
	}
	cost := chars / 4
	if cost < 1 {
		cost = 1
	}
	return cost
}

func writePreCallError(ctx *fasthttp.RequestCtx, err error) {
	switch {
	case errors.Is(err, piimask.ErrControlsForbidden):
		apierr.WriteForbidden(ctx, err.Error(), apierr.CodeForbidden)
	case errors.Is(err, piimask.ErrMaskingService):
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			err.Error(), apierr.TypeServerError, apierr.CodeMaskingError)
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		apierr.WriteTimeout(ctx)
	default:
		apierr.Write(ctx, fasthttp.StatusBadRequest,
			err.Error(), apierr.TypeInvalidRequest, apierr.CodeInvalidRequest)
	}
}

// writeDispatchError maps routing and backend errors to the client response.
func (g *Gateway) writeDispatchError(ctx *fasthttp.RequestCtx, model string, err error) {
	switch {
	case errors.Is(err, router.ErrUnknownModel):
		if g.metrics != nil {
			g.metrics.RecordRoutingFailure(model, "unknown_model")
		}
		apierr.WriteUnknownModel(ctx, fmt.Sprintf("no deployments registered for model %q", model))
	case errors.Is(err, router.ErrNoAvailableDeployment):
		if g.metrics != nil {
			g.metrics.RecordRoutingFailure(model, "no_available_deployment")
		}
		apierr.WriteNoDeployment(ctx, fmt.Sprintf("all deployments for model %q are over quota", model))
	case errors.Is(err, context.DeadlineExceeded):
		apierr.WriteTimeout(ctx)
	default:
		var berr *backend.Error
		if errors.As(err, &berr) {
			apierr.WriteProviderError(ctx, berr.StatusCode, berr.Message)
			return
		}
		apierr.Write(ctx, fasthttp.StatusBadGateway,
			err.Error(), apierr.TypeProviderError, apierr.CodeProviderError)
	}
}
