package proxy

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/valyala/fasthttp"

	"github.com/IolandaManzali/litellm/internal/auth"
	"github.com/IolandaManzali/litellm/internal/backend"
	"github.com/IolandaManzali/litellm/internal/cache"
	"github.com/IolandaManzali/litellm/internal/hooks"
	"github.com/IolandaManzali/litellm/internal/logger"
	"github.com/IolandaManzali/litellm/internal/metrics"
	"github.com/IolandaManzali/litellm/internal/router"
)

// ── Test doubles ─────────────────────────────────────────────────────────────

// fakeBackend is a scriptable backend.Client. Failures are keyed by the
// deployment's "model" param so multi-deployment retry paths can be driven
// deterministically.
type fakeBackend struct {
	mu       sync.Mutex
	calls    []string
	failures map[string]*backend.Error
	content  string
}

func newFakeBackend(content string) *fakeBackend {
	return &fakeBackend{content: content, failures: make(map[string]*backend.Error)}
}

func (f *fakeBackend) Name() string { return "fake" }

func (f *fakeBackend) Call(_ context.Context, params map[string]string, req *backend.ChatRequest) (*backend.ChatResponse, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	dep := params["model"]
	f.calls = append(f.calls, dep)
	if berr := f.failures[dep]; berr != nil {
		return nil, berr
	}
	return &backend.ChatResponse{
		ID:      "chatcmpl-test",
		Model:   req.Model,
		Content: f.content,
		Usage:   backend.Usage{InputTokens: 10, OutputTokens: 5},
	}, nil
}

func (f *fakeBackend) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.calls)
}

// ── Token helpers ────────────────────────────────────────────────────────────

func rsaJWKDoc(t *testing.T, kid string, pub *rsa.PublicKey) []byte {
	t.Helper()
	doc, err := json.Marshal(map[string]any{"keys": []map[string]string{{
		"kty": "RSA",
		"kid": kid,
		"use": "sig",
		"n":   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
	}}})
	if err != nil {
		t.Fatalf("marshal key set: %v", err)
	}
	return doc
}

func signToken(t *testing.T, key *rsa.PrivateKey, kid string, claims jwt.MapClaims) string {
	t.Helper()
	if _, ok := claims["exp"]; !ok {
		claims["exp"] = time.Now().Add(time.Hour).Unix()
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = kid
	signed, err := tok.SignedString(key)
	if err != nil {
		t.Fatalf("sign token: %v", err)
	}
	return signed
}

// ── Harness ──────────────────────────────────────────────────────────────────

type testHarness struct {
	gw    *Gateway
	fb    *fakeBackend
	store auth.PersistenceStore
	cache cache.Cache
	key   *rsa.PrivateKey
}

func (h *testHarness) adminToken(t *testing.T) string {
	t.Helper()
	return signToken(t, h.key, "k1", jwt.MapClaims{"scope": "proxy_admin"})
}

func (h *testHarness) teamToken(t *testing.T, teamID string) string {
	t.Helper()
	return signToken(t, h.key, "k1", jwt.MapClaims{"scope": "team", "team_id": teamID})
}

func newTestHarness(t *testing.T, deployments []router.Deployment, gwOpts GatewayOptions, hookList ...hooks.Hook) *testHarness {
	t.Helper()
	ctx := context.Background()

	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate rsa key: %v", err)
	}
	doc := rsaJWKDoc(t, "k1", &key.PublicKey)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(doc)
	}))
	t.Cleanup(srv.Close)

	c := cache.NewMemoryCache(ctx)
	t.Cleanup(c.Close)

	store := auth.NewMemoryStore()
	authn, err := auth.New(auth.Options{
		KeySetURL:   srv.URL,
		AdminRoutes: AdminRoutePatterns,
	}, c, store)
	if err != nil {
		t.Fatalf("new authenticator: %v", err)
	}

	rt, err := router.New(deployments, c)
	if err != nil {
		t.Fatalf("new router: %v", err)
	}

	discard := slog.New(slog.DiscardHandler)
	fb := newFakeBackend("hello from the model")

	if gwOpts.Logger == nil {
		gwOpts.Logger = discard
	}
	gw := NewGateway(ctx, rt, map[string]backend.Client{"openai": fb}, authn,
		hooks.NewPipeline(discard, hookList...), store, c, gwOpts)

	return &testHarness{gw: gw, fb: fb, store: store, cache: c, key: key}
}

func twoDeployments(model string) []router.Deployment {
	return []router.Deployment{
		{ModelName: model, Params: map[string]string{"model": model + "-a"}, TPM: 100000, RPM: 1000},
		{ModelName: model, Params: map[string]string{"model": model + "-b"}, TPM: 100000, RPM: 1000},
	}
}

func chatRequest(t *testing.T, token string, body string) *fasthttp.RequestCtx {
	t.Helper()
	var req fasthttp.Request
	req.SetRequestURI("/v1/chat/completions")
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	req.SetBodyString(body)
	ctx := &fasthttp.RequestCtx{}
	ctx.Init(&req, nil, nil)
	return ctx
}

func errorCode(t *testing.T, ctx *fasthttp.RequestCtx) string {
	t.Helper()
	var env struct {
		Error struct {
			Code string `json:"code"`
		} `json:"error"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &env); err != nil {
		t.Fatalf("parse error envelope: %v (body: %s)", err, ctx.Response.Body())
	}
	return env.Error.Code
}

const simpleBody = `{"model":"gpt-4o","messages":[{"role":"user","content":"hi there"}]}`

// ── Tests ────────────────────────────────────────────────────────────────────

func TestDispatchSuccess(t *testing.T) {
	h := newTestHarness(t, twoDeployments("gpt-4o"), GatewayOptions{})

	ctx := chatRequest(t, h.adminToken(t), simpleBody)
	h.gw.dispatchChat(ctx)

	if got := ctx.Response.StatusCode(); got != fasthttp.StatusOK {
		t.Fatalf("status = %d, want 200 (body: %s)", got, ctx.Response.Body())
	}

	var out struct {
		ID      string `json:"id"`
		Object  string `json:"object"`
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"message"`
			FinishReason string `json:"finish_reason"`
		} `json:"choices"`
		Usage struct {
			PromptTokens     int `json:"prompt_tokens"`
			CompletionTokens int `json:"completion_tokens"`
			TotalTokens      int `json:"total_tokens"`
		} `json:"usage"`
	}
	if err := json.Unmarshal(ctx.Response.Body(), &out); err != nil {
		t.Fatalf("parse response: %v", err)
	}
	if out.Object != "chat.completion" {
		t.Errorf("object = %q, want chat.completion", out.Object)
	}
	if len(out.Choices) != 1 || out.Choices[0].Message.Content != "hello from the model" {
		t.Errorf("unexpected choices: %+v", out.Choices)
	}
	if out.Usage.TotalTokens != 15 {
		t.Errorf("total_tokens = %d, want 15", out.Usage.TotalTokens)
	}
	if h.fb.callCount() != 1 {
		t.Errorf("backend calls = %d, want 1", h.fb.callCount())
	}
}

func TestMissingTokenRejected(t *testing.T) {
	h := newTestHarness(t, twoDeployments("gpt-4o"), GatewayOptions{})

	ctx := chatRequest(t, "", simpleBody)
	h.gw.dispatchChat(ctx)

	if got := ctx.Response.StatusCode(); got != fasthttp.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", got)
	}
	if h.fb.callCount() != 0 {
		t.Errorf("backend called despite missing token")
	}
}

func TestGarbageTokenRejected(t *testing.T) {
	h := newTestHarness(t, twoDeployments("gpt-4o"), GatewayOptions{})

	ctx := chatRequest(t, "not.a.jwt", simpleBody)
	h.gw.dispatchChat(ctx)

	if got := ctx.Response.StatusCode(); got != fasthttp.StatusUnauthorized {
		t.Fatalf("status = %d, want 401", got)
	}
}

func TestInvalidJSONBody(t *testing.T) {
	h := newTestHarness(t, twoDeployments("gpt-4o"), GatewayOptions{})

	ctx := chatRequest(t, h.adminToken(t), `{"model": `)
	h.gw.dispatchChat(ctx)

	if got := ctx.Response.StatusCode(); got != fasthttp.StatusBadRequest {
		t.Fatalf("status = %d, want 400", got)
	}
}

func TestMissingModelField(t *testing.T) {
	h := newTestHarness(t, twoDeployments("gpt-4o"), GatewayOptions{})

	ctx := chatRequest(t, h.adminToken(t), `{"messages":[{"role":"user","content":"hi"}]}`)
	h.gw.dispatchChat(ctx)

	if got := ctx.Response.StatusCode(); got != fasthttp.StatusBadRequest {
		t.Fatalf("status = %d, want 400", got)
	}
}

func TestUnknownModelRejected(t *testing.T) {
	h := newTestHarness(t, twoDeployments("gpt-4o"), GatewayOptions{})

	body := `{"model":"nonexistent","messages":[{"role":"user","content":"hi"}]}`
	ctx := chatRequest(t, h.adminToken(t), body)
	h.gw.dispatchChat(ctx)

	if got := ctx.Response.StatusCode(); got != fasthttp.StatusBadRequest {
		t.Fatalf("status = %d, want 400 (body: %s)", got, ctx.Response.Body())
	}
	if code := errorCode(t, ctx); code != "unknown_model" {
		t.Errorf("code = %q, want unknown_model", code)
	}
}

func TestTeamModelAllowList(t *testing.T) {
	h := newTestHarness(t, twoDeployments("gpt-4o"), GatewayOptions{})

	team := &auth.TeamRecord{ID: "t1", Models: []string{"other-model"}}
	if err := h.store.CreateTeam(context.Background(), team); err != nil {
		t.Fatalf("create team: %v", err)
	}

	ctx := chatRequest(t, h.teamToken(t, "t1"), simpleBody)
	h.gw.dispatchChat(ctx)

	if got := ctx.Response.StatusCode(); got != fasthttp.StatusForbidden {
		t.Fatalf("status = %d, want 403 (body: %s)", got, ctx.Response.Body())
	}
	if h.fb.callCount() != 0 {
		t.Errorf("backend called despite allow-list rejection")
	}
}

func TestTeamNotFoundRejected(t *testing.T) {
	h := newTestHarness(t, twoDeployments("gpt-4o"), GatewayOptions{})

	ctx := chatRequest(t, h.teamToken(t, "ghost-team"), simpleBody)
	h.gw.dispatchChat(ctx)

	if got := ctx.Response.StatusCode(); got != fasthttp.StatusForbidden {
		t.Fatalf("status = %d, want 403", got)
	}
	if code := errorCode(t, ctx); code != "team_not_found" {
		t.Errorf("code = %q, want team_not_found", code)
	}
}

func TestRetryExcludesFailedDeployment(t *testing.T) {
	h := newTestHarness(t, twoDeployments("gpt-4o"), GatewayOptions{})
	// Whichever deployment is picked first fails with a retryable 500; the
	// second attempt must land on the other one.
	h.fb.failures["gpt-4o-a"] = &backend.Error{StatusCode: 500, Message: "upstream exploded"}

	ctx := chatRequest(t, h.adminToken(t), simpleBody)
	h.gw.dispatchChat(ctx)

	if got := ctx.Response.StatusCode(); got != fasthttp.StatusOK {
		// The healthy deployment may have been tried first and succeeded in
		// one call; either way the request must succeed.
		t.Fatalf("status = %d, want 200 (body: %s)", got, ctx.Response.Body())
	}
	if n := h.fb.callCount(); n < 1 || n > 2 {
		t.Errorf("backend calls = %d, want 1 or 2", n)
	}
}

func TestAllDeploymentsFailSurfacesBackendError(t *testing.T) {
	h := newTestHarness(t, twoDeployments("gpt-4o"), GatewayOptions{})
	h.fb.failures["gpt-4o-a"] = &backend.Error{StatusCode: 500, Message: "a down"}
	h.fb.failures["gpt-4o-b"] = &backend.Error{StatusCode: 503, Message: "b down"}

	ctx := chatRequest(t, h.adminToken(t), simpleBody)
	h.gw.dispatchChat(ctx)

	if got := ctx.Response.StatusCode(); got != fasthttp.StatusBadGateway {
		t.Fatalf("status = %d, want 502 (body: %s)", got, ctx.Response.Body())
	}
	if h.fb.callCount() != 2 {
		t.Errorf("backend calls = %d, want 2 (one per deployment)", h.fb.callCount())
	}
}

func TestNonRetryableErrorIsTerminal(t *testing.T) {
	h := newTestHarness(t, twoDeployments("gpt-4o"), GatewayOptions{})
	h.fb.failures["gpt-4o-a"] = &backend.Error{StatusCode: 400, Message: "bad request"}
	h.fb.failures["gpt-4o-b"] = &backend.Error{StatusCode: 400, Message: "bad request"}

	ctx := chatRequest(t, h.adminToken(t), simpleBody)
	h.gw.dispatchChat(ctx)

	if got := ctx.Response.StatusCode(); got != fasthttp.StatusBadGateway {
		t.Fatalf("status = %d, want 502", got)
	}
	if h.fb.callCount() != 1 {
		t.Errorf("backend calls = %d, want 1 (no retry on 4xx)", h.fb.callCount())
	}
}

func TestBackendRateLimitPropagates(t *testing.T) {
	h := newTestHarness(t, twoDeployments("gpt-4o"), GatewayOptions{})
	h.fb.failures["gpt-4o-a"] = &backend.Error{StatusCode: 429, Message: "slow down"}
	h.fb.failures["gpt-4o-b"] = &backend.Error{StatusCode: 429, Message: "slow down"}

	ctx := chatRequest(t, h.adminToken(t), simpleBody)
	h.gw.dispatchChat(ctx)

	if got := ctx.Response.StatusCode(); got != fasthttp.StatusTooManyRequests {
		t.Fatalf("status = %d, want 429", got)
	}
	if got := string(ctx.Response.Header.Peek("Retry-After")); got != "60" {
		t.Errorf("Retry-After = %q, want 60", got)
	}
}

func TestTeamRPMLimitEnforced(t *testing.T) {
	h := newTestHarness(t, twoDeployments("gpt-4o"), GatewayOptions{})

	team := &auth.TeamRecord{ID: "t1", RPMLimit: 1}
	if err := h.store.CreateTeam(context.Background(), team); err != nil {
		t.Fatalf("create team: %v", err)
	}

	first := chatRequest(t, h.teamToken(t, "t1"), simpleBody)
	h.gw.dispatchChat(first)
	if got := first.Response.StatusCode(); got != fasthttp.StatusOK {
		t.Fatalf("first request status = %d, want 200 (body: %s)", got, first.Response.Body())
	}

	second := chatRequest(t, h.teamToken(t, "t1"), simpleBody)
	h.gw.dispatchChat(second)
	if got := second.Response.StatusCode(); got != fasthttp.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", got)
	}
	if h.fb.callCount() != 1 {
		t.Errorf("backend calls = %d, want 1", h.fb.callCount())
	}
}

func TestTeamTPMLimitEnforced(t *testing.T) {
	h := newTestHarness(t, twoDeployments("gpt-4o"), GatewayOptions{})

	// First call charges 15 tokens; a limit of 16 leaves no room for the
	// second call's estimate.
	team := &auth.TeamRecord{ID: "t1", TPMLimit: 16}
	if err := h.store.CreateTeam(context.Background(), team); err != nil {
		t.Fatalf("create team: %v", err)
	}

	first := chatRequest(t, h.teamToken(t, "t1"), simpleBody)
	h.gw.dispatchChat(first)
	if got := first.Response.StatusCode(); got != fasthttp.StatusOK {
		t.Fatalf("first request status = %d, want 200 (body: %s)", got, first.Response.Body())
	}

	second := chatRequest(t, h.teamToken(t, "t1"), simpleBody)
	h.gw.dispatchChat(second)
	if got := second.Response.StatusCode(); got != fasthttp.StatusTooManyRequests {
		t.Fatalf("second request status = %d, want 429", got)
	}
}

// abortedStageHook stands in for a pre-call stage whose caller went away
// mid round-trip.
type abortedStageHook struct{}

func (abortedStageHook) Name() string { return "slow_mask" }

func (abortedStageHook) PreCall(ctx context.Context, _ *auth.CallerIdentity, _ *backend.ChatRequest) error {
	return context.Canceled
}

func (abortedStageHook) PostCallSuccess(_ context.Context, _ *auth.CallerIdentity, resp *backend.ChatResponse) (*backend.ChatResponse, error) {
	return resp, nil
}

func (abortedStageHook) LogTransform(_ context.Context, rec *logger.CallRecord) (*logger.CallRecord, error) {
	return rec, nil
}

func TestAbortedPreCallNeverDispatches(t *testing.T) {
	h := newTestHarness(t, twoDeployments("gpt-4o"), GatewayOptions{}, abortedStageHook{})

	team := &auth.TeamRecord{ID: "t1"}
	if err := h.store.CreateTeam(context.Background(), team); err != nil {
		t.Fatalf("create team: %v", err)
	}

	ctx := chatRequest(t, h.teamToken(t, "t1"), simpleBody)
	h.gw.dispatchChat(ctx)

	if got := ctx.Response.StatusCode(); got != fasthttp.StatusGatewayTimeout {
		t.Fatalf("status = %d, want 504 (body: %s)", got, ctx.Response.Body())
	}
	if h.fb.callCount() != 0 {
		t.Errorf("backend calls = %d, want 0 after aborted pre-call stage", h.fb.callCount())
	}
}

func TestCacheOperationsMetricRecorded(t *testing.T) {
	reg := metrics.New()
	h := newTestHarness(t, twoDeployments("gpt-4o"), GatewayOptions{Metrics: reg})

	team := &auth.TeamRecord{ID: "t1", RPMLimit: 100, TPMLimit: 100000}
	if err := h.store.CreateTeam(context.Background(), team); err != nil {
		t.Fatalf("create team: %v", err)
	}

	ctx := chatRequest(t, h.teamToken(t, "t1"), simpleBody)
	h.gw.dispatchChat(ctx)
	if got := ctx.Response.StatusCode(); got != fasthttp.StatusOK {
		t.Fatalf("status = %d, want 200 (body: %s)", got, ctx.Response.Body())
	}

	// One request against a team with both limits: the RPM admission
	// increment and the post-call TPM charge write, the TPM quota read
	// misses the empty minute bucket.
	expected := `
# HELP gateway_cache_operations_total Cache operations by type and result
# TYPE gateway_cache_operations_total counter
gateway_cache_operations_total{op="get",result="miss"} 1
gateway_cache_operations_total{op="set",result="ok"} 2
`
	if err := testutil.GatherAndCompare(reg.PromRegistry(), strings.NewReader(expected),
		"gateway_cache_operations_total"); err != nil {
		t.Fatalf("cache operations metric: %v", err)
	}
}

func TestUnregisteredBackendAdapter(t *testing.T) {
	deps := []router.Deployment{{
		ModelName: "gpt-4o",
		Params:    map[string]string{"model": "gpt-4o-x", "backend": "bedrock"},
		TPM:       100000,
		RPM:       1000,
	}}
	h := newTestHarness(t, deps, GatewayOptions{})

	ctx := chatRequest(t, h.adminToken(t), simpleBody)
	h.gw.dispatchChat(ctx)

	if got := ctx.Response.StatusCode(); got != fasthttp.StatusBadGateway {
		t.Fatalf("status = %d, want 502 (body: %s)", got, ctx.Response.Body())
	}
}

func TestEstimateCost(t *testing.T) {
	req := &backend.ChatRequest{Messages: []backend.Message{
		{Role: "user", Content: "12345678"},
		{Role: "user", Content: "1234"},
	}}
	if got := estimateCost(req); got != 3 {
		t.Errorf("estimateCost = %d, want 3", got)
	}
	if got := estimateCost(&backend.ChatRequest{}); got != 1 {
		t.Errorf("estimateCost(empty) = %d, want 1", got)
	}
}

func TestParseCounter(t *testing.T) {
	if got := parseCounter([]byte("1234")); got != 1234 {
		t.Errorf("parseCounter(1234) = %d", got)
	}
	if got := parseCounter(nil); got != 0 {
		t.Errorf("parseCounter(nil) = %d", got)
	}
	if got := parseCounter([]byte("12x")); got != 0 {
		t.Errorf("parseCounter(12x) = %d", got)
	}
}
