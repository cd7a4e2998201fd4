package app

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/IolandaManzali/litellm/internal/auth"
	"github.com/IolandaManzali/litellm/internal/backend"
	anthropicbe "github.com/IolandaManzali/litellm/internal/backend/anthropic"
	openaibe "github.com/IolandaManzali/litellm/internal/backend/openai"
	gwCache "github.com/IolandaManzali/litellm/internal/cache"
	"github.com/IolandaManzali/litellm/internal/hooks"
	"github.com/IolandaManzali/litellm/internal/hooks/piimask"
	"github.com/IolandaManzali/litellm/internal/logger"
	"github.com/IolandaManzali/litellm/internal/metrics"
	"github.com/IolandaManzali/litellm/internal/proxy"
	"github.com/IolandaManzali/litellm/internal/router"
)

// initInfra establishes optional external connections.
// Redis is only required when CACHE_MODE=redis.
func (a *App) initInfra(ctx context.Context) error {
	if a.cfg.Cache.Mode == "redis" {
		a.log.Info("connecting to redis", slog.String("url", redactURL(a.cfg.Redis.URL)))

		rdb, err := connectRedis(ctx, a.cfg.Redis.URL)
		if err != nil {
			return fmt.Errorf("redis: %w", err)
		}
		a.rdb = rdb
		a.log.Info("redis connected")
	}

	return nil
}

// initBackends registers the backend adapters. Credentials live on each
// deployment's params, so both adapters are always available — a deployment
// selects one via its "backend" param.
func (a *App) initBackends(_ context.Context) error {
	a.backends = map[string]backend.Client{
		"openai":    openaibe.New(),
		"anthropic": anthropicbe.New(),
	}
	return nil
}

// initServices creates the cache backend, persistence store, authenticator,
// hook pipeline, and Prometheus metrics registry.
func (a *App) initServices(ctx context.Context) error {
	switch a.cfg.Cache.Mode {
	case "redis":
		a.cache = gwCache.NewRedisCacheFromClient(a.rdb)
		a.log.Info("cache backend: redis")

	case "memory":
		// MemoryCache — zero external dependencies, not shared across replicas.
		a.memCache = gwCache.NewMemoryCache(ctx)
		a.cache = a.memCache
		a.log.Info("cache backend: memory (in-process)")

	default:
		return fmt.Errorf("unknown cache mode: %s", a.cfg.Cache.Mode)
	}

	a.store = auth.NewMemoryStore()

	authn, err := auth.New(auth.Options{
		KeySetURL:          a.cfg.Auth.JWKSURL,
		KeySetTTL:          a.cfg.Auth.JWKSTTL,
		Audience:           a.cfg.Auth.Audience,
		AdminScope:         a.cfg.Auth.AdminScope,
		TeamScope:          a.cfg.Auth.TeamScope,
		TeamIDClaim:        a.cfg.Auth.TeamIDClaim,
		UserIDClaim:        a.cfg.Auth.UserIDClaim,
		EmailClaim:         a.cfg.Auth.EmailClaim,
		UserIDUpsert:       a.cfg.Auth.UserIDUpsert,
		AllowedEmailDomain: a.cfg.Auth.AllowedEmailDomain,
		AdminRoutes:        proxy.AdminRoutePatterns,
	}, a.cache, a.store)
	if err != nil {
		return fmt.Errorf("auth: %w", err)
	}
	a.authn = authn

	// Hook pipeline — the redaction hook is installed only when the masking
	// service is configured.
	var hookList []hooks.Hook
	if a.cfg.MaskingEnabled() {
		mask, err := piimask.New(piimask.Options{
			AnalyzeURL:   a.cfg.Masking.AnalyzeURL,
			AnonymizeURL: a.cfg.Masking.AnonymizeURL,
			Language:     a.cfg.Masking.Language,
		}, a.log)
		if err != nil {
			return fmt.Errorf("masking: %w", err)
		}
		hookList = append(hookList, mask)
		a.log.Info("masking enabled", slog.String("analyze_url", a.cfg.Masking.AnalyzeURL))
	}
	a.pipeline = hooks.NewPipeline(a.log, hookList...)

	a.prom = metrics.New()
	a.prom.SetBuildInfo(a.version)

	return nil
}

// initGateway wires together the Gateway with all configured subsystems.
func (a *App) initGateway(_ context.Context) error {
	rt, err := router.New(buildDeployments(a.cfg), a.cache)
	if err != nil {
		return fmt.Errorf("router: %w", err)
	}

	gw := proxy.NewGateway(a.baseCtx, rt, a.backends, a.authn, a.pipeline, a.store, a.cache,
		proxy.GatewayOptions{
			Logger:         a.log,
			MaxRetries:     a.cfg.Dispatch.MaxRetries,
			BackendTimeout: a.cfg.Dispatch.BackendTimeout,
			Metrics:        a.prom,
			CORSOrigins:    a.cfg.CORSOrigins,
		})

	// Async call-record logger. Records pass through the hook pipeline's log
	// transform so masked placeholders never leave the process unredacted.
	reqLogger, err := logger.New(a.baseCtx, a.log, a.pipeline.LogTransform)
	if err != nil {
		return fmt.Errorf("logger: %w", err)
	}
	a.reqLogger = reqLogger
	gw.SetLogger(reqLogger)

	// ── Management routes ────────────────────────────────────────────────────
	a.mgmt = &proxy.ManagementRoutes{
		Metrics: a.prom.Handler(),
	}

	a.gw = gw

	return nil
}

// redactURL replaces the userinfo portion of a URL with "***" for safe logging.
// e.g. "redis://:secret@localhost:6379" → "redis://***@localhost:6379"
func redactURL(raw string) string {
	for i, c := range raw {
		if c == '@' {
			// Find the scheme end ("://") and keep only scheme + "***" + @host.
			for j := i - 1; j >= 0; j-- {
				if j+2 < len(raw) && raw[j:j+3] == "://" {
					return raw[:j+3] + "***" + raw[i:]
				}
			}
			return "***" + raw[i:]
		}
	}
	return raw
}
