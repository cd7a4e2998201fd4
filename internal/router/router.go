// Package router implements deployment selection for the gateway.
//
// A logical model name maps to one or more backend deployments, each with
// its own tokens-per-minute (TPM) and requests-per-minute (RPM) limits.
// Selection prefers cold deployments, excludes any that would exceed their
// quota for the current calendar minute, and otherwise picks the one with
// the lowest recorded TPM. Usage counters live in the shared cache so that
// multiple gateway replicas balance against the same numbers.
package router

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/IolandaManzali/litellm/internal/cache"
)

// Selection failures. Both are terminal for the attempted call; fallback is
// the caller's loop (re-Select with the failed deployment excluded).
var (
	ErrUnknownModel          = errors.New("router: unknown model")
	ErrNoAvailableDeployment = errors.New("router: no available deployment")
)

// usageTTL matches the minute-bucket granularity so stale counters
// self-clean without an explicit sweep.
const usageTTL = time.Minute

// Deployment is one backend configuration serving a logical model.
// Immutable after registration.
type Deployment struct {
	// ModelName is the caller-facing logical model name.
	ModelName string

	// Params is the opaque parameter map handed to the backend client.
	// "model" (the provider-native model name) doubles as the deployment
	// identity for usage accounting; "provider" selects the adapter.
	Params map[string]string

	// TPM / RPM are the per-minute quota limits. Must be positive.
	TPM int
	RPM int
}

// ID returns the deployment identity used in usage counter keys.
func (d *Deployment) ID() string { return d.Params["model"] }

// ConfigError reports an invalid deployment descriptor. Construction fails
// wholesale on the first invalid entry — a half-loaded registry is worse
// than a refused start.
type ConfigError struct {
	Index  int
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("router: deployment %d: %s", e.Index, e.Reason)
}

// Router holds the deployment registry and tracks per-deployment usage
// through the shared cache. Safe for concurrent use: the registry is
// immutable after construction and all mutable state lives in the cache.
type Router struct {
	registry map[string][]*Deployment
	names    []string

	cache cache.Cache

	// now is overridable in tests to pin the minute bucket.
	now func() time.Time
}

// New validates every descriptor and builds the registry. Registration
// order is preserved per logical model for deterministic tie-breaks.
func New(deployments []Deployment, c cache.Cache) (*Router, error) {
	if c == nil {
		return nil, fmt.Errorf("router: cache must not be nil")
	}

	r := &Router{
		registry: make(map[string][]*Deployment),
		cache:    c,
		now:      time.Now,
	}

	for i := range deployments {
		d := deployments[i]
		if err := validate(i, &d); err != nil {
			return nil, err
		}
		if _, ok := r.registry[d.ModelName]; !ok {
			r.names = append(r.names, d.ModelName)
		}
		r.registry[d.ModelName] = append(r.registry[d.ModelName], &d)
	}

	return r, nil
}

func validate(idx int, d *Deployment) error {
	if d.ModelName == "" {
		return &ConfigError{Index: idx, Reason: "missing model_name"}
	}
	if d.Params == nil {
		return &ConfigError{Index: idx, Reason: "missing params"}
	}
	if d.Params["model"] == "" {
		return &ConfigError{Index: idx, Reason: "params missing \"model\""}
	}
	if d.TPM <= 0 {
		return &ConfigError{Index: idx, Reason: "tpm must be a positive integer"}
	}
	if d.RPM <= 0 {
		return &ConfigError{Index: idx, Reason: "rpm must be a positive integer"}
	}
	return nil
}

// ModelNames returns the logical model names in registration order.
func (r *Router) ModelNames() []string {
	out := make([]string, len(r.names))
	copy(out, r.names)
	return out
}

// HasModel reports whether the registry can serve the logical model.
func (r *Router) HasModel(model string) bool {
	_, ok := r.registry[model]
	return ok
}

// Select picks a deployment for the logical model and estimated request
// cost (in tokens). See SelectExcluding for the selection rules.
func (r *Router) Select(ctx context.Context, model string, requestCost int) (*Deployment, error) {
	return r.SelectExcluding(ctx, model, requestCost, nil)
}

// SelectExcluding is Select with a set of deployment identities to skip —
// the caller's fallback loop excludes deployments that already failed this
// request.
//
// Rules, in order:
//  1. A deployment with zero recorded TPM this minute wins immediately
//     (cold deployments are preferred to avoid herding).
//  2. Deployments whose quota would be exceeded are discarded:
//     currentTPM+requestCost > TPM limit, or currentRPM+1 >= RPM limit.
//  3. Lowest current TPM wins; ties go to the first-registered.
//
// The reads here are deliberately lock-free across deployments — slight
// selection skew under concurrent load is acceptable, lost usage updates
// are not (see RecordUsage).
func (r *Router) SelectExcluding(ctx context.Context, model string, requestCost int, skip map[string]struct{}) (*Deployment, error) {
	candidates, ok := r.registry[model]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownModel, model)
	}

	minute := r.currentMinute()

	var (
		best      *Deployment
		lowestTPM int64 = -1
	)

	for _, d := range candidates {
		if _, skipped := skip[d.ID()]; skipped {
			continue
		}

		tpm, rpm := r.usage(ctx, d.ID(), minute)

		if tpm == 0 {
			return d, nil
		}
		if tpm+int64(requestCost) > int64(d.TPM) || rpm+1 >= int64(d.RPM) {
			continue
		}
		if lowestTPM < 0 || tpm < lowestTPM {
			lowestTPM = tpm
			best = d
		}
	}

	if best == nil {
		return nil, fmt.Errorf("%w: model %q", ErrNoAvailableDeployment, model)
	}
	return best, nil
}

// RecordUsage charges totalTokens against the deployment's TPM counter and
// one request against its RPM counter. The minute bucket is computed here,
// not reused from selection time — a call may straddle a minute boundary.
// Only successful calls are charged; the dispatcher never records usage on
// failure paths.
func (r *Router) RecordUsage(ctx context.Context, deploymentID string, totalTokens int) error {
	minute := r.currentMinute()

	if _, err := r.cache.Increment(ctx, usageKey(deploymentID, "tpm", minute), int64(totalTokens), usageTTL); err != nil {
		return fmt.Errorf("router: record tpm for %s: %w", deploymentID, err)
	}
	if _, err := r.cache.Increment(ctx, usageKey(deploymentID, "rpm", minute), 1, usageTTL); err != nil {
		return fmt.Errorf("router: record rpm for %s: %w", deploymentID, err)
	}
	return nil
}

// usage reads the deployment's counters for the given minute bucket.
// Absent keys read as zero; unparseable values are treated as zero rather
// than failing selection.
func (r *Router) usage(ctx context.Context, deploymentID, minute string) (tpm, rpm int64) {
	if raw, ok := r.cache.Get(ctx, usageKey(deploymentID, "tpm", minute)); ok {
		tpm, _ = strconv.ParseInt(string(raw), 10, 64)
	}
	if raw, ok := r.cache.Get(ctx, usageKey(deploymentID, "rpm", minute)); ok {
		rpm, _ = strconv.ParseInt(string(raw), 10, 64)
	}
	return tpm, rpm
}

// currentMinute returns the HH-MM bucket key for the current wall clock.
func (r *Router) currentMinute() string {
	return r.now().Format("15-04")
}

func usageKey(deploymentID, dimension, minute string) string {
	return deploymentID + ":" + dimension + ":" + minute
}
