// Package piimask implements reversible PII redaction as a request hook.
//
// Each string message is sent through one analyze→anonymize round-trip
// against an external text-analysis service; detected spans are replaced
// with placeholders of the form <ENTITY_TYPE-n> that can be substituted
// back into the model's reply. Masking is a safety control: a failed
// round-trip fails the pre-call stage instead of skipping redaction.
package piimask

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"sort"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/IolandaManzali/litellm/internal/auth"
	"github.com/IolandaManzali/litellm/internal/backend"
	"github.com/IolandaManzali/litellm/internal/hooks"
	"github.com/IolandaManzali/litellm/internal/logger"
)

var (
	// ErrMaskingService wraps failures of the external analysis service.
	ErrMaskingService = errors.New("piimask: masking service error")
	// ErrControlsForbidden rejects per-request redaction controls from
	// callers whose policy does not allow them.
	ErrControlsForbidden = errors.New("piimask: caller may not set redaction controls")
)

const (
	defaultLanguage         = "en"
	defaultMaxTrackedTokens = 10_000
	defaultTimeout          = 30 * time.Second
)

// Options configures the hook.
type Options struct {
	// AnalyzeURL and AnonymizeURL are the service's two endpoints.
	AnalyzeURL   string
	AnonymizeURL string

	// Language passed to the analyzer. Default "en".
	Language string

	// AdHocRecognizers is forwarded verbatim to the analyzer when set.
	AdHocRecognizers json.RawMessage

	// MaxTrackedTokens bounds the reverse placeholder map. Oldest entries
	// are evicted first. Default 10 000.
	MaxTrackedTokens int

	HTTPClient *http.Client
}

// Hook is a hooks.Hook performing reversible redaction. One instance is
// shared across requests; the reverse placeholder map is instance-scoped
// so repeated placeholders across a session still resolve.
type Hook struct {
	opts   Options
	client *http.Client
	log    *slog.Logger

	mu      sync.Mutex
	reverse map[string]string
	order   []string
}

var _ hooks.Hook = (*Hook)(nil)

func New(opts Options, log *slog.Logger) (*Hook, error) {
	if opts.AnalyzeURL == "" || opts.AnonymizeURL == "" {
		return nil, errors.New("piimask: analyze and anonymize urls must not be empty")
	}
	if opts.Language == "" {
		opts.Language = defaultLanguage
	}
	if opts.MaxTrackedTokens <= 0 {
		opts.MaxTrackedTokens = defaultMaxTrackedTokens
	}
	client := opts.HTTPClient
	if client == nil {
		client = &http.Client{Timeout: defaultTimeout}
	}
	if log == nil {
		log = slog.New(slog.NewJSONHandler(os.Stdout, nil))
	}
	return &Hook{
		opts:    opts,
		client:  client,
		log:     log,
		reverse: make(map[string]string),
	}, nil
}

func (h *Hook) Name() string { return "pii_masking" }

// PreCall masks every string message concurrently and waits for all of
// them; a partially redacted message set is never handed to the router.
// Per-request controls are applied onto the caller's policy first, so the
// post-call stage sees the effective settings.
func (h *Hook) PreCall(ctx context.Context, id *auth.CallerIdentity, req *backend.ChatRequest) error {
	policy := auth.DefaultPIIPolicy()
	if id != nil {
		policy = id.PII
	}

	if cs := req.ContentSafety; cs != nil && (cs.NoPII != nil || cs.OutputParsePII != nil) {
		if !policy.AllowControls {
			return ErrControlsForbidden
		}
		if cs.NoPII != nil {
			policy.Mask = !*cs.NoPII
		}
		if cs.OutputParsePII != nil {
			policy.OutputParse = *cs.OutputParsePII
		}
		if id != nil {
			id.PII = policy
		}
	}

	if !policy.Mask {
		return nil
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := range req.Messages {
		if req.Messages[i].Content == "" {
			continue
		}
		i := i
		g.Go(func() error {
			masked, err := h.maskText(gctx, req.Messages[i].Content)
			if err != nil {
				return err
			}
			req.Messages[i].Content = masked
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", ErrMaskingService, err)
	}
	return nil
}

// PostCallSuccess substitutes recorded placeholders in the reply back to
// their original values when output parsing is enabled for the caller.
// Unlike masking, this is plain substring replacement over the whole text.
func (h *Hook) PostCallSuccess(_ context.Context, id *auth.CallerIdentity, resp *backend.ChatResponse) (*backend.ChatResponse, error) {
	if id == nil || !id.PII.OutputParse {
		return resp, nil
	}

	content := resp.Content
	h.mu.Lock()
	for placeholder, original := range h.reverse {
		content = strings.ReplaceAll(content, placeholder, original)
	}
	h.mu.Unlock()

	if content == resp.Content {
		return resp, nil
	}
	out := *resp
	out.Content = content
	return &out, nil
}

// LogTransform scrubs recorded message and response text so originals that
// were unmasked post-call never reach telemetry. It only consults the
// in-memory map; no network on the logging path.
func (h *Hook) LogTransform(_ context.Context, rec *logger.CallRecord) (*logger.CallRecord, error) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.reverse) == 0 {
		return rec, nil
	}

	out := *rec
	out.Messages = append([]backend.Message(nil), rec.Messages...)
	for placeholder, original := range h.reverse {
		out.Response = strings.ReplaceAll(out.Response, original, placeholder)
		for i := range out.Messages {
			out.Messages[i].Content = strings.ReplaceAll(out.Messages[i].Content, original, placeholder)
		}
	}
	return &out, nil
}

// ── text-analysis service wire types ──

type analyzerResult struct {
	Start      int     `json:"start"`
	End        int     `json:"end"`
	EntityType string  `json:"entity_type"`
	Score      float64 `json:"score"`
}

type anonymizeResponse struct {
	Text  string `json:"text"`
	Items []struct {
		Start      int    `json:"start"`
		End        int    `json:"end"`
		EntityType string `json:"entity_type"`
		Text       string `json:"text"`
		Operator   string `json:"operator"`
	} `json:"items"`
}

// maskText runs one analyze→anonymize round-trip for a single text and
// rebuilds it with per-pass-unique placeholders.
func (h *Hook) maskText(ctx context.Context, text string) (string, error) {
	analyzeReq := map[string]any{
		"text":     text,
		"language": h.opts.Language,
	}
	if len(h.opts.AdHocRecognizers) > 0 {
		analyzeReq["ad_hoc_recognizers"] = h.opts.AdHocRecognizers
	}

	var results []analyzerResult
	if err := h.post(ctx, h.opts.AnalyzeURL, analyzeReq, &results); err != nil {
		return "", err
	}
	if len(results) == 0 {
		return text, nil
	}

	var anonymized anonymizeResponse
	if err := h.post(ctx, h.opts.AnonymizeURL, map[string]any{
		"text":             text,
		"analyzer_results": results,
	}, &anonymized); err != nil {
		return "", err
	}

	return h.substitute(text, results), nil
}

// substitute replaces each detected span with a placeholder unique within
// the pass, walking spans in ascending start order and carrying the offset
// delta introduced by earlier replacements. The analyzer reports character
// offsets, so all indexing happens on runes — byte slicing would shift
// every span that follows a multibyte rune.
func (h *Hook) substitute(text string, results []analyzerResult) string {
	sort.Slice(results, func(i, j int) bool { return results[i].Start < results[j].Start })

	counters := make(map[string]int)
	runes := []rune(text)
	delta := 0

	h.mu.Lock()
	defer h.mu.Unlock()

	for _, r := range results {
		start, end := r.Start+delta, r.End+delta
		// Skip spans the service reported out of bounds.
		if start < 0 || end > len(runes) || start >= end {
			continue
		}

		n := counters[r.EntityType]
		counters[r.EntityType] = n + 1
		placeholder := []rune(fmt.Sprintf("<%s-%d>", r.EntityType, n))

		original := string(runes[start:end])
		rebuilt := make([]rune, 0, len(runes)+len(placeholder)-(end-start))
		rebuilt = append(rebuilt, runes[:start]...)
		rebuilt = append(rebuilt, placeholder...)
		rebuilt = append(rebuilt, runes[end:]...)
		runes = rebuilt
		delta += len(placeholder) - (end - start)

		h.track(string(placeholder), original)
	}
	return string(runes)
}

// track records a placeholder under the lock, evicting the oldest entry
// once the map reaches its bound.
func (h *Hook) track(placeholder, original string) {
	if _, exists := h.reverse[placeholder]; !exists {
		for len(h.order) >= h.opts.MaxTrackedTokens {
			oldest := h.order[0]
			h.order = h.order[1:]
			delete(h.reverse, oldest)
		}
		h.order = append(h.order, placeholder)
	}
	h.reverse[placeholder] = original
}

func (h *Hook) post(ctx context.Context, url string, body any, out any) error {
	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("%w: encode request: %v", ErrMaskingService, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMaskingService, err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := h.client.Do(req)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrMaskingService, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return fmt.Errorf("%w: %s returned status %d: %s", ErrMaskingService, url, resp.StatusCode, bytes.TrimSpace(raw))
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("%w: decode response: %v", ErrMaskingService, err)
	}
	return nil
}
