package piimask

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
	"unicode/utf8"

	"github.com/IolandaManzali/litellm/internal/auth"
	"github.com/IolandaManzali/litellm/internal/backend"
	"github.com/IolandaManzali/litellm/internal/logger"
)

// maskService fakes the text-analysis service: the analyzer reports a span
// for every occurrence of the configured needles, the anonymizer echoes.
type maskService struct {
	needles map[string]string // substring -> entity type

	analyzeHits   atomic.Int64
	anonymizeHits atomic.Int64
	failAnalyze   atomic.Bool

	srv *httptest.Server
}

func newMaskService(t *testing.T, needles map[string]string) *maskService {
	t.Helper()

	ms := &maskService{needles: needles}
	mux := http.NewServeMux()
	mux.HandleFunc("/analyze", func(w http.ResponseWriter, r *http.Request) {
		ms.analyzeHits.Add(1)
		if ms.failAnalyze.Load() {
			http.Error(w, "analyzer down", http.StatusInternalServerError)
			return
		}
		var req struct {
			Text string `json:"text"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		// Spans are reported as character offsets, like the real analyzer.
		results := []analyzerResult{}
		for needle, entity := range ms.needles {
			from := 0
			for {
				i := strings.Index(req.Text[from:], needle)
				if i < 0 {
					break
				}
				byteStart := from + i
				start := utf8.RuneCountInString(req.Text[:byteStart])
				results = append(results, analyzerResult{
					Start:      start,
					End:        start + utf8.RuneCountInString(needle),
					EntityType: entity,
					Score:      0.9,
				})
				from = byteStart + len(needle)
			}
		}
		_ = json.NewEncoder(w).Encode(results)
	})
	mux.HandleFunc("/anonymize", func(w http.ResponseWriter, r *http.Request) {
		ms.anonymizeHits.Add(1)
		var req struct {
			Text string `json:"text"`
		}
		_ = json.NewDecoder(r.Body).Decode(&req)
		_ = json.NewEncoder(w).Encode(map[string]any{"text": req.Text, "items": []any{}})
	})

	ms.srv = httptest.NewServer(mux)
	t.Cleanup(ms.srv.Close)
	return ms
}

func newTestHook(t *testing.T, ms *maskService, opts Options) *Hook {
	t.Helper()
	opts.AnalyzeURL = ms.srv.URL + "/analyze"
	opts.AnonymizeURL = ms.srv.URL + "/anonymize"

	h, err := New(opts, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("new hook: %v", err)
	}
	return h
}

func maskingIdentity(policy auth.PIIPolicy) *auth.CallerIdentity {
	return &auth.CallerIdentity{Scope: auth.ScopeTeam, TeamID: "t", PII: policy}
}

func TestPreCallMasksSingleEntity(t *testing.T) {
	ms := newMaskService(t, map[string]string{"john@x.com": "EMAIL"})
	h := newTestHook(t, ms, Options{})

	req := &backend.ChatRequest{Messages: []backend.Message{
		{Role: "user", Content: "Contact john@x.com now"},
	}}
	if err := h.PreCall(context.Background(), maskingIdentity(auth.PIIPolicy{Mask: true}), req); err != nil {
		t.Fatalf("precall: %v", err)
	}
	if got := req.Messages[0].Content; got != "Contact <EMAIL-0> now" {
		t.Fatalf("masked = %q", got)
	}
}

func TestRedactionRoundTrip(t *testing.T) {
	ms := newMaskService(t, map[string]string{"john@x.com": "EMAIL"})
	h := newTestHook(t, ms, Options{})
	id := maskingIdentity(auth.PIIPolicy{Mask: true, OutputParse: true})

	req := &backend.ChatRequest{Messages: []backend.Message{
		{Role: "user", Content: "Contact john@x.com now"},
	}}
	if err := h.PreCall(context.Background(), id, req); err != nil {
		t.Fatalf("precall: %v", err)
	}

	// The model echoes the placeholder verbatim.
	resp, err := h.PostCallSuccess(context.Background(), id, &backend.ChatResponse{
		Content: "I will reach out to <EMAIL-0> shortly",
	})
	if err != nil {
		t.Fatalf("postcall: %v", err)
	}
	if want := "I will reach out to john@x.com shortly"; resp.Content != want {
		t.Fatalf("unmasked = %q, want %q", resp.Content, want)
	}
}

func TestOffsetDeltaMultiEntity(t *testing.T) {
	// The first placeholder is shorter than its span, so the second span's
	// substitution must land at offsets shifted by the first delta.
	ms := newMaskService(t, map[string]string{
		"Jonathan Smithson": "PERSON",   // 17 chars -> <PERSON-0> (10), delta −7
		"123 Main Street":   "LOCATION", // follows the person span
	})
	h := newTestHook(t, ms, Options{})

	req := &backend.ChatRequest{Messages: []backend.Message{
		{Role: "user", Content: "Jonathan Smithson lives at 123 Main Street today"},
	}}
	if err := h.PreCall(context.Background(), maskingIdentity(auth.PIIPolicy{Mask: true}), req); err != nil {
		t.Fatalf("precall: %v", err)
	}
	if want := "<PERSON-0> lives at <LOCATION-0> today"; req.Messages[0].Content != want {
		t.Fatalf("masked = %q, want %q", req.Messages[0].Content, want)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if got := h.reverse["<LOCATION-0>"]; got != "123 Main Street" {
		t.Fatalf("reverse[<LOCATION-0>] = %q, want the original span", got)
	}
	if got := h.reverse["<PERSON-0>"]; got != "Jonathan Smithson" {
		t.Fatalf("reverse[<PERSON-0>] = %q", got)
	}
}

func TestMultibyteTextKeepsSpansAligned(t *testing.T) {
	// The analyzer reports character offsets. A multibyte rune ahead of the
	// entity must not shift the masked span or garble the recorded original.
	ms := newMaskService(t, map[string]string{"john@x.com": "EMAIL"})
	h := newTestHook(t, ms, Options{})
	id := maskingIdentity(auth.PIIPolicy{Mask: true, OutputParse: true})

	req := &backend.ChatRequest{Messages: []backend.Message{
		{Role: "user", Content: "Héllo john@x.com now"},
	}}
	if err := h.PreCall(context.Background(), id, req); err != nil {
		t.Fatalf("precall: %v", err)
	}
	if want := "Héllo <EMAIL-0> now"; req.Messages[0].Content != want {
		t.Fatalf("masked = %q, want %q", req.Messages[0].Content, want)
	}

	h.mu.Lock()
	original := h.reverse["<EMAIL-0>"]
	h.mu.Unlock()
	if original != "john@x.com" {
		t.Fatalf("reverse[<EMAIL-0>] = %q, want the exact original", original)
	}

	resp, err := h.PostCallSuccess(context.Background(), id, &backend.ChatResponse{
		Content: "Wrote to <EMAIL-0> für dich",
	})
	if err != nil {
		t.Fatalf("postcall: %v", err)
	}
	if want := "Wrote to john@x.com für dich"; resp.Content != want {
		t.Fatalf("unmasked = %q, want %q", resp.Content, want)
	}
}

func TestSubstituteUsesCharacterOffsets(t *testing.T) {
	h := newTestHook(t, newMaskService(t, nil), Options{})

	got := h.substitute("Héllo john@x.com now", []analyzerResult{
		{Start: 6, End: 16, EntityType: "EMAIL", Score: 0.9},
	})
	if want := "Héllo <EMAIL-0> now"; got != want {
		t.Fatalf("substitute = %q, want %q", got, want)
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	if original := h.reverse["<EMAIL-0>"]; original != "john@x.com" {
		t.Fatalf("reverse[<EMAIL-0>] = %q, want john@x.com", original)
	}
}

func TestPlaceholderUniquePerType(t *testing.T) {
	ms := newMaskService(t, map[string]string{"a@x.com": "EMAIL", "b@x.com": "EMAIL"})
	h := newTestHook(t, ms, Options{})

	req := &backend.ChatRequest{Messages: []backend.Message{
		{Role: "user", Content: "cc a@x.com and b@x.com"},
	}}
	if err := h.PreCall(context.Background(), maskingIdentity(auth.PIIPolicy{Mask: true}), req); err != nil {
		t.Fatalf("precall: %v", err)
	}

	got := req.Messages[0].Content
	if !strings.Contains(got, "<EMAIL-0>") || !strings.Contains(got, "<EMAIL-1>") {
		t.Fatalf("masked = %q, want two numbered EMAIL placeholders", got)
	}
}

func TestPreCallMasksMessagesConcurrently(t *testing.T) {
	ms := newMaskService(t, map[string]string{"secret": "SECRET"})
	h := newTestHook(t, ms, Options{})

	req := &backend.ChatRequest{Messages: make([]backend.Message, 8)}
	for i := range req.Messages {
		req.Messages[i] = backend.Message{Role: "user", Content: fmt.Sprintf("msg %d holds secret", i)}
	}
	if err := h.PreCall(context.Background(), maskingIdentity(auth.PIIPolicy{Mask: true}), req); err != nil {
		t.Fatalf("precall: %v", err)
	}

	// Positional write-back: each result lands in its own slot.
	for i, msg := range req.Messages {
		if !strings.HasPrefix(msg.Content, fmt.Sprintf("msg %d holds <SECRET-", i)) {
			t.Fatalf("message %d = %q", i, msg.Content)
		}
	}
	if ms.analyzeHits.Load() != int64(len(req.Messages)) {
		t.Fatalf("analyze calls = %d, want one per message", ms.analyzeHits.Load())
	}
}

func TestNoEntitiesLeavesTextUntouched(t *testing.T) {
	ms := newMaskService(t, map[string]string{})
	h := newTestHook(t, ms, Options{})

	req := &backend.ChatRequest{Messages: []backend.Message{{Role: "user", Content: "nothing sensitive"}}}
	if err := h.PreCall(context.Background(), maskingIdentity(auth.PIIPolicy{Mask: true}), req); err != nil {
		t.Fatalf("precall: %v", err)
	}
	if req.Messages[0].Content != "nothing sensitive" {
		t.Fatalf("content = %q", req.Messages[0].Content)
	}
	if ms.anonymizeHits.Load() != 0 {
		t.Fatal("anonymize called with no detected entities")
	}
}

func TestServiceFailureBlocksRequest(t *testing.T) {
	ms := newMaskService(t, map[string]string{"x": "X"})
	ms.failAnalyze.Store(true)
	h := newTestHook(t, ms, Options{})

	req := &backend.ChatRequest{Messages: []backend.Message{{Role: "user", Content: "x"}}}
	err := h.PreCall(context.Background(), maskingIdentity(auth.PIIPolicy{Mask: true}), req)
	if !errors.Is(err, ErrMaskingService) {
		t.Fatalf("err = %v, want ErrMaskingService", err)
	}
}

func TestCancelledMaskingFailsPreCall(t *testing.T) {
	// The analyzer hangs until the caller goes away; the masking round-trip
	// must fail the pre-call stage rather than complete it.
	release := make(chan struct{})
	defer close(release)

	mux := http.NewServeMux()
	mux.HandleFunc("/analyze", func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
		_ = json.NewEncoder(w).Encode([]analyzerResult{})
	})
	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)

	h, err := New(Options{
		AnalyzeURL:   srv.URL + "/analyze",
		AnonymizeURL: srv.URL + "/anonymize",
	}, slog.New(slog.DiscardHandler))
	if err != nil {
		t.Fatalf("new hook: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(50 * time.Millisecond)
		cancel()
	}()

	req := &backend.ChatRequest{Messages: []backend.Message{
		{Role: "user", Content: "Contact john@x.com now"},
	}}
	err = h.PreCall(ctx, maskingIdentity(auth.PIIPolicy{Mask: true}), req)
	if !errors.Is(err, ErrMaskingService) {
		t.Fatalf("precall error = %v, want ErrMaskingService", err)
	}
	if got := req.Messages[0].Content; got != "Contact john@x.com now" {
		t.Fatalf("message rewritten despite failed masking: %q", got)
	}
}

func TestControlsRequirePolicy(t *testing.T) {
	ms := newMaskService(t, map[string]string{})
	h := newTestHook(t, ms, Options{})

	off := true
	req := &backend.ChatRequest{
		Messages:      []backend.Message{{Role: "user", Content: "hi"}},
		ContentSafety: &backend.ContentSafety{NoPII: &off},
	}
	err := h.PreCall(context.Background(), maskingIdentity(auth.PIIPolicy{Mask: true}), req)
	if !errors.Is(err, ErrControlsForbidden) {
		t.Fatalf("err = %v, want ErrControlsForbidden", err)
	}
}

func TestNoPIIOverrideSkipsMasking(t *testing.T) {
	ms := newMaskService(t, map[string]string{"john@x.com": "EMAIL"})
	h := newTestHook(t, ms, Options{})

	off := true
	req := &backend.ChatRequest{
		Messages:      []backend.Message{{Role: "user", Content: "Contact john@x.com"}},
		ContentSafety: &backend.ContentSafety{NoPII: &off},
	}
	id := maskingIdentity(auth.PIIPolicy{Mask: true, AllowControls: true})
	if err := h.PreCall(context.Background(), id, req); err != nil {
		t.Fatalf("precall: %v", err)
	}
	if req.Messages[0].Content != "Contact john@x.com" {
		t.Fatalf("content rewritten despite no-pii override: %q", req.Messages[0].Content)
	}
	if ms.analyzeHits.Load() != 0 {
		t.Fatal("service called despite no-pii override")
	}
}

func TestOutputParseOverride(t *testing.T) {
	ms := newMaskService(t, map[string]string{"john@x.com": "EMAIL"})
	h := newTestHook(t, ms, Options{})

	on := true
	req := &backend.ChatRequest{
		Messages:      []backend.Message{{Role: "user", Content: "Contact john@x.com"}},
		ContentSafety: &backend.ContentSafety{OutputParsePII: &on},
	}
	id := maskingIdentity(auth.PIIPolicy{Mask: true, AllowControls: true})
	if err := h.PreCall(context.Background(), id, req); err != nil {
		t.Fatalf("precall: %v", err)
	}
	if !id.PII.OutputParse {
		t.Fatal("output-parse override not applied to the request identity")
	}
}

func TestPostCallWithoutOutputParse(t *testing.T) {
	ms := newMaskService(t, map[string]string{})
	h := newTestHook(t, ms, Options{})

	in := &backend.ChatResponse{Content: "reply with <EMAIL-0>"}
	out, err := h.PostCallSuccess(context.Background(), maskingIdentity(auth.PIIPolicy{Mask: true}), in)
	if err != nil {
		t.Fatalf("postcall: %v", err)
	}
	if out != in {
		t.Fatal("response rewritten with output parsing disabled")
	}
}

func TestReverseMapEviction(t *testing.T) {
	ms := newMaskService(t, map[string]string{})
	h := newTestHook(t, ms, Options{MaxTrackedTokens: 2})

	h.mu.Lock()
	h.track("<A-0>", "a")
	h.track("<B-0>", "b")
	h.track("<C-0>", "c")
	if _, ok := h.reverse["<A-0>"]; ok {
		h.mu.Unlock()
		t.Fatal("oldest placeholder not evicted")
	}
	if len(h.reverse) != 2 || len(h.order) != 2 {
		h.mu.Unlock()
		t.Fatalf("map size = %d, order size = %d, want 2/2", len(h.reverse), len(h.order))
	}
	h.mu.Unlock()
}

func TestLogTransformScrubsOriginals(t *testing.T) {
	ms := newMaskService(t, map[string]string{})
	h := newTestHook(t, ms, Options{})

	h.mu.Lock()
	h.track("<EMAIL-0>", "john@x.com")
	h.mu.Unlock()

	rec, err := h.LogTransform(context.Background(), &logger.CallRecord{
		Messages: []backend.Message{{Role: "user", Content: "mail john@x.com"}},
		Response: "sent to john@x.com",
	})
	if err != nil {
		t.Fatalf("log transform: %v", err)
	}
	if rec.Response != "sent to <EMAIL-0>" {
		t.Fatalf("response = %q", rec.Response)
	}
	if rec.Messages[0].Content != "mail <EMAIL-0>" {
		t.Fatalf("message = %q", rec.Messages[0].Content)
	}
}
