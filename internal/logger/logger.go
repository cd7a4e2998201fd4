// Package logger implements a non-blocking, batched call-record logger.
//
// Records are written to an internal buffered channel and flushed in
// batches by a background goroutine — so logging never blocks the proxy hot
// path. If the channel fills up (> 10 000 records), new records are dropped
// and counted in DroppedRecords. An optional transform runs on each record
// before it is emitted; transform failures drop the record's payload
// details but never surface to the caller.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/IolandaManzali/litellm/internal/backend"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// CallRecord is one completed (or failed) model call. Message and response
// content rides along so the transform stage can scrub it before emission.
type CallRecord struct {
	ID           uuid.UUID
	TeamID       string
	UserID       string
	Model        string
	Deployment   string
	Messages     []backend.Message
	Response     string
	InputTokens  int
	OutputTokens int
	LatencyMs    int64
	Status       int
	CreatedAt    time.Time
}

// TransformFunc rewrites a record before it is emitted. It runs on the
// background goroutine, off the request path.
type TransformFunc func(ctx context.Context, rec *CallRecord) (*CallRecord, error)

type Logger struct {
	ch        chan CallRecord
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedRecords int64

	transform TransformFunc
	baseCtx   context.Context
	log       *slog.Logger
}

// New starts the background flusher. transform may be nil.
func New(ctx context.Context, slogger *slog.Logger, transform TransformFunc) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:        make(chan CallRecord, channelBuffer),
		done:      make(chan struct{}),
		transform: transform,
		baseCtx:   ctx,
		log:       slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues a record without blocking. Full channel drops the record.
func (l *Logger) Log(rec CallRecord) {
	select {
	case l.ch <- rec:
	default:
		atomic.AddInt64(&l.droppedRecords, 1)
	}
}

func (l *Logger) DroppedRecords() int64 {
	return atomic.LoadInt64(&l.droppedRecords)
}

// Close drains the channel and stops the flusher.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]CallRecord, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for i := range batch {
			l.emit(ctx, &batch[i])
		}
		batch = batch[:0]
	}

	for {
		select {
		case rec := <-l.ch:
			batch = append(batch, rec)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case rec := <-l.ch:
					batch = append(batch, rec)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

func (l *Logger) emit(ctx context.Context, rec *CallRecord) {
	if l.transform != nil {
		out, err := l.transform(ctx, rec)
		if err != nil {
			// Emit the metadata without the payload rather than losing
			// the record or leaking untransformed content.
			l.log.WarnContext(ctx, "call record transform failed",
				slog.String("id", rec.ID.String()),
				slog.String("error", err.Error()),
			)
			stripped := *rec
			stripped.Messages = nil
			stripped.Response = ""
			rec = &stripped
		} else if out != nil {
			rec = out
		}
	}

	l.log.InfoContext(ctx, "call",
		slog.String("id", rec.ID.String()),
		slog.String("team_id", rec.TeamID),
		slog.String("user_id", rec.UserID),
		slog.String("model", rec.Model),
		slog.String("deployment", rec.Deployment),
		slog.Int("input_tokens", rec.InputTokens),
		slog.Int("output_tokens", rec.OutputTokens),
		slog.Int64("latency_ms", rec.LatencyMs),
		slog.Int("status", rec.Status),
		slog.Time("created_at", normalizeTime(rec.CreatedAt)),
	)

	// Content rides on a separate debug line so production sinks at info
	// level never see message bodies, transformed or not.
	if l.log.Enabled(ctx, slog.LevelDebug) {
		l.log.DebugContext(ctx, "call content",
			slog.String("id", rec.ID.String()),
			slog.Any("messages", rec.Messages),
			slog.String("response", rec.Response),
		)
	}
}

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
