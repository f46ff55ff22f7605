// Package logger implements a non-blocking, batched access logger.
//
// Log entries are written to an internal buffered channel and flushed in
// batches by a background goroutine, so logging never blocks the proxy hot
// path. If the channel fills up, new entries are dropped and counted in
// DroppedLogs.
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
)

const (
	defaultBuffer        = 10_000
	defaultBatch         = 100
	defaultFlushInterval = time.Second
)

// RequestLog is one access-log record for a handled request.
type RequestLog struct {
	ID        uuid.UUID
	Method    string
	Path      string
	Route     string
	Status    uint16
	LatencyMs uint32
	ClientIP  string
	Cache     string
	CreatedAt time.Time
}

// Options tunes the logger queue. Zero values fall back to the defaults.
type Options struct {
	Buffer        int
	Batch         int
	FlushInterval time.Duration
}

// Logger queues access-log records and flushes them via slog in batches.
type Logger struct {
	ch        chan RequestLog
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	batchSize     int
	flushInterval time.Duration

	droppedLogs int64

	baseCtx context.Context
	log     *slog.Logger
}

// New starts the background flush goroutine. It stops when Close is called.
func New(ctx context.Context, slogger *slog.Logger, opts Options) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	if opts.Buffer <= 0 {
		opts.Buffer = defaultBuffer
	}
	if opts.Batch <= 0 {
		opts.Batch = defaultBatch
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = defaultFlushInterval
	}

	l := &Logger{
		ch:            make(chan RequestLog, opts.Buffer),
		done:          make(chan struct{}),
		batchSize:     opts.Batch,
		flushInterval: opts.FlushInterval,
		baseCtx:       ctx,
		log:           slogger,
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues an entry without blocking. Entries are dropped when the queue
// is full.
func (l *Logger) Log(entry RequestLog) {
	select {
	case l.ch <- entry:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

// DroppedLogs returns the number of entries dropped since startup.
func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

// Close drains the queue, flushes what remains and stops the goroutine.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(l.flushInterval)
	defer ticker.Stop()

	batch := make([]RequestLog, 0, l.batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			l.log.InfoContext(ctx, "request",
				slog.String("id", e.ID.String()),
				slog.String("method", e.Method),
				slog.String("path", e.Path),
				slog.String("route", e.Route),
				slog.Uint64("status", uint64(e.Status)),
				slog.Uint64("latency_ms", uint64(e.LatencyMs)),
				slog.String("client_ip", e.ClientIP),
				slog.String("cache", e.Cache),
				slog.Time("created_at", normalizeTime(e.CreatedAt)),
			)
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= l.batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= l.batchSize {
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

func normalizeTime(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t.UTC()
}
