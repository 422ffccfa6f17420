// Package loki ships the hub's zerolog output to a Grafana Loki push endpoint.
package loki

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Defaults.
const (
	DefaultBatchSize     = 100
	DefaultFlushInterval = 5 * time.Second
	DefaultTimeout       = 10 * time.Second
	DefaultMaxBuffer     = 10000

	// errors beyond this many are counted but not printed
	maxReportedErrors = 3
)

// Config configures a Writer.
type Config struct {
	URL           string            // base URL, e.g. http://10.8.0.1:3100
	Labels        map[string]string // static stream labels; job defaults to wgingress
	BatchSize     int               // entries that trigger an early flush
	FlushInterval time.Duration
	Timeout       time.Duration
	MaxBuffer     int // oldest entries are dropped beyond this while Loki is down
}

// Stats reports delivery counters.
type Stats struct {
	Sent    uint64
	Errors  uint64
	Dropped uint64
}

type entry struct {
	at   time.Time
	line string
}

type pushRequest struct {
	Streams []stream `json:"streams"`
}

type stream struct {
	Stream map[string]string `json:"stream"`
	Values [][]string        `json:"values"`
}

// Writer is an io.Writer that batches log lines and pushes them to Loki in
// the background. Write never blocks on the network and never fails.
type Writer struct {
	pushURL   string
	labels    map[string]string
	client    *http.Client
	batchSize int
	maxBuffer int
	interval  time.Duration
	errOut    io.Writer

	mu     sync.Mutex
	buffer []entry

	// flushMu serializes pushes so batches arrive in order
	flushMu sync.Mutex
	trigger chan struct{}
	stop    chan struct{}
	wg      sync.WaitGroup
	once    sync.Once

	sent    atomic.Uint64
	errors  atomic.Uint64
	dropped atomic.Uint64
}

// NewWriter creates a writer. Call Start to begin pushing.
func NewWriter(cfg Config) *Writer {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = DefaultFlushInterval
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.MaxBuffer < cfg.BatchSize {
		cfg.MaxBuffer = max(DefaultMaxBuffer, cfg.BatchSize)
	}

	labels := map[string]string{"job": "wgingress"}
	for k, v := range cfg.Labels {
		labels[k] = v
	}

	return &Writer{
		pushURL:   strings.TrimRight(cfg.URL, "/") + "/loki/api/v1/push",
		labels:    labels,
		client:    &http.Client{Timeout: cfg.Timeout},
		batchSize: cfg.BatchSize,
		maxBuffer: cfg.MaxBuffer,
		interval:  cfg.FlushInterval,
		errOut:    os.Stderr,
		buffer:    make([]entry, 0, cfg.BatchSize),
		trigger:   make(chan struct{}, 1),
		stop:      make(chan struct{}),
	}
}

// Write implements io.Writer. zerolog reuses p, so the line is copied.
func (w *Writer) Write(p []byte) (int, error) {
	line := string(bytes.TrimSpace(p))
	if line == "" {
		return len(p), nil
	}

	w.mu.Lock()
	if len(w.buffer) >= w.maxBuffer {
		w.buffer = w.buffer[1:]
		w.dropped.Add(1)
	}
	w.buffer = append(w.buffer, entry{at: time.Now(), line: line})
	full := len(w.buffer) >= w.batchSize
	w.mu.Unlock()

	if full {
		select {
		case w.trigger <- struct{}{}:
		default:
		}
	}
	return len(p), nil
}

// Start runs the background flusher.
func (w *Writer) Start() {
	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()
		for {
			select {
			case <-w.stop:
				return
			case <-ticker.C:
			case <-w.trigger:
			}
			_ = w.Flush(context.Background())
		}
	}()
}

// Stop ends the flusher and pushes whatever is still buffered.
func (w *Writer) Stop() {
	w.once.Do(func() {
		close(w.stop)
		w.wg.Wait()
		_ = w.Flush(context.Background())
	})
}

// Flush pushes buffered entries now. On failure the batch is dropped.
func (w *Writer) Flush(ctx context.Context) error {
	w.flushMu.Lock()
	defer w.flushMu.Unlock()

	w.mu.Lock()
	if len(w.buffer) == 0 {
		w.mu.Unlock()
		return nil
	}
	entries := w.buffer
	w.buffer = make([]entry, 0, w.batchSize)
	w.mu.Unlock()

	if err := w.push(ctx, entries); err != nil {
		w.dropped.Add(uint64(len(entries)))
		// never log through zerolog here, that would feed back into Write
		if n := w.errors.Add(1); n <= maxReportedErrors {
			fmt.Fprintf(w.errOut, "loki: %v\n", err)
		}
		return err
	}
	w.sent.Add(uint64(len(entries)))
	return nil
}

func (w *Writer) push(ctx context.Context, entries []entry) error {
	values := make([][]string, len(entries))
	for i, e := range entries {
		values[i] = []string{strconv.FormatInt(e.at.UnixNano(), 10), e.line}
	}
	body, err := json.Marshal(pushRequest{Streams: []stream{{Stream: w.labels, Values: values}}})
	if err != nil {
		return fmt.Errorf("marshal push: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.pushURL, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build push: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.client.Do(req)
	if err != nil {
		return fmt.Errorf("push: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode >= 300 {
		return fmt.Errorf("push: server returned status %d", resp.StatusCode)
	}
	return nil
}

// Stats returns delivery counters.
func (w *Writer) Stats() Stats {
	return Stats{Sent: w.sent.Load(), Errors: w.errors.Load(), Dropped: w.dropped.Load()}
}
