package tracing

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/apmtrace/internal/infrastructure/config"
	"github.com/GriffinCanCode/apmtrace/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/apmtrace/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/apmtrace/internal/tracing/transport"
)

// Sender delivers a payload to the collector
type Sender interface {
	Send(ctx context.Context, p *transport.Payload) (*transport.Response, error)
}

// WriterState is the delivery state of the writer
type WriterState int32

const (
	WriterIdle WriterState = iota
	WriterSending
	WriterRetrying
	WriterStopped
)

// String returns the state name
func (s WriterState) String() string {
	switch s {
	case WriterIdle:
		return "idle"
	case WriterSending:
		return "sending"
	case WriterRetrying:
		return "retrying"
	case WriterStopped:
		return "stopped"
	default:
		return "unknown"
	}
}

// WriterConfig configures a Writer
type WriterConfig struct {
	MaxQueueSize    int
	DropPolicy      string
	MaxPayloadSpans int
	FlushInterval   time.Duration
	// OnResponse receives every collector answer carrying rates
	OnResponse func(*transport.Response)
}

// Writer queues flushed trace chunks and delivers them in batches from a
// background goroutine. Write never blocks; a full queue drops a chunk
// according to the drop policy.
type Writer struct {
	sender  Sender
	cfg     WriterConfig
	logger  *zap.Logger
	metrics *monitoring.TracerMetrics

	mu          sync.Mutex
	queue       []transport.Trace
	queuedSpans int
	closed      bool

	// sendMu serializes batches between the worker, Flush and Stop
	sendMu sync.Mutex
	notify chan struct{}
	stop   chan struct{}
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	startOnce sync.Once
	stopOnce  sync.Once
	stopErr   error

	state   atomic.Int32
	sent    atomic.Uint64
	dropped atomic.Uint64
	failed  atomic.Uint64
	retries atomic.Uint64
}

// NewWriter creates a writer. Call Start to run the background worker.
func NewWriter(sender Sender, cfg WriterConfig, logger *zap.Logger, metrics *monitoring.TracerMetrics) *Writer {
	if cfg.MaxQueueSize <= 0 {
		cfg.MaxQueueSize = 1000
	}
	if cfg.MaxPayloadSpans <= 0 {
		cfg.MaxPayloadSpans = 1000
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = time.Second
	}
	if cfg.DropPolicy == "" {
		cfg.DropPolicy = config.KeepNewest
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if metrics == nil {
		metrics = monitoring.NewTracerMetrics(prometheus.NewRegistry())
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Writer{
		sender:  sender,
		cfg:     cfg,
		logger:  logger,
		metrics: metrics,
		queue:   make([]transport.Trace, 0, cfg.MaxQueueSize),
		notify:  make(chan struct{}, 1),
		stop:    make(chan struct{}),
		ctx:     ctx,
		cancel:  cancel,
	}
}

// Start runs the background worker
func (w *Writer) Start() {
	w.startOnce.Do(func() {
		w.wg.Add(1)
		go w.run()
	})
}

// Write enqueues a trace chunk. It returns false when the chunk itself was
// dropped.
func (w *Writer) Write(trace transport.Trace) bool {
	if len(trace) == 0 {
		return true
	}

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		w.drop(monitoring.DropShutdown, 1)
		return false
	}
	evicted := false
	if len(w.queue) >= w.cfg.MaxQueueSize {
		if w.cfg.DropPolicy == config.KeepOldest {
			w.mu.Unlock()
			w.drop(monitoring.DropQueueFull, 1)
			return false
		}
		w.queuedSpans -= len(w.queue[0])
		copy(w.queue, w.queue[1:])
		w.queue[len(w.queue)-1] = nil
		w.queue = w.queue[:len(w.queue)-1]
		evicted = true
	}
	w.queue = append(w.queue, trace)
	w.queuedSpans += len(trace)
	depth := len(w.queue)
	full := w.queuedSpans >= w.cfg.MaxPayloadSpans
	w.mu.Unlock()

	if evicted {
		w.drop(monitoring.DropQueueFull, 1)
	}
	w.metrics.QueueDepth.Set(float64(depth))
	if full {
		select {
		case w.notify <- struct{}{}:
		default:
		}
	}
	return true
}

// Flush delivers everything queued, in the caller's goroutine, until the
// queue is empty or ctx is done
func (w *Writer) Flush(ctx context.Context) error {
	w.drain(ctx)
	if err := ctx.Err(); err != nil {
		if n := w.Len(); n > 0 {
			return fmt.Errorf("flush incomplete, %d traces still queued: %w", n, err)
		}
	}
	return nil
}

// Stop flushes the queue and stops the worker. Chunks still queued when
// ctx is done are dropped.
func (w *Writer) Stop(ctx context.Context) error {
	w.stopOnce.Do(func() {
		w.mu.Lock()
		w.closed = true
		w.mu.Unlock()

		close(w.stop)
		done := make(chan struct{})
		go func() {
			w.wg.Wait()
			close(done)
		}()
		select {
		case <-done:
		case <-ctx.Done():
			w.cancel()
			<-done
		}

		w.drain(ctx)

		w.mu.Lock()
		left := len(w.queue)
		w.queue = nil
		w.queuedSpans = 0
		w.mu.Unlock()

		if left > 0 {
			w.drop(monitoring.DropShutdown, left)
			w.stopErr = fmt.Errorf("writer stopped with %d traces undelivered", left)
		}
		w.metrics.QueueDepth.Set(0)
		w.cancel()
		w.setState(WriterStopped)
	})
	return w.stopErr
}

// Len returns the number of queued chunks
func (w *Writer) Len() int {
	w.mu.Lock()
	defer w.mu.Unlock()
	return len(w.queue)
}

// State returns the current delivery state
func (w *Writer) State() WriterState {
	return WriterState(w.state.Load())
}

// Sent returns the number of traces accepted by the collector
func (w *Writer) Sent() uint64 { return w.sent.Load() }

// Dropped returns the number of traces that never reached the collector
func (w *Writer) Dropped() uint64 { return w.dropped.Load() }

// Failed returns the number of traces lost to failed deliveries
func (w *Writer) Failed() uint64 { return w.failed.Load() }

// Retries returns the number of retried deliveries
func (w *Writer) Retries() uint64 { return w.retries.Load() }

func (w *Writer) run() {
	defer w.wg.Done()

	ticker := time.NewTicker(w.cfg.FlushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-w.ctx.Done():
			return
		case <-ticker.C:
			w.drain(w.ctx)
		case <-w.notify:
			w.drain(w.ctx)
		}
	}
}

// drain sends batches until the queue is empty or ctx is done
func (w *Writer) drain(ctx context.Context) {
	w.sendMu.Lock()
	defer w.sendMu.Unlock()

	for ctx.Err() == nil {
		batch := w.nextBatch()
		if len(batch) == 0 {
			return
		}
		w.send(ctx, batch)
	}
}

// nextBatch pops chunks up to MaxPayloadSpans spans, and at least one
func (w *Writer) nextBatch() []transport.Trace {
	w.mu.Lock()
	defer w.mu.Unlock()

	n, spans := 0, 0
	for n < len(w.queue) {
		if n > 0 && spans+len(w.queue[n]) > w.cfg.MaxPayloadSpans {
			break
		}
		spans += len(w.queue[n])
		n++
	}
	if n == 0 {
		return nil
	}

	batch := make([]transport.Trace, n)
	copy(batch, w.queue[:n])
	rest := copy(w.queue, w.queue[n:])
	for i := rest; i < len(w.queue); i++ {
		w.queue[i] = nil
	}
	w.queue = w.queue[:rest]
	w.queuedSpans -= spans
	w.metrics.QueueDepth.Set(float64(len(w.queue)))
	return batch
}

func (w *Writer) send(ctx context.Context, batch []transport.Trace) {
	p := transport.NewPayload()
	for _, t := range batch {
		p.Push(t)
	}

	w.setState(WriterSending)
	start := time.Now()
	resp, err := w.sender.Send(ctx, p)
	w.metrics.FlushDuration.Observe(time.Since(start).Seconds())
	w.setState(WriterIdle)

	if err != nil {
		reason := monitoring.DropSendFailed
		switch {
		case errors.Is(err, resilience.ErrCircuitOpen):
			reason = monitoring.DropCircuitOpen
		case errors.Is(err, transport.ErrEncode):
			reason = monitoring.DropEncode
		default:
			w.failed.Add(uint64(p.Len()))
			w.metrics.SendFailures.Inc()
		}
		w.drop(reason, p.Len())
		w.logger.Warn("dropping trace payload",
			zap.String("reason", reason),
			zap.Int("traces", p.Len()),
			zap.Int("spans", p.SpanCount()),
			zap.Error(err))
		return
	}

	w.sent.Add(uint64(p.Len()))
	w.metrics.PayloadsSent.Inc()
	if resp == nil {
		return
	}
	if resp.Bytes > 0 {
		w.metrics.PayloadBytes.Observe(float64(resp.Bytes))
	}
	if len(resp.RateByService) > 0 && w.cfg.OnResponse != nil {
		w.cfg.OnResponse(resp)
	}
}

// noteRetry is called by the transport before each retried attempt
func (w *Writer) noteRetry(attempt int) {
	w.setState(WriterRetrying)
	w.retries.Add(1)
	w.metrics.Retries.Inc()
	w.logger.Debug("retrying trace payload", zap.Int("attempt", attempt))
}

func (w *Writer) drop(reason string, n int) {
	w.dropped.Add(uint64(n))
	w.metrics.RecordDrop(reason, n)
	w.logger.Debug("dropped traces", zap.String("reason", reason), zap.Int("traces", n))
}

func (w *Writer) setState(s WriterState) {
	w.state.Store(int32(s))
}
