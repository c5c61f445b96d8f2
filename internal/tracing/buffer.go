package tracing

import (
	"fmt"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
	"github.com/zoobzio/clockz"
	"go.uber.org/zap"

	"github.com/GriffinCanCode/apmtrace/internal/infrastructure/logging"
	"github.com/GriffinCanCode/apmtrace/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/apmtrace/internal/shared/id"
	"github.com/GriffinCanCode/apmtrace/internal/tracing/ext"
	"github.com/GriffinCanCode/apmtrace/internal/tracing/sampler"
	"github.com/GriffinCanCode/apmtrace/internal/tracing/transport"
)

const (
	maxShards         = 16
	minTracesPerShard = 64
)

// chunkWriter receives flushed trace chunks
type chunkWriter interface {
	Write(trace transport.Trace) bool
}

type bufferConfig struct {
	maxOpenTraces        int
	partialFlush         bool
	partialFlushMinSpans int
	traceTimeout         time.Duration
	keepUnsampled        bool
}

// spanBuffer holds the spans of open traces until they can be flushed.
// Lock order: span.mu, then shard.mu, then chunk.mu. Flushing work
// happens after shard.mu is released.
type spanBuffer struct {
	cfg     bufferConfig
	shards  []*bufferShard
	mask    uint64
	writer  chunkWriter
	clock   clockz.Clock
	logger  *zap.Logger
	metrics *monitoring.TracerMetrics

	open atomic.Int64
}

type bufferShard struct {
	mu      sync.Mutex
	traces  *simplelru.LRU[id.TraceID, *traceChunk]
	evicted []*traceChunk
}

// inherited is the sampling state a new chunk starts with
type inherited struct {
	priority    int
	mechanism   sampler.Mechanism
	hasPriority bool
	origin      string
	late        bool
}

func newSpanBuffer(cfg bufferConfig, writer chunkWriter, clock clockz.Clock, logger *zap.Logger, metrics *monitoring.TracerMetrics) (*spanBuffer, error) {
	n := shardCount(cfg.maxOpenTraces)
	perShard := (cfg.maxOpenTraces + n - 1) / n

	b := &spanBuffer{
		cfg:     cfg,
		shards:  make([]*bufferShard, n),
		mask:    uint64(n - 1),
		writer:  writer,
		clock:   clock,
		logger:  logger,
		metrics: metrics,
	}
	for i := range b.shards {
		sh := &bufferShard{}
		lru, err := simplelru.NewLRU[id.TraceID, *traceChunk](perShard, func(_ id.TraceID, c *traceChunk) {
			sh.evicted = append(sh.evicted, c)
		})
		if err != nil {
			return nil, fmt.Errorf("create trace table: %w", err)
		}
		sh.traces = lru
		b.shards[i] = sh
	}
	return b, nil
}

// shardCount picks a power of two so each shard holds a useful number of
// traces
func shardCount(maxOpen int) int {
	n := maxShards
	for n > 1 && maxOpen/n < minTracesPerShard {
		n /= 2
	}
	return n
}

func (b *spanBuffer) shard(traceID id.TraceID) *bufferShard {
	return b.shards[traceID.Lower()&b.mask]
}

// push adds s to its trace's open chunk, creating the chunk when the trace
// has none. created reports whether the chunk is new.
func (b *spanBuffer) push(s *Span, inh inherited) (c *traceChunk, created bool) {
	now := b.clock.Now()
	sh := b.shard(s.traceID)

	sh.mu.Lock()
	if existing, ok := sh.traces.Get(s.traceID); ok {
		existing.mu.Lock()
		if !existing.done {
			c = existing
		}
		existing.mu.Unlock()
	}
	if c == nil {
		c = newTraceChunk(s.traceID, inh, now)
		sh.traces.Add(s.traceID, c)
		created = true
	}

	c.mu.Lock()
	if c.root == nil {
		c.root = s
	}
	c.spans = append(c.spans, s)
	c.lastActive = now
	s.chunk = c
	c.mu.Unlock()

	evicted := sh.drainEvicted()
	sh.mu.Unlock()

	if created {
		b.metrics.OpenTraces.Set(float64(b.open.Add(1)))
	}
	for _, e := range evicted {
		b.evict(e)
	}
	return c, created
}

// finished records that s ended and flushes whatever became flushable
func (b *spanBuffer) finished(s *Span) {
	c := s.chunk
	if c == nil {
		return
	}

	c.mu.Lock()
	if c.done {
		// detached by eviction
		st := c.state()
		c.mu.Unlock()
		b.emit(st, []*Span{s}, monitoring.FlushLate)
		return
	}

	s.flushReady = true
	c.finished++
	c.lastActive = b.clock.Now()

	var (
		out  []*Span
		kind string
	)
	switch {
	case c.finished == len(c.spans):
		out, kind = c.spans, monitoring.FlushComplete
		if c.late {
			kind = monitoring.FlushLate
		}
		c.spans = nil
		c.finished = 0
		c.done = true
	case b.cfg.partialFlush && c.finished >= b.cfg.partialFlushMinSpans:
		out, kind = c.takeFinished(), monitoring.FlushPartial
	}
	st := c.state()
	done := c.done
	c.mu.Unlock()

	if done {
		b.remove(c)
	}
	if len(out) > 0 {
		b.emit(st, out, kind)
	}
}

// remove drops a completed chunk from the table, unless the slot was
// already reused by a newer chunk of the same trace
func (b *spanBuffer) remove(c *traceChunk) {
	sh := b.shard(c.traceID)
	sh.mu.Lock()
	if cur, ok := sh.traces.Peek(c.traceID); ok && cur == c {
		sh.traces.Remove(c.traceID)
	}
	sh.evicted = sh.evicted[:0]
	sh.mu.Unlock()

	b.metrics.OpenTraces.Set(float64(b.open.Add(-1)))
}

// evict force-flushes a chunk pushed out of a full shard. Its unfinished
// spans are detached and flush on their own when they finish.
func (b *spanBuffer) evict(c *traceChunk) {
	c.mu.Lock()
	if c.done {
		c.mu.Unlock()
		return
	}
	out := c.takeFinished()
	detached := len(c.spans)
	c.spans = nil
	c.done = true
	st := c.state()
	c.mu.Unlock()

	b.metrics.OpenTraces.Set(float64(b.open.Add(-1)))
	b.metrics.SpansDetached.Add(float64(detached))
	b.logger.Debug("evicted open trace", append(logging.TraceFields(c.traceID.String(), ""),
		zap.Int("flushed", len(out)),
		zap.Int("detached", detached))...)

	if len(out) > 0 {
		b.emit(st, out, monitoring.FlushEvicted)
	}
}

// flushFinished emits the finished spans of every open trace as partial
// chunks
func (b *spanBuffer) flushFinished() {
	for _, c := range b.openChunks() {
		c.mu.Lock()
		if c.done {
			c.mu.Unlock()
			continue
		}
		out := c.takeFinished()
		st := c.state()
		c.mu.Unlock()

		if len(out) > 0 {
			b.emit(st, out, monitoring.FlushPartial)
		}
	}
}

// sweep finishes the open spans of traces idle for longer than the trace
// timeout. It returns the number of spans it closed.
func (b *spanBuffer) sweep(now time.Time) int {
	var stale []*Span
	for _, c := range b.openChunks() {
		c.mu.Lock()
		if !c.done && now.Sub(c.lastActive) >= b.cfg.traceTimeout {
			for _, s := range c.spans {
				if !s.flushReady {
					stale = append(stale, s)
				}
			}
		}
		c.mu.Unlock()
	}

	closed := 0
	for _, s := range stale {
		if s.abandon(now) {
			closed++
		}
	}
	if closed > 0 {
		b.metrics.SpansAbandoned.Add(float64(closed))
		b.logger.Warn("closed abandoned spans", zap.Int("spans", closed))
	}
	return closed
}

// openTraces returns the number of chunks in the table
func (b *spanBuffer) openTraces() int {
	return int(b.open.Load())
}

func (b *spanBuffer) openChunks() []*traceChunk {
	var chunks []*traceChunk
	for _, sh := range b.shards {
		sh.mu.Lock()
		for _, key := range sh.traces.Keys() {
			if c, ok := sh.traces.Peek(key); ok {
				chunks = append(chunks, c)
			}
		}
		sh.mu.Unlock()
	}
	return chunks
}

// emit renders spans and hands them to the writer, unless the trace was
// sampled out
func (b *spanBuffer) emit(st chunkState, spans []*Span, kind string) {
	if st.priority <= sampler.PriorityAutoReject && !b.cfg.keepUnsampled {
		b.metrics.TracesSampledOut.Inc()
		return
	}

	trace := make(transport.Trace, 0, len(spans))
	top := 0
	for i, s := range spans {
		if s == st.root {
			top = i
		}
		trace = append(trace, s.toWire())
	}

	head := trace[top]
	head.Metrics[ext.KeySamplingPriority] = float64(st.priority)
	for k, v := range st.metrics {
		head.Metrics[k] = v
	}
	if st.hasMechanism {
		head.Meta[ext.KeyDecisionMaker] = "-" + strconv.Itoa(int(st.mechanism))
	}
	if upper := st.traceID.Upper(); upper != 0 {
		head.Meta[ext.KeyTraceIDUpper] = fmt.Sprintf("%016x", upper)
	}
	if st.origin != "" {
		for _, w := range trace {
			w.Meta[ext.Origin] = st.origin
		}
	}
	if kind != monitoring.FlushComplete {
		trace[0].Metrics[ext.KeyPartialFlush] = 1
	}

	b.metrics.RecordFlush(kind)
	b.writer.Write(trace)
}

func (sh *bufferShard) drainEvicted() []*traceChunk {
	if len(sh.evicted) == 0 {
		return nil
	}
	out := sh.evicted
	sh.evicted = nil
	return out
}

// ============================================================================
// Trace Chunk
// ============================================================================

// traceChunk is the open part of one trace in this process
type traceChunk struct {
	mu sync.Mutex

	traceID    id.TraceID
	spans      []*Span
	finished   int
	root       *Span
	lastActive time.Time
	done       bool
	late       bool

	priority     int
	hasPriority  bool
	mechanism    sampler.Mechanism
	hasMechanism bool
	metrics      map[string]float64
	origin       string
}

// chunkState is what emit needs from a chunk, copied under its lock
type chunkState struct {
	traceID      id.TraceID
	root         *Span
	priority     int
	mechanism    sampler.Mechanism
	hasMechanism bool
	metrics      map[string]float64
	origin       string
}

func newTraceChunk(traceID id.TraceID, inh inherited, now time.Time) *traceChunk {
	return &traceChunk{
		traceID:     traceID,
		lastActive:  now,
		late:        inh.late,
		priority:    inh.priority,
		hasPriority: inh.hasPriority,
		mechanism:   inh.mechanism,
		origin:      inh.origin,
	}
}

// takeFinished removes and returns the finished spans. Called with c.mu held.
func (c *traceChunk) takeFinished() []*Span {
	if c.finished == 0 {
		return nil
	}
	out := make([]*Span, 0, c.finished)
	open := c.spans[:0]
	for _, s := range c.spans {
		if s.flushReady {
			out = append(out, s)
		} else {
			open = append(open, s)
		}
	}
	for i := len(open); i < len(c.spans); i++ {
		c.spans[i] = nil
	}
	c.spans = open
	c.finished = 0
	return out
}

// state must be called with c.mu held
func (c *traceChunk) state() chunkState {
	st := chunkState{
		traceID:      c.traceID,
		root:         c.root,
		priority:     sampler.PriorityAutoKeep,
		mechanism:    c.mechanism,
		hasMechanism: c.hasMechanism,
		metrics:      c.metrics,
		origin:       c.origin,
	}
	if c.hasPriority {
		st.priority = c.priority
	}
	return st
}

// applyDecision records a sampler decision unless the trace already has a
// priority
func (c *traceChunk) applyDecision(d sampler.Decision) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.hasPriority {
		return false
	}
	c.priority = d.Priority
	c.hasPriority = true
	c.mechanism = d.Mechanism
	c.hasMechanism = true
	c.metrics = d.Metrics
	return true
}

// setPriority overrides the trace's priority
func (c *traceChunk) setPriority(priority int, mechanism sampler.Mechanism) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.priority = priority
	c.hasPriority = true
	c.mechanism = mechanism
	c.hasMechanism = true
}

func (c *traceChunk) samplingPriority() (int, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.priority, c.hasPriority
}

// inheritedState is what a late chunk of the same trace starts with
func (c *traceChunk) inheritedState() inherited {
	c.mu.Lock()
	defer c.mu.Unlock()
	return inherited{
		priority:    c.priority,
		mechanism:   c.mechanism,
		hasPriority: c.hasPriority,
		origin:      c.origin,
		late:        c.done,
	}
}
