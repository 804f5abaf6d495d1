package bridge

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/davidleathers/space-broker/internal/domain/space"
	"github.com/davidleathers/space-broker/internal/infrastructure/telemetry"
)

// Record is one entry read from a space log.
type Record struct {
	ID   string
	Data []byte
}

// Transport is an append-only log per space.
type Transport interface {
	// Append writes data at the end of stream.
	Append(ctx context.Context, stream string, data []byte) error
	// Read returns records after cursor, blocking for a bounded time when
	// none are available. An empty cursor reads from the start of the
	// retained log. The returned cursor resumes after the last record.
	Read(ctx context.Context, stream, cursor string) ([]Record, string, error)
	// Tail returns the cursor of the newest record in stream, or "" when
	// the stream is empty.
	Tail(ctx context.Context, stream string) (string, error)
	// Release frees per-stream read state.
	Release(stream string)
	// Ping reports whether the upstream is reachable.
	Ping(ctx context.Context) error
	Close() error
}

// Recorder observes bridge activity.
type Recorder interface {
	Forwarded()
	QueueDropped()
	AppendFailed()
	ReadFailed()
	Replayed(kind space.MutationKind)
}

type nopRecorder struct{}

func (nopRecorder) Forwarded()                  {}
func (nopRecorder) QueueDropped()               {}
func (nopRecorder) AppendFailed()               {}
func (nopRecorder) ReadFailed()                 {}
func (nopRecorder) Replayed(space.MutationKind) {}

// ApplyFunc applies a mutation received from another node.
type ApplyFunc func(ctx context.Context, m space.Mutation) error

// Config tunes the bridge.
type Config struct {
	NodeID         string
	StreamPrefix   string
	QueueSize      int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	// CatchUpTimeout bounds the replay Attach performs before returning.
	CatchUpTimeout time.Duration
}

type reader struct {
	cancel context.CancelFunc
}

// Bridge replicates locally originated mutations to the per-space log and
// replays other nodes' mutations into local spaces. Forward never blocks:
// the outbox is bounded and sheds its oldest entry when full.
type Bridge struct {
	cfg       Config
	transport Transport
	logger    *zap.Logger
	recorder  Recorder
	tracer    trace.Tracer
	appendDur metric.Float64Histogram

	mu     sync.Mutex
	outbox []space.Mutation
	wake   chan struct{}

	readersMu sync.Mutex
	readers   map[string]*reader

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// New creates a bridge over t. Call Start to begin writing.
func New(cfg Config, t Transport, logger *zap.Logger, recorder Recorder) *Bridge {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1024
	}
	if cfg.CatchUpTimeout <= 0 {
		cfg.CatchUpTimeout = 10 * time.Second
	}
	meter := telemetry.Meter("space-broker/bridge")
	appendDur, err := meter.Float64Histogram("bridge.append.duration",
		metric.WithDescription("Duration of upstream log appends"),
		metric.WithUnit("ms"),
	)
	if err != nil {
		logger.Warn("bridge append histogram unavailable", zap.Error(err))
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Bridge{
		cfg:       cfg,
		transport: t,
		logger:    logger.Named("bridge"),
		recorder:  recorder,
		tracer:    telemetry.Tracer("space-broker/bridge"),
		appendDur: appendDur,
		wake:      make(chan struct{}, 1),
		readers:   make(map[string]*reader),
		ctx:       ctx,
		cancel:    cancel,
	}
}

// Start launches the writer loop.
func (b *Bridge) Start() {
	b.wg.Add(1)
	go b.writeLoop()
}

// Stream returns the log name for a durable space name.
func (b *Bridge) Stream(name string) string {
	if b.cfg.StreamPrefix == "" {
		return name
	}
	return b.cfg.StreamPrefix + ":" + name
}

// Forward queues m for the upstream log.
func (b *Bridge) Forward(m space.Mutation) {
	b.mu.Lock()
	if len(b.outbox) >= b.cfg.QueueSize {
		dropped := b.outbox[0]
		b.outbox = b.outbox[1:]
		b.recorder.QueueDropped()
		b.logger.Warn("outbox full, dropping oldest mutation",
			zap.String("space", dropped.Space),
			zap.String("kind", string(dropped.Kind)),
		)
	}
	b.outbox = append(b.outbox, m)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
}

// Pending returns the number of queued mutations.
func (b *Bridge) Pending() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.outbox)
}

func (b *Bridge) next() (space.Mutation, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.outbox) == 0 {
		return space.Mutation{}, false
	}
	m := b.outbox[0]
	b.outbox[0] = space.Mutation{}
	b.outbox = b.outbox[1:]
	return m, true
}

func (b *Bridge) writeLoop() {
	defer b.wg.Done()
	for {
		m, ok := b.next()
		if !ok {
			select {
			case <-b.wake:
				continue
			case <-b.ctx.Done():
				return
			}
		}
		if err := b.write(m); err != nil {
			if b.ctx.Err() != nil {
				return
			}
			b.logger.Error("dropping mutation", zap.String("space", m.Space), zap.Error(err))
		}
	}
}

// write appends m, retrying transport failures with exponential backoff
// until it succeeds or the bridge closes.
func (b *Bridge) write(m space.Mutation) error {
	data, err := Encode(b.cfg.NodeID, m)
	if err != nil {
		return err
	}
	stream := b.Stream(m.Space)

	ctx, span := b.tracer.Start(b.ctx, "bridge.append", trace.WithAttributes(
		attribute.String("space", m.Space),
		attribute.String("kind", string(m.Kind)),
	))
	defer span.End()

	attempt := 0
	op := func() error {
		attempt++
		start := time.Now()
		err := b.transport.Append(ctx, stream, data)
		if b.appendDur != nil {
			b.appendDur.Record(ctx, float64(time.Since(start).Microseconds())/1000)
		}
		if err != nil {
			b.recorder.AppendFailed()
			b.logger.Warn("append failed",
				zap.String("stream", stream),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
		return err
	}
	if err := backoff.Retry(op, backoff.WithContext(b.backoff(), ctx)); err != nil {
		span.RecordError(err)
		return err
	}
	b.recorder.Forwarded()
	return nil
}

func (b *Bridge) backoff() *backoff.ExponentialBackOff {
	bo := backoff.NewExponentialBackOff()
	if b.cfg.InitialBackoff > 0 {
		bo.InitialInterval = b.cfg.InitialBackoff
	}
	if b.cfg.MaxBackoff > 0 {
		bo.MaxInterval = b.cfg.MaxBackoff
	}
	bo.MaxElapsedTime = 0
	bo.Reset()
	return bo
}

// Attach replays the space log into apply up to the record that was newest
// when Attach was called, then keeps tailing the log in the background.
// Records below that boundary only rebuild state: events and kick-offs
// found there are history and are not delivered, and records this node
// wrote are applied like any other. Past the boundary, records forwarded by
// this node are skipped. Attach returns once the catch-up is done, ctx is
// cancelled or CatchUpTimeout has passed. A previous reader for the same
// space is replaced.
func (b *Bridge) Attach(ctx context.Context, name string, apply ApplyFunc) {
	readerCtx, cancel := context.WithCancel(b.ctx)
	r := &reader{cancel: cancel}

	b.readersMu.Lock()
	if prev, ok := b.readers[name]; ok {
		prev.cancel()
	}
	b.readers[name] = r
	b.readersMu.Unlock()

	stream := b.Stream(name)
	logger := b.logger.With(zap.String("stream", stream))

	catchCtx, stop := context.WithTimeout(readerCtx, b.cfg.CatchUpTimeout)
	stopWithCaller := context.AfterFunc(ctx, stop)
	cursor, replayed, err := b.catchUp(catchCtx, stream, logger, apply)
	stopWithCaller()
	stop()

	caughtUp := err == nil
	if caughtUp {
		logger.Debug("caught up with space log", zap.Int("records", replayed), zap.String("cursor", cursor))
	} else {
		logger.Warn("catch-up incomplete, resuming from the log tail",
			zap.Int("records", replayed),
			zap.Error(err),
		)
	}

	b.wg.Add(1)
	go b.readLoop(readerCtx, name, r, cursor, caughtUp, apply)
}

// catchUp applies every stateful record up to the current end of stream.
func (b *Bridge) catchUp(ctx context.Context, stream string, logger *zap.Logger, apply ApplyFunc) (string, int, error) {
	boundary, err := b.transport.Tail(ctx, stream)
	if err != nil {
		return "", 0, fmt.Errorf("tail %s: %w", stream, err)
	}
	cursor := ""
	replayed := 0
	for boundary != "" && cursorAfter(boundary, cursor) {
		records, next, err := b.transport.Read(ctx, stream, cursor)
		if err != nil {
			return cursor, replayed, err
		}
		if len(records) == 0 {
			// The boundary was trimmed away while reading.
			break
		}
		for _, rec := range records {
			b.replay(ctx, logger, rec, apply, !cursorAfter(rec.ID, boundary))
			replayed++
		}
		cursor = next
	}
	return cursor, replayed, nil
}

// Detach stops the space's reader without waiting for it.
func (b *Bridge) Detach(name string) {
	b.readersMu.Lock()
	defer b.readersMu.Unlock()
	if r, ok := b.readers[name]; ok {
		r.cancel()
		delete(b.readers, name)
	}
}

func (b *Bridge) readLoop(ctx context.Context, name string, r *reader, cursor string, caughtUp bool, apply ApplyFunc) {
	defer b.wg.Done()
	stream := b.Stream(name)
	defer b.release(name, stream, r)

	logger := b.logger.With(zap.String("stream", stream))
	bo := b.backoff()
	wait := func(err error, msg string) bool {
		b.recorder.ReadFailed()
		d := bo.NextBackOff()
		logger.Warn(msg, zap.Duration("retry_in", d), zap.Error(err))
		select {
		case <-time.After(d):
			return true
		case <-ctx.Done():
			return false
		}
	}

	for !caughtUp && ctx.Err() == nil {
		// Without a finished catch-up, history is unreliable: start at the tail.
		tail, err := b.transport.Tail(ctx, stream)
		if err != nil {
			if ctx.Err() != nil || !wait(err, "tail failed") {
				return
			}
			continue
		}
		cursor, caughtUp = tail, true
		bo.Reset()
	}

	for ctx.Err() == nil {
		records, next, err := b.transport.Read(ctx, stream, cursor)
		if err != nil {
			if ctx.Err() != nil || !wait(err, "read failed") {
				return
			}
			continue
		}
		bo.Reset()
		cursor = next

		for _, rec := range records {
			b.replay(ctx, logger, rec, apply, false)
		}
	}
}

// replay decodes rec and applies it. History records are applied only when
// they carry state.
func (b *Bridge) replay(ctx context.Context, logger *zap.Logger, rec Record, apply ApplyFunc, history bool) {
	env, err := Decode(rec.Data)
	if err != nil {
		logger.Warn("skipping undecodable record", zap.String("id", rec.ID), zap.Error(err))
		return
	}
	if history {
		if !env.Mutation.Kind.Stateful() {
			return
		}
	} else if env.Origin == b.cfg.NodeID {
		return
	}
	if err := apply(ctx, env.Mutation); err != nil {
		logger.Debug("replayed mutation rejected",
			zap.String("id", rec.ID),
			zap.String("kind", string(env.Mutation.Kind)),
			zap.Error(err),
		)
		return
	}
	b.recorder.Replayed(env.Mutation.Kind)
}

// release frees the transport's read state for stream unless a newer
// reader has taken the space over. It holds readersMu so a new Attach
// cannot start reading until the release is done.
func (b *Bridge) release(name, stream string, r *reader) {
	b.readersMu.Lock()
	defer b.readersMu.Unlock()
	cur, ok := b.readers[name]
	if ok && cur != r {
		return
	}
	if ok {
		delete(b.readers, name)
	}
	b.transport.Release(stream)
}

// cursorAfter reports whether cursor a is strictly later than b. Cursors
// are sequence numbers ("42") or Redis stream ids ("1700000000000-3"); the
// empty cursor precedes everything.
func cursorAfter(a, b string) bool {
	am, as := parseCursor(a)
	bm, bs := parseCursor(b)
	if am != bm {
		return am > bm
	}
	return as > bs
}

func parseCursor(c string) (uint64, uint64) {
	major, minor, _ := strings.Cut(c, "-")
	ma, _ := strconv.ParseUint(major, 10, 64)
	mi, _ := strconv.ParseUint(minor, 10, 64)
	return ma, mi
}

// Ping checks the upstream transport.
func (b *Bridge) Ping(ctx context.Context) error {
	return b.transport.Ping(ctx)
}

// Close stops the writer and every reader, then closes the transport.
// Mutations still queued are discarded.
func (b *Bridge) Close() error {
	b.cancel()
	b.wg.Wait()
	if pending := b.Pending(); pending > 0 {
		b.logger.Warn("closing with unsent mutations", zap.Int("pending", pending))
	}
	return b.transport.Close()
}
