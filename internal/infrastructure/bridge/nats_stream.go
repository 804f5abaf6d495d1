package bridge

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"
)

// JetStream stores every space log as a subject of one JetStream stream.
// Log names map to subjects by replacing ':' with '.'.
type JetStream struct {
	nc     *nats.Conn
	js     jetstream.JetStream
	stream string
	block  time.Duration
	batch  int

	mu        sync.Mutex
	consumers map[string]*natsReader
}

type natsReader struct {
	consumer jetstream.Consumer
	// cursor is the last stream sequence delivered through this consumer.
	cursor string
}

// JetStreamOptions tunes the NATS transport.
type JetStreamOptions struct {
	Stream string
	// Prefix is the subject prefix matched by the stream, without a
	// trailing dot.
	Prefix        string
	MaxAge        time.Duration
	MaxPerSubject int64
	Block         time.Duration
	Batch         int
	ReconnectWait time.Duration
}

// DialJetStream connects to url and ensures the backing stream exists.
func DialJetStream(ctx context.Context, url, name string, opts JetStreamOptions) (*JetStream, error) {
	if opts.ReconnectWait <= 0 {
		opts.ReconnectWait = 2 * time.Second
	}
	nc, err := nats.Connect(url,
		nats.Name(name),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(opts.ReconnectWait),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to nats: %w", err)
	}
	t, err := NewJetStream(ctx, nc, opts)
	if err != nil {
		nc.Close()
		return nil, err
	}
	return t, nil
}

// NewJetStream uses an existing connection. Close drains it.
func NewJetStream(ctx context.Context, nc *nats.Conn, opts JetStreamOptions) (*JetStream, error) {
	js, err := jetstream.New(nc)
	if err != nil {
		return nil, fmt.Errorf("failed to create JetStream context: %w", err)
	}
	if opts.Block <= 0 {
		opts.Block = 5 * time.Second
	}
	if opts.Batch <= 0 {
		opts.Batch = 100
	}
	_, err = js.CreateOrUpdateStream(ctx, jetstream.StreamConfig{
		Name:              opts.Stream,
		Subjects:          []string{opts.Prefix + ".>"},
		Retention:         jetstream.LimitsPolicy,
		MaxAge:            opts.MaxAge,
		MaxMsgsPerSubject: opts.MaxPerSubject,
		Storage:           jetstream.FileStorage,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create/update stream %s: %w", opts.Stream, err)
	}
	return &JetStream{
		nc:        nc,
		js:        js,
		stream:    opts.Stream,
		block:     opts.Block,
		batch:     opts.Batch,
		consumers: make(map[string]*natsReader),
	}, nil
}

func subject(stream string) string {
	return strings.ReplaceAll(stream, ":", ".")
}

func (t *JetStream) Append(ctx context.Context, stream string, data []byte) error {
	if _, err := t.js.Publish(ctx, subject(stream), data); err != nil {
		return fmt.Errorf("publish %s: %w", subject(stream), err)
	}
	return nil
}

// reader returns an ordered consumer positioned right after cursor,
// recreating it when the cached one is elsewhere.
func (t *JetStream) reader(ctx context.Context, stream, cursor string) (*natsReader, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	if r, ok := t.consumers[stream]; ok && r.cursor == cursor {
		return r, nil
	}
	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject(stream)},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	}
	if cursor != "" {
		seq, err := strconv.ParseUint(cursor, 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid cursor %q: %w", cursor, err)
		}
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = seq + 1
	}
	consumer, err := t.js.OrderedConsumer(ctx, t.stream, cfg)
	if err != nil {
		return nil, fmt.Errorf("create consumer for %s: %w", stream, err)
	}
	r := &natsReader{consumer: consumer, cursor: cursor}
	t.consumers[stream] = r
	return r, nil
}

func (t *JetStream) Read(ctx context.Context, stream, cursor string) ([]Record, string, error) {
	r, err := t.reader(ctx, stream, cursor)
	if err != nil {
		return nil, cursor, err
	}
	batch, err := r.consumer.Fetch(t.batch, jetstream.FetchMaxWait(t.block))
	if err != nil {
		t.forget(stream, r)
		return nil, cursor, fmt.Errorf("fetch %s: %w", stream, err)
	}

	next := cursor
	var records []Record
	for msg := range batch.Messages() {
		meta, err := msg.Metadata()
		if err != nil {
			continue
		}
		next = strconv.FormatUint(meta.Sequence.Stream, 10)
		records = append(records, Record{ID: next, Data: msg.Data()})
	}
	if err := batch.Error(); err != nil && !errors.Is(err, nats.ErrTimeout) {
		// The consumer may have moved past cursor; start over from it next time.
		t.forget(stream, r)
		return nil, cursor, fmt.Errorf("fetch %s: %w", stream, err)
	}

	t.mu.Lock()
	if cur, ok := t.consumers[stream]; ok && cur == r {
		r.cursor = next
	}
	t.mu.Unlock()
	return records, next, nil
}

func (t *JetStream) Tail(ctx context.Context, stream string) (string, error) {
	s, err := t.js.Stream(ctx, t.stream)
	if err != nil {
		return "", fmt.Errorf("stream %s: %w", t.stream, err)
	}
	msg, err := s.GetLastMsgForSubject(ctx, subject(stream))
	if errors.Is(err, jetstream.ErrMsgNotFound) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("last message on %s: %w", subject(stream), err)
	}
	return strconv.FormatUint(msg.Sequence, 10), nil
}

func (t *JetStream) forget(stream string, r *natsReader) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if cur, ok := t.consumers[stream]; ok && cur == r {
		delete(t.consumers, stream)
	}
}

// Release drops the cached consumer. The bridge calls it only from the
// reader that currently owns stream.
func (t *JetStream) Release(stream string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.consumers, stream)
}

func (t *JetStream) Ping(ctx context.Context) error {
	if status := t.nc.Status(); status != nats.CONNECTED {
		return fmt.Errorf("nats connection is %s", status)
	}
	if _, err := t.js.Stream(ctx, t.stream); err != nil {
		return fmt.Errorf("stream %s: %w", t.stream, err)
	}
	return nil
}

func (t *JetStream) Close() error {
	return t.nc.Drain()
}
