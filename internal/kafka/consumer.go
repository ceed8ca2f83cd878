package kafka

import (
	"context"
	"hash/fnv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ariefcatur/unitrade-orders/internal/logging"
)

// Handler returns nil only when the message is done and its offset may be
// committed. Poison messages should be logged and acknowledged with nil.
type Handler func(ctx context.Context, m kafka.Message) error

// Reader is the part of *kafka.Reader the consumer needs.
type Reader interface {
	FetchMessage(ctx context.Context) (kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

func NewReader(brokers []string, group, topic string) *kafka.Reader {
	return kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		GroupID:        group,
		Topic:          topic,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: 0, // commits are explicit
	})
}

type Consumer struct {
	r          Reader
	topic      string
	workers    int
	maxBackoff time.Duration
	log        *zap.Logger
	offsets    *offsetTracker
}

func NewConsumer(r Reader, topic string, workers int, log *zap.Logger) *Consumer {
	if workers <= 0 {
		workers = 1
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Consumer{
		r:          r,
		topic:      topic,
		workers:    workers,
		maxBackoff: 5 * time.Second,
		log:        log.With(zap.String("topic", topic)),
		offsets:    newOffsetTracker(),
	}
}

// Start fetches until ctx is done. Messages with the same key go to the same
// worker, so one order's events are handled in order.
func (c *Consumer) Start(ctx context.Context, h Handler) error {
	defer c.r.Close()

	queues := make([]chan kafka.Message, c.workers)
	var wg sync.WaitGroup
	for i := range queues {
		queues[i] = make(chan kafka.Message, 64)
		wg.Add(1)
		go func(q <-chan kafka.Message) {
			defer wg.Done()
			for m := range q {
				c.process(ctx, h, m)
			}
		}(queues[i])
	}
	stop := func() {
		for _, q := range queues {
			close(q)
		}
		wg.Wait()
	}

	for {
		m, err := c.r.FetchMessage(ctx)
		if err != nil {
			stop()
			if ctx.Err() != nil {
				return nil
			}
			return errors.Wrapf(err, "fetch from %s", c.topic)
		}
		c.offsets.add(m)
		select {
		case queues[shard(m.Key, c.workers)] <- m:
		case <-ctx.Done():
			stop()
			return nil
		}
	}
}

// process retries h until it succeeds or ctx ends; an uncommitted message is
// redelivered after a restart.
func (c *Consumer) process(ctx context.Context, h Handler, m kafka.Message) {
	log := c.log.With(
		zap.Int("partition", m.Partition),
		zap.Int64("offset", m.Offset),
		zap.String("event_type", HeaderValue(m.Headers, HeaderEventType)),
	)
	mctx := logging.WithLogger(ExtractTrace(ctx, m.Headers), log)

	backoff := 100 * time.Millisecond
	for {
		err := h(mctx, m)
		if err == nil {
			break
		}
		log.Warn("handle_message_failed", zap.Error(err), zap.Duration("retry_in", backoff))
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, c.maxBackoff)
	}

	if upTo, ok := c.offsets.done(m); ok {
		if err := c.r.CommitMessages(ctx, upTo); err != nil && ctx.Err() == nil {
			log.Warn("commit_failed", zap.Error(err))
		}
	}
}

func shard(key []byte, n int) int {
	if n == 1 || len(key) == 0 {
		return 0
	}
	h := fnv.New32a()
	_, _ = h.Write(key)
	return int(h.Sum32() % uint32(n))
}

// offsetTracker commits a partition only up to the highest offset below which
// every fetched message is done, since workers finish out of order.
type offsetTracker struct {
	mu    sync.Mutex
	parts map[int]*partitionOffsets
}

type partitionOffsets struct {
	inflight []kafka.Message
	finished map[int64]bool
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{parts: make(map[int]*partitionOffsets)}
}

func (t *offsetTracker) add(m kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.parts[m.Partition]
	if !ok {
		p = &partitionOffsets{finished: make(map[int64]bool)}
		t.parts[m.Partition] = p
	}
	p.inflight = append(p.inflight, m)
}

// done marks m finished and returns the message to commit, if the committable
// offset moved.
func (t *offsetTracker) done(m kafka.Message) (kafka.Message, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.parts[m.Partition]
	if !ok {
		return kafka.Message{}, false
	}
	p.finished[m.Offset] = true

	var (
		upTo  kafka.Message
		moved bool
	)
	for len(p.inflight) > 0 && p.finished[p.inflight[0].Offset] {
		upTo = p.inflight[0]
		delete(p.finished, upTo.Offset)
		p.inflight = p.inflight[1:]
		moved = true
	}
	return upTo, moved
}
