package kafka

import (
	"context"
	"strconv"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/ariefcatur/unitrade-orders/internal/apperr"
	"github.com/ariefcatur/unitrade-orders/internal/metrics"
)

const writeTimeout = 10 * time.Second

var errProducerClosed = errors.New("producer closed")

// Writer is the part of *kafka.Writer the producer needs.
type Writer interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// NewWriter returns a synchronous writer: WriteMessages returns only after
// every in-sync replica acknowledged, so its error is the broker nack.
func NewWriter(brokers []string) *kafka.Writer {
	return &kafka.Writer{
		Addr:                   kafka.TCP(brokers...),
		Balancer:               &kafka.Hash{},
		RequiredAcks:           kafka.RequireAll,
		BatchTimeout:           10 * time.Millisecond,
		AllowAutoTopicCreation: true,
	}
}

// Confirm reports the broker outcome of one publish attempt.
type Confirm struct {
	Topic         string
	CorrelationID string
	Attempt       int
	Err           error // nil means ack
}

type ProducerOption func(*Producer)

// WithOnConfirm registers a hook called on the producer worker after every
// confirmed attempt. It must not block.
func WithOnConfirm(fn func(Confirm)) ProducerOption {
	return func(p *Producer) { p.onConfirm = fn }
}

func WithRetryBackoff(d time.Duration) ProducerOption {
	return func(p *Producer) { p.backoff = d }
}

func WithWorkers(n int) ProducerOption {
	return func(p *Producer) {
		if n > 0 {
			p.workers = n
		}
	}
}

// ConfirmOption tunes one PublishWithConfirm call.
type ConfirmOption func(*outbound)

// OnExhausted registers fn to run on the producer worker when the last
// attempt for the message is nacked. The message is gone from the producer
// after fn returns, so fn is where it gets parked again or compensated.
func OnExhausted(fn func(msg kafka.Message, err error)) ConfirmOption {
	return func(o *outbound) { o.onExhausted = fn }
}

type outbound struct {
	msg         kafka.Message
	confirm     bool
	maxRetries  int
	onExhausted func(kafka.Message, error)
}

// Producer publishes from a buffered inbox on a few workers. Callers return
// as soon as the message is queued; confirms are handled on the workers.
type Producer struct {
	w         Writer
	inbox     chan outbound
	workers   int
	backoff   time.Duration
	onConfirm func(Confirm)
	log       *zap.Logger
	metrics   *metrics.Metrics

	mu      sync.RWMutex
	closed  bool
	wg      sync.WaitGroup
	closeCh chan struct{}
}

func NewProducer(w Writer, buf int, log *zap.Logger, m *metrics.Metrics, opts ...ProducerOption) *Producer {
	if log == nil {
		log = zap.NewNop()
	}
	p := &Producer{
		w:       w,
		inbox:   make(chan outbound, buf),
		workers: 1,
		backoff: 200 * time.Millisecond,
		log:     log,
		metrics: m,
		closeCh: make(chan struct{}),
	}
	for _, o := range opts {
		o(p)
	}
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.loop()
	}
	go func() {
		p.wg.Wait()
		if err := p.w.Close(); err != nil {
			p.log.Warn("kafka_writer_close_failed", zap.Error(err))
		}
		close(p.closeCh)
	}()
	return p
}

// Publish queues a fire-and-forget message. A failed write is logged, not retried.
func (p *Producer) Publish(ctx context.Context, msg kafka.Message) error {
	return p.enqueue(ctx, outbound{msg: msg})
}

// PublishWithConfirm queues msg and, on nack, re-sends it with a fresh
// correlation id up to maxRetries times.
func (p *Producer) PublishWithConfirm(ctx context.Context, msg kafka.Message, maxRetries int, opts ...ConfirmOption) error {
	if maxRetries < 0 {
		maxRetries = 0
	}
	o := outbound{msg: msg, confirm: true, maxRetries: maxRetries}
	for _, opt := range opts {
		opt(&o)
	}
	return p.enqueue(ctx, o)
}

func (p *Producer) enqueue(ctx context.Context, o outbound) error {
	p.mu.RLock()
	defer p.mu.RUnlock()
	if p.closed {
		return errProducerClosed
	}
	o.msg.Headers = injectTrace(ctx, cloneHeaders(o.msg.Headers))
	if o.msg.Time.IsZero() {
		o.msg.Time = time.Now()
	}
	select {
	case p.inbox <- o:
		return nil
	case <-ctx.Done():
		return errors.Wrap(ctx.Err(), "enqueue message")
	}
}

// Close flushes what is queued and closes the writer.
func (p *Producer) Close() {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.inbox)
	}
	p.mu.Unlock()
}

func (p *Producer) WaitClosed() { <-p.closeCh }

func (p *Producer) loop() {
	defer p.wg.Done()
	for o := range p.inbox {
		if o.confirm {
			p.writeConfirmed(o)
			continue
		}
		if err := p.write(o.msg); err != nil {
			p.log.Warn("publish_failed", zap.String("topic", o.msg.Topic), zap.Error(err))
			p.metrics.PublishConfirmed(o.msg.Topic, "nack")
		}
	}
}

func (p *Producer) write(msg kafka.Message) error {
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	return p.w.WriteMessages(ctx, msg)
}

func (p *Producer) writeConfirmed(o outbound) {
	msg := o.msg
	for attempt := 0; ; attempt++ {
		corr := uuid.NewString()
		msg.Headers = setHeader(cloneHeaders(msg.Headers), HeaderCorrelationID, corr)
		msg.Headers = setHeader(msg.Headers, HeaderRetry, strconv.Itoa(attempt))

		err := p.write(msg)
		p.confirm(Confirm{Topic: msg.Topic, CorrelationID: corr, Attempt: attempt, Err: err})
		if err == nil {
			p.metrics.PublishConfirmed(msg.Topic, "ack")
			return
		}
		p.metrics.PublishConfirmed(msg.Topic, "nack")

		log := p.log.With(
			zap.String("topic", msg.Topic),
			zap.String("correlation_id", corr),
			zap.Int("attempt", attempt),
			zap.Error(err),
		)
		if attempt >= o.maxRetries {
			log.Error("confirm_retries_exhausted", zap.String("kind", apperr.Kind(apperr.ErrDeliveryExhausted)))
			p.metrics.PublishConfirmed(msg.Topic, "exhausted")
			p.exhausted(o, msg, errors.Wrap(apperr.ErrDeliveryExhausted, err.Error()))
			return
		}
		log.Warn("publish_nacked_retrying")
		time.Sleep(p.backoff * time.Duration(attempt+1))
	}
}

func (p *Producer) exhausted(o outbound, msg kafka.Message, err error) {
	if o.onExhausted == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("exhausted_hook_panic", zap.String("topic", msg.Topic), zap.Any("panic", r))
		}
	}()
	o.onExhausted(msg, err)
}

func (p *Producer) confirm(c Confirm) {
	if p.onConfirm == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			p.log.Error("confirm_hook_panic", zap.Any("panic", r))
		}
	}()
	p.onConfirm(c)
}
