package kafka

import (
	"context"
	"encoding/json"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

// parked is a delayed message as stored in the sorted set.
type parked struct {
	ID         string            `json:"id"`
	Topic      string            `json:"topic"`
	Key        []byte            `json:"key,omitempty"`
	Value      []byte            `json:"value"`
	Headers    map[string]string `json:"headers,omitempty"`
	MaxRetries int               `json:"max_retries"`
}

// DelayQueue parks messages in a Redis sorted set scored by due time and
// hands them to the producer once due. Several schedulers may poll the same
// set: a member is published only by the instance whose ZREM removed it.
// A member whose confirms run out is parked again, due after redeliverAfter.
type DelayQueue struct {
	rdb            redis.UniversalClient
	key            string
	producer       *Producer
	interval       time.Duration
	redeliverAfter time.Duration
	batch          int64
	log            *zap.Logger
	now            func() time.Time
}

func NewDelayQueue(rdb redis.UniversalClient, key string, producer *Producer, interval time.Duration, log *zap.Logger) *DelayQueue {
	if log == nil {
		log = zap.NewNop()
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &DelayQueue{
		rdb:            rdb,
		key:            key,
		producer:       producer,
		interval:       interval,
		redeliverAfter: 5 * time.Second,
		batch:          100,
		log:            log,
		now:            time.Now,
	}
}

// Schedule parks msg until delay has elapsed.
func (q *DelayQueue) Schedule(ctx context.Context, msg kafka.Message, delay time.Duration, maxRetries int) error {
	msg.Headers = injectTrace(ctx, cloneHeaders(msg.Headers))
	p := parked{
		ID:         uuid.NewString(),
		Topic:      msg.Topic,
		Key:        msg.Key,
		Value:      msg.Value,
		Headers:    make(map[string]string, len(msg.Headers)),
		MaxRetries: maxRetries,
	}
	for _, h := range msg.Headers {
		p.Headers[h.Key] = string(h.Value)
	}
	b, err := json.Marshal(p)
	if err != nil {
		return errors.Wrap(err, "marshal delayed message")
	}
	due := q.now().Add(delay).UnixMilli()
	err = q.rdb.ZAdd(ctx, q.key, redis.Z{Score: float64(due), Member: b}).Err()
	return errors.Wrapf(err, "park message for %s", msg.Topic)
}

// Poll publishes the messages that are due and returns how many it claimed.
func (q *DelayQueue) Poll(ctx context.Context) (int, error) {
	members, err := q.rdb.ZRangeByScore(ctx, q.key, &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(q.now().UnixMilli(), 10),
		Count: q.batch,
	}).Result()
	if err != nil {
		return 0, errors.Wrap(err, "read due messages")
	}

	claimed := 0
	for _, m := range members {
		n, err := q.rdb.ZRem(ctx, q.key, m).Result()
		if err != nil {
			return claimed, errors.Wrap(err, "claim due message")
		}
		if n == 0 {
			continue // another scheduler took it
		}
		claimed++

		var p parked
		if err := json.Unmarshal([]byte(m), &p); err != nil {
			q.log.Error("delayed_message_corrupt", zap.Error(err))
			continue
		}
		msg := kafka.Message{Topic: p.Topic, Key: p.Key, Value: p.Value}
		for k, v := range p.Headers {
			msg.Headers = append(msg.Headers, kafka.Header{Key: k, Value: []byte(v)})
		}
		member := m
		reparkOnNack := OnExhausted(func(_ kafka.Message, cause error) {
			ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
			defer cancel()
			q.log.Warn("delayed_message_reparked", zap.String("topic", p.Topic), zap.Error(cause))
			q.repark(ctx, member, p.Topic, q.now().Add(q.redeliverAfter))
		})
		if err := q.producer.PublishWithConfirm(ExtractTrace(ctx, msg.Headers), msg, p.MaxRetries, reparkOnNack); err != nil {
			q.repark(ctx, m, p.Topic, q.now())
			return claimed, errors.Wrap(err, "publish due message")
		}
	}
	return claimed, nil
}

// repark puts a claimed member back so it is not lost.
func (q *DelayQueue) repark(ctx context.Context, member, topic string, due time.Time) {
	if err := q.rdb.ZAdd(ctx, q.key, redis.Z{Score: float64(due.UnixMilli()), Member: member}).Err(); err != nil {
		q.log.Error("delayed_message_lost", zap.String("topic", topic), zap.Error(err))
	}
}

// Run polls until ctx is done.
func (q *DelayQueue) Run(ctx context.Context) error {
	t := time.NewTicker(q.interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-t.C:
			if _, err := q.Poll(ctx); err != nil && ctx.Err() == nil {
				q.log.Warn("delay_poll_failed", zap.Error(err))
			}
		}
	}
}

// Pending returns how many messages are parked.
func (q *DelayQueue) Pending(ctx context.Context) (int64, error) {
	return q.rdb.ZCard(ctx, q.key).Result()
}
