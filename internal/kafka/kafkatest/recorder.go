// Package kafkatest provides an in-memory kafka.Publisher for tests.
package kafkatest

import (
	"context"
	"sync"
	"time"

	"github.com/ariefcatur/unitrade-orders/internal/kafka"
)

type Sent struct {
	Dest       kafka.Destination
	Env        kafka.Envelope
	Confirm    bool
	MaxRetries int
	Delay      time.Duration
}

// Recorder keeps every message it is asked to publish.
type Recorder struct {
	mu   sync.Mutex
	sent []Sent
	Err  error // returned by every send when set
}

func (r *Recorder) record(s Sent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.Err != nil {
		return r.Err
	}
	r.sent = append(r.sent, s)
	return nil
}

func (r *Recorder) Send(_ context.Context, dest kafka.Destination, env kafka.Envelope) error {
	return r.record(Sent{Dest: dest, Env: env})
}

func (r *Recorder) SendWithConfirm(_ context.Context, dest kafka.Destination, env kafka.Envelope, maxRetries int) error {
	return r.record(Sent{Dest: dest, Env: env, Confirm: true, MaxRetries: maxRetries})
}

func (r *Recorder) SendDelayed(_ context.Context, dest kafka.Destination, env kafka.Envelope, delay time.Duration, maxRetries int) error {
	return r.record(Sent{Dest: dest, Env: env, Delay: delay, MaxRetries: maxRetries})
}

func (r *Recorder) All() []Sent {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Sent(nil), r.sent...)
}

// To returns the messages sent to dest.
func (r *Recorder) To(dest kafka.Destination) []Sent {
	var out []Sent
	for _, s := range r.All() {
		if s.Dest == dest {
			out = append(out, s)
		}
	}
	return out
}

func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sent = nil
}
