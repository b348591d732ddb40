package agent

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/examgate/proctor-control-plane/internal/model"
)

type RetryOptions struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxTries        uint
}

func DefaultRetryOptions() RetryOptions {
	return RetryOptions{
		InitialInterval: 500 * time.Millisecond,
		MaxInterval:     30 * time.Second,
		MaxTries:        20,
	}
}

// outbox delivers events one at a time in the order they were pushed.
// push never blocks.
type outbox struct {
	reporter Reporter
	retry    RetryOptions
	log      *zap.Logger

	mu      sync.Mutex
	pending []Outbound
	wake    chan struct{}
}

func newOutbox(r Reporter, retry RetryOptions, log *zap.Logger) *outbox {
	def := DefaultRetryOptions()
	if retry.InitialInterval <= 0 {
		retry.InitialInterval = def.InitialInterval
	}
	if retry.MaxInterval <= 0 {
		retry.MaxInterval = def.MaxInterval
	}
	if retry.MaxTries == 0 {
		retry.MaxTries = def.MaxTries
	}
	return &outbox{reporter: r, retry: retry, log: log, wake: make(chan struct{}, 1)}
}

func (o *outbox) push(out Outbound) {
	o.mu.Lock()
	o.pending = append(o.pending, out)
	o.mu.Unlock()
	select {
	case o.wake <- struct{}{}:
	default:
	}
}

func (o *outbox) next() (Outbound, bool) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if len(o.pending) == 0 {
		return Outbound{}, false
	}
	out := o.pending[0]
	o.pending = o.pending[1:]
	return out, true
}

// run delivers until ctx ends. It writes once to finished: nil after a
// terminal event is delivered, or the error that ended the session.
func (o *outbox) run(ctx context.Context, finished chan<- error) {
	for {
		out, ok := o.next()
		if !ok {
			select {
			case <-ctx.Done():
				return
			case <-o.wake:
				continue
			}
		}
		err := o.deliver(ctx, out)
		terminal := out.Kind == model.EventSubmit || out.Kind == model.EventLeave
		switch {
		case errors.Is(err, model.ErrSessionClosed):
			finished <- err
			return
		case ctx.Err() != nil:
			return
		case err != nil && terminal:
			finished <- err
			return
		case err != nil:
			o.log.Warn("report_dropped", zap.String("kind", string(out.Kind)), zap.Error(err))
		case terminal:
			finished <- nil
			return
		}
	}
}

func (o *outbox) deliver(ctx context.Context, out Outbound) error {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = o.retry.InitialInterval
	b.MaxInterval = o.retry.MaxInterval

	_, err := backoff.Retry(ctx, func() (struct{}, error) {
		return struct{}{}, o.reporter.Report(ctx, out)
	},
		backoff.WithBackOff(b),
		backoff.WithMaxTries(o.retry.MaxTries),
		backoff.WithNotify(func(err error, d time.Duration) {
			o.log.Debug("report_retry", zap.String("kind", string(out.Kind)), zap.Duration("backoff", d), zap.Error(err))
		}),
	)
	return err
}
