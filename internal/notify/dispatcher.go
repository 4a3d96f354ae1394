package notify

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"go.uber.org/atomic"
)

const defaultSendTimeout = 30 * time.Second

// Dispatcher sends notifications off the request path.
// A failed send is logged and counted, never returned to the caller.
type Dispatcher struct {
	notifier Notifier
	log      *slog.Logger
	timeout  time.Duration

	wg     sync.WaitGroup
	sent   atomic.Int64
	failed atomic.Int64
}

// NewDispatcher wraps n. A non-positive timeout uses the default.
func NewDispatcher(n Notifier, log *slog.Logger, timeout time.Duration) *Dispatcher {
	if n == nil {
		n = Nop{}
	}
	if log == nil {
		log = slog.Default()
	}
	if timeout <= 0 {
		timeout = defaultSendTimeout
	}
	return &Dispatcher{notifier: n, log: log, timeout: timeout}
}

// Enabled reports whether messages go anywhere
func (d *Dispatcher) Enabled() bool {
	_, nop := d.notifier.(Nop)
	return !nop
}

// Dispatch sends msg on its own goroutine, detached from the request context
func (d *Dispatcher) Dispatch(msg Message) {
	if !d.Enabled() {
		return
	}
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
		defer cancel()

		if err := d.notifier.Send(ctx, msg); err != nil {
			d.failed.Inc()
			d.log.Warn("Notification failed", "title", msg.Title, "err", err)
			return
		}
		d.sent.Inc()
	}()
}

// Wait blocks until all in-flight sends finish or ctx is done
func (d *Dispatcher) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Sent returns the number of delivered notifications
func (d *Dispatcher) Sent() int64 { return d.sent.Load() }

// Failed returns the number of notifications that could not be delivered
func (d *Dispatcher) Failed() int64 { return d.failed.Load() }
