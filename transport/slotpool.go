package transport

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ruteri/tee-enclave-boundary/common"
	"github.com/ruteri/tee-enclave-boundary/interfaces"
	"go.uber.org/atomic"
	"golang.org/x/sync/semaphore"
)

const (
	DefaultSlots    = 4
	MaxSlots        = 64
	DefaultWatchdog = 30 * time.Second
)

// SlotPool bounds the number of calls in flight to the enclave. A caller
// whose context ends while its call is still running gets ErrTimeout
// immediately; the call itself is abandoned, not killed, and its slot is
// reclaimed when it returns or when the watchdog fires, whichever is first.
type SlotPool struct {
	log      *slog.Logger
	inner    interfaces.Transport
	sem      *semaphore.Weighted
	slots    int64
	watchdog time.Duration

	inUse     atomic.Int64
	abandoned atomic.Int64
}

func NewSlotPool(inner interfaces.Transport, slots int64, watchdog time.Duration, log *slog.Logger) *SlotPool {
	if slots <= 0 {
		slots = DefaultSlots
	}
	if watchdog <= 0 {
		watchdog = DefaultWatchdog
	}
	return &SlotPool{
		log:      common.LoggerOrDiscard(log),
		inner:    inner,
		sem:      semaphore.NewWeighted(slots),
		slots:    slots,
		watchdog: watchdog,
	}
}

func (p *SlotPool) Invoke(ctx context.Context, op interfaces.OperationID, payload []byte) ([]byte, error) {
	if err := p.sem.Acquire(ctx, 1); err != nil {
		return nil, fmt.Errorf("%w: waiting for an enclave slot: %v", interfaces.ErrTimeout, err)
	}
	p.inUse.Inc()

	var once sync.Once
	release := func() {
		once.Do(func() {
			p.inUse.Dec()
			p.sem.Release(1)
		})
	}

	type result struct {
		out []byte
		err error
	}
	done := make(chan result, 1)
	go func() {
		out, err := p.inner.Invoke(ctx, op, payload)
		release()
		done <- result{out, err}
	}()

	select {
	case r := <-done:
		return r.out, r.err
	case <-ctx.Done():
		p.abandoned.Inc()
		p.log.Warn("Caller abandoned enclave call", "op", string(op), "err", ctx.Err())
		go func() {
			timer := time.NewTimer(p.watchdog)
			defer timer.Stop()
			select {
			case <-done:
			case <-timer.C:
				p.log.Error("Enclave call did not return, reclaiming its slot", "op", string(op), "watchdog", p.watchdog)
				release()
			}
		}()
		return nil, fmt.Errorf("%w: %s: %v", interfaces.ErrTimeout, op, ctx.Err())
	}
}

// InUse returns the number of occupied slots.
func (p *SlotPool) InUse() int64 { return p.inUse.Load() }

// Slots returns the pool size.
func (p *SlotPool) Slots() int64 { return p.slots }

// Abandoned counts calls whose callers gave up before they returned.
func (p *SlotPool) Abandoned() int64 { return p.abandoned.Load() }

func (p *SlotPool) Close() error {
	return p.inner.Close()
}
