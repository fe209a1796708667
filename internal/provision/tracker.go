package provision

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"siteline/internal/domain"
	"siteline/internal/notify"
)

// ErrNotFound is returned by Tracker fetch functions when no operation
// record exists for the scope key.
var ErrNotFound = errors.New("provision operation not found")

// Poll cadences: push is a latency optimization, not a correctness
// dependency. Polling never stops while the operation is live; it only
// slows down while the notification channel is connected.
const (
	DefaultFastPoll = 800 * time.Millisecond
	DefaultSlowPoll = 5 * time.Second
)

// Snapshot is one observation delivered to the tracker host. Found is false
// when no record exists yet; Err carries a recoverable fetch failure (the
// previous snapshot stays current and the tracker retries next interval).
type Snapshot struct {
	Op    domain.ProvisionOperation
	Found bool
	Err   error
}

// Tracker observes a provisioning operation until it reaches a terminal
// status. It fetches once up front, refetches immediately on matching
// notification events, and polls as a backstop: fast while the channel is
// disconnected, slow while push is available. Hosts holding a pre-fetched
// terminal record do not need a Tracker at all; Steps alone renders it.
type Tracker struct {
	Fetch func(ctx context.Context, projectCode string) (domain.ProvisionOperation, error)
	Hub   *notify.Hub

	FastPoll time.Duration
	SlowPoll time.Duration

	// OnUpdate observes every snapshot, including not-found and error ones.
	OnUpdate func(Snapshot)

	Log *slog.Logger
}

func (t *Tracker) interval() time.Duration {
	fast, slow := t.FastPoll, t.SlowPoll
	if fast <= 0 {
		fast = DefaultFastPoll
	}
	if slow <= 0 {
		slow = DefaultSlowPoll
	}
	if t.Hub != nil && t.Hub.Status() == notify.Connected {
		return slow
	}
	return fast
}

// Run observes the operation for projectCode until it is terminal or ctx is
// done. It returns the final record, or ctx.Err on cancellation. All state
// is confined to this call; cancellation is the context, not a flag.
func (t *Tracker) Run(ctx context.Context, projectCode string) (domain.ProvisionOperation, error) {
	log := t.Log
	if log == nil {
		log = slog.Default()
	}

	kick := make(chan struct{}, 1)
	if t.Hub != nil {
		cancel := t.Hub.Subscribe(notify.EntityProvisioning, projectCode, func(notify.Event) {
			select {
			case kick <- struct{}{}:
			default:
			}
		})
		defer cancel()
	}

	if op, terminal := t.observe(ctx, projectCode, log); terminal {
		return op, nil
	}

	timer := time.NewTimer(t.interval())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return domain.ProvisionOperation{}, ctx.Err()
		case <-kick:
		case <-timer.C:
		}
		if op, terminal := t.observe(ctx, projectCode, log); terminal {
			return op, nil
		}
		if !timer.Stop() {
			select {
			case <-timer.C:
			default:
			}
		}
		// cadence is re-evaluated every cycle so a connection change takes
		// effect without missing the terminal transition
		timer.Reset(t.interval())
	}
}

func (t *Tracker) observe(ctx context.Context, projectCode string, log *slog.Logger) (domain.ProvisionOperation, bool) {
	op, err := t.Fetch(ctx, projectCode)
	switch {
	case errors.Is(err, ErrNotFound):
		t.update(Snapshot{Found: false})
		return domain.ProvisionOperation{}, false
	case err != nil:
		// stale data; retry next interval
		log.Debug("provision fetch failed", "project_code", projectCode, "error", err)
		t.update(Snapshot{Err: err})
		return domain.ProvisionOperation{}, false
	}
	t.update(Snapshot{Op: op, Found: true})
	return op, op.Status.Terminal()
}

func (t *Tracker) update(s Snapshot) {
	if t.OnUpdate != nil {
		t.OnUpdate(s)
	}
}
