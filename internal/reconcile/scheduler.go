package reconcile

import (
	"context"
	stderrors "errors"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/alexjbarnes/drive-sync/internal/errors"
	"github.com/alexjbarnes/drive-sync/internal/vault"
)

// Scheduler turns local change notifications and a periodic interval
// into reconciliation runs. Rapid local mutations collapse into one run
// scheduled after quiescence (a resettable single-shot timer, not a
// queue); the periodic run fires independently. Both triggers funnel
// into the same run function, whose mutual exclusion the driver owns.
type Scheduler struct {
	run      func(ctx context.Context)
	debounce time.Duration
	interval time.Duration
	clock    clockwork.Clock
	logger   *slog.Logger
}

// NewScheduler creates a scheduler. The clock defaults to the real
// clock when nil.
func NewScheduler(run func(ctx context.Context), debounce, interval time.Duration, clock clockwork.Clock, logger *slog.Logger) *Scheduler {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}

	return &Scheduler{
		run:      run,
		debounce: debounce,
		interval: interval,
		clock:    clock,
		logger:   logger,
	}
}

// Start consumes change events and blocks until the context is
// cancelled or the events channel closes. On teardown both timers are
// cancelled; a run already in flight completes (runs execute
// synchronously inside this loop), but no fresh run starts afterwards.
func (s *Scheduler) Start(ctx context.Context, events <-chan vault.Event) error {
	ticker := s.clock.NewTicker(s.interval)
	defer ticker.Stop()

	// The debounce timer exists only while changes are pending. A nil
	// channel select case blocks forever, which is exactly the idle
	// behavior wanted.
	var timer clockwork.Timer

	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		var debounceCh <-chan time.Time
		if timer != nil {
			debounceCh = timer.Chan()
		}

		select {
		case <-ctx.Done():
			return ctx.Err()

		case _, ok := <-events:
			if !ok {
				return nil
			}

			// Every event within the window pushes the run further out;
			// only quiescence lets it fire. If the old timer already
			// fired, its tick is still buffered in the channel and a
			// plain Reset would leave it there, firing the run
			// immediately. Drain before rearming.
			if timer != nil && !timer.Stop() {
				select {
				case <-timer.Chan():
				default:
				}
			}

			timer = s.clock.NewTimer(s.debounce)

		case <-debounceCh:
			timer = nil

			s.logger.Debug("debounce window elapsed, starting run")
			s.run(ctx)

		case <-ticker.Chan():
			s.logger.Debug("periodic interval elapsed, starting run")
			s.run(ctx)
		}
	}
}

// RunFunc adapts a driver run with fixed direction flags into the
// scheduler's run function, logging instead of propagating errors so a
// failed run never stops the daemon. An overlapping trigger (periodic
// timer firing while a change-triggered run is active) is expected and
// logged at debug only.
func RunFunc(d *Driver, toRemote, fromRemote bool, logger *slog.Logger) func(ctx context.Context) {
	return func(ctx context.Context) {
		summary, err := d.Run(ctx, toRemote, fromRemote)
		if err != nil {
			if stderrors.Is(err, errors.ErrRunInProgress) {
				logger.Debug("run skipped, another run in progress")
				return
			}

			logger.Error("reconciliation run failed", slog.String("error", err.Error()))

			return
		}

		if summary == (Summary{}) {
			return
		}

		logger.Info("scheduled run finished",
			slog.Int("uploaded", summary.Uploaded),
			slog.Int("downloaded", summary.Downloaded),
			slog.Int("deleted_remote", summary.DeletedRemote),
			slog.Int("conflicts", summary.Conflicts),
		)
	}
}
