package reconcile

import (
	"context"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/alexjbarnes/drive-sync/internal/vault"
)

const (
	testDebounce = 5 * time.Second
	testInterval = time.Hour
)

type schedulerHarness struct {
	clock  *clockwork.FakeClock
	events chan vault.Event
	runs   chan struct{}
	done   chan error
	cancel context.CancelFunc
}

func startScheduler(t *testing.T) *schedulerHarness {
	t.Helper()

	h := &schedulerHarness{
		clock:  clockwork.NewFakeClock(),
		events: make(chan vault.Event),
		runs:   make(chan struct{}, 16),
		done:   make(chan error, 1),
	}

	ctx, cancel := context.WithCancel(context.Background())
	h.cancel = cancel
	t.Cleanup(cancel)

	s := NewScheduler(func(context.Context) { h.runs <- struct{}{} }, testDebounce, testInterval, h.clock, testLogger())

	go func() {
		h.done <- s.Start(ctx, h.events)
	}()

	// Wait for the periodic ticker to be armed so Advance calls below
	// are guaranteed to be observed.
	require.NoError(t, h.clock.BlockUntilContext(ctx, 1))

	return h
}

func (h *schedulerHarness) expectRun(t *testing.T) {
	t.Helper()

	select {
	case <-h.runs:
	case <-time.After(2 * time.Second):
		t.Fatal("expected a run to start")
	}
}

func (h *schedulerHarness) expectNoRun(t *testing.T) {
	t.Helper()

	select {
	case <-h.runs:
		t.Fatal("unexpected run")
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSchedulerCollapsesBurstIntoOneRun(t *testing.T) {
	t.Parallel()

	h := startScheduler(t)

	for i := 0; i < 5; i++ {
		h.events <- vault.Event{Path: "note.md"}
	}

	// Ticker plus the armed debounce timer.
	require.NoError(t, h.clock.BlockUntilContext(context.Background(), 2))

	h.expectNoRun(t)
	h.clock.Advance(testDebounce)
	h.expectRun(t)
	h.expectNoRun(t)
}

func TestSchedulerEventResetsDebounceWindow(t *testing.T) {
	t.Parallel()

	h := startScheduler(t)

	h.events <- vault.Event{Path: "a.md"}
	require.NoError(t, h.clock.BlockUntilContext(context.Background(), 2))

	h.clock.Advance(3 * time.Second)

	// A second change inside the window pushes the deadline out.
	h.events <- vault.Event{Path: "b.md"}
	time.Sleep(20 * time.Millisecond)

	h.clock.Advance(4 * time.Second)
	h.expectNoRun(t)

	h.clock.Advance(time.Second)
	h.expectRun(t)
}

func TestSchedulerDebouncesEventRacingTimerExpiry(t *testing.T) {
	t.Parallel()

	h := startScheduler(t)

	// An event arriving just as the window expires must arm a fresh
	// full window rather than firing off the expired timer's buffered
	// tick. The select interleaving is nondeterministic, so repeat.
	for i := 0; i < 4; i++ {
		h.events <- vault.Event{Path: "a.md"}
		require.NoError(t, h.clock.BlockUntilContext(context.Background(), 2))

		h.clock.Advance(testDebounce)

		h.events <- vault.Event{Path: "b.md"}
		time.Sleep(20 * time.Millisecond)

		// When the loop consumed the expiry before the second event,
		// that run legitimately happened; absorb it.
		select {
		case <-h.runs:
		default:
		}

		require.NoError(t, h.clock.BlockUntilContext(context.Background(), 2))
		h.clock.Advance(testDebounce)
		h.expectRun(t)
		h.expectNoRun(t)
	}
}

func TestSchedulerQuiescenceRearmsAfterRun(t *testing.T) {
	t.Parallel()

	h := startScheduler(t)

	h.events <- vault.Event{Path: "a.md"}
	require.NoError(t, h.clock.BlockUntilContext(context.Background(), 2))
	h.clock.Advance(testDebounce)
	h.expectRun(t)

	// A later change arms a fresh window.
	h.events <- vault.Event{Path: "b.md"}
	require.NoError(t, h.clock.BlockUntilContext(context.Background(), 2))
	h.clock.Advance(testDebounce)
	h.expectRun(t)
}

func TestSchedulerPeriodicRunsWithoutEvents(t *testing.T) {
	t.Parallel()

	h := startScheduler(t)

	h.clock.Advance(testInterval)
	h.expectRun(t)

	h.clock.Advance(testInterval)
	h.expectRun(t)
}

func TestSchedulerStopsWhenEventsClose(t *testing.T) {
	t.Parallel()

	h := startScheduler(t)

	close(h.events)

	select {
	case err := <-h.done:
		require.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}

func TestSchedulerStopsOnContextCancel(t *testing.T) {
	t.Parallel()

	h := startScheduler(t)

	h.cancel()

	select {
	case err := <-h.done:
		assert.ErrorIs(t, err, context.Canceled)
	case <-time.After(2 * time.Second):
		t.Fatal("scheduler did not stop")
	}
}
