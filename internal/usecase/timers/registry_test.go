package timers

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
)

func newTestRegistry() (*Registry, *clockwork.FakeClock) {
	clock := clockwork.NewFakeClock()
	return NewRegistry(clock, zerolog.Nop()), clock
}

func waitCounter(t *testing.T, counter *atomic.Int64, expected int64) {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for counter.Load() != expected {
		select {
		case <-deadline:
			t.Fatalf("ожидали %d срабатываний, получили %d", expected, counter.Load())
		case <-time.After(time.Millisecond):
		}
	}
}

func TestCancelAndReplace(t *testing.T) {
	registry, clock := newTestRegistry()

	var first, second atomic.Int64
	registry.Start(PurposeStalled, 42, time.Hour, func(context.Context) { first.Add(1) })
	registry.Start(PurposeStalled, 42, time.Hour, func(context.Context) { second.Add(1) })

	if registry.Len() != 1 {
		t.Fatalf("повторный Start должен заменить таймер, ожидали 1, получили %d", registry.Len())
	}

	clock.Advance(time.Hour)
	waitCounter(t, &second, 1)
	if first.Load() != 0 {
		t.Fatal("первое действие не должно сработать после замены")
	}
	if registry.IsPending(PurposeStalled, 42) {
		t.Fatal("после срабатывания таймер не должен числиться ожидающим")
	}
}

func TestCancelBeforeFire(t *testing.T) {
	registry, clock := newTestRegistry()

	var fired atomic.Int64
	registry.Start(PurposeCalculated, 7, time.Minute, func(context.Context) { fired.Add(1) })
	registry.Cancel(PurposeCalculated, 7)

	clock.Advance(time.Hour)
	time.Sleep(10 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatal("отменённый таймер не должен срабатывать")
	}

	// Cancel без таймера — безопасный no-op.
	registry.Cancel(PurposeCalculated, 7)
	registry.Cancel(PurposeDelayedOffer, 999)
}

func TestPurposesIndependent(t *testing.T) {
	registry, clock := newTestRegistry()

	var stalled, offer atomic.Int64
	registry.Start(PurposeStalled, 42, time.Minute, func(context.Context) { stalled.Add(1) })
	registry.Start(PurposeDelayedOffer, 42, time.Minute, func(context.Context) { offer.Add(1) })

	if registry.Len() != 2 {
		t.Fatalf("разные назначения не должны вытеснять друг друга: %d", registry.Len())
	}

	registry.Cancel(PurposeStalled, 42)
	clock.Advance(time.Minute)
	waitCounter(t, &offer, 1)
	if stalled.Load() != 0 {
		t.Fatal("отмена одного назначения не должна трогать другое")
	}
}

func TestPanicDoesNotAffectOtherTimers(t *testing.T) {
	registry, clock := newTestRegistry()

	var survived atomic.Int64
	registry.Start(PurposeStalled, 1, time.Minute, func(context.Context) { panic("boom") })
	registry.Start(PurposeStalled, 2, 2*time.Minute, func(context.Context) { survived.Add(1) })

	clock.Advance(time.Minute)
	time.Sleep(10 * time.Millisecond)
	clock.Advance(time.Minute)
	waitCounter(t, &survived, 1)
}

func TestCancelAll(t *testing.T) {
	registry, clock := newTestRegistry()

	var fired atomic.Int64
	for _, purpose := range allPurposes() {
		registry.Start(purpose, 42, time.Minute, func(context.Context) { fired.Add(1) })
	}
	registry.CancelAll(42)
	if registry.Len() != 0 {
		t.Fatalf("CancelAll должен снять все таймеры лида: %d", registry.Len())
	}

	clock.Advance(time.Hour)
	time.Sleep(10 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatal("после CancelAll ничего не должно срабатывать")
	}
}

func TestShutdownDropsAll(t *testing.T) {
	registry, clock := newTestRegistry()

	var fired atomic.Int64
	registry.Start(PurposeCalculated, 1, time.Minute, func(context.Context) { fired.Add(1) })
	registry.Start(PurposeStalled, 2, time.Minute, func(context.Context) { fired.Add(1) })
	registry.Shutdown()

	if registry.Len() != 0 {
		t.Fatalf("Shutdown должен снять все таймеры: %d", registry.Len())
	}
	clock.Advance(time.Hour)
	time.Sleep(10 * time.Millisecond)
	if fired.Load() != 0 {
		t.Fatal("после Shutdown ничего не должно срабатывать")
	}
}
