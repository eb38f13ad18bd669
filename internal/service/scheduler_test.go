package service

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/goleak"
)

type countingTicker struct {
	calls atomic.Int64
	err   error
}

func (c *countingTicker) Tick(context.Context, time.Time) (int, error) {
	c.calls.Add(1)
	return 1, c.err
}

func TestScheduler_TicksUntilStopped(t *testing.T) {
	defer goleak.VerifyNone(t)

	ticker := &countingTicker{}
	s := NewScheduler(ticker, 5*time.Millisecond, testLogger())
	s.Start(context.Background())

	deadline := time.Now().Add(2 * time.Second)
	for ticker.calls.Load() < 3 {
		if time.Now().After(deadline) {
			t.Fatal("scheduler did not tick")
		}
		time.Sleep(2 * time.Millisecond)
	}
	s.Stop()
	s.Stop()

	n := ticker.calls.Load()
	time.Sleep(20 * time.Millisecond)
	if ticker.calls.Load() != n {
		t.Error("scheduler ticked after Stop")
	}
}

func TestScheduler_StopsOnContextAndSurvivesErrors(t *testing.T) {
	defer goleak.VerifyNone(t)

	ticker := &countingTicker{err: errors.New("store down")}
	s := NewScheduler(ticker, 5*time.Millisecond, testLogger())
	ctx, cancel := context.WithCancel(context.Background())
	s.Start(ctx)

	deadline := time.Now().Add(2 * time.Second)
	for ticker.calls.Load() < 2 {
		if time.Now().After(deadline) {
			t.Fatal("scheduler stopped after an error")
		}
		time.Sleep(2 * time.Millisecond)
	}
	cancel()
	s.Stop()
}
