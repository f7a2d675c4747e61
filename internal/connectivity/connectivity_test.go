package connectivity

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"
)

func TestMonitorNotifiesOnChange(t *testing.T) {
	m := NewMonitor(false, nil)
	ch, stop := m.Subscribe()
	defer stop()

	m.SetOnline(false)
	select {
	case <-ch:
		t.Fatal("notified without a change")
	default:
	}

	m.SetOnline(true)
	select {
	case v := <-ch:
		if !v {
			t.Error("expected online notification")
		}
	case <-time.After(time.Second):
		t.Fatal("no notification")
	}
	if !m.IsOnline() {
		t.Error("IsOnline() = false after SetOnline(true)")
	}
}

func TestMonitorSlowSubscriberSeesLatest(t *testing.T) {
	m := NewMonitor(false, nil)
	ch, stop := m.Subscribe()
	defer stop()

	m.SetOnline(true)
	m.SetOnline(false)

	if v := <-ch; v {
		t.Error("slow subscriber got a stale state")
	}
}

func TestMonitorUnsubscribe(t *testing.T) {
	m := NewMonitor(true, nil)
	ch, stop := m.Subscribe()
	stop()
	stop()

	if _, ok := <-ch; ok {
		t.Error("channel not closed after unsubscribe")
	}
	m.SetOnline(false)
}

func TestMonitorWatch(t *testing.T) {
	m := NewMonitor(false, nil)
	var fail atomic.Bool

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		m.Watch(ctx, 10*time.Millisecond, func(ctx context.Context) error {
			if fail.Load() {
				return errors.New("unreachable")
			}
			return nil
		})
		close(done)
	}()

	waitFor(t, func() bool { return m.IsOnline() })
	fail.Store(true)
	waitFor(t, func() bool { return !m.IsOnline() })

	cancel()
	<-done
}

func TestFixedClock(t *testing.T) {
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	c := NewFixedClock(start)
	c.Advance(time.Hour)
	if !c.Now().Equal(start.Add(time.Hour)) {
		t.Errorf("Now() = %v", c.Now())
	}
	var _ Clock = SystemClock{}
}

func waitFor(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}
