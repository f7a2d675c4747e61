// Package connectivity provides the online/offline signal and the clock the
// sync engine consumes. Both are plain service objects built in main and
// injected, so tests substitute their own.
package connectivity

import (
	"context"
	"sync"
	"time"

	"dailyvault/pkg/logger"

	"github.com/sirupsen/logrus"
)

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return time.Now() }

// FixedClock is a manually advanced clock for tests.
type FixedClock struct {
	mu sync.Mutex
	t  time.Time
}

func NewFixedClock(t time.Time) *FixedClock {
	return &FixedClock{t: t}
}

func (c *FixedClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *FixedClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

// Monitor tracks whether the remote is reachable and fans out changes.
type Monitor struct {
	mu     sync.Mutex
	online bool
	subs   map[int]chan bool
	nextID int
	log    *logrus.Entry
}

func NewMonitor(online bool, log *logrus.Entry) *Monitor {
	return &Monitor{
		online: online,
		subs:   make(map[int]chan bool),
		log:    logger.OrDiscard(log).WithField("component", "connectivity"),
	}
}

func (m *Monitor) IsOnline() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.online
}

// SetOnline records the current state and notifies subscribers if it changed.
func (m *Monitor) SetOnline(online bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.online == online {
		return
	}
	m.online = online
	m.log.WithField("online", online).Info("connectivity changed")

	for _, ch := range m.subs {
		// Keep only the latest state for slow subscribers.
		select {
		case <-ch:
		default:
		}
		ch <- online
	}
}

// Subscribe returns a channel receiving each state change and a function
// that stops the subscription.
func (m *Monitor) Subscribe() (<-chan bool, func()) {
	m.mu.Lock()
	defer m.mu.Unlock()

	id := m.nextID
	m.nextID++
	ch := make(chan bool, 1)
	m.subs[id] = ch

	return ch, func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		if _, ok := m.subs[id]; ok {
			delete(m.subs, id)
			close(ch)
		}
	}
}

// Watch calls probe every interval and updates the state from its result
// until ctx is done.
func (m *Monitor) Watch(ctx context.Context, interval time.Duration, probe func(ctx context.Context) error) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	check := func() {
		pctx, cancel := context.WithTimeout(ctx, interval)
		defer cancel()
		m.SetOnline(probe(pctx) == nil)
	}

	check()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			check()
		}
	}
}
