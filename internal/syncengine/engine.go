// Package syncengine pushes queued local envelopes to the remote gateway,
// rebases them on conflict, and pulls remote changes since the stored cursor.
//
// Local data is the source of truth until the server confirms a push: no
// failure here rolls back or drops a local edit, and none escapes as an
// error from Sync. Failures surface through Status and Errors instead.
package syncengine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"dailyvault/internal/connectivity"
	"dailyvault/internal/domain"
	"dailyvault/pkg/logger"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/singleflight"
)

// Store is the local persistence the engine reconciles.
type Store interface {
	Lookup(ctx context.Context, date string) (*domain.NoteEnvelope, error)
	Pending(ctx context.Context) ([]domain.PendingChange, error)
	PendingSeq(ctx context.Context, date string) (int64, error)
	ApplyPushResult(ctx context.Context, date string, seq int64, remote *domain.RemoteNote) (bool, error)
	AdoptToken(ctx context.Context, date string, remote *domain.RemoteNote) error
	RecordPushFailure(ctx context.Context, date string, cause error) error
	ApplyRemote(ctx context.Context, remote *domain.RemoteNote) (bool, error)
	Cursor(ctx context.Context) (*time.Time, error)
	AdvanceCursor(ctx context.Context, t time.Time) error
	Dates(ctx context.Context, year int) ([]string, error)
}

// Gateway is the remote note API. PushNote fails with an error matching
// domain.ErrConflict when the request token no longer matches the row.
// FetchNoteByDate returns nil, nil when no row exists.
type Gateway interface {
	FetchNoteByDate(ctx context.Context, userID, date string) (*domain.RemoteNote, error)
	FetchNoteDates(ctx context.Context, userID string, year int) ([]string, error)
	FetchNotesSince(ctx context.Context, userID string, since time.Time) ([]*domain.RemoteNote, error)
	PushNote(ctx context.Context, userID string, req *domain.PushNoteRequest) (*domain.RemoteNote, error)
	DeleteNote(ctx context.Context, userID string, req *domain.DeleteNoteRequest) (*domain.RemoteNote, error)
}

type Connectivity interface {
	IsOnline() bool
	Subscribe() (<-chan bool, func())
}

type Options struct {
	UserID            string
	Interval          time.Duration
	MaxRebaseAttempts int
	// CycleTimeout bounds one Sync run started by the scheduler.
	CycleTimeout time.Duration
	ErrorHistory int
}

func DefaultOptions() Options {
	return Options{
		Interval:          30 * time.Second,
		MaxRebaseAttempts: 3,
		CycleTimeout:      2 * time.Minute,
		ErrorHistory:      50,
	}
}

// Result summarizes one Sync run.
type Result struct {
	Offline bool
	Pushed  []string
	Failed  map[string]error
	Pulled  int
	// PullErr is set when the pull half of the cycle failed.
	PullErr error
}

type Engine struct {
	store   Store
	gateway Gateway
	conn    Connectivity
	clock   connectivity.Clock
	machine Machine
	opts    Options
	log     *logrus.Entry

	// syncMu keeps cycles sequential, so a date never has two pushes in flight.
	syncMu  sync.Mutex
	dates   singleflight.Group
	trigger chan string

	life   context.Context
	cancel context.CancelFunc

	status *statusHub
}

func New(store Store, gateway Gateway, conn Connectivity, clock connectivity.Clock, opts Options, log *logrus.Entry) *Engine {
	def := DefaultOptions()
	if opts.Interval <= 0 {
		opts.Interval = def.Interval
	}
	if opts.MaxRebaseAttempts <= 0 {
		opts.MaxRebaseAttempts = def.MaxRebaseAttempts
	}
	if opts.CycleTimeout <= 0 {
		opts.CycleTimeout = def.CycleTimeout
	}
	if opts.ErrorHistory <= 0 {
		opts.ErrorHistory = def.ErrorHistory
	}
	if clock == nil {
		clock = connectivity.SystemClock{}
	}

	life, cancel := context.WithCancel(context.Background())
	return &Engine{
		store:   store,
		gateway: gateway,
		conn:    conn,
		clock:   clock,
		machine: Machine{MaxRebaseAttempts: opts.MaxRebaseAttempts},
		opts:    opts,
		log:     logger.OrDiscard(log).WithField("component", "sync"),
		trigger: make(chan string, 1),
		life:    life,
		cancel:  cancel,
		status:  newStatusHub(opts.ErrorHistory),
	}
}

// Sync runs one push-then-pull cycle. It never returns an error; per-note
// failures are in the result and in Errors.
func (e *Engine) Sync(ctx context.Context) *Result {
	e.syncMu.Lock()
	defer e.syncMu.Unlock()

	res := &Result{Failed: make(map[string]error)}
	if !e.conn.IsOnline() {
		res.Offline = true
		e.status.update(func(s *Status) { s.Phase = PhaseOffline })
		return res
	}
	e.status.update(func(s *Status) { s.Phase = PhaseSyncing })

	pending, err := e.store.Pending(ctx)
	if err != nil {
		e.fail("", fmt.Errorf("list pending: %w", err))
		res.Failed[""] = err
	}
	for _, p := range pending {
		if ctx.Err() != nil {
			break
		}
		if err := e.pushDate(ctx, p.Date); err != nil {
			res.Failed[p.Date] = err
			e.fail(p.Date, err)
			continue
		}
		res.Pushed = append(res.Pushed, p.Date)
	}

	res.Pulled, res.PullErr = e.pull(ctx)
	if res.PullErr != nil {
		e.fail("", fmt.Errorf("pull: %w", res.PullErr))
	}

	left, leftErr := e.store.Pending(ctx)
	if leftErr != nil {
		e.fail("", fmt.Errorf("count pending: %w", leftErr))
		res.Failed[""] = leftErr
	}
	now := e.clock.Now()
	e.status.update(func(s *Status) {
		if leftErr == nil {
			s.Pending = len(left)
		}
		if len(res.Failed) == 0 && res.PullErr == nil {
			s.Phase = PhaseIdle
			s.LastSync = now
			s.LastError = ""
		} else {
			s.Phase = PhaseError
		}
	})

	e.log.WithFields(logger.Fields{
		"pushed":  len(res.Pushed),
		"failed":  len(res.Failed),
		"pulled":  res.Pulled,
		"pending": len(left),
	}).Debug("sync cycle finished")
	return res
}

func (e *Engine) fail(date string, err error) {
	e.log.WithFields(logger.Fields{"date": date, "error": err}).Warn("sync error")
	e.status.recordError(SyncError{Date: date, Err: err.Error(), At: e.clock.Now()})
}

// pushDate drives one pending note through the push state machine.
func (e *Engine) pushDate(ctx context.Context, date string) error {
	seq, err := e.store.PendingSeq(ctx, date)
	if err != nil {
		return err
	}
	if seq == 0 {
		return nil
	}

	state := e.machine.Transition(Idle{}, PushRequested{})
	for !Terminal(state) {
		next := e.machine.Transition(state, e.step(ctx, date, state))
		e.log.WithFields(logger.Fields{
			"date": date,
			"from": state.String(),
			"to":   next.String(),
		}).Debug("push transition")
		state = next
	}

	switch st := state.(type) {
	case Synced:
		confirmed, err := e.store.ApplyPushResult(ctx, date, seq, st.Remote)
		if err != nil {
			return err
		}
		if !confirmed {
			// Saved again while in flight; the newer edit carries the fresh token.
			e.log.WithField("date", date).Debug("newer local edit queued behind push")
			e.TriggerSync("newer local edit")
		}
		return nil
	case Failed:
		if rerr := e.store.RecordPushFailure(ctx, date, st.Err); rerr != nil {
			e.log.WithFields(logger.Fields{"date": date, "error": rerr}).Warn("could not record push failure")
		}
		return st.Err
	}
	return fmt.Errorf("push %s ended in %s", date, state)
}

// step performs the side effect of state and reports its outcome.
func (e *Engine) step(ctx context.Context, date string, state State) Event {
	switch state.(type) {
	case Pushing:
		env, err := e.store.Lookup(ctx, date)
		if err != nil {
			return PushFailed{Err: err}
		}
		if env == nil {
			return PushFailed{Err: fmt.Errorf("pending note %s has no envelope", date)}
		}
		remote, err := e.send(ctx, env)
		if errors.Is(err, domain.ErrConflict) {
			return PushConflicted{}
		}
		if err != nil {
			return PushFailed{Err: err}
		}
		return PushSucceeded{Remote: remote}

	case Rebasing:
		remote, err := e.gateway.FetchNoteByDate(ctx, e.opts.UserID, date)
		if err != nil {
			return PushFailed{Err: fmt.Errorf("rebase fetch: %w", err)}
		}
		if err := e.store.AdoptToken(ctx, date, remote); err != nil {
			return PushFailed{Err: err}
		}
		return RemoteFetched{Remote: remote}
	}
	return PushFailed{Err: fmt.Errorf("no step for state %s", state)}
}

func (e *Engine) send(ctx context.Context, env *domain.NoteEnvelope) (*domain.RemoteNote, error) {
	if env.Deleted {
		return e.gateway.DeleteNote(ctx, e.opts.UserID, &domain.DeleteNoteRequest{ID: env.RemoteID, Date: env.Date})
	}
	return e.gateway.PushNote(ctx, e.opts.UserID, env.PushRequest())
}

// pull merges remote rows changed since the cursor and advances it to the
// newest server timestamp seen.
func (e *Engine) pull(ctx context.Context) (int, error) {
	cursor, err := e.store.Cursor(ctx)
	if err != nil {
		return 0, err
	}
	var since time.Time
	if cursor != nil {
		since = *cursor
	}

	rows, err := e.gateway.FetchNotesSince(ctx, e.opts.UserID, since)
	if err != nil {
		return 0, err
	}

	var (
		applied int
		newest  time.Time
	)
	for _, row := range rows {
		ok, err := e.store.ApplyRemote(ctx, row)
		if err != nil {
			return applied, err
		}
		if ok {
			applied++
		}
		if row.ServerUpdatedAt.After(newest) {
			newest = row.ServerUpdatedAt
		}
	}
	if !newest.IsZero() {
		if err := e.store.AdvanceCursor(ctx, newest); err != nil {
			return applied, err
		}
	}
	return applied, nil
}

// RefreshDates returns the days with a note in year (0 for every year),
// merging the server's list into the local one. Concurrent callers share a
// single remote request. If the remote is unreachable the local list is
// returned as is.
func (e *Engine) RefreshDates(ctx context.Context, year int) ([]string, error) {
	local, err := e.store.Dates(ctx, year)
	if err != nil {
		return nil, err
	}
	if !e.conn.IsOnline() {
		return local, nil
	}

	// One key for every year: a narrower request is served by a wider one
	// already in flight.
	ch := e.dates.DoChan("dates", func() (interface{}, error) {
		fctx, cancel := context.WithTimeout(e.life, e.opts.CycleTimeout)
		defer cancel()
		return e.gateway.FetchNoteDates(fctx, e.opts.UserID, 0)
	})

	var remote []string
	select {
	case <-ctx.Done():
		return local, ctx.Err()
	case r := <-ch:
		if r.Err != nil {
			e.fail("", fmt.Errorf("refresh dates: %w", r.Err))
			return local, nil
		}
		remote = r.Val.([]string)
	}

	seen := make(map[string]bool, len(local))
	for _, d := range local {
		seen[d] = true
	}
	merged := append([]string(nil), local...)
	for _, d := range remote {
		if seen[d] || (year != 0 && domain.DateYear(d) != year) {
			continue
		}
		seen[d] = true
		deleted, err := e.deletedLocally(ctx, d)
		if err != nil {
			return local, err
		}
		if !deleted {
			merged = append(merged, d)
		}
	}
	domain.SortDates(merged)
	return merged, nil
}

// deletedLocally reports whether date has a local deletion not yet pushed.
func (e *Engine) deletedLocally(ctx context.Context, date string) (bool, error) {
	env, err := e.store.Lookup(ctx, date)
	if err != nil || env == nil || !env.Deleted {
		return false, err
	}
	seq, err := e.store.PendingSeq(ctx, date)
	return seq > 0, err
}

// TriggerSync asks the scheduler for a cycle without waiting for it. Triggers
// that arrive while one is already queued collapse into it.
func (e *Engine) TriggerSync(reason string) {
	select {
	case e.trigger <- reason:
		e.log.WithField("reason", reason).Debug("sync triggered")
	default:
	}
}

// Run schedules cycles on the interval, on every offline to online change
// and on TriggerSync, until ctx is done or Close is called. A cycle is not
// interrupted by ctx: Run returns once the running cycle finishes. Only
// Close cuts a cycle short.
func (e *Engine) Run(ctx context.Context) {
	ticker := time.NewTicker(e.opts.Interval)
	defer ticker.Stop()
	online, stop := e.conn.Subscribe()
	defer stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-e.life.Done():
			return
		case <-ticker.C:
			e.runCycle("interval")
		case up, ok := <-online:
			if !ok {
				online = nil
				continue
			}
			if up {
				e.runCycle("online")
			}
		case reason := <-e.trigger:
			e.runCycle(reason)
		}
	}
}

func (e *Engine) runCycle(reason string) {
	ctx, cancel := context.WithTimeout(e.life, e.opts.CycleTimeout)
	defer cancel()
	res := e.Sync(ctx)
	if res.Offline {
		e.log.WithField("reason", reason).Debug("sync skipped, offline")
	}
}

// Close aborts any running cycle and stops Run.
func (e *Engine) Close() {
	e.cancel()
	e.status.close()
}

func (e *Engine) Status() Status {
	return e.status.get()
}

// Subscribe returns a channel that receives the latest status after every
// change, and a function that ends the subscription.
func (e *Engine) Subscribe() (<-chan Status, func()) {
	return e.status.subscribe()
}

// Errors returns recent sync failures, oldest first.
func (e *Engine) Errors() []SyncError {
	return e.status.errors()
}
