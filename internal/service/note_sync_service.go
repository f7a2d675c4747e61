package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"dailyvault/internal/domain"
	"dailyvault/internal/repository"
	"dailyvault/pkg/logger"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// ChangeNotifier is told about every accepted write.
type ChangeNotifier interface {
	NotifyNoteChange(userID, deviceID string, note *domain.RemoteNote)
}

// NoteSyncService owns the server side of note sync. Writes for one user are
// serialized so server_updated_at stamps are handed out and committed in
// order, which keeps "changes since cursor" from skipping a row.
type NoteSyncService struct {
	noteRepo repository.NoteRepository
	notifier ChangeNotifier
	log      *logrus.Entry
	now      func() time.Time

	mu     sync.Mutex
	clocks map[string]*userClock
}

type userClock struct {
	mu   sync.Mutex
	last time.Time
}

func NewNoteSyncService(noteRepo repository.NoteRepository, notifier ChangeNotifier, log *logrus.Entry) *NoteSyncService {
	return &NoteSyncService{
		noteRepo: noteRepo,
		notifier: notifier,
		log:      logger.OrDiscard(log).WithField("component", "note_sync"),
		now:      time.Now,
		clocks:   make(map[string]*userClock),
	}
}

func (s *NoteSyncService) clock(userID string) *userClock {
	s.mu.Lock()
	defer s.mu.Unlock()

	c, ok := s.clocks[userID]
	if !ok {
		c = &userClock{}
		s.clocks[userID] = c
	}
	return c
}

// stamp returns a time after both the user's previous stamp and floor.
// Stamps are truncated to microseconds, the resolution stored for queries.
// Callers hold c.mu.
func (c *userClock) stamp(now time.Time, floor *domain.RemoteNote) time.Time {
	t := now.UTC().Truncate(time.Microsecond)
	if !t.After(c.last) {
		t = c.last.Add(time.Microsecond)
	}
	if floor != nil && !t.After(floor.ServerUpdatedAt) {
		t = floor.ServerUpdatedAt.Add(time.Microsecond)
	}
	c.last = t
	return t
}

func (s *NoteSyncService) current(ctx context.Context, userID, date string) (*domain.RemoteNote, string, error) {
	note, rev, err := s.noteRepo.Get(ctx, userID, date)
	if errors.Is(err, domain.ErrNoteNotFound) {
		return nil, "", nil
	}
	return note, rev, err
}

func tokenMatches(current *domain.RemoteNote, token *time.Time) bool {
	if current == nil {
		return token == nil
	}
	return token != nil && token.Equal(current.ServerUpdatedAt)
}

// Push stores req if its token matches the row the server holds. A nil
// token claims no row exists yet. On mismatch the error is a
// *domain.RevisionConflictError carrying the current row.
func (s *NoteSyncService) Push(ctx context.Context, userID, deviceID string, req *domain.PushNoteRequest) (*domain.RemoteNote, error) {
	if err := domain.ValidateDate(req.Date); err != nil {
		return nil, err
	}

	c := s.clock(userID)
	c.mu.Lock()
	defer c.mu.Unlock()

	current, rev, err := s.current(ctx, userID, req.Date)
	if err != nil {
		return nil, err
	}
	if !tokenMatches(current, req.ServerUpdatedAt) {
		return nil, &domain.RevisionConflictError{Date: req.Date, Current: current}
	}

	stamp := c.stamp(s.now(), current)
	note := &domain.RemoteNote{
		ID:              req.ID,
		UserID:          userID,
		Date:            req.Date,
		Ciphertext:      req.Ciphertext,
		Nonce:           req.Nonce,
		KeyID:           req.KeyID,
		Revision:        nextRevision(current, req.Revision),
		UpdatedAt:       req.UpdatedAt.UTC(),
		ServerUpdatedAt: stamp,
	}
	if current != nil {
		note.ID = current.ID
	}
	if note.ID == "" {
		note.ID = uuid.New().String()
	}
	if note.UpdatedAt.IsZero() {
		note.UpdatedAt = stamp
	}

	if err := s.save(ctx, note, rev); err != nil {
		return nil, err
	}
	s.notify(userID, deviceID, note)
	return note, nil
}

// Delete tombstones date. It needs no token and creates the tombstone even
// when the row never existed, so other devices learn about the deletion.
func (s *NoteSyncService) Delete(ctx context.Context, userID, deviceID string, req *domain.DeleteNoteRequest) (*domain.RemoteNote, error) {
	if err := domain.ValidateDate(req.Date); err != nil {
		return nil, err
	}

	c := s.clock(userID)
	c.mu.Lock()
	defer c.mu.Unlock()

	current, rev, err := s.current(ctx, userID, req.Date)
	if err != nil {
		return nil, err
	}
	if current != nil && current.Deleted {
		return current, nil
	}

	stamp := c.stamp(s.now(), current)
	note := &domain.RemoteNote{
		ID:              req.ID,
		UserID:          userID,
		Date:            req.Date,
		Revision:        nextRevision(current, 1),
		UpdatedAt:       stamp,
		ServerUpdatedAt: stamp,
		Deleted:         true,
	}
	if current != nil {
		note.ID = current.ID
	}
	if note.ID == "" {
		note.ID = uuid.New().String()
	}

	if err := s.save(ctx, note, rev); err != nil {
		return nil, err
	}
	s.notify(userID, deviceID, note)
	return note, nil
}

func nextRevision(current *domain.RemoteNote, requested int64) int64 {
	if current != nil {
		return current.Revision + 1
	}
	if requested < 1 {
		return 1
	}
	return requested
}

// save writes note and, when another server process won the race on the
// document, reports a conflict against whatever it wrote.
func (s *NoteSyncService) save(ctx context.Context, note *domain.RemoteNote, rev string) error {
	err := s.noteRepo.Save(ctx, note, rev)
	if err == nil {
		return nil
	}
	if !errors.Is(err, domain.ErrConflict) {
		return err
	}
	current, _, getErr := s.current(ctx, note.UserID, note.Date)
	if getErr != nil {
		return fmt.Errorf("%w (reload failed: %v)", err, getErr)
	}
	return &domain.RevisionConflictError{Date: note.Date, Current: current}
}

func (s *NoteSyncService) notify(userID, deviceID string, note *domain.RemoteNote) {
	s.log.WithFields(logger.Fields{
		"user_id":  userID,
		"date":     note.Date,
		"revision": note.Revision,
		"deleted":  note.Deleted,
	}).Debug("note accepted")

	if s.notifier != nil {
		s.notifier.NotifyNoteChange(userID, deviceID, note)
	}
}

// Get returns the row for date, tombstones included.
func (s *NoteSyncService) Get(ctx context.Context, userID, date string) (*domain.RemoteNote, error) {
	if err := domain.ValidateDate(date); err != nil {
		return nil, err
	}
	note, _, err := s.noteRepo.Get(ctx, userID, date)
	return note, err
}

// Dates lists live note dates in calendar order; year 0 means all years.
func (s *NoteSyncService) Dates(ctx context.Context, userID string, year int) ([]string, error) {
	return s.noteRepo.ListDates(ctx, userID, year)
}

func (s *NoteSyncService) ChangesSince(ctx context.Context, userID string, since time.Time) ([]*domain.RemoteNote, error) {
	return s.noteRepo.ChangesSince(ctx, userID, since)
}
