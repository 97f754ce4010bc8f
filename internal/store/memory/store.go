package memory

import (
	"container/heap"
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/Sh00ty/patrol/internal/models"
	"github.com/Sh00ty/patrol/internal/store"
)

var _ store.Store = (*Store)(nil)

type entry struct {
	check models.CheckDefinition
	index int
}

// Store keeps checks in memory, indexed by id and ordered by next due time.
type Store struct {
	mu       sync.Mutex
	checks   map[models.CheckID]*entry
	due      dueHeap
	contacts map[models.UserID]models.AlertContact
	nextID   models.CheckID
}

func New() *Store {
	return &Store{
		checks:   make(map[models.CheckID]*entry, 128),
		contacts: make(map[models.UserID]models.AlertContact),
	}
}

func (s *Store) CreateCheck(ctx context.Context, check models.CheckDefinition) (models.CheckID, error) {
	err := store.Validate(check)
	if err != nil {
		return 0, fmt.Errorf("failed to create check: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	for _, e := range s.checks {
		if e.check.UserID == check.UserID && e.check.Name == check.Name {
			return 0, store.ErrDuplicateCheck
		}
	}
	if check.ID == 0 {
		s.nextID++
		check.ID = s.nextID
	} else if _, exists := s.checks[check.ID]; exists {
		return 0, fmt.Errorf("%w: %d", store.ErrCheckIDTaken, check.ID)
	}
	s.nextID = max(s.nextID, check.ID)

	e := &entry{check: check}
	s.checks[check.ID] = e
	heap.Push(&s.due, e)
	return check.ID, nil
}

func (s *Store) ListDueChecks(ctx context.Context, now time.Time) ([]models.CheckDefinition, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	due := s.due.popDue(now)
	result := make([]models.CheckDefinition, 0, len(due))
	for _, e := range due {
		result = append(result, e.check)
		heap.Push(&s.due, e)
	}
	return result, nil
}

func (s *Store) StampChecked(ctx context.Context, ids []models.CheckID, now time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, id := range ids {
		e, exists := s.checks[id]
		if !exists {
			continue
		}
		e.check.LastCheck = now
		heap.Fix(&s.due, e.index)
	}
	return nil
}

func (s *Store) GetStatus(ctx context.Context, id models.CheckID) (models.CheckState, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.checks[id]
	if !exists {
		return models.CheckState{}, store.ErrCheckNotFound
	}
	return models.CheckState{Status: e.check.Status, ErrorState: e.check.ErrorState}, nil
}

func (s *Store) SetStatus(ctx context.Context, id models.CheckID, status string, errorState bool, changedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.checks[id]
	if !exists {
		return store.ErrCheckNotFound
	}
	e.check.Status = status
	e.check.ErrorState = errorState
	e.check.StatusChangedAt = changedAt
	return nil
}

func (s *Store) SetErrorFlag(ctx context.Context, id models.CheckID, errorState bool) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.checks[id]
	if !exists {
		return store.ErrCheckNotFound
	}
	e.check.ErrorState = errorState
	return nil
}

// Check returns a copy of the stored definition.
func (s *Store) Check(id models.CheckID) (models.CheckDefinition, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e, exists := s.checks[id]
	if !exists {
		return models.CheckDefinition{}, false
	}
	return e.check, true
}

func (s *Store) GetAlertContact(ctx context.Context, userID models.UserID) (models.AlertContact, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	contact, exists := s.contacts[userID]
	if !exists {
		return models.AlertContact{}, store.ErrContactNotFound
	}
	return contact, nil
}

func (s *Store) SetAlertContact(ctx context.Context, contact models.AlertContact) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.contacts[contact.UserID] = contact
	return nil
}

func (s *Store) Close() error {
	return nil
}
