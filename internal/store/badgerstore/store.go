package badgerstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/dgraph-io/badger/v4"
	"github.com/rs/zerolog/log"

	"github.com/Sh00ty/patrol/internal/models"
	"github.com/Sh00ty/patrol/internal/store"
)

const (
	checkPrefix   = "check/"
	namePrefix    = "checkname/"
	contactPrefix = "contact/"
	checkSeqKey   = "seq/check"

	maxIDAttempts = 1000
)

var _ store.Store = (*Store)(nil)

type Config struct {
	Dir        string        `envconfig:"BADGER_DIR,default=/var/lib/patrol"`
	InMemory   bool          `envconfig:"BADGER_IN_MEMORY,default=false"`
	GCInterval time.Duration `envconfig:"BADGER_GC_INTERVAL,default=5m"`
}

// Store keeps checks in an embedded badger database, one JSON record per key.
type Store struct {
	db  *badger.DB
	seq *badger.Sequence

	stop chan struct{}
	done chan struct{}
}

func Open(cfg Config) (*Store, error) {
	opts := badger.DefaultOptions(cfg.Dir).
		WithLogger(nil).
		WithLoggingLevel(badger.ERROR)
	if cfg.InMemory {
		opts = opts.WithDir("").WithValueDir("").WithInMemory(true)
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger db: %w", err)
	}
	seq, err := db.GetSequence([]byte(checkSeqKey), 100)
	if err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to open check id sequence: %w", err)
	}

	s := &Store{
		db:   db,
		seq:  seq,
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
	go s.runGC(cfg.GCInterval, cfg.InMemory)
	return s, nil
}

func (s *Store) runGC(interval time.Duration, inMemory bool) {
	defer close(s.done)
	if interval <= 0 || inMemory {
		<-s.stop
		return
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			err := s.db.RunValueLogGC(0.7)
			if err != nil && !errors.Is(err, badger.ErrNoRewrite) {
				log.Warn().Err(err).Msg("badger value log gc failed")
			}
		}
	}
}

type checkRecord struct {
	ID         models.CheckID     `json:"id"`
	UserID     models.UserID      `json:"user_id"`
	Name       string             `json:"name"`
	Type       models.CheckType   `json:"type"`
	Params     models.CheckParams `json:"params"`
	Status     string             `json:"status"`
	ErrorState bool               `json:"error_state"`
	Interval   time.Duration      `json:"interval"`
	LastCheck  time.Time          `json:"last_check"`
	ChangedAt  time.Time          `json:"status_change_time,omitzero"`
}

func recordFromCheck(check models.CheckDefinition) checkRecord {
	return checkRecord{
		ID:         check.ID,
		UserID:     check.UserID,
		Name:       check.Name,
		Type:       check.Type,
		Params:     check.Params,
		Status:     check.Status,
		ErrorState: check.ErrorState,
		Interval:   check.Interval,
		LastCheck:  check.LastCheck,
		ChangedAt:  check.StatusChangedAt,
	}
}

func (r checkRecord) toCheck() models.CheckDefinition {
	return models.CheckDefinition{
		ID:         r.ID,
		UserID:     r.UserID,
		Name:       r.Name,
		Type:       r.Type,
		Params:     r.Params,
		Status:     r.Status,
		ErrorState: r.ErrorState,
		Interval:   r.Interval,
		LastCheck:  r.LastCheck,

		StatusChangedAt: r.ChangedAt,
	}
}

func checkKey(id models.CheckID) []byte {
	return []byte(fmt.Sprintf("%s%020d", checkPrefix, id))
}

func nameKey(userID models.UserID, name string) []byte {
	return []byte(fmt.Sprintf("%s%d/%s", namePrefix, userID, name))
}

func contactKey(userID models.UserID) []byte {
	return []byte(fmt.Sprintf("%s%d", contactPrefix, userID))
}

func readCheck(txn *badger.Txn, id models.CheckID) (checkRecord, error) {
	rec := checkRecord{}
	item, err := txn.Get(checkKey(id))
	if err != nil {
		if errors.Is(err, badger.ErrKeyNotFound) {
			return rec, store.ErrCheckNotFound
		}
		return rec, err
	}
	err = item.Value(func(val []byte) error {
		return json.Unmarshal(val, &rec)
	})
	if err != nil {
		return rec, fmt.Errorf("failed to decode check %d: %w", id, err)
	}
	return rec, nil
}

func writeCheck(txn *badger.Txn, rec checkRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to encode check %d: %w", rec.ID, err)
	}
	return txn.Set(checkKey(rec.ID), data)
}

// updateCheck runs fn over the stored record and writes it back in one txn.
func (s *Store) updateCheck(id models.CheckID, fn func(rec *checkRecord)) error {
	return s.db.Update(func(txn *badger.Txn) error {
		rec, err := readCheck(txn, id)
		if err != nil {
			return err
		}
		fn(&rec)
		return writeCheck(txn, rec)
	})
}

func (s *Store) CreateCheck(ctx context.Context, check models.CheckDefinition) (models.CheckID, error) {
	err := store.Validate(check)
	if err != nil {
		return 0, fmt.Errorf("failed to create check: %w", err)
	}
	if check.ID != 0 {
		err = s.insertCheck(check)
		if err != nil {
			return 0, err
		}
		return check.ID, nil
	}
	// explicit ids may already occupy sequence values, skip past them
	for range maxIDAttempts {
		next, err := s.seq.Next()
		if err != nil {
			return 0, fmt.Errorf("failed to allocate check id: %w", err)
		}
		check.ID = models.CheckID(next + 1)
		err = s.insertCheck(check)
		if errors.Is(err, store.ErrCheckIDTaken) {
			continue
		}
		if err != nil {
			return 0, err
		}
		return check.ID, nil
	}
	return 0, fmt.Errorf("failed to allocate check id: %d ids in a row are taken", maxIDAttempts)
}

func (s *Store) insertCheck(check models.CheckDefinition) error {
	return s.db.Update(func(txn *badger.Txn) error {
		_, err := txn.Get(checkKey(check.ID))
		if err == nil {
			return fmt.Errorf("%w: %d", store.ErrCheckIDTaken, check.ID)
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		_, err = txn.Get(nameKey(check.UserID, check.Name))
		if err == nil {
			return store.ErrDuplicateCheck
		}
		if !errors.Is(err, badger.ErrKeyNotFound) {
			return err
		}
		err = txn.Set(nameKey(check.UserID, check.Name), checkKey(check.ID))
		if err != nil {
			return err
		}
		return writeCheck(txn, recordFromCheck(check))
	})
}

func (s *Store) ListDueChecks(ctx context.Context, now time.Time) ([]models.CheckDefinition, error) {
	var due []models.CheckDefinition
	err := s.db.View(func(txn *badger.Txn) error {
		it := txn.NewIterator(badger.DefaultIteratorOptions)
		defer it.Close()

		prefix := []byte(checkPrefix)
		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			rec := checkRecord{}
			err := it.Item().Value(func(val []byte) error {
				return json.Unmarshal(val, &rec)
			})
			if err != nil {
				log.Error().Err(err).Msgf("skipping undecodable record %s", it.Item().Key())
				continue
			}
			check := rec.toCheck()
			if check.Due(now) {
				due = append(due, check)
			}
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to scan checks: %w", err)
	}
	return due, nil
}

func (s *Store) StampChecked(ctx context.Context, ids []models.CheckID, now time.Time) error {
	if len(ids) == 0 {
		return nil
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, id := range ids {
			rec, err := readCheck(txn, id)
			if errors.Is(err, store.ErrCheckNotFound) {
				continue
			}
			if err != nil {
				return err
			}
			rec.LastCheck = now
			err = writeCheck(txn, rec)
			if err != nil {
				return err
			}
		}
		return nil
	})
}

func (s *Store) GetStatus(ctx context.Context, id models.CheckID) (models.CheckState, error) {
	var state models.CheckState
	err := s.db.View(func(txn *badger.Txn) error {
		rec, err := readCheck(txn, id)
		if err != nil {
			return err
		}
		state = models.CheckState{Status: rec.Status, ErrorState: rec.ErrorState}
		return nil
	})
	return state, err
}

func (s *Store) SetStatus(ctx context.Context, id models.CheckID, status string, errorState bool, changedAt time.Time) error {
	return s.updateCheck(id, func(rec *checkRecord) {
		rec.Status = status
		rec.ErrorState = errorState
		rec.ChangedAt = changedAt
	})
}

func (s *Store) SetErrorFlag(ctx context.Context, id models.CheckID, errorState bool) error {
	return s.updateCheck(id, func(rec *checkRecord) {
		rec.ErrorState = errorState
	})
}

func (s *Store) GetAlertContact(ctx context.Context, userID models.UserID) (models.AlertContact, error) {
	contact := models.AlertContact{UserID: userID}
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(contactKey(userID))
		if err != nil {
			if errors.Is(err, badger.ErrKeyNotFound) {
				return store.ErrContactNotFound
			}
			return err
		}
		return item.Value(func(val []byte) error {
			contact.Email = string(val)
			return nil
		})
	})
	return contact, err
}

func (s *Store) SetAlertContact(ctx context.Context, contact models.AlertContact) error {
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(contactKey(contact.UserID), []byte(contact.Email))
	})
}

func (s *Store) Close() error {
	close(s.stop)
	<-s.done
	err := s.seq.Release()
	if err != nil {
		log.Warn().Err(err).Msg("failed to release check id sequence")
	}
	return s.db.Close()
}
