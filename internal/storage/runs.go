package storage

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.etcd.io/bbolt"
	"go.uber.org/zap"
)

// ErrRunNotFound is returned by GetRun for unknown IDs.
var ErrRunNotFound = errors.New("run not found")

// Journal records extraction runs, newest last in key order.
type Journal struct {
	db *BoltDB
	mu sync.Mutex
}

// OpenJournal opens the journal database at path, waiting DefaultOpenTimeout for a lock held
// by another process.
func OpenJournal(path string, logger *zap.Logger) (*Journal, error) {
	return OpenJournalWithTimeout(path, DefaultOpenTimeout, logger)
}

// OpenJournalWithTimeout is OpenJournal with an explicit lock wait.
func OpenJournalWithTimeout(path string, timeout time.Duration, logger *zap.Logger) (*Journal, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	db, err := NewBoltDB(path, timeout, logger.Named("journal").Sugar())
	if err != nil {
		return nil, err
	}
	return &Journal{db: db}, nil
}

// Close closes the underlying database.
func (j *Journal) Close() error {
	return j.db.Close()
}

// runKey is {20-digit start timestamp}_{ulid} so keys sort chronologically.
func runKey(started time.Time, id string) []byte {
	return []byte(fmt.Sprintf("%020d_%s", started.UnixNano(), id))
}

// SaveRun stores record, assigning an ID and start time when missing.
func (j *Journal) SaveRun(record *RunRecord) error {
	if record == nil {
		return fmt.Errorf("run record cannot be nil")
	}
	if record.StartedAt.IsZero() {
		record.StartedAt = time.Now().UTC()
	}
	if record.ID == "" {
		record.ID = ulid.MustNew(ulid.Timestamp(record.StartedAt), ulid.DefaultEntropy()).String()
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	return j.db.db.Update(func(tx *bbolt.Tx) error {
		data, err := record.MarshalBinary()
		if err != nil {
			return fmt.Errorf("failed to marshal run record: %w", err)
		}
		if err := tx.Bucket([]byte(RunsBucket)).Put(runKey(record.StartedAt, record.ID), data); err != nil {
			return fmt.Errorf("failed to store run record: %w", err)
		}
		return nil
	})
}

// ListRuns returns up to limit runs, newest first. limit <= 0 returns every run.
func (j *Journal) ListRuns(limit int) ([]*RunRecord, error) {
	var runs []*RunRecord
	err := j.db.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(RunsBucket)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if limit > 0 && len(runs) >= limit {
				break
			}
			record := &RunRecord{}
			if err := record.UnmarshalBinary(v); err != nil {
				j.db.logger.Warnf("Skipping unreadable run record %s: %v", k, err)
				continue
			}
			runs = append(runs, record)
		}
		return nil
	})
	return runs, err
}

// GetRun looks a run up by ID.
func (j *Journal) GetRun(id string) (*RunRecord, error) {
	var found *RunRecord
	err := j.db.db.View(func(tx *bbolt.Tx) error {
		c := tx.Bucket([]byte(RunsBucket)).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			if len(k) < 22 || string(k[21:]) != id {
				continue
			}
			found = &RunRecord{}
			return found.UnmarshalBinary(v)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, fmt.Errorf("%w: %s", ErrRunNotFound, id)
	}
	return found, nil
}

// CountRuns returns the number of stored runs.
func (j *Journal) CountRuns() (int, error) {
	var n int
	err := j.db.db.View(func(tx *bbolt.Tx) error {
		n = tx.Bucket([]byte(RunsBucket)).Stats().KeyN
		return nil
	})
	return n, err
}

// PruneRuns deletes the oldest runs so that at most retain remain. It returns how many were
// deleted. retain <= 0 keeps everything.
func (j *Journal) PruneRuns(retain int) (int, error) {
	if retain <= 0 {
		return 0, nil
	}

	j.mu.Lock()
	defer j.mu.Unlock()

	deleted := 0
	err := j.db.db.Update(func(tx *bbolt.Tx) error {
		bucket := tx.Bucket([]byte(RunsBucket))
		excess := bucket.Stats().KeyN - retain
		if excess <= 0 {
			return nil
		}

		var stale [][]byte
		c := bucket.Cursor()
		for k, _ := c.First(); k != nil && len(stale) < excess; k, _ = c.Next() {
			stale = append(stale, append([]byte(nil), k...))
		}
		for _, k := range stale {
			if err := bucket.Delete(k); err != nil {
				return fmt.Errorf("failed to delete run %s: %w", k, err)
			}
			deleted++
		}
		return nil
	})
	return deleted, err
}

// Ping opens a read transaction to confirm the database is usable.
func (j *Journal) Ping() error {
	return j.db.db.View(func(*bbolt.Tx) error { return nil })
}
