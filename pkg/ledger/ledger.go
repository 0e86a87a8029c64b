// Package ledger keeps a history of stripe runs and of where every chunk of
// every file was placed, in a BoltDB file.
package ledger

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	bolt "go.etcd.io/bbolt"
)

var (
	bucketRuns  = []byte("runs")
	bucketFiles = []byte("files")

	// ErrNotFound is returned for unknown run IDs.
	ErrNotFound = errors.New("ledger: run not found")
)

// Kind names the operation a run performed.
type Kind string

const (
	KindEncode Kind = "encode"
	KindDecode Kind = "decode"
)

// Status is the outcome of a run.
type Status string

const (
	StatusRunning   Status = "running"
	StatusSucceeded Status = "succeeded"
	StatusFailed    Status = "failed"
)

// Run describes one encode or decode invocation.
type Run struct {
	ID          string    `json:"id"`
	Kind        Kind      `json:"kind"`
	Status      Status    `json:"status"`
	Source      string    `json:"source,omitempty"`
	Destination string    `json:"destination,omitempty"`
	Roots       []string  `json:"roots"`
	K           int       `json:"k,omitempty"`
	N           int       `json:"n,omitempty"`
	Files       int       `json:"files"`
	Bytes       int64     `json:"bytes"`
	Error       string    `json:"error,omitempty"`
	Started     time.Time `json:"started"`
	Finished    time.Time `json:"finished,omitempty"`
}

// Placement records one chunk written to one root.
type Placement struct {
	Root  string `json:"root"`
	Chunk string `json:"chunk"`
}

// FileRecord records a file handled by a run. Path is relative to the
// source or destination tree.
type FileRecord struct {
	Path       string      `json:"path"`
	Size       int64       `json:"size"`
	Placements []Placement `json:"placements,omitempty"`
}

// Config configures the ledger database.
type Config struct {
	Path    string
	NoSync  bool
	Timeout time.Duration
}

// Store persists runs in BoltDB.
type Store struct {
	cfg Config
	db  *bolt.DB
	now func() time.Time
}

// Open opens or creates the ledger at cfg.Path.
func Open(cfg Config) (*Store, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("ledger: path is required")
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 1 * time.Second
	}
	db, err := bolt.Open(cfg.Path, 0o600, &bolt.Options{
		Timeout: cfg.Timeout,
		NoSync:  cfg.NoSync,
	})
	if err != nil {
		return nil, fmt.Errorf("ledger: open: %w", err)
	}
	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketRuns, bucketFiles} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("ledger: create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}
	return &Store{cfg: cfg, db: db, now: time.Now}, nil
}

// Begin stores run as running and returns it with its ID and start time
// filled in. IDs are time ordered.
func (s *Store) Begin(ctx context.Context, run Run) (Run, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return Run{}, err
	}
	run.ID = id.String()
	run.Status = StatusRunning
	run.Started = s.now()
	if err := s.put(run); err != nil {
		return Run{}, err
	}
	return run, nil
}

// RecordFile appends a file record to the run.
func (s *Store) RecordFile(ctx context.Context, runID string, rec FileRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketRuns).Get([]byte(runID)) == nil {
			return ErrNotFound
		}
		files, err := tx.Bucket(bucketFiles).CreateBucketIfNotExists([]byte(runID))
		if err != nil {
			return err
		}
		return files.Put([]byte(rec.Path), data)
	})
}

// Finish marks the run succeeded, or failed when runErr is non-nil.
func (s *Store) Finish(ctx context.Context, runID string, files int, bytes int64, runErr error) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		run, err := getRun(tx, runID)
		if err != nil {
			return err
		}
		run.Files = files
		run.Bytes = bytes
		run.Finished = s.now()
		run.Status = StatusSucceeded
		if runErr != nil {
			run.Status = StatusFailed
			run.Error = runErr.Error()
		}
		data, err := json.Marshal(run)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketRuns).Put([]byte(run.ID), data)
	})
}

// Get returns one run.
func (s *Store) Get(ctx context.Context, runID string) (Run, error) {
	var run Run
	err := s.db.View(func(tx *bolt.Tx) error {
		var err error
		run, err = getRun(tx, runID)
		return err
	})
	return run, err
}

// Runs returns up to limit runs, newest first. A limit of zero returns all.
func (s *Store) Runs(ctx context.Context, limit int) ([]Run, error) {
	var out []Run
	err := s.db.View(func(tx *bolt.Tx) error {
		c := tx.Bucket(bucketRuns).Cursor()
		for k, v := c.Last(); k != nil; k, v = c.Prev() {
			var run Run
			if err := json.Unmarshal(v, &run); err != nil {
				return err
			}
			out = append(out, run)
			if limit > 0 && len(out) >= limit {
				break
			}
		}
		return nil
	})
	return out, err
}

// Files returns the file records of a run ordered by path.
func (s *Store) Files(ctx context.Context, runID string) ([]FileRecord, error) {
	var out []FileRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		if tx.Bucket(bucketRuns).Get([]byte(runID)) == nil {
			return ErrNotFound
		}
		files := tx.Bucket(bucketFiles).Bucket([]byte(runID))
		if files == nil {
			return nil
		}
		return files.ForEach(func(k, v []byte) error {
			var rec FileRecord
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			out = append(out, rec)
			return nil
		})
	})
	return out, err
}

// Close releases the underlying BoltDB.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) put(run Run) error {
	data, err := json.Marshal(run)
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRuns).Put([]byte(run.ID), data)
	})
}

func getRun(tx *bolt.Tx, runID string) (Run, error) {
	data := tx.Bucket(bucketRuns).Get([]byte(runID))
	if data == nil {
		return Run{}, ErrNotFound
	}
	var run Run
	if err := json.Unmarshal(data, &run); err != nil {
		return Run{}, err
	}
	return run, nil
}
