// Package storage persists checkpoint snapshots in a BoltDB file.
package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	"github.com/san-kum/cyclesim/internal/dynamo"
	"github.com/san-kum/cyclesim/internal/state"
)

const (
	snapshotBucket = "snapshots"
	catalogBucket  = "catalog"
)

// Entry describes one stored snapshot without its field data.
type Entry struct {
	Name    string    `json:"name"`
	RunID   string    `json:"run_id"`
	Time    float64   `json:"time"`
	Cycle   int       `json:"cycle"`
	Records int       `json:"records"`
	SavedAt time.Time `json:"saved_at"`
}

// Store is a BoltDB-backed checkpoint store. Each opened store stamps the
// snapshots it saves with a fresh run id.
type Store struct {
	db    *bbolt.DB
	runID string
}

// Open opens or creates the database at path.
func Open(path string) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	cleanPath := filepath.Clean(path)
	if err := os.MkdirAll(filepath.Dir(cleanPath), 0755); err != nil {
		return nil, fmt.Errorf("create storage dir: %w", err)
	}
	db, err := bbolt.Open(cleanPath, 0o600, &bbolt.Options{Timeout: time.Second})
	if err != nil {
		return nil, fmt.Errorf("open storage db: %w", err)
	}

	store := &Store{db: db, runID: uuid.NewString()}
	if err := store.ensureBuckets(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return store, nil
}

func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

func (s *Store) RunID() string { return s.runID }

func (s *Store) Save(ctx context.Context, name string, snap state.Snapshot) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.TrimSpace(name) == "" {
		return fmt.Errorf("checkpoint name is required")
	}
	payload, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	entry, err := json.Marshal(Entry{
		Name:    name,
		RunID:   s.runID,
		Time:    snap.Time,
		Cycle:   snap.Cycle,
		Records: len(snap.Records),
		SavedAt: time.Now().UTC(),
	})
	if err != nil {
		return fmt.Errorf("marshal catalog entry: %w", err)
	}

	return s.db.Update(func(tx *bbolt.Tx) error {
		if err := tx.Bucket([]byte(snapshotBucket)).Put([]byte(name), payload); err != nil {
			return err
		}
		return tx.Bucket([]byte(catalogBucket)).Put([]byte(name), entry)
	})
}

// Entry reads the catalog entry of a snapshot.
func (s *Store) Entry(ctx context.Context, name string) (Entry, error) {
	if err := ctx.Err(); err != nil {
		return Entry{}, err
	}
	var e Entry
	err := s.db.View(func(tx *bbolt.Tx) error {
		payload := tx.Bucket([]byte(catalogBucket)).Get([]byte(name))
		if payload == nil {
			return fmt.Errorf("%w: checkpoint %q", dynamo.ErrNotFound, name)
		}
		if err := json.Unmarshal(payload, &e); err != nil {
			return fmt.Errorf("unmarshal catalog entry: %w", err)
		}
		return nil
	})
	return e, err
}

func (s *Store) ReadTime(ctx context.Context, name string) (float64, int, error) {
	e, err := s.Entry(ctx, name)
	if err != nil {
		return 0, 0, err
	}
	return e.Time, e.Cycle, nil
}

func (s *Store) Read(ctx context.Context, name string) (state.Snapshot, error) {
	if err := ctx.Err(); err != nil {
		return state.Snapshot{}, err
	}
	var snap state.Snapshot
	err := s.db.View(func(tx *bbolt.Tx) error {
		payload := tx.Bucket([]byte(snapshotBucket)).Get([]byte(name))
		if payload == nil {
			return fmt.Errorf("%w: checkpoint %q", dynamo.ErrNotFound, name)
		}
		if err := json.Unmarshal(payload, &snap); err != nil {
			return fmt.Errorf("unmarshal snapshot: %w", err)
		}
		return nil
	})
	return snap, err
}

// List returns every catalog entry ordered by cycle, then name.
func (s *Store) List(ctx context.Context) ([]Entry, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries := make([]Entry, 0)
	err := s.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(catalogBucket)).ForEach(func(_, v []byte) error {
			var e Entry
			if err := json.Unmarshal(v, &e); err != nil {
				return fmt.Errorf("unmarshal catalog entry: %w", err)
			}
			entries = append(entries, e)
			return nil
		})
	})
	if err != nil {
		return nil, err
	}
	sort.Slice(entries, func(i, j int) bool {
		if entries[i].Cycle != entries[j].Cycle {
			return entries[i].Cycle < entries[j].Cycle
		}
		return entries[i].Name < entries[j].Name
	})
	return entries, nil
}

func (s *Store) Delete(ctx context.Context, name string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(tx *bbolt.Tx) error {
		if tx.Bucket([]byte(catalogBucket)).Get([]byte(name)) == nil {
			return fmt.Errorf("%w: checkpoint %q", dynamo.ErrNotFound, name)
		}
		if err := tx.Bucket([]byte(snapshotBucket)).Delete([]byte(name)); err != nil {
			return err
		}
		return tx.Bucket([]byte(catalogBucket)).Delete([]byte(name))
	})
}

func (s *Store) ensureBuckets() error {
	return s.db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{snapshotBucket, catalogBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("create %s bucket: %w", name, err)
			}
		}
		return nil
	})
}
