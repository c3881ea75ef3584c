// Package kv is the embedded key-value snapshot store. Keys sort by bus and
// then by time, so per-bus history is a prefix scan.
package kv

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/dgraph-io/badger/v4"

	"bustrack/internal/fleet"
)

var snapPrefix = []byte("snap/")

type SnapshotStore struct {
	db        *badger.DB
	retention time.Duration
}

// Open opens the store at path; an empty path keeps everything in memory.
// Entries expire after retention when it is positive.
func Open(path string, retention time.Duration) (*SnapshotStore, error) {
	opts := badger.DefaultOptions(path)
	if path == "" {
		opts = opts.WithInMemory(true)
	}
	opts.Logger = nil
	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("open badger: %w", err)
	}
	return &SnapshotStore{db: db, retention: retention}, nil
}

func (s *SnapshotStore) Close() error {
	return s.db.Close()
}

func busPrefix(busID int64) []byte {
	p := make([]byte, len(snapPrefix)+8)
	copy(p, snapPrefix)
	binary.BigEndian.PutUint64(p[len(snapPrefix):], uint64(busID))
	return p
}

func snapKey(busID int64, ts time.Time) []byte {
	k := make([]byte, len(snapPrefix)+16)
	copy(k, busPrefix(busID))
	binary.BigEndian.PutUint64(k[len(snapPrefix)+8:], uint64(ts.UnixNano()))
	return k
}

func keyTime(k []byte) time.Time {
	return time.Unix(0, int64(binary.BigEndian.Uint64(k[len(k)-8:]))).UTC()
}

func (s *SnapshotStore) AppendSnapshot(ctx context.Context, snap fleet.LocationSnapshot) error {
	return s.AppendSnapshots(ctx, []fleet.LocationSnapshot{snap})
}

// AppendSnapshots writes the batch in a single transaction.
func (s *SnapshotStore) AppendSnapshots(ctx context.Context, snaps []fleet.LocationSnapshot) error {
	if len(snaps) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		for _, snap := range snaps {
			v, err := json.Marshal(snap)
			if err != nil {
				return err
			}
			e := badger.NewEntry(snapKey(snap.BusID, snap.Timestamp), v)
			if s.retention > 0 {
				e = e.WithTTL(s.retention)
			}
			if err := txn.SetEntry(e); err != nil {
				return fmt.Errorf("set snapshot for bus %d: %w", snap.BusID, err)
			}
		}
		return nil
	})
}

func decode(item *badger.Item) (fleet.LocationSnapshot, error) {
	var snap fleet.LocationSnapshot
	err := item.Value(func(v []byte) error {
		return json.Unmarshal(v, &snap)
	})
	return snap, err
}

// LatestSnapshot returns the newest snapshot of a bus or fleet.ErrNotFound.
func (s *SnapshotStore) LatestSnapshot(ctx context.Context, busID int64) (fleet.LocationSnapshot, error) {
	var (
		snap  fleet.LocationSnapshot
		found bool
	)
	prefix := busPrefix(busID)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Reverse = true
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()

		seek := append(append([]byte{}, prefix...), 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF)
		it.Seek(seek)
		if !it.ValidForPrefix(prefix) {
			return nil
		}
		var err error
		snap, err = decode(it.Item())
		found = err == nil
		return err
	})
	if err != nil {
		return fleet.LocationSnapshot{}, fmt.Errorf("read latest snapshot: %w", err)
	}
	if !found {
		return fleet.LocationSnapshot{}, fleet.ErrNotFound
	}
	return snap, nil
}

// SnapshotHistory returns a bus's snapshots at or after since, oldest first.
func (s *SnapshotStore) SnapshotHistory(ctx context.Context, busID int64, since time.Time) ([]fleet.LocationSnapshot, error) {
	out := []fleet.LocationSnapshot{}
	prefix := busPrefix(busID)
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.Prefix = prefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Seek(snapKey(busID, since)); it.ValidForPrefix(prefix); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			snap, err := decode(it.Item())
			if err != nil {
				return err
			}
			out = append(out, snap)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("read snapshot history: %w", err)
	}
	return out, nil
}

// Cleanup deletes snapshots older than retention ahead of their TTL.
func (s *SnapshotStore) Cleanup(ctx context.Context, retention time.Duration) error {
	if retention <= 0 {
		return nil
	}
	cutoff := time.Now().Add(-retention)

	var stale [][]byte
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = snapPrefix
		it := txn.NewIterator(opts)
		defer it.Close()
		for it.Rewind(); it.ValidForPrefix(snapPrefix); it.Next() {
			k := it.Item().KeyCopy(nil)
			if keyTime(k).Before(cutoff) {
				stale = append(stale, k)
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("scan stale snapshots: %w", err)
	}
	if len(stale) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	wb := s.db.NewWriteBatch()
	defer wb.Cancel()
	for _, k := range stale {
		if err := wb.Delete(k); err != nil {
			return err
		}
	}
	if err := wb.Flush(); err != nil {
		return fmt.Errorf("delete stale snapshots: %w", err)
	}
	log.Printf("cleanup: deleted %d snapshots older than %s", len(stale), retention)
	return nil
}
