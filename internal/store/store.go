// Package store is Aurelia's durable local persistence layer, adapted
// from warren's pkg/storage BoltDB-backed Store. It persists the entities
// the engine accumulates across decision ticks — replica records, the
// task queue, and recovery history — so the bounded-state invariants of
// spec §3 survive a process restart instead of living only in memory.
//
// The target-server registry itself is NOT stored here: per spec §6.1 it
// is the canonical JSON file owned by internal/registry. This store only
// holds what spec.md calls out as needing to "survive repeated decision
// ticks without leaking resources."
package store

import (
	"encoding/json"
	"fmt"
	"path/filepath"

	bolt "go.etcd.io/bbolt"

	"github.com/tricorefile/aurelia/internal/types"
)

var (
	bucketReplicas = []byte("replicas")
	bucketTasks    = []byte("tasks")
	bucketRecovery = []byte("recovery_history")
)

// Store is Aurelia's durable persistence interface.
type Store interface {
	PutReplica(r *types.ReplicaRecord) error
	GetReplica(serverID string) (*types.ReplicaRecord, error)
	ListReplicas() ([]*types.ReplicaRecord, error)
	DeleteReplica(serverID string) error

	PutTask(t *types.Task) error
	GetTask(id string) (*types.Task, error)
	ListTasks() ([]*types.Task, error)
	DeleteTask(id string) error

	AppendRecoveryAttempt(a *types.RecoveryAttempt) error
	ListRecoveryAttempts() ([]*types.RecoveryAttempt, error)

	Close() error
}

// BoltStore implements Store on top of go.etcd.io/bbolt, the way
// warren's BoltStore implements pkg/storage.Store.
type BoltStore struct {
	db *bolt.DB
}

// Open opens (creating if necessary) the bbolt database under dataDir.
func Open(dataDir string) (*BoltStore, error) {
	dbPath := filepath.Join(dataDir, "aurelia.db")

	db, err := bolt.Open(dbPath, 0600, nil)
	if err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, bucket := range [][]byte{bucketReplicas, bucketTasks, bucketRecovery} {
			if _, err := tx.CreateBucketIfNotExists(bucket); err != nil {
				return fmt.Errorf("create bucket %s: %w", bucket, err)
			}
		}
		return nil
	})
	if err != nil {
		db.Close()
		return nil, err
	}

	return &BoltStore{db: db}, nil
}

func (s *BoltStore) Close() error { return s.db.Close() }

// PutReplica upserts a replica record keyed by server ID.
func (s *BoltStore) PutReplica(r *types.ReplicaRecord) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(r)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketReplicas).Put([]byte(r.ServerID), data)
	})
}

// GetReplica returns the replica record for a server, or nil if none
// exists yet (not an error: a server with no record has never been
// targeted for replication).
func (s *BoltStore) GetReplica(serverID string) (*types.ReplicaRecord, error) {
	var r *types.ReplicaRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketReplicas).Get([]byte(serverID))
		if data == nil {
			return nil
		}
		r = &types.ReplicaRecord{}
		return json.Unmarshal(data, r)
	})
	return r, err
}

// ListReplicas returns all known replica records.
func (s *BoltStore) ListReplicas() ([]*types.ReplicaRecord, error) {
	var out []*types.ReplicaRecord
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReplicas).ForEach(func(k, v []byte) error {
			r := &types.ReplicaRecord{}
			if err := json.Unmarshal(v, r); err != nil {
				return err
			}
			out = append(out, r)
			return nil
		})
	})
	return out, err
}

// DeleteReplica removes a replica record, used when pruning Failed
// records past the cooldown window.
func (s *BoltStore) DeleteReplica(serverID string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketReplicas).Delete([]byte(serverID))
	})
}

// PutTask upserts a task keyed by its ID.
func (s *BoltStore) PutTask(t *types.Task) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		data, err := json.Marshal(t)
		if err != nil {
			return err
		}
		return tx.Bucket(bucketTasks).Put([]byte(t.ID), data)
	})
}

// GetTask returns a task by ID.
func (s *BoltStore) GetTask(id string) (*types.Task, error) {
	var t *types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		data := tx.Bucket(bucketTasks).Get([]byte(id))
		if data == nil {
			return fmt.Errorf("task not found: %s", id)
		}
		t = &types.Task{}
		return json.Unmarshal(data, t)
	})
	return t, err
}

// ListTasks returns all known tasks.
func (s *BoltStore) ListTasks() ([]*types.Task, error) {
	var out []*types.Task
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).ForEach(func(k, v []byte) error {
			t := &types.Task{}
			if err := json.Unmarshal(v, t); err != nil {
				return err
			}
			out = append(out, t)
			return nil
		})
	})
	return out, err
}

// DeleteTask removes a task by ID. The scheduler does not call it, so
// finished tasks stay in the store.
func (s *BoltStore) DeleteTask(id string) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketTasks).Delete([]byte(id))
	})
}

// AppendRecoveryAttempt persists one recovery attempt, keyed so that
// ListRecoveryAttempts returns them in append order.
func (s *BoltStore) AppendRecoveryAttempt(a *types.RecoveryAttempt) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		b := tx.Bucket(bucketRecovery)
		seq, err := b.NextSequence()
		if err != nil {
			return err
		}
		data, err := json.Marshal(a)
		if err != nil {
			return err
		}
		return b.Put(itob(seq), data)
	})
}

// ListRecoveryAttempts returns the full recovery history in
// chronological order.
func (s *BoltStore) ListRecoveryAttempts() ([]*types.RecoveryAttempt, error) {
	var out []*types.RecoveryAttempt
	err := s.db.View(func(tx *bolt.Tx) error {
		return tx.Bucket(bucketRecovery).ForEach(func(k, v []byte) error {
			a := &types.RecoveryAttempt{}
			if err := json.Unmarshal(v, a); err != nil {
				return err
			}
			out = append(out, a)
			return nil
		})
	})
	return out, err
}

func itob(v uint64) []byte {
	b := make([]byte, 8)
	for i := 7; i >= 0; i-- {
		b[i] = byte(v & 0xff)
		v >>= 8
	}
	return b
}
