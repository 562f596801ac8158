package wal

import (
	"encoding/json"
	"path/filepath"

	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/opt"
)

// Phase is the rotation state machine tag persisted in the checkpoint
// (spec.md §3 "checkpoint"). It makes crash-during-rotation recoverable.
type Phase string

const (
	PhaseNone           Phase = "none"
	PhaseRotating       Phase = "rotating"
	PhaseCleanupStarted Phase = "cleanup_started"
	PhaseCleanupDone    Phase = "cleanup_done"
)

// Checkpoint records the current head sequence, the active segment, the
// rotation phase, and segments pending cleanup during a rotation.
type Checkpoint struct {
	HeadSeq            uint64   `json:"headSeq"`
	ActiveSegment      int      `json:"activeSegment"`
	Phase              Phase    `json:"phase"`
	PendingCleanup     []int    `json:"pendingCleanup,omitempty"`
	ShutdownIncomplete bool     `json:"shutdownIncomplete,omitempty"`
}

const checkpointKey = "checkpoint"

// checkpointStore is a tiny goleveldb-backed KV used only to persist the
// checkpoint record. goleveldb is one of the teacher's direct dependencies;
// using it here keeps the checkpoint crash-safe (LSM WAL + fsync on Put)
// without hand-rolling our own atomic-rename file format.
type checkpointStore struct {
	db *leveldb.DB
}

func openCheckpointStore(dir string) (*checkpointStore, error) {
	db, err := leveldb.OpenFile(filepath.Join(dir, "checkpoint.ldb"), nil)
	if err != nil {
		return nil, err
	}
	return &checkpointStore{db: db}, nil
}

func (s *checkpointStore) Close() error { return s.db.Close() }

func (s *checkpointStore) Load() (Checkpoint, bool, error) {
	b, err := s.db.Get([]byte(checkpointKey), nil)
	if err == leveldb.ErrNotFound {
		return Checkpoint{Phase: PhaseNone}, false, nil
	}
	if err != nil {
		return Checkpoint{}, false, err
	}
	var cp Checkpoint
	if err := json.Unmarshal(b, &cp); err != nil {
		return Checkpoint{}, false, err
	}
	return cp, true, nil
}

func (s *checkpointStore) Save(cp Checkpoint) error {
	b, err := json.Marshal(cp)
	if err != nil {
		return err
	}
	return s.db.Put([]byte(checkpointKey), b, &opt.WriteOptions{Sync: true})
}
