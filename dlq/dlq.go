// Package dlq implements the Dead-Letter Store and replay worker from
// spec.md §4.12: entries that BudgetCommitter/SettlementService ultimately
// cannot commit are held here, leased exclusively by a replay worker, and
// moved to a terminal poison partition on permanent failure. Grounded on
// the teacher's core/rawdb freezer (an ordered, append-friendly on-disk
// index) re-expressed over github.com/syndtr/goleveldb (teacher dep) for
// the ordered "ready since" scan, with cross-replica exclusivity via the
// state store's SET-if-absent lease primitive.
package dlq

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/syndtr/goleveldb/leveldb"
	"github.com/syndtr/goleveldb/leveldb/util"

	"github.com/apexlabs/infergate/gwerrors"
	"github.com/apexlabs/infergate/statestore"
)

// Entry is a dead-lettered commit, keyed by reservation id (spec.md §4.12).
type Entry struct {
	ID              string    `json:"id"` // reservation id
	Tenant          string    `json:"tenant"`
	ActualCostMicro string    `json:"actual_cost_micro"`
	TraceID         string    `json:"trace_id"`
	Reason          string    `json:"reason"`
	ResponseStatus  int       `json:"response_status"`
	AttemptCount    int       `json:"attempt_count"`
	NextAttemptAt   time.Time `json:"next_attempt_at"`
	CreatedAt       time.Time `json:"created_at"`
}

const (
	activePrefix = "a:"
	poisonPrefix = "p:"
	leaseTTL     = 30 * time.Second
	// MaxAttempts bounds replay before an entry is moved to the poison
	// partition for operator review.
	MaxAttempts = 8
)

func activeKey(e Entry) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", activePrefix, e.NextAttemptAt.UnixNano(), e.ID))
}

func poisonKey(e Entry) []byte {
	return []byte(fmt.Sprintf("%s%020d:%s", poisonPrefix, e.CreatedAt.UnixNano(), e.ID))
}

// Store is the Dead-Letter Store: an ordered local index (claim order =
// next_attempt_at) with cross-replica leasing via the distributed store.
type Store struct {
	db     *leveldb.DB
	leases statestore.Store
}

func Open(path string, leases statestore.Store) (*Store, error) {
	db, err := leveldb.OpenFile(path, nil)
	if err != nil {
		return nil, gwerrors.New(gwerrors.IO, "dlq.open", err)
	}
	return &Store{db: db, leases: leases}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// Enqueue implements spec.md §4.12 "an entry enters the Dead-Letter Store".
func (s *Store) Enqueue(e Entry) error {
	if e.ID == "" {
		e.ID = uuid.NewString()
	}
	if e.CreatedAt.IsZero() {
		e.CreatedAt = time.Now().UTC()
	}
	if e.NextAttemptAt.IsZero() {
		e.NextAttemptAt = e.CreatedAt
	}
	data, err := json.Marshal(e)
	if err != nil {
		return gwerrors.New(gwerrors.IO, "dlq.enqueue", err)
	}
	if err := s.db.Put(activeKey(e), data, nil); err != nil {
		return gwerrors.New(gwerrors.IO, "dlq.enqueue.put", err)
	}
	return nil
}

// Claimed is an Entry held under an exclusive lease for one worker's replay
// attempt.
type Claimed struct {
	Entry   Entry
	key     []byte
	leaseID string
}

// ClaimReady scans the active partition from the oldest entry, returning
// up to limit entries whose next_attempt_at <= now and which are not
// currently leased by another worker.
func (s *Store) ClaimReady(ctx context.Context, limit int) ([]Claimed, error) {
	now := time.Now().UTC()
	cutoff := []byte(fmt.Sprintf("%s%020d", activePrefix, now.UnixNano()))

	iter := s.db.NewIterator(&util.Range{Start: []byte(activePrefix), Limit: append(cutoff, 0xff)}, nil)
	defer iter.Release()

	var claimed []Claimed
	for iter.Next() && len(claimed) < limit {
		var e Entry
		if err := json.Unmarshal(iter.Value(), &e); err != nil {
			continue
		}
		leaseKey := "dlq:lease:" + e.ID
		ok, err := s.leases.Set(ctx, leaseKey, []byte("1"), statestore.SetOptions{TTL: leaseTTL, OnlyIfAbsent: true})
		if err != nil || !ok {
			continue
		}
		key := append([]byte(nil), iter.Key()...)
		claimed = append(claimed, Claimed{Entry: e, key: key, leaseID: leaseKey})
	}
	return claimed, iter.Error()
}

// Resolve removes a successfully-replayed entry and releases its lease.
func (s *Store) Resolve(ctx context.Context, c Claimed) error {
	if err := s.db.Delete(c.key, nil); err != nil {
		return gwerrors.New(gwerrors.IO, "dlq.resolve", err)
	}
	_ = s.leases.Del(ctx, c.leaseID)
	return nil
}

// Reschedule bumps attempt_count and next_attempt_at (exponential backoff)
// and releases the lease for the next worker to pick up, or moves the
// entry to the poison partition once MaxAttempts is exceeded.
func (s *Store) Reschedule(ctx context.Context, c Claimed, reason string, backoff time.Duration) error {
	e := c.Entry
	e.AttemptCount++
	e.Reason = reason

	if err := s.db.Delete(c.key, nil); err != nil {
		return gwerrors.New(gwerrors.IO, "dlq.reschedule.delete", err)
	}
	_ = s.leases.Del(ctx, c.leaseID)

	if e.AttemptCount > MaxAttempts {
		data, err := json.Marshal(e)
		if err != nil {
			return gwerrors.New(gwerrors.IO, "dlq.reschedule.marshal", err)
		}
		if err := s.db.Put(poisonKey(e), data, nil); err != nil {
			return gwerrors.New(gwerrors.IO, "dlq.reschedule.poison", err)
		}
		return gwerrors.New(gwerrors.DLQEnqueued, "dlq.reschedule", fmt.Errorf("entry %s moved to poison after %d attempts", e.ID, e.AttemptCount))
	}

	e.NextAttemptAt = time.Now().UTC().Add(backoff)
	return s.Enqueue(e)
}

// Health is the nulls-on-failure status surface from spec.md §4.12/§6.
type Health struct {
	Depth         *int
	OldestAgeSecs *float64
}

// ReportHealth never throws; on any store error it returns a Health with
// nil fields.
func (s *Store) ReportHealth() Health {
	iter := s.db.NewIterator(util.BytesPrefix([]byte(activePrefix)), nil)
	defer iter.Release()

	depth := 0
	var oldest *Entry
	for iter.Next() {
		depth++
		if oldest == nil {
			var e Entry
			if json.Unmarshal(iter.Value(), &e) == nil {
				oldest = &e
			}
		}
	}
	if iter.Error() != nil {
		return Health{}
	}
	h := Health{Depth: &depth}
	if oldest != nil {
		age := time.Since(oldest.CreatedAt).Seconds()
		h.OldestAgeSecs = &age
	}
	return h
}
