package balancesnapshots

import (
	"context"
	"encoding/json"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/vadiminshakov/balancewatch/internal/domain"
	"github.com/vadiminshakov/gowal"
)

const (
	defaultSnapshotDir   = "./wal/balance"
	snapshotSegmentLimit = 1000
	snapshotMaxSegments  = 10000
	snapshotKeyPrefix    = "balance_snapshot_"
	pruneKey             = "balance_prune"
)

// walEntry is the on-disk payload. Exactly one of Snapshot or PruneBefore is set.
type walEntry struct {
	Index       uint64                  `json:"index"`
	Snapshot    *domain.BalanceSnapshot `json:"snapshot,omitempty"`
	PruneBefore *time.Time              `json:"prune_before,omitempty"`
}

// WALStore persists balance snapshots in an append-only WAL and serves reads
// from an in-memory index rebuilt on open. Retention appends a prune marker
// that is honoured on replay.
type WALStore struct {
	wal *gowal.Wal
	mu  sync.RWMutex

	log    []domain.BalanceSnapshotRecord
	series map[string][]domain.BalanceSnapshot
}

// NewWALStore initializes a WAL-backed snapshot store under the provided directory.
func NewWALStore(dir string) (*WALStore, error) {
	if dir == "" {
		dir = defaultSnapshotDir
	}

	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "snapshot_",
		SegmentThreshold: snapshotSegmentLimit,
		MaxSegments:      snapshotMaxSegments,
		IsInSyncDiskMode: true,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init balance snapshot WAL")
	}

	s := &WALStore{
		wal:    wal,
		series: make(map[string][]domain.BalanceSnapshot),
	}

	for msg := range wal.Iterator() {
		var entry walEntry
		if err := json.Unmarshal(msg.Value, &entry); err != nil {
			_ = wal.Close()
			return nil, errors.Wrapf(err, "decode WAL entry %q", msg.Key)
		}
		switch {
		case entry.Snapshot != nil:
			s.apply(entry.Index, *entry.Snapshot)
		case entry.PruneBefore != nil:
			s.prune(*entry.PruneBefore)
		}
	}

	return s, nil
}

// Save writes the snapshot to the WAL and returns its ID, assigning one when empty.
func (s *WALStore) Save(_ context.Context, snapshot domain.BalanceSnapshot) (string, error) {
	if s == nil || s.wal == nil {
		return "", errors.New("balance snapshot store is not initialized")
	}
	if err := snapshot.Validate(); err != nil {
		return "", err
	}
	if snapshot.ID == "" {
		snapshot.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	nextIndex := s.wal.CurrentIndex() + 1
	payload, err := json.Marshal(walEntry{Index: nextIndex, Snapshot: &snapshot})
	if err != nil {
		return "", errors.Wrap(err, "marshal balance snapshot")
	}

	if err := s.wal.Write(nextIndex, snapshotKeyPrefix+snapshot.SeriesKey(), payload); err != nil {
		return "", errors.Wrap(err, "write balance snapshot")
	}
	s.apply(nextIndex, snapshot)

	return snapshot.ID, nil
}

// Latest returns the most recent snapshot of (walletID, currency), or nil when none exists.
func (s *WALStore) Latest(_ context.Context, walletID, currency string) (*domain.BalanceSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.series[domain.SeriesKey(walletID, currency)]
	if len(list) == 0 {
		return nil, nil
	}
	latest := list[len(list)-1]
	return &latest, nil
}

// LatestBefore returns the closest snapshot at or before at, or nil.
func (s *WALStore) LatestBefore(_ context.Context, walletID, currency string, at time.Time) (*domain.BalanceSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.series[domain.SeriesKey(walletID, currency)]
	i := sort.Search(len(list), func(i int) bool { return list[i].Timestamp.After(at) })
	if i == 0 {
		return nil, nil
	}
	found := list[i-1]
	return &found, nil
}

// InRange returns snapshots with from <= ts <= to, ascending by time.
func (s *WALStore) InRange(_ context.Context, walletID, currency string, from, to time.Time) ([]domain.BalanceSnapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	list := s.series[domain.SeriesKey(walletID, currency)]
	lo := sort.Search(len(list), func(i int) bool { return !list[i].Timestamp.Before(from) })
	hi := sort.Search(len(list), func(i int) bool { return list[i].Timestamp.After(to) })
	if lo >= hi {
		return nil, nil
	}

	out := make([]domain.BalanceSnapshot, hi-lo)
	copy(out, list[lo:hi])
	return out, nil
}

// DeleteOlderThan drops snapshots with ts < cutoff and returns how many were removed.
func (s *WALStore) DeleteOlderThan(_ context.Context, cutoff time.Time) (int, error) {
	if s == nil || s.wal == nil {
		return 0, errors.New("balance snapshot store is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	cutoff = cutoff.UTC()
	nextIndex := s.wal.CurrentIndex() + 1
	payload, err := json.Marshal(walEntry{Index: nextIndex, PruneBefore: &cutoff})
	if err != nil {
		return 0, errors.Wrap(err, "marshal prune marker")
	}
	if err := s.wal.Write(nextIndex, pruneKey, payload); err != nil {
		return 0, errors.Wrap(err, "write prune marker")
	}

	return s.prune(cutoff), nil
}

// SnapshotsAfter returns all live snapshots written after the provided WAL index.
func (s *WALStore) SnapshotsAfter(index uint64) ([]domain.BalanceSnapshotRecord, error) {
	if s == nil || s.wal == nil {
		return nil, errors.New("balance snapshot store is not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	i := sort.Search(len(s.log), func(i int) bool { return s.log[i].Index > index })
	if i == len(s.log) {
		return nil, nil
	}

	records := make([]domain.BalanceSnapshotRecord, len(s.log)-i)
	copy(records, s.log[i:])
	return records, nil
}

// CurrentIndex returns the latest WAL index stored.
func (s *WALStore) CurrentIndex() uint64 {
	if s == nil || s.wal == nil {
		return 0
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	return s.wal.CurrentIndex()
}

// Close closes the underlying WAL.
func (s *WALStore) Close() error {
	if s == nil || s.wal == nil {
		return errors.New("balance snapshot store is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}

// apply inserts the snapshot keeping each series sorted by timestamp. Caller holds mu.
func (s *WALStore) apply(index uint64, snapshot domain.BalanceSnapshot) {
	s.log = append(s.log, domain.BalanceSnapshotRecord{Index: index, Snapshot: snapshot})

	key := snapshot.SeriesKey()
	list := s.series[key]
	i := sort.Search(len(list), func(i int) bool { return list[i].Timestamp.After(snapshot.Timestamp) })
	list = append(list, domain.BalanceSnapshot{})
	copy(list[i+1:], list[i:])
	list[i] = snapshot
	s.series[key] = list
}

// prune removes snapshots older than cutoff. Caller holds mu.
func (s *WALStore) prune(cutoff time.Time) int {
	removed := 0
	for key, list := range s.series {
		i := sort.Search(len(list), func(i int) bool { return !list[i].Timestamp.Before(cutoff) })
		if i == 0 {
			continue
		}
		removed += i
		if i == len(list) {
			delete(s.series, key)
			continue
		}
		s.series[key] = append([]domain.BalanceSnapshot(nil), list[i:]...)
	}

	kept := s.log[:0]
	for _, r := range s.log {
		if !r.Snapshot.Timestamp.Before(cutoff) {
			kept = append(kept, r)
		}
	}
	s.log = kept

	return removed
}
