package patterns

import (
	"encoding/json"
	"fmt"
	"sort"
	"sync"

	"github.com/pkg/errors"
	"github.com/vadiminshakov/balancewatch/internal/domain"
	"github.com/vadiminshakov/gowal"
)

const (
	DefaultDir   = "./wal/patterns"
	segmentLimit = 100
	maxSegments  = 1000

	patternKeyPrefix = "pattern_"
)

// WALStore is the hand-off outbox for detected patterns. Downstream consumers
// read it by index; the store never rewrites an event.
type WALStore struct {
	wal *gowal.Wal
	mu  sync.RWMutex

	events []domain.PatternEventRecord
}

// NewWALStore initializes a WAL-backed pattern outbox and replays existing events.
func NewWALStore(dir string) (*WALStore, error) {
	if dir == "" {
		dir = DefaultDir
	}

	cfg := gowal.Config{
		Dir:              dir,
		Prefix:           "pattern_",
		SegmentThreshold: segmentLimit,
		MaxSegments:      maxSegments,
		IsInSyncDiskMode: true,
	}

	wal, err := gowal.NewWAL(cfg)
	if err != nil {
		return nil, errors.Wrap(err, "init pattern WAL")
	}

	s := &WALStore{wal: wal}
	for msg := range wal.Iterator() {
		var record domain.PatternEventRecord
		if err := json.Unmarshal(msg.Value, &record); err != nil {
			_ = wal.Close()
			return nil, errors.Wrapf(err, "decode pattern event %q", msg.Key)
		}
		s.events = append(s.events, record)
	}

	return s, nil
}

// Publish appends events in order and returns the index of the last one written.
func (s *WALStore) Publish(events ...domain.PatternEvent) (uint64, error) {
	if s == nil || s.wal == nil {
		return 0, errors.New("pattern store is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	last := s.wal.CurrentIndex()
	for _, event := range events {
		if event.Kind == "" {
			return last, fmt.Errorf("pattern event kind is required")
		}

		nextIndex := s.wal.CurrentIndex() + 1
		record := domain.PatternEventRecord{Index: nextIndex, Event: event}
		payload, err := json.Marshal(record)
		if err != nil {
			return last, errors.Wrap(err, "marshal pattern event")
		}

		key := fmt.Sprintf("%s%s_%s", patternKeyPrefix, event.Kind, event.UserID)
		if err := s.wal.Write(nextIndex, key, payload); err != nil {
			return last, errors.Wrap(err, "write pattern event")
		}
		s.events = append(s.events, record)
		last = nextIndex
	}

	return last, nil
}

// EventsAfter returns all pattern events written after the provided WAL index.
func (s *WALStore) EventsAfter(index uint64) ([]domain.PatternEventRecord, error) {
	if s == nil || s.wal == nil {
		return nil, errors.New("pattern store is not initialized")
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	i := sort.Search(len(s.events), func(i int) bool { return s.events[i].Index > index })
	if i == len(s.events) {
		return nil, nil
	}

	records := make([]domain.PatternEventRecord, len(s.events)-i)
	copy(records, s.events[i:])
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
		return errors.New("pattern store is not initialized")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	return s.wal.Close()
}
