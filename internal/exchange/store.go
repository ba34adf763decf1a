package exchange

import (
	"log/slog"
	"sync"
)

type key struct {
	kingdom uint32
	x, y    int
}

// Store is the in-memory exchange list plus its log writer, guarded by a
// single mutex held only for the duration of an insert or a snapshot copy.
type Store struct {
	logger *slog.Logger

	mu      sync.Mutex
	records []Record
	seen    map[key]struct{}
	log     *Log
}

func NewStore(logger *slog.Logger, log *Log) *Store {
	return &Store{
		logger: logger,
		seen:   make(map[key]struct{}),
		log:    log,
	}
}

// Add appends the log entry and, when stored is possible, publishes the
// record. Duplicate (kingdom, x, y) records are dropped, not overwritten.
// Returns whether the in-memory list accepted the record. Log-write failures
// are logged and never block publication.
func (s *Store) Add(rec Record, entry Entry) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, dup := s.seen[key{rec.Kingdom, rec.X, rec.Y}]
	entry.Stored = !dup
	if err := s.log.Append(entry); err != nil {
		s.logger.Error("failed to append exchange log entry", slog.Any("error", err))
	}
	if dup {
		return false
	}
	s.seen[key{rec.Kingdom, rec.X, rec.Y}] = struct{}{}
	s.records = append(s.records, rec)
	return true
}

// LogOnly appends a log line for an outcome that never becomes a record
// (rejections).
func (s *Store) LogOnly(entry Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry.Stored = false
	if err := s.log.Append(entry); err != nil {
		s.logger.Error("failed to append exchange log entry", slog.Any("error", err))
	}
}

// Snapshot returns a copy of the record list in insertion order.
func (s *Store) Snapshot() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// Screenshot returns the confirming PNG of the i-th record.
func (s *Store) Screenshot(i int) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if i < 0 || i >= len(s.records) || len(s.records[i].Screenshot) == 0 {
		return nil, false
	}
	return s.records[i].Screenshot, true
}

func (s *Store) Count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}
