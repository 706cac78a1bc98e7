package recordstore

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"sync"
	"time"

	voratiqerrors "github.com/voratiq/voratiq/internal/errors"
)

// FlushCoalesce is how long a non-terminal rewrite may sit in the
// write-behind buffer before being persisted. Repeated rewrites within
// the window coalesce into one disk write.
const FlushCoalesce = 250 * time.Millisecond

// Record is the contract every persisted session record satisfies.
// Implementations must be pointer-to-struct so the store can deep-copy
// them through JSON.
type Record interface {
	RecordID() string
	RecordStatus() Status
	RecordCreatedAt() time.Time
}

// Warning is a non-fatal persistence anomaly surfaced to the caller
// instead of failing a whole listing.
type Warning struct {
	SessionID string
	Kind      string // "record-parse-error" or "record-missing"
	Err       error
}

// Option configures a Store.
type Option func(*storeConfig)

type storeConfig struct {
	flushDelay  time.Duration
	lockTimeout time.Duration
}

// WithFlushDelay overrides the write-behind coalescing delay.
func WithFlushDelay(d time.Duration) Option {
	return func(c *storeConfig) { c.flushDelay = d }
}

// WithLockTimeout overrides how long flushes wait for the history lock.
func WithLockTimeout(d time.Duration) Option {
	return func(c *storeConfig) { c.lockTimeout = d }
}

// Store persists records for one domain with a write-behind buffer.
// All methods are safe for concurrent use.
type Store[R Record] struct {
	dir         string
	domain      Domain
	flushDelay  time.Duration
	lockTimeout time.Duration

	// merge reconciles a buffered record with the on-disk copy at flush
	// time; nil means the buffered record wins unconditionally.
	merge func(buffered, disk R) R

	mu      sync.Mutex
	entries map[string]*bufferEntry[R]
}

type bufferEntry[R Record] struct {
	record          R
	dirty           bool
	persistedStatus Status
	timer           *time.Timer

	// flushMu makes concurrent flushes of the same id take turns; the
	// loser re-checks dirtiness and usually finds nothing left to write.
	flushMu sync.Mutex
}

// NewRunStore opens the run-session store rooted at the workspace's
// .voratiq directory, with the apply-status merge policy active.
func NewRunStore(root string, opts ...Option) (*Store[*RunRecord], error) {
	s, err := newStore[*RunRecord](root, DomainRuns, opts...)
	if err != nil {
		return nil, err
	}
	s.merge = func(buffered, disk *RunRecord) *RunRecord {
		buffered.ApplyStatus = MergeApplyStatus(buffered.ApplyStatus, disk.ApplyStatus)
		return buffered
	}
	return s, nil
}

// NewReviewStore opens the review-session store rooted at the
// workspace's .voratiq directory.
func NewReviewStore(root string, opts ...Option) (*Store[*ReviewRecord], error) {
	return newStore[*ReviewRecord](root, DomainReviews, opts...)
}

// NewSpecStore opens the spec-session store rooted at the workspace's
// .voratiq directory.
func NewSpecStore(root string, opts ...Option) (*Store[*SpecRecord], error) {
	return newStore[*SpecRecord](root, DomainSpecs, opts...)
}

func newStore[R Record](root string, domain Domain, opts ...Option) (*Store[R], error) {
	cfg := storeConfig{flushDelay: FlushCoalesce, lockTimeout: DefaultAcquireTimeout}
	for _, opt := range opts {
		opt(&cfg)
	}

	dir := filepath.Join(root, domain.String())
	if err := os.MkdirAll(filepath.Join(dir, "sessions"), 0o755); err != nil {
		return nil, voratiqerrors.NewStoreError("failed to create domain directory", err).WithDomain(domain.String())
	}

	return &Store[R]{
		dir:         dir,
		domain:      domain,
		flushDelay:  cfg.flushDelay,
		lockTimeout: cfg.lockTimeout,
		entries:     make(map[string]*bufferEntry[R]),
	}, nil
}

// Dir returns the domain directory the store persists into.
func (s *Store[R]) Dir() string {
	return s.dir
}

// SessionDir returns the directory holding one session's record and
// artifacts.
func (s *Store[R]) SessionDir(id string) string {
	return filepath.Join(s.dir, "sessions", id)
}

func (s *Store[R]) recordPath(id string) string {
	return filepath.Join(s.SessionDir(id), "record.json")
}

func (s *Store[R]) indexPath() string {
	return filepath.Join(s.dir, "index.json")
}

// Append persists a brand-new record. It fails with ErrAlreadyAppended
// if a record with the same id already exists on disk, writes the
// record atomically, upserts the index entry, and registers a clean
// write-behind buffer entry.
func (s *Store[R]) Append(record R) error {
	id := record.RecordID()
	path := s.recordPath(id)

	if _, err := os.Stat(path); err == nil {
		return voratiqerrors.NewStoreError(
			fmt.Sprintf("record %s already exists", id),
			voratiqerrors.ErrAlreadyAppended,
		).WithDomain(s.domain.String()).WithSessionID(id)
	}

	if err := os.MkdirAll(s.SessionDir(id), 0o755); err != nil {
		return voratiqerrors.NewStoreError("failed to create session directory", err).WithSessionID(id)
	}

	lock, err := AcquireHistoryLock(s.dir, s.lockTimeout)
	if err != nil {
		return err
	}
	defer lock.Release()

	if err := s.writeRecord(id, record); err != nil {
		return err
	}
	if err := s.upsertIndex(record); err != nil {
		return err
	}

	s.mu.Lock()
	s.entries[id] = &bufferEntry[R]{
		record:          cloneRecord(record),
		persistedStatus: record.RecordStatus(),
	}
	s.mu.Unlock()
	return nil
}

// Rewrite loads the current record (buffered or on-disk), applies the
// pure mutator, and replaces the buffer entry. Terminal statuses
// force-flush immediately and dispose the buffer entry; non-terminal
// rewrites schedule a coalesced flush after the store's flush delay.
func (s *Store[R]) Rewrite(id string, mutate func(R) R) (R, error) {
	var zero R

	s.mu.Lock()
	entry, ok := s.entries[id]
	if !ok {
		s.mu.Unlock()
		record, err := s.Load(id)
		if err != nil {
			return zero, err
		}
		s.mu.Lock()
		// Re-check: a concurrent Rewrite may have registered the entry.
		entry, ok = s.entries[id]
		if !ok {
			entry = &bufferEntry[R]{record: record, persistedStatus: record.RecordStatus()}
			s.entries[id] = entry
		}
	}

	mutated := mutate(cloneRecord(entry.record))
	entry.record = mutated
	entry.dirty = true
	terminal := mutated.RecordStatus().IsTerminal(s.domain)

	if !terminal {
		if entry.timer == nil {
			entry.timer = time.AfterFunc(s.flushDelay, func() {
				_ = s.Flush(id)
			})
		}
		s.mu.Unlock()
		return cloneRecord(mutated), nil
	}

	if entry.timer != nil {
		entry.timer.Stop()
		entry.timer = nil
	}
	s.mu.Unlock()

	if err := s.flushEntry(id, entry); err != nil {
		return zero, err
	}
	s.Dispose(id)
	return cloneRecord(mutated), nil
}

// Snapshot returns a deep copy of the buffered record if present, else
// the on-disk copy.
func (s *Store[R]) Snapshot(id string) (R, error) {
	s.mu.Lock()
	if entry, ok := s.entries[id]; ok {
		record := cloneRecord(entry.record)
		s.mu.Unlock()
		return record, nil
	}
	s.mu.Unlock()
	return s.Load(id)
}

// Load reads a record directly from disk, bypassing the buffer. A
// missing record whose id appears in the index reports ErrRecordMissing;
// a record absent from both reports ErrRecordNotFound; a malformed file
// reports ErrRecordParseError.
func (s *Store[R]) Load(id string) (R, error) {
	var zero R

	data, err := os.ReadFile(s.recordPath(id))
	if err != nil {
		if !os.IsNotExist(err) {
			return zero, voratiqerrors.NewStoreError("failed to read record", err).WithSessionID(id)
		}
		ix, ixErr := loadIndex(s.indexPath())
		if ixErr == nil {
			if _, indexed := ix.Lookup(id); indexed {
				return zero, voratiqerrors.NewStoreError(
					fmt.Sprintf("record %s listed in index but missing on disk", id),
					voratiqerrors.ErrRecordMissing,
				).WithDomain(s.domain.String()).WithSessionID(id)
			}
		}
		return zero, voratiqerrors.NewStoreError(
			fmt.Sprintf("record %s not found", id),
			voratiqerrors.ErrRecordNotFound,
		).WithDomain(s.domain.String()).WithSessionID(id)
	}

	record := newRecord[R]()
	if err := json.Unmarshal(data, record); err != nil {
		return zero, voratiqerrors.NewStoreError(
			fmt.Sprintf("record %s is malformed", id),
			voratiqerrors.Join(voratiqerrors.ErrRecordParseError, err),
		).WithDomain(s.domain.String()).WithSessionID(id)
	}
	return record, nil
}

// Flush persists the buffered record for id if dirty. A no-op when the
// id has no buffer entry.
func (s *Store[R]) Flush(id string) error {
	s.mu.Lock()
	entry, ok := s.entries[id]
	s.mu.Unlock()
	if !ok {
		return nil
	}
	return s.flushEntry(id, entry)
}

// FlushAll flushes every dirty buffer entry, returning the first error
// encountered after attempting all of them.
func (s *Store[R]) FlushAll() error {
	s.mu.Lock()
	ids := make([]string, 0, len(s.entries))
	for id := range s.entries {
		ids = append(ids, id)
	}
	s.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := s.Flush(id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Dispose tears down the buffer entry for id without flushing. Pending
// coalesce timers are cancelled.
func (s *Store[R]) Dispose(id string) {
	s.mu.Lock()
	if entry, ok := s.entries[id]; ok {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(s.entries, id)
	}
	s.mu.Unlock()
}

// Close flushes all pending writes and drops the buffer.
func (s *Store[R]) Close() error {
	err := s.FlushAll()
	s.mu.Lock()
	for id, entry := range s.entries {
		if entry.timer != nil {
			entry.timer.Stop()
		}
		delete(s.entries, id)
	}
	s.mu.Unlock()
	return err
}

// Sessions returns the index entries in insertion order.
func (s *Store[R]) Sessions() ([]IndexEntry, error) {
	ix, err := loadIndex(s.indexPath())
	if err != nil {
		return nil, voratiqerrors.NewStoreError("failed to load index", err).WithDomain(s.domain.String())
	}
	return ix.Sessions, nil
}

// LoadAll loads every indexed record from disk. Malformed or missing
// records become Warnings instead of failing the whole listing.
func (s *Store[R]) LoadAll() ([]R, []Warning, error) {
	entries, err := s.Sessions()
	if err != nil {
		return nil, nil, err
	}

	var (
		records  []R
		warnings []Warning
	)
	for _, e := range entries {
		record, err := s.Load(e.ID)
		if err != nil {
			kind := "record-parse-error"
			if voratiqerrors.Is(err, voratiqerrors.ErrRecordMissing) {
				kind = "record-missing"
			}
			warnings = append(warnings, Warning{SessionID: e.ID, Kind: kind, Err: err})
			continue
		}
		records = append(records, record)
	}
	return records, warnings, nil
}

// flushEntry performs one flush for id: take the entry's flush turn,
// re-check dirtiness, and write record plus (on status change) index
// under the history lock.
func (s *Store[R]) flushEntry(id string, entry *bufferEntry[R]) error {
	entry.flushMu.Lock()
	defer entry.flushMu.Unlock()

	s.mu.Lock()
	if !entry.dirty {
		s.mu.Unlock()
		return nil
	}
	record := cloneRecord(entry.record)
	if entry.timer != nil {
		entry.timer.Stop()
		entry.timer = nil
	}
	s.mu.Unlock()

	lock, err := AcquireHistoryLock(s.dir, s.lockTimeout)
	if err != nil {
		return err
	}
	defer lock.Release()

	if s.merge != nil {
		if disk, loadErr := s.Load(id); loadErr == nil {
			record = s.merge(record, disk)
		}
	}

	if err := s.writeRecord(id, record); err != nil {
		return err
	}

	s.mu.Lock()
	statusChanged := entry.persistedStatus != record.RecordStatus()
	entry.persistedStatus = record.RecordStatus()
	entry.dirty = false
	entry.record = record
	s.mu.Unlock()

	if statusChanged {
		return s.upsertIndex(record)
	}
	return nil
}

// writeRecord atomically rewrites record.json for id. Caller holds the
// history lock.
func (s *Store[R]) writeRecord(id string, record R) error {
	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		return voratiqerrors.NewStoreError("failed to marshal record", err).WithSessionID(id)
	}
	if err := atomicWriteFile(s.recordPath(id), data, 0o644); err != nil {
		return voratiqerrors.NewStoreError("failed to write record", err).WithSessionID(id)
	}
	return nil
}

// upsertIndex reflects record's current status into the index. Caller
// holds the history lock.
func (s *Store[R]) upsertIndex(record R) error {
	ix, err := loadIndex(s.indexPath())
	if err != nil {
		return voratiqerrors.NewStoreError("failed to load index", err).WithDomain(s.domain.String())
	}
	ix.Upsert(IndexEntry{
		ID:        record.RecordID(),
		CreatedAt: record.RecordCreatedAt(),
		Status:    record.RecordStatus(),
	})
	if err := saveIndex(s.indexPath(), ix); err != nil {
		return voratiqerrors.NewStoreError("failed to write index", err).WithDomain(s.domain.String())
	}
	return nil
}

// cloneRecord deep-copies a record through JSON. Records are
// pointer-to-struct, so a fresh instance is allocated via reflection.
func cloneRecord[R Record](record R) R {
	data, err := json.Marshal(record)
	if err != nil {
		// Records are plain JSON-tagged structs; marshal cannot fail
		// for well-formed values. Fall back to sharing on the off chance.
		return record
	}
	out := newRecord[R]()
	if err := json.Unmarshal(data, out); err != nil {
		return record
	}
	return out
}

// newRecord allocates a fresh zero value of the record's underlying
// struct type.
func newRecord[R Record]() R {
	var zero R
	t := reflect.TypeOf(zero)
	return reflect.New(t.Elem()).Interface().(R)
}
