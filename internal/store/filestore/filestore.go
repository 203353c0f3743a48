// Package filestore is the default Store backend: one project directory
// on local disk holding processed-events.json (a bounded FIFO dedup set)
// and delegations.json (the DelegationRegistry snapshot), both written
// atomically via write-to-temp-then-rename (spec.md §6's persistent state
// layout).
package filestore

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/tenex-sh/tenexd/internal/errs"
	"github.com/tenex-sh/tenexd/internal/store"
	"github.com/tenex-sh/tenexd/internal/telemetry"
)

const defaultCapacity = 10_000

// processedEvents is the on-disk shape of processed-events.json: a FIFO
// of event IDs, oldest first.
type processedEvents struct {
	IDs []string `json:"ids"`
}

// Store is a filesystem-backed store.Store scoped to one project
// directory.
type Store struct {
	dir      string
	capacity int
	log      telemetry.Logger

	mu      sync.Mutex
	seen    map[string]struct{}
	order   []string // FIFO order, oldest first
	delegMu sync.Mutex
	convMu  sync.Mutex
}

// Option configures a Store.
type Option func(*Store)

// WithCapacity overrides the default dedup capacity (10,000).
func WithCapacity(n int) Option {
	return func(s *Store) { s.capacity = n }
}

// WithLogger attaches a logger for quarantine/corruption warnings.
func WithLogger(log telemetry.Logger) Option {
	return func(s *Store) { s.log = log }
}

// Open loads (or initializes) the store rooted at dir, which must already
// exist. Corrupt state files are quarantined (renamed with a timestamp
// suffix) rather than causing Open to fail, per spec.md §7's
// StateCorruptionError policy.
func Open(dir string, opts ...Option) (*Store, error) {
	s := &Store{
		dir:      dir,
		capacity: defaultCapacity,
		log:      telemetry.NoopLogger{},
		seen:     make(map[string]struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, &errs.FatalError{Reason: fmt.Sprintf("create project dir %q", dir), Err: err}
	}
	if err := os.MkdirAll(filepath.Join(dir, "conversations"), 0o755); err != nil {
		return nil, &errs.FatalError{Reason: fmt.Sprintf("create conversations dir under %q", dir), Err: err}
	}

	if err := s.loadProcessed(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *Store) processedPath() string   { return filepath.Join(s.dir, "processed-events.json") }
func (s *Store) delegationsPath() string { return filepath.Join(s.dir, "delegations.json") }
func (s *Store) conversationsDir() string { return filepath.Join(s.dir, "conversations") }
func (s *Store) conversationPath(rootID string) string {
	return filepath.Join(s.conversationsDir(), rootID+".json")
}

func (s *Store) loadProcessed() error {
	data, err := os.ReadFile(s.processedPath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return &errs.FatalError{Reason: "read processed-events.json", Err: err}
	}

	var pe processedEvents
	if err := json.Unmarshal(data, &pe); err != nil {
		quarantine(s.processedPath(), s.log)
		return nil
	}

	for _, id := range pe.IDs {
		if _, ok := s.seen[id]; ok {
			continue
		}
		s.seen[id] = struct{}{}
		s.order = append(s.order, id)
	}
	return nil
}

// quarantine renames path with a timestamp suffix and logs a warning,
// per spec.md §7's StateCorruptionError policy: quarantine then start
// fresh, never crash the runtime.
func quarantine(path string, log telemetry.Logger) {
	if _, err := os.Stat(path); err != nil {
		return
	}
	dst := fmt.Sprintf("%s.corrupt.%d", path, time.Now().UnixNano())
	_ = os.Rename(path, dst)
	log.Warn(context.Background(), "quarantined corrupt state file", "path", path, "renamed_to", dst)
}

// Seen reports whether id has been marked processed.
func (s *Store) Seen(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.seen[id]
	return ok, nil
}

// Mark records id as processed and persists the dedup set, evicting the
// oldest entries once capacity is exceeded.
func (s *Store) Mark(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.markLocked(id)
}

// MarkIfUnseen atomically checks and marks id, satisfying spec.md §4.2's
// "(seen, mark) atomic per ID" requirement.
func (s *Store) MarkIfUnseen(_ context.Context, id string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.seen[id]; ok {
		return false, nil
	}
	if err := s.markLocked(id); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) markLocked(id string) error {
	if _, ok := s.seen[id]; ok {
		return nil
	}
	s.seen[id] = struct{}{}
	s.order = append(s.order, id)

	for len(s.order) > s.capacity {
		evict := s.order[0]
		s.order = s.order[1:]
		delete(s.seen, evict)
	}

	return s.persistProcessedLocked()
}

func (s *Store) persistProcessedLocked() error {
	pe := processedEvents{IDs: s.order}
	return writeAtomic(s.processedPath(), pe)
}

// LoadDelegations reads the delegations.json snapshot.
func (s *Store) LoadDelegations(_ context.Context, projectID string) (store.DelegationSnapshot, error) {
	s.delegMu.Lock()
	defer s.delegMu.Unlock()

	data, err := os.ReadFile(s.delegationsPath())
	if err != nil {
		if os.IsNotExist(err) {
			return store.DelegationSnapshot{}, store.ErrNotFound
		}
		return store.DelegationSnapshot{}, &errs.StateCorruptionError{Path: s.delegationsPath(), Err: err}
	}

	var snap store.DelegationSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		quarantine(s.delegationsPath(), s.log)
		return store.DelegationSnapshot{}, store.ErrNotFound
	}
	return snap, nil
}

// SaveDelegations atomically overwrites delegations.json. Callers (the
// DelegationRegistry) are responsible for debouncing calls to this method
// per spec.md §4.5 (100ms).
func (s *Store) SaveDelegations(_ context.Context, snapshot store.DelegationSnapshot) error {
	s.delegMu.Lock()
	defer s.delegMu.Unlock()
	return writeAtomic(s.delegationsPath(), snapshot)
}

// LoadConversation reads one conversation tree file.
func (s *Store) LoadConversation(_ context.Context, rootID string) (store.ConversationSnapshot, error) {
	s.convMu.Lock()
	defer s.convMu.Unlock()

	path := s.conversationPath(rootID)
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return store.ConversationSnapshot{}, store.ErrNotFound
		}
		return store.ConversationSnapshot{}, &errs.StateCorruptionError{Path: path, Err: err}
	}

	var snap store.ConversationSnapshot
	if err := json.Unmarshal(data, &snap); err != nil {
		quarantine(path, s.log)
		return store.ConversationSnapshot{}, store.ErrNotFound
	}
	return snap, nil
}

// SaveConversation atomically overwrites the tree file for
// snapshot.RootID.
func (s *Store) SaveConversation(_ context.Context, snapshot store.ConversationSnapshot) error {
	s.convMu.Lock()
	defer s.convMu.Unlock()
	return writeAtomic(s.conversationPath(snapshot.RootID), snapshot)
}

// ListConversations returns every root ID with a persisted tree file.
func (s *Store) ListConversations(context.Context) ([]string, error) {
	s.convMu.Lock()
	defer s.convMu.Unlock()

	entries, err := os.ReadDir(s.conversationsDir())
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, &errs.FatalError{Reason: "list conversations dir", Err: err}
	}

	roots := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		const suffix = ".json"
		if len(name) > len(suffix) && name[len(name)-len(suffix):] == suffix {
			roots = append(roots, name[:len(name)-len(suffix)])
		}
	}
	return roots, nil
}

// Close is a no-op for filestore; state is flushed on every mutation.
func (s *Store) Close(context.Context) error { return nil }

// writeAtomic serializes v as indented JSON and writes it via
// write-to-temp-then-rename, as spec.md §6 requires for all state files.
func writeAtomic(path string, v any) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return &errs.FatalError{Reason: fmt.Sprintf("marshal %q", path), Err: err}
	}

	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return &errs.FatalError{Reason: fmt.Sprintf("write temp file for %q", path), Err: err}
	}
	if err := os.Rename(tmp, path); err != nil {
		return &errs.FatalError{Reason: fmt.Sprintf("rename temp file into %q", path), Err: err}
	}
	return nil
}

var _ store.Store = (*Store)(nil)
