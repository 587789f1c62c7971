// Package workflow contains the state machine that drives a migration
// from planning to a terminal phase, and the checkpoint store that makes
// every phase boundary crash-recoverable.
package workflow

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/artemis/modernizer/internal/migration"
)

// Store persists migration state, the append-only event log, and captured
// stage output under <root>/<migration_id>/.
type Store struct {
	root string

	// mu serializes event-log appends; state writes are atomic renames and
	// need no lock beyond the filesystem's.
	mu sync.Mutex
}

// NewStore creates the persist root if needed.
func NewStore(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create persist root: %w", err)
	}
	return &Store{root: root}, nil
}

// Root returns the persist root path.
func (s *Store) Root() string {
	return s.root
}

// Dir returns the per-migration directory.
func (s *Store) Dir(migrationID string) string {
	return filepath.Join(s.root, migrationID)
}

// SaveState commits the state atomically via write-then-rename.
func (s *Store) SaveState(st *migration.State) error {
	dir := s.Dir(st.ID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create migration dir: %w", err)
	}

	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	target := filepath.Join(dir, "state.json")
	tmp := target + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write state: %w", err)
	}
	if err := os.Rename(tmp, target); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("commit state: %w", err)
	}
	return nil
}

// LoadState reads the last committed state for a migration.
func (s *Store) LoadState(migrationID string) (*migration.State, error) {
	data, err := os.ReadFile(filepath.Join(s.Dir(migrationID), "state.json"))
	if err != nil {
		return nil, err
	}
	var st migration.State
	if err := json.Unmarshal(data, &st); err != nil {
		return nil, fmt.Errorf("parse state for %s: %w", migrationID, err)
	}
	return &st, nil
}

// ListStates returns every persisted migration state, sorted by start time
// descending so recent runs list first.
func (s *Store) ListStates() ([]*migration.State, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("read persist root: %w", err)
	}

	var states []*migration.State
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		st, err := s.LoadState(entry.Name())
		if err != nil {
			// A directory without a committed state is a crashed run that
			// never reached its first checkpoint; skip it.
			continue
		}
		states = append(states, st)
	}

	sort.Slice(states, func(i, j int) bool {
		return states[i].StartedAt.After(states[j].StartedAt)
	})
	return states, nil
}

// AppendEvent durably records one event as a JSON line. Implements the
// event bus Appender contract.
func (s *Store) AppendEvent(event migration.Event) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	dir := s.Dir(event.MigrationID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create migration dir: %w", err)
	}

	f, err := os.OpenFile(filepath.Join(dir, "events.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("open event log: %w", err)
	}
	defer f.Close()

	line, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	line = append(line, '\n')
	if _, err := f.Write(line); err != nil {
		return fmt.Errorf("append event: %w", err)
	}
	return nil
}

// LastSeq scans the persisted event log for the highest sequence number.
// Implements the event bus SeqSeeder contract, so a migration resumed after
// a restart continues its numbering instead of restarting at 1.
func (s *Store) LastSeq(migrationID string) uint64 {
	f, err := os.Open(filepath.Join(s.Dir(migrationID), "events.log"))
	if err != nil {
		return 0
	}
	defer f.Close()

	var last uint64
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev migration.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		if ev.Seq > last {
			last = ev.Seq
		}
	}
	return last
}

// TerminalEvent scans the persisted event log for the terminal event of a
// finished migration. Implements the event bus TerminalLookup contract.
func (s *Store) TerminalEvent(migrationID string) (migration.Event, bool) {
	f, err := os.Open(filepath.Join(s.Dir(migrationID), "events.log"))
	if err != nil {
		return migration.Event{}, false
	}
	defer f.Close()

	var terminal migration.Event
	found := false

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var ev migration.Event
		if err := json.Unmarshal(scanner.Bytes(), &ev); err != nil {
			continue
		}
		if ev.Kind.Terminal() {
			terminal = ev
			found = true
		}
	}
	return terminal, found
}

// WriteStageLog stores captured stage output under logs/<stage>.txt.
func (s *Store) WriteStageLog(migrationID, stage, content string) error {
	dir := filepath.Join(s.Dir(migrationID), "logs")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create log dir: %w", err)
	}
	return os.WriteFile(filepath.Join(dir, stage+".txt"), []byte(content), 0o644)
}

// ReportPaths lists formatter output recorded under reports/. The core
// only points at these files; a separate collaborator writes them.
func (s *Store) ReportPaths(migrationID string) []string {
	dir := filepath.Join(s.Dir(migrationID), "reports")
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil
	}

	var paths []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch filepath.Ext(entry.Name()) {
		case ".json", ".md", ".html":
			paths = append(paths, filepath.Join(dir, entry.Name()))
		}
	}
	sort.Strings(paths)
	return paths
}
