// Package filestore owns persistence of generated HDL source files and
// iteration history. Files are written under <workspace>/.veriforge/files/
// and their metadata is tracked in a SQLite database. The loop core only
// consumes read-only SourceFileRef snapshots; it never mutates stored content.
package filestore

import (
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"veriforge/internal/logging"
)

// Kind distinguishes design sources from testbenches.
type Kind string

const (
	KindDesign    Kind = "design"
	KindTestbench Kind = "testbench"
)

// SourceFileRef is a read-only snapshot of a stored source file.
type SourceFileRef struct {
	ID          string    `json:"id"`
	Path        string    `json:"path"`
	Kind        Kind      `json:"kind"`
	Creator     string    `json:"creator"`
	CreatedAt   time.Time `json:"created_at"`
	ContentHash string    `json:"content_hash"`
}

// Store implements the file store collaborator backed by SQLite.
type Store struct {
	db       *sql.DB
	mu       sync.RWMutex
	filesDir string
	dbPath   string
}

// New initializes the store under the given workspace, creating the
// database and file directories as needed.
func New(workspace string) (*Store, error) {
	base := filepath.Join(workspace, ".veriforge")
	filesDir := filepath.Join(base, "files")
	for _, kind := range []Kind{KindDesign, KindTestbench} {
		if err := os.MkdirAll(filepath.Join(filesDir, string(kind)), 0755); err != nil {
			return nil, fmt.Errorf("failed to create files directory: %w", err)
		}
	}

	dbPath := filepath.Join(base, "veriforge.db")
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	s := &Store{db: db, filesDir: filesDir, dbPath: dbPath}
	if err := s.initialize(); err != nil {
		db.Close()
		return nil, err
	}

	return s, nil
}

// initialize creates the required tables.
func (s *Store) initialize() error {
	filesTable := `
	CREATE TABLE IF NOT EXISTS source_files (
		id TEXT PRIMARY KEY,
		path TEXT NOT NULL,
		kind TEXT NOT NULL,
		creator TEXT NOT NULL,
		content_hash TEXT NOT NULL,
		created_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_source_files_kind ON source_files(kind, created_at);
	`

	iterationsTable := `
	CREATE TABLE IF NOT EXISTS iterations (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		run_id TEXT NOT NULL,
		iteration INTEGER NOT NULL,
		passed INTEGER NOT NULL,
		category TEXT,
		testbench TEXT,
		design_files TEXT,
		diagnostics TEXT,
		duration_ms INTEGER,
		created_at DATETIME DEFAULT CURRENT_TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_iterations_run ON iterations(run_id, iteration);
	`

	for _, stmt := range []string{filesTable, iterationsTable} {
		if _, err := s.db.Exec(stmt); err != nil {
			return fmt.Errorf("failed to initialize schema: %w", err)
		}
	}
	return nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// Save writes content to disk under the kind's directory and records its
// metadata. The returned ref is the immutable snapshot the core works with.
func (s *Store) Save(content, name string, kind Kind, creator string) (SourceFileRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	name = sanitizeName(name)
	if name == "" {
		return SourceFileRef{}, fmt.Errorf("file name required")
	}
	if !strings.HasSuffix(name, ".v") && !strings.HasSuffix(name, ".sv") {
		name += ".v"
	}

	ref := SourceFileRef{
		ID:        uuid.NewString(),
		Kind:      kind,
		Creator:   creator,
		CreatedAt: time.Now().UTC(),
	}

	// Unique file name per save so earlier versions survive for the debug trail.
	base := strings.TrimSuffix(name, filepath.Ext(name))
	fileName := fmt.Sprintf("%s_%s%s", base, ref.ID[:8], filepath.Ext(name))
	ref.Path = filepath.Join(s.filesDir, string(kind), fileName)

	if err := os.WriteFile(ref.Path, []byte(content), 0644); err != nil {
		return SourceFileRef{}, fmt.Errorf("failed to write source file: %w", err)
	}

	hash := sha256.Sum256([]byte(content))
	ref.ContentHash = hex.EncodeToString(hash[:])

	_, err := s.db.Exec(
		`INSERT INTO source_files (id, path, kind, creator, content_hash, created_at) VALUES (?, ?, ?, ?, ?, ?)`,
		ref.ID, ref.Path, string(ref.Kind), ref.Creator, ref.ContentHash, ref.CreatedAt,
	)
	if err != nil {
		os.Remove(ref.Path)
		return SourceFileRef{}, fmt.Errorf("failed to record source file: %w", err)
	}

	logging.Store("saved %s file %s (%s)", kind, fileName, ref.ID[:8])
	return ref, nil
}

// Get returns the ref with the given id.
func (s *Store) Get(id string) (SourceFileRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	row := s.db.QueryRow(
		`SELECT id, path, kind, creator, content_hash, created_at FROM source_files WHERE id = ?`, id)
	return scanRef(row)
}

// ListByKind returns all refs of the given kind, oldest first.
func (s *Store) ListByKind(kind Kind) ([]SourceFileRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT id, path, kind, creator, content_hash, created_at FROM source_files
		 WHERE kind = ? ORDER BY created_at ASC`, string(kind))
	if err != nil {
		return nil, fmt.Errorf("failed to list source files: %w", err)
	}
	defer rows.Close()

	return collectRefs(rows)
}

// LatestByKind returns up to limit refs of the given kind, newest first.
func (s *Store) LatestByKind(kind Kind, limit int) ([]SourceFileRef, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if limit <= 0 {
		limit = 1
	}
	rows, err := s.db.Query(
		`SELECT id, path, kind, creator, content_hash, created_at FROM source_files
		 WHERE kind = ? ORDER BY created_at DESC LIMIT ?`, string(kind), limit)
	if err != nil {
		return nil, fmt.Errorf("failed to query latest source files: %w", err)
	}
	defer rows.Close()

	return collectRefs(rows)
}

// RecordIteration persists one iteration outcome for postmortem inspection.
// JSON-encoded fields are opaque to the store.
func (s *Store) RecordIteration(runID string, iteration int, passed bool, category, testbench, designFilesJSON, diagnosticsJSON string, durationMs int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	_, err := s.db.Exec(
		`INSERT INTO iterations (run_id, iteration, passed, category, testbench, design_files, diagnostics, duration_ms)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		runID, iteration, boolToInt(passed), category, testbench, designFilesJSON, diagnosticsJSON, durationMs,
	)
	if err != nil {
		logging.StoreError("failed to record iteration %d of run %s: %v", iteration, runID, err)
		return fmt.Errorf("failed to record iteration: %w", err)
	}
	return nil
}

// IterationRow is one persisted iteration outcome.
type IterationRow struct {
	RunID       string
	Iteration   int
	Passed      bool
	Category    string
	Testbench   string
	DesignFiles string
	Diagnostics string
	DurationMs  int64
}

// IterationHistory returns the persisted history of a run in iteration order.
func (s *Store) IterationHistory(runID string) ([]IterationRow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.Query(
		`SELECT run_id, iteration, passed, category, testbench, design_files, diagnostics, duration_ms
		 FROM iterations WHERE run_id = ? ORDER BY iteration ASC`, runID)
	if err != nil {
		return nil, fmt.Errorf("failed to query iteration history: %w", err)
	}
	defer rows.Close()

	var history []IterationRow
	for rows.Next() {
		var r IterationRow
		var passed int
		if err := rows.Scan(&r.RunID, &r.Iteration, &passed, &r.Category, &r.Testbench, &r.DesignFiles, &r.Diagnostics, &r.DurationMs); err != nil {
			return nil, fmt.Errorf("failed to scan iteration row: %w", err)
		}
		r.Passed = passed != 0
		history = append(history, r)
	}
	return history, rows.Err()
}

func scanRef(row *sql.Row) (SourceFileRef, error) {
	var ref SourceFileRef
	var kind string
	if err := row.Scan(&ref.ID, &ref.Path, &kind, &ref.Creator, &ref.ContentHash, &ref.CreatedAt); err != nil {
		if err == sql.ErrNoRows {
			return SourceFileRef{}, fmt.Errorf("source file not found")
		}
		return SourceFileRef{}, fmt.Errorf("failed to scan source file: %w", err)
	}
	ref.Kind = Kind(kind)
	return ref, nil
}

func collectRefs(rows *sql.Rows) ([]SourceFileRef, error) {
	var refs []SourceFileRef
	for rows.Next() {
		var ref SourceFileRef
		var kind string
		if err := rows.Scan(&ref.ID, &ref.Path, &kind, &ref.Creator, &ref.ContentHash, &ref.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan source file: %w", err)
		}
		ref.Kind = Kind(kind)
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

// sanitizeName strips path separators and shell-hostile characters so a
// module name coming from LLM output cannot escape the files directory.
func sanitizeName(name string) string {
	name = filepath.Base(strings.TrimSpace(name))
	var b strings.Builder
	for _, r := range name {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '_' || r == '-' || r == '.':
			b.WriteRune(r)
		default:
			b.WriteRune('_')
		}
	}
	return strings.Trim(b.String(), "._")
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}
