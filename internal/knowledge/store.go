// Package knowledge provides a local FTS5 index over the codebase under
// discussion and over finalized plans. It is the retrieval collaborator of
// the planning nodes and backs the query_codebase MCP tool.
//
// The index lives in its own SQLite file, separate from the session store,
// and is updated incrementally by content checksum.
package knowledge

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// Document categories.
const (
	CategoryGoSource = "go_source"
	CategoryMarkdown = "markdown"
	CategoryConfig   = "config"
	CategoryPlan     = "plan"
)

// Document is one indexed unit.
type Document struct {
	Path     string // path relative to the codebase root, or "plan:<session id>"
	Title    string
	Content  string
	Category string
}

// Result is a ranked search hit.
type Result struct {
	Path     string  `json:"path"`
	Title    string  `json:"title"`
	Snippet  string  `json:"snippet"`
	Category string  `json:"category"`
	Rank     float64 `json:"rank"`
}

const schema = `
CREATE VIRTUAL TABLE IF NOT EXISTS documents USING fts5(
	path,
	title,
	content,
	category,
	tokenize='porter unicode61'
);

CREATE TABLE IF NOT EXISTS doc_meta (
	path TEXT PRIMARY KEY,
	checksum TEXT NOT NULL,
	indexed_at TEXT NOT NULL
);
`

// Store wraps the FTS5 database.
type Store struct {
	db *sql.DB
	mu sync.RWMutex
}

// NewStore opens (or creates) the index at dbPath.
func NewStore(dbPath string) (*Store, error) {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, fmt.Errorf("create knowledge db dir: %w", err)
	}
	db, err := sql.Open("sqlite", dbPath+"?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)")
	if err != nil {
		return nil, fmt.Errorf("open knowledge db: %w", err)
	}
	if _, err := db.Exec(schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("init knowledge schema: %w", err)
	}
	return &Store{db: db}, nil
}

// Index inserts or replaces doc.
func (s *Store) Index(ctx context.Context, doc Document) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE path = ?`, doc.Path); err != nil {
		return fmt.Errorf("delete old doc: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO documents (path, title, content, category) VALUES (?, ?, ?, ?)`,
		doc.Path, doc.Title, doc.Content, doc.Category,
	); err != nil {
		return fmt.Errorf("insert doc: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO doc_meta (path, checksum, indexed_at) VALUES (?, ?, ?)
		ON CONFLICT(path) DO UPDATE SET checksum = excluded.checksum, indexed_at = excluded.indexed_at`,
		doc.Path, checksum(doc.Content), time.Now().UTC().Format(time.RFC3339),
	); err != nil {
		return fmt.Errorf("upsert doc_meta: %w", err)
	}
	return tx.Commit()
}

// IndexIfChanged indexes doc unless the stored checksum matches.
// It reports whether the document was (re)indexed.
func (s *Store) IndexIfChanged(ctx context.Context, doc Document) (bool, error) {
	s.mu.RLock()
	var existing string
	err := s.db.QueryRowContext(ctx, `SELECT checksum FROM doc_meta WHERE path = ?`, doc.Path).Scan(&existing)
	s.mu.RUnlock()
	if err == nil && existing == checksum(doc.Content) {
		return false, nil
	}
	if err := s.Index(ctx, doc); err != nil {
		return false, err
	}
	return true, nil
}

// Remove deletes the document at path.
func (s *Store) Remove(ctx context.Context, path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM documents WHERE path = ?`, path); err != nil {
		return fmt.Errorf("delete from fts: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM doc_meta WHERE path = ?`, path); err != nil {
		return fmt.Errorf("delete from meta: %w", err)
	}
	return tx.Commit()
}

// Query runs a ranked full-text search. Any query term may match; results
// matching more terms rank higher. category filters when non-empty.
func (s *Store) Query(ctx context.Context, query, category string, limit int) ([]Result, error) {
	if limit <= 0 {
		limit = 10
	}
	match := matchExpr(query)
	if match == "" {
		return nil, nil
	}

	s.mu.RLock()
	defer s.mu.RUnlock()

	q := `SELECT path, title, snippet(documents, 2, '', '', '...', 48), category, rank
		FROM documents WHERE documents MATCH ?`
	args := []any{match}
	if category != "" {
		q += ` AND category = ?`
		args = append(args, category)
	}
	q += ` ORDER BY rank LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("fts query: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.Path, &r.Title, &r.Snippet, &r.Category, &r.Rank); err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		results = append(results, r)
	}
	return results, rows.Err()
}

// IndexedPaths returns every indexed path.
func (s *Store) IndexedPaths(ctx context.Context) ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT path FROM doc_meta ORDER BY path`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var paths []string
	for rows.Next() {
		var p string
		if err := rows.Scan(&p); err != nil {
			return nil, err
		}
		paths = append(paths, p)
	}
	return paths, rows.Err()
}

// Stats counts indexed documents per category.
func (s *Store) Stats(ctx context.Context) (map[string]int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	rows, err := s.db.QueryContext(ctx, `SELECT category, COUNT(*) FROM documents GROUP BY category`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make(map[string]int)
	for rows.Next() {
		var cat string
		var n int
		if err := rows.Scan(&cat, &n); err != nil {
			return nil, err
		}
		out[cat] = n
	}
	return out, rows.Err()
}

// Close closes the database.
func (s *Store) Close() error {
	return s.db.Close()
}

// matchExpr turns free text into an FTS5 expression: each word becomes a
// quoted term and terms are OR-ed, so no user input reaches the FTS5 grammar.
func matchExpr(q string) string {
	fields := strings.FieldsFunc(q, func(r rune) bool {
		return !(r == '_' || r == '-' || r == '.' || r == '/' ||
			('0' <= r && r <= '9') || ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') || r > 127)
	})
	seen := make(map[string]bool, len(fields))
	terms := make([]string, 0, len(fields))
	for _, f := range fields {
		f = strings.ToLower(strings.Trim(f, ".-/"))
		if len([]rune(f)) < 2 || seen[f] || stopWords[f] {
			continue
		}
		seen[f] = true
		terms = append(terms, `"`+f+`"`)
	}
	return strings.Join(terms, " OR ")
}

var stopWords = map[string]bool{
	"the": true, "and": true, "or": true, "for": true, "to": true, "of": true,
	"in": true, "on": true, "a": true, "an": true, "is": true, "it": true,
	"with": true, "this": true, "that": true, "be": true, "as": true,
}

func checksum(s string) string {
	h := sha256.Sum256([]byte(s))
	return hex.EncodeToString(h[:])
}
