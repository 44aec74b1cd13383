// Package vectorstore implements the Vector Store (spec.md §2, §3): one
// SQLite database per named collection, each carrying its own recorded
// embedding dimension, with cosine similarity search backed by the
// sqlite-vec extension's vec0 virtual table when it loads and a brute-force
// fallback otherwise. Grounded directly on the secondary example repo's
// internal/store/vector_store.go: the same vec0 DDL
// ("CREATE VIRTUAL TABLE ... USING vec0(embedding float[%d], ...)"),
// little-endian float32 blob encoding (encodeFloat32Slice), and
// keyword/brute-force fallback path when the extension doesn't load.
// Unlike that repo's single shared table, spec.md requires one collection
// per project (and one per sacred scope), each with its own dimension
// invariant, so collections are modeled as independent SQLite files under
// <data_root>/vector_store/<collection>/vectors.db (spec.md §6.3).
package vectorstore

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	_ "modernc.org/sqlite"

	"github.com/c360studio/contextkeeper/apierr"
)

// Entry is one vector plus its chunk-level metadata (spec.md §3 "Vector Entry").
// Metadata values are restricted to strings; tag lists are stored
// comma-joined by the caller, never as arrays, per spec.md §9.
type Entry struct {
	ChunkID    string
	Vector     []float32
	Metadata   map[string]string
	SourcePath string
	ProjectID  string
}

// SearchResult is one hit from Search, with its similarity score.
type SearchResult struct {
	ChunkID    string
	Content    string
	Metadata   map[string]string
	SourcePath string
	Score      float64
}

// Store owns every collection's underlying SQLite file, opening them
// lazily and caching the handle for the process lifetime.
type Store struct {
	root string

	mu          sync.Mutex
	collections map[string]*Collection
}

// Open creates a Store rooted at <data_root>/vector_store (spec.md §6.3).
func Open(dataRoot string) (*Store, error) {
	root := filepath.Join(dataRoot, "vector_store")
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("create vector store root: %w", err)
	}
	return &Store{root: root, collections: make(map[string]*Collection)}, nil
}

// Collection opens (creating if absent) the named collection, recording dim
// as its dimension if this is the first open. A later call with a different
// dim on an existing, non-empty collection fails DimensionMismatch (spec.md
// §4.4 "embedding dimension invariant").
func (s *Store) Collection(ctx context.Context, name string, dim int) (*Collection, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if c, ok := s.collections[name]; ok {
		if c.dim != dim {
			return nil, apierr.New(apierr.IntegrityError,
				"collection %s recorded dimension %d, got %d", name, c.dim, dim).WithDetails(map[string]int{
				"recorded": c.dim, "requested": dim,
			})
		}
		return c, nil
	}

	dir := filepath.Join(s.root, name)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create collection directory: %w", err)
	}
	dbPath := filepath.Join(dir, "vectors.db")

	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open collection %s: %w", name, err)
	}
	db.SetMaxOpenConns(1) // single-writer-per-collection per spec.md §5

	c := &Collection{name: name, db: db, dim: dim}
	if err := c.init(ctx); err != nil {
		db.Close()
		return nil, err
	}
	s.collections[name] = c
	return c, nil
}

// Exists reports whether a collection has ever been opened/created without
// opening it as a side effect.
func (s *Store) Exists(name string) bool {
	dbPath := filepath.Join(s.root, name, "vectors.db")
	_, err := os.Stat(dbPath)
	return err == nil
}

// Close closes every open collection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	var firstErr error
	for _, c := range s.collections {
		if err := c.db.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Collection is a single named vector bucket (spec.md's "project_{id}" or
// "sacred_{id}"), backed by its own SQLite file.
type Collection struct {
	name string
	db   *sql.DB
	dim  int

	mu      sync.RWMutex
	vecOK   bool // true once the sqlite-vec vec0 table loaded successfully
}

// Dimension reports the collection's recorded vector dimension.
func (c *Collection) Dimension() int { return c.dim }

// Name reports the collection's name.
func (c *Collection) Name() string { return c.name }

func (c *Collection) init(ctx context.Context) error {
	_, err := c.db.ExecContext(ctx, `
		CREATE TABLE IF NOT EXISTS entries (
			chunk_id    TEXT PRIMARY KEY,
			project_id  TEXT NOT NULL,
			source_path TEXT NOT NULL,
			content     TEXT NOT NULL,
			metadata    TEXT NOT NULL,
			embedding   BLOB NOT NULL
		);
		CREATE INDEX IF NOT EXISTS idx_entries_source_path ON entries(source_path);
	`)
	if err != nil {
		return fmt.Errorf("init collection schema: %w", err)
	}

	// Attempt the sqlite-vec ANN table; failure degrades to brute-force
	// cosine search over the entries table, never a hard error (spec.md
	// doesn't mandate a particular ANN backend, only the cosine-similarity
	// contract).
	stmt := fmt.Sprintf("CREATE VIRTUAL TABLE IF NOT EXISTS vec_index USING vec0(embedding float[%d])", c.dim)
	if _, err := c.db.ExecContext(ctx, stmt); err == nil {
		c.vecOK = true
	}
	return nil
}

// Insert writes entries, enforcing the recorded dimension on each (spec.md
// §8 invariant 1). All-or-nothing: a single bad entry fails the whole call.
func (c *Collection) Insert(ctx context.Context, entries []Entry) error {
	for _, e := range entries {
		if len(e.Vector) != c.dim {
			return apierr.New(apierr.IntegrityError,
				"insert into %s: vector dimension %d does not match collection dimension %d",
				c.name, len(e.Vector), c.dim)
		}
		if e.SourcePath == "" {
			return apierr.New(apierr.InvalidInput, "insert into %s: source_path is required metadata", c.name)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin insert transaction: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO entries (chunk_id, project_id, source_path, content, metadata, embedding)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	var vecStmt *sql.Stmt
	if c.vecOK {
		vecStmt, err = tx.PrepareContext(ctx, "INSERT OR REPLACE INTO vec_index (rowid, embedding) VALUES ((SELECT rowid FROM entries WHERE chunk_id = ?), ?)")
		if err != nil {
			return fmt.Errorf("prepare vec insert: %w", err)
		}
		defer vecStmt.Close()
	}

	for _, e := range entries {
		content := e.Metadata["__content"]
		metaJSON, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		blob := encodeVector(e.Vector)
		if _, err := stmt.ExecContext(ctx, e.ChunkID, e.ProjectID, e.SourcePath, content, string(metaJSON), blob); err != nil {
			return fmt.Errorf("insert entry %s: %w", e.ChunkID, err)
		}
	}

	if c.vecOK {
		for _, e := range entries {
			blob := encodeVector(e.Vector)
			if _, err := vecStmt.ExecContext(ctx, e.ChunkID, blob); err != nil {
				// Degrade silently to brute-force for this entry; the
				// authoritative copy in `entries` is already committed.
				c.vecOK = false
			}
		}
	}

	return tx.Commit()
}

// ContentHashForSource returns the content_hash metadata value recorded for
// any one entry at path, used by the Retrieval Engine's unchanged-file
// no-op check (spec.md §4.4). found is false if no entry exists for path.
func (c *Collection) ContentHashForSource(ctx context.Context, path string) (hash string, found bool, err error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	var metaJSON string
	row := c.db.QueryRowContext(ctx, "SELECT metadata FROM entries WHERE source_path = ? LIMIT 1", path)
	if err := row.Scan(&metaJSON); err != nil {
		if err == sql.ErrNoRows {
			return "", false, nil
		}
		return "", false, err
	}
	var meta map[string]string
	if err := json.Unmarshal([]byte(metaJSON), &meta); err != nil {
		return "", false, err
	}
	return meta["content_hash"], true, nil
}

// StoredEntry is one full row read back for offline analysis (the Drift
// Engine's plan-embedding corpus), vector included.
type StoredEntry struct {
	ChunkID  string
	Content  string
	Metadata map[string]string
	Vector   []float32
}

// EntriesForSource returns every entry recorded for path, vectors included.
// Used by the Drift Engine to build a plan's chunk-embedding corpus without
// going through a similarity search.
func (c *Collection) EntriesForSource(ctx context.Context, path string) ([]StoredEntry, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	rows, err := c.db.QueryContext(ctx, "SELECT chunk_id, content, metadata, embedding FROM entries WHERE source_path = ?", path)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []StoredEntry
	for rows.Next() {
		var se StoredEntry
		var metaJSON string
		var blob []byte
		if err := rows.Scan(&se.ChunkID, &se.Content, &metaJSON, &blob); err != nil {
			return nil, err
		}
		_ = json.Unmarshal([]byte(metaJSON), &se.Metadata)
		se.Vector = decodeVector(blob)
		out = append(out, se)
	}
	return out, nil
}

// DeleteBySourcePath removes every entry whose SourcePath matches, used by
// re-ingestion's delete-then-insert atomic replace (spec.md §4.4). Must be
// called within the same Insert-adjacent critical section as the
// replacement insert to preserve the "never a mix" read guarantee described
// in spec.md §5 — callers serialize via Collection's own lock by calling
// ReplaceSource instead of composing these directly.
func (c *Collection) DeleteBySourcePath(ctx context.Context, path string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.deleteBySourcePathLocked(ctx, path)
}

func (c *Collection) deleteBySourcePathLocked(ctx context.Context, path string) error {
	_, err := c.db.ExecContext(ctx, "DELETE FROM entries WHERE source_path = ?", path)
	return err
}

// ReplaceSource atomically replaces every entry for path with entries,
// holding the collection's write lock across both the delete and insert so
// concurrent queries never observe a partial rewrite (spec.md §5).
func (c *Collection) ReplaceSource(ctx context.Context, path string, entries []Entry) error {
	for _, e := range entries {
		if len(e.Vector) != c.dim {
			return apierr.New(apierr.IntegrityError,
				"replace in %s: vector dimension %d does not match collection dimension %d",
				c.name, len(e.Vector), c.dim)
		}
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	tx, err := c.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin replace transaction: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, "DELETE FROM entries WHERE source_path = ?", path); err != nil {
		return fmt.Errorf("delete prior entries for %s: %w", path, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT OR REPLACE INTO entries (chunk_id, project_id, source_path, content, metadata, embedding)
		VALUES (?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		content := e.Metadata["__content"]
		metaJSON, err := json.Marshal(e.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		if _, err := stmt.ExecContext(ctx, e.ChunkID, e.ProjectID, e.SourcePath, content, string(metaJSON), encodeVector(e.Vector)); err != nil {
			return fmt.Errorf("insert entry %s: %w", e.ChunkID, err)
		}
	}

	return tx.Commit()
}

// Count returns the number of entries in the collection.
func (c *Collection) Count(ctx context.Context) (int, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var n int
	err := c.db.QueryRowContext(ctx, "SELECT COUNT(*) FROM entries").Scan(&n)
	return n, err
}

// Search returns the top-k entries by cosine similarity to query, optionally
// restricted to rows whose metadata[filterKey] == filterValue (used for the
// Sacred Store's status="approved" scoping). Ties break on chunk_id for
// determinism (spec.md §9 "Drift determinism").
func (c *Collection) Search(ctx context.Context, query []float32, k int, filterKey, filterValue string) ([]SearchResult, error) {
	if len(query) != c.dim {
		return nil, apierr.New(apierr.IntegrityError, "query dimension %d does not match collection dimension %d", len(query), c.dim)
	}
	if k <= 0 {
		return nil, nil
	}

	c.mu.RLock()
	defer c.mu.RUnlock()

	if c.vecOK {
		results, err := c.searchVec(ctx, query, k, filterKey, filterValue)
		if err == nil {
			return results, nil
		}
		// Fall through to brute-force on any ANN query failure.
	}
	return c.searchBruteForce(ctx, query, k, filterKey, filterValue)
}

func (c *Collection) searchVec(ctx context.Context, query []float32, k int, filterKey, filterValue string) ([]SearchResult, error) {
	rows, err := c.db.QueryContext(ctx, `
		SELECT e.chunk_id, e.content, e.metadata, e.source_path,
		       vec_distance_cosine(v.embedding, ?) AS dist
		FROM vec_index v
		JOIN entries e ON e.rowid = v.rowid
		ORDER BY dist ASC
		LIMIT ?`, encodeVector(query), k*4+20) // overfetch to allow post-filtering
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var all []scored
	for rows.Next() {
		var s scored
		var metaJSON string
		var dist float64
		if err := rows.Scan(&s.chunkID, &s.content, &metaJSON, &s.sourcePath, &dist); err != nil {
			continue
		}
		_ = json.Unmarshal([]byte(metaJSON), &s.metadata)
		if filterKey != "" && s.metadata[filterKey] != filterValue {
			continue
		}
		s.score = 1 - dist
		all = append(all, s)
	}
	sortScored(all)
	return toResults(all, k), nil
}

func (c *Collection) searchBruteForce(ctx context.Context, query []float32, k int, filterKey, filterValue string) ([]SearchResult, error) {
	rows, err := c.db.QueryContext(ctx, "SELECT chunk_id, content, metadata, source_path, embedding FROM entries")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var all []scored
	for rows.Next() {
		var s scored
		var metaJSON string
		var blob []byte
		if err := rows.Scan(&s.chunkID, &s.content, &metaJSON, &s.sourcePath, &blob); err != nil {
			continue
		}
		_ = json.Unmarshal([]byte(metaJSON), &s.metadata)
		if filterKey != "" && s.metadata[filterKey] != filterValue {
			continue
		}
		vec := decodeVector(blob)
		s.score = cosineSimilarity(query, vec)
		all = append(all, s)
	}
	sortScored(all)
	return toResults(all, k), nil
}

type scored struct {
	chunkID    string
	content    string
	sourcePath string
	metadata   map[string]string
	score      float64
}

// sortScored orders by score descending, breaking ties on chunk_id
// ascending for determinism (spec.md §9).
func sortScored(all []scored) {
	sort.Slice(all, func(i, j int) bool {
		if all[i].score != all[j].score {
			return all[i].score > all[j].score
		}
		return all[i].chunkID < all[j].chunkID
	})
}

func toResults(all []scored, k int) []SearchResult {
	if len(all) > k {
		all = all[:k]
	}
	out := make([]SearchResult, len(all))
	for i, s := range all {
		out[i] = SearchResult{
			ChunkID:    s.chunkID,
			Content:    s.content,
			Metadata:   s.metadata,
			SourcePath: s.sourcePath,
			Score:      s.score,
		}
	}
	return out
}

// encodeVector matches the secondary repo's little-endian float32 blob
// encoding so vec0 can read it directly.
func encodeVector(v []float32) []byte {
	buf := &bytes.Buffer{}
	buf.Grow(len(v) * 4)
	_ = binary.Write(buf, binary.LittleEndian, v)
	return buf.Bytes()
}

func decodeVector(blob []byte) []float32 {
	n := len(blob) / 4
	out := make([]float32, n)
	_ = binary.Read(bytes.NewReader(blob), binary.LittleEndian, out)
	return out
}

func cosineSimilarity(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}

// CollectionNameForProject builds the `project_{id}` collection name (spec.md §3).
func CollectionNameForProject(projectID string) string {
	return "project_" + projectID
}

// CollectionNameForSacred builds the `sacred_{id}` collection name (spec.md §3).
func CollectionNameForSacred(projectID string) string {
	return "sacred_" + projectID
}

// IsDimensionMismatch reports whether err is the DimensionMismatch integrity
// fault raised by Collection/Insert/Search.
func IsDimensionMismatch(err error) bool {
	return apierr.Is(err, apierr.IntegrityError) && strings.Contains(err.Error(), "dimension")
}
