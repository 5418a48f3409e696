// Package memory implements the SQLite-backed memory index: chunked document
// entries with FTS5 retrieval and a LIKE fallback when FTS5 is unavailable.
package memory

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	_ "modernc.org/sqlite" // pure-Go SQLite driver
)

// ScopeGlobal is the shared scope queried alongside the active scope.
const ScopeGlobal = "global"

// Hit is one retrieved memory entry.
type Hit struct {
	Scope     string
	SourceKey string
	Content   string
}

// Index is the process-wide memory index. Safe for concurrent use: the
// database runs in WAL mode with a busy timeout, and all goroutines
// serialize through one connection.
type Index struct {
	db  *sql.DB
	fts bool
}

// Open creates (or opens) the index database at path.
func Open(path string) (*Index, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create memory dir: %w", err)
	}

	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open memory db: %w", err)
	}
	db.SetMaxOpenConns(1)

	idx := &Index{db: db}
	if err := idx.init(); err != nil {
		db.Close()
		return nil, err
	}
	return idx, nil
}

func (idx *Index) init() error {
	ctx := context.Background()

	for _, pragma := range []string{
		`PRAGMA journal_mode=WAL`,
		`PRAGMA busy_timeout=5000`,
	} {
		if _, err := idx.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("memory pragma: %w", err)
		}
	}

	tables := []string{
		`CREATE TABLE IF NOT EXISTS memory_sources (
			scope TEXT NOT NULL,
			source TEXT NOT NULL,
			source_key TEXT NOT NULL,
			mtime_ns INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			PRIMARY KEY (scope, source, source_key)
		)`,
		`CREATE TABLE IF NOT EXISTS memory_entries (
			id INTEGER PRIMARY KEY,
			scope TEXT NOT NULL,
			source TEXT NOT NULL,
			source_key TEXT NOT NULL,
			content TEXT NOT NULL,
			content_hash TEXT NOT NULL,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL,
			UNIQUE (scope, source, source_key, content_hash)
		)`,
	}
	for _, q := range tables {
		if _, err := idx.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("memory schema: %w", err)
		}
	}

	// FTS5 index kept in sync by triggers. Builds of SQLite without FTS5
	// fall back to LIKE queries.
	_, err := idx.db.ExecContext(ctx, `CREATE VIRTUAL TABLE IF NOT EXISTS memory_entries_fts
		USING fts5(content, scope UNINDEXED, content='memory_entries', content_rowid='id')`)
	if err != nil {
		slog.Warn("memory: fts5 unavailable, using LIKE fallback", "error", err)
		return nil
	}
	idx.fts = true

	triggers := []string{
		`CREATE TRIGGER IF NOT EXISTS memory_entries_ai AFTER INSERT ON memory_entries BEGIN
			INSERT INTO memory_entries_fts(rowid, content, scope) VALUES (new.id, new.content, new.scope);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memory_entries_ad AFTER DELETE ON memory_entries BEGIN
			INSERT INTO memory_entries_fts(memory_entries_fts, rowid, content, scope) VALUES ('delete', old.id, old.content, old.scope);
		END`,
		`CREATE TRIGGER IF NOT EXISTS memory_entries_au AFTER UPDATE ON memory_entries BEGIN
			INSERT INTO memory_entries_fts(memory_entries_fts, rowid, content, scope) VALUES ('delete', old.id, old.content, old.scope);
			INSERT INTO memory_entries_fts(rowid, content, scope) VALUES (new.id, new.content, new.scope);
		END`,
	}
	for _, q := range triggers {
		if _, err := idx.db.ExecContext(ctx, q); err != nil {
			return fmt.Errorf("memory triggers: %w", err)
		}
	}
	return nil
}

// Close releases the database handle.
func (idx *Index) Close() error { return idx.db.Close() }

const (
	minChunkChars = 12
	maxChunkChars = 1000
)

// ChunkText splits text into paragraph chunks: blank-line separated, short
// fragments dropped, each chunk capped at maxChunkChars.
func ChunkText(text string) []string {
	var chunks []string
	for _, para := range regexp.MustCompile(`\n\s*\n`).Split(text, -1) {
		p := strings.TrimSpace(para)
		if len(p) < minChunkChars {
			continue
		}
		if len(p) > maxChunkChars {
			p = p[:maxChunkChars]
		}
		chunks = append(chunks, p)
	}
	return chunks
}

// IngestFileIfChanged indexes a file's chunks under (scope, "file", sourceKey).
// The ingest is mtime-gated: when the stored mtime matches the file's current
// mtime nothing is written. A changed file replaces all of its entries in one
// transaction.
func (idx *Index) IngestFileIfChanged(ctx context.Context, scope, path string) error {
	info, err := os.Stat(path)
	if err != nil {
		return fmt.Errorf("stat memory source: %w", err)
	}
	mtimeNS := info.ModTime().UnixNano()
	sourceKey := path

	var stored int64
	err = idx.db.QueryRowContext(ctx,
		`SELECT mtime_ns FROM memory_sources WHERE scope = ? AND source = 'file' AND source_key = ?`,
		scope, sourceKey).Scan(&stored)
	if err == nil && stored == mtimeNS {
		return nil
	}
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("memory source lookup: %w", err)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read memory source: %w", err)
	}

	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`DELETE FROM memory_entries WHERE scope = ? AND source = 'file' AND source_key = ?`,
		scope, sourceKey); err != nil {
		return fmt.Errorf("memory delete entries: %w", err)
	}

	now := time.Now().Unix()
	for _, chunk := range ChunkText(string(data)) {
		hash := sha256.Sum256([]byte(chunk))
		if _, err := tx.ExecContext(ctx,
			`INSERT OR IGNORE INTO memory_entries (scope, source, source_key, content, content_hash, created_at, updated_at)
			 VALUES (?, 'file', ?, ?, ?, ?, ?)`,
			scope, sourceKey, chunk, hex.EncodeToString(hash[:]), now, now); err != nil {
			return fmt.Errorf("memory insert entry: %w", err)
		}
	}

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO memory_sources (scope, source, source_key, mtime_ns, updated_at)
		 VALUES (?, 'file', ?, ?, ?)
		 ON CONFLICT (scope, source, source_key) DO UPDATE SET mtime_ns = excluded.mtime_ns, updated_at = excluded.updated_at`,
		scope, sourceKey, mtimeNS, now); err != nil {
		return fmt.Errorf("memory upsert source: %w", err)
	}

	return tx.Commit()
}

var tokenRe = regexp.MustCompile(`[A-Za-z0-9]{2,}`)

// queryTokens extracts up to 16 alphanumeric search tokens from a query.
func queryTokens(query string) []string {
	tokens := tokenRe.FindAllString(query, 16)
	for i, t := range tokens {
		tokens[i] = strings.ToLower(t)
	}
	return tokens
}

// Search retrieves entries matching the query text from the given scopes.
// The FTS path orders by bm25; results are deterministic for fixed inputs.
func (idx *Index) Search(ctx context.Context, scopes []string, query string, limit int) ([]Hit, error) {
	tokens := queryTokens(query)
	if len(tokens) == 0 || len(scopes) == 0 || limit <= 0 {
		return nil, nil
	}

	if idx.fts {
		return idx.searchFTS(ctx, scopes, tokens, limit)
	}
	return idx.searchLike(ctx, scopes, tokens, limit)
}

func scopePlaceholders(scopes []string) (string, []any) {
	ph := make([]string, len(scopes))
	args := make([]any, len(scopes))
	for i, s := range scopes {
		ph[i] = "?"
		args[i] = s
	}
	return strings.Join(ph, ","), args
}

func (idx *Index) searchFTS(ctx context.Context, scopes, tokens []string, limit int) ([]Hit, error) {
	// Quote each token so FTS syntax characters in user text cannot break
	// the MATCH expression.
	quoted := make([]string, len(tokens))
	for i, t := range tokens {
		quoted[i] = `"` + t + `"`
	}
	match := strings.Join(quoted, " OR ")

	ph, scopeArgs := scopePlaceholders(scopes)
	args := append([]any{match}, scopeArgs...)
	args = append(args, limit)

	rows, err := idx.db.QueryContext(ctx,
		`SELECT e.scope, e.source_key, e.content
		 FROM memory_entries_fts f
		 JOIN memory_entries e ON e.id = f.rowid
		 WHERE memory_entries_fts MATCH ? AND e.scope IN (`+ph+`)
		 ORDER BY bm25(memory_entries_fts), e.id LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("memory fts search: %w", err)
	}
	defer rows.Close()
	return scanHits(rows)
}

func (idx *Index) searchLike(ctx context.Context, scopes, tokens []string, limit int) ([]Hit, error) {
	ph, scopeArgs := scopePlaceholders(scopes)

	likes := make([]string, len(tokens))
	likeArgs := make([]any, len(tokens))
	for i, t := range tokens {
		likes[i] = "lower(content) LIKE ?"
		likeArgs[i] = "%" + t + "%"
	}

	args := append(scopeArgs, likeArgs...)
	args = append(args, limit)

	rows, err := idx.db.QueryContext(ctx,
		`SELECT scope, source_key, content FROM memory_entries
		 WHERE scope IN (`+ph+`) AND (`+strings.Join(likes, " OR ")+`)
		 ORDER BY id LIMIT ?`, args...)
	if err != nil {
		return nil, fmt.Errorf("memory like search: %w", err)
	}
	defer rows.Close()
	return scanHits(rows)
}

func scanHits(rows *sql.Rows) ([]Hit, error) {
	var hits []Hit
	for rows.Next() {
		var h Hit
		if err := rows.Scan(&h.Scope, &h.SourceKey, &h.Content); err != nil {
			return nil, fmt.Errorf("scan memory hit: %w", err)
		}
		hits = append(hits, h)
	}
	return hits, rows.Err()
}
