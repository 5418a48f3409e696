package session

import (
	"bufio"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"
)

// Store manages session transcripts under one directory.
type Store struct {
	dir         string
	maxMessages int // trim threshold: transcripts are capped at 2x this

	mu    sync.Mutex
	cache map[string]*Session
	saves sync.WaitGroup
}

// SessionInfo is a lightweight descriptor for listing.
type SessionInfo struct {
	Key       string    `json:"key"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
	Path      string    `json:"path"`
}

func NewStore(dir string, maxMessages int) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create sessions dir: %w", err)
	}
	if maxMessages <= 0 {
		maxMessages = 100
	}
	return &Store{
		dir:         dir,
		maxMessages: maxMessages,
		cache:       make(map[string]*Session),
	}, nil
}

// MaxMessages returns the configured retention; transcripts hold at most
// twice this many messages.
func (st *Store) MaxMessages() int { return st.maxMessages }

// GetOrCreate returns the cached session for key, loading it from disk on a
// cache miss and creating it fresh when no file exists.
func (st *Store) GetOrCreate(key string) *Session {
	st.mu.Lock()
	defer st.mu.Unlock()

	if s, ok := st.cache[key]; ok {
		return s
	}

	path := st.pathFor(key)
	s, err := loadFile(path, key)
	if err != nil {
		now := time.Now().UTC()
		s = &Session{Key: key, CreatedAt: now, UpdatedAt: now}
	}
	st.cache[key] = s
	return s
}

// AppendAndTrim appends a message and permanently drops the oldest entries
// when the transcript exceeds 2x the retention setting.
func (st *Store) AppendAndTrim(s *Session, role, content string) {
	s.Append(role, content)
	s.Trim(2 * st.maxMessages)
}

// Save persists a session atomically: temp file, fsync, rename, all under an
// advisory lock file so concurrent processes never interleave writes. The
// transcript is snapshotted first; an append landing mid-save is picked up by
// the next save instead of corrupting this one.
func (st *Store) Save(s *Session) error {
	path := st.pathFor(s.Key)

	lock, err := acquireLock(path + ".lock")
	if err != nil {
		return fmt.Errorf("lock session %s: %w", s.Key, err)
	}
	defer lock.release()

	msgs, metadata, createdAt, updatedAt := s.Snapshot()

	var buf strings.Builder
	meta := map[string]any{
		"_type":      "metadata",
		"key":        s.Key,
		"created_at": createdAt.Format(time.RFC3339Nano),
		"updated_at": updatedAt.Format(time.RFC3339Nano),
		"metadata":   metadata,
	}
	metaLine, err := json.Marshal(meta)
	if err != nil {
		return err
	}
	buf.Write(metaLine)
	buf.WriteByte('\n')

	for _, msg := range msgs {
		line, err := json.Marshal(msg)
		if err != nil {
			return err
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	tmp, err := os.CreateTemp(st.dir, "session-*.tmp")
	if err != nil {
		return err
	}
	tmpPath := tmp.Name()
	cleanup := true
	defer func() {
		if cleanup {
			os.Remove(tmpPath)
		}
	}()

	if _, err := tmp.WriteString(buf.String()); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	tmp.Close()

	if err := os.Rename(tmpPath, path); err != nil {
		return err
	}
	cleanup = false
	return nil
}

// SaveAsync persists in the background so the agent loop never blocks on disk.
func (st *Store) SaveAsync(s *Session) {
	st.saves.Add(1)
	go func() {
		defer st.saves.Done()
		if err := st.Save(s); err != nil {
			slog.Warn("session save failed", "key", s.Key, "error", err)
		}
	}()
}

// Flush waits for outstanding async saves.
func (st *Store) Flush() { st.saves.Wait() }

// Delete removes a session from cache and disk.
func (st *Store) Delete(key string) error {
	st.mu.Lock()
	delete(st.cache, key)
	st.mu.Unlock()

	path := st.pathFor(key)
	os.Remove(path + ".lock")
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// ListSessions returns descriptors for all persisted sessions, most recently
// updated first.
func (st *Store) ListSessions() []SessionInfo {
	entries, err := os.ReadDir(st.dir)
	if err != nil {
		return nil
	}

	var infos []SessionInfo
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".jsonl") {
			continue
		}
		path := filepath.Join(st.dir, e.Name())
		stem := strings.TrimSuffix(e.Name(), ".jsonl")
		s, err := loadFile(path, stem)
		if err != nil {
			continue
		}
		infos = append(infos, SessionInfo{
			Key:       s.Key,
			CreatedAt: s.CreatedAt,
			UpdatedAt: s.UpdatedAt,
			Path:      path,
		})
	}

	sort.Slice(infos, func(i, j int) bool {
		return infos[i].UpdatedAt.After(infos[j].UpdatedAt)
	})
	return infos
}

func (st *Store) pathFor(key string) string {
	return filepath.Join(st.dir, FileStem(key)+".jsonl")
}

// loadFile parses a JSONL session file. Malformed lines, lines without a
// role, and a damaged metadata record are tolerated; a missing key falls
// back to the file stem (never reconstructed by replacing underscores).
func loadFile(path, stemFallback string) (*Session, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	s := &Session{Key: stemFallback}

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	first := true
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		if first {
			first = false
			var meta struct {
				Type      string         `json:"_type"`
				Key       string         `json:"key"`
				CreatedAt time.Time      `json:"created_at"`
				UpdatedAt time.Time      `json:"updated_at"`
				Metadata  map[string]any `json:"metadata"`
			}
			if err := json.Unmarshal([]byte(line), &meta); err == nil && meta.Type == "metadata" {
				if meta.Key != "" {
					s.Key = meta.Key
				}
				s.CreatedAt = meta.CreatedAt
				s.UpdatedAt = meta.UpdatedAt
				s.Metadata = meta.Metadata
				continue
			}
			// Not a metadata record: fall through and try it as a message.
		}

		var msg Message
		if err := json.Unmarshal([]byte(line), &msg); err != nil {
			continue
		}
		if msg.Role == "" {
			continue
		}
		s.Messages = append(s.Messages, msg)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}
	if s.UpdatedAt.IsZero() {
		s.UpdatedAt = s.CreatedAt
	}
	return s, nil
}
