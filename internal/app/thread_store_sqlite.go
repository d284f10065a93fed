package app

import (
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteThreadStore is the default persistence backend.
type SQLiteThreadStore struct {
	Root   string
	dbPath string

	mu   sync.Mutex
	db   *sql.DB
	once sync.Once
	err  error
}

// DefaultStorageRoot prefers the XDG data dir, then the home directory, then
// a temp dir.
func DefaultStorageRoot() string {
	if base := strings.TrimSpace(os.Getenv("XDG_DATA_HOME")); base != "" {
		return filepath.Join(base, "sidethread", "storage")
	}
	if base, err := os.UserHomeDir(); err == nil && base != "" {
		return filepath.Join(base, ".local", "share", "sidethread", "storage")
	}
	return filepath.Join(os.TempDir(), "sidethread", "storage")
}

func NewSQLiteThreadStore(root string) (*SQLiteThreadStore, error) {
	if strings.TrimSpace(root) == "" {
		root = DefaultStorageRoot()
	}
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	st := &SQLiteThreadStore{
		Root:   root,
		dbPath: filepath.Join(root, "sidethread.db"),
	}
	// Initialize eagerly so callers fail fast and fall back to the file store.
	if err := st.init(); err != nil {
		return nil, err
	}
	return st, nil
}

func (s *SQLiteThreadStore) init() error {
	s.once.Do(func() {
		db, err := sql.Open("sqlite", s.dbPath)
		if err != nil {
			s.err = err
			return
		}
		// Keep sqlite responsive under contention.
		_, _ = db.Exec("PRAGMA busy_timeout = 5000;")
		_, _ = db.Exec("PRAGMA journal_mode = WAL;")
		_, _ = db.Exec("PRAGMA synchronous = NORMAL;")

		schema := []string{
			`CREATE TABLE IF NOT EXISTS threads (
				id TEXT PRIMARY KEY,
				title TEXT,
				category TEXT,
				created_at_ns INTEGER NOT NULL,
				updated_at_ns INTEGER NOT NULL
			);`,
			`CREATE INDEX IF NOT EXISTS idx_threads_updated ON threads(updated_at_ns);`,
			`CREATE TABLE IF NOT EXISTS messages (
				id TEXT NOT NULL,
				thread_id TEXT NOT NULL,
				role TEXT NOT NULL,
				text TEXT NOT NULL,
				continuation_ref TEXT,
				created_at_ns INTEGER NOT NULL,
				PRIMARY KEY (thread_id, id)
			);`,
			`CREATE INDEX IF NOT EXISTS idx_messages_thread_created ON messages(thread_id, created_at_ns);`,
			`CREATE TABLE IF NOT EXISTS tasks (
				id TEXT PRIMARY KEY,
				thread_id TEXT NOT NULL,
				prompt TEXT NOT NULL,
				status TEXT NOT NULL,
				result TEXT,
				created_at_ns INTEGER NOT NULL,
				completed_at_ns INTEGER,
				ingested INTEGER NOT NULL DEFAULT 0
			);`,
			`CREATE INDEX IF NOT EXISTS idx_tasks_thread_completed ON tasks(thread_id, completed_at_ns);`,
		}
		for _, stmt := range schema {
			if _, err := db.Exec(stmt); err != nil {
				_ = db.Close()
				s.err = err
				return
			}
		}
		s.db = db
	})
	return s.err
}

func (s *SQLiteThreadStore) dbConn() (*sql.DB, error) {
	if err := s.init(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	db := s.db
	s.mu.Unlock()
	if db == nil {
		return nil, errors.New("sqlite store unavailable")
	}
	return db, nil
}

func (s *SQLiteThreadStore) SaveThread(t Thread) error {
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("thread id required")
	}
	db, err := s.dbConn()
	if err != nil {
		return err
	}
	_, err = db.Exec(
		`INSERT INTO threads(id, title, category, created_at_ns, updated_at_ns)
		 VALUES(?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET title=excluded.title, category=excluded.category, updated_at_ns=excluded.updated_at_ns`,
		t.ID, nullIfEmpty(t.Title), nullIfEmpty(t.Category), t.CreatedAt.UnixNano(), t.UpdatedAt.UnixNano(),
	)
	return err
}

func (s *SQLiteThreadStore) GetThread(id string) (Thread, error) {
	db, err := s.dbConn()
	if err != nil {
		return Thread{}, err
	}
	var t Thread
	var title, category sql.NullString
	var createdNS, updatedNS int64
	err = db.QueryRow(`SELECT id, title, category, created_at_ns, updated_at_ns FROM threads WHERE id = ?`, id).
		Scan(&t.ID, &title, &category, &createdNS, &updatedNS)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Thread{}, errors.New("thread not found")
		}
		return Thread{}, err
	}
	t.Title = title.String
	t.Category = category.String
	t.CreatedAt = time.Unix(0, createdNS)
	t.UpdatedAt = time.Unix(0, updatedNS)
	return t, nil
}

func (s *SQLiteThreadStore) ListThreads() ([]Thread, error) {
	db, err := s.dbConn()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(`SELECT id, title, category, created_at_ns, updated_at_ns FROM threads ORDER BY updated_at_ns DESC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Thread
	for rows.Next() {
		var t Thread
		var title, category sql.NullString
		var createdNS, updatedNS int64
		if err := rows.Scan(&t.ID, &title, &category, &createdNS, &updatedNS); err != nil {
			return nil, err
		}
		t.Title = title.String
		t.Category = category.String
		t.CreatedAt = time.Unix(0, createdNS)
		t.UpdatedAt = time.Unix(0, updatedNS)
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteThreadStore) DeleteThreadMessages(threadID string) error {
	db, err := s.dbConn()
	if err != nil {
		return err
	}
	_, err = db.Exec(`DELETE FROM messages WHERE thread_id = ?`, threadID)
	return err
}

func (s *SQLiteThreadStore) AppendMessage(m ThreadMessage) error {
	if strings.TrimSpace(m.ID) == "" || strings.TrimSpace(m.ThreadID) == "" {
		return errors.New("message id and thread id required")
	}
	db, err := s.dbConn()
	if err != nil {
		return err
	}
	_, err = db.Exec(
		`INSERT OR IGNORE INTO messages(id, thread_id, role, text, continuation_ref, created_at_ns)
		 VALUES(?, ?, ?, ?, ?, ?)`,
		m.ID, m.ThreadID, m.Role, m.Text, nullIfEmpty(m.ContinuationRef), m.CreatedAt.UnixNano(),
	)
	return err
}

func (s *SQLiteThreadStore) ListMessages(threadID string) ([]ThreadMessage, error) {
	db, err := s.dbConn()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(
		`SELECT id, thread_id, role, text, continuation_ref, created_at_ns
		 FROM messages WHERE thread_id = ? ORDER BY created_at_ns ASC`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ThreadMessage
	for rows.Next() {
		var m ThreadMessage
		var ref sql.NullString
		var createdNS int64
		if err := rows.Scan(&m.ID, &m.ThreadID, &m.Role, &m.Text, &ref, &createdNS); err != nil {
			return nil, err
		}
		m.ContinuationRef = ref.String
		m.CreatedAt = time.Unix(0, createdNS)
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *SQLiteThreadStore) SaveTask(t TaskRecord) error {
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("task id required")
	}
	db, err := s.dbConn()
	if err != nil {
		return err
	}
	var completedNS any
	if !t.CompletedAt.IsZero() {
		completedNS = t.CompletedAt.UnixNano()
	}
	ingested := 0
	if t.Ingested {
		ingested = 1
	}
	_, err = db.Exec(
		`INSERT INTO tasks(id, thread_id, prompt, status, result, created_at_ns, completed_at_ns, ingested)
		 VALUES(?, ?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET status=excluded.status, result=excluded.result,
			completed_at_ns=excluded.completed_at_ns, ingested=excluded.ingested`,
		t.ID, t.ThreadID, t.Prompt, t.Status, nullIfEmpty(t.Result), t.CreatedAt.UnixNano(), completedNS, ingested,
	)
	return err
}

func (s *SQLiteThreadStore) ListTasks(threadID string) ([]TaskRecord, error) {
	db, err := s.dbConn()
	if err != nil {
		return nil, err
	}
	rows, err := db.Query(
		`SELECT id, thread_id, prompt, status, result, created_at_ns, completed_at_ns, ingested
		 FROM tasks WHERE thread_id = ? ORDER BY created_at_ns ASC`, threadID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []TaskRecord
	for rows.Next() {
		var t TaskRecord
		var result sql.NullString
		var createdNS int64
		var completedNS sql.NullInt64
		var ingested int
		if err := rows.Scan(&t.ID, &t.ThreadID, &t.Prompt, &t.Status, &result, &createdNS, &completedNS, &ingested); err != nil {
			return nil, err
		}
		t.Result = result.String
		t.CreatedAt = time.Unix(0, createdNS)
		if completedNS.Valid {
			t.CompletedAt = time.Unix(0, completedNS.Int64)
		}
		t.Ingested = ingested != 0
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s *SQLiteThreadStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func nullIfEmpty(s string) any {
	if strings.TrimSpace(s) == "" {
		return nil
	}
	return s
}
