package app

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
)

// FileThreadStore is the JSON-on-disk fallback used when SQLite is
// unavailable.
//
// Layout:
//
//	<root>/thread/<threadID>.json
//	<root>/message/<threadID>/<msgID>.json
//	<root>/task/<threadID>/<taskID>.json
type FileThreadStore struct {
	Root string
	mu   sync.Mutex
}

func NewFileThreadStore(root string) *FileThreadStore {
	if strings.TrimSpace(root) == "" {
		root = DefaultStorageRoot()
	}
	return &FileThreadStore{Root: root}
}

func (s *FileThreadStore) writeJSON(path string, v any) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}

func (s *FileThreadStore) SaveThread(t Thread) error {
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("thread id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(filepath.Join(s.Root, "thread", t.ID+".json"), t)
}

func (s *FileThreadStore) GetThread(id string) (Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	data, err := os.ReadFile(filepath.Join(s.Root, "thread", id+".json"))
	if err != nil {
		return Thread{}, err
	}
	var t Thread
	if err := json.Unmarshal(data, &t); err != nil {
		return Thread{}, err
	}
	return t, nil
}

func (s *FileThreadStore) ListThreads() ([]Thread, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := os.ReadDir(filepath.Join(s.Root, "thread"))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []Thread
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(s.Root, "thread", e.Name()))
		if err != nil {
			continue
		}
		var t Thread
		if err := json.Unmarshal(data, &t); err != nil {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.After(out[j].UpdatedAt) })
	return out, nil
}

func (s *FileThreadStore) DeleteThreadMessages(threadID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	err := os.RemoveAll(filepath.Join(s.Root, "message", threadID))
	if errors.Is(err, os.ErrNotExist) {
		return nil
	}
	return err
}

func (s *FileThreadStore) AppendMessage(m ThreadMessage) error {
	if strings.TrimSpace(m.ID) == "" || strings.TrimSpace(m.ThreadID) == "" {
		return errors.New("message id and thread id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(filepath.Join(s.Root, "message", m.ThreadID, m.ID+".json"), m)
}

func (s *FileThreadStore) ListMessages(threadID string) ([]ThreadMessage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := filepath.Join(s.Root, "message", threadID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []ThreadMessage
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var m ThreadMessage
		if err := json.Unmarshal(data, &m); err != nil {
			continue
		}
		out = append(out, m)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *FileThreadStore) SaveTask(t TaskRecord) error {
	if strings.TrimSpace(t.ID) == "" {
		return errors.New("task id required")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeJSON(filepath.Join(s.Root, "task", t.ThreadID, t.ID+".json"), t)
}

func (s *FileThreadStore) ListTasks(threadID string) ([]TaskRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	dir := filepath.Join(s.Root, "task", threadID)
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	var out []TaskRecord
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		data, err := os.ReadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			continue
		}
		var t TaskRecord
		if err := json.Unmarshal(data, &t); err != nil {
			continue
		}
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *FileThreadStore) Close() error { return nil }
