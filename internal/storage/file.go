package storage

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"ocrsched/internal/task"
	logx "ocrsched/pkg/logx"
)

// fileStore is the dependency-free persistence backend.
//
// Files:
//   - <prefix>.queue.snapshot.json (full active set, rewritten atomically)
//   - <prefix>.history.jsonl       (append-only JSON Lines, one group per line)
type fileStore struct {
	log logx.Logger

	mu sync.Mutex

	snapshotPath string
	historyPath  string
	historyFile  *os.File
}

func openFile(cfg Config, log logx.Logger) (Store, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("storage.path is required for file driver")
	}
	if log.IsZero() {
		log = logx.Nop()
	}

	dir := filepath.Dir(path)
	base := filepath.Base(path)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	prefix := filepath.Join(dir, base)

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, err
	}

	snapPath := prefix + ".queue.snapshot.json"
	histPath := prefix + ".history.jsonl"

	hf, err := os.OpenFile(histPath, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}

	return &fileStore{
		log:          log,
		snapshotPath: snapPath,
		historyPath:  histPath,
		historyFile:  hf,
	}, nil
}

func (s *fileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyFile != nil {
		err := s.historyFile.Close()
		s.historyFile = nil
		return err
	}
	return nil
}

func (s *fileStore) SaveSnapshot(ctx context.Context, groups []*task.Group) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	// Write-then-rename so a crash mid-write never corrupts the snapshot.
	tmp := s.snapshotPath + ".tmp"
	f, err := os.OpenFile(tmp, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}
	if groups == nil {
		groups = []*task.Group{}
	}
	if err := json.NewEncoder(f).Encode(groups); err != nil {
		_ = f.Close()
		return err
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, s.snapshotPath)
}

func (s *fileStore) LoadSnapshot(ctx context.Context) ([]*task.Group, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.snapshotPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var groups []*task.Group
	if err := json.NewDecoder(f).Decode(&groups); err != nil {
		return nil, err
	}
	return groups, nil
}

func (s *fileStore) AppendHistory(ctx context.Context, g *task.Group) error {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.historyFile == nil {
		return errors.New("history file closed")
	}
	return json.NewEncoder(s.historyFile).Encode(g)
}

func (s *fileStore) LoadHistory(ctx context.Context, limit int) ([]*task.Group, error) {
	_ = ctx
	s.mu.Lock()
	defer s.mu.Unlock()

	f, err := os.Open(s.historyPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var all []*task.Group
	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		if line == "" {
			continue
		}
		g := &task.Group{}
		if err := json.Unmarshal([]byte(line), g); err != nil {
			// A torn last line after a crash is expected; skip it.
			s.log.Debug("history line skipped", logx.Any("err", err))
			continue
		}
		all = append(all, g)
	}
	if err := sc.Err(); err != nil {
		return nil, err
	}

	// Newest first.
	for i, j := 0, len(all)-1; i < j; i, j = i+1, j-1 {
		all[i], all[j] = all[j], all[i]
	}
	if limit > 0 && len(all) > limit {
		all = all[:limit]
	}
	return all, nil
}
