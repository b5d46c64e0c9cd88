package hclgraph

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	nodeflow "nodeflow"
)

const fileExt = ".hcl"

// FileStore keeps one <workflowID>.hcl file per workflow in a directory. It
// implements store.GraphStore.
type FileStore struct {
	dir string
	mu  sync.RWMutex
}

func NewFileStore(dir string) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create workflow dir: %w", err)
	}
	return &FileStore{dir: dir}, nil
}

func (s *FileStore) path(workflowID string) (string, error) {
	if workflowID == "" || workflowID != filepath.Base(workflowID) || strings.HasPrefix(workflowID, ".") {
		return "", fmt.Errorf("invalid workflow id %q", workflowID)
	}
	return filepath.Join(s.dir, workflowID+fileExt), nil
}

func (s *FileStore) LoadGraph(_ context.Context, workflowID string) (*nodeflow.Workflow, error) {
	path, err := s.path(workflowID)
	if err != nil {
		return nil, nodeflow.NonRetriable(err)
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.load(workflowID, path)
}

func (s *FileStore) load(workflowID, path string) (*nodeflow.Workflow, error) {
	wf, err := ParseFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("workflow %s: %w", workflowID, nodeflow.ErrNotFound)
	}
	if err != nil {
		return nil, err
	}
	if wf.ID != workflowID {
		return nil, fmt.Errorf("%s declares workflow %q", path, wf.ID)
	}
	return wf, nil
}

// SaveGraph replaces the nodes and connections of a workflow, creating the
// file when it does not exist yet.
func (s *FileStore) SaveGraph(_ context.Context, workflowID string, nodes []nodeflow.Node, connections []nodeflow.Connection) error {
	path, err := s.path(workflowID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, err := s.load(workflowID, path)
	if errors.Is(err, nodeflow.ErrNotFound) {
		wf = &nodeflow.Workflow{ID: workflowID}
	} else if err != nil {
		return err
	}
	wf.Nodes = nodes
	wf.Connections = connections
	return s.write(path, wf)
}

// Put writes a whole workflow, including its name and owner.
func (s *FileStore) Put(wf *nodeflow.Workflow) error {
	path, err := s.path(wf.ID)
	if err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.write(path, wf)
}

func (s *FileStore) write(path string, wf *nodeflow.Workflow) error {
	src, err := Encode(wf)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(s.dir, ".workflow-*")
	if err != nil {
		return err
	}
	if _, err := tmp.Write(src); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return err
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return err
	}
	return os.Rename(tmp.Name(), path)
}

// List returns the ids of every stored workflow in sorted order.
func (s *FileStore) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, err
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || filepath.Ext(name) != fileExt {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, fileExt))
	}
	sort.Strings(ids)
	return ids, nil
}
