package pagestore

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

var (
	ErrNotFound     = errors.New("page not found")
	ErrInvalidInput = errors.New("invalid input")
)

// Store persists drawing pages as one JSON file per (projectID, pageNumber)
// key under a root directory. A page document has no practical size ceiling,
// so each entry is its own file rather than a row in a bounded KV store.
type Store struct {
	root string
}

func NewStore(root string) (*Store, error) {
	root = strings.TrimSpace(root)
	if root == "" {
		return nil, ErrInvalidInput
	}
	root = filepath.Clean(root)
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, err
	}
	return &Store{root: root}, nil
}

// Root returns the cache directory. Watchers attach here.
func (s *Store) Root() string {
	return s.root
}

// Put durably persists page content, overwriting any prior value. The write
// is atomic: readers never observe a half-written file.
func (s *Store) Put(projectID string, pageNumber int, data json.RawMessage) error {
	path, err := s.pagePath(projectID, pageNumber)
	if err != nil {
		return err
	}
	if len(data) == 0 {
		return ErrInvalidInput
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return err
	}
	return writeFileAtomic(path, data, 0o644)
}

// Get returns the persisted page content or ErrNotFound. It never fails for
// a missing key beyond that sentinel.
func (s *Store) Get(projectID string, pageNumber int) (json.RawMessage, error) {
	path, err := s.pagePath(projectID, pageNumber)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, ErrNotFound
		}
		return nil, err
	}
	return data, nil
}

// Delete removes a single cached page. Deleting a missing page is a no-op.
func (s *Store) Delete(projectID string, pageNumber int) error {
	path, err := s.pagePath(projectID, pageNumber)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// DeleteProject removes every cached page for a project. Project deletion is
// explicit and cascades; nothing else ever destroys cached pages.
func (s *Store) DeleteProject(projectID string) error {
	dir, err := s.projectDir(projectID)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(dir); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Pages lists the page numbers cached for a project, ascending.
func (s *Store) Pages(projectID string) ([]int, error) {
	dir, err := s.projectDir(projectID)
	if err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return []int{}, nil
		}
		return nil, err
	}
	numbers := make([]int, 0, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		n, ok := ParsePageFileName(entry.Name())
		if !ok {
			continue
		}
		numbers = append(numbers, n)
	}
	sort.Ints(numbers)
	return numbers, nil
}

func (s *Store) projectDir(projectID string) (string, error) {
	projectID = strings.TrimSpace(projectID)
	if projectID == "" || !safePathComponent(projectID) {
		return "", ErrInvalidInput
	}
	return filepath.Join(s.root, projectID), nil
}

func (s *Store) pagePath(projectID string, pageNumber int) (string, error) {
	dir, err := s.projectDir(projectID)
	if err != nil {
		return "", err
	}
	if pageNumber < 0 {
		return "", ErrInvalidInput
	}
	return filepath.Join(dir, PageFileName(pageNumber)), nil
}

// PageFileName is the on-disk name for a page entry.
func PageFileName(pageNumber int) string {
	return fmt.Sprintf("page-%d.json", pageNumber)
}

// ParsePageFileName inverts PageFileName.
func ParsePageFileName(name string) (int, bool) {
	if !strings.HasPrefix(name, "page-") || !strings.HasSuffix(name, ".json") {
		return 0, false
	}
	raw := strings.TrimSuffix(strings.TrimPrefix(name, "page-"), ".json")
	n, err := strconv.Atoi(raw)
	if err != nil || n < 0 {
		return 0, false
	}
	return n, true
}

func safePathComponent(component string) bool {
	if component == "." || component == ".." {
		return false
	}
	return !strings.ContainsAny(component, "/\\")
}

func writeFileAtomic(path string, data []byte, mode os.FileMode) error {
	dir := filepath.Dir(path)
	tmpFile, err := os.CreateTemp(dir, "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmpFile.Name()
	committed := false
	defer func() {
		if !committed {
			_ = os.Remove(tmpName)
		}
	}()
	if _, err := tmpFile.Write(data); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Chmod(mode); err != nil {
		_ = tmpFile.Close()
		return err
	}
	if err := tmpFile.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmpName, path); err != nil {
		return err
	}
	committed = true
	return nil
}
