// Package embedding loads and stores speaker embeddings: fixed-size float
// vectors describing a voice's timbre. Checkpoints are NumPy .npy files, either
// loose in a directory or bundled in an .npz archive.
package embedding

import (
	"archive/zip"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

var ErrNotFound = errors.New("embedding: not found")

type Embedding []float32

func (e Embedding) Dim() int {
	return len(e)
}

func (e Embedding) Clone() Embedding {
	return append(Embedding(nil), e...)
}

// Key maps a synthesizer speaker name to the file key of its embedding,
// e.g. "EN_INDIA" -> "en-india".
func Key(speaker string) string {
	return strings.ReplaceAll(strings.ToLower(speaker), "_", "-")
}

// Store resolves speaker keys to embeddings. Directory stores read
// <dir>/<key>.npy on demand; archive stores are read fully when opened.
type Store struct {
	dir    string
	loaded map[string]Embedding
}

func Open(path string) (*Store, error) {
	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open embeddings %s: %w", path, err)
	}
	if info.IsDir() {
		return &Store{dir: path, loaded: make(map[string]Embedding)}, nil
	}
	if strings.HasSuffix(path, ".npz") {
		return loadArchive(path)
	}
	return nil, fmt.Errorf("embeddings path %s is neither a directory nor an .npz archive", path)
}

func loadArchive(path string) (*Store, error) {
	r, err := zip.OpenReader(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open NPZ file: %w", err)
	}
	defer r.Close()

	store := &Store{loaded: make(map[string]Embedding)}
	for _, f := range r.File {
		if !strings.HasSuffix(f.Name, ".npy") {
			continue
		}

		rc, err := f.Open()
		if err != nil {
			return nil, fmt.Errorf("failed to open %s: %w", f.Name, err)
		}
		e, err := readNpy(rc)
		rc.Close()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", f.Name, err)
		}

		key := strings.TrimSuffix(filepath.Base(f.Name), ".npy")
		store.loaded[key] = e
	}
	return store, nil
}

// Get returns a copy of the embedding stored under key. A missing checkpoint
// yields an error matching ErrNotFound.
func (s *Store) Get(key string) (Embedding, error) {
	if e, ok := s.loaded[key]; ok {
		return e.Clone(), nil
	}
	if s.dir == "" {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}

	e, err := ReadFile(filepath.Join(s.dir, key+".npy"))
	if err != nil {
		return nil, err
	}
	s.loaded[key] = e
	return e.Clone(), nil
}

func (s *Store) Has(key string) bool {
	if _, ok := s.loaded[key]; ok {
		return true
	}
	if s.dir == "" {
		return false
	}
	_, err := os.Stat(filepath.Join(s.dir, key+".npy"))
	return err == nil
}

// Keys lists every key the store can resolve, sorted.
func (s *Store) Keys() []string {
	seen := make(map[string]struct{}, len(s.loaded))
	for k := range s.loaded {
		seen[k] = struct{}{}
	}
	if s.dir != "" {
		entries, err := os.ReadDir(s.dir)
		if err == nil {
			for _, entry := range entries {
				if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".npy") {
					continue
				}
				seen[strings.TrimSuffix(entry.Name(), ".npy")] = struct{}{}
			}
		}
	}

	keys := make([]string, 0, len(seen))
	for k := range seen {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
