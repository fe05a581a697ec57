package embedding

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
)

// Cache keeps embeddings extracted from reference audio so that the same
// reference file is only analysed once. Entries are keyed by the file's base
// name and a hash of its content.
type Cache struct {
	dir string
}

func NewCache(dir string) (*Cache, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create embedding cache: %w", err)
	}
	return &Cache{dir: dir}, nil
}

func (c *Cache) Dir() string {
	return c.dir
}

// Path returns the cache file that holds the embedding of audioPath.
func (c *Cache) Path(audioPath string) (string, error) {
	f, err := os.Open(audioPath)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("failed to hash %s: %w", audioPath, err)
	}

	base := strings.TrimSuffix(filepath.Base(audioPath), filepath.Ext(audioPath))
	sum := hex.EncodeToString(h.Sum(nil))[:16]
	return filepath.Join(c.dir, base+"-"+sum+".npy"), nil
}

// Lookup reports whether an embedding for audioPath is cached.
func (c *Cache) Lookup(audioPath string) (Embedding, bool, error) {
	path, err := c.Path(audioPath)
	if err != nil {
		return nil, false, err
	}
	e, err := ReadFile(path)
	if errors.Is(err, ErrNotFound) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return e, true, nil
}

func (c *Cache) Save(audioPath string, e Embedding) error {
	path, err := c.Path(audioPath)
	if err != nil {
		return err
	}
	return WriteFile(path, e)
}
