package files

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"syscall"
)

var (
	// ErrClosed is returned if an operation is attempted on a closed container.
	ErrClosed = errors.New("cache file container is closed")
	// ErrNoSpace wraps ENOSPC failures so callers can trigger recovery.
	ErrNoSpace = errors.New("cache file store: no space left")
)

// Container stages a blob; writes go to a temporary file until Close commits it atomically.
type Container struct {
	mu        sync.Mutex
	file      *os.File
	finalPath string
	tempPath  string
	offset    int64
	closed    bool
}

// CreateContainer prepares an empty container that replaces path on Close.
func CreateContainer(path string) (*Container, error) {
	if path == "" {
		return nil, errors.New("cache file path must not be empty")
	}

	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, classify(fmt.Errorf("create cache directory: %w", err))
	}

	tempFile, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return nil, classify(fmt.Errorf("create staging file: %w", err))
	}
	return &Container{
		file:      tempFile,
		finalPath: path,
		tempPath:  tempFile.Name(),
	}, nil
}

// Write appends p after the last write.
func (c *Container) Write(p []byte) (int, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return 0, ErrClosed
	}
	n, err := c.file.WriteAt(p, c.offset)
	c.offset += int64(n)
	return n, classify(err)
}

// Abort discards the staged data and leaves the final path untouched.
func (c *Container) Abort() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true
	_ = c.file.Close()
	if err := os.Remove(c.tempPath); err != nil && !errors.Is(err, os.ErrNotExist) {
		return err
	}
	return nil
}

// Close flushes and atomically renames the staged file into place.
func (c *Container) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.closed {
		return nil
	}
	c.closed = true

	// Data must be durable before the rename makes it visible.
	if err := c.file.Sync(); err != nil {
		_ = c.file.Close()
		_ = os.Remove(c.tempPath)
		return classify(err)
	}
	if err := c.file.Close(); err != nil {
		_ = os.Remove(c.tempPath)
		return classify(err)
	}

	return replaceFile(c.tempPath, c.finalPath)
}

// BlobStore keeps response bodies as files under Root/<partition>/<blobID>.
type BlobStore struct {
	Root string
}

// NewBlobStore creates the root directory when missing.
func NewBlobStore(root string) (*BlobStore, error) {
	if root == "" {
		return nil, errors.New("cache file store: root must not be empty")
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, classify(fmt.Errorf("create blob root: %w", err))
	}
	return &BlobStore{Root: root}, nil
}

// Path returns the on-disk location of a blob.
func (s *BlobStore) Path(partition, blobID string) (string, error) {
	if err := checkName(partition); err != nil {
		return "", err
	}
	if err := checkName(blobID); err != nil {
		return "", err
	}
	return filepath.Join(s.Root, partition, blobID), nil
}

// Write stores body as a new blob and returns the number of bytes written.
// Partial writes are never visible.
func (s *BlobStore) Write(partition, blobID string, body io.Reader) (int64, error) {
	path, err := s.Path(partition, blobID)
	if err != nil {
		return 0, err
	}
	container, err := CreateContainer(path)
	if err != nil {
		return 0, err
	}
	n, err := io.Copy(container, body)
	if err != nil {
		_ = container.Abort()
		return n, classify(fmt.Errorf("write blob %s: %w", blobID, err))
	}
	if err := container.Close(); err != nil {
		return n, err
	}
	return n, nil
}

// Read returns the blob contents.
func (s *BlobStore) Read(partition, blobID string) ([]byte, error) {
	path, err := s.Path(partition, blobID)
	if err != nil {
		return nil, err
	}
	return os.ReadFile(path)
}

// Remove deletes a blob. Missing blobs are ignored.
func (s *BlobStore) Remove(partition, blobID string) error {
	path, err := s.Path(partition, blobID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("remove blob: %w", err)
	}
	return nil
}

// RemovePartition deletes every blob of a partition.
func (s *BlobStore) RemovePartition(partition string) error {
	if err := checkName(partition); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(s.Root, partition))
}

// List returns blob ids per partition directory, skipping staging files.
func (s *BlobStore) List() (map[string][]string, error) {
	result := make(map[string][]string)
	dirs, err := os.ReadDir(s.Root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return result, nil
		}
		return nil, err
	}
	for _, dir := range dirs {
		if !dir.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(s.Root, dir.Name()))
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(entries))
		for _, e := range entries {
			if e.IsDir() || strings.Contains(e.Name(), ".tmp-") {
				continue
			}
			ids = append(ids, e.Name())
		}
		result[dir.Name()] = ids
	}
	return result, nil
}

// Usage reports the bytes stored under Root.
func (s *BlobStore) Usage() (int64, error) {
	var used int64
	err := filepath.WalkDir(s.Root, func(_ string, entry os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if entry.IsDir() {
			return nil
		}
		info, infoErr := entry.Info()
		if infoErr != nil {
			return infoErr
		}
		used += info.Size()
		return nil
	})
	if err != nil && !errors.Is(err, os.ErrNotExist) {
		return 0, err
	}
	return used, nil
}

func checkName(name string) error {
	if name == "" || name == "." || name == ".." || strings.ContainsAny(name, `/\`) {
		return fmt.Errorf("cache file store: invalid name %q", name)
	}
	return nil
}

func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, syscall.ENOSPC) {
		return fmt.Errorf("%w: %w", ErrNoSpace, err)
	}
	return err
}

func replaceFile(tempPath, finalPath string) error {
	if err := os.Rename(tempPath, finalPath); err != nil {
		_ = os.Remove(tempPath)
		return classify(fmt.Errorf("commit cache file: %w", err))
	}
	return nil
}
