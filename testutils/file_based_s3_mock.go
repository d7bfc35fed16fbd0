package testutils

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/ternmail/tern/storage"
)

// FileBasedS3Mock stores objects as files under a base directory and
// implements the same method set as storage.S3Storage, so components
// that take a blob store interface can run against it in tests.
type FileBasedS3Mock struct {
	mu      sync.RWMutex
	baseDir string
	errors  map[string]error // key -> simulated failure
}

// NewFileBasedS3Mock creates a mock rooted at baseDir, creating the
// directory if needed. Use t.TempDir() as the base in tests.
func NewFileBasedS3Mock(baseDir string) (*FileBasedS3Mock, error) {
	if err := os.MkdirAll(baseDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return &FileBasedS3Mock{
		baseDir: baseDir,
		errors:  make(map[string]error),
	}, nil
}

// SimulateError makes the next operations on key fail with err.
func (m *FileBasedS3Mock) SimulateError(key string, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.errors[key] = err
}

// ClearError removes a simulated failure.
func (m *FileBasedS3Mock) ClearError(key string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.errors, key)
}

func (m *FileBasedS3Mock) simulatedError(key string) error {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.errors[key]
}

// keyToFilePath maps an object key to a path below baseDir. Slashes in
// keys become directories, matching how account-scoped keys are formed.
func (m *FileBasedS3Mock) keyToFilePath(key string) string {
	return filepath.Join(m.baseDir, filepath.FromSlash(strings.TrimPrefix(key, "/")))
}

// Put stores an object.
func (m *FileBasedS3Mock) Put(ctx context.Context, key string, body io.Reader, size int64) error {
	if err := m.simulatedError(key); err != nil {
		return err
	}

	filePath := m.keyToFilePath(key)
	m.mu.Lock()
	err := os.MkdirAll(filepath.Dir(filePath), 0o755)
	m.mu.Unlock()
	if err != nil {
		return fmt.Errorf("failed to create directory: %w", err)
	}

	file, err := os.Create(filePath)
	if err != nil {
		return fmt.Errorf("failed to create object file: %w", err)
	}
	defer file.Close()

	if _, err := io.Copy(file, body); err != nil {
		return fmt.Errorf("failed to write object: %w", err)
	}
	return nil
}

// Get returns the stored object, or storage.ErrObjectNotFound.
func (m *FileBasedS3Mock) Get(ctx context.Context, key string) (io.ReadCloser, error) {
	if err := m.simulatedError(key); err != nil {
		return nil, err
	}

	file, err := os.Open(m.keyToFilePath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, storage.ErrObjectNotFound
		}
		return nil, err
	}
	return file, nil
}

// Exists reports whether the object is stored.
func (m *FileBasedS3Mock) Exists(ctx context.Context, key string) (bool, error) {
	if err := m.simulatedError(key); err != nil {
		return false, err
	}

	_, err := os.Stat(m.keyToFilePath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}

// Delete removes the object. Deleting a missing object is not an error,
// matching S3 semantics.
func (m *FileBasedS3Mock) Delete(ctx context.Context, key string) error {
	if err := m.simulatedError(key); err != nil {
		return err
	}

	err := os.Remove(m.keyToFilePath(key))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
