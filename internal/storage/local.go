package storage

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
)

// LocalStorage reads and writes files below a root directory on local disk.
// It is rooted at the ComfyUI installation so inputs land where the backend
// loads them and outputs are read where the backend saves them.
type LocalStorage struct {
	root string
}

// NewLocalStorage creates a new LocalStorage rooted at root.
func NewLocalStorage(root string) (*LocalStorage, error) {
	if root == "" {
		return nil, ErrRootRequired
	}
	return &LocalStorage{root: filepath.Clean(root)}, nil
}

// Root returns the storage root directory.
func (s *LocalStorage) Root() string {
	return s.root
}

// Save writes data to <root>/<dir>/<name>, replacing any existing file, and
// returns the full path. The directory is created if it doesn't exist.
func (s *LocalStorage) Save(ctx context.Context, dir, name string, data io.Reader) (string, error) {
	select {
	case <-ctx.Done():
		return "", fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	target, err := s.resolve(dir, name)
	if err != nil {
		return "", err
	}
	if err := os.MkdirAll(filepath.Dir(target), 0750); err != nil {
		return "", fmt.Errorf("create directory: %w", err)
	}

	// Write next to the target and rename so the backend never sees a partial file.
	f, err := os.CreateTemp(filepath.Dir(target), "."+name+"_*")
	if err != nil {
		return "", fmt.Errorf("create temp file: %w", err)
	}
	tmpName := f.Name()

	if _, err := io.Copy(f, data); err != nil {
		_ = f.Close()
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("write file: %w", err)
	}
	if err := f.Close(); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("close file: %w", err)
	}
	if err := os.Rename(tmpName, target); err != nil {
		_ = os.Remove(tmpName)
		return "", fmt.Errorf("rename file: %w", err)
	}

	return target, nil
}

// ReadOutput reads a produced file from <root>/<fileType>/<subfolder>/<filename>.
// A missing file yields an error matching fs.ErrNotExist.
func (s *LocalStorage) ReadOutput(ctx context.Context, fileType, subfolder, filename string) ([]byte, error) {
	select {
	case <-ctx.Done():
		return nil, fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	if fileType == "" {
		fileType = "output"
	}
	path, err := s.resolve(fileType, subfolder, filename)
	if err != nil {
		return nil, err
	}

	data, err := os.ReadFile(path) // #nosec G304 - path is confined to the storage root
	if err != nil {
		return nil, fmt.Errorf("read output file: %w", err)
	}
	return data, nil
}

// Remove deletes <root>/<dir>/<name>. Missing files are ignored.
func (s *LocalStorage) Remove(ctx context.Context, dir, name string) error {
	select {
	case <-ctx.Done():
		return fmt.Errorf("context cancelled: %w", ctx.Err())
	default:
	}

	target, err := s.resolve(dir, name)
	if err != nil {
		return err
	}
	if err := os.Remove(target); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove file %s: %w", target, err)
	}
	return nil
}

// resolve joins parts below the root, rejecting anything that escapes it.
func (s *LocalStorage) resolve(parts ...string) (string, error) {
	rel := filepath.Join(parts...)
	if rel == "." || !filepath.IsLocal(rel) {
		return "", fmt.Errorf("%w: %s", ErrUnsafePath, rel)
	}
	return filepath.Join(s.root, rel), nil
}
