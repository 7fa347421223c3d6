package manifest

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"go.uber.org/zap"
)

const manifestExt = ".json"

// FileStore keeps one JSON file per project in a directory.
//
// Writes go to a temporary file that is synced and renamed over the target,
// so a reader never sees a partial manifest.
type FileStore struct {
	dir    string
	logger *zap.Logger
}

// NewFileStore creates the directory if needed.
func NewFileStore(dir string, logger *zap.Logger) (*FileStore, error) {
	if dir == "" {
		return nil, errors.New("manifest directory required")
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("creating manifest directory: %w", err)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &FileStore{dir: dir, logger: logger}, nil
}

func (s *FileStore) path(projectID string) string {
	return filepath.Join(s.dir, projectID+manifestExt)
}

// Create writes a new manifest and fails with ErrExists if one is present.
func (s *FileStore) Create(ctx context.Context, m *Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}
	tmp, err := s.writeTemp(m)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	// Link fails if the target exists, which makes creation atomic.
	if err := os.Link(tmp, s.path(m.ProjectID)); err != nil {
		if errors.Is(err, os.ErrExist) {
			return fmt.Errorf("%w: %s", ErrExists, m.ProjectID)
		}
		return fmt.Errorf("failed to create manifest %s: %w", m.ProjectID, err)
	}
	syncDir(s.dir)
	s.logger.Debug("manifest created", zap.String("project.id", m.ProjectID))
	return nil
}

// Load reads a manifest.
func (s *FileStore) Load(ctx context.Context, projectID string) (*Manifest, error) {
	if err := ValidateProjectID(projectID); err != nil {
		return nil, err
	}
	data, err := os.ReadFile(s.path(projectID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrNotFound, projectID)
		}
		return nil, fmt.Errorf("failed to read manifest %s: %w", projectID, err)
	}
	return Decode(data)
}

// Save replaces a manifest atomically.
func (s *FileStore) Save(ctx context.Context, m *Manifest) error {
	if err := m.Validate(); err != nil {
		return err
	}
	tmp, err := s.writeTemp(m)
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, s.path(m.ProjectID)); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("failed to rename manifest %s: %w", m.ProjectID, err)
	}
	syncDir(s.dir)
	s.logger.Debug("manifest saved",
		zap.String("project.id", m.ProjectID),
		zap.String("phase", m.Position()))
	return nil
}

func (s *FileStore) writeTemp(m *Manifest) (string, error) {
	data, err := Encode(m)
	if err != nil {
		return "", err
	}
	f, err := os.CreateTemp(s.dir, "."+m.ProjectID+".*.tmp")
	if err != nil {
		return "", fmt.Errorf("failed to write manifest %s: %w", m.ProjectID, err)
	}
	name := f.Name()
	if _, err := f.Write(data); err != nil {
		f.Close()
		os.Remove(name)
		return "", fmt.Errorf("failed to write manifest %s: %w", m.ProjectID, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		os.Remove(name)
		return "", fmt.Errorf("failed to sync manifest %s: %w", m.ProjectID, err)
	}
	if err := f.Close(); err != nil {
		os.Remove(name)
		return "", fmt.Errorf("failed to close manifest %s: %w", m.ProjectID, err)
	}
	return name, nil
}

// List returns the stored project ids in sorted order.
func (s *FileStore) List(ctx context.Context) ([]string, error) {
	entries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("reading manifest directory: %w", err)
	}
	var ids []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || strings.HasPrefix(name, ".") || !strings.HasSuffix(name, manifestExt) {
			continue
		}
		ids = append(ids, strings.TrimSuffix(name, manifestExt))
	}
	sort.Strings(ids)
	return ids, nil
}

// Close is a no-op.
func (s *FileStore) Close() error {
	return nil
}

// syncDir flushes a rename to disk. Not every platform supports syncing a
// directory; failures there are ignored.
func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}
