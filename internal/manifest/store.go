package manifest

import (
	"context"
	"errors"
)

var (
	// ErrNotFound is returned when no manifest exists for a project.
	ErrNotFound = errors.New("manifest not found")

	// ErrExists is returned by Create when the project already exists.
	ErrExists = errors.New("manifest already exists")

	// ErrCorrupted is returned when a persisted manifest cannot be decoded.
	ErrCorrupted = errors.New("manifest corrupted")

	// ErrInvalidProjectID is returned for ids that fail ValidateProjectID.
	ErrInvalidProjectID = errors.New("invalid project id")
)

// Store persists manifests. Save must be durable when it returns: a crash
// afterwards must not lose the write.
type Store interface {
	Create(ctx context.Context, m *Manifest) error
	Load(ctx context.Context, projectID string) (*Manifest, error)
	Save(ctx context.Context, m *Manifest) error
	List(ctx context.Context) ([]string, error)
	Close() error
}
