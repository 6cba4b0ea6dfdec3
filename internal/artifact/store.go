// Package artifact stores job inputs and outputs as named blobs.
package artifact

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/cuongbtq/image-enhancer/internal/domain"
)

// ErrNotFound is returned by Get and Stat when the key does not exist
var ErrNotFound = errors.New("artifact not found")

// Info describes a stored artifact
type Info struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Store is a flat key/blob store. Keys use forward slashes.
// Delete of a missing key is not an error.
type Store interface {
	Put(ctx context.Context, key string, r io.Reader, size int64, contentType string) error
	Get(ctx context.Context, key string) (io.ReadCloser, error)
	Stat(ctx context.Context, key string) (Info, error)
	Delete(ctx context.Context, key string) error
	List(ctx context.Context, prefix string) ([]Info, error)
}

// Exists reports whether key is present
func Exists(ctx context.Context, s Store, key string) (bool, error) {
	_, err := s.Stat(ctx, key)
	if err == nil {
		return true, nil
	}
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return false, err
}

// FindInput returns the input artifact of a job whatever its extension
func FindInput(ctx context.Context, s Store, jobID string) (Info, bool, error) {
	items, err := s.List(ctx, domain.InputPrefix(jobID))
	if err != nil {
		return Info{}, false, err
	}
	if len(items) == 0 {
		return Info{}, false, nil
	}
	return items[0], true, nil
}

// Count returns how many artifacts live under prefix
func Count(ctx context.Context, s Store, prefix string) (int, error) {
	items, err := s.List(ctx, prefix)
	if err != nil {
		return 0, fmt.Errorf("failed to list %s: %w", prefix, err)
	}
	return len(items), nil
}
