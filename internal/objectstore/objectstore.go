// Package objectstore models the external artifact blob store as an opaque
// key-value space. RSES only ever reads and writes whole values by key; it
// never interprets artifact contents beyond hashing them for the approval
// protocol.
package objectstore

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/ilovenuclearpower/flowstate/pkg/rseserrors"
)

// Store is the opaque key-value contract RSES needs from the artifact blob
// store. A real deployment may back this with a remote object store; RSES
// treats it as a black box.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	Put(ctx context.Context, key string, value []byte) error
}

// ArtifactKey builds the keyspace path for a task's phase artifact, per
// spec.md's `tasks/<task_id>/<filename>` layout.
func ArtifactKey(taskID, filename string) string {
	return fmt.Sprintf("tasks/%s/%s", taskID, filename)
}

const (
	SpecificationFile = "specification.md"
	PlanFile          = "plan.md"
	ResearchFile      = "research.md"
	VerificationFile  = "verification.md"
)

// LocalStore implements Store on the local filesystem, rooted at a
// directory. Intended for single-host deployments and tests.
type LocalStore struct {
	root string
}

// NewLocalStore creates a LocalStore rooted at root, creating it if absent.
func NewLocalStore(root string) (*LocalStore, error) {
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("objectstore: creating root %s: %w", root, err)
	}
	return &LocalStore{root: root}, nil
}

func (s *LocalStore) resolve(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	return filepath.Join(s.root, clean), nil
}

// Get returns the stored value, or a *rseserrors.NotFoundError if key is absent.
func (s *LocalStore) Get(ctx context.Context, key string) ([]byte, error) {
	path, err := s.resolve(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return nil, &rseserrors.NotFoundError{Resource: "artifact", ID: key}
	}
	if err != nil {
		return nil, fmt.Errorf("objectstore: reading %s: %w", key, err)
	}
	return data, nil
}

// Put writes value under key, creating parent directories as needed.
func (s *LocalStore) Put(ctx context.Context, key string, value []byte) error {
	path, err := s.resolve(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("objectstore: creating parent dir for %s: %w", key, err)
	}
	if err := os.WriteFile(path, value, 0o644); err != nil {
		return fmt.Errorf("objectstore: writing %s: %w", key, err)
	}
	return nil
}
