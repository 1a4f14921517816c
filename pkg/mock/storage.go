package mock

import (
	"context"
	"fmt"
	"os"
	"sync"

	"github.com/instill-ai/ingestion-backend/pkg/repository/object"
	"github.com/instill-ai/ingestion-backend/pkg/types"

	errorsx "github.com/instill-ai/x/errors"
)

// Storage is an in-memory object.Storage that enforces the same path rules
// as the real backends.
type Storage struct {
	mu      sync.Mutex
	objects map[string][]byte

	// Err, when set, is called with the operation name and the path before
	// every operation. A non-nil result fails the operation.
	Err     func(op, path string) error
	Journal *Journal
}

// NewStorage returns an empty storage.
func NewStorage() *Storage {
	return &Storage{objects: map[string][]byte{}}
}

var _ object.Storage = (*Storage)(nil)

func (s *Storage) check(op string, kbUID types.KBUIDType, path string) error {
	s.Journal.Add("storage." + op)
	if err := object.ValidatePath(kbUID, path); err != nil {
		return err
	}
	if s.Err != nil {
		return s.Err(op, path)
	}
	return nil
}

// Upload implements object.Storage.
func (s *Storage) Upload(_ context.Context, kbUID types.KBUIDType, path string, content []byte, _ string) (string, error) {
	if err := s.check("upload", kbUID, path); err != nil {
		return "", err
	}
	s.Put(path, content)
	return path, nil
}

// Download implements object.Storage.
func (s *Storage) Download(_ context.Context, kbUID types.KBUIDType, path string) ([]byte, error) {
	if err := s.check("download", kbUID, path); err != nil {
		return nil, err
	}
	content, ok := s.Get(path)
	if !ok {
		return nil, fmt.Errorf("object %s: %w", path, errorsx.ErrNotFound)
	}
	return content, nil
}

// DownloadFile implements object.Storage.
func (s *Storage) DownloadFile(ctx context.Context, kbUID types.KBUIDType, path, localPath string) error {
	content, err := s.Download(ctx, kbUID, path)
	if err != nil {
		return err
	}
	return os.WriteFile(localPath, content, 0o600)
}

// Delete implements object.Storage.
func (s *Storage) Delete(_ context.Context, kbUID types.KBUIDType, path string) error {
	if err := s.check("delete", kbUID, path); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.objects, path)
	return nil
}

// Put stores an object directly.
func (s *Storage) Put(path string, content []byte) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.objects[path] = append([]byte(nil), content...)
}

// Get reads an object directly.
func (s *Storage) Get(path string) ([]byte, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	content, ok := s.objects[path]
	return content, ok
}

// Len returns the number of stored objects.
func (s *Storage) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.objects)
}
