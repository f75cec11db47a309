package credential

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"sync"

	bkerrors "github.com/odvcencio/browserlink/pkg/errors"
)

// Store persists credentials between process runs, keyed by remote host.
type Store interface {
	// Load returns the stored credential. ok is false when nothing is stored.
	Load(ctx context.Context) (cred Credential, ok bool, err error)
	Save(ctx context.Context, cred Credential) error
	Clear(ctx context.Context) error
	Close() error
}

// MemoryStore keeps the credential for the life of the process.
type MemoryStore struct {
	mu   sync.Mutex
	cred *Credential
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{}
}

func (s *MemoryStore) Load(context.Context) (Credential, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cred == nil {
		return Credential{}, false, nil
	}
	return *s.cred, true, nil
}

func (s *MemoryStore) Save(_ context.Context, cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = &cred
	return nil
}

func (s *MemoryStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cred = nil
	return nil
}

func (s *MemoryStore) Close() error { return nil }

// FileStore keeps credentials in a private JSON file shared by every remote
// host the client talks to.
type FileStore struct {
	path string
	key  string
	mu   sync.Mutex
}

// NewFileStore returns a store at path holding the entry for key (normally
// the remote host).
func NewFileStore(path, key string) *FileStore {
	return &FileStore{path: path, key: normalizeKey(key)}
}

func (s *FileStore) Path() string { return s.path }

func (s *FileStore) Load(context.Context) (Credential, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.readLocked()
	if err != nil {
		return Credential{}, false, err
	}
	cred, ok := entries[s.key]
	if !ok || cred.Empty() {
		return Credential{}, false, nil
	}
	return cred, true, nil
}

func (s *FileStore) Save(_ context.Context, cred Credential) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.readLocked()
	if err != nil {
		// A corrupt file is replaced rather than blocking new credentials.
		entries = make(map[string]Credential)
	}
	entries[s.key] = cred
	return s.persistLocked(entries)
}

func (s *FileStore) Clear(context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries, err := s.readLocked()
	if err != nil {
		entries = make(map[string]Credential)
	}
	if _, ok := entries[s.key]; !ok {
		return nil
	}
	delete(entries, s.key)
	return s.persistLocked(entries)
}

func (s *FileStore) Close() error { return nil }

func (s *FileStore) readLocked() (map[string]Credential, error) {
	entries := make(map[string]Credential)
	data, err := os.ReadFile(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return entries, nil
		}
		return nil, bkerrors.Wrap(err, bkerrors.ErrCodeStorageRead, "read credential file").WithContext("path", s.path)
	}
	if len(strings.TrimSpace(string(data))) == 0 {
		return entries, nil
	}
	if err := json.Unmarshal(data, &entries); err != nil {
		return nil, bkerrors.Wrap(err, bkerrors.ErrCodeStorageRead, "decode credential file").WithContext("path", s.path)
	}
	return entries, nil
}

func (s *FileStore) persistLocked(entries map[string]Credential) error {
	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return bkerrors.Wrap(err, bkerrors.ErrCodeStorageWrite, "create credential dir").WithContext("path", s.path)
	}
	data, err := json.MarshalIndent(entries, "", "  ")
	if err != nil {
		return bkerrors.Wrap(err, bkerrors.ErrCodeStorageWrite, "encode credentials")
	}
	if err := os.WriteFile(s.path, data, 0o600); err != nil {
		return bkerrors.Wrap(err, bkerrors.ErrCodeStorageWrite, "write credential file").WithContext("path", s.path)
	}
	return nil
}

func normalizeKey(key string) string {
	key = strings.ToLower(strings.TrimSpace(key))
	if key == "" {
		return "default"
	}
	return key
}
