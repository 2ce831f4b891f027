// Package file keeps tether keys in a single JSON document on disk,
// optionally sealed with age so tokens are not readable at rest.
package file

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"filippo.io/age"

	"github.com/lborres/tether/core"
)

const (
	fileMode = 0o600
	dirMode  = 0o700
)

// Store is a core.Storage over one file. Every write replaces the file
// atomically, so a crash never leaves a half-written credential behind.
type Store struct {
	path     string
	identity *age.X25519Identity // nil stores plaintext JSON
	mu       sync.Mutex
}

var _ core.Storage = (*Store)(nil)

type Option func(*Store)

// WithAgeIdentity seals the document to the identity's recipient
func WithAgeIdentity(identity *age.X25519Identity) Option {
	return func(s *Store) { s.identity = identity }
}

func Open(path string, opts ...Option) (*Store, error) {
	if strings.TrimSpace(path) == "" {
		return nil, fmt.Errorf("storage path is required")
	}
	s := &Store{path: filepath.Clean(path)}
	for _, opt := range opts {
		opt(s)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), dirMode); err != nil {
		return nil, fmt.Errorf("creating storage directory: %w", err)
	}
	// surface a wrong key or corrupt file at startup rather than on first use
	if _, err := s.read(); err != nil {
		return nil, err
	}
	return s, nil
}

// LoadOrCreateIdentity reads an age identity from path, generating and
// writing a new one (mode 0600) when the file does not exist
func LoadOrCreateIdentity(path string) (*age.X25519Identity, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		identity, err := age.ParseX25519Identity(strings.TrimSpace(string(data)))
		if err != nil {
			return nil, fmt.Errorf("parsing age identity %s: %w", path, err)
		}
		return identity, nil
	}
	if !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("reading age identity: %w", err)
	}

	identity, err := age.GenerateX25519Identity()
	if err != nil {
		return nil, fmt.Errorf("generating age identity: %w", err)
	}
	if err := os.MkdirAll(filepath.Dir(path), dirMode); err != nil {
		return nil, fmt.Errorf("creating identity directory: %w", err)
	}
	if err := writeAtomic(path, []byte(identity.String()+"\n")); err != nil {
		return nil, fmt.Errorf("writing age identity: %w", err)
	}
	return identity, nil
}

func (s *Store) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.read()
	if err != nil {
		return nil, err
	}
	value, ok := values[key]
	if !ok {
		return nil, core.ErrKeyNotFound
	}
	return value, nil
}

func (s *Store) Set(_ context.Context, key string, value []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.read()
	if err != nil {
		return err
	}
	if value == nil {
		value = []byte{}
	}
	values[key] = value
	return s.write(values)
}

func (s *Store) Delete(_ context.Context, key string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	values, err := s.read()
	if err != nil {
		return err
	}
	if _, ok := values[key]; !ok {
		return nil
	}
	delete(values, key)
	return s.write(values)
}

func (s *Store) read() (map[string][]byte, error) {
	values := make(map[string][]byte)

	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return values, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading %s: %w", s.path, err)
	}
	if len(data) == 0 {
		return values, nil
	}

	if s.identity != nil {
		reader, err := age.Decrypt(bytes.NewReader(data), s.identity)
		if err != nil {
			return nil, fmt.Errorf("decrypting %s: %w", s.path, err)
		}
		if data, err = io.ReadAll(reader); err != nil {
			return nil, fmt.Errorf("reading decrypted %s: %w", s.path, err)
		}
	}

	if err := json.Unmarshal(data, &values); err != nil {
		return nil, fmt.Errorf("parsing %s: %w", s.path, err)
	}
	return values, nil
}

func (s *Store) write(values map[string][]byte) error {
	data, err := json.MarshalIndent(values, "", "  ")
	if err != nil {
		return fmt.Errorf("encoding storage: %w", err)
	}

	if s.identity != nil {
		var sealed bytes.Buffer
		w, err := age.Encrypt(&sealed, s.identity.Recipient())
		if err != nil {
			return fmt.Errorf("creating age encryptor: %w", err)
		}
		if _, err := w.Write(data); err != nil {
			return fmt.Errorf("encrypting storage: %w", err)
		}
		if err := w.Close(); err != nil {
			return fmt.Errorf("finalizing age encryption: %w", err)
		}
		data = sealed.Bytes()
	}

	return writeAtomic(s.path, data)
}

func writeAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".*")
	if err != nil {
		return fmt.Errorf("creating temp file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if err := tmp.Chmod(fileMode); err != nil {
		tmp.Close()
		return fmt.Errorf("setting permissions: %w", err)
	}
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("writing temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("syncing temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("closing temp file: %w", err)
	}
	return os.Rename(tmp.Name(), path)
}
