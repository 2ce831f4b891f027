package services

import (
	"context"
	"errors"
	"fmt"

	"github.com/lborres/tether/core"
)

// DefaultCredentialKey is the one durable key holding the backend access token
const DefaultCredentialKey = "access-token"

// CredentialStore keeps the backend access token in a core.Storage under a single key
type CredentialStore struct {
	storage core.Storage
	key     string
}

var _ core.CredentialStore = (*CredentialStore)(nil)

func NewCredentialStore(storage core.Storage, key string) *CredentialStore {
	if key == "" {
		key = DefaultCredentialKey
	}
	return &CredentialStore{storage: storage, key: key}
}

func (cs *CredentialStore) Save(ctx context.Context, token core.AccessToken) error {
	if err := cs.storage.Set(ctx, cs.key, []byte(token)); err != nil {
		return fmt.Errorf("%w: save: %w", core.ErrStorage, err)
	}
	return nil
}

func (cs *CredentialStore) Load(ctx context.Context) (core.AccessToken, bool, error) {
	value, err := cs.storage.Get(ctx, cs.key)
	if errors.Is(err, core.ErrKeyNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("%w: load: %w", core.ErrStorage, err)
	}
	if len(value) == 0 {
		return "", false, nil
	}
	return core.AccessToken(value), true, nil
}

// Clear is idempotent; clearing an absent token is not an error
func (cs *CredentialStore) Clear(ctx context.Context) error {
	err := cs.storage.Delete(ctx, cs.key)
	if err != nil && !errors.Is(err, core.ErrKeyNotFound) {
		return fmt.Errorf("%w: clear: %w", core.ErrStorage, err)
	}
	return nil
}
