package transport

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/opencode-ai/chatbridge/internal/storage"
)

// CredentialStore persists per-session credential material under
// <dir>/<sessionID>/creds.json.
type CredentialStore struct {
	storage *storage.Storage
}

type credentialRecord struct {
	Data      []byte    `json:"data"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// NewCredentialStore creates a credential store rooted at dir.
func NewCredentialStore(dir string) *CredentialStore {
	return &CredentialStore{storage: storage.New(dir)}
}

// Dir returns the root directory of the store.
func (c *CredentialStore) Dir() string {
	return c.storage.BasePath()
}

// Load returns the stored credentials, or nil when the session has none.
func (c *CredentialStore) Load(ctx context.Context, sessionID string) ([]byte, error) {
	var rec credentialRecord
	if err := c.storage.Get(ctx, []string{sessionID, "creds"}, &rec); err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil, nil
		}
		return nil, fmt.Errorf("load credentials: %w", err)
	}
	return rec.Data, nil
}

// Save replaces the stored credentials.
func (c *CredentialStore) Save(ctx context.Context, sessionID string, data []byte) error {
	rec := credentialRecord{Data: data, UpdatedAt: time.Now()}
	if err := c.storage.Put(ctx, []string{sessionID, "creds"}, rec); err != nil {
		return fmt.Errorf("save credentials: %w", err)
	}
	return nil
}

// Wipe removes all credential material of the session.
func (c *CredentialStore) Wipe(ctx context.Context, sessionID string) error {
	if err := c.storage.DeleteTree(ctx, []string{sessionID}); err != nil {
		return fmt.Errorf("wipe credentials: %w", err)
	}
	return nil
}
