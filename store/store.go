// Package store persists OAuth credentials durably. Each backend keeps at
// most one credential per (user, provider) and seals token material before
// it reaches the database.
package store

import (
	"context"
	"fmt"
	"time"

	"github.com/Seann-Moser/oauthbroker/oauth"
)

// CredentialStore is implemented by every durable backend.
type CredentialStore interface {
	// Upsert inserts or replaces the credential for (UserID, Provider) in one
	// atomic write. CreatedAt survives a replace.
	Upsert(ctx context.Context, cred oauth.Credential) error
	// Find returns oauth.ErrNotFound when no credential exists.
	Find(ctx context.Context, userID int64, provider oauth.Provider) (oauth.Credential, error)
	// Delete is idempotent.
	Delete(ctx context.Context, userID int64, provider oauth.Provider) error
	// ReplaceIfUnchanged overwrites the token fields of an existing row only
	// while it still carries updatedAt. It reports false when the row was
	// rewritten or removed since it was read.
	ReplaceIfUnchanged(ctx context.Context, cred oauth.Credential, updatedAt time.Time) (bool, error)
	// DeleteIfUnchanged removes the row only while it still carries updatedAt.
	DeleteIfUnchanged(ctx context.Context, userID int64, provider oauth.Provider, updatedAt time.Time) (bool, error)
	// ListExpiring returns refreshable credentials whose access token expires
	// at or before the given time, soonest first.
	ListExpiring(ctx context.Context, before time.Time, limit int) ([]oauth.Credential, error)
}

// Pinger is implemented by backends that can report readiness.
type Pinger interface {
	Ping(ctx context.Context) error
}

// storageError classifies a backend failure. Cancellation stays reachable
// through errors.Is.
func storageError(provider oauth.Provider, op string, err error) error {
	return oauth.NewError(oauth.KindStorage, provider, op, err)
}

func validateKey(userID int64, provider oauth.Provider) error {
	if userID <= 0 {
		return fmt.Errorf("invalid user id %d", userID)
	}
	if !provider.Valid() {
		return fmt.Errorf("unknown provider %q", provider)
	}
	return nil
}

// sealCredential seals token fields in place on a copy.
func sealCredential(s *Sealer, cred oauth.Credential) (oauth.Credential, error) {
	var err error
	aad := sealContext(cred.UserID, cred.Provider)
	if cred.AccessToken, err = s.Seal(cred.AccessToken, aad); err != nil {
		return cred, err
	}
	if cred.RefreshToken, err = s.Seal(cred.RefreshToken, aad); err != nil {
		return cred, err
	}
	return cred, nil
}

func openCredential(s *Sealer, cred oauth.Credential) (oauth.Credential, error) {
	var err error
	aad := sealContext(cred.UserID, cred.Provider)
	if cred.AccessToken, err = s.Open(cred.AccessToken, aad); err != nil {
		return cred, err
	}
	if cred.RefreshToken, err = s.Open(cred.RefreshToken, aad); err != nil {
		return cred, err
	}
	return cred, nil
}

func sealContext(userID int64, provider oauth.Provider) []byte {
	return []byte(fmt.Sprintf("%s:%d", provider, userID))
}

func expiresPtr(t time.Time) *time.Time {
	if t.IsZero() {
		return nil
	}
	u := t.UTC()
	return &u
}

func expiresVal(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return t.UTC()
}
