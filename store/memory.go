package store

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/Seann-Moser/oauthbroker/oauth"
)

type memoryKey struct {
	userID   int64
	provider oauth.Provider
}

var _ CredentialStore = &MemoryStore{}

// MemoryStore keeps credentials in process. It backs local development and
// tests; nothing survives a restart.
type MemoryStore struct {
	mu    sync.RWMutex
	creds map[memoryKey]oauth.Credential
	now   func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{creds: make(map[memoryKey]oauth.Credential), now: time.Now}
}

func (s *MemoryStore) Upsert(_ context.Context, cred oauth.Credential) error {
	if err := validateKey(cred.UserID, cred.Provider); err != nil {
		return oauth.NewError(oauth.KindStorage, cred.Provider, "store.upsert", err)
	}
	now := s.now().UTC()
	k := memoryKey{cred.UserID, cred.Provider}

	s.mu.Lock()
	defer s.mu.Unlock()
	cred.CreatedAt = now
	if old, ok := s.creds[k]; ok {
		cred.CreatedAt = old.CreatedAt
	}
	cred.UpdatedAt = now
	cred.Scopes = append([]string(nil), cred.Scopes...)
	s.creds[k] = cred
	return nil
}

func (s *MemoryStore) Find(_ context.Context, userID int64, provider oauth.Provider) (oauth.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cred, ok := s.creds[memoryKey{userID, provider}]
	if !ok {
		return oauth.Credential{}, oauth.ErrNotFound
	}
	cred.Scopes = append([]string(nil), cred.Scopes...)
	return cred, nil
}

func (s *MemoryStore) Delete(_ context.Context, userID int64, provider oauth.Provider) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.creds, memoryKey{userID, provider})
	return nil
}

func (s *MemoryStore) ReplaceIfUnchanged(_ context.Context, cred oauth.Credential, updatedAt time.Time) (bool, error) {
	k := memoryKey{cred.UserID, cred.Provider}
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.creds[k]
	if !ok || !old.UpdatedAt.Equal(updatedAt) {
		return false, nil
	}
	cred.CreatedAt = old.CreatedAt
	cred.UpdatedAt = s.now().UTC()
	// a frozen clock must still move the version forward
	if !cred.UpdatedAt.After(old.UpdatedAt) {
		cred.UpdatedAt = old.UpdatedAt.Add(time.Microsecond)
	}
	cred.Scopes = append([]string(nil), cred.Scopes...)
	s.creds[k] = cred
	return true, nil
}

func (s *MemoryStore) DeleteIfUnchanged(_ context.Context, userID int64, provider oauth.Provider, updatedAt time.Time) (bool, error) {
	k := memoryKey{userID, provider}
	s.mu.Lock()
	defer s.mu.Unlock()
	old, ok := s.creds[k]
	if !ok || !old.UpdatedAt.Equal(updatedAt) {
		return false, nil
	}
	delete(s.creds, k)
	return true, nil
}

func (s *MemoryStore) ListExpiring(_ context.Context, before time.Time, limit int) ([]oauth.Credential, error) {
	s.mu.RLock()
	var out []oauth.Credential
	for _, cred := range s.creds {
		if !cred.CanRefresh() || cred.ExpiresAt.IsZero() || cred.ExpiresAt.After(before) {
			continue
		}
		out = append(out, cred)
	}
	s.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].ExpiresAt.Before(out[j].ExpiresAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }
