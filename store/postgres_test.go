package store

import (
	"context"
	"errors"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/Seann-Moser/oauthbroker/oauth"
)

// newTestPostgresStore connects to the database named by
// OAUTHBROKER_TEST_POSTGRES_URL and skips when it is unset.
func newTestPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := os.Getenv("OAUTHBROKER_TEST_POSTGRES_URL")
	if dsn == "" {
		t.Skip("OAUTHBROKER_TEST_POSTGRES_URL not set")
	}
	ctx := context.Background()
	db, err := Connect(ctx, dsn, 4)
	if err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if err := RunMigrations(ctx, db); err != nil {
		t.Fatalf("RunMigrations: %v", err)
	}
	// migrations are idempotent
	if err := RunMigrations(ctx, db); err != nil {
		t.Fatalf("RunMigrations (second run): %v", err)
	}
	t.Cleanup(func() {
		db.Exec("DELETE FROM oauth_credentials WHERE user_id >= 900000")
		if sqlDB, err := db.DB(); err == nil {
			_ = sqlDB.Close()
		}
	})
	sealer, err := NewSealer(testKey)
	if err != nil {
		t.Fatalf("NewSealer: %v", err)
	}
	return NewPostgresStore(db, sealer)
}

func TestPostgresStoreRoundTrip(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := context.Background()
	expires := time.Now().Add(time.Hour).UTC().Truncate(time.Microsecond)

	in := oauth.Credential{
		UserID:       900001,
		Provider:     oauth.ProviderGoogleAnalytics,
		AccessToken:  "ya29.a",
		RefreshToken: "1//r",
		ExpiresAt:    expires,
		Scopes:       []string{"https://www.googleapis.com/auth/analytics.readonly"},
	}
	if err := s.Upsert(ctx, in); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	got, err := s.Find(ctx, in.UserID, in.Provider)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}
	if got.AccessToken != in.AccessToken || got.RefreshToken != in.RefreshToken || !got.ExpiresAt.Equal(expires) {
		t.Errorf("round trip mismatch: %+v", got)
	}
	if len(got.Scopes) != 1 || got.Scopes[0] != in.Scopes[0] {
		t.Errorf("Scopes = %v", got.Scopes)
	}

	var raw string
	s.db.Raw("SELECT access_token FROM oauth_credentials WHERE user_id = ? AND provider = ?", in.UserID, string(in.Provider)).Scan(&raw)
	if raw == in.AccessToken {
		t.Errorf("access token stored in plaintext")
	}

	if err := s.Delete(ctx, in.UserID, in.Provider); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if err := s.Delete(ctx, in.UserID, in.Provider); err != nil {
		t.Fatalf("second Delete: %v", err)
	}
	if _, err := s.Find(ctx, in.UserID, in.Provider); !errors.Is(err, oauth.ErrNotFound) {
		t.Errorf("expected ErrNotFound, got %v", err)
	}
}

func TestPostgresStoreConcurrentUpsertsKeepOneRow(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			err := s.Upsert(ctx, oauth.Credential{
				UserID:      900002,
				Provider:    oauth.ProviderMetaAds,
				AccessToken: "token",
				ExpiresAt:   time.Now().Add(time.Duration(i+1) * time.Minute),
			})
			if err != nil {
				t.Errorf("Upsert %d: %v", i, err)
			}
		}(i)
	}
	wg.Wait()

	var count int64
	s.db.Model(&credentialModel{}).Where("user_id = ?", 900002).Count(&count)
	if count != 1 {
		t.Errorf("rows = %d, want 1", count)
	}
}

func TestPostgresStoreListExpiring(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := context.Background()
	now := time.Now().UTC()

	_ = s.Upsert(ctx, oauth.Credential{UserID: 900003, Provider: oauth.ProviderGoogleAnalytics, AccessToken: "a", RefreshToken: "r", ExpiresAt: now.Add(time.Minute)})
	_ = s.Upsert(ctx, oauth.Credential{UserID: 900004, Provider: oauth.ProviderMetaAds, AccessToken: "a", ExpiresAt: now.Add(time.Minute)})

	creds, err := s.ListExpiring(ctx, now.Add(5*time.Minute), 100)
	if err != nil {
		t.Fatalf("ListExpiring: %v", err)
	}
	var found bool
	for _, c := range creds {
		if c.UserID == 900004 {
			t.Errorf("credential without refresh token listed")
		}
		if c.UserID == 900003 {
			found = true
			if c.RefreshToken != "r" {
				t.Errorf("RefreshToken = %q", c.RefreshToken)
			}
		}
	}
	if !found {
		t.Errorf("expiring credential not listed")
	}
}

func TestPostgresStoreConditionalWrites(t *testing.T) {
	s := newTestPostgresStore(t)
	ctx := context.Background()
	in := oauth.Credential{UserID: 900005, Provider: oauth.ProviderGoogleAnalytics, AccessToken: "a1", RefreshToken: "r1", ExpiresAt: time.Now().Add(time.Hour)}
	if err := s.Upsert(ctx, in); err != nil {
		t.Fatalf("Upsert: %v", err)
	}
	read, err := s.Find(ctx, in.UserID, in.Provider)
	if err != nil {
		t.Fatalf("Find: %v", err)
	}

	read.AccessToken = "a2"
	if ok, err := s.ReplaceIfUnchanged(ctx, read, read.UpdatedAt); err != nil || !ok {
		t.Fatalf("ReplaceIfUnchanged = %v, %v", ok, err)
	}
	if ok, _ := s.DeleteIfUnchanged(ctx, in.UserID, in.Provider, read.UpdatedAt); ok {
		t.Error("delete from a stale read should not apply")
	}
	got, _ := s.Find(ctx, in.UserID, in.Provider)
	if got.AccessToken != "a2" {
		t.Errorf("AccessToken = %q", got.AccessToken)
	}
	if ok, err := s.DeleteIfUnchanged(ctx, in.UserID, in.Provider, got.UpdatedAt); err != nil || !ok {
		t.Fatalf("DeleteIfUnchanged = %v, %v", ok, err)
	}
	if ok, _ := s.ReplaceIfUnchanged(ctx, got, got.UpdatedAt); ok {
		t.Error("replace must not recreate a deleted row")
	}
}
