package store

import (
	"context"
	"embed"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/Seann-Moser/oauthbroker/oauth"
)

//go:embed migrations/*.sql
var migrationFS embed.FS

// Connect opens and validates a Postgres-backed GORM connection pool.
func Connect(ctx context.Context, databaseURL string, maxConns int) (*gorm.DB, error) {
	slog.Default().InfoContext(ctx, "postgres connect started",
		"module", "store",
		"operation", "connect",
		"outcome", "start",
	)
	// Migrations are multi-statement scripts and need the simple protocol.
	db, err := gorm.Open(postgres.New(postgres.Config{
		DSN:                  databaseURL,
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		TranslateError: true,
	})
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}

	sqlDB, err := db.DB()
	if err != nil {
		return nil, fmt.Errorf("gorm sql db: %w", err)
	}
	if maxConns > 0 {
		sqlDB.SetMaxOpenConns(maxConns)
		sqlDB.SetMaxIdleConns(maxConns / 2)
	}
	sqlDB.SetConnMaxIdleTime(15 * time.Minute)
	sqlDB.SetConnMaxLifetime(time.Hour)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := sqlDB.PingContext(pingCtx); err != nil {
		_ = sqlDB.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	slog.Default().InfoContext(ctx, "postgres connect completed",
		"module", "store",
		"operation", "connect",
		"outcome", "success",
	)
	return db, nil
}

// RunMigrations applies the embedded SQL migrations in lexical order. Every
// script is idempotent.
func RunMigrations(ctx context.Context, db *gorm.DB) error {
	entries, err := migrationFS.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".sql") {
			continue
		}
		names = append(names, e.Name())
	}
	sort.Strings(names)

	for _, name := range names {
		raw, err := migrationFS.ReadFile("migrations/" + name)
		if err != nil {
			return fmt.Errorf("read migration %s: %w", name, err)
		}
		if err := db.WithContext(ctx).Exec(string(raw)).Error; err != nil {
			return fmt.Errorf("exec migration %s: %w", name, err)
		}
		slog.Default().InfoContext(ctx, "migration applied",
			"module", "store",
			"operation", "apply_migration",
			"outcome", "success",
			"migration", name,
		)
	}
	return nil
}

type credentialModel struct {
	ID           int64      `gorm:"column:id;primaryKey"`
	UserID       int64      `gorm:"column:user_id"`
	Provider     string     `gorm:"column:provider"`
	AccessToken  string     `gorm:"column:access_token"`
	RefreshToken string     `gorm:"column:refresh_token"`
	ExpiresAt    *time.Time `gorm:"column:expires_at"`
	Scopes       string     `gorm:"column:scopes"`
	CreatedAt    time.Time  `gorm:"column:created_at"`
	UpdatedAt    time.Time  `gorm:"column:updated_at"`
}

func (credentialModel) TableName() string { return "oauth_credentials" }

func (m credentialModel) credential() oauth.Credential {
	return oauth.Credential{
		UserID:       m.UserID,
		Provider:     oauth.Provider(m.Provider),
		AccessToken:  m.AccessToken,
		RefreshToken: m.RefreshToken,
		ExpiresAt:    expiresVal(m.ExpiresAt),
		Scopes:       oauth.ParseScopes(m.Scopes),
		CreatedAt:    m.CreatedAt.UTC(),
		UpdatedAt:    m.UpdatedAt.UTC(),
	}
}

var _ CredentialStore = &PostgresStore{}

// PostgresStore keeps credentials in the oauth_credentials table.
type PostgresStore struct {
	db     *gorm.DB
	sealer *Sealer
	now    func() time.Time
}

func NewPostgresStore(db *gorm.DB, sealer *Sealer) *PostgresStore {
	return &PostgresStore{db: db, sealer: sealer, now: time.Now}
}

func (s *PostgresStore) Upsert(ctx context.Context, cred oauth.Credential) error {
	const op = "store.upsert"
	if err := validateKey(cred.UserID, cred.Provider); err != nil {
		return oauth.NewError(oauth.KindStorage, cred.Provider, op, err)
	}
	sealed, err := sealCredential(s.sealer, cred)
	if err != nil {
		return oauth.NewError(oauth.KindConfiguration, cred.Provider, op, err)
	}

	now := s.now().UTC()
	rec := credentialModel{
		UserID:       sealed.UserID,
		Provider:     string(sealed.Provider),
		AccessToken:  sealed.AccessToken,
		RefreshToken: sealed.RefreshToken,
		ExpiresAt:    expiresPtr(sealed.ExpiresAt),
		Scopes:       oauth.JoinScopes(sealed.Scopes),
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns: []clause.Column{
			{Name: "user_id"},
			{Name: "provider"},
		},
		DoUpdates: clause.AssignmentColumns([]string{
			"access_token",
			"refresh_token",
			"expires_at",
			"scopes",
			"updated_at",
		}),
	}).Create(&rec).Error
	if err != nil {
		return storageError(cred.Provider, op, err)
	}
	return nil
}

func (s *PostgresStore) Find(ctx context.Context, userID int64, provider oauth.Provider) (oauth.Credential, error) {
	const op = "store.find"
	var rec credentialModel
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Where("provider = ?", string(provider)).
		Take(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return oauth.Credential{}, oauth.ErrNotFound
		}
		return oauth.Credential{}, storageError(provider, op, err)
	}
	cred, err := openCredential(s.sealer, rec.credential())
	if err != nil {
		return oauth.Credential{}, oauth.NewError(oauth.KindConfiguration, provider, op, err)
	}
	return cred, nil
}

func (s *PostgresStore) Delete(ctx context.Context, userID int64, provider oauth.Provider) error {
	err := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Where("provider = ?", string(provider)).
		Delete(&credentialModel{}).Error
	if err != nil {
		return storageError(provider, "store.delete", err)
	}
	return nil
}

func (s *PostgresStore) ReplaceIfUnchanged(ctx context.Context, cred oauth.Credential, updatedAt time.Time) (bool, error) {
	const op = "store.replace"
	sealed, err := sealCredential(s.sealer, cred)
	if err != nil {
		return false, oauth.NewError(oauth.KindConfiguration, cred.Provider, op, err)
	}
	res := s.db.WithContext(ctx).
		Model(&credentialModel{}).
		Where("user_id = ?", cred.UserID).
		Where("provider = ?", string(cred.Provider)).
		Where("updated_at = ?", updatedAt.UTC()).
		Updates(map[string]any{
			"access_token":  sealed.AccessToken,
			"refresh_token": sealed.RefreshToken,
			"expires_at":    expiresPtr(sealed.ExpiresAt),
			"scopes":        oauth.JoinScopes(sealed.Scopes),
			"updated_at":    s.now().UTC(),
		})
	if res.Error != nil {
		return false, storageError(cred.Provider, op, res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *PostgresStore) DeleteIfUnchanged(ctx context.Context, userID int64, provider oauth.Provider, updatedAt time.Time) (bool, error) {
	res := s.db.WithContext(ctx).
		Where("user_id = ?", userID).
		Where("provider = ?", string(provider)).
		Where("updated_at = ?", updatedAt.UTC()).
		Delete(&credentialModel{})
	if res.Error != nil {
		return false, storageError(provider, "store.delete", res.Error)
	}
	return res.RowsAffected == 1, nil
}

func (s *PostgresStore) ListExpiring(ctx context.Context, before time.Time, limit int) ([]oauth.Credential, error) {
	const op = "store.list_expiring"
	var rows []credentialModel
	query := s.db.WithContext(ctx).
		Where("refresh_token <> ''").
		Where("expires_at IS NOT NULL AND expires_at <= ?", before.UTC()).
		Order("expires_at ASC, updated_at ASC")
	if limit > 0 {
		query = query.Limit(limit)
	}
	if err := query.Find(&rows).Error; err != nil {
		return nil, storageError("", op, err)
	}

	out := make([]oauth.Credential, 0, len(rows))
	for _, row := range rows {
		cred, err := openCredential(s.sealer, row.credential())
		if err != nil {
			slog.WarnContext(ctx, "skipping unreadable credential",
				"module", "store",
				"operation", op,
				"user_id", row.UserID,
				"provider", row.Provider,
				"error", err,
			)
			continue
		}
		out = append(out, cred)
	}
	return out, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}
