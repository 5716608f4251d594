package app

import (
	"context"
	"fmt"

	"github.com/Seann-Moser/oauthbroker/config"
	"github.com/Seann-Moser/oauthbroker/store"
)

type storeHandle struct {
	store store.CredentialStore
	ping  func(ctx context.Context) error
	close func(ctx context.Context)
}

// openStore connects the configured backend and prepares its schema.
func openStore(ctx context.Context, cfg config.Config, sealer *store.Sealer) (storeHandle, error) {
	switch cfg.StoreDriver {
	case config.StorePostgres:
		db, err := store.Connect(ctx, cfg.DatabaseURL, cfg.MaxDBConns)
		if err != nil {
			return storeHandle{}, err
		}
		sqlDB, err := db.DB()
		if err != nil {
			return storeHandle{}, fmt.Errorf("gorm sql db: %w", err)
		}
		if err := store.RunMigrations(ctx, db); err != nil {
			_ = sqlDB.Close()
			return storeHandle{}, fmt.Errorf("run migrations: %w", err)
		}
		s := store.NewPostgresStore(db, sealer)
		return storeHandle{
			store: s,
			ping:  s.Ping,
			close: func(context.Context) { _ = sqlDB.Close() },
		}, nil

	case config.StoreMongo:
		client, err := store.ConnectMongo(ctx, cfg.MongoURI)
		if err != nil {
			return storeHandle{}, fmt.Errorf("connect mongo: %w", err)
		}
		s := store.NewMongoStore(client.Database(cfg.MongoDatabase), sealer)
		if err := s.EnsureIndexes(ctx); err != nil {
			_ = client.Disconnect(ctx)
			return storeHandle{}, fmt.Errorf("ensure indexes: %w", err)
		}
		return storeHandle{
			store: s,
			ping:  s.Ping,
			close: func(ctx context.Context) { _ = client.Disconnect(ctx) },
		}, nil

	case config.StoreMemory:
		s := store.NewMemoryStore()
		return storeHandle{
			store: s,
			ping:  s.Ping,
			close: func(context.Context) {},
		}, nil

	default:
		return storeHandle{}, fmt.Errorf("unknown store driver %q", cfg.StoreDriver)
	}
}
