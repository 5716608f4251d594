package store

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.mongodb.org/mongo-driver/mongo/readpref"

	"github.com/Seann-Moser/oauthbroker/oauth"
)

const credentialsCollection = "oauth_credentials"

var _ CredentialStore = &MongoStore{}

// MongoStore is a MongoDB-backed CredentialStore.
type MongoStore struct {
	client      *mongo.Client
	credentials *mongo.Collection
	sealer      *Sealer
	now         func() time.Time
}

type credentialDoc struct {
	UserID       int64      `bson:"user_id"`
	Provider     string     `bson:"provider"`
	AccessToken  string     `bson:"access_token"`
	RefreshToken string     `bson:"refresh_token"`
	ExpiresAt    *time.Time `bson:"expires_at"`
	Scopes       []string   `bson:"scopes"`
	CreatedAt    time.Time  `bson:"created_at"`
	UpdatedAt    time.Time  `bson:"updated_at"`
}

func (d credentialDoc) credential() oauth.Credential {
	return oauth.Credential{
		UserID:       d.UserID,
		Provider:     oauth.Provider(d.Provider),
		AccessToken:  d.AccessToken,
		RefreshToken: d.RefreshToken,
		ExpiresAt:    expiresVal(d.ExpiresAt),
		Scopes:       d.Scopes,
		CreatedAt:    d.CreatedAt.UTC(),
		UpdatedAt:    d.UpdatedAt.UTC(),
	}
}

// NewMongoStore creates a new store backed by the given DB.
func NewMongoStore(db *mongo.Database, sealer *Sealer) *MongoStore {
	return &MongoStore{
		client:      db.Client(),
		credentials: db.Collection(credentialsCollection),
		sealer:      sealer,
		now:         time.Now,
	}
}

// ConnectMongo dials and pings a MongoDB deployment.
func ConnectMongo(ctx context.Context, uri string) (*mongo.Client, error) {
	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx, readpref.Primary()); err != nil {
		_ = client.Disconnect(context.Background())
		return nil, err
	}
	return client, nil
}

// EnsureIndexes creates the unique (user_id, provider) index and the expiry
// index used by ListExpiring.
func (s *MongoStore) EnsureIndexes(ctx context.Context) error {
	_, err := s.credentials.Indexes().CreateMany(ctx, []mongo.IndexModel{
		{
			Keys:    bson.D{{Key: "user_id", Value: 1}, {Key: "provider", Value: 1}},
			Options: options.Index().SetUnique(true).SetName("user_provider_unique"),
		},
		{
			Keys:    bson.D{{Key: "expires_at", Value: 1}},
			Options: options.Index().SetName("expires_at"),
		},
	})
	if err != nil {
		return storageError("", "store.ensure_indexes", err)
	}
	return nil
}

// Upsert writes the credential with a single UpdateOne(upsert) call.
func (s *MongoStore) Upsert(ctx context.Context, cred oauth.Credential) error {
	const op = "store.upsert"
	if err := validateKey(cred.UserID, cred.Provider); err != nil {
		return oauth.NewError(oauth.KindStorage, cred.Provider, op, err)
	}
	sealed, err := sealCredential(s.sealer, cred)
	if err != nil {
		return oauth.NewError(oauth.KindConfiguration, cred.Provider, op, err)
	}

	now := s.now().UTC()
	filter := bson.M{"user_id": cred.UserID, "provider": string(cred.Provider)}
	upd := bson.M{
		"$set": bson.M{
			"access_token":  sealed.AccessToken,
			"refresh_token": sealed.RefreshToken,
			"expires_at":    expiresPtr(sealed.ExpiresAt),
			"scopes":        sealed.Scopes,
			"updated_at":    now,
		},
		"$setOnInsert": bson.M{"created_at": now},
	}
	opts := options.Update().SetUpsert(true)
	if _, err := s.credentials.UpdateOne(ctx, filter, upd, opts); err != nil {
		return storageError(cred.Provider, op, err)
	}
	return nil
}

func (s *MongoStore) Find(ctx context.Context, userID int64, provider oauth.Provider) (oauth.Credential, error) {
	const op = "store.find"
	var doc credentialDoc
	err := s.credentials.FindOne(ctx, bson.M{
		"user_id":  userID,
		"provider": string(provider),
	}).Decode(&doc)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			return oauth.Credential{}, oauth.ErrNotFound
		}
		return oauth.Credential{}, storageError(provider, op, err)
	}
	cred, err := openCredential(s.sealer, doc.credential())
	if err != nil {
		return oauth.Credential{}, oauth.NewError(oauth.KindConfiguration, provider, op, err)
	}
	return cred, nil
}

func (s *MongoStore) Delete(ctx context.Context, userID int64, provider oauth.Provider) error {
	_, err := s.credentials.DeleteOne(ctx, bson.M{
		"user_id":  userID,
		"provider": string(provider),
	})
	if err != nil {
		return storageError(provider, "store.delete", err)
	}
	return nil
}

func (s *MongoStore) ReplaceIfUnchanged(ctx context.Context, cred oauth.Credential, updatedAt time.Time) (bool, error) {
	const op = "store.replace"
	sealed, err := sealCredential(s.sealer, cred)
	if err != nil {
		return false, oauth.NewError(oauth.KindConfiguration, cred.Provider, op, err)
	}
	filter := bson.M{
		"user_id":    cred.UserID,
		"provider":   string(cred.Provider),
		"updated_at": updatedAt.UTC(),
	}
	upd := bson.M{"$set": bson.M{
		"access_token":  sealed.AccessToken,
		"refresh_token": sealed.RefreshToken,
		"expires_at":    expiresPtr(sealed.ExpiresAt),
		"scopes":        sealed.Scopes,
		"updated_at":    s.now().UTC(),
	}}
	res, err := s.credentials.UpdateOne(ctx, filter, upd)
	if err != nil {
		return false, storageError(cred.Provider, op, err)
	}
	return res.MatchedCount == 1, nil
}

func (s *MongoStore) DeleteIfUnchanged(ctx context.Context, userID int64, provider oauth.Provider, updatedAt time.Time) (bool, error) {
	res, err := s.credentials.DeleteOne(ctx, bson.M{
		"user_id":    userID,
		"provider":   string(provider),
		"updated_at": updatedAt.UTC(),
	})
	if err != nil {
		return false, storageError(provider, "store.delete", err)
	}
	return res.DeletedCount == 1, nil
}

func (s *MongoStore) ListExpiring(ctx context.Context, before time.Time, limit int) ([]oauth.Credential, error) {
	const op = "store.list_expiring"
	filter := bson.M{
		"refresh_token": bson.M{"$ne": ""},
		"expires_at":    bson.M{"$ne": nil, "$lte": before.UTC()},
	}
	opts := options.Find().SetSort(bson.D{{Key: "expires_at", Value: 1}})
	if limit > 0 {
		opts.SetLimit(int64(limit))
	}
	cursor, err := s.credentials.Find(ctx, filter, opts)
	if err != nil {
		return nil, storageError("", op, err)
	}
	defer func() {
		_ = cursor.Close(ctx)
	}()

	var out []oauth.Credential
	for cursor.Next(ctx) {
		var doc credentialDoc
		if err := cursor.Decode(&doc); err != nil {
			return nil, storageError("", op, err)
		}
		cred, err := openCredential(s.sealer, doc.credential())
		if err != nil {
			slog.WarnContext(ctx, "skipping unreadable credential",
				"module", "store",
				"operation", op,
				"user_id", doc.UserID,
				"provider", doc.Provider,
				"error", err,
			)
			continue
		}
		out = append(out, cred)
	}
	if err := cursor.Err(); err != nil {
		return nil, storageError("", op, err)
	}
	return out, nil
}

func (s *MongoStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx, readpref.Primary())
}
