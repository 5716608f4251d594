package cache

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/Seann-Moser/oauthbroker/oauth"
)

// StateStore keeps pending authorization round trips keyed by their state
// value. Each state can be consumed once.
type StateStore struct {
	client *redis.Client
}

func NewStateStore(client *redis.Client) *StateStore {
	return &StateStore{client: client}
}

func stateKey(state string) string {
	return keyPrefix + "state:" + state
}

func (s *StateStore) Put(ctx context.Context, state string, value oauth.AuthorizationState, ttl time.Duration) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	ok, err := s.client.SetNX(ctx, stateKey(state), raw, ttl).Result()
	if err != nil {
		return fmt.Errorf("state put: %w", err)
	}
	if !ok {
		return fmt.Errorf("state put: %w", errors.New("state already exists"))
	}
	return nil
}

// Consume atomically reads and deletes the state. Unknown, expired or
// already used states yield oauth.ErrInvalidState.
func (s *StateStore) Consume(ctx context.Context, state string) (oauth.AuthorizationState, error) {
	if state == "" {
		return oauth.AuthorizationState{}, oauth.ErrInvalidState
	}
	raw, err := s.client.GetDel(ctx, stateKey(state)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return oauth.AuthorizationState{}, oauth.ErrInvalidState
		}
		return oauth.AuthorizationState{}, fmt.Errorf("state consume: %w", err)
	}
	var out oauth.AuthorizationState
	if err := json.Unmarshal(raw, &out); err != nil {
		return oauth.AuthorizationState{}, fmt.Errorf("%w: %v", oauth.ErrInvalidState, err)
	}
	return out, nil
}
