package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// Redis backs the claim with SET NX so the contract holds across
// processes; pick it when more than one fleet shares the accounts.
type Redis struct {
	client *redis.Client
}

func NewRedis(client *redis.Client) *Redis {
	return &Redis{client: client}
}

func (r *Redis) TryClaim(ctx context.Context, key Key, ttl time.Duration) (bool, error) {
	// Value is the claim timestamp, handy when inspecting keys by hand.
	ok, err := r.client.SetNX(ctx, key.String(), time.Now().Unix(), ttl).Result()
	if err != nil {
		return false, fmt.Errorf("dedup claim: %w", err)
	}
	return ok, nil
}
