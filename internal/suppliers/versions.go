package suppliers

import (
	"context"

	"github.com/redis/go-redis/v9"
)

const versionKey = "suppliers:profiles:version"

// VersionCounter tracks the profile-store version in Redis. Management
// writes bump it; the resolver refuses to serve cache entries fetched under
// an older version.
type VersionCounter struct {
	client *redis.Client
}

// NewVersionCounter instantiates the counter helper.
func NewVersionCounter(client *redis.Client) *VersionCounter {
	return &VersionCounter{client: client}
}

// Current returns the version, initialising it to 1 when missing.
func (c *VersionCounter) Current(ctx context.Context) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	ver, err := c.client.Get(ctx, versionKey).Int64()
	if err == redis.Nil {
		if err := c.client.Set(ctx, versionKey, 1, 0).Err(); err != nil {
			return 0, err
		}
		return 1, nil
	}
	if err != nil {
		return 0, err
	}
	if ver <= 0 {
		ver = 1
		if err := c.client.Set(ctx, versionKey, ver, 0).Err(); err != nil {
			return 0, err
		}
	}
	return ver, nil
}

// Bump increments the version, invalidating every cached profile.
func (c *VersionCounter) Bump(ctx context.Context) (int64, error) {
	if c == nil || c.client == nil {
		return 0, nil
	}
	return c.client.Incr(ctx, versionKey).Result()
}
