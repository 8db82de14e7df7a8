package app

import (
	"context"

	"github.com/redis/go-redis/v9"

	"github.com/scalyclaw/scalyclaw/internal/domain"
)

// BuildReadinessChecks returns the probes /readyz runs: Redis reachable and
// the vault serving reads. The handler owns the per-probe deadline.
func BuildReadinessChecks(rdb *redis.Client, vlt domain.Vault) (redisCheck, vaultCheck func(ctx context.Context) error) {
	redisCheck = func(ctx context.Context) error {
		return rdb.Ping(ctx).Err()
	}
	vaultCheck = func(ctx context.Context) error {
		_, err := vlt.List(ctx)
		return err
	}
	return redisCheck, vaultCheck
}
