package locks

import (
	redis "github.com/redis/go-redis/v9"
	"go.uber.org/fx"

	"github.com/smallbiznis/fiskal/internal/config"
)

// NewClient returns nil when no redis address is configured; the locker
// degrades gracefully in that case.
func NewClient(cfg config.Config) *redis.Client {
	if cfg.RedisAddr == "" {
		return nil
	}
	return redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})
}

var Module = fx.Module("locks",
	fx.Provide(NewClient),
	fx.Provide(NewLocker),
)
