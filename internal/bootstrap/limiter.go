package bootstrap

import (
	"context"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/fislearning/fischat/internal/config"
	"github.com/fislearning/fischat/internal/ratelimit"
)

// NewLimiter returns the admission limiter selected by admission.backend.
func NewLimiter(ctx context.Context, cfg *config.Config) (ratelimit.Limiter, CloseFunc, error) {
	switch cfg.Admission.Backend {
	case "memory":
		l, err := ratelimit.NewMemoryFixedWindow(cfg.Admission.MaxRequests, cfg.Admission.Window)
		if err != nil {
			return nil, nil, fmt.Errorf("init admission limiter: %w", err)
		}
		return l, noopClose, nil
	case "redis":
		client := redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		if err := client.Ping(pingCtx).Err(); err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("connect to redis at %s: %w", cfg.Redis.Addr, err)
		}
		l, err := ratelimit.NewRedisFixedWindow(client, cfg.Admission.MaxRequests, cfg.Admission.Window, cfg.Admission.KeyPrefix)
		if err != nil {
			_ = client.Close()
			return nil, nil, fmt.Errorf("init admission limiter: %w", err)
		}
		return l, client.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown admission backend %q", cfg.Admission.Backend)
	}
}
