package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/davidleathers/space-broker/internal/infrastructure/bridge"
	"github.com/davidleathers/space-broker/internal/infrastructure/config"
)

// dialTransport connects the configured upstream log. It returns nil when
// replication is disabled.
func dialTransport(ctx context.Context, cfg *config.Config, logger *zap.Logger) (bridge.Transport, error) {
	switch cfg.Bridge.Transport {
	case "redis":
		opts, err := redisOptions(cfg.Redis)
		if err != nil {
			return nil, err
		}
		t, err := bridge.DialRedisStreams(ctx, opts, bridge.RedisOptions{
			MaxLen: cfg.Bridge.MaxLen,
			Block:  cfg.Bridge.ReadBlock,
			Batch:  cfg.Bridge.ReadBatch,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("upstream connected", zap.String("transport", "redis"), zap.String("addr", opts.Addr))
		return t, nil

	case "nats":
		t, err := bridge.DialJetStream(ctx, cfg.NATS.URL, "space-broker-"+cfg.NodeID, bridge.JetStreamOptions{
			Stream:        cfg.NATS.Stream,
			Prefix:        cfg.Bridge.StreamPrefix,
			MaxAge:        cfg.NATS.MaxAge,
			MaxPerSubject: cfg.Bridge.MaxLen,
			Block:         cfg.Bridge.ReadBlock,
			Batch:         int(cfg.Bridge.ReadBatch),
			ReconnectWait: cfg.NATS.ReconnectWait,
		})
		if err != nil {
			return nil, err
		}
		logger.Info("upstream connected", zap.String("transport", "nats"), zap.String("stream", cfg.NATS.Stream))
		return t, nil

	default:
		logger.Warn("upstream replication disabled; spaces are local to this node")
		return nil, nil
	}
}

// redisOptions accepts either a redis:// URL or a host:port address.
func redisOptions(c config.RedisConfig) (*redis.Options, error) {
	var opts *redis.Options
	if strings.Contains(c.URL, "://") {
		parsed, err := redis.ParseURL(c.URL)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		opts = parsed
	} else {
		opts = &redis.Options{Addr: c.URL}
	}
	if c.Password != "" {
		opts.Password = c.Password
	}
	if c.DB != 0 {
		opts.DB = c.DB
	}
	opts.PoolSize = c.PoolSize
	opts.DialTimeout = c.DialTimeout
	opts.WriteTimeout = c.WriteTimeout
	return opts, nil
}
