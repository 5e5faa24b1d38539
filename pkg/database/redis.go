package database

import (
	"covfuzz/config"
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"
	"go.uber.org/zap"
)

const redisPingTimeout = 5 * time.Second

type RedisParams struct {
	fx.In

	Lc     fx.Lifecycle
	Config *config.AppConfig
	Logger *zap.Logger
}

// NewRedisClient connects to a single node via REDIS_URL or to the master
// behind REDIS_SENTINEL_HOSTS. It returns nil when neither is configured.
func NewRedisClient(p RedisParams) (*redis.Client, error) {
	opts, err := redisOptions(p.Config)
	if err != nil {
		return nil, err
	}
	if opts == nil {
		p.Logger.Debug("no redis configured, crash counters stay local")
		return nil, nil
	}

	var client *redis.Client
	if opts.failover != nil {
		client = redis.NewFailoverClient(opts.failover)
	} else {
		client = redis.NewClient(opts.single)
	}

	ctx, cancel := context.WithTimeout(context.Background(), redisPingTimeout)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to reach redis: %w", err)
	}

	p.Lc.Append(fx.StopHook(client.Close))
	p.Logger.Debug("redis client connected", zap.Bool("sentinel", opts.failover != nil))
	return client, nil
}

type redisConnOptions struct {
	single   *redis.Options
	failover *redis.FailoverOptions
}

func redisOptions(cfg *config.AppConfig) (*redisConnOptions, error) {
	switch {
	case cfg.RedisUrl != "":
		single, err := redis.ParseURL(cfg.RedisUrl)
		if err != nil {
			return nil, fmt.Errorf("invalid redis url: %w", err)
		}
		return &redisConnOptions{single: single}, nil
	case cfg.RedisSentinelHosts != "":
		var hosts []string
		for _, h := range strings.Split(cfg.RedisSentinelHosts, ",") {
			if h = strings.TrimSpace(h); h != "" {
				hosts = append(hosts, h)
			}
		}
		return &redisConnOptions{failover: &redis.FailoverOptions{
			MasterName:    cfg.RedisMasterName,
			SentinelAddrs: hosts,
		}}, nil
	default:
		return nil, nil
	}
}
