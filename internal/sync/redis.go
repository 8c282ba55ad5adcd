package sync

import (
	"context"
	"encoding/json"

	"github.com/arcsni/porter-sni/internal/config"
	"github.com/arcsni/porter-sni/internal/strategy"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

type RedisSync struct {
	client  *redis.Client
	channel string
	simple  *strategy.SimpleStrategy
	agones  *strategy.AgonesStrategy
	log     zerolog.Logger
}

func NewRedisSync(cfg *config.Config, simple *strategy.SimpleStrategy, agones *strategy.AgonesStrategy, logger zerolog.Logger) *RedisSync {
	if !cfg.Redis.Enabled {
		return nil
	}

	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})

	return &RedisSync{
		client:  client,
		channel: cfg.Redis.Channel,
		simple:  simple,
		agones:  agones,
		log:     logger.With().Str("component", "redis_sync").Logger(),
	}
}

func (s *RedisSync) LoadInitialRoutes(ctx context.Context) error {
	if s == nil {
		return nil
	}

	// Load Simple routes from a Redis Hash "porter:routes:simple"
	simpleRoutes, err := s.client.HGetAll(ctx, "porter:routes:simple").Result()
	if err != nil {
		return err
	}
	for fqdn, target := range simpleRoutes {
		s.simple.UpdateRoute(fqdn, target)
		s.log.Info().Str("fqdn", fqdn).Str("target", target).Msg("loaded route from redis (simple)")
	}

	// Load Agones routes from a Redis Hash "porter:routes:agones"
	agonesRoutes, err := s.client.HGetAll(ctx, "porter:routes:agones").Result()
	if err != nil {
		return err
	}
	for fqdn, fleet := range agonesRoutes {
		s.agones.UpdateRoute(fqdn, fleet)
		s.log.Info().Str("fqdn", fqdn).Str("fleet", fleet).Msg("loaded route from redis (agones)")
	}

	return nil
}

func (s *RedisSync) PublishUpdate(ctx context.Context, route strategy.Route) error {
	if s == nil {
		return nil
	}

	data, err := json.Marshal(route)
	if err != nil {
		return err
	}

	// Persist in Hash
	key := "porter:routes:" + string(route.Type)
	if err := s.client.HSet(ctx, key, route.FQDN, route.Target).Err(); err != nil {
		return err
	}

	// Publish message
	return s.client.Publish(ctx, s.channel, data).Err()
}

func (s *RedisSync) Subscribe(ctx context.Context) {
	if s == nil {
		return
	}

	pubsub := s.client.Subscribe(ctx, s.channel)
	defer pubsub.Close()

	ch := pubsub.Channel()
	for msg := range ch {
		var route strategy.Route
		if err := json.Unmarshal([]byte(msg.Payload), &route); err != nil {
			s.log.Error().Err(err).Msg("failed to unmarshal sync message")
			continue
		}

		s.log.Info().Str("fqdn", route.FQDN).Str("target", route.Target).Str("type", string(route.Type)).Msg("syncing route update from redis")
		if route.Type == strategy.StrategySimple {
			s.simple.UpdateRoute(route.FQDN, route.Target)
		} else if route.Type == strategy.StrategyAgones {
			s.agones.UpdateRoute(route.FQDN, route.Target)
		}
	}
}
