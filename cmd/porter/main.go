package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/arcsni/porter-sni/internal/allowlist"
	"github.com/arcsni/porter-sni/internal/api"
	"github.com/arcsni/porter-sni/internal/config"
	"github.com/arcsni/porter-sni/internal/httpsni"
	"github.com/arcsni/porter-sni/internal/logging"
	"github.com/arcsni/porter-sni/internal/relay"
	"github.com/arcsni/porter-sni/internal/socks5"
	"github.com/arcsni/porter-sni/internal/strategy"
	"github.com/arcsni/porter-sni/internal/sync"
	"github.com/arcsni/porter-sni/internal/tcp"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		panic(err)
	}

	log := logging.New(cfg.Logging.Level, cfg.Logging.Format)

	allow := allowlist.New(cfg.Rules.Allow)

	socksClient, err := socks5.New(cfg.Socks5.Addr, cfg.Socks5.Username, cfg.Socks5.Password)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to build socks5 client")
	}

	manager := strategy.NewStrategyManager()

	simple := strategy.NewSimpleStrategy()
	manager.Register(strategy.StrategySimple, simple)

	manager.Register(strategy.StrategyDNS, strategy.NewDNSStrategy())

	agones := strategy.NewAgonesStrategy()
	if cfg.Agones.Enabled {
		if err := agones.Setup(cfg.Agones.Enabled, cfg.Agones.Namespace, cfg.Agones.AllocatorHost, cfg.Agones.AllocatorClientCert, cfg.Agones.AllocatorClientKey, cfg.Agones.AllocatorCACert); err != nil {
			log.Fatal().Err(err).Msg("failed to set up agones strategy")
		}
		manager.Register(strategy.StrategyAgones, agones)
	}

	for _, r := range cfg.Routes {
		switch strategy.StrategyType(r.Type) {
		case strategy.StrategySimple:
			simple.UpdateRoute(r.FQDN, r.Target)
			log.Info().Str("fqdn", r.FQDN).Str("target", r.Target).Msg("loaded route from config (simple)")
		case strategy.StrategyAgones:
			agones.UpdateRoute(r.FQDN, r.Target)
			log.Info().Str("fqdn", r.FQDN).Str("target", r.Target).Msg("loaded route from config (agones)")
		default:
			log.Warn().Str("fqdn", r.FQDN).Str("type", r.Type).Msg("unknown strategy type in config")
		}
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	redisSync := sync.NewRedisSync(cfg, simple, agones, log)
	if redisSync != nil {
		if err := redisSync.LoadInitialRoutes(ctx); err != nil {
			log.Warn().Err(err).Msg("failed to load initial routes from redis")
		}
		go redisSync.Subscribe(ctx)
	}

	quicRelay, err := relay.NewRelay(cfg, manager, allow, socksClient, log)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to initialize quic relay")
	}
	go func() {
		if err := quicRelay.Start(ctx); err != nil {
			log.Fatal().Err(err).Msg("quic relay error")
		}
	}()

	if cfg.TCP.Enabled {
		tcpListener := tcp.NewListener(cfg, manager, allow, socksClient, log)
		go func() {
			if err := tcpListener.Start(ctx); err != nil {
				log.Fatal().Err(err).Msg("tcp relay error")
			}
		}()
	}

	if cfg.HTTP.Enabled {
		httpListener := httpsni.NewListener(cfg, manager, allow, socksClient, log)
		go func() {
			if err := httpListener.Start(ctx); err != nil {
				log.Fatal().Err(err).Msg("http relay error")
			}
		}()
	}

	server := api.NewServer(cfg, simple, agones, redisSync, log)
	go func() {
		log.Info().Int("port", cfg.API.Port).Msg("api server listening")
		if err := server.Start(); err != nil {
			log.Fatal().Err(err).Msg("api server error")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	log.Info().Msg("shutting down")
	cancel()
}
