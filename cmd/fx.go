package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill-amqp/v3/pkg/amqp"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"
	"go.uber.org/fx"

	"github.com/relaycore/chatrelay/config"
	"github.com/relaycore/chatrelay/internal/auth"
	"github.com/relaycore/chatrelay/internal/bridge"
	"github.com/relaycore/chatrelay/internal/cluster"
	"github.com/relaycore/chatrelay/internal/handler/rest"
	"github.com/relaycore/chatrelay/internal/handler/ws"
	"github.com/relaycore/chatrelay/internal/history"
	"github.com/relaycore/chatrelay/internal/presence"
	"github.com/relaycore/chatrelay/internal/registry"
	"github.com/relaycore/chatrelay/internal/relay"
)

func NewApp(cfg *config.Config) *fx.App {
	return fx.New(
		fx.Provide(
			func() *config.Config { return cfg },
			ProvideLogger,
			ProvideWatermillLogger,
			ProvidePubSub,
			ProvideBus,
			ProvideRedis,
			ProvideKV,
			ProvideLocker,
			ProvideHistoryStore,
			ProvideAuthenticator,
			ProvideSlack,
			ProvideDiscord,
			ProvideCoordinators,
			ProvideRESTHandler,
			registry.NewChannelRegistry,
			registry.NewUserDirectory,
			registry.NewSessionRegistry,
			presence.NewDirectory,
			ProvideRelay,
			ws.NewHandler,
		),
		fx.Invoke(
			registerServer,
			registerBridges,
		),
	)
}

func ProvideLogger(cfg *config.Config) *slog.Logger {
	var level slog.Level
	if err := level.UnmarshalText([]byte(cfg.Log.Level)); err != nil {
		level = slog.LevelInfo
	}
	logger := slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: level}))
	slog.SetDefault(logger)
	return logger
}

func ProvideWatermillLogger(logger *slog.Logger) watermill.LoggerAdapter {
	return watermill.NewSlogLogger(logger)
}

// ProvidePubSub selects the bus transport: an in-process channel pub/sub
// for single-node runs, a durable AMQP topology for clusters. Each node
// gets its own broker queues so every node sees every publication.
func ProvidePubSub(cfg *config.Config, wmLogger watermill.LoggerAdapter) (message.Publisher, message.Subscriber, error) {
	switch cfg.Cluster.Mode {
	case "", "memory":
		ps := gochannel.NewGoChannel(gochannel.Config{OutputChannelBuffer: 256}, wmLogger)
		return ps, ps, nil
	case "amqp":
		amqpCfg := amqp.NewDurablePubSubConfig(
			cfg.Cluster.AMQPURL,
			amqp.GenerateQueueNameTopicNameWithSuffix("."+cfg.Server.NodeID),
		)
		pub, err := amqp.NewPublisher(amqpCfg, wmLogger)
		if err != nil {
			return nil, nil, err
		}
		sub, err := amqp.NewSubscriber(amqpCfg, wmLogger)
		if err != nil {
			pub.Close()
			return nil, nil, err
		}
		return pub, sub, nil
	default:
		return nil, nil, fmt.Errorf("unknown cluster mode %q", cfg.Cluster.Mode)
	}
}

func ProvideBus(lc fx.Lifecycle, pub message.Publisher, sub message.Subscriber, logger *slog.Logger) *cluster.Bus {
	bus := cluster.NewBus(pub, sub, logger)
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return bus.Close() },
	})
	return bus
}

func ProvideRedis(lc fx.Lifecycle, cfg *config.Config) *redis.Client {
	if !cfg.Redis.Enabled {
		return nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	lc.Append(fx.Hook{
		OnStop: func(context.Context) error { return rdb.Close() },
	})
	return rdb
}

func ProvideKV(cfg *config.Config, rdb *redis.Client) cluster.KV {
	if cfg.Redis.Enabled {
		return cluster.NewRedisKV(rdb)
	}
	return cluster.NewMemoryKV()
}

func ProvideLocker(cfg *config.Config, rdb *redis.Client, logger *slog.Logger) cluster.Locker {
	if cfg.Redis.Enabled {
		return cluster.NewRedisLocker(rdb, cfg.Redis.LockLease, logger)
	}
	return cluster.NewMemoryLocker()
}

func ProvideHistoryStore(cfg *config.Config, rdb *redis.Client, kv cluster.KV, locks cluster.Locker, logger *slog.Logger) history.Store {
	if cfg.Redis.Enabled {
		return history.NewRedisStore(rdb, cfg.Redis.HistoryTTL, logger)
	}
	return history.NewKVStore(kv, locks, logger)
}

func ProvideAuthenticator(cfg *config.Config, logger *slog.Logger) relay.Authenticator {
	return auth.NewClient(auth.Config{
		Endpoint:    cfg.Auth.Endpoint,
		HeaderName:  cfg.Auth.HeaderName,
		HeaderValue: cfg.Auth.HeaderValue,
		CacheTTL:    cfg.Auth.CacheTTL,
		Timeout:     cfg.Auth.Timeout,
	}, logger)
}

func ProvideRelay(
	bus *cluster.Bus,
	users *registry.UserDirectory,
	sessions *registry.SessionRegistry,
	channels *registry.ChannelRegistry,
	pres *presence.Directory,
	store history.Store,
	authn relay.Authenticator,
	cfg *config.Config,
	logger *slog.Logger,
) *relay.Relay {
	return relay.New(bus, users, sessions, channels, pres, store, authn, cfg.History.Limit, logger)
}

func ProvideSlack(cfg *config.Config, logger *slog.Logger) *bridge.Slack {
	if !cfg.Slack.Enabled {
		return nil
	}
	return bridge.NewSlack(bridge.SlackConfig{
		WebhookURL:    cfg.Slack.WebhookURL,
		IncomingToken: cfg.Slack.IncomingToken,
		Username:      cfg.Slack.Username,
		Channels:      cfg.Slack.Channels,
	}, logger)
}

func ProvideDiscord(cfg *config.Config, logger *slog.Logger) *bridge.Discord {
	if !cfg.Discord.Enabled {
		return nil
	}
	return bridge.NewDiscord(bridge.DiscordConfig{
		WebhookURLs: cfg.Discord.WebhookURLs,
		Username:    cfg.Discord.Username,
	}, logger)
}

func ProvideCoordinators(
	slack *bridge.Slack,
	discord *bridge.Discord,
	locks cluster.Locker,
	bus *cluster.Bus,
	r *relay.Relay,
	logger *slog.Logger,
) []*bridge.Coordinator {
	var coords []*bridge.Coordinator
	if slack != nil {
		coords = append(coords, bridge.NewCoordinator(slack, locks, bus, r, logger))
	}
	if discord != nil {
		coords = append(coords, bridge.NewCoordinator(discord, locks, bus, r, logger))
	}
	return coords
}

func ProvideRESTHandler(r *relay.Relay, bus *cluster.Bus, cfg *config.Config, slack *bridge.Slack, logger *slog.Logger) *rest.Handler {
	var slackWebhook http.Handler
	if slack != nil && slack.CanActivateIncoming() {
		slackWebhook = slack.IncomingHandler()
	}
	return rest.NewHandler(r, bus, rest.Config{
		APIKeyHeader: cfg.Server.APIKeyHeader,
		APIKey:       cfg.Server.APIKey,
		Version:      version,
	}, slackWebhook, logger)
}

func registerServer(lc fx.Lifecycle, cfg *config.Config, wsHandler *ws.Handler, restHandler *rest.Handler, logger *slog.Logger) {
	mux := chi.NewRouter()
	mux.Handle("/socket", wsHandler)
	mux.Mount("/", restHandler.Router())

	srv := &http.Server{Addr: cfg.Server.Addr, Handler: mux}
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			go func() {
				logger.Info("http server listening", "addr", cfg.Server.Addr)
				if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("http server failed", "err", err)
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}

// registerBridges starts the ownership election for each configured
// bridge off the startup path, since a lost election blocks for the full
// lock timeout.
func registerBridges(lc fx.Lifecycle, coords []*bridge.Coordinator) {
	lc.Append(fx.Hook{
		OnStart: func(context.Context) error {
			for _, c := range coords {
				go c.Activate(context.Background())
			}
			return nil
		},
		OnStop: func(context.Context) error {
			for _, c := range coords {
				c.Deactivate()
			}
			return nil
		},
	})
}
