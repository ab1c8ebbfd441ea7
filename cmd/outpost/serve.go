package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/outpostai/outpost/internal/assistant"
	"github.com/outpostai/outpost/internal/channel"
	"github.com/outpostai/outpost/internal/channel/adapters/discord"
	emailadapter "github.com/outpostai/outpost/internal/channel/adapters/email"
	"github.com/outpostai/outpost/internal/channel/adapters/slackchan"
	"github.com/outpostai/outpost/internal/channel/adapters/telegram"
	"github.com/outpostai/outpost/internal/channel/adapters/whatsapp"
	"github.com/outpostai/outpost/internal/config"
	"github.com/outpostai/outpost/internal/db"
	"github.com/outpostai/outpost/internal/followup"
	"github.com/outpostai/outpost/internal/handlers"
	"github.com/outpostai/outpost/internal/logger"
	"github.com/outpostai/outpost/internal/router"
	"github.com/outpostai/outpost/internal/server"
	"github.com/outpostai/outpost/internal/session"
	"github.com/outpostai/outpost/internal/sweep"
)

func runServe() {
	fx.New(
		fx.Provide(
			provideConfig,
			provideLogger,
			provideDBConn,
			provideGateway,
			provideChannelComponents,
			session.NewStore,
			sweep.NewStore,
			followup.NewStore,
			provideFollowupService,
			provideServerHandler(handlers.NewPingHandler),
			provideServerHandler(provideChannelHandler),
			provideServerHandler(provideMessageHandler),
			provideServerHandler(provideEventHandler),
			provideServerHandler(provideSweepHandler),
			provideServer,
		),
		fx.Invoke(
			startChannels,
			startServer,
		),
		fx.WithLogger(func(log *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: log.With(slog.String("component", "fx"))}
		}),
	).Run()
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig() (config.Config, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideDBConn(lc fx.Lifecycle, cfg config.Config) (*pgxpool.Pool, error) {
	if err := db.MigrateUp(cfg.Postgres.DSN()); err != nil {
		return nil, fmt.Errorf("run migrations: %w", err)
	}
	pool, err := db.Open(context.Background(), cfg.Postgres)
	if err != nil {
		return nil, fmt.Errorf("db connect: %w", err)
	}
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { pool.Close(); return nil }})
	return pool, nil
}

func provideGateway(cfg config.Config) *assistant.Gateway {
	return assistant.NewGateway(cfg.Assistant.WebhookURL, time.Duration(cfg.Assistant.TimeoutSeconds)*time.Second)
}

// channelComponents groups the registry and router, which reference each
// other through the gateway.
type channelComponents struct {
	fx.Out

	Registry *channel.Registry
	Router   *router.Router
}

func provideChannelComponents(pool *pgxpool.Pool, cfg config.Config, gateway *assistant.Gateway, sessions session.Store) channelComponents {
	store := channel.NewStore(pool)
	factories := map[channel.Type]channel.Factory{
		channel.TypeDiscord:  discord.New(),
		channel.TypeTelegram: telegram.New(),
		channel.TypeSlack:    slackchan.New(),
		channel.TypeWhatsApp: whatsapp.New(cfg.WhatsApp.BridgeURL),
		channel.TypeEmail:    emailadapter.New(),
	}

	var rt *router.Router
	registry := channel.NewRegistry(store, factories, func(ctx context.Context, msg channel.IncomingMessage) {
		rt.Inbound(ctx, msg)
	})
	trust := router.NewTrustPolicy(cfg.Email.AllowedSenders)
	threads := router.NewThreadStore(pool)
	rt = router.New(registry, sessions, trust, threads, gateway)
	gateway.Bind(rt)

	return channelComponents{Registry: registry, Router: rt}
}

func provideFollowupService(store followup.Store, sweeps sweep.Store) *followup.Service {
	return followup.NewService(store, sweeps)
}

func provideChannelHandler(registry *channel.Registry) *handlers.ChannelHandler {
	return handlers.NewChannelHandler(registry)
}

func provideMessageHandler(rt *router.Router) *handlers.MessageHandler {
	return handlers.NewMessageHandler(rt)
}

func provideEventHandler(service *followup.Service) *handlers.EventHandler {
	return handlers.NewEventHandler(service)
}

func provideSweepHandler(store sweep.Store) *handlers.SweepHandler {
	return handlers.NewSweepHandler(store)
}

func provideServer(cfg config.Config, params serverParams) *server.Server {
	return server.New(cfg.Server.Addr, params.Handlers...)
}

type serverParams struct {
	fx.In

	Handlers []server.Handler `group:"server_handlers"`
}

func startChannels(lc fx.Lifecycle, registry *channel.Registry, rt *router.Router, log *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			if err := registry.StartEnabled(ctx); err != nil {
				return fmt.Errorf("restore channels: %w", err)
			}
			return nil
		},
		OnStop: func(ctx context.Context) error {
			registry.Shutdown(ctx)
			rt.Mapper().Close()
			return nil
		},
	})
}

func startServer(lc fx.Lifecycle, srv *server.Server, cfg config.Config, log *slog.Logger) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					log.Error("http server stopped", slog.Any("error", err))
				}
			}()
			log.Info("http server listening", slog.String("addr", cfg.Server.Addr))
			return nil
		},
		OnStop: func(ctx context.Context) error {
			return srv.Shutdown(ctx)
		},
	})
}
