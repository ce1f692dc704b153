package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"golang.org/x/sync/errgroup"

	"github.com/mossy-p/camlink/config"
	"github.com/mossy-p/camlink/internal/codes"
	"github.com/mossy-p/camlink/internal/handlers"
	"github.com/mossy-p/camlink/internal/logger"
	"github.com/mossy-p/camlink/internal/redis"
	"github.com/mossy-p/camlink/internal/registry"
	"github.com/mossy-p/camlink/internal/token"
)

const shutdownTimeout = 10 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	log := logger.Setup(cfg.Environment)

	if err := run(cfg, log); err != nil {
		log.Error("server stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var (
		store    codes.Store = codes.NewMemoryStore()
		presence registry.Presence
	)
	if cfg.Redis.Enabled {
		rdb, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return err
		}
		defer rdb.Close()

		log.Info("redis connection established", slog.String("addr", cfg.Redis.Addr()))
		store = rdb
		presence = rdb
	}

	tokens := token.NewIssuer(cfg.JWTSecret, cfg.Rooms.RejoinTokenTTL)
	generator := codes.NewGenerator(store, cfg.Rooms.CodeTTL, log)
	rooms := registry.New(store, tokens, presence, registry.Options{
		MaxMembers:  cfg.Rooms.MaxMembers,
		IdleTimeout: cfg.Rooms.IdleTimeout,
		JoinTimeout: cfg.Rooms.JoinTimeout,
		AllowAdhoc:  cfg.Rooms.AllowAdhoc,
		ReserveTTL:  cfg.Rooms.CodeTTL,
	}, log)

	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}
	h := handlers.NewHandler(rooms, generator, tokens, cfg.AllowedOrigins, cfg.Rooms.JoinTimeout, log)
	srv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           handlers.NewRouter(h, cfg.AllowedOrigins, log),
		ReadHeaderTimeout: 10 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("starting signaling server",
			slog.String("addr", srv.Addr),
			slog.String("environment", cfg.Environment),
			slog.Bool("redis", cfg.Redis.Enabled))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		log.Info("shutting down")

		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		rooms.Shutdown(shutdownCtx)
		return srv.Shutdown(shutdownCtx)
	})

	return g.Wait()
}
