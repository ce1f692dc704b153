package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/logging"
	"golang.org/x/sync/errgroup"

	"github.com/mossy-p/camlink/config"
	"github.com/mossy-p/camlink/internal/fallback"
	"github.com/mossy-p/camlink/internal/logger"
	"github.com/mossy-p/camlink/internal/models"
	"github.com/mossy-p/camlink/internal/peer"
	"github.com/mossy-p/camlink/internal/reconnect"
	signalclient "github.com/mossy-p/camlink/internal/signal"
	"github.com/mossy-p/camlink/internal/viewer"
)

const statusInterval = 5 * time.Second

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", slog.Any("error", err))
		os.Exit(1)
	}
	log := logger.Setup(cfg.Environment)

	if err := run(cfg, log); err != nil {
		log.Error("viewer stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	client := signalclient.NewClient(cfg.Client.SignalURL, log)
	renderer := fallback.FileRenderer{Dir: cfg.Client.FallbackDir}

	if cfg.Client.WatchOnly {
		return watch(ctx, cfg, client, renderer, log)
	}

	loggerFactory, err := peer.NewLoggerFactory(cfg.Client.PionLogLevel)
	if err != nil {
		return err
	}

	rejoin := reconnect.NewCoordinator(client,
		reconnect.NewFileStore(cfg.Client.TokenPath(string(models.RoleViewer))),
		cfg.Client.RoomCode, models.RoleViewer, log)
	rejoin.SetJoinTimeout(2 * cfg.Rooms.JoinTimeout)
	rejoin.OnFailed(func(message string) {
		log.Error("could not join room", slog.String("reason", message))
	})

	view := viewer.New(viewer.Config{
		RoomCode:     cfg.Client.RoomCode,
		Signal:       client,
		NewTransport: transportFactory(cfg.Client.ICEServers, loggerFactory, log),
		Renderer:     renderer,
		Log:          log,
	})

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return view.Run(gctx)
	})
	g.Go(func() error {
		if err := client.Connect(gctx); err != nil {
			return err
		}
		if err := rejoin.Join(); err != nil {
			return err
		}
		log.Info("viewer started",
			slog.String("signal_url", cfg.Client.SignalURL),
			slog.String("fallback_dir", cfg.Client.FallbackDir))

		ticker := time.NewTicker(statusInterval)
		defer ticker.Stop()
		for {
			select {
			case <-gctx.Done():
				if err := rejoin.Leave(); err != nil {
					log.Debug("leave not sent", slog.Any("error", err))
				}
				return client.Close()
			case <-ticker.C:
				logStatus(log, view.Status())
			}
		}
	})

	return g.Wait()
}

// watch shows a room's fallback frames without joining it.
func watch(ctx context.Context, cfg *config.Config, client *signalclient.Client, renderer fallback.Renderer, log *slog.Logger) error {
	w := viewer.NewWatcher(client, cfg.Client.RoomCode, renderer, log)
	if err := client.Connect(ctx); err != nil {
		return err
	}
	defer client.Close()

	if err := w.Subscribe(); err != nil {
		return err
	}

	ticker := time.NewTicker(statusInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			attrs := []slog.Attr{slog.Int("frames", w.Rendered())}
			if last, ok := w.Last(); ok {
				attrs = append(attrs, slog.Duration("delay", last.Delay()))
			}
			log.LogAttrs(ctx, slog.LevelInfo, "watching fallback frames", attrs...)
		}
	}
}

func transportFactory(iceServers []string, lf logging.LoggerFactory, log *slog.Logger) viewer.TransportFactory {
	return func() (peer.Transport, error) {
		return peer.NewPionTransport(peer.PionConfig{
			ICEServers:    iceServers,
			LoggerFactory: lf,
			Log:           log,
		})
	}
}

func logStatus(log *slog.Logger, st viewer.Status) {
	attrs := []slog.Attr{
		slog.String("room", st.RoomCode),
		slog.String("status", st.RoomStatus),
		slog.Int("members", st.Members),
		slog.String("session", st.State.String()),
		slog.Bool("fallback", st.FallbackActive),
		slog.Int("frames", st.FramesRendered),
		slog.Int("past_streams", len(st.History)),
	}
	if st.Streaming != nil {
		attrs = append(attrs, slog.Duration("streaming_for", st.Streaming.Duration()))
	}
	if st.Err != nil {
		attrs = append(attrs, slog.Any("error", st.Err))
	}
	log.LogAttrs(context.Background(), slog.LevelInfo, "viewer status", attrs...)
}
