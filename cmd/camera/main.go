package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pion/logging"
	"github.com/pion/webrtc/v4"
	"golang.org/x/sync/errgroup"

	"github.com/mossy-p/camlink/config"
	"github.com/mossy-p/camlink/internal/camera"
	"github.com/mossy-p/camlink/internal/logger"
	"github.com/mossy-p/camlink/internal/models"
	"github.com/mossy-p/camlink/internal/peer"
	"github.com/mossy-p/camlink/internal/reconnect"
	signalclient "github.com/mossy-p/camlink/internal/signal"
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
		log.Error("camera stopped", slog.Any("error", err))
		os.Exit(1)
	}
}

func run(cfg *config.Config, log *slog.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	loggerFactory, err := peer.NewLoggerFactory(cfg.Client.PionLogLevel)
	if err != nil {
		return err
	}

	client := signalclient.NewClient(cfg.Client.SignalURL, log)
	rejoin := reconnect.NewCoordinator(client,
		reconnect.NewFileStore(cfg.Client.TokenPath(string(models.RoleCamera))),
		cfg.Client.RoomCode, models.RoleCamera, log)
	rejoin.SetJoinTimeout(2 * cfg.Rooms.JoinTimeout)
	rejoin.OnFailed(func(message string) {
		log.Error("could not join room", slog.String("reason", message))
	})

	pattern := &camera.TestPattern{Width: 320, Height: 240}
	var capturer camera.Capturer = pattern
	if cfg.Client.VideoFile != "" {
		capturer = camera.NewFileCapturer(cfg.Client.VideoFile, log)
	}

	cam := camera.New(camera.Config{
		RoomCode:     cfg.Client.RoomCode,
		Signal:       client,
		Capturer:     capturer,
		NewTransport: transportFactory(cfg.Client.ICEServers, loggerFactory, log),
		Frames:       pattern,
		MaxAttempts:  cfg.Client.MaxReconnectAttempts,
		Backoff:      reconnect.Backoff{Initial: cfg.Client.ReconnectBackoff},
		Log:          log,
	})
	if err := cam.StartCapture(); err != nil {
		return err
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return cam.Run(gctx)
	})
	g.Go(func() error {
		if err := client.Connect(gctx); err != nil {
			return err
		}
		if err := rejoin.Join(); err != nil {
			return err
		}
		log.Info("camera started", slog.String("signal_url", cfg.Client.SignalURL))

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
				logStatus(log, cam.Status())
			}
		}
	})

	return g.Wait()
}

func transportFactory(iceServers []string, lf logging.LoggerFactory, log *slog.Logger) camera.TransportFactory {
	return func(track webrtc.TrackLocal) (peer.Transport, error) {
		return peer.NewPionTransport(peer.PionConfig{
			ICEServers:    iceServers,
			LoggerFactory: lf,
			Track:         track,
			Log:           log,
		})
	}
}

func logStatus(log *slog.Logger, st camera.Status) {
	attrs := []slog.Attr{
		slog.String("room", st.RoomCode),
		slog.String("status", st.RoomStatus),
		slog.Int("members", st.Members),
		slog.String("session", st.State.String()),
		slog.Int("attempt", st.Attempt),
		slog.Bool("fallback", st.FallbackActive),
	}
	if st.Err != nil {
		attrs = append(attrs, slog.Any("error", st.Err))
	}
	log.LogAttrs(context.Background(), slog.LevelInfo, "camera status", attrs...)
}
