package main

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"

	"github.com/dgnsrekt/tvbacktest/internal/api"
	"github.com/dgnsrekt/tvbacktest/internal/backtest"
	"github.com/dgnsrekt/tvbacktest/internal/config"
	"github.com/dgnsrekt/tvbacktest/internal/credentials"
	"github.com/dgnsrekt/tvbacktest/internal/netutil"
	"github.com/dgnsrekt/tvbacktest/internal/notify"
	"github.com/dgnsrekt/tvbacktest/internal/pine"
	"github.com/dgnsrekt/tvbacktest/internal/plan"
	"github.com/dgnsrekt/tvbacktest/internal/relay"
	"github.com/dgnsrekt/tvbacktest/internal/reportstore"
	"github.com/dgnsrekt/tvbacktest/internal/storage"
	"github.com/dgnsrekt/tvbacktest/internal/tvclient"
	"github.com/dgnsrekt/tvbacktest/internal/tvproto"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load config", "error", err)
		os.Exit(1)
	}

	if err := setupLogger(cfg.LogLevel, cfg.LogFile); err != nil {
		if _, writeErr := io.WriteString(os.Stderr, "logger setup failed: "+err.Error()+"\n"); writeErr != nil {
			slog.Debug("logger setup stderr write failed", "error", writeErr)
		}
		os.Exit(1)
	}

	slog.Info("tv_backtest config loaded",
		"bind_addr", cfg.BindAddr,
		"port_fallback", cfg.PortFallback,
		"server", cfg.Server,
		"endpoint", cfg.Endpoint,
		"report_dir", cfg.ReportDir,
		"frame_log_dir", cfg.FrameLogDir,
		"relay_feeds", cfg.RelayFeedsPath,
		"login_timeout", cfg.Timeouts.Login,
		"regular_timeout", cfg.Timeouts.Regular,
		"deep_timeout", cfg.Timeouts.Deep,
		"log_level", cfg.LogLevel,
	)

	creds, err := loadCredentials(cfg)
	if err != nil {
		slog.Error("failed to load credentials", "error", err)
		os.Exit(1)
	}
	slog.Info("credentials loaded", "creds", creds.String())

	token := creds.AuthToken
	detector := plan.NewDetector(func() string { return token }).WithLimits(cfg.PlanLimits)
	slog.Info("streaming server selected", "tier", detector.Tier(), "server", detector.Server())

	relayCfg := relay.DefaultConfig()
	if cfg.RelayFeedsPath != "" {
		if relayCfg, err = relay.LoadConfig(cfg.RelayFeedsPath); err != nil {
			slog.Error("failed to load relay feeds", "path", cfg.RelayFeedsPath, "error", err)
			os.Exit(1)
		}
	}
	broker := relay.NewBroker[relay.Event]()
	defer broker.Close()
	frames := relay.NewFrameRelay(relayCfg, broker)

	var registry *storage.WriterRegistry
	if cfg.FrameLogDir != "" {
		registry = storage.NewWriterRegistry(cfg.FrameLogDir, cfg.BufferSize, cfg.MaxFileSizeMB, "frames")
		defer func() {
			if err := registry.Close(); err != nil {
				slog.Debug("frame log close failed", "error", err)
			}
		}()
	}
	tracerFor := func(server string) tvproto.Tracer {
		tracers := tvproto.MultiTracer{frames}
		if registry != nil {
			tracers = append(tracers, storage.NewFrameLog(registry, server, cfg.FrameMaxBytes))
		}
		return tracers
	}

	chartServer := cfg.Server
	if chartServer == "" {
		chartServer = detector.Server()
	}
	chart, err := tvclient.New(tvclient.Options{
		Server:       cfg.Server,
		Endpoint:     cfg.Endpoint,
		Origin:       cfg.Origin,
		Language:     cfg.Language,
		LoginTimeout: cfg.Timeouts.Login,
		Tracer:       tracerFor(chartServer),
		Plan:         detector,
	}, creds)
	if err != nil {
		slog.Error("failed to create chart client", "error", err)
		os.Exit(1)
	}
	defer closeClient("chart", chart)

	history, err := tvclient.New(tvclient.Options{
		Server:       plan.ServerHistoryData,
		Origin:       cfg.Origin,
		Language:     cfg.Language,
		LoginTimeout: cfg.Timeouts.Login,
		Tracer:       tracerFor(plan.ServerHistoryData),
		Plan:         detector,
	}, creds)
	if err != nil {
		slog.Error("failed to create history client", "error", err)
		os.Exit(1)
	}
	defer closeClient("history", history)

	reports, err := reportstore.NewStore(cfg.ReportDir)
	if err != nil {
		slog.Error("failed to create report store", "dir", cfg.ReportDir, "error", err)
		os.Exit(1)
	}

	opts := backtest.Options{
		Chart:    chart,
		History:  history,
		Plan:     detector,
		Scripts:  pine.NewClient(cfg.PineFacade, creds),
		Reports:  reports,
		Timeouts: backtest.Timeouts(cfg.Timeouts),
	}
	if cfg.NotifyURL != "" {
		opts.Notifier = notify.New(cfg.NotifyURL, cfg.NotifyTitle, nil)
	}
	svc, err := backtest.NewService(opts)
	if err != nil {
		slog.Error("failed to create backtest service", "error", err)
		os.Exit(1)
	}

	ln, err := netutil.Listen(cfg.BindAddr, cfg.PortFallback)
	if err != nil {
		slog.Error("failed to bind", "preferred", cfg.BindAddr, "fallback", cfg.PortFallback, "error", err)
		os.Exit(1)
	}
	bindAddr := ln.Addr().String()

	srv := &http.Server{Handler: api.NewServer(svc, broker)}

	go func() {
		slog.Info("tv_backtest listening", "addr", bindAddr, "docs", "http://"+bindAddr+"/docs")
		if err := srv.Serve(ln); err != nil && err != http.ErrServerClosed {
			slog.Error("tv_backtest server failed", "error", err)
			os.Exit(1)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		slog.Error("tv_backtest shutdown failed", "error", err)
	}
}

// loadCredentials tries the environment, then the credentials file, then a
// running browser.
func loadCredentials(cfg *config.Config) (credentials.Credentials, error) {
	chain := credentials.Chain{credentials.EnvProvider{}}
	if cfg.CredsFile != "" {
		chain = append(chain, credentials.FileProvider{Path: cfg.CredsFile})
	}
	if cfg.CDPURL != "" {
		chain = append(chain, credentials.BrowserProvider{CDPURL: cfg.CDPURL})
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	return chain.Credentials(ctx)
}

func closeClient(name string, c *tvclient.Client) {
	if err := c.Close(); err != nil {
		slog.Debug("client close failed", "client", name, "error", err)
	}
}

func setupLogger(level, filename string) error {
	if err := os.MkdirAll(filepath.Dir(filename), 0o755); err != nil {
		return err
	}

	logWriter := &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    25,
		MaxBackups: 10,
		MaxAge:     14,
		Compress:   true,
	}

	var slogLevel slog.Level
	switch level {
	case "debug":
		slogLevel = slog.LevelDebug
	case "warn":
		slogLevel = slog.LevelWarn
	case "error":
		slogLevel = slog.LevelError
	default:
		slogLevel = slog.LevelInfo
	}

	h := slog.NewTextHandler(io.MultiWriter(os.Stdout, logWriter), &slog.HandlerOptions{Level: slogLevel})
	slog.SetDefault(slog.New(h))
	return nil
}
