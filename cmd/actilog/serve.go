// Copyright (c) 2026 TRV Enterprises LLC
// Licensed under the Business Source License 1.1
// See LICENSE file for details.

package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/afero"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/tviviano/actilog/internal/config"
	"github.com/tviviano/actilog/internal/handlers"
	"github.com/tviviano/actilog/internal/metrics"
	"github.com/tviviano/actilog/internal/mqtt"
	"github.com/tviviano/actilog/internal/notify"
	"github.com/tviviano/actilog/internal/service"
	"github.com/tviviano/actilog/internal/unixsock"
)

func newServeCmd(load func() (*config.Config, error)) *cobra.Command {
	var (
		noSocket   bool
		socketPath string
	)

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the activity log service",
		Long: `Start the activity log service.

Environment Variables:
  ACTILOG_CONFIG           Config file path (default: config.json)
  ACTILOG_ADMIN_KEY        Admin key for destructive calls (min 20 chars)
  ACTILOG_HOST             Server host (default: 0.0.0.0)
  ACTILOG_PORT             Server port (default: 21090)
  ACTILOG_MODE             Server mode: debug or release (default: release)
  ACTILOG_DATA_DIR         Directory holding the log files (default: ./data)
  ACTILOG_SOCKET_PATH      Unix socket path, empty to disable
  ACTILOG_TLS_CERT         TLS certificate file (HTTPS when set with TLS_KEY)
  ACTILOG_TLS_KEY          TLS private key file
  ACTILOG_NUM_FILES        Files in the rotation
  ACTILOG_BLOCKS_PER_FILE  Blocks per file
  ACTILOG_EPOCH_SECONDS    Epoch length
  ACTILOG_DEVICE_ADDRESS   Device address written into block headers
  ACTILOG_MQTT_BROKER      MQTT broker URL, enables block sync
  ACTILOG_MQTT_TOPIC       MQTT topic prefix
  ACTILOG_WEBHOOK_URL      Webhook URL, enables epoch notifications`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			if noSocket {
				cfg.Server.SocketPath = ""
			} else if socketPath != "" {
				cfg.Server.SocketPath = socketPath
			}
			return runServer(cmd.Context(), cfg)
		},
	}
	cmd.Flags().BoolVar(&noSocket, "no-socket", false, "disable the Unix socket listener")
	cmd.Flags().StringVar(&socketPath, "socket", "", "override the Unix socket path")
	return cmd
}

func runServer(ctx context.Context, cfg *config.Config) error {
	if err := cfg.Validate(); err != nil {
		return errors.Wrap(err, "invalid config")
	}
	if (cfg.Server.TLS.CertFile != "") != (cfg.Server.TLS.KeyFile != "") {
		return errors.New("TLS requires both cert and key: set both ACTILOG_TLS_CERT and ACTILOG_TLS_KEY")
	}
	if cfg.TLSEnabled() {
		for _, f := range []string{cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile} {
			if _, err := os.Stat(f); err != nil {
				return errors.Wrapf(err, "TLS file %s", f)
			}
		}
	}

	logger, err := newLogger(cfg.Server.Mode)
	if err != nil {
		return errors.Wrap(err, "create logger")
	}
	defer logger.Sync()

	if cfg.Server.AdminKey == "" {
		logger.Warn("no admin key set, destroy endpoint is disabled")
	}

	sc, err := cfg.StoreConfig()
	if err != nil {
		return err
	}
	if err := os.MkdirAll(cfg.Log.DataDir, 0755); err != nil {
		return errors.Wrap(err, "create data directory")
	}
	fs := afero.NewBasePathFs(afero.NewOsFs(), cfg.Log.DataDir)

	svc, err := service.New(fs, sc,
		service.WithLogger(logger.Named("service")),
		service.WithTick(cfg.TickInterval()),
		service.WithInputRate(cfg.Sensor.InputRate))
	if err != nil {
		return err
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		metrics.NewCollector(svc.Stats, logger.Named("metrics")),
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)

	if cfg.Server.Mode == "release" {
		gin.SetMode(gin.ReleaseMode)
	}
	router := handlers.NewRouter(svc, cfg.Server.AdminKey,
		promhttp.HandlerFor(registry, promhttp.HandlerOpts{}), logger.Named("http"))

	addr := fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port)
	srv := &http.Server{
		Addr:         addr,
		Handler:      router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		return svc.Run(gctx)
	})

	if cfg.MQTT.Broker != "" {
		pub := mqtt.NewPublisher(mqtt.Config{
			BrokerURL: cfg.MQTT.Broker,
			Topic:     cfg.MQTT.Topic,
			ClientID:  cfg.MQTT.ClientID,
			Username:  cfg.MQTT.Username,
			Password:  cfg.MQTT.Password,
			QueueSize: cfg.MQTT.QueueSize,
		}, logger.Named("mqtt"))
		remove := svc.AddBlockSink(pub)
		g.Go(func() error {
			defer remove()
			return pub.Run(gctx)
		})
	}

	if cfg.Notify.WebhookURL != "" {
		hook := notify.NewWebhook(notify.WebhookConfig{
			URL:       cfg.Notify.WebhookURL,
			Timeout:   cfg.NotifyTimeout(),
			QueueSize: cfg.Notify.QueueSize,
			BootID:    svc.BootID(),
		}, logger.Named("notify"))
		remove := svc.AddEpochSink(hook)
		g.Go(func() error {
			defer remove()
			return hook.Run(gctx)
		})
	}

	if cfg.Server.SocketPath != "" {
		sock := unixsock.NewListener(cfg.Server.SocketPath, svc, logger.Named("unixsock"))
		if err := sock.Start(); err != nil {
			logger.Warn("unix socket listener failed to start", zap.Error(err))
		} else {
			g.Go(func() error {
				<-gctx.Done()
				return sock.Stop()
			})
		}
	}

	g.Go(func() error {
		var err error
		if cfg.TLSEnabled() {
			logger.Info("starting actilog server", zap.String("addr", addr), zap.String("scheme", "https"))
			err = srv.ListenAndServeTLS(cfg.Server.TLS.CertFile, cfg.Server.TLS.KeyFile)
		} else {
			logger.Info("starting actilog server", zap.String("addr", addr), zap.String("scheme", "http"))
			err = srv.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return errors.Wrap(err, "http server")
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutting down server")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})

	err = g.Wait()
	logger.Info("server stopped")
	return err
}
