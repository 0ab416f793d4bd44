package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"buzzworker/internal/api"
	"buzzworker/internal/buzzworker"
	"buzzworker/internal/errors"
	"buzzworker/internal/logger"
	"buzzworker/internal/push"
)

var serveRegister bool

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the worker in front of the origin",
	Long: `Run the worker. Until a page registers it (POST /__buzz/register) every
request passes through to the origin. A worker that was active before a
restart, or one started with --register, installs and activates at boot.`,
	Args: cobra.NoArgs,
	RunE: runServe,
}

func init() {
	serveCmd.Flags().BoolVar(&serveRegister, "register", false, "install and activate at boot without waiting for a page")
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer logger.Sync()
	log := logger.Named("serve")

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	opts := []buzzworker.Option{
		buzzworker.WithLogger(logger.Named("worker")),
		buzzworker.WithRegistry(reg),
	}
	if dsn := cfg.Reporting.SentryDSN; dsn != "" {
		flush, err := buzzworker.InitSentry(dsn, cfg.Reporting.Environment, cfg.Worker.Version)
		if err != nil {
			return errors.Wrap(err, "init sentry")
		}
		defer flush()
		opts = append(opts, buzzworker.WithReporter(buzzworker.SentryReporter{Version: cfg.Worker.Version}))
	}

	svc, err := buzzworker.NewService(ctx, cfg, opts...)
	if err != nil {
		return errors.Wrap(err, "init service")
	}
	defer svc.Close()

	hub, router, err := newPushStack(cfg, reg)
	if err != nil {
		return err
	}
	defer hub.Close()

	if cfg.Push.MQTT.Broker != "" {
		ch := push.NewMQTTChannel(push.MQTTConfig{
			Broker:   cfg.Push.MQTT.Broker,
			Topic:    cfg.Push.MQTT.Topic,
			ClientID: cfg.Push.MQTT.ClientID,
		}, router, logger.Named("mqtt"))
		if err := ch.Start(ctx); err != nil {
			// Caching does not depend on the broker.
			log.Warnw("mqtt push channel unavailable", logger.FieldAddress, cfg.Push.MQTT.Broker, logger.FieldError, err)
		}
		defer ch.Close()
	}

	// api.New subscribes the hub to update events, so it runs before Start.
	handler := api.New(svc, hub, router, reg, logger.Named("api"))

	if _, wasActive := svc.Store().State("version"); wasActive || serveRegister {
		go func() {
			if _, err := svc.Start(ctx); err != nil {
				log.Errorw("worker start failed", logger.FieldError, err)
			}
		}()
	}

	addr := fmt.Sprintf(":%d", cfg.Server.Port)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return errors.Wrapf(err, "listen %s", addr)
	}

	srv := &http.Server{
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		log.Infow("buzzworker listening", logger.FieldAddress, addr, logger.FieldURL, cfg.Server.Origin, logger.FieldVersion, cfg.Worker.Version)
		err := srv.Serve(ln)
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Errorw("server error", logger.FieldError, err)
			stop()
		}
	}()

	<-ctx.Done()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}

func newPushStack(cfg buzzworker.Config, reg prometheus.Registerer) (*push.Hub, *push.Router, error) {
	var sinks []push.Sink
	if len(cfg.Push.Sinks) > 0 {
		s, err := push.NewShoutrrrSink(cfg.Push.Sinks...)
		if err != nil {
			return nil, nil, err
		}
		sinks = append(sinks, s)
	}
	hub := push.NewHub(push.HubConfig{
		BaseURL:     fmt.Sprintf("http://localhost:%d", cfg.Server.Port),
		OpenCommand: cfg.Push.OpenCommand,
		Sinks:       sinks,
	}, logger.Named("hub"))
	router := push.NewRouter(hub, push.RouterConfig{
		DefaultTitle: cfg.Push.DefaultTitle,
		DefaultIcon:  cfg.Push.DefaultIcon,
	}, logger.Named("push"), push.NewMetrics(reg))
	hub.OnClick(router.DispatchClick)
	return hub, router, nil
}
