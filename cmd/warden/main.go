package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/julienschmidt/httprouter"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"

	"github.com/formwarden/formwarden/internal/api"
	"github.com/formwarden/formwarden/internal/channel"
	"github.com/formwarden/formwarden/internal/config"
	"github.com/formwarden/formwarden/internal/engine"
	"github.com/formwarden/formwarden/internal/event"
	"github.com/formwarden/formwarden/internal/health"
	"github.com/formwarden/formwarden/internal/logging"
	"github.com/formwarden/formwarden/internal/metrics"
	"github.com/formwarden/formwarden/internal/prefs"
	"github.com/formwarden/formwarden/internal/queue"
	"github.com/formwarden/formwarden/internal/render"
	"github.com/formwarden/formwarden/internal/store"
	"github.com/formwarden/formwarden/internal/store/postgres"
	"github.com/formwarden/formwarden/internal/tracing"
	"github.com/formwarden/formwarden/internal/track"
)

// ingestSink adapts the engine's Ingest signature for the queue consumer.
type ingestSink struct {
	eng *engine.Engine
}

func (s ingestSink) Ingest(ctx context.Context, ev *event.Event) error {
	_, err := s.eng.Ingest(ctx, ev)
	return err
}

func main() {
	_ = godotenv.Load()
	cfg := config.FromEnv()
	ctx := context.Background()

	logger := logging.New("formwarden")

	shutdown, err := tracing.InitTracing(ctx, "formwarden")
	if err != nil {
		logger.Plain().WithError(err).Fatal("failed to initialize tracing")
	}
	defer shutdown()

	// Durable store
	var (
		recordStore track.Store
		pinger      health.Pinger
	)
	switch cfg.StoreBackend {
	case "postgres":
		pg, err := postgres.Connect(ctx, cfg.DSN())
		if err != nil {
			logger.Plain().WithError(err).Fatal("db connect failed")
		}
		defer pg.Close()
		recordStore = pg
		pinger = pg
	default:
		recordStore = store.NewMemory()
	}

	// Prom metrics
	reg := prometheus.NewRegistry()
	metrics.MustRegister(reg)

	// Preference directory
	directory := prefs.NewDirectory()
	if path := os.Getenv("PREFS_FILE"); path != "" {
		directory, err = prefs.LoadDirectory(path)
		if err != nil {
			logger.Plain().WithError(err).Fatal("load preference directory failed")
		}
		logger.Plain().WithField("path", path).Info("preference directory loaded")
	}
	filter := prefs.NewFilter(directory, directory, logger)

	// Channel adapters
	registry := channel.NewRegistry()
	registry.Register(channel.NewWebhookAdapter(channel.WebhookConfig{
		Channel:         channel.Webhook,
		Secret:          cfg.Webhook.Secret,
		SignatureHeader: cfg.Webhook.SignatureHeader,
		TimestampHeader: cfg.Webhook.TimestampHeader,
		Timeout:         cfg.Dispatch.Timeout,
	}))
	registry.Register(channel.NewWebhookAdapter(channel.WebhookConfig{
		Channel: channel.Chat,
		Timeout: cfg.Dispatch.Timeout,
	}))
	if cfg.SMTP.Host != "" {
		registry.Register(channel.NewEmailAdapter(channel.SMTPConfig{
			Host: cfg.SMTP.Host,
			Port: cfg.SMTP.Port,
			User: cfg.SMTP.User,
			Pass: cfg.SMTP.Pass,
			From: cfg.SMTP.From,
		}))
	}

	// Rendering
	renderer, err := render.NewTemplateRenderer(render.DefaultTemplates())
	if err != nil {
		logger.Plain().WithError(err).Fatal("template compilation failed")
	}

	// Dead letter publishing
	var dlq engine.DeadLetters
	var dlqProducer *queue.DLQProducer
	if cfg.NSQ.PublishDLQ {
		dlqProducer, err = queue.NewDLQProducer(cfg.NSQ.NsqdTCPAddr, cfg.NSQ.DLQTopic, logger)
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq producer for DLQ creation failed")
		}
		defer dlqProducer.Stop()
		dlq = dlqProducer
	}

	tracker := track.NewTracker(recordStore, logger)
	eng := engine.New(cfg, filter, tracker, renderer, registry, dlq, logger)

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	go eng.Run(runCtx)

	// Resume retries left over from a previous run.
	eng.Reconcile(ctx, time.Now().UTC())

	// Periodic store reconciliation catches deadlines missed during outages.
	scheduler := cron.New()
	if _, err := scheduler.AddFunc(cfg.ReconcileSpec, func() {
		eng.Reconcile(context.Background(), time.Now().UTC())
	}); err != nil {
		logger.Plain().WithError(err).Fatal("invalid reconcile spec")
	}
	scheduler.Start()
	defer scheduler.Stop()

	// Optional NSQ event source
	var consumer *queue.Consumer
	if cfg.NSQ.Enabled {
		consumerCfg := queue.ConsumerConfig{
			Topic:          cfg.NSQ.EventsTopic,
			Channel:        cfg.NSQ.EventsChannel,
			NsqdTCPAddr:    cfg.NSQ.NsqdTCPAddr,
			LookupHTTPAddr: cfg.NSQ.LookupHTTPAddr,
			MaxInFlight:    1000,
		}
		consumer, err = queue.NewConsumer(consumerCfg, ingestSink{eng: eng}, logger)
		if err != nil {
			logger.Plain().WithError(err).Fatal("nsq consumer creation failed")
		}
		if err := consumer.Start(consumerCfg); err != nil {
			logger.Plain().WithError(err).Fatal("nsq connect failed")
		}
		logger.Plain().WithField("topic", cfg.NSQ.EventsTopic).Info("nsq event source connected")
	}

	// HTTP: API + health + metrics
	router := httprouter.New()
	api.NewServer(eng, logger).Register(router)
	router.HandlerFunc(http.MethodGet, "/healthz", health.HTTPHandler(pinger, registry))
	router.Handler(http.MethodGet, "/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))

	httpSrv := &http.Server{Addr: cfg.HTTPPort, Handler: router}
	go func() {
		logger.Plain().WithField("addr", httpSrv.Addr).Info("http server starting")
		if err := httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Plain().WithError(err).Fatal("http server failed")
		}
	}()

	logger.Plain().Info("formwarden started")

	// Graceful stop
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGTERM, syscall.SIGINT)
	<-stop

	logger.Plain().Info("shutting down")
	if consumer != nil {
		consumer.Stop()
	}
	cancel()
	eng.Shutdown()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	_ = httpSrv.Shutdown(shutdownCtx)
	logger.Plain().Info("formwarden stopped")
}
