package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"

	"github.com/labstack/echo-contrib/echoprometheus"
	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"github.com/labstack/gommon/log"
	"github.com/nrednav/cuid2"

	"github.com/propolis-net/relay/internal/boot"
	"github.com/propolis-net/relay/internal/bus"
	"github.com/propolis-net/relay/internal/gateway"
	"github.com/propolis-net/relay/internal/httpapi"
	"github.com/propolis-net/relay/internal/notify"
	"github.com/propolis-net/relay/internal/push"
	"github.com/propolis-net/relay/internal/retention"
	"github.com/propolis-net/relay/internal/store"
	"github.com/propolis-net/relay/internal/takeover"
)

func main() {
	config, err := boot.Load()
	if err != nil {
		log.Fatalf("boot: %+v", err)
	}

	db, err := store.Open(config.Database.Path, config.Database.MaxOpenConns, config.Database.AcquireTimeout)
	if err != nil {
		log.Fatalf("opening store: %+v", err)
	}
	defer db.Close()

	notifier := notify.New(config.Notifier.Shards, config.Notifier.SubscriberBuffer)
	crossNodeBus := bus.New(config.Bus.RedisAddr, config.Bus.ChannelPrefix, config.Bus.MinBackoff, config.Bus.MaxBackoff, notifier)

	envelopes := store.NewEnvelopeStore(db, config.Envelopes.TTL, config.Envelopes.InboxCap, notifier, crossNodeBus)
	keys := store.NewKeyDirectory(db, config.Keys.OneTimePreKeyCap, config.Keys.OneTimePreKeyLowWater, notifier)
	tokens := store.NewDeviceTokenStore(db)

	pushQueue := push.NewQueue(config.Push.RedisAddr)
	defer pushQueue.Close()
	janitor := push.NewJanitor(tokens, config.Push.JanitorBatchSize, config.Push.JanitorFlushInterval)
	// push.NopProvider stands in for the external push-notification
	// provider SDK (APNs/FCM/etc), which spec.md §1 scopes out of core.
	worker := push.NewWorker(pushQueue, tokens, push.NopProvider{}, janitor,
		config.Push.WorkerConcurrency, config.Push.PollInterval, config.Push.VisibilityTimeout,
		config.Push.MaxAttempts, config.Push.RateLimitPerSec)

	sweeper := retention.NewSweeper(envelopes, config.Envelopes.SweepPeriod, config.Envelopes.SweepBatch)

	coordinator := takeover.New(db, notifier, crossNodeBus, config.Keys.OneTimePreKeyCap)

	handshake := gateway.NewHandshake(config.Gateway.TokenSigningKey, keys)
	gw := gateway.New(handshake, envelopes, notifier, crossNodeBus, pushQueue, config.Server.Origins, gateway.Config{
		HeartbeatInterval: config.Gateway.HeartbeatInterval,
		PongTimeout:       config.Gateway.PongTimeout,
		OutboundBuffer:    config.Gateway.OutboundBuffer,
		AckBuffer:         config.Gateway.AckBuffer,
		DrainBatchLimit:   config.Gateway.DrainBatchLimit,
		AckBatchSize:      config.AckBatch.Size,
		AckFlushInterval:  config.AckBatch.FlushInterval,
		PushGracePeriod:   config.Push.GracePeriod,
		MaxPayload:        config.Envelopes.MaxPayload,
		SubmitRatePerSec:  config.SubmitRateLimitPerSec,
	})

	notifierStop := make(chan struct{})
	go notifier.RunGC(config.Notifier.GCInterval, notifierStop)
	go crossNodeBus.Run()
	go worker.Run()
	go janitor.Run()
	go sweeper.Run()

	server := echo.New()
	server.Use(middleware.BodyLimit("1M"))
	server.Use(middleware.RequestIDWithConfig(middleware.RequestIDConfig{
		Generator: func() string { return cuid2.Generate() },
	}))
	server.Use(echoprometheus.NewMiddleware("relay"))
	server.Use(middleware.Recover())
	server.Use(middleware.TimeoutWithConfig(middleware.TimeoutConfig{
		Skipper: func(c echo.Context) bool { return c.Path() == "/v1/gateway" },
		Timeout: config.Gateway.RequestTimeout,
	}))
	server.Logger.SetLevel(log.INFO)

	headers := []string{echo.HeaderOrigin, echo.HeaderContentType, echo.HeaderAccept, echo.HeaderAuthorization}
	server.Use(middleware.CORSWithConfig(middleware.CORSConfig{
		AllowOrigins:     corsOrigins(config.Server.Origins),
		AllowHeaders:     headers,
		AllowCredentials: true,
	}))

	httpapi.Register(server, coordinator, keys, tokens, gw)

	go func() {
		metrics := echo.New()
		metrics.GET("/metrics", echoprometheus.NewHandler())
		if err := metrics.Start(":" + config.Server.MetricsPort); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal(err)
		}
	}()

	go func() {
		if err := server.Start(":" + config.Server.Port); err != nil && !errors.Is(err, http.ErrServerClosed) {
			server.Logger.Fatal("shutting down the server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, os.Interrupt)
	<-quit

	// Going-away close to live sessions first, then the normal echo
	// drain: spec.md §4.5's "send a going away close to all sessions,
	// wait up to shutdown-grace, then hard-close."
	gw.Shutdown()

	ctx, cancel := context.WithTimeout(context.Background(), config.Server.ShutdownGrace)
	defer cancel()
	if err := server.Shutdown(ctx); err != nil {
		server.Logger.Error(err)
	}

	sweeper.Stop()
	janitor.Stop()
	worker.Stop()
	crossNodeBus.Stop()
	close(notifierStop)
}

func corsOrigins(origins string) []string {
	if origins == "" || origins == "*" {
		return []string{"*"}
	}
	return []string{origins}
}
