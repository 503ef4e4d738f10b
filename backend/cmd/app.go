package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/adwski/presence-relay/backend/auth"
	"github.com/adwski/presence-relay/backend/metrics"
	httpServer "github.com/adwski/presence-relay/backend/server/http"
	websocketServer "github.com/adwski/presence-relay/backend/server/websocket"
	"github.com/adwski/presence-relay/backend/service"
	sw "github.com/adwski/presence-relay/backend/switch"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		apiListenAddr   = fs.StringP("api-listen-addr", "a", ":8080", "api listen address")
		wsListenAddr    = fs.StringP("ws-listen-addr", "w", ":8888", "websocket signaling listen address")
		logLevel        = fs.StringP("log-level", "l", "debug", "log level")
		jwtSecret       = fs.String("jwt-secret", os.Getenv("SECRET_KEY"), "HMAC secret for bearer tokens, empty disables authentication")
		sendQueueSize   = fs.Int("send-queue-size", 64, "per-session outbound queue size")
		deliveryTimeout = fs.Duration("delivery-timeout", time.Second, "max time to enqueue a message to one recipient")
		rateLimit       = fs.Float64("rate-limit", 0, "inbound frames per second allowed per session, 0 disables the limit")
		rateBurst       = fs.Int("rate-burst", 40, "inbound frame burst allowed per session")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	m := metrics.New(reg)

	var admitter websocketServer.Admitter = auth.Insecure{}
	if *jwtSecret != "" {
		admitter = auth.NewJWT([]byte(*jwtSecret))
	} else {
		logger.Warn().Msg("no jwt secret configured, user ids are taken from the path unverified")
	}

	registry := sw.NewSwitch(sw.Config{
		Logger:          &logger,
		Metrics:         m,
		DeliveryTimeout: *deliveryTimeout,
	})
	svc := service.NewService(service.Config{
		Switch:  registry,
		Metrics: m,
		Logger:  &logger,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:     &logger,
		Presence:   registry,
		Gatherer:   reg,
		ListenAddr: *apiListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:           &logger,
		SignalingService: svc,
		Admitter:         admitter,
		Metrics:          m,
		ListenAddr:       *wsListenAddr,
		SendQueueSize:    *sendQueueSize,
		RateLimit:        *rateLimit,
		RateBurst:        *rateBurst,
	})

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(2)
	go httpSrv.Run(ctx, wg, errc)
	go wsSrv.Run(ctx, wg, errc)

	select {
	case err = <-errc:
		logger.Error().Err(err).Msg("unexpected server error, shutting down")
	case <-ctx.Done():
		logger.Warn().Msg("interrupted")
	}
	cancel()
	wg.Wait()
}
