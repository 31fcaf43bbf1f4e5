package main

import (
	"context"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/adwski/telehealth-relay/backend/fanout"
	"github.com/adwski/telehealth-relay/backend/metrics"
	httpServer "github.com/adwski/telehealth-relay/backend/server/http"
	websocketServer "github.com/adwski/telehealth-relay/backend/server/websocket"
	"github.com/adwski/telehealth-relay/backend/service"
	store "github.com/adwski/telehealth-relay/backend/storage/memory"
	sw "github.com/adwski/telehealth-relay/backend/switch"
	"github.com/benbjohnson/clock"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/spf13/pflag"
)

const redisPingTimeout = 3 * time.Second

type bridge interface {
	service.Bridge
	Healthy() bool
	Run(ctx context.Context, wg *sync.WaitGroup, h fanout.Handler)
}

func main() {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	fs := pflag.NewFlagSet("main", pflag.ContinueOnError)

	var (
		apiListenAddr  = fs.StringP("api-listen-addr", "a", ":8080", "api listen address")
		wsListenAddr   = fs.StringP("ws-listen-addr", "w", ":8888", "websocket signaling listen address")
		logLevel       = fs.StringP("log-level", "l", "debug", "log level")
		redisAddr      = fs.StringP("redis-addr", "r", "", "redis address for cross-process fan-out, empty means single process")
		redisPassword  = fs.String("redis-password", "", "redis password")
		redisDB        = fs.Int("redis-db", 0, "redis database")
		redisPrefix    = fs.String("redis-prefix", "relay", "redis channel prefix")
		approvalPolicy = fs.String("approval-policy", string(service.PolicyAnyActive),
			"who may approve or reject join requests: any-active or host-only")
		pendingTTL = fs.Duration("pending-ttl", 0, "reject join requests left pending longer than this, 0 disables")
	)
	if err := fs.Parse(os.Args[1:]); err != nil {
		logger.Fatal().Err(err).Msg("failed to parse command line arguments")
	}

	lvl, err := zerolog.ParseLevel(*logLevel)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse loglevel")
	}
	logger = logger.Level(lvl)

	policy, err := service.ParseApprovalPolicy(*approvalPolicy)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to parse approval policy")
	}

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	var (
		clk = clock.New()
		mtr = metrics.New()
		br  bridge
	)
	if *redisAddr == "" {
		logger.Info().Msg("no broker configured, fan-out is local only")
		br = fanout.NewLocal(&logger)
	} else {
		rdb := redis.NewClient(&redis.Options{
			Addr:                  *redisAddr,
			Password:              *redisPassword,
			DB:                    *redisDB,
			ContextTimeoutEnabled: true,
		})
		defer func() {
			_ = rdb.Close()
		}()
		pingCtx, pingCancel := context.WithTimeout(ctx, redisPingTimeout)
		if err = rdb.Ping(pingCtx).Err(); err != nil {
			// not fatal, the listener keeps retrying
			logger.Warn().Err(err).Str("addr", *redisAddr).Msg("redis is not reachable yet")
		}
		pingCancel()
		br = fanout.NewRedis(fanout.RedisConfig{
			Logger:  &logger,
			Client:  rdb,
			Metrics: mtr,
			Prefix:  *redisPrefix,
		})
	}

	svc := service.NewService(service.Config{
		Registry:   store.NewRegistry(clk),
		Switch:     sw.NewSwitch(sw.Config{Logger: &logger}),
		Bridge:     br,
		Metrics:    mtr,
		Clock:      clk,
		Logger:     &logger,
		Policy:     policy,
		PendingTTL: *pendingTTL,
	})
	httpSrv := httpServer.NewServer(httpServer.Config{
		Logger:      &logger,
		RoomService: svc,
		Bridge:      br,
		Metrics:     mtr.Registry,
		ListenAddr:  *apiListenAddr,
	})
	wsSrv := websocketServer.NewServer(websocketServer.Config{
		Logger:           &logger,
		SignalingService: svc,
		ListenAddr:       *wsListenAddr,
	})

	var (
		wg   = &sync.WaitGroup{}
		errc = make(chan error, 2)
	)
	wg.Add(4)
	go br.Run(ctx, wg, svc.HandleFrame)
	go svc.RunReaper(ctx, wg)
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
