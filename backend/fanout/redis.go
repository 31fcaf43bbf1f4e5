package fanout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/adwski/telehealth-relay/backend/metrics"
	"github.com/adwski/telehealth-relay/backend/model"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	defaultPrefix     = "relay"
	defaultMinBackoff = 200 * time.Millisecond
	defaultMaxBackoff = 10 * time.Second

	defaultPublishTimeout = time.Second
)

var (
	ErrEncode         = errors.New("unable to encode frame")
	ErrSubscribe      = errors.New("unable to subscribe")
	ErrReceive        = errors.New("unable to receive")
	ErrHandlerPanic   = errors.New("frame handler panicked")
	ErrListenerPanic  = errors.New("listener panicked")
	errListenerClosed = errors.New("listener channel closed")
)

type RedisConfig struct {
	Logger     *zerolog.Logger
	Client     redis.UniversalClient
	Metrics    *metrics.Metrics
	Prefix     string
	MinBackoff time.Duration
	MaxBackoff time.Duration

	// PublishTimeout bounds a broker publish before falling back to local
	// delivery. The client needs ContextTimeoutEnabled for it to cut socket reads.
	PublishTimeout time.Duration
}

// Redis publishes room frames on one channel per room and listens to all
// rooms with a pattern subscription. While the broker is unreachable,
// frames are dispatched through an in-process Local bridge instead.
type Redis struct {
	logger     zerolog.Logger
	rdb        redis.UniversalClient
	metrics    *metrics.Metrics
	local      *Local
	prefix     string
	origin     string
	minBackoff time.Duration
	maxBackoff time.Duration
	pubTimeout time.Duration
	healthy    atomic.Bool
}

func NewRedis(cfg RedisConfig) *Redis {
	p := strings.TrimSuffix(strings.TrimSpace(cfg.Prefix), ":")
	if p == "" {
		p = defaultPrefix
	}
	minBackoff, maxBackoff := cfg.MinBackoff, cfg.MaxBackoff
	if minBackoff <= 0 {
		minBackoff = defaultMinBackoff
	}
	if maxBackoff < minBackoff {
		maxBackoff = defaultMaxBackoff
	}
	pubTimeout := cfg.PublishTimeout
	if pubTimeout <= 0 {
		pubTimeout = defaultPublishTimeout
	}
	origin := uuid.NewString()
	return &Redis{
		logger: cfg.Logger.With().
			Str("component", "bridge").
			Str("kind", "redis").
			Str("origin", origin).Logger(),
		rdb:        cfg.Client,
		metrics:    cfg.Metrics,
		local:      NewLocal(cfg.Logger),
		prefix:     p,
		origin:     origin,
		minBackoff: minBackoff,
		maxBackoff: maxBackoff,
		pubTimeout: pubTimeout,
	}
}

func (b *Redis) channel(roomID string) string {
	return fmt.Sprintf("%s:room:%s", b.prefix, roomID)
}

func (b *Redis) pattern() string {
	return fmt.Sprintf("%s:room:*", b.prefix)
}

// Healthy reports whether the pattern subscription is currently established.
func (b *Redis) Healthy() bool {
	return b.healthy.Load()
}

func (b *Redis) Publish(ctx context.Context, f model.Frame) error {
	f.Origin = b.origin
	data, err := json.Marshal(&f)
	if err != nil {
		return errors.Join(ErrEncode, err)
	}
	pubCtx, cancel := context.WithTimeout(ctx, b.pubTimeout)
	err = b.rdb.Publish(pubCtx, b.channel(f.Room), data).Err()
	cancel()
	if err != nil {
		b.metrics.PublishFailed()
		b.logger.Warn().Err(err).
			Str("roomID", f.Room).
			Msg("broker publish failed, delivering locally")
		return b.local.Publish(ctx, f)
	}
	if !b.healthy.Load() {
		// nobody on this process hears the broker right now
		return b.local.Publish(ctx, f)
	}
	return nil
}

// Run supervises the broker listener until ctx is done, respawning it
// with exponential backoff whenever it fails.
func (b *Redis) Run(ctx context.Context, wg *sync.WaitGroup, h Handler) {
	localWG := &sync.WaitGroup{}
	localWG.Add(1)
	go b.local.Run(ctx, localWG, h)

	defer func() {
		b.healthy.Store(false)
		localWG.Wait()
		b.logger.Debug().Msg("bridge stopped")
		wg.Done()
	}()

	attempt := 0
	for {
		subscribed, err := b.listen(ctx, h)
		b.healthy.Store(false)
		if ctx.Err() != nil {
			return
		}
		if subscribed {
			attempt = 0
		}
		delay := backoff(attempt, b.minBackoff, b.maxBackoff)
		attempt++
		b.metrics.ListenerRestarted()
		b.logger.Error().Err(err).
			Dur("retryIn", delay).
			Msg("broker listener failed, cross-process fan-out degraded")

		t := time.NewTimer(delay)
		select {
		case <-ctx.Done():
			t.Stop()
			return
		case <-t.C:
		}
	}
}

func (b *Redis) listen(ctx context.Context, h Handler) (subscribed bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrListenerPanic, r)
		}
	}()

	ps := b.rdb.PSubscribe(ctx, b.pattern())
	defer func() {
		_ = ps.Close()
	}()
	// pubsub reads do not watch ctx, closing the subscription unblocks them
	stop := context.AfterFunc(ctx, func() {
		_ = ps.Close()
	})
	defer stop()

	if _, err = ps.Receive(ctx); err != nil {
		return false, errors.Join(ErrSubscribe, err)
	}
	b.healthy.Store(true)
	b.logger.Info().Str("pattern", b.pattern()).Msg("broker listener subscribed")

	for {
		msg, rErr := ps.ReceiveMessage(ctx)
		if rErr != nil {
			return true, errors.Join(ErrReceive, rErr)
		}
		if msg == nil {
			return true, errListenerClosed
		}
		var f model.Frame
		if jErr := json.Unmarshal([]byte(msg.Payload), &f); jErr != nil {
			b.logger.Error().Err(jErr).
				Str("channel", msg.Channel).
				Msg("failed to unmarshall frame")
			continue
		}
		b.logger.Trace().
			Str("roomID", f.Room).
			Str("kind", string(f.Kind)).
			Str("from", f.From).
			Str("frameOrigin", f.Origin).
			Msg("frame received from broker")
		h(ctx, f)
	}
}

// backoff doubles from lo for every failed attempt, capped at hi.
func backoff(attempt int, lo, hi time.Duration) time.Duration {
	d := lo
	for i := 0; i < attempt; i++ {
		d *= 2
		if d >= hi {
			return hi
		}
	}
	return d
}
