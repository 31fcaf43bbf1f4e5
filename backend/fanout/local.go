package fanout

import (
	"context"
	"fmt"
	"sync"

	"github.com/adwski/telehealth-relay/backend/model"
	"github.com/rs/zerolog"
)

// Handler receives every frame published for any room.
type Handler func(ctx context.Context, f model.Frame)

// Local is the in-process bridge. Frames are queued without bound and
// dispatched in publish order by a single Run goroutine, so handlers may
// publish again without deadlocking.
type Local struct {
	logger zerolog.Logger
	mx     *sync.Mutex
	queue  []model.Frame
	notify chan struct{}
}

func NewLocal(logger *zerolog.Logger) *Local {
	return &Local{
		logger: logger.With().Str("component", "bridge").Str("kind", "local").Logger(),
		mx:     &sync.Mutex{},
		notify: make(chan struct{}, 1),
	}
}

func (l *Local) Publish(_ context.Context, f model.Frame) error {
	l.mx.Lock()
	l.queue = append(l.queue, f)
	l.mx.Unlock()

	select {
	case l.notify <- struct{}{}:
	default:
	}
	return nil
}

func (l *Local) Healthy() bool {
	return true
}

func (l *Local) Run(ctx context.Context, wg *sync.WaitGroup, h Handler) {
	defer func() {
		l.logger.Debug().Msg("bridge stopped")
		wg.Done()
	}()
	for {
		select {
		case <-ctx.Done():
			return
		case <-l.notify:
		}

		l.mx.Lock()
		batch := l.queue
		l.queue = nil
		l.mx.Unlock()

		for _, f := range batch {
			if ctx.Err() != nil {
				return
			}
			if err := dispatch(ctx, h, f); err != nil {
				l.logger.Error().Err(err).
					Str("roomID", f.Room).
					Str("kind", string(f.Kind)).
					Msg("frame handler failed")
			}
		}
	}
}

func dispatch(ctx context.Context, h Handler, f model.Frame) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", ErrHandlerPanic, r)
		}
	}()
	h(ctx, f)
	return nil
}
