package _switch

import (
	"context"
	"time"

	"github.com/adwski/telehealth-relay/backend/model"
	"github.com/adwski/telehealth-relay/backend/storage/memory"
	"github.com/rs/zerolog"
)

const (
	defaultFwdTimout = time.Second
)

// Switch writes encoded frames into local transport wires.
// It never touches the registry, so a slow endpoint cannot stall admission.
type Switch struct {
	logger  zerolog.Logger
	timeout time.Duration
}

type Config struct {
	Logger  *zerolog.Logger
	Timeout time.Duration
}

func NewSwitch(cfg Config) *Switch {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultFwdTimout
	}
	return &Switch{
		logger:  cfg.Logger.With().Str("component", "switch").Logger(),
		timeout: timeout,
	}
}

// Send delivers one frame to one wire, waiting up to the configured timeout.
// It reports false if the endpoint is closed or did not accept the frame in time.
func (sw *Switch) Send(ctx context.Context, wire model.Wire, data []byte) bool {
	sent, _ := send(ctx, data, wire, sw.timeout)
	return sent
}

// Fanout delivers a frame to every member and returns the ones that failed.
// It never waits: a member whose buffer is full is reported dead right away.
// Members must be a snapshot taken outside of any registry lock.
func (sw *Switch) Fanout(ctx context.Context, roomID string, members []memory.Member, data []byte) []memory.Member {
	var dead []memory.Member
	for _, m := range members {
		if ctx.Err() != nil {
			break
		}
		if !offer(data, m.Wire) {
			sw.logger.Error().
				Str("roomID", roomID).
				Str("dst", m.Peer).
				Msg("dead endpoint")
			dead = append(dead, m)
			continue
		}
		sw.logger.Trace().
			Str("roomID", roomID).
			Str("dst", m.Peer).
			Msg("frame is forwarded")
	}
	return dead
}

func offer(data []byte, wire model.Wire) bool {
	select {
	case <-wire.Closed():
		return false
	default:
	}
	select {
	case wire.TX <- data:
		return true
	default:
		return false
	}
}

func send(ctx context.Context, data []byte, wire model.Wire, timeout time.Duration) (bool, bool) {
	var sent, canceled bool
	select {
	case <-wire.Closed():
		return false, false
	default:
	}
	tCh := time.NewTimer(timeout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-wire.Closed():
	case <-tCh.C:
	case wire.TX <- data:
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}
