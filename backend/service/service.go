package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/adwski/telehealth-relay/backend/metrics"
	"github.com/adwski/telehealth-relay/backend/model"
	"github.com/adwski/telehealth-relay/backend/storage/memory"
	"github.com/benbjohnson/clock"
	"github.com/rs/zerolog"
)

var (
	ErrEmptyID       = errors.New("room and user ids must not be empty")
	ErrRoomNotFound  = errors.New("room is not found")
	ErrUnknownPolicy = errors.New("unknown approval policy")
	ErrPublish       = errors.New("unable to publish frame")
	ErrConnect       = errors.New("unable to connect")
)

// ApprovalPolicy decides who may answer join requests.
type ApprovalPolicy string

const (
	// PolicyAnyActive lets any admitted peer approve or reject (co-host rooms).
	PolicyAnyActive ApprovalPolicy = "any-active"
	// PolicyHostOnly requires the deciding peer to have announced itself as host.
	PolicyHostOnly ApprovalPolicy = "host-only"
)

func ParseApprovalPolicy(s string) (ApprovalPolicy, error) {
	switch p := ApprovalPolicy(s); p {
	case PolicyAnyActive, PolicyHostOnly:
		return p, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrUnknownPolicy, s)
	}
}

type (
	Registry interface {
		Connect(roomID, peer string, wire model.Wire) (model.Wire, bool)
		Release(roomID, peer, wireID string) memory.Departure
		Announce(roomID, peer string, role model.Role) (bool, bool)
		RequestJoin(roomID, peer, name string) bool
		Approve(roomID, peer string) (model.Wire, bool)
		Reject(roomID, peer string) (model.Wire, bool)
		ExpirePending(ttl time.Duration) []memory.Pending
		IsActive(roomID, peer string) bool
		RoleOf(roomID, peer string) (model.Role, bool)
		PendingList(roomID string) []memory.Pending
		Members(roomID string) []memory.Member
		Room(roomID string) (*model.Room, bool)
		Rooms() []*model.Room
	}

	Switch interface {
		Send(ctx context.Context, wire model.Wire, data []byte) bool
		Fanout(ctx context.Context, roomID string, members []memory.Member, data []byte) []memory.Member
	}

	Bridge interface {
		Publish(ctx context.Context, f model.Frame) error
	}

	Service struct {
		registry   Registry
		sw         Switch
		bridge     Bridge
		metrics    *metrics.Metrics
		clock      clock.Clock
		policy     ApprovalPolicy
		pendingTTL time.Duration
		logger     zerolog.Logger
	}

	Config struct {
		Registry   Registry
		Switch     Switch
		Bridge     Bridge
		Metrics    *metrics.Metrics
		Clock      clock.Clock
		Logger     *zerolog.Logger
		Policy     ApprovalPolicy
		PendingTTL time.Duration
	}
)

func NewService(cfg Config) *Service {
	clk := cfg.Clock
	if clk == nil {
		clk = clock.New()
	}
	policy := cfg.Policy
	if policy == "" {
		policy = PolicyAnyActive
	}
	return &Service{
		registry:   cfg.Registry,
		sw:         cfg.Switch,
		bridge:     cfg.Bridge,
		metrics:    cfg.Metrics,
		clock:      clk,
		policy:     policy,
		pendingTTL: cfg.PendingTTL,
		logger:     cfg.Logger.With().Str("component", "router").Logger(),
	}
}

type session struct {
	roomID string
	peer   string
	wire   model.Wire
	logger zerolog.Logger
}

// CreateSignalingSession registers the transport handle and starts routing
// its inbound frames. The peer is not admitted until it announces as host
// or gets approved.
func (svc *Service) CreateSignalingSession(ctx context.Context, roomID, userID string, wire model.Wire) error {
	if roomID == "" || userID == "" {
		return errors.Join(ErrConnect, ErrEmptyID)
	}
	old, replaced := svc.registry.Connect(roomID, userID, wire)
	if replaced {
		old.Close()
		svc.logger.Warn().
			Str("userID", userID).
			Str("roomID", roomID).
			Msg("previous connection replaced")
	}
	svc.metrics.ConnectionOpened()

	sess := &session{
		roomID: roomID,
		peer:   userID,
		wire:   wire,
		logger: svc.logger.With().
			Str("roomID", roomID).
			Str("userID", userID).
			Logger(),
	}
	sess.logger.Debug().Msg("signaling session connected")

	go svc.consume(ctx, sess)
	return nil
}

// DeleteSignalingSession runs registry cleanup for the handle. It is safe to
// call after the peer was already removed by reject, leave or reconnect.
func (svc *Service) DeleteSignalingSession(ctx context.Context, roomID, userID string, wire model.Wire) error {
	svc.metrics.ConnectionClosed()
	svc.depart(ctx, roomID, userID, wire.ID)
	svc.logger.Debug().
		Str("userID", userID).
		Str("roomID", roomID).
		Msg("signaling session deleted")
	return nil
}

func (svc *Service) consume(ctx context.Context, sess *session) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-sess.wire.Closed():
			return
		case raw := <-sess.wire.RX:
			svc.route(ctx, sess, raw)
		}
	}
}

// depart removes the handle from the registry and tells the rest of the room.
func (svc *Service) depart(ctx context.Context, roomID, peer, wireID string) {
	dep := svc.registry.Release(roomID, peer, wireID)
	if !dep.Existed {
		return
	}
	svc.logger.Debug().
		Str("roomID", roomID).
		Str("userID", peer).
		Bool("wasActive", dep.WasActive).
		Bool("wasPending", dep.WasPending).
		Msg("peer removed from registry")

	if dep.WasActive || dep.WasPending {
		svc.announcePeerLeft(ctx, roomID, peer)
	}
}

func (svc *Service) announcePeerLeft(ctx context.Context, roomID, peer string) {
	svc.publishEnvelope(ctx, model.Frame{
		Kind:    model.FrameDeliver,
		Room:    roomID,
		From:    peer,
		Exclude: peer,
	}, &model.Envelope{
		Type: model.TypePeerLeft,
		Peer: peer,
	})
}

func (svc *Service) publishEnvelope(ctx context.Context, f model.Frame, env *model.Envelope) {
	data, err := env.Encode()
	if err != nil {
		svc.logger.Error().Err(err).Str("type", string(env.Type)).Msg("failed to marshall envelope")
		return
	}
	f.Data = data
	svc.publish(ctx, f)
}

func (svc *Service) publish(ctx context.Context, f model.Frame) {
	if err := svc.bridge.Publish(ctx, f); err != nil {
		svc.logger.Error().Err(errors.Join(ErrPublish, err)).
			Str("roomID", f.Room).
			Str("kind", string(f.Kind)).
			Msg("frame was dropped")
	}
}

// sendDirect writes an envelope to a single local handle, bypassing the bridge.
func (svc *Service) sendDirect(ctx context.Context, roomID, peer string, wire model.Wire, env *model.Envelope) bool {
	data, err := env.Encode()
	if err != nil {
		svc.logger.Error().Err(err).Str("type", string(env.Type)).Msg("failed to marshall envelope")
		return false
	}
	if !svc.sw.Send(ctx, wire, data) {
		svc.logger.Debug().
			Str("roomID", roomID).
			Str("dst", peer).
			Str("type", string(env.Type)).
			Msg("direct send failed")
		return false
	}
	return true
}

// Room returns the local view of a room.
func (svc *Service) Room(roomID string) (*model.Room, error) {
	room, ok := svc.registry.Room(roomID)
	if !ok {
		return nil, ErrRoomNotFound
	}
	return room, nil
}

func (svc *Service) Rooms() []*model.Room {
	return svc.registry.Rooms()
}

// RunReaper expires pending admissions older than the configured TTL.
// It returns immediately when no TTL is configured.
func (svc *Service) RunReaper(ctx context.Context, wg *sync.WaitGroup) {
	defer wg.Done()
	if svc.pendingTTL <= 0 {
		return
	}
	interval := svc.pendingTTL / 2
	if interval < time.Second {
		interval = time.Second
	}
	ticker := svc.clock.Ticker(interval)
	defer ticker.Stop()

	svc.logger.Debug().Dur("ttl", svc.pendingTTL).Msg("pending reaper started")
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			svc.expirePending(ctx)
		}
	}
}

func (svc *Service) expirePending(ctx context.Context) {
	for _, p := range svc.registry.ExpirePending(svc.pendingTTL) {
		svc.logger.Info().
			Str("roomID", p.Room).
			Str("userID", p.Peer).
			Time("since", p.Since).
			Msg("pending admission expired")
		svc.sendDirect(ctx, p.Room, p.Peer, p.Wire, &model.Envelope{
			Type:   model.TypeConnectionRejected,
			Reason: reasonTimeout,
		})
		p.Wire.Close()
		svc.announcePeerLeft(ctx, p.Room, p.Peer)
	}
}
