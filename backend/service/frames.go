package service

import (
	"context"

	"github.com/adwski/telehealth-relay/backend/model"
	"github.com/adwski/telehealth-relay/backend/storage/memory"
)

// HandleFrame is the bridge listener callback. Every process receives every
// frame and acts only on the handles it holds; it never re-publishes the
// frame itself.
func (svc *Service) HandleFrame(ctx context.Context, f model.Frame) {
	switch f.Kind {
	case model.FrameDeliver:
		svc.deliver(ctx, f)
	case model.FrameAdmit:
		svc.admit(ctx, f)
	case model.FrameReject:
		svc.rejectPending(ctx, f)
	case model.FrameCatchUp:
		svc.catchUp(ctx, f)
	default:
		svc.logger.Warn().
			Str("roomID", f.Room).
			Str("kind", string(f.Kind)).
			Msg("unknown frame kind")
	}
}

func (svc *Service) deliver(ctx context.Context, f model.Frame) {
	members := svc.registry.Members(f.Room)
	targets := members[:0]
	for _, m := range members {
		if m.Peer == f.Exclude {
			continue
		}
		if f.To != "" && m.Peer != f.To {
			continue
		}
		if f.HostsOnly && m.Role != model.RoleHost {
			continue
		}
		targets = append(targets, m)
	}
	if len(targets) == 0 {
		if f.To != "" {
			// the peer may be held by another process
			svc.logger.Debug().
				Str("roomID", f.Room).
				Str("from", f.From).
				Str("to", f.To).
				Msg("addressed peer is not active on this process")
			return
		}
		svc.logger.Trace().
			Str("roomID", f.Room).
			Str("from", f.From).
			Msg("frame did not reach anyone on this process")
		return
	}
	for _, m := range svc.sw.Fanout(ctx, f.Room, targets, f.Data) {
		svc.evict(ctx, f.Room, m)
	}
}

// evict treats a failed write as a disconnect of the target.
func (svc *Service) evict(ctx context.Context, roomID string, m memory.Member) {
	svc.metrics.DeadEndpoint()
	m.Wire.Close()
	svc.depart(ctx, roomID, m.Peer, m.Wire.ID)
}

func (svc *Service) admit(ctx context.Context, f model.Frame) {
	wire, ok := svc.registry.Approve(f.Room, f.To)
	if !ok {
		return
	}
	svc.logger.Debug().
		Str("roomID", f.Room).
		Str("userID", f.To).
		Str("approvedBy", f.From).
		Msg("peer admitted")

	granted := svc.sendDirect(ctx, f.Room, f.To, wire, &model.Envelope{
		Type: model.TypeConnectionGranted,
		From: f.From,
		Peer: f.To,
	})
	if !granted {
		svc.evict(ctx, f.Room, memory.Member{Peer: f.To, Wire: wire})
		return
	}
	svc.publishEnvelope(ctx, model.Frame{
		Kind:    model.FrameDeliver,
		Room:    f.Room,
		From:    f.To,
		Exclude: f.To,
	}, &model.Envelope{
		Type: model.TypePeerJoined,
		Peer: f.To,
		Role: model.RoleGuest,
	})
}

func (svc *Service) rejectPending(ctx context.Context, f model.Frame) {
	wire, ok := svc.registry.Reject(f.Room, f.To)
	if !ok {
		return
	}
	svc.logger.Debug().
		Str("roomID", f.Room).
		Str("userID", f.To).
		Str("rejectedBy", f.From).
		Str("reason", f.Reason).
		Msg("peer rejected")

	svc.sendDirect(ctx, f.Room, f.To, wire, &model.Envelope{
		Type:   model.TypeConnectionRejected,
		From:   f.From,
		Reason: f.Reason,
	})
	wire.Close()
	svc.announcePeerLeft(ctx, f.Room, f.To)
}

func (svc *Service) catchUp(ctx context.Context, f model.Frame) {
	for _, p := range svc.registry.PendingList(f.Room) {
		svc.publishEnvelope(ctx, model.Frame{
			Kind: model.FrameDeliver,
			Room: f.Room,
			From: p.Peer,
			To:   f.From,
		}, &model.Envelope{
			Type: model.TypeJoinRequest,
			From: p.Peer,
			Name: p.Name,
		})
	}
}
