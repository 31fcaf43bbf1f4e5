package service

import (
	"context"
	"encoding/json"

	"github.com/adwski/telehealth-relay/backend/model"
)

const reasonTimeout = "timeout"

// route is the admission state machine. Every inbound frame of a session
// passes through here exactly once, in arrival order.
func (svc *Service) route(ctx context.Context, sess *session, raw []byte) {
	env, err := model.ParseEnvelope(raw)
	if err != nil {
		sess.logger.Debug().Err(err).Msg("malformed frame, relaying as opaque")
		svc.relayOpaque(ctx, sess, raw)
		return
	}
	sess.logger.Trace().
		Str("type", string(env.Type)).
		Str("to", env.To).
		Str("target", env.Target).
		Msg("inbound envelope")

	switch env.Type.Kind() {
	case model.KindAnnounce:
		svc.announce(ctx, sess, env)
	case model.KindJoinRequest:
		svc.joinRequest(ctx, sess, env)
	case model.KindApprove:
		svc.decide(ctx, sess, model.FrameAdmit, env)
	case model.KindReject:
		svc.decide(ctx, sess, model.FrameReject, env)
	case model.KindSignal:
		svc.signal(ctx, sess, env, raw)
	case model.KindDeparture:
		svc.leave(ctx, sess, env)
	case model.KindServerOnly:
		svc.refuse(ctx, sess, model.ErrorInvalidType)
	case model.KindOpaque:
		svc.refuse(ctx, sess, model.ErrorUnknownType)
	}
}

func (svc *Service) announce(ctx context.Context, sess *session, env model.Envelope) {
	activated, ok := svc.registry.Announce(sess.roomID, sess.peer, env.Role)
	if !ok {
		return
	}
	if env.Role != model.RoleHost {
		sess.logger.Debug().Msg("peer announced as guest")
		return
	}
	if activated {
		sess.logger.Debug().Msg("host admitted")
		svc.publishEnvelope(ctx, model.Frame{
			Kind:    model.FrameDeliver,
			Room:    sess.roomID,
			From:    sess.peer,
			Exclude: sess.peer,
		}, &model.Envelope{
			Type: model.TypePeerJoined,
			Peer: sess.peer,
			Role: model.RoleHost,
		})
	}
	// requests that arrived before any host was around, possibly on other processes
	svc.publish(ctx, model.Frame{
		Kind: model.FrameCatchUp,
		Room: sess.roomID,
		From: sess.peer,
	})
}

func (svc *Service) joinRequest(ctx context.Context, sess *session, env model.Envelope) {
	if !svc.registry.RequestJoin(sess.roomID, sess.peer, env.Name) {
		sess.logger.Debug().Msg("join request ignored")
		return
	}
	sess.logger.Debug().Str("name", env.Name).Msg("join requested")
	svc.publishEnvelope(ctx, model.Frame{
		Kind:      model.FrameDeliver,
		Room:      sess.roomID,
		From:      sess.peer,
		Exclude:   sess.peer,
		HostsOnly: true,
	}, &model.Envelope{
		Type: model.TypeJoinRequest,
		From: sess.peer,
		Name: env.Name,
	})
}

// decide publishes an approval or rejection. The process holding the target
// performs the transition, which keeps repeated decisions idempotent.
func (svc *Service) decide(ctx context.Context, sess *session, kind model.FrameKind, env model.Envelope) {
	if !svc.registry.IsActive(sess.roomID, sess.peer) {
		svc.refuse(ctx, sess, model.ErrorNotApproved)
		return
	}
	if svc.policy == PolicyHostOnly {
		if role, _ := svc.registry.RoleOf(sess.roomID, sess.peer); role != model.RoleHost {
			svc.refuse(ctx, sess, model.ErrorNotAuthorized)
			return
		}
	}
	if env.Target == "" || env.Target == sess.peer {
		sess.logger.Debug().Str("type", string(env.Type)).Msg("decision without a valid target")
		return
	}
	sess.logger.Debug().
		Str("type", string(env.Type)).
		Str("target", env.Target).
		Msg("admission decision")
	svc.publish(ctx, model.Frame{
		Kind:   kind,
		Room:   sess.roomID,
		From:   sess.peer,
		To:     env.Target,
		Reason: env.Reason,
	})
}

// signal relays negotiation traffic. The frame is forwarded as the client sent
// it, with only "from" rewritten.
func (svc *Service) signal(ctx context.Context, sess *session, env model.Envelope, raw []byte) {
	if !svc.registry.IsActive(sess.roomID, sess.peer) {
		svc.refuse(ctx, sess, model.ErrorNotApproved)
		return
	}
	svc.metrics.Relayed(string(env.Type))
	svc.publish(ctx, model.Frame{
		Kind:    model.FrameDeliver,
		Room:    sess.roomID,
		From:    sess.peer,
		To:      env.To,
		Exclude: sess.peer,
		Data:    stampFrom(raw, sess.peer),
	})
}

// leave forwards the departure notice and tears the sender down.
// Only admitted peers may attach a payload or address a single peer.
func (svc *Service) leave(ctx context.Context, sess *session, env model.Envelope) {
	notice := model.Envelope{
		Type: env.Type,
		From: sess.peer,
	}
	if svc.registry.IsActive(sess.roomID, sess.peer) {
		notice.To = env.To
		notice.Payload = env.Payload
	}
	svc.metrics.Relayed(string(env.Type))
	svc.publishEnvelope(ctx, model.Frame{
		Kind:    model.FrameDeliver,
		Room:    sess.roomID,
		From:    sess.peer,
		Exclude: sess.peer,
	}, &notice)

	sess.logger.Debug().Str("type", string(env.Type)).Msg("peer is leaving")
	svc.depart(ctx, sess.roomID, sess.peer, sess.wire.ID)
	sess.wire.Close()
}

// relayOpaque forwards frames that do not decode as envelopes, as long as
// the sender has been admitted.
func (svc *Service) relayOpaque(ctx context.Context, sess *session, data []byte) {
	if !svc.registry.IsActive(sess.roomID, sess.peer) {
		svc.refuse(ctx, sess, model.ErrorNotApproved)
		return
	}
	svc.metrics.Relayed("opaque")
	svc.publish(ctx, model.Frame{
		Kind:    model.FrameDeliver,
		Room:    sess.roomID,
		From:    sess.peer,
		Exclude: sess.peer,
		Data:    data,
	})
}

func (svc *Service) refuse(ctx context.Context, sess *session, message string) {
	svc.metrics.Rejected(message)
	sess.logger.Debug().Str("error", message).Msg("envelope refused")
	svc.sendDirect(ctx, sess.roomID, sess.peer, sess.wire, &model.Envelope{
		Type:    model.TypeError,
		Message: message,
	})
}

// stampFrom overwrites "from" while keeping fields the relay does not model.
func stampFrom(raw []byte, peer string) []byte {
	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return raw
	}
	from, err := json.Marshal(peer)
	if err != nil {
		return raw
	}
	fields["from"] = from
	out, err := json.Marshal(fields)
	if err != nil {
		return raw
	}
	return out
}
