package service

import (
	"encoding/json"
	"testing"
	"time"

	"github.com/adwski/telehealth-relay/backend/fanout"
	"github.com/adwski/telehealth-relay/backend/model"
	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisRelay(t *testing.T, addr string) (*relay, *fanout.Redis) {
	t.Helper()
	rdb := redis.NewClient(&redis.Options{Addr: addr, ContextTimeoutEnabled: true})
	t.Cleanup(func() {
		_ = rdb.Close()
	})
	logger := zerolog.Nop()
	br := fanout.NewRedis(fanout.RedisConfig{
		Logger:     &logger,
		Client:     rdb,
		Prefix:     "cluster",
		MinBackoff: 10 * time.Millisecond,
		MaxBackoff: 50 * time.Millisecond,
	})
	return newRelay(t, relayOpts{bridge: br}), br
}

// Host and guest live on different processes sharing one broker.
func TestCluster_AdmissionAcrossProcesses(t *testing.T) {
	mr := miniredis.RunT(t)
	procA, brA := newRedisRelay(t, mr.Addr())
	procB, brB := newRedisRelay(t, mr.Addr())
	require.Eventually(t, func() bool { return brA.Healthy() && brB.Healthy() }, recvTimeout, 10*time.Millisecond)

	guestWire := procB.connect(t, "g")
	sendEnv(t, guestWire, model.Envelope{Type: model.TypeJoinRequest, Name: "Remote"})
	require.Eventually(t, func() bool { return len(procB.reg.PendingList(testRoom)) == 1 }, recvTimeout, 5*time.Millisecond)
	quiet(t, guestWire)

	// the host learns about the guest through catch-up
	hostWire := procA.host(t, "h")
	req := recvType(t, hostWire, model.TypeJoinRequest)
	assert.Equal(t, "g", req.From)
	assert.Equal(t, "Remote", req.Name)

	sendEnv(t, hostWire, model.Envelope{Type: model.TypeApproveJoin, Target: "g"})
	granted := recvType(t, guestWire, model.TypeConnectionGranted)
	assert.Equal(t, "h", granted.From)
	assert.True(t, procB.reg.IsActive(testRoom, "g"))
	assert.False(t, procA.reg.IsActive(testRoom, "g"))

	joined := recvType(t, hostWire, model.TypePeerJoined)
	assert.Equal(t, "g", joined.Peer)

	sendEnv(t, guestWire, model.Envelope{Type: model.TypeOffer, Payload: json.RawMessage(`{"sdp":"v=0"}`)})
	offer := recvType(t, hostWire, model.TypeOffer)
	assert.Equal(t, "g", offer.From)
	assert.JSONEq(t, `{"sdp":"v=0"}`, string(offer.Payload))

	procB.disconnect(t, "g", guestWire)
	left := recvType(t, hostWire, model.TypePeerLeft)
	assert.Equal(t, "g", left.Peer)
}

func TestCluster_RejectAcrossProcesses(t *testing.T) {
	mr := miniredis.RunT(t)
	procA, brA := newRedisRelay(t, mr.Addr())
	procB, brB := newRedisRelay(t, mr.Addr())
	require.Eventually(t, func() bool { return brA.Healthy() && brB.Healthy() }, recvTimeout, 10*time.Millisecond)

	hostWire := procA.host(t, "h")
	guestWire := procB.connect(t, "g")
	sendEnv(t, guestWire, model.Envelope{Type: model.TypeJoinRequest})
	recvType(t, hostWire, model.TypeJoinRequest)

	sendEnv(t, hostWire, model.Envelope{Type: model.TypeRejectJoin, Target: "g", Reason: "full"})
	rejected := recvType(t, guestWire, model.TypeConnectionRejected)
	assert.Equal(t, "full", rejected.Reason)
	select {
	case <-guestWire.Closed():
	case <-time.After(recvTimeout):
		t.Fatal("rejected wire was not closed")
	}
	_, err := procB.svc.Room(testRoom)
	assert.ErrorIs(t, err, ErrRoomNotFound)
}
