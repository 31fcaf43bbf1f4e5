package websocket

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/adwski/telehealth-relay/backend/fanout"
	"github.com/adwski/telehealth-relay/backend/model"
	"github.com/adwski/telehealth-relay/backend/service"
	"github.com/adwski/telehealth-relay/backend/storage/memory"
	sw "github.com/adwski/telehealth-relay/backend/switch"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testTimeout = 2 * time.Second

func newTestServer(t *testing.T, ka Keepalive) (*httptest.Server, *memory.Registry) {
	t.Helper()
	logger := zerolog.Nop()
	bridge := fanout.NewLocal(&logger)
	reg := memory.NewRegistry(nil)
	svc := service.NewService(service.Config{
		Registry: reg,
		Switch:   sw.NewSwitch(sw.Config{Logger: &logger}),
		Bridge:   bridge,
		Logger:   &logger,
	})

	ctx, cancel := context.WithCancel(context.Background())
	wg := &sync.WaitGroup{}
	wg.Add(1)
	go bridge.Run(ctx, wg, svc.HandleFrame)

	srv := NewServer(Config{
		Logger:           &logger,
		SignalingService: svc,
		Keepalive:        ka,
	})
	ts := httptest.NewServer(srv.Handler)
	t.Cleanup(func() {
		ts.Close()
		cancel()
		wg.Wait()
	})
	return ts, reg
}

func dial(t *testing.T, ts *httptest.Server, path string) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + path
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	t.Cleanup(func() {
		_ = conn.Close()
	})
	return conn
}

func readType(t *testing.T, conn *websocket.Conn, typ model.MessageType) model.Envelope {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(testTimeout)))
	for {
		var env model.Envelope
		require.NoError(t, conn.ReadJSON(&env))
		if env.Type == typ {
			return env
		}
	}
}

func TestSignal_AdmissionOverWebsocket(t *testing.T) {
	ts, reg := newTestServer(t, Keepalive{})

	host := dial(t, ts, "/ws/room1/h")
	require.NoError(t, host.WriteJSON(model.Envelope{Type: model.TypeAnnounce, Role: model.RoleHost}))
	require.Eventually(t, func() bool { return reg.IsActive("room1", "h") }, testTimeout, 5*time.Millisecond)

	guest := dial(t, ts, "/signal/room/room1/user/g")
	require.NoError(t, guest.WriteJSON(model.Envelope{Type: model.TypeJoinRequest, Name: "Bob"}))

	req := readType(t, host, model.TypeJoinRequest)
	assert.Equal(t, "g", req.From)
	assert.Equal(t, "Bob", req.Name)

	require.NoError(t, host.WriteJSON(model.Envelope{Type: model.TypeApproveJoin, Target: "g"}))
	granted := readType(t, guest, model.TypeConnectionGranted)
	assert.Equal(t, "h", granted.From)

	require.NoError(t, guest.WriteJSON(model.Envelope{Type: model.TypeOffer, From: "spoofed"}))
	offer := readType(t, host, model.TypeOffer)
	assert.Equal(t, "g", offer.From)

	require.NoError(t, guest.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")))
	left := readType(t, host, model.TypePeerLeft)
	assert.Equal(t, "g", left.Peer)
	assert.Equal(t, []string{"h"}, reg.ActiveList("room1"))
}

func TestSignal_RejectionIsFlushedBeforeClose(t *testing.T) {
	ts, reg := newTestServer(t, Keepalive{})

	host := dial(t, ts, "/ws/room1/h")
	require.NoError(t, host.WriteJSON(model.Envelope{Type: model.TypeAnnounce, Role: model.RoleHost}))
	require.Eventually(t, func() bool { return reg.IsActive("room1", "h") }, testTimeout, 5*time.Millisecond)

	guest := dial(t, ts, "/ws/room1/g")
	require.NoError(t, guest.WriteJSON(model.Envelope{Type: model.TypeJoinRequest}))
	readType(t, host, model.TypeJoinRequest)

	require.NoError(t, host.WriteJSON(model.Envelope{Type: model.TypeRejectJoin, Target: "g", Reason: "busy"}))

	rejected := readType(t, guest, model.TypeConnectionRejected)
	assert.Equal(t, "busy", rejected.Reason)

	_, _, err := guest.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err.Error())
}

func TestSignal_ReconnectClosesPreviousSocket(t *testing.T) {
	ts, reg := newTestServer(t, Keepalive{})

	first := dial(t, ts, "/ws/room1/u")
	require.Eventually(t, func() bool {
		_, ok := reg.Wire("room1", "u")
		return ok
	}, testTimeout, 5*time.Millisecond)
	dial(t, ts, "/ws/room1/u")

	require.NoError(t, first.SetReadDeadline(time.Now().Add(testTimeout)))
	_, _, err := first.ReadMessage()
	require.Error(t, err)
	assert.True(t, websocket.IsCloseError(err, websocket.CloseNormalClosure), err.Error())

	_, ok := reg.Wire("room1", "u")
	assert.True(t, ok)
}

func TestSignal_RequiresUpgrade(t *testing.T) {
	ts, _ := newTestServer(t, Keepalive{})

	resp, err := http.Get(ts.URL + "/ws/room1/u")
	require.NoError(t, err)
	defer func() {
		_ = resp.Body.Close()
	}()
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)

	resp2, err := http.Get(ts.URL + "/ws/room1")
	require.NoError(t, err)
	defer func() {
		_ = resp2.Body.Close()
	}()
	assert.Equal(t, http.StatusNotFound, resp2.StatusCode)
}

func TestSignal_KeepalivePings(t *testing.T) {
	ts, reg := newTestServer(t, Keepalive{PingInterval: 20 * time.Millisecond, PongWait: 200 * time.Millisecond})

	conn := dial(t, ts, "/ws/room1/u")
	pings := make(chan struct{}, 16)
	conn.SetPingHandler(func(data string) error {
		select {
		case pings <- struct{}{}:
		default:
		}
		return conn.WriteControl(websocket.PongMessage, []byte(data), time.Now().Add(time.Second))
	})
	go func() {
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	for i := 0; i < 15; i++ {
		select {
		case <-pings:
		case <-time.After(testTimeout):
			t.Fatal("no ping from server")
		}
	}
	// answered pings keep the session alive past the pong deadline
	_, ok := reg.Wire("room1", "u")
	assert.True(t, ok)
}

func TestKeepaliveDefaults(t *testing.T) {
	ka := Keepalive{}.withDefaults()
	assert.Equal(t, defaultPingInterval, ka.PingInterval)
	assert.Equal(t, defaultPongWait, ka.PongWait)
	assert.Equal(t, int64(defaultMaxMessageSize), ka.MaxMessageSize)

	ka = Keepalive{PingInterval: 10 * time.Second, PongWait: time.Second}.withDefaults()
	assert.Greater(t, ka.PongWait, ka.PingInterval)
}
