package websocket

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/adwski/telehealth-relay/backend/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second
	defaultSessionCloseWait = 2 * time.Second

	defaultBufferSize       = 10000
	defaultHandshakeTimeout = 3 * time.Second
	defaultMaxMessageSize   = 64 * 1024 // SDP with many candidates
	defaultPingInterval     = 5 * time.Second
	defaultPongWait         = 7 * time.Second
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

type (
	SignalingService interface {
		CreateSignalingSession(ctx context.Context, roomID, userID string, wire model.Wire) error
		DeleteSignalingSession(ctx context.Context, roomID, userID string, wire model.Wire) error
	}

	// Keepalive tunes liveness checks. PongWait - PingInterval is how long
	// a client has to answer a ping.
	Keepalive struct {
		PingInterval   time.Duration
		PongWait       time.Duration
		MaxMessageSize int64
	}

	Config struct {
		Logger           *zerolog.Logger
		SignalingService SignalingService
		ListenAddr       string
		Keepalive        Keepalive
	}

	Server struct {
		*http.Server
		svc      SignalingService
		upgrader *websocket.Upgrader
		ka       Keepalive
		logger   zerolog.Logger
	}
)

func (ka Keepalive) withDefaults() Keepalive {
	if ka.PingInterval <= 0 {
		ka.PingInterval = defaultPingInterval
	}
	if ka.PongWait <= ka.PingInterval {
		ka.PongWait = ka.PingInterval + (defaultPongWait - defaultPingInterval)
	}
	if ka.MaxMessageSize <= 0 {
		ka.MaxMessageSize = defaultMaxMessageSize
	}
	return ka
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		svc: cfg.SignalingService,
		ka:  cfg.Keepalive.withDefaults(),
		upgrader: &websocket.Upgrader{
			HandshakeTimeout: defaultHandshakeTimeout,
			ReadBufferSize:   defaultBufferSize,
			WriteBufferSize:  defaultBufferSize,
			CheckOrigin:      func(*http.Request) bool { return true },
		},
		logger: cfg.Logger.With().Str("component", "websocket-server").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/signal/room/{roomID}/user/{userID}", srv.accept)
	// path used by browser clients
	mux.HandleFunc("/ws/{roomID}/{userID}", srv.accept)

	srv.Server = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: mux,
	}
	return srv
}

func (srv *Server) Run(ctx context.Context, wg *sync.WaitGroup, errc chan<- error) {
	defer func() {
		srv.logger.Debug().Msg("server stopped")
		wg.Done()
	}()

	lErr := make(chan error)
	go func() {
		lErr <- srv.ListenAndServe()
	}()
	srv.logger.Info().Str("addr", srv.Addr).Msg("server started")

	select {
	case <-ctx.Done():
		shCtx, shCancel := context.WithTimeout(context.Background(), defaultShutdownDeadline)
		defer shCancel()
		if err := srv.Shutdown(shCtx); err != nil {
			srv.logger.Error().Err(err).Msg("server shutdown failed")
		}
	case err := <-lErr:
		if !errors.Is(err, http.ErrServerClosed) {
			errc <- errors.Join(ErrUnexpected, err)
		}
	}
}

// accept upgrades the request and hands the socket to the relay.
// Admission is decided later by the router, never here.
func (srv *Server) accept(w http.ResponseWriter, r *http.Request) {
	roomID, userID := r.PathValue("roomID"), r.PathValue("userID")
	if roomID == "" || userID == "" {
		w.WriteHeader(http.StatusBadRequest)
		return
	}

	conn, err := srv.upgrader.Upgrade(w, r, nil)
	if err != nil {
		srv.logger.Debug().Err(err).Msg("websocket upgrade failed")
		return
	}

	pc := &peerConn{
		conn:   conn,
		wire:   model.NewWire(),
		ka:     srv.ka,
		roomID: roomID,
		userID: userID,
		logger: srv.logger.With().
			Str("roomID", roomID).
			Str("userID", userID).
			Logger(),
	}

	// the session outlives the request
	ctx, cancel := context.WithCancel(context.Background())
	if err = srv.svc.CreateSignalingSession(ctx, roomID, userID, pc.wire); err != nil {
		cancel()
		pc.logger.Error().Err(err).Msg("failed to create signaling session")
		pc.shutdown(websocket.CloseInternalServerErr)
		return
	}
	pc.logger.Debug().Str("wireID", pc.wire.ID).Msg("signaling session created")

	go func() {
		pc.serve(ctx, cancel)
		srv.release(pc)
	}()
}

func (srv *Server) release(pc *peerConn) {
	ctx, cancel := context.WithTimeout(context.Background(), defaultSessionCloseWait)
	defer cancel()
	if err := srv.svc.DeleteSignalingSession(ctx, pc.roomID, pc.userID, pc.wire); err != nil {
		pc.logger.Error().Err(err).Msg("failed to delete signaling session")
		return
	}
	pc.logger.Debug().Msg("signaling session ended")
}
