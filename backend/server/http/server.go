package http

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/adwski/telehealth-relay/backend/model"
	"github.com/davecgh/go-spew/spew"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

const (
	defaultShutdownDeadline = 10 * time.Second
	defaultReadTimeout      = 5 * time.Second

	bridgeHealthy  = "healthy"
	bridgeDegraded = "degraded"
)

var (
	ErrUnexpected = errors.New("unexpected server error")
)

// RoomService exposes the local view of the connection registry.
type RoomService interface {
	Room(roomID string) (*model.Room, error)
	Rooms() []*model.Room
}

type Bridge interface {
	Healthy() bool
}

type GenericResponse struct {
	Message string      `json:"message,omitempty"`
	Error   string      `json:"error,omitempty"`
	Data    interface{} `json:"data,omitempty"`
}

type Config struct {
	Logger      *zerolog.Logger
	RoomService RoomService
	Bridge      Bridge
	Metrics     prometheus.Gatherer
	ListenAddr  string
}

// Server is the operational API. It never touches signaling traffic.
type Server struct {
	*http.Server
	rooms  RoomService
	bridge Bridge
	logger zerolog.Logger
}

func NewServer(cfg Config) *Server {
	srv := &Server{
		rooms:  cfg.RoomService,
		bridge: cfg.Bridge,
		logger: cfg.Logger.With().Str("component", "api-server").Logger(),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/rooms", srv.listRooms)
	mux.HandleFunc("GET /api/room/{roomID}", srv.showRoom)
	mux.HandleFunc("GET /healthz", srv.healthz)
	mux.HandleFunc("GET /debug/rooms", srv.debugRooms)
	mux.HandleFunc("OPTIONS /", preflight)
	if cfg.Metrics != nil {
		mux.Handle("GET /metrics", promhttp.HandlerFor(cfg.Metrics, promhttp.HandlerOpts{}))
	}

	srv.Server = &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           allowOrigin(mux),
		ReadHeaderTimeout: defaultReadTimeout,
	}
	return srv
}

func allowOrigin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		next.ServeHTTP(w, r)
	})
}

func preflight(w http.ResponseWriter, _ *http.Request) {
	h := w.Header()
	h.Set("Access-Control-Allow-Methods", "GET, OPTIONS")
	h.Set("Access-Control-Allow-Headers", "Origin, Content-Type, Accept")
	h.Set("Access-Control-Max-Age", "86400")
	h.Set("Access-Control-Allow-Credentials", "true")
	w.WriteHeader(http.StatusNoContent)
}

func (srv *Server) listRooms(w http.ResponseWriter, _ *http.Request) {
	srv.reply(w, http.StatusOK, &GenericResponse{Message: "OK", Data: srv.rooms.Rooms()})
}

func (srv *Server) showRoom(w http.ResponseWriter, r *http.Request) {
	roomID := r.PathValue("roomID")
	room, err := srv.rooms.Room(roomID)
	if err != nil {
		srv.logger.Trace().Err(err).Str("roomID", roomID).Msg("room lookup failed")
		srv.reply(w, http.StatusNotFound, &GenericResponse{Error: err.Error()})
		return
	}
	srv.reply(w, http.StatusOK, &GenericResponse{Message: "OK", Data: room})
}

// healthz stays 200 while the bridge is degraded: local peers are still served.
func (srv *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	state := bridgeHealthy
	if srv.bridge != nil && !srv.bridge.Healthy() {
		state = bridgeDegraded
	}
	srv.reply(w, http.StatusOK, &GenericResponse{
		Message: "OK",
		Data:    map[string]string{"bridge": state},
	})
}

func (srv *Server) debugRooms(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	spew.Fdump(w, srv.rooms.Rooms())
}

func (srv *Server) reply(w http.ResponseWriter, code int, resp *GenericResponse) {
	b, err := json.Marshal(resp)
	if err != nil {
		srv.logger.Error().Err(err).Msg("failed to marshall response")
		w.WriteHeader(http.StatusInternalServerError)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Length", strconv.Itoa(len(b)))
	w.WriteHeader(code)
	if _, err = w.Write(b); err != nil {
		srv.logger.Error().Err(err).Msg("failed to write response")
	}
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
