package websocket

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/adwski/telehealth-relay/backend/model"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
)

const (
	writeWait = 5 * time.Second
	closeWait = 2 * time.Second
)

// peerConn pumps frames between one websocket and its wire.
type peerConn struct {
	conn   *websocket.Conn
	wire   model.Wire
	ka     Keepalive
	roomID string
	userID string
	logger zerolog.Logger
}

// serve blocks until either pump stops, the relay closes the wire
// or ctx is canceled.
func (pc *peerConn) serve(ctx context.Context, cancel context.CancelFunc) {
	wg := &sync.WaitGroup{}
	wg.Add(2)
	go func() {
		defer wg.Done()
		defer cancel()
		pc.readPump(ctx)
	}()
	go func() {
		defer wg.Done()
		defer cancel()
		pc.writePump(ctx)
	}()

	<-ctx.Done()
	// a reader parked in ReadMessage only wakes up when the socket goes away
	pc.shutdown(websocket.CloseNormalClosure)
	wg.Wait()
	pc.wire.Close()
}

func (pc *peerConn) readPump(ctx context.Context) {
	pc.conn.SetReadLimit(pc.ka.MaxMessageSize)
	extend := func(string) error {
		pc.logger.Trace().Msg("got pong")
		return pc.conn.SetReadDeadline(time.Now().Add(pc.ka.PongWait))
	}
	if err := extend(""); err != nil {
		pc.logger.Error().Err(err).Msg("failed to set websocket read deadline")
		return
	}
	pc.conn.SetPongHandler(extend)

	for ctx.Err() == nil {
		_, msg, err := pc.conn.ReadMessage()
		if err != nil {
			switch {
			case websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway):
				pc.logger.Debug().Err(err).Msg("connection closed by peer")
			case ctx.Err() == nil:
				pc.logger.Error().Err(err).Msg("unexpected error during receive")
			}
			return
		}
		select {
		case pc.wire.RX <- msg:
		case <-ctx.Done():
			return
		}
	}
}

func (pc *peerConn) writePump(ctx context.Context) {
	ping := time.NewTicker(pc.ka.PingInterval)
	defer ping.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-pc.wire.Closed():
			// the relay dropped this peer, flush what it was told last
			pc.flush()
			return
		case <-ping.C:
			if err := pc.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeWait)); err != nil {
				pc.logger.Error().Err(err).Msg("failed to send ping")
				return
			}
			pc.logger.Trace().Msg("ping sent")
		case msg := <-pc.wire.TX:
			if err := pc.write(msg); err != nil {
				pc.logger.Error().Err(err).Msg("failed to write outgoing message")
				return
			}
		}
	}
}

func (pc *peerConn) flush() {
	for {
		select {
		case msg := <-pc.wire.TX:
			if err := pc.write(msg); err != nil {
				pc.logger.Debug().Err(err).Msg("failed to flush outgoing message")
				return
			}
		default:
			return
		}
	}
}

func (pc *peerConn) write(msg []byte) error {
	if err := pc.conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return pc.conn.WriteMessage(websocket.TextMessage, msg)
}

// shutdown sends a close frame and drops the socket. Safe to call twice.
func (pc *peerConn) shutdown(code int) {
	err := pc.conn.WriteControl(websocket.CloseMessage,
		websocket.FormatCloseMessage(code, ""),
		time.Now().Add(closeWait))
	if err != nil && !errors.Is(err, websocket.ErrCloseSent) {
		pc.logger.Debug().Err(err).Msg("failed to send close frame")
	}
	if err = pc.conn.Close(); err != nil {
		pc.logger.Trace().Err(err).Msg("failed to close websocket connection")
	}
}
