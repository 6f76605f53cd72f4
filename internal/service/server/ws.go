package server

import (
	"errors"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"pair_sync/internal/model"
	frames "pair_sync/internal/protocol/presence"
	"pair_sync/internal/service/auth"
	"pair_sync/internal/utils/log"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	Subprotocol = frames.Subprotocol

	writeWait      = 10 * time.Second
	maxFrameBytes  = 4096
	maxReadBytes   = 1 << 20
	sendQueueSize  = 32
	maxCloseReason = 123
)

type (
	// wsConn is the live channel of one verified identity. Reads happen on the
	// handler goroutine, writes on the write pump only.
	wsConn struct {
		id       string
		identity string
		conn     *websocket.Conn
		send     chan model.Frame
		done     chan struct{}

		closeOnce sync.Once
		mu        sync.Mutex
		reason    string
	}
)

func newWSConn(identity string, conn *websocket.Conn) *wsConn {
	return &wsConn{
		id:       uuid.NewString(),
		identity: identity,
		conn:     conn,
		send:     make(chan model.Frame, sendQueueSize),
		done:     make(chan struct{}),
	}
}

func (c *wsConn) ID() string {
	return c.id
}

// Send queues frame without blocking. A closed channel or a full queue drops
// the frame.
func (c *wsConn) Send(frame model.Frame) bool {
	select {
	case <-c.done:
		return false
	default:
	}
	select {
	case c.send <- frame:
		return true
	default:
		return false
	}
}

func (c *wsConn) Close(reason string) {
	c.closeOnce.Do(func() {
		c.mu.Lock()
		c.reason = reason
		c.mu.Unlock()
		close(c.done)
	})
}

func (c *wsConn) closeReason() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.reason
}

func (s *HttpServer) pingPeriod() time.Duration {
	return s.options.OfflineTimeout / 3
}

func (s *HttpServer) pongWait() time.Duration {
	return s.options.OfflineTimeout + s.pingPeriod()
}

func (s *HttpServer) HandleWS() http.HandlerFunc {
	upgrader := websocket.Upgrader{
		Subprotocols: []string{Subprotocol},
		CheckOrigin: func(r *http.Request) bool {
			return true // Allow all origins
		},
	}

	return func(w http.ResponseWriter, r *http.Request) {
		// Authentication completes before any frame is accepted
		identity, authErr := s.gate.Authenticate(auth.CredentialFromHandshake(r))

		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			log.Debug("websocket upgrade failed", zap.Error(err))
			return
		}

		if authErr != nil {
			log.Info("websocket authentication failed", zap.String("remote", r.RemoteAddr), zap.Error(authErr))
			closeWith(conn, websocket.ClosePolicyViolation, "authentication failed: "+model.MessageOf(authErr))
			conn.Close()
			return
		}

		c := newWSConn(identity.ID, conn)
		if _, err := s.registry.Register(identity.ID, c); err != nil {
			log.Error("register connection failed", zap.String("id", identity.ID), zap.Error(err))
			closeWith(conn, websocket.CloseInternalServerErr, "registration failed")
			conn.Close()
			return
		}

		go s.writePump(c)
		s.readLoop(c)
	}
}

func (s *HttpServer) readLoop(c *wsConn) {
	defer func() {
		s.registry.Unregister(c.identity, c)
		c.Close("connection closed")
	}()

	// Frames over maxFrameBytes are answered with an error frame, only
	// maxReadBytes ends the connection
	c.conn.SetReadLimit(maxReadBytes)
	c.conn.SetReadDeadline(time.Now().Add(s.pongWait()))
	c.conn.SetPongHandler(func(string) error {
		s.registry.Touch(c.identity)
		c.conn.SetReadDeadline(time.Now().Add(s.pongWait()))
		return nil
	})

	for {
		data, err := readFrame(c.conn)
		if errors.Is(err, errFrameTooLarge) {
			c.conn.SetReadDeadline(time.Now().Add(s.pongWait()))
			s.registry.Touch(c.identity)
			log.Debug("oversized frame", zap.String("conn", c.id))
			c.Send(frames.NewError(fmt.Sprintf("message exceeds %d bytes", maxFrameBytes)))
			continue
		}
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				log.Debug("websocket read failed", zap.String("conn", c.id), zap.Error(err))
			}
			return
		}
		c.conn.SetReadDeadline(time.Now().Add(s.pongWait()))
		s.registry.Touch(c.identity)

		inbound, err := frames.Decode(data)
		if err != nil {
			log.Debug("bad frame", zap.String("conn", c.id), zap.Error(err))
			c.Send(frames.NewError(model.MessageOf(err)))
			continue
		}

		switch msg := inbound.(type) {
		case frames.StatusUpdate:
			s.relayStatus(c, msg)
		}
	}
}

var errFrameTooLarge = errors.New("frame too large")

// readFrame reads the next message, keeping at most maxFrameBytes of it. The
// rest of a longer message is discarded and errFrameTooLarge returned.
func readFrame(conn *websocket.Conn) ([]byte, error) {
	_, r, err := conn.NextReader()
	if err != nil {
		return nil, err
	}
	data, err := io.ReadAll(io.LimitReader(r, maxFrameBytes+1))
	if err != nil {
		return nil, err
	}
	if len(data) > maxFrameBytes {
		if _, err := io.Copy(io.Discard, r); err != nil {
			return nil, err
		}
		return nil, errFrameTooLarge
	}
	return data, nil
}

// relayStatus stores the new status, acknowledges it to the sender and
// forwards it to a connected partner.
func (s *HttpServer) relayStatus(c *wsConn, msg frames.StatusUpdate) {
	ts, err := s.registry.UpdateStatus(c.identity, msg.Status)
	if err != nil {
		c.Send(frames.NewError(model.MessageOf(err)))
		return
	}
	if !c.Send(frames.NewStatusUpdated(msg.Status, ts)) {
		log.Warn("status ack dropped", zap.String("conn", c.id))
	}
}

func (s *HttpServer) writePump(c *wsConn) {
	ticker := time.NewTicker(s.pingPeriod())
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()

	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				log.Debug("websocket write failed", zap.String("conn", c.id), zap.Error(err))
				c.Close("write failed")
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.Close("ping failed")
				return
			}
		case <-c.done:
			s.drain(c)
			closeWith(c.conn, websocket.CloseNormalClosure, c.closeReason())
			return
		}
	}
}

// drain flushes frames queued before the channel was closed.
func (s *HttpServer) drain(c *wsConn) {
	for {
		select {
		case frame := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteJSON(frame); err != nil {
				return
			}
		default:
			return
		}
	}
}

func closeWith(conn *websocket.Conn, code int, reason string) {
	if len(reason) > maxCloseReason {
		reason = reason[:maxCloseReason]
	}
	msg := websocket.FormatCloseMessage(code, reason)
	if err := conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeWait)); err != nil {
		log.Debug("write close failed", zap.Error(err))
	}
}
