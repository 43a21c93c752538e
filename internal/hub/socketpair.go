package hub

import (
	stderrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/openclaw/openclaw-cloud/internal/errors"
	"github.com/openclaw/openclaw-cloud/internal/logger"
	"github.com/openclaw/openclaw-cloud/internal/metrics"
	"github.com/openclaw/openclaw-cloud/internal/protocol"
)

// Role distinguishes the two kinds of peers a hub talks to.
type Role string

const (
	RolePlugin Role = "plugin"
	RoleClient Role = "client"
)

const (
	writeTimeout = 10 * time.Second
	drainTimeout = 2 * time.Second
)

// Conn is the hub's view of an attached socket. SocketPair is the production
// implementation; tests substitute in-memory fakes.
type Conn interface {
	ID() string
	Role() Role
	RemoteIP() string
	// Send encodes and enqueues one frame. Returns ErrBackpressure when the
	// writer queue is full and ErrClosed after close.
	Send(frame protocol.Frame) error
	// SendRaw enqueues already-encoded bytes, preserving them verbatim.
	SendRaw(data []byte) error
	Close(code int, reason string)
}

// wsConn is the subset of *websocket.Conn SocketPair drives.
type wsConn interface {
	ReadMessage() (int, []byte, error)
	WriteMessage(messageType int, data []byte) error
	WriteControl(messageType int, data []byte, deadline time.Time) error
	SetReadLimit(limit int64)
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(string) error)
	Close() error
}

// SocketPair wraps one duplex WebSocket connection with a reader task and a
// writer task. The writer is the only path to the underlying socket; frames
// enter it through a bounded queue and leave in order. Keepalive pings and
// the pong deadline live here, not in the hub.
type SocketPair struct {
	id       string
	role     Role
	remoteIP string
	conn     wsConn

	send      chan []byte
	closed    chan struct{}
	closeOnce sync.Once
	closeMu   sync.Mutex
	closeCode int

	pingInterval time.Duration
	pongTimeout  time.Duration

	onFrame func(sp *SocketPair, frame protocol.Frame, raw []byte)
	onClose func(sp *SocketPair)

	logger *logger.Logger
}

// SocketPairConfig carries the per-connection wiring for NewSocketPair.
type SocketPairConfig struct {
	ID           string
	Role         Role
	RemoteIP     string
	PingInterval time.Duration
	PongTimeout  time.Duration
	// OnFrame receives every well-formed inbound frame with its raw bytes.
	OnFrame func(sp *SocketPair, frame protocol.Frame, raw []byte)
	// OnClose fires exactly once when the connection is gone.
	OnClose func(sp *SocketPair)
	Logger  *logger.Logger
}

// NewSocketPair wraps an upgraded WebSocket connection. Call Start to begin
// the reader and writer tasks.
func NewSocketPair(conn wsConn, queueSize int, cfg SocketPairConfig) *SocketPair {
	return &SocketPair{
		id:           cfg.ID,
		role:         cfg.Role,
		remoteIP:     cfg.RemoteIP,
		conn:         conn,
		send:         make(chan []byte, queueSize),
		closed:       make(chan struct{}),
		pingInterval: cfg.PingInterval,
		pongTimeout:  cfg.PongTimeout,
		onFrame:      cfg.OnFrame,
		onClose:      cfg.OnClose,
		logger:       cfg.Logger.WithComponent("socket").With(slog.String("conn_id", cfg.ID), slog.String("role", string(cfg.Role))),
	}
}

func (sp *SocketPair) ID() string       { return sp.id }
func (sp *SocketPair) Role() Role       { return sp.role }
func (sp *SocketPair) RemoteIP() string { return sp.remoteIP }

// Start launches the reader and writer tasks.
func (sp *SocketPair) Start() {
	go sp.writeLoop()
	go sp.readLoop()
}

// Send encodes a frame and enqueues it for the writer.
func (sp *SocketPair) Send(frame protocol.Frame) error {
	data, err := protocol.Encode(frame)
	if err != nil {
		return fmt.Errorf("encode %s frame: %w", frame.FrameType(), err)
	}
	return sp.SendRaw(data)
}

// SendRaw enqueues encoded bytes. The writer delivers accepted frames in
// order; a full queue fails with ErrBackpressure and the caller decides
// whether to drop or disconnect.
func (sp *SocketPair) SendRaw(data []byte) error {
	select {
	case <-sp.closed:
		return errors.ErrClosed
	default:
	}

	select {
	case sp.send <- data:
		return nil
	default:
		return errors.ErrBackpressure
	}
}

// Close shuts the connection down with the given close code. Idempotent;
// the first call wins. The writer drains its queue before the socket dies.
func (sp *SocketPair) Close(code int, reason string) {
	sp.closeOnce.Do(func() {
		sp.closeMu.Lock()
		sp.closeCode = code
		sp.closeMu.Unlock()

		msg := websocket.FormatCloseMessage(code, reason)
		if err := sp.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(writeTimeout)); err != nil {
			sp.logger.Debug("close handshake write failed", slog.String("error", err.Error()))
		}
		close(sp.closed)
		metrics.SocketsClosed.WithLabelValues(strconv.Itoa(code)).Inc()
	})
}

func (sp *SocketPair) readLoop() {
	defer func() {
		sp.Close(protocol.CloseNormal, "")
		if sp.onClose != nil {
			sp.onClose(sp)
		}
	}()

	// Decode rejects frames over MaxFrameSize, which closes with 4009. The
	// transport limit sits above it and only bounds the reader.
	sp.conn.SetReadLimit(2 * protocol.MaxFrameSize)
	sp.conn.SetReadDeadline(time.Now().Add(sp.pongTimeout))
	sp.conn.SetPongHandler(func(string) error {
		return sp.conn.SetReadDeadline(time.Now().Add(sp.pongTimeout))
	})

	for {
		_, data, err := sp.conn.ReadMessage()
		if err != nil {
			if stderrors.Is(err, websocket.ErrReadLimit) {
				sp.Close(protocol.CloseProtocolError, "frame too large")
				return
			}
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				sp.logger.Debug("socket read ended", slog.String("error", err.Error()))
			}
			return
		}
		sp.conn.SetReadDeadline(time.Now().Add(sp.pongTimeout))

		frame, err := protocol.Decode(data)
		if err != nil {
			sp.logger.Warn("malformed frame", slog.String("error", err.Error()))
			sp.Close(protocol.CloseProtocolError, "malformed frame")
			return
		}

		if sp.onFrame != nil {
			sp.onFrame(sp, frame, data)
		}
	}
}

func (sp *SocketPair) writeLoop() {
	ticker := time.NewTicker(sp.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case data := <-sp.send:
			sp.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := sp.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				sp.logger.Debug("socket write failed", slog.String("error", err.Error()))
				sp.Close(protocol.CloseNormal, "")
				sp.conn.Close()
				return
			}
		case <-ticker.C:
			if err := sp.conn.WriteControl(websocket.PingMessage, nil, time.Now().Add(writeTimeout)); err != nil {
				sp.Close(protocol.CloseNormal, "")
				sp.conn.Close()
				return
			}
		case <-sp.closed:
			sp.drain()
			sp.conn.Close()
			return
		}
	}
}

// drain flushes frames already accepted into the queue, bounded by
// drainTimeout, so a graceful close does not lose an auth.ok or a terminal.
func (sp *SocketPair) drain() {
	deadline := time.Now().Add(drainTimeout)
	for {
		select {
		case data := <-sp.send:
			sp.conn.SetWriteDeadline(deadline)
			if err := sp.conn.WriteMessage(websocket.TextMessage, data); err != nil {
				return
			}
			if time.Now().After(deadline) {
				return
			}
		default:
			return
		}
	}
}
