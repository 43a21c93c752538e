// Package hub implements the per-user connection hub: one optional plugin
// socket, any number of client sockets, and the in-memory session, stream,
// and job state between them. Each hub runs a single executor goroutine;
// every state mutation happens there, so the components carry no locks and
// frame handling is observably ordered.
package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/openclaw/openclaw-cloud/internal/auth"
	"github.com/openclaw/openclaw-cloud/internal/errors"
	"github.com/openclaw/openclaw-cloud/internal/logger"
	"github.com/openclaw/openclaw-cloud/internal/metrics"
	"github.com/openclaw/openclaw-cloud/internal/protocol"
	"github.com/openclaw/openclaw-cloud/internal/storage"
)

const (
	stallCheckInterval = 5 * time.Second
	storeTimeout       = 10 * time.Second
)

// Options are the hub tunables, normally taken from config.
type Options struct {
	MailboxSize       int
	WriterQueueSize   int
	ClientAuthTimeout time.Duration
	PingInterval      time.Duration
	PongTimeout       time.Duration
	StreamStallAfter  time.Duration
	SessionWindow     int
}

// DefaultOptions returns the production defaults.
func DefaultOptions() Options {
	return Options{
		MailboxSize:       1024,
		WriterQueueSize:   256,
		ClientAuthTimeout: 5 * time.Second,
		PingInterval:      30 * time.Second,
		PongTimeout:       90 * time.Second,
		StreamStallAfter:  60 * time.Second,
		SessionWindow:     defaultSessionWindow,
	}
}

// connState is the hub's view of the plugin side, replayed to every freshly
// authed client.
type connState struct {
	openclawConnected bool
	defaultModel      string
	models            []protocol.ModelInfo
	sessionModels     map[string]string
	lastModelsRaw     []byte
}

type clientConn struct {
	conn       Conn
	authed     bool
	attachedAt time.Time
}

// Status is the hub snapshot served over the HTTP surface.
type Status struct {
	UserID            string `json:"userId"`
	PluginConnected   bool   `json:"pluginConnected"`
	OpenclawConnected bool   `json:"openclawConnected"`
	Clients           int    `json:"clients"`
	ActiveStreams     int    `json:"activeStreams"`
	DefaultModel      string `json:"defaultModel,omitempty"`
}

// Hub coordinates one user's sockets and in-memory state.
type Hub struct {
	userID  string
	store   storage.Store
	authCtx *auth.AuthContext
	logger  *logger.Logger
	opts    Options

	mailbox chan func()
	ctx     context.Context
	cancel  context.CancelFunc
	done    chan struct{}

	retry *RetryQueue

	// Executor-owned state. Touched only from run().
	plugin   Conn
	clients  map[string]*clientConn
	sessions *SessionRegistry
	streams  *StreamStager
	jobs     *JobRegistry
	router   *Router
	state    connState

	now func() time.Time

	// Read by the manager without going through the executor.
	socketCount atomic.Int32
	emptySince  atomic.Int64 // unix nano, 0 while occupied
}

// New creates a hub and starts its executor.
func New(userID string, store storage.Store, authCtx *auth.AuthContext, log *logger.Logger, opts Options) *Hub {
	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		userID:   userID,
		store:    store,
		authCtx:  authCtx,
		logger:   log.WithComponent("hub").With(slog.String("user_id", userID)),
		opts:     opts,
		mailbox:  make(chan func(), opts.MailboxSize),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
		clients:  make(map[string]*clientConn),
		sessions: NewSessionRegistry(opts.SessionWindow),
		streams:  NewStreamStager(opts.StreamStallAfter),
		jobs:     NewJobRegistry(userID),
		now:      time.Now,
	}
	h.state.sessionModels = make(map[string]string)
	h.router = &Router{h: h}
	h.retry = NewRetryQueue(ctx, log)
	h.emptySince.Store(h.now().UnixNano())

	go h.run()
	metrics.HubsActive.Inc()
	return h
}

func (h *Hub) UserID() string { return h.userID }

func (h *Hub) run() {
	defer close(h.done)
	ticker := time.NewTicker(stallCheckInterval)
	defer ticker.Stop()

	for {
		select {
		case fn := <-h.mailbox:
			fn()
		case <-ticker.C:
			h.reapStalledStreams()
		case <-h.ctx.Done():
			h.closeAll()
			return
		}
	}
}

// post serializes work onto the executor. Overflow closes the offending
// socket with 4008 rather than silently dropping a state change.
func (h *Hub) post(source Conn, fn func()) {
	select {
	case h.mailbox <- fn:
	default:
		h.logger.Error("hub mailbox overflow")
		if source != nil {
			source.Close(protocol.CloseOverloaded, "hub overloaded")
		}
	}
}

// postWait runs fn on the executor and blocks until it finishes.
func (h *Hub) postWait(fn func()) error {
	doneCh := make(chan struct{})
	wrapped := func() {
		defer close(doneCh)
		fn()
	}
	select {
	case h.mailbox <- wrapped:
	case <-h.ctx.Done():
		return errors.ErrClosed
	}
	select {
	case <-doneCh:
		return nil
	case <-h.ctx.Done():
		return errors.ErrClosed
	}
}

// Shutdown stops the executor and closes every socket. Blocks until the
// executor has exited.
func (h *Hub) Shutdown() {
	h.cancel()
	<-h.done
	metrics.HubsActive.Dec()
}

// Idle reports whether the hub has had no sockets for at least quiet.
func (h *Hub) Idle(quiet time.Duration) bool {
	if h.socketCount.Load() != 0 {
		return false
	}
	since := h.emptySince.Load()
	return since != 0 && time.Since(time.Unix(0, since)) >= quiet
}

// SocketConfig returns the wiring for a new SocketPair attached to this hub.
func (h *Hub) SocketConfig(role Role, connID, remoteIP string) SocketPairConfig {
	return SocketPairConfig{
		ID:           connID,
		Role:         role,
		RemoteIP:     remoteIP,
		PingInterval: h.opts.PingInterval,
		PongTimeout:  h.opts.PongTimeout,
		OnFrame:      h.handleFrame,
		OnClose:      h.handleSocketClose,
		Logger:       h.logger,
	}
}

// WriterQueueSize exposes the configured per-socket writer queue size.
func (h *Hub) WriterQueueSize() int { return h.opts.WriterQueueSize }

func (h *Hub) handleFrame(sp *SocketPair, frame protocol.Frame, raw []byte) {
	h.post(sp, func() {
		h.dispatch(sp, frame, raw)
	})
}

func (h *Hub) handleSocketClose(sp *SocketPair) {
	h.Detach(sp)
}

// Detach removes a socket from the hub. Safe to call for sockets the hub no
// longer tracks.
func (h *Hub) Detach(conn Conn) {
	select {
	case h.mailbox <- func() { h.detach(conn) }:
	case <-h.ctx.Done():
	}
}

// AttachPlugin installs conn as the user's plugin socket, replacing any
// previous one with close code 4010.
func (h *Hub) AttachPlugin(conn Conn) error {
	return h.postWait(func() { h.attachPlugin(conn) })
}

// AttachClient installs conn in handshaking state. The first frame must be
// auth within the auth timeout or the socket closes with 4001.
func (h *Hub) AttachClient(conn Conn) error {
	return h.postWait(func() { h.attachClient(conn) })
}

// Dispatch routes one decoded frame from an attached socket. Exported for
// the manager's cluster relay; normal traffic arrives via SocketPair.
func (h *Hub) Dispatch(conn Conn, frame protocol.Frame, raw []byte) {
	h.post(conn, func() { h.dispatch(conn, frame, raw) })
}

func (h *Hub) dispatch(conn Conn, frame protocol.Frame, raw []byte) {
	metrics.FramesRouted.WithLabelValues(string(conn.Role()), frame.FrameType()).Inc()
	switch conn.Role() {
	case RolePlugin:
		if h.plugin == nil || h.plugin.ID() != conn.ID() {
			// Frame from a replaced plugin socket still draining.
			metrics.FramesDropped.WithLabelValues("stale_socket").Inc()
			return
		}
		h.router.FromPlugin(frame, raw)
	case RoleClient:
		cc, ok := h.clients[conn.ID()]
		if !ok {
			metrics.FramesDropped.WithLabelValues("stale_socket").Inc()
			return
		}
		h.router.FromClient(cc, frame, raw)
	}
}

func (h *Hub) attachPlugin(conn Conn) {
	if h.plugin != nil {
		h.logger.Info("plugin replaced",
			slog.String("old_conn_id", h.plugin.ID()),
			slog.String("new_conn_id", conn.ID()))
		h.plugin.Close(protocol.ClosePluginReplaced, "plugin replaced")
	} else {
		h.socketCount.Add(1)
		h.emptySince.Store(0)
		metrics.PluginSocketsActive.Inc()
	}

	h.plugin = conn
	h.state.openclawConnected = true

	h.logger.Info("plugin attached", slog.String("conn_id", conn.ID()))
	h.broadcast(h.connectionStatusFrame(), true)
}

func (h *Hub) attachClient(conn Conn) {
	cc := &clientConn{conn: conn, attachedAt: h.now()}
	h.clients[conn.ID()] = cc
	h.socketCount.Add(1)
	h.emptySince.Store(0)
	metrics.ClientSocketsActive.Inc()

	h.logger.Debug("client attached", slog.String("conn_id", conn.ID()))

	connID := conn.ID()
	time.AfterFunc(h.opts.ClientAuthTimeout, func() {
		h.post(conn, func() {
			if cc, ok := h.clients[connID]; ok && !cc.authed {
				h.logger.Debug("client auth timeout", slog.String("conn_id", connID))
				cc.conn.Close(protocol.CloseAuthFailure, "auth timeout")
			}
		})
	})
}

func (h *Hub) detach(conn Conn) {
	if h.plugin != nil && h.plugin.ID() == conn.ID() {
		h.plugin = nil
		h.state.openclawConnected = false
		h.socketCount.Add(-1)
		metrics.PluginSocketsActive.Dec()
		h.logger.Info("plugin detached", slog.String("conn_id", conn.ID()))

		h.broadcast(&protocol.Disconnected{}, true)
		for _, st := range h.streams.DrainAll() {
			h.emitSyntheticTerminal(st, "openclaw disconnected")
		}
	} else if _, ok := h.clients[conn.ID()]; ok {
		delete(h.clients, conn.ID())
		h.socketCount.Add(-1)
		metrics.ClientSocketsActive.Dec()
		h.logger.Debug("client detached", slog.String("conn_id", conn.ID()))
	} else {
		return
	}

	if h.socketCount.Load() == 0 {
		h.emptySince.Store(h.now().UnixNano())
	}
}

func (h *Hub) closeAll() {
	if h.plugin != nil {
		h.plugin.Close(protocol.CloseNormal, "shutting down")
		h.plugin = nil
	}
	for id, cc := range h.clients {
		cc.conn.Close(protocol.CloseNormal, "shutting down")
		delete(h.clients, id)
	}
}

// reapStalledStreams finalizes streams with no progress inside the stall
// window by emitting a synthetic terminal with the accumulated buffer.
func (h *Hub) reapStalledStreams() {
	for _, st := range h.streams.Stalled() {
		h.logger.Warn("stream stalled",
			slog.String("run_id", st.RunID),
			slog.String("session_key", st.SessionKey))
		h.emitSyntheticTerminal(st, "stream timed out")
	}
}

// emitSyntheticTerminal persists and fans a terminal agent.text built from
// an interrupted stream's buffer plus an error marker.
func (h *Hub) emitSyntheticTerminal(st *StreamState, reason string) {
	text := st.Buffer
	if text != "" {
		text += "\n\n"
	}
	text += "[" + reason + "]"

	frame := &protocol.AgentText{
		SessionKey: st.SessionKey,
		Text:       text,
		MessageID:  uuid.New().String(),
		RunID:      st.RunID,
		ThreadID:   st.ThreadID,
	}

	msg := h.messageFromAgentText(frame)
	if err := h.persistMessage(msg); err != nil {
		h.logger.Error("synthetic terminal rejected", slog.String("error", err.Error()))
		return
	}
	h.broadcast(frame, true)
}

// broadcast fans a frame to every authed client. critical selects the
// backpressure policy: close the slow socket for state-carrying frames,
// drop for snapshot chunks.
func (h *Hub) broadcast(frame protocol.Frame, critical bool) {
	raw, err := protocol.Encode(frame)
	if err != nil {
		h.logger.Error("broadcast encode failed", slog.String("error", err.Error()))
		return
	}
	h.broadcastRaw(raw, critical)
}

func (h *Hub) broadcastRaw(raw []byte, critical bool) {
	for _, cc := range h.clients {
		if !cc.authed {
			continue
		}
		h.sendToClient(cc, raw, critical)
	}
}

func (h *Hub) sendToClient(cc *clientConn, raw []byte, critical bool) {
	err := cc.conn.SendRaw(raw)
	if err == nil {
		return
	}
	if errors.Is(err, errors.ErrBackpressure) {
		if critical {
			h.logger.Warn("slow client disconnected", slog.String("conn_id", cc.conn.ID()))
			cc.conn.Close(protocol.CloseOverloaded, "send queue full")
		} else {
			metrics.FramesDropped.WithLabelValues("backpressure").Inc()
		}
		return
	}
	// Closed socket; detach arrives via its close callback.
}

// forwardToPlugin relays raw client bytes to the plugin socket.
func (h *Hub) forwardToPlugin(cc *clientConn, raw []byte) bool {
	if h.plugin == nil {
		metrics.FramesDropped.WithLabelValues("no_plugin").Inc()
		h.sendError(cc, "openclaw not connected", "no_plugin")
		return false
	}
	if err := h.plugin.SendRaw(raw); err != nil {
		if errors.Is(err, errors.ErrBackpressure) {
			h.logger.Warn("plugin send queue full, disconnecting plugin")
			h.plugin.Close(protocol.CloseOverloaded, "send queue full")
		}
		h.sendError(cc, "openclaw not reachable", "plugin_send_failed")
		return false
	}
	return true
}

func (h *Hub) sendError(cc *clientConn, message, code string) {
	raw, err := protocol.Encode(&protocol.ErrorFrame{Message: message, Code: code})
	if err != nil {
		return
	}
	h.sendToClient(cc, raw, true)
}

// authenticateClient validates the first client frame and, on success,
// replays the post-auth sequence: auth.ok, connection.status, models.list,
// then any in-flight streams.
func (h *Hub) authenticateClient(cc *clientConn, frame *protocol.Auth) {
	userID, err := h.authCtx.Validate(frame.Token)
	if err != nil || userID != h.userID {
		h.logger.Debug("client auth rejected", slog.String("conn_id", cc.conn.ID()))
		cc.conn.Close(protocol.CloseAuthFailure, "invalid token")
		return
	}

	cc.authed = true
	h.logger.Info("client authed", slog.String("conn_id", cc.conn.ID()))

	h.replay(cc)
}

func (h *Hub) replay(cc *clientConn) {
	frames := []protocol.Frame{
		&protocol.AuthOK{UserID: h.userID, ConnectedAt: h.now().UnixMilli()},
		h.connectionStatusFrame(),
	}
	for _, f := range frames {
		raw, err := protocol.Encode(f)
		if err != nil {
			continue
		}
		h.sendToClient(cc, raw, true)
	}

	h.sendToClient(cc, h.modelsListRaw(), true)

	for _, st := range h.streams.Active() {
		start, err := protocol.Encode(&protocol.StreamStart{
			RunID:      st.RunID,
			SessionKey: st.SessionKey,
			ThreadID:   st.ThreadID,
		})
		if err == nil {
			h.sendToClient(cc, start, true)
		}
		if st.Buffer == "" {
			continue
		}
		chunk, err := protocol.Encode(&protocol.StreamChunk{
			RunID:      st.RunID,
			SessionKey: st.SessionKey,
			Text:       st.Buffer,
		})
		if err == nil {
			h.sendToClient(cc, chunk, true)
		}
	}
}

func (h *Hub) connectionStatusFrame() *protocol.ConnectionStatus {
	return &protocol.ConnectionStatus{
		OpenclawConnected: h.state.openclawConnected,
		DefaultModel:      h.state.defaultModel,
		Models:            h.state.models,
	}
}

// modelsListRaw returns the last models.list the plugin sent, or a
// synthesized one from connection state when none has been seen yet.
func (h *Hub) modelsListRaw() []byte {
	if h.state.lastModelsRaw != nil {
		return h.state.lastModelsRaw
	}
	models := h.state.models
	if models == nil {
		models = []protocol.ModelInfo{}
	}
	raw, err := json.Marshal(struct {
		Type         string               `json:"type"`
		Models       []protocol.ModelInfo `json:"models"`
		DefaultModel string               `json:"defaultModel,omitempty"`
	}{protocol.TypeModelsList, models, h.state.defaultModel})
	if err != nil {
		return []byte(`{"type":"models.list","models":[]}`)
	}
	return raw
}

func (h *Hub) messageFromAgentText(f *protocol.AgentText) *storage.Message {
	_, threadID := protocol.SplitSessionKey(f.SessionKey)
	if f.ThreadID != "" {
		threadID = f.ThreadID
	}
	return &storage.Message{
		ID:         f.MessageID,
		SessionKey: f.SessionKey,
		Sender:     "agent",
		Text:       f.Text,
		ThreadID:   threadID,
		Encrypted:  f.Encrypted,
		Timestamp:  h.now().UnixMilli(),
	}
}

// persistMessage writes one message through the store. Missing thread roots
// reject the message; transient failures keep the in-memory state and go to
// the retry queue so clients keep a consistent view.
func (h *Hub) persistMessage(msg *storage.Message) error {
	ctx, cancel := context.WithTimeout(h.ctx, storeTimeout)
	err := h.store.AppendMessage(ctx, msg)
	cancel()

	if err == nil {
		h.sessions.Append(*msg)
		metrics.MessagesPersisted.Inc()
		return nil
	}
	if errors.Is(err, errors.ErrNotFound) {
		return err
	}

	h.logger.Error("message persist failed, scheduling retry",
		slog.String("message_id", msg.ID),
		slog.String("error", err.Error()))
	h.sessions.Append(*msg)
	m := *msg
	h.retry.Enqueue("append message "+m.ID, err, func(ctx context.Context) error {
		return h.store.AppendMessage(ctx, &m)
	})
	return nil
}

// persistJob writes a terminal job row through the store with the same
// retry policy as persistMessage.
func (h *Hub) persistJob(job *storage.Job) {
	ctx, cancel := context.WithTimeout(h.ctx, storeTimeout)
	err := h.store.UpsertJob(ctx, job)
	cancel()

	if err == nil {
		return
	}
	if errors.Is(err, errors.ErrStateConflict) {
		h.logger.Warn("job persist conflict",
			slog.String("job_id", job.ID),
			slog.String("status", job.Status))
		return
	}

	h.logger.Error("job persist failed, scheduling retry",
		slog.String("job_id", job.ID),
		slog.String("error", err.Error()))
	j := *job
	h.retry.Enqueue("upsert job "+j.ID, err, func(ctx context.Context) error {
		return h.store.UpsertJob(ctx, &j)
	})
}

// Status snapshots the hub over the executor.
func (h *Hub) Status() (Status, error) {
	var s Status
	err := h.postWait(func() {
		s = Status{
			UserID:            h.userID,
			PluginConnected:   h.plugin != nil,
			OpenclawConnected: h.state.openclawConnected,
			Clients:           len(h.clients),
			ActiveStreams:     len(h.streams.Active()),
			DefaultModel:      h.state.defaultModel,
		}
	})
	return s, err
}

// SendToPlugin injects an encoded frame into the plugin socket, for the
// HTTP send surface and the cluster relay.
func (h *Hub) SendToPlugin(raw []byte) error {
	if _, err := protocol.Decode(raw); err != nil {
		return err
	}
	var sendErr error
	err := h.postWait(func() {
		if h.plugin == nil {
			sendErr = fmt.Errorf("no plugin attached: %w", errors.ErrNotFound)
			return
		}
		sendErr = h.plugin.SendRaw(raw)
	})
	if err != nil {
		return err
	}
	return sendErr
}

// History serves a session's messages, preferring the in-memory tail and
// falling back to the store. Reply counts always come from the store read
// when one happens; the cache otherwise.
func (h *Hub) History(ctx context.Context, sessionKey, threadID string, limit int) (*storage.MessagePage, error) {
	key := sessionKey
	if threadID != "" {
		key = protocol.ThreadSessionKey(sessionKey, threadID)
	}

	var cached []storage.Message
	var counts map[string]int
	if err := h.postWait(func() {
		cached = h.sessions.Recent(key, limit)
		counts = h.sessions.ReplyCounts(key)
	}); err != nil {
		return nil, err
	}
	if cached != nil && (limit <= 0 || len(cached) >= limit) {
		return &storage.MessagePage{Messages: cached, ReplyCounts: counts}, nil
	}

	page, err := h.store.ListMessages(ctx, sessionKey, threadID, limit)
	if err != nil {
		return nil, err
	}
	// Cache warming is best effort; the page is already complete.
	_ = h.postWait(func() { h.sessions.Warm(key, page) })
	return page, nil
}
