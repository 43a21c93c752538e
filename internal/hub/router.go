package hub

import (
	"log/slog"

	"github.com/openclaw/openclaw-cloud/internal/errors"
	"github.com/openclaw/openclaw-cloud/internal/metrics"
	"github.com/openclaw/openclaw-cloud/internal/protocol"
	"github.com/openclaw/openclaw-cloud/internal/storage"
)

// Router classifies frames by origin and type and applies the hub's state
// transitions. It runs on the hub executor; every method here may touch
// executor-owned state freely.
type Router struct {
	h *Hub
}

// FromPlugin dispatches one frame read off the plugin socket.
func (r *Router) FromPlugin(frame protocol.Frame, raw []byte) {
	h := r.h

	switch f := frame.(type) {
	case *protocol.ConnectionStatus:
		h.state.openclawConnected = f.OpenclawConnected
		if f.DefaultModel != "" {
			h.state.defaultModel = f.DefaultModel
		}
		if f.Models != nil {
			h.state.models = f.Models
			h.state.lastModelsRaw = nil
		}
		h.broadcastRaw(raw, true)

	case *protocol.StreamStart:
		if err := h.streams.Start(f.RunID, f.SessionKey, f.ThreadID); err != nil {
			h.logger.Warn("duplicate stream start dropped",
				slog.String("run_id", f.RunID),
				slog.String("error", err.Error()))
			metrics.FramesDropped.WithLabelValues("state_conflict").Inc()
			return
		}
		h.broadcastRaw(raw, true)

	case *protocol.StreamChunk:
		if !h.streams.Chunk(f.RunID, f.Text) {
			// Stream already finalized; late chunks carry nothing new.
			metrics.FramesDropped.WithLabelValues("stream_closed").Inc()
			return
		}
		h.broadcastRaw(raw, false)

	case *protocol.StreamEnd:
		if !h.streams.End(f.RunID) {
			// Terminal text already cleared this run.
			return
		}
		h.broadcastRaw(raw, true)

	case *protocol.AgentText:
		h.streams.Finalize(f.RunID, f.SessionKey, f.ThreadID)
		msg := h.messageFromAgentText(f)
		if err := h.persistMessage(msg); err != nil {
			h.logger.Warn("agent text rejected",
				slog.String("message_id", f.MessageID),
				slog.String("error", err.Error()))
			metrics.FramesDropped.WithLabelValues("bad_thread").Inc()
			return
		}
		h.broadcastRaw(raw, true)

	case *protocol.AgentMedia:
		_, threadID := protocol.SplitSessionKey(f.SessionKey)
		msg := &storage.Message{
			ID:         f.MessageID,
			SessionKey: f.SessionKey,
			Sender:     "agent",
			Text:       f.Caption,
			MediaURL:   f.MediaURL,
			ThreadID:   threadID,
			Encrypted:  f.Encrypted,
			Timestamp:  h.now().UnixMilli(),
		}
		if err := h.persistMessage(msg); err != nil {
			metrics.FramesDropped.WithLabelValues("bad_thread").Inc()
			return
		}
		h.broadcastRaw(raw, true)

	case *protocol.AgentA2UI:
		_, threadID := protocol.SplitSessionKey(f.SessionKey)
		msg := &storage.Message{
			ID:         f.MessageID,
			SessionKey: f.SessionKey,
			Sender:     "agent",
			A2UI:       f.JSONL,
			ThreadID:   threadID,
			Timestamp:  h.now().UnixMilli(),
		}
		if err := h.persistMessage(msg); err != nil {
			metrics.FramesDropped.WithLabelValues("bad_thread").Inc()
			return
		}
		h.broadcastRaw(raw, true)

	case *protocol.JobUpdate:
		job, err := h.jobs.Update(f)
		if err != nil {
			h.logger.Warn("job update dropped",
				slog.String("job_id", f.JobID),
				slog.String("status", f.Status),
				slog.String("error", err.Error()))
			metrics.FramesDropped.WithLabelValues("state_conflict").Inc()
			return
		}
		if f.Terminal() {
			h.persistJob(job)
		}
		h.broadcastRaw(raw, true)

	case *protocol.JobOutput:
		if _, err := h.jobs.Output(f.JobID, f.Text); err != nil {
			h.logger.Debug("job output dropped",
				slog.String("job_id", f.JobID),
				slog.String("error", err.Error()))
			metrics.FramesDropped.WithLabelValues("state_conflict").Inc()
			return
		}
		h.broadcastRaw(raw, false)

	case *protocol.ModelChanged:
		h.state.sessionModels[f.SessionKey] = f.Model
		h.broadcastRaw(raw, true)

	case *protocol.SettingsDefaultModel:
		h.state.defaultModel = f.DefaultModel
		h.broadcastRaw(raw, true)

	case *protocol.ErrorFrame:
		h.logger.Warn("plugin error frame",
			slog.String("message", f.Message),
			slog.String("code", f.Code))
		h.broadcastRaw(raw, true)

	case *protocol.Opaque:
		if f.Type == protocol.TypeModelsList {
			h.state.lastModelsRaw = raw
		}
		h.broadcastRaw(raw, true)

	case *protocol.Unknown:
		h.logger.Warn("unknown plugin frame type", slog.String("type", f.Type))
		metrics.FramesDropped.WithLabelValues("unknown_type").Inc()

	default:
		h.logger.Warn("unexpected plugin frame", slog.String("type", frame.FrameType()))
		metrics.FramesDropped.WithLabelValues("unexpected_origin").Inc()
	}
}

// FromClient dispatches one frame read off a client socket. Before auth the
// only legal frame is auth; anything else closes the socket with 4001.
func (r *Router) FromClient(cc *clientConn, frame protocol.Frame, raw []byte) {
	h := r.h

	if !cc.authed {
		if f, ok := frame.(*protocol.Auth); ok {
			h.authenticateClient(cc, f)
		} else {
			h.logger.Debug("pre-auth frame rejected",
				slog.String("conn_id", cc.conn.ID()),
				slog.String("type", frame.FrameType()))
			cc.conn.Close(protocol.CloseAuthFailure, "auth required")
		}
		return
	}

	switch f := frame.(type) {
	case *protocol.UserMessage:
		r.userMessage(cc, f, raw)

	case *protocol.SettingsDefaultModel:
		h.forwardToPlugin(cc, raw)

	case *protocol.Auth:
		// Already authed; nothing to do.

	default:
		h.sendError(cc, "unknown type", "unknown_type")
		metrics.FramesDropped.WithLabelValues("unknown_type").Inc()
	}
}

// userMessage persists a client chat message and forwards it verbatim to
// the plugin. Delivery requires a live plugin; otherwise the frame is
// dropped and the client is told.
func (r *Router) userMessage(cc *clientConn, f *protocol.UserMessage, raw []byte) {
	h := r.h

	if f.SessionKey == "" || f.MessageID == "" {
		h.sendError(cc, "sessionKey and messageId are required", "bad_request")
		return
	}
	if h.plugin == nil {
		metrics.FramesDropped.WithLabelValues("no_plugin").Inc()
		h.sendError(cc, "openclaw not connected", "no_plugin")
		return
	}

	if f.Text != "" || f.MediaURL != "" {
		_, threadID := protocol.SplitSessionKey(f.SessionKey)
		msg := &storage.Message{
			ID:         f.MessageID,
			SessionKey: f.SessionKey,
			Sender:     "user",
			Text:       f.Text,
			MediaURL:   f.MediaURL,
			ThreadID:   threadID,
			Encrypted:  f.Encrypted,
			Timestamp:  h.now().UnixMilli(),
		}
		if err := h.persistMessage(msg); err != nil {
			if errors.Is(err, errors.ErrNotFound) {
				h.sendError(cc, "unknown thread root", "unknown_thread")
				return
			}
			return
		}
	}

	h.forwardToPlugin(cc, raw)
}
