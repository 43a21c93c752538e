// Package cluster relays hub RPCs between nodes over NATS. A hub is a
// cluster-wide singleton: its sockets live on exactly one node. When an HTTP
// request for a user's hub lands on a node that does not own it, the relay
// broadcasts the request; only the owning node replies.
package cluster

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/openclaw/openclaw-cloud/internal/errors"
	"github.com/openclaw/openclaw-cloud/internal/logger"
)

const (
	hubRPCSubject = "hub.rpc"
	rpcTimeout    = 5 * time.Second
)

// RPC operation names.
const (
	opStatus = "status"
	opSend   = "send"
)

// Local is the node-local hub lookup the relay answers requests from.
// The hub manager implements it.
type Local interface {
	// HubStatus returns the JSON status of a locally owned hub.
	HubStatus(userID string) (json.RawMessage, bool)
	// DeliverToPlugin injects a frame into a locally owned hub. found is
	// false when this node does not own the user's hub.
	DeliverToPlugin(userID string, frame []byte) (found bool, err error)
}

type rpcRequest struct {
	Op     string          `json:"op"`
	UserID string          `json:"user_id"`
	Frame  json.RawMessage `json:"frame,omitempty"`
}

type rpcResponse struct {
	Found      bool            `json:"found"`
	Status     json.RawMessage `json:"status,omitempty"`
	Error      string          `json:"error,omitempty"`
	InstanceID string          `json:"instance_id"`
}

// Relay handles cross-node hub RPCs. Nil-safe: a nil *Relay means
// single-node mode and every remote lookup misses.
type Relay struct {
	nc           *nats.Conn
	local        Local
	logger       *logger.Logger
	instanceID   string
	subscription *nats.Subscription
}

// New creates a relay. Returns nil when NATS is not configured.
func New(nc *nats.Conn, local Local, log *logger.Logger, instanceID string) *Relay {
	if nc == nil {
		return nil
	}
	return &Relay{
		nc:         nc,
		local:      local,
		logger:     log.WithComponent("cluster-relay"),
		instanceID: instanceID,
	}
}

// Start subscribes to the hub RPC subject. Call once during startup.
func (r *Relay) Start() error {
	if r == nil {
		return nil
	}
	sub, err := r.nc.Subscribe(hubRPCSubject, r.handleRequest)
	if err != nil {
		return fmt.Errorf("failed to subscribe to %s: %w", hubRPCSubject, err)
	}
	r.subscription = sub
	r.logger.Info("cluster relay started",
		slog.String("subject", hubRPCSubject),
		slog.String("instance_id", r.instanceID))
	return nil
}

// Stop drains the subscription.
func (r *Relay) Stop() error {
	if r == nil || r.subscription == nil {
		return nil
	}
	if err := r.subscription.Drain(); err != nil {
		return fmt.Errorf("failed to drain subscription: %w", err)
	}
	r.logger.Info("cluster relay stopped")
	return nil
}

// Status asks the cluster for a remote hub's status. found is false when no
// node owns a hub for the user.
func (r *Relay) Status(ctx context.Context, userID string) (json.RawMessage, bool, error) {
	resp, err := r.request(ctx, rpcRequest{Op: opStatus, UserID: userID})
	if err != nil || resp == nil {
		return nil, false, err
	}
	if !resp.Found {
		return nil, false, nil
	}
	return resp.Status, true, nil
}

// Send delivers a frame to a remote hub's plugin socket. found is false when
// no node owns a hub for the user.
func (r *Relay) Send(ctx context.Context, userID string, frame []byte) (bool, error) {
	resp, err := r.request(ctx, rpcRequest{Op: opSend, UserID: userID, Frame: frame})
	if err != nil || resp == nil {
		return false, err
	}
	if !resp.Found {
		return false, nil
	}
	if resp.Error != "" {
		return true, fmt.Errorf("remote hub on %s: %s", resp.InstanceID, resp.Error)
	}
	return true, nil
}

// request broadcasts an RPC and waits for the owning node. A timeout means
// no node owns the hub; that is a miss, not an error.
func (r *Relay) request(ctx context.Context, req rpcRequest) (*rpcResponse, error) {
	if r == nil {
		return nil, nil
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	reqCtx, cancel := context.WithTimeout(ctx, rpcTimeout)
	defer cancel()

	msg, err := r.nc.RequestWithContext(reqCtx, hubRPCSubject, data)
	if err != nil {
		if stderrors.Is(err, nats.ErrNoResponders) ||
			stderrors.Is(err, nats.ErrTimeout) ||
			stderrors.Is(err, context.DeadlineExceeded) {
			return nil, nil
		}
		if stderrors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, fmt.Errorf("hub rpc failed: %w", err)
	}

	var resp rpcResponse
	if err := json.Unmarshal(msg.Data, &resp); err != nil {
		return nil, fmt.Errorf("failed to unmarshal response: %w", err)
	}
	return &resp, nil
}

// handleRequest answers RPCs for hubs this node owns. Requests for hubs
// owned elsewhere are ignored so the owning node can reply.
func (r *Relay) handleRequest(msg *nats.Msg) {
	var req rpcRequest
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		r.logger.Warn("received invalid hub rpc", slog.String("error", err.Error()))
		return
	}

	switch req.Op {
	case opStatus:
		status, found := r.local.HubStatus(req.UserID)
		if !found {
			return
		}
		r.reply(msg, rpcResponse{Found: true, Status: status, InstanceID: r.instanceID})

	case opSend:
		found, err := r.local.DeliverToPlugin(req.UserID, req.Frame)
		if !found {
			return
		}
		resp := rpcResponse{Found: true, InstanceID: r.instanceID}
		if err != nil {
			if errors.Is(err, errors.ErrNotFound) {
				resp.Error = "no plugin attached"
			} else {
				resp.Error = err.Error()
			}
		}
		r.reply(msg, resp)

	default:
		r.logger.Warn("unknown hub rpc op", slog.String("op", req.Op))
	}
}

func (r *Relay) reply(msg *nats.Msg, resp rpcResponse) {
	data, err := json.Marshal(resp)
	if err != nil {
		r.logger.Error("failed to marshal response", slog.String("error", err.Error()))
		return
	}
	if err := msg.Respond(data); err != nil {
		r.logger.Error("failed to send response", slog.String("error", err.Error()))
	}
}
