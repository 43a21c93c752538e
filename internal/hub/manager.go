package hub

import (
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/openclaw/openclaw-cloud/internal/auth"
	"github.com/openclaw/openclaw-cloud/internal/logger"
	"github.com/openclaw/openclaw-cloud/internal/storage"
)

const reapInterval = 30 * time.Second

// Manager owns the per-user hub map. Hubs are created on demand by the
// first connection and reaped after the quiescence window with no sockets.
type Manager struct {
	store      storage.Store
	authCtx    *auth.AuthContext
	logger     *logger.Logger
	opts       Options
	quiescence time.Duration

	mu   sync.RWMutex
	hubs map[string]*Hub

	stop    chan struct{}
	stopped chan struct{}
}

// NewManager creates a manager and starts its reaper.
func NewManager(store storage.Store, authCtx *auth.AuthContext, log *logger.Logger, opts Options, quiescence time.Duration) *Manager {
	m := &Manager{
		store:      store,
		authCtx:    authCtx,
		logger:     log.WithComponent("hub-manager"),
		opts:       opts,
		quiescence: quiescence,
		hubs:       make(map[string]*Hub),
		stop:       make(chan struct{}),
		stopped:    make(chan struct{}),
	}
	go m.reapLoop()
	return m
}

// GetOrCreate returns the user's hub, creating it on first use.
func (m *Manager) GetOrCreate(userID string) *Hub {
	m.mu.Lock()
	defer m.mu.Unlock()

	if h, ok := m.hubs[userID]; ok {
		return h
	}
	h := New(userID, m.store, m.authCtx, m.logger, m.opts)
	m.hubs[userID] = h
	m.logger.Info("hub created", slog.String("user_id", userID))
	return h
}

// Get returns the user's hub or nil when none is live on this node.
func (m *Manager) Get(userID string) *Hub {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.hubs[userID]
}

// Count returns the number of live hubs.
func (m *Manager) Count() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.hubs)
}

// HubStatus returns the JSON status of a locally owned hub. Implements the
// cluster relay's local lookup.
func (m *Manager) HubStatus(userID string) (json.RawMessage, bool) {
	h := m.Get(userID)
	if h == nil {
		return nil, false
	}
	s, err := h.Status()
	if err != nil {
		return nil, false
	}
	raw, err := json.Marshal(s)
	if err != nil {
		return nil, false
	}
	return raw, true
}

// DeliverToPlugin injects a frame into a locally owned hub's plugin socket.
// Implements the cluster relay's local delivery.
func (m *Manager) DeliverToPlugin(userID string, frame []byte) (bool, error) {
	h := m.Get(userID)
	if h == nil {
		return false, nil
	}
	return true, h.SendToPlugin(frame)
}

func (m *Manager) reapLoop() {
	defer close(m.stopped)
	ticker := time.NewTicker(reapInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stop:
			return
		case <-ticker.C:
			m.reap()
		}
	}
}

func (m *Manager) reap() {
	m.mu.Lock()
	var idle []*Hub
	for userID, h := range m.hubs {
		if h.Idle(m.quiescence) {
			idle = append(idle, h)
			delete(m.hubs, userID)
		}
	}
	m.mu.Unlock()

	for _, h := range idle {
		m.logger.Info("reaping idle hub", slog.String("user_id", h.UserID()))
		h.Shutdown()
	}
}

// Shutdown stops the reaper and shuts down every hub. Blocks until all hub
// executors have exited.
func (m *Manager) Shutdown() {
	close(m.stop)
	<-m.stopped

	m.mu.Lock()
	hubs := make([]*Hub, 0, len(m.hubs))
	for userID, h := range m.hubs {
		hubs = append(hubs, h)
		delete(m.hubs, userID)
	}
	m.mu.Unlock()

	var wg sync.WaitGroup
	for _, h := range hubs {
		wg.Add(1)
		go func(h *Hub) {
			defer wg.Done()
			h.Shutdown()
		}(h)
	}
	wg.Wait()
}
