package hub

import (
	"context"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/openclaw/openclaw-cloud/internal/auth"
	"github.com/openclaw/openclaw-cloud/internal/errors"
	"github.com/openclaw/openclaw-cloud/internal/logger"
	"github.com/openclaw/openclaw-cloud/internal/metrics"
	"github.com/openclaw/openclaw-cloud/internal/protocol"
	"github.com/openclaw/openclaw-cloud/internal/storage"
)

// fakeConn records everything the hub sends. full simulates a writer queue
// that rejects with ErrBackpressure.
type fakeConn struct {
	id   string
	role Role

	mu        sync.Mutex
	sent      [][]byte
	full      bool
	closed    bool
	closeCode int
}

func newFakeConn(id string, role Role) *fakeConn {
	return &fakeConn{id: id, role: role}
}

func (c *fakeConn) ID() string       { return c.id }
func (c *fakeConn) Role() Role       { return c.role }
func (c *fakeConn) RemoteIP() string { return "127.0.0.1" }

func (c *fakeConn) Send(frame protocol.Frame) error {
	data, err := protocol.Encode(frame)
	if err != nil {
		return err
	}
	return c.SendRaw(data)
}

func (c *fakeConn) SendRaw(data []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return errors.ErrClosed
	}
	if c.full {
		return errors.ErrBackpressure
	}
	c.sent = append(c.sent, data)
	return nil
}

func (c *fakeConn) Close(code int, reason string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.closed {
		c.closed = true
		c.closeCode = code
	}
}

func (c *fakeConn) isClosed() (bool, int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed, c.closeCode
}

func (c *fakeConn) setFull(full bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.full = full
}

func (c *fakeConn) sentTypes() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	types := make([]string, 0, len(c.sent))
	for _, raw := range c.sent {
		var probe struct {
			Type string `json:"type"`
		}
		json.Unmarshal(raw, &probe)
		types = append(types, probe.Type)
	}
	return types
}

func (c *fakeConn) lastFrame(t *testing.T) protocol.Frame {
	t.Helper()
	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.sent) == 0 {
		t.Fatal("no frames sent")
	}
	f, err := protocol.Decode(c.sent[len(c.sent)-1])
	if err != nil {
		t.Fatalf("decode sent frame: %v", err)
	}
	return f
}

// fakeStore covers the operations the hub touches. Anything else panics via
// the embedded nil interface.
type fakeStore struct {
	storage.Store

	mu        sync.Mutex
	messages  []storage.Message
	jobs      map[string]storage.Job
	appendErr error
}

func newFakeStore() *fakeStore {
	return &fakeStore{jobs: make(map[string]storage.Job)}
}

func (s *fakeStore) AppendMessage(ctx context.Context, msg *storage.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.appendErr != nil {
		return s.appendErr
	}
	s.messages = append(s.messages, *msg)
	return nil
}

func (s *fakeStore) UpsertJob(ctx context.Context, job *storage.Job) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.jobs[job.ID] = *job
	return nil
}

func (s *fakeStore) ListMessages(ctx context.Context, sessionKey, threadID string, limit int) (*storage.MessagePage, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	page := &storage.MessagePage{ReplyCounts: make(map[string]int)}
	key := sessionKey
	if threadID != "" {
		key = protocol.ThreadSessionKey(sessionKey, threadID)
	}
	for _, m := range s.messages {
		if m.SessionKey == key {
			page.Messages = append(page.Messages, m)
		}
	}
	return page, nil
}

func (s *fakeStore) messageCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.messages)
}

func (s *fakeStore) job(id string) (storage.Job, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[id]
	return j, ok
}

const testUser = "u1"

func newTestHub(t *testing.T) (*Hub, *fakeStore, *auth.AuthContext) {
	t.Helper()
	store := newFakeStore()
	authCtx := auth.NewAuthContext("test-secret", time.Hour, time.Minute, nil)
	log := logger.New(logger.Config{Format: "text"})

	opts := DefaultOptions()
	opts.ClientAuthTimeout = 200 * time.Millisecond

	h := New(testUser, store, authCtx, log, opts)
	t.Cleanup(h.Shutdown)
	return h, store, authCtx
}

// barrier waits until the executor has processed everything posted so far.
func barrier(t *testing.T, h *Hub) {
	t.Helper()
	if err := h.postWait(func() {}); err != nil {
		t.Fatalf("hub executor gone: %v", err)
	}
}

func mustEncode(t *testing.T, f protocol.Frame) []byte {
	t.Helper()
	data, err := protocol.Encode(f)
	if err != nil {
		t.Fatalf("encode: %v", err)
	}
	return data
}

func attachAuthedClient(t *testing.T, h *Hub, authCtx *auth.AuthContext, id string) *fakeConn {
	t.Helper()
	c := newFakeConn(id, RoleClient)
	if err := h.AttachClient(c); err != nil {
		t.Fatalf("attach client: %v", err)
	}
	token, err := authCtx.Mint(testUser, "")
	if err != nil {
		t.Fatalf("mint: %v", err)
	}
	frame := &protocol.Auth{Token: token}
	h.Dispatch(c, frame, mustEncode(t, frame))
	barrier(t, h)
	return c
}

func dispatchPlugin(t *testing.T, h *Hub, p *fakeConn, f protocol.Frame) {
	t.Helper()
	h.Dispatch(p, f, mustEncode(t, f))
}

func TestClientAuthReplaySequence(t *testing.T) {
	h, _, authCtx := newTestHub(t)

	c := attachAuthedClient(t, h, authCtx, "c1")

	types := c.sentTypes()
	want := []string{protocol.TypeAuthOK, protocol.TypeConnectionStatus, protocol.TypeModelsList}
	if len(types) < len(want) {
		t.Fatalf("expected at least %d frames, got %v", len(want), types)
	}
	for i, w := range want {
		if types[i] != w {
			t.Errorf("frame %d: got %s, want %s", i, types[i], w)
		}
	}
}

func TestClientBadTokenClosed(t *testing.T) {
	h, _, _ := newTestHub(t)

	c := newFakeConn("c1", RoleClient)
	if err := h.AttachClient(c); err != nil {
		t.Fatalf("attach client: %v", err)
	}
	frame := &protocol.Auth{Token: "garbage"}
	h.Dispatch(c, frame, mustEncode(t, frame))
	barrier(t, h)

	closed, code := c.isClosed()
	if !closed || code != protocol.CloseAuthFailure {
		t.Errorf("expected close 4001, got closed=%v code=%d", closed, code)
	}
}

func TestClientPreAuthFrameClosed(t *testing.T) {
	h, store, _ := newTestHub(t)

	c := newFakeConn("c1", RoleClient)
	if err := h.AttachClient(c); err != nil {
		t.Fatalf("attach client: %v", err)
	}
	frame := &protocol.UserMessage{SessionKey: "s1", Text: "hi", MessageID: "m1"}
	h.Dispatch(c, frame, mustEncode(t, frame))
	barrier(t, h)

	closed, code := c.isClosed()
	if !closed || code != protocol.CloseAuthFailure {
		t.Errorf("expected close 4001, got closed=%v code=%d", closed, code)
	}
	if store.messageCount() != 0 {
		t.Errorf("no messages should persist before auth, got %d", store.messageCount())
	}
}

func TestClientAuthTimeout(t *testing.T) {
	h, _, _ := newTestHub(t)

	c := newFakeConn("c1", RoleClient)
	if err := h.AttachClient(c); err != nil {
		t.Fatalf("attach client: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if closed, code := c.isClosed(); closed {
			if code != protocol.CloseAuthFailure {
				t.Fatalf("expected close 4001, got %d", code)
			}
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("client was not closed after auth timeout")
}

func TestUserMessagePersistedAndForwarded(t *testing.T) {
	h, store, authCtx := newTestHub(t)

	p := newFakeConn("p1", RolePlugin)
	if err := h.AttachPlugin(p); err != nil {
		t.Fatalf("attach plugin: %v", err)
	}
	c := attachAuthedClient(t, h, authCtx, "c1")

	frame := &protocol.UserMessage{SessionKey: "s1", Text: "hi", UserID: testUser, MessageID: "m1"}
	raw := mustEncode(t, frame)
	h.Dispatch(c, frame, raw)
	barrier(t, h)

	p.mu.Lock()
	forwarded := len(p.sent) == 1 && string(p.sent[0]) == string(raw)
	p.mu.Unlock()
	if !forwarded {
		t.Error("plugin should receive the identical frame bytes")
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.messages) != 1 {
		t.Fatalf("expected 1 persisted message, got %d", len(store.messages))
	}
	m := store.messages[0]
	if m.ID != "m1" || m.SessionKey != "s1" || m.Sender != "user" || m.Text != "hi" {
		t.Errorf("unexpected persisted message: %+v", m)
	}
}

func TestUserMessageWithoutPluginDropped(t *testing.T) {
	h, store, authCtx := newTestHub(t)

	c := attachAuthedClient(t, h, authCtx, "c1")

	frame := &protocol.UserMessage{SessionKey: "s1", Text: "hi", MessageID: "m1"}
	h.Dispatch(c, frame, mustEncode(t, frame))
	barrier(t, h)

	last, ok := c.lastFrame(t).(*protocol.ErrorFrame)
	if !ok || last.Code != "no_plugin" {
		t.Errorf("expected no_plugin error frame, got %#v", c.lastFrame(t))
	}
	if store.messageCount() != 0 {
		t.Errorf("message should not persist when plugin is absent, got %d", store.messageCount())
	}
}

func TestPluginReplacedCloses4010(t *testing.T) {
	h, _, _ := newTestHub(t)

	p1 := newFakeConn("p1", RolePlugin)
	p2 := newFakeConn("p2", RolePlugin)
	if err := h.AttachPlugin(p1); err != nil {
		t.Fatalf("attach plugin: %v", err)
	}
	if err := h.AttachPlugin(p2); err != nil {
		t.Fatalf("attach plugin: %v", err)
	}

	closed, code := p1.isClosed()
	if !closed || code != protocol.ClosePluginReplaced {
		t.Errorf("expected first plugin closed with 4010, got closed=%v code=%d", closed, code)
	}
	if closed, _ := p2.isClosed(); closed {
		t.Error("second plugin should stay open")
	}
}

func TestStreamFinalizedByAgentText(t *testing.T) {
	h, store, authCtx := newTestHub(t)

	p := newFakeConn("p1", RolePlugin)
	if err := h.AttachPlugin(p); err != nil {
		t.Fatalf("attach plugin: %v", err)
	}
	c := attachAuthedClient(t, h, authCtx, "c1")
	preamble := len(c.sentTypes())

	dispatchPlugin(t, h, p, &protocol.StreamStart{RunID: "r1", SessionKey: "s1"})
	dispatchPlugin(t, h, p, &protocol.StreamChunk{RunID: "r1", SessionKey: "s1", Text: "he"})
	dispatchPlugin(t, h, p, &protocol.StreamChunk{RunID: "r1", SessionKey: "s1", Text: "hello"})
	dispatchPlugin(t, h, p, &protocol.AgentText{SessionKey: "s1", Text: "hello!", MessageID: "m2", RunID: "r1"})
	barrier(t, h)

	// Late end for a cleared run must be a silent no-op.
	dispatchPlugin(t, h, p, &protocol.StreamEnd{RunID: "r1"})
	barrier(t, h)

	types := c.sentTypes()[preamble:]
	want := []string{
		protocol.TypeStreamStart,
		protocol.TypeStreamChunk,
		protocol.TypeStreamChunk,
		protocol.TypeAgentText,
	}
	if len(types) != len(want) {
		t.Fatalf("expected frames %v, got %v", want, types)
	}
	for i, w := range want {
		if types[i] != w {
			t.Errorf("frame %d: got %s, want %s", i, types[i], w)
		}
	}

	store.mu.Lock()
	defer store.mu.Unlock()
	if len(store.messages) != 1 || store.messages[0].ID != "m2" || store.messages[0].Text != "hello!" {
		t.Errorf("expected persisted final message m2, got %+v", store.messages)
	}
}

func TestStreamReplayToLateClient(t *testing.T) {
	h, _, authCtx := newTestHub(t)

	p := newFakeConn("p1", RolePlugin)
	if err := h.AttachPlugin(p); err != nil {
		t.Fatalf("attach plugin: %v", err)
	}
	dispatchPlugin(t, h, p, &protocol.StreamStart{RunID: "r1", SessionKey: "s1"})
	dispatchPlugin(t, h, p, &protocol.StreamChunk{RunID: "r1", SessionKey: "s1", Text: "partial"})
	barrier(t, h)

	c := attachAuthedClient(t, h, authCtx, "c1")
	types := c.sentTypes()
	want := []string{
		protocol.TypeAuthOK,
		protocol.TypeConnectionStatus,
		protocol.TypeModelsList,
		protocol.TypeStreamStart,
		protocol.TypeStreamChunk,
	}
	if len(types) != len(want) {
		t.Fatalf("expected frames %v, got %v", want, types)
	}
	chunk, ok := c.lastFrame(t).(*protocol.StreamChunk)
	if !ok || chunk.Text != "partial" {
		t.Errorf("expected replayed chunk with buffer, got %#v", c.lastFrame(t))
	}
}

func TestPluginDisconnectMidStream(t *testing.T) {
	h, store, authCtx := newTestHub(t)

	p := newFakeConn("p1", RolePlugin)
	if err := h.AttachPlugin(p); err != nil {
		t.Fatalf("attach plugin: %v", err)
	}
	c := attachAuthedClient(t, h, authCtx, "c1")
	preamble := len(c.sentTypes())

	dispatchPlugin(t, h, p, &protocol.StreamStart{RunID: "r1", SessionKey: "s1"})
	dispatchPlugin(t, h, p, &protocol.StreamChunk{RunID: "r1", SessionKey: "s1", Text: "partial"})
	barrier(t, h)

	h.Detach(p)
	barrier(t, h)

	types := c.sentTypes()[preamble:]
	want := []string{
		protocol.TypeStreamStart,
		protocol.TypeStreamChunk,
		protocol.TypeDisconnected,
		protocol.TypeAgentText,
	}
	if len(types) != len(want) {
		t.Fatalf("expected frames %v, got %v", want, types)
	}
	terminal, ok := c.lastFrame(t).(*protocol.AgentText)
	if !ok {
		t.Fatalf("expected synthetic terminal, got %#v", c.lastFrame(t))
	}
	if terminal.SessionKey != "s1" || terminal.Text == "partial" || len(terminal.Text) <= len("partial") {
		t.Errorf("synthetic terminal should carry buffer plus marker, got %q", terminal.Text)
	}
	if store.messageCount() != 1 {
		t.Errorf("synthetic terminal should persist, got %d messages", store.messageCount())
	}
}

func TestJobLifecycle(t *testing.T) {
	h, store, authCtx := newTestHub(t)

	p := newFakeConn("p1", RolePlugin)
	if err := h.AttachPlugin(p); err != nil {
		t.Fatalf("attach plugin: %v", err)
	}
	c := attachAuthedClient(t, h, authCtx, "c1")
	preamble := len(c.sentTypes())

	dispatchPlugin(t, h, p, &protocol.JobUpdate{JobID: "j1", TaskID: "t1", SessionKey: "s1", Status: protocol.JobRunning, StartedAt: 100})
	dispatchPlugin(t, h, p, &protocol.JobOutput{JobID: "j1", Text: "a"})
	dispatchPlugin(t, h, p, &protocol.JobOutput{JobID: "j1", Text: "ab"})
	dispatchPlugin(t, h, p, &protocol.JobUpdate{JobID: "j1", TaskID: "t1", SessionKey: "s1", Status: protocol.JobOK, StartedAt: 100, FinishedAt: 200, DurationMs: 100000, Summary: "ab"})
	barrier(t, h)

	job, ok := store.job("j1")
	if !ok {
		t.Fatal("terminal job should persist")
	}
	if job.Status != "ok" || job.StartedAt != 100 || job.FinishedAt != 200 || job.Summary != "ab" {
		t.Errorf("unexpected persisted job: %+v", job)
	}

	// Terminal is write-once: a later running update is dropped, not fanned.
	before := len(c.sentTypes())
	dispatchPlugin(t, h, p, &protocol.JobUpdate{JobID: "j1", TaskID: "t1", Status: protocol.JobRunning, StartedAt: 300})
	barrier(t, h)
	if got := len(c.sentTypes()); got != before {
		t.Errorf("post-terminal running update should not fan, frames %d -> %d", before, got)
	}

	if got := len(c.sentTypes()) - preamble; got != 4 {
		t.Errorf("client should have seen 4 job frames, got %d", got)
	}
}

func TestSlowClientPolicy(t *testing.T) {
	h, _, authCtx := newTestHub(t)

	p := newFakeConn("p1", RolePlugin)
	if err := h.AttachPlugin(p); err != nil {
		t.Fatalf("attach plugin: %v", err)
	}
	c := attachAuthedClient(t, h, authCtx, "c1")

	dispatchPlugin(t, h, p, &protocol.StreamStart{RunID: "r1", SessionKey: "s1"})
	barrier(t, h)
	c.setFull(true)

	// Chunks are snapshots: dropping one is safe, the socket stays open.
	dispatchPlugin(t, h, p, &protocol.StreamChunk{RunID: "r1", SessionKey: "s1", Text: "x"})
	barrier(t, h)
	if closed, _ := c.isClosed(); closed {
		t.Fatal("client should not close on a dropped chunk")
	}

	// A terminal is state-carrying: a client that cannot take it is closed.
	dispatchPlugin(t, h, p, &protocol.AgentText{SessionKey: "s1", Text: "done", MessageID: "m1", RunID: "r1"})
	barrier(t, h)
	closed, code := c.isClosed()
	if !closed || code != protocol.CloseOverloaded {
		t.Errorf("expected close 4008 for slow client on terminal, got closed=%v code=%d", closed, code)
	}
}

func TestUnknownClientTypeRejected(t *testing.T) {
	h, _, authCtx := newTestHub(t)
	c := attachAuthedClient(t, h, authCtx, "c1")

	raw := []byte(`{"type":"totally.made.up"}`)
	frame, err := protocol.Decode(raw)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	h.Dispatch(c, frame, raw)
	barrier(t, h)

	errFrame, ok := c.lastFrame(t).(*protocol.ErrorFrame)
	if !ok || errFrame.Message != "unknown type" {
		t.Errorf("expected unknown type error, got %#v", c.lastFrame(t))
	}
}

func TestConnectionStatusUpdatesState(t *testing.T) {
	h, _, authCtx := newTestHub(t)

	p := newFakeConn("p1", RolePlugin)
	if err := h.AttachPlugin(p); err != nil {
		t.Fatalf("attach plugin: %v", err)
	}
	dispatchPlugin(t, h, p, &protocol.ConnectionStatus{
		OpenclawConnected: true,
		DefaultModel:      "claude-sonnet",
		Models:            []protocol.ModelInfo{{ID: "claude-sonnet"}, {ID: "claude-haiku"}},
	})
	barrier(t, h)

	s, err := h.Status()
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if !s.PluginConnected || !s.OpenclawConnected || s.DefaultModel != "claude-sonnet" {
		t.Errorf("unexpected status %+v", s)
	}

	// A later client auth replays the updated state.
	c := attachAuthedClient(t, h, authCtx, "c1")
	var status *protocol.ConnectionStatus
	c.mu.Lock()
	for _, raw := range c.sent {
		f, _ := protocol.Decode(raw)
		if cs, ok := f.(*protocol.ConnectionStatus); ok {
			status = cs
		}
	}
	c.mu.Unlock()
	if status == nil || status.DefaultModel != "claude-sonnet" || len(status.Models) != 2 {
		t.Errorf("replayed connection.status missing model state: %#v", status)
	}
}

func TestPluginReplaceKeepsSocketGauge(t *testing.T) {
	h, _, _ := newTestHub(t)
	base := testutil.ToFloat64(metrics.PluginSocketsActive)

	p1 := newFakeConn("p1", RolePlugin)
	p2 := newFakeConn("p2", RolePlugin)
	if err := h.AttachPlugin(p1); err != nil {
		t.Fatalf("attach plugin: %v", err)
	}
	if err := h.AttachPlugin(p2); err != nil {
		t.Fatalf("attach plugin: %v", err)
	}
	// The replaced socket's close callback fires a detach for a socket the
	// hub no longer tracks.
	h.Detach(p1)
	barrier(t, h)

	if got := testutil.ToFloat64(metrics.PluginSocketsActive); got != base+1 {
		t.Errorf("one plugin attached, gauge should be %v, got %v", base+1, got)
	}

	h.Detach(p2)
	barrier(t, h)
	if got := testutil.ToFloat64(metrics.PluginSocketsActive); got != base {
		t.Errorf("gauge should return to %v after detach, got %v", base, got)
	}
}

func TestHistoryAfterShutdown(t *testing.T) {
	store := newFakeStore()
	authCtx := auth.NewAuthContext("test-secret", time.Hour, time.Minute, nil)
	h := New(testUser, store, authCtx, logger.New(logger.Config{Format: "text"}), DefaultOptions())
	h.Shutdown()

	if _, err := h.History(context.Background(), "s1", "", 10); !errors.Is(err, errors.ErrClosed) {
		t.Errorf("history on a stopped hub should fail with ErrClosed, got %v", err)
	}
}

func TestAuthTimeoutClosesWhenMailboxFull(t *testing.T) {
	store := newFakeStore()
	authCtx := auth.NewAuthContext("test-secret", time.Hour, time.Minute, nil)
	opts := DefaultOptions()
	opts.MailboxSize = 1
	opts.ClientAuthTimeout = 30 * time.Millisecond
	h := New(testUser, store, authCtx, logger.New(logger.Config{Format: "text"}), opts)

	release := make(chan struct{})
	defer func() {
		close(release)
		h.Shutdown()
	}()

	c := newFakeConn("c1", RoleClient)
	if err := h.AttachClient(c); err != nil {
		t.Fatalf("attach client: %v", err)
	}

	// Wedge the executor, then fill the mailbox so the auth timer's post
	// overflows and must close the socket itself.
	started := make(chan struct{})
	h.post(nil, func() { close(started); <-release })
	<-started
	h.post(nil, func() {})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if closed, code := c.isClosed(); closed {
			if code != protocol.CloseOverloaded {
				t.Fatalf("expected close 4008, got %d", code)
			}
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("unauthenticated socket survived a full mailbox")
}
