package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/openclaw/openclaw-cloud/internal/auth"
	"github.com/openclaw/openclaw-cloud/internal/errors"
	"github.com/openclaw/openclaw-cloud/internal/hub"
	"github.com/openclaw/openclaw-cloud/internal/logger"
	"github.com/openclaw/openclaw-cloud/internal/storage"
	"github.com/openclaw/openclaw-cloud/internal/storage/object"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// fakeStore is an in-memory storage.Store covering the methods the gateway
// handlers under test reach. Anything else panics via the nil embed.
type fakeStore struct {
	storage.Store

	mu     sync.Mutex
	users  map[string]*storage.User // keyed by email
	tokens map[string]*storage.PairingToken
	page   *storage.MessagePage
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		users:  make(map[string]*storage.User),
		tokens: make(map[string]*storage.PairingToken),
	}
}

func (f *fakeStore) CreateUser(_ context.Context, user *storage.User) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.users[user.Email]; ok {
		return fmt.Errorf("email %s already registered: %w", user.Email, errors.ErrStateConflict)
	}
	f.users[user.Email] = user
	return nil
}

func (f *fakeStore) GetUserByEmail(_ context.Context, email string) (*storage.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if u, ok := f.users[email]; ok {
		return u, nil
	}
	return nil, fmt.Errorf("user %s: %w", email, errors.ErrNotFound)
}

func (f *fakeStore) GetUser(_ context.Context, userID string) (*storage.User, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, u := range f.users {
		if u.ID == userID {
			return u, nil
		}
	}
	return nil, fmt.Errorf("user %s: %w", userID, errors.ErrNotFound)
}

func (f *fakeStore) CreatePairingToken(_ context.Context, token *storage.PairingToken) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tokens[token.ID] = token
	return nil
}

func (f *fakeStore) ListPairingTokens(_ context.Context, userID string) ([]storage.PairingToken, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []storage.PairingToken
	for _, t := range f.tokens {
		if t.UserID == userID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (f *fakeStore) RevokePairingToken(_ context.Context, userID, tokenID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tokens[tokenID]
	if !ok || t.UserID != userID {
		return fmt.Errorf("pairing token %s: %w", tokenID, errors.ErrNotFound)
	}
	now := time.Now()
	t.RevokedAt = &now
	return nil
}

func (f *fakeStore) ListMessages(_ context.Context, sessionKey, threadID string, limit int) (*storage.MessagePage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.page != nil {
		return f.page, nil
	}
	return &storage.MessagePage{}, nil
}

func newTestGateway(t *testing.T) (*gin.Engine, *fakeStore, *auth.AuthContext) {
	t.Helper()

	log := logger.New(logger.Config{Format: "text"})
	store := newFakeStore()
	authCtx := auth.NewAuthContext("test-secret", time.Hour, time.Minute,
		[]string{"https://app.example.com"})

	hubs := hub.NewManager(store, authCtx, log, hub.DefaultOptions(), time.Minute)
	t.Cleanup(hubs.Shutdown)

	media, err := object.NewStore(t.TempDir(), log)
	if err != nil {
		t.Fatalf("object.NewStore: %v", err)
	}
	signer := object.NewSigner("test-secret")

	gw := New(store, hubs, authCtx, nil, media, signer, log, time.Hour.Milliseconds())
	router := gin.New()
	gw.Routes(router)
	return router, store, authCtx
}

func doJSON(router *gin.Engine, method, path, token string, body interface{}) *httptest.ResponseRecorder {
	var buf bytes.Buffer
	if body != nil {
		json.NewEncoder(&buf).Encode(body)
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]interface{} {
	t.Helper()
	var out map[string]interface{}
	if err := json.Unmarshal(w.Body.Bytes(), &out); err != nil {
		t.Fatalf("invalid JSON response %q: %v", w.Body.String(), err)
	}
	return out
}

func TestRegisterLoginFlow(t *testing.T) {
	router, _, _ := newTestGateway(t)

	w := doJSON(router, http.MethodPost, "/api/auth/register", "", gin.H{
		"email":    "Alice@Example.com",
		"password": "hunter2hunter2",
	})
	if w.Code != http.StatusCreated {
		t.Fatalf("register: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["token"] == "" || body["token"] == nil {
		t.Fatal("register response missing token")
	}
	user := body["user"].(map[string]interface{})
	if user["email"] != "alice@example.com" {
		t.Fatalf("expected lowercased email, got %v", user["email"])
	}

	w = doJSON(router, http.MethodPost, "/api/auth/register", "", gin.H{
		"email":    "alice@example.com",
		"password": "hunter2hunter2",
	})
	if w.Code != http.StatusConflict {
		t.Fatalf("duplicate register: expected 409, got %d", w.Code)
	}

	w = doJSON(router, http.MethodPost, "/api/auth/login", "", gin.H{
		"email":    "alice@example.com",
		"password": "hunter2hunter2",
	})
	if w.Code != http.StatusOK {
		t.Fatalf("login: expected 200, got %d: %s", w.Code, w.Body.String())
	}

	w = doJSON(router, http.MethodPost, "/api/auth/login", "", gin.H{
		"email":    "alice@example.com",
		"password": "wrong-password",
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("bad password: expected 401, got %d", w.Code)
	}

	w = doJSON(router, http.MethodPost, "/api/auth/login", "", gin.H{
		"email":    "nobody@example.com",
		"password": "hunter2hunter2",
	})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unknown email: expected 401, got %d", w.Code)
	}
}

func TestRegisterRejectsShortPassword(t *testing.T) {
	router, _, _ := newTestGateway(t)

	w := doJSON(router, http.MethodPost, "/api/auth/register", "", gin.H{
		"email":    "bob@example.com",
		"password": "short",
	})
	if w.Code != http.StatusBadRequest {
		t.Fatalf("expected 400, got %d", w.Code)
	}
}

func TestMeRequiresAuth(t *testing.T) {
	router, store, authCtx := newTestGateway(t)

	store.users["carol@example.com"] = &storage.User{
		ID:        "u-carol",
		Email:     "carol@example.com",
		CreatedAt: time.Now(),
	}

	w := doJSON(router, http.MethodGet, "/api/me", "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no token: expected 401, got %d", w.Code)
	}

	token, err := authCtx.Mint("u-carol", "carol@example.com")
	if err != nil {
		t.Fatalf("Mint: %v", err)
	}
	w = doJSON(router, http.MethodGet, "/api/me", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("with token: expected 200, got %d: %s", w.Code, w.Body.String())
	}
	if body := decodeBody(t, w); body["email"] != "carol@example.com" {
		t.Fatalf("unexpected me body: %v", body)
	}
}

func TestPairingTokenLifecycle(t *testing.T) {
	router, _, authCtx := newTestGateway(t)
	token, _ := authCtx.Mint("u1", "u1@example.com")

	w := doJSON(router, http.MethodPost, "/api/pairing-tokens", token, gin.H{"label": "laptop"})
	if w.Code != http.StatusCreated {
		t.Fatalf("create: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	secret, _ := body["token"].(string)
	if secret == "" {
		t.Fatal("create response missing secret")
	}
	view := body["pairingToken"].(map[string]interface{})
	tokenID := view["id"].(string)

	w = doJSON(router, http.MethodGet, "/api/pairing-tokens", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("list: expected 200, got %d", w.Code)
	}
	if strings.Contains(w.Body.String(), secret) {
		t.Fatal("listing leaked the pairing secret")
	}
	listed := decodeBody(t, w)["pairingTokens"].([]interface{})
	if len(listed) != 1 {
		t.Fatalf("expected 1 token, got %d", len(listed))
	}

	w = doJSON(router, http.MethodDelete, "/api/pairing-tokens/"+tokenID, token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("revoke: expected 200, got %d", w.Code)
	}

	w = doJSON(router, http.MethodGet, "/api/pairing-tokens", token, nil)
	listed = decodeBody(t, w)["pairingTokens"].([]interface{})
	if revoked := listed[0].(map[string]interface{})["revoked"]; revoked != true {
		t.Fatalf("expected revoked token in listing, got %v", revoked)
	}
}

func TestHubStatusWithoutHub(t *testing.T) {
	router, _, authCtx := newTestGateway(t)
	token, _ := authCtx.Mint("u1", "u1@example.com")

	w := doJSON(router, http.MethodGet, "/api/hub/status", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["pluginConnected"] != false {
		t.Fatalf("expected pluginConnected=false, got %v", body)
	}
}

func TestHistoryFromStore(t *testing.T) {
	router, store, authCtx := newTestGateway(t)
	token, _ := authCtx.Mint("u1", "u1@example.com")

	store.page = &storage.MessagePage{
		Messages: []storage.Message{
			{ID: "m1", SessionKey: "u1:s1", Sender: "user", Text: "hi", Timestamp: 1},
			{ID: "m2", SessionKey: "u1:s1", Sender: "agent", Text: "hello", Timestamp: 2},
		},
		ReplyCounts: map[string]int{"m1": 3},
	}

	w := doJSON(router, http.MethodGet, "/api/history?sessionKey=u1:s1", token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	messages := body["messages"].([]interface{})
	if len(messages) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(messages))
	}

	w = doJSON(router, http.MethodGet, "/api/history", token, nil)
	if w.Code != http.StatusBadRequest {
		t.Fatalf("missing sessionKey: expected 400, got %d", w.Code)
	}
}

func TestMediaUploadAndSignedFetch(t *testing.T) {
	router, _, authCtx := newTestGateway(t)
	token, _ := authCtx.Mint("u1", "u1@example.com")

	var buf bytes.Buffer
	mw := multipart.NewWriter(&buf)
	part, err := mw.CreateFormFile("file", "cat.png")
	if err != nil {
		t.Fatalf("CreateFormFile: %v", err)
	}
	part.Write([]byte("png-bytes"))
	mw.Close()

	req := httptest.NewRequest(http.MethodPost, "/api/media", &buf)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	req.Header.Set("Authorization", "Bearer "+token)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusCreated {
		t.Fatalf("upload: expected 201, got %d: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	mediaURL, _ := body["mediaUrl"].(string)
	if mediaURL == "" {
		t.Fatal("upload response missing mediaUrl")
	}

	w = doJSON(router, http.MethodGet, mediaURL, "", nil)
	if w.Code != http.StatusOK {
		t.Fatalf("signed fetch: expected 200, got %d", w.Code)
	}
	if w.Body.String() != "png-bytes" {
		t.Fatalf("unexpected media body %q", w.Body.String())
	}

	bare := strings.SplitN(mediaURL, "?", 2)[0]
	w = doJSON(router, http.MethodGet, bare, "", nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("unsigned fetch: expected 401, got %d", w.Code)
	}

	w = doJSON(router, http.MethodGet, bare, token, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("owner bearer fetch: expected 200, got %d", w.Code)
	}

	other, _ := authCtx.Mint("u2", "u2@example.com")
	w = doJSON(router, http.MethodGet, bare, other, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("foreign bearer fetch: expected 401, got %d", w.Code)
	}
}

func TestCORSOriginAllowlist(t *testing.T) {
	router, _, _ := newTestGateway(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "https://app.example.com" {
		t.Fatalf("allowed origin: expected echo, got %q", got)
	}

	req = httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if got := w.Header().Get("Access-Control-Allow-Origin"); got != "" {
		t.Fatalf("disallowed origin: expected no header, got %q", got)
	}

	req = httptest.NewRequest(http.MethodOptions, "/api/channels", nil)
	req.Header.Set("Origin", "https://app.example.com")
	w = httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("preflight: expected 204, got %d", w.Code)
	}
}
