package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dotsetgreg/roleplay/pkg/chatlog"
	"github.com/dotsetgreg/roleplay/pkg/director"
	"github.com/dotsetgreg/roleplay/pkg/memory"
	"github.com/dotsetgreg/roleplay/pkg/persona"
	"github.com/dotsetgreg/roleplay/pkg/providers"
)

type queueGateway struct {
	mu      sync.Mutex
	replies []string
	err     error
	calls   int
}

func (g *queueGateway) Complete(ctx context.Context, messages []providers.Message) (string, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.calls++
	if g.err != nil {
		err := g.err
		g.err = nil
		return "", err
	}
	if len(g.replies) == 0 {
		return "嗯嗯", nil
	}
	r := g.replies[0]
	g.replies = g.replies[1:]
	return r, nil
}

type testEnv struct {
	srv   *Server
	gw    *queueGateway
	store *chatlog.SQLiteStore
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)

	table, err := persona.DefaultTable()
	require.NoError(t, err)
	store, err := chatlog.NewSQLiteStore(filepath.Join(t.TempDir(), "chatlog.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })

	gw := &queueGateway{}
	d := director.New(persona.NewBuilder(table), memory.NewLoader(table.MemoryMap(), t.TempDir()), gw, director.Options{
		DefaultPersona: "grandma",
		Store:          store,
	})
	return &testEnv{srv: New(d, table, store), gw: gw, store: store}
}

func (e *testEnv) do(t *testing.T, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	e.srv.Handler().ServeHTTP(w, req)

	var out map[string]any
	if w.Body.Len() > 0 {
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
	}
	return w, out
}

func TestHealth(t *testing.T) {
	env := newTestEnv(t)
	w, body := env.do(t, http.MethodGet, "/api/health", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(0), body["active_sessions"])
}

func TestPersonas(t *testing.T) {
	env := newTestEnv(t)
	w, body := env.do(t, http.MethodGet, "/api/personas", nil)

	require.Equal(t, http.StatusOK, w.Code)
	list, ok := body["personas"].([]any)
	require.True(t, ok)
	require.NotEmpty(t, list)
	first := list[0].(map[string]any)
	assert.Equal(t, "grandma", first["id"])
	assert.Equal(t, true, first["has_memory"])
}

func TestChat_Success(t *testing.T) {
	env := newTestEnv(t)
	env.gw.replies = []string{"老孩子吃饭没？"}

	w, body := env.do(t, http.MethodPost, "/api/chat", chatRequest{Role: "grandma", Message: "姥姥"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "老孩子吃饭没？", body["response"])
	assert.Equal(t, "grandma", body["role"])
	assert.Equal(t, false, body["ended"])
	sessionID, _ := body["session_id"].(string)
	require.NotEmpty(t, sessionID)

	w, body = env.do(t, http.MethodGet, "/api/history/"+sessionID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	exchanges := body["exchanges"].([]any)
	require.Len(t, exchanges, 1)
	assert.Equal(t, "姥姥", exchanges[0].(map[string]any)["user_message"])
}

func TestChat_EmptyMessage(t *testing.T) {
	env := newTestEnv(t)

	w, body := env.do(t, http.MethodPost, "/api/chat", chatRequest{Role: "grandma", Message: "  "})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, 0, env.gw.calls)

	req := httptest.NewRequest(http.MethodPost, "/api/chat", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestChat_GatewayFailure(t *testing.T) {
	env := newTestEnv(t)
	env.gw.err = &providers.GatewayError{Provider: "zhipu", Status: 401, Body: `{"error":{"message":"令牌已过期"}}`}

	w, body := env.do(t, http.MethodPost, "/api/chat", chatRequest{SessionID: "s1", Role: "grandma", Message: "你好"})
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.Equal(t, false, body["success"])
	assert.Contains(t, body["error"], "status=401")

	w, _ = env.do(t, http.MethodGet, "/api/history/s1", nil)
	require.Equal(t, http.StatusOK, w.Code)
	exchanges, err := env.store.ListExchanges(context.Background(), "s1", 0)
	require.NoError(t, err)
	assert.Empty(t, exchanges)
}

func TestChat_UnknownPersonaFallsBack(t *testing.T) {
	env := newTestEnv(t)

	w, body := env.do(t, http.MethodPost, "/api/chat", chatRequest{Role: "pirate", Message: "你好"})
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["fallback"])
}

func TestChat_EndsOnFarewell(t *testing.T) {
	env := newTestEnv(t)
	env.gw.replies = []string{"再见"}

	w, body := env.do(t, http.MethodPost, "/api/chat", chatRequest{SessionID: "s1", Message: "我走了"})
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["ended"])
	assert.Equal(t, "model_signaled", body["end_reason"])

	w, body = env.do(t, http.MethodPost, "/api/chat", chatRequest{SessionID: "s1", Message: "我又来了"})
	assert.Equal(t, http.StatusGone, w.Code)
	assert.Equal(t, false, body["success"])
	assert.Equal(t, "s1", body["session_id"])
	assert.Contains(t, body["error"], "session has ended")

	_, history := env.do(t, http.MethodGet, "/api/history/s1", nil)
	assert.Len(t, history["exchanges"], 1)

	w, _ = env.do(t, http.MethodDelete, "/api/sessions/s1", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestCloseSession(t *testing.T) {
	env := newTestEnv(t)
	_, _ = env.do(t, http.MethodPost, "/api/chat", chatRequest{SessionID: "s1", Message: "你好"})

	w, body := env.do(t, http.MethodDelete, "/api/sessions/s1", nil)
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, true, body["success"])

	_, health := env.do(t, http.MethodGet, "/api/health", nil)
	assert.Equal(t, float64(0), health["active_sessions"])
}

func TestHistory_BadLimit(t *testing.T) {
	env := newTestEnv(t)
	w, _ := env.do(t, http.MethodGet, "/api/history/s1?limit=abc", nil)
	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestCORSPreflight(t *testing.T) {
	env := newTestEnv(t)
	req := httptest.NewRequest(http.MethodOptions, "/api/chat", nil)
	w := httptest.NewRecorder()
	env.srv.Handler().ServeHTTP(w, req)

	assert.Equal(t, http.StatusNoContent, w.Code)
	assert.Equal(t, "*", w.Header().Get("Access-Control-Allow-Origin"))
	assert.Contains(t, w.Header().Get("Access-Control-Allow-Methods"), "DELETE")
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusBadGateway, statusFor(&providers.TransportError{Provider: "zhipu", Op: "send", Err: errors.New("eof")}))
	assert.Equal(t, http.StatusBadGateway, statusFor(providers.ErrEmptyCompletion))
	assert.Equal(t, http.StatusGatewayTimeout, statusFor(context.DeadlineExceeded))
	assert.Equal(t, http.StatusGone, statusFor(fmt.Errorf("%w: s1", director.ErrSessionEnded)))
	assert.Equal(t, http.StatusInternalServerError, statusFor(errors.New("other")))
}

func TestWebSocketChat(t *testing.T) {
	env := newTestEnv(t)
	env.gw.replies = []string{"嘿嘿，来看表演！", "再见"}

	ts := httptest.NewServer(env.srv.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws/chat?role=clown"
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	var frame map[string]any
	require.NoError(t, conn.WriteJSON(wsRequest{Message: ""}))
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "error", frame["type"])

	require.NoError(t, conn.WriteJSON(wsRequest{Message: "你好"}))
	frame = nil
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, "reply", frame["type"])
	assert.Equal(t, "嘿嘿，来看表演！", frame["response"])
	assert.Equal(t, "clown", frame["role"])
	sessionID := frame["session_id"]
	require.NotEmpty(t, sessionID)

	require.NoError(t, conn.WriteJSON(wsRequest{Message: "拜拜"}))
	frame = nil
	require.NoError(t, conn.ReadJSON(&frame))
	assert.Equal(t, true, frame["ended"])
	assert.Equal(t, sessionID, frame["session_id"])

	_, _, err = conn.ReadMessage()
	var closeErr *websocket.CloseError
	require.ErrorAs(t, err, &closeErr)
	assert.Equal(t, websocket.CloseNormalClosure, closeErr.Code)
}
