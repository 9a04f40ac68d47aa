package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"nexus/internal/auth"
	"nexus/internal/config"
	"nexus/internal/db"
	"nexus/internal/service"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type wsEnv struct {
	srv      *httptest.Server
	cfg      config.Config
	hangouts *service.HangoutService
	messages *service.MessageService
	users    *service.UserService
}

func newWSEnv(t *testing.T) *wsEnv {
	t.Helper()
	gin.SetMode(gin.TestMode)
	gdb, err := db.ConnectSQLite(":memory:")
	require.NoError(t, err)
	require.NoError(t, db.Migrate(gdb))

	cfg := config.Config{JWTSecret: "test", AccessTokenTTLMinutes: 15, RefreshTokenTTLDays: 7, MaxCoAdmins: 3, TransferWindowHours: 48}
	hub := NewHub()
	env := &wsEnv{
		cfg:      cfg,
		hangouts: service.NewHangoutService(gdb, cfg, hub),
		messages: service.NewMessageService(gdb, hub),
		users:    service.NewUserService(gdb, cfg),
	}
	r := gin.New()
	r.GET("/ws", Serve(hub, auth.NewAuthenticator(cfg, gdb), env.messages))
	env.srv = httptest.NewServer(r)
	t.Cleanup(env.srv.Close)
	return env
}

func (e *wsEnv) user(t *testing.T, name string) (uint, string) {
	t.Helper()
	res, err := e.users.Register(context.Background(), name, "pw")
	require.NoError(t, err)
	tok, err := auth.GenerateAccessToken(res.ID, name, e.cfg.JWTSecret, 15)
	require.NoError(t, err)
	return res.ID, tok
}

func (e *wsEnv) dial(t *testing.T, token string, hangoutID uint) *websocket.Conn {
	t.Helper()
	u := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/ws?token=" + token
	if hangoutID != 0 {
		u += "&hangout_id=" + strconv.FormatUint(uint64(hangoutID), 10)
	}
	conn, _, err := websocket.DefaultDialer.Dial(u, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = conn.Close() })
	return conn
}

type frame struct {
	Type      string `json:"type"`
	HangoutID uint   `json:"hangout_id"`
	UserID    uint   `json:"user_id"`
	Code      string `json:"code"`
	IsTyping  bool   `json:"is_typing"`
	Messages  []struct {
		Content string `json:"content"`
	} `json:"messages"`
	Message *struct {
		Content  string `json:"content"`
		Username string `json:"username"`
	} `json:"message"`
}

// readUntil skips frames until one of the wanted type arrives.
func readUntil(t *testing.T, conn *websocket.Conn, typ string) frame {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(3*time.Second)))
	for {
		_, data, err := conn.ReadMessage()
		require.NoError(t, err, "waiting for %q frame", typ)
		var f frame
		require.NoError(t, json.Unmarshal(data, &f))
		if f.Type == typ {
			return f
		}
	}
}

func send(t *testing.T, conn *websocket.Conn, v any) {
	t.Helper()
	require.NoError(t, conn.WriteJSON(v))
}

func TestServe_HistoryThenLiveMessages(t *testing.T) {
	env := newWSEnv(t)
	ctx := context.Background()
	aliceID, aliceTok := env.user(t, "alice")
	bobID, bobTok := env.user(t, "bob")
	h, err := env.hangouts.Create(ctx, aliceID, service.CreateParams{Name: "lounge"})
	require.NoError(t, err)
	_, err = env.hangouts.JoinByCode(ctx, bobID, h.JoinCode)
	require.NoError(t, err)
	_, err = env.messages.Send(ctx, h.ID, aliceID, "earlier")
	require.NoError(t, err)

	alice := env.dial(t, aliceTok, h.ID)
	hist := readUntil(t, alice, "history")
	require.Len(t, hist.Messages, 1)
	assert.Equal(t, "earlier", hist.Messages[0].Content)

	bob := env.dial(t, bobTok, 0)
	send(t, bob, InboundMessage{Type: "join", HangoutID: h.ID})
	readUntil(t, bob, "history")

	// alice first sees her own presence event
	for joined := readUntil(t, alice, "join"); joined.UserID != bobID; joined = readUntil(t, alice, "join") {
		assert.Equal(t, aliceID, joined.UserID)
	}

	send(t, alice, InboundMessage{Type: "message", HangoutID: h.ID, Content: "hi bob"})
	got := readUntil(t, bob, "message")
	require.NotNil(t, got.Message)
	assert.Equal(t, "hi bob", got.Message.Content)
	assert.Equal(t, "alice", got.Message.Username)

	send(t, bob, InboundMessage{Type: "typing", HangoutID: h.ID, IsTyping: true})
	typing := readUntil(t, alice, "typing")
	assert.Equal(t, bobID, typing.UserID)
	assert.True(t, typing.IsTyping)

	send(t, bob, InboundMessage{Type: "leave", HangoutID: h.ID})
	left := readUntil(t, alice, "leave")
	assert.Equal(t, bobID, left.UserID)
}

func TestServe_JoinDeniedForNonMember(t *testing.T) {
	env := newWSEnv(t)
	ownerID, _ := env.user(t, "owner")
	_, strangerTok := env.user(t, "stranger")
	h, err := env.hangouts.Create(context.Background(), ownerID, service.CreateParams{Name: "closed", IsPrivate: true})
	require.NoError(t, err)

	conn := env.dial(t, strangerTok, 0)
	send(t, conn, InboundMessage{Type: "join", HangoutID: h.ID})
	f := readUntil(t, conn, "error")
	assert.Equal(t, h.ID, f.HangoutID)
	assert.Equal(t, "PERMISSION_DENIED", f.Code)

	send(t, conn, InboundMessage{Type: "message", HangoutID: h.ID, Content: "let me in"})
	f = readUntil(t, conn, "error")
	assert.Equal(t, "VALIDATION", f.Code)
}

func TestServe_RejectsMissingOrBadToken(t *testing.T) {
	env := newWSEnv(t)
	base := "ws" + strings.TrimPrefix(env.srv.URL, "http") + "/ws"

	_, resp, err := websocket.DefaultDialer.Dial(base, nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, resp, err = websocket.DefaultDialer.Dial(base+"?token=garbage", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	_, tok := env.user(t, "carol")
	_, resp, err = websocket.DefaultDialer.Dial(base+"?token="+tok+"&hangout_id=abc", nil)
	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}
