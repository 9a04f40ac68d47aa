package ws

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"nexus/internal/apperr"
	"nexus/internal/auth"
	"nexus/internal/hangout"
	"nexus/internal/metrics"
	"nexus/internal/service"
	"nexus/internal/session"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

const (
	historyPageSize = 50
	opTimeout       = 10 * time.Second
)

// Client 是一条 WebSocket 连接，持有自己的 Session。
type Client struct {
	id       string
	conn     *websocket.Conn
	send     chan []byte
	broker   Broker
	messages *service.MessageService
	sess     *session.Session
	userID   uint
	uname    string
}

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

type InboundMessage struct {
	Type      string `json:"type"`
	HangoutID uint   `json:"hangout_id"`
	Content   string `json:"content"`
	IsTyping  bool   `json:"is_typing"`
}

// OutboundFrame 是事件以外的服务端帧：history 与 error。
type OutboundFrame struct {
	Type      string                `json:"type"`
	HangoutID uint                  `json:"hangout_id,omitempty"`
	Messages  []hangout.MessageView `json:"messages,omitempty"`
	Code      apperr.Code           `json:"code,omitempty"`
	Message   string                `json:"message,omitempty"`
}

// historyFetcher 以连接用户的身份读取历史，成员校验由 MessageService 负责。
type historyFetcher struct {
	messages *service.MessageService
	userID   uint
}

func (h historyFetcher) FetchHistory(ctx context.Context, hangoutID uint) ([]hangout.MessageView, error) {
	return h.messages.ListByHangout(ctx, hangoutID, h.userID, historyPageSize, 0)
}

// realtime 把 Broker 适配为 session.Realtime，presence 以 join/leave 事件广播。
type realtime struct {
	broker Broker
	userID uint
	uname  string
}

func (r realtime) Subscribe(ctx context.Context, hangoutID uint) (session.Channel, error) {
	sub, err := r.broker.Subscribe(ctx, hangoutID)
	if err != nil {
		return nil, err
	}
	return sub, nil
}

func (r realtime) PresenceJoin(ctx context.Context, hangoutID uint) error {
	return r.broker.Publish(ctx, hangoutID, hangout.Event{Type: hangout.EventJoin, HangoutID: hangoutID, UserID: r.userID, Username: r.uname})
}

func (r realtime) PresenceLeave(ctx context.Context, hangoutID uint) error {
	return r.broker.Publish(ctx, hangoutID, hangout.Event{Type: hangout.EventLeave, HangoutID: hangoutID, UserID: r.userID, Username: r.uname})
}

// Serve 升级连接。token 取自 query 参数或 Authorization 头；
// 可选的 hangout_id 参数会在连接建立后立即加入该 hangout。
func Serve(b Broker, a *auth.Authenticator, messages *service.MessageService) gin.HandlerFunc {
	return func(c *gin.Context) {
		var initial uint
		if raw := c.Query("hangout_id"); raw != "" {
			id, err := strconv.ParseUint(raw, 10, 64)
			if err != nil || id == 0 {
				c.JSON(http.StatusBadRequest, gin.H{"success": false, "message": "invalid hangout_id", "code": apperr.CodeValidation})
				return
			}
			initial = uint(id)
		}

		token := c.Query("token")
		if token == "" {
			token = auth.BearerToken(c.GetHeader("Authorization"))
		}
		if token == "" {
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "missing token", "code": apperr.CodeUnauthenticated})
			return
		}
		user, err := a.Authenticate(token)
		if err != nil {
			c.JSON(http.StatusUnauthorized, gin.H{"success": false, "message": "invalid token", "code": apperr.CodeUnauthenticated})
			return
		}

		conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
		if err != nil {
			return
		}
		metrics.WsConnections.Inc()
		defer metrics.WsConnections.Dec()

		client := &Client{
			id:       uuid.NewString(),
			conn:     conn,
			send:     make(chan []byte, 256),
			broker:   b,
			messages: messages,
			userID:   user.ID,
			uname:    user.Username,
		}
		client.sess = session.New(
			historyFetcher{messages: messages, userID: user.ID},
			realtime{broker: b, userID: user.ID, uname: user.Username},
			session.WithEventSink(client.deliver),
		)

		go client.writePump()
		if initial != 0 {
			client.join(initial)
		}
		client.readPump()
	}
}

func (c *Client) deliver(ev hangout.Event) {
	b, err := json.Marshal(ev)
	if err != nil {
		return
	}
	c.enqueue(b)
}

func (c *Client) enqueue(b []byte) {
	select {
	case c.send <- b:
	default:
		log.Warn().Str("conn_id", c.id).Uint("user_id", c.userID).Msg("ws send buffer full, frame dropped")
	}
}

func (c *Client) frame(f OutboundFrame) {
	if b, err := json.Marshal(f); err == nil {
		c.enqueue(b)
	}
}

func (c *Client) fail(hangoutID uint, err error) {
	c.frame(OutboundFrame{Type: "error", HangoutID: hangoutID, Code: apperr.CodeOf(err), Message: apperr.MessageOf(err)})
}

func (c *Client) join(hangoutID uint) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()
	if err := c.sess.Join(ctx, hangoutID); err != nil {
		c.fail(hangoutID, err)
		return
	}
	msgs, _ := c.sess.History(hangoutID)
	c.frame(OutboundFrame{Type: "history", HangoutID: hangoutID, Messages: msgs})
}

func (c *Client) handle(in InboundMessage) {
	ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
	defer cancel()

	switch in.Type {
	case "join":
		c.join(in.HangoutID)
	case "leave":
		if err := c.sess.Leave(ctx, in.HangoutID); err != nil {
			c.fail(in.HangoutID, err)
		}
	case "message":
		if c.sess.State(in.HangoutID) != session.Active {
			c.fail(in.HangoutID, apperr.Validation("join the hangout first"))
			return
		}
		if _, err := c.messages.Send(ctx, in.HangoutID, c.userID, in.Content); err != nil {
			c.fail(in.HangoutID, err)
		}
	case "typing":
		// typing 信号不落库
		if c.sess.State(in.HangoutID) != session.Active {
			return
		}
		ev := hangout.Event{Type: hangout.EventTyping, HangoutID: in.HangoutID, UserID: c.userID, Username: c.uname, IsTyping: in.IsTyping}
		if err := c.broker.Publish(ctx, in.HangoutID, ev); err != nil {
			log.Debug().Err(err).Msg("publish typing")
		}
	default:
		c.fail(in.HangoutID, apperr.Validation("unknown frame type"))
	}
}

func (c *Client) readPump() {
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), opTimeout)
		if err := c.sess.Close(ctx); err != nil {
			log.Debug().Err(err).Str("conn_id", c.id).Uint("user_id", c.userID).Msg("close session")
		}
		cancel()
		// Close 返回后不会再有事件写入 send
		close(c.send)
		_ = c.conn.Close()
	}()
	c.conn.SetReadLimit(1 << 20) // 1MB
	c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		_, data, err := c.conn.ReadMessage()
		if err != nil {
			break
		}
		var in InboundMessage
		if err := json.Unmarshal(data, &in); err != nil || in.HangoutID == 0 {
			continue
		}
		c.handle(in)
	}
}

func (c *Client) writePump() {
	ticker := time.NewTicker(30 * time.Second)
	defer func() {
		ticker.Stop()
		_ = c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			w, err := c.conn.NextWriter(websocket.TextMessage)
			if err != nil {
				return
			}
			_, _ = w.Write(message)
			_ = w.Close()
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}
