package hub

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"room-presence/internal/domain"
	"room-presence/internal/repository"
	"room-presence/internal/service"
)

// 客户端发来的消息类型
const (
	MsgVisibility = "visibility" // {"type":"visibility","foreground":true}
	MsgLeave      = "leave"
	MsgPing       = "ping"
)

// 推送给客户端的消息类型
const (
	MsgRoom        = "room"
	MsgRoomDeleted = "room_deleted"
	MsgConnection  = "connection"
	MsgPong        = "pong"
	MsgLeft        = "left"
	MsgError       = "error"
)

// ClientMessage 客户端发来的消息
type ClientMessage struct {
	Type       string `json:"type"`
	Foreground *bool  `json:"foreground,omitempty"`
}

// ServerMessage 推送给客户端的消息
type ServerMessage struct {
	Type      string       `json:"type"`
	Room      *domain.Room `json:"room,omitempty"`
	Connected *bool        `json:"connected,omitempty"`
	Error     string       `json:"error,omitempty"`
}

// Client 代表一个连接到 Hub 的 WebSocket 客户端。
// 每个客户端使用自己的实时存储连接运行一个房间会话。
type Client struct {
	hub      *Hub
	conn     *websocket.Conn
	id       string // 实时存储连接 ID
	roomID   string
	memberID string
	send     chan []byte
	done     chan struct{}
	doneOnce sync.Once
	logCtx   *logrus.Entry

	ctx    context.Context
	cancel context.CancelFunc

	// 前后台切换限流：只保留最新的期望状态
	limiter    *rate.Limiter
	visibility chan struct{}

	mu         sync.Mutex
	foreground bool
	stopped    bool
	store      repository.StoreConn
	rooms      *service.RoomService
	session    *service.RoomSession
	unsubs     []repository.Unsubscribe
}

// NewClient 创建一个新的 Client 实例
func NewClient(hub *Hub, conn *websocket.Conn, roomID, memberID string, foreground bool) *Client {
	id := uuid.NewString()
	ctx, cancel := context.WithCancel(context.Background())
	return &Client{
		hub:        hub,
		conn:       conn,
		id:         id,
		roomID:     roomID,
		memberID:   memberID,
		send:       make(chan []byte, 256),
		done:       make(chan struct{}),
		logCtx:     logrus.WithFields(logrus.Fields{"room_id": roomID, "member_id": memberID, "client_id": id}),
		ctx:        ctx,
		cancel:     cancel,
		limiter:    rate.NewLimiter(rate.Every(250*time.Millisecond), 4),
		visibility: make(chan struct{}, 1),
		foreground: foreground,
	}
}

// Run 启动客户端的读写 goroutine
func (c *Client) Run() {
	go c.WritePump()
	go c.ReadPump()
	go c.visibilityLoop()
}

func (c *Client) RoomID() string   { return c.roomID }
func (c *Client) MemberID() string { return c.memberID }
func (c *Client) CloseConn()       { _ = c.conn.Close() }

// start 建立实时存储连接，启动房间会话并订阅房间更新。
func (c *Client) start() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.stopped {
		return
	}

	store, err := c.hub.dialer(c.ctx, c.id)
	if err != nil {
		c.logCtx.WithError(err).Error("Failed to open realtime store connection")
		c.fail("realtime store unavailable")
		return
	}
	c.store = store
	c.rooms = service.NewRoomService(store, c.hub.opts)

	session := service.NewRoomSession(store, c.roomID, c.memberID, c.hub.opts)
	if err := session.Start(c.ctx, c.foreground); err != nil {
		c.logCtx.WithError(err).Warn("Failed to start room session")
		c.fail(sessionErrorText(err))
		return
	}
	c.session = session

	unsubRoom, err := c.rooms.SubscribeRoom(c.ctx, c.roomID, c.onRoom)
	if err != nil {
		c.logCtx.WithError(err).Warn("Failed to subscribe room updates")
	} else {
		c.unsubs = append(c.unsubs, unsubRoom)
	}
	c.unsubs = append(c.unsubs, store.OnConnectionChange(func(connected bool) {
		c.push(ServerMessage{Type: MsgConnection, Connected: &connected})
	}))
	c.logCtx.Info("Client session started")
}

// fail 通知客户端并断开；调用方持有 c.mu
func (c *Client) fail(reason string) {
	c.push(ServerMessage{Type: MsgError, Error: reason})
	go func() {
		// 给写循环留出发送错误消息的时间
		time.Sleep(100 * time.Millisecond)
		c.CloseConn()
	}()
}

func sessionErrorText(err error) string {
	switch {
	case errors.Is(err, service.ErrRoomNotFound):
		return "room not found"
	case errors.Is(err, service.ErrRoomClosed):
		return "room closed"
	case errors.Is(err, service.ErrMemberNotFound):
		return "not a member of this room"
	case errors.Is(err, service.ErrConnectivityLoss):
		return "realtime store unavailable"
	default:
		return "failed to start session"
	}
}

func (c *Client) onRoom(room *domain.Room) {
	if room == nil {
		c.push(ServerMessage{Type: MsgRoomDeleted})
		return
	}
	c.push(ServerMessage{Type: MsgRoom, Room: room})
}

// push 非阻塞地把消息放入发送队列
func (c *Client) push(msg ServerMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		c.logCtx.WithError(err).Error("Failed to marshal server message")
		return
	}
	select {
	case <-c.done:
	case c.send <- data:
	default:
		c.logCtx.WithField("message_type", msg.Type).Warn("Client send channel full, message dropped")
	}
}

// stopWriter 通知写循环退出
func (c *Client) stopWriter() {
	c.doneOnce.Do(func() { close(c.done) })
}

// teardown 连接异常断开：停止会话并以连接丢失的方式关闭存储连接，断线触发器随之生效。
func (c *Client) teardown() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		c.cancel()
		return
	}
	c.stopped = true
	session, store, unsubs := c.session, c.store, c.unsubs
	c.unsubs = nil
	c.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	if session != nil {
		session.Detach()
	}
	c.cancel()
	if store != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := store.Abort(ctx); err != nil {
			c.logCtx.WithError(err).Warn("Failed to abort realtime store connection")
		}
	}
	c.logCtx.Info("Client connection lost, disconnect triggers released")
}

// leave 主动离开房间：先写入 offline 再移除成员记录，之后正常关闭存储连接，已登记的断线触发器被丢弃。
func (c *Client) leave() {
	c.mu.Lock()
	if c.stopped {
		c.mu.Unlock()
		return
	}
	c.stopped = true
	session, store, rooms, unsubs := c.session, c.store, c.rooms, c.unsubs
	c.unsubs = nil
	c.mu.Unlock()

	for _, u := range unsubs {
		u()
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	var err error
	switch {
	case session != nil:
		err = session.Leave(ctx)
	case rooms != nil:
		err = rooms.LeaveRoom(ctx, c.roomID, c.memberID)
	}
	if err != nil {
		c.logCtx.WithError(err).Warn("Failed to leave room")
	}
	if store != nil {
		if err := store.Close(ctx); err != nil {
			c.logCtx.WithError(err).Warn("Failed to close realtime store connection")
		}
	}
	c.cancel()
	c.push(ServerMessage{Type: MsgLeft})
	c.logCtx.Info("Client left room")

	go func() {
		time.Sleep(100 * time.Millisecond)
		c.CloseConn()
	}()
}

// setForeground 记录最新的前后台状态，由 visibilityLoop 限流后写入
func (c *Client) setForeground(fg bool) {
	c.mu.Lock()
	c.foreground = fg
	c.mu.Unlock()
	select {
	case c.visibility <- struct{}{}:
	default:
	}
}

func (c *Client) visibilityLoop() {
	for {
		select {
		case <-c.ctx.Done():
			return
		case <-c.visibility:
		}
		if err := c.limiter.Wait(c.ctx); err != nil {
			return
		}
		c.mu.Lock()
		session, fg := c.session, c.foreground
		c.mu.Unlock()
		if session == nil {
			continue // 会话启动时会使用最新状态
		}
		if err := session.SetForeground(c.ctx, fg); err != nil && c.ctx.Err() == nil {
			c.logCtx.WithError(err).Debug("Visibility change not applied")
		}
	}
}

func (c *Client) handleMessage(raw []byte) {
	var msg ClientMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		c.logCtx.WithError(err).Debug("Ignoring malformed client message")
		c.push(ServerMessage{Type: MsgError, Error: "malformed message"})
		return
	}
	switch msg.Type {
	case MsgVisibility:
		if msg.Foreground == nil {
			c.push(ServerMessage{Type: MsgError, Error: "visibility requires foreground"})
			return
		}
		c.setForeground(*msg.Foreground)
	case MsgPing:
		c.push(ServerMessage{Type: MsgPong})
	case MsgLeave:
		go c.leave()
	default:
		c.push(ServerMessage{Type: MsgError, Error: "unknown message type"})
	}
}

// ReadPump 读取客户端消息，连接结束时请求 Hub 注销此客户端。
func (c *Client) ReadPump() {
	defer func() {
		unregisterMsg := HubMessage{Type: "unregister", Client: c}
		select {
		case c.hub.messageChan <- unregisterMsg:
		case <-c.hub.done:
		case <-time.After(1 * time.Second):
			c.logCtx.Warn("Timeout sending unregister message to Hub channel")
		}
		c.CloseConn()
		c.logCtx.Debug("readPump exited")
	}()

	c.conn.SetReadLimit(maxMessageSize)
	_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
	c.conn.SetPongHandler(func(string) error {
		_ = c.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		messageType, message, err := c.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				c.logCtx.WithError(err).Warn("WebSocket read error (unexpected close)")
			} else {
				c.logCtx.Debug("WebSocket connection closed")
			}
			return
		}
		if messageType != websocket.TextMessage {
			c.logCtx.Debugf("Received non-text message type: %d", messageType)
			continue
		}
		c.handleMessage(message)
	}
}

// WritePump 将消息从发送队列写入 WebSocket 连接，并定期发送 Ping。
func (c *Client) WritePump() {
	ticker := time.NewTicker(pingPeriod)
	defer func() {
		ticker.Stop()
		c.CloseConn()
		c.logCtx.Debug("writePump exited")
	}()

	for {
		select {
		case <-c.done:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			_ = c.conn.WriteMessage(websocket.CloseMessage, []byte{})
			return
		case message := <-c.send:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				c.logCtx.WithError(err).Warn("Failed to write message to websocket")
				return
			}
		case <-ticker.C:
			_ = c.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				c.logCtx.WithError(err).Warn("Failed to send ping message")
				return
			}
		}
	}
}
