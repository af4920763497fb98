package hub

import (
	"context"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"room-presence/internal/repository"
	"room-presence/internal/service"
)

// 包级别的 WebSocket 常量，供 hub 和 client 包内使用
const (
	// Time allowed to write a message to the peer.
	writeWait = 10 * time.Second

	// Time allowed to read the next pong message from the peer.
	pongWait = 60 * time.Second

	// Send pings to peer with this period. Must be less than pongWait.
	pingPeriod = (pongWait * 9) / 10

	// Maximum message size allowed from peer.
	maxMessageSize = 1024
)

// HubMessage 定义了在 Hub 内部通道传递的消息类型
type HubMessage struct {
	Type   string // "register", "unregister"
	Client *Client
}

// Hub 维护所有 WebSocket 客户端。每个客户端拥有独立的实时存储连接和房间会话。
type Hub struct {
	messageChan chan HubMessage

	// map[roomID]map[*Client]bool
	rooms   map[string]map[*Client]bool
	roomsMu sync.RWMutex

	dialer repository.Dialer
	opts   service.Options

	stopOnce sync.Once
	done     chan struct{}
	wg       sync.WaitGroup // 等待客户端善后完成
}

// NewHub 创建并返回一个新的 Hub 实例
func NewHub(dialer repository.Dialer, opts service.Options) *Hub {
	if dialer == nil {
		panic("store Dialer cannot be nil for Hub")
	}
	return &Hub{
		messageChan: make(chan HubMessage, 512),
		rooms:       make(map[string]map[*Client]bool),
		dialer:      dialer,
		opts:        opts,
		done:        make(chan struct{}),
	}
}

// Run 启动 Hub 的主事件处理循环。
// 它应该在一个单独的 goroutine 中运行。
func (h *Hub) Run() {
	log := logrus.WithField("component", "hub")
	log.Info("Hub is running...")
	for {
		select {
		case msg := <-h.messageChan:
			switch msg.Type {
			case "register":
				h.registerClient(msg.Client)
			case "unregister":
				h.unregisterClient(msg.Client)
			default:
				log.Warnf("Hub: Received unknown message type: %s", msg.Type)
			}
		case <-h.done:
			log.Info("Hub is shutting down...")
			return
		}
	}
}

// Serve 为已升级的 WebSocket 连接创建客户端，登记到 Hub 并启动读写循环。
func (h *Hub) Serve(conn *websocket.Conn, roomID, memberID string, foreground bool) *Client {
	client := NewClient(h, conn, roomID, memberID, foreground)
	if !h.QueueMessage(HubMessage{Type: "register", Client: client}) {
		client.CloseConn()
		return nil
	}
	client.Run()
	return client
}

// registerClient 处理客户端注册逻辑
func (h *Hub) registerClient(client *Client) {
	if client == nil {
		logrus.Error("Hub: Attempted to register a nil client")
		return
	}
	logCtx := client.logCtx.WithField("action", "registerClient")

	h.roomsMu.Lock()
	if _, ok := h.rooms[client.roomID]; !ok {
		h.rooms[client.roomID] = make(map[*Client]bool)
	}
	h.rooms[client.roomID][client] = true
	h.roomsMu.Unlock()
	logCtx.Info("Client registered to Hub")

	// 建立存储连接和房间会话涉及网络 IO，不阻塞 Hub 主循环
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		client.start()
	}()
}

// unregisterClient 处理客户端注销逻辑
func (h *Hub) unregisterClient(client *Client) {
	if client == nil {
		logrus.Error("Hub: Attempted to unregister a nil client")
		return
	}
	logCtx := client.logCtx.WithField("action", "unregisterClient")

	h.roomsMu.Lock()
	roomClients, roomExists := h.rooms[client.roomID]
	if !roomExists || !roomClients[client] {
		h.roomsMu.Unlock()
		logCtx.Debug("Client already unregistered")
		return
	}
	delete(roomClients, client)
	if len(roomClients) == 0 {
		delete(h.rooms, client.roomID)
	}
	h.roomsMu.Unlock()

	client.stopWriter()
	h.wg.Add(1)
	go func() {
		defer h.wg.Done()
		client.teardown()
	}()
	logCtx.Info("Client unregistered from Hub")
}

// QueueMessage 将消息放入 Hub 的处理队列 (非阻塞)。
func (h *Hub) QueueMessage(msg HubMessage) bool {
	select {
	case h.messageChan <- msg:
		return true
	default:
		logrus.WithField("message_type", msg.Type).Warn("Hub message channel full, dropping message")
		return false
	}
}

// ClientCount 返回房间中当前连接到本进程的客户端数量
func (h *Hub) ClientCount(roomID string) int {
	h.roomsMu.RLock()
	defer h.roomsMu.RUnlock()
	return len(h.rooms[roomID])
}

// Shutdown 停止主循环，断开所有客户端并等待善后完成。
// 进程退出时的断开按连接丢失处理，由存储代为写入离线状态。
func (h *Hub) Shutdown(ctx context.Context) {
	h.stopOnce.Do(func() { close(h.done) })

	h.roomsMu.Lock()
	var clients []*Client
	for roomID, roomClients := range h.rooms {
		for c := range roomClients {
			clients = append(clients, c)
		}
		delete(h.rooms, roomID)
	}
	h.roomsMu.Unlock()

	for _, c := range clients {
		c.stopWriter()
		c.CloseConn()
		h.wg.Add(1)
		go func(c *Client) {
			defer h.wg.Done()
			c.teardown()
		}(c)
	}

	waitDone := make(chan struct{})
	go func() {
		h.wg.Wait()
		close(waitDone)
	}()
	select {
	case <-waitDone:
		logrus.WithField("clients", len(clients)).Info("Hub shut down, all clients released")
	case <-ctx.Done():
		logrus.WithError(ctx.Err()).Warn("Hub shutdown timed out waiting for clients")
	}
}
