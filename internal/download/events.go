package download

import (
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"candlefetch/internal/logger"

	"github.com/gorilla/websocket"
)

const (
	maxStreamClients = 100
	clientSendBuffer = 64
	writeTimeout     = 10 * time.Second
	pongTimeout      = 60 * time.Second
	pingInterval     = 30 * time.Second
)

// Event 是任务状态广播。Job 为 nil 时表示删除事件。
type Event struct {
	Type  string `json:"type"` // job_update / job_deleted
	JobID string `json:"job_id"`
	Job   *Job   `json:"job,omitempty"`
}

// Hub 把任务事件扇出到 WebSocket 客户端与进程内订阅者。
// 慢消费者直接丢弃并断开，不阻塞广播循环。
type Hub struct {
	mu        sync.Mutex
	clients   map[*streamClient]bool
	subs      map[chan Event]bool
	broadcast chan Event
	shutdown  chan struct{}
	closeOnce sync.Once
	upgrader  websocket.Upgrader
}

type streamClient struct {
	conn *websocket.Conn
	send chan []byte
}

func NewHub() *Hub {
	h := &Hub{
		clients:   make(map[*streamClient]bool),
		subs:      make(map[chan Event]bool),
		broadcast: make(chan Event, 256),
		shutdown:  make(chan struct{}),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}
	go h.run()
	return h
}

// Publish 投递一条事件；广播队列满时丢弃（事件只是状态快照，落库数据才是事实）。
func (h *Hub) Publish(evt Event) {
	select {
	case h.broadcast <- evt:
	case <-h.shutdown:
	default:
		logger.Warnf("[events] 广播队列已满，丢弃 %s %s", evt.Type, evt.JobID)
	}
}

// Subscribe 注册进程内订阅者，返回事件通道与取消函数。
func (h *Hub) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, clientSendBuffer)
	h.mu.Lock()
	h.subs[ch] = true
	h.mu.Unlock()
	cancel := func() {
		h.mu.Lock()
		if h.subs[ch] {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	}
	return ch, cancel
}

func (h *Hub) Close() {
	h.closeOnce.Do(func() {
		close(h.shutdown)
		h.mu.Lock()
		for client := range h.clients {
			close(client.send)
			client.conn.Close()
		}
		h.clients = make(map[*streamClient]bool)
		for ch := range h.subs {
			delete(h.subs, ch)
			close(ch)
		}
		h.mu.Unlock()
	})
}

func (h *Hub) run() {
	for {
		select {
		case <-h.shutdown:
			return
		case evt := <-h.broadcast:
			data, err := json.Marshal(evt)
			if err != nil {
				logger.Errorf("[events] 序列化失败: %v", err)
				continue
			}
			h.mu.Lock()
			for ch := range h.subs {
				select {
				case ch <- evt:
				default:
				}
			}
			var dead []*streamClient
			for client := range h.clients {
				select {
				case client.send <- data:
				default:
					dead = append(dead, client)
				}
			}
			for _, client := range dead {
				delete(h.clients, client)
				close(client.send)
			}
			h.mu.Unlock()
		}
	}
}

// HandleWebSocket 升级连接并接入广播。
func (h *Hub) HandleWebSocket(w http.ResponseWriter, r *http.Request) {
	h.mu.Lock()
	atCapacity := len(h.clients) >= maxStreamClients
	h.mu.Unlock()
	if atCapacity {
		http.Error(w, "stream at capacity", http.StatusServiceUnavailable)
		return
	}
	conn, err := h.upgrader.Upgrade(w, r, nil)
	if err != nil {
		logger.Warnf("[events] WebSocket 升级失败: %v", err)
		return
	}
	client := &streamClient{conn: conn, send: make(chan []byte, clientSendBuffer)}
	h.mu.Lock()
	h.clients[client] = true
	total := len(h.clients)
	h.mu.Unlock()
	logger.Infof("[events] 客户端接入，总数=%d", total)

	go client.writePump()
	go client.readPump(h)
}

func (c *streamClient) writePump() {
	ticker := time.NewTicker(pingInterval)
	defer func() {
		ticker.Stop()
		c.conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.send:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if !ok {
				c.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			c.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
			if err := c.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// readPump 只消费控制帧，收到错误即清理连接。
func (c *streamClient) readPump(h *Hub) {
	defer func() {
		h.mu.Lock()
		if h.clients[c] {
			delete(h.clients, c)
			close(c.send)
		}
		h.mu.Unlock()
		c.conn.Close()
	}()
	c.conn.SetReadLimit(512)
	c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
	c.conn.SetPongHandler(func(string) error {
		c.conn.SetReadDeadline(time.Now().Add(pongTimeout))
		return nil
	})
	for {
		if _, _, err := c.conn.ReadMessage(); err != nil {
			return
		}
	}
}
