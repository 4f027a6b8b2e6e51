package ws

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"
	"sync"
	"time"

	"canteen_back/internal/models"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
)

// Hub хранит подключения клиентов, сгруппированные по slotID.
type Hub struct {
	// Для каждого слота (slotID) храним множество подключений.
	clients map[string]map[*Client]bool
	// Канал для регистрации нового клиента.
	register chan *Client
	// Канал для удаления клиента.
	unregister chan *Client
	// Канал для трансляции сообщений по конкретному слоту.
	broadcast chan BroadcastMessage
	// Mutex для защиты карты клиентов.
	mu sync.RWMutex
}

// BroadcastMessage представляет сообщение для рассылки подписчикам слота.
type BroadcastMessage struct {
	SlotID  string
	Message []byte
}

// WSMessage — событие доступности слота для подписчиков.
type WSMessage struct {
	EventType string                 `json:"event_type"`
	SlotID    string                 `json:"slot_id"`
	Data      map[string]interface{} `json:"data"`
}

// Создаем глобальный экземпляр хаба.
var HubInstance = NewHub()

// NewHub создает новый Hub.
func NewHub() *Hub {
	return &Hub{
		clients:    make(map[string]map[*Client]bool),
		register:   make(chan *Client),
		unregister: make(chan *Client),
		broadcast:  make(chan BroadcastMessage),
	}
}

// Run запускает цикл обработки каналов хаба.
func (h *Hub) Run() {
	for {
		select {
		case client := <-h.register:
			h.mu.Lock()
			if h.clients[client.SlotID] == nil {
				h.clients[client.SlotID] = make(map[*Client]bool)
			}
			h.clients[client.SlotID][client] = true
			h.mu.Unlock()
		case client := <-h.unregister:
			h.mu.Lock()
			if clients, ok := h.clients[client.SlotID]; ok {
				if _, ok := clients[client]; ok {
					delete(clients, client)
					close(client.Send)
					if len(clients) == 0 {
						delete(h.clients, client.SlotID)
					}
				}
			}
			h.mu.Unlock()
		case message := <-h.broadcast:
			h.mu.RLock()
			if clients, ok := h.clients[message.SlotID]; ok {
				for client := range clients {
					select {
					case client.Send <- message.Message:
					default:
						close(client.Send)
						delete(clients, client)
					}
				}
			}
			h.mu.RUnlock()
		}
	}
}

// Client представляет одно подключение через WebSocket.
type Client struct {
	Hub    *Hub
	Conn   *websocket.Conn
	Send   chan []byte
	SlotID string
}

// readPump читает сообщения из WebSocket-соединения.
// Входящие сообщения не обрабатываются, отслеживается только разрыв соединения.
func (c *Client) readPump() {
	defer func() {
		c.Hub.unregister <- c
		c.Conn.Close()
	}()
	c.Conn.SetReadLimit(512)
	c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
	c.Conn.SetPongHandler(func(string) error {
		c.Conn.SetReadDeadline(time.Now().Add(60 * time.Second))
		return nil
	})
	for {
		_, _, err := c.Conn.ReadMessage()
		if err != nil {
			break
		}
	}
}

// writePump отправляет сообщения клиенту из канала Send.
func (c *Client) writePump() {
	ticker := time.NewTicker(54 * time.Second)
	defer func() {
		ticker.Stop()
		c.Conn.Close()
	}()
	for {
		select {
		case message, ok := <-c.Send:
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if !ok {
				// Канал закрыт.
				c.Conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := c.Conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			// Отправка ping-сообщения для поддержания соединения.
			c.Conn.SetWriteDeadline(time.Now().Add(10 * time.Second))
			if err := c.Conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// Настраиваем апгрейдер для WebSocket с разрешением всех источников.
var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// SlotWebSocketHandler обновляет соединение до WebSocket и подписывает
// клиента на события доступности слота.
// URL-пример: /api/slots/{id}/ws
func SlotWebSocketHandler(c *gin.Context) {
	slotID := c.Param("id")
	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		http.Error(c.Writer, "Ошибка обновления до WebSocket", http.StatusInternalServerError)
		return
	}
	client := &Client{
		Hub:    HubInstance,
		Conn:   conn,
		Send:   make(chan []byte, 256),
		SlotID: slotID,
	}
	HubInstance.register <- client

	go client.writePump()
	client.readPump()
}

// BroadcastWSMessage сериализует событие и рассылает его подписчикам слота.
func (h *Hub) BroadcastWSMessage(msg WSMessage) {
	payload, err := json.Marshal(msg)
	if err != nil {
		log.Println("Ошибка сериализации WS сообщения:", err)
		return
	}
	h.broadcast <- BroadcastMessage{SlotID: msg.SlotID, Message: payload}
}

// BroadcastSlotUpdate рассылает текущее состояние вместимости слота.
func (h *Hub) BroadcastSlotUpdate(slot *models.TimeSlot, eventType string) {
	h.BroadcastWSMessage(WSMessage{
		EventType: eventType,
		SlotID:    strconv.Itoa(int(slot.ID)),
		Data: map[string]interface{}{
			"current_reservations": slot.CurrentReservations,
			"max_capacity":         slot.MaxCapacity,
			"available_seats":      slot.MaxCapacity - slot.CurrentReservations,
			"is_active":            slot.IsActive,
		},
	})
}
