package ws

import (
	"sync"

	"github.com/ramanand00/Nuvyra-x/internal/metrics"
)

// Hub 是进程级的连接登记表：按连接 ID 记录所有在线连接，按会话 ID
// 记录各房间的成员。条目在连接断开时移除，所有访问都持锁。
// 房间成员关系只存在于内存，进程重启即清空。
type Hub struct {
	mu    sync.RWMutex
	conns map[string]*Client
	rooms map[uint]map[*Client]bool
}

func NewHub() *Hub {
	return &Hub{
		conns: make(map[string]*Client),
		rooms: make(map[uint]map[*Client]bool),
	}
}

// register 把新连接加入登记表。
func (h *Hub) register(c *Client) {
	h.mu.Lock()
	h.conns[c.id] = c
	h.mu.Unlock()
	metrics.WsConnections.Inc()
}

// unregister 移除连接及其全部房间成员关系，并通知写协程收尾。
func (h *Hub) unregister(c *Client) {
	h.mu.Lock()
	ok := h.dropLocked(c)
	h.mu.Unlock()
	if ok {
		metrics.WsConnections.Dec()
	}
}

// dropLocked 在持锁状态下把连接从登记表和所有房间里清理掉。done
// 只会在这里关闭一次；send 通道从不关闭，读协程（sendEvent）随时
// 可能还在往里写。
func (h *Hub) dropLocked(c *Client) bool {
	if _, ok := h.conns[c.id]; !ok {
		return false
	}
	delete(h.conns, c.id)
	for chatID, members := range h.rooms {
		if members[c] {
			delete(members, c)
			if len(members) == 0 {
				delete(h.rooms, chatID)
			}
		}
	}
	close(c.done)
	return true
}

// join 把连接加入某个会话的房间。成员资格校验由调用方（conn.go）
// 在查库确认参与者身份之后完成。
func (h *Hub) join(c *Client, chatID uint) {
	h.mu.Lock()
	members := h.rooms[chatID]
	if members == nil {
		members = make(map[*Client]bool)
		h.rooms[chatID] = members
	}
	members[c] = true
	h.mu.Unlock()
	metrics.WsRoomJoinsTotal.Inc()
}

// leave 把连接移出某个会话的房间。
func (h *Hub) leave(c *Client, chatID uint) {
	h.mu.Lock()
	if members := h.rooms[chatID]; members != nil {
		delete(members, c)
		if len(members) == 0 {
			delete(h.rooms, chatID)
		}
	}
	h.mu.Unlock()
}

// Online 返回某会话房间当前的连接数，房间不存在时为 0。
func (h *Hub) Online(chatID uint) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[chatID])
}

// BroadcastToRoom 把负载发给房间里 userID 不等于 excludeUserID 的
// 全部连接。房间为空则什么都不做；发送缓冲已满的慢客户端直接踢掉，
// 它重连后会通过 REST 重新同步。
func (h *Hub) BroadcastToRoom(chatID, excludeUserID uint, payload []byte) {
	h.mu.Lock()
	dropped := h.sendToRoomLocked(chatID, payload, func(c *Client) bool { return c.userID == excludeUserID })
	h.mu.Unlock()
	for range dropped {
		metrics.WsConnections.Dec()
	}
}

// broadcastToRoomFrom 供连接内的瞬态事件（typing）复用，把负载发给
// 房间里除发起连接外的成员。
func (h *Hub) broadcastToRoomFrom(chatID uint, from *Client, payload []byte) {
	h.mu.Lock()
	dropped := h.sendToRoomLocked(chatID, payload, func(c *Client) bool { return c == from })
	h.mu.Unlock()
	for range dropped {
		metrics.WsConnections.Dec()
	}
}

func (h *Hub) sendToRoomLocked(chatID uint, payload []byte, skip func(*Client) bool) []*Client {
	var dropped []*Client
	for c := range h.rooms[chatID] {
		if skip(c) {
			continue
		}
		select {
		case c.send <- payload:
		default:
			if h.dropLocked(c) {
				dropped = append(dropped, c)
			}
		}
	}
	return dropped
}

// isMember 判断连接当前是否在某个房间里。
func (h *Hub) isMember(c *Client, chatID uint) bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.rooms[chatID][c]
}
