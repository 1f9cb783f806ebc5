package ws

import "sync"

// Hub tracks the sessions of one room in this process. It never moves
// messages between them; that only happens through the mailbox.
type Hub struct {
	sessions map[*Session]bool
	mu       sync.RWMutex
}

// NewHub creates an empty Hub.
func NewHub() *Hub {
	return &Hub{
		sessions: make(map[*Session]bool),
	}
}

// Register adds a session to the hub.
func (h *Hub) Register(s *Session) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.sessions[s] = true
}

// Unregister removes a session from the hub and returns how many remain.
func (h *Hub) Unregister(s *Session) int {
	h.mu.Lock()
	defer h.mu.Unlock()
	delete(h.sessions, s)
	return len(h.sessions)
}

// SessionCount returns the number of registered sessions.
func (h *Hub) SessionCount() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.sessions)
}

// Close closes every registered session.
func (h *Hub) Close() {
	h.mu.RLock()
	sessions := make([]*Session, 0, len(h.sessions))
	for s := range h.sessions {
		sessions = append(sessions, s)
	}
	h.mu.RUnlock()

	for _, s := range sessions {
		s.Close()
	}
}

// HubManager manages the hubs of every room with open sessions.
type HubManager struct {
	hubs map[string]*Hub
	mu   sync.RWMutex
}

// NewHubManager creates a new HubManager.
func NewHubManager() *HubManager {
	return &HubManager{
		hubs: make(map[string]*Hub),
	}
}

// Join registers s with its room's hub, creating the hub if needed.
func (m *HubManager) Join(s *Session) *Hub {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := string(s.room)
	hub, ok := m.hubs[key]
	if !ok {
		hub = NewHub()
		m.hubs[key] = hub
	}
	hub.Register(s)
	return hub
}

// Leave unregisters s and drops its hub once empty.
func (m *HubManager) Leave(s *Session) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := string(s.room)
	hub, ok := m.hubs[key]
	if !ok {
		return
	}
	if hub.Unregister(s) == 0 {
		delete(m.hubs, key)
	}
}

// RoomCount returns the number of rooms with open sessions.
func (m *HubManager) RoomCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.hubs)
}

// SessionCount returns the number of open sessions across all rooms.
func (m *HubManager) SessionCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, hub := range m.hubs {
		n += hub.SessionCount()
	}
	return n
}

// Close closes every session of every hub. Hubs drop out as their
// sessions finish.
func (m *HubManager) Close() {
	m.mu.RLock()
	hubs := make([]*Hub, 0, len(m.hubs))
	for _, hub := range m.hubs {
		hubs = append(hubs, hub)
	}
	m.mu.RUnlock()

	for _, hub := range hubs {
		hub.Close()
	}
}
