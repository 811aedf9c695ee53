package memory

import (
	"sync"

	"github.com/mkarlsen/ragline/internal/models"
)

const defaultMaxMessages = 10

// SessionMemory keeps a bounded sliding window of recent messages per
// session id. Appends evict the oldest messages first. Sessions are
// isolated from each other; concurrent writers to the same session are
// assumed single-writer by the caller.
type SessionMemory struct {
	mu          sync.RWMutex
	maxMessages int
	sessions    map[string][]models.ChatMessage
}

func New(maxMessages int) *SessionMemory {
	if maxMessages <= 0 {
		maxMessages = defaultMaxMessages
	}
	return &SessionMemory{
		maxMessages: maxMessages,
		sessions:    make(map[string][]models.ChatMessage),
	}
}

func (m *SessionMemory) AddMessage(sessionID string, message models.ChatMessage) {
	m.mu.Lock()
	defer m.mu.Unlock()
	window := append(m.sessions[sessionID], message)
	if len(window) > m.maxMessages {
		window = window[len(window)-m.maxMessages:]
	}
	m.sessions[sessionID] = window
}

func (m *SessionMemory) GetHistory(sessionID string) []models.ChatMessage {
	m.mu.RLock()
	defer m.mu.RUnlock()
	window := m.sessions[sessionID]
	out := make([]models.ChatMessage, len(window))
	copy(out, window)
	return out
}

func (m *SessionMemory) ClearHistory(sessionID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.sessions, sessionID)
}
