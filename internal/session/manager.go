package session

import (
	"context"
	"errors"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusActive Status = "active"
	StatusEnded  Status = "ended"
)

var (
	ErrNotFound         = errors.New("session not found")
	ErrEnded            = errors.New("session ended")
	ErrAlreadyExists    = errors.New("session already exists")
	ErrAlreadyConnected = errors.New("session already has a live connection")
)

// Session is the registry view of one call. The live controller for it is
// owned by the connection handler.
type Session struct {
	ID             string    `json:"session_id"`
	ConversationID string    `json:"conversation_id"`
	Status         Status    `json:"status"`
	Connected      bool      `json:"connected"`
	ActiveTurnID   string    `json:"active_turn_id"`
	TurnCount      int       `json:"turn_count"`
	StartedAt      time.Time `json:"started_at"`
	LastActivityAt time.Time `json:"last_activity_at"`
	EndedAt        time.Time `json:"ended_at,omitzero"`
}

type Manager struct {
	mu                sync.RWMutex
	sessions          map[string]*Session
	inactivityTimeout time.Duration
	onExpire          func(*Session)
	now               func() time.Time
}

func NewManager(inactivityTimeout time.Duration) *Manager {
	if inactivityTimeout <= 0 {
		inactivityTimeout = 2 * time.Minute
	}
	return &Manager{
		sessions:          make(map[string]*Session),
		inactivityTimeout: inactivityTimeout,
		now:               func() time.Time { return time.Now().UTC() },
	}
}

func (m *Manager) InactivityTimeout() time.Duration { return m.inactivityTimeout }

func (m *Manager) SetExpireHook(hook func(*Session)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.onExpire = hook
}

// Create registers a new session. An empty id gets a generated one and an
// empty conversation id defaults to the creation time in Unix milliseconds.
// Reusing the id of an ended session replaces it.
func (m *Manager) Create(sessionID, conversationID string) (*Session, error) {
	now := m.now()
	sessionID = strings.TrimSpace(sessionID)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	conversationID = strings.TrimSpace(conversationID)
	if conversationID == "" {
		conversationID = strconv.FormatInt(now.UnixMilli(), 10)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if existing, ok := m.sessions[sessionID]; ok && existing.Status == StatusActive {
		return nil, ErrAlreadyExists
	}
	s := &Session{
		ID:             sessionID,
		ConversationID: conversationID,
		Status:         StatusActive,
		StartedAt:      now,
		LastActivityAt: now,
	}
	m.sessions[s.ID] = s
	return clone(s), nil
}

func (m *Manager) Get(sessionID string) (*Session, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	return clone(s), nil
}

// Attach marks a session as owned by a live connection. A session holds at
// most one connection at a time.
func (m *Manager) Attach(sessionID string) (*Session, error) {
	return m.update(sessionID, func(s *Session) error {
		if s.Status != StatusActive {
			return ErrEnded
		}
		if s.Connected {
			return ErrAlreadyConnected
		}
		s.Connected = true
		return nil
	})
}

// Detach releases the connection and ends the session.
func (m *Manager) Detach(sessionID string) (*Session, error) {
	return m.update(sessionID, func(s *Session) error {
		s.Connected = false
		m.endLocked(s)
		return nil
	})
}

func (m *Manager) Touch(sessionID string) error {
	_, err := m.update(sessionID, func(*Session) error { return nil })
	return err
}

func (m *Manager) StartTurn(sessionID, turnID string) error {
	_, err := m.update(sessionID, func(s *Session) error {
		s.ActiveTurnID = turnID
		s.TurnCount++
		return nil
	})
	return err
}

// EndTurn clears the active turn if it is still turnID.
func (m *Manager) EndTurn(sessionID, turnID string) error {
	_, err := m.update(sessionID, func(s *Session) error {
		if s.ActiveTurnID == turnID {
			s.ActiveTurnID = ""
		}
		return nil
	})
	return err
}

func (m *Manager) End(sessionID string) (*Session, error) {
	return m.update(sessionID, func(s *Session) error {
		m.endLocked(s)
		return nil
	})
}

func (m *Manager) update(sessionID string, fn func(*Session) error) (*Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	if err := fn(s); err != nil {
		return nil, err
	}
	s.LastActivityAt = m.now()
	return clone(s), nil
}

func (m *Manager) endLocked(s *Session) {
	if s.Status == StatusEnded {
		return
	}
	s.Status = StatusEnded
	s.ActiveTurnID = ""
	s.EndedAt = m.now()
}

func (m *Manager) StartJanitor(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				m.expireInactive()
			}
		}
	}()
}

func (m *Manager) ActiveCount() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	count := 0
	for _, s := range m.sessions {
		if s.Status == StatusActive {
			count++
		}
	}
	return count
}

// expireInactive ends idle sessions that have no live connection and forgets
// sessions that ended more than one inactivity period ago.
func (m *Manager) expireInactive() {
	now := m.now()
	var expired []*Session

	m.mu.Lock()
	for id, s := range m.sessions {
		if s.Status == StatusEnded {
			if now.Sub(s.EndedAt) >= m.inactivityTimeout {
				delete(m.sessions, id)
			}
			continue
		}
		if s.Connected || now.Sub(s.LastActivityAt) < m.inactivityTimeout {
			continue
		}
		m.endLocked(s)
		expired = append(expired, clone(s))
	}
	hook := m.onExpire
	m.mu.Unlock()

	if hook != nil {
		for _, s := range expired {
			hook(s)
		}
	}
}

func clone(s *Session) *Session {
	c := *s
	return &c
}
