package softphone

import (
	"sync"

	"github.com/google/uuid"
)

// newSessionID генерирует уникальный идентификатор сессии.
func newSessionID() string {
	return uuid.NewString()
}

// Registry - каноническое хранилище всех живых сессий вызовов.
//
// Все мутации атомарны относительно конкурентной доставки событий:
// обработчик события никогда не видит наполовину обновленную сессию.
// Удаление идемпотентно, потому что событие завершения может прийти
// больше одного раза (локальный hangup наперегонки с удаленным BYE).
type Registry struct {
	// Хранилище сессий по ID
	sessions map[string]*Session

	// Индекс по ID транспортного handle для быстрого поиска
	// при доставке событий сигнализации
	handleIndex map[string]string // handleID -> sessionID

	mu sync.RWMutex
}

// NewRegistry создает новое хранилище сессий.
func NewRegistry() *Registry {
	return &Registry{
		sessions:    make(map[string]*Session),
		handleIndex: make(map[string]string),
	}
}

// Add регистрирует сессию в хранилище.
func (r *Registry) Add(s *Session) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.sessions[s.id] = s
}

// Get возвращает сессию по ID.
func (r *Registry) Get(sessionID string) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, exists := r.sessions[sessionID]
	if !exists {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// BindHandle связывает транспортный handle с сессией.
// Вызывается когда транспорт вернул handle для исходящего вызова
// или при создании сессии входящего вызова.
func (r *Registry) BindHandle(sessionID string, h Handle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.handleIndex[h.ID()] = sessionID
}

// GetByHandle возвращает сессию, которой принадлежит транспортный handle.
func (r *Registry) GetByHandle(h Handle) (*Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessionID, exists := r.handleIndex[h.ID()]
	if !exists {
		return nil, ErrSessionNotFound
	}
	s, exists := r.sessions[sessionID]
	if !exists {
		return nil, ErrSessionNotFound
	}
	return s, nil
}

// Remove удаляет сессию из хранилища. Повторное удаление - no-op.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, exists := r.sessions[sessionID]
	if !exists {
		return
	}
	if s.handle != nil {
		delete(r.handleIndex, s.handle.ID())
	}
	delete(r.sessions, sessionID)
}

// All возвращает все живые сессии.
func (r *Registry) All() []*Session {
	r.mu.RLock()
	defer r.mu.RUnlock()

	sessions := make([]*Session, 0, len(r.sessions))
	for _, s := range r.sessions {
		sessions = append(sessions, s)
	}
	return sessions
}

// Count возвращает количество живых сессий.
func (r *Registry) Count() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
