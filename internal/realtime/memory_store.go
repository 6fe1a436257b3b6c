package realtime

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"kasirkantin/backend/internal/domain"
)

type memorySession struct {
	session   domain.PosSession
	expiresAt time.Time
}

// MemorySessionStore is the single-process mirror used when Redis is not
// configured. Slow subscribers drop messages instead of blocking publishers.
type MemorySessionStore struct {
	mu          sync.Mutex
	sessions    map[string]memorySession
	subscribers map[string]map[int]chan []byte
	nextSubID   int
	now         func() time.Time
}

func NewMemorySessionStore() *MemorySessionStore {
	return &MemorySessionStore{
		sessions:    make(map[string]memorySession),
		subscribers: make(map[string]map[int]chan []byte),
		now:         time.Now,
	}
}

func (s *MemorySessionStore) Create(_ context.Context, session domain.PosSession, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sessions[session.ID] = memorySession{session: cloneSession(session), expiresAt: s.now().Add(ttl)}
	return nil
}

func (s *MemorySessionStore) Get(_ context.Context, id string) (domain.PosSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	entry, ok := s.lookup(id)
	if !ok {
		return domain.PosSession{}, ErrSessionNotFound
	}
	return cloneSession(entry.session), nil
}

func (s *MemorySessionStore) Update(_ context.Context, id string, ttl time.Duration, mutate func(*domain.PosSession) error) (domain.PosSession, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	entry, ok := s.lookup(id)
	if !ok {
		return domain.PosSession{}, ErrSessionNotFound
	}
	session := cloneSession(entry.session)
	if err := mutate(&session); err != nil {
		return domain.PosSession{}, err
	}
	payload, err := json.Marshal(session)
	if err != nil {
		return domain.PosSession{}, err
	}
	s.sessions[id] = memorySession{session: cloneSession(session), expiresAt: s.now().Add(ttl)}
	s.publishLocked(SessionChannel(id), payload)
	return session, nil
}

func (s *MemorySessionStore) Publish(_ context.Context, channel string, payload []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.publishLocked(channel, payload)
	return nil
}

func (s *MemorySessionStore) Subscribe(ctx context.Context, channel string) (<-chan []byte, error) {
	ch := make(chan []byte, 16)

	s.mu.Lock()
	s.nextSubID++
	subID := s.nextSubID
	if s.subscribers[channel] == nil {
		s.subscribers[channel] = make(map[int]chan []byte)
	}
	s.subscribers[channel][subID] = ch
	s.mu.Unlock()

	go func() {
		<-ctx.Done()
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.subscribers[channel], subID)
		if len(s.subscribers[channel]) == 0 {
			delete(s.subscribers, channel)
		}
		close(ch)
	}()
	return ch, nil
}

func (s *MemorySessionStore) lookup(id string) (memorySession, bool) {
	entry, ok := s.sessions[id]
	if !ok {
		return memorySession{}, false
	}
	if s.now().After(entry.expiresAt) {
		delete(s.sessions, id)
		return memorySession{}, false
	}
	return entry, true
}

func (s *MemorySessionStore) publishLocked(channel string, payload []byte) {
	for _, ch := range s.subscribers[channel] {
		msg := append([]byte(nil), payload...)
		select {
		case ch <- msg:
		default:
		}
	}
}

func cloneSession(src domain.PosSession) domain.PosSession {
	dst := src
	dst.Cart = make([]domain.SessionCartLine, len(src.Cart))
	copy(dst.Cart, src.Cart)
	if src.ChargeExpiresAt != nil {
		at := *src.ChargeExpiresAt
		dst.ChargeExpiresAt = &at
	}
	return dst
}
