// Package transport tracks client sessions and rooms. A session buffers
// outbound messages; the HTTP layer drains it to the client.
package transport

import (
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"

	logx "chainwatch/pkg/logx"
)

var (
	ErrQueueFull      = errors.New("session queue full")
	ErrSessionClosed  = errors.New("session closed")
	ErrUnknownSession = errors.New("unknown session")
)

type Message struct {
	Event   string    `json:"event"`
	Payload any       `json:"payload"`
	Time    time.Time `json:"time"`
}

// Session is one connected client. Emit never blocks; a full outbox drops
// the message and reports ErrQueueFull.
type Session struct {
	id   string
	out  chan Message
	done chan struct{}

	mu     sync.Mutex
	closed bool
	rooms  map[string]struct{}
}

func (s *Session) ID() string { return s.id }

// Outbox yields queued messages. It is closed when the session closes.
func (s *Session) Outbox() <-chan Message { return s.out }

func (s *Session) Done() <-chan struct{} { return s.done }

func (s *Session) Emit(event string, payload any) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrSessionClosed
	}
	select {
	case s.out <- Message{Event: event, Payload: payload, Time: time.Now()}:
		return nil
	default:
		return ErrQueueFull
	}
}

func (s *Session) close() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.closed = true
	close(s.done)
	close(s.out)
	return true
}

type Hub struct {
	log    logx.Logger
	buffer int

	mu       sync.Mutex
	sessions map[string]*Session
	rooms    map[string]map[string]*Session
	onClose  []func(sessionID string)
}

// NewHub creates a hub whose sessions buffer up to buffer messages (default 64).
func NewHub(buffer int, log logx.Logger) *Hub {
	if buffer <= 0 {
		buffer = 64
	}
	return &Hub{
		log:      log.With(logx.String("comp", "hub")),
		buffer:   buffer,
		sessions: make(map[string]*Session),
		rooms:    make(map[string]map[string]*Session),
	}
}

// OnClose registers fn to run after a session closes.
func (h *Hub) OnClose(fn func(sessionID string)) {
	h.mu.Lock()
	h.onClose = append(h.onClose, fn)
	h.mu.Unlock()
}

func (h *Hub) Open() *Session {
	s := &Session{
		id:    uuid.NewString(),
		out:   make(chan Message, h.buffer),
		done:  make(chan struct{}),
		rooms: make(map[string]struct{}),
	}
	h.mu.Lock()
	h.sessions[s.id] = s
	n := len(h.sessions)
	h.mu.Unlock()
	h.log.Debug("session opened", logx.String("session", s.id), logx.Int("sessions", n))
	return s
}

func (h *Hub) Get(id string) (*Session, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	return s, ok
}

// Close ends the session, leaves its rooms and runs the OnClose hooks.
func (h *Hub) Close(id string) bool {
	h.mu.Lock()
	s, ok := h.sessions[id]
	if ok {
		delete(h.sessions, id)
		s.mu.Lock()
		for room := range s.rooms {
			h.leaveLocked(room, id)
		}
		s.mu.Unlock()
	}
	hooks := append([]func(string){}, h.onClose...)
	h.mu.Unlock()
	if !ok || !s.close() {
		return false
	}
	for _, fn := range hooks {
		fn(id)
	}
	h.log.Debug("session closed", logx.String("session", id))
	return true
}

// CloseAll closes every session.
func (h *Hub) CloseAll() int {
	h.mu.Lock()
	ids := lo.Keys(h.sessions)
	h.mu.Unlock()
	n := 0
	for _, id := range ids {
		if h.Close(id) {
			n++
		}
	}
	return n
}

func (h *Hub) Join(id, room string) error {
	h.mu.Lock()
	defer h.mu.Unlock()
	s, ok := h.sessions[id]
	if !ok {
		return ErrUnknownSession
	}
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[string]*Session)
		h.rooms[room] = members
	}
	members[id] = s
	s.mu.Lock()
	s.rooms[room] = struct{}{}
	s.mu.Unlock()
	return nil
}

func (h *Hub) Leave(id, room string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if s, ok := h.sessions[id]; ok {
		s.mu.Lock()
		delete(s.rooms, room)
		s.mu.Unlock()
	}
	h.leaveLocked(room, id)
}

func (h *Hub) leaveLocked(room, id string) {
	members := h.rooms[room]
	delete(members, id)
	if len(members) == 0 {
		delete(h.rooms, room)
	}
}

// Broadcast emits to every member of room and returns how many accepted it.
func (h *Hub) Broadcast(room, event string, payload any) int {
	h.mu.Lock()
	members := lo.Values(h.rooms[room])
	h.mu.Unlock()

	n := 0
	for _, s := range members {
		if err := s.Emit(event, payload); err != nil {
			h.log.Debug("broadcast dropped", logx.String("session", s.id), logx.String("room", room), logx.Err(err))
			continue
		}
		n++
	}
	return n
}

func (h *Hub) Len() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.sessions)
}

// Rooms returns member counts per room.
func (h *Hub) Rooms() map[string]int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return lo.MapValues(h.rooms, func(m map[string]*Session, _ string) int { return len(m) })
}

// RoomNames returns the rooms in sorted order.
func (h *Hub) RoomNames() []string {
	h.mu.Lock()
	names := lo.Keys(h.rooms)
	h.mu.Unlock()
	sort.Strings(names)
	return names
}
