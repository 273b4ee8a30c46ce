package realtime

import (
	"context"
	"sort"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// HubConfig tunes per subscriber buffering.
type HubConfig struct {
	Buffer int
	Logger *zap.Logger
	// OnDrop observes messages discarded for a slow subscriber.
	OnDrop func(room string)
}

// Hub is the in-process room registry. Delivery never blocks the emitter: a
// subscriber whose buffer is full misses the message.
type Hub struct {
	mu     sync.RWMutex
	rooms  map[string]map[*Subscription]struct{}
	buffer int
	logger *zap.Logger
	onDrop func(string)
}

var (
	_ Transport  = (*Hub)(nil)
	_ Subscriber = (*Hub)(nil)
)

func NewHub(cfg HubConfig) *Hub {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 16
	}
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	return &Hub{
		rooms:  make(map[string]map[*Subscription]struct{}),
		buffer: cfg.Buffer,
		logger: cfg.Logger,
		onDrop: cfg.OnDrop,
	}
}

// Subscription is one client's membership of a room.
type Subscription struct {
	Room string

	ch      chan Message
	once    sync.Once
	release func()
}

// C yields delivered messages. It is closed after Close.
func (s *Subscription) C() <-chan Message { return s.ch }

// Close leaves the room. It is safe to call more than once.
func (s *Subscription) Close() {
	s.once.Do(s.release)
}

func (h *Hub) Subscribe(_ context.Context, room string) (*Subscription, error) {
	sub := &Subscription{Room: room, ch: make(chan Message, h.buffer)}
	sub.release = func() { h.remove(sub) }

	h.mu.Lock()
	members, ok := h.rooms[room]
	if !ok {
		members = make(map[*Subscription]struct{})
		h.rooms[room] = members
	}
	members[sub] = struct{}{}
	h.mu.Unlock()
	return sub, nil
}

func (h *Hub) remove(sub *Subscription) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if members, ok := h.rooms[sub.Room]; ok {
		delete(members, sub)
		if len(members) == 0 {
			delete(h.rooms, sub.Room)
		}
	}
	close(sub.ch)
}

func (h *Hub) Emit(_ context.Context, room, event string, payload interface{}) error {
	msg, err := encode(room, event, payload)
	if err != nil {
		return err
	}
	h.deliver(msg)
	return nil
}

// Rooms lists rooms with at least one local subscriber, sorted.
func (h *Hub) Rooms(_ context.Context, prefix string) ([]string, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]string, 0, len(h.rooms))
	for room := range h.rooms {
		if strings.HasPrefix(room, prefix) {
			out = append(out, room)
		}
	}
	sort.Strings(out)
	return out, nil
}

// Listeners reports the number of local subscribers of room.
func (h *Hub) Listeners(room string) int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.rooms[room])
}

func (h *Hub) deliver(msg Message) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	for sub := range h.rooms[msg.Room] {
		select {
		case sub.ch <- msg:
		default:
			h.logger.Warn("realtime subscriber too slow, message dropped",
				zap.String("room", msg.Room), zap.String("event", msg.Event))
			if h.onDrop != nil {
				h.onDrop(msg.Room)
			}
		}
	}
}
