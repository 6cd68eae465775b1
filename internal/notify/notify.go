// Package notify carries side-channel events (message added, room despawned,
// accounts logged out) from the engine to outside observers. Delivery is
// fire-and-forget: publishing never blocks the caller.
package notify

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/wmaynard/chat-service-sub000/internal/metrics"
	"github.com/wmaynard/chat-service-sub000/internal/models"
)

// Event kinds.
const (
	KindMessageAdded      = "message_added"
	KindRoomDespawned     = "room_despawned"
	KindAccountsLoggedOut = "accounts_logged_out"
)

// Event is the wire form handed to sinks.
type Event struct {
	Kind     string          `json:"kind"`
	At       time.Time       `json:"at"`
	RoomID   string          `json:"room_id,omitempty"`
	RoomType models.RoomType `json:"room_type,omitempty"`
	Language string          `json:"language,omitempty"`
	Message  *models.Message `json:"message,omitempty"`
	Accounts []string        `json:"accounts,omitempty"`
}

// Notifier receives engine events.
type Notifier interface {
	MessageAdded(room *models.Room, msg models.Message)
	RoomDespawned(room *models.Room)
	AccountsLoggedOut(accountIDs []string)
}

// Sink delivers events somewhere.
type Sink interface {
	Publish(ctx context.Context, ev Event) error
}

// Nop discards every event.
type Nop struct{}

func (Nop) MessageAdded(*models.Room, models.Message) {}
func (Nop) RoomDespawned(*models.Room)                {}
func (Nop) AccountsLoggedOut([]string)                {}

// Dispatcher is a Notifier that queues events and publishes them to its sinks
// from a background goroutine. When the queue is full, events are dropped.
type Dispatcher struct {
	sinks   []Sink
	queue   chan Event
	logger  zerolog.Logger
	timeout time.Duration

	mu     sync.RWMutex
	closed bool
	done   chan struct{}
}

// NewDispatcher starts a dispatcher with a queue of the given size.
func NewDispatcher(logger zerolog.Logger, size int, sinks ...Sink) *Dispatcher {
	if size <= 0 {
		size = 1024
	}
	d := &Dispatcher{
		sinks:   sinks,
		queue:   make(chan Event, size),
		logger:  logger,
		timeout: 5 * time.Second,
		done:    make(chan struct{}),
	}
	go d.run()
	return d
}

func (d *Dispatcher) run() {
	defer close(d.done)
	for ev := range d.queue {
		for _, s := range d.sinks {
			ctx, cancel := context.WithTimeout(context.Background(), d.timeout)
			if err := s.Publish(ctx, ev); err != nil {
				d.logger.Warn().Err(err).Str("kind", ev.Kind).Msg("notification publish failed")
			}
			cancel()
		}
	}
}

// enqueue drops the event when the queue is full or the dispatcher is closed.
func (d *Dispatcher) enqueue(ev Event) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	if d.closed {
		metrics.NotificationsDropped.WithLabelValues(ev.Kind).Inc()
		return
	}
	select {
	case d.queue <- ev:
	default:
		metrics.NotificationsDropped.WithLabelValues(ev.Kind).Inc()
	}
}

// Close stops accepting events and waits for the queue to drain. It is safe
// to call more than once.
func (d *Dispatcher) Close() {
	d.mu.Lock()
	if !d.closed {
		d.closed = true
		close(d.queue)
	}
	d.mu.Unlock()
	<-d.done
}

func (d *Dispatcher) MessageAdded(room *models.Room, msg models.Message) {
	d.enqueue(Event{
		Kind:     KindMessageAdded,
		At:       time.Now(),
		RoomID:   room.ID,
		RoomType: room.Type,
		Language: room.Language,
		Message:  &msg,
	})
}

func (d *Dispatcher) RoomDespawned(room *models.Room) {
	d.enqueue(Event{
		Kind:     KindRoomDespawned,
		At:       time.Now(),
		RoomID:   room.ID,
		RoomType: room.Type,
		Language: room.Language,
	})
}

func (d *Dispatcher) AccountsLoggedOut(accountIDs []string) {
	if len(accountIDs) == 0 {
		return
	}
	d.enqueue(Event{
		Kind:     KindAccountsLoggedOut,
		At:       time.Now(),
		Accounts: append([]string(nil), accountIDs...),
	})
}
