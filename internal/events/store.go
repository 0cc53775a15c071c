// Package events keeps a bounded in-memory log of engine and audit
// events, and fans new events out to live subscribers (the WebSocket
// stream).
package events

import (
	"sync"
	"time"
)

// EventType classifies an event.
type EventType string

const (
	// Host auth events
	EventLogin       EventType = "login"
	EventLoginFailed EventType = "login_failed"
	EventLogout      EventType = "logout"

	// Cloud session events
	EventCloudLogin     EventType = "cloud_login"
	EventCloudAuthFatal EventType = "cloud_auth_fatal"

	// Device events
	EventReadingChanged EventType = "reading_changed"
	EventUnknownDevice  EventType = "unknown_device"
	EventDeviceStale    EventType = "device_stale"

	// Command channel events
	EventCommandSubmitted EventType = "command_submitted"
	EventCommandAck       EventType = "command_ack"
	EventQueueOverflow    EventType = "queue_overflow"

	// Engine lifecycle
	EventEngineStart EventType = "engine_start"
	EventEngineStop  EventType = "engine_stop"
)

// Event is one log entry. Payload carries the typed event body
// (state.ChangeEvent, command.Ack, ...) when there is one.
type Event struct {
	ID        int64       `json:"id"`
	Type      EventType   `json:"type"`
	Timestamp time.Time   `json:"timestamp"`
	Username  string      `json:"username,omitempty"`
	IP        string      `json:"ip,omitempty"`
	Success   bool        `json:"success"`
	Details   string      `json:"details,omitempty"`
	Payload   interface{} `json:"payload,omitempty"`
}

// Store holds events in memory with a fixed capacity (ring buffer).
type Store struct {
	mu      sync.RWMutex
	events  []Event
	maxSize int
	nextID  int64

	subs    map[int]chan Event
	nextSub int
}

// NewStore creates a new event store with specified max capacity.
func NewStore(maxSize int) *Store {
	return &Store{
		events:  make([]Event, 0, maxSize),
		maxSize: maxSize,
		subs:    make(map[int]chan Event),
	}
}

// Add records an audit event (host login/logout and similar).
func (s *Store) Add(eventType EventType, username, ip string, success bool, details string) {
	s.append(Event{
		Type:     eventType,
		Username: username,
		IP:       ip,
		Success:  success,
		Details:  details,
	})
}

// AddPayload records an engine event carrying a typed body.
func (s *Store) AddPayload(eventType EventType, details string, payload interface{}) {
	s.append(Event{
		Type:    eventType,
		Success: true,
		Details: details,
		Payload: payload,
	})
}

func (s *Store) append(event Event) {
	s.mu.Lock()

	s.nextID++
	event.ID = s.nextID
	event.Timestamp = time.Now()

	// Ring buffer: remove oldest if at max capacity
	if len(s.events) >= s.maxSize {
		s.events = s.events[1:]
	}
	s.events = append(s.events, event)

	subs := make([]chan Event, 0, len(s.subs))
	for _, ch := range s.subs {
		subs = append(subs, ch)
	}
	s.mu.Unlock()

	// Slow subscribers lose events rather than block the writer.
	for _, ch := range subs {
		select {
		case ch <- event:
		default:
		}
	}
}

// Subscribe registers a live event feed. The returned cancel func must
// be called when the consumer goes away.
func (s *Store) Subscribe() (<-chan Event, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan Event, 64)
	s.subs[id] = ch

	cancel := func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		if _, ok := s.subs[id]; ok {
			delete(s.subs, id)
			close(ch)
		}
	}
	return ch, cancel
}

// GetAll returns all events (newest first).
func (s *Store) GetAll() []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make([]Event, len(s.events))
	for i, e := range s.events {
		result[len(s.events)-1-i] = e
	}
	return result
}

// GetLast returns the last N events (newest first).
func (s *Store) GetLast(n int) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if n > len(s.events) {
		n = len(s.events)
	}

	result := make([]Event, n)
	for i := 0; i < n; i++ {
		result[i] = s.events[len(s.events)-1-i]
	}
	return result
}

// GetSince returns events newer than the given ID (newest first).
func (s *Store) GetSince(lastID int64) []Event {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []Event
	for i := len(s.events) - 1; i >= 0; i-- {
		if s.events[i].ID > lastID {
			result = append(result, s.events[i])
		} else {
			break
		}
	}
	return result
}

// Count returns the total number of events.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// LastID returns the ID of the most recent event.
func (s *Store) LastID() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nextID
}
