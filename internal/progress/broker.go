// Package progress fans deployment step events out to dashboards and CLIs.
// Broadcasting is fire-and-forget: a slow or disconnected subscriber never
// blocks the orchestration step that produced the event.
package progress

import (
	"context"
	"encoding/json"
	"sync"
	"time"
)

// Finished sessions stay replayable for a while, then the janitor drops them
// so a long-lived server does not accumulate every deployment's history.
const (
	sessionRetention = 10 * time.Minute
	janitorInterval  = time.Minute
)

// EventType classifies a progress event.
type EventType string

const (
	EventStep     EventType = "step"
	EventComplete EventType = "complete"
	EventError    EventType = "error"
	EventLog      EventType = "log"
)

// EventData carries the step payload.
type EventData struct {
	Step       string  `json:"step,omitempty"`
	Slot       string  `json:"slot,omitempty"`
	PreviewURL string  `json:"previewUrl,omitempty"`
	Error      string  `json:"error,omitempty"`
	Duration   float64 `json:"duration,omitempty"`
	Message    string  `json:"message,omitempty"`
}

// Event is one progress frame on a deployment session stream.
type Event struct {
	Type      EventType `json:"type"`
	DeployID  string    `json:"deployId"`
	Timestamp time.Time `json:"timestamp"`
	Data      EventData `json:"data"`
}

// Subscriber abstracts a streaming client.
type Subscriber interface {
	Send([]byte) error
	Close()
}

// session holds one deployment's subscribers and its replay history.
type session struct {
	history    [][]byte
	clients    map[Subscriber]chan [][]byte
	complete   bool
	finishedAt time.Time
}

// Broker manages per-deployment progress sessions. Each subscriber gets a
// bounded buffer; when it fills, the oldest frames are dropped.
type Broker struct {
	mu        sync.Mutex
	sessions  map[string]*session
	buffer    int
	retention time.Duration
}

// NewBroker creates a Broker with the given per-subscriber buffer size.
func NewBroker(buffer int) *Broker {
	if buffer <= 0 {
		buffer = 64
	}
	return &Broker{
		sessions:  make(map[string]*session),
		buffer:    buffer,
		retention: sessionRetention,
	}
}

// Publish appends the event to the session history and delivers it to every
// subscriber without blocking.
func (b *Broker) Publish(event Event) {
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return
	}
	b.mu.Lock()
	s := b.sessions[event.DeployID]
	if s == nil {
		s = &session{clients: make(map[Subscriber]chan [][]byte)}
		b.sessions[event.DeployID] = s
	}
	s.history = append(s.history, payload)
	if event.Type == EventComplete || event.Type == EventError {
		s.complete = true
		s.finishedAt = event.Timestamp
	}
	for _, q := range s.clients {
		enqueue(q, payload)
	}
	b.mu.Unlock()
}

// enqueue pushes a frame, dropping the oldest batch when the queue is full.
// It never blocks, so it is safe to call under the broker mutex.
func enqueue(q chan [][]byte, payload []byte) {
	for {
		select {
		case q <- [][]byte{payload}:
			return
		default:
			select {
			case <-q:
			default:
			}
		}
	}
}

// Subscribe attaches a client to a session. A late subscriber first receives
// the already-completed steps' terminal states, then live frames.
func (b *Broker) Subscribe(deployID string, client Subscriber) {
	b.mu.Lock()
	s := b.sessions[deployID]
	if s == nil {
		s = &session{clients: make(map[Subscriber]chan [][]byte)}
		b.sessions[deployID] = s
	}
	replay := append([][]byte(nil), s.history...)
	q := make(chan [][]byte, b.buffer)
	s.clients[client] = q
	b.mu.Unlock()

	go func() {
		for _, frame := range replay {
			if client.Send(frame) != nil {
				b.Unsubscribe(deployID, client)
				return
			}
		}
		for batch := range q {
			for _, frame := range batch {
				if client.Send(frame) != nil {
					b.Unsubscribe(deployID, client)
					return
				}
			}
		}
	}()
}

// Unsubscribe detaches a client and closes its queue. A session that was only
// ever subscribed to, with no events published, is pruned with its last client.
func (b *Broker) Unsubscribe(deployID string, client Subscriber) {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.sessions[deployID]
	if s == nil {
		return
	}
	if q, ok := s.clients[client]; ok {
		delete(s.clients, client)
		close(q)
		client.Close()
	}
	if len(s.clients) == 0 && len(s.history) == 0 {
		delete(b.sessions, deployID)
	}
}

// Drop removes a finished session and disconnects its subscribers.
func (b *Broker) Drop(deployID string) {
	b.mu.Lock()
	s := b.sessions[deployID]
	delete(b.sessions, deployID)
	b.mu.Unlock()
	if s == nil {
		return
	}
	for client, q := range s.clients {
		close(q)
		client.Close()
	}
}

// Completed reports whether the session has reached a terminal event.
func (b *Broker) Completed(deployID string) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	s := b.sessions[deployID]
	return s != nil && s.complete
}

// Run drops finished sessions once their replay-retention window passes,
// until the context ends.
func (b *Broker) Run(ctx context.Context) {
	ticker := time.NewTicker(janitorInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			b.sweep(time.Now().UTC())
		}
	}
}

// sweep drops every session whose terminal event is older than the retention
// window. Sessions still streaming are untouched.
func (b *Broker) sweep(now time.Time) int {
	b.mu.Lock()
	expired := make([]string, 0)
	for id, s := range b.sessions {
		if s.complete && now.Sub(s.finishedAt) >= b.retention {
			expired = append(expired, id)
		}
	}
	b.mu.Unlock()
	for _, id := range expired {
		b.Drop(id)
	}
	return len(expired)
}
