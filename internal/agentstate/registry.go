// Package agentstate tracks the in-memory progress of agent runs, keyed by
// experiment id.
package agentstate

import (
	"sort"
	"sync"
	"time"

	"github.com/bjsi/vibe-controller/internal/debug"
	"github.com/bjsi/vibe-controller/internal/eventq"
)

// Run statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusCompleted = "completed"
	StatusError     = "error"
	StatusEnded     = "ended"
)

// Message types.
const (
	TypeInfo    = "info"
	TypeWarning = "warning"
	TypeError   = "error"
	TypeSuccess = "success"
)

// Message is one entry in a run's log.
type Message struct {
	Timestamp time.Time `json:"timestamp"`
	Content   string    `json:"content"`
	Type      string    `json:"type"`
}

// State is a snapshot of one run.
type State struct {
	ID               string    `json:"id"`
	Status           string    `json:"status"`
	StartTime        time.Time `json:"startTime"`
	LastUpdate       time.Time `json:"lastUpdate"`
	Error            string    `json:"error,omitempty"`
	Messages         []Message `json:"messages"`
	DroppedTelemetry int       `json:"droppedTelemetry"`
}

// Terminal reports whether the run has stopped producing status changes.
func (s State) Terminal() bool {
	switch s.Status {
	case StatusCompleted, StatusError, StatusEnded:
		return true
	}
	return false
}

func (s State) clone() State {
	s.Messages = append([]Message(nil), s.Messages...)
	if s.Messages == nil {
		s.Messages = []Message{}
	}
	return s
}

// Patch is a shallow update. Nil fields are left unchanged.
type Patch struct {
	Status           *string
	Error            *string
	StartTime        *time.Time
	LastUpdate       *time.Time
	DroppedTelemetry *int
}

// Ptr returns a pointer to v, for building patches.
func Ptr[T any](v T) *T { return &v }

type subscriber struct {
	id string
	ch chan State
}

// Registry is the single owner of run state. All methods are safe for
// concurrent use and return copies.
type Registry struct {
	mu     sync.RWMutex
	states map[string]*State
	subs   map[int]subscriber
	nextID int
	now    func() time.Time
}

func NewRegistry() *Registry {
	return &Registry{
		states: make(map[string]*State),
		subs:   make(map[int]subscriber),
		now:    time.Now,
	}
}

// Create installs a fresh pending record for id, replacing any previous one.
func (r *Registry) Create(id string) State {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now().UTC()
	st := &State{
		ID:         id,
		Status:     StatusPending,
		StartTime:  now,
		LastUpdate: now,
		Messages:   []Message{},
	}
	r.states[id] = st
	snap := st.clone()
	r.publishLocked(snap)
	return snap
}

// AddMessage appends a message to the run log. It returns false, and creates
// nothing, when id has no record.
//
// An error message moves the run to error and records the first error text.
// An info message moves a pending run to running.
func (r *Registry) AddMessage(id, content, msgType string) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[id]
	if !ok {
		debug.LogKV("agentstate", "message for unknown run dropped", "id", id, "type", msgType)
		return State{}, false
	}

	now := r.now().UTC()
	st.Messages = append(st.Messages, Message{Timestamp: now, Content: content, Type: msgType})
	switch msgType {
	case TypeError:
		if st.Status != StatusError {
			st.Status = StatusError
			st.Error = content
		} else if st.Error == "" {
			st.Error = content
		}
	case TypeInfo:
		if st.Status == StatusPending {
			st.Status = StatusRunning
		}
	}
	st.LastUpdate = now

	snap := st.clone()
	r.publishLocked(snap)
	return snap, true
}

// Update applies p to the record for id. Messages are never touched.
func (r *Registry) Update(id string, p Patch) (State, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()

	st, ok := r.states[id]
	if !ok {
		debug.LogKV("agentstate", "update for unknown run dropped", "id", id)
		return State{}, false
	}
	if p.Status != nil {
		st.Status = *p.Status
	}
	if p.Error != nil {
		st.Error = *p.Error
	}
	if p.StartTime != nil {
		st.StartTime = *p.StartTime
	}
	if p.DroppedTelemetry != nil {
		st.DroppedTelemetry = *p.DroppedTelemetry
	}
	if p.LastUpdate != nil {
		st.LastUpdate = *p.LastUpdate
	} else {
		st.LastUpdate = r.now().UTC()
	}

	snap := st.clone()
	r.publishLocked(snap)
	return snap, true
}

func (r *Registry) Get(id string) (State, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	st, ok := r.states[id]
	if !ok {
		return State{}, false
	}
	return st.clone(), true
}

func (r *Registry) Delete(id string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	_, ok := r.states[id]
	delete(r.states, id)
	return ok
}

// All returns every record sorted by id.
func (r *Registry) All() []State {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]State, 0, len(r.states))
	for _, st := range r.states {
		out = append(out, st.clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Subscribe returns a channel receiving a snapshot after every mutation of
// id, starting with the current one if the record exists. Slow readers only
// see the latest snapshot. The returned func unsubscribes and closes the
// channel.
func (r *Registry) Subscribe(id string) (<-chan State, func()) {
	ch := make(chan State, 1)

	r.mu.Lock()
	key := r.nextID
	r.nextID++
	r.subs[key] = subscriber{id: id, ch: ch}
	if st, ok := r.states[id]; ok {
		eventq.OfferLatest(ch, st.clone())
	}
	r.mu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			r.mu.Lock()
			delete(r.subs, key)
			close(ch)
			r.mu.Unlock()
		})
	}
}

func (r *Registry) publishLocked(snap State) {
	for _, sub := range r.subs {
		if sub.id == snap.ID {
			eventq.OfferLatest(sub.ch, snap.clone())
		}
	}
}
