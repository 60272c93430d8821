package playback

import (
	"fmt"
	"sync"

	"github.com/zsiec/framepipe/internal/media"
)

// State is the controller's playback state.
type State int

const (
	Idle State = iota
	Buffering
	Playing
	Paused
	Seeking
	Ended
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Buffering:
		return "buffering"
	case Playing:
		return "playing"
	case Paused:
		return "paused"
	case Seeking:
		return "seeking"
	case Ended:
		return "ended"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// EventType names a controller event.
type EventType string

const (
	EventStateChange EventType = "statechange"
	EventFrame       EventType = "frame"
	EventBuffering   EventType = "buffering"
	EventError       EventType = "error"
	EventEnded       EventType = "ended"
)

// FrameEvent describes a frame due for display. The handle stays valid for
// the duration of the listener call; AddRef it on the storage to keep it.
type FrameEvent struct {
	Info         media.FrameInfo `json:"info"`
	ShouldDrop   bool            `json:"shouldDrop"`
	ShouldRepeat bool            `json:"shouldRepeat"`
	// Preview marks the frame decoded for a seek while paused.
	Preview bool    `json:"preview,omitempty"`
	DriftMs float64 `json:"driftMs"`
}

// Event is delivered to listeners.
type Event struct {
	Type     EventType   `json:"type"`
	State    State       `json:"state"`
	Previous *State      `json:"previous,omitempty"`
	Frame    *FrameEvent `json:"frame,omitempty"`
	Progress float64     `json:"progress,omitempty"`
	Message  string      `json:"message,omitempty"`
	Err      error       `json:"-"`
}

// Listener receives events synchronously on the goroutine that produced
// them. Listeners must not call back into the Controller.
type Listener func(Event)

// Subscription is returned by Subscribe.
type Subscription struct {
	id   uint64
	bus  *bus
	once sync.Once
}

// Unsubscribe stops delivery. Calling it more than once is harmless.
func (s *Subscription) Unsubscribe() {
	s.once.Do(func() { s.bus.remove(s.id) })
}

type subscriber struct {
	id uint64
	fn Listener
}

// bus delivers events to listeners in subscription order.
type bus struct {
	mu     sync.Mutex
	nextID uint64
	subs   []subscriber
}

func (b *bus) add(fn Listener) *Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.subs = append(b.subs, subscriber{id: b.nextID, fn: fn})
	return &Subscription{id: b.nextID, bus: b}
}

func (b *bus) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

func (b *bus) emit(events []Event) {
	if len(events) == 0 {
		return
	}
	b.mu.Lock()
	subs := b.subs
	b.mu.Unlock()
	for _, ev := range events {
		for _, s := range subs {
			s.fn(ev)
		}
	}
}

func (b *bus) clear() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs = nil
}
