// Package handles owns decoded frames on behalf of components that may only
// hold integer references to them, such as the ring buffer. It is the single
// place where a frame's lifetime is tied to a handle's reference count.
package handles

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zsiec/framepipe/internal/media"
)

// ErrInvalidHandle is returned for handles that were never issued, were
// already released to zero, or belong to a recycled slot.
var ErrInvalidHandle = errors.New("handles: invalid or released handle")

// ErrNilFrame is returned by Store when given a nil frame.
var ErrNilFrame = errors.New("handles: nil frame")

// A handle packs a slot generation above the slot index so that a stale
// handle for a recycled slot never resolves to the slot's new occupant. A
// slot whose generation is exhausted is retired instead of wrapping.
const (
	indexBits = 20
	indexMask = 1<<indexBits - 1
	genMask   = 1<<(32-indexBits) - 1

	// MaxSlots bounds the arena; index 0 is reserved so handle 0 stays invalid.
	MaxSlots = indexMask - 1
)

// ErrFull is returned by Store when every slot holds a live frame.
var ErrFull = fmt.Errorf("handles: all %d slots in use", MaxSlots)

type slot struct {
	frame *media.DecodedFrame
	refs  int
	gen   uint32
}

// Stats is a point-in-time snapshot of the storage.
type Stats struct {
	Live     int   `json:"live"`
	Slots    int   `json:"slots"`
	Free     int   `json:"free"`
	Retired  int   `json:"retired"`
	Stored   int64 `json:"stored"`
	Released int64 `json:"released"`
}

// Storage is a reference-counted arena of decoded frames.
type Storage struct {
	log *slog.Logger

	mu       sync.Mutex
	slots    []slot // slots[0] is unused
	free     []uint32
	live     int
	retired  int
	stored   int64
	released int64
}

// New creates an empty Storage. If log is nil, slog.Default() is used.
func New(log *slog.Logger) *Storage {
	if log == nil {
		log = slog.Default()
	}
	return &Storage{
		log:   log.With("component", "handle-storage"),
		slots: make([]slot, 1, 64),
	}
}

func pack(idx, gen uint32) media.Handle {
	return media.Handle(gen<<indexBits | idx)
}

func unpack(h media.Handle) (idx, gen uint32) {
	return uint32(h) & indexMask, uint32(h) >> indexBits
}

// Store takes ownership of the caller's reference to frame and returns a
// handle with a reference count of one. Freed slots are reused before the
// arena grows.
func (s *Storage) Store(frame *media.DecodedFrame) (media.Handle, error) {
	if frame == nil {
		return 0, ErrNilFrame
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var idx uint32
	if n := len(s.free); n > 0 {
		idx = s.free[n-1]
		s.free = s.free[:n-1]
	} else {
		if len(s.slots) > MaxSlots {
			return 0, ErrFull
		}
		idx = uint32(len(s.slots))
		s.slots = append(s.slots, slot{})
	}

	sl := &s.slots[idx]
	sl.frame = frame
	sl.refs = 1
	s.live++
	s.stored++
	return pack(idx, sl.gen), nil
}

// lookup returns the live slot for h. Callers hold s.mu.
func (s *Storage) lookup(h media.Handle) (*slot, bool) {
	idx, gen := unpack(h)
	if idx == 0 || int(idx) >= len(s.slots) {
		return nil, false
	}
	sl := &s.slots[idx]
	if sl.frame == nil || sl.gen != gen {
		return nil, false
	}
	return sl, true
}

// Get resolves h to its frame. The frame is borrowed: it stays valid only
// while the caller holds a reference on h.
func (s *Storage) Get(h media.Handle) (*media.DecodedFrame, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.lookup(h)
	if !ok {
		return nil, false
	}
	return sl.frame, true
}

// AddRef increments h's reference count.
func (s *Storage) AddRef(h media.Handle) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	sl, ok := s.lookup(h)
	if !ok {
		return fmt.Errorf("add ref %d: %w", h, ErrInvalidHandle)
	}
	sl.refs++
	return nil
}

// Release decrements h's reference count. At zero the frame reference is
// dropped and the slot returns to the free list under a new generation.
func (s *Storage) Release(h media.Handle) error {
	s.mu.Lock()
	frame, err := s.releaseLocked(h)
	s.mu.Unlock()

	if err != nil {
		return err
	}
	if frame != nil {
		frame.Release()
	}
	return nil
}

func (s *Storage) releaseLocked(h media.Handle) (*media.DecodedFrame, error) {
	sl, ok := s.lookup(h)
	if !ok {
		return nil, fmt.Errorf("release %d: %w", h, ErrInvalidHandle)
	}
	sl.refs--
	if sl.refs > 0 {
		return nil, nil
	}

	frame := sl.frame
	sl.frame = nil
	idx, _ := unpack(h)
	s.recycleLocked(idx)
	s.live--
	s.released++
	return frame, nil
}

// recycleLocked bumps the slot generation and returns the slot to the free
// list, or retires it for good once every generation has been issued.
func (s *Storage) recycleLocked(idx uint32) {
	sl := &s.slots[idx]
	if sl.gen == genMask {
		s.retired++
		return
	}
	sl.gen++
	s.free = append(s.free, idx)
}

// ReleaseMany releases every handle in hs, continuing past invalid ones.
// The returned error joins every failure.
func (s *Storage) ReleaseMany(hs []media.Handle) error {
	var errs []error
	var freed []*media.DecodedFrame

	s.mu.Lock()
	for _, h := range hs {
		frame, err := s.releaseLocked(h)
		if err != nil {
			errs = append(errs, err)
			continue
		}
		if frame != nil {
			freed = append(freed, frame)
		}
	}
	s.mu.Unlock()

	for _, f := range freed {
		f.Release()
	}
	return errors.Join(errs...)
}

// Clear drops every live frame regardless of reference count and returns
// how many were freed. Outstanding handles become invalid.
func (s *Storage) Clear() int {
	var freed []*media.DecodedFrame

	s.mu.Lock()
	for i := 1; i < len(s.slots); i++ {
		sl := &s.slots[i]
		if sl.frame == nil {
			continue
		}
		freed = append(freed, sl.frame)
		sl.frame = nil
		sl.refs = 0
		s.recycleLocked(uint32(i))
	}
	s.live = 0
	s.released += int64(len(freed))
	s.mu.Unlock()

	for _, f := range freed {
		f.Release()
	}
	if len(freed) > 0 {
		s.log.Debug("storage cleared", "freed", len(freed))
	}
	return len(freed)
}

// Len returns the number of live handles.
func (s *Storage) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.live
}

// Stats returns a snapshot of the storage counters.
func (s *Storage) Stats() Stats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return Stats{
		Live:     s.live,
		Slots:    len(s.slots) - 1,
		Free:     len(s.free),
		Retired:  s.retired,
		Stored:   s.stored,
		Released: s.released,
	}
}
