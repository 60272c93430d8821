// Package ringbuffer holds the frame metadata that sits between the decode
// producer and the display consumer, maps wall-clock time to media time, and
// estimates audio/video drift.
//
// The buffer never touches pixels. Entries carry only a handle; every handle
// the buffer gives back (evicted, replaced, dropped or cleared) must be
// released by the caller.
package ringbuffer

import (
	"fmt"
	"math"
	"sort"
	"sync"

	"github.com/zsiec/framepipe/internal/media"
)

// DefaultTargetFill is the fill ratio below which NeedsFrames reports true.
const DefaultTargetFill = 0.75

// Occupancy thresholds for State.
const (
	starvingBelow = 0.10
	lowBelow      = 0.25
	healthyBelow  = 0.90
)

// State is the buffer's occupancy band.
type State int

const (
	Starving State = iota
	Low
	Healthy
	Full
)

func (s State) String() string {
	switch s {
	case Starving:
		return "starving"
	case Low:
		return "low"
	case Healthy:
		return "healthy"
	case Full:
		return "full"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// MarshalText encodes the state by name.
func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// stateFor maps a fill ratio to its band.
func stateFor(fill float64) State {
	switch {
	case fill < starvingBelow:
		return Starving
	case fill < lowBelow:
		return Low
	case fill < healthyBelow:
		return Healthy
	default:
		return Full
	}
}

// Config sizes a Buffer.
type Config struct {
	Capacity int
	FPS      float64
	// TargetFill is the fraction of Capacity NeedsFrames fills to.
	TargetFill float64
}

// Stats is a snapshot of buffer counters.
type Stats struct {
	Capacity      int     `json:"capacity"`
	Count         int     `json:"count"`
	FillRatio     float64 `json:"fillRatio"`
	State         State   `json:"state"`
	Pushed        int64   `json:"pushed"`
	Evicted       int64   `json:"evicted"`
	Replaced      int64   `json:"replaced"`
	Dropped       int64   `json:"dropped"`
	Displayed     int64   `json:"displayed"`
	Skipped       int64   `json:"skipped"`
	LastPushed    int     `json:"lastPushed"`
	LastDisplayed int     `json:"lastDisplayed"`
}

// Buffer is a bounded, frame-number-ordered queue of FrameInfo plus the
// playback clock. It is safe for concurrent use.
type Buffer struct {
	mu     sync.Mutex
	cfg    Config
	frames []media.FrameInfo // ascending FrameNumber

	start         int
	lastPushed    int
	lastDisplayed int

	playing     bool
	clockBaseMs float64
	clockWallMs float64
	rate        float64

	pushed, evicted, replaced, dropped, displayed, skipped int64
}

// New creates an empty Buffer.
func New(cfg Config) *Buffer {
	if cfg.Capacity <= 0 {
		cfg.Capacity = media.DefaultRingCapacity
	}
	if cfg.FPS <= 0 {
		cfg.FPS = 30
	}
	if cfg.TargetFill <= 0 || cfg.TargetFill > 1 {
		cfg.TargetFill = DefaultTargetFill
	}
	return &Buffer{
		cfg:           cfg,
		frames:        make([]media.FrameInfo, 0, cfg.Capacity),
		lastPushed:    -1,
		lastDisplayed: -1,
		rate:          1,
	}
}

// Capacity returns the maximum number of buffered frames.
func (b *Buffer) Capacity() int { return b.cfg.Capacity }

// FPS returns the frame rate used for time conversions.
func (b *Buffer) FPS() float64 { return b.cfg.FPS }

// Push buffers info. If the buffer is full the oldest entry is evicted; if
// an entry with the same frame number exists it is replaced. In either case
// the displaced handle is returned with ok true and must be released.
func (b *Buffer) Push(info media.FrameInfo) (displaced media.Handle, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.pushed++
	if info.FrameNumber > b.lastPushed {
		b.lastPushed = info.FrameNumber
	}

	i := sort.Search(len(b.frames), func(i int) bool {
		return b.frames[i].FrameNumber >= info.FrameNumber
	})
	if i < len(b.frames) && b.frames[i].FrameNumber == info.FrameNumber {
		displaced = b.frames[i].Handle
		b.frames[i] = info
		b.replaced++
		return displaced, true
	}

	if len(b.frames) >= b.cfg.Capacity {
		displaced, ok = b.frames[0].Handle, true
		b.frames = append(b.frames[:0], b.frames[1:]...)
		b.evicted++
		if i > 0 {
			i--
		}
	}

	b.frames = append(b.frames, media.FrameInfo{})
	copy(b.frames[i+1:], b.frames[i:])
	b.frames[i] = info
	return displaced, ok
}

// FrameForTime removes and returns the latest buffered frame whose pts is
// at or before ptsMs. Earlier frames it passes over are removed too and
// their handles returned in dropped. ok is false when no buffered frame is
// due yet.
func (b *Buffer) FrameForTime(ptsMs float64) (info media.FrameInfo, dropped []media.Handle, ok bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	idx := -1
	for i, f := range b.frames {
		if f.PTSMs > ptsMs {
			break
		}
		idx = i
	}
	if idx < 0 {
		return media.FrameInfo{}, nil, false
	}

	for _, f := range b.frames[:idx] {
		dropped = append(dropped, f.Handle)
	}
	info = b.frames[idx]
	b.frames = append(b.frames[:0], b.frames[idx+1:]...)

	b.dropped += int64(len(dropped))
	b.displayed++
	b.lastDisplayed = info.FrameNumber
	return info, dropped, true
}

// FrameByNumber returns the buffered entry for frame n without removing it.
func (b *Buffer) FrameByNumber(n int) (media.FrameInfo, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()
	i := sort.Search(len(b.frames), func(i int) bool { return b.frames[i].FrameNumber >= n })
	if i < len(b.frames) && b.frames[i].FrameNumber == n {
		return b.frames[i], true
	}
	return media.FrameInfo{}, false
}

// NextDecodeFrame is the frame number the producer should decode next: one
// past whichever is furthest of the last pushed frame, the last displayed
// frame and the start position.
func (b *Buffer) NextDecodeFrame() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return max(b.lastPushed+1, b.lastDisplayed+1, b.start)
}

// SkipFrame advances the decode cursor past n without buffering it, for
// frames that failed to decode.
func (b *Buffer) SkipFrame(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n > b.lastPushed {
		b.lastPushed = n
	}
	b.skipped++
}

// SetPosition moves the decode cursor to n, as after a seek. Buffered
// entries are left alone; call Clear first to discard them.
func (b *Buffer) SetPosition(n int) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if n < 0 {
		n = 0
	}
	b.start = n
	b.lastPushed = n - 1
	b.lastDisplayed = n - 1
}

// NeedsFrames reports whether occupancy is below the target fill.
func (b *Buffer) NeedsFrames() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames) < b.targetLocked()
}

func (b *Buffer) targetLocked() int {
	return int(math.Ceil(b.cfg.TargetFill * float64(b.cfg.Capacity)))
}

// IsFull reports whether the buffer is at capacity.
func (b *Buffer) IsFull() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames) >= b.cfg.Capacity
}

// Len returns the number of buffered frames.
func (b *Buffer) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.frames)
}

// State returns the occupancy band.
func (b *Buffer) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	return stateFor(float64(len(b.frames)) / float64(b.cfg.Capacity))
}

// Clear removes every entry and returns their handles for release.
func (b *Buffer) Clear() []media.Handle {
	b.mu.Lock()
	defer b.mu.Unlock()
	hs := make([]media.Handle, 0, len(b.frames))
	for _, f := range b.frames {
		hs = append(hs, f.Handle)
	}
	b.frames = b.frames[:0]
	return hs
}

// StartPlayback anchors the media clock: frame is presented at wallMs and
// time advances at the current rate from there.
func (b *Buffer) StartPlayback(frame int, wallMs float64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.playing = true
	b.clockBaseMs = float64(frame) * 1000 / b.cfg.FPS
	b.clockWallMs = wallMs
}

// StopPlayback freezes the media clock at its anchor.
func (b *Buffer) StopPlayback() {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.playing = false
}

// Playing reports whether the clock is running.
func (b *Buffer) Playing() bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.playing
}

// SetRate changes playback speed. The clock is re-anchored at nowMs so
// media time stays continuous. Non-positive rates are ignored.
func (b *Buffer) SetRate(rate, nowMs float64) {
	if rate <= 0 {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.playing {
		b.clockBaseMs = b.presentationLocked(nowMs)
		b.clockWallMs = nowMs
	}
	b.rate = rate
}

// Rate returns the playback speed.
func (b *Buffer) Rate() float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.rate
}

// PresentationTime maps wall-clock nowMs to media time in ms.
func (b *Buffer) PresentationTime(nowMs float64) float64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.presentationLocked(nowMs)
}

func (b *Buffer) presentationLocked(nowMs float64) float64 {
	if !b.playing {
		return b.clockBaseMs
	}
	elapsed := nowMs - b.clockWallMs
	if elapsed < 0 {
		elapsed = 0
	}
	return b.clockBaseMs + elapsed*b.rate
}

// Stats returns a snapshot of buffer counters.
func (b *Buffer) Stats() Stats {
	b.mu.Lock()
	defer b.mu.Unlock()
	fill := float64(len(b.frames)) / float64(b.cfg.Capacity)
	return Stats{
		Capacity:      b.cfg.Capacity,
		Count:         len(b.frames),
		FillRatio:     fill,
		State:         stateFor(fill),
		Pushed:        b.pushed,
		Evicted:       b.evicted,
		Replaced:      b.replaced,
		Dropped:       b.dropped,
		Displayed:     b.displayed,
		Skipped:       b.skipped,
		LastPushed:    b.lastPushed,
		LastDisplayed: b.lastDisplayed,
	}
}
