// Package playback drives a media source through the ring buffer: a decode
// loop keeps the buffer filled, a display loop maps the wall clock to media
// time and picks the frame to show, and the A/V sync estimator flags frames
// to drop or repeat.
package playback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sync"
	"time"

	"github.com/zsiec/framepipe/internal/decode"
	"github.com/zsiec/framepipe/internal/handles"
	"github.com/zsiec/framepipe/internal/media"
	"github.com/zsiec/framepipe/internal/prefetch"
	"github.com/zsiec/framepipe/internal/ringbuffer"
)

var (
	ErrNoSource = errors.New("playback: no source set")
	ErrEnded    = errors.New("playback: ended; seek or set a new source")
	ErrClosed   = errors.New("playback: controller closed")
)

// DefaultTargetBufferFill is the fraction of the ring that must be filled
// before buffering ends.
const DefaultTargetBufferFill = 0.5

// Source is the media the controller plays.
type Source interface {
	ID() string
	Metadata() decode.Metadata
	// FrameAt returns a frame holding a reference the caller releases.
	FrameAt(ctx context.Context, n int) (*media.DecodedFrame, error)
}

// Config configures a Controller.
type Config struct {
	BufferCapacity   int
	TargetBufferFill float64
	SyncThresholdMs  float64
	// TickInterval is the display loop period. Zero selects a quarter of
	// the source's frame duration.
	TickInterval time.Duration
	// Storage owns decoded frames on behalf of the ring buffer. New creates
	// one if nil.
	Storage *handles.Storage
	// Prefetcher, if set, follows the playhead.
	Prefetcher *prefetch.Prefetcher
	Now        func() time.Time
	Logger     *slog.Logger
}

// PlaybackStats is a snapshot of the controller.
type PlaybackStats struct {
	SourceID      string               `json:"sourceId,omitempty"`
	State         State                `json:"state"`
	CurrentFrame  int                  `json:"currentFrame"`
	CurrentTimeMs float64              `json:"currentTimeMs"`
	TotalFrames   int                  `json:"totalFrames"`
	FPS           float64              `json:"fps"`
	Rate          float64              `json:"rate"`
	Buffer        ringbuffer.Stats     `json:"buffer"`
	Sync          ringbuffer.SyncStats `json:"sync"`
	Storage       handles.Stats        `json:"storage"`
	Decoded       int64                `json:"decoded"`
	DecodeErrors  int64                `json:"decodeErrors"`
	SyncDrops     int64                `json:"syncDrops"`
	SyncRepeats   int64                `json:"syncRepeats"`
}

type loop struct {
	cancel context.CancelFunc
	done   chan struct{}
}

func startLoop(fn func(ctx context.Context)) *loop {
	ctx, cancel := context.WithCancel(context.Background())
	l := &loop{cancel: cancel, done: make(chan struct{})}
	go func() {
		defer close(l.done)
		fn(ctx)
	}()
	return l
}

func (l *loop) stop() {
	if l == nil {
		return
	}
	l.cancel()
	<-l.done
}

// Controller is the playback state machine. Public operations are
// serialized; events are delivered outside internal locks.
type Controller struct {
	cfg        Config
	log        *slog.Logger
	storage    *handles.Storage
	prefetcher *prefetch.Prefetcher
	now        func() time.Time
	epoch      time.Time
	events     bus

	opMu sync.Mutex // serializes public operations

	mu           sync.Mutex
	closed       bool
	state        State
	src          Source
	meta         decode.Metadata
	ring         *ringbuffer.Buffer
	av           *ringbuffer.AVSync
	rate         float64
	position     int
	current      media.Handle
	currentInfo  media.FrameInfo
	hasCurrent   bool
	audioMs      float64
	audioClock   bool
	previewFrame int
	lastProgress float64
	decodeLoop   *loop
	displayLoop  *loop

	decoded, decodeErrors, syncDrops, syncRepeats int64
}

// New creates an idle Controller with no source.
func New(cfg Config) *Controller {
	if cfg.BufferCapacity <= 0 {
		cfg.BufferCapacity = media.DefaultRingCapacity
	}
	if cfg.TargetBufferFill <= 0 || cfg.TargetBufferFill > 1 {
		cfg.TargetBufferFill = DefaultTargetBufferFill
	}
	if cfg.SyncThresholdMs <= 0 {
		cfg.SyncThresholdMs = ringbuffer.DefaultSyncThresholdMs
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	storage := cfg.Storage
	if storage == nil {
		storage = handles.New(log)
	}
	return &Controller{
		cfg:          cfg,
		log:          log.With("component", "playback"),
		storage:      storage,
		prefetcher:   cfg.Prefetcher,
		now:          cfg.Now,
		epoch:        cfg.Now(),
		rate:         1,
		previewFrame: -1,
	}
}

// Storage returns the handle storage frame events refer to.
func (c *Controller) Storage() *handles.Storage { return c.storage }

// Subscribe registers fn for every event. Listeners run in subscription
// order on the goroutine that produced the event.
func (c *Controller) Subscribe(fn Listener) *Subscription {
	return c.events.add(fn)
}

func (c *Controller) nowMs() float64 {
	return float64(c.now().Sub(c.epoch)) / float64(time.Millisecond)
}

// State returns the current state.
func (c *Controller) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// setStateLocked records a transition and returns its event.
func (c *Controller) setStateLocked(s State) []Event {
	if c.state == s {
		return nil
	}
	prev := c.state
	c.state = s
	c.log.Debug("state change", "from", prev, "to", s)
	return []Event{{Type: EventStateChange, State: s, Previous: &prev}}
}

// takeLoopsLocked detaches both loops for the caller to stop without c.mu.
func (c *Controller) takeLoopsLocked() (decodeL, displayL *loop) {
	decodeL, displayL = c.decodeLoop, c.displayLoop
	c.decodeLoop, c.displayLoop = nil, nil
	return decodeL, displayL
}

// resetBufferLocked empties the ring and drops the current frame, returning
// the handles to release.
func (c *Controller) resetBufferLocked() []media.Handle {
	var hs []media.Handle
	if c.ring != nil {
		hs = c.ring.Clear()
		c.ring.StopPlayback()
	}
	if c.hasCurrent {
		hs = append(hs, c.current)
		c.hasCurrent = false
		c.current = 0
	}
	if c.av != nil {
		c.av.Reset()
	}
	c.previewFrame = -1
	c.lastProgress = 0
	return hs
}

func (c *Controller) release(hs []media.Handle) {
	if len(hs) == 0 {
		return
	}
	if err := c.storage.ReleaseMany(hs); err != nil {
		c.log.Error("release handles", "error", err)
	}
}

// SetSource tears down the current buffer and sync state, builds new ones
// sized from src's metadata, and returns to Idle.
func (c *Controller) SetSource(src Source) error {
	if src == nil {
		return ErrNoSource
	}
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	decodeL, displayL := c.takeLoopsLocked()
	c.mu.Unlock()
	displayL.stop()
	decodeL.stop()

	meta := src.Metadata()
	c.mu.Lock()
	old := c.src
	hs := c.resetBufferLocked()
	c.src = src
	c.meta = meta
	c.ring = ringbuffer.New(ringbuffer.Config{
		Capacity:   c.cfg.BufferCapacity,
		FPS:        meta.FPS,
		TargetFill: max(c.cfg.TargetBufferFill, ringbuffer.DefaultTargetFill),
	})
	c.ring.SetRate(c.rate, c.nowMs())
	c.av = ringbuffer.NewAVSync(c.cfg.SyncThresholdMs)
	c.position = 0
	c.audioClock = false
	events := c.setStateLocked(Idle)
	c.mu.Unlock()

	c.release(hs)
	if c.prefetcher != nil {
		if old != nil {
			c.prefetcher.UnregisterSource(old.ID())
		}
		c.prefetcher.RegisterSource(src)
	}
	c.log.Info("source set", "source", src.ID(), "frames", meta.TotalFrames, "fps", meta.FPS)
	c.events.emit(events)
	return nil
}

// Play starts or resumes playback. The controller buffers until the ring
// reaches the target fill, then starts the media clock.
func (c *Controller) Play() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	var events []Event
	switch c.state {
	case Playing, Buffering:
	case Ended:
		c.mu.Unlock()
		return ErrEnded
	default:
		events = c.setStateLocked(Buffering)
		c.lastProgress = -1
		if c.decodeLoop == nil {
			c.decodeLoop = c.startDecodeLocked()
		}
		if c.displayLoop == nil {
			c.displayLoop = c.startDisplayLocked()
		}
	}
	c.mu.Unlock()

	c.events.emit(events)
	return nil
}

// Pause stops the display loop and the media clock. Decoding continues
// until the buffer is filled.
func (c *Controller) Pause() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	if c.state != Playing && c.state != Buffering {
		c.mu.Unlock()
		return nil
	}
	c.ring.StopPlayback()
	events := c.setStateLocked(Paused)
	displayL := c.displayLoop
	c.displayLoop = nil
	c.mu.Unlock()

	displayL.stop()
	c.events.emit(events)
	return nil
}

// Seek moves playback to frame, clamped to the stream. The buffer is
// cleared and every handle it held is released before decoding restarts at
// the new position. Playback resumes if it was playing; otherwise the
// controller is Paused and a preview frame event follows once the target
// frame is decoded.
func (c *Controller) Seek(frame int) error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	resume := c.state == Playing || c.state == Buffering
	events := c.setStateLocked(Seeking)
	decodeL, displayL := c.takeLoopsLocked()
	c.mu.Unlock()

	c.events.emit(events)
	displayL.stop()
	decodeL.stop()

	c.mu.Lock()
	target := clamp(frame, 0, c.meta.TotalFrames-1)
	hs := c.resetBufferLocked()
	c.ring.SetPosition(target)
	c.position = target
	srcID := c.src.ID()
	c.mu.Unlock()

	// Handles go back before decode restarts.
	c.release(hs)

	c.mu.Lock()
	c.decodeLoop = c.startDecodeLocked()
	if resume {
		events = c.setStateLocked(Buffering)
		c.lastProgress = -1
		c.displayLoop = c.startDisplayLocked()
	} else {
		c.previewFrame = target
		events = c.setStateLocked(Paused)
	}
	c.mu.Unlock()

	if c.prefetcher != nil {
		if err := c.prefetcher.UpdatePlayhead(srcID, target); err != nil {
			c.log.Debug("prefetch playhead", "error", err)
		}
	}
	c.log.Debug("seek", "requested", frame, "target", target, "resume", resume)
	c.events.emit(events)
	return nil
}

// Stop halts both loops, releases every buffered frame and returns to Idle
// at frame zero.
func (c *Controller) Stop() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if err := c.usableLocked(); err != nil {
		c.mu.Unlock()
		return err
	}
	decodeL, displayL := c.takeLoopsLocked()
	c.mu.Unlock()
	displayL.stop()
	decodeL.stop()

	c.mu.Lock()
	hs := c.resetBufferLocked()
	c.ring.SetPosition(0)
	c.position = 0
	events := c.setStateLocked(Idle)
	c.mu.Unlock()

	c.release(hs)
	c.events.emit(events)
	return nil
}

// Close stops playback, releases everything and drops all listeners.
func (c *Controller) Close() error {
	c.opMu.Lock()
	defer c.opMu.Unlock()

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	decodeL, displayL := c.takeLoopsLocked()
	c.mu.Unlock()
	displayL.stop()
	decodeL.stop()

	c.mu.Lock()
	hs := c.resetBufferLocked()
	src := c.src
	c.mu.Unlock()

	c.release(hs)
	if c.prefetcher != nil && src != nil {
		c.prefetcher.UnregisterSource(src.ID())
	}
	c.events.clear()
	return nil
}

// SetAudioTime supplies the audio clock used for drift. Without it the
// media clock stands in for audio.
func (c *Controller) SetAudioTime(ms float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.audioMs = ms
	c.audioClock = true
}

// SetRate changes playback speed.
func (c *Controller) SetRate(rate float64) error {
	if rate <= 0 || math.IsInf(rate, 0) || math.IsNaN(rate) {
		return fmt.Errorf("playback: invalid rate %v", rate)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.rate = rate
	if c.ring != nil {
		c.ring.SetRate(rate, c.nowMs())
	}
	return nil
}

// SetSyncThreshold changes the tolerated A/V drift.
func (c *Controller) SetSyncThreshold(ms float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cfg.SyncThresholdMs = ms
	if c.av != nil {
		c.av.SetThreshold(ms)
	}
}

func (c *Controller) usableLocked() error {
	switch {
	case c.closed:
		return ErrClosed
	case c.src == nil:
		return ErrNoSource
	}
	return nil
}

// Stats returns a snapshot of the controller.
func (c *Controller) Stats() PlaybackStats {
	c.mu.Lock()
	defer c.mu.Unlock()

	st := PlaybackStats{
		State:        c.state,
		CurrentFrame: c.position,
		TotalFrames:  c.meta.TotalFrames,
		FPS:          c.meta.FPS,
		Rate:         c.rate,
		Storage:      c.storage.Stats(),
		Decoded:      c.decoded,
		DecodeErrors: c.decodeErrors,
		SyncDrops:    c.syncDrops,
		SyncRepeats:  c.syncRepeats,
	}
	if c.src != nil {
		st.SourceID = c.src.ID()
	}
	if c.hasCurrent {
		st.CurrentTimeMs = c.currentInfo.PTSMs
	} else if c.meta.FPS > 0 {
		st.CurrentTimeMs = float64(c.position) * 1000 / c.meta.FPS
	}
	if c.ring != nil {
		st.Buffer = c.ring.Stats()
	}
	if c.av != nil {
		st.Sync = c.av.Stats()
	}
	return st
}

func (c *Controller) tickInterval() time.Duration {
	if c.cfg.TickInterval > 0 {
		return c.cfg.TickInterval
	}
	fps := c.meta.FPS
	if fps <= 0 {
		fps = 30
	}
	return time.Duration(float64(time.Second) / fps / 4)
}

func clamp(v, lo, hi int) int {
	if hi < lo {
		return lo
	}
	return min(max(v, lo), hi)
}

func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
