package playback

import (
	"context"
	"fmt"
	"math"

	"github.com/zsiec/framepipe/internal/media"
	"github.com/zsiec/framepipe/internal/ringbuffer"
)

// startDecodeLocked starts the producer for the current source.
func (c *Controller) startDecodeLocked() *loop {
	src, ring, total := c.src, c.ring, c.meta.TotalFrames
	return startLoop(func(ctx context.Context) { c.runDecode(ctx, src, ring, total) })
}

// startDisplayLocked starts the consumer for the current source.
func (c *Controller) startDisplayLocked() *loop {
	src, ring, av, total := c.src, c.ring, c.av, c.meta.TotalFrames
	return startLoop(func(ctx context.Context) { c.runDisplay(ctx, src, ring, av, total) })
}

// runDecode keeps the ring filled to its target from the decode cursor.
// Frames that fail to decode are skipped so playback never stalls on them.
func (c *Controller) runDecode(ctx context.Context, src Source, ring *ringbuffer.Buffer, total int) {
	tick := c.tickInterval()
	for ctx.Err() == nil {
		n := ring.NextDecodeFrame()
		if n >= total || !ring.NeedsFrames() {
			if !sleep(ctx, tick) {
				return
			}
			continue
		}

		f, err := src.FrameAt(ctx, n)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			ring.SkipFrame(n)
			c.decodeFailed(n, err)
			continue
		}
		if ctx.Err() != nil {
			f.Release()
			return
		}

		h, err := c.storage.Store(f)
		if err != nil {
			f.Release()
			c.decodeFailed(n, err)
			if !sleep(ctx, tick) {
				return
			}
			continue
		}
		if old, ok := ring.Push(f.Info(h)); ok {
			c.release([]media.Handle{old})
		}

		c.mu.Lock()
		c.decoded++
		preview := c.state == Paused && c.previewFrame == n
		if preview {
			c.previewFrame = -1
		}
		state := c.state
		c.mu.Unlock()

		if preview {
			c.emitPreview(h, state)
		}
	}
}

func (c *Controller) decodeFailed(n int, err error) {
	c.mu.Lock()
	c.decodeErrors++
	state := c.state
	c.mu.Unlock()

	c.log.Warn("frame decode failed", "frame", n, "error", err)
	c.events.emit([]Event{{
		Type:    EventError,
		State:   state,
		Message: fmt.Sprintf("decode frame %d: %v", n, err),
		Err:     err,
	}})
}

// emitPreview announces the frame decoded for a paused seek. The extra
// reference keeps it alive if the ring evicts it during dispatch.
func (c *Controller) emitPreview(h media.Handle, state State) {
	if err := c.storage.AddRef(h); err != nil {
		return
	}
	defer c.release([]media.Handle{h})

	f, ok := c.storage.Get(h)
	if !ok {
		return
	}
	info := f.Info(h)

	c.mu.Lock()
	c.position = info.FrameNumber
	c.mu.Unlock()

	c.events.emit([]Event{{
		Type:  EventFrame,
		State: state,
		Frame: &FrameEvent{Info: info, Preview: true},
	}})
}

// runDisplay advances the media clock every tick until playback ends or
// the loop is stopped.
func (c *Controller) runDisplay(ctx context.Context, src Source, ring *ringbuffer.Buffer, av *ringbuffer.AVSync, total int) {
	tick := c.tickInterval()
	for {
		events, release, frame, done := c.displayTick(ring, av, total)
		c.events.emit(events)
		c.release(release)
		if frame >= 0 && c.prefetcher != nil {
			if err := c.prefetcher.UpdatePlayhead(src.ID(), frame); err != nil {
				c.log.Debug("prefetch playhead", "error", err)
			}
		}
		if done || !sleep(ctx, tick) {
			return
		}
	}
}

// displayTick runs one step of the state machine. It returns the events to
// emit, handles to release after emitting, the frame number shown (or -1),
// and whether the display loop should exit.
func (c *Controller) displayTick(ring *ringbuffer.Buffer, av *ringbuffer.AVSync, total int) (events []Event, release []media.Handle, frame int, done bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	frame = -1
	now := c.nowMs()
	switch c.state {
	case Buffering:
		events = c.bufferTickLocked(ring, total, now)
		return events, nil, -1, c.state == Ended
	case Playing:
	default:
		return nil, nil, -1, false
	}

	info, dropped, ok := ring.FrameForTime(ring.PresentationTime(now))
	release = dropped
	if ok {
		av.SetVideoTime(info.PTSMs)
		if c.audioClock {
			av.SetAudioTime(c.audioMs)
		} else {
			av.SetAudioTime(info.PTSMs)
		}
		fe := &FrameEvent{Info: info, DriftMs: av.Drift()}
		switch av.Action() {
		case ringbuffer.ActionDrop:
			fe.ShouldDrop = true
			c.syncDrops++
			release = append(release, info.Handle)
		case ringbuffer.ActionRepeat:
			fe.ShouldRepeat = true
			c.syncRepeats++
			fallthrough
		default:
			if c.hasCurrent {
				release = append(release, c.current)
			}
			c.current, c.currentInfo, c.hasCurrent = info.Handle, info, true
		}
		c.position = info.FrameNumber
		frame = info.FrameNumber
		events = append(events, Event{Type: EventFrame, State: Playing, Frame: fe})
	}

	next := ring.NextDecodeFrame()
	switch {
	case ring.Len() == 0 && next >= total:
		ring.StopPlayback()
		events = append(events, c.setStateLocked(Ended)...)
		events = append(events, Event{Type: EventEnded, State: Ended})
		c.log.Info("playback ended", "frame", c.position)
		return events, release, frame, true
	case ring.State() == ringbuffer.Starving && next < total:
		ring.StopPlayback()
		events = append(events, c.setStateLocked(Buffering)...)
		events = append(events, Event{Type: EventBuffering, State: Buffering, Progress: 0})
		c.lastProgress = 0
		c.log.Debug("buffer underrun", "frame", c.position, "buffered", ring.Len())
	}
	return events, release, frame, false
}

// bufferTickLocked reports buffering progress and starts the media clock
// once enough frames are buffered or the stream has no more to give.
func (c *Controller) bufferTickLocked(ring *ringbuffer.Buffer, total int, now float64) []Event {
	needed := int(math.Ceil(c.cfg.TargetBufferFill * float64(ring.Capacity())))
	needed = min(needed, total-c.position)
	needed = max(needed, 1)

	buffered := ring.Len()
	exhausted := ring.NextDecodeFrame() >= total
	if exhausted && buffered == 0 {
		ring.StopPlayback()
		events := c.setStateLocked(Ended)
		return append(events, Event{Type: EventEnded, State: Ended})
	}
	// Decoding pauses once the ring stops asking for frames, so that also
	// ends buffering.
	if buffered >= needed || exhausted || !ring.NeedsFrames() {
		ring.StartPlayback(c.position, now)
		c.log.Debug("buffering complete", "frame", c.position, "buffered", buffered)
		return c.setStateLocked(Playing)
	}

	progress := float64(buffered) / float64(needed)
	if progress == c.lastProgress {
		return nil
	}
	c.lastProgress = progress
	return []Event{{Type: EventBuffering, State: Buffering, Progress: progress}}
}
