package playback

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/zsiec/framepipe/internal/decode"
	"github.com/zsiec/framepipe/internal/source"
)

type recorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *recorder) listen(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *recorder) snapshot() []Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Event(nil), r.events...)
}

// wait polls until cond holds for the recorded events.
func (r *recorder) wait(t *testing.T, what string, cond func([]Event) bool) []Event {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if evs := r.snapshot(); cond(evs) {
			return evs
		}
		time.Sleep(2 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
	return nil
}

func hasType(typ EventType) func([]Event) bool {
	return func(evs []Event) bool {
		for _, ev := range evs {
			if ev.Type == typ {
				return true
			}
		}
		return false
	}
}

func frameEvents(evs []Event) []*FrameEvent {
	var out []*FrameEvent
	for _, ev := range evs {
		if ev.Type == EventFrame {
			out = append(out, ev.Frame)
		}
	}
	return out
}

func states(evs []Event) []State {
	var out []State
	for _, ev := range evs {
		if ev.Type == EventStateChange {
			out = append(out, ev.State)
		}
	}
	return out
}

func newPlayer(t *testing.T, cfg decode.SyntheticConfig) (*Controller, *decode.Synthetic, *recorder) {
	t.Helper()
	return newPlayerWith(t, cfg, Config{BufferCapacity: 20, TargetBufferFill: 0.5})
}

func newPlayerWith(t *testing.T, cfg decode.SyntheticConfig, ccfg Config) (*Controller, *decode.Synthetic, *recorder) {
	t.Helper()
	if cfg.FPS == 0 {
		cfg.FPS = 200
	}
	if cfg.Frames == 0 {
		cfg.Frames = 40
	}
	cfg.Native = true

	syn := decode.NewSynthetic(cfg)
	src, err := source.Open(context.Background(), source.Config{
		ID:       "src-1",
		Demuxer:  syn.Demuxer(),
		Hardware: syn.Factory(true),
		Software: syn.Factory(false),
	})
	if err != nil {
		t.Fatalf("source.Open: %v", err)
	}

	c := New(ccfg)
	rec := &recorder{}
	c.Subscribe(rec.listen)
	if err := c.SetSource(src); err != nil {
		t.Fatalf("SetSource: %v", err)
	}
	t.Cleanup(func() {
		_ = c.Close()
		_ = src.Close()
	})
	return c, syn, rec
}

func TestPlayRequiresSource(t *testing.T) {
	t.Parallel()
	c := New(Config{})
	defer c.Close()

	for name, op := range map[string]func() error{
		"play":  c.Play,
		"pause": c.Pause,
		"stop":  c.Stop,
		"seek":  func() error { return c.Seek(3) },
	} {
		if err := op(); !errors.Is(err, ErrNoSource) {
			t.Errorf("%s: err = %v, want ErrNoSource", name, err)
		}
	}
}

func TestPlayToEnd(t *testing.T) {
	t.Parallel()
	c, syn, rec := newPlayer(t, decode.SyntheticConfig{Frames: 40})

	if err := c.Play(); err != nil {
		t.Fatalf("Play: %v", err)
	}
	evs := rec.wait(t, "ended", hasType(EventEnded))

	got := states(evs)
	want := []State{Buffering, Playing, Ended}
	if len(got) < len(want) || got[0] != Buffering || got[1] != Playing || got[len(got)-1] != Ended {
		t.Fatalf("states = %v, want %v with optional rebuffering between", got, want)
	}

	frames := frameEvents(evs)
	if len(frames) == 0 {
		t.Fatal("no frame events")
	}
	for i := 1; i < len(frames); i++ {
		if frames[i].Info.FrameNumber <= frames[i-1].Info.FrameNumber {
			t.Fatalf("frame %d shown after %d", frames[i].Info.FrameNumber, frames[i-1].Info.FrameNumber)
		}
	}
	if last := frames[len(frames)-1].Info.FrameNumber; last != 39 {
		t.Errorf("last frame = %d, want 39", last)
	}
	if st := c.State(); st != Ended {
		t.Errorf("State = %v, want ended", st)
	}
	if err := c.Play(); !errors.Is(err, ErrEnded) {
		t.Errorf("Play after end err = %v, want ErrEnded", err)
	}

	if err := c.Stop(); err != nil {
		t.Fatalf("Stop: %v", err)
	}
	if live := c.Storage().Len(); live != 0 {
		t.Errorf("live handles after Stop = %d, want 0", live)
	}
	if open := syn.OpenSurfaces.Load(); open != 0 {
		t.Errorf("open surfaces after Stop = %d, want 0", open)
	}
}

func TestBufferingWaitsForTargetFill(t *testing.T) {
	t.Parallel()
	c, _, rec := newPlayer(t, decode.SyntheticConfig{Frames: 60, Latency: time.Millisecond})

	var playingBuffered int
	var once sync.Once
	c.Subscribe(func(ev Event) {
		if ev.Type == EventStateChange && ev.State == Playing {
			// The listener runs under the display tick, before any frame is taken.
			once.Do(func() { playingBuffered = c.ring.Len() })
		}
	})

	if err := c.Play(); err != nil {
		t.Fatal(err)
	}
	evs := rec.wait(t, "playing", func(evs []Event) bool {
		for _, s := range states(evs) {
			if s == Playing {
				return true
			}
		}
		return false
	})
	_ = c.Pause()

	if playingBuffered < 10 {
		t.Errorf("buffered at play = %d, want >= 10 (half of 20)", playingBuffered)
	}
	var sawProgress bool
	for _, ev := range evs {
		if ev.Type == EventBuffering {
			sawProgress = true
			if ev.Progress < 0 || ev.Progress > 1 {
				t.Errorf("progress = %v out of range", ev.Progress)
			}
		}
	}
	if !sawProgress {
		t.Error("no buffering progress events")
	}
}

func TestHighTargetFillStillPlays(t *testing.T) {
	t.Parallel()
	c, _, rec := newPlayerWith(t, decode.SyntheticConfig{Frames: 200},
		Config{BufferCapacity: 20, TargetBufferFill: 0.9})

	var playingBuffered int
	var once sync.Once
	c.Subscribe(func(ev Event) {
		if ev.Type == EventStateChange && ev.State == Playing {
			once.Do(func() { playingBuffered = c.ring.Len() })
		}
	})

	if err := c.Play(); err != nil {
		t.Fatal(err)
	}
	rec.wait(t, "playing at 90% target fill", func(evs []Event) bool {
		for _, s := range states(evs) {
			if s == Playing {
				return true
			}
		}
		return false
	})
	_ = c.Pause()

	if playingBuffered < 18 {
		t.Errorf("buffered at play = %d, want >= 18 (90%% of 20)", playingBuffered)
	}
}

func TestUnderrunRebuffersAndResumes(t *testing.T) {
	t.Parallel()
	// Decoding at 8ms per frame cannot keep up with 5ms display ticks.
	c, _, rec := newPlayer(t, decode.SyntheticConfig{Frames: 80, Latency: 8 * time.Millisecond})

	if err := c.Play(); err != nil {
		t.Fatal(err)
	}
	evs := rec.wait(t, "ended", hasType(EventEnded))

	got := states(evs)
	var resumed bool
	for i := 2; i < len(got); i++ {
		if got[i-2] == Playing && got[i-1] == Buffering && got[i] == Playing {
			resumed = true
			break
		}
	}
	if !resumed {
		t.Fatalf("states = %v, want a playing→buffering→playing cycle", got)
	}
	if got[len(got)-1] != Ended {
		t.Errorf("final state = %v, want ended", got[len(got)-1])
	}

	frames := frameEvents(evs)
	if len(frames) == 0 {
		t.Fatal("no frame events")
	}
	for i := 1; i < len(frames); i++ {
		if frames[i].Info.FrameNumber <= frames[i-1].Info.FrameNumber {
			t.Fatalf("frame %d shown after %d", frames[i].Info.FrameNumber, frames[i-1].Info.FrameNumber)
		}
	}
	if last := frames[len(frames)-1].Info.FrameNumber; last != 79 {
		t.Errorf("last frame = %d, want 79", last)
	}
}

func TestPauseFreezesPosition(t *testing.T) {
	t.Parallel()
	c, _, rec := newPlayer(t, decode.SyntheticConfig{Frames: 200, FPS: 100})

	if err := c.Play(); err != nil {
		t.Fatal(err)
	}
	rec.wait(t, "frames", func(evs []Event) bool { return len(frameEvents(evs)) >= 3 })
	if err := c.Pause(); err != nil {
		t.Fatal(err)
	}
	if st := c.State(); st != Paused {
		t.Fatalf("State = %v, want paused", st)
	}

	before := c.Stats().CurrentFrame
	time.Sleep(50 * time.Millisecond)
	if after := c.Stats().CurrentFrame; after != before {
		t.Fatalf("position moved while paused: %d -> %d", before, after)
	}

	if err := c.Play(); err != nil {
		t.Fatal(err)
	}
	rec.wait(t, "resume", func(evs []Event) bool {
		for _, f := range frameEvents(evs) {
			if f.Info.FrameNumber > before {
				return true
			}
		}
		return false
	})
}

func TestSeekWhilePausedEmitsPreview(t *testing.T) {
	t.Parallel()
	c, _, rec := newPlayer(t, decode.SyntheticConfig{Frames: 100})

	if err := c.Seek(25); err != nil {
		t.Fatalf("Seek: %v", err)
	}
	evs := rec.wait(t, "preview", func(evs []Event) bool { return len(frameEvents(evs)) > 0 })

	f := frameEvents(evs)[0]
	if !f.Preview || f.Info.FrameNumber != 25 {
		t.Fatalf("preview = %+v, want frame 25 preview", f)
	}
	got := states(evs)
	if len(got) != 2 || got[0] != Seeking || got[1] != Paused {
		t.Fatalf("states = %v, want [seeking paused]", got)
	}
	if cur := c.Stats().CurrentFrame; cur != 25 {
		t.Errorf("CurrentFrame = %d, want 25", cur)
	}
}

func TestSeekClampsTarget(t *testing.T) {
	t.Parallel()
	c, _, rec := newPlayer(t, decode.SyntheticConfig{Frames: 30})

	if err := c.Seek(1000); err != nil {
		t.Fatal(err)
	}
	evs := rec.wait(t, "preview", func(evs []Event) bool { return len(frameEvents(evs)) > 0 })
	if n := frameEvents(evs)[0].Info.FrameNumber; n != 29 {
		t.Fatalf("preview frame = %d, want 29", n)
	}
}

func TestSeekReleasesBufferedHandles(t *testing.T) {
	t.Parallel()
	c, _, rec := newPlayer(t, decode.SyntheticConfig{Frames: 200, FPS: 100})

	if err := c.Play(); err != nil {
		t.Fatal(err)
	}
	rec.wait(t, "frames", func(evs []Event) bool { return len(frameEvents(evs)) >= 2 })
	if err := c.Pause(); err != nil {
		t.Fatal(err)
	}
	time.Sleep(20 * time.Millisecond)

	// Decoding continues while paused; stop it to measure a stable count.
	c.mu.Lock()
	decodeL := c.decodeLoop
	c.decodeLoop = nil
	c.mu.Unlock()
	decodeL.stop()

	st := c.Storage().Stats()
	if st.Live == 0 {
		t.Fatal("no live handles before seek")
	}
	if err := c.Seek(150); err != nil {
		t.Fatal(err)
	}
	after := c.Storage().Stats()
	if released := after.Released - st.Released; released < int64(st.Live) {
		t.Fatalf("seek released %d handles, want >= %d", released, st.Live)
	}
	rec.wait(t, "preview", func(evs []Event) bool {
		for _, f := range frameEvents(evs) {
			if f.Preview && f.Info.FrameNumber == 150 {
				return true
			}
		}
		return false
	})
}

func TestSeekWhilePlayingResumes(t *testing.T) {
	t.Parallel()
	c, _, rec := newPlayer(t, decode.SyntheticConfig{Frames: 120, FPS: 50})

	if err := c.Play(); err != nil {
		t.Fatal(err)
	}
	rec.wait(t, "frames", func(evs []Event) bool { return len(frameEvents(evs)) >= 1 })
	if err := c.Seek(100); err != nil {
		t.Fatal(err)
	}
	evs := rec.wait(t, "ended", hasType(EventEnded))

	var seen bool
	for _, f := range frameEvents(evs) {
		if f.Info.FrameNumber == 100 {
			seen = true
		}
	}
	if !seen {
		t.Error("seek target was never shown")
	}
}

func TestDecodeErrorSkipsFrame(t *testing.T) {
	t.Parallel()
	c, _, rec := newPlayer(t, decode.SyntheticConfig{
		Frames: 30,
		Fail:   func(n int) bool { return n == 5 },
	})

	if err := c.Play(); err != nil {
		t.Fatal(err)
	}
	evs := rec.wait(t, "ended", hasType(EventEnded))

	var errEvents int
	for _, ev := range evs {
		if ev.Type == EventError {
			errEvents++
			if !strings.Contains(ev.Message, "frame 5") || !errors.Is(ev.Err, decode.ErrCorrupt) {
				t.Errorf("error event = %q (%v)", ev.Message, ev.Err)
			}
		}
	}
	if errEvents != 1 {
		t.Errorf("error events = %d, want 1", errEvents)
	}
	for _, f := range frameEvents(evs) {
		if f.Info.FrameNumber == 5 {
			t.Error("corrupt frame was displayed")
		}
	}
	if st := c.Stats(); st.DecodeErrors != 1 {
		t.Errorf("DecodeErrors = %d, want 1", st.DecodeErrors)
	}
}

func TestSyncFlagsDrift(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		audioMs float64
		drop    bool
	}{
		{"video ahead", -1000, true},
		{"video behind", 100_000, false},
	}
	for _, tt := range tests {
		tt := tt
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			c, _, rec := newPlayer(t, decode.SyntheticConfig{Frames: 40})

			c.SetAudioTime(tt.audioMs)
			if err := c.Play(); err != nil {
				t.Fatal(err)
			}
			evs := rec.wait(t, "frames", func(evs []Event) bool { return len(frameEvents(evs)) >= 2 })
			for _, f := range frameEvents(evs) {
				if f.ShouldDrop != tt.drop || f.ShouldRepeat == tt.drop {
					t.Fatalf("frame %d: drop=%v repeat=%v drift=%v", f.Info.FrameNumber, f.ShouldDrop, f.ShouldRepeat, f.DriftMs)
				}
			}
			_ = c.Pause()
			st := c.Stats()
			if tt.drop && st.SyncDrops == 0 {
				t.Error("SyncDrops = 0")
			}
			if !tt.drop && st.SyncRepeats == 0 {
				t.Error("SyncRepeats = 0")
			}
		})
	}
}

func TestSetRateValidation(t *testing.T) {
	t.Parallel()
	c := New(Config{})
	defer c.Close()
	for _, r := range []float64{0, -1} {
		if err := c.SetRate(r); err == nil {
			t.Errorf("SetRate(%v) succeeded", r)
		}
	}
	if err := c.SetRate(2); err != nil {
		t.Errorf("SetRate(2): %v", err)
	}
	if got := c.Stats().Rate; got != 2 {
		t.Errorf("Rate = %v, want 2", got)
	}
}

func TestCloseReleasesEverything(t *testing.T) {
	t.Parallel()
	c, syn, rec := newPlayer(t, decode.SyntheticConfig{Frames: 200, FPS: 100})

	if err := c.Play(); err != nil {
		t.Fatal(err)
	}
	rec.wait(t, "frames", func(evs []Event) bool { return len(frameEvents(evs)) >= 2 })
	if err := c.Close(); err != nil {
		t.Fatal(err)
	}
	if live := c.Storage().Len(); live != 0 {
		t.Errorf("live handles = %d, want 0", live)
	}
	if open := syn.OpenSurfaces.Load(); open != 0 {
		t.Errorf("open surfaces = %d, want 0", open)
	}
	if err := c.Play(); !errors.Is(err, ErrClosed) {
		t.Errorf("Play after Close err = %v, want ErrClosed", err)
	}
	if err := c.Close(); err != nil {
		t.Errorf("second Close: %v", err)
	}
}
