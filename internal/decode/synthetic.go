package decode

import (
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/framepipe/internal/media"
)

// SyntheticConfig describes a generated test-pattern stream.
type SyntheticConfig struct {
	Width  int
	Height int
	FPS    float64
	Frames int
	// GOP is the keyframe interval in frames.
	GOP   int
	Codec string
	// Native makes decoders emit surface-backed frames instead of raw I420.
	Native  bool
	Latency time.Duration
	// Fail, if set, reports frame numbers whose chunks are corrupt.
	Fail func(n int) bool

	Audio           bool
	AudioSampleRate int
	AudioChannels   int
}

func (c *SyntheticConfig) applyDefaults() {
	if c.Width <= 0 {
		c.Width = 64
	}
	if c.Height <= 0 {
		c.Height = 36
	}
	if c.FPS <= 0 {
		c.FPS = 30
	}
	if c.Frames <= 0 {
		c.Frames = 300
	}
	if c.GOP <= 0 {
		c.GOP = 30
	}
	if c.Codec == "" {
		c.Codec = "avc1.64001f"
	}
	if c.Audio {
		if c.AudioSampleRate <= 0 {
			c.AudioSampleRate = 48000
		}
		if c.AudioChannels <= 0 {
			c.AudioChannels = 2
		}
	}
}

// Synthetic produces a deterministic stream: frame n carries its number in
// the chunk payload and decodes to a luma ramp offset by n.
type Synthetic struct {
	cfg SyntheticConfig

	// Decoded counts successful video decodes across all decoders.
	Decoded atomic.Int64
	// OpenSurfaces counts native surfaces not yet closed.
	OpenSurfaces atomic.Int64
}

// NewSynthetic creates a synthetic stream.
func NewSynthetic(cfg SyntheticConfig) *Synthetic {
	cfg.applyDefaults()
	return &Synthetic{cfg: cfg}
}

// Config returns the effective configuration.
func (s *Synthetic) Config() SyntheticConfig { return s.cfg }

// Demuxer returns a demuxer over the stream.
func (s *Synthetic) Demuxer() Demuxer { return &syntheticDemuxer{s: s} }

// Factory returns a decoder factory. A hardware factory only accepts codecs
// that Route sends to hardware.
func (s *Synthetic) Factory(hardware bool) Factory {
	return func(context.Context) (Decoder, error) {
		return &syntheticDecoder{s: s, hardware: hardware, last: -1}, nil
	}
}

type syntheticDemuxer struct {
	s      *Synthetic
	closed atomic.Bool
}

func (d *syntheticDemuxer) Probe(ctx context.Context) (Metadata, error) {
	if d.closed.Load() {
		return Metadata{}, ErrClosed
	}
	c := d.s.cfg
	path := Route(c.Codec)
	return Metadata{
		DurationMs:      float64(c.Frames) * 1000 / c.FPS,
		FPS:             c.FPS,
		TotalFrames:     c.Frames,
		Width:           c.Width,
		Height:          c.Height,
		Codec:           c.Codec,
		DecodePath:      path,
		DecodePathName:  path.String(),
		HasAudio:        c.Audio,
		AudioSampleRate: c.AudioSampleRate,
		AudioChannels:   c.AudioChannels,
	}, nil
}

func (d *syntheticDemuxer) VideoChunk(ctx context.Context, n int) (Chunk, error) {
	if d.closed.Load() {
		return Chunk{}, ErrClosed
	}
	c := d.s.cfg
	if n < 0 || n >= c.Frames {
		return Chunk{}, fmt.Errorf("chunk %d of %d: %w", n, c.Frames, ErrOutOfRange)
	}
	data := make([]byte, 8)
	binary.BigEndian.PutUint64(data, uint64(n))
	if c.Fail != nil && c.Fail(n) {
		data = data[:3]
	}
	dur := 1000 / c.FPS
	return Chunk{
		FrameNumber: n,
		TimestampMs: float64(n) * dur,
		DurationMs:  dur,
		Keyframe:    n%c.GOP == 0,
		Data:        data,
	}, nil
}

func (d *syntheticDemuxer) AudioChunk(ctx context.Context, startMs, durationMs float64) (AudioChunk, error) {
	if d.closed.Load() {
		return AudioChunk{}, ErrClosed
	}
	if !d.s.cfg.Audio {
		return AudioChunk{}, fmt.Errorf("audio: %w", ErrOutOfRange)
	}
	return AudioChunk{TimestampMs: startMs, DurationMs: durationMs}, nil
}

func (d *syntheticDemuxer) KeyframeBefore(n int) int {
	if n <= 0 {
		return 0
	}
	return n - n%d.s.cfg.GOP
}

func (d *syntheticDemuxer) Close() error {
	d.closed.Store(true)
	return nil
}

type syntheticDecoder struct {
	s        *Synthetic
	hardware bool

	mu         sync.Mutex
	configured bool
	closed     bool
	last       int
}

func (d *syntheticDecoder) Configure(cfg Config) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	if !d.canDecode(cfg.Codec) {
		return fmt.Errorf("%s on %s path: %w", cfg.Codec, d.path(), ErrUnsupportedCodec)
	}
	d.configured = true
	d.last = -1
	return nil
}

func (d *syntheticDecoder) ready() error {
	switch {
	case d.closed:
		return ErrClosed
	case !d.configured:
		return ErrNotConfigured
	}
	return nil
}

func (d *syntheticDecoder) DecodeVideo(ctx context.Context, chunk Chunk) (*media.DecodedFrame, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ready(); err != nil {
		return nil, err
	}
	if !chunk.Keyframe && d.last != chunk.FrameNumber-1 {
		return nil, fmt.Errorf("frame %d after %d: %w", chunk.FrameNumber, d.last, ErrMissingReference)
	}

	if lat := d.s.cfg.Latency; lat > 0 {
		t := time.NewTimer(lat)
		select {
		case <-ctx.Done():
			t.Stop()
			return nil, ctx.Err()
		case <-t.C:
		}
	}

	d.last = chunk.FrameNumber
	if len(chunk.Data) != 8 {
		return nil, fmt.Errorf("frame %d: %w", chunk.FrameNumber, ErrCorrupt)
	}
	n := int(binary.BigEndian.Uint64(chunk.Data))

	c := d.s.cfg
	f := &media.DecodedFrame{
		FrameNumber: n,
		TimestampMs: chunk.TimestampMs,
		DurationMs:  chunk.DurationMs,
		Width:       c.Width,
		Height:      c.Height,
		IsKeyframe:  chunk.Keyframe,
		DecodePath:  d.path(),
	}
	if c.Native {
		f.Kind = media.PayloadVideoFrame
		f.Format = media.FormatNV12
		f.Native = newPatternSurface(d.s, n, c.Width, c.Height)
	} else {
		f.Kind = media.PayloadRaw
		f.Format = media.FormatI420
		f.Data = patternI420(n, c.Width, c.Height)
	}
	d.s.Decoded.Add(1)
	return media.NewFrame(f), nil
}

func (d *syntheticDecoder) DecodeAudio(ctx context.Context, chunk AudioChunk) (*media.AudioSamples, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ready(); err != nil {
		return nil, err
	}
	c := d.s.cfg
	if !c.Audio {
		return nil, fmt.Errorf("audio: %w", ErrUnsupportedCodec)
	}
	frames := int(chunk.DurationMs * float64(c.AudioSampleRate) / 1000)
	data := make([]float32, frames*c.AudioChannels)
	start := chunk.TimestampMs * float64(c.AudioSampleRate) / 1000
	for i := 0; i < frames; i++ {
		v := float32(0.25 * math.Sin(2*math.Pi*440*(start+float64(i))/float64(c.AudioSampleRate)))
		for ch := 0; ch < c.AudioChannels; ch++ {
			data[i*c.AudioChannels+ch] = v
		}
	}
	return &media.AudioSamples{
		TimestampMs: chunk.TimestampMs,
		SampleRate:  c.AudioSampleRate,
		Channels:    c.AudioChannels,
		Data:        data,
	}, nil
}

func (d *syntheticDecoder) Seek(ctx context.Context, targetMs float64) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if err := d.ready(); err != nil {
		return err
	}
	d.last = -1
	return nil
}

func (d *syntheticDecoder) Flush(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.ready()
}

func (d *syntheticDecoder) Reset() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return ErrClosed
	}
	d.configured = false
	d.last = -1
	return nil
}

func (d *syntheticDecoder) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}

func (d *syntheticDecoder) CanDecode(codec string) bool {
	return d.canDecode(codec)
}

func (d *syntheticDecoder) canDecode(codec string) bool {
	if d.hardware {
		return Route(codec) == media.PathHardware
	}
	return codec != ""
}

func (d *syntheticDecoder) QueueSize() int { return 0 }

func (d *syntheticDecoder) IsHardwareAccelerated() bool { return d.hardware }

func (d *syntheticDecoder) path() media.DecodePath {
	if d.hardware {
		return media.PathHardware
	}
	return media.PathSoftware
}

// PatternLuma is the luma value of pixel x in frame n.
func PatternLuma(n, x int) byte {
	return byte(n*8 + x)
}

func patternI420(n, w, h int) []byte {
	buf := make([]byte, media.FormatI420.FrameSize(w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			buf[y*w+x] = PatternLuma(n, x)
		}
	}
	for i := w * h; i < len(buf); i++ {
		buf[i] = 128
	}
	return buf
}

type patternSurface struct {
	s    *Synthetic
	n    int
	w, h int
	once sync.Once
}

func newPatternSurface(s *Synthetic, n, w, h int) *patternSurface {
	s.OpenSurfaces.Add(1)
	return &patternSurface{s: s, n: n, w: w, h: h}
}

func (p *patternSurface) ReadPixels(dst []byte) error {
	if len(dst) < p.w*p.h*4 {
		return fmt.Errorf("decode: read pixels: need %d bytes, got %d", p.w*p.h*4, len(dst))
	}
	for y := 0; y < p.h; y++ {
		for x := 0; x < p.w; x++ {
			v := PatternLuma(p.n, x)
			i := (y*p.w + x) * 4
			dst[i], dst[i+1], dst[i+2], dst[i+3] = v, v, v, 0xff
		}
	}
	return nil
}

func (p *patternSurface) Close() {
	p.once.Do(func() { p.s.OpenSurfaces.Add(-1) })
}
