// Package media defines the frame types that flow through the framepipe
// pipeline, from decode through caching, ring buffering and texture import.
package media

import (
	"sync"
	"sync/atomic"
)

// Buffer sizes shared by the playback controller (ring capacity) and the
// prefetcher (look-ahead window). Sized for ~2 seconds of 30fps video.
const (
	DefaultRingCapacity = 60
	DefaultLookAhead    = 30
	DefaultLookBehind   = 10
)

// Handle is an opaque integer reference to a decoded frame held by the
// handle storage. The zero Handle is never issued.
type Handle uint32

// DecodePath identifies which of the two decode engines produced a frame.
type DecodePath int

const (
	PathSoftware DecodePath = iota
	PathHardware
)

func (p DecodePath) String() string {
	if p == PathHardware {
		return "hardware"
	}
	return "software"
}

// PayloadKind says where a frame's pixels live.
type PayloadKind int

const (
	// PayloadRaw frames carry CPU pixel bytes in Data.
	PayloadRaw PayloadKind = iota
	// PayloadVideoFrame frames carry a decoder-owned video surface in Native.
	PayloadVideoFrame
	// PayloadBitmap frames carry a decoded still image in Native.
	PayloadBitmap
)

func (k PayloadKind) String() string {
	switch k {
	case PayloadVideoFrame:
		return "video-frame"
	case PayloadBitmap:
		return "bitmap"
	default:
		return "raw"
	}
}

// Native is a decoder-owned pixel resource (hardware surface, image bitmap)
// that must be closed exactly once. ReadPixels copies the image into dst in
// canonical RGBA8 layout; dst is at least width*height*4 bytes.
type Native interface {
	ReadPixels(dst []byte) error
	Close()
}

// DecodedFrame is a single decoded picture. Its fields are immutable once the
// decoder returns it. Ownership is tracked with a reference count: the
// decoder hands out one reference, every additional holder calls Retain, and
// the native payload is closed when the last holder calls Release.
type DecodedFrame struct {
	FrameNumber int
	TimestampMs float64
	DurationMs  float64
	Width       int
	Height      int
	Format      PixelFormat
	Kind        PayloadKind
	Data        []byte
	Native      Native
	IsKeyframe  bool
	DecodePath  DecodePath

	refs      atomic.Int32
	closeOnce sync.Once
}

// NewFrame returns f holding a single reference. Decoders construct frames
// through NewFrame so the count starts at one.
func NewFrame(f *DecodedFrame) *DecodedFrame {
	f.refs.Store(1)
	return f
}

// Retain adds a reference and returns f for chaining.
func (f *DecodedFrame) Retain() *DecodedFrame {
	f.refs.Add(1)
	return f
}

// Release drops a reference. The native payload is closed when the count
// reaches zero. Releasing more times than retained is a no-op past zero.
func (f *DecodedFrame) Release() {
	if f.refs.Add(-1) == 0 {
		f.closeOnce.Do(func() {
			if f.Native != nil {
				f.Native.Close()
			}
		})
	}
}

// Refs returns the current reference count.
func (f *DecodedFrame) Refs() int {
	return int(f.refs.Load())
}

// SizeBytes is the memory the frame's pixels occupy, used for cache
// budgeting.
func (f *DecodedFrame) SizeBytes() int64 {
	if f.Kind == PayloadRaw && len(f.Data) > 0 {
		return int64(len(f.Data))
	}
	return int64(f.Format.FrameSize(f.Width, f.Height))
}

// Info builds the ring-buffer metadata for this frame.
func (f *DecodedFrame) Info(h Handle) FrameInfo {
	return FrameInfo{
		FrameNumber: f.FrameNumber,
		PTSMs:       f.TimestampMs,
		DurationMs:  f.DurationMs,
		Width:       f.Width,
		Height:      f.Height,
		Handle:      h,
		IsKeyframe:  f.IsKeyframe,
	}
}

// FrameInfo is the pixel-free metadata held by the ring buffer. Pixels are
// reached only through Handle.
type FrameInfo struct {
	FrameNumber int     `json:"frameNumber"`
	PTSMs       float64 `json:"ptsMs"`
	DurationMs  float64 `json:"durationMs"`
	Width       int     `json:"width"`
	Height      int     `json:"height"`
	Handle      Handle  `json:"handle"`
	IsKeyframe  bool    `json:"isKeyframe"`
}

// EndMs is the end of the frame's presentation window.
func (fi FrameInfo) EndMs() float64 {
	return fi.PTSMs + fi.DurationMs
}

// AudioSamples is a block of decoded interleaved PCM.
type AudioSamples struct {
	TimestampMs float64
	SampleRate  int
	Channels    int
	Data        []float32
}

// DurationMs is the playback length of the block.
func (a *AudioSamples) DurationMs() float64 {
	if a.SampleRate == 0 || a.Channels == 0 {
		return 0
	}
	return float64(len(a.Data)/a.Channels) * 1000 / float64(a.SampleRate)
}
