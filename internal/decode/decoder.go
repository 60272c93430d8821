// Package decode defines the decoder and demuxer collaborators a media source
// drives, the pure codec-to-decode-path routing, and a deterministic
// synthetic test-pattern implementation of both.
package decode

import (
	"context"
	"errors"

	"github.com/zsiec/framepipe/internal/media"
)

var (
	ErrClosed           = errors.New("decode: decoder closed")
	ErrNotConfigured    = errors.New("decode: decoder not configured")
	ErrUnsupportedCodec = errors.New("decode: unsupported codec")
	ErrOutOfRange       = errors.New("decode: frame out of range")
	// ErrMissingReference is returned when a delta frame is decoded without
	// its predecessors since the last keyframe.
	ErrMissingReference = errors.New("decode: missing reference frame")
	ErrCorrupt          = errors.New("decode: corrupt chunk")
)

// Chunk is one encoded video access unit.
type Chunk struct {
	FrameNumber int
	TimestampMs float64
	DurationMs  float64
	Keyframe    bool
	Data        []byte
}

// AudioChunk is an encoded span of audio.
type AudioChunk struct {
	TimestampMs float64
	DurationMs  float64
	Data        []byte
}

// Config configures a decoder for one stream.
type Config struct {
	Codec  string
	Width  int
	Height int
	FPS    float64
}

// Metadata is what probing a file yields.
type Metadata struct {
	DurationMs      float64          `json:"durationMs"`
	FPS             float64          `json:"fps"`
	TotalFrames     int              `json:"totalFrames"`
	Width           int              `json:"width"`
	Height          int              `json:"height"`
	Codec           string           `json:"codec"`
	DecodePath      media.DecodePath `json:"-"`
	DecodePathName  string           `json:"decodePath"`
	HasAudio        bool             `json:"hasAudio"`
	AudioSampleRate int              `json:"audioSampleRate,omitempty"`
	AudioChannels   int              `json:"audioChannels,omitempty"`
}

// FrameDurationMs is the nominal length of one frame.
func (m Metadata) FrameDurationMs() float64 {
	if m.FPS <= 0 {
		return 0
	}
	return 1000 / m.FPS
}

// FrameAtTime converts a presentation time to a frame number, clamped to
// the stream.
func (m Metadata) FrameAtTime(ms float64) int {
	if m.FPS <= 0 || ms <= 0 {
		return 0
	}
	n := int(ms * m.FPS / 1000)
	if m.TotalFrames > 0 && n >= m.TotalFrames {
		n = m.TotalFrames - 1
	}
	return n
}

// Decoder turns chunks into frames. A Decoder is used by one goroutine at a
// time; frames it returns hold one reference owned by the caller.
type Decoder interface {
	Configure(cfg Config) error
	DecodeVideo(ctx context.Context, chunk Chunk) (*media.DecodedFrame, error)
	DecodeAudio(ctx context.Context, chunk AudioChunk) (*media.AudioSamples, error)
	// Seek discards reference state so decoding can restart at a keyframe
	// at or before targetMs.
	Seek(ctx context.Context, targetMs float64) error
	Flush(ctx context.Context) error
	Reset() error
	Close() error
	CanDecode(codec string) bool
	QueueSize() int
	IsHardwareAccelerated() bool
}

// Demuxer reads encoded chunks from a container.
type Demuxer interface {
	Probe(ctx context.Context) (Metadata, error)
	VideoChunk(ctx context.Context, n int) (Chunk, error)
	AudioChunk(ctx context.Context, startMs, durationMs float64) (AudioChunk, error)
	// KeyframeBefore returns the nearest keyframe at or before frame n.
	KeyframeBefore(n int) int
	Close() error
}

// Factory creates a decoder for one decode path.
type Factory func(ctx context.Context) (Decoder, error)
