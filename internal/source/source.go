// Package source exposes an opened media file as frames addressable by
// number or time. Each Source owns one decoder exclusively and consults the
// shared frame cache before decoding.
package source

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zsiec/framepipe/internal/decode"
	"github.com/zsiec/framepipe/internal/framecache"
	"github.com/zsiec/framepipe/internal/media"
)

var (
	ErrClosed  = errors.New("source: closed")
	ErrNoAudio = errors.New("source: no audio track")
	// ErrNoDecoder is returned by Open when neither decode path can be
	// configured for the stream's codec.
	ErrNoDecoder = errors.New("source: no decoder for codec")
)

// Config describes a source to open.
type Config struct {
	ID       string
	URI      string
	Demuxer  decode.Demuxer
	Hardware decode.Factory
	Software decode.Factory
	// Cache is optional; when set, decoded frames are shared through it.
	Cache  *framecache.Cache
	Logger *slog.Logger
}

// Stats counts decoder activity for one source.
type Stats struct {
	Decodes   int64 `json:"decodes"`
	CacheHits int64 `json:"cacheHits"`
	Seeks     int64 `json:"seeks"`
	Errors    int64 `json:"errors"`
}

// Source is one opened media file.
type Source struct {
	id       string
	uri      string
	openedAt time.Time
	meta     decode.Metadata
	log      *slog.Logger
	cache    *framecache.Cache
	dmx      decode.Demuxer

	decodes   atomic.Int64
	cacheHits atomic.Int64
	seeks     atomic.Int64
	errors    atomic.Int64

	mu     sync.Mutex // owns dec
	dec    decode.Decoder
	next   int // frame the decoder produces next without seeking; -1 if unknown
	closed bool
}

// Open probes the demuxer and configures a decoder on the path Route picks
// for the codec, falling back to software if hardware is unavailable.
func Open(ctx context.Context, cfg Config) (*Source, error) {
	if cfg.Demuxer == nil {
		return nil, errors.New("source: nil demuxer")
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	log = log.With("component", "media-source", "source", cfg.ID)

	meta, err := cfg.Demuxer.Probe(ctx)
	if err != nil {
		return nil, fmt.Errorf("probe %s: %w", cfg.URI, err)
	}

	dec, err := selectDecoder(ctx, log, cfg, meta)
	if err != nil {
		_ = cfg.Demuxer.Close()
		return nil, err
	}
	meta.DecodePath = media.PathSoftware
	if dec.IsHardwareAccelerated() {
		meta.DecodePath = media.PathHardware
	}
	meta.DecodePathName = meta.DecodePath.String()

	log.Info("source opened", "uri", cfg.URI, "codec", meta.Codec, "path", meta.DecodePath,
		"frames", meta.TotalFrames, "fps", meta.FPS, "width", meta.Width, "height", meta.Height)

	return &Source{
		id:       cfg.ID,
		uri:      cfg.URI,
		openedAt: time.Now(),
		meta:     meta,
		log:      log,
		cache:    cfg.Cache,
		dmx:      cfg.Demuxer,
		dec:      dec,
		next:     -1,
	}, nil
}

func selectDecoder(ctx context.Context, log *slog.Logger, cfg Config, meta decode.Metadata) (decode.Decoder, error) {
	dcfg := decode.Config{Codec: meta.Codec, Width: meta.Width, Height: meta.Height, FPS: meta.FPS}

	if decode.Route(meta.Codec) == media.PathHardware && cfg.Hardware != nil {
		dec, err := configure(ctx, cfg.Hardware, dcfg)
		if err == nil {
			return dec, nil
		}
		log.Warn("hardware decoder unavailable, using software", "codec", meta.Codec, "error", err)
	}
	if cfg.Software == nil {
		return nil, fmt.Errorf("%s: %w", meta.Codec, ErrNoDecoder)
	}
	dec, err := configure(ctx, cfg.Software, dcfg)
	if err != nil {
		return nil, fmt.Errorf("%s: %w: %w", meta.Codec, ErrNoDecoder, err)
	}
	return dec, nil
}

func configure(ctx context.Context, factory decode.Factory, cfg decode.Config) (decode.Decoder, error) {
	dec, err := factory(ctx)
	if err != nil {
		return nil, err
	}
	if !dec.CanDecode(cfg.Codec) {
		_ = dec.Close()
		return nil, decode.ErrUnsupportedCodec
	}
	if err := dec.Configure(cfg); err != nil {
		_ = dec.Close()
		return nil, err
	}
	return dec, nil
}

func (s *Source) ID() string                { return s.id }
func (s *Source) URI() string               { return s.uri }
func (s *Source) OpenedAt() time.Time       { return s.openedAt }
func (s *Source) Metadata() decode.Metadata { return s.meta }

// Stats returns decoder activity counters.
func (s *Source) Stats() Stats {
	return Stats{
		Decodes:   s.decodes.Load(),
		CacheHits: s.cacheHits.Load(),
		Seeks:     s.seeks.Load(),
		Errors:    s.errors.Load(),
	}
}

// CachedFrame returns frame n from the cache without decoding. The frame is
// retained for the caller.
func (s *Source) CachedFrame(n int) (*media.DecodedFrame, bool) {
	if s.cache == nil {
		return nil, false
	}
	return s.cache.Acquire(framecache.Key{SourceID: s.id, FrameNumber: n})
}

// FrameAt returns frame n holding a reference the caller must Release.
// Frames are served from the cache when possible; otherwise the decoder is
// positioned at the preceding keyframe when n is not the next sequential
// frame, and every frame decoded on the way is offered to the cache.
func (s *Source) FrameAt(ctx context.Context, n int) (*media.DecodedFrame, error) {
	if n < 0 || n >= s.meta.TotalFrames {
		return nil, fmt.Errorf("frame %d of %d: %w", n, s.meta.TotalFrames, decode.ErrOutOfRange)
	}
	if f, ok := s.CachedFrame(n); ok {
		s.cacheHits.Add(1)
		return f, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	// Another caller may have decoded n while we waited for the decoder.
	if f, ok := s.CachedFrame(n); ok {
		s.cacheHits.Add(1)
		return f, nil
	}

	start := s.next
	if key := s.dmx.KeyframeBefore(n); s.next < key || s.next > n {
		chunk, err := s.dmx.VideoChunk(ctx, key)
		if err != nil {
			return nil, s.fail(n, err)
		}
		if err := s.dec.Seek(ctx, chunk.TimestampMs); err != nil {
			return nil, s.fail(n, err)
		}
		s.seeks.Add(1)
		start = key
	}

	for i := start; i < n; i++ {
		f, err := s.decodeLocked(ctx, i)
		if err != nil {
			if ctx.Err() != nil {
				return nil, s.fail(n, err)
			}
			s.log.Debug("intermediate frame failed", "frame", i, "error", err)
			continue
		}
		s.offer(f)
	}

	f, err := s.decodeLocked(ctx, n)
	if err != nil {
		return nil, s.fail(n, err)
	}
	s.offer(f.Retain())
	return f, nil
}

// decodeLocked decodes frame i and advances the sequential cursor past it.
func (s *Source) decodeLocked(ctx context.Context, i int) (*media.DecodedFrame, error) {
	chunk, err := s.dmx.VideoChunk(ctx, i)
	if err != nil {
		return nil, err
	}
	f, err := s.dec.DecodeVideo(ctx, chunk)
	s.next = i + 1
	if err != nil {
		return nil, err
	}
	s.decodes.Add(1)
	return f, nil
}

// offer hands one frame reference to the cache, releasing it if there is
// no cache, the frame is already cached, or the cache rejects it.
func (s *Source) offer(f *media.DecodedFrame) {
	if s.cache != nil && !s.cache.HasFrame(s.id, f.FrameNumber) && s.cache.SetFrame(s.id, f) {
		return
	}
	f.Release()
}

func (s *Source) fail(n int, err error) error {
	s.errors.Add(1)
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		s.next = -1
	}
	return fmt.Errorf("source %s frame %d: %w", s.id, n, err)
}

// FrameAtTime returns the frame displayed at ms.
func (s *Source) FrameAtTime(ctx context.Context, ms float64) (*media.DecodedFrame, error) {
	return s.FrameAt(ctx, s.meta.FrameAtTime(ms))
}

// DecodeAudio decodes durationMs of audio starting at startMs.
func (s *Source) DecodeAudio(ctx context.Context, startMs, durationMs float64) (*media.AudioSamples, error) {
	if !s.meta.HasAudio {
		return nil, ErrNoAudio
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, ErrClosed
	}
	chunk, err := s.dmx.AudioChunk(ctx, startMs, durationMs)
	if err != nil {
		return nil, fmt.Errorf("source %s audio at %.0fms: %w", s.id, startMs, err)
	}
	samples, err := s.dec.DecodeAudio(ctx, chunk)
	if err != nil {
		return nil, fmt.Errorf("source %s audio at %.0fms: %w", s.id, startMs, err)
	}
	return samples, nil
}

// Close releases the decoder and demuxer and purges the source's cached
// frames. It is safe to call more than once.
func (s *Source) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	err := errors.Join(s.dec.Close(), s.dmx.Close())
	s.mu.Unlock()

	if s.cache != nil {
		s.cache.RemoveSource(s.id)
	}
	s.log.Info("source closed")
	return err
}
