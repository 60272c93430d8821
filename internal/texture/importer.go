// Package texture turns decoded frames into render backend textures, either
// by zero-copy import of a decoder surface or by normalizing pixels to RGBA8
// and uploading them into a pooled texture.
package texture

import (
	"errors"
	"fmt"
	"log/slog"
	"sync"

	"github.com/zsiec/framepipe/internal/media"
	"github.com/zsiec/framepipe/internal/render"
)

// DefaultMaxPooledPerSize caps idle textures kept per (width, height, format).
const DefaultMaxPooledPerSize = 4

var (
	// ErrNoBackend is returned by Import before SetBackend has been called.
	ErrNoBackend = errors.New("texture: no render backend set")
	// ErrUnknownTexture is returned by Release for a texture the importer
	// did not hand out or that was already released.
	ErrUnknownTexture = errors.New("texture: unknown or already released texture")
	// ErrNilFrame is returned by Import for a nil frame.
	ErrNilFrame = errors.New("texture: nil frame")
)

// Options controls a single import.
type Options struct {
	// ZeroCopy permits importing a native surface directly when the backend
	// supports external textures.
	ZeroCopy bool
}

// Imported is a texture handed out by Import. Owned textures wrap a decoder
// surface and are destroyed on Release; others belong to the pool and are
// recycled on Release.
type Imported struct {
	Texture     render.Texture `json:"texture"`
	FrameNumber int            `json:"frameNumber"`
	TimestampMs float64        `json:"timestampMs"`
	Owned       bool           `json:"owned"`
	Width       int            `json:"width"`
	Height      int            `json:"height"`
}

// Config configures an Importer.
type Config struct {
	MaxPooledPerSize int
	Logger           *slog.Logger
}

// Stats is a snapshot of importer counters.
type Stats struct {
	Imports     int64 `json:"imports"`
	ZeroCopy    int64 `json:"zeroCopy"`
	Uploads     int64 `json:"uploads"`
	Fallbacks   int64 `json:"fallbacks"`
	Failures    int64 `json:"failures"`
	PoolHits    int64 `json:"poolHits"`
	PoolMisses  int64 `json:"poolMisses"`
	Pooled      int   `json:"pooled"`
	Outstanding int   `json:"outstanding"`
	Releases    int64 `json:"releases"`
	Destroyed   int64 `json:"destroyed"`
}

type poolKey struct {
	width, height int
	format        media.PixelFormat
}

type outstanding struct {
	key     poolKey
	owned   bool
	backend render.Backend
	// frame is retained while an owned texture references its surface.
	frame *media.DecodedFrame
}

// Importer is safe for concurrent use; imports are serialized.
type Importer struct {
	log     *slog.Logger
	maxPool int

	mu      sync.Mutex
	backend render.Backend
	caps    render.Capabilities
	pool    map[poolKey][]render.Texture
	out     map[render.Texture]outstanding
	staging []byte
	stats   Stats
}

// New creates an Importer without a backend.
func New(cfg Config) *Importer {
	if cfg.MaxPooledPerSize <= 0 {
		cfg.MaxPooledPerSize = DefaultMaxPooledPerSize
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Importer{
		log:     log.With("component", "texture-importer"),
		maxPool: cfg.MaxPooledPerSize,
		pool:    make(map[poolKey][]render.Texture),
		out:     make(map[render.Texture]outstanding),
	}
}

// SetBackend switches the backend. Pooled textures of the previous backend
// are destroyed; textures still outstanding are destroyed on their own
// backend when released.
func (im *Importer) SetBackend(b render.Backend) {
	im.mu.Lock()
	defer im.mu.Unlock()
	im.clearPoolLocked()
	im.backend = b
	if b != nil {
		im.caps = b.Capabilities()
		im.log.Info("backend set", "backend", b.Name(), "externalTextures", im.caps.SupportsExternalTextures)
	}
}

// Import produces a texture for frame. The frame is borrowed; an owned
// zero-copy texture retains it until Release.
func (im *Importer) Import(frame *media.DecodedFrame, opts Options) (Imported, error) {
	if frame == nil {
		return Imported{}, ErrNilFrame
	}

	im.mu.Lock()
	defer im.mu.Unlock()

	if im.backend == nil {
		return Imported{}, ErrNoBackend
	}
	im.stats.Imports++

	imp := Imported{
		FrameNumber: frame.FrameNumber,
		TimestampMs: frame.TimestampMs,
		Width:       frame.Width,
		Height:      frame.Height,
	}

	if opts.ZeroCopy && im.caps.SupportsExternalTextures && frame.Kind != media.PayloadRaw && frame.Native != nil {
		tex, err := im.importNativeLocked(frame)
		if err == nil {
			im.out[tex] = outstanding{owned: true, backend: im.backend, frame: frame.Retain()}
			im.stats.ZeroCopy++
			imp.Texture = tex
			imp.Owned = true
			return imp, nil
		}
		im.stats.Fallbacks++
		im.log.Debug("zero-copy import failed, copying", "frame", frame.FrameNumber, "error", err)
	}

	tex, key, err := im.uploadLocked(frame)
	if err != nil {
		im.stats.Failures++
		return Imported{}, fmt.Errorf("import frame %d: %w", frame.FrameNumber, err)
	}
	im.out[tex] = outstanding{key: key, backend: im.backend}
	imp.Texture = tex
	return imp, nil
}

func (im *Importer) importNativeLocked(frame *media.DecodedFrame) (render.Texture, error) {
	if frame.Kind == media.PayloadBitmap {
		return im.backend.ImportImageBitmap(frame.Native, frame.Width, frame.Height)
	}
	return im.backend.ImportVideoFrame(frame.Native, frame.Width, frame.Height)
}

// uploadLocked normalizes the frame into the staging buffer and uploads it
// into a pooled or new RGBA texture.
func (im *Importer) uploadLocked(frame *media.DecodedFrame) (render.Texture, poolKey, error) {
	w, h := frame.Width, frame.Height
	key := poolKey{width: w, height: h, format: media.FormatRGBA}
	n := w * h * 4
	if n <= 0 {
		return 0, key, fmt.Errorf("texture: invalid frame size %dx%d", w, h)
	}
	if cap(im.staging) < n {
		im.staging = make([]byte, n)
	}
	staging := im.staging[:n]

	var err error
	if frame.Kind != media.PayloadRaw && frame.Native != nil {
		err = frame.Native.ReadPixels(staging)
	} else {
		err = toRGBA(staging, frame.Data, frame.Format, w, h)
	}
	if err != nil {
		return 0, key, err
	}

	tex, err := im.acquireLocked(key)
	if err != nil {
		return 0, key, err
	}
	if err := im.backend.UploadPixels(tex, staging); err != nil {
		_ = im.backend.DestroyTexture(tex)
		im.stats.Destroyed++
		return 0, key, err
	}
	im.stats.Uploads++
	return tex, key, nil
}

func (im *Importer) acquireLocked(key poolKey) (render.Texture, error) {
	if free := im.pool[key]; len(free) > 0 {
		tex := free[len(free)-1]
		im.pool[key] = free[:len(free)-1]
		im.stats.PoolHits++
		return tex, nil
	}
	im.stats.PoolMisses++
	return im.backend.CreateTexture(key.width, key.height, key.format)
}

// Release returns an imported texture. Pooled textures go back to the free
// list for their size when there is room; owned textures are destroyed.
func (im *Importer) Release(imp Imported) error {
	var frame *media.DecodedFrame

	im.mu.Lock()
	o, ok := im.out[imp.Texture]
	if !ok {
		im.mu.Unlock()
		return fmt.Errorf("release %d: %w", imp.Texture, ErrUnknownTexture)
	}
	delete(im.out, imp.Texture)
	im.stats.Releases++

	var err error
	switch {
	case !o.owned && o.backend == im.backend && len(im.pool[o.key]) < im.maxPool:
		im.pool[o.key] = append(im.pool[o.key], imp.Texture)
	default:
		err = o.backend.DestroyTexture(imp.Texture)
		im.stats.Destroyed++
	}
	frame = o.frame
	im.mu.Unlock()

	if frame != nil {
		frame.Release()
	}
	return err
}

// ClearPool destroys every idle pooled texture and returns how many.
func (im *Importer) ClearPool() int {
	im.mu.Lock()
	defer im.mu.Unlock()
	return im.clearPoolLocked()
}

func (im *Importer) clearPoolLocked() int {
	n := 0
	for key, free := range im.pool {
		for _, tex := range free {
			if err := im.backend.DestroyTexture(tex); err != nil {
				im.log.Warn("destroy pooled texture", "texture", tex, "error", err)
			}
			n++
		}
		delete(im.pool, key)
	}
	im.stats.Destroyed += int64(n)
	return n
}

// Stats returns a snapshot of importer counters.
func (im *Importer) Stats() Stats {
	im.mu.Lock()
	defer im.mu.Unlock()
	st := im.stats
	for _, free := range im.pool {
		st.Pooled += len(free)
	}
	st.Outstanding = len(im.out)
	return st
}
