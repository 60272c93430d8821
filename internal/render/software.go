package render

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/zsiec/framepipe/internal/media"
)

var errNoFrame = errors.New("render: draw outside BeginFrame/EndFrame")

// SoftwareConfig tunes the capabilities a Software backend advertises. The
// zero value is a plain CPU rasterizer without external texture import.
type SoftwareConfig struct {
	MaxTextureSize   int
	ExternalTextures bool
	ComputeShaders   bool
}

type softTexture struct {
	width, height int
	format        media.PixelFormat
	pix           []byte       // RGBA8, nil for external textures
	external      media.Native // set for imported surfaces
}

// SoftwareStats is a snapshot of backend activity.
type SoftwareStats struct {
	Live      int   `json:"live"`
	Created   int64 `json:"created"`
	Imported  int64 `json:"imported"`
	Destroyed int64 `json:"destroyed"`
	Uploads   int64 `json:"uploads"`
	Frames    int64 `json:"frames"`
	Draws     int64 `json:"draws"`
}

// Software is an in-memory Backend. Every texture is stored as RGBA8 and
// the "screen" is the last texture drawn by RenderToScreen.
type Software struct {
	caps Capabilities

	mu       sync.Mutex
	textures map[Texture]*softTexture
	next     Texture
	inFrame  bool
	closed   bool
	screen   Texture
	stats    SoftwareStats
}

// NewSoftware creates a Software backend.
func NewSoftware(cfg SoftwareConfig) *Software {
	if cfg.MaxTextureSize <= 0 {
		cfg.MaxTextureSize = 8192
	}
	return &Software{
		caps: Capabilities{
			MaxTextureSize:           cfg.MaxTextureSize,
			SupportsFloat16:          false,
			SupportsComputeShaders:   cfg.ComputeShaders,
			SupportsExternalTextures: cfg.ExternalTextures,
			MaxColorAttachments:      1,
		},
		textures: make(map[Texture]*softTexture),
	}
}

// SoftwareOpener returns an Opener for a Software backend with cfg.
func SoftwareOpener(cfg SoftwareConfig) Opener {
	return func(context.Context) (Backend, error) {
		return NewSoftware(cfg), nil
	}
}

func (s *Software) Name() string { return "software" }

func (s *Software) Capabilities() Capabilities { return s.caps }

func (s *Software) checkSize(w, h int) error {
	if w <= 0 || h <= 0 || w > s.caps.MaxTextureSize || h > s.caps.MaxTextureSize {
		return fmt.Errorf("%dx%d (max %d): %w", w, h, s.caps.MaxTextureSize, ErrTextureSize)
	}
	return nil
}

func (s *Software) addLocked(t *softTexture) Texture {
	s.next++
	s.textures[s.next] = t
	return s.next
}

func (s *Software) CreateTexture(width, height int, format media.PixelFormat) (Texture, error) {
	if err := s.checkSize(width, height); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	s.stats.Created++
	return s.addLocked(&softTexture{
		width:  width,
		height: height,
		format: format,
		pix:    make([]byte, width*height*4),
	}), nil
}

// UploadPixels replaces the texture contents with RGBA8 data.
func (s *Software) UploadPixels(tex Texture, data []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	t, ok := s.textures[tex]
	if !ok {
		return fmt.Errorf("upload %d: %w", tex, ErrUnknownTexture)
	}
	if t.external != nil {
		return fmt.Errorf("upload to external texture %d: %w", tex, ErrUnsupported)
	}
	if len(data) != len(t.pix) {
		return fmt.Errorf("render: upload %d: got %d bytes, want %d", tex, len(data), len(t.pix))
	}
	copy(t.pix, data)
	s.stats.Uploads++
	return nil
}

func (s *Software) importNative(n media.Native, width, height int) (Texture, error) {
	if !s.caps.SupportsExternalTextures {
		return 0, fmt.Errorf("external import: %w", ErrUnsupported)
	}
	if n == nil {
		return 0, errors.New("render: import of nil surface")
	}
	if err := s.checkSize(width, height); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return 0, ErrClosed
	}
	s.stats.Imported++
	return s.addLocked(&softTexture{
		width:    width,
		height:   height,
		format:   media.FormatRGBA,
		external: n,
	}), nil
}

func (s *Software) ImportVideoFrame(frame media.Native, width, height int) (Texture, error) {
	return s.importNative(frame, width, height)
}

func (s *Software) ImportImageBitmap(bitmap media.Native, width, height int) (Texture, error) {
	return s.importNative(bitmap, width, height)
}

// DestroyTexture frees tex. An imported texture does not close its surface;
// the frame that owns the surface does.
func (s *Software) DestroyTexture(tex Texture) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.textures[tex]; !ok {
		return fmt.Errorf("destroy %d: %w", tex, ErrUnknownTexture)
	}
	delete(s.textures, tex)
	if s.screen == tex {
		s.screen = 0
	}
	s.stats.Destroyed++
	return nil
}

func (s *Software) BeginFrame() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return ErrClosed
	}
	if s.inFrame {
		return errors.New("render: BeginFrame called twice")
	}
	s.inFrame = true
	return nil
}

func (s *Software) EndFrame() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inFrame {
		return errNoFrame
	}
	s.inFrame = false
	s.stats.Frames++
	return nil
}

func (s *Software) RenderToScreen(tex Texture, _ RenderOptions) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inFrame {
		return errNoFrame
	}
	if _, ok := s.textures[tex]; !ok {
		return fmt.Errorf("render %d: %w", tex, ErrUnknownTexture)
	}
	s.screen = tex
	s.stats.Draws++
	return nil
}

// RenderToTexture composites the inputs onto the target with source-over
// alpha blending. Inputs must match the target size.
func (s *Software) RenderToTexture(pass PassDescriptor) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.inFrame {
		return errNoFrame
	}
	dst, ok := s.textures[pass.Target]
	if !ok {
		return fmt.Errorf("pass target %d: %w", pass.Target, ErrUnknownTexture)
	}
	if dst.external != nil {
		return fmt.Errorf("pass target %d is external: %w", pass.Target, ErrUnsupported)
	}

	if pass.Clear {
		var c [4]byte
		for i, v := range pass.ClearColor {
			c[i] = clamp8(v * 255)
		}
		for i := 0; i < len(dst.pix); i += 4 {
			copy(dst.pix[i:i+4], c[:])
		}
	}

	for _, in := range pass.Inputs {
		src, ok := s.textures[in]
		if !ok {
			return fmt.Errorf("pass input %d: %w", in, ErrUnknownTexture)
		}
		if src.width != dst.width || src.height != dst.height {
			return fmt.Errorf("render: pass input %d is %dx%d, target is %dx%d",
				in, src.width, src.height, dst.width, dst.height)
		}
		pix, err := s.pixelsLocked(src)
		if err != nil {
			return err
		}
		blendOver(dst.pix, pix)
	}
	s.stats.Draws++
	return nil
}

// ReadPixels returns a copy of the texture contents as RGBA8.
func (s *Software) ReadPixels(tex Texture) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	t, ok := s.textures[tex]
	if !ok {
		return nil, fmt.Errorf("read %d: %w", tex, ErrUnknownTexture)
	}
	pix, err := s.pixelsLocked(t)
	if err != nil {
		return nil, err
	}
	if t.external == nil {
		pix = append([]byte(nil), pix...)
	}
	return pix, nil
}

func (s *Software) pixelsLocked(t *softTexture) ([]byte, error) {
	if t.external == nil {
		return t.pix, nil
	}
	buf := make([]byte, t.width*t.height*4)
	if err := t.external.ReadPixels(buf); err != nil {
		return nil, fmt.Errorf("render: read external surface: %w", err)
	}
	return buf, nil
}

// Screen returns the texture most recently drawn to the screen.
func (s *Software) Screen() Texture {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.screen
}

// Stats returns a snapshot of backend counters.
func (s *Software) Stats() SoftwareStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.stats
	st.Live = len(s.textures)
	return st
}

// Close destroys every texture.
func (s *Software) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	s.stats.Destroyed += int64(len(s.textures))
	clear(s.textures)
	return nil
}

func clamp8(v float64) byte {
	switch {
	case v <= 0:
		return 0
	case v >= 255:
		return 255
	}
	return byte(v + 0.5)
}

func blendOver(dst, src []byte) {
	for i := 0; i+3 < len(dst) && i+3 < len(src); i += 4 {
		a := uint32(src[i+3])
		if a == 255 {
			copy(dst[i:i+4], src[i:i+4])
			continue
		}
		ia := 255 - a
		for c := 0; c < 3; c++ {
			dst[i+c] = byte((uint32(src[i+c])*a + uint32(dst[i+c])*ia) / 255)
		}
		dst[i+3] = byte(a + uint32(dst[i+3])*ia/255)
	}
}
