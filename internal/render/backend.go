// Package render defines the GPU drawing backend the pipeline hands textures
// to, the startup negotiation that picks one of three capability tiers, and a
// CPU Software backend that is always available as the last tier.
package render

import (
	"context"
	"errors"

	"github.com/zsiec/framepipe/internal/media"
)

var (
	// ErrUnknownTexture is returned for texture handles the backend never
	// created or has already destroyed.
	ErrUnknownTexture = errors.New("render: unknown texture")
	// ErrTextureSize is returned when a texture exceeds MaxTextureSize.
	ErrTextureSize = errors.New("render: texture size out of range")
	// ErrUnsupported is returned for operations the backend cannot perform.
	ErrUnsupported = errors.New("render: operation not supported")
	// ErrClosed is returned by every operation after Close.
	ErrClosed = errors.New("render: backend closed")
)

// Texture is a backend texture handle. Zero is never a valid texture.
type Texture uint32

// Capabilities describes what a backend can do.
type Capabilities struct {
	MaxTextureSize           int  `json:"maxTextureSize"`
	SupportsFloat16          bool `json:"supportsFloat16"`
	SupportsComputeShaders   bool `json:"supportsComputeShaders"`
	SupportsExternalTextures bool `json:"supportsExternalTextures"`
	MaxColorAttachments      int  `json:"maxColorAttachments"`
}

// RenderOptions controls a blit to the screen.
type RenderOptions struct {
	X, Y          int
	Width, Height int
	Opacity       float64
	FlipY         bool
}

// PassDescriptor describes an offscreen pass: the inputs are composited in
// order onto Target.
type PassDescriptor struct {
	Target     Texture
	Inputs     []Texture
	ClearColor [4]float64
	Clear      bool
}

// Backend is the drawing collaborator. Textures it returns are owned by the
// caller until passed to DestroyTexture.
type Backend interface {
	Name() string
	Capabilities() Capabilities

	CreateTexture(width, height int, format media.PixelFormat) (Texture, error)
	UploadPixels(tex Texture, data []byte) error
	// ImportVideoFrame and ImportImageBitmap wrap a decoder-owned surface in
	// a texture without a CPU pixel copy. The surface must outlive the texture.
	ImportVideoFrame(frame media.Native, width, height int) (Texture, error)
	ImportImageBitmap(bitmap media.Native, width, height int) (Texture, error)
	DestroyTexture(tex Texture) error

	BeginFrame() error
	EndFrame() error
	RenderToScreen(tex Texture, opts RenderOptions) error
	RenderToTexture(pass PassDescriptor) error
	ReadPixels(tex Texture) ([]byte, error)

	Close() error
}

// Opener constructs a backend, returning an error if the host lacks it.
type Opener func(ctx context.Context) (Backend, error)
