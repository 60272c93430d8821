package media

// PixelFormat is the memory layout of a frame's pixels.
type PixelFormat string

// Supported pixel formats. RGBA is the canonical texture layout.
const (
	FormatI420 PixelFormat = "I420"
	FormatNV12 PixelFormat = "NV12"
	FormatRGBA PixelFormat = "RGBA"
	FormatBGRA PixelFormat = "BGRA"
	FormatRGBX PixelFormat = "RGBX"
)

// FrameSize returns the number of bytes one w×h picture occupies.
// Chroma planes of the 4:2:0 formats round up for odd dimensions.
func (f PixelFormat) FrameSize(w, h int) int {
	if w <= 0 || h <= 0 {
		return 0
	}
	switch f {
	case FormatI420, FormatNV12:
		cw, ch := (w+1)/2, (h+1)/2
		return w*h + 2*cw*ch
	case FormatRGBA, FormatBGRA, FormatRGBX:
		return w * h * 4
	default:
		return 0
	}
}

// IsYUV reports whether the format stores luma and chroma planes.
func (f PixelFormat) IsYUV() bool {
	return f == FormatI420 || f == FormatNV12
}

// Valid reports whether f is one of the supported formats.
func (f PixelFormat) Valid() bool {
	switch f {
	case FormatI420, FormatNV12, FormatRGBA, FormatBGRA, FormatRGBX:
		return true
	}
	return false
}
