package texture

import (
	"errors"
	"fmt"
	"image/color"

	"github.com/zsiec/framepipe/internal/media"
)

// ErrUnsupportedFormat is returned for raw frames in a format the importer
// cannot normalize.
var ErrUnsupportedFormat = errors.New("texture: unsupported pixel format")

// toRGBA writes the w×h picture in src (laid out as format) into dst as
// RGBA8. dst must hold w*h*4 bytes.
func toRGBA(dst, src []byte, format media.PixelFormat, w, h int) error {
	need := format.FrameSize(w, h)
	if need == 0 {
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	if len(src) < need {
		return fmt.Errorf("texture: %s %dx%d needs %d bytes, got %d", format, w, h, need, len(src))
	}

	switch format {
	case media.FormatRGBA:
		copy(dst, src[:w*h*4])
	case media.FormatBGRA:
		for i := 0; i < w*h*4; i += 4 {
			dst[i], dst[i+1], dst[i+2], dst[i+3] = src[i+2], src[i+1], src[i], src[i+3]
		}
	case media.FormatRGBX:
		for i := 0; i < w*h*4; i += 4 {
			dst[i], dst[i+1], dst[i+2], dst[i+3] = src[i], src[i+1], src[i+2], 0xff
		}
	case media.FormatI420:
		cw, ch := (w+1)/2, (h+1)/2
		yp := src[:w*h]
		up := src[w*h : w*h+cw*ch]
		vp := src[w*h+cw*ch : w*h+2*cw*ch]
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				ci := (y/2)*cw + x/2
				putYCbCr(dst[(y*w+x)*4:], yp[y*w+x], up[ci], vp[ci])
			}
		}
	case media.FormatNV12:
		cw := (w + 1) / 2
		yp := src[:w*h]
		uv := src[w*h:]
		for y := 0; y < h; y++ {
			for x := 0; x < w; x++ {
				ci := ((y/2)*cw + x/2) * 2
				putYCbCr(dst[(y*w+x)*4:], yp[y*w+x], uv[ci], uv[ci+1])
			}
		}
	default:
		return fmt.Errorf("%w: %q", ErrUnsupportedFormat, format)
	}
	return nil
}

func putYCbCr(px []byte, y, cb, cr uint8) {
	r, g, b := color.YCbCrToRGB(y, cb, cr)
	px[0], px[1], px[2], px[3] = r, g, b, 0xff
}
