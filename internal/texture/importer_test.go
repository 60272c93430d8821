package texture

import (
	"bytes"
	"errors"
	"testing"

	"github.com/zsiec/framepipe/internal/media"
	"github.com/zsiec/framepipe/internal/render"
)

type surface struct {
	rgba   [4]byte
	closed int
}

func (s *surface) ReadPixels(dst []byte) error {
	for i := 0; i+3 < len(dst); i += 4 {
		copy(dst[i:], s.rgba[:])
	}
	return nil
}
func (s *surface) Close() { s.closed++ }

func rgbaFrame(n, w, h int) *media.DecodedFrame {
	data := make([]byte, w*h*4)
	for i := range data {
		data[i] = byte(i)
	}
	return media.NewFrame(&media.DecodedFrame{
		FrameNumber: n,
		TimestampMs: float64(n) * 40,
		Width:       w,
		Height:      h,
		Format:      media.FormatRGBA,
		Kind:        media.PayloadRaw,
		Data:        data,
	})
}

func nativeFrame(n, w, h int, s *surface) *media.DecodedFrame {
	return media.NewFrame(&media.DecodedFrame{
		FrameNumber: n,
		Width:       w,
		Height:      h,
		Format:      media.FormatNV12,
		Kind:        media.PayloadVideoFrame,
		Native:      s,
	})
}

func TestImportWithoutBackend(t *testing.T) {
	t.Parallel()
	im := New(Config{})
	if _, err := im.Import(rgbaFrame(0, 2, 2), Options{}); !errors.Is(err, ErrNoBackend) {
		t.Fatalf("err = %v, want ErrNoBackend", err)
	}
}

func TestRawFrameUploadsAndPools(t *testing.T) {
	t.Parallel()
	be := render.NewSoftware(render.SoftwareConfig{ExternalTextures: true})
	im := New(Config{})
	im.SetBackend(be)

	f := rgbaFrame(3, 2, 2)
	imp, err := im.Import(f, Options{ZeroCopy: true})
	if err != nil {
		t.Fatal(err)
	}
	if imp.Owned {
		t.Error("raw upload should produce a pooled texture")
	}
	if imp.FrameNumber != 3 || imp.TimestampMs != 120 {
		t.Errorf("imported = %+v", imp)
	}
	pix, _ := be.ReadPixels(imp.Texture)
	if !bytes.Equal(pix, f.Data) {
		t.Fatalf("pixels differ after upload")
	}

	if err := im.Release(imp); err != nil {
		t.Fatal(err)
	}
	again, err := im.Import(rgbaFrame(4, 2, 2), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if again.Texture != imp.Texture {
		t.Errorf("pooled texture not reused: got %d, want %d", again.Texture, imp.Texture)
	}
	st := im.Stats()
	if st.PoolHits != 1 || st.PoolMisses != 1 || st.Uploads != 2 {
		t.Errorf("stats = %+v", st)
	}
}

func TestPoolNeverReturnsMismatchedSize(t *testing.T) {
	t.Parallel()
	im := New(Config{})
	im.SetBackend(render.NewSoftware(render.SoftwareConfig{}))

	small, _ := im.Import(rgbaFrame(0, 2, 2), Options{})
	_ = im.Release(small)

	big, err := im.Import(rgbaFrame(1, 4, 4), Options{})
	if err != nil {
		t.Fatal(err)
	}
	if big.Texture == small.Texture {
		t.Fatal("pool returned a texture of the wrong size")
	}
	if st := im.Stats(); st.Pooled != 1 {
		t.Errorf("Pooled = %d, want 1", st.Pooled)
	}
}

func TestPoolCap(t *testing.T) {
	t.Parallel()
	be := render.NewSoftware(render.SoftwareConfig{})
	im := New(Config{MaxPooledPerSize: 2})
	im.SetBackend(be)

	var imps []Imported
	for i := 0; i < 4; i++ {
		imp, err := im.Import(rgbaFrame(i, 2, 2), Options{})
		if err != nil {
			t.Fatal(err)
		}
		imps = append(imps, imp)
	}
	for _, imp := range imps {
		if err := im.Release(imp); err != nil {
			t.Fatal(err)
		}
	}
	st := im.Stats()
	if st.Pooled != 2 || st.Destroyed != 2 {
		t.Fatalf("pooled=%d destroyed=%d, want 2/2", st.Pooled, st.Destroyed)
	}
	if live := be.Stats().Live; live != 2 {
		t.Errorf("backend live = %d, want 2", live)
	}
}

func TestZeroCopyImportRetainsFrame(t *testing.T) {
	t.Parallel()
	be := render.NewSoftware(render.SoftwareConfig{ExternalTextures: true})
	im := New(Config{})
	im.SetBackend(be)

	s := &surface{rgba: [4]byte{1, 2, 3, 255}}
	f := nativeFrame(7, 2, 2, s)
	imp, err := im.Import(f, Options{ZeroCopy: true})
	if err != nil {
		t.Fatal(err)
	}
	if !imp.Owned {
		t.Fatal("zero-copy texture should be owned")
	}

	f.Release() // the decoder's reference
	if s.closed != 0 {
		t.Fatal("surface closed while its texture is outstanding")
	}
	if err := im.Release(imp); err != nil {
		t.Fatal(err)
	}
	if s.closed != 1 {
		t.Fatalf("surface closed = %d, want 1", s.closed)
	}
	if st := im.Stats(); st.ZeroCopy != 1 || st.Pooled != 0 || st.Destroyed != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestNativeFrameCopiesWithoutZeroCopy(t *testing.T) {
	t.Parallel()
	be := render.NewSoftware(render.SoftwareConfig{ExternalTextures: true})
	im := New(Config{})
	im.SetBackend(be)

	s := &surface{rgba: [4]byte{10, 20, 30, 255}}
	imp, err := im.Import(nativeFrame(1, 1, 1, s), Options{ZeroCopy: false})
	if err != nil {
		t.Fatal(err)
	}
	if imp.Owned {
		t.Fatal("copied texture should be pooled")
	}
	pix, _ := be.ReadPixels(imp.Texture)
	if !bytes.Equal(pix, []byte{10, 20, 30, 255}) {
		t.Fatalf("pixels = %v", pix)
	}
}

func TestZeroCopyUnsupportedBackendCopies(t *testing.T) {
	t.Parallel()
	im := New(Config{})
	im.SetBackend(render.NewSoftware(render.SoftwareConfig{}))

	imp, err := im.Import(nativeFrame(1, 2, 2, &surface{}), Options{ZeroCopy: true})
	if err != nil {
		t.Fatal(err)
	}
	if imp.Owned {
		t.Fatal("backend without external textures produced an owned texture")
	}
}

func TestReleaseUnknownTexture(t *testing.T) {
	t.Parallel()
	im := New(Config{})
	im.SetBackend(render.NewSoftware(render.SoftwareConfig{}))

	imp, _ := im.Import(rgbaFrame(0, 1, 1), Options{})
	if err := im.Release(imp); err != nil {
		t.Fatal(err)
	}
	if err := im.Release(imp); !errors.Is(err, ErrUnknownTexture) {
		t.Fatalf("double release err = %v, want ErrUnknownTexture", err)
	}
}

func TestSetBackendClearsPool(t *testing.T) {
	t.Parallel()
	old := render.NewSoftware(render.SoftwareConfig{})
	im := New(Config{})
	im.SetBackend(old)

	pooled, _ := im.Import(rgbaFrame(0, 1, 1), Options{})
	held, _ := im.Import(rgbaFrame(1, 1, 1), Options{})
	_ = im.Release(pooled)

	next := render.NewSoftware(render.SoftwareConfig{})
	im.SetBackend(next)
	if old.Stats().Live != 1 {
		t.Fatalf("old backend live = %d, want 1 (only the held texture)", old.Stats().Live)
	}

	if err := im.Release(held); err != nil {
		t.Fatal(err)
	}
	if old.Stats().Live != 0 {
		t.Error("texture from the previous backend was not destroyed on release")
	}
	if im.Stats().Pooled != 0 {
		t.Error("texture from the previous backend entered the new pool")
	}
}

func TestClearPool(t *testing.T) {
	t.Parallel()
	im := New(Config{})
	im.SetBackend(render.NewSoftware(render.SoftwareConfig{}))
	a, _ := im.Import(rgbaFrame(0, 1, 1), Options{})
	b, _ := im.Import(rgbaFrame(1, 2, 1), Options{})
	_ = im.Release(a)
	_ = im.Release(b)
	if n := im.ClearPool(); n != 2 {
		t.Fatalf("ClearPool = %d, want 2", n)
	}
}

func TestToRGBA(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name   string
		format media.PixelFormat
		w, h   int
		src    []byte
		want   []byte
	}{
		{"bgra", media.FormatBGRA, 1, 1, []byte{3, 2, 1, 200}, []byte{1, 2, 3, 200}},
		{"rgbx", media.FormatRGBX, 1, 1, []byte{1, 2, 3, 0}, []byte{1, 2, 3, 255}},
		// Full-range luma with neutral chroma maps straight to grey levels.
		{"i420 white", media.FormatI420, 2, 2, []byte{255, 255, 255, 255, 128, 128}, bytes.Repeat([]byte{255, 255, 255, 255}, 4)},
		{"nv12 black", media.FormatNV12, 2, 2, []byte{0, 0, 0, 0, 128, 128}, bytes.Repeat([]byte{0, 0, 0, 255}, 4)},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			dst := make([]byte, tt.w*tt.h*4)
			if err := toRGBA(dst, tt.src, tt.format, tt.w, tt.h); err != nil {
				t.Fatal(err)
			}
			if !bytes.Equal(dst, tt.want) {
				t.Errorf("got %v, want %v", dst, tt.want)
			}
		})
	}
}

func TestToRGBAShortInput(t *testing.T) {
	t.Parallel()
	dst := make([]byte, 16)
	if err := toRGBA(dst, make([]byte, 5), media.FormatI420, 2, 2); err == nil {
		t.Fatal("short I420 input accepted")
	}
	if err := toRGBA(dst, nil, media.PixelFormat("P010"), 2, 2); !errors.Is(err, ErrUnsupportedFormat) {
		t.Fatalf("err = %v, want ErrUnsupportedFormat", err)
	}
}
