package render

import (
	"bytes"
	"context"
	"errors"
	"testing"

	"github.com/zsiec/framepipe/internal/media"
)

type closeTracker struct {
	Backend
	closed int
}

func (c *closeTracker) Close() error {
	c.closed++
	return c.Backend.Close()
}

func TestNegotiateFixedOrder(t *testing.T) {
	t.Parallel()

	var opened []Tier
	probe := func(tier Tier, cfg SoftwareConfig) Probe {
		return Probe{Tier: tier, Open: func(ctx context.Context) (Backend, error) {
			opened = append(opened, tier)
			return NewSoftware(cfg), nil
		}}
	}

	sel, err := Negotiate(context.Background(), nil, []Probe{
		probe(TierSoftware, SoftwareConfig{}),
		probe(TierRaster, SoftwareConfig{}),
		probe(TierCompute, SoftwareConfig{ComputeShaders: true}),
	})
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if sel.Tier != TierCompute {
		t.Fatalf("tier = %v, want compute", sel.Tier)
	}
	if len(opened) != 1 || opened[0] != TierCompute {
		t.Fatalf("opened = %v, want [compute]", opened)
	}
}

func TestNegotiateFallsThrough(t *testing.T) {
	t.Parallel()

	lacking := &closeTracker{Backend: NewSoftware(SoftwareConfig{})}
	sel, err := Negotiate(context.Background(), nil, []Probe{
		{Tier: TierCompute, Open: func(context.Context) (Backend, error) { return lacking, nil }},
		{Tier: TierRaster, Open: func(context.Context) (Backend, error) { return nil, errors.New("no gpu") }},
		{Tier: TierSoftware, Open: SoftwareOpener(SoftwareConfig{})},
	})
	if err != nil {
		t.Fatalf("Negotiate: %v", err)
	}
	if sel.Tier != TierSoftware {
		t.Fatalf("tier = %v, want software", sel.Tier)
	}
	if lacking.closed != 1 {
		t.Errorf("rejected backend closed %d times, want 1", lacking.closed)
	}
}

func TestNegotiateNoBackend(t *testing.T) {
	t.Parallel()

	_, err := Negotiate(context.Background(), nil, []Probe{
		{Tier: TierRaster, Open: func(context.Context) (Backend, error) { return nil, errors.New("no gpu") }},
	})
	if !errors.Is(err, ErrNoBackend) {
		t.Fatalf("err = %v, want ErrNoBackend", err)
	}
}

func TestParseTier(t *testing.T) {
	t.Parallel()
	for _, tier := range []Tier{TierCompute, TierRaster, TierSoftware} {
		got, err := ParseTier(tier.String())
		if err != nil || got != tier {
			t.Errorf("ParseTier(%q) = %v, %v", tier.String(), got, err)
		}
	}
	if _, err := ParseTier("vulkan"); err == nil {
		t.Error("ParseTier(vulkan) succeeded")
	}
}

func TestSoftwareUploadAndRead(t *testing.T) {
	t.Parallel()
	s := NewSoftware(SoftwareConfig{})

	tex, err := s.CreateTexture(2, 1, media.FormatRGBA)
	if err != nil {
		t.Fatal(err)
	}
	want := []byte{1, 2, 3, 255, 4, 5, 6, 255}
	if err := s.UploadPixels(tex, want); err != nil {
		t.Fatalf("UploadPixels: %v", err)
	}
	got, err := s.ReadPixels(tex)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(got, want) {
		t.Fatalf("got %v, want %v", got, want)
	}

	if err := s.UploadPixels(tex, want[:4]); err == nil {
		t.Error("short upload succeeded")
	}
}

func TestSoftwareTextureSizeLimit(t *testing.T) {
	t.Parallel()
	s := NewSoftware(SoftwareConfig{MaxTextureSize: 16})
	if _, err := s.CreateTexture(17, 1, media.FormatRGBA); !errors.Is(err, ErrTextureSize) {
		t.Fatalf("err = %v, want ErrTextureSize", err)
	}
}

type solidSurface struct{ rgba [4]byte }

func (s solidSurface) ReadPixels(dst []byte) error {
	for i := 0; i+3 < len(dst); i += 4 {
		copy(dst[i:], s.rgba[:])
	}
	return nil
}
func (solidSurface) Close() {}

func TestSoftwareExternalImport(t *testing.T) {
	t.Parallel()

	plain := NewSoftware(SoftwareConfig{})
	if _, err := plain.ImportVideoFrame(solidSurface{}, 1, 1); !errors.Is(err, ErrUnsupported) {
		t.Fatalf("import without support err = %v, want ErrUnsupported", err)
	}

	s := NewSoftware(SoftwareConfig{ExternalTextures: true})
	tex, err := s.ImportVideoFrame(solidSurface{rgba: [4]byte{9, 8, 7, 255}}, 2, 2)
	if err != nil {
		t.Fatal(err)
	}
	pix, err := s.ReadPixels(tex)
	if err != nil {
		t.Fatal(err)
	}
	if len(pix) != 16 || pix[0] != 9 || pix[13] != 8 {
		t.Fatalf("pixels = %v", pix)
	}
	if err := s.UploadPixels(tex, pix); !errors.Is(err, ErrUnsupported) {
		t.Errorf("upload to external err = %v, want ErrUnsupported", err)
	}
}

func TestSoftwareDestroy(t *testing.T) {
	t.Parallel()
	s := NewSoftware(SoftwareConfig{})
	tex, _ := s.CreateTexture(1, 1, media.FormatRGBA)
	if err := s.DestroyTexture(tex); err != nil {
		t.Fatal(err)
	}
	if err := s.DestroyTexture(tex); !errors.Is(err, ErrUnknownTexture) {
		t.Fatalf("double destroy err = %v, want ErrUnknownTexture", err)
	}
	if _, err := s.ReadPixels(tex); !errors.Is(err, ErrUnknownTexture) {
		t.Fatalf("read after destroy err = %v, want ErrUnknownTexture", err)
	}
	if st := s.Stats(); st.Live != 0 || st.Created != 1 || st.Destroyed != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestSoftwareFrameLifecycle(t *testing.T) {
	t.Parallel()
	s := NewSoftware(SoftwareConfig{})
	tex, _ := s.CreateTexture(1, 1, media.FormatRGBA)

	if err := s.RenderToScreen(tex, RenderOptions{}); err == nil {
		t.Fatal("draw outside a frame succeeded")
	}
	if err := s.BeginFrame(); err != nil {
		t.Fatal(err)
	}
	if err := s.RenderToScreen(tex, RenderOptions{Opacity: 1}); err != nil {
		t.Fatal(err)
	}
	if err := s.EndFrame(); err != nil {
		t.Fatal(err)
	}
	if s.Screen() != tex {
		t.Errorf("screen = %d, want %d", s.Screen(), tex)
	}
	if st := s.Stats(); st.Frames != 1 || st.Draws != 1 {
		t.Errorf("stats = %+v", st)
	}
}

func TestSoftwareRenderToTexture(t *testing.T) {
	t.Parallel()
	s := NewSoftware(SoftwareConfig{})

	dst, _ := s.CreateTexture(1, 1, media.FormatRGBA)
	src, _ := s.CreateTexture(1, 1, media.FormatRGBA)
	_ = s.UploadPixels(src, []byte{255, 0, 0, 255})

	_ = s.BeginFrame()
	err := s.RenderToTexture(PassDescriptor{
		Target:     dst,
		Inputs:     []Texture{src},
		Clear:      true,
		ClearColor: [4]float64{0, 0, 1, 1},
	})
	_ = s.EndFrame()
	if err != nil {
		t.Fatal(err)
	}
	got, _ := s.ReadPixels(dst)
	if !bytes.Equal(got, []byte{255, 0, 0, 255}) {
		t.Fatalf("got %v, want opaque red", got)
	}
}

func TestBlendOverHalfAlpha(t *testing.T) {
	t.Parallel()
	dst := []byte{0, 0, 200, 255}
	blendOver(dst, []byte{200, 0, 0, 127})
	if dst[0] < 95 || dst[0] > 105 || dst[2] < 95 || dst[2] > 105 || dst[3] != 255 {
		t.Fatalf("got %v", dst)
	}
}
