package handles

import (
	"errors"
	"testing"

	"github.com/zsiec/framepipe/internal/media"
)

type trackedNative struct {
	closed int
}

func (n *trackedNative) ReadPixels([]byte) error { return nil }
func (n *trackedNative) Close()                  { n.closed++ }

func newFrame(n int) (*media.DecodedFrame, *trackedNative) {
	native := &trackedNative{}
	return media.NewFrame(&media.DecodedFrame{
		FrameNumber: n,
		Width:       2,
		Height:      2,
		Format:      media.FormatRGBA,
		Kind:        media.PayloadVideoFrame,
		Native:      native,
	}), native
}

func TestStoreAndGet(t *testing.T) {
	t.Parallel()
	s := New(nil)

	f, _ := newFrame(1)
	h, err := s.Store(f)
	if err != nil {
		t.Fatalf("Store: %v", err)
	}
	if h == 0 {
		t.Fatal("Store returned the zero handle")
	}

	got, ok := s.Get(h)
	if !ok || got != f {
		t.Fatalf("Get(%d) = %p, %v; want %p, true", h, got, ok, f)
	}
	if s.Len() != 1 {
		t.Errorf("Len = %d, want 1", s.Len())
	}
}

func TestStoreNil(t *testing.T) {
	t.Parallel()
	s := New(nil)
	if _, err := s.Store(nil); !errors.Is(err, ErrNilFrame) {
		t.Fatalf("Store(nil) err = %v, want ErrNilFrame", err)
	}
}

func TestReleaseFreesAtZero(t *testing.T) {
	t.Parallel()
	s := New(nil)

	f, native := newFrame(1)
	h, _ := s.Store(f)
	if err := s.AddRef(h); err != nil {
		t.Fatalf("AddRef: %v", err)
	}

	if err := s.Release(h); err != nil {
		t.Fatalf("first Release: %v", err)
	}
	if native.closed != 0 {
		t.Fatalf("native closed with refs outstanding")
	}
	if _, ok := s.Get(h); !ok {
		t.Fatal("handle should still resolve with one ref left")
	}

	if err := s.Release(h); err != nil {
		t.Fatalf("second Release: %v", err)
	}
	if native.closed != 1 {
		t.Fatalf("native closed = %d, want 1", native.closed)
	}
	if _, ok := s.Get(h); ok {
		t.Fatal("released handle still resolves")
	}
}

func TestDoubleReleaseIsAnError(t *testing.T) {
	t.Parallel()
	s := New(nil)

	f, native := newFrame(1)
	h, _ := s.Store(f)
	if err := s.Release(h); err != nil {
		t.Fatalf("Release: %v", err)
	}
	err := s.Release(h)
	if !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("double release err = %v, want ErrInvalidHandle", err)
	}
	if native.closed != 1 {
		t.Errorf("native closed = %d, want 1", native.closed)
	}
	if err := s.AddRef(h); !errors.Is(err, ErrInvalidHandle) {
		t.Errorf("AddRef after free err = %v, want ErrInvalidHandle", err)
	}
}

func TestSlotReuseInvalidatesStaleHandle(t *testing.T) {
	t.Parallel()
	s := New(nil)

	f1, _ := newFrame(1)
	h1, _ := s.Store(f1)
	_ = s.Release(h1)

	f2, _ := newFrame(2)
	h2, _ := s.Store(f2)

	if st := s.Stats(); st.Slots != 1 {
		t.Fatalf("Slots = %d, want 1 (freed slot should be reused)", st.Slots)
	}
	if h1 == h2 {
		t.Fatal("reused slot issued an identical handle")
	}
	if _, ok := s.Get(h1); ok {
		t.Fatal("stale handle resolved to the new occupant")
	}
	if got, ok := s.Get(h2); !ok || got != f2 {
		t.Fatal("new handle does not resolve")
	}
}

func TestReleaseManyJoinsErrors(t *testing.T) {
	t.Parallel()
	s := New(nil)

	var hs []media.Handle
	var natives []*trackedNative
	for i := 0; i < 3; i++ {
		f, n := newFrame(i)
		h, _ := s.Store(f)
		hs = append(hs, h)
		natives = append(natives, n)
	}

	err := s.ReleaseMany(append(hs, 9999))
	if !errors.Is(err, ErrInvalidHandle) {
		t.Fatalf("ReleaseMany err = %v, want ErrInvalidHandle", err)
	}
	for i, n := range natives {
		if n.closed != 1 {
			t.Errorf("frame %d closed = %d, want 1", i, n.closed)
		}
	}
	if s.Len() != 0 {
		t.Errorf("Len = %d, want 0", s.Len())
	}
}

func TestClear(t *testing.T) {
	t.Parallel()
	s := New(nil)

	var natives []*trackedNative
	var hs []media.Handle
	for i := 0; i < 5; i++ {
		f, n := newFrame(i)
		h, _ := s.Store(f)
		_ = s.AddRef(h)
		hs = append(hs, h)
		natives = append(natives, n)
	}

	if got := s.Clear(); got != 5 {
		t.Fatalf("Clear = %d, want 5", got)
	}
	for i, n := range natives {
		if n.closed != 1 {
			t.Errorf("frame %d closed = %d, want 1", i, n.closed)
		}
	}
	for _, h := range hs {
		if _, ok := s.Get(h); ok {
			t.Errorf("handle %d resolves after Clear", h)
		}
	}

	st := s.Stats()
	if st.Live != 0 || st.Free != 5 || st.Stored != 5 || st.Released != 5 {
		t.Errorf("stats after Clear = %+v", st)
	}
}

func TestSharedFrameSurvivesHandleRelease(t *testing.T) {
	t.Parallel()
	s := New(nil)

	f, native := newFrame(1)
	f.Retain() // second holder, e.g. a cache

	h, _ := s.Store(f)
	_ = s.Release(h)
	if native.closed != 0 {
		t.Fatal("native closed while another holder retains the frame")
	}
	f.Release()
	if native.closed != 1 {
		t.Fatalf("native closed = %d, want 1", native.closed)
	}
}

func TestExhaustedSlotIsRetired(t *testing.T) {
	t.Parallel()
	s := New(nil)

	f1, _ := newFrame(1)
	h1, _ := s.Store(f1)
	idx, _ := unpack(h1)
	s.mu.Lock()
	s.slots[idx].gen = genMask
	s.mu.Unlock()
	stale := pack(idx, genMask)
	if err := s.Release(stale); err != nil {
		t.Fatalf("Release: %v", err)
	}

	f2, _ := newFrame(2)
	h2, _ := s.Store(f2)
	if got, _ := unpack(h2); got == idx {
		t.Fatalf("exhausted slot %d was reused", idx)
	}
	if _, ok := s.Get(stale); ok {
		t.Fatal("stale handle resolved after its slot was exhausted")
	}
	if _, ok := s.Get(pack(idx, 0)); ok {
		t.Fatal("wrapped generation resolved")
	}
	st := s.Stats()
	if st.Retired != 1 || st.Free != 0 || st.Slots != 2 {
		t.Errorf("stats = %+v, want retired=1 free=0 slots=2", st)
	}
}

func TestGenerationsAdvanceAcrossReuse(t *testing.T) {
	t.Parallel()
	s := New(nil)

	var stale []media.Handle
	for i := 0; i < 100; i++ {
		f, _ := newFrame(i)
		h, _ := s.Store(f)
		_ = s.Release(h)
		stale = append(stale, h)
	}
	f, _ := newFrame(100)
	cur, _ := s.Store(f)
	for _, h := range stale {
		if h == cur {
			t.Fatalf("handle %d reissued", h)
		}
		if _, ok := s.Get(h); ok {
			t.Fatalf("stale handle %d resolved", h)
		}
	}
}
