package mvc

import (
	"errors"
	"testing"

	"github.com/google/go-cmp/cmp"
)

func TestPoolAcquireSkipsBusySurfaces(t *testing.T) {
	locked := map[SurfaceHandle]bool{}
	p, _ := newTestPool(t, 3, locked)
	defer p.Close()

	first, err := p.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	locked[first.Handle()] = true

	second, err := p.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	if second == first {
		t.Fatal("Acquire returned a surface held by the engine")
	}
	if _, err := p.MarkQueued(second.Handle(), 7, testInfo, FrameData{}); err != nil {
		t.Fatal(err)
	}

	third, err := p.Acquire()
	if err != nil {
		t.Fatal(err)
	}
	if third == first || third == second {
		t.Fatal("Acquire returned a busy surface")
	}
	locked[third.Handle()] = true

	if _, err := p.Acquire(); !errors.Is(err, ErrNoFreeSurface) {
		t.Fatalf("Acquire on exhausted pool: err = %v, want ErrNoFreeSurface", err)
	}

	want := PoolStats{Total: 3, Decoding: 2, Queued: 1}
	if diff := cmp.Diff(want, p.Stats()); diff != "" {
		t.Errorf("stats mismatch (-want +got):\n%s", diff)
	}
}

func TestPoolGrow(t *testing.T) {
	alloc := NewSystemAllocator()
	p, err := NewPool(PoolConfig{
		Allocator: alloc,
		Info:      testInfo,
		Memory:    MemoryHostVisible,
		Count:     1,
		Grow:      true,
		Locked:    func(SurfaceHandle) bool { return true },
		Logger:    testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}

	s, err := p.Acquire()
	if err != nil {
		t.Fatalf("Acquire with growth: %v", err)
	}
	if p.Len() != 2 {
		t.Errorf("Len = %d, want 2", p.Len())
	}
	if got := p.FindByHandle(s.Handle()); got != s {
		t.Error("grown surface not found by handle")
	}

	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	if alloc.Live() != 0 {
		t.Errorf("%d surfaces leaked", alloc.Live())
	}
}

func TestPoolReleaseGeneration(t *testing.T) {
	p, _ := newTestPool(t, 2, nil)
	defer p.Close()

	s, _ := p.Acquire()
	gen := s.Ref().Gen

	// releasing a free surface changes nothing
	p.Release(s)
	if s.Ref().Gen != gen {
		t.Fatalf("gen bumped on free surface")
	}
	p.Release(nil)

	if _, err := p.MarkQueued(s.Handle(), 3, testInfo, FrameData{FrameOrder: 9}); err != nil {
		t.Fatal(err)
	}
	ref := s.Ref()
	if got, err := p.Resolve(ref); err != nil || got != s {
		t.Fatalf("Resolve = %v, %v", got, err)
	}
	if s.State() != SurfaceQueued || s.Sync() != 3 || s.Frame().FrameOrder != 9 {
		t.Fatalf("queued surface: state %v sync %d frame %+v", s.State(), s.Sync(), s.Frame())
	}

	if err := p.ReleaseRef(ref); err != nil {
		t.Fatal(err)
	}
	if s.State() != SurfaceFree || s.Sync() != 0 {
		t.Errorf("released surface: state %v sync %d", s.State(), s.Sync())
	}
	if err := p.ReleaseRef(ref); !errors.Is(err, ErrStalePicture) {
		t.Errorf("second ReleaseRef: err = %v, want ErrStalePicture", err)
	}
	if _, err := p.Resolve(SurfaceRef{Slot: 9}); !errors.Is(err, ErrUnknownSurface) {
		t.Errorf("Resolve unknown slot: err = %v", err)
	}
}

func TestPoolMarkQueuedUnknownHandle(t *testing.T) {
	p, _ := newTestPool(t, 1, nil)
	defer p.Close()
	if _, err := p.MarkQueued(999, 1, testInfo, FrameData{}); !errors.Is(err, ErrUnknownSurface) {
		t.Fatalf("err = %v, want ErrUnknownSurface", err)
	}
}

func TestPoolHostVisibleExposure(t *testing.T) {
	p, alloc := newTestPool(t, 1, nil)
	defer p.Close()

	s, _ := p.Acquire()
	p.MarkQueued(s.Handle(), 1, testInfo, FrameData{})
	if _, err := p.MarkRendered(s); err != nil {
		t.Fatal(err)
	}
	if s.State() != SurfaceRendered {
		t.Fatalf("state = %v, want rendered", s.State())
	}
	if !alloc.Mapped(s.Handle()) {
		t.Fatal("rendered host surface not mapped")
	}
	planes, native := p.exposure(s)
	if len(planes.Y) != testInfo.Width*testInfo.Height || planes.Pitch != testInfo.Width || native != 0 {
		t.Errorf("exposure: %d luma bytes, pitch %d, native %#x", len(planes.Y), planes.Pitch, native)
	}

	p.Release(s)
	if alloc.Mapped(s.Handle()) {
		t.Error("mapping not withdrawn on release")
	}
	if planes, _ := p.exposure(s); planes.Y != nil {
		t.Error("planes kept after release")
	}
}

func TestPoolDeviceCopyExposure(t *testing.T) {
	alloc := newDeviceAllocator()
	p, err := NewPool(PoolConfig{
		Allocator: alloc,
		Info:      testInfo,
		Memory:    MemoryDeviceCopy,
		Count:     3,
		Shared:    1,
		Logger:    testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	if st := p.Stats(); st.Shared != 1 || st.Total != 3 {
		t.Fatalf("stats = %+v", st)
	}

	a, _ := p.Acquire()
	p.MarkQueued(a.Handle(), 1, testInfo, FrameData{})
	if _, err := p.MarkRendered(a); err != nil {
		t.Fatalf("MarkRendered: %v", err)
	}
	_, native := p.exposure(a)
	if native == 0 || native == 0x1000+uintptr(a.Handle()) {
		t.Fatalf("native = %#x, want the shared copy handle", native)
	}

	b, _ := p.Acquire()
	p.MarkQueued(b.Handle(), 2, testInfo, FrameData{})
	if _, err := p.MarkRendered(b); !errors.Is(err, ErrNoFreeSurface) {
		t.Fatalf("second copy with one target: err = %v, want ErrNoFreeSurface", err)
	}
	p.Release(b)

	// the target returns to the free list on release
	p.Release(a)
	c, _ := p.Acquire()
	p.MarkQueued(c.Handle(), 3, testInfo, FrameData{})
	if _, err := p.MarkRendered(c); err != nil {
		t.Fatalf("copy after release: %v", err)
	}
}

func TestPoolDeviceSharedExposure(t *testing.T) {
	alloc := newDeviceAllocator()
	p, err := NewPool(PoolConfig{
		Allocator: alloc,
		Info:      testInfo,
		Memory:    MemoryDeviceShared,
		Count:     1,
		Logger:    testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	s, _ := p.Acquire()
	p.MarkQueued(s.Handle(), 1, testInfo, FrameData{})
	if _, err := p.MarkRendered(s); err != nil {
		t.Fatal(err)
	}
	if _, native := p.exposure(s); native != 0x1000+uintptr(s.Handle()) {
		t.Errorf("native = %#x", native)
	}
	p.Release(s)
	if _, native := p.exposure(s); native != 0 {
		t.Errorf("native handle kept after release: %#x", native)
	}
}

func TestPoolSystemAllocatorRejectsDeviceHandles(t *testing.T) {
	p, err := NewPool(PoolConfig{
		Allocator: NewSystemAllocator(),
		Info:      testInfo,
		Memory:    MemoryDeviceShared,
		Count:     1,
		Logger:    testLogger(),
	})
	if err != nil {
		t.Fatal(err)
	}
	defer p.Close()

	s, _ := p.Acquire()
	p.MarkQueued(s.Handle(), 1, testInfo, FrameData{})
	if _, err := p.MarkRendered(s); !errors.Is(err, ErrNotSupported) {
		t.Fatalf("err = %v, want ErrNotSupported", err)
	}
}

func TestPoolCloseReleasesQueued(t *testing.T) {
	p, alloc := newTestPool(t, 4, nil)
	var queued []*Surface
	for i := 0; i < 3; i++ {
		s, err := p.Acquire()
		if err != nil {
			t.Fatal(err)
		}
		got, err := p.MarkQueued(s.Handle(), SyncPoint(i+1), testInfo, FrameData{})
		if err != nil {
			t.Fatal(err)
		}
		if got != s || p.FindByHandle(s.Handle()) != s {
			t.Fatalf("surface %d: handle lookup returned another record", i)
		}
		queued = append(queued, s)
	}
	if st := p.Stats(); st.Queued != 3 || st.Free != 1 {
		t.Fatalf("stats = %+v", st)
	}
	if err := p.Close(); err != nil {
		t.Fatal(err)
	}
	for i, s := range queued {
		if st := s.State(); st != SurfaceFree {
			t.Errorf("surface %d is %v after Close", i, st)
		}
	}
	if alloc.Live() != 0 {
		t.Errorf("%d surfaces leaked", alloc.Live())
	}
}

func TestNewPoolErrors(t *testing.T) {
	if _, err := NewPool(PoolConfig{Info: testInfo, Count: 1}); err == nil {
		t.Error("NewPool without allocator succeeded")
	}
	alloc := NewSystemAllocator()
	if _, err := NewPool(PoolConfig{Allocator: alloc, Info: FrameInfo{}, Count: 2, Logger: testLogger()}); err == nil {
		t.Error("NewPool with zero size succeeded")
	}
	if alloc.Live() != 0 {
		t.Errorf("%d surfaces leaked after failed NewPool", alloc.Live())
	}
	if _, err := NewPool(PoolConfig{Allocator: alloc, Info: testInfo, Memory: MemoryKind(42)}); !errors.Is(err, ErrNotSupported) {
		t.Errorf("unknown memory kind: err = %v", err)
	}
}
