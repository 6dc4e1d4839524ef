package mvc

import (
	"fmt"
	"sync"
)

// Allocator owns the memory behind pool surfaces. Handles returned by Alloc
// are the identities the engine reports back in SubmitOutput.
type Allocator interface {
	// Alloc creates one surface for info in the given memory kind.
	Alloc(info FrameInfo, kind MemoryKind) (SurfaceHandle, error)

	// Lock maps the surface for host access.
	Lock(h SurfaceHandle) (Planes, error)

	// Unlock withdraws a mapping obtained with Lock.
	Unlock(h SurfaceHandle) error

	// Handle returns the native handle consumers use to share the surface
	// with another device context.
	Handle(h SurfaceHandle) (uintptr, error)

	// Copy copies the pixels of src into dst.
	Copy(dst, src SurfaceHandle) error

	// Free releases the surface memory.
	Free(h SurfaceHandle) error
}

// SystemAllocator keeps NV12 surfaces in Go memory. It serves software
// engines and tests; it has no native handles to share.
type SystemAllocator struct {
	mu     sync.Mutex
	next   SurfaceHandle
	frames map[SurfaceHandle]*systemFrame
}

type systemFrame struct {
	info   FrameInfo
	buf    []byte
	locked int
}

// NewSystemAllocator returns an empty allocator.
func NewSystemAllocator() *SystemAllocator {
	return &SystemAllocator{frames: make(map[SurfaceHandle]*systemFrame)}
}

// Alloc ignores kind: every system surface is host visible, and Handle
// fails for all of them.
func (a *SystemAllocator) Alloc(info FrameInfo, _ MemoryKind) (SurfaceHandle, error) {
	if info.Width <= 0 || info.Height <= 0 {
		return 0, fmt.Errorf("invalid surface size %dx%d", info.Width, info.Height)
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	a.next++
	pitch := info.Width * info.Format.BytesPerSample()
	a.frames[a.next] = &systemFrame{
		info: info,
		buf:  make([]byte, NV12Size(pitch, info.Height)),
	}
	return a.next, nil
}

func (a *SystemAllocator) frame(h SurfaceHandle) (*systemFrame, error) {
	f, ok := a.frames[h]
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSurface, h)
	}
	return f, nil
}

func (a *SystemAllocator) Lock(h SurfaceHandle) (Planes, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	f, err := a.frame(h)
	if err != nil {
		return Planes{}, err
	}
	f.locked++
	pitch := f.info.Width * f.info.Format.BytesPerSample()
	ySize := pitch * f.info.Height
	return Planes{
		Y:      f.buf[:ySize:ySize],
		UV:     f.buf[ySize:],
		Pitch:  pitch,
		Format: f.info.Format,
	}, nil
}

func (a *SystemAllocator) Unlock(h SurfaceHandle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	f, err := a.frame(h)
	if err != nil {
		return err
	}
	if f.locked > 0 {
		f.locked--
	}
	return nil
}

func (a *SystemAllocator) Handle(SurfaceHandle) (uintptr, error) {
	return 0, ErrNotSupported
}

func (a *SystemAllocator) Copy(dst, src SurfaceHandle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	d, err := a.frame(dst)
	if err != nil {
		return err
	}
	s, err := a.frame(src)
	if err != nil {
		return err
	}
	copy(d.buf, s.buf)
	return nil
}

func (a *SystemAllocator) Free(h SurfaceHandle) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.frame(h); err != nil {
		return err
	}
	delete(a.frames, h)
	return nil
}

// Live returns the number of surfaces not yet freed.
func (a *SystemAllocator) Live() int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return len(a.frames)
}

// Mapped reports whether h currently has host mappings outstanding.
func (a *SystemAllocator) Mapped(h SurfaceHandle) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	f, ok := a.frames[h]
	return ok && f.locked > 0
}
