package mvc

import "fmt"

// MemoryKind selects how decoded surfaces are handed to the consumer.
type MemoryKind int

const (
	// MemoryHostVisible surfaces are mapped into host memory for the
	// consumer and unmapped on release.
	MemoryHostVisible MemoryKind = iota
	// MemoryDeviceShared surfaces are exposed through their native handle.
	MemoryDeviceShared
	// MemoryDeviceCopy surfaces are copied into a shared surface first,
	// and the copy's native handle is exposed.
	MemoryDeviceCopy
)

func (k MemoryKind) String() string {
	switch k {
	case MemoryHostVisible:
		return "host-visible"
	case MemoryDeviceShared:
		return "device-shared"
	case MemoryDeviceCopy:
		return "device-copy"
	default:
		return fmt.Sprintf("memory(%d)", int(k))
	}
}

// Device reports whether surfaces of this kind live in device memory.
func (k MemoryKind) Device() bool {
	return k != MemoryHostVisible
}

// SurfaceState is the single ownership state of a surface.
type SurfaceState int

const (
	SurfaceFree     SurfaceState = iota
	SurfaceDecoding              // held by the engine as target or reference
	SurfaceQueued                // decoded, waiting for its view partner
	SurfaceRendered              // part of a picture not yet released
)

func (s SurfaceState) String() string {
	switch s {
	case SurfaceFree:
		return "free"
	case SurfaceDecoding:
		return "decoding"
	case SurfaceQueued:
		return "queued"
	case SurfaceRendered:
		return "rendered"
	default:
		return "unknown"
	}
}

// SurfaceRef names a surface of a pool arena. Gen changes every time the
// surface is released, so a ref kept past its release no longer resolves.
type SurfaceRef struct {
	Slot int32
	Gen  uint32
}

// Surface is one engine frame buffer. All fields are guarded by the pool
// mutex; read them through the accessors.
type Surface struct {
	pool   *Pool
	slot   int32
	gen    uint32
	handle SurfaceHandle

	info  FrameInfo
	frame FrameData
	sync  SyncPoint

	queued   bool
	rendered bool

	// exposure, valid while rendered
	exposed bool
	planes  Planes
	native  uintptr
	copyOf  SurfaceHandle
}

// Ref returns the arena reference of s at its current generation.
func (s *Surface) Ref() SurfaceRef {
	s.pool.mu.Lock()
	defer s.pool.mu.Unlock()
	return SurfaceRef{Slot: s.slot, Gen: s.gen}
}

// Handle returns the allocator handle of s.
func (s *Surface) Handle() SurfaceHandle { return s.handle }

// Frame returns the per-picture values the engine reported with s.
func (s *Surface) Frame() FrameData {
	s.pool.mu.Lock()
	defer s.pool.mu.Unlock()
	return s.frame
}

// Info returns the geometry the engine reported with s.
func (s *Surface) Info() FrameInfo {
	s.pool.mu.Lock()
	defer s.pool.mu.Unlock()
	return s.info
}

// Sync returns the pending sync point of s, zero when none.
func (s *Surface) Sync() SyncPoint {
	s.pool.mu.Lock()
	defer s.pool.mu.Unlock()
	return s.sync
}

// State returns the ownership state of s.
func (s *Surface) State() SurfaceState {
	s.pool.mu.Lock()
	defer s.pool.mu.Unlock()
	return s.stateLocked()
}

func (s *Surface) stateLocked() SurfaceState {
	switch {
	case s.queued:
		return SurfaceQueued
	case s.rendered:
		return SurfaceRendered
	case s.pool.locked(s.handle):
		return SurfaceDecoding
	default:
		return SurfaceFree
	}
}

// memoryStrategy exposes a rendered surface to the consumer and withdraws
// the exposure on release.
type memoryStrategy struct {
	expose   func(p *Pool, s *Surface) error
	withdraw func(p *Pool, s *Surface) error
}

var memoryStrategies = map[MemoryKind]memoryStrategy{
	MemoryHostVisible: {
		expose: func(p *Pool, s *Surface) error {
			planes, err := p.alloc.Lock(s.handle)
			if err != nil {
				return err
			}
			s.planes = planes
			return nil
		},
		withdraw: func(p *Pool, s *Surface) error {
			s.planes = Planes{}
			return p.alloc.Unlock(s.handle)
		},
	},
	MemoryDeviceShared: {
		expose: func(p *Pool, s *Surface) error {
			h, err := p.alloc.Handle(s.handle)
			if err != nil {
				return err
			}
			s.native = h
			return nil
		},
		withdraw: func(_ *Pool, s *Surface) error {
			s.native = 0
			return nil
		},
	},
	MemoryDeviceCopy: {
		expose: func(p *Pool, s *Surface) error {
			if len(p.sharedFree) == 0 {
				return fmt.Errorf("%w: no shared copy target (%d total)", ErrNoFreeSurface, len(p.shared))
			}
			dst := p.sharedFree[len(p.sharedFree)-1]
			if err := p.alloc.Copy(dst, s.handle); err != nil {
				return err
			}
			h, err := p.alloc.Handle(dst)
			if err != nil {
				return err
			}
			p.sharedFree = p.sharedFree[:len(p.sharedFree)-1]
			s.copyOf = dst
			s.native = h
			return nil
		},
		withdraw: func(p *Pool, s *Surface) error {
			p.sharedFree = append(p.sharedFree, s.copyOf)
			s.copyOf = 0
			s.native = 0
			return nil
		},
	},
}
