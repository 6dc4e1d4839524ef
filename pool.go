package mvc

import (
	"fmt"
	"sync"

	"github.com/pion/logging"
	"github.com/samber/lo"
	"go.uber.org/multierr"
)

// PoolConfig configures a surface pool.
type PoolConfig struct {
	Allocator Allocator
	Info      FrameInfo
	Memory    MemoryKind

	// Count surfaces are allocated up front.
	Count int

	// Shared copy targets, only used with MemoryDeviceCopy.
	Shared int

	// Grow allocates a new surface when Acquire finds none free.
	Grow bool

	// Locked reports whether the engine holds a surface. Nil means never.
	Locked func(SurfaceHandle) bool

	Logger logging.LeveledLogger
}

// PoolStats counts surfaces per state.
type PoolStats struct {
	Total    int
	Free     int
	Decoding int
	Queued   int
	Rendered int
	Shared   int
}

// Pool owns the decode surfaces. Queues and pictures hold references into
// the pool; only the pool mutates surface state.
type Pool struct {
	mu sync.Mutex

	alloc  Allocator
	info   FrameInfo
	memory MemoryKind
	grow   bool
	isLock func(SurfaceHandle) bool
	log    logging.LeveledLogger

	surfaces   []*Surface
	byHandle   map[SurfaceHandle]*Surface
	shared     []SurfaceHandle
	sharedFree []SurfaceHandle
}

// NewPool allocates cfg.Count surfaces and, for MemoryDeviceCopy, the
// shared copy targets.
func NewPool(cfg PoolConfig) (*Pool, error) {
	if cfg.Allocator == nil {
		return nil, fmt.Errorf("pool: allocator is required")
	}
	if _, ok := memoryStrategies[cfg.Memory]; !ok {
		return nil, fmt.Errorf("%w: memory kind %s", ErrNotSupported, cfg.Memory)
	}
	log := cfg.Logger
	if log == nil {
		log = logging.NewDefaultLoggerFactory().NewLogger("mvc")
	}

	p := &Pool{
		alloc:    cfg.Allocator,
		info:     cfg.Info,
		memory:   cfg.Memory,
		grow:     cfg.Grow,
		isLock:   cfg.Locked,
		log:      log,
		byHandle: make(map[SurfaceHandle]*Surface, cfg.Count),
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < cfg.Count; i++ {
		if _, err := p.allocLocked(); err != nil {
			return nil, multierr.Append(err, p.freeLocked())
		}
	}
	if cfg.Memory == MemoryDeviceCopy {
		for i := 0; i < cfg.Shared; i++ {
			h, err := p.alloc.Alloc(cfg.Info, MemoryDeviceShared)
			if err != nil {
				return nil, multierr.Append(fmt.Errorf("allocate shared surface: %w", err), p.freeLocked())
			}
			p.shared = append(p.shared, h)
		}
		p.sharedFree = append([]SurfaceHandle(nil), p.shared...)
	}
	return p, nil
}

func (p *Pool) allocLocked() (*Surface, error) {
	h, err := p.alloc.Alloc(p.info, p.memory)
	if err != nil {
		return nil, fmt.Errorf("allocate surface: %w", err)
	}
	s := &Surface{
		pool:   p,
		slot:   int32(len(p.surfaces)),
		handle: h,
		info:   p.info,
	}
	p.surfaces = append(p.surfaces, s)
	p.byHandle[h] = s
	return s, nil
}

func (p *Pool) locked(h SurfaceHandle) bool {
	return p.isLock != nil && p.isLock(h)
}

// Memory returns the memory kind of the pool surfaces.
func (p *Pool) Memory() MemoryKind { return p.memory }

// Len returns the number of surfaces in the pool.
func (p *Pool) Len() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.surfaces)
}

// Acquire returns a surface that is neither held by the engine, queued nor
// rendered. When none is free and growth is disabled it returns
// ErrNoFreeSurface; callers treat that as a stall.
func (p *Pool) Acquire() (*Surface, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	for _, s := range p.surfaces {
		if s.stateLocked() == SurfaceFree {
			return s, nil
		}
	}
	if !p.grow {
		p.log.Errorf("no free surfaces (%d total)", len(p.surfaces))
		return nil, fmt.Errorf("%w: %d total", ErrNoFreeSurface, len(p.surfaces))
	}

	s, err := p.allocLocked()
	if err != nil {
		return nil, err
	}
	p.log.Debugf("pool grown to %d surfaces", len(p.surfaces))
	return s, nil
}

// Release clears the queued and rendered state and the sync point of s and
// withdraws any consumer exposure. Releasing a free surface or nil does
// nothing.
func (p *Pool) Release(s *Surface) {
	if s == nil {
		return
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	p.releaseLocked(s)
}

func (p *Pool) releaseLocked(s *Surface) {
	if s.exposed {
		if err := memoryStrategies[p.memory].withdraw(p, s); err != nil {
			p.log.Warnf("withdraw surface %d: %v", s.handle, err)
		}
		s.exposed = false
	}
	if !s.queued && !s.rendered && s.sync == 0 {
		return
	}
	s.queued = false
	s.rendered = false
	s.sync = 0
	s.gen++
}

// FindByHandle maps an engine surface handle back to its pool record.
func (p *Pool) FindByHandle(h SurfaceHandle) *Surface {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.findLocked(h)
}

func (p *Pool) findLocked(h SurfaceHandle) *Surface {
	return p.byHandle[h]
}

// MarkQueued records a decode output: the surface waits for its view
// partner until sync completes.
func (p *Pool) MarkQueued(h SurfaceHandle, sync SyncPoint, info FrameInfo, frame FrameData) (*Surface, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s := p.findLocked(h)
	if s == nil {
		return nil, fmt.Errorf("%w: %d", ErrUnknownSurface, h)
	}
	s.rendered = false
	s.queued = true
	s.sync = sync
	s.info = info
	s.frame = frame
	return s, nil
}

// clearSync drops the sync point of a completed surface.
func (p *Pool) clearSync(s *Surface) {
	p.mu.Lock()
	defer p.mu.Unlock()
	s.sync = 0
}

// MarkRendered moves s from queued to rendered and exposes it to the
// consumer the way the pool memory kind requires.
func (p *Pool) MarkRendered(s *Surface) (*Surface, error) {
	p.mu.Lock()
	defer p.mu.Unlock()

	s.queued = false
	s.rendered = true
	if !s.exposed {
		if err := memoryStrategies[p.memory].expose(p, s); err != nil {
			return s, fmt.Errorf("expose surface %d as %s: %w", s.handle, p.memory, err)
		}
		s.exposed = true
	}
	return s, nil
}

// Resolve returns the surface named by ref, or ErrStalePicture when the
// surface was released since ref was taken.
func (p *Pool) Resolve(ref SurfaceRef) (*Surface, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.resolveLocked(ref)
}

// ReleaseRef resolves ref and releases the surface in one step, so only
// one of two racing releases succeeds.
func (p *Pool) ReleaseRef(ref SurfaceRef) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	s, err := p.resolveLocked(ref)
	if err != nil {
		return err
	}
	p.releaseLocked(s)
	return nil
}

func (p *Pool) resolveLocked(ref SurfaceRef) (*Surface, error) {
	if ref.Slot < 0 || int(ref.Slot) >= len(p.surfaces) {
		return nil, fmt.Errorf("%w: slot %d", ErrUnknownSurface, ref.Slot)
	}
	s := p.surfaces[ref.Slot]
	if s.gen != ref.Gen {
		return nil, fmt.Errorf("%w: slot %d generation %d, now %d", ErrStalePicture, ref.Slot, ref.Gen, s.gen)
	}
	return s, nil
}

// exposure returns the consumer view of a rendered surface.
func (p *Pool) exposure(s *Surface) (Planes, uintptr) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return s.planes, s.native
}

// Stats counts surfaces per state.
func (p *Pool) Stats() PoolStats {
	p.mu.Lock()
	defer p.mu.Unlock()

	states := lo.CountValuesBy(p.surfaces, func(s *Surface) SurfaceState {
		return s.stateLocked()
	})
	return PoolStats{
		Total:    len(p.surfaces),
		Free:     states[SurfaceFree],
		Decoding: states[SurfaceDecoding],
		Queued:   states[SurfaceQueued],
		Rendered: states[SurfaceRendered],
		Shared:   len(p.shared),
	}
}

// Close frees every surface. The pool must not be used afterwards.
func (p *Pool) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	for _, s := range p.surfaces {
		p.releaseLocked(s)
	}
	return p.freeLocked()
}

func (p *Pool) freeLocked() error {
	var err error
	for _, s := range p.surfaces {
		err = multierr.Append(err, p.alloc.Free(s.handle))
	}
	for _, h := range p.shared {
		err = multierr.Append(err, p.alloc.Free(h))
	}
	p.surfaces = nil
	p.shared = nil
	p.sharedFree = nil
	clear(p.byHandle)
	return err
}
