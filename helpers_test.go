package mvc

import (
	"sync"

	"github.com/pion/logging"
)

// deviceAllocator is a SystemAllocator whose surfaces also have native
// handles, as device memory would.
type deviceAllocator struct {
	*SystemAllocator

	mu     sync.Mutex
	copies map[SurfaceHandle]SurfaceHandle // dst -> src
}

func newDeviceAllocator() *deviceAllocator {
	return &deviceAllocator{
		SystemAllocator: NewSystemAllocator(),
		copies:          make(map[SurfaceHandle]SurfaceHandle),
	}
}

func (a *deviceAllocator) Handle(h SurfaceHandle) (uintptr, error) {
	if _, err := a.SystemAllocator.Lock(h); err != nil {
		return 0, err
	}
	if err := a.SystemAllocator.Unlock(h); err != nil {
		return 0, err
	}
	return 0x1000 + uintptr(h), nil
}

func (a *deviceAllocator) Copy(dst, src SurfaceHandle) error {
	if err := a.SystemAllocator.Copy(dst, src); err != nil {
		return err
	}
	a.mu.Lock()
	a.copies[dst] = src
	a.mu.Unlock()
	return nil
}

func testLogger() logging.LeveledLogger {
	return logging.NewDefaultLoggerFactory().NewLogger("mvc-test")
}

var testInfo = FrameInfo{
	Format: PixelFormatNV12,
	Width:  1920,
	Height: 1088,
	CropW:  1920,
	CropH:  1080,
}

// newTestPool returns a host-visible pool of n surfaces whose engine lock
// state is read from locked.
func newTestPool(t interface{ Fatalf(string, ...any) }, n int, locked map[SurfaceHandle]bool) (*Pool, *SystemAllocator) {
	alloc := NewSystemAllocator()
	var mu sync.Mutex
	p, err := NewPool(PoolConfig{
		Allocator: alloc,
		Info:      testInfo,
		Memory:    MemoryHostVisible,
		Count:     n,
		Locked: func(h SurfaceHandle) bool {
			mu.Lock()
			defer mu.Unlock()
			return locked[h]
		},
		Logger: testLogger(),
	})
	if err != nil {
		t.Fatalf("NewPool: %v", err)
	}
	return p, alloc
}
