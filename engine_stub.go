//go:build !(darwin || linux) || nomvc

package mvc

// NativeAvailable reports whether libmedia_mvc can be used. It is always
// false in this build.
func NativeAvailable() bool { return false }

// NativeEngine is unavailable in this build.
type NativeEngine struct{ Engine }

// NativeAllocator is unavailable in this build.
type NativeAllocator struct{ Allocator }

// NewNativeEngine always fails with ErrEngineUnavailable in this build.
func NewNativeEngine(*Device) (*NativeEngine, error) {
	return nil, ErrEngineUnavailable
}

// Allocator returns nil in this build.
func (e *NativeEngine) Allocator() *NativeAllocator { return nil }
