//go:build (darwin || linux) && !nomvc

// Native multiview decode engine via libmedia_mvc using purego.

package mvc

import (
	"errors"
	"fmt"
	"runtime"
	"sync"
	"time"
	"unsafe"

	"github.com/ebitengine/purego"
)

var (
	mediaMVCOnce    sync.Once
	mediaMVCHandle  uintptr
	mediaMVCInitErr error
)

// libmedia_mvc function pointers
var (
	mediaMVCSessionCreate  func(impl int32, device uintptr) uint64
	mediaMVCSessionImpl    func(session uint64) int32
	mediaMVCSessionDestroy func(session uint64)

	mediaMVCDecodeHeader  func(session uint64, data uintptr, dataLen int32, offset uintptr, params uintptr) int32
	mediaMVCQuerySurfaces func(session uint64, params uintptr, request uintptr) int32
	mediaMVCInit          func(session uint64, params uintptr) int32
	mediaMVCReset         func(session uint64, params uintptr) int32
	mediaMVCDecodeAsync   func(session uint64, data uintptr, dataLen int32, offset uintptr, ts, dts uint64, drain int32, surface uint64, out uintptr) int32
	mediaMVCSync          func(session uint64, sync uint64, timeoutMs uint32) int32
	mediaMVCSurfaceLocked func(session uint64, surface uint64) int32

	mediaMVCSurfaceAlloc  func(session uint64, info uintptr, kind int32, out uintptr) int32
	mediaMVCSurfaceMap    func(session uint64, surface uint64, out uintptr) int32
	mediaMVCSurfaceUnmap  func(session uint64, surface uint64) int32
	mediaMVCSurfaceHandle func(session uint64, surface uint64, out uintptr) int32
	mediaMVCSurfaceCopy   func(session uint64, dst, src uint64) int32
	mediaMVCSurfaceFree   func(session uint64, surface uint64) int32

	mediaMVCGetError  func() uintptr
	mediaMVCAvailable func() int32
)

// Impl values of media_mvc.h
const (
	mediaMVCImplHardware = 0
	mediaMVCImplSoftware = 1
)

// The structs below mirror media_mvc.h. They are heap allocated and pinned
// for the duration of each call.

type nativeFrameInfo struct {
	Format     int32
	Width      int32
	Height     int32
	CropX      int32
	CropY      int32
	CropW      int32
	CropH      int32
	AspectW    int32
	AspectH    int32
	FrameRateN int32
	FrameRateD int32
}

type nativeParams struct {
	Frame      nativeFrameInfo
	Memory     int32
	AsyncDepth int32

	NumView   int32
	NumViewID int32
	NumOP     int32
	ViewCap   int32
	ViewIDCap int32
	OPCap     int32
	Views     uintptr // ViewDependency[ViewCap]
	ViewIDs   uintptr // uint16[ViewIDCap]
	OPs       uintptr // OperationPoint[OPCap]
}

type nativeSurfaceRequest struct {
	Frame     nativeFrameInfo
	Min       int32
	Suggested int32
}

type nativeSubmitResult struct {
	Surface    uint64
	Sync       uint64
	Frame      nativeFrameInfo
	ViewID     uint32
	FrameOrder uint32
	TimeStamp  uint64
	Original   int32
	_          int32
}

type nativeMapping struct {
	Y      uintptr
	UV     uintptr
	YLen   int32
	UVLen  int32
	Pitch  int32
	Format int32
}

func loadMediaMVC() error {
	mediaMVCOnce.Do(func() {
		mediaMVCInitErr = loadMediaMVCLib()
	})
	return mediaMVCInitErr
}

func loadMediaMVCLib() error {
	var lastErr error
	for _, path := range nativeLibPaths("libmedia_mvc", "MEDIA_MVC_LIB_PATH") {
		handle, err := purego.Dlopen(path, purego.RTLD_NOW|purego.RTLD_GLOBAL)
		if err != nil {
			lastErr = err
			continue
		}
		mediaMVCHandle = handle
		loadMediaMVCSymbols()
		return nil
	}
	if lastErr != nil {
		return fmt.Errorf("failed to load libmedia_mvc: %w", lastErr)
	}
	return errors.New("libmedia_mvc not found in any standard location")
}

func loadMediaMVCSymbols() {
	purego.RegisterLibFunc(&mediaMVCSessionCreate, mediaMVCHandle, "media_mvc_session_create")
	purego.RegisterLibFunc(&mediaMVCSessionImpl, mediaMVCHandle, "media_mvc_session_impl")
	purego.RegisterLibFunc(&mediaMVCSessionDestroy, mediaMVCHandle, "media_mvc_session_destroy")

	purego.RegisterLibFunc(&mediaMVCDecodeHeader, mediaMVCHandle, "media_mvc_decode_header")
	purego.RegisterLibFunc(&mediaMVCQuerySurfaces, mediaMVCHandle, "media_mvc_query_surfaces")
	purego.RegisterLibFunc(&mediaMVCInit, mediaMVCHandle, "media_mvc_init")
	purego.RegisterLibFunc(&mediaMVCReset, mediaMVCHandle, "media_mvc_reset")
	purego.RegisterLibFunc(&mediaMVCDecodeAsync, mediaMVCHandle, "media_mvc_decode_async")
	purego.RegisterLibFunc(&mediaMVCSync, mediaMVCHandle, "media_mvc_sync")
	purego.RegisterLibFunc(&mediaMVCSurfaceLocked, mediaMVCHandle, "media_mvc_surface_locked")

	purego.RegisterLibFunc(&mediaMVCSurfaceAlloc, mediaMVCHandle, "media_mvc_surface_alloc")
	purego.RegisterLibFunc(&mediaMVCSurfaceMap, mediaMVCHandle, "media_mvc_surface_map")
	purego.RegisterLibFunc(&mediaMVCSurfaceUnmap, mediaMVCHandle, "media_mvc_surface_unmap")
	purego.RegisterLibFunc(&mediaMVCSurfaceHandle, mediaMVCHandle, "media_mvc_surface_handle")
	purego.RegisterLibFunc(&mediaMVCSurfaceCopy, mediaMVCHandle, "media_mvc_surface_copy")
	purego.RegisterLibFunc(&mediaMVCSurfaceFree, mediaMVCHandle, "media_mvc_surface_free")

	purego.RegisterLibFunc(&mediaMVCGetError, mediaMVCHandle, "media_mvc_get_error")
	purego.RegisterLibFunc(&mediaMVCAvailable, mediaMVCHandle, "media_mvc_available")
}

// NativeAvailable reports whether libmedia_mvc is loadable and found a
// decode device.
func NativeAvailable() bool {
	if err := loadMediaMVC(); err != nil {
		return false
	}
	return mediaMVCAvailable() != 0
}

func nativeError(op string) error {
	if msg := goStringFromPtr(mediaMVCGetError()); msg != "" {
		return fmt.Errorf("%s: %s", op, msg)
	}
	return fmt.Errorf("%s failed", op)
}

// NativeEngine drives libmedia_mvc. It implements Engine; Allocator returns
// the matching surface allocator.
type NativeEngine struct {
	mu      sync.Mutex
	session uint64
	impl    Impl
}

// NewNativeEngine opens a session on device, or on the default device when
// device is nil. A software session is opened when no hardware is present.
func NewNativeEngine(device *Device) (*NativeEngine, error) {
	if err := loadMediaMVC(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, err)
	}
	var handle uintptr
	if device != nil {
		handle = device.Handle()
	}
	session := mediaMVCSessionCreate(mediaMVCImplHardware, handle)
	if session == 0 {
		session = mediaMVCSessionCreate(mediaMVCImplSoftware, handle)
	}
	if session == 0 {
		return nil, fmt.Errorf("%w: %v", ErrEngineUnavailable, nativeError("session create"))
	}

	e := &NativeEngine{session: session, impl: ImplHardware}
	if mediaMVCSessionImpl(session) == mediaMVCImplSoftware {
		e.impl = ImplSoftware
	}
	return e, nil
}

// Allocator returns an allocator creating surfaces in this session.
func (e *NativeEngine) Allocator() *NativeAllocator {
	return &NativeAllocator{engine: e}
}

func (e *NativeEngine) Impl() Impl { return e.impl }

func (e *NativeEngine) ParseHeader(bs *Bitstream, params *VideoParams) Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == 0 {
		return StatusErrNotInitialized
	}

	var pin runtime.Pinner
	defer pin.Unpin()
	np := toNativeParams(params, &pin)
	offset := int32(bs.DataOffset)
	pin.Pin(&offset)

	var ptr uintptr
	if len(bs.Data) > 0 {
		pin.Pin(&bs.Data[0])
		ptr = uintptr(unsafe.Pointer(&bs.Data[0]))
	}
	st := Status(mediaMVCDecodeHeader(e.session, ptr, int32(len(bs.Data)), uintptr(unsafe.Pointer(&offset)), uintptr(unsafe.Pointer(np))))
	bs.DataOffset = int(offset)
	fromNativeParams(np, params)
	return st
}

func (e *NativeEngine) QuerySurfaces(params *VideoParams) (SurfaceRequest, Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == 0 {
		return SurfaceRequest{}, StatusErrNotInitialized
	}

	var pin runtime.Pinner
	defer pin.Unpin()
	np := toNativeParams(params, &pin)
	req := &nativeSurfaceRequest{}
	pin.Pin(req)
	st := Status(mediaMVCQuerySurfaces(e.session, uintptr(unsafe.Pointer(np)), uintptr(unsafe.Pointer(req))))
	return SurfaceRequest{
		Info:      fromNativeFrame(req.Frame),
		Min:       int(req.Min),
		Suggested: int(req.Suggested),
	}, st
}

func (e *NativeEngine) Init(params *VideoParams) Status {
	return e.withParams(params, mediaMVCInit)
}

func (e *NativeEngine) Reset(params *VideoParams) Status {
	return e.withParams(params, mediaMVCReset)
}

func (e *NativeEngine) withParams(params *VideoParams, call func(uint64, uintptr) int32) Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == 0 {
		return StatusErrNotInitialized
	}
	var pin runtime.Pinner
	defer pin.Unpin()
	np := toNativeParams(params, &pin)
	return Status(call(e.session, uintptr(unsafe.Pointer(np))))
}

func (e *NativeEngine) SubmitAsync(bs *Bitstream, input SurfaceHandle) (SubmitOutput, Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == 0 {
		return SubmitOutput{}, StatusErrNotInitialized
	}

	var pin runtime.Pinner
	defer pin.Unpin()
	out := &nativeSubmitResult{}
	pin.Pin(out)

	var (
		ptr, offPtr uintptr
		size        int32
		ts, dts     = TimestampUnknown, TimestampUnknown
		drain       int32
		offset      = new(int32)
	)
	if bs == nil {
		drain = 1
	} else {
		*offset = int32(bs.DataOffset)
		pin.Pin(offset)
		offPtr = uintptr(unsafe.Pointer(offset))
		if len(bs.Data) > 0 {
			pin.Pin(&bs.Data[0])
			ptr = uintptr(unsafe.Pointer(&bs.Data[0]))
		}
		size = int32(len(bs.Data))
		ts, dts = bs.TimeStamp, bs.DecodeTimeStamp
	}

	st := Status(mediaMVCDecodeAsync(e.session, ptr, size, offPtr, ts, dts, drain, uint64(input), uintptr(unsafe.Pointer(out))))
	if bs != nil {
		bs.DataOffset = int(*offset)
	}

	res := SubmitOutput{
		Surface: SurfaceHandle(out.Surface),
		Sync:    SyncPoint(out.Sync),
		Info:    fromNativeFrame(out.Frame),
		Frame: FrameData{
			ViewID:            uint16(out.ViewID),
			FrameOrder:        out.FrameOrder,
			TimeStamp:         out.TimeStamp,
			OriginalTimestamp: out.Original != 0,
		},
	}
	return res, st
}

// PollSync does not hold the engine lock; the library allows syncing while
// another thread submits.
func (e *NativeEngine) PollSync(sp SyncPoint, timeout time.Duration) Status {
	e.mu.Lock()
	session := e.session
	e.mu.Unlock()
	if session == 0 {
		return StatusErrNotInitialized
	}
	return Status(mediaMVCSync(session, uint64(sp), uint32(timeout.Milliseconds())))
}

func (e *NativeEngine) Locked(h SurfaceHandle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session == 0 {
		return false
	}
	return mediaMVCSurfaceLocked(e.session, uint64(h)) != 0
}

// Close destroys the session. Surfaces must be freed before.
func (e *NativeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.session != 0 {
		mediaMVCSessionDestroy(e.session)
		e.session = 0
	}
	return nil
}

func toNativeFrame(f FrameInfo) nativeFrameInfo {
	return nativeFrameInfo{
		Format:     int32(f.Format),
		Width:      int32(f.Width),
		Height:     int32(f.Height),
		CropX:      int32(f.CropX),
		CropY:      int32(f.CropY),
		CropW:      int32(f.CropW),
		CropH:      int32(f.CropH),
		AspectW:    int32(f.AspectW),
		AspectH:    int32(f.AspectH),
		FrameRateN: int32(f.FrameRateN),
		FrameRateD: int32(f.FrameRateD),
	}
}

func fromNativeFrame(f nativeFrameInfo) FrameInfo {
	return FrameInfo{
		Format:     PixelFormat(f.Format),
		Width:      int(f.Width),
		Height:     int(f.Height),
		CropX:      int(f.CropX),
		CropY:      int(f.CropY),
		CropW:      int(f.CropW),
		CropH:      int(f.CropH),
		AspectW:    int(f.AspectW),
		AspectH:    int(f.AspectH),
		FrameRateN: int(f.FrameRateN),
		FrameRateD: int(f.FrameRateD),
	}
}

// toNativeParams builds the C view of params. The multiview slices are
// shared with the library, which fills them in place.
func toNativeParams(p *VideoParams, pin *runtime.Pinner) *nativeParams {
	np := &nativeParams{
		Frame:      toNativeFrame(p.Frame),
		Memory:     int32(p.Memory),
		AsyncDepth: int32(p.AsyncDepth),
		NumView:    int32(p.MVC.NumView),
		NumViewID:  int32(p.MVC.NumViewID),
		NumOP:      int32(p.MVC.NumOP),
		ViewCap:    int32(len(p.MVC.Views)),
		ViewIDCap:  int32(len(p.MVC.ViewIDs)),
		OPCap:      int32(len(p.MVC.OperationPoints)),
	}
	if len(p.MVC.Views) > 0 {
		pin.Pin(&p.MVC.Views[0])
		np.Views = uintptr(unsafe.Pointer(&p.MVC.Views[0]))
	}
	if len(p.MVC.ViewIDs) > 0 {
		pin.Pin(&p.MVC.ViewIDs[0])
		np.ViewIDs = uintptr(unsafe.Pointer(&p.MVC.ViewIDs[0]))
	}
	if len(p.MVC.OperationPoints) > 0 {
		pin.Pin(&p.MVC.OperationPoints[0])
		np.OPs = uintptr(unsafe.Pointer(&p.MVC.OperationPoints[0]))
	}
	pin.Pin(np)
	return np
}

func fromNativeParams(np *nativeParams, p *VideoParams) {
	p.Frame = fromNativeFrame(np.Frame)
	p.Memory = MemoryKind(np.Memory)
	p.AsyncDepth = int(np.AsyncDepth)
	p.MVC.NumView = int(np.NumView)
	p.MVC.NumViewID = int(np.NumViewID)
	p.MVC.NumOP = int(np.NumOP)
}

// NativeAllocator allocates surfaces in a NativeEngine session.
type NativeAllocator struct {
	engine *NativeEngine
}

func (a *NativeAllocator) session() (uint64, error) {
	a.engine.mu.Lock()
	defer a.engine.mu.Unlock()
	if a.engine.session == 0 {
		return 0, ErrClosed
	}
	return a.engine.session, nil
}

func (a *NativeAllocator) Alloc(info FrameInfo, kind MemoryKind) (SurfaceHandle, error) {
	s, err := a.session()
	if err != nil {
		return 0, err
	}
	var pin runtime.Pinner
	defer pin.Unpin()
	ni := toNativeFrame(info)
	out := new(uint64)
	pin.Pin(&ni)
	pin.Pin(out)
	if mediaMVCSurfaceAlloc(s, uintptr(unsafe.Pointer(&ni)), int32(kind), uintptr(unsafe.Pointer(out))) != 0 {
		return 0, nativeError("surface alloc")
	}
	return SurfaceHandle(*out), nil
}

func (a *NativeAllocator) Lock(h SurfaceHandle) (Planes, error) {
	s, err := a.session()
	if err != nil {
		return Planes{}, err
	}
	var pin runtime.Pinner
	defer pin.Unpin()
	m := &nativeMapping{}
	pin.Pin(m)
	if mediaMVCSurfaceMap(s, uint64(h), uintptr(unsafe.Pointer(m))) != 0 {
		return Planes{}, nativeError("surface map")
	}
	return Planes{
		Y:      unsafe.Slice((*byte)(unsafe.Pointer(m.Y)), int(m.YLen)),
		UV:     unsafe.Slice((*byte)(unsafe.Pointer(m.UV)), int(m.UVLen)),
		Pitch:  int(m.Pitch),
		Format: PixelFormat(m.Format),
	}, nil
}

func (a *NativeAllocator) Unlock(h SurfaceHandle) error {
	return a.call("surface unmap", func(s uint64) int32 { return mediaMVCSurfaceUnmap(s, uint64(h)) })
}

func (a *NativeAllocator) Handle(h SurfaceHandle) (uintptr, error) {
	s, err := a.session()
	if err != nil {
		return 0, err
	}
	var pin runtime.Pinner
	defer pin.Unpin()
	out := new(uintptr)
	pin.Pin(out)
	if mediaMVCSurfaceHandle(s, uint64(h), uintptr(unsafe.Pointer(out))) != 0 {
		return 0, nativeError("surface handle")
	}
	return *out, nil
}

func (a *NativeAllocator) Copy(dst, src SurfaceHandle) error {
	return a.call("surface copy", func(s uint64) int32 { return mediaMVCSurfaceCopy(s, uint64(dst), uint64(src)) })
}

func (a *NativeAllocator) Free(h SurfaceHandle) error {
	return a.call("surface free", func(s uint64) int32 { return mediaMVCSurfaceFree(s, uint64(h)) })
}

func (a *NativeAllocator) call(op string, fn func(uint64) int32) error {
	s, err := a.session()
	if err != nil {
		return err
	}
	if fn(s) != 0 {
		return nativeError(op)
	}
	return nil
}
