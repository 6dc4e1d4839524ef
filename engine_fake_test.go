package mvc

import (
	"sync"
	"time"

	"github.com/benbjohnson/clock"
)

// fakeEngine decodes a toy Annex-B stream: an SPS unit announces the
// sequence, every IDR or non-IDR slice is a base view picture and every
// slice extension an extended view picture. The byte after a slice header
// is its frame order.
type fakeEngine struct {
	mu sync.Mutex

	impl    Impl
	views   int
	info    FrameInfo
	request SurfaceRequest
	clock   *clock.Mock // advanced by busyStep on every busy status

	// scripted behavior
	busy         int // next submissions report the device busy; -1 = always
	busyStep     time.Duration
	incompatible bool // next submission reports incompatible parameters
	stuck        bool // submissions consume nothing and ask for more data
	lockAll      bool // every surface is held by the engine
	syncStatus   Status
	inExecution  int // polls reporting in-execution before completion
	initStatus   Status
	partial      bool // QuerySurfaces reports partial acceleration

	// observations
	headers     int
	inits       int
	resets      int
	submissions int
	drains      int
	polls       int
	closed      bool
	nextSync    SyncPoint
	lastParams  VideoParams
}

func newFakeEngine() *fakeEngine {
	return &fakeEngine{
		impl:  ImplHardware,
		views: 2,
		info:  testInfo,
		request: SurfaceRequest{
			Info:      testInfo,
			Min:       4,
			Suggested: 8,
		},
		busyStep: 10 * time.Millisecond,
	}
}

func (e *fakeEngine) Impl() Impl { return e.impl }

func (e *fakeEngine) ParseHeader(bs *Bitstream, params *VideoParams) Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.headers++

	found := false
	for u := range NewNALScanner(bs.Remaining(), 0).Units() {
		if u.Type == NALTypeSPS {
			found = true
			break
		}
	}
	if !found {
		return StatusErrMoreData
	}

	params.Frame = e.info
	params.MVC.NumView = e.views
	params.MVC.NumViewID = e.views
	params.MVC.NumOP = 1
	if len(params.MVC.Views) < e.views || len(params.MVC.ViewIDs) < e.views || len(params.MVC.OperationPoints) < 1 {
		return StatusErrNotEnoughBuffer
	}
	for i := 0; i < e.views; i++ {
		params.MVC.Views[i].ViewID = uint16(i)
		params.MVC.ViewIDs[i] = uint16(i)
	}
	params.MVC.OperationPoints[0] = OperationPoint{NumViews: uint16(e.views), NumTargetViews: uint16(e.views)}
	return StatusOK
}

func (e *fakeEngine) QuerySurfaces(params *VideoParams) (SurfaceRequest, Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.lastParams = *params
	if e.partial {
		return e.request, StatusWarnPartialAcceleration
	}
	return e.request, StatusOK
}

func (e *fakeEngine) Init(params *VideoParams) Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.inits++
	e.lastParams = *params
	return e.initStatus
}

func (e *fakeEngine) Reset(params *VideoParams) Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.resets++
	e.lastParams = *params
	return StatusOK
}

func (e *fakeEngine) SubmitAsync(bs *Bitstream, input SurfaceHandle) (SubmitOutput, Status) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.submissions++

	if e.busy != 0 {
		if e.busy > 0 {
			e.busy--
		}
		if e.clock != nil {
			e.clock.Add(e.busyStep)
		}
		return SubmitOutput{}, StatusWarnDeviceBusy
	}
	if e.incompatible {
		e.incompatible = false
		return SubmitOutput{}, StatusErrIncompatibleParams
	}
	if bs == nil {
		e.drains++
		return SubmitOutput{}, StatusErrMoreData
	}
	if e.stuck {
		return SubmitOutput{}, StatusErrMoreData
	}

	rest := bs.Remaining()
	for u := range NewNALScanner(rest, 0).Units() {
		var view uint16
		switch u.Type {
		case NALTypeIDR, NALTypeSlice:
		case NALTypeSliceExtension:
			view = 1
		default:
			continue
		}
		if u.Len() < 2 {
			continue
		}
		bs.DataOffset += u.End

		e.nextSync++
		return SubmitOutput{
			Surface: input,
			Sync:    e.nextSync,
			Info:    e.info,
			Frame: FrameData{
				ViewID:            view,
				FrameOrder:        uint32(rest[u.DataStart+1]),
				TimeStamp:         bs.TimeStamp,
				OriginalTimestamp: bs.TimeStamp != TimestampUnknown,
			},
		}, StatusOK
	}
	bs.DataOffset = len(bs.Data)
	return SubmitOutput{}, StatusErrMoreData
}

func (e *fakeEngine) PollSync(SyncPoint, time.Duration) Status {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.polls++
	if e.inExecution > 0 {
		e.inExecution--
		return StatusWarnInExecution
	}
	return e.syncStatus
}

func (e *fakeEngine) Locked(SurfaceHandle) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.lockAll
}

func (e *fakeEngine) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	return nil
}

// set runs f with the engine locked.
func (e *fakeEngine) set(f func(e *fakeEngine)) {
	e.mu.Lock()
	defer e.mu.Unlock()
	f(e)
}

// stat reads a value with the engine locked.
func stat[T any](e *fakeEngine, f func(e *fakeEngine) T) T {
	e.mu.Lock()
	defer e.mu.Unlock()
	return f(e)
}

// Stream building blocks for the fake engine.
var (
	testSPS = []byte{0x67, 0x80, 0x00, 0x28}
	testPPS = []byte{0x68, 0xee, 0x3c, 0x80}
)

// annexB joins units with 4-byte start codes.
func annexB(units ...[]byte) []byte {
	var out []byte
	for _, u := range units {
		out = append(out, startCode4...)
		out = append(out, u...)
	}
	return out
}

func baseSlice(order byte) []byte { return []byte{0x65, order, 0x88} }
func extSlice(order byte) []byte  { return []byte{0x74, order, 0x99} }

// accessUnit is one stereo access unit with the given frame orders.
func accessUnit(base, ext byte) []byte {
	return annexB(baseSlice(base), extSlice(ext))
}

func headerUnits() []byte {
	return annexB(testSPS, testPPS)
}
