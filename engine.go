package mvc

import (
	"fmt"
	"io"
	"time"
)

// Status is a raw decode engine status. Negative values are errors,
// positive values are warnings. Statuses never leave the Decoder; callers
// see Result flags and errors instead.
type Status int32

const (
	StatusOK                    Status = 0
	StatusErrUnknown            Status = -1
	StatusErrUnsupported        Status = -3
	StatusErrMemoryAlloc        Status = -4
	StatusErrNotEnoughBuffer    Status = -5
	StatusErrNotInitialized     Status = -8
	StatusErrMoreData           Status = -10
	StatusErrMoreSurface        Status = -11
	StatusErrDeviceLost         Status = -13
	StatusErrIncompatibleParams Status = -14
	StatusErrInvalidParams      Status = -15
	StatusErrDeviceFailed       Status = -17

	StatusWarnInExecution         Status = 1
	StatusWarnDeviceBusy          Status = 2
	StatusWarnParamsChanged       Status = 3
	StatusWarnPartialAcceleration Status = 4
	StatusWarnIncompatibleParams  Status = 5
)

// Failed reports whether s is an error status.
func (s Status) Failed() bool { return s < 0 }

func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusErrUnknown:
		return "unknown error"
	case StatusErrUnsupported:
		return "unsupported"
	case StatusErrMemoryAlloc:
		return "memory allocation failed"
	case StatusErrNotEnoughBuffer:
		return "not enough buffer"
	case StatusErrNotInitialized:
		return "not initialized"
	case StatusErrMoreData:
		return "more data"
	case StatusErrMoreSurface:
		return "more surface"
	case StatusErrDeviceLost:
		return "device lost"
	case StatusErrIncompatibleParams:
		return "incompatible video parameters"
	case StatusErrInvalidParams:
		return "invalid video parameters"
	case StatusErrDeviceFailed:
		return "device failed"
	case StatusWarnInExecution:
		return "in execution"
	case StatusWarnDeviceBusy:
		return "device busy"
	case StatusWarnParamsChanged:
		return "video parameters changed"
	case StatusWarnPartialAcceleration:
		return "partial acceleration"
	case StatusWarnIncompatibleParams:
		return "incompatible video parameters (warning)"
	default:
		return fmt.Sprintf("status(%d)", int32(s))
	}
}

// TimestampUnknown marks a bitstream or surface without timestamp.
const TimestampUnknown = ^uint64(0)

// SurfaceHandle is the engine-facing identity of a pooled surface. It is the
// allocator memory id of the surface.
type SurfaceHandle uint64

// SyncPoint is an opaque token for a pending asynchronous decode. Zero
// means no operation.
type SyncPoint uint64

// Bitstream is the engine's view of the accumulated input. The engine
// advances DataOffset by the number of bytes it consumed.
type Bitstream struct {
	Data            []byte
	DataOffset      int
	TimeStamp       uint64
	DecodeTimeStamp uint64
}

// Remaining returns the bytes the engine has not consumed yet.
func (b *Bitstream) Remaining() []byte {
	if b.DataOffset >= len(b.Data) {
		return nil
	}
	return b.Data[b.DataOffset:]
}

// Impl describes how an engine executes.
type Impl int

const (
	ImplHardware Impl = iota
	ImplSoftware
)

func (i Impl) String() string {
	if i == ImplSoftware {
		return "software"
	}
	return "hardware"
}

// ViewDependency describes one view of a multiview sequence.
type ViewDependency struct {
	ViewID      uint16
	NumAnchors  uint16
	NumNonAnchs uint16
}

// OperationPoint is one decodable subset of views.
type OperationPoint struct {
	TemporalID     uint16
	NumViews       uint16
	NumTargetViews uint16
}

// MVCSequence is the multiview sequence description filled by ParseHeader.
// The engine sets the Num* counts; when the slices are shorter than the
// counts it returns StatusErrNotEnoughBuffer and the caller grows them.
type MVCSequence struct {
	NumView   int
	NumViewID int
	NumOP     int

	Views           []ViewDependency
	ViewIDs         []uint16
	OperationPoints []OperationPoint
}

// Grow sizes the slices to the counts reported by the engine.
func (s *MVCSequence) Grow() {
	s.Views = make([]ViewDependency, s.NumView)
	s.ViewIDs = make([]uint16, s.NumViewID)
	s.OperationPoints = make([]OperationPoint, s.NumOP)
}

// VideoParams is the decode configuration negotiated with the engine.
type VideoParams struct {
	Frame      FrameInfo
	Memory     MemoryKind
	AsyncDepth int
	MVC        MVCSequence
}

// SurfaceRequest is the engine's surface requirement.
type SurfaceRequest struct {
	Info      FrameInfo
	Min       int
	Suggested int
}

// SubmitOutput is produced by SubmitAsync when a surface is scheduled for
// output.
type SubmitOutput struct {
	Surface SurfaceHandle
	Sync    SyncPoint
	Info    FrameInfo
	Frame   FrameData
}

// Engine is the hardware decode engine contract. Implementations execute
// decodes asynchronously; a SyncPoint is the only way to observe
// completion.
type Engine interface {
	io.Closer

	// Impl reports whether decoding runs in hardware or software.
	Impl() Impl

	// ParseHeader fills params from the sequence headers in bs.
	ParseHeader(bs *Bitstream, params *VideoParams) Status

	// QuerySurfaces reports how many surfaces the engine needs for params.
	QuerySurfaces(params *VideoParams) (SurfaceRequest, Status)

	// Init prepares the engine to decode with params.
	Init(params *VideoParams) Status

	// SubmitAsync decodes from bs into the free input surface. A nil bs
	// drains frames held by the engine. On success with output, the
	// returned SubmitOutput has a non-zero Sync.
	SubmitAsync(bs *Bitstream, input SurfaceHandle) (SubmitOutput, Status)

	// PollSync waits up to timeout for sp. StatusWarnInExecution means the
	// operation is still running.
	PollSync(sp SyncPoint, timeout time.Duration) Status

	// Locked reports whether the engine still holds the surface as a
	// decode target or reference.
	Locked(h SurfaceHandle) bool

	// Reset returns the engine to a clean state keeping params.
	Reset(params *VideoParams) Status
}

// statusError translates an engine status into a decode error.
func statusError(op string, s Status) error {
	return fmt.Errorf("%w: %s: %s", ErrDecode, op, s)
}
