// Core frame and surface types shared by the pool, the engine and the output stage.
package mvc

// PixelFormat represents decoded surface layouts.
type PixelFormat int

const (
	PixelFormatNV12 PixelFormat = iota // YUV 4:2:0 semi-planar (Y + interleaved UV)
	PixelFormatP010                    // 10-bit NV12
)

func (p PixelFormat) String() string {
	switch p {
	case PixelFormatNV12:
		return "NV12"
	case PixelFormatP010:
		return "P010"
	default:
		return "Unknown"
	}
}

// BytesPerSample returns the storage size of one luma sample.
func (p PixelFormat) BytesPerSample() int {
	if p == PixelFormatP010 {
		return 2
	}
	return 1
}

// FrameInfo is the geometry of a surface as reported by the engine.
type FrameInfo struct {
	Format  PixelFormat
	Width   int // allocated width (aligned)
	Height  int // allocated height (aligned)
	CropX   int
	CropY   int
	CropW   int
	CropH   int
	AspectW int // sample aspect ratio numerator (0 = unknown)
	AspectH int // sample aspect ratio denominator (0 = unknown)

	FrameRateN int
	FrameRateD int
}

// FrameData carries the per-picture values the engine writes with each
// decoded output.
type FrameData struct {
	ViewID     uint16 // 0 = base view
	FrameOrder uint32 // output sequence shared by both views of a moment
	TimeStamp  uint64 // engine timestamp, TimestampUnknown if none

	// OriginalTimestamp is set when TimeStamp was carried over from the
	// input bitstream rather than interpolated by the engine.
	OriginalTimestamp bool
}

// NV12Size returns the buffer size of an NV12 frame.
func NV12Size(width, height int) int {
	// Y plane: width * height
	// UV plane: width * height/2 (interleaved)
	return width*height + width*((height+1)/2)
}

// Planes exposes host-visible pixel memory of a surface.
// The slices alias allocator memory and are valid until the owning picture
// is released.
type Planes struct {
	Y      []byte
	UV     []byte
	Pitch  int
	Format PixelFormat
}
