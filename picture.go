package mvc

import (
	"math"
)

// NoTimestamp is the PTS of a picture whose base view carried no original
// timestamp.
const NoTimestamp int64 = math.MinInt64

// SurfaceView is the consumer's zero-copy view of one decoded view.
// Planes is set for host-visible memory, Native for device memory.
type SurfaceView struct {
	Handle SurfaceHandle
	Planes Planes
	Native uintptr
}

// Picture is a matched stereo pair ready for display. It keeps both
// surfaces out of the pool until Decoder.ReleasePicture is called, exactly
// once.
type Picture struct {
	Width         int // allocated surface width
	Height        int // allocated surface height
	DisplayWidth  int
	DisplayHeight int
	Aspect        float64 // display aspect ratio
	StereoMode    string  // "left-right" or "right-left"
	PTS           int64   // NoTimestamp when unknown
	FrameOrder    uint32
	Format        PixelFormat
	Memory        MemoryKind

	Base     SurfaceView
	Extended SurfaceView

	pool      *Pool
	base, ext SurfaceRef
}

// HasPTS reports whether the picture carries a presentation timestamp.
func (p *Picture) HasPTS() bool { return p.PTS != NoTimestamp }

// displayGeometry computes the display aspect and the cropped display size.
// Sizes are rounded to the nearest integer and then made even.
func displayGeometry(info FrameInfo) (width, height int, aspect float64) {
	if info.CropW <= 0 || info.CropH <= 0 {
		info.CropW, info.CropH = info.Width, info.Height
	}
	if info.CropH == 0 {
		return 0, 0, 0
	}

	if info.AspectW > 0 && info.AspectH > 0 {
		aspect = float64(info.AspectW) / float64(info.AspectH) *
			float64(info.CropW) / float64(info.CropH)
	}
	if aspect <= 0 {
		aspect = float64(info.CropW) / float64(info.CropH)
	}

	height = info.CropH
	width = int(math.Round(float64(info.CropH)*aspect)) &^ 1
	if width > info.Width {
		width = info.Width
		height = int(math.Round(float64(info.Width)/aspect)) &^ 1
	}
	return width, height, aspect
}

// presentationTime returns the picture PTS from the base view frame data.
func presentationTime(f FrameData) int64 {
	if !f.OriginalTimestamp || f.TimeStamp == TimestampUnknown || f.TimeStamp > math.MaxInt64 {
		return NoTimestamp
	}
	return int64(f.TimeStamp)
}
