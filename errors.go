package mvc

import "errors"

// Common errors
var (
	ErrNotSupported        = errors.New("operation not supported")
	ErrEngineUnavailable   = errors.New("decode engine not available")
	ErrUnsupportedCodec    = errors.New("codec tag not supported")
	ErrUnsupportedViews    = errors.New("only multiview streams with two views are supported")
	ErrNotInitialized      = errors.New("decoder not initialized")
	ErrClosed              = errors.New("decoder closed")
	ErrDecode              = errors.New("decode failed")
	ErrInvalidNALUSize     = errors.New("invalid NAL length field size")
	ErrInvalidNALULength   = errors.New("NAL unit length exceeds buffer")
	ErrCorruptExtradata    = errors.New("corrupt multiview extradata")
	ErrNoFreeSurface       = errors.New("no free surface")
	ErrUnknownSurface      = errors.New("surface handle not owned by pool")
	ErrStalePicture        = errors.New("picture already released")
	ErrSyncFailed          = errors.New("surface synchronization failed")
	ErrDeviceReleased      = errors.New("device already released")
	ErrPipelineRunning     = errors.New("pipeline already running")
	ErrSourceNotConfigured = errors.New("source has no stream configuration")
)
