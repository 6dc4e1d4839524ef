package mvc

import "strings"

// CodecTag is the four-character code a container uses to signal how
// multiview parameters are carried.
type CodecTag uint32

// MakeTag builds a CodecTag from four characters, first character in the
// low byte (the MKTAG convention used by demuxers).
func MakeTag(a, b, c, d byte) CodecTag {
	return CodecTag(uint32(a) | uint32(b)<<8 | uint32(c)<<16 | uint32(d)<<24)
}

var (
	// CodecTagMVC1 carries multiview sequence parameters in codec-specific
	// extradata; access units are length prefixed.
	CodecTagMVC1 = MakeTag('M', 'V', 'C', '1')

	// CodecTagAMVC carries multiview parameters in-band as an Annex-B byte
	// stream.
	CodecTagAMVC = MakeTag('A', 'M', 'V', 'C')
)

func (t CodecTag) String() string {
	return string([]byte{byte(t), byte(t >> 8), byte(t >> 16), byte(t >> 24)})
}

// Supported reports whether the decoder accepts this tag.
func (t CodecTag) Supported() bool {
	return t == CodecTagMVC1 || t == CodecTagAMVC
}

// VideoCodec identifies the elementary stream codec.
type VideoCodec int

const (
	VideoCodecUnknown VideoCodec = iota
	VideoCodecH264
	VideoCodecH264MVC
)

func (c VideoCodec) String() string {
	switch c {
	case VideoCodecH264:
		return "H264"
	case VideoCodecH264MVC:
		return "H264-MVC"
	default:
		return "Unknown"
	}
}

// MimeType returns the RTP MIME type for this codec. MVC rides on the
// regular H.264 payload format.
func (c VideoCodec) MimeType() string {
	switch c {
	case VideoCodecH264, VideoCodecH264MVC:
		return "video/H264"
	default:
		return ""
	}
}

// ClockRate returns the RTP clock rate for this codec.
func (c VideoCodec) ClockRate() uint32 {
	return 90000
}

// StereoLayout describes which eye the base view belongs to.
type StereoLayout int

const (
	StereoLeftRight StereoLayout = iota // base view is the left eye
	StereoRightLeft                     // base view is the right eye
)

// String returns the tag exposed to renderers.
func (l StereoLayout) String() string {
	if l == StereoRightLeft {
		return "right-left"
	}
	return "left-right"
}

// ParseStereoLayout maps a container stereo mode hint to a layout.
// Unknown hints, "mono" and the empty string default to left-right.
func ParseStereoLayout(hint string) StereoLayout {
	switch strings.ToLower(strings.TrimSpace(hint)) {
	case "mvc_rl", "right-left", "right_left", "block_rl":
		return StereoRightLeft
	default:
		return StereoLeftRight
	}
}

// StreamInfo describes the stream handed to Decoder.Open.
type StreamInfo struct {
	Codec      VideoCodec
	Tag        CodecTag
	Extradata  []byte
	Width      int
	Height     int
	StereoMode string // rewritten by Open: layout tag on success, "mono" on failure
}
