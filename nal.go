package mvc

import (
	"iter"

	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
)

// NAL unit types the decoder cares about, typed so they print with their
// H.264 names.
const (
	NALTypeSlice          = h264.NALUType(1)
	NALTypeIDR            = h264.NALUType(5)
	NALTypeSEI            = h264.NALUType(6)
	NALTypeSPS            = h264.NALUType(7)
	NALTypePPS            = h264.NALUType(8)
	NALTypeAUD            = h264.NALUType(9)
	NALTypeEndOfSequence  = h264.NALUType(10)
	NALTypeEndOfStream    = h264.NALUType(11)
	NALTypePrefix         = h264.NALUType(14)
	NALTypeSubsetSPS      = h264.NALUType(15)
	NALTypeSliceExtension = h264.NALUType(20)
)

// NALUnit describes one unit found by a NALScanner. Offsets index the
// scanned buffer.
type NALUnit struct {
	Start     int // start code or length field
	DataStart int // NAL header byte
	End       int // one past the last payload byte
	Forbidden bool
	RefIdc    uint8
	Type      h264.NALUType
}

// Len returns the payload length including the header byte.
func (u NALUnit) Len() int {
	return u.End - u.DataStart
}

// NALScanner walks the NAL units of a buffer. With nalSize 0 it scans for
// Annex-B start codes, otherwise it follows length fields of nalSize bytes.
type NALScanner struct {
	buf     []byte
	nalSize int
}

// NewNALScanner returns a scanner over buf.
func NewNALScanner(buf []byte, nalSize int) *NALScanner {
	return &NALScanner{buf: buf, nalSize: nalSize}
}

// Units returns the units in buffer order. Every call rescans from the
// beginning of the buffer.
func (s *NALScanner) Units() iter.Seq[NALUnit] {
	if s.nalSize > 0 {
		return s.lengthPrefixed
	}
	return s.annexB
}

// Count returns the number of units in the buffer.
func (s *NALScanner) Count() int {
	n := 0
	for range s.Units() {
		n++
	}
	return n
}

// isStartCode reports whether a 00 00 01 sequence begins at i.
func isStartCode(buf []byte, i int) bool {
	return i+3 <= len(buf) && buf[i] == 0 && buf[i+1] == 0 && buf[i+2] == 1
}

// nextStartCode returns the position of the next start code at or after
// from that has at least one byte following it, or len(buf).
func nextStartCode(buf []byte, from int) int {
	for i := from; i+4 <= len(buf); i++ {
		if buf[i] == 0 && buf[i+1] == 0 && buf[i+2] == 1 {
			return i
		}
	}
	return len(buf)
}

func (s *NALScanner) annexB(yield func(NALUnit) bool) {
	buf := s.buf
	if len(buf) < 4 {
		return
	}

	cur := nextStartCode(buf, 0)
	for cur < len(buf) {
		// skip leading zeros up to the start code
		for cur < len(buf) && buf[cur] == 0 && !isStartCode(buf, cur) {
			cur++
		}
		if !isStartCode(buf, cur) || cur+3 >= len(buf) {
			return
		}

		u := NALUnit{Start: cur, DataStart: cur + 3}
		next := nextStartCode(buf, u.DataStart)
		u.End = next
		parseNALHeader(buf[u.DataStart], &u)

		if !yield(u) {
			return
		}
		cur = next
	}
}

func (s *NALScanner) lengthPrefixed(yield func(NALUnit) bool) {
	buf := s.buf
	for cur := 0; cur+s.nalSize < len(buf); {
		var n int
		for i := 0; i < s.nalSize; i++ {
			n = n<<8 | int(buf[cur+i])
		}

		u := NALUnit{Start: cur, DataStart: cur + s.nalSize}
		u.End = u.DataStart + n
		if u.End > len(buf) || u.End < u.DataStart {
			u.End = len(buf)
		}
		if n > 0 {
			parseNALHeader(buf[u.DataStart], &u)
		}

		if !yield(u) {
			return
		}
		cur = u.End
	}
}

func parseNALHeader(b byte, u *NALUnit) {
	u.Forbidden = (b>>7)&1 == 1
	u.RefIdc = (b >> 5) & 0x03
	u.Type = h264.NALUType(b & 0x1f)
}

// NeutralizeEndOfSequence zeroes every End-Of-Sequence unit of an Annex-B
// buffer in place, start code included, and returns how many it found.
// Containers emit EOS for single-view players; the multiview engine would
// stop decoding on it.
func NeutralizeEndOfSequence(buf []byte) int {
	n := 0
	for u := range NewNALScanner(buf, 0).Units() {
		if u.Type != NALTypeEndOfSequence {
			continue
		}
		end := u.Start + 4
		if end > len(buf) {
			end = len(buf)
		}
		clear(buf[u.Start:end])
		n++
	}
	return n
}
