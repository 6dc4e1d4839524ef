package mvc

import (
	"encoding/binary"
	"fmt"
	"math"
)

var (
	startCode4 = []byte{0x00, 0x00, 0x00, 0x01}
	startCode3 = []byte{0x00, 0x00, 0x01}
)

// AnnexBConverter rewrites length-prefixed (AVCC style) NAL units as an
// Annex-B byte stream.
type AnnexBConverter struct {
	naluSize int
}

// NewAnnexBConverter returns a converter reading length fields of naluSize
// bytes (1 to 4).
func NewAnnexBConverter(naluSize int) (*AnnexBConverter, error) {
	c := &AnnexBConverter{}
	if err := c.SetNALUSize(naluSize); err != nil {
		return nil, err
	}
	return c, nil
}

// SetNALUSize changes the width of the length field.
func (c *AnnexBConverter) SetNALUSize(naluSize int) error {
	if naluSize < 1 || naluSize > 4 {
		return fmt.Errorf("%w: %d", ErrInvalidNALUSize, naluSize)
	}
	c.naluSize = naluSize
	return nil
}

// NALUSize returns the configured length field width.
func (c *AnnexBConverter) NALUSize() int {
	return c.naluSize
}

// Convert reframes buf. The first unit gets a 4-byte start code, the rest
// 3-byte start codes. On any malformed length the whole conversion fails
// and nothing is returned.
func (c *AnnexBConverter) Convert(buf []byte) ([]byte, error) {
	return ConvertToAnnexB(buf, c.naluSize)
}

// ConvertToAnnexB is the stateless form of AnnexBConverter.Convert.
func ConvertToAnnexB(buf []byte, naluSize int) ([]byte, error) {
	if naluSize < 1 || naluSize > 4 {
		return nil, fmt.Errorf("%w: %d", ErrInvalidNALUSize, naluSize)
	}

	// First pass validates every length and sizes the output exactly.
	outSize := 0
	units := 0
	for pos := 0; ; {
		n, err := readNALULength(buf, pos, naluSize)
		if err != nil {
			return nil, err
		}
		pos += naluSize + n
		if units == 0 {
			outSize += len(startCode4) + n
		} else {
			outSize += len(startCode3) + n
		}
		units++
		if pos >= len(buf) {
			break
		}
	}

	out := make([]byte, outSize)
	w := 0
	for pos, i := 0, 0; i < units; i++ {
		n, _ := readNALULength(buf, pos, naluSize)
		pos += naluSize
		if i == 0 {
			w += copy(out[w:], startCode4)
		} else {
			w += copy(out[w:], startCode3)
		}
		w += copy(out[w:], buf[pos:pos+n])
		pos += n
	}
	return out, nil
}

// readNALULength reads the big-endian length field at pos and checks that
// the payload it announces fits in buf.
func readNALULength(buf []byte, pos, naluSize int) (int, error) {
	if pos+naluSize > len(buf) {
		return 0, fmt.Errorf("%w: length field at %d past end (%d bytes)", ErrInvalidNALULength, pos, len(buf))
	}

	var n uint32
	switch naluSize {
	case 1:
		n = uint32(buf[pos])
	case 2:
		n = uint32(binary.BigEndian.Uint16(buf[pos:]))
	case 3:
		n = uint32(buf[pos])<<16 | uint32(buf[pos+1])<<8 | uint32(buf[pos+2])
	default:
		n = binary.BigEndian.Uint32(buf[pos:])
	}

	// A length that is negative as a signed 32-bit value is corrupt no matter
	// how large the buffer is.
	if n > math.MaxInt32 {
		return 0, fmt.Errorf("%w: negative length at %d", ErrInvalidNALULength, pos)
	}
	if pos+naluSize+int(n) > len(buf) {
		return 0, fmt.Errorf("%w: unit at %d declares %d bytes, %d remain",
			ErrInvalidNALULength, pos, n, len(buf)-pos-naluSize)
	}
	return int(n), nil
}

// extradataHeaderSize is the fixed part of an avcC style record:
// version, profile, compatibility, level, length size.
const extradataHeaderSize = 5

// NALUSizeFromExtradata returns the NAL length field width announced by a
// multiview extradata record.
func NALUSizeFromExtradata(extradata []byte) (int, error) {
	if len(extradata) < extradataHeaderSize {
		return 0, fmt.Errorf("%w: %d bytes", ErrCorruptExtradata, len(extradata))
	}
	return int(extradata[4]&0x03) + 1, nil
}

// ExtractParameterSets copies the SPS and PPS entries of a multiview
// extradata record into a flat buffer. Every entry keeps its 2-byte length
// prefix, so the result is a length-prefixed stream with 2-byte fields.
func ExtractParameterSets(extradata []byte) ([]byte, error) {
	if len(extradata) <= extradataHeaderSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrCorruptExtradata, len(extradata))
	}

	dst := make([]byte, 0, len(extradata))
	src := extradata[extradataHeaderSize:]

	for run := 0; run < 2; run++ {
		if len(src) == 0 {
			if run == 0 {
				return nil, fmt.Errorf("%w: missing SPS count", ErrCorruptExtradata)
			}
			break
		}
		count := int(src[0])
		if run == 0 {
			count &= 0x1f
		}
		src = src[1:]

		for ; count > 0; count-- {
			if len(src) < 2 {
				return nil, fmt.Errorf("%w: truncated parameter set length", ErrCorruptExtradata)
			}
			n := int(binary.BigEndian.Uint16(src)) + 2
			if n > len(src) || len(dst)+n > cap(dst) {
				return nil, fmt.Errorf("%w: parameter set of %d bytes overflows record", ErrCorruptExtradata, n-2)
			}
			dst = append(dst, src[:n]...)
			src = src[n:]
		}
	}
	return dst, nil
}
