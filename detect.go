package mvc

// StreamFormat describes how an elementary stream is framed and whether it
// carries a second view.
type StreamFormat struct {
	Tag       CodecTag // CodecTagAMVC for Annex-B, CodecTagMVC1 for length-prefixed
	NALUSize  int      // length field size, 0 for Annex-B
	Multiview bool     // subset SPS, prefix or slice extension units present
}

// Codec returns VideoCodecH264MVC for multiview streams and VideoCodecH264
// otherwise.
func (f StreamFormat) Codec() VideoCodec {
	if f.Multiview {
		return VideoCodecH264MVC
	}
	return VideoCodecH264
}

// DetectStreamFormat sniffs the framing of raw H.264 data:
//   - Annex-B: a 3- or 4-byte start code followed by a valid NAL header
//   - length-prefixed: 4-, 2- or 1-byte big-endian lengths that chain
//     exactly to the end of data (ISO/IEC 14496-15)
//
// It returns false when neither framing fits.
func DetectStreamFormat(data []byte) (StreamFormat, bool) {
	if len(data) < 4 {
		return StreamFormat{}, false
	}

	if isAnnexBStartCode(data) {
		if nalType := getNALType(data); isH264NALType(nalType) {
			return StreamFormat{
				Tag:       CodecTagAMVC,
				Multiview: hasMultiviewUnits(data, 0),
			}, true
		}
	}

	for _, size := range []int{4, 2, 1} {
		if isLengthPrefixed(data, size) {
			return StreamFormat{
				Tag:       CodecTagMVC1,
				NALUSize:  size,
				Multiview: hasMultiviewUnits(data, size),
			}, true
		}
	}
	return StreamFormat{}, false
}

// isAnnexBStartCode checks for 0x00000001 or 0x000001 at the start of data.
func isAnnexBStartCode(data []byte) bool {
	if len(data) < 4 {
		return false
	}
	if data[0] == 0 && data[1] == 0 && data[2] == 0 && data[3] == 1 {
		return true
	}
	return data[0] == 0 && data[1] == 0 && data[2] == 1
}

// getNALType returns the type of the first unit after the start code.
func getNALType(data []byte) byte {
	offset := 3
	if data[2] == 0 {
		offset = 4
	}
	if len(data) <= offset {
		return 0
	}
	return data[offset] & 0x1f
}

// isH264NALType accepts the unit types of Table 7-1, including the
// multiview prefix (14), subset SPS (15) and slice extension (20).
func isH264NALType(nalType byte) bool {
	return (nalType >= 1 && nalType <= 15) || (nalType >= 19 && nalType <= 21)
}

// isLengthPrefixed walks the length fields of data and reports whether they
// end exactly at len(data) with every unit header valid.
func isLengthPrefixed(data []byte, size int) bool {
	units := 0
	for pos := 0; pos < len(data); units++ {
		if pos+size > len(data) {
			return false
		}
		var n int
		for i := 0; i < size; i++ {
			n = n<<8 | int(data[pos+i])
		}
		pos += size
		if n == 0 || pos+n > len(data) {
			return false
		}
		if data[pos]&0x80 != 0 || !isH264NALType(data[pos]&0x1f) {
			return false
		}
		pos += n
	}
	return units > 0
}

func hasMultiviewUnits(data []byte, naluSize int) bool {
	for u := range NewNALScanner(data, naluSize).Units() {
		switch u.Type {
		case NALTypePrefix, NALTypeSubsetSPS, NALTypeSliceExtension:
			return true
		}
	}
	return false
}
