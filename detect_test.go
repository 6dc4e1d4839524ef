package mvc

import (
	"encoding/binary"
	"testing"
)

func lengthPrefixed(size int, units ...[]byte) []byte {
	var out []byte
	for _, u := range units {
		switch size {
		case 4:
			out = binary.BigEndian.AppendUint32(out, uint32(len(u)))
		case 3:
			out = append(out, byte(len(u)>>16), byte(len(u)>>8), byte(len(u)))
		case 2:
			out = binary.BigEndian.AppendUint16(out, uint16(len(u)))
		case 1:
			out = append(out, byte(len(u)))
		}
		out = append(out, u...)
	}
	return out
}

func TestDetectStreamFormat(t *testing.T) {
	tests := []struct {
		name string
		data []byte
		want StreamFormat
		ok   bool
	}{
		{
			name: "annex-b mono",
			data: annexB(testSPS, testPPS, baseSlice(0)),
			want: StreamFormat{Tag: CodecTagAMVC},
			ok:   true,
		},
		{
			name: "annex-b multiview",
			data: append(headerUnits(), accessUnit(0, 0)...),
			want: StreamFormat{Tag: CodecTagAMVC, Multiview: true},
			ok:   true,
		},
		{
			name: "3-byte start code",
			data: []byte{0, 0, 1, 0x6f, 0x80, 0x00, 0x28},
			want: StreamFormat{Tag: CodecTagAMVC, Multiview: true},
			ok:   true,
		},
		{
			name: "length-prefixed 4",
			data: lengthPrefixed(4, baseSlice(1), extSlice(1)),
			want: StreamFormat{Tag: CodecTagMVC1, NALUSize: 4, Multiview: true},
			ok:   true,
		},
		{
			name: "length-prefixed 2",
			data: lengthPrefixed(2, testSPS, testPPS),
			want: StreamFormat{Tag: CodecTagMVC1, NALUSize: 2},
			ok:   true,
		},
		{
			name: "length-prefixed 1",
			data: lengthPrefixed(1, baseSlice(1), extSlice(1)),
			want: StreamFormat{Tag: CodecTagMVC1, NALUSize: 1, Multiview: true},
			ok:   true,
		},
		{
			name: "lengths overrun",
			data: []byte{0, 0, 0, 9, 0x65, 1, 2},
		},
		{
			name: "forbidden bit",
			data: lengthPrefixed(4, []byte{0xe5, 1, 2}),
		},
		{
			name: "start code with reserved type",
			data: []byte{0, 0, 0, 1, 0x1f},
		},
		{
			name: "too short",
			data: []byte{0, 0, 1},
		},
		{
			name: "noise",
			data: []byte{0xff, 0xff, 0xff, 0xff, 0xff},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := DetectStreamFormat(tt.data)
			if ok != tt.ok {
				t.Fatalf("DetectStreamFormat() ok = %v, want %v", ok, tt.ok)
			}
			if got != tt.want {
				t.Errorf("DetectStreamFormat() = %+v, want %+v", got, tt.want)
			}
		})
	}
}

func TestStreamFormat_Codec(t *testing.T) {
	if got := (StreamFormat{Multiview: true}).Codec(); got != VideoCodecH264MVC {
		t.Errorf("multiview codec = %v", got)
	}
	if got := (StreamFormat{}).Codec(); got != VideoCodecH264 {
		t.Errorf("mono codec = %v", got)
	}
}
