package mvc

import (
	"encoding/binary"
	"fmt"
	"sync"

	"github.com/pion/rtp"
)

// RTP payload structures of RFC 6184 / RFC 6190.
const (
	rtpTypeSTAPA = 24 // single-time aggregation packet
	rtpTypeFUA   = 28 // fragmentation unit
)

// AccessUnit is an Annex-B access unit reassembled from RTP.
type AccessUnit struct {
	Data      []byte
	Timestamp uint32 // RTP timestamp, 90 kHz
	Keyframe  bool   // contains an IDR slice
	Headers   bool   // contains SPS, subset SPS or PPS
}

// Depacketizer reassembles H.264 access units, including the multiview
// prefix, subset SPS and slice extension units, from RTP packets. Output is
// an Annex-B byte stream with 4-byte start codes.
type Depacketizer struct {
	mu          sync.Mutex
	frameData   []byte
	fuaBuffer   []byte
	fragmenting bool
	started     bool
	timestamp   uint32
	keyframe    bool
	headers     bool
}

// NewDepacketizer creates an empty depacketizer.
func NewDepacketizer() *Depacketizer {
	return &Depacketizer{}
}

// Depacketize consumes one packet and returns an access unit when the
// packet completes one. A packet with a new timestamp completes the
// previous access unit even without a marker.
func (d *Depacketizer) Depacketize(pkt *rtp.Packet) (*AccessUnit, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	if len(pkt.Payload) == 0 {
		return nil, nil
	}

	var done *AccessUnit
	if d.started && d.timestamp != pkt.Timestamp {
		if IsRTPTimestampOlder(pkt.Timestamp, d.timestamp) {
			// late packet of an access unit already handed out
			return nil, nil
		}
		if !d.fragmenting {
			done = d.finish()
		}
		d.reset()
	}
	d.timestamp = pkt.Timestamp
	d.started = true

	nalType := pkt.Payload[0] & 0x1f
	switch {
	case nalType >= 1 && nalType <= 23:
		d.appendNAL(pkt.Payload)
	case nalType == rtpTypeSTAPA:
		if err := d.depacketizeSTAPA(pkt.Payload); err != nil {
			return done, err
		}
	case nalType == rtpTypeFUA:
		if err := d.depacketizeFUA(pkt.Payload); err != nil {
			return done, err
		}
	default:
		return done, fmt.Errorf("unsupported RTP payload structure %d", nalType)
	}

	if pkt.Marker && len(d.frameData) > 0 && done == nil {
		return d.finish(), nil
	}
	return done, nil
}

func (d *Depacketizer) appendNAL(nal []byte) {
	if len(nal) == 0 {
		return
	}
	switch nalType := nal[0] & 0x1f; nalType {
	case byte(NALTypeIDR):
		d.keyframe = true
	case byte(NALTypeSPS), byte(NALTypeSubsetSPS), byte(NALTypePPS):
		d.headers = true
	}
	d.frameData = append(d.frameData, startCode4...)
	d.frameData = append(d.frameData, nal...)
}

func (d *Depacketizer) depacketizeSTAPA(payload []byte) error {
	for offset := 1; offset < len(payload); {
		if offset+2 > len(payload) {
			return fmt.Errorf("STAP-A: truncated size field at %d", offset)
		}
		n := int(binary.BigEndian.Uint16(payload[offset:]))
		offset += 2
		if offset+n > len(payload) {
			return fmt.Errorf("STAP-A: unit of %d bytes exceeds packet", n)
		}
		d.appendNAL(payload[offset : offset+n])
		offset += n
	}
	return nil
}

func (d *Depacketizer) depacketizeFUA(payload []byte) error {
	if len(payload) < 2 {
		return fmt.Errorf("FU-A packet too short")
	}
	indicator, header := payload[0], payload[1]
	start := header&0x80 != 0
	end := header&0x40 != 0

	if start {
		d.fuaBuffer = append(d.fuaBuffer[:0], indicator&0xe0|header&0x1f)
		d.fragmenting = true
	}
	if !d.fragmenting {
		return nil
	}
	d.fuaBuffer = append(d.fuaBuffer, payload[2:]...)
	if end {
		d.appendNAL(d.fuaBuffer)
		d.fuaBuffer = d.fuaBuffer[:0]
		d.fragmenting = false
	}
	return nil
}

// finish hands out the buffered access unit and clears the buffer.
func (d *Depacketizer) finish() *AccessUnit {
	if len(d.frameData) == 0 {
		return nil
	}
	au := &AccessUnit{
		Data:      append([]byte(nil), d.frameData...),
		Timestamp: d.timestamp,
		Keyframe:  d.keyframe,
		Headers:   d.headers,
	}
	d.reset()
	return au
}

func (d *Depacketizer) reset() {
	d.frameData = d.frameData[:0]
	d.fuaBuffer = d.fuaBuffer[:0]
	d.fragmenting = false
	d.keyframe = false
	d.headers = false
}

// DepacketizeBytes unmarshals a raw RTP packet and depacketizes it.
func (d *Depacketizer) DepacketizeBytes(data []byte) (*AccessUnit, error) {
	var pkt rtp.Packet
	if err := pkt.Unmarshal(data); err != nil {
		return nil, err
	}
	return d.Depacketize(&pkt)
}

// Flush returns the partially assembled access unit, if any.
func (d *Depacketizer) Flush() *AccessUnit {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.finish()
}

// Reset drops any buffered partial access unit.
func (d *Depacketizer) Reset() {
	d.mu.Lock()
	d.reset()
	d.started = false
	d.timestamp = 0
	d.mu.Unlock()
}
