package mvc

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
)

// RTPPacketReader reads parsed RTP packets. *webrtc.TrackRemote satisfies
// it.
type RTPPacketReader interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

// IsRTPTimestampOlder returns true if ts1 is older than or equal to ts2,
// handling 32-bit wraparound.
func IsRTPTimestampOlder(ts1, ts2 uint32) bool {
	if ts1 == ts2 {
		return true
	}
	return ts2-ts1 < 0x80000000
}

// timestampUnwrapper extends 32-bit RTP timestamps to a monotonic 64-bit
// timeline.
type timestampUnwrapper struct {
	started bool
	last    uint32
	value   int64
}

func (u *timestampUnwrapper) unwrap(ts uint32) int64 {
	if !u.started {
		u.started = true
		u.last = ts
		u.value = int64(ts)
		return u.value
	}
	u.value += int64(int32(ts - u.last))
	u.last = ts
	return u.value
}

// RTPSource turns an RTP stream into decoder packets. The stream carries
// multiview parameters in band, so it is opened as AMVC.
type RTPSource struct {
	reader RTPPacketReader
	depack *Depacketizer
	info   StreamInfo

	mu      sync.Mutex
	clock   timestampUnwrapper
	eof     bool
	packets uint64
}

// NewRTPSource reads from r. stereoMode is the layout hint, as signaled
// out of band.
func NewRTPSource(r RTPPacketReader, stereoMode string) *RTPSource {
	return &RTPSource{
		reader: r,
		depack: NewDepacketizer(),
		info: StreamInfo{
			Codec:      VideoCodecH264MVC,
			Tag:        CodecTagAMVC,
			StereoMode: stereoMode,
		},
	}
}

// StreamInfo returns the AMVC stream description.
func (s *RTPSource) StreamInfo(context.Context) (*StreamInfo, error) {
	info := s.info
	return &info, nil
}

// ReadAccessUnit blocks until an access unit is complete. At the end of the
// stream the partial access unit is returned once, then io.EOF.
func (s *RTPSource) ReadAccessUnit(ctx context.Context) (*Packet, error) {
	for {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		s.mu.Lock()
		eof := s.eof
		s.mu.Unlock()
		if eof {
			return nil, io.EOF
		}

		pkt, _, err := s.reader.ReadRTP()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				return nil, fmt.Errorf("read RTP: %w", err)
			}
			s.mu.Lock()
			s.eof = true
			s.mu.Unlock()
			if au := s.depack.Flush(); au != nil {
				return s.packet(au), nil
			}
			return nil, io.EOF
		}

		s.mu.Lock()
		s.packets++
		s.mu.Unlock()

		au, err := s.depack.Depacketize(pkt)
		if err != nil {
			return nil, err
		}
		if au != nil {
			return s.packet(au), nil
		}
	}
}

func (s *RTPSource) packet(au *AccessUnit) *Packet {
	s.mu.Lock()
	defer s.mu.Unlock()
	ts := s.clock.unwrap(au.Timestamp)
	return &Packet{Data: au.Data, DTS: NoTimestamp, PTS: ts}
}

// Packets returns the number of RTP packets read.
func (s *RTPSource) Packets() uint64 {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.packets
}

// Close stops reading when the reader is also an io.Closer.
func (s *RTPSource) Close() error {
	if c, ok := s.reader.(io.Closer); ok {
		return c.Close()
	}
	return nil
}
