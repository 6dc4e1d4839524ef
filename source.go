package mvc

import (
	"context"
	"io"
)

// AccessUnitSource produces access units for a Decoder.
type AccessUnitSource interface {
	io.Closer

	// ReadAccessUnit blocks until the next access unit is available. It
	// returns io.EOF at the end of the stream.
	ReadAccessUnit(ctx context.Context) (*Packet, error)
}

// StreamInfoSource is implemented by sources that know their stream
// parameters. The pipeline opens the decoder with them before reading.
type StreamInfoSource interface {
	StreamInfo(ctx context.Context) (*StreamInfo, error)
}

// PacketSource replays a fixed list of packets. It serves files split into
// access units and tests.
type PacketSource struct {
	info    *StreamInfo
	packets []*Packet
	next    int
}

// NewPacketSource returns a source replaying packets. info may be nil when
// the decoder is opened by the caller.
func NewPacketSource(info *StreamInfo, packets []*Packet) *PacketSource {
	return &PacketSource{info: info, packets: packets}
}

// StreamInfo returns a copy of the configured stream info.
func (s *PacketSource) StreamInfo(context.Context) (*StreamInfo, error) {
	if s.info == nil {
		return nil, ErrSourceNotConfigured
	}
	info := *s.info
	return &info, nil
}

func (s *PacketSource) ReadAccessUnit(ctx context.Context) (*Packet, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if s.next >= len(s.packets) {
		return nil, io.EOF
	}
	p := s.packets[s.next]
	s.next++
	return p, nil
}

func (s *PacketSource) Close() error { return nil }
