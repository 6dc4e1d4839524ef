package mvc

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"

	"github.com/bluenviron/mediacommon/pkg/codecs/h264"
	"github.com/pion/logging"
	"github.com/yutopp/go-rtmp"
	rtmpmsg "github.com/yutopp/go-rtmp/message"
)

// FLV video tag constants.
const (
	flvCodecAVC          = 7
	flvAVCSequenceHeader = 0
	flvAVCNALU           = 1
	flvAVCEndOfSequence  = 2
	flvVideoHeaderSize   = 5
)

// RTMPSource receives one published FLV/AVC stream and hands it to the
// decoder as MVC1: the sequence header becomes the extradata record and
// every NALU tag becomes a length-prefixed access unit.
type RTMPSource struct {
	log        logging.LeveledLogger
	stereoMode string

	mu        sync.Mutex
	info      *StreamInfo
	publisher string

	infoReady chan struct{}
	infoOnce  sync.Once
	packets   chan *Packet
	done      chan struct{}
	doneOnce  sync.Once

	server *rtmp.Server
	tags   atomic.Uint64
}

// NewRTMPSource creates a source waiting for a publisher. stereoMode is the
// layout hint passed to Decoder.Open.
func NewRTMPSource(stereoMode string, factory logging.LoggerFactory) *RTMPSource {
	if factory == nil {
		factory = logging.NewDefaultLoggerFactory()
	}
	return &RTMPSource{
		log:        factory.NewLogger("mvc-rtmp"),
		stereoMode: stereoMode,
		infoReady:  make(chan struct{}),
		packets:    make(chan *Packet, 60),
		done:       make(chan struct{}),
	}
}

// Serve accepts RTMP connections on ln until Close. Only the first
// publisher feeds the source; later ones are refused.
func (s *RTMPSource) Serve(ln net.Listener) error {
	srv := rtmp.NewServer(&rtmp.ServerConfig{
		OnConnect: func(conn net.Conn) (io.ReadWriteCloser, *rtmp.ConnConfig) {
			return conn, &rtmp.ConnConfig{
				Handler: &rtmpConnHandler{source: s},
				ControlState: rtmp.StreamControlStateConfig{
					DefaultBandwidthWindowSize: 6 * 1024 * 1024,
				},
			}
		},
	})
	s.mu.Lock()
	s.server = srv
	s.mu.Unlock()
	return srv.Serve(ln)
}

// Handler returns a connection handler feeding this source, for callers
// running their own rtmp.Server.
func (s *RTMPSource) Handler() rtmp.Handler {
	return &rtmpConnHandler{source: s}
}

// StreamInfo blocks until the publisher sent its AVC sequence header.
func (s *RTMPSource) StreamInfo(ctx context.Context) (*StreamInfo, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-s.done:
		s.mu.Lock()
		defer s.mu.Unlock()
		if s.info == nil {
			return nil, io.EOF
		}
		info := *s.info
		return &info, nil
	case <-s.infoReady:
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	info := *s.info
	return &info, nil
}

// ReadAccessUnit returns the next NALU tag. It returns io.EOF once the
// publisher disconnected and all queued tags were read.
func (s *RTMPSource) ReadAccessUnit(ctx context.Context) (*Packet, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case pkt := <-s.packets:
		return pkt, nil
	case <-s.done:
	}
	select {
	case pkt := <-s.packets:
		return pkt, nil
	default:
		return nil, io.EOF
	}
}

// Tags returns the number of video tags received.
func (s *RTMPSource) Tags() uint64 {
	return s.tags.Load()
}

// Close ends the stream and stops the server started by Serve.
func (s *RTMPSource) Close() error {
	s.finish()
	s.mu.Lock()
	srv := s.server
	s.server = nil
	s.mu.Unlock()
	if srv != nil {
		return srv.Close()
	}
	return nil
}

func (s *RTMPSource) finish() {
	s.doneOnce.Do(func() { close(s.done) })
}

func (s *RTMPSource) publish(name string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publisher != "" {
		return fmt.Errorf("stream %q already publishing", s.publisher)
	}
	s.publisher = name
	s.log.Infof("publishing %s", name)
	return nil
}

func (s *RTMPSource) video(timestamp uint32, data []byte) error {
	s.tags.Add(1)
	if len(data) < flvVideoHeaderSize {
		return nil
	}
	if data[0]&0x0f != flvCodecAVC {
		s.log.Debugf("ignoring video tag with codec id %d", data[0]&0x0f)
		return nil
	}

	// composition time offset, signed 24 bit
	cts := int32(uint32(data[2])<<16|uint32(data[3])<<8|uint32(data[4])) << 8 >> 8
	avc := data[flvVideoHeaderSize:]

	switch data[1] {
	case flvAVCSequenceHeader:
		return s.sequenceHeader(avc)

	case flvAVCNALU:
		s.mu.Lock()
		ready := s.info != nil
		s.mu.Unlock()
		if !ready || len(avc) == 0 {
			return nil
		}
		pkt := &Packet{
			Data: append([]byte(nil), avc...),
			DTS:  int64(timestamp),
			PTS:  int64(timestamp) + int64(cts),
		}
		select {
		case s.packets <- pkt:
		case <-s.done:
		}

	case flvAVCEndOfSequence:
		s.log.Debug("end of sequence tag")
	}
	return nil
}

func (s *RTMPSource) sequenceHeader(record []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.info != nil {
		return nil
	}
	if _, err := NALUSizeFromExtradata(record); err != nil {
		return err
	}

	info := &StreamInfo{
		Codec:      VideoCodecH264MVC,
		Tag:        CodecTagMVC1,
		Extradata:  append([]byte(nil), record...),
		StereoMode: s.stereoMode,
	}
	if sps := firstSPS(record); sps != nil {
		var p h264.SPS
		if err := p.Unmarshal(sps); err != nil {
			s.log.Warnf("unparsable SPS in sequence header: %v", err)
		} else {
			info.Width, info.Height = p.Width(), p.Height()
		}
	}
	s.info = info
	s.log.Infof("sequence header: %dx%d, %d bytes of extradata", info.Width, info.Height, len(record))
	s.infoOnce.Do(func() { close(s.infoReady) })
	return nil
}

// firstSPS returns the first SPS of an avcC style record.
func firstSPS(record []byte) []byte {
	if len(record) < extradataHeaderSize+3 || record[extradataHeaderSize]&0x1f == 0 {
		return nil
	}
	off := extradataHeaderSize + 1
	n := int(binary.BigEndian.Uint16(record[off:]))
	off += 2
	if off+n > len(record) {
		return nil
	}
	return record[off : off+n]
}

type rtmpConnHandler struct {
	rtmp.DefaultHandler
	source     *RTMPSource
	publishing bool
}

func (h *rtmpConnHandler) OnPublish(_ *rtmp.StreamContext, _ uint32, cmd *rtmpmsg.NetStreamPublish) error {
	if err := h.source.publish(cmd.PublishingName); err != nil {
		return err
	}
	h.publishing = true
	return nil
}

func (h *rtmpConnHandler) OnVideo(timestamp uint32, payload io.Reader) error {
	if !h.publishing {
		return nil
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, payload); err != nil {
		return err
	}
	return h.source.video(timestamp, buf.Bytes())
}

func (h *rtmpConnHandler) OnClose() {
	if h.publishing {
		h.source.log.Info("publisher disconnected")
		h.source.finish()
	}
}
