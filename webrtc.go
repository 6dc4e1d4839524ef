package mvc

import (
	"fmt"

	"github.com/pion/webrtc/v4"
)

// DefaultMVCPayloadType is the dynamic payload type RegisterMVCCodec uses
// when none is given.
const DefaultMVCPayloadType webrtc.PayloadType = 118

// MVCCodecCapability is H.264 Stereo High profile, level 4.0, in
// non-interleaved packetization mode.
func MVCCodecCapability() webrtc.RTPCodecCapability {
	return webrtc.RTPCodecCapability{
		MimeType:    VideoCodecH264MVC.MimeType(),
		ClockRate:   VideoCodecH264MVC.ClockRate(),
		SDPFmtpLine: "level-asymmetry-allowed=1;packetization-mode=1;profile-level-id=800028",
	}
}

// RegisterMVCCodec adds the stereo H.264 codec to m. A zero pt selects
// DefaultMVCPayloadType.
func RegisterMVCCodec(m *webrtc.MediaEngine, pt webrtc.PayloadType) error {
	if pt == 0 {
		pt = DefaultMVCPayloadType
	}
	err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: MVCCodecCapability(),
		PayloadType:        pt,
	}, webrtc.RTPCodecTypeVideo)
	if err != nil {
		return fmt.Errorf("register MVC codec: %w", err)
	}
	return nil
}

// NewMVCAPI returns a pion API whose media engine offers the default codecs
// plus stereo H.264.
func NewMVCAPI() (*webrtc.API, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterDefaultCodecs(); err != nil {
		return nil, err
	}
	if err := RegisterMVCCodec(m, 0); err != nil {
		return nil, err
	}
	return webrtc.NewAPI(webrtc.WithMediaEngine(m)), nil
}

// NewTrackSource returns a source decoding a remote track. The track must
// carry H.264.
func NewTrackSource(track *webrtc.TrackRemote, stereoMode string) (*RTPSource, error) {
	if mime := track.Codec().MimeType; mime != webrtc.MimeTypeH264 {
		return nil, fmt.Errorf("%w: track codec %s", ErrUnsupportedCodec, mime)
	}
	return NewRTPSource(track, stereoMode), nil
}
