package mvc

import (
	"strings"
	"testing"

	"github.com/pion/webrtc/v4"
)

func TestMVCCodecCapability(t *testing.T) {
	c := MVCCodecCapability()
	if c.MimeType != webrtc.MimeTypeH264 || c.ClockRate != 90000 {
		t.Errorf("capability = %+v", c)
	}
	if !strings.Contains(c.SDPFmtpLine, "profile-level-id=800028") {
		t.Errorf("fmtp %q does not name Stereo High", c.SDPFmtpLine)
	}
}

func TestNewMVCAPIOffersStereoHigh(t *testing.T) {
	api, err := NewMVCAPI()
	if err != nil {
		t.Fatalf("NewMVCAPI: %v", err)
	}
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()

	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo, webrtc.RTPTransceiverInit{
		Direction: webrtc.RTPTransceiverDirectionRecvonly,
	}); err != nil {
		t.Fatal(err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(offer.SDP, "a=rtpmap:118 H264/90000") {
		t.Error("offer lacks the MVC payload type")
	}
	if !strings.Contains(offer.SDP, "profile-level-id=800028") {
		t.Error("offer lacks the Stereo High profile")
	}
}

func TestRegisterMVCCodecPayloadType(t *testing.T) {
	m := &webrtc.MediaEngine{}
	if err := RegisterMVCCodec(m, 120); err != nil {
		t.Fatalf("RegisterMVCCodec: %v", err)
	}
	api := webrtc.NewAPI(webrtc.WithMediaEngine(m))
	pc, err := api.NewPeerConnection(webrtc.Configuration{})
	if err != nil {
		t.Fatal(err)
	}
	defer pc.Close()
	if _, err := pc.AddTransceiverFromKind(webrtc.RTPCodecTypeVideo); err != nil {
		t.Fatal(err)
	}
	offer, err := pc.CreateOffer(nil)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(offer.SDP, "a=rtpmap:120 H264/90000") {
		t.Errorf("offer lacks payload type 120:\n%s", offer.SDP)
	}
}
