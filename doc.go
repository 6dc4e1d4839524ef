// Package mvc decodes stereoscopic H.264 multiview (MVC) video through an
// asynchronous decode engine and hands out paired base and extension view
// pictures.
//
// Key pieces include:
//   - Decoder: Open/Decode/GetPicture/ReleasePicture/Flush/Close
//   - Pool and Allocator: surface lifetime with generation checked references
//   - PairingQueue: matches the two views of one moment by frame order
//   - NAL utilities: length-prefixed to Annex-B reframing, MVC1 extradata
//   - Sources: packet lists, RTP/WebRTC tracks, RTMP publishers
//   - DecodePipeline: source -> Decoder -> picture callback
//
// # Architecture
//
//	Decode: AccessUnitSource -> Decoder.Decode -> Engine.SubmitAsync
//	Output: SyncPoint -> PairingQueue -> render queue -> GetPicture
//
// Input is accumulated until the engine consumes it. Decoded surfaces wait
// in per-view queues until a surface with the same frame order arrives for
// the other view; the older unmatched one is dropped.
//
// # Stream Formats
//
// MVC1 streams carry multiview parameters in extradata and length-prefixed
// access units; the decoder reframes them to Annex-B. AMVC streams are
// Annex-B with parameters in band.
//
// # Native Libraries
//
// NewNativeEngine loads libmedia_mvc through purego. Set MEDIA_MVC_LIB_PATH
// to the library file or MEDIA_SDK_LIB_PATH to its directory. Any other
// Engine implementation can be plugged into DecoderConfig.
//
// # Build Tags
//
//   - nomvc: build without the native engine binding
package mvc
