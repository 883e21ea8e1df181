// Package encoder defines the capability-set contract the pipeline
// requires from a video or audio encoder, per spec.md §4.5/§6. The core
// never embeds a concrete codec library (spec.md §1): this package only
// declares the interfaces and typed error kind concrete adapters must
// satisfy, plus a synthetic pair of adapters used to exercise the
// contract in tests and in the cmd/deskstream demonstration harness.
package encoder

import (
	"errors"
	"fmt"

	"github.com/zsiec/deskstream/internal/avmedia"
	"github.com/zsiec/deskstream/internal/framering"
)

// ErrEncoderOpenFailed is wrapped by EncoderError values returned from
// Initialize; the pipeline treats it as fatal and refuses to start
// (spec.md §7, EncoderError).
var ErrEncoderOpenFailed = errors.New("encoder: open failed")

// EncoderError is the typed error kind for encoder failures. Open is
// fatal to pipeline start; per-packet encode failures are reported the
// same way but the caller treats them as a dropped packet, not a fatal
// condition (spec.md §4.5, §7).
type EncoderError struct {
	Codec string
	Op    string // "initialize", "encode", "flush"
	Err   error
}

func (e *EncoderError) Error() string {
	return fmt.Sprintf("encoder[%s]: %s: %v", e.Codec, e.Op, e.Err)
}

func (e *EncoderError) Unwrap() error { return e.Err }

// VideoParams configures a VideoEncoder at Initialize.
type VideoParams struct {
	Width     int
	Height    int
	FPS       int
	BitrateBP int // bits per second
}

// AudioParams configures an AudioEncoder at Initialize.
type AudioParams struct {
	SampleRate int
	Channels   int
	BitrateBP  int
}

// VideoEncoder is the contract the pipeline requires of any concrete
// video codec adapter (spec.md §4.5).
type VideoEncoder interface {
	// Initialize opens the encoder and returns its extradata (may be
	// empty for some codecs; required for the FLV/RTMP path). Fatal to
	// pipeline start on error.
	Initialize(params VideoParams) (avmedia.CodecConfig, error)

	// EncodeVideo encodes one raw frame, returning zero or more packets
	// in decode order, all belonging to frameIndex (no B-frames
	// assumed; spec.md §9 notes the relaxation path as a future
	// contract extension).
	EncodeVideo(frame framering.RawVideoFrame, frameIndex int64) ([]avmedia.EncodedPacket, error)

	// ForceKeyframe requests that the next EncodeVideo call produce a
	// keyframe, used by the pipeline to guarantee the first data
	// packet written to any muxer is a keyframe (spec.md §3, invariant
	// 7; spec.md §4.11).
	ForceKeyframe()

	// Flush drains any internally buffered packets at shutdown.
	Flush() ([]avmedia.EncodedPacket, error)

	// CodecName identifies the codec for logging and muxer dispatch
	// (e.g. "h264").
	CodecName() string

	// RequiresExclusiveThread reports whether this adapter needs
	// exclusive single-threaded apartment semantics from its host
	// platform (spec.md §9). The pipeline uses this to select a
	// software fallback adapter when a hardware/accelerator adapter
	// declines the host environment; the core itself never embeds
	// platform apartment logic.
	RequiresExclusiveThread() bool
}

// AudioEncoder is the contract the pipeline requires of any concrete
// audio codec adapter (spec.md §4.5).
type AudioEncoder interface {
	// Initialize opens the encoder and returns its extradata (AAC
	// AudioSpecificConfig). Fatal to pipeline start on error.
	Initialize(params AudioParams) (avmedia.CodecConfig, error)

	// EncodeAudio encodes one fixed-1024-sample-frame block, typically
	// returning one packet with NumSamples == 1024. Zero packets is
	// permitted only during initial priming; a packet with
	// NumSamples != 1024 is logged but still honored by the caller.
	EncodeAudio(block avmedia.AudioOutputBlock) ([]avmedia.EncodedPacket, error)

	// Flush drains any internally buffered packets at shutdown.
	Flush() ([]avmedia.EncodedPacket, error)

	// CodecName identifies the codec for logging and muxer dispatch
	// (e.g. "aac").
	CodecName() string
}
