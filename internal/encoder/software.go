package encoder

import (
	"encoding/binary"
	"log/slog"

	"github.com/zsiec/deskstream/internal/avmedia"
	"github.com/zsiec/deskstream/internal/framering"
)

// baselineSPS and baselinePPS are a fixed, valid H.264 Baseline Profile
// parameter set pair (profile_idc 0x42, level 3.1) used by
// SoftwareVideoEncoder as a stand-in for a real encoder's negotiated
// SPS/PPS. The core never hand-crafts codec extradata dynamically in
// production (spec.md §4.5 delegates that to the concrete codec); this
// is a fixed, recognizable constant purely so downstream muxer code
// (AVCDecoderConfigurationRecord construction) has well-formed input to
// exercise in tests.
var (
	baselineSPS = []byte{0x67, 0x42, 0x00, 0x1f, 0x96, 0x54, 0x05, 0x01, 0xef, 0x8c, 0x04}
	baselinePPS = []byte{0x68, 0xce, 0x3c, 0x80}
)

// aacLC48kStereoASC is the 2-byte AAC AudioSpecificConfig for AAC-LC,
// 48 kHz, stereo (audioObjectType=2, samplingFrequencyIndex=3,
// channelConfiguration=2).
var aacLC48kStereoASC = []byte{0x11, 0x90}

// SoftwareVideoEncoder is a deterministic, dependency-free stand-in for
// a real H.264 encoder. It does not compress: each payload is the 8-byte
// big-endian frame index followed by a copy of the frame's pixel data,
// so output is reproducible; it exists so the pipeline's video path is
// exercisable end-to-end without a concrete codec library, matching
// spec.md §1's boundary ("the core sees only the VideoEncoder ...
// contract").
type SoftwareVideoEncoder struct {
	log           *slog.Logger
	initialized   bool
	forceKeyframe bool
	gopSize       int64
}

// NewSoftwareVideoEncoder creates a SoftwareVideoEncoder that marks
// every gopSize-th frame (and the first) as a keyframe.
func NewSoftwareVideoEncoder(gopSize int64) *SoftwareVideoEncoder {
	if gopSize <= 0 {
		gopSize = 60
	}
	return &SoftwareVideoEncoder{
		log:     slog.With("component", "encoder.video.software"),
		gopSize: gopSize,
	}
}

// Initialize implements VideoEncoder.
func (e *SoftwareVideoEncoder) Initialize(params VideoParams) (avmedia.CodecConfig, error) {
	e.initialized = true
	e.forceKeyframe = true // first packet must always be a keyframe.
	return avmedia.CodecConfig{Extradata: buildAVCDecoderConfig(baselineSPS, baselinePPS)}, nil
}

// ForceKeyframe implements VideoEncoder.
func (e *SoftwareVideoEncoder) ForceKeyframe() {
	e.forceKeyframe = true
}

// EncodeVideo implements VideoEncoder.
func (e *SoftwareVideoEncoder) EncodeVideo(frame framering.RawVideoFrame, frameIndex int64) ([]avmedia.EncodedPacket, error) {
	if !e.initialized {
		return nil, &EncoderError{Codec: e.CodecName(), Op: "encode", Err: ErrEncoderOpenFailed}
	}

	isKeyframe := e.forceKeyframe || (frameIndex%e.gopSize == 0)
	e.forceKeyframe = false

	payload := make([]byte, 8+len(frame.Data))
	binary.BigEndian.PutUint64(payload[:8], uint64(frameIndex))
	copy(payload[8:], frame.Data)

	return []avmedia.EncodedPacket{{
		Data:       payload,
		FrameIndex: frameIndex,
		IsKeyframe: isKeyframe,
	}}, nil
}

// Flush implements VideoEncoder.
func (e *SoftwareVideoEncoder) Flush() ([]avmedia.EncodedPacket, error) {
	return nil, nil
}

// CodecName implements VideoEncoder.
func (e *SoftwareVideoEncoder) CodecName() string { return "h264" }

// RequiresExclusiveThread implements VideoEncoder. The software encoder
// has no platform apartment requirement.
func (e *SoftwareVideoEncoder) RequiresExclusiveThread() bool { return false }

// SoftwareAudioEncoder is a deterministic, dependency-free stand-in for
// a real AAC-LC encoder, used for the same reason as
// SoftwareVideoEncoder.
type SoftwareAudioEncoder struct {
	log         *slog.Logger
	initialized bool
}

// NewSoftwareAudioEncoder creates a SoftwareAudioEncoder.
func NewSoftwareAudioEncoder() *SoftwareAudioEncoder {
	return &SoftwareAudioEncoder{log: slog.With("component", "encoder.audio.software")}
}

// Initialize implements AudioEncoder.
func (e *SoftwareAudioEncoder) Initialize(params AudioParams) (avmedia.CodecConfig, error) {
	e.initialized = true
	return avmedia.CodecConfig{Extradata: aacLC48kStereoASC}, nil
}

// EncodeAudio implements AudioEncoder.
func (e *SoftwareAudioEncoder) EncodeAudio(block avmedia.AudioOutputBlock) ([]avmedia.EncodedPacket, error) {
	if !e.initialized {
		return nil, &EncoderError{Codec: e.CodecName(), Op: "encode", Err: ErrEncoderOpenFailed}
	}

	numSamples := len(block.Data) / avmedia.Channels
	payload := make([]byte, 8+len(block.Data)*2)
	binary.BigEndian.PutUint64(payload[:8], uint64(block.PTSInFrames))
	quantize(block.Data, payload[8:])

	if numSamples != avmedia.FrameSize {
		e.log.Warn("audio block with non-standard sample count", "num_samples", numSamples)
	}

	return []avmedia.EncodedPacket{{
		Data:        payload,
		PTSInFrames: block.PTSInFrames,
		NumSamples:  numSamples,
	}}, nil
}

// Flush implements AudioEncoder.
func (e *SoftwareAudioEncoder) Flush() ([]avmedia.EncodedPacket, error) {
	return nil, nil
}

// CodecName implements AudioEncoder.
func (e *SoftwareAudioEncoder) CodecName() string { return "aac" }

func quantize(samples []float32, dst []byte) {
	for i, s := range samples {
		if i*2+1 >= len(dst) {
			break
		}
		v := int16(s * 32767)
		binary.BigEndian.PutUint16(dst[i*2:], uint16(v))
	}
}

// buildAVCDecoderConfig builds an AVCDecoderConfigurationRecord (ISO
// 14496-15 §5.2.4.1.1) from raw SPS/PPS NAL data (without start codes).
// Adapted directly from zsiec/prism's internal/moq.BuildAVCDecoderConfig
// (same author corpus; genuinely reusable byte-layout logic rather than
// reimplemented from scratch — see DESIGN.md).
func buildAVCDecoderConfig(sps, pps []byte) []byte {
	if len(sps) < 4 || len(pps) == 0 {
		return nil
	}

	buf := make([]byte, 0, 11+len(sps)+len(pps))
	buf = append(buf, 1)      // configurationVersion
	buf = append(buf, sps[1]) // AVCProfileIndication
	buf = append(buf, sps[2]) // profile_compatibility
	buf = append(buf, sps[3]) // AVCLevelIndication
	buf = append(buf, 0xFF)   // lengthSizeMinusOne = 3 | reserved
	buf = append(buf, 0xE1)   // numOfSequenceParameterSets = 1 | reserved

	buf = append(buf, byte(len(sps)>>8), byte(len(sps)))
	buf = append(buf, sps...)

	buf = append(buf, 1) // numOfPictureParameterSets
	buf = append(buf, byte(len(pps)>>8), byte(len(pps)))
	buf = append(buf, pps...)

	return buf
}
