// Package avmedia defines the wire/data types that flow through the
// deskstream capture pipeline, from raw capture through encoding,
// timestamp mapping, and muxing. Every other pipeline package shares
// these types instead of defining its own.
package avmedia

import "time"

// Buffer sizing constants shared by producers and consumers across the
// pipeline, analogous to the channel buffer sizes a demux/relay pipeline
// picks to absorb jitter without unbounded memory growth.
const (
	// SampleRate is the fixed audio sample rate the whole pipeline runs
	// at. Not configurable (spec.md §6).
	SampleRate = 48000

	// FrameSize is the fixed number of interleaved stereo sample-frames
	// AudioEngine emits per tick (the AAC-LC frame size).
	FrameSize = 1024

	// Channels is the fixed channel count for all PCM in the pipeline.
	Channels = 2
)

// Source identifies which capture collaborator a PcmBlock came from.
type Source int

// Recognized PCM sources.
const (
	SourceDesktop Source = iota
	SourceMic
)

func (s Source) String() string {
	switch s {
	case SourceDesktop:
		return "desktop"
	case SourceMic:
		return "mic"
	default:
		return "unknown"
	}
}

// StreamKind distinguishes the two muxed elementary streams.
type StreamKind int

// Recognized stream kinds. See mux.Less for the tie-break rule applied
// when two packets share a DTS (spec.md §4.7 prefers audio on exact
// ties).
const (
	StreamVideo StreamKind = iota
	StreamAudio
)

func (k StreamKind) String() string {
	switch k {
	case StreamVideo:
		return "video"
	case StreamAudio:
		return "audio"
	default:
		return "unknown"
	}
}

// RawVideoFrame is an opaque captured picture. The pipeline never
// interprets PixelFormat or Data; it only forwards them to the video
// encoder adapter. CaptureNS is a monotonic capture timestamp in
// nanoseconds, used only for pacer bookkeeping, never as the encode PTS.
type RawVideoFrame struct {
	Data        []byte
	Width       int
	Height      int
	PixelFormat string
	CaptureNS   int64
}

// PcmBlock is a block of interleaved float32 stereo samples pushed by a
// capture collaborator for one source. Frames is the sample-frame count
// (len(Data) / Channels).
type PcmBlock struct {
	Source Source
	Data   []float32
	Frames int
}

// AudioOutputBlock is the fixed-size block AudioEngine emits once per
// tick. PTSInFrames is the cumulative sample-frame count emitted before
// this block (spec.md §3, invariant 1).
type AudioOutputBlock struct {
	Data        []float32 // len == avmedia.FrameSize*Channels
	PTSInFrames int64
}

// EncodedPacket is a codec-level packet emitted by an EncoderAdapter.
// Video and audio populate disjoint fields: video sets FrameIndex and
// IsKeyframe; audio sets PTSInFrames and NumSamples.
type EncodedPacket struct {
	Data []byte

	// Video fields.
	FrameIndex int64
	IsKeyframe bool

	// Audio fields.
	PTSInFrames int64
	NumSamples  int
}

// CodecConfig is the opaque extradata an encoder adapter returns from
// Initialize: H.264 avcC SPS/PPS, or AAC AudioSpecificConfig. A muxer
// must write this as the stream's sequence header before any data
// packet (spec.md §3, invariant 6).
type CodecConfig struct {
	Extradata []byte
}

// MuxPacket is the canonical, timestamp-mapped packet that flows from a
// muxer's write call into the PacketQueue and out through the Sender.
// PTSUs/DTSUs/DurationUs are all in the muxer's microsecond ordering
// domain (spec.md §3/§4.6).
type MuxPacket struct {
	Stream     StreamKind
	Data       []byte
	PTSUs      int64
	DTSUs      int64
	DurationUs int64
	IsKeyframe bool

	// EnqueuedAt is wall-clock time, never part of the muxed stream's
	// timing domain. No component in this module sets it; PacketQueue's
	// latency bound is computed from DTS values.
	EnqueuedAt time.Time
}
