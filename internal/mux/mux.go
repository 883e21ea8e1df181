// Package mux holds the contracts and helpers shared by filemux and
// flvmux: the Muxer interface both implement (spec.md §4.7/§4.8), the
// packet-priority comparator used for A/V interleaving, and the codec
// parameter/extradata bundle passed to Open.
package mux

import "github.com/zsiec/deskstream/internal/avmedia"

// Params bundles the codec parameters and extradata a muxer needs at
// Open: both tracks' dimensions/rates and their sequence-header bytes,
// which the muxer must write before any data packet of that stream
// (spec.md §3, invariant 6) without ever hand-building the codec-level
// header bytes itself (spec.md §4.7, §9).
type Params struct {
	VideoWidth     int
	VideoHeight    int
	FPS            int
	VideoExtradata []byte // H.264 avcC (AVCDecoderConfigurationRecord)

	AudioSampleRate int
	AudioChannels   int
	AudioExtradata  []byte // AAC AudioSpecificConfig
}

// Muxer is the interleaved container-writer contract both FileMuxer and
// StreamMuxer satisfy (spec.md §4.7/§4.8).
type Muxer interface {
	// Open writes container/sequence headers using the extradata
	// supplied in params. Fatal to pipeline start on error.
	Open(params Params) error

	// WriteVideo maps pkt's timestamps via a TimebaseMapper and hands
	// the packet to the container writer. frameIndex is the source
	// time base value (spec.md §4.6).
	WriteVideo(pkt avmedia.EncodedPacket, frameIndex int64) error

	// WriteAudio maps pkt's timestamps via a TimebaseMapper and hands
	// the packet to the container writer. ptsInFrames is the source
	// time base value (spec.md §4.6).
	WriteAudio(pkt avmedia.EncodedPacket, ptsInFrames int64) error

	// Close flushes, writes any trailer, and releases the underlying
	// transport or file.
	Close() error
}

// Less reports whether a should sort (be popped/written) before b, by
// (dts_us, stream_priority), with audio preferred on an exact DTS tie
// (spec.md §4.7).
func Less(a, b avmedia.MuxPacket) bool {
	if a.DTSUs != b.DTSUs {
		return a.DTSUs < b.DTSUs
	}
	return priority(a.Stream) < priority(b.Stream)
}

func priority(k avmedia.StreamKind) int {
	if k == avmedia.StreamAudio {
		return 0
	}
	return 1
}
