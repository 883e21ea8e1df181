// Package timebase implements the rescale from a source time base
// (frames for video, samples for audio) to the muxer's microsecond
// ordering domain, plus the per-stream monotonic-DTS guard that rejects
// any packet that would violate strictly increasing DTS.
//
// Grounded directly on spec.md §4.6; no pack repo implements this exact
// rescale-with-monotonic-guard shape, so it is built fresh from the
// formula given, using round-half-away-from-zero as specified.
package timebase

import (
	"errors"
	"sync"
)

// ErrMonotonicViolation is returned by MapVideo and MapAudio when the computed DTS would
// not be strictly greater than the last DTS written for this stream
// (spec.md §7, MonotonicViolation). The caller must drop the packet and
// must not pass it to a muxer.
var ErrMonotonicViolation = errors.New("timebase: monotonic DTS violation")

// Rational is a time base expressed as a fraction of a second
// (Num/Den), e.g. {1, 30} for a 30fps video source or {1, 48000} for
// 48kHz audio.
type Rational struct {
	Num int64
	Den int64
}

// microsecond is the muxer's canonical ordering domain time base.
var microsecond = Rational{1, 1_000_000}

// Rescale converts ts from src to dst using rounded rescale
// (round-half-away-from-zero), per spec.md §4.6:
//
//	ts * src.Num * dst.Den / (src.Den * dst.Num)
//
// Rescale(x, src, src) == x for any representable x (spec.md §8, L1).
func Rescale(ts int64, src, dst Rational) int64 {
	num := ts * src.Num * dst.Den
	den := src.Den * dst.Num
	return divRoundHalfAwayFromZero(num, den)
}

func divRoundHalfAwayFromZero(num, den int64) int64 {
	if den < 0 {
		num, den = -num, -den
	}
	if num >= 0 {
		return (num + den/2) / den
	}
	return -((-num + den/2) / den)
}

// Mapper tracks, per stream, the last DTS it has accepted, and computes
// the (pts_us, dts_us, duration_us) triple for the next packet in a
// stream's source time base.
type Mapper struct {
	mu       sync.Mutex
	lastDTS  map[string]int64
	hasLast  map[string]bool
	videoSrc Rational
	audioSrc Rational
}

// New creates a Mapper. videoSrc is typically {1, fps}; audioSrc is
// typically {1, 48000}.
func New(videoSrc, audioSrc Rational) *Mapper {
	return &Mapper{
		lastDTS:  make(map[string]int64),
		hasLast:  make(map[string]bool),
		videoSrc: videoSrc,
		audioSrc: audioSrc,
	}
}

// Packet is the result of a successful Map call: the timestamps a muxer
// should stamp onto its written MuxPacket.
type Packet struct {
	PTSUs      int64
	DTSUs      int64
	DurationUs int64
}

// MapVideo computes timestamps for a video packet at frameIndex, given
// the source time base {1, fps}. Since the current contract assumes no
// B-frames (spec.md §9), DTS == PTS. Returns ErrMonotonicViolation (and
// a zero Packet) if the computed DTS would not exceed the stream's last
// accepted DTS; the caller must drop the packet.
func (m *Mapper) MapVideo(streamID string, frameIndex int64) (Packet, error) {
	return m.mapStream(streamID, frameIndex, frameIndex+1, m.videoSrc)
}

// MapAudio computes timestamps for an audio packet with the given
// cumulative pts-in-frames and sample count, given the source time base
// {1, 48000}.
func (m *Mapper) MapAudio(streamID string, ptsInFrames int64, numSamples int) (Packet, error) {
	return m.mapStream(streamID, ptsInFrames, ptsInFrames+int64(numSamples), m.audioSrc)
}

func (m *Mapper) mapStream(streamID string, cur, next int64, src Rational) (Packet, error) {
	ptsUs := Rescale(cur, src, microsecond)
	nextUs := Rescale(next, src, microsecond)
	dtsUs := ptsUs
	durationUs := nextUs - ptsUs

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.hasLast[streamID] && dtsUs <= m.lastDTS[streamID] {
		return Packet{}, ErrMonotonicViolation
	}
	m.lastDTS[streamID] = dtsUs
	m.hasLast[streamID] = true

	return Packet{PTSUs: ptsUs, DTSUs: dtsUs, DurationUs: durationUs}, nil
}

// Reset clears the last-DTS guard for streamID, used on muxer reopen
// (e.g. after a reconnect clears the PacketQueue).
func (m *Mapper) Reset(streamID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.lastDTS, streamID)
	delete(m.hasLast, streamID)
}
