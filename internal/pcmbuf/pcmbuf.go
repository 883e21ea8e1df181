// Package pcmbuf implements the per-source PCM staging buffer between
// audio capture and the AudioEngine clock master. Each source (desktop,
// mic) gets its own bounded queue with a drop-oldest overflow policy, so
// a slow consumer never backpressures a capture thread either.
//
// Grounded on spec.md §4.2 and the per-source channel buffering implied
// by prism's media.AudioBufferSize; the drop-oldest-to-high-water-mark
// policy mirrors the shape (not the code) of
// other_examples/920b09d1_vopenia-io-media-sdk__mixer-mixer.go.go's
// per-input ring buffer, which is reference material only (Apache-2.0
// LiveKit code, read for structure and not copied).
package pcmbuf

import (
	"log/slog"
	"sync"

	"github.com/zsiec/deskstream/internal/avmedia"
)

// Buffer holds one bounded PCM queue per avmedia.Source. Safe for one
// writer and one reader per source, concurrently across sources.
type Buffer struct {
	log        *slog.Logger
	highWaterF int // high-water mark, in sample-frames

	mu    sync.Mutex
	queue map[avmedia.Source][]float32 // interleaved stereo, per source
}

// New creates a Buffer whose per-source queues are trimmed to at most
// highWaterMs of audio at avmedia.SampleRate.
func New(highWaterMs int) *Buffer {
	if highWaterMs <= 0 {
		highWaterMs = 200
	}
	frames := highWaterMs * avmedia.SampleRate / 1000
	return &Buffer{
		log:        slog.With("component", "pcmbuf"),
		highWaterF: frames,
		queue:      make(map[avmedia.Source][]float32),
	}
}

// Feed appends block to its source's queue. If the queue would exceed
// the configured high-water mark, the oldest sample-frames are dropped
// to make room — feed never blocks and never errors.
func (b *Buffer) Feed(block avmedia.PcmBlock) {
	b.mu.Lock()
	defer b.mu.Unlock()

	q := append(b.queue[block.Source], block.Data...)

	maxSamples := b.highWaterF * avmedia.Channels
	if len(q) > maxSamples {
		dropped := len(q) - maxSamples
		dropped -= dropped % avmedia.Channels // keep frame alignment
		q = q[dropped:]
		b.log.Warn("pcm overflow, dropping oldest samples",
			"source", block.Source.String(),
			"dropped_frames", dropped/avmedia.Channels)
	}
	b.queue[block.Source] = q
}

// Available returns the number of buffered sample-frames for source.
func (b *Buffer) Available(source avmedia.Source) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue[source]) / avmedia.Channels
}

// Consume copies up to count sample-frames from source's queue into
// dst, which must have capacity for count*avmedia.Channels float32
// values, zero-filling any remainder. It returns the number of
// non-silence sample-frames actually consumed.
func (b *Buffer) Consume(source avmedia.Source, count int, dst []float32) (nonSilence int) {
	need := count * avmedia.Channels
	if len(dst) < need {
		panic("pcmbuf: dst too small for requested frame count")
	}

	b.mu.Lock()
	q := b.queue[source]
	have := len(q)
	take := have
	if take > need {
		take = need
	}
	copy(dst[:take], q[:take])
	b.queue[source] = q[take:]
	b.mu.Unlock()

	for i := take; i < need; i++ {
		dst[i] = 0
	}
	return take / avmedia.Channels
}
