// Package audioengine implements the pipeline's clock master: it mixes
// per-source PCM into fixed 1024-sample-frame stereo blocks at 48 kHz,
// padding with silence when a source runs dry, and its tick count is the
// stream's authoritative timeline.
//
// Grounded on spec.md §4.3 and the design note in §9 that the driving
// ticker must use absolute deadlines ("sleep_until"), never a relative
// sleep, because OS scheduling jitter compounds into time compression.
// The catch-up-bounded deadline loop is shaped after
// other_examples/c32735f7_gtfodev-camsRelay__pkg-bridge-pacer.go.go's
// timer-based pacing loop (reference-only, reimplemented for a single
// fixed-size tick instead of per-packet RTP pacing).
package audioengine

import (
	"context"
	"log/slog"
	"time"

	"github.com/zsiec/deskstream/internal/avmedia"
)

// tickInterval is 1024/48000 seconds, the AAC-LC frame period, truncated
// to whole nanoseconds.
const tickInterval = time.Duration(avmedia.FrameSize) * time.Second / time.Duration(avmedia.SampleRate)

// PcmSource is the subset of pcmbuf.Buffer the engine needs, accepted as
// an interface so tests can substitute a synthetic source.
type PcmSource interface {
	Available(source avmedia.Source) int
	Consume(source avmedia.Source, count int, dst []float32) (nonSilence int)
}

// Gains holds the per-source mixer gains (spec.md §4.3 defaults:
// desktop=1.0, mic=1.2).
type Gains struct {
	Desktop float32
	Mic     float32
}

// DefaultGains returns the spec.md-documented default gains.
func DefaultGains() Gains {
	return Gains{Desktop: 1.0, Mic: 1.2}
}

// Engine is the clock-master audio mixer. The zero value is not usable;
// construct with New.
type Engine struct {
	log   *slog.Logger
	pcm   PcmSource
	gains Gains

	framesEmitted int64

	// scratch buffers reused across ticks to avoid per-tick allocation.
	desktopBuf []float32
	micBuf     []float32
}

// New creates an Engine that mixes from pcm using the given gains.
func New(pcm PcmSource, gains Gains) *Engine {
	return &Engine{
		log:        slog.With("component", "audioengine"),
		pcm:        pcm,
		gains:      gains,
		desktopBuf: make([]float32, avmedia.FrameSize*avmedia.Channels),
		micBuf:     make([]float32, avmedia.FrameSize*avmedia.Channels),
	}
}

// FramesEmitted returns the cumulative sample-frame count emitted so
// far. This is the stream's authoritative timeline (spec.md §3,
// invariant 1).
func (e *Engine) FramesEmitted() int64 {
	return e.framesEmitted
}

// Tick synchronously mixes exactly one 1024-sample-frame block and
// advances FramesEmitted by 1024. It never fails: an empty source
// contributes silence. PTSInFrames on the returned block equals
// FramesEmitted before this call's increment (spec.md §4.3).
func (e *Engine) Tick() avmedia.AudioOutputBlock {
	e.pcm.Consume(avmedia.SourceDesktop, avmedia.FrameSize, e.desktopBuf)
	e.pcm.Consume(avmedia.SourceMic, avmedia.FrameSize, e.micBuf)

	out := make([]float32, avmedia.FrameSize*avmedia.Channels)
	for i := range out {
		mixed := e.desktopBuf[i]*e.gains.Desktop + e.micBuf[i]*e.gains.Mic
		out[i] = clamp(mixed, -1.0, 1.0)
	}

	block := avmedia.AudioOutputBlock{
		Data:        out,
		PTSInFrames: e.framesEmitted,
	}
	e.framesEmitted += avmedia.FrameSize
	return block
}

func clamp(v, lo, hi float32) float32 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// Run drives Tick at the 1024/48000 cadence using absolute deadlines,
// invoking onBlock for every emitted block, until ctx is cancelled. If
// the ticker wakes late, it may emit up to burstCap consecutive blocks
// back-to-back before resuming normal cadence (spec.md §4.3), bounding
// catch-up so a long stall cannot produce a runaway burst.
func (e *Engine) Run(ctx context.Context, burstCap int, onBlock func(avmedia.AudioOutputBlock)) {
	if burstCap <= 0 {
		burstCap = 2
	}

	deadline := time.Now().Add(tickInterval)
	for {
		select {
		case <-ctx.Done():
			return
		default:
		}

		now := time.Now()
		if now.Before(deadline) {
			timer := time.NewTimer(deadline.Sub(now))
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.C:
			}
		}

		// Emit one block per elapsed interval, capped at burstCap, then
		// resume the normal cadence from the last scheduled deadline
		// rather than from "now" — this keeps long-run alignment with
		// wall clock intact instead of drifting forward after a stall.
		emitted := 0
		for time.Now().After(deadline) && emitted < burstCap {
			onBlock(e.Tick())
			deadline = deadline.Add(tickInterval)
			emitted++
		}
		if emitted == 0 {
			deadline = deadline.Add(tickInterval)
		} else if emitted == burstCap {
			e.log.Warn("audio engine catch-up burst capped", "burst_cap", burstCap)
			// Realign the deadline to wall clock so we don't spend the
			// next several ticks immediately catching up further.
			if behind := time.Since(deadline); behind > 0 {
				deadline = time.Now()
			}
		}
	}
}
