// Package sender implements the Sender (spec.md §4.10): the sole
// consumer of PacketQueue, writing packets through the transport owned
// by the StreamMuxer at wall-clock pace derived from each packet's DTS,
// with bounded catch-up and exponential-backoff reconnect. Grounded on
// prism's egress pacing loop (its rate-limited segment writer) for the
// absolute-deadline pacing idiom, and on
// other_examples/snapetech-plexTuner reconnect-with-backoff pattern for
// the reconnect loop; golang.org/x/time/rate supplies the token-bucket
// burst cap recommended by spec.md §9 to keep a reconnect storm from
// saturating the transport.
package sender

import (
	"context"
	"errors"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/zsiec/deskstream/internal/avmedia"
	"github.com/zsiec/deskstream/internal/mux/flvmux"
	"github.com/zsiec/deskstream/internal/packetqueue"
)

// Params configures pacing and reconnect behavior (spec.md §8 defaults).
type Params struct {
	ToleranceUs      int64
	MaxSleep         time.Duration
	ReconnectMax     int
	ReconnectBackoff time.Duration
	Addr             string
}

// DefaultParams returns spec.md's documented defaults.
func DefaultParams(addr string) Params {
	return Params{
		ToleranceUs:      5_000,
		MaxSleep:         500 * time.Millisecond,
		ReconnectMax:     5,
		ReconnectBackoff: 500 * time.Millisecond,
		Addr:             addr,
	}
}

// Stats are the atomically updated counters external status APIs read
// (spec.md §5).
type Stats struct {
	PacketsSent  atomic.Int64
	BytesSent    atomic.Int64
	Reconnects   atomic.Int64
	Disconnected atomic.Bool
}

// Sender drains a packetqueue.Queue and writes each packet through a
// flvmux.Transport, pacing writes to the wall clock derived from DTS.
type Sender struct {
	log       *slog.Logger
	params    Params
	queue     *packetqueue.Queue
	transport flvmux.Transport
	muxer     *flvmux.Muxer
	limiter   *rate.Limiter
	stats     Stats

	baseDTSUs     int64
	baseWallUs    int64
	havePaced     bool
	forceKeyframe func()
}

// New builds a Sender. burstPerSecond bounds the reconnect-storm write
// rate; 0 disables the limiter.
func New(queue *packetqueue.Queue, transport flvmux.Transport, muxer *flvmux.Muxer, params Params, burstPerSecond int) *Sender {
	s := &Sender{
		log:       slog.With("component", "sender"),
		params:    params,
		queue:     queue,
		transport: transport,
		muxer:     muxer,
	}
	if burstPerSecond > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(burstPerSecond), burstPerSecond)
	}
	return s
}

// SetForceKeyframe wires the video encoder's keyframe request so a
// reconnect can guarantee the first post-reconnect video packet is a
// keyframe (spec.md §8 Scenario 3), without the Sender depending on the
// encoder package directly.
func (s *Sender) SetForceKeyframe(fn func()) { s.forceKeyframe = fn }

// Run drains the queue until ctx is canceled, pacing each write to the
// packet's DTS relative to the first packet's wall-clock arrival.
func (s *Sender) Run(ctx context.Context) {
	for {
		pkt, ok := s.queue.Pop(ctx)
		if !ok {
			return
		}
		if s.limiter != nil {
			if err := s.limiter.Wait(ctx); err != nil {
				return
			}
		}
		s.paceTo(ctx, pkt.DTSUs)
		if err := s.write(pkt); err != nil {
			s.log.Error("transport write failed", "error", err)
			s.handleTransportError(ctx)
			continue
		}
		s.stats.PacketsSent.Add(1)
		s.stats.BytesSent.Add(int64(len(pkt.Data)))
	}
}

func (s *Sender) write(pkt avmedia.MuxPacket) error {
	tsMs := uint32(pkt.DTSUs / 1000)
	if pkt.Stream == avmedia.StreamVideo {
		return s.transport.WriteVideo(tsMs, pkt.Data)
	}
	return s.transport.WriteAudio(tsMs, pkt.Data)
}

// paceTo sleeps until the wall-clock deadline implied by dtsUs, per the
// algorithm in spec.md §4.10: the first packet establishes the
// base_dts/base_wall pair, subsequent packets are paced relative to it,
// with a hard cap per packet so a DTS discontinuity cannot stall the
// sender indefinitely.
func (s *Sender) paceTo(ctx context.Context, dtsUs int64) {
	nowUs := time.Now().UnixMicro()
	if !s.havePaced {
		s.baseDTSUs = dtsUs
		s.baseWallUs = nowUs
		s.havePaced = true
		return
	}
	targetWallUs := s.baseWallUs + (dtsUs - s.baseDTSUs)
	delta := targetWallUs - time.Now().UnixMicro()
	if delta <= s.params.ToleranceUs {
		return
	}
	sleep := time.Duration(delta-s.params.ToleranceUs) * time.Microsecond
	if sleep > s.params.MaxSleep {
		sleep = s.params.MaxSleep
	}
	timer := time.NewTimer(sleep)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}
}

// handleTransportError implements spec.md §4.10's reconnect algorithm:
// mark disconnected, clear the queue, back off exponentially up to
// ReconnectMax attempts, and on success re-issue the cached sequence
// headers plus the next video packet's forced keyframe before resuming.
func (s *Sender) handleTransportError(ctx context.Context) {
	s.stats.Disconnected.Store(true)
	s.queue.Clear()
	s.havePaced = false

	backoff := s.params.ReconnectBackoff
	for attempt := 1; attempt <= s.params.ReconnectMax; attempt++ {
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}

		sessionID := uuid.NewString()
		s.log.Info("attempting reconnect", "attempt", attempt, "session_id", sessionID)
		if err := s.transport.Connect(ctx, s.params.Addr); err != nil {
			s.log.Warn("reconnect failed", "attempt", attempt, "error", err)
			backoff *= 2
			if backoff > 8*time.Second {
				backoff = 8 * time.Second
			}
			continue
		}

		if err := s.reissueSequenceHeaders(); err != nil {
			s.log.Warn("reissuing sequence headers after reconnect failed", "error", err)
			continue
		}
		if s.forceKeyframe != nil {
			s.forceKeyframe()
		}
		s.muxer.Reset()
		s.stats.Disconnected.Store(false)
		s.stats.Reconnects.Add(1)
		s.log.Info("reconnected", "session_id", sessionID)
		return
	}
	s.log.Error("reconnect attempts exhausted", "max_attempts", s.params.ReconnectMax)
}

func (s *Sender) reissueSequenceHeaders() error {
	video := s.muxer.CachedVideoHeader()
	audio := s.muxer.CachedAudioHeader()
	if video == nil || audio == nil {
		return errors.New("sender: no cached sequence headers to reissue")
	}
	if err := s.transport.WriteVideo(0, video); err != nil {
		return err
	}
	return s.transport.WriteAudio(0, audio)
}

// IsConnected reports whether the transport is currently believed
// healthy.
func (s *Sender) IsConnected() bool { return !s.stats.Disconnected.Load() }

// StatsSnapshot is a plain copy of the atomic counters, safe to read
// from a status API without racing the hot write path.
type StatsSnapshot struct {
	PacketsSent int64
	BytesSent   int64
	Reconnects  int64
}

// StatsSnapshot returns a point-in-time copy of the Sender's counters.
func (s *Sender) StatsSnapshot() StatsSnapshot {
	return StatsSnapshot{
		PacketsSent: s.stats.PacketsSent.Load(),
		BytesSent:   s.stats.BytesSent.Load(),
		Reconnects:  s.stats.Reconnects.Load(),
	}
}
