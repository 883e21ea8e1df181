// Package pipeline implements Pipeline (spec.md §4.11, C11): it owns
// every other component, runs the Idle → Initializing → Running →
// Draining → Stopped state machine (with a Failed branch on fatal
// error), spawns the audio ticker, video ticker and sender goroutines with
// golang.org/x/sync/errgroup (the same supervision idiom prism uses for
// its ingest session goroutines), and exposes the control surface and
// atomic statistics from spec.md §6.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/zsiec/deskstream/internal/audioengine"
	"github.com/zsiec/deskstream/internal/avmedia"
	"github.com/zsiec/deskstream/internal/encoder"
	"github.com/zsiec/deskstream/internal/framering"
	"github.com/zsiec/deskstream/internal/mux"
	"github.com/zsiec/deskstream/internal/mux/filemux"
	"github.com/zsiec/deskstream/internal/mux/flvmux"
	"github.com/zsiec/deskstream/internal/packetqueue"
	"github.com/zsiec/deskstream/internal/pcmbuf"
	"github.com/zsiec/deskstream/internal/sender"
	"github.com/zsiec/deskstream/internal/videopacer"
)

// AudioMode selects which captured source(s) feed the mix.
type AudioMode int

const (
	AudioDesktop AudioMode = iota
	AudioMic
	AudioBoth
)

// State is the pipeline's lifecycle state (spec.md §4.11).
type State int32

const (
	StateIdle State = iota
	StateInitializing
	StateRunning
	StateDraining
	StateStopped
	StateFailed
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateInitializing:
		return "initializing"
	case StateRunning:
		return "running"
	case StateDraining:
		return "draining"
	case StateStopped:
		return "stopped"
	case StateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// ConfigError is a fatal configuration problem caught at Initialize.
type ConfigError struct{ Reason string }

func (e *ConfigError) Error() string { return "pipeline: config error: " + e.Reason }

// Config is the control-surface initialize() parameter bundle
// (spec.md §6), plus the recognized options table from §8.
type Config struct {
	OutputIsStream bool
	FilePath       string // not read by Pipeline; file mode writes through the muxer given to SetFileMuxer
	RTMPAddr       string // "host:port", used when OutputIsStream == true
	RTMPApp        string
	RTMPStreamKey  string

	Width, Height int
	FPS           int
	VideoBitrate  int
	AudioBitrate  int
	AudioMode     AudioMode

	DesktopGain, MicGain float32
	QueueMaxPackets      int
	QueueMaxLatencyMs    int64
	PacingToleranceUs    int64
	ReconnectMaxAttempts int
	ReconnectBackoffMs   int
	AudioBurstCap        int
	PcmHighWaterMs       int
}

// DefaultConfig returns a Config holding the documented defaults for FPS,
// gains, queue bounds, pacing tolerance, reconnect policy, audio burst
// cap and PCM high-water mark; output target, resolution and bitrates
// are left zero for the caller to set.
func DefaultConfig() Config {
	return Config{
		FPS:                  30,
		DesktopGain:          1.0,
		MicGain:              1.2,
		QueueMaxPackets:      100,
		QueueMaxLatencyMs:    2000,
		PacingToleranceUs:    5000,
		ReconnectMaxAttempts: 5,
		ReconnectBackoffMs:   500,
		AudioBurstCap:        2,
		PcmHighWaterMs:       200,
	}
}

// Statistics mirrors get_statistics() (spec.md §6).
type Statistics struct {
	VideoFrames    int64
	VideoPackets   int64
	AudioPackets   int64
	PacketsDropped int64
	BytesSent      int64
}

// Pipeline owns every other component and runs the lifecycle state
// machine.
type Pipeline struct {
	log    *slog.Logger
	runID  string
	cfg    Config
	state  atomic.Int32
	cancel context.CancelFunc
	group  *errgroup.Group

	ring       *framering.Ring
	pcm        *pcmbuf.Buffer
	audio      *audioengine.Engine
	pacer      *videopacer.Pacer
	videoEnc   encoder.VideoEncoder
	audioEnc   encoder.AudioEncoder
	muxer      mux.Muxer
	queue      *packetqueue.Queue
	sender     *sender.Sender
	transport  flvmux.Transport

	stats struct {
		videoFrames    atomic.Int64
		videoPackets   atomic.Int64
		audioPackets   atomic.Int64
		packetsDropped atomic.Int64
	}
}

// New builds an idle Pipeline around the caller's encoders, ring, and
// mixer. Capture collaborators push into ring/pcm independently of this
// constructor.
func New(ring *framering.Ring, pcm *pcmbuf.Buffer, videoEnc encoder.VideoEncoder, audioEnc encoder.AudioEncoder) *Pipeline {
	return &Pipeline{
		log:      slog.With("component", "pipeline"),
		runID:    uuid.NewString(),
		ring:     ring,
		pcm:      pcm,
		videoEnc: videoEnc,
		audioEnc: audioEnc,
	}
}

func (p *Pipeline) setState(s State) { p.state.Store(int32(s)) }

// State returns the current lifecycle state.
func (p *Pipeline) State() State { return State(p.state.Load()) }

// IsRunning implements the control surface.
func (p *Pipeline) IsRunning() bool { return p.State() == StateRunning }

// IsConnected reports stream-transport health; always true in file
// mode.
func (p *Pipeline) IsConnected() bool {
	if p.sender == nil {
		return true
	}
	return p.sender.IsConnected()
}

// IsBackpressure reports whether PacketQueue is rejecting video
// non-keyframes; always false in file mode (no queue is used).
func (p *Pipeline) IsBackpressure() bool {
	if p.queue == nil {
		return false
	}
	return p.queue.IsBackpressure()
}

// GetStatistics implements the control surface.
func (p *Pipeline) GetStatistics() Statistics {
	return Statistics{
		VideoFrames:    p.stats.videoFrames.Load(),
		VideoPackets:   p.stats.videoPackets.Load(),
		AudioPackets:   p.stats.audioPackets.Load(),
		PacketsDropped: p.stats.packetsDropped.Load() + droppedPackets(p.queue),
		BytesSent:      sentBytes(p.sender),
	}
}

func sentBytes(s *sender.Sender) int64 {
	if s == nil {
		return 0
	}
	return s.StatsSnapshot().BytesSent
}

func droppedPackets(q *packetqueue.Queue) int64 {
	if q == nil {
		return 0
	}
	video, audio := q.Stats()
	return video + audio
}

// InjectFrame is the optional headless test hook (spec.md §6): it
// replaces a live capture frame by pushing directly into FrameRing.
func (p *Pipeline) InjectFrame(frame framering.RawVideoFrame) {
	p.ring.Push(frame)
}

// Initialize opens encoders and the muxer, and prepares the queue and
// sender for stream mode. Fatal to pipeline start on error (spec.md §7
// ConfigError/EncoderError).
func (p *Pipeline) Initialize(cfg Config) error {
	if p.State() != StateIdle {
		return fmt.Errorf("pipeline: initialize called in state %s", p.State())
	}
	p.setState(StateInitializing)

	if cfg.FPS <= 0 {
		p.setState(StateFailed)
		return &ConfigError{Reason: "fps must be > 0"}
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		p.setState(StateFailed)
		return &ConfigError{Reason: "width/height must be > 0"}
	}
	p.cfg = cfg

	videoConfig, err := p.videoEnc.Initialize(encoder.VideoParams{
		Width: cfg.Width, Height: cfg.Height, FPS: cfg.FPS, BitrateBP: cfg.VideoBitrate,
	})
	if err != nil {
		p.setState(StateFailed)
		return fmt.Errorf("pipeline: video encoder open: %w", err)
	}
	audioConfig, err := p.audioEnc.Initialize(encoder.AudioParams{
		SampleRate: avmedia.SampleRate, Channels: avmedia.Channels, BitrateBP: cfg.AudioBitrate,
	})
	if err != nil {
		p.setState(StateFailed)
		return fmt.Errorf("pipeline: audio encoder open: %w", err)
	}

	params := mux.Params{
		VideoWidth: cfg.Width, VideoHeight: cfg.Height, FPS: cfg.FPS,
		VideoExtradata:  videoConfig.Extradata,
		AudioSampleRate: avmedia.SampleRate, AudioChannels: avmedia.Channels,
		AudioExtradata: audioConfig.Extradata,
	}

	if cfg.OutputIsStream {
		if err := p.initStreamMuxer(cfg); err != nil {
			p.setState(StateFailed)
			return err
		}
	} else if p.muxer == nil {
		p.setState(StateFailed)
		return fmt.Errorf("pipeline: file mode requires SetFileMuxer before Initialize")
	}

	if err := p.muxer.Open(params); err != nil {
		p.setState(StateFailed)
		return fmt.Errorf("pipeline: muxer open: %w", err)
	}

	gains := audioengine.Gains{Desktop: cfg.DesktopGain, Mic: cfg.MicGain}
	if gains.Desktop == 0 && gains.Mic == 0 {
		gains = audioengine.DefaultGains()
	}
	p.audio = audioengine.New(p.pcm, gains)
	p.pacer = videopacer.New(cfg.FPS, p.ring, framering.RawVideoFrame{
		Width: cfg.Width, Height: cfg.Height,
		Data: make([]byte, cfg.Width*cfg.Height*4),
	})

	p.videoEnc.ForceKeyframe()
	p.setState(StateRunning)
	return nil
}

// SetFileMuxer wires a filemux.Muxer for local-file output. Must be
// called before Initialize when Config.OutputIsStream is false.
func (p *Pipeline) SetFileMuxer(m *filemux.Muxer) { p.muxer = m }

func (p *Pipeline) initStreamMuxer(cfg Config) error {
	p.transport = flvmux.NewRTMPTransport(cfg.RTMPApp, cfg.RTMPStreamKey)
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := p.transport.Connect(ctx, cfg.RTMPAddr); err != nil {
		return fmt.Errorf("pipeline: stream transport connect: %w", err)
	}

	p.queue = packetqueue.New(packetqueue.Params{
		MaxPackets: cfg.QueueMaxPackets, MaxLatencyMs: cfg.QueueMaxLatencyMs,
	})
	flvm := flvmux.New(p.transport, p.queue)
	p.muxer = flvm

	senderParams := sender.DefaultParams(cfg.RTMPAddr)
	senderParams.ToleranceUs = cfg.PacingToleranceUs
	senderParams.ReconnectMax = cfg.ReconnectMaxAttempts
	senderParams.ReconnectBackoff = time.Duration(cfg.ReconnectBackoffMs) * time.Millisecond
	p.sender = sender.New(p.queue, p.transport, flvm, senderParams, 0)
	p.sender.SetForceKeyframe(p.videoEnc.ForceKeyframe)
	return nil
}

// Start spawns the audio ticker, video ticker, and (in stream mode) the
// Sender, all supervised by an errgroup (spec.md §5).
func (p *Pipeline) Start() error {
	if p.State() != StateRunning {
		return fmt.Errorf("pipeline: start called in state %s", p.State())
	}
	ctx, cancel := context.WithCancel(context.Background())
	p.cancel = cancel
	group, gctx := errgroup.WithContext(ctx)
	p.group = group

	group.Go(func() error {
		p.audio.Run(gctx, p.cfg.AudioBurstCap, p.onAudioBlock)
		return nil
	})
	group.Go(func() error {
		p.runVideoTicker(gctx)
		return nil
	})
	if p.sender != nil {
		group.Go(func() error {
			p.sender.Run(gctx)
			return nil
		})
	}
	p.log.Info("pipeline started", "run_id", p.runID, "stream", p.cfg.OutputIsStream)
	return nil
}

func (p *Pipeline) runVideoTicker(ctx context.Context) {
	ticker := time.NewTicker(p.pacer.MinTickInterval())
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.pacer.Tick(p.onVideoFrame)
		}
	}
}

func (p *Pipeline) onVideoFrame(frame framering.RawVideoFrame, frameIndex int64) {
	p.stats.videoFrames.Add(1)
	packets, err := p.videoEnc.EncodeVideo(frame, frameIndex)
	if err != nil {
		p.log.Error("video encode failed", "error", err)
		return
	}
	for _, pkt := range packets {
		if err := p.muxer.WriteVideo(pkt, frameIndex); err != nil {
			p.log.Warn("write video packet failed", "error", err)
			continue
		}
		p.stats.videoPackets.Add(1)
	}
}

func (p *Pipeline) onAudioBlock(block avmedia.AudioOutputBlock) {
	packets, err := p.audioEnc.EncodeAudio(block)
	if err != nil {
		p.log.Error("audio encode failed", "error", err)
		return
	}
	for _, pkt := range packets {
		if err := p.muxer.WriteAudio(pkt, block.PTSInFrames); err != nil {
			p.log.Warn("write audio packet failed", "error", err)
			continue
		}
		p.stats.audioPackets.Add(1)
	}
}

// Stop cancels the tickers and the Sender together, waits up to 3 s for
// them to return (spec.md §4.11, §5's total stop deadline), then flushes
// the encoders into the muxer and closes it. The Sender has already
// stopped by then, so packets still in the PacketQueue, flushed ones
// included, are not sent.
func (p *Pipeline) Stop() error {
	if p.State() != StateRunning {
		return nil
	}
	p.setState(StateDraining)
	if p.cancel != nil {
		p.cancel()
	}

	done := make(chan error, 1)
	go func() { done <- p.group.Wait() }()
	select {
	case err := <-done:
		if err != nil && !errors.Is(err, context.Canceled) {
			p.log.Warn("pipeline goroutine error", "error", err)
		}
	case <-time.After(3 * time.Second):
		p.log.Warn("shutdown deadline exceeded")
	}

	if pkts, err := p.videoEnc.Flush(); err == nil {
		lastIndex := p.pacer.FramesEmitted()
		for _, pkt := range pkts {
			_ = p.muxer.WriteVideo(pkt, lastIndex)
			lastIndex++
		}
	}
	if pkts, err := p.audioEnc.Flush(); err == nil {
		ptsInFrames := p.audio.FramesEmitted()
		for _, pkt := range pkts {
			_ = p.muxer.WriteAudio(pkt, ptsInFrames)
			ptsInFrames += int64(pkt.NumSamples)
		}
	}
	if err := p.muxer.Close(); err != nil {
		p.log.Warn("muxer close failed", "error", err)
	}

	p.setState(StateStopped)
	p.log.Info("pipeline stopped", "run_id", p.runID)
	return nil
}
