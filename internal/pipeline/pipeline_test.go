package pipeline

import (
	"errors"
	"testing"
	"time"

	"github.com/zsiec/deskstream/internal/avmedia"
	"github.com/zsiec/deskstream/internal/encoder"
	"github.com/zsiec/deskstream/internal/framering"
	"github.com/zsiec/deskstream/internal/mux"
	"github.com/zsiec/deskstream/internal/pcmbuf"
)

type fakeVideoEncoder struct {
	initErr    error
	encodeErr  error
	extradata  []byte
	forced     bool
	encodeCall int
}

func (e *fakeVideoEncoder) Initialize(encoder.VideoParams) (avmedia.CodecConfig, error) {
	if e.initErr != nil {
		return avmedia.CodecConfig{}, e.initErr
	}
	return avmedia.CodecConfig{Extradata: e.extradata}, nil
}

func (e *fakeVideoEncoder) EncodeVideo(frame framering.RawVideoFrame, frameIndex int64) ([]avmedia.EncodedPacket, error) {
	e.encodeCall++
	if e.encodeErr != nil {
		return nil, e.encodeErr
	}
	keyframe := e.forced
	e.forced = false
	return []avmedia.EncodedPacket{{Data: frame.Data, FrameIndex: frameIndex, IsKeyframe: keyframe}}, nil
}

func (e *fakeVideoEncoder) ForceKeyframe()                                { e.forced = true }
func (e *fakeVideoEncoder) Flush() ([]avmedia.EncodedPacket, error)       { return nil, nil }
func (e *fakeVideoEncoder) CodecName() string                            { return "fake264" }
func (e *fakeVideoEncoder) RequiresExclusiveThread() bool                { return false }

type fakeAudioEncoder struct {
	initErr   error
	extradata []byte
}

func (e *fakeAudioEncoder) Initialize(encoder.AudioParams) (avmedia.CodecConfig, error) {
	if e.initErr != nil {
		return avmedia.CodecConfig{}, e.initErr
	}
	return avmedia.CodecConfig{Extradata: e.extradata}, nil
}

func (e *fakeAudioEncoder) EncodeAudio(block avmedia.AudioOutputBlock) ([]avmedia.EncodedPacket, error) {
	return []avmedia.EncodedPacket{{Data: []byte{1}, PTSInFrames: block.PTSInFrames, NumSamples: avmedia.FrameSize}}, nil
}

func (e *fakeAudioEncoder) Flush() ([]avmedia.EncodedPacket, error) { return nil, nil }
func (e *fakeAudioEncoder) CodecName() string                      { return "fakeaac" }

type fakeMuxer struct {
	openParams  mux.Params
	opened      bool
	videoWrites int
	audioWrites int
	closed      bool
	writeErr    error
}

func (m *fakeMuxer) Open(params mux.Params) error {
	m.opened = true
	m.openParams = params
	return nil
}

func (m *fakeMuxer) WriteVideo(avmedia.EncodedPacket, int64) error {
	if m.writeErr != nil {
		return m.writeErr
	}
	m.videoWrites++
	return nil
}

func (m *fakeMuxer) WriteAudio(avmedia.EncodedPacket, int64) error {
	if m.writeErr != nil {
		return m.writeErr
	}
	m.audioWrites++
	return nil
}

func (m *fakeMuxer) Close() error {
	m.closed = true
	return nil
}

func newTestPipeline() (*Pipeline, *fakeVideoEncoder, *fakeAudioEncoder, *fakeMuxer) {
	ring := framering.New(4)
	pcm := pcmbuf.New(200)
	ve := &fakeVideoEncoder{extradata: []byte{0x01, 0x64, 0x00, 0x1f}}
	ae := &fakeAudioEncoder{extradata: []byte{0x11, 0x90}}
	p := New(ring, pcm, ve, ae)
	fm := &fakeMuxer{}
	p.muxer = fm
	return p, ve, ae, fm
}

func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Width, cfg.Height = 1280, 720
	cfg.OutputIsStream = false
	return cfg
}

func TestInitializeFileModeRequiresMuxerPreset(t *testing.T) {
	t.Parallel()
	ring := framering.New(4)
	pcm := pcmbuf.New(200)
	p := New(ring, pcm, &fakeVideoEncoder{}, &fakeAudioEncoder{})
	// No muxer wired before Initialize.
	if err := p.Initialize(testConfig()); err == nil {
		t.Error("Initialize() in file mode with no muxer = nil error, want error")
	}
	if p.State() != StateFailed {
		t.Errorf("State() = %v, want StateFailed", p.State())
	}
}

func TestInitializeRejectsZeroFPS(t *testing.T) {
	t.Parallel()
	p, _, _, _ := newTestPipeline()
	cfg := testConfig()
	cfg.FPS = 0
	err := p.Initialize(cfg)
	var cfgErr *ConfigError
	if !errors.As(err, &cfgErr) {
		t.Fatalf("Initialize() error = %v, want *ConfigError", err)
	}
}

func TestInitializeRejectsZeroDimensions(t *testing.T) {
	t.Parallel()
	p, _, _, _ := newTestPipeline()
	cfg := testConfig()
	cfg.Width = 0
	if err := p.Initialize(cfg); err == nil {
		t.Error("Initialize() with width=0 = nil error, want error")
	}
}

func TestInitializeOpensMuxerAndForcesKeyframe(t *testing.T) {
	t.Parallel()
	p, ve, _, fm := newTestPipeline()
	if err := p.Initialize(testConfig()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if !fm.opened {
		t.Error("muxer.Open() was not called")
	}
	if !ve.forced {
		t.Error("video encoder ForceKeyframe() was not called at Initialize")
	}
	if p.State() != StateRunning {
		t.Errorf("State() after Initialize = %v, want StateRunning", p.State())
	}
}

func TestInitializeFailsOnVideoEncoderError(t *testing.T) {
	t.Parallel()
	ring := framering.New(4)
	pcm := pcmbuf.New(200)
	ve := &fakeVideoEncoder{initErr: errors.New("boom")}
	p := New(ring, pcm, ve, &fakeAudioEncoder{})
	p.muxer = &fakeMuxer{}
	if err := p.Initialize(testConfig()); err == nil {
		t.Error("Initialize() with failing video encoder = nil error, want error")
	}
	if p.State() != StateFailed {
		t.Errorf("State() = %v, want StateFailed", p.State())
	}
}

func TestInitializeTwiceErrors(t *testing.T) {
	t.Parallel()
	p, _, _, _ := newTestPipeline()
	if err := p.Initialize(testConfig()); err != nil {
		t.Fatalf("first Initialize() error = %v", err)
	}
	if err := p.Initialize(testConfig()); err == nil {
		t.Error("second Initialize() (state already Running) = nil error, want error")
	}
}

func TestStartRequiresRunningState(t *testing.T) {
	t.Parallel()
	p, _, _, _ := newTestPipeline()
	if err := p.Start(); err == nil {
		t.Error("Start() before Initialize() = nil error, want error")
	}
}

func TestOnVideoFrameWritesPacketAndIncrementsStats(t *testing.T) {
	t.Parallel()
	p, _, _, fm := newTestPipeline()
	if err := p.Initialize(testConfig()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	p.onVideoFrame(framering.RawVideoFrame{Data: []byte{1, 2, 3}}, 0)

	stats := p.GetStatistics()
	if stats.VideoFrames != 1 {
		t.Errorf("VideoFrames = %d, want 1", stats.VideoFrames)
	}
	if stats.VideoPackets != 1 {
		t.Errorf("VideoPackets = %d, want 1", stats.VideoPackets)
	}
	if fm.videoWrites != 1 {
		t.Errorf("muxer.videoWrites = %d, want 1", fm.videoWrites)
	}
}

func TestOnVideoFrameSkipsStatsOnWriteError(t *testing.T) {
	t.Parallel()
	p, _, _, fm := newTestPipeline()
	if err := p.Initialize(testConfig()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	fm.writeErr = errors.New("write failed")

	p.onVideoFrame(framering.RawVideoFrame{Data: []byte{1}}, 0)

	stats := p.GetStatistics()
	if stats.VideoFrames != 1 {
		t.Errorf("VideoFrames = %d, want 1 (frame attempt still counted)", stats.VideoFrames)
	}
	if stats.VideoPackets != 0 {
		t.Errorf("VideoPackets = %d, want 0 (write failed)", stats.VideoPackets)
	}
}

func TestOnAudioBlockWritesPacketAndIncrementsStats(t *testing.T) {
	t.Parallel()
	p, _, _, fm := newTestPipeline()
	if err := p.Initialize(testConfig()); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}

	p.onAudioBlock(avmedia.AudioOutputBlock{Data: make([]float32, avmedia.FrameSize*avmedia.Channels)})

	stats := p.GetStatistics()
	if stats.AudioPackets != 1 {
		t.Errorf("AudioPackets = %d, want 1", stats.AudioPackets)
	}
	if fm.audioWrites != 1 {
		t.Errorf("muxer.audioWrites = %d, want 1", fm.audioWrites)
	}
}

func TestInjectFramePushesIntoRing(t *testing.T) {
	t.Parallel()
	p, _, _, _ := newTestPipeline()
	p.InjectFrame(framering.RawVideoFrame{Width: 7, Height: 7})
	f, ok := p.ring.Latest()
	if !ok || f.Width != 7 {
		t.Errorf("InjectFrame() did not land in the ring: got %+v, ok=%v", f, ok)
	}
}

func TestIsConnectedTrueWithoutSender(t *testing.T) {
	t.Parallel()
	p, _, _, _ := newTestPipeline()
	if !p.IsConnected() {
		t.Error("IsConnected() with nil sender = false, want true (file mode)")
	}
}

func TestIsBackpressureFalseWithoutQueue(t *testing.T) {
	t.Parallel()
	p, _, _, _ := newTestPipeline()
	if p.IsBackpressure() {
		t.Error("IsBackpressure() with nil queue = true, want false (file mode)")
	}
}

func TestStartStopFullLifecycle(t *testing.T) {
	t.Parallel()
	p, _, _, fm := newTestPipeline()
	cfg := testConfig()
	cfg.FPS = 30
	if err := p.Initialize(cfg); err != nil {
		t.Fatalf("Initialize() error = %v", err)
	}
	if err := p.Start(); err != nil {
		t.Fatalf("Start() error = %v", err)
	}
	if !p.IsRunning() {
		t.Error("IsRunning() after Start() = false, want true")
	}

	time.Sleep(80 * time.Millisecond)

	if err := p.Stop(); err != nil {
		t.Fatalf("Stop() error = %v", err)
	}
	if p.State() != StateStopped {
		t.Errorf("State() after Stop() = %v, want StateStopped", p.State())
	}
	if !fm.closed {
		t.Error("muxer.Close() was not called by Stop()")
	}
}

func TestStopWithoutStartIsNoop(t *testing.T) {
	t.Parallel()
	p, _, _, _ := newTestPipeline()
	if err := p.Stop(); err != nil {
		t.Errorf("Stop() before Start() error = %v, want nil", err)
	}
	if p.State() != StateIdle {
		t.Errorf("State() after Stop() without Start() = %v, want StateIdle (unchanged)", p.State())
	}
}

func TestStateStringValues(t *testing.T) {
	t.Parallel()
	cases := map[State]string{
		StateIdle:         "idle",
		StateInitializing: "initializing",
		StateRunning:      "running",
		StateDraining:     "draining",
		StateStopped:      "stopped",
		StateFailed:       "failed",
		State(99):         "unknown",
	}
	for state, want := range cases {
		if got := state.String(); got != want {
			t.Errorf("State(%d).String() = %q, want %q", state, got, want)
		}
	}
}
