package audioengine

import (
	"context"
	"testing"
	"time"

	"github.com/zsiec/deskstream/internal/avmedia"
)

type fakePcmSource struct {
	data map[avmedia.Source][]float32
}

func newFakePcmSource() *fakePcmSource {
	return &fakePcmSource{data: make(map[avmedia.Source][]float32)}
}

func (f *fakePcmSource) Available(source avmedia.Source) int {
	return len(f.data[source]) / avmedia.Channels
}

func (f *fakePcmSource) Consume(source avmedia.Source, count int, dst []float32) int {
	q := f.data[source]
	need := count * avmedia.Channels
	take := len(q)
	if take > need {
		take = need
	}
	copy(dst[:take], q[:take])
	for i := take; i < len(dst); i++ {
		dst[i] = 0
	}
	f.data[source] = q[take:]
	return take / avmedia.Channels
}

func TestTickAdvancesFramesEmitted(t *testing.T) {
	t.Parallel()
	e := New(newFakePcmSource(), DefaultGains())
	if e.FramesEmitted() != 0 {
		t.Fatalf("FramesEmitted() initial = %d, want 0", e.FramesEmitted())
	}
	block := e.Tick()
	if block.PTSInFrames != 0 {
		t.Errorf("first block PTSInFrames = %d, want 0", block.PTSInFrames)
	}
	if e.FramesEmitted() != avmedia.FrameSize {
		t.Errorf("FramesEmitted() after one tick = %d, want %d", e.FramesEmitted(), avmedia.FrameSize)
	}

	block2 := e.Tick()
	if block2.PTSInFrames != avmedia.FrameSize {
		t.Errorf("second block PTSInFrames = %d, want %d", block2.PTSInFrames, avmedia.FrameSize)
	}
}

func TestTickAppliesGainsAndClamps(t *testing.T) {
	t.Parallel()
	src := newFakePcmSource()
	full := make([]float32, avmedia.FrameSize*avmedia.Channels)
	for i := range full {
		full[i] = 1.0
	}
	src.data[avmedia.SourceDesktop] = append([]float32{}, full...)
	src.data[avmedia.SourceMic] = append([]float32{}, full...)

	e := New(src, Gains{Desktop: 1.0, Mic: 1.2})
	block := e.Tick()
	for i, v := range block.Data {
		if v != 1.0 {
			t.Fatalf("block.Data[%d] = %v, want clamped to 1.0", i, v)
			break
		}
	}
}

func TestTickSilenceWhenSourceEmpty(t *testing.T) {
	t.Parallel()
	e := New(newFakePcmSource(), DefaultGains())
	block := e.Tick()
	for i, v := range block.Data {
		if v != 0 {
			t.Fatalf("block.Data[%d] = %v, want 0 (silence from empty sources)", i, v)
		}
	}
}

func TestClamp(t *testing.T) {
	t.Parallel()
	if got := clamp(2.0, -1, 1); got != 1 {
		t.Errorf("clamp(2.0) = %v, want 1", got)
	}
	if got := clamp(-2.0, -1, 1); got != -1 {
		t.Errorf("clamp(-2.0) = %v, want -1", got)
	}
	if got := clamp(0.5, -1, 1); got != 0.5 {
		t.Errorf("clamp(0.5) = %v, want 0.5", got)
	}
}

func TestRunEmitsBlocksUntilCancel(t *testing.T) {
	t.Parallel()
	e := New(newFakePcmSource(), DefaultGains())
	ctx, cancel := context.WithCancel(context.Background())

	var count int
	done := make(chan struct{})
	go func() {
		e.Run(ctx, 2, func(avmedia.AudioOutputBlock) { count++ })
		close(done)
	}()

	time.Sleep(100 * time.Millisecond)
	cancel()
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("Run() did not return after context cancellation")
	}
	if count == 0 {
		t.Error("Run() emitted 0 blocks in 100ms, want at least 1")
	}
}
