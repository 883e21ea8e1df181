package pcmbuf

import (
	"testing"

	"github.com/zsiec/deskstream/internal/avmedia"
)

func samples(n int, v float32) []float32 {
	s := make([]float32, n*avmedia.Channels)
	for i := range s {
		s[i] = v
	}
	return s
}

func TestNewDefaultsHighWaterMark(t *testing.T) {
	t.Parallel()
	b := New(0)
	if b.highWaterF != 200*avmedia.SampleRate/1000 {
		t.Errorf("New(0) highWaterF = %d, want default 200ms worth", b.highWaterF)
	}
}

func TestFeedAndAvailable(t *testing.T) {
	t.Parallel()
	b := New(200)
	b.Feed(avmedia.PcmBlock{Source: avmedia.SourceDesktop, Data: samples(100, 1), Frames: 100})
	if got := b.Available(avmedia.SourceDesktop); got != 100 {
		t.Errorf("Available() = %d, want 100", got)
	}
	if got := b.Available(avmedia.SourceMic); got != 0 {
		t.Errorf("Available(mic) = %d, want 0 (independent sources)", got)
	}
}

func TestFeedDropsOldestOnOverflow(t *testing.T) {
	t.Parallel()
	// 10ms high water at 48kHz = 480 frames.
	b := New(10)
	b.Feed(avmedia.PcmBlock{Source: avmedia.SourceDesktop, Data: samples(300, 1), Frames: 300})
	b.Feed(avmedia.PcmBlock{Source: avmedia.SourceDesktop, Data: samples(300, 2), Frames: 300})

	avail := b.Available(avmedia.SourceDesktop)
	if avail > 480 {
		t.Fatalf("Available() = %d, want <= 480 high-water frames", avail)
	}

	dst := make([]float32, avail*avmedia.Channels)
	b.Consume(avmedia.SourceDesktop, avail, dst)
	// The oldest (value-1) samples should have been dropped; the tail of
	// the buffer is all value-2 samples.
	if dst[len(dst)-1] != 2 {
		t.Errorf("last retained sample = %v, want 2 (newest data retained)", dst[len(dst)-1])
	}
}

func TestConsumeZeroFillsShortfall(t *testing.T) {
	t.Parallel()
	b := New(200)
	b.Feed(avmedia.PcmBlock{Source: avmedia.SourceMic, Data: samples(10, 5), Frames: 10})

	dst := make([]float32, 20*avmedia.Channels)
	nonSilence := b.Consume(avmedia.SourceMic, 20, dst)

	if nonSilence != 10 {
		t.Errorf("Consume() nonSilence = %d, want 10", nonSilence)
	}
	for i := 0; i < 10*avmedia.Channels; i++ {
		if dst[i] != 5 {
			t.Fatalf("dst[%d] = %v, want 5 (real data)", i, dst[i])
		}
	}
	for i := 10 * avmedia.Channels; i < len(dst); i++ {
		if dst[i] != 0 {
			t.Fatalf("dst[%d] = %v, want 0 (zero-fill)", i, dst[i])
		}
	}
}

func TestConsumeDrainsQueue(t *testing.T) {
	t.Parallel()
	b := New(200)
	b.Feed(avmedia.PcmBlock{Source: avmedia.SourceDesktop, Data: samples(10, 1), Frames: 10})

	dst := make([]float32, 10*avmedia.Channels)
	b.Consume(avmedia.SourceDesktop, 10, dst)

	if got := b.Available(avmedia.SourceDesktop); got != 0 {
		t.Errorf("Available() after full consume = %d, want 0", got)
	}
}

func TestConsumePanicsOnUndersizedDst(t *testing.T) {
	t.Parallel()
	defer func() {
		if recover() == nil {
			t.Error("Consume() with undersized dst did not panic")
		}
	}()
	b := New(200)
	dst := make([]float32, 1)
	b.Consume(avmedia.SourceDesktop, 10, dst)
}
