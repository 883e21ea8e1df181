package flvmux

import (
	"context"
	"testing"

	"github.com/zsiec/deskstream/internal/avmedia"
	"github.com/zsiec/deskstream/internal/mux"
)

type fakeTransport struct {
	connectErr error
	video      [][]byte
	audio      [][]byte
	metadata   [][]byte
	closed     bool
}

func (f *fakeTransport) Connect(ctx context.Context, addr string) error { return f.connectErr }
func (f *fakeTransport) WriteVideo(timestampMs uint32, tag []byte) error {
	f.video = append(f.video, tag)
	return nil
}
func (f *fakeTransport) WriteAudio(timestampMs uint32, tag []byte) error {
	f.audio = append(f.audio, tag)
	return nil
}
func (f *fakeTransport) WriteMetadata(data []byte) error {
	f.metadata = append(f.metadata, data)
	return nil
}
func (f *fakeTransport) Close() error { f.closed = true; return nil }

type fakeSink struct {
	pushed []avmedia.MuxPacket
	reject bool
}

func (s *fakeSink) TryPush(pkt avmedia.MuxPacket) (bool, string) {
	if s.reject {
		return false, "rejected"
	}
	s.pushed = append(s.pushed, pkt)
	return true, ""
}

func testParams() mux.Params {
	return mux.Params{
		VideoWidth: 1280, VideoHeight: 720, FPS: 30,
		VideoExtradata:  []byte{0x01, 0x64, 0x00, 0x1f},
		AudioSampleRate: 48000, AudioChannels: 2,
		AudioExtradata: []byte{0x11, 0x90},
	}
}

func TestOpenRequiresBothExtradata(t *testing.T) {
	t.Parallel()
	m := New(&fakeTransport{}, &fakeSink{})
	params := testParams()
	params.VideoExtradata = nil
	if err := m.Open(params); err == nil {
		t.Error("Open() with nil video extradata = nil error, want error")
	}
}

func TestOpenWritesSequenceHeadersAndMetadataDirectly(t *testing.T) {
	t.Parallel()
	transport := &fakeTransport{}
	m := New(transport, &fakeSink{})

	if err := m.Open(testParams()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if len(transport.video) != 1 {
		t.Fatalf("transport received %d video writes at Open, want 1 (the sequence header)", len(transport.video))
	}
	if len(transport.audio) != 1 {
		t.Fatalf("transport received %d audio writes at Open, want 1 (the sequence header)", len(transport.audio))
	}
	if len(transport.metadata) != 1 {
		t.Fatalf("transport received %d metadata writes at Open, want 1 (onMetaData)", len(transport.metadata))
	}
	if m.CachedVideoHeader() == nil || m.CachedAudioHeader() == nil {
		t.Error("sequence headers not cached after Open")
	}
}

func TestWriteBeforeOpenErrors(t *testing.T) {
	t.Parallel()
	m := New(&fakeTransport{}, &fakeSink{})
	if err := m.WriteVideo(avmedia.EncodedPacket{}, 0); err == nil {
		t.Error("WriteVideo() before Open() = nil error, want error")
	}
	if err := m.WriteAudio(avmedia.EncodedPacket{}, 0); err == nil {
		t.Error("WriteAudio() before Open() = nil error, want error")
	}
}

func TestWriteVideoEnqueuesIntoSink(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{}
	m := New(&fakeTransport{}, sink)
	if err := m.Open(testParams()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}

	if err := m.WriteVideo(avmedia.EncodedPacket{Data: []byte{1, 2, 3}, IsKeyframe: true}, 0); err != nil {
		t.Fatalf("WriteVideo() error = %v", err)
	}
	if len(sink.pushed) != 1 {
		t.Fatalf("sink received %d packets, want 1", len(sink.pushed))
	}
	if sink.pushed[0].Stream != avmedia.StreamVideo {
		t.Errorf("pushed packet stream = %v, want video", sink.pushed[0].Stream)
	}
}

func TestWriteVideoDropNotAnError(t *testing.T) {
	t.Parallel()
	sink := &fakeSink{reject: true}
	m := New(&fakeTransport{}, sink)
	if err := m.Open(testParams()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := m.WriteVideo(avmedia.EncodedPacket{Data: []byte{1}}, 0); err != nil {
		t.Errorf("WriteVideo() with a full sink returned an error: %v, want nil (drop is not an error)", err)
	}
}

func TestCloseWithoutOpenIsNoop(t *testing.T) {
	t.Parallel()
	transport := &fakeTransport{}
	m := New(transport, &fakeSink{})
	if err := m.Close(); err != nil {
		t.Errorf("Close() before Open() error = %v, want nil", err)
	}
	if transport.closed {
		t.Error("Close() before Open() closed the transport, want no-op")
	}
}

func TestCloseClosesTransport(t *testing.T) {
	t.Parallel()
	transport := &fakeTransport{}
	m := New(transport, &fakeSink{})
	if err := m.Open(testParams()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := m.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if !transport.closed {
		t.Error("Close() after Open() did not close the transport")
	}
}

func TestResetClearsMonotonicGuard(t *testing.T) {
	t.Parallel()
	m := New(&fakeTransport{}, &fakeSink{})
	if err := m.Open(testParams()); err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	if err := m.WriteVideo(avmedia.EncodedPacket{Data: []byte{1}}, 10); err != nil {
		t.Fatalf("WriteVideo() error = %v", err)
	}
	m.Reset()
	if err := m.WriteVideo(avmedia.EncodedPacket{Data: []byte{1}}, 0); err != nil {
		t.Errorf("WriteVideo(frameIndex=0) after Reset() error = %v, want nil", err)
	}
}
