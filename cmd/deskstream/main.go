// Command deskstream is a demonstration host for the pipeline: it
// drives a synthetic capture source (solid-color frames, sine-wave PCM)
// through Pipeline and writes either a local MP4 file or an RTMP/FLV
// live stream, depending on OUTPUT. Bootstrap follows prism's
// cmd/prism/main.go idiom: slog to stderr, env-var configuration,
// signal-driven shutdown via errgroup.
package main

import (
	"context"
	"log/slog"
	"math"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/zsiec/deskstream/internal/avmedia"
	"github.com/zsiec/deskstream/internal/encoder"
	"github.com/zsiec/deskstream/internal/framering"
	"github.com/zsiec/deskstream/internal/mux/filemux"
	"github.com/zsiec/deskstream/internal/pcmbuf"
	"github.com/zsiec/deskstream/internal/pipeline"
	"github.com/zsiec/deskstream/internal/telemetry"
)

func main() {
	level := slog.LevelInfo
	if os.Getenv("DEBUG") != "" {
		level = slog.LevelDebug
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		slog.Info("received signal, shutting down", "signal", sig)
		cancel()
	}()

	width := envInt("WIDTH", 1280)
	height := envInt("HEIGHT", 720)
	fps := envInt("FPS", 30)
	metricsAddr := envOr("METRICS_ADDR", ":9090")
	outputMode := envOr("OUTPUT", "file")
	filePath := envOr("FILE_PATH", "deskstream-output.mp4")
	rtmpAddr := envOr("RTMP_ADDR", "127.0.0.1:1935")
	rtmpApp := envOr("RTMP_APP", "live")
	rtmpKey := envOr("RTMP_STREAM_KEY", "deskstream")

	ring := framering.New(4)
	pcm := pcmbuf.New(200)
	videoEnc := encoder.NewSoftwareVideoEncoder(60)
	audioEnc := encoder.NewSoftwareAudioEncoder()

	p := pipeline.New(ring, pcm, videoEnc, audioEnc)
	cfg := pipeline.DefaultConfig()
	cfg.Width, cfg.Height, cfg.FPS = width, height, fps
	cfg.VideoBitrate, cfg.AudioBitrate = 4_000_000, 128_000
	cfg.OutputIsStream = outputMode == "stream"
	cfg.RTMPAddr, cfg.RTMPApp, cfg.RTMPStreamKey = rtmpAddr, rtmpApp, rtmpKey

	var outFile *os.File
	if !cfg.OutputIsStream {
		f, err := os.Create(filePath)
		if err != nil {
			slog.Error("failed to create output file", "error", err)
			os.Exit(1)
		}
		outFile = f
		p.SetFileMuxer(filemux.New(f))
	}

	if err := p.Initialize(cfg); err != nil {
		slog.Error("pipeline initialize failed", "error", err)
		os.Exit(1)
	}
	if err := p.Start(); err != nil {
		slog.Error("pipeline start failed", "error", err)
		os.Exit(1)
	}

	collector, registry := telemetry.New()

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		runSyntheticCapture(gctx, ring, pcm, width, height, fps)
		return nil
	})
	g.Go(func() error {
		return telemetry.Serve(gctx, metricsAddr, registry)
	})
	g.Go(func() error {
		reportStatistics(gctx, p, collector)
		return nil
	})

	slog.Info("deskstream running", "output", outputMode, "width", width, "height", height, "fps", fps)
	<-ctx.Done()

	if err := p.Stop(); err != nil {
		slog.Warn("pipeline stop reported error", "error", err)
	}
	if outFile != nil {
		outFile.Close()
	}
	_ = g.Wait()
	slog.Info("deskstream stopped")
}

// runSyntheticCapture feeds a flat-gray frame and a 440 Hz sine PCM tone
// into the ring/buffer at the configured cadence, standing in for the
// platform capture collaborators spec.md treats as external (§1).
func runSyntheticCapture(ctx context.Context, ring *framering.Ring, pcm *pcmbuf.Buffer, width, height, fps int) {
	frameData := make([]byte, width*height*4)
	for i := range frameData {
		frameData[i] = 0x40
	}

	videoTicker := time.NewTicker(time.Second / time.Duration(fps))
	defer videoTicker.Stop()
	audioTicker := time.NewTicker(time.Duration(avmedia.FrameSize) * time.Second / time.Duration(avmedia.SampleRate))
	defer audioTicker.Stop()

	var phase float64
	const toneHz = 440.0

	for {
		select {
		case <-ctx.Done():
			return
		case <-videoTicker.C:
			ring.Push(framering.RawVideoFrame{
				Data: frameData, Width: width, Height: height,
				PixelFormat: "BGRA", CaptureNS: time.Now().UnixNano(),
			})
		case <-audioTicker.C:
			samples := make([]float32, avmedia.FrameSize*avmedia.Channels)
			for i := 0; i < avmedia.FrameSize; i++ {
				v := float32(0.2 * math.Sin(phase))
				samples[i*2] = v
				samples[i*2+1] = v
				phase += 2 * math.Pi * toneHz / float64(avmedia.SampleRate)
			}
			pcm.Feed(avmedia.PcmBlock{Source: avmedia.SourceDesktop, Data: samples, Frames: avmedia.FrameSize})
		}
	}
}

func reportStatistics(ctx context.Context, p *pipeline.Pipeline, collector *telemetry.Collector) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	var prev pipeline.Statistics
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := p.GetStatistics()
			collector.VideoFramesCaptured.Add(float64(stats.VideoFrames - prev.VideoFrames))
			collector.VideoPacketsEncoded.Add(float64(stats.VideoPackets - prev.VideoPackets))
			collector.AudioPacketsEncoded.Add(float64(stats.AudioPackets - prev.AudioPackets))
			collector.VideoPacketsDropped.Add(float64(stats.PacketsDropped - prev.PacketsDropped))
			collector.BytesSent.Add(float64(stats.BytesSent - prev.BytesSent))
			prev = stats
			if p.IsBackpressure() {
				collector.Backpressure.Set(1)
			} else {
				collector.Backpressure.Set(0)
			}
			if p.IsConnected() {
				collector.Connected.Set(1)
			} else {
				collector.Connected.Set(0)
			}
		}
	}
}

func envOr(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}
