package filemux

import (
	"github.com/zsiec/deskstream/internal/mux"
)

// ftypBox: isom/mp42 brands, no edit lists, no fragmentation needed for
// a single finished local recording.
func buildFtyp() []byte {
	b := newBox()
	b.Start("ftyp")
	b.raw([]byte("isom"))
	b.u32(512)
	b.raw([]byte("isom"))
	b.raw([]byte("mp42"))
	b.End()
	return b.bytes()
}

// buildMdat lays out all video samples contiguously followed by all
// audio samples, returning the full mdat box bytes and each sample's
// absolute file offset (ftyp size + mdat header + in-payload offset)
// for the stco chunk-offset tables.
func buildMdat(video, audio []sample) (mdatBytes []byte, videoOffsets, audioOffsets []uint32) {
	ftypSize := uint32(len(buildFtyp()))
	const mdatHeaderSize = 8

	b := newBox()
	b.Start("mdat")

	base := ftypSize + mdatHeaderSize
	videoOffsets = make([]uint32, len(video))
	for i, s := range video {
		videoOffsets[i] = base + uint32(b.buf.Len()-4-4) // subtract the 4+4 header bytes already written by Start
		b.raw(s.data)
	}
	audioOffsets = make([]uint32, len(audio))
	for i, s := range audio {
		audioOffsets[i] = base + uint32(b.buf.Len()-4-4)
		b.raw(s.data)
	}

	b.End()
	return b.bytes(), videoOffsets, audioOffsets
}

func buildMoov(params mux.Params, videoTimescale int64, video, audio []sample, videoOffsets, audioOffsets []uint32) []byte {
	b := newBox()
	b.Start("moov")

	videoDuration := sumDuration(video)
	audioDuration := sumDuration(audio)
	movieTimescale := uint32(1000)
	movieDuration := maxU32(
		scaleDuration(videoDuration, uint32(videoTimescale), movieTimescale),
		scaleDuration(audioDuration, uint32(params.AudioSampleRate), movieTimescale),
	)

	writeMvhd(b, movieTimescale, movieDuration)
	writeVideoTrak(b, params, uint32(videoTimescale), video, videoOffsets)
	writeAudioTrak(b, params, video, audio, audioOffsets)

	b.End()
	return b.bytes()
}

func sumDuration(samples []sample) uint32 {
	var total uint32
	for _, s := range samples {
		total += s.durationTk
	}
	return total
}

func scaleDuration(duration, srcTimescale, dstTimescale uint32) uint32 {
	if srcTimescale == 0 {
		return 0
	}
	return uint32(uint64(duration) * uint64(dstTimescale) / uint64(srcTimescale))
}

func maxU32(a, b uint32) uint32 {
	if a > b {
		return a
	}
	return b
}

func writeMvhd(b *box, timescale, duration uint32) {
	b.Start("mvhd")
	b.fullBox(0, 0)
	b.u32(0) // creation_time
	b.u32(0) // modification_time
	b.u32(timescale)
	b.u32(duration)
	b.u32(0x00010000) // rate 1.0
	b.u16(0x0100)     // volume 1.0
	b.u16(0)          // reserved
	b.u32(0)
	b.u32(0)
	for _, v := range identityMatrix {
		b.u32(v)
	}
	for i := 0; i < 6; i++ {
		b.u32(0) // pre_defined
	}
	b.u32(3) // next_track_ID
	b.End()
}

var identityMatrix = [9]uint32{0x00010000, 0, 0, 0, 0x00010000, 0, 0, 0, 0x40000000}

func writeTkhd(b *box, trackID, timescale uint32, duration uint32, width, height uint16, movieTimescale uint32) {
	b.Start("tkhd")
	b.fullBox(0, 0x000007) // enabled | in movie | in preview
	b.u32(0)               // creation_time
	b.u32(0)               // modification_time
	b.u32(trackID)
	b.u32(0) // reserved
	b.u32(scaleDuration(duration, timescale, movieTimescale))
	b.u64(0) // reserved
	b.u16(0) // layer
	b.u16(0) // alternate_group
	b.u16(0) // volume (written as 0 for every track, audio included)
	b.u16(0) // reserved
	for _, v := range identityMatrix {
		b.u32(v)
	}
	b.u32(uint32(width) << 16)
	b.u32(uint32(height) << 16)
	b.End()
}

func writeVideoTrak(b *box, params mux.Params, timescale uint32, samples []sample, offsets []uint32) {
	b.Start("trak")
	writeTkhd(b, 1, timescale, sumDuration(samples), uint16(params.VideoWidth), uint16(params.VideoHeight), 1000)

	b.Start("mdia")
	writeMdhd(b, timescale, sumDuration(samples))
	writeHdlr(b, "vide", "deskstream video handler")

	b.Start("minf")
	b.Start("vmhd")
	b.fullBox(0, 1)
	b.u16(0) // graphicsmode
	b.u16(0)
	b.u16(0)
	b.u16(0) // opcolor
	b.End()
	writeDinf(b)

	b.Start("stbl")
	writeStsdAVC1(b, params)
	writeStts(b, samples)
	writeStss(b, samples)
	writeStscOnePerChunk(b, len(samples))
	writeStsz(b, samples)
	writeStco(b, offsets)
	b.End() // stbl
	b.End() // minf
	b.End() // mdia
	b.End() // trak
}

func writeAudioTrak(b *box, params mux.Params, video, audio []sample, offsets []uint32) {
	timescale := uint32(params.AudioSampleRate)
	b.Start("trak")
	writeTkhd(b, 2, timescale, sumDuration(audio), 0, 0, 1000)

	b.Start("mdia")
	writeMdhd(b, timescale, sumDuration(audio))
	writeHdlr(b, "soun", "deskstream audio handler")

	b.Start("minf")
	b.Start("smhd")
	b.fullBox(0, 0)
	b.u16(0) // balance
	b.u16(0)
	b.End()
	writeDinf(b)

	b.Start("stbl")
	writeStsdMP4A(b, params)
	writeStts(b, audio)
	writeStscOnePerChunk(b, len(audio))
	writeStsz(b, audio)
	writeStco(b, offsets)
	b.End()
	b.End()
	b.End()
	b.End()
}

func writeMdhd(b *box, timescale, duration uint32) {
	b.Start("mdhd")
	b.fullBox(0, 0)
	b.u32(0) // creation_time
	b.u32(0) // modification_time
	b.u32(timescale)
	b.u32(duration)
	b.u16(0x55c4) // language "und"
	b.u16(0)      // pre_defined
	b.End()
}

func writeHdlr(b *box, handlerType, name string) {
	b.Start("hdlr")
	b.fullBox(0, 0)
	b.u32(0) // pre_defined
	b.raw([]byte(handlerType))
	b.u32(0)
	b.u32(0)
	b.u32(0)
	b.raw([]byte(name))
	b.u8(0) // NUL-terminate
	b.End()
}

func writeDinf(b *box) {
	b.Start("dinf")
	b.Start("dref")
	b.fullBox(0, 0)
	b.u32(1) // entry_count
	b.Start("url ")
	b.fullBox(0, 1) // flags=1: media data is in the same file
	b.End()
	b.End() // dref
	b.End() // dinf
}

func writeStsdAVC1(b *box, params mux.Params) {
	b.Start("stsd")
	b.fullBox(0, 0)
	b.u32(1) // entry_count
	b.Start("avc1")
	b.u32(0) // reserved[6] (first 4 of 6)
	b.u16(0) // reserved[6] (last 2 of 6)
	b.u16(1) // data_reference_index
	b.u16(0) // pre_defined
	b.u16(0) // reserved
	b.u32(0) // pre_defined[3]
	b.u32(0)
	b.u32(0)
	b.u16(uint16(params.VideoWidth))
	b.u16(uint16(params.VideoHeight))
	b.u32(0x00480000) // horizresolution 72dpi
	b.u32(0x00480000) // vertresolution 72dpi
	b.u32(0)          // reserved
	b.u16(1)          // frame_count
	for i := 0; i < 32; i++ {
		b.u8(0) // compressorname
	}
	b.u16(0x0018) // depth
	b.u16(0xFFFF) // pre_defined
	b.Start("avcC")
	b.raw(params.VideoExtradata)
	b.End()
	b.End() // avc1
	b.End() // stsd
}

func writeStsdMP4A(b *box, params mux.Params) {
	b.Start("stsd")
	b.fullBox(0, 0)
	b.u32(1) // entry_count
	b.Start("mp4a")
	b.u32(0) // reserved[6]
	b.u16(0)
	b.u16(1) // data_reference_index
	b.u16(0) // version
	b.u16(0) // revision_level
	b.u32(0) // vendor
	b.u16(uint16(params.AudioChannels))
	b.u16(16) // sample_size
	b.u16(0)  // pre_defined
	b.u16(0)  // reserved
	b.u32(uint32(params.AudioSampleRate) << 16)
	writeEsds(b, params.AudioExtradata)
	b.End() // mp4a
	b.End() // stsd
}

func writeEsds(b *box, asc []byte) {
	b.Start("esds")
	b.fullBox(0, 0)
	// ES_Descriptor (tag 0x03): ES_ID+flags(3) + DecoderConfigDescriptor
	// full(2+13+DecoderSpecificInfo full(2+len(asc))) + SLConfigDescriptor
	// full(2+1).
	b.u8(0x03)
	writeDescriptorLength(b, 3+(2+13+2+len(asc))+(2+1))
	b.u16(0) // ES_ID
	b.u8(0)  // flags
	// DecoderConfigDescriptor (tag 0x04)
	b.u8(0x04)
	writeDescriptorLength(b, 13+2+len(asc))
	b.u8(0x40) // objectTypeIndication: MPEG-4 Audio
	b.u8(0x15) // streamType (audio) << 2 | upStream | reserved
	b.u24(0)   // bufferSizeDB
	b.u32(0)   // maxBitrate
	b.u32(0)   // avgBitrate
	// DecoderSpecificInfo (tag 0x05)
	b.u8(0x05)
	writeDescriptorLength(b, len(asc))
	b.raw(asc)
	// SLConfigDescriptor (tag 0x06)
	b.u8(0x06)
	writeDescriptorLength(b, 1)
	b.u8(0x02)
	b.End()
}

func writeDescriptorLength(b *box, n int) {
	// MPEG-4 descriptor length: base-128, high bit set on all but the
	// last byte. n fits comfortably in one byte for our payload sizes,
	// but this handles larger values too.
	if n < 0x80 {
		b.u8(uint8(n))
		return
	}
	var buf []byte
	for n > 0 {
		buf = append([]byte{uint8(n & 0x7f)}, buf...)
		n >>= 7
	}
	for i := 0; i < len(buf)-1; i++ {
		b.u8(buf[i] | 0x80)
	}
	b.u8(buf[len(buf)-1])
}

func writeStts(b *box, samples []sample) {
	b.Start("stts")
	b.fullBox(0, 0)
	entries := runLengthEncodeDurations(samples)
	b.u32(uint32(len(entries)))
	for _, e := range entries {
		b.u32(e.count)
		b.u32(e.duration)
	}
	b.End()
}

type sttsEntry struct{ count, duration uint32 }

func runLengthEncodeDurations(samples []sample) []sttsEntry {
	var entries []sttsEntry
	for _, s := range samples {
		if len(entries) > 0 && entries[len(entries)-1].duration == s.durationTk {
			entries[len(entries)-1].count++
			continue
		}
		entries = append(entries, sttsEntry{count: 1, duration: s.durationTk})
	}
	return entries
}

func writeStss(b *box, samples []sample) {
	var syncIndices []uint32
	for i, s := range samples {
		if s.isSync {
			syncIndices = append(syncIndices, uint32(i+1))
		}
	}
	if len(syncIndices) == len(samples) {
		return // every sample is sync: omitting stss means "all samples are sync"
	}
	b.Start("stss")
	b.fullBox(0, 0)
	b.u32(uint32(len(syncIndices)))
	for _, idx := range syncIndices {
		b.u32(idx)
	}
	b.End()
}

func writeStscOnePerChunk(b *box, count int) {
	b.Start("stsc")
	b.fullBox(0, 0)
	if count == 0 {
		b.u32(0)
		b.End()
		return
	}
	b.u32(1)
	b.u32(1) // first_chunk
	b.u32(1) // samples_per_chunk
	b.u32(1) // sample_description_index
	b.End()
}

func writeStsz(b *box, samples []sample) {
	b.Start("stsz")
	b.fullBox(0, 0)
	b.u32(0) // sample_size == 0 means sizes follow individually
	b.u32(uint32(len(samples)))
	for _, s := range samples {
		b.u32(uint32(len(s.data)))
	}
	b.End()
}

func writeStco(b *box, offsets []uint32) {
	b.Start("stco")
	b.fullBox(0, 0)
	b.u32(uint32(len(offsets)))
	for _, off := range offsets {
		b.u32(off)
	}
	b.End()
}
