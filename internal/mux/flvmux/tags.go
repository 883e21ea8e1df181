package flvmux

// FLV tag payload constants (ISO/IEC 14496-10 wrapped in the classic
// FLV "video/audio data" tag body, which RTMP reuses verbatim as the
// body of its Video/Audio message types -- spec.md §4.8 calls for an
// FLV-shaped writer without requiring the .flv container's own tag
// header/PreviousTagSize framing, since RTMP supplies timestamp and
// length itself).
const (
	videoCodecIDAVC  = 7
	frameTypeKey     = 1
	frameTypeInter   = 2
	avcPacketSeqHdr  = 0
	avcPacketNALU    = 1
	soundFormatAAC   = 10
	aacPacketSeqHdr  = 0
	aacPacketRaw     = 1
	soundRate44kFlag = 3 // AAC always signals this rate flag regardless of real rate
)

// buildVideoTag builds an FLV/RTMP video message body. When seqHeader
// is true, data is the AVCDecoderConfigurationRecord (avcC) and must be
// sent once, before the first NALU data tag, per spec.md invariant 6.
func buildVideoTag(seqHeader, keyframe bool, data []byte) []byte {
	frameType := frameTypeInter
	if keyframe || seqHeader {
		frameType = frameTypeKey
	}
	out := make([]byte, 5+len(data))
	out[0] = byte(frameType<<4) | videoCodecIDAVC
	if seqHeader {
		out[1] = avcPacketSeqHdr
	} else {
		out[1] = avcPacketNALU
	}
	// composition time (PTS - DTS), always 0: the pipeline never
	// reorders video (spec.md §4.6 keeps encode order == capture order).
	out[2], out[3], out[4] = 0, 0, 0
	copy(out[5:], data)
	return out
}

// buildAudioTag builds an FLV/RTMP audio message body. When seqHeader
// is true, data is the AAC AudioSpecificConfig and must be sent once,
// before the first raw-frame data tag.
func buildAudioTag(seqHeader bool, data []byte) []byte {
	out := make([]byte, 2+len(data))
	out[0] = byte(soundFormatAAC<<4) | byte(soundRate44kFlag<<2) | (1 << 1) | 1 // 16-bit stereo
	if seqHeader {
		out[1] = aacPacketSeqHdr
	} else {
		out[1] = aacPacketRaw
	}
	copy(out[2:], data)
	return out
}

// usToMs converts a microsecond DTS into the millisecond timestamp RTMP
// message headers carry; negative values map to 0. Truncation (not rounding) matches how most RTMP encoders
// compute the running timestamp from a wall/PTS clock.
func usToMs(us int64) uint32 {
	if us < 0 {
		return 0
	}
	return uint32(us / 1000)
}
