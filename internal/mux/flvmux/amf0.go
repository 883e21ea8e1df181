package flvmux

import (
	"bytes"
	"encoding/binary"
	"math"
)

// AMF0 type markers (used by RTMP command messages: connect,
// createStream, publish, and the onMetaData script-data tag).
const (
	amf0Number     = 0x00
	amf0Boolean    = 0x01
	amf0String     = 0x02
	amf0Object     = 0x03
	amf0Null       = 0x05
	amf0ECMAArray  = 0x08
	amf0ObjectEnd  = 0x09
	amf0StrictArr  = 0x0A
	amf0ObjectEndM = 0x000009 // 00 00 09 end-of-object marker
)

// amf0Encoder builds a sequence of AMF0-encoded values, used for RTMP
// command messages (connect/createStream/publish) and onMetaData.
type amf0Encoder struct {
	buf bytes.Buffer
}

func (e *amf0Encoder) Number(v float64) *amf0Encoder {
	e.buf.WriteByte(amf0Number)
	var bits [8]byte
	binary.BigEndian.PutUint64(bits[:], math.Float64bits(v))
	e.buf.Write(bits[:])
	return e
}

func (e *amf0Encoder) Boolean(v bool) *amf0Encoder {
	e.buf.WriteByte(amf0Boolean)
	if v {
		e.buf.WriteByte(1)
	} else {
		e.buf.WriteByte(0)
	}
	return e
}

func (e *amf0Encoder) String(s string) *amf0Encoder {
	e.buf.WriteByte(amf0String)
	e.writeRawString(s)
	return e
}

func (e *amf0Encoder) Null() *amf0Encoder {
	e.buf.WriteByte(amf0Null)
	return e
}

// Object writes an AMF0 object from keys in the given order (AMF0
// objects are conceptually unordered, but RTMP peers are more tolerant
// of servers that echo a stable key order back).
func (e *amf0Encoder) Object(keys []string, values map[string]any) *amf0Encoder {
	e.buf.WriteByte(amf0Object)
	for _, k := range keys {
		e.writeRawString(k)
		e.writeValue(values[k])
	}
	e.buf.Write([]byte{0x00, 0x00, amf0ObjectEnd})
	return e
}

func (e *amf0Encoder) writeValue(v any) {
	switch t := v.(type) {
	case float64:
		e.Number(t)
	case int:
		e.Number(float64(t))
	case bool:
		e.Boolean(t)
	case string:
		e.String(t)
	case nil:
		e.Null()
	default:
		e.Null()
	}
}

func (e *amf0Encoder) writeRawString(s string) {
	var l [2]byte
	binary.BigEndian.PutUint16(l[:], uint16(len(s)))
	e.buf.Write(l[:])
	e.buf.WriteString(s)
}

func (e *amf0Encoder) Bytes() []byte { return e.buf.Bytes() }

// encodeConnectCommand builds the AMF0 body of an RTMP "connect"
// command, used to open an application on the target server.
func encodeConnectCommand(transactionID float64, app, tcURL string) []byte {
	e := &amf0Encoder{}
	e.String("connect")
	e.Number(transactionID)
	e.Object([]string{"app", "type", "flashVer", "tcUrl"}, map[string]any{
		"app":      app,
		"type":     "nonprivate",
		"flashVer": "deskstream/1.0",
		"tcUrl":    tcURL,
	})
	return e.Bytes()
}

// encodeCreateStreamCommand builds the AMF0 body of an RTMP
// "createStream" command.
func encodeCreateStreamCommand(transactionID float64) []byte {
	e := &amf0Encoder{}
	e.String("createStream")
	e.Number(transactionID)
	e.Null()
	return e.Bytes()
}

// encodePublishCommand builds the AMF0 body of an RTMP "publish"
// command for a live stream named streamKey.
func encodePublishCommand(transactionID float64, streamKey string) []byte {
	e := &amf0Encoder{}
	e.String("publish")
	e.Number(transactionID)
	e.Null()
	e.String(streamKey)
	e.String("live")
	return e.Bytes()
}

// encodeOnMetaData builds the AMF0 body of an onMetaData script-data
// message describing the stream's codec parameters to the receiver.
func encodeOnMetaData(width, height, fps int, audioSampleRate, audioChannels int) []byte {
	e := &amf0Encoder{}
	e.String("onMetaData")
	e.buf.WriteByte(amf0ECMAArray)
	var count [4]byte
	binary.BigEndian.PutUint32(count[:], 7)
	e.buf.Write(count[:])
	write := func(k string, v any) {
		e.writeRawString(k)
		e.writeValue(v)
	}
	write("width", float64(width))
	write("height", float64(height))
	write("framerate", float64(fps))
	write("videocodecid", float64(7)) // AVC
	write("audiosamplerate", float64(audioSampleRate))
	write("audiocodecid", float64(10)) // AAC
	write("stereo", audioChannels >= 2)
	e.buf.Write([]byte{0x00, 0x00, amf0ObjectEnd})
	return e.Bytes()
}
