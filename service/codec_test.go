package service

import (
	"bytes"
	"encoding/binary"
	"errors"
	"testing"

	"devicegate/models"
)

var (
	spsUnit = []byte{0x00, 0x00, 0x00, 0x01, 0x67, 0x42, 0x00, 0x0a, 0xf8, 0x41, 0xa2}
	ppsUnit = []byte{0x00, 0x00, 0x00, 0x01, 0x68, 0xce, 0x38, 0x80}
	idrUnit = []byte{0x00, 0x00, 0x00, 0x01, 0x65, 0x88, 0x84, 0x00, 0x10}
	pUnit   = []byte{0x00, 0x00, 0x00, 0x01, 0x41, 0x9a, 0x24, 0x6c}
)

// framedPacket builds one scrcpy wire packet: 8-byte pts, 4-byte length,
// payload.
func framedPacket(pts uint64, payload []byte) []byte {
	out := make([]byte, 12+len(payload))
	binary.BigEndian.PutUint64(out[0:8], pts)
	binary.BigEndian.PutUint32(out[8:12], uint32(len(payload)))
	copy(out[12:], payload)
	return out
}

// handshake builds the full dummy-byte + device-meta + codec-meta preamble.
func handshake(name string, codec, width, height uint32) []byte {
	var out []byte
	out = append(out, 0x00) // dummy byte

	nameField := make([]byte, 64)
	copy(nameField, name)
	out = append(out, nameField...)

	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], codec)
	out = append(out, u32[:]...)
	binary.BigEndian.PutUint32(u32[:], width)
	out = append(out, u32[:]...)
	binary.BigEndian.PutUint32(u32[:], height)
	out = append(out, u32[:]...)
	return out
}

func TestReadMetadataFullHandshake(t *testing.T) {
	var stream []byte
	stream = append(stream, handshake("Pixel 7", models.CodecH264, 1080, 2400)...)
	stream = append(stream, framedPacket(ptsConfigPacket, append(append([]byte{}, spsUnit...), ppsUnit...))...)
	stream = append(stream, framedPacket(ptsKeyframeFlag|1000, idrUnit)...)
	stream = append(stream, framedPacket(2000, pUnit)...)
	stream = append(stream, framedPacket(3000, pUnit)...)

	codec := NewStreamCodec(bytes.NewReader(stream), models.DefaultStreamOptions())

	meta, err := codec.ReadMetadata()
	if err != nil {
		t.Fatalf("ReadMetadata failed: %v", err)
	}
	if meta.DeviceName != "Pixel 7" {
		t.Errorf("device name = %q, want %q", meta.DeviceName, "Pixel 7")
	}
	if meta.Width != 1080 || meta.Height != 2400 {
		t.Errorf("dimensions = %dx%d, want 1080x2400", meta.Width, meta.Height)
	}
	if meta.Codec != models.CodecH264 {
		t.Errorf("codec = %#x, want h264", meta.Codec)
	}

	// Packet 1: configuration
	pkt, err := codec.ReadPacket()
	if err != nil {
		t.Fatalf("packet 1: %v", err)
	}
	if pkt.Type != models.PacketConfiguration {
		t.Errorf("packet 1 type = %v, want configuration", pkt.Type)
	}

	// Packet 2: keyframe with the flag stripped from the pts
	pkt, err = codec.ReadPacket()
	if err != nil {
		t.Fatalf("packet 2: %v", err)
	}
	if !pkt.Keyframe {
		t.Error("packet 2 should be a keyframe")
	}
	if pkt.PTS != 1000 {
		t.Errorf("packet 2 pts = %d, want 1000 (flag must be stripped)", pkt.PTS)
	}

	// Packets 3-4: plain deltas in order
	for i, wantPTS := range []uint64{2000, 3000} {
		pkt, err = codec.ReadPacket()
		if err != nil {
			t.Fatalf("packet %d: %v", i+3, err)
		}
		if pkt.Keyframe || pkt.Type != models.PacketData {
			t.Errorf("packet %d should be a plain data packet", i+3)
		}
		if pkt.PTS != wantPTS {
			t.Errorf("packet %d pts = %d, want %d", i+3, pkt.PTS, wantPTS)
		}
	}

	// Stream end surfaces ConnectionClosed.
	if _, err := codec.ReadPacket(); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("at EOF got %v, want ConnectionClosed", err)
	}
}

func TestReadMetadataLegacyDimensionFallback(t *testing.T) {
	// Legacy servers pack (width<<16)|height where the codec id would be.
	var stream []byte
	stream = append(stream, 0x00)
	nameField := make([]byte, 64)
	copy(nameField, "OldDevice")
	stream = append(stream, nameField...)
	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], 720<<16|1280)
	stream = append(stream, u32[:]...)

	codec := NewStreamCodec(bytes.NewReader(stream), models.DefaultStreamOptions())
	meta, err := codec.ReadMetadata()
	if err != nil {
		t.Fatalf("ReadMetadata failed: %v", err)
	}
	if meta.Width != 720 || meta.Height != 1280 {
		t.Errorf("dimensions = %dx%d, want 720x1280", meta.Width, meta.Height)
	}
}

func TestReadMetadataShortDimsWithoutCodecMeta(t *testing.T) {
	opts := models.DefaultStreamOptions()
	opts.SendCodecMeta = false

	var stream []byte
	stream = append(stream, 0x00)
	nameField := make([]byte, 64)
	copy(nameField, "NoCodecMeta")
	stream = append(stream, nameField...)
	stream = append(stream, 0x04, 0x38, 0x07, 0x80) // 1080 x 1920

	codec := NewStreamCodec(bytes.NewReader(stream), opts)
	meta, err := codec.ReadMetadata()
	if err != nil {
		t.Fatalf("ReadMetadata failed: %v", err)
	}
	if meta.Width != 1080 || meta.Height != 1920 {
		t.Errorf("dimensions = %dx%d, want 1080x1920", meta.Width, meta.Height)
	}
}

func TestDesyncRecoversIntoRawNALMode(t *testing.T) {
	var stream []byte
	stream = append(stream, handshake("Pixel 7", models.CodecH264, 1080, 2400)...)
	stream = append(stream, framedPacket(ptsKeyframeFlag|500, idrUnit)...)

	// Bogus header: length 0x40000000 is far past the 10 MiB bound. The
	// bytes that follow are mid-stream Annex-B data.
	var bogus [12]byte
	binary.BigEndian.PutUint64(bogus[0:8], 12345)
	binary.BigEndian.PutUint32(bogus[8:12], 0x40000000)
	stream = append(stream, bogus[:]...)
	stream = append(stream, 0xde, 0xad) // garbage before the start code
	stream = append(stream, spsUnit...)
	stream = append(stream, idrUnit...)
	stream = append(stream, pUnit...)

	codec := NewStreamCodec(bytes.NewReader(stream), models.DefaultStreamOptions())
	if _, err := codec.ReadMetadata(); err != nil {
		t.Fatalf("ReadMetadata failed: %v", err)
	}

	pkt, err := codec.ReadPacket()
	if err != nil {
		t.Fatalf("framed packet: %v", err)
	}
	if !pkt.Keyframe {
		t.Error("first packet should be the framed keyframe")
	}

	// The oversized length must flip the codec into raw extraction and
	// yield the NAL units after the scan point.
	pkt, err = codec.ReadPacket()
	if err != nil {
		t.Fatalf("post-desync packet: %v", err)
	}
	if pkt.Type != models.PacketConfiguration {
		t.Errorf("first recovered unit should be SPS configuration, got %v", pkt.Type)
	}
	if !bytes.Equal(pkt.Data, spsUnit) {
		t.Errorf("recovered SPS mismatch: % x", pkt.Data)
	}

	pkt, err = codec.ReadPacket()
	if err != nil {
		t.Fatalf("recovered IDR: %v", err)
	}
	if !pkt.Keyframe {
		t.Error("recovered IDR should be flagged keyframe")
	}

	pkt, err = codec.ReadPacket()
	if err != nil {
		t.Fatalf("recovered P unit: %v", err)
	}
	if pkt.Keyframe || pkt.Type != models.PacketData {
		t.Error("trailing unit should be a plain data packet")
	}
}

func TestDesyncWithoutStartCodeFails(t *testing.T) {
	var stream []byte
	stream = append(stream, handshake("Pixel 7", models.CodecH264, 1080, 2400)...)
	var bogus [12]byte
	binary.BigEndian.PutUint64(bogus[0:8], 1)
	binary.BigEndian.PutUint32(bogus[8:12], 0xFFFFFF00)
	stream = append(stream, bogus[:]...)
	// 200+ bytes with no start code anywhere.
	filler := bytes.Repeat([]byte{0xAA}, 300)
	stream = append(stream, filler...)

	codec := NewStreamCodec(bytes.NewReader(stream), models.DefaultStreamOptions())
	if _, err := codec.ReadMetadata(); err != nil {
		t.Fatalf("ReadMetadata failed: %v", err)
	}
	if _, err := codec.ReadPacket(); !errors.Is(err, ErrProtocolDesync) {
		t.Errorf("got %v, want ProtocolDesync", err)
	}
}

func TestRawNALCodecClassification(t *testing.T) {
	var stream []byte
	stream = append(stream, spsUnit...)
	stream = append(stream, ppsUnit...)
	stream = append(stream, idrUnit...)
	stream = append(stream, pUnit...)

	codec := NewRawNALCodec(bytes.NewReader(stream))

	wantTypes := []struct {
		pktType  models.PacketType
		keyframe bool
		unit     []byte
	}{
		{models.PacketConfiguration, false, spsUnit},
		{models.PacketConfiguration, false, ppsUnit},
		{models.PacketData, true, idrUnit},
		{models.PacketData, false, pUnit},
	}

	for i, want := range wantTypes {
		pkt, err := codec.ReadPacket()
		if err != nil {
			t.Fatalf("unit %d: %v", i, err)
		}
		if pkt.Type != want.pktType || pkt.Keyframe != want.keyframe {
			t.Errorf("unit %d: type=%v keyframe=%v, want type=%v keyframe=%v",
				i, pkt.Type, pkt.Keyframe, want.pktType, want.keyframe)
		}
		if !bytes.Equal(pkt.Data, want.unit) {
			t.Errorf("unit %d payload mismatch", i)
		}
	}

	if _, err := codec.ReadPacket(); !errors.Is(err, ErrConnectionClosed) {
		t.Errorf("at EOF got %v, want ConnectionClosed", err)
	}
}

func TestRawNALCodecThreeByteStartCode(t *testing.T) {
	short := []byte{0x00, 0x00, 0x01, 0x67, 0x42, 0x00}
	var stream []byte
	stream = append(stream, short...)
	stream = append(stream, idrUnit...)

	codec := NewRawNALCodec(bytes.NewReader(stream))
	pkt, err := codec.ReadPacket()
	if err != nil {
		t.Fatalf("first unit: %v", err)
	}
	if pkt.Type != models.PacketConfiguration {
		t.Errorf("3-byte-prefixed SPS should classify as configuration")
	}
	if !bytes.Equal(pkt.Data, short) {
		t.Errorf("unit payload mismatch: % x", pkt.Data)
	}
}

func TestFindStartCode(t *testing.T) {
	cases := []struct {
		data []byte
		want int
	}{
		{[]byte{0x00, 0x00, 0x01, 0x65}, 0},
		{[]byte{0x00, 0x00, 0x00, 0x01, 0x65}, 0},
		{[]byte{0xff, 0x00, 0x00, 0x01}, 1},
		{[]byte{0xff, 0xfe, 0x00, 0x00, 0x00, 0x01}, 2},
		{[]byte{0x01, 0x02, 0x03}, -1},
		{nil, -1},
	}
	for _, c := range cases {
		if got := findStartCode(c.data); got != c.want {
			t.Errorf("findStartCode(% x) = %d, want %d", c.data, got, c.want)
		}
	}
}
