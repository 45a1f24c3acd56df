package service

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"devicegate/models"
)

const (
	// pts sentinel values in the scrcpy frame header.
	ptsConfigPacket = ^uint64(0)      // all ones: configuration packet
	ptsKeyframeFlag = uint64(1) << 63 // high bit marks a keyframe

	// Payload lengths beyond this bound mean the reader lost framing.
	maxPacketPayload = 10 << 20

	// How far ahead to look for an Annex-B start code when resynchronizing.
	resyncScanWindow = 200

	codecReadChunk = 64 * 1024
)

// H.264 NAL unit types relevant to packet classification.
const (
	nalTypeNonIDR = 1
	nalTypeIDR    = 5
	nalTypeSPS    = 7
	nalTypePPS    = 8
)

// StreamCodec parses the scrcpy wire protocol from an owned read buffer:
// the device/codec metadata handshake once, then length-prefixed media
// packets. On desynchronization it falls back to raw NAL extraction for the
// rest of the session.
type StreamCodec struct {
	r    io.Reader
	opts models.StreamOptions

	buf  []byte
	meta *models.VideoMetadata

	rawMode bool
	failed  error // sticky read failure, surfaced after the buffer drains
}

// NewStreamCodec returns a codec for a framed scrcpy stream.
func NewStreamCodec(r io.Reader, opts models.StreamOptions) *StreamCodec {
	return &StreamCodec{r: r, opts: opts}
}

// NewRawNALCodec returns a codec that skips the handshake and treats the
// stream as bare Annex-B from the first byte (screenrecord pipes,
// raw_stream servers).
func NewRawNALCodec(r io.Reader) *StreamCodec {
	return &StreamCodec{r: r, rawMode: true}
}

// fill grows the buffer until it holds at least n bytes.
func (c *StreamCodec) fill(n int) error {
	for len(c.buf) < n {
		if c.failed != nil {
			return c.failed
		}
		if err := c.fillSome(); err != nil {
			return err
		}
	}
	return nil
}

// fillSome performs a single read. Read failures are recorded so the
// remaining buffered bytes can still be drained in raw mode.
func (c *StreamCodec) fillSome() error {
	chunk := make([]byte, codecReadChunk)
	n, err := c.r.Read(chunk)
	if n > 0 {
		c.buf = append(c.buf, chunk[:n]...)
	}
	if err != nil {
		c.failed = fmt.Errorf("%w: %v", ErrConnectionClosed, err)
		if n == 0 {
			return c.failed
		}
	}
	return nil
}

// readExactly consumes exactly n bytes or fails with ConnectionClosed.
func (c *StreamCodec) readExactly(n int) ([]byte, error) {
	if err := c.fill(n); err != nil {
		return nil, err
	}
	out := c.buf[:n:n]
	c.buf = c.buf[n:]
	return out, nil
}

func (c *StreamCodec) readU16() (uint16, error) {
	b, err := c.readExactly(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (c *StreamCodec) readU32() (uint32, error) {
	b, err := c.readExactly(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (c *StreamCodec) readU64() (uint64, error) {
	b, err := c.readExactly(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

// ReadMetadata parses the scrcpy handshake. Call exactly once, before any
// ReadPacket. Idempotent: repeated calls return the cached metadata.
func (c *StreamCodec) ReadMetadata() (*models.VideoMetadata, error) {
	if c.meta != nil {
		return c.meta, nil
	}
	if c.rawMode {
		return nil, fmt.Errorf("raw stream carries no metadata")
	}

	if c.opts.SendDummyByte {
		if _, err := c.readExactly(1); err != nil {
			return nil, err
		}
	}

	meta := &models.VideoMetadata{Codec: models.CodecIDForName(c.opts.Codec)}

	if c.opts.SendDeviceMeta {
		raw, err := c.readExactly(64)
		if err != nil {
			return nil, err
		}
		if i := bytes.IndexByte(raw, 0); i >= 0 {
			raw = raw[:i]
		}
		meta.DeviceName = string(raw)
	}

	if c.opts.SendCodecMeta {
		codecValue, err := c.readU32()
		if err != nil {
			return nil, err
		}
		if models.KnownCodec(codecValue) {
			meta.Codec = codecValue
			if meta.Width, err = c.readU32(); err != nil {
				return nil, err
			}
			if meta.Height, err = c.readU32(); err != nil {
				return nil, err
			}
		} else {
			// Legacy servers pack the dimensions into the codec field.
			meta.Width = (codecValue >> 16) & 0xFFFF
			meta.Height = codecValue & 0xFFFF
		}
	} else if c.opts.SendDeviceMeta {
		w, err := c.readU16()
		if err != nil {
			return nil, err
		}
		h, err := c.readU16()
		if err != nil {
			return nil, err
		}
		meta.Width, meta.Height = uint32(w), uint32(h)
	}

	c.meta = meta
	return meta, nil
}

// ReadPacket returns the next media packet. After a desynchronization the
// codec permanently switches to raw NAL extraction.
func (c *StreamCodec) ReadPacket() (*models.MediaPacket, error) {
	if c.rawMode {
		return c.readRawNAL()
	}

	pts, err := c.readU64()
	if err != nil {
		return nil, err
	}
	length, err := c.readU32()
	if err != nil {
		return nil, err
	}

	if length > maxPacketPayload {
		return c.resync(pts, length)
	}

	payload, err := c.readExactly(int(length))
	if err != nil {
		return nil, err
	}

	switch {
	case pts == ptsConfigPacket:
		return &models.MediaPacket{Type: models.PacketConfiguration, Data: payload}, nil
	case pts&ptsKeyframeFlag != 0:
		return &models.MediaPacket{
			Type:     models.PacketData,
			Data:     payload,
			PTS:      pts &^ ptsKeyframeFlag,
			Keyframe: true,
		}, nil
	default:
		return &models.MediaPacket{Type: models.PacketData, Data: payload, PTS: pts}, nil
	}
}

// resync recovers from a bogus length field by scanning forward for an
// Annex-B start code. The 12 header bytes already consumed are part of the
// scan window since the real stream position is unknown.
func (c *StreamCodec) resync(pts uint64, length uint32) (*models.MediaPacket, error) {
	header := make([]byte, 12)
	binary.BigEndian.PutUint64(header[0:8], pts)
	binary.BigEndian.PutUint32(header[8:12], length)

	// Best effort: widen the window up to the scan bound.
	for len(c.buf) < resyncScanWindow && c.failed == nil {
		if err := c.fillSome(); err != nil {
			break
		}
	}

	window := append(header, c.buf...)
	limit := len(window)
	if limit > resyncScanWindow {
		limit = resyncScanWindow
	}

	idx := findStartCode(window[:limit])
	if idx < 0 {
		return nil, fmt.Errorf("%w: payload length %d (%w)", ErrProtocolDesync, length, ErrOversizedPacket)
	}

	c.buf = window[idx:]
	c.rawMode = true
	return c.readRawNAL()
}

// readRawNAL emits one data packet per extracted NAL unit, start code
// included, classified by NAL type.
func (c *StreamCodec) readRawNAL() (*models.MediaPacket, error) {
	for {
		// Align the buffer to the first start code, keeping a potential
		// partial prefix at the tail.
		if idx := findStartCode(c.buf); idx > 0 {
			c.buf = c.buf[idx:]
		} else if idx < 0 {
			if len(c.buf) > 3 {
				c.buf = c.buf[len(c.buf)-3:]
			}
			if c.failed != nil && len(c.buf) <= 3 {
				return nil, c.failed
			}
			if err := c.fillSome(); err != nil {
				return nil, err
			}
			continue
		}

		prefix := startCodeLen(c.buf)
		next := findStartCodeFrom(c.buf, prefix)
		if next > 0 {
			unit := c.buf[:next:next]
			c.buf = c.buf[next:]
			return classifyNAL(unit), nil
		}

		if c.failed != nil {
			// Stream ended: flush the trailing unit if it is complete
			// enough to carry a type byte.
			if len(c.buf) > prefix {
				unit := c.buf
				c.buf = nil
				return classifyNAL(unit), nil
			}
			return nil, c.failed
		}
		if err := c.fillSome(); err != nil && len(c.buf) == 0 {
			return nil, err
		}
	}
}

// classifyNAL maps a start-code-prefixed NAL unit to a media packet.
// SPS/PPS are configuration; IDR slices are keyframe data.
func classifyNAL(unit []byte) *models.MediaPacket {
	prefix := startCodeLen(unit)
	nalType := -1
	if len(unit) > prefix {
		nalType = int(unit[prefix] & 0x1F)
	}

	switch nalType {
	case nalTypeSPS, nalTypePPS:
		return &models.MediaPacket{Type: models.PacketConfiguration, Data: unit}
	case nalTypeIDR:
		return &models.MediaPacket{Type: models.PacketData, Data: unit, Keyframe: true}
	default:
		return &models.MediaPacket{Type: models.PacketData, Data: unit}
	}
}

// findStartCode returns the index of the first Annex-B start code
// (00 00 01 or 00 00 00 01), or -1.
func findStartCode(data []byte) int {
	for i := 0; i+2 < len(data); i++ {
		if data[i] == 0 && data[i+1] == 0 && data[i+2] == 1 {
			if i > 0 && data[i-1] == 0 {
				return i - 1
			}
			return i
		}
	}
	return -1
}

// findStartCodeFrom looks for the next start code at or after offset.
func findStartCodeFrom(data []byte, offset int) int {
	if offset >= len(data) {
		return -1
	}
	idx := findStartCode(data[offset:])
	if idx < 0 {
		return -1
	}
	return offset + idx
}

// startCodeLen reports the prefix length (3 or 4) at the head of data.
func startCodeLen(data []byte) int {
	if len(data) >= 4 && data[0] == 0 && data[1] == 0 && data[2] == 0 && data[3] == 1 {
		return 4
	}
	if len(data) >= 3 && data[0] == 0 && data[1] == 0 && data[2] == 1 {
		return 3
	}
	return 0
}
