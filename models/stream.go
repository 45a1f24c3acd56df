package models

// Scrcpy codec identifiers as sent in the codec metadata header.
// The tags are the ASCII codec names packed into a big-endian u32.
const (
	CodecH264 uint32 = 0x68323634 // "h264"
	CodecH265 uint32 = 0x68323635 // "h265"
	CodecAV1  uint32 = 0x00617631 // "av1"
)

// CodecIDForName maps a scrcpy video_codec option value to its wire id.
func CodecIDForName(name string) uint32 {
	switch name {
	case "h265":
		return CodecH265
	case "av1":
		return CodecAV1
	default:
		return CodecH264
	}
}

// KnownCodec reports whether a 4-byte codec field carries a modern codec id.
// Unknown values are treated as the legacy packed (width<<16)|height form.
func KnownCodec(id uint32) bool {
	return id == CodecH264 || id == CodecH265 || id == CodecAV1
}

// StreamOptions are the frozen parameters of a streaming session. They are
// fixed at session start; changing any of them requires a full restart.
type StreamOptions struct {
	MaxSize        int    `json:"max_size"`
	BitRate        int    `json:"bit_rate"`
	MaxFPS         int    `json:"max_fps"`
	Codec          string `json:"codec"`
	IDRIntervalSec int    `json:"idr_interval"`
	SendFrameMeta  bool   `json:"send_frame_meta"`
	SendDeviceMeta bool   `json:"send_device_meta"`
	SendCodecMeta  bool   `json:"send_codec_meta"`
	SendDummyByte  bool   `json:"send_dummy_byte"`
}

var streamDefaults = StreamOptions{
	MaxSize:        1280,
	BitRate:        4_000_000,
	MaxFPS:         30,
	Codec:          "h264",
	IDRIntervalSec: 1,
	SendFrameMeta:  true,
	SendDeviceMeta: true,
	SendCodecMeta:  true,
	SendDummyByte:  true,
}

// SetStreamDefaults overrides the built-in stream defaults from
// configuration. Called once at startup, before any session exists.
func SetStreamDefaults(maxSize, bitRate, maxFPS, idrInterval int) {
	if maxSize > 0 {
		streamDefaults.MaxSize = maxSize
	}
	if bitRate > 0 {
		streamDefaults.BitRate = bitRate
	}
	if maxFPS > 0 {
		streamDefaults.MaxFPS = maxFPS
	}
	if idrInterval > 0 {
		streamDefaults.IDRIntervalSec = idrInterval
	}
}

// DefaultStreamOptions returns the option set used when a client does not
// request anything specific.
func DefaultStreamOptions() StreamOptions {
	return streamDefaults
}

// VideoMetadata is populated exactly once per session from the scrcpy
// handshake and is immutable afterwards.
type VideoMetadata struct {
	DeviceName string `json:"device_name"`
	Width      uint32 `json:"width"`
	Height     uint32 `json:"height"`
	Codec      uint32 `json:"codec"`
}

// PacketType distinguishes codec configuration packets from media data.
type PacketType string

const (
	PacketConfiguration PacketType = "configuration"
	PacketData          PacketType = "data"
)

// MediaPacket is one parsed unit from the scrcpy stream. Configuration
// packets carry SPS/PPS; data packets carry one or more NAL units. The
// payload bytes are never mutated after parsing.
type MediaPacket struct {
	Type     PacketType
	Data     []byte
	PTS      uint64
	Keyframe bool
}
