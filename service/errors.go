package service

import (
	"errors"
	"fmt"
)

// Error kinds surfaced by the streaming core. Start failures abort the
// Subscribe that triggered them; codec failures terminate the session;
// subscriber-local failures evict only that subscriber.
var (
	ErrDeviceNotFound     = errors.New("device not found")
	ErrDeviceNotConnected = errors.New("device not connected")

	ErrServerPushFailed  = errors.New("scrcpy server push failed")
	ErrPortForwardFailed = errors.New("adb port forward failed")
	ErrConnectRefused    = errors.New("scrcpy socket connect refused")

	ErrProtocolDesync   = errors.New("scrcpy stream desynchronized")
	ErrConnectionClosed = errors.New("scrcpy connection closed")
	ErrOversizedPacket  = errors.New("scrcpy packet exceeds size bound")

	ErrOptionsMismatch = errors.New("stream options differ from running session")
	ErrLaggingOut      = errors.New("subscriber evicted: cannot keep up")
	ErrSessionClosed   = errors.New("session closed")
)

// ServerLaunchError carries the stderr snippet of a scrcpy server process
// that exited during startup.
type ServerLaunchError struct {
	Stderr string
}

func (e *ServerLaunchError) Error() string {
	return fmt.Sprintf("scrcpy server launch failed: %s", e.Stderr)
}
