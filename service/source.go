package service

import (
	"context"
	"fmt"
	"io"
	"os/exec"
	"sync"

	"github.com/sirupsen/logrus"

	"devicegate/adb"
	"devicegate/models"
)

// CaptureSource produces the raw byte stream for one device session. The
// supervisor and fan-out bus are source-agnostic: only the codec mode
// differs between variants.
type CaptureSource interface {
	// Start launches the capture and returns the stream to read from.
	Start(ctx context.Context) (io.ReadCloser, error)
	// Framed reports whether the stream carries scrcpy frame headers.
	// Non-framed streams are parsed in raw NAL mode.
	Framed() bool
	// Metadata returns synthesized metadata for non-framed sources.
	// Framed sources return nil; their metadata comes from the handshake.
	Metadata() *models.VideoMetadata
	// Stop tears the capture down. Best-effort and idempotent.
	Stop()
}

// SourceFactory builds the capture source for a session. Injected into the
// supervisor so tests can substitute a fake.
type SourceFactory func(serial string, opts models.StreamOptions) CaptureSource

// NewDefaultSourceFactory prefers the scrcpy server and falls back to a
// screenrecord pipe when no server JAR is discoverable. Forward ports for
// server sessions come from the given range.
func NewDefaultSourceFactory(client *adb.Client, serverPath, remotePath, version string, portMin, portMax int) SourceFactory {
	ports := newPortAllocator(portMin, portMax)
	return func(serial string, opts models.StreamOptions) CaptureSource {
		if serverPath == "" {
			logrus.WithField("device", serial).Warn("scrcpy-server not found, falling back to screenrecord")
			return NewScreenRecordSource(client, serial, opts)
		}
		return NewScrcpyServerSource(client, serial, opts, serverPath, remotePath, version, ports)
	}
}

// ScreenRecordSource captures via `adb exec-out screenrecord`, producing
// bare Annex-B H.264. The documented fallback when the scrcpy JAR is
// unavailable.
type ScreenRecordSource struct {
	client *adb.Client
	serial string
	opts   models.StreamOptions

	mu   sync.Mutex
	pipe io.ReadCloser
	cmd  *exec.Cmd
}

func NewScreenRecordSource(client *adb.Client, serial string, opts models.StreamOptions) *ScreenRecordSource {
	return &ScreenRecordSource{client: client, serial: serial, opts: opts}
}

func (s *ScreenRecordSource) Start(ctx context.Context) (io.ReadCloser, error) {
	pipe, cmd, err := s.client.StartScreenRecord(s.serial, s.opts.BitRate, s.opts.MaxSize)
	if err != nil {
		return nil, fmt.Errorf("screenrecord start: %w", err)
	}

	s.mu.Lock()
	s.pipe = pipe
	s.cmd = cmd
	s.mu.Unlock()
	return pipe, nil
}

func (s *ScreenRecordSource) Framed() bool { return false }

// Metadata synthesizes what the scrcpy handshake would have told us.
func (s *ScreenRecordSource) Metadata() *models.VideoMetadata {
	meta := &models.VideoMetadata{
		DeviceName: s.serial,
		Codec:      models.CodecH264,
	}
	if res, err := s.client.ScreenResolution(context.Background(), s.serial); err == nil {
		var w, h uint32
		if _, err := fmt.Sscanf(res, "%dx%d", &w, &h); err == nil {
			meta.Width, meta.Height = w, h
		}
	}
	return meta
}

func (s *ScreenRecordSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.pipe != nil {
		s.pipe.Close()
		s.pipe = nil
	}
	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Kill()
		go s.cmd.Wait()
		s.cmd = nil
	}
}
