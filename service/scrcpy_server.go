package service

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os/exec"
	"strings"
	"sync"
	"time"

	"github.com/avast/retry-go/v4"
	"github.com/sirupsen/logrus"

	"devicegate/adb"
	"devicegate/models"
)

const (
	// remoteSocketName is the abstract socket the server listens on with
	// tunnel_forward=true.
	remoteSocketName = "scrcpy"

	// preCleanSettle lets the kernel release the abstract socket name
	// after a lingering server is killed.
	preCleanSettle = 2 * time.Second

	// launchLivenessWindow is how long a freshly spawned server must stay
	// alive before we attempt to connect.
	launchLivenessWindow = 3 * time.Second

	connectAttempts = 5
	connectDelay    = 500 * time.Millisecond

	// portRetries bounds how many fresh ports are tried when the server
	// reports an address conflict.
	portRetries = 3

	stderrSnippetLen = 512
)

// ScrcpyServerSource runs the scrcpy server on the device and streams its
// framed video socket. It owns the child process, the forward port, and the
// TCP connection until Stop.
type ScrcpyServerSource struct {
	client     *adb.Client
	serial     string
	opts       models.StreamOptions
	serverPath string
	remotePath string
	version    string
	ports      *portAllocator

	// Wait windows, overridable in tests.
	settle   time.Duration
	liveness time.Duration

	mu      sync.Mutex
	port    int
	cmd     *exec.Cmd
	waitCh  chan error
	conn    net.Conn
	stopped bool

	log *logrus.Entry
}

func NewScrcpyServerSource(client *adb.Client, serial string, opts models.StreamOptions, serverPath, remotePath, version string, ports *portAllocator) *ScrcpyServerSource {
	return &ScrcpyServerSource{
		client:     client,
		serial:     serial,
		opts:       opts,
		serverPath: serverPath,
		remotePath: remotePath,
		version:    version,
		ports:      ports,
		settle:     preCleanSettle,
		liveness:   launchLivenessWindow,
		log:        logrus.WithField("device", serial),
	}
}

// Framed reports that this stream carries the scrcpy handshake and frame
// headers.
func (s *ScrcpyServerSource) Framed() bool { return true }

// Metadata is nil for framed sources; the handshake supplies it.
func (s *ScrcpyServerSource) Metadata() *models.VideoMetadata { return nil }

// Start pushes the server JAR, forwards a local port, spawns the server and
// connects to its video socket. An address conflict reported by the server
// retries the whole forward/spawn sequence on a fresh port, up to 3 times.
func (s *ScrcpyServerSource) Start(ctx context.Context) (io.ReadCloser, error) {
	s.log.Info("pushing scrcpy-server")
	if err := s.client.Push(ctx, s.serial, s.serverPath, s.remotePath); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrServerPushFailed, err)
	}

	var lastErr error
	for attempt := 0; attempt < portRetries; attempt++ {
		conn, err := s.startOnce(ctx)
		if err == nil {
			return conn, nil
		}
		lastErr = err

		var launchErr *ServerLaunchError
		if errors.As(err, &launchErr) && strings.Contains(launchErr.Stderr, "Address already in use") {
			s.log.WithField("attempt", attempt+1).Warn("scrcpy socket address in use, retrying on a fresh port")
			continue
		}
		return nil, err
	}
	return nil, lastErr
}

// startOnce runs one forward/spawn/connect cycle on a freshly allocated
// port. On any failure the resources acquired so far are released before
// returning.
func (s *ScrcpyServerSource) startOnce(ctx context.Context) (net.Conn, error) {
	port, err := s.ports.acquire()
	if err != nil {
		return nil, err
	}

	s.preClean(ctx, port)

	if err := s.client.Forward(ctx, s.serial, port, remoteSocketName); err != nil {
		s.ports.release(port)
		return nil, fmt.Errorf("%w: %v", ErrPortForwardFailed, err)
	}

	s.log.WithField("port", port).Info("starting scrcpy server")
	cmd, stderr, err := s.client.StartDetached(append([]string{"-s", s.serial, "shell"}, s.serverArgs()...)...)
	if err != nil {
		s.releaseForward(port)
		return nil, err
	}

	waitCh := make(chan error, 1)
	go func() { waitCh <- cmd.Wait() }()

	// Liveness check: a server that dies inside the window never accepted
	// a connection, so its stderr is the whole story.
	select {
	case <-waitCh:
		s.releaseForward(port)
		snippet := strings.TrimSpace(stderr.String())
		if len(snippet) > stderrSnippetLen {
			snippet = snippet[:stderrSnippetLen]
		}
		return nil, &ServerLaunchError{Stderr: snippet}
	case <-ctx.Done():
		cmd.Process.Kill()
		<-waitCh
		s.releaseForward(port)
		return nil, ctx.Err()
	case <-time.After(s.liveness):
	}

	conn, err := s.connect(ctx, port)
	if err != nil {
		cmd.Process.Kill()
		<-waitCh
		s.releaseForward(port)
		return nil, err
	}

	s.mu.Lock()
	s.port = port
	s.cmd = cmd
	s.waitCh = waitCh
	s.conn = conn
	s.stopped = false
	s.mu.Unlock()

	s.log.WithField("port", port).Info("scrcpy video socket connected")
	return conn, nil
}

// preClean kills lingering servers and stale forwards. Best effort.
func (s *ScrcpyServerSource) preClean(ctx context.Context, port int) {
	s.client.KillScrcpyServer(ctx, s.serial)
	s.client.RemoveForward(ctx, s.serial, port)

	select {
	case <-time.After(s.settle):
	case <-ctx.Done():
	}
}

// serverArgs builds the app_process invocation from the stream options.
func (s *ScrcpyServerSource) serverArgs() []string {
	return []string{
		"CLASSPATH=" + s.remotePath,
		"app_process",
		"/",
		"com.genymobile.scrcpy.Server",
		s.version,
		"tunnel_forward=true",
		"control=false",
		"audio=false",
		"cleanup=false",
		"video_codec=" + s.opts.Codec,
		fmt.Sprintf("max_size=%d", s.opts.MaxSize),
		fmt.Sprintf("max_fps=%d", s.opts.MaxFPS),
		fmt.Sprintf("video_bit_rate=%d", s.opts.BitRate),
		fmt.Sprintf("video_codec_options=i-frame-interval=%d", s.opts.IDRIntervalSec),
		fmt.Sprintf("send_frame_meta=%t", s.opts.SendFrameMeta),
		fmt.Sprintf("send_device_meta=%t", s.opts.SendDeviceMeta),
		fmt.Sprintf("send_codec_meta=%t", s.opts.SendCodecMeta),
		fmt.Sprintf("send_dummy_byte=%t", s.opts.SendDummyByte),
	}
}

// connect dials the forwarded port, retrying while the server finishes
// binding its socket.
func (s *ScrcpyServerSource) connect(ctx context.Context, port int) (net.Conn, error) {
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	conn, err := retry.DoWithData(
		func() (net.Conn, error) {
			return net.DialTimeout("tcp", addr, 2*time.Second)
		},
		retry.Context(ctx),
		retry.Attempts(connectAttempts),
		retry.Delay(connectDelay),
		retry.DelayType(retry.FixedDelay),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrConnectRefused, err)
	}

	if tcp, ok := conn.(*net.TCPConn); ok {
		tcp.SetNoDelay(true)
		tcp.SetReadBuffer(1 << 20)
	}
	return conn, nil
}

// releaseForward removes the forward and returns the port to the pool.
func (s *ScrcpyServerSource) releaseForward(port int) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.client.RemoveForward(ctx, s.serial, port); err != nil {
		s.log.WithError(err).Warn("failed to remove adb forward")
	}
	s.ports.release(port)
}

// Stop tears down socket, process and forward, in that order. Best effort
// and idempotent.
func (s *ScrcpyServerSource) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return
	}
	s.stopped = true

	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}

	if s.cmd != nil && s.cmd.Process != nil {
		s.cmd.Process.Kill()
		select {
		case <-s.waitCh:
		case <-time.After(2 * time.Second):
			s.log.Warn("scrcpy server did not exit after kill")
		}
		s.cmd = nil
	}

	if s.port > 0 {
		s.releaseForward(s.port)
		s.port = 0
	}
}
