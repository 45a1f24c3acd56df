package service

import (
	"context"
	"errors"
	"io"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"devicegate/models"
)

// fakeSource feeds the supervisor from an in-memory pipe of raw Annex-B
// data, standing in for a device capture.
type fakeSource struct {
	startErr error
	meta     *models.VideoMetadata

	mu      sync.Mutex
	writer  *io.PipeWriter
	stopped atomic.Bool
	starts  atomic.Int32
}

func newFakeSource() *fakeSource {
	return &fakeSource{meta: &models.VideoMetadata{DeviceName: "fake", Width: 720, Height: 1280, Codec: models.CodecH264}}
}

func (f *fakeSource) Start(ctx context.Context) (io.ReadCloser, error) {
	f.starts.Add(1)
	if f.startErr != nil {
		return nil, f.startErr
	}
	r, w := io.Pipe()
	f.mu.Lock()
	f.writer = w
	f.mu.Unlock()
	return r, nil
}

func (f *fakeSource) Framed() bool                    { return false }
func (f *fakeSource) Metadata() *models.VideoMetadata { return f.meta }

func (f *fakeSource) Stop() {
	f.stopped.Store(true)
	f.mu.Lock()
	if f.writer != nil {
		f.writer.Close()
		f.writer = nil
	}
	f.mu.Unlock()
}

func (f *fakeSource) feed(t *testing.T, data []byte) {
	t.Helper()
	f.mu.Lock()
	w := f.writer
	f.mu.Unlock()
	if w == nil {
		t.Fatal("source not started")
	}
	if _, err := w.Write(data); err != nil {
		t.Fatalf("feed failed: %v", err)
	}
}

func fixedFactory(src CaptureSource) SourceFactory {
	return func(serial string, opts models.StreamOptions) CaptureSource { return src }
}

func TestSubscribeStartsSessionAndDeliversPackets(t *testing.T) {
	src := newFakeSource()
	sup := NewSessionSupervisor(fixedFactory(src))
	defer sup.Shutdown()

	sub, meta, err := sup.Subscribe(context.Background(), "serial-1", models.DefaultStreamOptions())
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if meta.DeviceName != "fake" {
		t.Errorf("metadata not propagated from source")
	}

	// Raw NAL extraction needs the next start code before it can emit a
	// unit, so feed one unit past the ones asserted on.
	src.feed(t, spsUnit)
	src.feed(t, idrUnit)
	src.feed(t, pUnit)

	pkt := mustNext(t, sub)
	if pkt.Type != models.PacketConfiguration {
		t.Errorf("first packet should be SPS configuration, got %v", pkt.Type)
	}
	pkt = mustNext(t, sub)
	if !pkt.Keyframe {
		t.Errorf("second packet should be the IDR keyframe")
	}
}

func TestStartFailureLeavesSessionIdle(t *testing.T) {
	src := newFakeSource()
	src.startErr = &ServerLaunchError{Stderr: "Address already in use"}
	sup := NewSessionSupervisor(fixedFactory(src))
	defer sup.Shutdown()

	_, _, err := sup.Subscribe(context.Background(), "serial-1", models.DefaultStreamOptions())
	var launchErr *ServerLaunchError
	if !errors.As(err, &launchErr) {
		t.Fatalf("got %v, want ServerLaunchError", err)
	}

	// No auto-restart: the failure is surfaced once and the session is
	// idle again; a fresh Subscribe triggers a fresh start.
	src.startErr = nil
	sub, _, err := sup.Subscribe(context.Background(), "serial-1", models.DefaultStreamOptions())
	if err != nil {
		t.Fatalf("Subscribe after failure: %v", err)
	}
	if sub == nil || src.starts.Load() != 2 {
		t.Errorf("expected a fresh start attempt, starts=%d", src.starts.Load())
	}
}

func TestOptionsMismatchRejected(t *testing.T) {
	src := newFakeSource()
	sup := NewSessionSupervisor(fixedFactory(src))
	defer sup.Shutdown()

	opts := models.DefaultStreamOptions()
	if _, _, err := sup.Subscribe(context.Background(), "serial-1", opts); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	other := opts
	other.MaxSize = 720
	if _, _, err := sup.Subscribe(context.Background(), "serial-1", other); !errors.Is(err, ErrOptionsMismatch) {
		t.Errorf("got %v, want OptionsMismatch", err)
	}

	// Matching options attach to the running session without a new start.
	if _, _, err := sup.Subscribe(context.Background(), "serial-1", opts); err != nil {
		t.Fatalf("matching Subscribe failed: %v", err)
	}
	if src.starts.Load() != 1 {
		t.Errorf("session should be shared, starts=%d", src.starts.Load())
	}
}

func TestLastLeaverTearsDownSession(t *testing.T) {
	src := newFakeSource()
	sup := NewSessionSupervisor(fixedFactory(src))

	opts := models.DefaultStreamOptions()
	subA, _, err := sup.Subscribe(context.Background(), "serial-1", opts)
	if err != nil {
		t.Fatalf("Subscribe A failed: %v", err)
	}
	subB, _, err := sup.Subscribe(context.Background(), "serial-1", opts)
	if err != nil {
		t.Fatalf("Subscribe B failed: %v", err)
	}

	sup.Unsubscribe("serial-1", subA.ID)
	if src.stopped.Load() {
		t.Fatal("session must survive while a subscriber remains")
	}

	// B still receives data.
	src.feed(t, idrUnit)
	src.feed(t, pUnit)
	if pkt := mustNext(t, subB); !pkt.Keyframe {
		t.Errorf("remaining subscriber should keep receiving")
	}

	sup.Unsubscribe("serial-1", subB.ID)
	if !src.stopped.Load() {
		t.Fatal("last leaver must stop the capture")
	}

	// The reader notices the closed pipe and the state machine settles
	// back to idle; a new Subscribe starts fresh.
	waitForStarts(t, src, 1)
	if _, _, err := sup.Subscribe(context.Background(), "serial-1", opts); err != nil {
		t.Fatalf("Subscribe after teardown: %v", err)
	}
	if src.starts.Load() != 2 {
		t.Errorf("expected a fresh start, starts=%d", src.starts.Load())
	}
	sup.Shutdown()
}

func TestCodecErrorClosesAllSubscribers(t *testing.T) {
	src := newFakeSource()
	sup := NewSessionSupervisor(fixedFactory(src))
	defer sup.Shutdown()

	sub, _, err := sup.Subscribe(context.Background(), "serial-1", models.DefaultStreamOptions())
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	src.feed(t, idrUnit)
	src.feed(t, pUnit)
	mustNext(t, sub)

	// Simulate the device side dying.
	src.Stop()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	for {
		_, err := sub.Next(ctx)
		if err != nil {
			if !errors.Is(err, ErrConnectionClosed) {
				t.Errorf("got %v, want ConnectionClosed", err)
			}
			break
		}
	}
}

func TestReconfigureRequiresSoleSubscriber(t *testing.T) {
	src := newFakeSource()
	sup := NewSessionSupervisor(fixedFactory(src))
	defer sup.Shutdown()

	opts := models.DefaultStreamOptions()
	subA, _, err := sup.Subscribe(context.Background(), "serial-1", opts)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	subB, _, err := sup.Subscribe(context.Background(), "serial-1", opts)
	if err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	other := opts
	other.MaxSize = 720
	if _, _, err := sup.Reconfigure(context.Background(), "serial-1", subA.ID, other); !errors.Is(err, ErrOptionsMismatch) {
		t.Fatalf("reconfigure with two viewers: got %v, want OptionsMismatch", err)
	}

	sup.Unsubscribe("serial-1", subB.ID)

	newSub, _, err := sup.Reconfigure(context.Background(), "serial-1", subA.ID, other)
	if err != nil {
		t.Fatalf("sole-subscriber reconfigure failed: %v", err)
	}
	if newSub == nil || newSub.ID == subA.ID {
		t.Error("reconfigure should hand back a fresh subscription")
	}
	if src.starts.Load() != 2 {
		t.Errorf("reconfigure should restart the capture, starts=%d", src.starts.Load())
	}
}

func waitForStarts(t *testing.T, src *fakeSource, want int32) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for time.Now().Before(deadline) {
		if src.starts.Load() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %d starts", want)
}
