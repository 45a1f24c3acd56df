package service

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"

	"devicegate/models"
)

type sessionState int

const (
	stateIdle sessionState = iota
	stateStarting
	stateRunning
	stateStopping
)

func (s sessionState) String() string {
	switch s {
	case stateIdle:
		return "idle"
	case stateStarting:
		return "starting"
	case stateRunning:
		return "running"
	case stateStopping:
		return "stopping"
	}
	return "unknown"
}

// session is the per-device streaming state machine. The mutex guards state
// transitions only; capture I/O happens with the lock released, and waiters
// park on cond until a transition completes.
type session struct {
	mu   sync.Mutex
	cond *sync.Cond

	state  sessionState
	opts   models.StreamOptions
	meta   *models.VideoMetadata
	bus    *FanOutBus
	source CaptureSource
	cancel context.CancelFunc
}

func newSession() *session {
	s := &session{}
	s.cond = sync.NewCond(&s.mu)
	return s
}

// SessionInfo is a point-in-time snapshot for the status surface.
type SessionInfo struct {
	Serial      string               `json:"serial"`
	State       string               `json:"state"`
	Subscribers int                  `json:"subscribers"`
	Options     models.StreamOptions `json:"options"`
}

// SessionSupervisor owns one session per device serial. Sessions are
// created lazily on the first Subscribe and torn down when the last
// subscriber leaves or the capture fails. There is no automatic restart: a
// failed session returns to idle and the next Subscribe starts fresh.
type SessionSupervisor struct {
	mu        sync.Mutex
	sessions  map[string]*session
	newSource SourceFactory
}

func NewSessionSupervisor(factory SourceFactory) *SessionSupervisor {
	return &SessionSupervisor{
		sessions:  make(map[string]*session),
		newSource: factory,
	}
}

func (sv *SessionSupervisor) session(serial string) *session {
	sv.mu.Lock()
	defer sv.mu.Unlock()
	sess, ok := sv.sessions[serial]
	if !ok {
		sess = newSession()
		sv.sessions[serial] = sess
	}
	return sess
}

// Subscribe attaches a viewer to the device's stream, starting the capture
// if the session is idle. A subscriber arriving while the session is
// starting or stopping waits for the transition and re-evaluates. Attaching
// to a running session requires matching stream options; a mismatch is
// rejected with OptionsMismatch.
func (sv *SessionSupervisor) Subscribe(ctx context.Context, serial string, opts models.StreamOptions) (*Subscriber, *models.VideoMetadata, error) {
	sess := sv.session(serial)

	sess.mu.Lock()
	for {
		switch sess.state {
		case stateIdle:
			sess.state = stateStarting
			sess.opts = opts
			sess.mu.Unlock()
			return sv.start(ctx, sess, serial, opts)

		case stateRunning:
			if sess.opts != opts {
				sess.mu.Unlock()
				return nil, nil, ErrOptionsMismatch
			}
			sub, err := sess.bus.Subscribe()
			meta := sess.meta
			sess.mu.Unlock()
			return sub, meta, err

		default: // starting or stopping
			sess.cond.Wait()
		}
	}
}

// start runs the capture start sequence with the session lock released and
// commits the result. On failure the session returns to idle and the error
// propagates to the subscriber that triggered the start.
func (sv *SessionSupervisor) start(ctx context.Context, sess *session, serial string, opts models.StreamOptions) (*Subscriber, *models.VideoMetadata, error) {
	log := logrus.WithField("device", serial)

	fail := func(err error) (*Subscriber, *models.VideoMetadata, error) {
		sess.mu.Lock()
		sess.state = stateIdle
		sess.cond.Broadcast()
		sess.mu.Unlock()
		log.WithError(err).Error("stream session start failed")
		return nil, nil, err
	}

	source := sv.newSource(serial, opts)

	// The capture outlives the subscribing request, so it runs under a
	// session-scoped context rather than the caller's.
	sessCtx, cancel := context.WithCancel(context.Background())

	stream, err := source.Start(sessCtx)
	if err != nil {
		cancel()
		return fail(err)
	}

	var codec *StreamCodec
	var meta *models.VideoMetadata
	if source.Framed() {
		codec = NewStreamCodec(stream, opts)
		meta, err = codec.ReadMetadata()
		if err != nil {
			source.Stop()
			cancel()
			return fail(err)
		}
	} else {
		codec = NewRawNALCodec(stream)
		meta = source.Metadata()
	}

	bus := NewFanOutBus()

	sess.mu.Lock()
	sess.state = stateRunning
	sess.meta = meta
	sess.bus = bus
	sess.source = source
	sess.cancel = cancel
	sub, subErr := bus.Subscribe()
	sess.cond.Broadcast()
	sess.mu.Unlock()
	if subErr != nil {
		return nil, nil, subErr
	}

	log.WithFields(logrus.Fields{
		"name":   meta.DeviceName,
		"width":  meta.Width,
		"height": meta.Height,
	}).Info("stream session running")

	go sv.readLoop(sess, serial, codec, bus)
	return sub, meta, nil
}

// readLoop pumps packets from the codec into the bus until the stream ends.
// The bus is captured by value: teardown clears the session's reference
// while the loop may still be draining its final read.
func (sv *SessionSupervisor) readLoop(sess *session, serial string, codec *StreamCodec, bus *FanOutBus) {
	for {
		pkt, err := codec.ReadPacket()
		if err != nil {
			logrus.WithField("device", serial).WithError(err).Info("stream session ended")
			sv.stop(sess, bus, err, false)
			return
		}
		bus.Publish(pkt)
	}
}

// Unsubscribe detaches a viewer. The last leaver tears the session down.
func (sv *SessionSupervisor) Unsubscribe(serial, subscriberID string) {
	sess := sv.session(serial)

	sess.mu.Lock()
	if sess.state != stateRunning {
		sess.mu.Unlock()
		return
	}
	bus := sess.bus
	bus.Unsubscribe(subscriberID)
	sess.mu.Unlock()

	sv.stop(sess, bus, ErrSessionClosed, true)
}

// Reconfigure restarts the device's stream with new options. Allowed only
// when the caller is the sole subscriber; otherwise the running viewers win
// and OptionsMismatch is returned. Returns the replacement subscription.
func (sv *SessionSupervisor) Reconfigure(ctx context.Context, serial, subscriberID string, opts models.StreamOptions) (*Subscriber, *models.VideoMetadata, error) {
	sess := sv.session(serial)

	sess.mu.Lock()
	if sess.state != stateRunning {
		sess.mu.Unlock()
		return nil, nil, ErrSessionClosed
	}
	if sess.bus.Count() != 1 {
		sess.mu.Unlock()
		return nil, nil, ErrOptionsMismatch
	}
	bus := sess.bus
	bus.Unsubscribe(subscriberID)
	sess.mu.Unlock()

	sv.stop(sess, bus, ErrSessionClosed, false)
	return sv.Subscribe(ctx, serial, opts)
}

// stop transitions Running → Stopping → Idle, releasing capture resources
// and signalling subscribers with the cause. The bus identifies the session
// incarnation the caller means to stop, so a stale reader cannot tear down
// a successor session; nil matches whichever is running. With onlyIfEmpty
// the teardown is skipped while viewers remain. Idempotent.
func (sv *SessionSupervisor) stop(sess *session, bus *FanOutBus, cause error, onlyIfEmpty bool) {
	sess.mu.Lock()
	if sess.state != stateRunning || (bus != nil && sess.bus != bus) {
		sess.mu.Unlock()
		return
	}
	if onlyIfEmpty && sess.bus.Count() > 0 {
		sess.mu.Unlock()
		return
	}
	sess.state = stateStopping
	var source CaptureSource
	var cancel context.CancelFunc
	bus, source, cancel = sess.bus, sess.source, sess.cancel
	sess.bus, sess.source, sess.cancel, sess.meta = nil, nil, nil, nil
	sess.mu.Unlock()

	cancel()
	source.Stop()
	bus.Close(cause)

	sess.mu.Lock()
	sess.state = stateIdle
	sess.cond.Broadcast()
	sess.mu.Unlock()
}

// StopDevice force-closes the device's session, if any. Used when a device
// disconnects or on shutdown.
func (sv *SessionSupervisor) StopDevice(serial string) {
	sv.mu.Lock()
	sess, ok := sv.sessions[serial]
	sv.mu.Unlock()
	if ok {
		sv.stop(sess, nil, ErrDeviceNotConnected, false)
	}
}

// Shutdown tears down every active session.
func (sv *SessionSupervisor) Shutdown() {
	sv.mu.Lock()
	sessions := make([]*session, 0, len(sv.sessions))
	for _, sess := range sv.sessions {
		sessions = append(sessions, sess)
	}
	sv.mu.Unlock()

	for _, sess := range sessions {
		sv.stop(sess, nil, ErrSessionClosed, false)
	}
}

// Sessions snapshots every known session for the status surface.
func (sv *SessionSupervisor) Sessions() []SessionInfo {
	sv.mu.Lock()
	serials := make([]string, 0, len(sv.sessions))
	byName := make(map[string]*session, len(sv.sessions))
	for serial, sess := range sv.sessions {
		serials = append(serials, serial)
		byName[serial] = sess
	}
	sv.mu.Unlock()

	infos := make([]SessionInfo, 0, len(serials))
	for _, serial := range serials {
		sess := byName[serial]
		sess.mu.Lock()
		info := SessionInfo{Serial: serial, State: sess.state.String(), Options: sess.opts}
		if sess.bus != nil {
			info.Subscribers = sess.bus.Count()
		}
		sess.mu.Unlock()
		infos = append(infos, info)
	}
	return infos
}
