package service

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"devicegate/adb"
	"devicegate/models"
)

const (
	controlQueueBound   = 100
	defaultSwipeMS      = 300
	defaultLongPressMS  = 600
	defaultScrollAmount = 400
)

// Android keycodes for the navigation shortcuts.
const (
	keycodeHome      = 3
	keycodeBack      = 4
	keycodeAppSwitch = 187
)

// controlJob pairs an action with the channel its caller waits on.
type controlJob struct {
	serial string
	action *models.Action
	out    chan controlResult
}

type controlResult struct {
	data []byte // screenshot payload, nil otherwise
	err  error
}

// ControlWorker executes input actions through adb shell. Each device gets
// one worker goroutine fed by a bounded queue, so at most one shell command
// is in flight per device and actions execute in dispatch order.
type ControlWorker struct {
	client  *adb.Client
	devices *DeviceManager
	history *HistoryStore

	mu     sync.Mutex
	queues map[string]chan *controlJob
	closed bool
}

func NewControlWorker(client *adb.Client, devices *DeviceManager, history *HistoryStore) *ControlWorker {
	return &ControlWorker{
		client:  client,
		devices: devices,
		history: history,
		queues:  make(map[string]chan *controlJob),
	}
}

// Dispatch queues an action on the device's serialized worker and waits for
// the outcome. The returned bytes are non-nil only for screenshots.
func (w *ControlWorker) Dispatch(ctx context.Context, deviceID, actionType string, params map[string]interface{}) (*models.Action, []byte, error) {
	serial, err := w.devices.ResolveSerial(deviceID)
	if err != nil {
		return nil, nil, err
	}

	action := &models.Action{
		ID:        uuid.NewString(),
		DeviceID:  deviceID,
		Type:      actionType,
		Params:    params,
		Timestamp: time.Now().Unix(),
		Status:    "pending",
	}
	job := &controlJob{serial: serial, action: action, out: make(chan controlResult, 1)}

	queue, err := w.queue(serial)
	if err != nil {
		return nil, nil, err
	}
	select {
	case queue <- job:
	default:
		return nil, nil, fmt.Errorf("control queue full for device %s", deviceID)
	}

	select {
	case res := <-job.out:
		return action, res.data, res.err
	case <-ctx.Done():
		// The worker still runs the action; the caller just stops waiting.
		return action, nil, ctx.Err()
	}
}

func (w *ControlWorker) queue(serial string) (chan *controlJob, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, ErrSessionClosed
	}
	q, ok := w.queues[serial]
	if !ok {
		q = make(chan *controlJob, controlQueueBound)
		w.queues[serial] = q
		go w.run(q)
	}
	return q, nil
}

// Close stops every worker after its queue drains.
func (w *ControlWorker) Close() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return
	}
	w.closed = true
	for _, q := range w.queues {
		close(q)
	}
}

func (w *ControlWorker) run(queue chan *controlJob) {
	for job := range queue {
		job.action.Status = "executing"
		data, err := w.execute(job.serial, job.action)
		if err != nil {
			job.action.Status = "failed"
			job.action.Result = err.Error()
		} else {
			job.action.Status = "done"
			job.action.Result = "success"
		}
		w.record(job.action)
		job.out <- controlResult{data: data, err: err}
	}
}

func (w *ControlWorker) record(action *models.Action) {
	if w.history == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := w.history.RecordAction(ctx, action); err != nil {
		logrus.WithError(err).Warn("failed to record action history")
	}
}

func (w *ControlWorker) execute(serial string, action *models.Action) ([]byte, error) {
	ctx, cancel := context.WithTimeout(context.Background(), adb.DefaultTimeout)
	defer cancel()

	p := action.Params
	switch action.Type {
	case "tap":
		x, y, err := intPair(p, "x", "y")
		if err != nil {
			return nil, err
		}
		return nil, w.shell(ctx, serial, "input", "tap", itoa(x), itoa(y))

	case "swipe":
		x1, y1, err := intPair(p, "x1", "y1")
		if err != nil {
			return nil, err
		}
		x2, y2, err := intPair(p, "x2", "y2")
		if err != nil {
			return nil, err
		}
		dur := intOr(p, "duration", defaultSwipeMS)
		return nil, w.shell(ctx, serial, "input", "swipe",
			itoa(x1), itoa(y1), itoa(x2), itoa(y2), itoa(dur))

	case "long_press":
		// A long press is a swipe with equal endpoints.
		x, y, err := intPair(p, "x", "y")
		if err != nil {
			return nil, err
		}
		dur := intOr(p, "duration", defaultLongPressMS)
		return nil, w.shell(ctx, serial, "input", "swipe",
			itoa(x), itoa(y), itoa(x), itoa(y), itoa(dur))

	case "input":
		text, err := strParam(p, "text")
		if err != nil {
			return nil, err
		}
		return nil, w.shell(ctx, serial, "input", "text", escapeInputText(text))

	case "key":
		keycode, err := intParam(p, "keycode")
		if err != nil {
			return nil, err
		}
		return nil, w.shell(ctx, serial, "input", "keyevent", itoa(keycode))

	case "back":
		return nil, w.shell(ctx, serial, "input", "keyevent", itoa(keycodeBack))

	case "home":
		return nil, w.shell(ctx, serial, "input", "keyevent", itoa(keycodeHome))

	case "recents":
		return nil, w.shell(ctx, serial, "input", "keyevent", itoa(keycodeAppSwitch))

	case "scroll":
		x, y, err := intPair(p, "x", "y")
		if err != nil {
			return nil, err
		}
		dx := intOr(p, "dx", 0)
		dy := intOr(p, "dy", -defaultScrollAmount)
		dur := intOr(p, "duration", defaultSwipeMS)
		return nil, w.shell(ctx, serial, "input", "swipe",
			itoa(x), itoa(y), itoa(x+dx), itoa(y+dy), itoa(dur))

	case "app_start":
		pkg, err := strParam(p, "package")
		if err != nil {
			return nil, err
		}
		return nil, w.shell(ctx, serial, "monkey", "-p", pkg,
			"-c", "android.intent.category.LAUNCHER", "1")

	case "app_stop":
		pkg, err := strParam(p, "package")
		if err != nil {
			return nil, err
		}
		return nil, w.shell(ctx, serial, "am", "force-stop", pkg)

	case "screenshot":
		return w.client.ScreenCapture(ctx, serial)

	default:
		return nil, fmt.Errorf("unknown action type: %s", action.Type)
	}
}

func (w *ControlWorker) shell(ctx context.Context, serial string, args ...string) error {
	res, err := w.client.Shell(ctx, serial, args...)
	if err != nil {
		return err
	}
	if res.ExitCode != 0 {
		return fmt.Errorf("%s failed: %s", args[0], strings.TrimSpace(string(res.Stderr)))
	}
	return nil
}

// escapeInputText prepares text for `input text`, which is interpreted by
// the device-side shell. Spaces become %s per the input tool's convention.
func escapeInputText(text string) string {
	r := strings.NewReplacer(
		" ", "%s",
		"'", `\'`,
		`"`, `\"`,
		"&", `\&`,
		"<", `\<`,
		">", `\>`,
		"(", `\(`,
		")", `\)`,
		"|", `\|`,
		";", `\;`,
		"$", `\$`,
	)
	return r.Replace(text)
}

func itoa(v int) string { return strconv.Itoa(v) }

func intParam(p map[string]interface{}, key string) (int, error) {
	v, ok := p[key]
	if !ok {
		return 0, fmt.Errorf("missing parameter %q", key)
	}
	switch n := v.(type) {
	case float64: // JSON numbers
		return int(n), nil
	case int:
		return n, nil
	case string:
		i, err := strconv.Atoi(n)
		if err != nil {
			return 0, fmt.Errorf("parameter %q is not a number", key)
		}
		return i, nil
	default:
		return 0, fmt.Errorf("parameter %q is not a number", key)
	}
}

func intPair(p map[string]interface{}, k1, k2 string) (int, int, error) {
	a, err := intParam(p, k1)
	if err != nil {
		return 0, 0, err
	}
	b, err := intParam(p, k2)
	if err != nil {
		return 0, 0, err
	}
	return a, b, nil
}

func intOr(p map[string]interface{}, key string, def int) int {
	v, err := intParam(p, key)
	if err != nil {
		return def
	}
	return v
}

func strParam(p map[string]interface{}, key string) (string, error) {
	v, ok := p[key].(string)
	if !ok || v == "" {
		return "", fmt.Errorf("missing parameter %q", key)
	}
	return v, nil
}
