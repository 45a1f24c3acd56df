package api

import (
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"devicegate/models"
)

const logSubscriberBound = 256

// logSubscriber receives encoded log entries for one device channel.
type logSubscriber struct {
	id string
	ch chan []byte
}

// LogHub routes classified agent log lines to per-device subscriber sets.
// A subscriber that cannot absorb an entry is evicted silently; the hub
// never fails the producing side.
type LogHub struct {
	mu   sync.Mutex
	subs map[string]map[string]*logSubscriber // device id -> subscriber id -> sub
}

func NewLogHub() *LogHub {
	return &LogHub{subs: make(map[string]map[string]*logSubscriber)}
}

// SubscribeLogs registers a listener for one device's log channel.
func (h *LogHub) SubscribeLogs(deviceID string) *logSubscriber {
	sub := &logSubscriber{id: uuid.NewString(), ch: make(chan []byte, logSubscriberBound)}

	h.mu.Lock()
	set, ok := h.subs[deviceID]
	if !ok {
		set = make(map[string]*logSubscriber)
		h.subs[deviceID] = set
	}
	set[sub.id] = sub
	h.mu.Unlock()
	return sub
}

// UnsubscribeLogs removes a listener and closes its channel.
func (h *LogHub) UnsubscribeLogs(deviceID string, sub *logSubscriber) {
	h.mu.Lock()
	set, ok := h.subs[deviceID]
	if ok {
		if _, live := set[sub.id]; live {
			delete(set, sub.id)
			close(sub.ch)
		}
		if len(set) == 0 {
			delete(h.subs, deviceID)
		}
	}
	h.mu.Unlock()
}

// BroadcastLogLine encodes one entry and delivers it to every subscriber of
// the device. Implements the agent runner's sink interface.
func (h *LogHub) BroadcastLogLine(deviceID, category, message string, payload interface{}) {
	entry := models.LogEntry{
		DeviceID:  deviceID,
		Category:  category,
		Message:   message,
		Payload:   payload,
		Timestamp: time.Now().UnixMilli(),
	}
	encoded, err := json.Marshal(entry)
	if err != nil {
		logrus.WithError(err).Warn("failed to encode log entry")
		return
	}

	h.mu.Lock()
	var evicted []*logSubscriber
	for _, sub := range h.subs[deviceID] {
		select {
		case sub.ch <- encoded:
		default:
			delete(h.subs[deviceID], sub.id)
			evicted = append(evicted, sub)
		}
	}
	if len(h.subs[deviceID]) == 0 {
		delete(h.subs, deviceID)
	}
	h.mu.Unlock()

	for _, sub := range evicted {
		close(sub.ch)
	}
}
