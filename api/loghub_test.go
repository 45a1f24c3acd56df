package api

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devicegate/models"
)

func TestLogHubRoutesByDevice(t *testing.T) {
	hub := NewLogHub()

	subA := hub.SubscribeLogs("device_a")
	subB := hub.SubscribeLogs("device_b")
	defer hub.UnsubscribeLogs("device_a", subA)
	defer hub.UnsubscribeLogs("device_b", subB)

	hub.BroadcastLogLine("device_a", models.LogStep, "Step 1/5: launch app", nil)

	select {
	case raw := <-subA.ch:
		var entry models.LogEntry
		require.NoError(t, json.Unmarshal(raw, &entry))
		assert.Equal(t, "device_a", entry.DeviceID)
		assert.Equal(t, models.LogStep, entry.Category)
		assert.Equal(t, "Step 1/5: launch app", entry.Message)
		assert.NotZero(t, entry.Timestamp)
	default:
		t.Fatal("subscriber for device_a received nothing")
	}

	select {
	case <-subB.ch:
		t.Fatal("device_b subscriber must not see device_a logs")
	default:
	}
}

func TestLogHubEvictsFullSubscriber(t *testing.T) {
	hub := NewLogHub()
	sub := hub.SubscribeLogs("device_a")

	for i := 0; i <= logSubscriberBound; i++ {
		hub.BroadcastLogLine("device_a", models.LogInfo, "line", nil)
	}

	// The overflowing broadcast evicts and closes the channel; the
	// buffered entries remain readable.
	received := 0
	for range sub.ch {
		received++
	}
	assert.Equal(t, logSubscriberBound, received)

	// Unsubscribing an evicted subscriber is a no-op.
	hub.UnsubscribeLogs("device_a", sub)
}

func TestLogHubUnsubscribeClosesChannel(t *testing.T) {
	hub := NewLogHub()
	sub := hub.SubscribeLogs("device_a")
	hub.UnsubscribeLogs("device_a", sub)

	_, open := <-sub.ch
	assert.False(t, open)

	// Broadcast to a device with no subscribers must not panic.
	hub.BroadcastLogLine("device_a", models.LogInfo, "after unsubscribe", nil)
}
