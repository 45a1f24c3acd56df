package service

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"devicegate/models"
)

func TestClassifyLogLine(t *testing.T) {
	cases := []struct {
		line string
		want string
	}{
		{"Step 3/10: opening settings", models.LogStep},
		{"step 1/5", models.LogStep},
		{"step 3/10 failed to find element", models.LogStep}, // progress beats error words
		{"Model request: describe the screen", models.LogModelRequest},
		{"calling model with 2 images", models.LogModelRequest},
		{"Model response: tap the gear icon", models.LogModelResponse},
		{"Executing action tap(540, 1200)", models.LogAction},
		{"action: swipe up", models.LogAction},
		{"Error: device unreachable", models.LogError},
		{"task failed after 3 retries", models.LogError},
		{"Traceback: ValueError exception raised", models.LogError},
		{"connected to device", models.LogInfo},
		{"", models.LogInfo},
	}

	for _, c := range cases {
		assert.Equal(t, c.want, ClassifyLogLine(c.line), "line: %q", c.line)
	}
}

func TestEscapeInputText(t *testing.T) {
	assert.Equal(t, "hello%sworld", escapeInputText("hello world"))
	assert.Equal(t, `it\'s`, escapeInputText("it's"))
	assert.Equal(t, `a\&b\|c`, escapeInputText("a&b|c"))
	assert.Equal(t, "plain", escapeInputText("plain"))
}

func TestControlParamHelpers(t *testing.T) {
	params := map[string]interface{}{
		"x":    float64(540), // JSON numbers decode as float64
		"y":    1200,
		"s":    "920",
		"text": "hello",
	}

	x, err := intParam(params, "x")
	assert.NoError(t, err)
	assert.Equal(t, 540, x)

	y, err := intParam(params, "y")
	assert.NoError(t, err)
	assert.Equal(t, 1200, y)

	s, err := intParam(params, "s")
	assert.NoError(t, err)
	assert.Equal(t, 920, s)

	_, err = intParam(params, "missing")
	assert.Error(t, err)

	_, err = intParam(params, "text")
	assert.Error(t, err)

	assert.Equal(t, 300, intOr(params, "missing", 300))

	text, err := strParam(params, "text")
	assert.NoError(t, err)
	assert.Equal(t, "hello", text)
}

func TestAgentRunnerRejectsConcurrentRuns(t *testing.T) {
	runner := NewAgentRunner("/bin/true", 10, nil, nil)

	// Mark the device busy directly; process lifetimes are too racy to
	// pin a "still running" window on.
	runner.mu.Lock()
	runner.running["device_a"] = func() {}
	runner.mu.Unlock()

	_, err := runner.StartRun("device_a", "serial_a", "another task")
	assert.Error(t, err, "second run on the same device must be rejected")

	assert.True(t, runner.Cancel("device_a"))
	assert.False(t, runner.Cancel("device_idle"))
}

func TestAgentRunnerRequiresCommand(t *testing.T) {
	runner := NewAgentRunner("", 10, nil, nil)
	_, err := runner.StartRun("device_a", "serial_a", "anything")
	assert.Error(t, err)
}
