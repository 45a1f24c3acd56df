package api

import (
	"encoding/json"
	"errors"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"devicegate/models"
)

func TestErrorFrameShape(t *testing.T) {
	raw := errorFrame(errors.New("stream options differ from running session"))

	var frame map[string]string
	require.NoError(t, json.Unmarshal(raw, &frame))
	assert.Equal(t, "error", frame["type"])
	assert.Equal(t, "stream options differ from running session", frame["message"])
	assert.NotContains(t, frame, "error", "the detail field is named message")
}

func TestStreamOptionsFromQuery(t *testing.T) {
	gin.SetMode(gin.TestMode)

	c, _ := gin.CreateTestContext(httptest.NewRecorder())
	c.Request = httptest.NewRequest("GET", "/ws/h264/dev?max_size=720&bit_rate=2000000&codec=h265", nil)

	opts := streamOptionsFromQuery(c)
	assert.Equal(t, 720, opts.MaxSize)
	assert.Equal(t, 2_000_000, opts.BitRate)
	assert.Equal(t, "h265", opts.Codec)

	// Untouched parameters keep the configured defaults.
	assert.Equal(t, models.DefaultStreamOptions().MaxFPS, opts.MaxFPS)
}
