package api

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"devicegate/adb"
	"devicegate/models"
	"devicegate/service"
)

// HandleScreenWS serves the screenshot fallback stream: one binary PNG
// frame per capture interval. Much heavier than the H.264 path; meant for
// devices where no scrcpy server is available.
func HandleScreenWS(client *adb.Client, dm *service.DeviceManager, intervalMS int, c *gin.Context) {
	deviceID := c.Param("id")
	serial, err := dm.ResolveSerial(deviceID)
	if err != nil {
		c.JSON(http.StatusNotFound, models.ErrorResponse(err.Error()))
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.WithError(err).Warn("websocket upgrade failed")
		return
	}
	defer conn.Close()

	log := logrus.WithFields(logrus.Fields{"device": serial, "ws": "screen"})

	ctx, cancel := context.WithCancel(c.Request.Context())
	defer cancel()

	// Reader exists only to notice the disconnect.
	go func() {
		defer cancel()
		conn.SetReadLimit(4 * 1024)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	interval := time.Duration(intervalMS) * time.Millisecond
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info("screen viewer disconnected")
			return
		case <-ticker.C:
			frame, err := client.ScreenCapture(ctx, serial)
			if err != nil {
				log.WithError(err).Warn("screencap failed")
				continue
			}
			conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
				return
			}
		}
	}
}
