package api

import (
	"context"
	"encoding/json"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"devicegate/models"
	"devicegate/service"
)

// streamConfigMsg is the optional client request to restart the stream with
// different parameters. Honored only while the client is the sole viewer.
type streamConfigMsg struct {
	Type    string `json:"type"`
	MaxSize int    `json:"max_size"`
	BitRate int    `json:"bit_rate"`
	MaxFPS  int    `json:"max_fps"`
}

// h264Conn is one /ws/h264 viewer. A single writer goroutine owns the
// socket; the reader and the packet pump feed it through channels.
type h264Conn struct {
	conn    *websocket.Conn
	serial  string
	sup     *service.SessionSupervisor
	control chan []byte // text frames: pong, JSON notices
	packets chan *models.MediaPacket

	mu      sync.Mutex
	sub     *service.Subscriber
	pumpEnd context.CancelFunc
	opts    models.StreamOptions
}

// HandleH264WS serves the length-prefixed H.264 WebSocket: a JSON
// {"type":"connected"} preamble, then one binary message per media packet.
func HandleH264WS(sup *service.SessionSupervisor, dm *service.DeviceManager, c *gin.Context) {
	deviceID := c.Param("id")
	serial, err := dm.ResolveSerial(deviceID)
	if err != nil {
		c.JSON(http.StatusNotFound, models.ErrorResponse(err.Error()))
		return
	}

	opts := streamOptionsFromQuery(c)

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		logrus.WithError(err).Warn("websocket upgrade failed")
		return
	}

	log := logrus.WithFields(logrus.Fields{"device": serial, "ws": "h264"})

	conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteJSON(gin.H{"type": "connected"}); err != nil {
		conn.Close()
		return
	}

	sub, _, err := sup.Subscribe(c.Request.Context(), serial, opts)
	if err != nil {
		log.WithError(err).Warn("stream subscribe failed")
		conn.SetWriteDeadline(time.Now().Add(writeWait))
		conn.WriteMessage(websocket.TextMessage, errorFrame(err))
		conn.Close()
		return
	}

	h := &h264Conn{
		conn:    conn,
		serial:  serial,
		sup:     sup,
		control: make(chan []byte, 8),
		packets: make(chan *models.MediaPacket, 8),
		sub:     sub,
		opts:    opts,
	}
	h.startPump(sub)

	done := make(chan struct{})
	go h.writePump(done)
	h.readPump(log)

	// Reader returned: the client is gone. Stop the writer, then detach.
	close(done)
	h.mu.Lock()
	h.pumpEnd()
	current := h.sub
	h.mu.Unlock()
	sup.Unsubscribe(serial, current.ID)
	conn.Close()
	log.Info("viewer disconnected")
}

// startPump drains the subscriber into the packet channel until the
// subscription or the pump context ends.
func (h *h264Conn) startPump(sub *service.Subscriber) {
	ctx, cancel := context.WithCancel(context.Background())
	h.pumpEnd = cancel
	go func() {
		for {
			pkt, err := sub.Next(ctx)
			if err != nil {
				// A cancelled pump is a local swap or disconnect, not a
				// session event the client should hear about.
				if ctx.Err() == nil {
					select {
					case h.control <- mustJSON(gin.H{"type": "closed", "reason": err.Error()}):
					default:
					}
				}
				return
			}
			select {
			case h.packets <- pkt:
			case <-ctx.Done():
				return
			}
		}
	}()
}

func (h *h264Conn) writePump(done chan struct{}) {
	ticker := time.NewTicker(pingPeriod)
	defer ticker.Stop()

	for {
		select {
		case <-done:
			return
		case pkt := <-h.packets:
			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.BinaryMessage, pkt.Data); err != nil {
				return
			}
		case msg := <-h.control:
			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				return
			}
		case <-ticker.C:
			h.conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := h.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

func (h *h264Conn) readPump(log *logrus.Entry) {
	h.conn.SetReadLimit(1 << 20)
	h.conn.SetReadDeadline(time.Now().Add(pongWait))
	h.conn.SetPongHandler(func(string) error {
		h.conn.SetReadDeadline(time.Now().Add(pongWait))
		return nil
	})

	for {
		_, message, err := h.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseAbnormalClosure) {
				log.WithError(err).Debug("websocket read failed")
			}
			return
		}

		if string(message) == "ping" {
			select {
			case h.control <- []byte("pong"):
			default:
			}
			continue
		}

		var cfg streamConfigMsg
		if err := json.Unmarshal(message, &cfg); err == nil && cfg.Type == "config" {
			h.reconfigure(log, cfg)
		}
	}
}

// reconfigure restarts the session with the requested parameters. The
// supervisor rejects it unless this viewer is the only subscriber.
func (h *h264Conn) reconfigure(log *logrus.Entry, cfg streamConfigMsg) {
	opts := h.opts
	if cfg.MaxSize > 0 {
		opts.MaxSize = cfg.MaxSize
	}
	if cfg.BitRate > 0 {
		opts.BitRate = cfg.BitRate
	}
	if cfg.MaxFPS > 0 {
		opts.MaxFPS = cfg.MaxFPS
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	newSub, _, err := h.sup.Reconfigure(context.Background(), h.serial, h.sub.ID, opts)
	if err != nil {
		log.WithError(err).Warn("stream reconfigure rejected")
		select {
		case h.control <- errorFrame(err):
		default:
		}
		return
	}

	h.pumpEnd()
	h.sub = newSub
	h.opts = opts
	h.startPump(newSub)
	log.WithFields(logrus.Fields{"max_size": opts.MaxSize, "bit_rate": opts.BitRate}).Info("stream reconfigured")
}

// streamOptionsFromQuery applies query-string overrides to the configured
// stream defaults.
func streamOptionsFromQuery(c *gin.Context) models.StreamOptions {
	opts := models.DefaultStreamOptions()
	if v, err := strconv.Atoi(c.Query("max_size")); err == nil && v > 0 {
		opts.MaxSize = v
	}
	if v, err := strconv.Atoi(c.Query("bit_rate")); err == nil && v > 0 {
		opts.BitRate = v
	}
	if v, err := strconv.Atoi(c.Query("max_fps")); err == nil && v > 0 {
		opts.MaxFPS = v
	}
	if codec := c.Query("codec"); codec != "" {
		opts.Codec = codec
	}
	return opts
}

func mustJSON(v interface{}) []byte {
	b, err := json.Marshal(v)
	if err != nil {
		return []byte("{}")
	}
	return b
}

// errorFrame is the JSON error notice sent to stream clients:
// {"type":"error","message":...}.
func errorFrame(err error) []byte {
	return mustJSON(gin.H{"type": "error", "message": err.Error()})
}
