package api

import (
	"context"
	"sync"

	socketio "github.com/googollee/go-socket.io"
	"github.com/sirupsen/logrus"

	"devicegate/models"
	"devicegate/service"
)

// connectDeviceReq is the payload of the "connect-device" event.
type connectDeviceReq struct {
	DeviceID string `json:"device_id"`
	MaxSize  int    `json:"maxSize"`
	BitRate  int    `json:"bitRate"`
}

// sioViewer is the per-connection streaming state.
type sioViewer struct {
	mu     sync.Mutex
	serial string
	subID  string
	cancel context.CancelFunc
}

// detach releases the viewer's subscription, if any. Safe to call twice.
func (v *sioViewer) detach(sup *service.SessionSupervisor) {
	v.mu.Lock()
	serial, subID, cancel := v.serial, v.subID, v.cancel
	v.serial, v.subID, v.cancel = "", "", nil
	v.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if subID != "" {
		sup.Unsubscribe(serial, subID)
	}
}

// NewSocketIOServer builds the Socket.IO flavor of the video surface:
// "connect-device" subscribes, a one-shot "video-metadata" follows, then
// one "video-data" event per media packet until "disconnect-device" or the
// transport drops.
func NewSocketIOServer(sup *service.SessionSupervisor, dm *service.DeviceManager) *socketio.Server {
	server := socketio.NewServer(nil)

	server.OnConnect("/", func(s socketio.Conn) error {
		s.SetContext(&sioViewer{})
		return nil
	})

	server.OnEvent("/", "connect-device", func(s socketio.Conn, req connectDeviceReq) {
		viewer := s.Context().(*sioViewer)
		viewer.detach(sup) // one stream per connection

		serial, err := dm.ResolveSerial(req.DeviceID)
		if err != nil {
			s.Emit("error", map[string]interface{}{"message": err.Error()})
			return
		}

		opts := models.DefaultStreamOptions()
		if req.MaxSize > 0 {
			opts.MaxSize = req.MaxSize
		}
		if req.BitRate > 0 {
			opts.BitRate = req.BitRate
		}

		sub, meta, err := sup.Subscribe(context.Background(), serial, opts)
		if err != nil {
			logrus.WithField("device", serial).WithError(err).Warn("socket.io subscribe failed")
			s.Emit("error", map[string]interface{}{"message": err.Error()})
			return
		}

		ctx, cancel := context.WithCancel(context.Background())
		viewer.mu.Lock()
		viewer.serial = serial
		viewer.subID = sub.ID
		viewer.cancel = cancel
		viewer.mu.Unlock()

		s.Emit("video-metadata", map[string]interface{}{
			"device_name": meta.DeviceName,
			"width":       meta.Width,
			"height":      meta.Height,
			"codec":       meta.Codec,
		})

		go pumpSocketIO(ctx, s, sub)
	})

	server.OnEvent("/", "disconnect-device", func(s socketio.Conn) {
		s.Context().(*sioViewer).detach(sup)
	})

	server.OnDisconnect("/", func(s socketio.Conn, reason string) {
		if viewer, ok := s.Context().(*sioViewer); ok {
			viewer.detach(sup)
		}
	})

	server.OnError("/", func(s socketio.Conn, err error) {
		logrus.WithError(err).Debug("socket.io error")
	})

	return server
}

// pumpSocketIO forwards packets until the subscription closes or the viewer
// detaches.
func pumpSocketIO(ctx context.Context, s socketio.Conn, sub *service.Subscriber) {
	for {
		pkt, err := sub.Next(ctx)
		if err != nil {
			if ctx.Err() == nil {
				s.Emit("error", map[string]interface{}{"message": err.Error()})
			}
			return
		}

		event := map[string]interface{}{
			"type":      packetTypeName(pkt.Type),
			"data":      pkt.Data,
			"timestamp": pkt.PTS,
		}
		if pkt.Keyframe {
			event["keyframe"] = true
		}
		if pkt.PTS > 0 {
			event["pts"] = pkt.PTS
		}
		s.Emit("video-data", event)
	}
}

func packetTypeName(t models.PacketType) string {
	if t == models.PacketConfiguration {
		return "configuration"
	}
	return "data"
}
