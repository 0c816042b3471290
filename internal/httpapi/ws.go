package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"
	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/contactsync/internal/contactsync"
)

// liveConn adapts a websocket to the engine's push interface. Writes are
// serialized by wsjson; concurrent pushes from the broadcast path are safe.
type liveConn struct {
	ws *websocket.Conn
}

func (c *liveConn) Send(ctx context.Context, evt contactsync.Event) error {
	return wsjson.Write(ctx, c.ws, evt)
}

func (c *liveConn) Close() error {
	return c.ws.Close(websocket.StatusNormalClosure, "server closing")
}

type registerPayload struct {
	DeviceID   string `json:"device_id"`
	DeviceName string `json:"device_name"`
	DeviceType string `json:"device_type"`
}

type ackPayload struct {
	MessageUUIDs []string `json:"message_uuids"`
}

// handleWS runs one device session: the first register-device message binds
// the socket to a device id and triggers the queued-message drain, then the
// loop serves heartbeats and in-band acks until the peer goes away.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"},
	})
	if err != nil {
		s.log.Warn("websocket accept failed", zap.Error(err))
		return
	}
	conn := &liveConn{ws: ws}
	defer ws.Close(websocket.StatusInternalError, "session ended")

	ctx := r.Context()
	deviceID := ""
	defer func() {
		if deviceID != "" {
			// r.Context() is already done at this point.
			cleanup, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			s.engine.DisconnectDevice(cleanup, deviceID)
		}
	}()

	for {
		var evt contactsync.Event
		if err := wsjson.Read(ctx, ws, &evt); err != nil {
			status := websocket.CloseStatus(err)
			if status == -1 && !errors.Is(err, context.Canceled) {
				s.log.Debug("websocket read failed", zap.String("device_id", deviceID), zap.Error(err))
			}
			return
		}

		switch evt.Type {
		case "register-device":
			var reg registerPayload
			if err := json.Unmarshal(evt.Data, &reg); err != nil || reg.DeviceID == "" {
				s.sendWS(ctx, conn, "error", map[string]string{"message": "register-device requires device_id"})
				continue
			}
			info := contactsync.DeviceInfo{Name: reg.DeviceName, Kind: reg.DeviceType}
			if err := s.engine.RegisterDevice(ctx, reg.DeviceID, info, conn); err != nil {
				s.log.Warn("device registration failed", zap.String("device_id", reg.DeviceID), zap.Error(err))
				s.sendWS(ctx, conn, "error", map[string]string{"message": "registration failed"})
				continue
			}
			deviceID = reg.DeviceID
			s.sendWS(ctx, conn, "registration-confirmed", map[string]any{
				"device_id":        deviceID,
				"server_timestamp": time.Now().UTC(),
			})
			// Confirmation goes out first, then the outbox replay.
			if err := s.engine.DrainQueued(ctx, deviceID, conn); err != nil {
				s.log.Warn("queue drain failed", zap.String("device_id", deviceID), zap.Error(err))
			}

		case "heartbeat":
			if deviceID == "" {
				continue
			}
			if err := s.engine.HeartbeatDevice(ctx, deviceID); err != nil {
				s.log.Warn("heartbeat failed", zap.String("device_id", deviceID), zap.Error(err))
				continue
			}
			s.sendWS(ctx, conn, "heartbeat-ack", map[string]any{"timestamp": time.Now().UTC()})

		case "message-ack":
			if deviceID == "" {
				continue
			}
			var ack ackPayload
			if err := json.Unmarshal(evt.Data, &ack); err != nil {
				continue
			}
			acked, err := s.engine.Acknowledge(ctx, deviceID, ack.MessageUUIDs)
			if err != nil {
				s.log.Warn("in-band ack failed", zap.String("device_id", deviceID), zap.Error(err))
				continue
			}
			s.sendWS(ctx, conn, "messages-acknowledged", map[string]int{"acknowledged": acked})

		default:
			s.log.Debug("unknown websocket message", zap.String("type", evt.Type))
		}
	}
}

func (s *Server) sendWS(ctx context.Context, conn *liveConn, eventType string, payload any) {
	data, err := json.Marshal(payload)
	if err != nil {
		return
	}
	if err := conn.Send(ctx, contactsync.Event{Type: eventType, Data: data}); err != nil {
		s.log.Debug("websocket send failed", zap.String("event", eventType), zap.Error(err))
	}
}
