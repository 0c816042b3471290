package httpapi

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/agentworkforce/contactsync/internal/contactsync"
)

func dialWS(t *testing.T, ctx context.Context, ts *httptest.Server) *websocket.Conn {
	t.Helper()
	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		t.Fatalf("websocket dial failed: %v", err)
	}
	return conn
}

func sendWSEvent(t *testing.T, ctx context.Context, conn *websocket.Conn, eventType string, payload any) {
	t.Helper()
	data, err := json.Marshal(payload)
	if err != nil {
		t.Fatalf("marshal failed: %v", err)
	}
	if err := wsjson.Write(ctx, conn, contactsync.Event{Type: eventType, Data: data}); err != nil {
		t.Fatalf("write %s failed: %v", eventType, err)
	}
}

func readWSEvent(t *testing.T, ctx context.Context, conn *websocket.Conn) contactsync.Event {
	t.Helper()
	var evt contactsync.Event
	if err := wsjson.Read(ctx, conn, &evt); err != nil {
		t.Fatalf("websocket read failed: %v", err)
	}
	return evt
}

func TestWebsocketRegistrationAndHeartbeat(t *testing.T) {
	server, engine := newTestServer(t, ServerConfig{})
	ts := httptest.NewServer(server)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dialWS(t, ctx, ts)
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendWSEvent(t, ctx, conn, "register-device", map[string]string{
		"device_id":   "dev-ws",
		"device_name": "Laptop",
		"device_type": "desktop",
	})

	confirmed := readWSEvent(t, ctx, conn)
	if confirmed.Type != "registration-confirmed" {
		t.Fatalf("expected registration-confirmed, got %s", confirmed.Type)
	}
	var reg struct {
		DeviceID string `json:"device_id"`
	}
	if err := json.Unmarshal(confirmed.Data, &reg); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if reg.DeviceID != "dev-ws" {
		t.Fatalf("expected dev-ws, got %q", reg.DeviceID)
	}

	// The outbox replay follows confirmation even when the queue is empty.
	drained := readWSEvent(t, ctx, conn)
	if drained.Type != "queued-messages-complete" {
		t.Fatalf("expected queued-messages-complete, got %s", drained.Type)
	}

	sendWSEvent(t, ctx, conn, "heartbeat", map[string]string{})
	ack := readWSEvent(t, ctx, conn)
	if ack.Type != "heartbeat-ack" {
		t.Fatalf("expected heartbeat-ack, got %s", ack.Type)
	}

	devices, err := engine.Devices(ctx)
	if err != nil {
		t.Fatalf("devices failed: %v", err)
	}
	found := false
	for _, d := range devices {
		if d.ID == "dev-ws" && d.Status == contactsync.DeviceOnline {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected dev-ws registered online, got %+v", devices)
	}
}

func TestWebsocketReceivesLiveBroadcast(t *testing.T) {
	server, engine := newTestServer(t, ServerConfig{})
	ts := httptest.NewServer(server)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dialWS(t, ctx, ts)
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendWSEvent(t, ctx, conn, "register-device", map[string]string{"device_id": "dev-ws"})
	if evt := readWSEvent(t, ctx, conn); evt.Type != "registration-confirmed" {
		t.Fatalf("expected registration-confirmed, got %s", evt.Type)
	}
	if evt := readWSEvent(t, ctx, conn); evt.Type != "queued-messages-complete" {
		t.Fatalf("expected queued-messages-complete, got %s", evt.Type)
	}

	created, err := engine.CreateContact(ctx, contactsync.ContactInput{
		ClientName: "Acme", Phone1: "555-0100", DeviceID: "dev-origin",
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	evt := readWSEvent(t, ctx, conn)
	if evt.Type != contactsync.EventContactCreated {
		t.Fatalf("expected %s, got %s", contactsync.EventContactCreated, evt.Type)
	}
	var payload struct {
		ID string `json:"id"`
	}
	if err := json.Unmarshal(evt.Data, &payload); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if payload.ID != created.ID {
		t.Fatalf("expected %s, got %s", created.ID, payload.ID)
	}
}

func TestWebsocketQueueDrainOnRegister(t *testing.T) {
	server, engine := newTestServer(t, ServerConfig{})
	ts := httptest.NewServer(server)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	// Make dev-ws known while offline, then mutate so a message queues up.
	if _, err := engine.Reconnect(ctx, "dev-ws", nil); err != nil {
		t.Fatalf("seed device failed: %v", err)
	}
	if _, err := engine.CreateContact(ctx, contactsync.ContactInput{
		ClientName: "Acme", Phone1: "555-0100", DeviceID: "dev-origin",
	}); err != nil {
		t.Fatalf("create failed: %v", err)
	}

	conn := dialWS(t, ctx, ts)
	defer conn.Close(websocket.StatusNormalClosure, "")
	sendWSEvent(t, ctx, conn, "register-device", map[string]string{"device_id": "dev-ws"})

	if evt := readWSEvent(t, ctx, conn); evt.Type != "registration-confirmed" {
		t.Fatalf("expected registration-confirmed, got %s", evt.Type)
	}
	queued := readWSEvent(t, ctx, conn)
	if queued.Type != "queued-message" {
		t.Fatalf("expected queued-message, got %s", queued.Type)
	}
	var msg struct {
		ID          int64  `json:"id"`
		Type        string `json:"type"`
		MessageUUID string `json:"message_uuid"`
	}
	if err := json.Unmarshal(queued.Data, &msg); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if msg.Type != contactsync.EventContactCreated || msg.MessageUUID == "" {
		t.Fatalf("unexpected queued message: %+v", msg)
	}
	if msg.ID == 0 {
		t.Fatalf("expected queue row id in envelope, got %+v", msg)
	}
	complete := readWSEvent(t, ctx, conn)
	if complete.Type != "queued-messages-complete" {
		t.Fatalf("expected queued-messages-complete, got %s", complete.Type)
	}

	// In-band ack empties the outbox.
	sendWSEvent(t, ctx, conn, "message-ack", map[string]any{"message_uuids": []string{msg.MessageUUID}})
	acked := readWSEvent(t, ctx, conn)
	if acked.Type != "messages-acknowledged" {
		t.Fatalf("expected messages-acknowledged, got %s", acked.Type)
	}
	var ackPayload struct {
		Acknowledged int `json:"acknowledged"`
	}
	if err := json.Unmarshal(acked.Data, &ackPayload); err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if ackPayload.Acknowledged != 1 {
		t.Fatalf("expected 1 acknowledged, got %d", ackPayload.Acknowledged)
	}
}

func TestWebsocketRegisterWithoutDeviceID(t *testing.T) {
	server, _ := newTestServer(t, ServerConfig{})
	ts := httptest.NewServer(server)
	defer ts.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn := dialWS(t, ctx, ts)
	defer conn.Close(websocket.StatusNormalClosure, "")

	sendWSEvent(t, ctx, conn, "register-device", map[string]string{"device_name": "nameless"})
	evt := readWSEvent(t, ctx, conn)
	if evt.Type != "error" {
		t.Fatalf("expected error event, got %s", evt.Type)
	}
}

var _ http.Handler = (*Server)(nil)
