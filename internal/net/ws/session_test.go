package ws

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"holosync/server"
	"holosync/server/internal/net/proto"
	"holosync/server/logging"
)

func newSessionServer(t *testing.T, hub *server.Hub) *httptest.Server {
	t.Helper()
	handler := NewHandler(hub, nil)
	upgrader := websocket.Upgrader{
		CheckOrigin: func(*http.Request) bool { return true },
	}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		peerID := r.URL.Query().Get("id")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		handler.Serve(peerID, conn)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func dialSession(t *testing.T, rawURL, peerID string) *websocket.Conn {
	t.Helper()
	u, err := url.Parse(rawURL)
	if err != nil {
		t.Fatalf("failed to parse server url: %v", err)
	}
	u.Scheme = "ws"
	u.RawQuery = "id=" + peerID
	conn, resp, err := websocket.DefaultDialer.Dial(u.String(), nil)
	if err != nil {
		t.Fatalf("failed to open websocket connection: %v", err)
	}
	t.Cleanup(func() {
		conn.Close()
		if resp != nil {
			resp.Body.Close()
		}
	})
	return conn
}

func readJSON(t *testing.T, conn *websocket.Conn) map[string]any {
	t.Helper()
	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, payload, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("failed to read message: %v", err)
	}
	var decoded map[string]any
	if err := json.Unmarshal(payload, &decoded); err != nil {
		t.Fatalf("failed to decode message: %v", err)
	}
	return decoded
}

func TestServeSendsInitialKeyframe(t *testing.T) {
	hub := server.NewHubWithConfig(server.DefaultHubConfig(), logging.NopPublisher())
	join := hub.Join("test")
	hub.RegisterEntity(join.ID, "avatar-1", map[string]any{"display.name": "Ada"})

	srv := newSessionServer(t, hub)
	conn := dialSession(t, srv.URL, join.ID)

	initial := readJSON(t, conn)
	if initial["type"] != proto.TypeKeyframe {
		t.Fatalf("expected initial keyframe, got %v", initial["type"])
	}
	entities, ok := initial["entities"].([]any)
	if !ok || len(entities) != 1 {
		t.Fatalf("expected 1 entity in keyframe, got %v", initial["entities"])
	}
}

func TestServeRejectsUnknownPeer(t *testing.T) {
	hub := server.NewHubWithConfig(server.DefaultHubConfig(), logging.NopPublisher())
	srv := newSessionServer(t, hub)
	conn := dialSession(t, srv.URL, "peer-unknown")

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	if _, _, err := conn.ReadMessage(); err == nil {
		t.Fatalf("expected connection to close for unknown peer")
	} else if !strings.Contains(err.Error(), "unknown peer") && !websocket.IsCloseError(err, websocket.ClosePolicyViolation) {
		t.Fatalf("unexpected close error: %v", err)
	}
}

func TestServeCommandRoundTrip(t *testing.T) {
	hub := server.NewHubWithConfig(server.DefaultHubConfig(), logging.NopPublisher())
	join := hub.Join("test")

	srv := newSessionServer(t, hub)
	conn := dialSession(t, srv.URL, join.ID)
	readJSON(t, conn) // initial keyframe

	if err := conn.WriteJSON(map[string]any{
		"type":       proto.TypeRegister,
		"entityId":   "avatar-1",
		"properties": map[string]any{"score": 0},
	}); err != nil {
		t.Fatalf("failed to send register: %v", err)
	}
	ack := readJSON(t, conn)
	if ack["type"] != "commandAck" || ack["cmd"] != proto.CommandRegister {
		t.Fatalf("expected register ack, got %v", ack)
	}

	if err := conn.WriteJSON(map[string]any{
		"type":     proto.TypeSet,
		"entityId": "avatar-1",
		"key":      "score",
		"value":    7,
	}); err != nil {
		t.Fatalf("failed to send set: %v", err)
	}
	ack = readJSON(t, conn)
	if ack["type"] != "commandAck" || ack["cmd"] != proto.CommandSet {
		t.Fatalf("expected set ack, got %v", ack)
	}
	if ack["version"] != float64(1) {
		t.Fatalf("expected version 1 in ack, got %v", ack["version"])
	}
	if value, _ := hub.Store().GetProperty("avatar-1", "score"); value != float64(7) {
		t.Fatalf("expected stored value 7, got %v", value)
	}
}

func TestServeRejectsWriteToUnknownEntity(t *testing.T) {
	hub := server.NewHubWithConfig(server.DefaultHubConfig(), logging.NopPublisher())
	join := hub.Join("test")

	srv := newSessionServer(t, hub)
	conn := dialSession(t, srv.URL, join.ID)
	readJSON(t, conn)

	if err := conn.WriteJSON(map[string]any{
		"type":     proto.TypeSet,
		"entityId": "avatar-missing",
		"key":      "score",
		"value":    1,
	}); err != nil {
		t.Fatalf("failed to send set: %v", err)
	}
	reject := readJSON(t, conn)
	if reject["type"] != "commandReject" {
		t.Fatalf("expected reject, got %v", reject)
	}
	if reject["reason"] != server.CommandRejectUnknownEntity {
		t.Fatalf("expected unknownEntity reason, got %v", reject["reason"])
	}
}

func TestServeHeartbeatEcho(t *testing.T) {
	hub := server.NewHubWithConfig(server.DefaultHubConfig(), logging.NopPublisher())
	join := hub.Join("test")

	srv := newSessionServer(t, hub)
	conn := dialSession(t, srv.URL, join.ID)
	readJSON(t, conn)

	sentAt := time.Now().UnixMilli()
	if err := conn.WriteJSON(map[string]any{
		"type":   proto.TypeHeartbeat,
		"sentAt": sentAt,
	}); err != nil {
		t.Fatalf("failed to send heartbeat: %v", err)
	}
	echo := readJSON(t, conn)
	if echo["type"] != "heartbeat" {
		t.Fatalf("expected heartbeat echo, got %v", echo)
	}
	if echo["clientTime"] != float64(sentAt) {
		t.Fatalf("expected echoed client time, got %v", echo["clientTime"])
	}
}

func TestServeIngestsBinaryPoseFrames(t *testing.T) {
	hub := server.NewHubWithConfig(server.DefaultHubConfig(), logging.NopPublisher())
	join := hub.Join("test")
	hub.RegisterEntity(join.ID, "avatar-1", nil)

	srv := newSessionServer(t, hub)
	conn := dialSession(t, srv.URL, join.ID)
	readJSON(t, conn)

	frame, err := proto.EncodePoseFrame(proto.PoseFrame{
		EntityID:  "avatar-1",
		Timestamp: time.Now().UnixMilli(),
	})
	if err != nil {
		t.Fatalf("failed to encode pose frame: %v", err)
	}
	if err := conn.WriteMessage(websocket.BinaryMessage, frame); err != nil {
		t.Fatalf("failed to send pose frame: %v", err)
	}

	// A heartbeat round trip guarantees the pose frame was processed first.
	if err := conn.WriteJSON(map[string]any{"type": proto.TypeHeartbeat, "sentAt": time.Now().UnixMilli()}); err != nil {
		t.Fatalf("failed to send heartbeat: %v", err)
	}
	readJSON(t, conn)

	if count := hub.Poses().SampleCount("avatar-1"); count != 1 {
		t.Fatalf("expected 1 buffered pose sample, got %d", count)
	}
}
