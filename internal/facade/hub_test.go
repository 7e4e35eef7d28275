package facade

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
)

func setupWSTest(t *testing.T) (*NotificationHub, *websocket.Conn, *httptest.Server) {
	t.Helper()
	hub := NewNotificationHub()
	server := httptest.NewServer(http.HandlerFunc(hub.Handle))
	t.Cleanup(server.Close)

	wsURL := "ws" + strings.TrimPrefix(server.URL, "http")
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	if resp.StatusCode != http.StatusSwitchingProtocols {
		t.Fatalf("expected 101, got %d", resp.StatusCode)
	}
	t.Cleanup(func() { conn.Close() })

	return hub, conn, server
}

func TestNotifyBroadcastsToConnectedClient(t *testing.T) {
	hub, conn, _ := setupWSTest(t)

	waitForSubscriber(t, hub)
	hub.Notify("Backup Successful on Peer 127.0.0.1:9000")

	var resp WSResponse
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read notification: %v", err)
	}
	if resp.Type != "notification" || resp.Payload != "Backup Successful on Peer 127.0.0.1:9000" {
		t.Fatalf("unexpected notification: %+v", resp)
	}
}

func TestPingReceivesPong(t *testing.T) {
	_, conn, _ := setupWSTest(t)

	if err := conn.WriteJSON(WSMessage{Type: "ping"}); err != nil {
		t.Fatalf("write ping: %v", err)
	}

	var resp WSResponse
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read pong: %v", err)
	}
	if resp.Type != "pong" {
		t.Fatalf("expected pong, got %+v", resp)
	}
}

func TestUnknownMessageTypeReceivesError(t *testing.T) {
	_, conn, _ := setupWSTest(t)

	if err := conn.WriteJSON(WSMessage{Type: "bogus"}); err != nil {
		t.Fatalf("write: %v", err)
	}

	var resp WSResponse
	conn.SetReadDeadline(time.Now().Add(2 * time.Second)) //nolint:errcheck
	if err := conn.ReadJSON(&resp); err != nil {
		t.Fatalf("read error response: %v", err)
	}
	if resp.Type != "error" {
		t.Fatalf("expected error response, got %+v", resp)
	}
}

func TestDisconnectRemovesClientFromHub(t *testing.T) {
	hub, conn, _ := setupWSTest(t)

	waitForSubscriber(t, hub)
	conn.Close()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		hub.mu.Lock()
		n := len(hub.clients)
		hub.mu.Unlock()
		if n == 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected hub to drop the disconnected client")
}

func waitForSubscriber(t *testing.T, hub *NotificationHub) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		hub.mu.Lock()
		n := len(hub.clients)
		hub.mu.Unlock()
		if n > 0 {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("expected a registered subscriber")
}
