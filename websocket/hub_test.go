package websocket

import (
	"encoding/json"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"github.com/perkkite/agent-commerce/types"
)

func dial(t *testing.T, url string) *websocket.Conn {
	t.Helper()
	wsURL := "ws" + strings.TrimPrefix(url, "http")
	conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	return conn
}

func TestHubBroadcast(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	conn := dial(t, srv.URL)
	defer conn.Close()

	// Give the register message time to land before publishing.
	time.Sleep(50 * time.Millisecond)
	hub.PublishActions("agent-1", []types.ActionLog{{
		Tool:   "pay_for_service",
		Result: "delivered",
		TxHash: "0xabc",
	}})

	conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	_, raw, err := conn.ReadMessage()
	if err != nil {
		t.Fatalf("read: %v", err)
	}
	var ev Event
	if err := json.Unmarshal(raw, &ev); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if ev.Type != EventAction || ev.AgentID != "agent-1" {
		t.Errorf("event = %+v", ev)
	}
	if ev.Timestamp == "" {
		t.Error("event missing timestamp")
	}
}

func TestHubMultipleClients(t *testing.T) {
	hub := NewHub()
	go hub.Run()
	srv := httptest.NewServer(hub)
	defer srv.Close()

	a := dial(t, srv.URL)
	defer a.Close()
	b := dial(t, srv.URL)
	defer b.Close()

	time.Sleep(50 * time.Millisecond)
	hub.PublishTrace("agent-2", []string{"Requested premium-research -> HTTP 402"})

	for _, conn := range []*websocket.Conn{a, b} {
		conn.SetReadDeadline(time.Now().Add(2 * time.Second))
		_, raw, err := conn.ReadMessage()
		if err != nil {
			t.Fatalf("read: %v", err)
		}
		var ev Event
		json.Unmarshal(raw, &ev)
		if ev.Type != EventTrace {
			t.Errorf("event type = %s", ev.Type)
		}
	}
}
