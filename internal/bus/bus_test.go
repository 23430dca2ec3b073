package bus

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/coder/websocket"
)

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		event   Event
		wantErr bool
	}{
		{
			name:  "valid issue update",
			event: Event{Room: "ws-1", Entity: "issue", Event: "update", Payload: map[string]any{"id": "i-1"}},
		},
		{
			name:    "missing room",
			event:   Event{Entity: "issue", Event: "update", Payload: map[string]any{"id": "i-1"}},
			wantErr: true,
		},
		{
			name:    "unknown entity",
			event:   Event{Room: "ws-1", Entity: "sprint", Event: "update", Payload: map[string]any{"id": "s-1"}},
			wantErr: true,
		},
		{
			name:    "unknown event",
			event:   Event{Room: "ws-1", Entity: "issue", Event: "archive", Payload: map[string]any{"id": "i-1"}},
			wantErr: true,
		},
		{
			name:    "payload without id",
			event:   Event{Room: "ws-1", Entity: "issue", Event: "update", Payload: map[string]any{"status": "DONE"}},
			wantErr: true,
		},
		{
			name:    "nil payload",
			event:   Event{Room: "ws-1", Entity: "issue", Event: "update"},
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := Validate(tt.event)
			if (err != nil) != tt.wantErr {
				t.Errorf("Validate() error = %v, wantErr %v", err, tt.wantErr)
			}
		})
	}
}

func TestRoomMembership(t *testing.T) {
	b := New()
	c1 := &Conn{id: "c1"}
	c2 := &Conn{id: "c2"}

	b.Join(c1, "room-a")
	b.Join(c2, "room-a")
	b.Join(c2, "room-b")

	if got := b.RoomSize("room-a"); got != 2 {
		t.Fatalf("room-a size = %d, want 2", got)
	}

	b.Leave(c1, "room-a")
	if got := b.RoomSize("room-a"); got != 1 {
		t.Fatalf("room-a size = %d, want 1", got)
	}

	// Dropping a connection removes it everywhere; empty rooms vanish.
	b.drop(c2)
	if got := b.RoomSize("room-a"); got != 0 {
		t.Fatalf("room-a size = %d, want 0", got)
	}
	if got := b.RoomSize("room-b"); got != 0 {
		t.Fatalf("room-b size = %d, want 0", got)
	}
}

func dialBus(t *testing.T, b *Bus) (*websocket.Conn, func()) {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(b.HandleWS))
	url := "ws" + strings.TrimPrefix(server.URL, "http")

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	sock, _, err := websocket.Dial(ctx, url, nil)
	if err != nil {
		cancel()
		server.Close()
		t.Fatalf("dial bus: %v", err)
	}
	return sock, func() {
		_ = sock.Close(websocket.StatusNormalClosure, "")
		cancel()
		server.Close()
	}
}

func TestPublishReachesJoinedClient(t *testing.T) {
	b := New()
	sock, cleanup := dialBus(t, b)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := sock.Write(ctx, websocket.MessageText, []byte(`{"action":"join","room":"ws-1"}`)); err != nil {
		t.Fatalf("write join: %v", err)
	}

	// Wait until the server processed the join.
	deadline := time.Now().Add(2 * time.Second)
	for b.RoomSize("ws-1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("join never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}

	event := Event{Room: "ws-1", Entity: "issue", Event: "update", Payload: map[string]any{"id": "i-1"}}
	if err := b.Publish(ctx, event); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	_, data, err := sock.Read(ctx)
	if err != nil {
		t.Fatalf("read event: %v", err)
	}
	var got Event
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode event: %v", err)
	}
	if got.Entity != "issue" || got.Event != "update" || got.Payload["id"] != "i-1" {
		t.Fatalf("unexpected event %+v", got)
	}
}

func TestNonStringRoomClosesConnection(t *testing.T) {
	b := New()
	sock, cleanup := dialBus(t, b)
	defer cleanup()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := sock.Write(ctx, websocket.MessageText, []byte(`{"action":"join","room":42}`)); err != nil {
		t.Fatalf("write join: %v", err)
	}

	_, _, err := sock.Read(ctx)
	if err == nil {
		t.Fatal("expected connection to be closed")
	}
	if status := websocket.CloseStatus(err); status != websocket.StatusUnsupportedData {
		t.Fatalf("close status = %v, want %v", status, websocket.StatusUnsupportedData)
	}
}

func TestPublishRejectsInvalidEvent(t *testing.T) {
	b := New()
	err := b.Publish(context.Background(), Event{Room: "r", Entity: "issue", Event: "update", Payload: map[string]any{}})
	if err == nil {
		t.Fatal("expected validation error")
	}
}

func TestBackplaneFanOut(t *testing.T) {
	mr := miniredis.RunT(t)

	bpA, err := NewBackplane("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("NewBackplane() error = %v", err)
	}
	defer bpA.Close()
	bpB, err := NewBackplane("redis://" + mr.Addr())
	if err != nil {
		t.Fatalf("NewBackplane() error = %v", err)
	}
	defer bpB.Close()

	busA := NewWithBackplane(bpA)
	busB := NewWithBackplane(bpB)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	busA.Start(ctx)
	busB.Start(ctx)

	sock, cleanup := dialBus(t, busB)
	defer cleanup()

	wctx, wcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer wcancel()
	if err := sock.Write(wctx, websocket.MessageText, []byte(`{"action":"join","room":"ws-1"}`)); err != nil {
		t.Fatalf("write join: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for busB.RoomSize("ws-1") == 0 {
		if time.Now().After(deadline) {
			t.Fatal("join never registered")
		}
		time.Sleep(5 * time.Millisecond)
	}
	// Give the subscribers a moment to attach.
	time.Sleep(50 * time.Millisecond)

	event := Event{Room: "ws-1", Entity: "comment", Event: "create", Payload: map[string]any{"id": "c-1"}}
	if err := busA.Publish(wctx, event); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	_, data, err := sock.Read(wctx)
	if err != nil {
		t.Fatalf("read relayed event: %v", err)
	}
	var got Event
	if err := json.Unmarshal(data, &got); err != nil {
		t.Fatalf("decode relayed event: %v", err)
	}
	if got.Payload["id"] != "c-1" {
		t.Fatalf("unexpected relayed event %+v", got)
	}
}
