// Package bus fans entity-mutation events out to clients subscribed to
// rooms over persistent websocket connections.
package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
)

var allowedEntities = map[string]struct{}{
	"workspace":       {},
	"issue":           {},
	"workspaceInvite": {},
	"workspaceMember": {},
	"wikiFile":        {},
	"comment":         {},
	"notification":    {},
}

var allowedEvents = map[string]struct{}{
	"create": {},
	"update": {},
	"delete": {},
}

type Event struct {
	Room    string         `json:"room"`
	Entity  string         `json:"entity"`
	Event   string         `json:"event"`
	Payload map[string]any `json:"payload"`
}

// Validate enforces the event contract: known entity, known event, payload
// carrying an id.
func Validate(e Event) error {
	if e.Room == "" {
		return fmt.Errorf("room is required")
	}
	if _, ok := allowedEntities[e.Entity]; !ok {
		return fmt.Errorf("unknown entity %q", e.Entity)
	}
	if _, ok := allowedEvents[e.Event]; !ok {
		return fmt.Errorf("unknown event %q", e.Event)
	}
	if e.Payload == nil {
		return fmt.Errorf("payload is required")
	}
	if _, ok := e.Payload["id"]; !ok {
		return fmt.Errorf("payload.id is required")
	}
	return nil
}

const writeTimeout = 500 * time.Millisecond

// Conn is one live client connection. Writes are serialized per connection.
type Conn struct {
	id      string
	sock    *websocket.Conn
	writeMu sync.Mutex
}

func newConn(sock *websocket.Conn) *Conn {
	return &Conn{id: uuid.NewString(), sock: sock}
}

func (c *Conn) send(payload []byte) {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()
	ctx, cancel := context.WithTimeout(context.Background(), writeTimeout)
	defer cancel()
	_ = c.sock.Write(ctx, websocket.MessageText, payload)
}

// Bus holds room membership. Rooms exist only while they have members.
type Bus struct {
	mu        sync.RWMutex
	rooms     map[string]map[*Conn]struct{}
	backplane *Backplane
}

func New() *Bus {
	return &Bus{rooms: make(map[string]map[*Conn]struct{})}
}

// NewWithBackplane wires a Redis backplane so events published on one
// instance reach clients connected to another.
func NewWithBackplane(backplane *Backplane) *Bus {
	b := New()
	b.backplane = backplane
	return b
}

// Start runs the backplane subscriber until ctx is cancelled. No-op without
// a backplane.
func (b *Bus) Start(ctx context.Context) {
	if b.backplane == nil {
		return
	}
	go b.backplane.run(ctx, b.deliver)
}

func (b *Bus) Join(c *Conn, room string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	members, ok := b.rooms[room]
	if !ok {
		members = make(map[*Conn]struct{})
		b.rooms[room] = members
	}
	members[c] = struct{}{}
}

func (b *Bus) Leave(c *Conn, room string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	members, ok := b.rooms[room]
	if !ok {
		return
	}
	delete(members, c)
	if len(members) == 0 {
		delete(b.rooms, room)
	}
}

func (b *Bus) drop(c *Conn) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for room, members := range b.rooms {
		delete(members, c)
		if len(members) == 0 {
			delete(b.rooms, room)
		}
	}
}

// RoomSize reports current membership, mainly for tests and introspection.
func (b *Bus) RoomSize(room string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms[room])
}

// Publish validates the event, delivers it to local members of the room,
// and forwards it to the backplane when one is configured. Delivery is best
// effort: disconnected clients reconcile by refetching on reconnect.
func (b *Bus) Publish(ctx context.Context, e Event) error {
	if err := Validate(e); err != nil {
		return err
	}
	b.deliver(e)
	if b.backplane != nil {
		if err := b.backplane.publish(ctx, e); err != nil {
			log.Printf("bus: backplane publish failed: %v", err)
		}
	}
	return nil
}

func (b *Bus) deliver(e Event) {
	payload, err := json.Marshal(e)
	if err != nil {
		log.Printf("bus: marshal event: %v", err)
		return
	}

	b.mu.RLock()
	conns := make([]*Conn, 0, len(b.rooms[e.Room]))
	for c := range b.rooms[e.Room] {
		conns = append(conns, c)
	}
	b.mu.RUnlock()

	for _, c := range conns {
		c.send(payload)
	}
}
