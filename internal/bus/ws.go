package bus

import (
	"encoding/json"
	"net/http"

	"github.com/coder/websocket"
)

const readLimitBytes int64 = 1 << 20

// clientFrame is one inbound control message. Room stays raw so a
// non-string value can be rejected as a protocol violation instead of being
// silently coerced or dropped.
type clientFrame struct {
	Action string          `json:"action"`
	Room   json.RawMessage `json:"room"`
}

// HandleWS upgrades the request and serves join/leave frames until the
// client goes away. The read loop owns the connection's lifetime.
func (b *Bus) HandleWS(w http.ResponseWriter, r *http.Request) {
	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	sock.SetReadLimit(readLimitBytes)

	c := newConn(sock)
	defer func() {
		b.drop(c)
		_ = sock.Close(websocket.StatusNormalClosure, "")
	}()

	ctx := r.Context()
	for {
		_, data, err := sock.Read(ctx)
		if err != nil {
			return
		}

		var frame clientFrame
		if err := json.Unmarshal(data, &frame); err != nil {
			_ = sock.Close(websocket.StatusUnsupportedData, "invalid frame")
			return
		}

		var room string
		if err := json.Unmarshal(frame.Room, &room); err != nil {
			_ = sock.Close(websocket.StatusUnsupportedData, "room must be a string")
			return
		}

		switch frame.Action {
		case "join":
			b.Join(c, room)
		case "leave":
			b.Leave(c, room)
		default:
			_ = sock.Close(websocket.StatusUnsupportedData, "unknown action")
			return
		}
	}
}
