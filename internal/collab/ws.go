package collab

import (
	"log"
	"net/http"

	"github.com/coder/websocket"
)

const maxDocumentSize = 10 << 20

// HandleWS serves one editing session per connection. The token and
// document name arrive as query parameters; the token is checked before
// anything touches storage. The stored blob is sent as the first binary
// frame (zero-length when empty), and every binary frame afterwards is persisted
// as the document's new state.
func (b *Bridge) HandleWS(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	document := r.URL.Query().Get("document")
	if document == "" {
		http.Error(w, "missing document", http.StatusBadRequest)
		return
	}
	if err := b.Authenticate(token); err != nil {
		http.Error(w, "invalid token", http.StatusUnauthorized)
		return
	}

	sock, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		return
	}
	defer sock.CloseNow()
	sock.SetReadLimit(maxDocumentSize)

	ctx := r.Context()

	state, err := b.Fetch(ctx, document)
	if err != nil {
		log.Printf("collab: fetch %s: %v", document, err)
		sock.Close(websocket.StatusInternalError, "load failed")
		return
	}
	// Always send the initial frame: a zero-length payload tells the client
	// there is nothing to load.
	if err := sock.Write(ctx, websocket.MessageBinary, state); err != nil {
		return
	}

	for {
		kind, data, err := sock.Read(ctx)
		if err != nil {
			return
		}
		if kind != websocket.MessageBinary {
			continue
		}
		if err := b.Store(ctx, document, data); err != nil {
			log.Printf("collab: store %s: %v", document, err)
			sock.Close(websocket.StatusInternalError, "store failed")
			return
		}
	}
}
