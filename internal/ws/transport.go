package ws

import (
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

const writeTimeout = 10 * time.Second

// Transport adapts a gorilla websocket connection to the registry's
// Transport interface.
//
// gorilla/websocket allows at most ONE concurrent writer per
// connection; the registry fans out from many goroutines, so every
// write serializes on the mutex. The write deadline keeps one stalled
// client from parking a broadcaster goroutine forever.
type Transport struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func NewTransport(conn *websocket.Conn) *Transport {
	return &Transport{conn: conn}
}

func (t *Transport) Send(payload []byte) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.conn.SetWriteDeadline(time.Now().Add(writeTimeout))
	return t.conn.WriteMessage(websocket.TextMessage, payload)
}

func (t *Transport) Close() error {
	return t.conn.Close()
}
