package tunnel

import (
	"io"
	"sync"
	"time"

	"github.com/gorilla/websocket"
)

// writeWait bounds a single frame write so a stalled peer cannot wedge the
// yamux send loop.
const writeWait = 10 * time.Second

// WSConn carries a yamux session over binary websocket messages.
type WSConn struct {
	conn *websocket.Conn

	wmu    sync.Mutex
	closed bool

	pending []byte
}

func NewWSConn(conn *websocket.Conn) *WSConn {
	return &WSConn{conn: conn}
}

// Read returns bytes from binary messages only; text frames are not part
// of the multiplexed stream and are dropped.
func (w *WSConn) Read(p []byte) (int, error) {
	for len(w.pending) == 0 {
		typ, msg, err := w.conn.ReadMessage()
		if err != nil {
			return 0, err
		}
		if typ == websocket.BinaryMessage {
			w.pending = msg
		}
	}
	n := copy(p, w.pending)
	w.pending = w.pending[n:]
	return n, nil
}

func (w *WSConn) Write(p []byte) (int, error) {
	w.wmu.Lock()
	defer w.wmu.Unlock()
	if w.closed {
		return 0, io.ErrClosedPipe
	}
	w.conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := w.conn.WriteMessage(websocket.BinaryMessage, p); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close sends a normal closure frame before dropping the connection.
func (w *WSConn) Close() error {
	w.wmu.Lock()
	if !w.closed {
		w.closed = true
		msg := websocket.FormatCloseMessage(websocket.CloseNormalClosure, "")
		w.conn.WriteControl(websocket.CloseMessage, msg, time.Now().Add(time.Second))
	}
	w.wmu.Unlock()
	return w.conn.Close()
}

var _ io.ReadWriteCloser = (*WSConn)(nil)
