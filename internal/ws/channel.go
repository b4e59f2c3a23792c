// Package ws serves workbench channels over websockets. Each websocket
// carries a yamux session and every stream the workbench opens becomes one
// remote terminal channel.
package ws

import (
	"io"
	"net/http"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"
	"go.uber.org/zap"

	"github.com/peterje/ptyhost/internal/ipc"
	"github.com/peterje/ptyhost/internal/tunnel"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// ConnServer serves one channel per stream.
type ConnServer interface {
	ServeConn(rw io.ReadWriteCloser) *ipc.Conn
}

type ChannelHandler struct {
	server ConnServer
	log    *zap.Logger
}

func NewChannelHandler(server ConnServer, log *zap.Logger) *ChannelHandler {
	return &ChannelHandler{server: server, log: log.Named("ws")}
}

func (h *ChannelHandler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	wsConn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		h.log.Warn("upgrade failed", zap.String("remote", r.RemoteAddr), zap.Error(err))
		return
	}

	// The workbench opens streams, so this side is the yamux server.
	session, err := yamux.Server(tunnel.NewWSConn(wsConn), tunnel.YamuxConfig(h.log))
	if err != nil {
		h.log.Error("yamux server", zap.Error(err))
		wsConn.Close()
		return
	}
	defer session.Close()

	h.log.Info("workbench connected", zap.String("remote", r.RemoteAddr))
	for {
		stream, err := session.Accept()
		if err != nil {
			if !session.IsClosed() {
				h.log.Debug("accept stream", zap.Error(err))
			}
			break
		}
		h.server.ServeConn(stream)
	}
	h.log.Info("workbench disconnected", zap.String("remote", r.RemoteAddr))
}
