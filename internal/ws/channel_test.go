package ws

import (
	"context"
	"encoding/json"
	"io"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/peterje/ptyhost/internal/ipc"
	"github.com/peterje/ptyhost/internal/tunnel"
)

type echoServer struct {
	srv *ipc.Server
}

func newEchoServer() *echoServer {
	return &echoServer{srv: ipc.NewServer(func(_ context.Context, command string, arg json.RawMessage) (any, error) {
		return map[string]any{"command": command, "arg": arg}, nil
	}, zap.NewNop())}
}

func (e *echoServer) ServeConn(rw io.ReadWriteCloser) *ipc.Conn { return e.srv.ServeConn(rw) }

func TestChannelStreamsReachServer(t *testing.T) {
	echo := newEchoServer()
	defer echo.srv.Close()
	hs := httptest.NewServer(NewChannelHandler(echo, zap.NewNop()))
	defer hs.Close()

	d := &tunnel.Dialer{URL: "ws" + strings.TrimPrefix(hs.URL, "http")}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	session, err := d.Dial(ctx)
	require.NoError(t, err)
	defer session.Close()

	// Two streams, two independent channels.
	for i := 0; i < 2; i++ {
		stream, err := session.Open()
		require.NoError(t, err)
		conn := ipc.NewConn(stream, nil, zap.NewNop())

		var reply struct {
			Command string `json:"command"`
			Arg     int    `json:"arg"`
		}
		require.NoError(t, conn.Call(ctx, "$ping", i, &reply))
		assert.Equal(t, "$ping", reply.Command)
		assert.Equal(t, i, reply.Arg)
	}
	assert.Eventually(t, func() bool { return len(echo.srv.Conns()) == 2 }, time.Second, 10*time.Millisecond)
}
