// Package tunnel carries workbench channels over a websocket multiplexed
// with yamux.
package tunnel

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/gorilla/websocket"
	"github.com/hashicorp/yamux"
	"go.uber.org/zap"
)

// TokenHeader carries the shared secret on the websocket upgrade.
const TokenHeader = "X-Ptyhost-Token"

// Dialer opens channels to a ptyhost server, either multiplexed over its
// /channel websocket or directly over its unix socket.
type Dialer struct {
	URL       string // ws://localhost:8810/channel or unix:///run/ptyhost.sock
	Token     string
	TLSConfig *tls.Config
	Log       *zap.Logger

	// MinBackoff and MaxBackoff bound the reconnect delay of Run.
	MinBackoff time.Duration
	MaxBackoff time.Duration
}

// Dial connects once. The caller opens streams on the returned session and
// closes it when done.
func (d *Dialer) Dial(ctx context.Context) (*yamux.Session, error) {
	dialer := websocket.Dialer{
		HandshakeTimeout: 10 * time.Second,
		TLSClientConfig:  d.TLSConfig,
	}
	header := http.Header{}
	if d.Token != "" {
		header.Set(TokenHeader, d.Token)
	}

	wsConn, resp, err := dialer.DialContext(ctx, d.URL, header)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial %s: %s: %w", d.URL, resp.Status, err)
		}
		return nil, fmt.Errorf("dial %s: %w", d.URL, err)
	}

	// The server accepts streams, so this side is the yamux client.
	session, err := yamux.Client(NewWSConn(wsConn), YamuxConfig(d.logger()))
	if err != nil {
		wsConn.Close()
		return nil, fmt.Errorf("yamux client: %w", err)
	}
	return session, nil
}

// Open returns a single channel. For websocket URLs the stream owns its
// session and closing it closes both.
func (d *Dialer) Open(ctx context.Context) (net.Conn, error) {
	if path, ok := strings.CutPrefix(d.URL, "unix://"); ok {
		var nd net.Dialer
		conn, err := nd.DialContext(ctx, "unix", path)
		if err != nil {
			return nil, fmt.Errorf("dial %s: %w", path, err)
		}
		return conn, nil
	}

	session, err := d.Dial(ctx)
	if err != nil {
		return nil, err
	}
	stream, err := session.Open()
	if err != nil {
		session.Close()
		return nil, fmt.Errorf("open stream: %w", err)
	}
	return &sessionStream{Conn: stream, session: session}, nil
}

type sessionStream struct {
	net.Conn
	session *yamux.Session
}

func (s *sessionStream) Close() error {
	err := s.Conn.Close()
	s.session.Close()
	return err
}

// Run keeps a channel open until ctx is cancelled. Each time a session is
// established fn is called with a fresh stream; when fn returns (the stream
// broke or the server went away) Run reconnects with exponential backoff.
// A nil error from fn ends Run.
func (d *Dialer) Run(ctx context.Context, fn func(ctx context.Context, stream net.Conn) error) error {
	minBackoff, maxBackoff := d.MinBackoff, d.MaxBackoff
	if minBackoff == 0 {
		minBackoff = time.Second
	}
	if maxBackoff == 0 {
		maxBackoff = 30 * time.Second
	}
	log := d.logger()

	backoff := minBackoff
	for {
		err := d.runOnce(ctx, fn)
		if err == nil || ctx.Err() != nil {
			return ctx.Err()
		}
		var connected *servedError
		if errors.As(err, &connected) {
			// Connected successfully at some point, reset backoff
			backoff = minBackoff
		}
		log.Warn("tunnel: connection lost", zap.Error(err), zap.Duration("retry_in", backoff))

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, maxBackoff)
	}
}

// servedError marks a failure that happened after a stream was handed to
// the caller.
type servedError struct{ err error }

func (e *servedError) Error() string { return e.err.Error() }
func (e *servedError) Unwrap() error { return e.err }

func (d *Dialer) runOnce(ctx context.Context, fn func(context.Context, net.Conn) error) error {
	stream, err := d.Open(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	d.logger().Info("tunnel: connected", zap.String("url", d.URL))
	if err := fn(ctx, stream); err != nil {
		return &servedError{err: err}
	}
	return nil
}

func (d *Dialer) logger() *zap.Logger {
	if d.Log == nil {
		return zap.NewNop()
	}
	return d.Log
}

// YamuxConfig is the stock yamux configuration with its logging routed
// into zap.
func YamuxConfig(log *zap.Logger) *yamux.Config {
	cfg := yamux.DefaultConfig()
	cfg.LogOutput = zap.NewStdLog(log.Named("yamux")).Writer()
	return cfg
}
