package ptyhost

import (
	"context"

	"github.com/peterje/ptyhost/internal/ipc"
)

// Connection is a live pty host: a channel to it plus its lifetime.
type Connection interface {
	ipc.Channel

	// OnDidProcessExit fires once when the host process goes away, with its
	// exit code or -1 when unknown.
	OnDidProcessExit(fn func(code int)) func()

	// Dispose tears the connection down and stops the host process.
	// It does not fire OnDidProcessExit.
	Dispose()
}

// Starter spawns pty hosts. handler serves the calls a host makes back to
// the supervisor.
type Starter interface {
	Start(ctx context.Context, handler ipc.Handler) (Connection, error)

	// OnWillShutdown fires when the whole application is going down, so
	// the host exiting afterwards is not treated as a crash.
	OnWillShutdown(fn func()) func()
}
