package main

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/term"

	"github.com/peterje/ptyhost/internal/config"
	"github.com/peterje/ptyhost/internal/ipc"
	"github.com/peterje/ptyhost/internal/protocol"
	"github.com/peterje/ptyhost/internal/remote"
	"github.com/peterje/ptyhost/internal/tunnel"
	"github.com/peterje/ptyhost/internal/workbench"
)

// addConnFlags registers how workbench commands reach the server.
func (a *app) addConnFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&a.url, "url", "", "server channel URL, ws(s)://host:port/channel or unix:///path (default: the local socket)")
	cmd.Flags().BoolVar(&a.insecure, "insecure", false, "accept the server's self-signed certificate")
}

func (a *app) dialer() *tunnel.Dialer {
	url := a.url
	if url == "" {
		url = "unix://" + a.cfg.Server.Socket
	}
	d := &tunnel.Dialer{URL: url, Token: a.cfg.Server.Token, Log: a.log}
	if a.insecure {
		d.TLSConfig = &tls.Config{InsecureSkipVerify: true}
	}
	return d
}

func (a *app) deps() (remote.Deps, error) {
	dir, err := os.Getwd()
	if err != nil {
		return remote.Deps{}, err
	}
	ws, err := workbench.NewWorkspace(dir)
	if err != nil {
		return remote.Deps{}, err
	}
	settings, err := config.LoadSettings(a.cfg.Server.SettingsFile, a.log)
	if err != nil {
		return remote.Deps{}, err
	}
	return remote.Deps{
		Workspace: ws,
		Editor:    workbench.Editor{},
		Resolver:  workbench.Resolver{Settings: settings},
		Config:    workbench.Config{Settings: settings},
		Logger:    a.log,
	}, nil
}

// withClient opens one channel for a short-lived command.
func (a *app) withClient(ctx context.Context, fn func(*remote.Client) error) error {
	deps, err := a.deps()
	if err != nil {
		return err
	}
	nc, err := a.dialer().Open(ctx)
	if err != nil {
		return err
	}
	conn := ipc.NewConn(nc, nil, a.log)
	defer conn.Close()

	client := remote.NewClient(conn, deps)
	defer client.ServeVariableRequests(ctx)()
	return fn(client)
}

func (a *app) lsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ls",
		Short: "List detached terminals",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withClient(cmd.Context(), func(c *remote.Client) error {
				procs, err := c.ListProcesses(cmd.Context())
				if err != nil {
					return err
				}
				w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(w, "ID\tPID\tTITLE\tCWD\tWORKSPACE")
				for _, p := range procs {
					fmt.Fprintf(w, "%d\t%d\t%s\t%s\t%s\n", p.ID, p.Pid, p.Title, p.Cwd, p.WorkspaceName)
				}
				return w.Flush()
			})
		},
	}
	a.addConnFlags(cmd)
	return cmd
}

func (a *app) newCmd() *cobra.Command {
	var (
		slc      protocol.ShellLaunchConfig
		detached bool
	)
	cmd := &cobra.Command{
		Use:   "new [-- shell args...]",
		Short: "Create a terminal and attach to it",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			slc.Args = args
			cols, rows := localSize()

			var id int
			err := a.withClient(ctx, func(c *remote.Client) error {
				res, err := c.CreateProcess(ctx, slc, cols, rows, "11", protocol.ProcessOptions{}, true)
				if err != nil {
					return err
				}
				id = res.PersistentTerminalID
				launchErr, err := c.Start(ctx, id)
				if err != nil {
					return err
				}
				if launchErr != nil {
					return fmt.Errorf("start terminal: %s", launchErr.Message)
				}
				return nil
			})
			if err != nil {
				return err
			}
			if detached {
				fmt.Fprintln(cmd.OutOrStdout(), id)
				return nil
			}
			return a.attach(ctx, id)
		},
	}
	cmd.Flags().StringVar(&slc.Executable, "shell", "", "shell to run (default: the server's default shell)")
	cmd.Flags().StringVar(&slc.Cwd, "cwd", "", "working directory, relative to the workspace")
	cmd.Flags().StringVar(&slc.Name, "name", "", "terminal name")
	cmd.Flags().BoolVarP(&detached, "detached", "d", false, "print the terminal id instead of attaching")
	a.addConnFlags(cmd)
	return cmd
}

func (a *app) attachCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "attach ID",
		Short: "Attach to a terminal; Ctrl-] detaches",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid terminal id %q", args[0])
			}
			return a.attach(cmd.Context(), id)
		},
	}
	a.addConnFlags(cmd)
	return cmd
}

func (a *app) attach(ctx context.Context, id int) error {
	deps, err := a.deps()
	if err != nil {
		return err
	}

	fd := int(os.Stdin.Fd())
	if term.IsTerminal(fd) {
		state, err := term.MakeRaw(fd)
		if err != nil {
			return fmt.Errorf("raw mode: %w", err)
		}
		defer term.Restore(fd, state)
	}

	ctx, stop := signal.NotifyContext(ctx, syscall.SIGTERM)
	defer stop()

	input := make(chan []byte)
	go func() {
		defer close(input)
		for {
			buf := make([]byte, 4096)
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				select {
				case input <- buf[:n]:
				case <-ctx.Done():
					return
				}
			}
			if err != nil {
				return
			}
		}
	}()

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	resized := make(chan struct{}, 1)
	go func() {
		for range winch {
			select {
			case resized <- struct{}{}:
			default:
			}
		}
	}()

	att := &workbench.Attachment{
		ID:     id,
		Input:  input,
		Output: os.Stdout,
		Size: func() (int, int, bool) {
			cols, rows, err := term.GetSize(int(os.Stdout.Fd()))
			return cols, rows, err == nil
		},
		Resized: resized,
		Log:     a.log,
	}

	err = workbench.Reattach(ctx, a.dialer(), deps, att)
	var exit *workbench.ExitError
	switch {
	case errors.Is(err, workbench.ErrDetached):
		fmt.Fprintf(os.Stderr, "\r\n[detached from %d]\r\n", id)
		return nil
	case errors.As(err, &exit):
		fmt.Fprintf(os.Stderr, "\r\n[%s]\r\n", exit)
		return nil
	}
	a.log.Debug("attach ended", zap.Int("id", id), zap.Error(err))
	return err
}

func (a *app) restartCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "restart",
		Short: "Restart the pty host; running terminals are lost",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return a.withClient(cmd.Context(), func(c *remote.Client) error {
				return c.RestartPtyHost(cmd.Context())
			})
		},
	}
	a.addConnFlags(cmd)
	return cmd
}

func (a *app) settingsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "settings",
		Short: "Manage the terminal settings file",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "init",
		Short: "Write the current settings, or the defaults, to the settings file",
		RunE: func(cmd *cobra.Command, _ []string) error {
			settings, err := config.LoadSettings(a.cfg.Server.SettingsFile, a.log)
			if err != nil {
				return err
			}
			if err := os.MkdirAll(a.cfg.Server.DataDir, 0o700); err != nil {
				return err
			}
			if err := settings.Save(); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), a.cfg.Server.SettingsFile)
			return nil
		},
	})
	return cmd
}

func localSize() (cols, rows int) {
	cols, rows, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil {
		return 80, 24
	}
	return cols, rows
}
