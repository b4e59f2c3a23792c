package main

import (
	"github.com/spf13/cobra"

	"github.com/peterje/ptyhost/internal/host"
)

func (a *app) hostCmd() *cobra.Command {
	var socket string
	cmd := &cobra.Command{
		Use:    "host",
		Short:  "Run the pty host (started by serve)",
		Hidden: true,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg := a.cfg
			if socket != "" {
				cfg.Host.Socket = socket
			}

			opts := host.DefaultOptions()
			opts.GraceTime = cfg.Host.GraceTime
			opts.ShortGraceTime = cfg.Host.ShortGraceTime
			opts.OrphanQuestionTimeout = cfg.Host.OrphanQuestionTimeout

			return host.Run(cmd.Context(), host.RunConfig{
				Socket:       cfg.Host.Socket,
				PIDFile:      cfg.Host.PIDPath(),
				DatabasePath: cfg.Server.DatabasePath(),
				BeatInterval: cfg.Supervisor.BeatInterval,
				Options:      opts,
				Logger:       a.log.Named("host"),
			})
		},
	}
	cmd.Flags().StringVar(&socket, "socket", "", "unix socket to listen on")
	return cmd
}
