package main

import (
	"context"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"pkt.systems/pairbox/internal/appconfig"
	"pkt.systems/pairbox/internal/projectstore"
)

func newProjectCmd() *cobra.Command {
	var cfgPath string
	var offline bool
	cmd := &cobra.Command{
		Use:   "project",
		Short: "Create and list projects on the server",
	}
	cmd.PersistentFlags().StringVarP(&cfgPath, "config", "c", "", "path to config file")
	cmd.PersistentFlags().BoolVar(&offline, "offline", false, "use server.storage directly instead of a running server")

	client := func(ctx context.Context) (projectstore.Directory, func(), error) {
		cfg, err := appconfig.Load(cfgPath)
		if err != nil {
			return nil, nil, err
		}
		if offline {
			local, err := openLocal(ctx, cfg)
			if err != nil {
				return nil, nil, err
			}
			return local.directory(sessionUser(cfg)), func() { _ = local.Close() }, nil
		}
		c, err := projectstore.NewHTTPClient(cfg.Session.ServerURL, sessionUser(cfg), sessionTimeout(cfg))
		if err != nil {
			return nil, nil, err
		}
		return c, func() {}, nil
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "create <name>",
		Short: "Create a project owned by the configured user",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, done, err := client(cmd.Context())
			if err != nil {
				return err
			}
			defer done()
			project, err := c.CreateProject(cmd.Context(), strings.Join(args, " "))
			if err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), project.ID)
			return err
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List projects the configured user belongs to",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c, done, err := client(cmd.Context())
			if err != nil {
				return err
			}
			defer done()
			projects, err := c.ListProjects(cmd.Context())
			if err != nil {
				return err
			}
			for _, p := range projects {
				if _, err := fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%d users\t%d files\n", p.ID, p.Name, len(p.Users), len(p.FileTree)); err != nil {
					return err
				}
			}
			return nil
		},
	})
	return cmd
}
