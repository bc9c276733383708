package main

import (
	"context"
	"fmt"
	"net/http"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	httpapi "github.com/offsync/offsync/internal/api/http"
	"github.com/offsync/offsync/internal/app"
	"github.com/offsync/offsync/internal/observability"
)

func newServeCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the caching proxy",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.Load()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			a, err := app.New(ctx, cfg)
			if err != nil {
				return err
			}
			if err := a.Start(ctx); err != nil {
				a.Stop(context.Background())
				return err
			}
			return a.WaitForShutdown(ctx)
		},
	}
}

// withSession opens a session for one command and closes it afterwards.
// The context is cancelled on SIGINT or SIGTERM.
func withSession(cmd *cobra.Command, opts *Options, fn func(ctx context.Context, s *app.Session) error) error {
	cfg, err := opts.Load()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	s, err := app.OpenSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer s.Close()
	return fn(ctx, s)
}

func newTablesCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "tables",
		Short: "List cached tables",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(ctx context.Context, s *app.Session) error {
				tables, err := s.Tables(ctx)
				if err != nil {
					return err
				}
				for _, t := range tables {
					fmt.Fprintln(cmd.OutOrStdout(), t)
				}
				return nil
			})
		},
	}
}

func newSchemaCommand(opts *Options) *cobra.Command {
	return &cobra.Command{
		Use:   "schema <table>",
		Short: "Show the schema history of a cached table",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(ctx context.Context, s *app.Session) error {
				versions, err := s.SchemaHistory(ctx, args[0])
				if err != nil {
					return err
				}
				if len(versions) == 0 {
					return fmt.Errorf("table %s has no recorded schema", args[0])
				}
				return printJSON(cmd.OutOrStdout(), httpapi.NewSchemaHistory(versions))
			})
		},
	}
}

func newPendingCommand(opts *Options) *cobra.Command {
	var tables []string
	cmd := &cobra.Command{
		Use:   "pending",
		Short: "List records awaiting replay",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(ctx context.Context, s *app.Session) error {
				if len(tables) == 0 {
					var err error
					if tables, err = s.Tables(ctx); err != nil {
						return err
					}
				}
				out := make([]httpapi.PendingResponse, 0, len(tables))
				for _, table := range tables {
					recs, err := s.Pending(ctx, table)
					if err != nil {
						return err
					}
					out = append(out, httpapi.NewPendingResponse(table, recs))
				}
				return printJSON(cmd.OutOrStdout(), out)
			})
		},
	}
	cmd.Flags().StringSliceVarP(&tables, "table", "t", nil, "tables to inspect (default: all cached tables)")
	return cmd
}

func newPushCommand(opts *Options) *cobra.Command {
	var (
		tables  []string
		headers []string
	)
	cmd := &cobra.Command{
		Use:   "push",
		Short: "Replay pending records to the upstream",
		RunE: func(cmd *cobra.Command, args []string) error {
			header := http.Header{}
			for _, h := range headers {
				name, value, ok := strings.Cut(h, ":")
				if !ok {
					return fmt.Errorf("invalid header %q (want Name: value)", h)
				}
				header.Add(strings.TrimSpace(name), strings.TrimSpace(value))
			}
			return withSession(cmd, opts, func(ctx context.Context, s *app.Session) error {
				reports, err := s.Push(ctx, tables, header)
				if perr := printJSON(cmd.OutOrStdout(), reports); perr != nil {
					return perr
				}
				return err
			})
		},
	}
	cmd.Flags().StringSliceVarP(&tables, "table", "t", nil, "tables to push (default: all cached tables)")
	cmd.Flags().StringArrayVarP(&headers, "header", "H", nil, "header sent with every upstream call, e.g. \"Authorization: Bearer x\"")
	return cmd
}

func newSnapshotCommand(opts *Options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "snapshot",
		Short: "Export, list or restore store snapshots",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "export",
		Short: "Export a snapshot of the store",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(ctx context.Context, s *app.Session) error {
				info, err := s.Snapshot(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), info)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List stored snapshots",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd, opts, func(ctx context.Context, s *app.Session) error {
				infos, err := s.Snapshots(ctx)
				if err != nil {
					return err
				}
				return printJSON(cmd.OutOrStdout(), infos)
			})
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "restore [name]",
		Short: "Replace the store with a snapshot (default: the newest)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.Load()
			if err != nil {
				return err
			}
			var name string
			if len(args) == 1 {
				name = args[0]
			}
			logger, closer := observability.NewLogger(cfg.Log)
			defer closer.Close()
			info, err := app.RestoreSnapshot(cmd.Context(), cfg, name, logger)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), info)
		},
	})
	return cmd
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "offsync version %s (commit: %s)\n", version, commit)
		},
	}
}
