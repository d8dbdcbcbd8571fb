package main

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/dronebatch/internal/daemon"
	"github.com/msageha/dronebatch/internal/model"
	"github.com/msageha/dronebatch/internal/notify"
	"github.com/msageha/dronebatch/internal/setup"
	"github.com/msageha/dronebatch/internal/status"
	"github.com/msageha/dronebatch/internal/uds"
)

func newDaemonCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the spool daemon for the current root",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			root, cfg, err := g.loadConfig(true)
			if err != nil {
				return err
			}
			table, err := setup.LoadRules(root)
			if err != nil {
				return err
			}
			handler, _, err := buildHandler(cfg.Dispatch, table, seedNow())
			if err != nil {
				return err
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			tel, err := startTelemetry(ctx, cfg.Telemetry, root, g.logger(cmd.ErrOrStderr()))
			if err != nil {
				return err
			}
			defer tel.close()

			opts := daemon.Options{Handler: handler, Registerer: tel.registry()}
			if cfg.Daemon.Notify {
				opts.Notifier = notify.Desktop()
			}
			d, err := daemon.New(root, cfg, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "dronebatch daemon on %s (log: %s)\n",
				root, filepath.Join(root, daemon.LogsDir, "daemon.log"))
			return d.Run()
		},
	}
}

func (g *globalFlags) client() (*uds.Client, error) {
	root, err := g.resolveRoot()
	if err != nil {
		return nil, err
	}
	c := uds.NewClient(filepath.Join(root, uds.DefaultSocketName))
	c.SetTimeout(30 * time.Second)
	return c, nil
}

func newSubmitCommand(g *globalFlags) *cobra.Command {
	var wait time.Duration
	cmd := &cobra.Command{
		Use:   "submit <batch.yaml>",
		Short: "Queue a batch on the running daemon",
		Args:  cobra.ExactArgs(1),
	}
	v := execFlags(cmd)
	cmd.Flags().DurationVar(&wait, "wait", 0, "wait up to this long for the result")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		req, err := loadBatch(args[0])
		if err != nil {
			return err
		}
		if hasExecOverrides(v) {
			base := model.ExecConfig{}
			if req.Execution != nil {
				base = *req.Execution
			}
			merged := applyExecOverrides(v, base)
			req.Execution = &merged
		}
		c, err := g.client()
		if err != nil {
			return err
		}
		var resp daemon.SubmitResponse
		if err := c.CallContext(cmd.Context(), daemon.CmdSubmit, req, &resp); err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", styles.Success.Render("queued"), resp.BatchID)
		if wait <= 0 {
			return nil
		}
		res, err := waitResult(cmd.Context(), c, resp.BatchID, wait)
		if err != nil {
			return err
		}
		renderResult(cmd.OutOrStdout(), &res.Result)
		return nil
	}
	return cmd
}

func waitResult(ctx context.Context, c *uds.Client, batchID string, wait time.Duration) (*model.BatchResultFile, error) {
	ctx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()
	ticker := time.NewTicker(200 * time.Millisecond)
	defer ticker.Stop()
	for {
		var out model.BatchResultFile
		err := c.CallContext(ctx, daemon.CmdResult, daemon.ResultParams{BatchID: batchID}, &out)
		if err == nil {
			return &out, nil
		}
		var detail *uds.ErrorDetail
		if ctx.Err() != nil {
			return nil, fmt.Errorf("batch %s: no result after %s", batchID, wait)
		}
		if !errors.As(err, &detail) || detail.Code != uds.ErrCodeNotFound {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("batch %s: no result after %s", batchID, wait)
		case <-ticker.C:
		}
	}
}

func newResultCommand(g *globalFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "result <batch-id>",
		Short: "Show the result of a daemon batch",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			var out model.BatchResultFile
			if err := c.Call(daemon.CmdResult, daemon.ResultParams{BatchID: args[0]}, &out); err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd, out)
			}
			renderResult(cmd.OutOrStdout(), &out.Result)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result file as JSON")
	return cmd
}

func newStatusCommand(g *globalFlags) *cobra.Command {
	var (
		asJSON bool
		recent int
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show daemon and spool status",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			root, err := g.resolveRoot()
			if err != nil {
				return err
			}
			report := status.Collect(root, recent)
			if asJSON {
				return status.WriteJSON(cmd.OutOrStdout(), report)
			}
			status.Print(cmd.OutOrStdout(), report)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print status as JSON")
	cmd.Flags().IntVar(&recent, "recent", status.DefaultRecent, "number of recent results to list")
	return cmd
}

func newReloadRulesCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "reload-rules",
		Short: "Reload rules.yaml in the running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			var resp daemon.ReloadResponse
			if err := c.Call(daemon.CmdReloadRules, nil, &resp); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s version %s (%d rules)\n", styles.Success.Render("reloaded"), resp.Version, resp.Rules)
			return nil
		},
	}
}

func newStopCommand(g *globalFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Gracefully stop the running daemon",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := g.client()
			if err != nil {
				return err
			}
			if err := c.Call(daemon.CmdShutdown, nil, nil); err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "shutdown requested")
			return nil
		},
	}
}
