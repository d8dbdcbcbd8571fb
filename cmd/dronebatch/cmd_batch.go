package main

import (
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/msageha/dronebatch/internal/analytics"
	"github.com/msageha/dronebatch/internal/batch"
	"github.com/msageha/dronebatch/internal/events"
	"github.com/msageha/dronebatch/internal/model"
	"github.com/msageha/dronebatch/internal/rules"
	"github.com/msageha/dronebatch/internal/setup"
	yamlutil "github.com/msageha/dronebatch/internal/yaml"
)

// batchEnv is what plan and run share: config, rules and the resolved
// execution settings of one batch file.
type batchEnv struct {
	root  string
	cfg   model.Config
	table *rules.Table
	req   model.BatchRequestFile
	exec  model.ExecConfig
}

func (g *globalFlags) loadBatchEnv(path, rulesPath string, overrides func(model.ExecConfig) model.ExecConfig) (*batchEnv, error) {
	root, cfg, err := g.loadConfig(false)
	if err != nil {
		return nil, err
	}
	var table *rules.Table
	switch {
	case rulesPath != "":
		table, err = rules.LoadFile(rulesPath)
	case root != "":
		table, err = setup.LoadRules(root)
	default:
		table = rules.Default()
	}
	if err != nil {
		return nil, err
	}
	req, err := loadBatch(path)
	if err != nil {
		return nil, err
	}
	return &batchEnv{
		root:  root,
		cfg:   cfg,
		table: table,
		req:   req,
		exec:  overrides(req.Resolve(cfg.Execution)),
	}, nil
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func newPlanCommand(g *globalFlags) *cobra.Command {
	var (
		rulesPath string
		asJSON    bool
	)
	cmd := &cobra.Command{
		Use:   "plan <batch.yaml>",
		Short: "Validate a batch and print its execution plan",
		Args:  cobra.ExactArgs(1),
	}
	v := execFlags(cmd)
	cmd.Flags().StringVar(&rulesPath, "rules", "", "rule table file (default: root rules.yaml or built-in)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the plan as JSON")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		env, err := g.loadBatchEnv(args[0], rulesPath, func(c model.ExecConfig) model.ExecConfig {
			return applyExecOverrides(v, c)
		})
		if err != nil {
			return err
		}
		runner := batch.NewRunner(batch.Options{
			Tables: batch.StaticTable(env.table),
			Logger: g.logger(cmd.ErrOrStderr()),
		})
		plan, err := runner.Plan(env.req.Commands, env.exec)
		if err != nil {
			return err
		}
		if asJSON {
			return printJSON(cmd, plan)
		}
		renderPlan(cmd.OutOrStdout(), plan, env.req.Commands)
		return nil
	}
	return cmd
}

func newRunCommand(g *globalFlags) *cobra.Command {
	var (
		rulesPath string
		asJSON    bool
		output    string
		progress  bool
		seed      uint64
	)
	cmd := &cobra.Command{
		Use:   "run <batch.yaml>",
		Short: "Execute a batch against the configured backend and print the result",
		Args:  cobra.ExactArgs(1),
	}
	v := execFlags(cmd)
	cmd.Flags().StringVar(&rulesPath, "rules", "", "rule table file (default: root rules.yaml or built-in)")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the result as JSON")
	cmd.Flags().StringVarP(&output, "output", "o", "", "also write the result file here")
	cmd.Flags().BoolVar(&progress, "progress", false, "print command events as they happen (default: on when stderr is a terminal)")
	cmd.Flags().Uint64Var(&seed, "seed", 0, "simulator seed (default: time based)")
	cmd.RunE = func(cmd *cobra.Command, args []string) error {
		env, err := g.loadBatchEnv(args[0], rulesPath, func(c model.ExecConfig) model.ExecConfig {
			return applyExecOverrides(v, c)
		})
		if err != nil {
			return err
		}
		if seed == 0 {
			seed = seedNow()
		}
		handler, _, err := buildHandler(env.cfg.Dispatch, env.table, seed)
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		logger := g.logger(cmd.ErrOrStderr())
		tel, err := startTelemetry(ctx, env.cfg.Telemetry, env.root, logger)
		if err != nil {
			return err
		}
		defer tel.close()

		bus := events.NewBus(256)
		defer bus.Close()
		if !cmd.Flags().Changed("progress") {
			progress = isTerminal(cmd.ErrOrStderr())
		}
		if progress {
			unsubscribe := bus.SubscribeAll(func(e events.Event) {
				fmt.Fprintf(cmd.ErrOrStderr(), "%s %s %v\n",
					styles.Muted.Render(e.Timestamp.Format("15:04:05.000")), e.Type, e.Data)
			})
			defer unsubscribe()
		}

		runner := batch.NewRunner(batch.Options{
			Tables:        batch.StaticTable(env.table),
			Handler:       handler,
			Bus:           bus,
			Logger:        logger,
			Recorder:      analytics.NewPrometheusRecorder(tel.registry()),
			Thresholds:    analytics.ThresholdsFromConfig(env.cfg.Analytics),
			LowConfidence: env.cfg.Analytics.LowConfidenceWarning,
		})
		res, err := runner.Run(ctx, batch.Request{
			BatchID:  env.req.BatchID,
			Commands: env.req.Commands,
			Config:   env.exec,
		})
		if err != nil {
			return err
		}

		if output != "" {
			file := model.BatchResultFile{
				SchemaVersion: yamlutil.CurrentSchemaVersion,
				FileType:      yamlutil.FileTypeBatchResult,
				Request:       filepath.Base(args[0]),
				Degraded:      len(res.Analytics.Violations) > 0,
				CreatedAt:     time.Now().UTC().Format(time.RFC3339),
				Result:        *res,
			}
			if err := yamlutil.AtomicWrite(output, file); err != nil {
				return fmt.Errorf("write result: %w", err)
			}
		}
		if asJSON {
			return printJSON(cmd, res)
		}
		renderResult(cmd.OutOrStdout(), res)
		return nil
	}
	return cmd
}
