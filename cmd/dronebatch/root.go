package main

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"

	"github.com/spf13/cobra"

	"github.com/msageha/dronebatch/internal/daemon"
	"github.com/msageha/dronebatch/internal/model"
	"github.com/msageha/dronebatch/internal/setup"
)

type globalFlags struct {
	root     string
	logLevel string
}

func newRootCommand() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:   "dronebatch",
		Short: "Plan and execute batches of drone commands",
		Long: `dronebatch turns a batch of parsed drone commands into an execution plan
that honors action dependencies and conflicts, runs it with retries and
error recovery, and reports per-command results and batch analytics.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&g.root, "root", "", "dronebatch root (default: nearest .dronebatch)")
	root.PersistentFlags().StringVar(&g.logLevel, "log-level", "", "log level: debug, info, warn, error")

	root.AddCommand(
		newInitCommand(),
		newPlanCommand(g),
		newRunCommand(g),
		newRulesCommand(g),
		newDaemonCommand(g),
		newSubmitCommand(g),
		newStatusCommand(g),
		newResultCommand(g),
		newReloadRulesCommand(g),
		newStopCommand(g),
		newVersionCommand(),
	)
	return root
}

// resolveRoot returns --root or the nearest .dronebatch directory.
func (g *globalFlags) resolveRoot() (string, error) {
	if g.root != "" {
		return g.root, nil
	}
	wd, err := os.Getwd()
	if err != nil {
		return "", err
	}
	return setup.FindRoot(wd)
}

// loadConfig reads the root's config when there is one; commands that work
// without a root fall back to defaults.
func (g *globalFlags) loadConfig(requireRoot bool) (string, model.Config, error) {
	root, err := g.resolveRoot()
	if err != nil {
		if requireRoot {
			return "", model.Config{}, err
		}
		return "", model.Config{Execution: model.DefaultExecConfig()}, nil
	}
	cfg, err := setup.LoadConfig(root)
	if err != nil {
		return "", model.Config{}, err
	}
	if g.logLevel != "" {
		cfg.Logging.Level = g.logLevel
	}
	return root, cfg, nil
}

func (g *globalFlags) logger(w io.Writer) *slog.Logger {
	level := daemon.ParseLogLevel(g.logLevel, slog.LevelWarn)
	return slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
}

func newVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version",
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "dronebatch %s\n", version)
		},
	}
}

func newInitCommand() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init [dir]",
		Short: "Create a .dronebatch root with default config and rules",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			dir := "."
			if len(args) == 1 {
				dir = args[0]
			}
			base, err := setup.Run(dir, name)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", styles.Success.Render("initialized"), base)
			fmt.Fprintf(cmd.OutOrStdout(), "try: dronebatch run %s\n", styles.Muted.Render(filepath.Join(base, setup.ExampleBatch)))
			return nil
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name (default: directory name)")
	return cmd
}
