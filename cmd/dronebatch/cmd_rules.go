package main

import (
	"fmt"

	"github.com/spf13/cobra"
	yamlv3 "gopkg.in/yaml.v3"

	"github.com/msageha/dronebatch/internal/rules"
	"github.com/msageha/dronebatch/internal/setup"
)

func newRulesCommand(g *globalFlags) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "rules",
		Short: "Inspect and validate rule tables",
	}
	cmd.AddCommand(newRulesValidateCommand(), newRulesDumpCommand(g))
	return cmd
}

func newRulesValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <rules.yaml>...",
		Short: "Check rule table files",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			failed := 0
			for _, path := range args {
				t, err := rules.LoadFile(path)
				if err != nil {
					failed++
					fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", styles.Error.Render("invalid"), err)
					continue
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s %s (version %s, %d rules, %d actions)\n",
					styles.Success.Render("ok"), path, t.Version(), len(t.Rules()), len(t.Actions()))
			}
			if failed > 0 {
				return fmt.Errorf("%d of %d rule tables invalid", failed, len(args))
			}
			return nil
		},
	}
}

func newRulesDumpCommand(g *globalFlags) *cobra.Command {
	var (
		builtin bool
		asYAML  bool
	)
	cmd := &cobra.Command{
		Use:   "dump",
		Short: "Print the active rule table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			table := rules.Default()
			if !builtin {
				if root, err := g.resolveRoot(); err == nil {
					if table, err = setup.LoadRules(root); err != nil {
						return err
					}
				}
			}
			if asYAML {
				out, err := yamlv3.Marshal(rules.ToFile(table))
				if err != nil {
					return err
				}
				_, err = cmd.OutOrStdout().Write(out)
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), styles.Title.Render("rule table "+table.Version()))
			for _, line := range rules.Describe(table) {
				fmt.Fprintln(cmd.OutOrStdout(), "  "+line)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&builtin, "builtin", false, "dump the built-in table")
	cmd.Flags().BoolVar(&asYAML, "yaml", false, "print in rule file format")
	return cmd
}
