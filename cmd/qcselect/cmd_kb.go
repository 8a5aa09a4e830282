package main

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newKBCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "kb",
		Short: "Inspect and query the knowledge base",
	}

	queryCmd := &cobra.Command{
		Use:   "query [goal]",
		Short: "Run a Mangle goal against the knowledge base",
		Long: `Runs a single goal atom and prints every binding.

Examples:
  qcselect kb query 'implements(I, "shor")'
  qcselect kb query 'providesQubits("ibmq-16", Q)'`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			a, err := openApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			// Query directly so parse errors reach the user.
			bindings, err := a.kb.Query(ctx, args[0])
			if err != nil {
				return fmt.Errorf("query failed: %w", err)
			}
			fmt.Fprint(cmd.OutOrStdout(), renderBindings(args[0], bindings))
			return nil
		},
	}

	var params map[string]string
	checkCmd := &cobra.Command{
		Use:   "check [selection-rule]",
		Short: "Check whether a selection rule holds for the given parameters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			a, err := openApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ok := a.engine.CheckExecutability(ctx, args[0], params)
			fmt.Fprint(cmd.OutOrStdout(), renderBool(ok, args[0]))
			return nil
		},
	}
	checkCmd.Flags().StringToStringVarP(&params, "param", "p", nil, "Input parameter NAME=VALUE (repeatable)")

	var qubits, depth int
	suitableCmd := &cobra.Command{
		Use:   "suitable [implementation-id]",
		Short: "List resources able to run an implementation at a given size",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			a, err := openApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			ids := a.engine.SuitableResources(ctx, args[0], qubits, depth)
			t := newTable(fmt.Sprintf("Resources for %s (%d qubits, depth %d)", args[0], qubits, depth), "RESOURCE")
			for _, id := range ids {
				t.addRow(id)
			}
			fmt.Fprint(cmd.OutOrStdout(), t.String())
			return nil
		},
	}
	suitableCmd.Flags().IntVar(&qubits, "qubits", 1, "Required qubits")
	suitableCmd.Flags().IntVar(&depth, "depth", 1, "Circuit depth")

	factsCmd := &cobra.Command{
		Use:   "facts [predicate]",
		Short: "Print every derived fact of a predicate",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			a, err := openApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			facts, err := a.kb.GetFacts(args[0])
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(facts) == 0 {
				fmt.Fprintf(out, "No facts found for predicate '%s'\n", args[0])
				return nil
			}
			lines := make([]string, 0, len(facts))
			for _, f := range facts {
				lines = append(lines, f.String())
			}
			sort.Strings(lines)
			fmt.Fprintln(out, titleStyle.Render(fmt.Sprintf("Facts for '%s':", args[0])))
			for _, l := range lines {
				fmt.Fprintf(out, "  %s\n", l)
			}
			return nil
		},
	}

	statsCmd := &cobra.Command{
		Use:   "stats",
		Short: "Show knowledge base statistics",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			a, err := openApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			stats := a.kb.Stats()
			preds := make([]string, 0, len(stats.PredicateCounts))
			for p := range stats.PredicateCounts {
				preds = append(preds, p)
			}
			sort.Strings(preds)

			t := newTable(fmt.Sprintf("Knowledge base: %d units, %d facts", stats.Units, stats.TotalFacts),
				"PREDICATE", "FACTS")
			for _, p := range preds {
				t.addRow(p, strconv.Itoa(stats.PredicateCounts[p]))
			}
			fmt.Fprint(cmd.OutOrStdout(), t.String())
			return nil
		},
	}

	resyncCmd := &cobra.Command{
		Use:   "resync",
		Short: "Rewrite every fact file from the catalog",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			a, err := openApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			if err := a.catalog.Resync(ctx); err != nil {
				return err
			}
			logger.Info("knowledge base resynced", zap.Int("units", len(a.kb.Units())))
			fmt.Fprint(cmd.OutOrStdout(), renderBool(true, fmt.Sprintf("resynced %d units", len(a.kb.Units()))))
			return nil
		},
	}

	cmd.AddCommand(queryCmd, checkCmd, suitableCmd, factsCmd, statsCmd, resyncCmd)
	return cmd
}
