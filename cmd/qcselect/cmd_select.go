package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"go.uber.org/zap"
)

func newSelectCmd() *cobra.Command {
	var (
		params     map[string]string
		jsonOutput bool
	)
	cmd := &cobra.Command{
		Use:   "select [algorithm-id]",
		Short: "Select implementations and resources for an algorithm",
		Long: `Finds the implementations of an algorithm whose selection rule holds for the
given input parameters, and the resources able to run each of them.

Example:
  qcselect select shor --param N=15`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			a, err := openApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			algorithmID := args[0]
			logger.Info("selecting", zap.String("algorithm", algorithmID), zap.Any("params", params))
			candidates, err := a.selector.SelectFor(ctx, algorithmID, params)
			if err != nil {
				return fmt.Errorf("selection failed: %w", err)
			}

			out := cmd.OutOrStdout()
			if jsonOutput {
				enc := json.NewEncoder(out)
				enc.SetIndent("", "  ")
				return enc.Encode(candidates)
			}
			fmt.Fprint(out, renderCandidates(algorithmID, candidates))
			return nil
		},
	}
	cmd.Flags().StringToStringVarP(&params, "param", "p", nil, "Input parameter NAME=VALUE (repeatable)")
	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Print candidates as JSON")
	return cmd
}

func newExecuteCmd() *cobra.Command {
	var params map[string]string
	cmd := &cobra.Command{
		Use:   "execute [implementation-id]",
		Short: "Execute an implementation with the first matching executor plugin",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()

			a, err := openApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			impl, ok, err := a.catalog.FindImplementation(ctx, args[0])
			if err != nil {
				return err
			}
			if !ok {
				return fmt.Errorf("implementation %s not found", args[0])
			}

			result, err := a.selector.Execute(ctx, impl, params)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), renderOutput(result))
			return nil
		},
	}
	cmd.Flags().StringToStringVarP(&params, "param", "p", nil, "Input parameter NAME=VALUE (repeatable)")
	return cmd
}
