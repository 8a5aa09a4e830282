package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"qcselect/internal/types"
)

// manifest is the YAML document accepted by the add commands.
type manifest struct {
	Implementations []types.Implementation `yaml:"implementations"`
	Resources       []types.Resource       `yaml:"resources"`
}

func readManifest(path string) (*manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest: %w", err)
	}
	var m manifest
	if err := yaml.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("failed to parse manifest %s: %w", path, err)
	}
	return &m, nil
}

func newImplementationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "implementation",
		Aliases: []string{"impl"},
		Short:   "Manage implementations in the catalog",
	}

	addCmd := &cobra.Command{
		Use:   "add [manifest.yaml]",
		Short: "Add or update the implementations listed in a YAML manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := readManifest(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			a, err := openApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			for _, impl := range m.Implementations {
				saved, err := a.catalog.SaveImplementation(ctx, impl)
				if err != nil {
					return fmt.Errorf("implementation %s: %w", saved.ID, err)
				}
				fmt.Fprint(cmd.OutOrStdout(), renderBool(true, "implementation "+saved.ID))
			}
			return nil
		},
	}

	rmCmd := &cobra.Command{
		Use:   "rm [id...]",
		Short: "Remove implementations",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			a, err := openApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			for _, id := range args {
				if err := a.catalog.DeleteImplementation(ctx, id); err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), renderBool(true, "removed implementation "+id))
			}
			return nil
		},
	}

	var algorithm string
	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List implementations",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			a, err := openApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			var impls []types.Implementation
			if algorithm != "" {
				impls, err = a.catalog.FindByImplementedAlgorithm(ctx, algorithm)
			} else {
				impls, err = a.catalog.ListImplementations(ctx)
			}
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), renderImplementations(impls))
			return nil
		},
	}
	listCmd.Flags().StringVar(&algorithm, "algorithm", "", "Only implementations of this algorithm")

	cmd.AddCommand(addCmd, rmCmd, listCmd)
	return cmd
}

func newResourceCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "resource",
		Aliases: []string{"qpu"},
		Short:   "Manage execution resources in the catalog",
	}

	addCmd := &cobra.Command{
		Use:   "add [manifest.yaml]",
		Short: "Add or update the resources listed in a YAML manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			m, err := readManifest(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := commandContext(cmd)
			defer cancel()
			a, err := openApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			for _, res := range m.Resources {
				saved, err := a.catalog.SaveResource(ctx, res)
				if err != nil {
					return fmt.Errorf("resource %s: %w", saved.ID, err)
				}
				fmt.Fprint(cmd.OutOrStdout(), renderBool(true, "resource "+saved.ID))
			}
			return nil
		},
	}

	rmCmd := &cobra.Command{
		Use:   "rm [id...]",
		Short: "Remove resources",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			a, err := openApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			for _, id := range args {
				if err := a.catalog.DeleteResource(ctx, id); err != nil {
					return err
				}
				fmt.Fprint(cmd.OutOrStdout(), renderBool(true, "removed resource "+id))
			}
			return nil
		},
	}

	listCmd := &cobra.Command{
		Use:   "list",
		Short: "List resources",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := commandContext(cmd)
			defer cancel()
			a, err := openApp(ctx, cfg)
			if err != nil {
				return err
			}
			defer a.Close()

			resources, err := a.catalog.ListResources(ctx)
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), renderResources(resources))
			return nil
		},
	}

	cmd.AddCommand(addCmd, rmCmd, listCmd)
	return cmd
}
