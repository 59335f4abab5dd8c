package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codex-autorunner/autorunner/internal/state"
)

var pmaHubDir string

func pmaCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "pma",
		Short: "Administer the hub's personal management agent",
	}
	cmd.PersistentFlags().StringVar(&pmaHubDir, "hub", ".", "hub root directory")
	cmd.AddCommand(pmaTargetsCmd())
	return cmd
}

func pmaTargetsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "targets",
		Short: "Manage PMA delivery targets",
	}
	cmd.AddCommand(pmaTargetsListCmd())
	cmd.AddCommand(pmaTargetsAddCmd())
	cmd.AddCommand(pmaTargetsRmCmd())
	cmd.AddCommand(pmaTargetsClearCmd())
	return cmd
}

func pmaTargetsListCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List configured delivery targets",
		RunE: func(cmd *cobra.Command, args []string) error {
			hub, err := openHub(pmaHubDir)
			if err != nil {
				return err
			}
			tf, err := hub.LoadTargets()
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(tf)
			}
			if len(tf.Targets) == 0 {
				fmt.Println("no targets configured")
				return nil
			}
			for _, t := range tf.Targets {
				key := t.Key()
				if last, ok := tf.LastDeliveryByTarget[key]; ok {
					fmt.Printf("%s\tlast_delivery=%s\n", key, last)
				} else {
					fmt.Println(key)
				}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw targets file")
	return cmd
}

func pmaTargetsAddCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "add <target_key>",
		Short: "Add a delivery target by key, e.g. web, local:pma/out.jsonl, chat:telegram:123",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			target, err := state.ParseTargetKey(args[0])
			if err != nil {
				return usageError{err: err}
			}
			hub, err := openHub(pmaHubDir)
			if err != nil {
				return err
			}
			if err := hub.AddTarget(target); err != nil {
				return err
			}
			fmt.Printf("added %s\n", target.Key())
			return nil
		},
	}
}

func pmaTargetsRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <target_key>",
		Short: "Remove a delivery target by key",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hub, err := openHub(pmaHubDir)
			if err != nil {
				return err
			}
			if err := hub.RemoveTarget(args[0]); err != nil {
				return err
			}
			fmt.Printf("removed %s\n", args[0])
			return nil
		},
	}
}

func pmaTargetsClearCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "clear",
		Short: "Remove every delivery target",
		RunE: func(cmd *cobra.Command, args []string) error {
			hub, err := openHub(pmaHubDir)
			if err != nil {
				return err
			}
			if err := hub.ClearTargets(); err != nil {
				return err
			}
			fmt.Println("targets cleared")
			return nil
		},
	}
}
