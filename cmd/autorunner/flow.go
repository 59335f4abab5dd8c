package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/codex-autorunner/autorunner/internal/client"
	"github.com/codex-autorunner/autorunner/internal/common/config"
	"github.com/codex-autorunner/autorunner/internal/state"
)

var (
	flowRepo   string
	flowHubDir string
	flowRunID  string
	flowJSON   bool
	flowServer string
)

func flowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "flow",
		Short: "Drive flow runs on a live hub",
	}
	cmd.AddCommand(flowTicketFlowCmd())
	return cmd
}

func flowTicketFlowCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ticket_flow",
		Short: "Operate the ticket flow",
	}
	cmd.PersistentFlags().StringVar(&flowRepo, "repo", "", "repo id")
	cmd.PersistentFlags().StringVar(&flowHubDir, "hub", ".", "hub root directory")
	cmd.PersistentFlags().StringVar(&flowRunID, "run-id", "", "run id (defaults to the repo's active run)")
	cmd.PersistentFlags().BoolVar(&flowJSON, "json", false, "print raw JSON responses")
	cmd.PersistentFlags().StringVar(&flowServer, "server", "", "hub server address (default: from the hub's config)")
	cmd.AddCommand(flowBootstrapCmd())
	cmd.AddCommand(flowStartCmd())
	cmd.AddCommand(flowStopCmd())
	cmd.AddCommand(flowStatusCmd())
	cmd.AddCommand(flowArchiveCmd())
	return cmd
}

// flowClient builds the hub client from --server or the hub's own config.
func flowClient() (*client.Client, error) {
	addr := flowServer
	if addr == "" {
		cfg, err := config.LoadWithPath(flowHubDir)
		if err != nil {
			return nil, fmt.Errorf("load hub config: %w", err)
		}
		addr = fmt.Sprintf("http://%s:%d", cfg.Server.Host, cfg.Server.Port)
	}
	if !strings.Contains(addr, "://") {
		addr = "http://" + addr
	}
	return client.New(addr), nil
}

// resolveFlowRunID returns --run-id, or the repo's active ticket flow run.
func resolveFlowRunID(cmd *cobra.Command, c *client.Client) (string, error) {
	if flowRunID != "" {
		return flowRunID, nil
	}
	if flowRepo == "" {
		return "", usageErrorf("either --run-id or --repo is required")
	}
	runs, err := c.Runs(cmd.Context(), state.TicketFlow)
	if err != nil {
		return "", err
	}
	for _, run := range runs {
		if run.RepoID == flowRepo && state.ActiveStatus(run.Status) {
			return run.RunID, nil
		}
	}
	return "", fmt.Errorf("no active ticket flow run for repo %s", flowRepo)
}

// printEvidence prints the run's evidence artifact path if a terminal
// transition has written one.
func printEvidence(runID string) {
	hub, err := openHub(flowHubDir)
	if err != nil {
		return
	}
	if path, err := hub.FindRunEvidence(runID); err == nil {
		fmt.Printf("evidence: %s\n", path)
	}
}

func flowBootstrapCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "Scan the repo's tickets and start a run",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flowRepo == "" {
				return usageErrorf("--repo is required")
			}
			c, err := flowClient()
			if err != nil {
				return err
			}
			res, err := c.BootstrapTicketFlow(cmd.Context(), flowRepo)
			if err != nil {
				return err
			}
			if flowJSON {
				return printJSON(res)
			}
			if res.Hint == "active_run_reused" {
				fmt.Printf("run %s %s (active run reused)\n", res.ID, res.Status)
			} else {
				fmt.Printf("run %s %s\n", res.ID, res.Status)
			}
			return nil
		},
	}
}

func flowStartCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "start",
		Short: "Start the repo's ticket flow (alias for bootstrap)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if flowRepo == "" {
				return usageErrorf("--repo is required")
			}
			c, err := flowClient()
			if err != nil {
				return err
			}
			res, err := c.BootstrapTicketFlow(cmd.Context(), flowRepo)
			if err != nil {
				return err
			}
			if flowJSON {
				return printJSON(res)
			}
			if res.Hint == "active_run_reused" {
				fmt.Printf("run %s already running\n", res.ID)
			} else {
				fmt.Printf("run %s started\n", res.ID)
			}
			return nil
		},
	}
}

func flowStopCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stop",
		Short: "Request a cooperative stop of the active run",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flowClient()
			if err != nil {
				return err
			}
			runID, err := resolveFlowRunID(cmd, c)
			if err != nil {
				return err
			}
			res, err := c.Stop(cmd.Context(), runID)
			if err != nil {
				return err
			}
			if flowJSON {
				return printJSON(res)
			}
			fmt.Printf("run %s %s\n", res.ID, res.Status)
			printEvidence(res.ID)
			return nil
		},
	}
}

func flowStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the run's status and progress",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flowClient()
			if err != nil {
				return err
			}
			runs, err := c.Runs(cmd.Context(), state.TicketFlow)
			if err != nil {
				return err
			}
			var run *state.FlowRun
			if flowRunID != "" {
				for _, r := range runs {
					if r.RunID == flowRunID {
						run = r
						break
					}
				}
			} else {
				if flowRepo == "" {
					return usageErrorf("either --run-id or --repo is required")
				}
				// The active run when there is one, else the newest.
				for _, r := range runs {
					if r.RepoID != flowRepo {
						continue
					}
					if state.ActiveStatus(r.Status) {
						run = r
						break
					}
					if run == nil || r.StartedAt.After(run.StartedAt) {
						run = r
					}
				}
			}
			if run == nil {
				return fmt.Errorf("no matching ticket flow run")
			}
			if flowJSON {
				return printJSON(run)
			}
			line := fmt.Sprintf("run %s %s", run.RunID, run.Status)
			if te := run.State.TicketEngine; te != nil {
				if te.CurrentTicket != "" {
					line += fmt.Sprintf(" ticket=%s", te.CurrentTicket)
				}
				line += fmt.Sprintf(" turns=%d", te.TotalTurns)
				if te.Reason != "" {
					line += fmt.Sprintf(" reason=%s", te.Reason)
				}
			}
			fmt.Println(line)
			if state.TerminalStatus(run.Status) {
				printEvidence(run.RunID)
			}
			return nil
		},
	}
}

func flowArchiveCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "archive",
		Short: "Move the run's done tickets to the archive",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := flowClient()
			if err != nil {
				return err
			}
			runID, err := resolveArchiveRunID(cmd, c)
			if err != nil {
				return err
			}
			res, err := c.Archive(cmd.Context(), runID, force)
			if err != nil {
				return err
			}
			if flowJSON {
				return printJSON(res)
			}
			fmt.Printf("run %s archived, %d tickets moved\n", res.ID, res.TicketsMoved)
			printEvidence(res.ID)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "archive even while the run is active")
	return cmd
}

// resolveArchiveRunID prefers --run-id and otherwise picks the repo's most
// recent run, terminal or not, since archive usually follows completion.
func resolveArchiveRunID(cmd *cobra.Command, c *client.Client) (string, error) {
	if flowRunID != "" {
		return flowRunID, nil
	}
	if flowRepo == "" {
		return "", usageErrorf("either --run-id or --repo is required")
	}
	runs, err := c.Runs(cmd.Context(), state.TicketFlow)
	if err != nil {
		return "", err
	}
	var newest *state.FlowRun
	for _, run := range runs {
		if run.RepoID != flowRepo {
			continue
		}
		if newest == nil || run.StartedAt.After(newest.StartedAt) {
			newest = run
		}
	}
	if newest == nil {
		return "", fmt.Errorf("no ticket flow runs for repo %s", flowRepo)
	}
	return newest.RunID, nil
}
