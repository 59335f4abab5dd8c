package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/codex-autorunner/autorunner/internal/state"
)

var hubRootDir string

func hubCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "hub",
		Short: "Administer the hub manifest",
	}
	cmd.PersistentFlags().StringVar(&hubRootDir, "hub", ".", "hub root directory")
	cmd.AddCommand(hubDestinationCmd())
	return cmd
}

func hubDestinationCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "destination",
		Short: "Show or set where a repo's agent processes execute",
	}
	cmd.AddCommand(hubDestinationShowCmd())
	cmd.AddCommand(hubDestinationSetCmd())
	return cmd
}

func hubDestinationShowCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "show <repo_id>",
		Short: "Show a repo's execution destination",
		Args:  exactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hub, err := openHub(hubRootDir)
			if err != nil {
				return err
			}
			entry, err := hub.RepoByID(args[0])
			if err != nil {
				return err
			}
			if entry.Destination == nil {
				if asJSON {
					return printJSON(state.Destination{Kind: state.DestinationLocal})
				}
				fmt.Println("local (default)")
				return nil
			}
			if asJSON {
				return printJSON(entry.Destination)
			}
			d := entry.Destination
			switch d.Kind {
			case state.DestinationDocker:
				fmt.Printf("docker image=%s", d.Image)
				if d.ContainerName != "" {
					fmt.Printf(" container_name=%s", d.ContainerName)
				}
				if d.Workdir != "" {
					fmt.Printf(" workdir=%s", d.Workdir)
				}
				fmt.Println()
			default:
				fmt.Println(d.Kind)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the destination as JSON")
	return cmd
}

func hubDestinationSetCmd() *cobra.Command {
	var (
		image          string
		containerName  string
		workdir        string
		envPassthrough []string
	)
	cmd := &cobra.Command{
		Use:   "set <repo_id> {local|docker}",
		Short: "Set a repo's execution destination",
		Args:  exactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			repoID, kind := args[0], args[1]
			var dest *state.Destination
			switch kind {
			case state.DestinationLocal:
				dest = &state.Destination{Kind: state.DestinationLocal}
			case state.DestinationDocker:
				if image == "" {
					return usageErrorf("docker destination requires --image")
				}
				dest = &state.Destination{
					Kind:           state.DestinationDocker,
					Image:          image,
					ContainerName:  containerName,
					Workdir:        workdir,
					EnvPassthrough: envPassthrough,
				}
			default:
				return usageErrorf("unknown destination kind %q, want local or docker", kind)
			}

			hub, err := openHub(hubRootDir)
			if err != nil {
				return err
			}
			entry, err := hub.RepoByID(repoID)
			if err != nil {
				return err
			}
			entry.Destination = dest
			if err := hub.UpsertRepo(*entry); err != nil {
				return err
			}
			fmt.Printf("destination for %s set to %s\n", repoID, kind)
			return nil
		},
	}
	cmd.Flags().StringVar(&image, "image", "", "container image for docker destinations")
	cmd.Flags().StringVar(&containerName, "container-name", "", "attach to a named running container instead of starting one")
	cmd.Flags().StringVar(&workdir, "workdir", "", "working directory inside the container")
	cmd.Flags().StringSliceVar(&envPassthrough, "env-passthrough", nil, "environment variables to pass through to the agent")
	return cmd
}
