package main

import (
	"context"
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"

	"github.com/BIT1028/imotos-network/pkg/brainwave"
)

func newStateCommand() *cobra.Command {
	var location string

	cmd := &cobra.Command{
		Use:   "state",
		Short: "Show network state and health",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runState(cmd, location)
		},
	}

	cmd.Flags().StringVar(&location, "location", "", "Also list the nodes in this location")
	return cmd
}

func runState(cmd *cobra.Command, location string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()
	out := cmd.OutOrStdout()

	health, err := api.GetHealth(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Health:     %s (healthy=%t)\n", health.Message, health.Healthy)
	fmt.Fprintf(out, "Difficulty: %d\n", health.Difficulty)
	fmt.Fprintf(out, "Connected:  %d\n", health.ConnectedNodes)
	fmt.Fprintf(out, "Queued:     %d offline messages\n", health.OfflineMessages)

	if !api.IsAuthenticated() {
		return nil
	}

	state, err := api.NetworkState(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Status:     %s\n", state.SystemStatus)
	fmt.Fprintf(out, "Active:     %d\n", state.ActiveCount)
	fmt.Fprintf(out, "Load:       %d%%\n", state.NetworkLoad)

	if location != "" {
		members, err := api.LocationMembers(ctx, location)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "\nNodes in %s:\n", members.Location)
		printNodes(out, members.Nodes)
	}
	return nil
}

func printNodes(out io.Writer, nodes []brainwave.Node) {
	if len(nodes) == 0 {
		fmt.Fprintln(out, "  (none)")
		return
	}
	for _, n := range nodes {
		fmt.Fprintf(out, "  %-6d %-20s strength=%3d location=%s capabilities=%s\n",
			n.ID, n.DisplayName, n.ConnectionStrength, n.Location, strings.Join(n.Capabilities, ","))
	}
}
