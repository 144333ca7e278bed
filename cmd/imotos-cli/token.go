package main

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"
)

func newTokenCommand() *cobra.Command {
	var (
		nodeID uint32
		name   string
	)

	cmd := &cobra.Command{
		Use:   "token",
		Short: "Mint a development token",
		Long: `Ask the server's development endpoint for a token bound to a node id.
The server must run with --dev-tokens.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runToken(cmd, nodeID, name)
		},
	}

	cmd.Flags().Uint32Var(&nodeID, "node-id", 0, "Node id to bind the token to (required)")
	cmd.Flags().StringVar(&name, "name", "", "Display name carried in the token")
	if err := cmd.MarkFlagRequired("node-id"); err != nil {
		panic(fmt.Sprintf("Failed to mark node-id as required: %v", err))
	}

	return cmd
}

func runToken(cmd *cobra.Command, nodeID uint32, name string) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	resp, err := api.IssueToken(ctx, nodeID, name)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "Token for node %d (expires %s):\n%s\n", resp.NodeID, resp.ExpiresAt.Format("2006-01-02 15:04:05"), resp.Token)
	fmt.Fprintf(out, "\n  export %s=%q\n", envToken, resp.Token)
	return nil
}
