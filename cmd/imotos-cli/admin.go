package main

import (
	"context"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/BIT1028/imotos-network/pkg/brainwave"
)

func newAdminCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "admin",
		Short: "Operator commands (control node token required)",
	}

	cmd.AddCommand(newAdminNodesCommand())
	cmd.AddCommand(newAdminStatusCommand())
	cmd.AddCommand(newAdminDifficultyCommand())
	cmd.AddCommand(newAdminNoticeCommand())

	return cmd
}

func newAdminNodesCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "nodes",
		Short: "List every registered node",
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAuthentication(); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			resp, err := api.AdminListNodes(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%d node(s)\n", len(resp.Nodes))
			printNodes(cmd.OutOrStdout(), resp.Nodes)
			return nil
		},
	}
}

func newAdminStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status ONLINE|DEGRADED|MAINTENANCE|EMERGENCY",
		Short: "Set the operator system status",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAuthentication(); err != nil {
				return err
			}
			status, err := brainwave.ParseSystemStatus(args[0])
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			state, err := api.AdminSetStatus(ctx, status)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "System status is now %s\n", state.SystemStatus)
			return nil
		},
	}
}

func newAdminDifficultyCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "difficulty N",
		Short: "Set the proof-of-work difficulty for new challenges",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAuthentication(); err != nil {
				return err
			}
			difficulty, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("invalid difficulty %q: %w", args[0], err)
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			resp, err := api.AdminSetDifficulty(ctx, difficulty)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Difficulty is now %d\n", resp.Difficulty)
			return nil
		},
	}
}

func newAdminNoticeCommand() *cobra.Command {
	var priority uint8

	cmd := &cobra.Command{
		Use:   "notice TEXT",
		Short: "Broadcast a system notice to every connected node",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := requireAuthentication(); err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			resp, err := api.AdminSendNotice(ctx, args[0], priority)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Notice %s sent\n", resp.MessageID)
			return nil
		},
	}

	cmd.Flags().Uint8Var(&priority, "priority", 0, "Notice priority 1-10 (default 5)")
	return cmd
}
