package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"

	"github.com/BIT1028/imotos-network/internal/admission"
)

func newSolveCommand() *cobra.Command {
	var (
		challenge  string
		difficulty int
		attempts   int
	)

	cmd := &cobra.Command{
		Use:   "solve",
		Short: "Solve a proof-of-work challenge",
		Long: `Find a nonce for a challenge. Without --challenge a fresh challenge is
requested from the server for the token's node.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSolve(cmd, challenge, difficulty, attempts)
		},
	}

	cmd.Flags().StringVar(&challenge, "challenge", "", "Challenge token to solve")
	cmd.Flags().IntVar(&difficulty, "difficulty", admission.DefaultDifficulty, "Leading zero hex digits required")
	cmd.Flags().IntVar(&attempts, "max-attempts", admission.DefaultMaxAttempts, "Give up after this many nonces")

	return cmd
}

func runSolve(cmd *cobra.Command, challenge string, difficulty, attempts int) error {
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if challenge == "" {
		if err := requireAuthentication(); err != nil {
			return err
		}
		c, err := api.RequestChallenge(ctx)
		if err != nil {
			return err
		}
		challenge, difficulty = c.Token, c.Difficulty
		fmt.Fprintf(cmd.OutOrStdout(), "Challenge for node %d expires %s\n", c.NodeID, c.ExpiresAt.Format(time.RFC3339))
	}

	start := time.Now()
	nonce, tried, err := admission.Solve(ctx, challenge, difficulty, attempts)
	if err != nil {
		return fmt.Errorf("solve failed after %d attempts: %w", tried, err)
	}

	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "challenge:  %s\n", challenge)
	fmt.Fprintf(out, "difficulty: %d\n", difficulty)
	fmt.Fprintf(out, "nonce:      %s\n", nonce)
	fmt.Fprintf(out, "attempts:   %d in %s\n", tried, time.Since(start).Round(time.Millisecond))
	return nil
}
