package main

import (
	"context"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"

	"github.com/BIT1028/imotos-network/pkg/client"
)

const envToken = "IMOTOS_TOKEN"

var (
	// Global flags
	serverURL string
	linkAddr  string
	transport string
	token     string
	timeout   time.Duration

	// Global client instance
	api *client.HTTPClient
)

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "imotos-cli",
		Short: "imotos network command line interface",
		Long: `imotos-cli talks to an imotos server. It can mint development tokens,
solve admission puzzles, join the network as a node, send brainwave
messages and inspect network state.`,
		PersistentPreRunE: initializeClient,
		SilenceUsage:      true,
	}

	// Add global flags
	rootCmd.PersistentFlags().StringVar(&serverURL, "server", "http://localhost:8080", "imotos HTTP API URL")
	rootCmd.PersistentFlags().StringVar(&linkAddr, "link", "localhost:7070", "gRPC node link address")
	rootCmd.PersistentFlags().StringVar(&transport, "transport", "grpc", "Node link transport (grpc or ws)")
	rootCmd.PersistentFlags().StringVar(&token, "token", os.Getenv(envToken), "JWT token (defaults to $"+envToken+")")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Request timeout")

	// Add subcommands
	rootCmd.AddCommand(newTokenCommand())
	rootCmd.AddCommand(newSolveCommand())
	rootCmd.AddCommand(newJoinCommand())
	rootCmd.AddCommand(newSendCommand())
	rootCmd.AddCommand(newInboxCommand())
	rootCmd.AddCommand(newStateCommand())
	rootCmd.AddCommand(newAdminCommand())

	return rootCmd
}

// initializeClient sets up the HTTP client with global configuration
func initializeClient(cmd *cobra.Command, args []string) error {
	// Skip client initialization for help commands
	if cmd.Name() == "help" || cmd.Parent() == nil {
		return nil
	}

	var err error
	api, err = client.NewHTTPClient(client.Config{
		ServerURL: serverURL,
		Token:     token,
		Timeout:   timeout,
	})
	if err != nil {
		return fmt.Errorf("failed to create client: %w", err)
	}
	return nil
}

// requireAuthentication checks that a token is available
func requireAuthentication() error {
	if !api.IsAuthenticated() {
		return fmt.Errorf("a token is required: pass --token or set %s (see 'imotos-cli token')", envToken)
	}
	return nil
}

// openLink dials the node link over the selected transport
func openLink(ctx context.Context) (*client.Link, error) {
	if err := requireAuthentication(); err != nil {
		return nil, err
	}

	config := client.LinkConfig{Token: api.GetToken()}
	switch transport {
	case "grpc":
		return client.Dial(ctx, linkAddr, config)
	case "ws", "websocket":
		return client.DialWebSocket(ctx, api.WebSocketURL(), config)
	default:
		return nil, fmt.Errorf("unknown transport %q (want grpc or ws)", transport)
	}
}
