package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/BIT1028/imotos-network/pkg/brainwave"
	"github.com/BIT1028/imotos-network/pkg/client"
)

// joinFlags are shared by every command that registers a node
type joinFlags struct {
	name     string
	location string
}

func (f *joinFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.name, "name", "", "Display name (defaults to the token's)")
	cmd.Flags().StringVar(&f.location, "location", "", "Location room to join")
}

// join opens a link and registers the token's node
func (f *joinFlags) join(ctx context.Context, out io.Writer) (*client.Link, brainwave.Node, error) {
	link, err := openLink(ctx)
	if err != nil {
		return nil, brainwave.Node{}, err
	}

	node, err := link.Join(ctx, f.name, f.location)
	if err != nil {
		_ = link.Close()
		return nil, brainwave.Node{}, fmt.Errorf("join failed: %w", err)
	}
	fmt.Fprintf(out, "Joined as node %d %q in %s (strength %d)\n", node.ID, node.DisplayName, node.Location, node.ConnectionStrength)
	return link, node, nil
}

func newJoinCommand() *cobra.Command {
	var (
		flags     joinFlags
		heartbeat time.Duration
	)

	cmd := &cobra.Command{
		Use:   "join",
		Short: "Join the network and print events until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			link, _, err := flags.join(ctx, cmd.OutOrStdout())
			if err != nil {
				return err
			}
			defer link.Close()

			go func() {
				if err := link.KeepAlive(ctx, heartbeat); err != nil && !errors.Is(err, context.Canceled) {
					fmt.Fprintf(cmd.ErrOrStderr(), "heartbeat stopped: %v\n", err)
				}
			}()

			return printEvents(ctx, cmd.OutOrStdout(), link, 0)
		},
	}

	flags.register(cmd)
	cmd.Flags().DurationVar(&heartbeat, "heartbeat", 30*time.Second, "Heartbeat interval")
	return cmd
}

func newSendCommand() *cobra.Command {
	var (
		flags      joinFlags
		to         uint32
		content    string
		msgType    string
		priority   uint8
		encryption string
	)

	cmd := &cobra.Command{
		Use:   "send",
		Short: "Join the network and send one brainwave message",
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := brainwave.ParseMessageType(msgType)
			if err != nil {
				return err
			}
			level, err := brainwave.ParseEncryptionLevel(encryption)
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			out := cmd.OutOrStdout()
			link, node, err := flags.join(ctx, out)
			if err != nil {
				return err
			}
			defer link.Close()

			ack, err := link.Send(ctx, brainwave.Message{
				SenderID:   node.ID,
				SenderName: node.DisplayName,
				ReceiverID: to,
				Type:       kind,
				Content:    content,
				Priority:   priority,
				Encryption: level,
			})
			if err != nil {
				return fmt.Errorf("message %s: %w", ack.Outcome, err)
			}
			fmt.Fprintf(out, "Message %s: %s\n", ack.MessageID, ack.Outcome)
			return nil
		},
	}

	flags.register(cmd)
	cmd.Flags().Uint32Var(&to, "to", 0, "Receiver node id (DIRECT only)")
	cmd.Flags().StringVar(&content, "content", "", "Message content (required)")
	cmd.Flags().StringVar(&msgType, "type", "direct", "Message type (direct, broadcast, emergency)")
	cmd.Flags().Uint8Var(&priority, "priority", 0, "Priority 1-10 (default 5)")
	cmd.Flags().StringVar(&encryption, "encryption", "none", "Encryption level of the content")
	if err := cmd.MarkFlagRequired("content"); err != nil {
		panic(fmt.Sprintf("Failed to mark content as required: %v", err))
	}

	return cmd
}

func newInboxCommand() *cobra.Command {
	var (
		flags joinFlags
		wait  time.Duration
	)

	cmd := &cobra.Command{
		Use:   "inbox",
		Short: "Join the network and print messages queued while offline",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(context.Background(), timeout)
			defer cancel()

			out := cmd.OutOrStdout()
			link, _, err := flags.join(ctx, out)
			if err != nil {
				return err
			}
			defer link.Close()

			n, err := link.Drain(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(out, "%d queued message(s)\n", n)
			if n == 0 {
				return nil
			}

			waitCtx, cancelWait := context.WithTimeout(ctx, wait)
			defer cancelWait()
			return printEvents(waitCtx, out, link, n)
		},
	}

	flags.register(cmd)
	cmd.Flags().DurationVar(&wait, "wait", 5*time.Second, "How long to wait for queued messages to arrive")
	return cmd
}

// printEvents prints events until ctx ends, the link closes or limit
// brainwave messages have been printed (0 = no limit).
func printEvents(ctx context.Context, out io.Writer, link *client.Link, limit int) error {
	messages := 0
	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-link.Events():
			if !ok {
				if err := link.Err(); err != nil && !errors.Is(err, client.ErrLinkClosed) {
					return err
				}
				return nil
			}
			printEvent(out, ev)
			if ev.Kind == brainwave.EventBrainwave {
				messages++
				if limit > 0 && messages >= limit {
					return nil
				}
			}
		}
	}
}

func printEvent(out io.Writer, ev brainwave.Event) {
	switch {
	case ev.Message != nil:
		m := ev.Message
		fmt.Fprintf(out, "[%s] %s from %d %q (priority %d): %s\n",
			ev.Kind, m.Type, m.SenderID, m.SenderName, m.Priority, m.Content)
	case ev.Node != nil:
		fmt.Fprintf(out, "[%s] node %d %q\n", ev.Kind, ev.Node.ID, ev.Node.DisplayName)
	case ev.State != nil:
		fmt.Fprintf(out, "[%s] %s active=%d load=%d%%\n", ev.Kind, ev.State.SystemStatus, ev.State.ActiveCount, ev.State.NetworkLoad)
	case ev.Receipt != nil:
		fmt.Fprintf(out, "[%s] message %s for node %d\n", ev.Kind, ev.Receipt.MessageID, ev.Receipt.ReceiverID)
	case ev.Error != nil:
		fmt.Fprintf(out, "[%s] %s: %s\n", ev.Kind, ev.Error.Kind, ev.Error.Message)
	default:
		fmt.Fprintf(out, "[%s]\n", ev.Kind)
	}
}
