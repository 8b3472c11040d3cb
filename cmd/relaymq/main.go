package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	relaymq "github.com/relaymq/relaymq-go"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "relaymq",
		Short: "Broker connection utility for relaymq",
		Long: `relaymq is a CLI for exercising a relaymq broker connection.
It connects with automatic reconnection, declares queues, and publishes
messages through the managed session.`,
		Version: fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
	}

	// Global flags
	var (
		configPath string
		verbose    bool
	)

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Path to YAML configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable verbose output")

	newClient := func() (*relaymq.Client, error) {
		cfg, err := relaymq.LoadConfig(configPath)
		if err != nil {
			return nil, err
		}
		relaymq.FromEnv(&cfg)

		level := slog.LevelInfo
		if verbose {
			level = slog.LevelDebug
		}
		logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))

		return relaymq.NewClient(cfg, relaymq.WithLogger(logger))
	}

	rootCmd.AddCommand(checkCmd(newClient))
	rootCmd.AddCommand(declareCmd(newClient))
	rootCmd.AddCommand(publishCmd(newClient))

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// checkCmd connects, waits for the session to become ready, then disconnects
// cleanly. Useful as a broker liveness probe.
func checkCmd(newClient func() (*relaymq.Client, error)) *cobra.Command {
	var timeout time.Duration

	cmd := &cobra.Command{
		Use:   "check",
		Short: "Connect to the broker and report when the session is ready",
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			if err := client.Connect(ctx); err != nil {
				return fmt.Errorf("connect: %w", err)
			}

			info, _ := client.ReadySignal().Info()
			fmt.Printf("session ready (id=%s)\n", info.ID)

			if err := client.Disconnect("check complete"); err != nil {
				return err
			}
			return client.ExitSignal().Wait(ctx)
		},
	}

	cmd.Flags().DurationVarP(&timeout, "timeout", "t", 30*time.Second, "Overall timeout")
	return cmd
}

func declareCmd(newClient func() (*relaymq.Client, error)) *cobra.Command {
	var durable bool

	cmd := &cobra.Command{
		Use:   "declare <queue>",
		Short: "Declare a queue on the broker",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Disconnect("declare complete")

			ctx := cmd.Context()
			if err := client.Connect(ctx); err != nil {
				return fmt.Errorf("connect: %w", err)
			}

			queue, created, err := client.DeclareQueue(ctx, args[0], relaymq.QueueArgs{Durable: durable})
			if err != nil {
				return err
			}
			if created {
				fmt.Printf("queue %q declared\n", queue.Name)
			} else {
				fmt.Printf("queue %q already declared\n", queue.Name)
			}
			return nil
		},
	}

	cmd.Flags().BoolVarP(&durable, "durable", "d", true, "Declare the queue as durable")
	return cmd
}

func publishCmd(newClient func() (*relaymq.Client, error)) *cobra.Command {
	var (
		exchange    string
		contentType string
	)

	cmd := &cobra.Command{
		Use:   "publish <routing-key> <body>",
		Short: "Publish a message through the managed session",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			client, err := newClient()
			if err != nil {
				return err
			}
			defer client.Disconnect("publish complete")

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if err := client.Connect(ctx); err != nil {
				return fmt.Errorf("connect: %w", err)
			}

			err = client.Publish(ctx, relaymq.PublishArgs{
				Exchange:    exchange,
				RoutingKey:  args[0],
				ContentType: contentType,
				Body:        []byte(args[1]),
			})
			if err != nil {
				return err
			}
			fmt.Println("message published")
			return nil
		},
	}

	cmd.Flags().StringVarP(&exchange, "exchange", "e", "", "Target exchange (default exchange when empty)")
	cmd.Flags().StringVar(&contentType, "content-type", "text/plain", "Message content type")
	return cmd
}
