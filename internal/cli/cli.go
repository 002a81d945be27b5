// ============================================================================
// Fleet CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Cobra command tree for running a node and inspecting its files
//
// Command Structure:
//   fleet                          # Root command
//   ├── run                        # Start a node
//   │   └── --listen              # Override node.listen
//   ├── batch                      # Inspect and repair batch files
//   │   ├── status <file>         # Unit counts per status
//   │   ├── reclaim <file>        # STOPPED -> INITIALIZED, then save
//   │   ├── create <file>         # Seed a batch from a text file
//   │   ├── find <file> <unit>    # Show one unit
//   │   └── import <file> <recs>  # Append units detached by SPLIT
//   ├── frames                     # Framed stream tools
//   │   └── scan <file>           # Count frames and rejected headers
//   ├── command <CMD> [payload]    # Send a job command to a node
//   │   ├── --node                # Node name or address
//   │   ├── --job                 # Job ID (empty = every job)
//   │   └── --payload-out         # Save the reply payload (SPLIT records)
//   ├── --config, -c               # Config file (default: configs/default.yaml)
//   ├── --log-level                # debug, info, warn, error
//   └── --version
//
// Configuration:
//   YAML config file (see controller.Config). Sections:
//   - node: name and listen address
//   - peers: node name -> dial target
//   - groups: balancer groups (nodes, init_timeout, normal_timeout, cycle_limit, fail_threshold)
//   - jobs: jobs hosted by this node
//   - framing: max_message_bytes
//   - metrics: enabled, port
//
// run Command:
//   1. Load config file
//   2. Build the node (sender, balancers, jobs)
//   3. Serve until SIGINT or SIGTERM
//   4. Interrupt jobs, in-flight units are left STOPPED in their batch
//
//   Examples:
//     ./fleet run
//     ./fleet run -c node-b.yaml --listen :7401
//
// Offline Tools:
//   batch and frames commands work on files directly and never need a
//   running node. batch reclaim takes the batch lock, so it refuses to run
//   while the owning job holds the file.
//
// ============================================================================

package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	jsoniter "github.com/json-iterator/go"
	"github.com/spf13/cobra"

	"github.com/ChuLiYu/fleet-recovery/internal/controller"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// Version is overridden at build time with -ldflags "-X ...cli.Version=...".
var Version = "dev"

type app struct {
	configFile string
	logLevel   string
}

func BuildCLI() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:   "fleet",
		Short: "Fleet: crash-recoverable job execution across a group of nodes",
		Long: `Fleet runs jobs that drain persisted batches of work units and dispatch
sub-work to other nodes with:
- per-node health tracking and bounded-latency load balancing
- self-synchronising framed event logs
- atomic batch persistence with crash demotion to STOPPED`,
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			return a.setupLogging(cmd.ErrOrStderr())
		},
	}

	rootCmd.PersistentFlags().StringVarP(&a.configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "info", "log level: debug, info, warn, error")

	rootCmd.AddCommand(a.buildRunCommand())
	rootCmd.AddCommand(buildBatchCommand())
	rootCmd.AddCommand(buildFramesCommand())
	rootCmd.AddCommand(a.buildCommandCommand())

	return rootCmd
}

func (a *app) setupLogging(w io.Writer) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(a.logLevel)); err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", a.logLevel, err)
	}
	slog.SetDefault(slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level})))
	return nil
}

func (a *app) buildRunCommand() *cobra.Command {
	var listen string

	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a fleet node",
		Long:  "Load the config, start every configured job and serve job commands until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := controller.LoadConfig(a.configFile)
			if err != nil {
				return fmt.Errorf("failed to load config: %w", err)
			}
			if listen != "" {
				cfg.Node.Listen = listen
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runNode(ctx, *cfg)
		},
	}

	cmd.Flags().StringVar(&listen, "listen", "", "listen address, overrides node.listen")
	return cmd
}

func runNode(ctx context.Context, cfg controller.Config) error {
	node, err := controller.NewNode(cfg)
	if err != nil {
		return fmt.Errorf("failed to create node: %w", err)
	}
	slog.Info("starting fleet node", "node", cfg.Node.Name, "listen", cfg.Node.Listen,
		"groups", strings.Join(cfg.GroupNames(), ","), "jobs", len(cfg.Jobs))
	return node.Run(ctx)
}

// Execute runs the CLI with os.Args.
func Execute() int {
	if err := BuildCLI().ExecuteContext(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		return 1
	}
	return 0
}
