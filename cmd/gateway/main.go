package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/glimte/mmate-gateway/adapters"
	"github.com/glimte/mmate-gateway/config"
	"github.com/glimte/mmate-gateway/internal/app"
)

var (
	// Version information
	version   = "dev"
	buildTime = "unknown"
	gitCommit = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}

func newRootCmd() *cobra.Command {
	var (
		configPath string
		envFile    string
	)

	load := func() (*config.Config, error) {
		opts := config.Options{EnvFile: envFile, SearchPaths: []string{".", "/etc/mmate-gateway"}}
		return config.Load(configPath, opts)
	}

	runCmd := &cobra.Command{
		Use:   "run",
		Short: "Run the gateway until interrupted",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			return run(cmd.Context(), cfg)
		},
	}

	rootCmd := &cobra.Command{
		Use:   "gateway",
		Short: "Route messages between SMS, chat, email and broker adapters",
		Long: `gateway receives messages from its inbound adapters and the HTTP API and
delivers each one to the adapter serving its destination type, retrying
transient failures with backoff.`,
		Version:       fmt.Sprintf("%s (commit: %s, built: %s)", version, gitCommit, buildTime),
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE:          runCmd.RunE,
	}

	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "Configuration file (default: gateway.yaml in . or /etc/mmate-gateway)")
	rootCmd.PersistentFlags().StringVar(&envFile, "env-file", ".env", "Environment file loaded before the configuration")

	checkCmd := &cobra.Command{
		Use:   "check-config",
		Short: "Validate the configuration and list the enabled adapters",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := load()
			if err != nil {
				return err
			}
			printConfig(cmd.OutOrStdout(), cfg)
			return nil
		},
	}

	kindsCmd := &cobra.Command{
		Use:   "adapters",
		Short: "List the built-in adapter kinds",
		Run: func(cmd *cobra.Command, args []string) {
			for _, kind := range adapters.Kinds() {
				fmt.Fprintln(cmd.OutOrStdout(), kind)
			}
		},
	}

	rootCmd.AddCommand(runCmd, checkCmd, kindsCmd)
	return rootCmd
}

func run(parent context.Context, cfg *config.Config) error {
	if parent == nil {
		parent = context.Background()
	}
	ctx, stop := signal.NotifyContext(parent, os.Interrupt, syscall.SIGTERM)
	defer stop()

	gw, err := app.New(ctx, cfg)
	if err != nil {
		return err
	}
	return gw.Run(ctx)
}

// Output formatting

func printConfig(w io.Writer, cfg *config.Config) {
	fmt.Fprintf(w, "Configuration OK: %s\n", cfg.Name)
	fmt.Fprintf(w, "Queues: incoming=%d outgoing=%d\n", cfg.Queues.Incoming.MaxSize, cfg.Queues.Outgoing.MaxSize)
	fmt.Fprintf(w, "Retries: max=%d strategy=%s\n", cfg.Runtime.MaxRetries, cfg.Runtime.Backoff.Strategy)
	if cfg.HTTP.Addr != "" {
		fmt.Fprintf(w, "HTTP: %s\n", cfg.HTTP.Addr)
	}
	fmt.Fprintln(w)

	enabled := cfg.EnabledAdapters()
	if len(enabled) == 0 {
		fmt.Fprintln(w, "No adapters enabled")
		return
	}

	fmt.Fprintf(w, "%-24s %-10s %-12s %-8s\n", "Adapter", "Kind", "Category", "Type")
	fmt.Fprintln(w, strings.Repeat("-", 57))
	for _, a := range enabled {
		fmt.Fprintf(w, "%-24s %-10s %-12s %-8s\n", truncate(a.Name, 24), a.Kind, a.Category, a.Type)
	}
	if disabled := len(cfg.Adapters) - len(enabled); disabled > 0 {
		fmt.Fprintf(w, "\n%d adapter(s) disabled\n", disabled)
	}
	fmt.Fprintf(w, "Ambiguity policy: %s\n", cfg.Runtime.Ambiguity)
}

func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen-3] + "..."
}
