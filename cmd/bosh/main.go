// Package main provides the bosh CLI entry point.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

// Version is set at build time via ldflags
var Version = "dev"

var (
	// humanOutput controls whether to use human-readable output
	humanOutput bool
	// verbose enables debug logging on stderr
	verbose bool
	// zenodoURL overrides the API base URL (hidden, for testing)
	zenodoURL string
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := rootCmd.ExecuteContext(ctx)
	stop()
	if err != nil {
		// Print the error since we have SilenceErrors: true
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(exitCodeFor(err))
	}
}

var rootCmd = &cobra.Command{
	Use:   "bosh",
	Short: "Boutiques descriptor publishing CLI",
	Long: `bosh publishes Boutiques tool descriptors to Zenodo.

A published descriptor receives a DOI, which is written back into its
"doi" field. Publishing a changed descriptor again creates a new version
of the same Zenodo record.

All commands output JSON by default. Use --human for plain output.

Environment Variables:
  ZENODO_TOKEN          Zenodo access token (production)
  ZENODO_SANDBOX_TOKEN  Zenodo access token (sandbox)`,
	SilenceUsage:  true,
	SilenceErrors: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		// Load .env file if present (for ZENODO_TOKEN)
		_ = godotenv.Load()
	},
}

func init() {
	rootCmd.PersistentFlags().BoolVar(&humanOutput, "human", false, "Use human-readable output instead of JSON")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Log each remote step to stderr")
	rootCmd.PersistentFlags().StringVar(&zenodoURL, "zenodo-url", "", "Override the Zenodo API base URL")
	_ = rootCmd.PersistentFlags().MarkHidden("zenodo-url")
	rootCmd.Version = Version
}
