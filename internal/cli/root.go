package cli

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/fortuna/nhlcrawler/internal/config"
)

const (
	ExitSuccess         = 0
	ExitError           = 1
	ExitFailureRateHigh = 2
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
	err  error
}

func (e *exitError) Error() string { return e.err.Error() }
func (e *exitError) Unwrap() error { return e.err }

// flagBindings maps flag names to configuration keys.
var flagBindings = map[string]string{
	"nhl-api-base":    "NHL_API_BASE",
	"workers":         "WORKERS",
	"shutdown-grace":  "SHUTDOWN_GRACE",
	"storage-backend": "STORAGE_BACKEND",
	"bucket":          "DEST_BUCKET",
	"prefix":          "STORAGE_PREFIX",
	"key-layout":      "STORAGE_KEY_LAYOUT",
	"csv-header":      "STORAGE_CSV_HEADER",
	"output-dir":      "OUTPUT_DIR",
	"summary-sink":    "SUMMARY_SINK",
	"log-level":       "LOG_LEVEL",
	"log-format":      "LOG_FORMAT",
}

// NewRootCmd creates the root command. Configuration comes from the
// environment, an optional .env file and flags, in increasing priority.
func NewRootCmd(v *viper.Viper) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "nhlcrawler",
		Short: "Crawl NHL box scores into per-game skater stat files",
		Long: `Fetches the NHL schedule for a date range, pulls every game's box score,
extracts skater goals and assists and writes one CSV object per game.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	flags := cmd.PersistentFlags()
	flags.String("nhl-api-base", "", "NHL stats API base URL")
	flags.Int("workers", 0, "Games processed concurrently")
	flags.Duration("shutdown-grace", 0, "How long in-flight games may finish after an interrupt")
	flags.String("storage-backend", "", "s3, postgres, redis, filesystem or memory")
	flags.String("bucket", "", "Destination bucket for the s3 backend")
	flags.String("prefix", "", "Key prefix for stored objects")
	flags.String("key-layout", "", "Storage key layout: flat or season")
	flags.Bool("csv-header", false, "Write a header row in each CSV object")
	flags.String("output-dir", "", "Root directory for the filesystem backend")
	flags.String("summary-sink", "", "Where to publish run summaries: none, redis or kafka")
	flags.String("log-level", "", "Log level")
	flags.String("log-format", "", "Log format: json or text")

	for name, key := range flagBindings {
		// Only explicitly set flags override the environment.
		_ = v.BindPFlag(key, flags.Lookup(name))
	}

	cmd.AddCommand(newCrawlCmd(v))
	cmd.AddCommand(newServeCmd(v))
	return cmd
}

// Execute runs the CLI and returns the process exit code.
func Execute(args []string, stdout, stderr io.Writer) int {
	v := config.NewViper()
	cmd := NewRootCmd(v)
	cmd.SetArgs(args)
	cmd.SetOut(stdout)
	cmd.SetErr(stderr)

	err := cmd.Execute()
	if err == nil {
		return ExitSuccess
	}

	var exit *exitError
	if errors.As(err, &exit) {
		if exit.code != ExitFailureRateHigh {
			fmt.Fprintf(stderr, "Error: %v\n", exit.err)
		}
		return exit.code
	}
	fmt.Fprintf(stderr, "Error: %v\n", err)
	return ExitError
}

// Main is the process entry point.
func Main() {
	os.Exit(Execute(os.Args[1:], os.Stdout, os.Stderr))
}
