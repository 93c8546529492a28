package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
	builtBy = "unknown"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

// flags holds the command-line values. Only flags that were set override
// the config file and environment.
type flags struct {
	configFile     string
	store          string
	checkoutPath   string
	noCheckout     bool
	excludes       []string
	move           bool
	cacheFile      string
	compress       bool
	metricsAddr    string
	resultJSONFile string
	quiet          bool
	logLevel       string
	logFormat      string
	maxRounds      int
	maxDeferred    int
	maxFailed      int
	concurrency    int
	profile        string
	region         string
}

func newRootCmd() *cobra.Command {
	f := &flags{}
	cmd := &cobra.Command{
		Use:   "shaman-pack <project-dir> <primary-file>",
		Short: "Send a project to a content-addressed render store",
		Long: `shaman-pack uploads every file of a project directory to a content-addressed
store, sending only what the store does not have yet, and then asks the store
to assemble a checkout that a render farm can read the primary file from.

Supported stores:
  http(s)://manager:8080/api/v3   Shaman file server of a Flamenco manager
  s3://bucket/prefix              S3 bucket
  file:///dir, mem://, gs://b/p   gocloud.dev blob bucket`,
		Version:      fmt.Sprintf("%s (commit: %s, built at: %s by %s)", version, commit, date, builtBy),
		Args:         cobra.ExactArgs(2),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd, f, args[0], args[1])
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&f.configFile, "config", "", "Path to a YAML config file")
	fl.StringVar(&f.store, "store", "", "Store URL (http(s)://, s3://, file://, mem://, gs://)")
	fl.StringVar(&f.checkoutPath, "checkout-path", "", "Checkout path on the store (default: <project>-<random suffix>)")
	fl.BoolVar(&f.noCheckout, "no-checkout", false, "Upload files without creating a checkout")
	fl.StringSliceVar(&f.excludes, "exclude", nil, "Exclude patterns (multiple allowed)")
	fl.BoolVar(&f.move, "move", false, "Delete local files once the store has them")
	fl.StringVar(&f.cacheFile, "cache-file", "", "Checksum cache file (default: user cache directory)")
	fl.BoolVar(&f.compress, "compress", false, "Gzip uploads to a Shaman server")
	fl.StringVar(&f.metricsAddr, "metrics-addr", "", "Serve Prometheus metrics on this address while running")
	fl.StringVar(&f.resultJSONFile, "result-json-file", "", "Path to output result as JSON file")
	fl.BoolVar(&f.quiet, "quiet", false, "Suppress non-error output")
	fl.StringVar(&f.logLevel, "log-level", "", "Log level (debug, info, warn, error)")
	fl.StringVar(&f.logFormat, "log-format", "", "Log format (text, json)")
	fl.IntVar(&f.maxRounds, "max-rounds", 0, "Maximum negotiation rounds")
	fl.IntVar(&f.maxDeferred, "max-deferred", 0, "Maximum deferred uploads per pass")
	fl.IntVar(&f.maxFailed, "max-failed", 0, "Maximum failed uploads per pass")
	fl.IntVar(&f.concurrency, "concurrency", 32, "Number of concurrent S3 calls for s3:// stores")
	fl.StringVar(&f.profile, "profile", "", "AWS profile to use for s3:// stores")
	fl.StringVar(&f.region, "region", "", "AWS region (uses default if not specified)")

	return cmd
}
