package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/lmittmann/tint"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/baldanca/betlake/config"
	"github.com/baldanca/betlake/ingestor"
	"github.com/baldanca/betlake/metrics"
)

type ExitCode int

const (
	exitCodeSuccess = 0
	exitCodeError   = 1
	// exitCodeFlush reports a mirror that stopped with records it could not
	// persist.
	exitCodeFlush = 3
)

// BuildInfo is set by the main package from linker flags.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

// app is the state shared by every subcommand: the layered configuration
// and the logger built from --verbose.
type app struct {
	cfg   config.Config
	build BuildInfo
	log   *slog.Logger

	verbose bool
}

func Run(ctx context.Context, build BuildInfo, args []string) ExitCode {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "failed to load config:", err)
		return exitCodeError
	}

	a := &app{cfg: cfg, build: build}
	root := a.rootCommand()
	root.SetArgs(args)

	if err := root.ExecuteContext(ctx); err != nil {
		// Flag and argument errors happen before the logger exists.
		if a.log == nil {
			fmt.Fprintln(os.Stderr, "Error:", err)
		}
		var flushErr *ingestor.ShutdownFlushError
		if errors.As(err, &flushErr) {
			return exitCodeFlush
		}
		return exitCodeError
	}
	return exitCodeSuccess
}

func (a *app) rootCommand() *cobra.Command {
	root := &cobra.Command{
		Use:           "betlake",
		Short:         "Bet event lake: produce, mirror, compact and query bet events.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			a.log = newLogger(a.verbose)
			return nil
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cmd.Help(); err != nil {
				return fmt.Errorf("failed to show help: %w", err)
			}
			return nil
		},
	}

	a.bindGlobalFlags(root.PersistentFlags())

	root.AddCommand(
		a.produceCommand(),
		a.mirrorCommand(),
		a.compactCommand(),
		a.queryCommand(),
		a.seedCommand(),
		a.versionCommand(),
	)

	wrapRun(root, a)
	return root
}

// bindGlobalFlags binds the settings most commands share. Defaults are the
// values already loaded from .env and the environment, so a flag only wins
// when it is given.
func (a *app) bindGlobalFlags(fs *pflag.FlagSet) {
	c := &a.cfg
	fs.BoolVarP(&a.verbose, "verbose", "v", false, "set debug logging level")
	fs.StringVar(&c.Metrics.Addr, "metrics-addr", c.Metrics.Addr, "serve prometheus metrics on this address (empty disables)")

	fs.StringSliceVar(&c.Kafka.Brokers, "brokers", c.Kafka.Brokers, "kafka seed brokers")
	fs.StringVar(&c.Kafka.Topic, "topic", c.Kafka.Topic, "kafka topic, also the lake root prefix")
	fs.StringVar(&c.Kafka.AuthType, "kafka-auth", c.Kafka.AuthType, "kafka auth: none, scram-sha-256, scram-sha-512, aws-msk-iam")
	fs.BoolVar(&c.Kafka.TLS, "kafka-tls", c.Kafka.TLS, "dial kafka over TLS")

	fs.StringVar(&c.S3.Endpoint, "endpoint", c.S3.Endpoint, "S3/MinIO endpoint (host:port or URL)")
	fs.StringVar(&c.S3.Bucket, "bucket", c.S3.Bucket, "lake bucket")
	fs.StringVar(&c.S3.Prefix, "prefix", c.S3.Prefix, "key prefix inside the bucket")
	fs.BoolVar(&c.S3.Secure, "secure", c.S3.Secure, "use https for the S3 endpoint")
}

// wrapRun makes every runnable subcommand log its error and start the
// metrics server when one is configured.
func wrapRun(root *cobra.Command, a *app) {
	for _, cmd := range root.Commands() {
		run := cmd.RunE
		if run == nil {
			continue
		}
		cmd.RunE = func(cmd *cobra.Command, args []string) error {
			if a.cfg.Metrics.Addr != "" && cmd.Name() != "version" {
				a.serveMetrics(cmd.Context())
			}
			err := run(cmd, args)
			if err != nil {
				a.log.Error("command failed", "command", cmd.Name(), "error", err)
			}
			return err
		}
	}
}

func (a *app) serveMetrics(ctx context.Context) {
	metrics.BuildInfo.WithLabelValues(a.build.Version, a.build.Commit, a.build.Date).Set(1)
	go func() {
		if err := metrics.Serve(ctx, a.log, a.cfg.Metrics.Addr); err != nil {
			a.log.Error("metrics server failed", "error", err)
		}
	}()
}

func (a *app) versionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print build information",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			fmt.Fprintf(cmd.OutOrStdout(), "version: %s, commit: %s, date: %s\n", a.build.Version, a.build.Commit, a.build.Date)
			return nil
		},
	}
}

func newLogger(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stderr, &tint.Options{
		Level: level,
		ReplaceAttr: func(groups []string, a slog.Attr) slog.Attr {
			if a.Key == slog.TimeKey && len(groups) == 0 {
				a.Value = slog.StringValue(formatRFC3339Millis(a.Value.Time()))
			}
			return a
		},
	}))
}

func formatRFC3339Millis(t time.Time) string {
	return t.UTC().Format("2006-01-02T15:04:05.000Z")
}
