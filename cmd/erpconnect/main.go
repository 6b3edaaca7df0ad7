package main

import (
	"context"
	"fmt"
	"os"
	"runtime"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/ajitpratap0/erpconnect/pkg/connector/registry"
	"github.com/ajitpratap0/erpconnect/pkg/logger"
	"github.com/ajitpratap0/erpconnect/pkg/observability"

	// Register the protocol implementations
	_ "github.com/ajitpratap0/erpconnect/pkg/connector/odata"
	_ "github.com/ajitpratap0/erpconnect/pkg/connector/rest"
)

var version = "0.1.0"

func main() {
	// Load .env file if it exists
	_ = godotenv.Load()

	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// cli holds state shared by the subcommands.
type cli struct {
	v        *viper.Viper
	log      *zap.Logger
	shutdown func(context.Context) error
}

func newRootCommand() *cobra.Command {
	app := &cli{v: viper.New()}

	root := &cobra.Command{
		Use:   "erpconnect",
		Short: "erpconnect - REST and OData connectivity for ERP systems",
		Long: `erpconnect talks to enterprise systems over REST and OData (v2/v4).
It tests connections, inspects OData service metadata and reads data using a
connector configuration file.

Every flag can also be set through the environment, e.g. ERPCONNECT_LOG_LEVEL=debug.`,
		SilenceUsage:      true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error { return app.init(cmd.Context()) },
		PersistentPostRun: func(cmd *cobra.Command, args []string) { app.close() },
	}

	flags := root.PersistentFlags()
	flags.String("log-level", "warn", "Log level (debug, info, warn, error)")
	flags.String("log-format", "console", "Log encoding (console, json)")
	flags.Duration("timeout", time.Minute, "Overall command timeout")
	flags.Bool("trace", false, "Export OpenTelemetry spans to stdout")

	app.v.SetEnvPrefix("ERPCONNECT")
	app.v.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	app.v.AutomaticEnv()
	_ = app.v.BindPFlags(flags)

	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("erpconnect v%s\n", version)
			fmt.Printf("Go version: %s\n", runtime.Version())
			fmt.Printf("OS/Arch: %s/%s\n", runtime.GOOS, runtime.GOARCH)
			fmt.Println("Protocols:")
			for _, p := range registry.Protocols() {
				fmt.Printf("  - %-6s %s\n", p.Protocol, p.Description)
			}
		},
	})
	root.AddCommand(app.testCommand(), app.metadataCommand(), app.queryCommand())
	return root
}

func (a *cli) init(ctx context.Context) error {
	if err := logger.Init(logger.Config{
		Level:    a.v.GetString("log-level"),
		Encoding: a.v.GetString("log-format"),
	}); err != nil {
		return fmt.Errorf("failed to initialize logger: %w", err)
	}
	a.log = logger.Get().With(zap.String("component", "erpconnect-cli"))

	if a.v.GetBool("trace") {
		if ctx == nil {
			ctx = context.Background()
		}
		tc := observability.DefaultTracingConfig()
		tc.ServiceVersion = version
		tc.ExporterType = "stdout"
		tc.SamplingRate = 1
		shutdown, err := observability.InitTracing(ctx, tc)
		if err != nil {
			return fmt.Errorf("failed to initialize tracing: %w", err)
		}
		a.shutdown = shutdown
	}
	return nil
}

func (a *cli) close() {
	if a.shutdown != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := a.shutdown(ctx); err != nil {
			a.log.Warn("failed to flush traces", zap.Error(err))
		}
	}
	_ = logger.Sync()
}
