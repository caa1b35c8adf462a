// Package cli implements the scd command line.
package cli

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"os"

	"github.com/joho/godotenv"
	"github.com/malbeclabs/hybridscd/pkg/logger"
	"github.com/malbeclabs/hybridscd/pkg/metrics"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

type ExitCode int

const (
	exitCodeSuccess = 0
	exitCodeError   = 1
)

// BuildInfo is set from LDFLAGS by the main package.
type BuildInfo struct {
	Version string
	Commit  string
	Date    string
}

type rootFlags struct {
	logOut      io.Writer
	verbose     bool
	metricsAddr string
	store       storeFlags
}

func Run(info BuildInfo) ExitCode {
	// A .env file is optional.
	_ = godotenv.Load()

	if err := NewRootCmd(info).Execute(); err != nil {
		return exitCodeError
	}
	return exitCodeSuccess
}

func NewRootCmd(info BuildInfo) *cobra.Command {
	return newRootCmd(info, os.Stderr)
}

func newRootCmd(info BuildInfo, logOut io.Writer) *cobra.Command {
	flags := &rootFlags{logOut: logOut}
	rootCmd := &cobra.Command{
		Use:           "scd",
		Short:         "Merge source batches into versioned tables that keep tracked-attribute history.",
		SilenceUsage:  true,
		SilenceErrors: false,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := cmd.Help(); err != nil {
				return fmt.Errorf("failed to show help: %w", err)
			}
			return nil
		},
	}

	pf := rootCmd.PersistentFlags()
	pf.BoolVarP(&flags.verbose, "verbose", "v", false, "set debug logging level")
	pf.StringVar(&flags.metricsAddr, "metrics-addr", getenv("METRICS_ADDR", ""), "address to serve prometheus metrics on while running (env: METRICS_ADDR)")
	flags.store.register(pf)

	rootCmd.AddCommand(
		newMergeCmd(flags, info),
		newProvisionCmd(flags),
		newHistoryCmd(flags),
		newVersionCmd(info),
	)
	return rootCmd
}

// startMetrics serves /metrics on addr until ctx is done.
func startMetrics(ctx context.Context, log *slog.Logger, addr string, info BuildInfo) error {
	metrics.BuildInfo.WithLabelValues(info.Version, info.Commit, info.Date).Set(1)
	if addr == "" {
		return nil
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to start prometheus metrics server listener: %w", err)
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	server := &http.Server{Handler: mux}
	log.Info("prometheus metrics server listening", "address", listener.Addr().String())
	go func() {
		<-ctx.Done()
		_ = server.Close()
	}()
	go func() {
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			log.Error("prometheus metrics server failed", "error", err)
		}
	}()
	return nil
}

func newLogger(flags *rootFlags) *slog.Logger {
	return logger.NewWithWriter(flags.logOut, flags.verbose)
}

func getenv(key, def string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return def
}
