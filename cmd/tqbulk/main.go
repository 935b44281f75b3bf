package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/spf13/cobra"
)

// globalFlags are shared by every subcommand
type globalFlags struct {
	configPath  string
	metricsAddr string
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		stop()
		os.Exit(1)
	}
	stop()
}

func newRootCmd() *cobra.Command {
	var flags globalFlags
	root := &cobra.Command{
		Use:          "tqbulk",
		Short:        "bulk load and unload SQL databases",
		Long:         `Loads CSV files into a table and unloads query results as CSV, with batching, admission control and paging.`,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&flags.configPath, "config", "config.ini", "Path to configuration file")
	root.PersistentFlags().StringVar(&flags.metricsAddr, "metrics", "", "Metrics endpoint address (e.g. :9090)")

	root.AddCommand(newLoadCmd(&flags), newUnloadCmd(&flags))
	return root
}
