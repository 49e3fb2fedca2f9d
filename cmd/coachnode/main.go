package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	configPath string
	storeKind  string
	dbDriver   string
	dbURL      string
	namespace  string
	nodeID     string
	logLevel   string
)

func main() {
	var rootCmd = &cobra.Command{
		Use:   "coachnode",
		Short: "Coordination node of the email coaching service",
		Long: `Coachnode runs the coordination layer of the email coaching service.
Any number of nodes can share one PostgreSQL database: they renew the mailbox
watch once, grade each attempt once and throttle requests locally.`,
		SilenceUsage: true,
	}

	var flags = rootCmd.PersistentFlags()
	flags.StringVar(&configPath, "config", "", "Path to a YAML config file")
	flags.StringVar(&storeKind, "store", "", "Document store: memory or postgres")
	flags.StringVar(&dbDriver, "driver", "", "database/sql driver: postgres or pgx")
	flags.StringVar(&dbURL, "db", "", "PostgreSQL connection URL")
	flags.StringVar(&namespace, "namespace", "", "Table namespace in the database")
	flags.StringVar(&nodeID, "node-id", "", "Holder id of this node (random when empty)")
	flags.StringVar(&logLevel, "log-level", "", "DEBUG, INFO, WARN or ERROR")

	rootCmd.AddCommand(
		newServeCmd(),
		newLeaseCmd(),
		newTaskCmd(),
		newWatchCmd(),
	)

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}
