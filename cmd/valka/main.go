package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/iwhitebird/valka/pkg/config"
	"github.com/iwhitebird/valka/pkg/log"
	"github.com/iwhitebird/valka/pkg/node"
)

var (
	Version = "dev"
	Commit  = "unknown"
)

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

var rootCmd = &cobra.Command{
	Use:   "valka",
	Short: "Valka - a distributed task queue",
	Long: `Valka is a distributed task queue. Clients submit tasks tagged with a
queue name; connected workers receive assignments over long-lived
bidirectional sessions, execute them, and report results.`,
	Version: Version,
}

func init() {
	rootCmd.SetVersionTemplate(fmt.Sprintf("valka version %s\ncommit: %s\n", Version, Commit))
	rootCmd.PersistentFlags().String("log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().Bool("log-json", false, "Output logs in JSON format")
	cobra.OnInitialize(initLogging)

	rootCmd.AddCommand(runCmd)
}

func initLogging() {
	logLevel, _ := rootCmd.PersistentFlags().GetString("log-level")
	logJSON, _ := rootCmd.PersistentFlags().GetBool("log-json")
	log.Init(log.Config{Level: log.Level(logLevel), JSONOutput: logJSON})
}

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run a Valka node",
	Long: `Run starts one Valka node: the gRPC control/worker/internal services, the
leader-only scheduler, the reader manager, and the health/metrics HTTP
endpoint. It blocks until interrupted.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		configPath, _ := cmd.Flags().GetString("config")
		nodeID, _ := cmd.Flags().GetString("node-id")
		grpcAddr, _ := cmd.Flags().GetString("grpc-addr")
		httpAddr, _ := cmd.Flags().GetString("http-addr")
		databaseURL, _ := cmd.Flags().GetString("database-url")

		cfg, err := config.Load(configPath)
		if err != nil {
			return fmt.Errorf("loading config: %w", err)
		}
		if nodeID != "" {
			cfg.NodeID = nodeID
		}
		if grpcAddr != "" {
			cfg.GRPCAddr = grpcAddr
		}
		if httpAddr != "" {
			cfg.HTTPAddr = httpAddr
		}
		if databaseURL != "" {
			cfg.DatabaseURL = databaseURL
		}
		if cfg.NodeID == "" {
			hostname, _ := os.Hostname()
			cfg.NodeID = hostname
		}

		ctx, cancel := context.WithCancel(context.Background())
		defer cancel()

		n, err := node.New(ctx, cfg)
		if err != nil {
			return fmt.Errorf("building node: %w", err)
		}

		errCh := make(chan error, 1)
		go func() { errCh <- n.Run(ctx) }()

		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)

		select {
		case <-sigCh:
			fmt.Println("shutting down...")
			cancel()
			<-errCh
		case err := <-errCh:
			cancel()
			if err != nil {
				return fmt.Errorf("node run: %w", err)
			}
		}

		fmt.Println("shutdown complete")
		return nil
	},
}

func init() {
	runCmd.Flags().String("config", "", "Path to a YAML config file")
	runCmd.Flags().String("node-id", "", "Node identifier (default: hostname)")
	runCmd.Flags().String("grpc-addr", "", "gRPC listen address (overrides config)")
	runCmd.Flags().String("http-addr", "", "HTTP health/metrics listen address (overrides config)")
	runCmd.Flags().String("database-url", "", "Postgres connection string (overrides config)")
}
