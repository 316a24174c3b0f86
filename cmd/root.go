package cmd

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/carlbeek/gasdivergence/pkg/config"
	"github.com/carlbeek/gasdivergence/pkg/engine"
	"github.com/carlbeek/gasdivergence/pkg/source"
)

var (
	log         = logrus.New()
	configFile  string
	nodeAddress string
)

// rootCmd runs the standalone research harness: it polls a JSON-RPC node
// for new blocks and replays each transaction's recorded trace through
// the divergence engine. Hosts embedding the engine as a library wire
// their own sources instead and never touch this command.
var rootCmd = &cobra.Command{
	Use:   "gasdivergence",
	Short: "Runs the gas repricing divergence analyzer.",
	Long:  `Runs the gas repricing divergence analyzer.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runAnalyzer(cmd.Context())
	},
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the rootCmd.
func Execute() {
	err := rootCmd.Execute()
	if err != nil {
		os.Exit(1)
	}
}

func init() {
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "config file (default is ./config.yaml)")
	rootCmd.PersistentFlags().StringVar(&nodeAddress, "node", "", "JSON-RPC endpoint (overrides config)")
}

func runAnalyzer(ctx context.Context) error {
	if configFile == "" {
		if _, err := os.Stat("config.yaml"); err == nil {
			configFile = "config.yaml"
		}
	}

	cfg, err := config.Load(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	level, err := logrus.ParseLevel(cfg.LoggingLevel)
	if err != nil {
		log.WithError(err).Warn("Invalid logging level, using info")

		level = logrus.InfoLevel
	}

	log.SetLevel(level)

	if nodeAddress == "" {
		return fmt.Errorf("a JSON-RPC endpoint is required in standalone mode (--node)")
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	rpcSource, err := source.NewRPC(log, source.RPCConfig{
		NodeAddress: nodeAddress,
		StartBlock:  cfg.StartBlock,
	})
	if err != nil {
		return err
	}

	if err := rpcSource.Start(ctx); err != nil {
		return err
	}
	defer rpcSource.Stop()

	traceReplay := source.NewTraceReplay(log, rpcSource.Provider())

	eng, err := engine.New(log, cfg, rpcSource, traceReplay, traceReplay, nil)
	if err != nil {
		return fmt.Errorf("failed to create engine: %w", err)
	}

	go serveMetrics(cfg.MetricsAddr)

	go func() {
		<-ctx.Done()
		rpcSource.Stop()
	}()

	if err := eng.Run(ctx); err != nil {
		return fmt.Errorf("engine failed: %w", err)
	}

	log.Info("Divergence analyzer exited - cya!")

	return nil
}

func serveMetrics(addr string) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	server := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 15 * time.Second,
	}

	log.WithField("addr", addr).Info("Serving metrics")

	if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		log.WithError(err).Error("Metrics server failed")
	}
}
