package main

import (
	"fmt"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/RAttab/slick-network/pkg/disco"
)

// start's flags, covering every Config knob a deployer might want to
// override without editing the YAML file.
var (
	flagConfigFile     string
	flagPort           int
	flagSeeds          []string
	flagTTL            time.Duration
	flagPeriod         time.Duration
	flagConnExpThresh  time.Duration
	flagNetworkTimeout time.Duration
	flagMetricsAddr    string
)

func startCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "start",
		Short: "Start a discovery node",
		RunE:  runStart,
	}

	cmd.Flags().StringVarP(&flagConfigFile, "config", "c", "", "YAML config file (flags override its values)")
	cmd.Flags().IntVarP(&flagPort, "port", "p", 0, "TCP listen port")
	cmd.Flags().StringSliceVarP(&flagSeeds, "seeds", "s", nil, "Seed addresses, host:port, comma-separated")
	cmd.Flags().DurationVar(&flagTTL, "ttl", 0, "Advertised TTL for local publications")
	cmd.Flags().DurationVar(&flagPeriod, "period", 0, "Mesh maintenance timer period")
	cmd.Flags().DurationVar(&flagConnExpThresh, "conn-exp-thresh", 0, "Handshake timeout")
	cmd.Flags().DurationVar(&flagNetworkTimeout, "network-timeout", 0, "TCP connect/write timeout")
	cmd.Flags().StringVar(&flagMetricsAddr, "metrics-addr", "", "If set, serve /metrics on this address")

	return cmd
}

func runStart(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}
	applyFlagOverrides(cmd, &cfg)

	metrics := disco.NewMetrics()
	node, err := disco.New(cfg, disco.Options{Metrics: metrics})
	if err != nil {
		return fmt.Errorf("start node: %w", err)
	}

	if flagMetricsAddr != "" {
		go serveMetrics(flagMetricsAddr, metrics)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	return node.Close()
}

func loadConfig() (disco.Config, error) {
	if flagConfigFile == "" {
		return disco.DefaultConfig(), nil
	}
	f, err := os.Open(flagConfigFile)
	if err != nil {
		return disco.Config{}, err
	}
	defer f.Close()
	return disco.LoadConfig(f)
}

func applyFlagOverrides(cmd *cobra.Command, cfg *disco.Config) {
	if cmd.Flags().Changed("port") {
		cfg.Port = flagPort
	}
	if cmd.Flags().Changed("seeds") {
		cfg.Seeds = parseSeeds(flagSeeds)
	}
	if cmd.Flags().Changed("ttl") {
		cfg.TTL = flagTTL
	}
	if cmd.Flags().Changed("period") {
		cfg.Period = flagPeriod
	}
	if cmd.Flags().Changed("conn-exp-thresh") {
		cfg.ConnExpThresh = flagConnExpThresh
	}
	if cmd.Flags().Changed("network-timeout") {
		cfg.NetworkTimeout = flagNetworkTimeout
	}
}

func parseSeeds(raw []string) []disco.HostPortConfig {
	seeds := make([]disco.HostPortConfig, 0, len(raw))
	for _, s := range raw {
		host, portStr, err := net.SplitHostPort(s)
		if err != nil {
			continue
		}
		port, err := strconv.Atoi(portStr)
		if err != nil {
			continue
		}
		seeds = append(seeds, disco.HostPortConfig{Host: host, Port: port})
	}
	return seeds
}

func serveMetrics(addr string, metrics *disco.Metrics) {
	mux := http.NewServeMux()
	mux.Handle("/metrics", metrics.Handler())
	if err := http.ListenAndServe(addr, mux); err != nil {
		fmt.Fprintf(os.Stderr, "metrics server stopped: %v\n", err)
	}
}
