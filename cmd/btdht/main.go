package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/netip"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
	"go.uber.org/multierr"

	"github.com/opd-ai/btdht/dht"
	"github.com/opd-ai/btdht/nodeid"
	"github.com/opd-ai/btdht/transport"
)

// CLI configuration
type CLIConfig struct {
	listenAddr   string
	statePath    string
	bootstrap    string
	nodeID       string
	infoHash     string
	announcePort int
	lookupDelay  time.Duration
	metricsAddr  string
	logLevel     string
	help         bool
}

// parseCLIFlags parses command-line flags and returns the configuration.
func parseCLIFlags(fs *flag.FlagSet, args []string) (*CLIConfig, error) {
	config := &CLIConfig{}

	// Network configuration
	fs.StringVar(&config.listenAddr, "listen", "0.0.0.0:6881", "UDP address to listen on")
	fs.StringVar(&config.bootstrap, "bootstrap", strings.Join(dht.DefaultBootstrapHosts, ","),
		"Comma separated bootstrap routers (host:port)")
	fs.StringVar(&config.nodeID, "id", "", "Node id as 40 hex characters (default: random)")
	fs.StringVar(&config.statePath, "state", "", "File the routing table is persisted to")

	// Lookups
	fs.StringVar(&config.infoHash, "lookup", "", "Info-hash to find peers for, as 40 hex characters")
	fs.IntVar(&config.announcePort, "announce", -1, "Announce the info-hash on this port (0 for implied port)")
	fs.DurationVar(&config.lookupDelay, "lookup-delay", 5*time.Second, "Time to let bootstrap settle before the lookup")

	// Observability
	fs.StringVar(&config.metricsAddr, "metrics", "", "Serve Prometheus metrics on this address")
	fs.StringVar(&config.logLevel, "log-level", "info", "Log level (debug, info, warn, error)")

	fs.BoolVar(&config.help, "help", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return nil, err
	}
	return config, nil
}

// validateCLIConfig validates the CLI configuration.
func validateCLIConfig(config *CLIConfig) error {
	if _, err := netip.ParseAddrPort(config.listenAddr); err != nil {
		return fmt.Errorf("invalid listen address: %w", err)
	}
	if config.nodeID != "" {
		if _, err := nodeid.FromHex(config.nodeID); err != nil {
			return fmt.Errorf("invalid node id: %w", err)
		}
	}
	if config.infoHash != "" {
		if _, err := nodeid.FromHex(config.infoHash); err != nil {
			return fmt.Errorf("invalid info-hash: %w", err)
		}
	}
	if config.announcePort > 65535 {
		return fmt.Errorf("invalid announce port: must be between 0 and 65535")
	}
	if config.announcePort >= 0 && config.infoHash == "" {
		return errors.New("announcing requires -lookup")
	}
	if config.lookupDelay < 0 {
		return errors.New("lookup delay cannot be negative")
	}
	if _, err := logrus.ParseLevel(config.logLevel); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}
	return nil
}

// createDHTConfig converts the CLI configuration to a node configuration.
func createDHTConfig(cliConfig *CLIConfig) dht.Config {
	cfg := dht.DefaultConfig()
	cfg.StatePath = cliConfig.statePath
	cfg.BootstrapHosts = nil
	for _, h := range strings.Split(cliConfig.bootstrap, ",") {
		if h = strings.TrimSpace(h); h != "" {
			cfg.BootstrapHosts = append(cfg.BootstrapHosts, h)
		}
	}
	if cliConfig.nodeID != "" {
		cfg.NodeID = nodeid.MustHex(cliConfig.nodeID)
	}
	return cfg
}

// setupSignalHandling cancels ctx on SIGINT or SIGTERM.
func setupSignalHandling(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logrus.WithField("signal", sig.String()).Info("Shutting down")
		cancel()
	}()
}

// printListener reports lookup results on stdout.
type printListener struct {
	done chan struct{}
}

func (p *printListener) OnFoundPeers(infoHash nodeid.ID, peers []netip.AddrPort) int {
	for _, peer := range peers {
		fmt.Printf("%s %s\n", infoHash, peer)
	}
	return 0
}

func (p *printListener) FindingPeersFinished(infoHash nodeid.ID, count int) {
	logrus.WithFields(logrus.Fields{
		"info_hash": infoHash.String(),
		"peers":     count,
	}).Info("Peer lookup finished")
	close(p.done)
}

func serveMetrics(addr string, reg *prometheus.Registry) *http.Server {
	srv := &http.Server{
		Addr:              addr,
		Handler:           promhttp.HandlerFor(reg, promhttp.HandlerOpts{}),
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithError(err).Error("Metrics server failed")
		}
	}()
	return srv
}

// runLookup finds peers for the configured info-hash and optionally
// announces it once the lookup has finished.
func runLookup(ctx context.Context, node *dht.Coordinator, cliConfig *CLIConfig) {
	select {
	case <-ctx.Done():
		return
	case <-time.After(cliConfig.lookupDelay):
	}

	infoHash := nodeid.MustHex(cliConfig.infoHash)
	listener := &printListener{done: make(chan struct{})}
	node.FindPeers(infoHash, listener)
	select {
	case <-ctx.Done():
		return
	case <-listener.done:
	}

	if cliConfig.announcePort < 0 {
		return
	}
	select {
	case <-ctx.Done():
	case acked, ok := <-node.Announce(infoHash, cliConfig.announcePort):
		if ok {
			logrus.WithFields(logrus.Fields{
				"info_hash": infoHash.String(),
				"nodes":     acked,
			}).Info("Announced")
		}
	}
}

func run(cliConfig *CLIConfig) (err error) {
	level, _ := logrus.ParseLevel(cliConfig.logLevel)
	logrus.SetLevel(level)

	tr, err := transport.NewUDPTransport(cliConfig.listenAddr)
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, tr.Close())
	}()

	reg := prometheus.NewRegistry()
	node, err := dht.NewCoordinator(createDHTConfig(cliConfig), tr, dht.WithRegisterer(reg))
	if err != nil {
		return err
	}
	defer func() {
		err = multierr.Append(err, node.Stop())
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupSignalHandling(cancel)

	if cliConfig.metricsAddr != "" {
		srv := serveMetrics(cliConfig.metricsAddr, reg)
		defer func() {
			err = multierr.Append(err, srv.Close())
		}()
	}

	if err := node.Start(ctx); err != nil {
		return err
	}
	logrus.WithFields(logrus.Fields{
		"id":     node.ID().String(),
		"listen": tr.LocalAddr().String(),
	}).Info("DHT node running")

	if cliConfig.infoHash != "" {
		go runLookup(ctx, node, cliConfig)
	}

	<-ctx.Done()
	return nil
}

func main() {
	cliConfig, err := parseCLIFlags(flag.CommandLine, os.Args[1:])
	if err != nil {
		os.Exit(2)
	}
	if cliConfig.help {
		flag.Usage()
		os.Exit(0)
	}

	if err := validateCLIConfig(cliConfig); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		fmt.Fprintf(os.Stderr, "Use -help for usage information.\n")
		os.Exit(1)
	}

	if err := run(cliConfig); err != nil {
		logrus.WithError(err).Error("DHT node failed")
		os.Exit(1)
	}
}
