// Package main runs a single DHT endpoint.
//
// The node binds a UDP address, optionally joins an existing overlay through
// one or more bootstrap peers, and serves until interrupted. An HTTP API for
// get/put can be enabled with -http, and -get / -put perform a single
// operation once the node has joined.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/opd-ai/kaddht/dht"
	"github.com/opd-ai/kaddht/httpapi"
	"github.com/opd-ai/kaddht/keyspace"
	"github.com/opd-ai/kaddht/limits"
	"github.com/opd-ai/kaddht/transport"
	"github.com/sirupsen/logrus"
)

// CLI configuration
type CLIConfig struct {
	listenAddr       string
	network          string
	id               string
	bootstrap        string
	httpAddr         string
	codec            string
	ttl              time.Duration
	requestTimeout   time.Duration
	bootstrapTimeout time.Duration
	get              string
	put              string
	logLevel         string
	verbose          bool
	help             bool
}

// parseCLIFlags parses args and returns the configuration.
func parseCLIFlags(args []string, output io.Writer) (*CLIConfig, *flag.FlagSet, error) {
	config := &CLIConfig{}
	fs := flag.NewFlagSet("dhtnode", flag.ContinueOnError)
	fs.SetOutput(output)

	// Network configuration
	fs.StringVar(&config.listenAddr, "listen", "127.0.0.1:9000", "UDP address to bind")
	fs.StringVar(&config.network, "network", "kaddht", "Overlay namespace; peers on other namespaces are ignored")
	fs.StringVar(&config.id, "id", "", "Node identifier as 40 hex characters (default: random)")
	fs.StringVar(&config.bootstrap, "bootstrap", "", "Comma-separated bootstrap peer addresses")
	fs.StringVar(&config.httpAddr, "http", "", "HTTP API address (default: disabled)")
	fs.StringVar(&config.codec, "codec", "json", "Wire codec (json, msgpack)")

	// Timing
	fs.DurationVar(&config.ttl, "ttl", dht.DefaultValueTTL, "Lifetime of stored values")
	fs.DurationVar(&config.requestTimeout, "request-timeout", transport.DefaultRequestTimeout, "Per-request timeout")
	fs.DurationVar(&config.bootstrapTimeout, "bootstrap-timeout", 30*time.Second, "Bootstrap timeout")

	// One-shot operations
	fs.StringVar(&config.get, "get", "", "Get a key after joining and print its value")
	fs.StringVar(&config.put, "put", "", "Put key=value after joining")

	// Logging configuration
	fs.StringVar(&config.logLevel, "log-level", "INFO", "Log level (DEBUG, INFO, WARN, ERROR)")
	fs.BoolVar(&config.verbose, "verbose", false, "Log every inbound and outbound message")

	// Help
	fs.BoolVar(&config.help, "help", false, "Show help message")

	if err := fs.Parse(args); err != nil {
		return nil, fs, err
	}
	return config, fs, nil
}

// printUsage prints the usage information.
func printUsage(fs *flag.FlagSet) {
	out := fs.Output()
	fmt.Fprintln(out, "Kademlia DHT node")
	fmt.Fprintln(out, "=================")
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Usage:")
	fmt.Fprintf(out, "  %s [options]\n", fs.Name())
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Options:")
	fs.PrintDefaults()
	fmt.Fprintln(out)
	fmt.Fprintln(out, "Examples:")
	fmt.Fprintln(out, "  # First node of a new overlay")
	fmt.Fprintf(out, "  %s -listen 127.0.0.1:9000\n", fs.Name())
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  # Join it and serve the HTTP API")
	fmt.Fprintf(out, "  %s -listen 127.0.0.1:9001 -bootstrap 127.0.0.1:9000 -http 127.0.0.1:8080\n", fs.Name())
	fmt.Fprintln(out)
	fmt.Fprintln(out, "  # Store a value through an existing overlay")
	fmt.Fprintf(out, "  %s -listen 127.0.0.1:0 -bootstrap 127.0.0.1:9000 -put greeting=hello\n", fs.Name())
}

// validateCLIConfig validates the CLI configuration.
func validateCLIConfig(config *CLIConfig) error {
	if _, err := net.ResolveUDPAddr("udp", config.listenAddr); err != nil {
		return fmt.Errorf("invalid listen address: %w", err)
	}

	if err := limits.ValidateNetworkID(config.network); err != nil {
		return err
	}

	if config.id != "" {
		if _, err := keyspace.ParseHex(config.id); err != nil {
			return fmt.Errorf("invalid node id: %w", err)
		}
	}

	if _, err := transport.CodecByName(config.codec); err != nil {
		return err
	}

	if config.ttl <= 0 {
		return fmt.Errorf("ttl must be positive")
	}

	if config.requestTimeout <= 0 {
		return fmt.Errorf("request timeout must be positive")
	}

	if config.bootstrapTimeout <= 0 {
		return fmt.Errorf("bootstrap timeout must be positive")
	}

	if config.put != "" && !strings.Contains(config.put, "=") {
		return fmt.Errorf("put must have the form key=value")
	}

	if (config.get != "" || config.put != "") && config.bootstrap == "" {
		return fmt.Errorf("get and put need at least one bootstrap peer")
	}

	if _, err := logrus.ParseLevel(config.logLevel); err != nil {
		return fmt.Errorf("invalid log level: %w", err)
	}

	return nil
}

// bootstrapPeers splits the comma-separated bootstrap flag.
func bootstrapPeers(value string) []string {
	var peers []string
	for _, p := range strings.Split(value, ",") {
		if p = strings.TrimSpace(p); p != "" {
			peers = append(peers, p)
		}
	}
	return peers
}

// createNodeConfig converts CLI configuration to the endpoint configuration.
func createNodeConfig(cliConfig *CLIConfig) (*dht.Config, error) {
	cfg := dht.DefaultConfig()
	cfg.ListenAddr = cliConfig.listenAddr
	cfg.Network = cliConfig.network
	cfg.Codec = cliConfig.codec
	cfg.ValueTTL = cliConfig.ttl
	cfg.RequestTimeout = cliConfig.requestTimeout

	if cliConfig.id != "" {
		id, err := keyspace.ParseHex(cliConfig.id)
		if err != nil {
			return nil, err
		}
		cfg.ID = id
	}

	if cliConfig.verbose {
		cfg.Observer = logMessage
	}
	return cfg, nil
}

// logMessage prints one line per envelope crossing the socket.
func logMessage(dir transport.Direction, msg *transport.Message, addr net.Addr) {
	fields := logrus.Fields{
		"dir":   dir.String(),
		"type":  msg.Type.String(),
		"peer":  addr.String(),
		"token": msg.Token.Short(),
	}
	if msg.Key != nil {
		fields["key"] = msg.Key.Short()
	}
	if len(msg.Nodes) > 0 {
		fields["nodes"] = len(msg.Nodes)
	}
	logrus.WithFields(fields).Info("message")
}

// setupSignalHandling sets up graceful shutdown on interrupt signals.
func setupSignalHandling(cancel context.CancelFunc) {
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logrus.WithField("signal", sig.String()).Info("Received signal, shutting down")
		cancel()
	}()
}

// runOneShot performs the -get or -put operation.
func runOneShot(ctx context.Context, node *dht.DHT, cliConfig *CLIConfig, out io.Writer) error {
	if cliConfig.put != "" {
		key, value, _ := strings.Cut(cliConfig.put, "=")
		if err := node.Put(ctx, key, []byte(value)); err != nil {
			return fmt.Errorf("put %q: %w", key, err)
		}
		fmt.Fprintf(out, "stored %q\n", key)
	}

	if cliConfig.get != "" {
		value, err := node.Get(ctx, cliConfig.get)
		if err != nil {
			return fmt.Errorf("get %q: %w", cliConfig.get, err)
		}
		fmt.Fprintf(out, "%s\n", value)
	}
	return nil
}

func run(ctx context.Context, cliConfig *CLIConfig) error {
	cfg, err := createNodeConfig(cliConfig)
	if err != nil {
		return err
	}

	node, err := dht.New(cfg)
	if err != nil {
		return fmt.Errorf("start node: %w", err)
	}
	defer node.Close()

	self := node.Self()
	logrus.WithFields(logrus.Fields{
		"id":      self.ID.String(),
		"addr":    self.Addr,
		"network": cfg.Network,
	}).Info("Node started")

	if peers := bootstrapPeers(cliConfig.bootstrap); len(peers) > 0 {
		bctx, cancel := context.WithTimeout(ctx, cliConfig.bootstrapTimeout)
		err := node.Bootstrap(bctx, peers...)
		cancel()
		if err != nil {
			return fmt.Errorf("bootstrap: %w", err)
		}
		logrus.WithField("table_size", node.RoutingTable().Size()).Info("Joined overlay")
	}

	if cliConfig.get != "" || cliConfig.put != "" {
		return runOneShot(ctx, node, cliConfig, os.Stdout)
	}

	if cliConfig.httpAddr != "" {
		srv, err := httpapi.Start(cliConfig.httpAddr, node, httpapi.DefaultRequestTimeout)
		if err != nil {
			return err
		}
		defer func() {
			sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			_ = srv.Shutdown(sctx)
		}()
	}

	<-ctx.Done()
	return nil
}

// main is the entry point for the node.
func main() {
	cliConfig, fs, err := parseCLIFlags(os.Args[1:], os.Stderr)
	if err != nil {
		if errors.Is(err, flag.ErrHelp) {
			os.Exit(0)
		}
		os.Exit(2)
	}

	if cliConfig.help {
		printUsage(fs)
		os.Exit(0)
	}

	if err := validateCLIConfig(cliConfig); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error: %v\n", err)
		fmt.Fprintf(os.Stderr, "Use -help for usage information.\n")
		os.Exit(1)
	}

	level, _ := logrus.ParseLevel(cliConfig.logLevel)
	logrus.SetLevel(level)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	setupSignalHandling(cancel)

	if err := run(ctx, cliConfig); err != nil {
		logrus.WithError(err).Error("Node failed")
		os.Exit(1)
	}
}
