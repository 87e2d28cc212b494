package main

import (
	"bufio"
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/trade-relay/pkg/allowlist"
	"github.com/trade-relay/pkg/client"
	"github.com/trade-relay/pkg/config"
	"github.com/trade-relay/pkg/logging"
	"github.com/trade-relay/pkg/mirror"
	"github.com/trade-relay/pkg/protocol"
	"github.com/trade-relay/pkg/server"
	"gopkg.in/alecthomas/kingpin.v2"
)

var (
	logLevel = kingpin.Flag("log.level", "Log level (debug, info, warn, error). Overrides the config file.").String()

	serveCmd        = kingpin.Command("serve", "Run the relay broker.").Default()
	configFile      = serveCmd.Flag("config.file", "Path to configuration file.").Default("config.yaml").String()
	listenAddress   = serveCmd.Flag("web.listen-address", "Address to listen on for web interface and telemetry.").String()
	telemetryPath   = serveCmd.Flag("web.telemetry-path", "Path under which to expose metrics.").String()
	bindAddr        = serveCmd.Flag("bind-addr", "Address to bind for relay clients (listening).").String()
	wsListenAddress = serveCmd.Flag("ws.listen-address", "Address to bind for WebSocket relay clients; empty disables it.").String()
	allowlistFile   = serveCmd.Flag("allowlist.file", "Path to the JSON array of authorized receiver accounts.").String()

	tapCmd      = kingpin.Command("tap", "Connect as a receiver and print relayed trade events to stdout.")
	tapServer   = tapCmd.Flag("server-addr", "Relay address.").Default("127.0.0.1:3000").String()
	tapAccount  = tapCmd.Flag("account", "Receiver account id.").Required().String()
	tapListenTo = tapCmd.Flag("listen-to", "Sender account id to receive trade events from.").Required().String()
	tapMetrics  = tapCmd.Flag("web.listen-address", "Address to expose client metrics on; empty disables it.").String()

	publishCmd     = kingpin.Command("publish", "Connect as a sender and relay trade events read from stdin, one JSON object per line.")
	publishServer  = publishCmd.Flag("server-addr", "Relay address.").Default("127.0.0.1:3000").String()
	publishAccount = publishCmd.Flag("account", "Sender account id.").Required().String()
)

func main() {
	cmd := kingpin.Parse()
	if *logLevel != "" {
		logging.SetLevel(*logLevel)
	}

	var err error
	switch cmd {
	case serveCmd.FullCommand():
		err = runServe()
	case tapCmd.FullCommand():
		err = runTap()
	case publishCmd.FullCommand():
		err = runPublish()
	}
	if err != nil {
		logging.Errorf("%v", err)
		logging.Flush()
		os.Exit(1)
	}
	logging.Flush()
}

func loadConfig() *config.Config {
	cfg, err := config.LoadConfig(*configFile)
	if err != nil {
		// If config file doesn't exist, continue with defaults
		logging.Warnf("Failed to load config file: %v, using defaults", err)
		cfg = config.Default()
	}

	if *bindAddr != "" {
		cfg.Relay.BindAddr = *bindAddr
	}
	if *wsListenAddress != "" {
		cfg.Relay.WSListenAddress = *wsListenAddress
	}
	if *listenAddress != "" {
		cfg.Relay.ListenAddress = *listenAddress
	}
	if *telemetryPath != "" {
		cfg.Relay.TelemetryPath = *telemetryPath
	}
	if *allowlistFile != "" {
		cfg.Relay.AllowlistFile = *allowlistFile
	}
	if *logLevel != "" {
		cfg.Log.Level = *logLevel
	}
	cfg.NormalizeAddrs()
	return cfg
}

func loadAllowlist(path string) *allowlist.Set {
	allowed, err := allowlist.Load(path)
	if err != nil {
		logging.Warnf("Failed to load allowlist: %v; no receiver will be authorized", err)
	}
	return allowed
}

func runServe() error {
	cfg := loadConfig()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("invalid config: %w", err)
	}
	logging.Configure(cfg.Log.Level, cfg.Log.Format)
	logging.Logf("Relay initialized with ID: %s", logging.GetInstanceID())

	allowed := loadAllowlist(cfg.Relay.AllowlistFile)
	logging.Logf("[allowlist] loaded accounts=%d file=%s", allowed.Len(), cfg.Relay.AllowlistFile)

	// A nil *NATSMirror must not reach the server as a non-nil Mirror.
	var relayMirror server.Mirror
	var natsMirror *mirror.NATSMirror
	if cfg.Mirror.NATSURL != "" {
		m, err := mirror.Connect(cfg.Mirror.NATSURL, cfg.Mirror.Name, cfg.Mirror.SubjectPrefix)
		if err != nil {
			logging.Warnf("Trade event mirror disabled: %v", err)
		} else {
			natsMirror = m
			relayMirror = m
		}
	}

	relayServer, err := server.NewRelayServer(cfg, allowed, relayMirror)
	if err != nil {
		return fmt.Errorf("failed to create relay: %w", err)
	}

	go func() {
		if err := relayServer.StartRelayListener(cfg.Relay.BindAddr); err != nil && !errors.Is(err, server.ErrServerClosed) {
			logging.Fatalf("Relay listener error: %v", err)
		}
	}()
	if cfg.Relay.WSListenAddress != "" {
		go func() {
			if err := relayServer.StartWebSocketListener(cfg.Relay.WSListenAddress, cfg.Relay.WSPath); err != nil && !errors.Is(err, server.ErrServerClosed) {
				logging.Fatalf("WebSocket listener error: %v", err)
			}
		}()
	}
	go func() {
		if err := relayServer.StartMetricsServer(cfg.Relay.ListenAddress, cfg.Relay.TelemetryPath); err != nil && !errors.Is(err, server.ErrServerClosed) {
			logging.Errorf("Metrics server error: %v", err)
		}
	}()

	// Handle signals
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	for sig := range sigChan {
		if sig == syscall.SIGHUP {
			relayServer.SetAllowlist(loadAllowlist(cfg.Relay.AllowlistFile))
			continue
		}
		break
	}
	signal.Stop(sigChan)

	logging.Log("Received shutdown signal, shutting down gracefully...")
	grace := cfg.GetShutdownGrace()
	ctx, cancel := context.WithTimeout(context.Background(), grace)
	defer cancel()
	shutdownErr := relayServer.Shutdown(ctx)

	if natsMirror != nil {
		if err := natsMirror.Close(); err != nil {
			logging.Warnf("Mirror close: %v", err)
		}
	}
	if shutdownErr != nil {
		return fmt.Errorf("forced shutdown after %s: %w", grace, shutdownErr)
	}
	logging.Log("Shutdown complete")
	return nil
}

// signalContext is cancelled on SIGINT or SIGTERM.
func signalContext() (context.Context, context.CancelFunc) {
	return signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
}

func runTap() error {
	ctx, cancel := signalContext()
	defer cancel()

	if *tapMetrics != "" {
		reg := prometheus.NewRegistry()
		reg.MustRegister(client.NewMetricsCollector())
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		hs := &http.Server{Addr: *tapMetrics, Handler: mux, ReadHeaderTimeout: 10 * time.Second}
		go func() {
			logging.Logf("[listen] metrics addr=%s path=/metrics", *tapMetrics)
			if err := hs.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logging.Errorf("Metrics server error: %v", err)
			}
		}()
		defer hs.Close()
	}

	out := bufio.NewWriter(os.Stdout)
	defer out.Flush()

	err := client.RunSession(ctx, *tapServer, client.Options{
		Role:      protocol.RoleReceiver,
		AccountID: *tapAccount,
		ListenTo:  *tapListenTo,
	}, func(ctx context.Context, s *client.Session) error {
		logging.Logf("[tap] receiving account=%s listen_to=%s status=%s", *tapAccount, *tapListenTo, s.Identified.Status)
		return s.Records(func(record []byte) error {
			if _, err := out.Write(protocol.Frame(record)); err != nil {
				return err
			}
			return out.Flush()
		})
	})
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func runPublish() error {
	ctx, cancel := signalContext()
	defer cancel()

	conn, err := client.Dial(ctx, *publishServer, 10*time.Second)
	if err != nil {
		return err
	}
	defer conn.Close()
	go func() {
		<-ctx.Done()
		_ = conn.Close()
	}()

	if _, err := conn.Identify(protocol.RoleSender, *publishAccount, ""); err != nil {
		return err
	}
	logging.Logf("[publish] identified account=%s", *publishAccount)

	sent := 0
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 64*1024), 1<<20)
	for scanner.Scan() {
		line := bytes.TrimSpace(scanner.Bytes())
		if len(line) == 0 {
			continue
		}
		env, err := protocol.Decode(line)
		if err != nil {
			logging.Warnf("[publish] skipping line: %v", err)
			continue
		}
		if env.Kind != protocol.KindTradeEvent {
			logging.Warnf("[publish] skipping %q record; only tradeEvent is relayed", env.Type)
			continue
		}
		if err := conn.SendRaw(line); err != nil {
			return fmt.Errorf("send failed after %d events: %w", sent, err)
		}
		sent++
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	logging.Logf("[publish] sent events=%d", sent)
	return nil
}
