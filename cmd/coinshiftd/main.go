// Package main provides coinshiftd, the Coinshift sidechain daemon.
package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/coinshift/coinshift/internal/blocklog"
	"github.com/coinshift/coinshift/internal/chainparams"
	"github.com/coinshift/coinshift/internal/config"
	"github.com/coinshift/coinshift/internal/kvstore"
	"github.com/coinshift/coinshift/internal/l1observer"
	"github.com/coinshift/coinshift/internal/l1rpc"
	"github.com/coinshift/coinshift/internal/l2addr"
	"github.com/coinshift/coinshift/internal/lockstore"
	"github.com/coinshift/coinshift/internal/metrics"
	"github.com/coinshift/coinshift/internal/recovery"
	"github.com/coinshift/coinshift/internal/rpcserver"
	"github.com/coinshift/coinshift/internal/scheduler"
	"github.com/coinshift/coinshift/internal/sidechain"
	"github.com/coinshift/coinshift/internal/swapstore"
	"github.com/coinshift/coinshift/internal/txvalidator"
	"github.com/coinshift/coinshift/internal/utxostore"
	"github.com/coinshift/coinshift/pkg/logging"
)

var (
	version = "0.1.0-dev"
	commit  = "unknown"
)

func main() {
	var (
		dataDir       = flag.String("data-dir", "~/.coinshift", "Data directory")
		rpcAddr       = flag.String("rpc", "", "JSON-RPC/websocket listen address, overrides config")
		metricsAddr   = flag.String("metrics", "", "Prometheus metrics listen address, overrides config")
		testnet       = flag.Bool("testnet", false, "Run on testnet (separate network and data)")
		regtest       = flag.Bool("regtest", false, "Run on regtest (separate network and data)")
		logLevel      = flag.String("log-level", "info", "Log level (debug, info, warn, error)")
		rpcPassphrase = flag.String("rpc-passphrase", "", "Passphrase decrypting parent chain RPC passwords, if any are configured")
		heartbeat     = flag.Duration("heartbeat", 10*time.Second, "Interval between sidechain heartbeat blocks driving the L1 observer")
		showVersion   = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{
		Level:      *logLevel,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("coinshiftd %s (commit: %s)", version, commit)
		os.Exit(0)
	}

	effectiveDataDir := *dataDir
	if *testnet {
		effectiveDataDir = filepath.Join(*dataDir, "testnet")
	} else if *regtest {
		effectiveDataDir = filepath.Join(*dataDir, "regtest")
	}

	cfg, err := config.LoadConfig(effectiveDataDir)
	if err != nil {
		log.Fatal("failed to load config", "error", err)
	}

	if *testnet {
		cfg.NetworkType = config.NetworkTestnet
	} else if *regtest {
		cfg.NetworkType = config.NetworkRegtest
	}
	cfg.Storage.DataDir = effectiveDataDir
	flag.Visit(func(f *flag.Flag) {
		if f.Name == "log-level" {
			cfg.Logging.Level = *logLevel
		}
	})
	if *rpcAddr != "" {
		cfg.RPC.ListenAddr = *rpcAddr
	}
	if *metricsAddr != "" {
		cfg.RPC.MetricsListenAddr = *metricsAddr
	}

	log = logging.New(&logging.Config{
		Level:      cfg.Logging.Level,
		TimeFormat: time.TimeOnly,
	})
	logging.SetDefault(log)

	log.Info("config loaded", "path", config.ConfigPath(effectiveDataDir))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	env, err := kvstore.Open(kvstore.Config{DataDir: cfg.Storage.DataDir})
	if err != nil {
		log.Fatal("failed to open storage", "error", err)
	}
	defer env.Close()
	log.Info("storage opened", "path", config.ExpandPath(cfg.Storage.DataDir))

	reg := metrics.New()

	swaps := swapstore.New()
	locks := lockstore.New()
	utxos := utxostore.New()
	validator := txvalidator.New(swaps, locks, utxos)
	blocks := blocklog.New(env)

	l1Clients := buildL1Clients(log, cfg, *rpcPassphrase, reg)

	observer := l1observer.New(swaps)
	observer.SetMetrics(reg)
	for chain, client := range l1Clients {
		observer.SetClient(chain, client)
	}

	sched := scheduler.New(observer)

	chain := sidechain.New(env, swaps, locks, utxos, validator, sched)
	chain.SetMetrics(reg)

	recoverer := recovery.New(env, swaps, locks, utxos, blocks)
	recoverer.SetMetrics(reg)

	addrNet := l2addr.Mainnet
	switch cfg.NetworkType {
	case config.NetworkTestnet:
		addrNet = l2addr.Testnet
	case config.NetworkRegtest:
		addrNet = l2addr.Regtest
	}

	server, err := rpcserver.New(ctx, rpcserver.Config{
		Env:       env,
		Chain:     chain,
		Swaps:     swaps,
		Locks:     locks,
		Utxos:     utxos,
		Recoverer: recoverer,
		Blocks:    blocks,
		Metrics:   reg,
		AddrNet:   addrNet,
	})
	if err != nil {
		log.Fatal("failed to construct rpc server", "error", err)
	}

	chain.SetNotifier(server)
	observer.SetNotifier(server)

	if corrupt, err := recoverer.CheckIntegrity(ctx); err != nil {
		log.Warn("startup integrity check failed", "error", err)
	} else if len(corrupt) > 0 {
		log.Warn("corrupt swap records detected at startup, reconstructing", "count", len(corrupt))
		if err := recoverer.Reconstruct(ctx); err != nil {
			log.Fatal("startup reconstruction failed", "error", err)
		}
	}

	if err := server.Start(cfg.RPC.ListenAddr, cfg.RPC.MetricsListenAddr); err != nil {
		log.Fatal("failed to start rpc server", "error", err)
	}

	printBanner(log, cfg, version)

	// Heartbeat: connects an empty PegAdvance block on a fixed interval,
	// driving the edge-triggered L1 observer without any real mainchain
	// peg-data feed to advance it. Single-node stand-in for BIP300
	// tip-advance events.
	go func() {
		ticker := time.NewTicker(*heartbeat)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := server.ConnectHeartbeat(ctx); err != nil {
					log.Error("heartbeat connect failed", "error", err)
				}
			}
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down...")

	cancel()

	if err := server.Stop(); err != nil {
		log.Error("error stopping rpc server", "error", err)
	}

	log.Info("goodbye!")
}

// buildL1Clients constructs one l1rpc.Client per configured, observed
// parent chain. A chain with Observe: false is skipped entirely — any
// swap that names it just sits unobserved until a client is configured.
func buildL1Clients(log *logging.Logger, cfg *config.Config, passphrase string, reg *metrics.Registry) map[chainparams.Type]*l1rpc.Client {
	clients := make(map[chainparams.Type]*l1rpc.Client)

	for ticker, pc := range cfg.ParentChains {
		if !pc.Observe {
			continue
		}
		chainType, err := chainparams.ParseTicker(ticker)
		if err != nil {
			log.Warn("skipping unknown parent chain in config", "ticker", ticker, "error", err)
			continue
		}

		password, err := pc.DecryptPassword(passphrase)
		if err != nil {
			log.Error("failed to decrypt parent chain password, skipping", "ticker", ticker, "error", err)
			continue
		}

		client := l1rpc.New(chainType, l1rpc.Config{
			URL:      pc.URL,
			User:     pc.User,
			Password: password,
			Timeout:  time.Duration(pc.TimeoutSeconds) * time.Second,
		})
		client.SetMetrics(reg)
		clients[chainType] = client
		log.Info("parent chain rpc client configured", "chain", chainType, "url", pc.URL)
	}

	return clients
}

func printBanner(log *logging.Logger, cfg *config.Config, version string) {
	networkLabel := "mainnet"
	if cfg.IsTestnet() {
		networkLabel = "TESTNET"
	} else if cfg.IsRegtest() {
		networkLabel = "REGTEST"
	}

	log.Info("")
	log.Info("=================================================")
	log.Infof("  Coinshift sidechain daemon (%s)", networkLabel)
	log.Infof("  Version: %s", version)
	log.Info("=================================================")
	log.Info("")
	log.Infof("  RPC: http://%s", cfg.RPC.ListenAddr)
	log.Infof("  WS:  ws://%s/ws", cfg.RPC.ListenAddr)
	log.Infof("  Metrics: http://%s/metrics", cfg.RPC.MetricsListenAddr)
	log.Info("")
	log.Infof("  Data dir: %s", config.ExpandPath(cfg.Storage.DataDir))
	log.Info("=================================================")
	log.Info("")
}
