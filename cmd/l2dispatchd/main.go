// Package main provides l2dispatchd, the Layer-2 protocol dispatcher
// daemon: it loads configuration, brings up the configured protocol
// adapters, and serves as the process boundary for the five exit codes
// described in the configuration package's release-validation and the
// manager's initialization report.
package main

import (
	"context"
	"crypto/sha256"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/libp2p/go-libp2p"
	pubsub "github.com/libp2p/go-libp2p-pubsub"

	"github.com/klingon-exchange/l2dispatch/internal/backend"
	"github.com/klingon-exchange/l2dispatch/internal/config"
	"github.com/klingon-exchange/l2dispatch/internal/hsm"
	"github.com/klingon-exchange/l2dispatch/internal/hsm/audit"
	"github.com/klingon-exchange/l2dispatch/internal/l2err"
	"github.com/klingon-exchange/l2dispatch/internal/layer2"
	"github.com/klingon-exchange/l2dispatch/internal/layer2/adapters/bob"
	"github.com/klingon-exchange/l2dispatch/internal/layer2/adapters/btcbridge"
	"github.com/klingon-exchange/l2dispatch/internal/layer2/adapters/dlc"
	"github.com/klingon-exchange/l2dispatch/internal/layer2/adapters/evmbridge"
	"github.com/klingon-exchange/l2dispatch/internal/layer2/adapters/lightning"
	"github.com/klingon-exchange/l2dispatch/internal/layer2/adapters/liquid"
	"github.com/klingon-exchange/l2dispatch/internal/layer2/adapters/rgb"
	"github.com/klingon-exchange/l2dispatch/internal/layer2/adapters/rgbgossip"
	"github.com/klingon-exchange/l2dispatch/internal/layer2/adapters/rsk"
	"github.com/klingon-exchange/l2dispatch/internal/layer2/adapters/stacks"
	"github.com/klingon-exchange/l2dispatch/internal/layer2/adapters/statechannels"
	"github.com/klingon-exchange/l2dispatch/internal/layer2/adapters/taprootassets"
	"github.com/klingon-exchange/l2dispatch/internal/manager"
	"github.com/klingon-exchange/l2dispatch/internal/store"
	"github.com/klingon-exchange/l2dispatch/pkg/logging"
)

// Exit codes, per the config package's release-validation contract and
// the manager's partial-initialization report.
const (
	exitOK                   = 0
	exitConfigError          = 1
	exitProviderUnavailable  = 2
	exitCryptoSelfTestFailed = 3
	exitAuditIntegrityFailed = 4
)

// rgbGossipTopic is the single pubsub topic RGB consignment transfer
// announcements are published to.
const rgbGossipTopic = "l2dispatch/rgb/consignments/v1"

// defaultDisputeWindow is the state channels adapter's fallback dispute
// period when the operator's config does not override it.
const defaultDisputeWindow = 24 * time.Hour

var version = "0.1.0-dev"

func main() {
	var (
		dataDir     = flag.String("data-dir", "~/.l2dispatch", "Data directory")
		configFile  = flag.String("config", "", "Config file path (default: <data-dir>/config.yaml)")
		testnet     = flag.Bool("testnet", false, "Run on testnet")
		logLevel    = flag.String("log-level", "", "Log level override (debug, info, warn, error)")
		watch       = flag.Bool("watch-config", true, "Hot-reload the safe config subset on file change")
		showVersion = flag.Bool("version", false, "Show version and exit")
	)
	flag.Parse()

	log := logging.New(&logging.Config{Level: "info", TimeFormat: time.TimeOnly})
	logging.SetDefault(log)

	if *showVersion {
		log.Infof("l2dispatchd %s", version)
		os.Exit(exitOK)
	}

	cfg, path, err := loadConfig(*dataDir, *configFile)
	if err != nil {
		log.Error("failed to load configuration", "error", err)
		os.Exit(exitConfigError)
	}
	config.ApplyEnv(cfg)
	if *testnet {
		cfg.Network = config.Testnet
	}
	if *logLevel != "" {
		cfg.Logging.Level = *logLevel
	}

	if err := cfg.ValidateForRelease(); err != nil {
		log.Error("configuration failed release validation", "error", err)
		os.Exit(exitConfigError)
	}

	log = logging.New(&logging.Config{Level: cfg.Logging.Level, TimeFormat: time.TimeOnly})
	logging.SetDefault(log)
	log.Info("configuration loaded", "path", path, "network", cfg.Network)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	auditSink, err := openAudit(cfg, log)
	if err != nil {
		log.Error("audit log failed to open", "error", err)
		os.Exit(exitAuditIntegrityFailed)
	}
	defer auditSink.Close()
	auditSink.StartRotation(ctx)
	defer auditSink.StopRotation()

	dataStore, err := store.Open(store.Config{DataDir: expandPath(cfg.DataDir)})
	if err != nil {
		log.Error("failed to open durable store", "error", err)
		os.Exit(exitConfigError)
	}
	defer dataStore.Close()

	factory, err := buildHSMFactory(cfg, dataStore, auditSink, log)
	if err != nil {
		log.Error("no configured HSM provider is reachable", "error", err)
		os.Exit(exitProviderUnavailable)
	}

	if err := cryptoSelfTest(ctx, factory); err != nil {
		log.Error("crypto self-test failed", "error", err)
		os.Exit(exitCryptoSelfTestFailed)
	}
	log.Info("crypto self-test passed", "primary_provider", factory.Primary().Variant())

	mgr := manager.New(auditSink, log)
	if err := mgr.SetStore(dataStore); err != nil {
		log.Error("failed to load persisted state", "error", err)
		os.Exit(exitConfigError)
	}

	if err := registerAdapters(ctx, cfg, mgr, auditSink, log); err != nil {
		log.Error("failed to construct protocol adapters", "error", err)
		os.Exit(exitConfigError)
	}

	report, err := mgr.InitializeProtocols(ctx)
	if err != nil {
		log.Warn("one or more protocols failed to initialize", "error", err, "failed", len(report.Failed), "succeeded", len(report.Succeeded))
	}
	if len(report.Succeeded) == 0 && len(cfg.Protocols) > 0 {
		log.Error("no protocol came up and no fallback is configured")
		os.Exit(exitProviderUnavailable)
	}
	for _, id := range report.Succeeded {
		log.Info("protocol initialized", "protocol", id)
	}

	var watcher *config.Watcher
	if *watch && path != "" {
		watcher, err = config.NewWatcher(path, cfg, log, func(e error) {
			log.Warn("config hot-reload failed", "error", e)
		})
		if err != nil {
			log.Warn("failed to start config watcher", "error", err)
		} else if err := watcher.Start(ctx); err != nil {
			log.Warn("failed to watch config file", "error", err)
		}
	}

	log.Info("l2dispatchd ready", "version", version, "protocols", len(report.Succeeded))

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	log.Info("shutting down...")

	if watcher != nil {
		watcher.Stop()
	}
	cancel()
	if err := mgr.Shutdown(context.Background()); err != nil {
		log.Error("error disconnecting protocols", "error", err)
	}
	log.Info("goodbye")
}

func loadConfig(dataDir, configFile string) (*config.Config, string, error) {
	path := configFile
	if path == "" {
		path = filepath.Join(expandPath(dataDir), "config.yaml")
	}
	if _, err := os.Stat(path); os.IsNotExist(err) {
		cfg := config.DefaultConfig()
		cfg.DataDir = dataDir
		if err := cfg.Save(path); err != nil {
			return nil, "", err
		}
		return cfg, path, nil
	}
	cfg, err := config.LoadFile(path)
	if err != nil {
		return nil, "", err
	}
	return cfg, path, nil
}

func expandPath(path string) string {
	if len(path) > 0 && path[0] == '~' {
		home, err := os.UserHomeDir()
		if err != nil {
			return path
		}
		return filepath.Join(home, path[1:])
	}
	return path
}

func openAudit(cfg *config.Config, log *logging.Logger) (*audit.Sink, error) {
	auditPath := expandPath(cfg.Audit.Path)
	if err := os.MkdirAll(filepath.Dir(auditPath), 0700); err != nil {
		return nil, l2err.Wrap(l2err.Internal, "failed to create audit log directory", err)
	}
	if err := audit.VerifyChain(auditPath); err != nil {
		return nil, err
	}
	return audit.Open(audit.Config{
		Path:          auditPath,
		Encrypt:       cfg.Audit.Encrypt,
		RetentionDays: cfg.Audit.RetentionDays,
	}, log)
}

func buildHSMFactory(cfg *config.Config, dataStore *store.Store, auditSink *audit.Sink, log *logging.Logger) (*hsm.Factory, error) {
	var providers []hsm.ProviderConfig
	for _, variant := range cfg.HSM.ProviderOrder {
		p, err := newProvider(variant, dataStore, log)
		if err != nil {
			log.Warn("hsm provider unavailable", "provider", variant, "error", err)
			continue
		}
		providers = append(providers, hsm.ProviderConfig{Name: string(variant), Provider: p})
	}
	if len(providers) == 0 {
		return nil, l2err.New(l2err.Unavailable, "no configured hsm provider could be constructed")
	}
	factory := hsm.NewFactory(cfg.HSM.Policy, auditSink, log, providers...)
	return factory, nil
}

func newProvider(variant hsm.Variant, dataStore *store.Store, log *logging.Logger) (hsm.Provider, error) {
	switch variant {
	case hsm.VariantSoftware:
		return hsm.NewSoftware(dataStore.Keystore(), log)
	case hsm.VariantSimulator:
		return hsm.NewSimulator()
	case hsm.VariantPkcs11:
		return hsm.NewPkcs11(), nil
	case hsm.VariantLedger:
		return hsm.NewLedger(), nil
	case hsm.VariantTpm:
		return hsm.NewTpm(), nil
	default:
		return nil, l2err.New(l2err.UnknownOption, fmt.Sprintf("unrecognized hsm provider variant %q", variant))
	}
}

// cryptoSelfTest generates a throwaway key, signs a known digest, and
// verifies the signature through the same factory the daemon will use
// for every adapter's actual signing operations — a provider that
// silently cannot round-trip a signature must fail startup, not the
// first real transfer.
func cryptoSelfTest(ctx context.Context, factory *hsm.Factory) error {
	meta, err := factory.GenerateKey(ctx, hsm.GenerateKeyRequest{
		Algorithm: hsm.AlgoSecp256k1Schnorr,
		Purpose:   hsm.PurposeMisc,
	})
	if err != nil {
		return l2err.Wrap(l2err.Internal, "self-test key generation failed", err)
	}
	digest := sha256.Sum256([]byte("l2dispatchd crypto self-test"))
	sig, err := factory.Sign(ctx, hsm.SignRequest{
		Handle:    meta.Handle,
		Algorithm: hsm.AlgoSecp256k1Schnorr,
		MsgHash:   digest,
	})
	if err != nil {
		return l2err.Wrap(l2err.Internal, "self-test signing failed", err)
	}
	ok, err := factory.Verify(ctx, hsm.VerifyRequest{
		Handle:    meta.Handle,
		Algorithm: hsm.AlgoSecp256k1Schnorr,
		MsgHash:   digest,
		Signature: sig,
	})
	if err != nil {
		return l2err.Wrap(l2err.Internal, "self-test verification failed", err)
	}
	if !ok {
		return l2err.New(l2err.InvalidSignature, "self-test signature did not verify")
	}
	return factory.DeleteKey(ctx, meta.Handle)
}

// registerAdapters constructs and registers one adapter per enabled
// protocol in cfg.Protocols, dialing its RPC endpoint where the protocol
// needs one.
func registerAdapters(ctx context.Context, cfg *config.Config, mgr *manager.Manager, auditSink *audit.Sink, log *logging.Logger) error {
	var rgbTopic *pubsub.Topic
	if pc, ok := cfg.Protocols[layer2.ProtocolRGB]; ok && pc.Enabled {
		topic, err := joinRGBGossip(ctx, log)
		if err != nil {
			log.Warn("rgb gossip topic unavailable, rgb adapter will run without peer distribution", "error", err)
		} else {
			rgbTopic = topic
		}
	}

	for id, pc := range cfg.Protocols {
		if !pc.Enabled {
			continue
		}
		adapter, err := buildAdapter(ctx, id, pc, cfg.Network, rgbTopic, auditSink, log)
		if err != nil {
			return fmt.Errorf("%s: %w", id, err)
		}
		mgr.Register(adapter)
	}
	return nil
}

func buildAdapter(ctx context.Context, id layer2.ProtocolID, pc config.ProtocolConfig, network config.NetworkType, rgbTopic *pubsub.Topic, auditSink *audit.Sink, log *logging.Logger) (layer2.Protocol, error) {
	switch id {
	case layer2.ProtocolLightning:
		return lightning.New(auditSink, log), nil
	case layer2.ProtocolDLC:
		return dlc.New(auditSink, log), nil
	case layer2.ProtocolTaprootAssets:
		return taprootassets.New(auditSink, log), nil
	case layer2.ProtocolStateChannels:
		return statechannels.New(defaultDisputeWindow, auditSink, log), nil
	case layer2.ProtocolRGB:
		return rgb.New(rgbgossip.New(rgbTopic), auditSink, log), nil
	case layer2.ProtocolBOB:
		client, err := evmbridge.Dial(ctx, pc.RPCURL)
		if err != nil {
			return nil, err
		}
		return bob.New(client, network, auditSink, log), nil
	case layer2.ProtocolRSK:
		client, err := evmbridge.Dial(ctx, pc.RPCURL)
		if err != nil {
			return nil, err
		}
		return rsk.New(client, network, auditSink, log), nil
	case layer2.ProtocolLiquid:
		client := btcbridge.New(backend.NewEsploraBackend(pc.RPCURL))
		return liquid.New(client, auditSink, log), nil
	case layer2.ProtocolStacks:
		client := btcbridge.New(backend.NewEsploraBackend(pc.RPCURL))
		return stacks.New(client, auditSink, log), nil
	default:
		return nil, l2err.New(l2err.UnknownOption, fmt.Sprintf("unrecognized protocol id %q", id))
	}
}

func joinRGBGossip(ctx context.Context, log *logging.Logger) (*pubsub.Topic, error) {
	host, err := libp2p.New()
	if err != nil {
		return nil, l2err.Wrap(l2err.Unavailable, "failed to start libp2p host for rgb gossip", err)
	}
	ps, err := pubsub.NewGossipSub(ctx, host)
	if err != nil {
		return nil, l2err.Wrap(l2err.Unavailable, "failed to start gossipsub for rgb gossip", err)
	}
	topic, err := ps.Join(rgbGossipTopic)
	if err != nil {
		return nil, l2err.Wrap(l2err.Unavailable, "failed to join rgb gossip topic", err)
	}
	log.Info("joined rgb gossip topic", "topic", rgbGossipTopic, "peer_id", host.ID())
	return topic, nil
}
