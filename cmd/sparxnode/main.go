/*
Command sparxnode loads the node configuration, initializes or loads
the local identity, starts the mesh runtime and its control API, and
blocks until asked to shut down.
*/
package main

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"encoding/hex"
	"flag"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/spf13/viper"
	"github.com/sparxnet/core/config"
	"github.com/sparxnet/core/controlapi"
	"github.com/sparxnet/core/identity"
	"github.com/sparxnet/core/node"
	"github.com/sparxnet/core/store"
)

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "config.yaml", "path to the node's YAML configuration file")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sparxnode: reading config: %v\n", err)
		return node.ExitErrorConfigRead
	}
	applyEnvOverlay(cfg)

	log, err := newLogger(cfg)
	if err != nil {
		fmt.Fprintf(os.Stderr, "sparxnode: initializing logging: %v\n", err)
		return node.ExitErrorLogInit
	}

	self, generated, err := loadOrCreateIdentity(cfg)
	if err != nil {
		log.WithError(err).Error("loading node identity")
		return node.ExitPrivateKeyCorrupt
	}
	if generated {
		if err := config.Save(*configPath, cfg); err != nil {
			log.WithError(err).Error("persisting generated identity")
			return node.ExitPrivateKeyCreate
		}
	}
	log.WithField("address", self.Address().String()).Info("node identity ready")

	var st store.Store
	if cfg.StorePath == "" {
		log.Warn("StorePath is empty, running with an in-memory store: settings and permission grants will not survive a restart")
		st = store.NewMemoryStore()
	} else {
		st, err = store.NewPogrebStore(cfg.StorePath)
		if err != nil {
			log.WithError(err).Error("opening store")
			return node.ExitStoreCorrupt
		}
	}

	n := node.New(log, cfg, self, st)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if err := n.Start(ctx); err != nil {
		log.WithError(err).Error("starting node")
		cancel()
		return node.ExitErrorStart
	}

	var api *controlapi.Instance
	if cfg.ControlAPI.Enabled && cfg.ControlAPI.Listen != "" {
		api = controlapi.Start(log, n, []string{cfg.ControlAPI.Listen}, uuid.Nil)
	}

	log.Info("sparxnode running, press ctrl-c to stop")
	waitForShutdownSignal()

	log.Info("shutting down")
	if api != nil {
		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
		_ = api.Stop(shutdownCtx)
		shutdownCancel()
	}
	cancel()
	_ = n.Stop()

	return node.ExitGraceful
}

func waitForShutdownSignal() {
	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	<-sig
}

// applyEnvOverlay lets SPARXNODE_-prefixed environment variables
// override select fields loaded from the YAML file, for container
// deployments that prefer env configuration over mounting a file.
func applyEnvOverlay(cfg *config.Config) {
	v := viper.New()
	v.SetEnvPrefix("SPARXNODE")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))

	if v.IsSet("log_level") {
		cfg.LogLevel = v.GetString("log_level")
	}
	if v.IsSet("discovery_port") {
		cfg.DiscoveryPort = v.GetInt("discovery_port")
	}
	if v.IsSet("control_api_listen") {
		cfg.ControlAPI.Listen = v.GetString("control_api_listen")
	}
	if v.IsSet("store_path") {
		cfg.StorePath = v.GetString("store_path")
	}
}

func newLogger(cfg *config.Config) (*logrus.Entry, error) {
	log := logrus.New()

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = logrus.InfoLevel
	}
	log.SetLevel(level)
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})

	if cfg.LogFile != "" {
		f, err := os.OpenFile(cfg.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
		if err != nil {
			return nil, err
		}
		log.SetOutput(io.MultiWriter(os.Stdout, f))
	}

	return logrus.NewEntry(log), nil
}

// loadOrCreateIdentity decodes cfg.PrivateKey (a hex-encoded seed) into
// a KeyPair, generating and reporting a fresh one if the field is
// empty. The caller is responsible for persisting cfg when generated
// is true.
func loadOrCreateIdentity(cfg *config.Config) (kp *identity.KeyPair, generated bool, err error) {
	if cfg.PrivateKey == "" {
		seed := make([]byte, ed25519.SeedSize)
		if _, err := rand.Read(seed); err != nil {
			return nil, false, err
		}
		cfg.PrivateKey = hex.EncodeToString(seed)
		return identity.KeyPairFromSeed(seed), true, nil
	}

	seed, err := hex.DecodeString(cfg.PrivateKey)
	if err != nil {
		return nil, false, fmt.Errorf("sparxnode: malformed PrivateKey in config: %w", err)
	}
	return identity.KeyPairFromSeed(seed), false, nil
}
