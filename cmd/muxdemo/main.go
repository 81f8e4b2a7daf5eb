// Command muxdemo brings up a Multiplexer from a YAML bring-up file,
// connects it, and relays whatever it receives back out through the
// multiplexer's routing (context hint, default routing table, then the
// default connection) until it is asked to stop.
//
// Configuration Loading Strategy:
// 1. Command line argument: uses the specified config file path
// 2. Default file: attempts to load config/mux.yaml
// 3. Hardcoded defaults: falls back to a single stub connection
//
// Called by: operating system process execution.
// Calls: internal/config, internal/multiplexer, internal/connection/*.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/tenzoki/agen/mux/internal/config"
	"github.com/tenzoki/agen/mux/internal/multiplexer"
)

func main() {
	log := logrus.New()
	runID := uuid.New().String()

	var cfg *config.Config
	var configSource string

	switch {
	case len(os.Args) >= 2:
		loaded, err := config.Load(os.Args[1])
		if err != nil {
			log.WithError(err).Fatalf("failed to load config from %s", os.Args[1])
		}
		cfg = loaded
		configSource = "config file: " + os.Args[1]

	default:
		if _, err := os.Stat("config/mux.yaml"); err == nil {
			loaded, loadErr := config.Load("config/mux.yaml")
			if loadErr != nil {
				log.WithError(loadErr).Warn("config/mux.yaml exists but failed to load, using hardcoded defaults")
				cfg = defaultConfig()
				configSource = "hardcoded defaults (config/mux.yaml failed to parse)"
			} else {
				cfg = loaded
				configSource = "config/mux.yaml (default)"
			}
		} else {
			log.Info("no config file specified and config/mux.yaml not found, using hardcoded defaults")
			cfg = defaultConfig()
			configSource = "hardcoded defaults"
		}
	}

	if cfg.Debug {
		log.SetLevel(logrus.DebugLevel)
	}
	log.WithField("source", configSource).WithField("app", cfg.AppName).WithField("run_id", runID).Info("starting muxdemo")

	conns, defaultIndex, err := cfg.BuildConnections(log)
	if err != nil {
		log.WithError(err).Fatal("failed to build connections from config")
	}

	mux, err := multiplexer.New(conns, defaultIndex, log)
	if err != nil {
		log.WithError(err).Fatal("failed to construct multiplexer")
	}

	routing, err := cfg.ResolveDefaultRouting()
	if err != nil {
		log.WithError(err).Fatal("failed to resolve default routing table")
	}
	mux.SetDefaultRouting(routing)

	syncMux := multiplexer.NewSync(mux, log)
	if err := syncMux.Connect(); err != nil {
		log.WithError(err).Fatal("failed to connect multiplexer")
	}
	log.Info("multiplexer connected")

	inBox := multiplexer.NewInBox(mux, log)
	outBox := multiplexer.NewOutBox(mux, log)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go relayLoop(ctx, inBox, outBox, log)

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	select {
	case sig := <-sigChan:
		log.WithField("signal", sig).Info("received signal, shutting down")
	case <-ctx.Done():
	}

	cancel()
	if err := syncMux.Disconnect(); err != nil {
		log.WithError(err).Error("error while disconnecting multiplexer")
	}
	log.Info("muxdemo stopped")
}

// relayLoop echoes every received envelope back out unchanged, demonstrating
// the InBox/OutBox façades end to end.
func relayLoop(ctx context.Context, inBox *multiplexer.InBox, outBox *multiplexer.OutBox, log *logrus.Logger) {
	for {
		env, err := inBox.AsyncGet(ctx)
		if err != nil {
			return
		}
		log.WithField("to", env.To).WithField("sender", env.Sender).Debug("relaying envelope")
		if err := outBox.Put(ctx, env); err != nil {
			log.WithError(err).Error("failed to relay envelope")
		}
	}
}

// defaultConfig returns a single-stub-connection configuration, used when no
// config file is available.
func defaultConfig() *config.Config {
	return &config.Config{
		AppName: "muxdemo-default",
		Debug:   true,
		Connections: []config.ConnectionConfig{
			{
				ID:   "fetchai/stub:0.1.0",
				Kind: config.KindStub,
				Params: map[string]string{
					"input_file":  "/tmp/muxdemo_input.csv",
					"output_file": "/tmp/muxdemo_output.csv",
				},
			},
		},
		DefaultConnection:   "fetchai/stub:0.1.0",
		AwaitTimeoutSeconds: 300,
	}
}
