package main

import (
	"context"
	"crypto/tls"
	"errors"
	"flag"
	"log/slog"
	"os"

	"github.com/otelfleet/opamp-agent/pkg/config"
	"github.com/otelfleet/opamp-agent/pkg/logutil"
	"github.com/otelfleet/opamp-agent/pkg/server"
	"github.com/otelfleet/opamp-agent/pkg/util/contextutil"
)

func main() {
	logger := slog.Default()

	cfg, err := config.Load("otelfleet-agent", os.Args[1:])
	if errors.Is(err, flag.ErrHelp) {
		os.Exit(0)
	}
	if err != nil {
		logger.With("err", err).Error("invalid configuration")
		os.Exit(1)
	}
	if err := logutil.SetLevel(cfg.Log.Level); err != nil {
		logger.With("err", err).Error("invalid log level")
		os.Exit(1)
	}

	ctx := contextutil.SetupSignals(context.Background(), logger)
	ctx = logutil.WithAttrs(ctx, "agent", cfg.Agent.Name)

	var tlsConfig *tls.Config
	if cfg.OpAMP.InsecureSkipVerify {
		tlsConfig = &tls.Config{InsecureSkipVerify: true}
	}

	agent, err := server.New(logutil.FromContext(ctx), cfg, tlsConfig)
	if err != nil {
		logger.With("err", err).Error("failed to create agent")
		os.Exit(1)
	}
	if err := agent.Run(ctx); err != nil {
		logger.With("err", err.Error()).Error("agent stopped with error")
		os.Exit(1)
	}
}
