package main

import (
	"context"
	"flag"

	"github.com/skiffhq/skiff/internal/provision"
)

func cmdDestroy(args []string) {
	fs := flag.NewFlagSet("destroy", flag.ExitOnError)
	configPath := fs.String("config", "skiff.toml", "path to config file")
	logLevel := fs.String("log-level", "info", "log level (debug, info, warn, error)")
	fs.Parse(args)

	logger := newLogger(*logLevel)
	cfg := loadConfig(*configPath, logger)
	ctx := context.Background()

	clients, err := provision.NewAWSClients(ctx, cfg.Region, cfg.EndpointURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize AWS clients")
	}

	p := provision.New(cfg, clients, logger)
	if err := p.Destroy(ctx); err != nil {
		logger.Fatal().Err(err).Msg("destroy failed")
	}
}
