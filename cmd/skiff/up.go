package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"os"

	"github.com/skiffhq/skiff/internal/provision"
)

func cmdUp(args []string) {
	fs := flag.NewFlagSet("up", flag.ExitOnError)
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
	outputs, err := p.Up(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("provisioning failed")
	}

	data, _ := json.MarshalIndent(outputs, "", "  ")
	fmt.Println(string(data))
	os.Exit(0)
}
