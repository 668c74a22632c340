package main

import (
	"context"
	"flag"
	"fmt"

	"github.com/docker/docker/client"

	"github.com/skiffhq/skiff/internal/pipeline"
	"github.com/skiffhq/skiff/internal/provision"
)

func cmdDeploy(args []string) {
	fs := flag.NewFlagSet("deploy", flag.ExitOnError)
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

	dockerClient, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to create docker client")
	}
	defer dockerClient.Close()

	p := provision.New(cfg, clients, logger)
	pipe := pipeline.New(cfg, dockerClient, clients.ECR, clients.STS, p, logger)

	taskDefARN, err := pipe.Deploy(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("deploy failed")
	}

	fmt.Println(taskDefARN)
}
