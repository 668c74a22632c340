package main

import (
	"context"
	"encoding/json"
	"flag"
	"fmt"

	"github.com/skiffhq/skiff/internal/provision"
)

func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", "skiff.toml", "path to config file")
	logLevel := fs.String("log-level", "warn", "log level (debug, info, warn, error)")
	fs.Parse(args)

	logger := newLogger(*logLevel)
	cfg := loadConfig(*configPath, logger)
	ctx := context.Background()

	clients, err := provision.NewAWSClients(ctx, cfg.Region, cfg.EndpointURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize AWS clients")
	}

	p := provision.New(cfg, clients, logger)
	status, err := p.DescribeStatus(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to describe service")
	}

	if !status.Exists {
		fmt.Printf("Service %s does not exist\n", cfg.Service.Name)
		return
	}

	fmt.Printf("%-16s %s\n", "SERVICE", cfg.Service.Name)
	fmt.Printf("%-16s %s\n", "STATUS", status.Status)
	fmt.Printf("%-16s %s\n", "TASK DEFINITION", status.TaskDefinition)
	fmt.Printf("%-16s %d/%d\n", "RUNNING", status.RunningCount, status.DesiredCount)
	if status.Rollout != "" {
		fmt.Printf("%-16s %s\n", "ROLLOUT", status.Rollout)
	}
}

func cmdOutputs(args []string) {
	fs := flag.NewFlagSet("outputs", flag.ExitOnError)
	configPath := fs.String("config", "skiff.toml", "path to config file")
	logLevel := fs.String("log-level", "warn", "log level (debug, info, warn, error)")
	fs.Parse(args)

	logger := newLogger(*logLevel)
	cfg := loadConfig(*configPath, logger)
	ctx := context.Background()

	clients, err := provision.NewAWSClients(ctx, cfg.Region, cfg.EndpointURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize AWS clients")
	}

	p := provision.New(cfg, clients, logger)
	outputs, err := p.LookupOutputs(ctx)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to resolve outputs")
	}

	data, _ := json.MarshalIndent(outputs, "", "  ")
	fmt.Println(string(data))
}
