package main

import (
	"fmt"
	"os"

	"github.com/rs/zerolog"

	"github.com/skiffhq/skiff/internal/config"
)

const version = "skiff v0.1.0"

func main() {
	if len(os.Args) < 2 {
		usage()
		os.Exit(1)
	}
	switch os.Args[1] {
	case "up":
		cmdUp(os.Args[2:])
	case "deploy":
		cmdDeploy(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	case "outputs":
		cmdOutputs(os.Args[2:])
	case "logs":
		cmdLogs(os.Args[2:])
	case "destroy":
		cmdDestroy(os.Args[2:])
	case "version":
		fmt.Println(version)
	default:
		usage()
		os.Exit(1)
	}
}

func usage() {
	fmt.Fprintln(os.Stderr, `Usage: skiff <command>

Commands:
  up       Provision network, cluster, role, task definition, and service
  deploy   Build and push the image, then roll the service forward
  status   Show service status
  outputs  Print provisioned resource identifiers as JSON
  logs     Tail the service's CloudWatch logs
  destroy  Tear the stack down
  version  Print version`)
}

func newLogger(level string) zerolog.Logger {
	lvl, err := zerolog.ParseLevel(level)
	if err != nil {
		lvl = zerolog.InfoLevel
	}
	return zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr}).
		Level(lvl).
		With().
		Timestamp().
		Str("component", "skiff").
		Logger()
}

func loadConfig(path string, logger zerolog.Logger) config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}
	if err := cfg.Validate(); err != nil {
		logger.Fatal().Err(err).Msg("invalid config")
	}
	return cfg
}
