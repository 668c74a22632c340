package main

import (
	"context"
	"flag"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	cwltypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"

	"github.com/skiffhq/skiff/internal/provision"
)

func cmdLogs(args []string) {
	fs := flag.NewFlagSet("logs", flag.ExitOnError)
	configPath := fs.String("config", "skiff.toml", "path to config file")
	logLevel := fs.String("log-level", "warn", "log level (debug, info, warn, error)")
	follow := fs.Bool("follow", false, "keep polling for new events")
	fs.Parse(args)

	logger := newLogger(*logLevel)
	cfg := loadConfig(*configPath, logger)
	ctx := context.Background()

	clients, err := provision.NewAWSClients(ctx, cfg.Region, cfg.EndpointURL)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to initialize AWS clients")
	}

	// Most recently active stream under the task family prefix.
	streams, err := clients.Logs.DescribeLogStreams(ctx, &cloudwatchlogs.DescribeLogStreamsInput{
		LogGroupName: aws.String(cfg.Cluster.LogGroup),
		OrderBy:      cwltypes.OrderByLastEventTime,
		Descending:   aws.Bool(true),
		Limit:        aws.Int32(1),
	})
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to list log streams")
	}
	if len(streams.LogStreams) == 0 {
		fmt.Println("No log streams yet")
		return
	}
	streamName := aws.ToString(streams.LogStreams[0].LogStreamName)

	var nextToken *string
	for {
		result, err := clients.Logs.GetLogEvents(ctx, &cloudwatchlogs.GetLogEventsInput{
			LogGroupName:  aws.String(cfg.Cluster.LogGroup),
			LogStreamName: aws.String(streamName),
			StartFromHead: aws.Bool(true),
			NextToken:     nextToken,
		})
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to get log events")
		}

		for _, event := range result.Events {
			ts := time.UnixMilli(aws.ToInt64(event.Timestamp)).UTC().Format(time.RFC3339)
			fmt.Printf("%s %s\n", ts, aws.ToString(event.Message))
		}

		if !*follow {
			return
		}
		nextToken = result.NextForwardToken
		time.Sleep(2 * time.Second)
	}
}
