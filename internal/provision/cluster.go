package provision

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	cwltypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
)

// EnsureCluster converges the ECS cluster and returns its ARN.
func (p *Provisioner) EnsureCluster(ctx context.Context) (string, error) {
	name := p.cfg.Cluster.Name

	result, err := p.ecs.DescribeClusters(ctx, &ecs.DescribeClustersInput{
		Clusters: []string{name},
	})
	if err != nil {
		return "", fmt.Errorf("describe cluster %s: %w", name, err)
	}
	for _, c := range result.Clusters {
		if aws.ToString(c.Status) == "ACTIVE" {
			p.logger.Debug().Str("cluster", name).Msg("cluster already exists")
			return aws.ToString(c.ClusterArn), nil
		}
	}

	created, err := p.ecs.CreateCluster(ctx, &ecs.CreateClusterInput{
		ClusterName: aws.String(name),
		Tags: []ecstypes.Tag{
			{Key: aws.String(managedTagKey), Value: aws.String("true")},
			{Key: aws.String(projectTagKey), Value: aws.String(name)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create cluster %s: %w", name, err)
	}

	arn := aws.ToString(created.Cluster.ClusterArn)
	p.logger.Info().Str("cluster", name).Msg("created cluster")
	return arn, nil
}

// EnsureLogGroup converges the CloudWatch log group the task's awslogs
// driver writes to. The task definition references it by name, so it must
// exist before the first task launches.
func (p *Provisioner) EnsureLogGroup(ctx context.Context) error {
	name := p.cfg.Cluster.LogGroup

	result, err := p.logs.DescribeLogGroups(ctx, &cloudwatchlogs.DescribeLogGroupsInput{
		LogGroupNamePrefix: aws.String(name),
	})
	if err != nil {
		return fmt.Errorf("describe log groups: %w", err)
	}
	for _, g := range result.LogGroups {
		if aws.ToString(g.LogGroupName) == name {
			p.logger.Debug().Str("log_group", name).Msg("log group already exists")
			return nil
		}
	}

	_, err = p.logs.CreateLogGroup(ctx, &cloudwatchlogs.CreateLogGroupInput{
		LogGroupName: aws.String(name),
	})
	if err != nil {
		var exists *cwltypes.ResourceAlreadyExistsException
		if errors.As(err, &exists) {
			return nil
		}
		return fmt.Errorf("create log group %s: %w", name, err)
	}

	p.logger.Info().Str("log_group", name).Msg("created log group")
	return nil
}
