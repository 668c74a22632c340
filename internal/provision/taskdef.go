package provision

import (
	"context"
	"fmt"
	"maps"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
)

// RegisterTaskDefinition registers a new revision of the task family with
// the given image reference. Revisions are append-only and never mutated;
// when the latest revision already matches the requested container spec no
// new one is registered and the existing revision is returned.
func (p *Provisioner) RegisterTaskDefinition(ctx context.Context, image string) (string, int32, error) {
	if image == "" {
		return "", 0, fmt.Errorf("task image reference is required")
	}

	roleARN, err := p.executionRoleARN(ctx)
	if err != nil {
		return "", 0, err
	}

	containerDef := ecstypes.ContainerDefinition{
		Name:      aws.String("app"),
		Image:     aws.String(image),
		Essential: aws.Bool(true),
		PortMappings: []ecstypes.PortMapping{
			{
				ContainerPort: aws.Int32(p.cfg.Task.ContainerPort),
				HostPort:      aws.Int32(p.cfg.Task.ContainerPort),
				Protocol:      ecstypes.TransportProtocolTcp,
			},
		},
		Environment: []ecstypes.KeyValuePair{
			{Name: aws.String("PORT"), Value: aws.String(fmt.Sprintf("%d", p.cfg.Task.ContainerPort))},
		},
		LogConfiguration: &ecstypes.LogConfiguration{
			LogDriver: ecstypes.LogDriverAwslogs,
			Options: map[string]string{
				"awslogs-group":         p.cfg.Cluster.LogGroup,
				"awslogs-region":        p.cfg.Region,
				"awslogs-stream-prefix": p.cfg.Task.Family,
			},
		},
	}

	input := &ecs.RegisterTaskDefinitionInput{
		Family:                  aws.String(p.cfg.Task.Family),
		RequiresCompatibilities: []ecstypes.Compatibility{ecstypes.CompatibilityFargate},
		NetworkMode:             ecstypes.NetworkModeAwsvpc,
		Cpu:                     aws.String(p.cfg.Task.CPU),
		Memory:                  aws.String(p.cfg.Task.Memory),
		ExecutionRoleArn:        aws.String(roleARN),
		ContainerDefinitions:    []ecstypes.ContainerDefinition{containerDef},
	}

	if existing := p.latestTaskDefinition(ctx); existing != nil && taskDefUnchanged(existing, input) {
		arn := aws.ToString(existing.TaskDefinitionArn)
		p.logger.Debug().Str("task_definition", arn).Msg("task definition unchanged")
		return arn, existing.Revision, nil
	}

	result, err := p.ecs.RegisterTaskDefinition(ctx, input)
	if err != nil {
		return "", 0, fmt.Errorf("register task definition %s: %w", p.cfg.Task.Family, err)
	}

	arn := aws.ToString(result.TaskDefinition.TaskDefinitionArn)
	revision := result.TaskDefinition.Revision
	p.logger.Info().Str("task_definition", arn).Int32("revision", revision).Msg("registered task definition")
	return arn, revision, nil
}

// latestTaskDefinition resolves the family's newest revision, or nil when
// the family has none yet.
func (p *Provisioner) latestTaskDefinition(ctx context.Context) *ecstypes.TaskDefinition {
	result, err := p.ecs.DescribeTaskDefinition(ctx, &ecs.DescribeTaskDefinitionInput{
		TaskDefinition: aws.String(p.cfg.Task.Family),
	})
	if err != nil {
		return nil
	}
	return result.TaskDefinition
}

// taskDefUnchanged reports whether the requested registration would produce
// the same container spec as the existing revision.
func taskDefUnchanged(existing *ecstypes.TaskDefinition, input *ecs.RegisterTaskDefinitionInput) bool {
	if aws.ToString(existing.Cpu) != aws.ToString(input.Cpu) ||
		aws.ToString(existing.Memory) != aws.ToString(input.Memory) ||
		aws.ToString(existing.ExecutionRoleArn) != aws.ToString(input.ExecutionRoleArn) {
		return false
	}
	if len(existing.ContainerDefinitions) != 1 || len(input.ContainerDefinitions) != 1 {
		return false
	}
	have := existing.ContainerDefinitions[0]
	want := input.ContainerDefinitions[0]
	if aws.ToString(have.Image) != aws.ToString(want.Image) {
		return false
	}
	if len(have.PortMappings) != 1 || len(want.PortMappings) != 1 ||
		aws.ToInt32(have.PortMappings[0].ContainerPort) != aws.ToInt32(want.PortMappings[0].ContainerPort) {
		return false
	}
	if have.LogConfiguration == nil || want.LogConfiguration == nil ||
		!maps.Equal(have.LogConfiguration.Options, want.LogConfiguration.Options) {
		return false
	}
	return true
}

// executionRoleARN resolves the execution role without creating it; the
// role provisioner must have run first.
func (p *Provisioner) executionRoleARN(ctx context.Context) (string, error) {
	name := p.cfg.Task.ExecutionRole
	result, err := p.iam.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(name)})
	if err != nil {
		return "", fmt.Errorf("execution role %s not found; run the role provisioner first: %w", name, err)
	}
	return aws.ToString(result.Role.Arn), nil
}
