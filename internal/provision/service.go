package provision

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
)

// EnsureService creates the service if it does not exist, otherwise rolls
// it forward to the given task definition revision. There is no rollback
// path: updates always point at the newest registered revision.
func (p *Provisioner) EnsureService(ctx context.Context, net NetworkOutputs, taskDefARN string) error {
	name := p.cfg.Service.Name

	existing, err := p.describeService(ctx)
	if err != nil {
		return err
	}

	if existing == nil {
		assignPublicIP := ecstypes.AssignPublicIpDisabled
		if p.cfg.Service.AssignPublicIP {
			assignPublicIP = ecstypes.AssignPublicIpEnabled
		}

		_, err := p.ecs.CreateService(ctx, &ecs.CreateServiceInput{
			Cluster:        aws.String(p.cfg.Cluster.Name),
			ServiceName:    aws.String(name),
			TaskDefinition: aws.String(taskDefARN),
			DesiredCount:   aws.Int32(p.cfg.Service.DesiredCount),
			LaunchType:     ecstypes.LaunchTypeFargate,
			NetworkConfiguration: &ecstypes.NetworkConfiguration{
				AwsvpcConfiguration: &ecstypes.AwsVpcConfiguration{
					Subnets:        []string{net.SubnetID},
					SecurityGroups: []string{net.SecurityGroupID},
					AssignPublicIp: assignPublicIP,
				},
			},
			Tags: []ecstypes.Tag{
				{Key: aws.String(managedTagKey), Value: aws.String("true")},
				{Key: aws.String(projectTagKey), Value: aws.String(p.cfg.Cluster.Name)},
			},
		})
		if err != nil {
			return fmt.Errorf("create service %s: %w", name, err)
		}
		p.logger.Info().Str("service", name).Str("task_definition", taskDefARN).Msg("created service")
		return nil
	}

	if aws.ToString(existing.TaskDefinition) == taskDefARN &&
		existing.DesiredCount == p.cfg.Service.DesiredCount {
		p.logger.Debug().Str("service", name).Msg("service already up to date")
		return nil
	}

	_, err = p.ecs.UpdateService(ctx, &ecs.UpdateServiceInput{
		Cluster:        aws.String(p.cfg.Cluster.Name),
		Service:        aws.String(name),
		TaskDefinition: aws.String(taskDefARN),
		DesiredCount:   aws.Int32(p.cfg.Service.DesiredCount),
	})
	if err != nil {
		return fmt.Errorf("update service %s: %w", name, err)
	}
	p.logger.Info().Str("service", name).Str("task_definition", taskDefARN).Msg("rolling service forward")
	return nil
}

// WaitForStable blocks until the service's primary deployment runs the
// target revision at the desired count with no other deployment draining,
// or the bounded wait elapses. A FAILED rollout state aborts immediately;
// the previous revision's tasks keep serving either way.
func (p *Provisioner) WaitForStable(ctx context.Context, taskDefARN string) error {
	name := p.cfg.Service.Name
	timeout := time.After(time.Duration(p.cfg.Service.StableTimeout))
	ticker := time.NewTicker(p.pollInterval())
	defer ticker.Stop()

	lastReason := "service not observed yet"

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-timeout:
			return &RolloutError{Service: name, TaskDefinition: taskDefARN, Reason: lastReason}
		case <-ticker.C:
			svc, err := p.describeService(ctx)
			if err != nil {
				lastReason = err.Error()
				continue
			}
			if svc == nil {
				lastReason = "service not found"
				continue
			}

			stable, reason, failed := deploymentStable(svc, taskDefARN)
			if failed {
				return &RolloutError{Service: name, TaskDefinition: taskDefARN, Reason: reason}
			}
			if stable {
				p.logger.Info().Str("service", name).Int32("running", svc.RunningCount).Msg("service stable")
				return nil
			}
			lastReason = reason
			p.logger.Debug().Str("service", name).Str("state", reason).Msg("waiting for service")
		}
	}
}

// deploymentStable inspects the service's deployments. Stable means: one
// deployment left, it runs taskDefARN, and its running count equals the
// desired count.
func deploymentStable(svc *ecstypes.Service, taskDefARN string) (stable bool, reason string, failed bool) {
	var primary *ecstypes.Deployment
	for i := range svc.Deployments {
		if aws.ToString(svc.Deployments[i].Status) == "PRIMARY" {
			primary = &svc.Deployments[i]
			break
		}
	}
	if primary == nil {
		return false, "no primary deployment", false
	}
	if aws.ToString(primary.TaskDefinition) != taskDefARN {
		return false, fmt.Sprintf("primary deployment still on %s", aws.ToString(primary.TaskDefinition)), false
	}
	if primary.RolloutState == ecstypes.DeploymentRolloutStateFailed {
		return false, aws.ToString(primary.RolloutStateReason), true
	}
	if len(svc.Deployments) > 1 {
		return false, fmt.Sprintf("%d deployments still draining", len(svc.Deployments)-1), false
	}
	if primary.RunningCount != primary.DesiredCount {
		return false, fmt.Sprintf("running %d of %d tasks", primary.RunningCount, primary.DesiredCount), false
	}
	if primary.RolloutState == ecstypes.DeploymentRolloutStateInProgress {
		return false, "rollout in progress", false
	}
	return true, "", false
}

// describeService returns the active service, or nil if it does not exist
// (missing and INACTIVE are both treated as absent).
func (p *Provisioner) describeService(ctx context.Context) (*ecstypes.Service, error) {
	result, err := p.ecs.DescribeServices(ctx, &ecs.DescribeServicesInput{
		Cluster:  aws.String(p.cfg.Cluster.Name),
		Services: []string{p.cfg.Service.Name},
	})
	if err != nil {
		return nil, fmt.Errorf("describe service %s: %w", p.cfg.Service.Name, err)
	}
	for i := range result.Services {
		if aws.ToString(result.Services[i].Status) != "INACTIVE" {
			return &result.Services[i], nil
		}
	}
	return nil, nil
}

// ServiceStatus is the read-only projection used by `skiff status`.
type ServiceStatus struct {
	Exists         bool
	Status         string
	TaskDefinition string
	RunningCount   int32
	DesiredCount   int32
	Rollout        string
}

func (p *Provisioner) DescribeStatus(ctx context.Context) (ServiceStatus, error) {
	svc, err := p.describeService(ctx)
	if err != nil {
		return ServiceStatus{}, err
	}
	if svc == nil {
		return ServiceStatus{}, nil
	}
	status := ServiceStatus{
		Exists:         true,
		Status:         aws.ToString(svc.Status),
		TaskDefinition: aws.ToString(svc.TaskDefinition),
		RunningCount:   svc.RunningCount,
		DesiredCount:   svc.DesiredCount,
	}
	for _, d := range svc.Deployments {
		if aws.ToString(d.Status) == "PRIMARY" {
			status.Rollout = string(d.RolloutState)
		}
	}
	return status, nil
}
