package provision

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/aws/smithy-go"
)

// isDependencyViolation matches the EC2 error returned while ENIs from
// stopped tasks are still attached.
func isDependencyViolation(err error) bool {
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "DependencyViolation"
}

// Destroy tears the stack down in reverse dependency order: service,
// cluster, role, security group, subnet, VPC, log group. Task definition
// revisions are left registered; they are append-only records, not live
// resources.
func (p *Provisioner) Destroy(ctx context.Context) error {
	if err := p.destroyService(ctx); err != nil {
		return err
	}
	if err := p.destroyCluster(ctx); err != nil {
		return err
	}
	if err := p.destroyRole(ctx); err != nil {
		return err
	}
	if err := p.destroyNetwork(ctx); err != nil {
		return err
	}
	if err := p.destroyLogGroup(ctx); err != nil {
		return err
	}
	p.logger.Info().Str("project", p.cfg.Cluster.Name).Msg("destroyed stack")
	return nil
}

func (p *Provisioner) destroyService(ctx context.Context) error {
	svc, err := p.describeService(ctx)
	if err != nil {
		return err
	}
	if svc == nil {
		return nil
	}

	// Scale to zero first so the delete does not race draining tasks.
	_, err = p.ecs.UpdateService(ctx, &ecs.UpdateServiceInput{
		Cluster:      aws.String(p.cfg.Cluster.Name),
		Service:      aws.String(p.cfg.Service.Name),
		DesiredCount: aws.Int32(0),
	})
	if err != nil {
		return fmt.Errorf("scale down service: %w", err)
	}

	_, err = p.ecs.DeleteService(ctx, &ecs.DeleteServiceInput{
		Cluster: aws.String(p.cfg.Cluster.Name),
		Service: aws.String(p.cfg.Service.Name),
		Force:   aws.Bool(true),
	})
	if err != nil {
		return fmt.Errorf("delete service: %w", err)
	}
	p.logger.Info().Str("service", p.cfg.Service.Name).Msg("deleted service")
	return nil
}

func (p *Provisioner) destroyCluster(ctx context.Context) error {
	result, err := p.ecs.DescribeClusters(ctx, &ecs.DescribeClustersInput{
		Clusters: []string{p.cfg.Cluster.Name},
	})
	if err != nil {
		return fmt.Errorf("describe cluster: %w", err)
	}
	active := false
	for _, c := range result.Clusters {
		if aws.ToString(c.Status) == "ACTIVE" {
			active = true
		}
	}
	if !active {
		return nil
	}

	_, err = p.ecs.DeleteCluster(ctx, &ecs.DeleteClusterInput{
		Cluster: aws.String(p.cfg.Cluster.Name),
	})
	if err != nil {
		return fmt.Errorf("delete cluster: %w", err)
	}
	p.logger.Info().Str("cluster", p.cfg.Cluster.Name).Msg("deleted cluster")
	return nil
}

func (p *Provisioner) destroyRole(ctx context.Context) error {
	name := p.cfg.Task.ExecutionRole
	_, err := p.iam.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(name)})
	if err != nil {
		var notFound *iamtypes.NoSuchEntityException
		if errors.As(err, &notFound) {
			return nil
		}
		return fmt.Errorf("get role: %w", err)
	}

	_, err = p.iam.DetachRolePolicy(ctx, &iam.DetachRolePolicyInput{
		RoleName:  aws.String(name),
		PolicyArn: aws.String(executionPolicyARN),
	})
	if err != nil {
		var notFound *iamtypes.NoSuchEntityException
		if !errors.As(err, &notFound) {
			return fmt.Errorf("detach execution policy: %w", err)
		}
	}

	_, err = p.iam.DeleteRole(ctx, &iam.DeleteRoleInput{RoleName: aws.String(name)})
	if err != nil {
		return fmt.Errorf("delete role: %w", err)
	}
	p.logger.Info().Str("role", name).Msg("deleted execution role")
	return nil
}

// destroyNetwork removes SG, subnet, then VPC. The ENIs Fargate attached to
// the subnet disappear shortly after the tasks stop, so DependencyViolation
// is retried for a short window instead of failing immediately.
func (p *Provisioner) destroyNetwork(ctx context.Context) error {
	vpc, err := p.findManagedVPC(ctx)
	if err != nil {
		return err
	}
	if vpc == nil {
		return nil
	}
	vpcID := aws.ToString(vpc.VpcId)

	if sg, err := p.findSecurityGroup(ctx, vpcID); err != nil {
		return err
	} else if sg != nil {
		err := p.retryDelete(ctx, "security group", func() error {
			_, err := p.ec2.DeleteSecurityGroup(ctx, &ec2.DeleteSecurityGroupInput{GroupId: sg.GroupId})
			return err
		})
		if err != nil {
			return err
		}
	}

	if subnet, err := p.findManagedSubnet(ctx, vpcID); err != nil {
		return err
	} else if subnet != nil {
		err := p.retryDelete(ctx, "subnet", func() error {
			_, err := p.ec2.DeleteSubnet(ctx, &ec2.DeleteSubnetInput{SubnetId: subnet.SubnetId})
			return err
		})
		if err != nil {
			return err
		}
	}

	err = p.retryDelete(ctx, "vpc", func() error {
		_, err := p.ec2.DeleteVpc(ctx, &ec2.DeleteVpcInput{VpcId: aws.String(vpcID)})
		return err
	})
	if err != nil {
		return err
	}
	p.logger.Info().Str("vpc", vpcID).Msg("deleted network")
	return nil
}

func (p *Provisioner) destroyLogGroup(ctx context.Context) error {
	_, err := p.logs.DeleteLogGroup(ctx, &cloudwatchlogs.DeleteLogGroupInput{
		LogGroupName: aws.String(p.cfg.Cluster.LogGroup),
	})
	if err != nil {
		// Already gone is fine.
		p.logger.Debug().Err(err).Str("log_group", p.cfg.Cluster.LogGroup).Msg("delete log group")
	}
	return nil
}

func (p *Provisioner) retryDelete(ctx context.Context, what string, fn func() error) error {
	deadline := time.Now().Add(2 * time.Minute)
	for {
		err := fn()
		if err == nil {
			return nil
		}
		if !isDependencyViolation(err) || time.Now().After(deadline) {
			return fmt.Errorf("delete %s: %w", what, err)
		}
		p.logger.Debug().Err(err).Str("resource", what).Msg("delete pending, retrying")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(p.pollInterval()):
		}
	}
}
