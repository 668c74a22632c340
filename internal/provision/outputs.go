package provision

import (
	"context"
	"errors"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
)

// LookupOutputs resolves the provisioned resource identifiers without
// creating anything. Fails if the stack has not been provisioned.
func (p *Provisioner) LookupOutputs(ctx context.Context) (Outputs, error) {
	net, err := p.lookupNetwork(ctx)
	if err != nil {
		return Outputs{}, err
	}

	clusters, err := p.ecs.DescribeClusters(ctx, &ecs.DescribeClustersInput{
		Clusters: []string{p.cfg.Cluster.Name},
	})
	if err != nil {
		return Outputs{}, fmt.Errorf("describe cluster: %w", err)
	}
	clusterARN := ""
	for _, c := range clusters.Clusters {
		if aws.ToString(c.Status) == "ACTIVE" {
			clusterARN = aws.ToString(c.ClusterArn)
		}
	}
	if clusterARN == "" {
		return Outputs{}, fmt.Errorf("cluster %s not found; run `skiff up` first", p.cfg.Cluster.Name)
	}

	out := Outputs{
		VPCID:           net.VPCID,
		SubnetID:        net.SubnetID,
		SecurityGroupID: net.SecurityGroupID,
		ClusterARN:      clusterARN,
		ServiceName:     p.cfg.Service.Name,
	}

	role, err := p.iam.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(p.cfg.Task.ExecutionRole)})
	if err != nil {
		var notFound *iamtypes.NoSuchEntityException
		if !errors.As(err, &notFound) {
			return Outputs{}, fmt.Errorf("get role: %w", err)
		}
	} else {
		out.RoleARN = aws.ToString(role.Role.Arn)
	}

	if svc, err := p.describeService(ctx); err == nil && svc != nil {
		out.TaskDefinition = aws.ToString(svc.TaskDefinition)
	}

	return out, nil
}
