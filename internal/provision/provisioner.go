package provision

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/skiffhq/skiff/internal/config"
)

const (
	managedTagKey = "skiff-managed"
	projectTagKey = "skiff-project"
)

// Outputs are the read-only projections exposed after provisioning.
type Outputs struct {
	VPCID           string `json:"vpc_id"`
	SubnetID        string `json:"subnet_id"`
	SecurityGroupID string `json:"security_group_id"`
	ClusterARN      string `json:"cluster_arn"`
	RoleARN         string `json:"execution_role_arn"`
	ServiceName     string `json:"service_name"`
	TaskDefinition  string `json:"task_definition"`
}

// Provisioner converges the skiff infrastructure set: network, cluster,
// execution role, task definition, and service, in that order. Every
// operation looks resources up by stable key before creating, so re-running
// with unchanged inputs creates nothing.
type Provisioner struct {
	cfg    config.Config
	ec2    EC2API
	ecs    ECSAPI
	iam    IAMAPI
	logs   LogsAPI
	logger zerolog.Logger

	// pollEvery overrides the poll interval when non-zero.
	pollEvery time.Duration
}

// New creates a Provisioner over the given AWS clients.
func New(cfg config.Config, clients *AWSClients, logger zerolog.Logger) *Provisioner {
	return &Provisioner{
		cfg:    cfg,
		ec2:    clients.EC2,
		ecs:    clients.ECS,
		iam:    clients.IAM,
		logs:   clients.Logs,
		logger: logger,
	}
}

// Up provisions the full stack and blocks until the service reports stable.
// Dependency order is fixed: subnet needs the VPC, the security group needs
// the VPC, the task definition needs the role and log group, the service
// needs all of them. Without a configured task image only the
// infrastructure half runs; `skiff deploy` builds the image and starts the
// service afterwards.
func (p *Provisioner) Up(ctx context.Context) (Outputs, error) {
	net, err := p.EnsureNetwork(ctx)
	if err != nil {
		return Outputs{}, err
	}

	if err := p.EnsureLogGroup(ctx); err != nil {
		return Outputs{}, err
	}

	clusterARN, err := p.EnsureCluster(ctx)
	if err != nil {
		return Outputs{}, err
	}

	roleARN, err := p.EnsureExecutionRole(ctx)
	if err != nil {
		return Outputs{}, err
	}

	out := Outputs{
		VPCID:           net.VPCID,
		SubnetID:        net.SubnetID,
		SecurityGroupID: net.SecurityGroupID,
		ClusterARN:      clusterARN,
		RoleARN:         roleARN,
	}

	if p.cfg.Task.Image == "" {
		p.logger.Info().Msg("no task image configured; run `skiff deploy` to build one and start the service")
		return out, nil
	}

	taskDefARN, _, err := p.RegisterTaskDefinition(ctx, p.cfg.Task.Image)
	if err != nil {
		return Outputs{}, err
	}

	if err := p.EnsureService(ctx, net, taskDefARN); err != nil {
		return Outputs{}, err
	}

	if err := p.WaitForStable(ctx, taskDefARN); err != nil {
		return Outputs{}, err
	}

	out.ServiceName = p.cfg.Service.Name
	out.TaskDefinition = taskDefARN
	return out, nil
}

// RollForward registers nothing; it points the service at an already
// registered revision and blocks until the rollout completes. Used by the
// deploy pipeline after it registers the new revision.
func (p *Provisioner) RollForward(ctx context.Context, taskDefARN string) error {
	net, err := p.lookupNetwork(ctx)
	if err != nil {
		return err
	}
	if err := p.EnsureService(ctx, net, taskDefARN); err != nil {
		return err
	}
	return p.WaitForStable(ctx, taskDefARN)
}

// pollInterval is shortened when running against a local simulator.
func (p *Provisioner) pollInterval() time.Duration {
	if p.pollEvery != 0 {
		return p.pollEvery
	}
	if p.cfg.EndpointURL != "" {
		return 500 * time.Millisecond
	}
	return 5 * time.Second
}
