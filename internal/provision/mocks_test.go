package provision

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs"
	cwltypes "github.com/aws/aws-sdk-go-v2/service/cloudwatchlogs/types"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
	"github.com/aws/aws-sdk-go-v2/service/ecs"
	ecstypes "github.com/aws/aws-sdk-go-v2/service/ecs/types"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
	"github.com/rs/zerolog"

	"github.com/skiffhq/skiff/internal/config"
)

// --- fake EC2 ---

type fakeEC2 struct {
	vpcs    []ec2types.Vpc
	subnets []ec2types.Subnet
	groups  []ec2types.SecurityGroup

	createVpcCalls    int
	createSubnetCalls int
	createSGCalls     int
	authorizeCalls    int
	nextID            int
}

func (f *fakeEC2) id(prefix string) string {
	f.nextID++
	return fmt.Sprintf("%s-%08d", prefix, f.nextID)
}

func tagsFromSpecs(specs []ec2types.TagSpecification) []ec2types.Tag {
	var tags []ec2types.Tag
	for _, s := range specs {
		tags = append(tags, s.Tags...)
	}
	return tags
}

func matchTagFilters(filters []ec2types.Filter, tags []ec2types.Tag, attrs map[string]string) bool {
	for _, f := range filters {
		name := aws.ToString(f.Name)
		matched := false
		if key, ok := strings.CutPrefix(name, "tag:"); ok {
			for _, t := range tags {
				if aws.ToString(t.Key) != key {
					continue
				}
				for _, v := range f.Values {
					if aws.ToString(t.Value) == v {
						matched = true
					}
				}
			}
		} else {
			for _, v := range f.Values {
				if attrs[name] == v {
					matched = true
				}
			}
		}
		if !matched {
			return false
		}
	}
	return true
}

func (f *fakeEC2) DescribeVpcs(ctx context.Context, params *ec2.DescribeVpcsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeVpcsOutput, error) {
	var out []ec2types.Vpc
	for _, v := range f.vpcs {
		if matchTagFilters(params.Filters, v.Tags, map[string]string{"vpc-id": aws.ToString(v.VpcId)}) {
			out = append(out, v)
		}
	}
	return &ec2.DescribeVpcsOutput{Vpcs: out}, nil
}

func (f *fakeEC2) CreateVpc(ctx context.Context, params *ec2.CreateVpcInput, optFns ...func(*ec2.Options)) (*ec2.CreateVpcOutput, error) {
	f.createVpcCalls++
	vpc := ec2types.Vpc{
		VpcId:     aws.String(f.id("vpc")),
		CidrBlock: params.CidrBlock,
		Tags:      tagsFromSpecs(params.TagSpecifications),
	}
	f.vpcs = append(f.vpcs, vpc)
	return &ec2.CreateVpcOutput{Vpc: &vpc}, nil
}

func (f *fakeEC2) DeleteVpc(ctx context.Context, params *ec2.DeleteVpcInput, optFns ...func(*ec2.Options)) (*ec2.DeleteVpcOutput, error) {
	for i, v := range f.vpcs {
		if aws.ToString(v.VpcId) == aws.ToString(params.VpcId) {
			f.vpcs = append(f.vpcs[:i], f.vpcs[i+1:]...)
			return &ec2.DeleteVpcOutput{}, nil
		}
	}
	return nil, fmt.Errorf("vpc %s not found", aws.ToString(params.VpcId))
}

func (f *fakeEC2) DescribeSubnets(ctx context.Context, params *ec2.DescribeSubnetsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSubnetsOutput, error) {
	var out []ec2types.Subnet
	for _, s := range f.subnets {
		if matchTagFilters(params.Filters, s.Tags, map[string]string{"vpc-id": aws.ToString(s.VpcId)}) {
			out = append(out, s)
		}
	}
	return &ec2.DescribeSubnetsOutput{Subnets: out}, nil
}

func (f *fakeEC2) CreateSubnet(ctx context.Context, params *ec2.CreateSubnetInput, optFns ...func(*ec2.Options)) (*ec2.CreateSubnetOutput, error) {
	f.createSubnetCalls++
	subnet := ec2types.Subnet{
		SubnetId:  aws.String(f.id("subnet")),
		VpcId:     params.VpcId,
		CidrBlock: params.CidrBlock,
		Tags:      tagsFromSpecs(params.TagSpecifications),
	}
	f.subnets = append(f.subnets, subnet)
	return &ec2.CreateSubnetOutput{Subnet: &subnet}, nil
}

func (f *fakeEC2) DeleteSubnet(ctx context.Context, params *ec2.DeleteSubnetInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSubnetOutput, error) {
	for i, s := range f.subnets {
		if aws.ToString(s.SubnetId) == aws.ToString(params.SubnetId) {
			f.subnets = append(f.subnets[:i], f.subnets[i+1:]...)
			return &ec2.DeleteSubnetOutput{}, nil
		}
	}
	return nil, fmt.Errorf("subnet %s not found", aws.ToString(params.SubnetId))
}

func (f *fakeEC2) DescribeSecurityGroups(ctx context.Context, params *ec2.DescribeSecurityGroupsInput, optFns ...func(*ec2.Options)) (*ec2.DescribeSecurityGroupsOutput, error) {
	var out []ec2types.SecurityGroup
	for _, g := range f.groups {
		attrs := map[string]string{
			"vpc-id":     aws.ToString(g.VpcId),
			"group-name": aws.ToString(g.GroupName),
		}
		if matchTagFilters(params.Filters, g.Tags, attrs) {
			out = append(out, g)
		}
	}
	return &ec2.DescribeSecurityGroupsOutput{SecurityGroups: out}, nil
}

func (f *fakeEC2) CreateSecurityGroup(ctx context.Context, params *ec2.CreateSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.CreateSecurityGroupOutput, error) {
	f.createSGCalls++
	group := ec2types.SecurityGroup{
		GroupId:   aws.String(f.id("sg")),
		GroupName: params.GroupName,
		VpcId:     params.VpcId,
		Tags:      tagsFromSpecs(params.TagSpecifications),
	}
	f.groups = append(f.groups, group)
	return &ec2.CreateSecurityGroupOutput{GroupId: group.GroupId}, nil
}

func (f *fakeEC2) DeleteSecurityGroup(ctx context.Context, params *ec2.DeleteSecurityGroupInput, optFns ...func(*ec2.Options)) (*ec2.DeleteSecurityGroupOutput, error) {
	for i, g := range f.groups {
		if aws.ToString(g.GroupId) == aws.ToString(params.GroupId) {
			f.groups = append(f.groups[:i], f.groups[i+1:]...)
			return &ec2.DeleteSecurityGroupOutput{}, nil
		}
	}
	return nil, fmt.Errorf("security group %s not found", aws.ToString(params.GroupId))
}

func (f *fakeEC2) AuthorizeSecurityGroupIngress(ctx context.Context, params *ec2.AuthorizeSecurityGroupIngressInput, optFns ...func(*ec2.Options)) (*ec2.AuthorizeSecurityGroupIngressOutput, error) {
	f.authorizeCalls++
	for i, g := range f.groups {
		if aws.ToString(g.GroupId) == aws.ToString(params.GroupId) {
			f.groups[i].IpPermissions = append(f.groups[i].IpPermissions, params.IpPermissions...)
			return &ec2.AuthorizeSecurityGroupIngressOutput{}, nil
		}
	}
	return nil, fmt.Errorf("security group %s not found", aws.ToString(params.GroupId))
}

// --- fake ECS ---

type fakeECS struct {
	clusters map[string]string // name -> status

	family        string
	revisions     int
	taskDefInputs []*ecs.RegisterTaskDefinitionInput

	service        *ecstypes.Service
	runningTaskDef string // revision the running tasks are actually on

	// stabilizeAfter is the number of DescribeServices calls before a
	// pending rollout reports complete. failRollout makes it report FAILED
	// instead.
	stabilizeAfter int
	failRollout    bool

	registerCalls      int
	createClusterCalls int
	createServiceCalls int
	updateServiceCalls int
	describeCalls      int
}

func newFakeECS(family string) *fakeECS {
	return &fakeECS{clusters: make(map[string]string), family: family, stabilizeAfter: 1}
}

func (f *fakeECS) taskDefARN(revision int) string {
	return fmt.Sprintf("arn:aws:ecs:us-east-1:000000000000:task-definition/%s:%d", f.family, revision)
}

func (f *fakeECS) DescribeClusters(ctx context.Context, params *ecs.DescribeClustersInput, optFns ...func(*ecs.Options)) (*ecs.DescribeClustersOutput, error) {
	var out []ecstypes.Cluster
	for _, name := range params.Clusters {
		if status, ok := f.clusters[name]; ok {
			out = append(out, ecstypes.Cluster{
				ClusterName: aws.String(name),
				ClusterArn:  aws.String("arn:aws:ecs:us-east-1:000000000000:cluster/" + name),
				Status:      aws.String(status),
			})
		}
	}
	return &ecs.DescribeClustersOutput{Clusters: out}, nil
}

func (f *fakeECS) CreateCluster(ctx context.Context, params *ecs.CreateClusterInput, optFns ...func(*ecs.Options)) (*ecs.CreateClusterOutput, error) {
	f.createClusterCalls++
	name := aws.ToString(params.ClusterName)
	f.clusters[name] = "ACTIVE"
	return &ecs.CreateClusterOutput{Cluster: &ecstypes.Cluster{
		ClusterName: params.ClusterName,
		ClusterArn:  aws.String("arn:aws:ecs:us-east-1:000000000000:cluster/" + name),
		Status:      aws.String("ACTIVE"),
	}}, nil
}

func (f *fakeECS) DeleteCluster(ctx context.Context, params *ecs.DeleteClusterInput, optFns ...func(*ecs.Options)) (*ecs.DeleteClusterOutput, error) {
	delete(f.clusters, aws.ToString(params.Cluster))
	return &ecs.DeleteClusterOutput{}, nil
}

func (f *fakeECS) RegisterTaskDefinition(ctx context.Context, params *ecs.RegisterTaskDefinitionInput, optFns ...func(*ecs.Options)) (*ecs.RegisterTaskDefinitionOutput, error) {
	f.registerCalls++
	f.revisions++
	f.taskDefInputs = append(f.taskDefInputs, params)
	return &ecs.RegisterTaskDefinitionOutput{TaskDefinition: &ecstypes.TaskDefinition{
		TaskDefinitionArn: aws.String(f.taskDefARN(f.revisions)),
		Family:            params.Family,
		Revision:          int32(f.revisions),
	}}, nil
}

func (f *fakeECS) DescribeTaskDefinition(ctx context.Context, params *ecs.DescribeTaskDefinitionInput, optFns ...func(*ecs.Options)) (*ecs.DescribeTaskDefinitionOutput, error) {
	if f.revisions == 0 {
		return nil, &ecstypes.ClientException{Message: aws.String("Unable to describe task definition.")}
	}
	in := f.taskDefInputs[f.revisions-1]
	return &ecs.DescribeTaskDefinitionOutput{TaskDefinition: &ecstypes.TaskDefinition{
		TaskDefinitionArn:    aws.String(f.taskDefARN(f.revisions)),
		Family:               in.Family,
		Revision:             int32(f.revisions),
		Cpu:                  in.Cpu,
		Memory:               in.Memory,
		ExecutionRoleArn:     in.ExecutionRoleArn,
		ContainerDefinitions: in.ContainerDefinitions,
	}}, nil
}

func (f *fakeECS) CreateService(ctx context.Context, params *ecs.CreateServiceInput, optFns ...func(*ecs.Options)) (*ecs.CreateServiceOutput, error) {
	f.createServiceCalls++
	f.describeCalls = 0
	f.service = &ecstypes.Service{
		ServiceName:    params.ServiceName,
		Status:         aws.String("ACTIVE"),
		TaskDefinition: params.TaskDefinition,
		DesiredCount:   aws.ToInt32(params.DesiredCount),
	}
	return &ecs.CreateServiceOutput{Service: f.service}, nil
}

func (f *fakeECS) UpdateService(ctx context.Context, params *ecs.UpdateServiceInput, optFns ...func(*ecs.Options)) (*ecs.UpdateServiceOutput, error) {
	f.updateServiceCalls++
	if f.service == nil {
		return nil, fmt.Errorf("service %s not found", aws.ToString(params.Service))
	}
	f.describeCalls = 0
	if params.TaskDefinition != nil {
		f.service.TaskDefinition = params.TaskDefinition
	}
	if params.DesiredCount != nil {
		f.service.DesiredCount = aws.ToInt32(params.DesiredCount)
	}
	return &ecs.UpdateServiceOutput{Service: f.service}, nil
}

func (f *fakeECS) DeleteService(ctx context.Context, params *ecs.DeleteServiceInput, optFns ...func(*ecs.Options)) (*ecs.DeleteServiceOutput, error) {
	f.service = nil
	return &ecs.DeleteServiceOutput{}, nil
}

// DescribeServices simulates the rollout: before stabilizeAfter calls the
// primary deployment is in progress with zero running tasks; after that it
// either completes (running tasks flip to the target revision) or fails
// (running tasks stay on the previous revision).
func (f *fakeECS) DescribeServices(ctx context.Context, params *ecs.DescribeServicesInput, optFns ...func(*ecs.Options)) (*ecs.DescribeServicesOutput, error) {
	if f.service == nil {
		return &ecs.DescribeServicesOutput{}, nil
	}
	f.describeCalls++

	target := aws.ToString(f.service.TaskDefinition)
	svc := *f.service

	switch {
	case f.runningTaskDef == target:
		svc.RunningCount = svc.DesiredCount
		svc.Deployments = []ecstypes.Deployment{{
			Status:         aws.String("PRIMARY"),
			TaskDefinition: aws.String(target),
			RunningCount:   svc.DesiredCount,
			DesiredCount:   svc.DesiredCount,
			RolloutState:   ecstypes.DeploymentRolloutStateCompleted,
		}}
	case f.describeCalls <= f.stabilizeAfter:
		svc.Deployments = []ecstypes.Deployment{
			{
				Status:         aws.String("PRIMARY"),
				TaskDefinition: aws.String(target),
				RunningCount:   0,
				DesiredCount:   svc.DesiredCount,
				RolloutState:   ecstypes.DeploymentRolloutStateInProgress,
			},
			{
				Status:         aws.String("ACTIVE"),
				TaskDefinition: aws.String(f.runningTaskDef),
				RunningCount:   svc.DesiredCount,
				DesiredCount:   svc.DesiredCount,
			},
		}
	case f.failRollout:
		svc.Deployments = []ecstypes.Deployment{
			{
				Status:             aws.String("PRIMARY"),
				TaskDefinition:     aws.String(target),
				RunningCount:       0,
				DesiredCount:       svc.DesiredCount,
				RolloutState:       ecstypes.DeploymentRolloutStateFailed,
				RolloutStateReason: aws.String("tasks failed to reach a steady state"),
			},
			{
				Status:         aws.String("ACTIVE"),
				TaskDefinition: aws.String(f.runningTaskDef),
				RunningCount:   svc.DesiredCount,
				DesiredCount:   svc.DesiredCount,
			},
		}
	default:
		f.runningTaskDef = target
		svc.RunningCount = svc.DesiredCount
		svc.Deployments = []ecstypes.Deployment{{
			Status:         aws.String("PRIMARY"),
			TaskDefinition: aws.String(target),
			RunningCount:   svc.DesiredCount,
			DesiredCount:   svc.DesiredCount,
			RolloutState:   ecstypes.DeploymentRolloutStateCompleted,
		}}
	}

	return &ecs.DescribeServicesOutput{Services: []ecstypes.Service{svc}}, nil
}

// --- fake IAM ---

type fakeIAM struct {
	roles    map[string]*iamtypes.Role
	attached map[string][]string

	createCalls int
	attachCalls int
}

func newFakeIAM() *fakeIAM {
	return &fakeIAM{roles: make(map[string]*iamtypes.Role), attached: make(map[string][]string)}
}

func (f *fakeIAM) GetRole(ctx context.Context, params *iam.GetRoleInput, optFns ...func(*iam.Options)) (*iam.GetRoleOutput, error) {
	role, ok := f.roles[aws.ToString(params.RoleName)]
	if !ok {
		return nil, &iamtypes.NoSuchEntityException{Message: aws.String("role not found")}
	}
	return &iam.GetRoleOutput{Role: role}, nil
}

func (f *fakeIAM) CreateRole(ctx context.Context, params *iam.CreateRoleInput, optFns ...func(*iam.Options)) (*iam.CreateRoleOutput, error) {
	f.createCalls++
	name := aws.ToString(params.RoleName)
	role := &iamtypes.Role{
		RoleName:                 params.RoleName,
		Arn:                      aws.String("arn:aws:iam::000000000000:role/" + name),
		AssumeRolePolicyDocument: aws.String(url.QueryEscape(aws.ToString(params.AssumeRolePolicyDocument))),
	}
	f.roles[name] = role
	return &iam.CreateRoleOutput{Role: role}, nil
}

func (f *fakeIAM) DeleteRole(ctx context.Context, params *iam.DeleteRoleInput, optFns ...func(*iam.Options)) (*iam.DeleteRoleOutput, error) {
	delete(f.roles, aws.ToString(params.RoleName))
	return &iam.DeleteRoleOutput{}, nil
}

func (f *fakeIAM) AttachRolePolicy(ctx context.Context, params *iam.AttachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.AttachRolePolicyOutput, error) {
	f.attachCalls++
	name := aws.ToString(params.RoleName)
	f.attached[name] = append(f.attached[name], aws.ToString(params.PolicyArn))
	return &iam.AttachRolePolicyOutput{}, nil
}

func (f *fakeIAM) DetachRolePolicy(ctx context.Context, params *iam.DetachRolePolicyInput, optFns ...func(*iam.Options)) (*iam.DetachRolePolicyOutput, error) {
	delete(f.attached, aws.ToString(params.RoleName))
	return &iam.DetachRolePolicyOutput{}, nil
}

// --- fake CloudWatch Logs ---

type fakeLogs struct {
	groups      map[string]bool
	createCalls int
}

func newFakeLogs() *fakeLogs {
	return &fakeLogs{groups: make(map[string]bool)}
}

func (f *fakeLogs) DescribeLogGroups(ctx context.Context, params *cloudwatchlogs.DescribeLogGroupsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.DescribeLogGroupsOutput, error) {
	prefix := aws.ToString(params.LogGroupNamePrefix)
	var out []cwltypes.LogGroup
	for name := range f.groups {
		if strings.HasPrefix(name, prefix) {
			out = append(out, cwltypes.LogGroup{LogGroupName: aws.String(name)})
		}
	}
	return &cloudwatchlogs.DescribeLogGroupsOutput{LogGroups: out}, nil
}

func (f *fakeLogs) CreateLogGroup(ctx context.Context, params *cloudwatchlogs.CreateLogGroupInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.CreateLogGroupOutput, error) {
	f.createCalls++
	f.groups[aws.ToString(params.LogGroupName)] = true
	return &cloudwatchlogs.CreateLogGroupOutput{}, nil
}

func (f *fakeLogs) DeleteLogGroup(ctx context.Context, params *cloudwatchlogs.DeleteLogGroupInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.DeleteLogGroupOutput, error) {
	delete(f.groups, aws.ToString(params.LogGroupName))
	return &cloudwatchlogs.DeleteLogGroupOutput{}, nil
}

func (f *fakeLogs) DescribeLogStreams(ctx context.Context, params *cloudwatchlogs.DescribeLogStreamsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.DescribeLogStreamsOutput, error) {
	return &cloudwatchlogs.DescribeLogStreamsOutput{}, nil
}

func (f *fakeLogs) GetLogEvents(ctx context.Context, params *cloudwatchlogs.GetLogEventsInput, optFns ...func(*cloudwatchlogs.Options)) (*cloudwatchlogs.GetLogEventsOutput, error) {
	return &cloudwatchlogs.GetLogEventsOutput{}, nil
}

// --- harness ---

type fakes struct {
	ec2  *fakeEC2
	ecs  *fakeECS
	iam  *fakeIAM
	logs *fakeLogs
}

func testConfig() config.Config {
	return config.Config{
		Region: "us-east-1",
		Network: config.Network{
			VPCCIDR:    "10.0.0.0/16",
			SubnetCIDR: "10.0.1.0/24",
		},
		Cluster: config.Cluster{
			Name:     "skiff-test",
			LogGroup: "/skiff/test",
		},
		Task: config.Task{
			Family:        "skiff-test-app",
			CPU:           "256",
			Memory:        "512",
			Image:         "example.com/app:v1",
			ContainerPort: 3000,
			ExecutionRole: "skiff-test-execution",
		},
		Service: config.Service{
			Name:           "skiff-test-app",
			DesiredCount:   1,
			AssignPublicIP: true,
			StableTimeout:  config.Duration(250 * time.Millisecond),
		},
	}
}

func newTestProvisioner(cfg config.Config) (*Provisioner, *fakes) {
	f := &fakes{
		ec2:  &fakeEC2{},
		ecs:  newFakeECS(cfg.Task.Family),
		iam:  newFakeIAM(),
		logs: newFakeLogs(),
	}
	p := &Provisioner{
		cfg:       cfg,
		ec2:       f.ec2,
		ecs:       f.ecs,
		iam:       f.iam,
		logs:      f.logs,
		logger:    zerolog.Nop(),
		pollEvery: time.Millisecond,
	}
	return p, f
}
