package provision

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ec2"
	ec2types "github.com/aws/aws-sdk-go-v2/service/ec2/types"
)

// NetworkOutputs identifies the provisioned network resources.
type NetworkOutputs struct {
	VPCID           string
	SubnetID        string
	SecurityGroupID string
}

// EnsureNetwork converges VPC, subnet, and security group. The subnet CIDR
// must be contained in the VPC CIDR; that is checked before any API call so
// a bad layout never leaves partial state behind.
func (p *Provisioner) EnsureNetwork(ctx context.Context) (NetworkOutputs, error) {
	vpcCIDR, err := parseCIDR(p.cfg.Network.VPCCIDR)
	if err != nil {
		return NetworkOutputs{}, err
	}
	subnetCIDR, err := parseCIDR(p.cfg.Network.SubnetCIDR)
	if err != nil {
		return NetworkOutputs{}, err
	}
	if !cidrContains(vpcCIDR, subnetCIDR) {
		return NetworkOutputs{}, fmt.Errorf("subnet CIDR %s is not contained in VPC CIDR %s", subnetCIDR, vpcCIDR)
	}

	vpcID, err := p.ensureVPC(ctx)
	if err != nil {
		return NetworkOutputs{}, err
	}

	subnetID, err := p.ensureSubnet(ctx, vpcID)
	if err != nil {
		return NetworkOutputs{}, err
	}

	sgID, err := p.ensureSecurityGroup(ctx, vpcID)
	if err != nil {
		return NetworkOutputs{}, err
	}

	return NetworkOutputs{VPCID: vpcID, SubnetID: subnetID, SecurityGroupID: sgID}, nil
}

// lookupNetwork resolves already provisioned network resources without
// creating anything. Used by the deploy path, which must not provision.
func (p *Provisioner) lookupNetwork(ctx context.Context) (NetworkOutputs, error) {
	vpc, err := p.findManagedVPC(ctx)
	if err != nil {
		return NetworkOutputs{}, err
	}
	if vpc == nil {
		return NetworkOutputs{}, fmt.Errorf("no managed VPC found for project %s; run `skiff up` first", p.cfg.Cluster.Name)
	}
	vpcID := aws.ToString(vpc.VpcId)

	subnet, err := p.findManagedSubnet(ctx, vpcID)
	if err != nil {
		return NetworkOutputs{}, err
	}
	if subnet == nil {
		return NetworkOutputs{}, fmt.Errorf("no managed subnet found in %s; run `skiff up` first", vpcID)
	}

	sg, err := p.findSecurityGroup(ctx, vpcID)
	if err != nil {
		return NetworkOutputs{}, err
	}
	if sg == nil {
		return NetworkOutputs{}, fmt.Errorf("no managed security group found in %s; run `skiff up` first", vpcID)
	}

	return NetworkOutputs{
		VPCID:           vpcID,
		SubnetID:        aws.ToString(subnet.SubnetId),
		SecurityGroupID: aws.ToString(sg.GroupId),
	}, nil
}

func (p *Provisioner) findManagedVPC(ctx context.Context) (*ec2types.Vpc, error) {
	result, err := p.ec2.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("tag:" + managedTagKey), Values: []string{"true"}},
			{Name: aws.String("tag:" + projectTagKey), Values: []string{p.cfg.Cluster.Name}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("describe VPCs: %w", err)
	}
	if len(result.Vpcs) == 0 {
		return nil, nil
	}
	return &result.Vpcs[0], nil
}

func (p *Provisioner) ensureVPC(ctx context.Context) (string, error) {
	requested, _ := parseCIDR(p.cfg.Network.VPCCIDR)

	existing, err := p.findManagedVPC(ctx)
	if err != nil {
		return "", err
	}
	if existing != nil {
		if aws.ToString(existing.CidrBlock) != requested.String() {
			return "", &ConflictError{
				Resource:  "vpc " + aws.ToString(existing.VpcId),
				Requested: requested.String(),
				Existing:  aws.ToString(existing.CidrBlock),
			}
		}
		p.logger.Debug().Str("vpc", aws.ToString(existing.VpcId)).Msg("vpc already exists")
		return aws.ToString(existing.VpcId), nil
	}

	// No managed VPC yet. Fail fast if the requested range overlaps any
	// other VPC in the account before creating anything.
	all, err := p.ec2.DescribeVpcs(ctx, &ec2.DescribeVpcsInput{})
	if err != nil {
		return "", fmt.Errorf("describe VPCs: %w", err)
	}
	for _, vpc := range all.Vpcs {
		cidr, err := parseCIDR(aws.ToString(vpc.CidrBlock))
		if err != nil {
			continue
		}
		if cidrOverlaps(requested, cidr) {
			return "", &ConflictError{
				Resource:  "vpc " + aws.ToString(vpc.VpcId),
				Requested: requested.String(),
				Existing:  cidr.String(),
			}
		}
	}

	created, err := p.ec2.CreateVpc(ctx, &ec2.CreateVpcInput{
		CidrBlock: aws.String(requested.String()),
		TagSpecifications: []ec2types.TagSpecification{
			p.tagSpec(ec2types.ResourceTypeVpc, p.cfg.Cluster.Name+"-vpc"),
		},
	})
	if err != nil {
		return "", fmt.Errorf("create VPC: %w", err)
	}

	vpcID := aws.ToString(created.Vpc.VpcId)
	p.logger.Info().Str("vpc", vpcID).Str("cidr", requested.String()).Msg("created vpc")
	return vpcID, nil
}

func (p *Provisioner) findManagedSubnet(ctx context.Context, vpcID string) (*ec2types.Subnet, error) {
	result, err := p.ec2.DescribeSubnets(ctx, &ec2.DescribeSubnetsInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("vpc-id"), Values: []string{vpcID}},
			{Name: aws.String("tag:" + managedTagKey), Values: []string{"true"}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("describe subnets: %w", err)
	}
	if len(result.Subnets) == 0 {
		return nil, nil
	}
	return &result.Subnets[0], nil
}

func (p *Provisioner) ensureSubnet(ctx context.Context, vpcID string) (string, error) {
	requested, _ := parseCIDR(p.cfg.Network.SubnetCIDR)

	existing, err := p.findManagedSubnet(ctx, vpcID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		if aws.ToString(existing.CidrBlock) != requested.String() {
			return "", &ConflictError{
				Resource:  "subnet " + aws.ToString(existing.SubnetId),
				Requested: requested.String(),
				Existing:  aws.ToString(existing.CidrBlock),
			}
		}
		p.logger.Debug().Str("subnet", aws.ToString(existing.SubnetId)).Msg("subnet already exists")
		return aws.ToString(existing.SubnetId), nil
	}

	created, err := p.ec2.CreateSubnet(ctx, &ec2.CreateSubnetInput{
		VpcId:     aws.String(vpcID),
		CidrBlock: aws.String(requested.String()),
		TagSpecifications: []ec2types.TagSpecification{
			p.tagSpec(ec2types.ResourceTypeSubnet, p.cfg.Cluster.Name+"-subnet"),
		},
	})
	if err != nil {
		return "", fmt.Errorf("create subnet: %w", err)
	}

	subnetID := aws.ToString(created.Subnet.SubnetId)
	p.logger.Info().Str("subnet", subnetID).Str("cidr", requested.String()).Msg("created subnet")
	return subnetID, nil
}

func (p *Provisioner) findSecurityGroup(ctx context.Context, vpcID string) (*ec2types.SecurityGroup, error) {
	result, err := p.ec2.DescribeSecurityGroups(ctx, &ec2.DescribeSecurityGroupsInput{
		Filters: []ec2types.Filter{
			{Name: aws.String("vpc-id"), Values: []string{vpcID}},
			{Name: aws.String("group-name"), Values: []string{p.securityGroupName()}},
		},
	})
	if err != nil {
		return nil, fmt.Errorf("describe security groups: %w", err)
	}
	if len(result.SecurityGroups) == 0 {
		return nil, nil
	}
	return &result.SecurityGroups[0], nil
}

// ensureSecurityGroup converges a group allowing inbound TCP on the
// container port from anywhere. Egress stays at the EC2 default (all
// traffic), which is what the service needs for image pull and logs.
func (p *Provisioner) ensureSecurityGroup(ctx context.Context, vpcID string) (string, error) {
	port := p.cfg.Task.ContainerPort

	existing, err := p.findSecurityGroup(ctx, vpcID)
	if err != nil {
		return "", err
	}
	if existing != nil {
		sgID := aws.ToString(existing.GroupId)
		if !hasIngressRule(existing.IpPermissions, port) {
			if err := p.authorizeIngress(ctx, sgID, port); err != nil {
				return "", err
			}
		}
		p.logger.Debug().Str("sg", sgID).Msg("security group already exists")
		return sgID, nil
	}

	created, err := p.ec2.CreateSecurityGroup(ctx, &ec2.CreateSecurityGroupInput{
		GroupName:   aws.String(p.securityGroupName()),
		Description: aws.String("skiff service ingress"),
		VpcId:       aws.String(vpcID),
		TagSpecifications: []ec2types.TagSpecification{
			p.tagSpec(ec2types.ResourceTypeSecurityGroup, p.securityGroupName()),
		},
	})
	if err != nil {
		return "", fmt.Errorf("create security group: %w", err)
	}

	sgID := aws.ToString(created.GroupId)
	if err := p.authorizeIngress(ctx, sgID, port); err != nil {
		return "", err
	}

	p.logger.Info().Str("sg", sgID).Int32("port", port).Msg("created security group")
	return sgID, nil
}

func (p *Provisioner) authorizeIngress(ctx context.Context, sgID string, port int32) error {
	_, err := p.ec2.AuthorizeSecurityGroupIngress(ctx, &ec2.AuthorizeSecurityGroupIngressInput{
		GroupId: aws.String(sgID),
		IpPermissions: []ec2types.IpPermission{
			{
				IpProtocol: aws.String("tcp"),
				FromPort:   aws.Int32(port),
				ToPort:     aws.Int32(port),
				IpRanges: []ec2types.IpRange{
					{CidrIp: aws.String("0.0.0.0/0"), Description: aws.String("service port")},
				},
			},
		},
	})
	if err != nil {
		return fmt.Errorf("authorize ingress on %s: %w", sgID, err)
	}
	return nil
}

func hasIngressRule(perms []ec2types.IpPermission, port int32) bool {
	for _, perm := range perms {
		if aws.ToString(perm.IpProtocol) != "tcp" {
			continue
		}
		if aws.ToInt32(perm.FromPort) > port || aws.ToInt32(perm.ToPort) < port {
			continue
		}
		for _, r := range perm.IpRanges {
			if aws.ToString(r.CidrIp) == "0.0.0.0/0" {
				return true
			}
		}
	}
	return false
}

func (p *Provisioner) securityGroupName() string {
	return p.cfg.Cluster.Name + "-service"
}

func (p *Provisioner) tagSpec(rt ec2types.ResourceType, name string) ec2types.TagSpecification {
	return ec2types.TagSpecification{
		ResourceType: rt,
		Tags: []ec2types.Tag{
			{Key: aws.String("Name"), Value: aws.String(name)},
			{Key: aws.String(managedTagKey), Value: aws.String("true")},
			{Key: aws.String(projectTagKey), Value: aws.String(p.cfg.Cluster.Name)},
		},
	}
}
