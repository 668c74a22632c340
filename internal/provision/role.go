package provision

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/iam"
	iamtypes "github.com/aws/aws-sdk-go-v2/service/iam/types"
)

const (
	ecsTasksPrincipal  = "ecs-tasks.amazonaws.com"
	executionPolicyARN = "arn:aws:iam::aws:policy/service-role/AmazonECSTaskExecutionRolePolicy"
)

const assumeRolePolicy = `{
  "Version": "2012-10-17",
  "Statement": [
    {
      "Effect": "Allow",
      "Principal": {"Service": "ecs-tasks.amazonaws.com"},
      "Action": "sts:AssumeRole"
    }
  ]
}`

// EnsureExecutionRole converges the task execution role and returns its ARN.
// If the role already exists its trust policy must name the ECS tasks
// service as the sole principal; anything else fails rather than silently
// widening trust.
func (p *Provisioner) EnsureExecutionRole(ctx context.Context) (string, error) {
	name := p.cfg.Task.ExecutionRole

	existing, err := p.iam.GetRole(ctx, &iam.GetRoleInput{RoleName: aws.String(name)})
	if err == nil {
		if err := checkTrustPolicy(name, aws.ToString(existing.Role.AssumeRolePolicyDocument)); err != nil {
			return "", err
		}
		p.logger.Debug().Str("role", name).Msg("execution role already exists")
		return aws.ToString(existing.Role.Arn), nil
	}
	var notFound *iamtypes.NoSuchEntityException
	if !errors.As(err, &notFound) {
		return "", fmt.Errorf("get role %s: %w", name, err)
	}

	created, err := p.iam.CreateRole(ctx, &iam.CreateRoleInput{
		RoleName:                 aws.String(name),
		AssumeRolePolicyDocument: aws.String(assumeRolePolicy),
		Tags: []iamtypes.Tag{
			{Key: aws.String(managedTagKey), Value: aws.String("true")},
			{Key: aws.String(projectTagKey), Value: aws.String(p.cfg.Cluster.Name)},
		},
	})
	if err != nil {
		return "", fmt.Errorf("create role %s: %w", name, err)
	}

	_, err = p.iam.AttachRolePolicy(ctx, &iam.AttachRolePolicyInput{
		RoleName:  aws.String(name),
		PolicyArn: aws.String(executionPolicyARN),
	})
	if err != nil {
		return "", fmt.Errorf("attach execution policy to %s: %w", name, err)
	}

	arn := aws.ToString(created.Role.Arn)
	p.logger.Info().Str("role", name).Msg("created execution role")
	return arn, nil
}

// checkTrustPolicy verifies every statement in the (URL-encoded) trust
// policy document allows sts:AssumeRole for the ECS tasks principal and
// nothing else.
func checkTrustPolicy(roleName, encoded string) error {
	decoded, err := url.QueryUnescape(encoded)
	if err != nil {
		return fmt.Errorf("decode trust policy of %s: %w", roleName, err)
	}

	var doc struct {
		Statement []struct {
			Effect    string `json:"Effect"`
			Principal struct {
				Service json.RawMessage `json:"Service"`
			} `json:"Principal"`
		} `json:"Statement"`
	}
	if err := json.Unmarshal([]byte(decoded), &doc); err != nil {
		return fmt.Errorf("parse trust policy of %s: %w", roleName, err)
	}
	if len(doc.Statement) == 0 {
		return &TrustPolicyError{RoleName: roleName, Principal: ""}
	}

	for _, stmt := range doc.Statement {
		if stmt.Effect != "Allow" {
			return &TrustPolicyError{RoleName: roleName, Principal: ""}
		}
		for _, svc := range decodeServicePrincipal(stmt.Principal.Service) {
			if svc != ecsTasksPrincipal {
				return &TrustPolicyError{RoleName: roleName, Principal: svc}
			}
		}
		if len(decodeServicePrincipal(stmt.Principal.Service)) == 0 {
			return &TrustPolicyError{RoleName: roleName, Principal: ""}
		}
	}
	return nil
}

// decodeServicePrincipal handles both the string and list forms IAM uses.
func decodeServicePrincipal(raw json.RawMessage) []string {
	if len(raw) == 0 {
		return nil
	}
	var single string
	if err := json.Unmarshal(raw, &single); err == nil {
		return []string{single}
	}
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return list
	}
	return nil
}
