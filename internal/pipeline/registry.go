package pipeline

import (
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/docker/docker/api/types/registry"
)

// resolveRegistry returns the configured registry host, or derives the
// account's ECR registry from the caller identity when none is configured.
// Account and registry identifiers are never hard-coded.
func (p *Pipeline) resolveRegistry(ctx context.Context) (string, error) {
	if p.cfg.Registry.URL != "" {
		return strings.TrimSuffix(p.cfg.Registry.URL, "/"), nil
	}

	identity, err := p.sts.GetCallerIdentity(ctx, &sts.GetCallerIdentityInput{})
	if err != nil {
		return "", fmt.Errorf("get caller identity: %w", err)
	}
	return fmt.Sprintf("%s.dkr.ecr.%s.amazonaws.com", aws.ToString(identity.Account), p.cfg.Region), nil
}

func isECRRegistry(host string) bool {
	return strings.HasSuffix(host, ".amazonaws.com")
}

// ensureRepository converges the ECR repository the push targets.
func (p *Pipeline) ensureRepository(ctx context.Context) error {
	name := p.cfg.Registry.Repository

	_, err := p.ecr.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{
		RepositoryNames: []string{name},
	})
	if err == nil {
		return nil
	}
	var notFound *ecrtypes.RepositoryNotFoundException
	if !errors.As(err, &notFound) {
		return fmt.Errorf("describe repository %s: %w", name, err)
	}

	_, err = p.ecr.CreateRepository(ctx, &ecr.CreateRepositoryInput{
		RepositoryName: aws.String(name),
	})
	if err != nil {
		return fmt.Errorf("create repository %s: %w", name, err)
	}
	p.logger.Info().Str("repository", name).Msg("created ECR repository")
	return nil
}

// registryAuth builds the X-Registry-Auth header value for the push. ECR
// registries authenticate via GetAuthorizationToken (a base64-encoded
// "user:password" pair); other registries use credentials from the
// environment.
func (p *Pipeline) registryAuth(ctx context.Context, host string) (string, error) {
	if isECRRegistry(host) {
		user, pass, err := p.ecrCredentials(ctx)
		if err != nil {
			return "", err
		}
		return encodeAuth(registry.AuthConfig{
			Username:      user,
			Password:      pass,
			ServerAddress: host,
		})
	}

	user := os.Getenv("SKIFF_REGISTRY_USERNAME")
	pass := os.Getenv("SKIFF_REGISTRY_PASSWORD")
	if user == "" || pass == "" {
		return "", fmt.Errorf("SKIFF_REGISTRY_USERNAME and SKIFF_REGISTRY_PASSWORD are required for registry %s", host)
	}
	return encodeAuth(registry.AuthConfig{
		Username:      user,
		Password:      pass,
		ServerAddress: host,
	})
}

func (p *Pipeline) ecrCredentials(ctx context.Context) (string, string, error) {
	result, err := p.ecr.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return "", "", fmt.Errorf("ECR auth failed: %w", err)
	}
	if len(result.AuthorizationData) == 0 {
		return "", "", fmt.Errorf("no authorization data returned")
	}

	decoded, err := base64.StdEncoding.DecodeString(aws.ToString(result.AuthorizationData[0].AuthorizationToken))
	if err != nil {
		return "", "", fmt.Errorf("decode ECR token: %w", err)
	}
	user, pass, ok := strings.Cut(string(decoded), ":")
	if !ok {
		return "", "", fmt.Errorf("malformed ECR token")
	}
	return user, pass, nil
}

func encodeAuth(auth registry.AuthConfig) (string, error) {
	encoded, err := registry.EncodeAuthConfig(auth)
	if err != nil {
		return "", fmt.Errorf("encode registry auth: %w", err)
	}
	return encoded, nil
}
