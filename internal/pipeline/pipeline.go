package pipeline

import (
	"context"
	"fmt"
	"io"

	"github.com/aws/aws-sdk-go-v2/service/ecr"
	"github.com/aws/aws-sdk-go-v2/service/sts"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/rs/zerolog"

	"github.com/skiffhq/skiff/internal/config"
)

// DockerAPI is the subset of the Docker client the pipeline uses.
type DockerAPI interface {
	ImageBuild(ctx context.Context, buildContext io.Reader, options types.ImageBuildOptions) (types.ImageBuildResponse, error)
	ImagePush(ctx context.Context, ref string, options image.PushOptions) (io.ReadCloser, error)
}

// ECRAPI is the subset of the ECR client the pipeline uses.
type ECRAPI interface {
	GetAuthorizationToken(ctx context.Context, params *ecr.GetAuthorizationTokenInput, optFns ...func(*ecr.Options)) (*ecr.GetAuthorizationTokenOutput, error)
	DescribeRepositories(ctx context.Context, params *ecr.DescribeRepositoriesInput, optFns ...func(*ecr.Options)) (*ecr.DescribeRepositoriesOutput, error)
	CreateRepository(ctx context.Context, params *ecr.CreateRepositoryInput, optFns ...func(*ecr.Options)) (*ecr.CreateRepositoryOutput, error)
}

// STSAPI resolves the caller identity for deriving the default registry.
type STSAPI interface {
	GetCallerIdentity(ctx context.Context, params *sts.GetCallerIdentityInput, optFns ...func(*sts.Options)) (*sts.GetCallerIdentityOutput, error)
}

// Deployer registers task definition revisions and rolls the service
// forward. Satisfied by *provision.Provisioner.
type Deployer interface {
	RegisterTaskDefinition(ctx context.Context, image string) (string, int32, error)
	RollForward(ctx context.Context, taskDefARN string) error
}

// Pipeline is the build-and-deploy sequence: build image, push it, register
// a new task definition revision, update the service, wait for stability.
// Every step is a hard gate; the first failure halts the run. There is no
// rollback — a failed rollout leaves the previous revision serving.
type Pipeline struct {
	cfg      config.Config
	docker   DockerAPI
	ecr      ECRAPI
	sts      STSAPI
	deployer Deployer
	logger   zerolog.Logger
}

// New creates a Pipeline.
func New(cfg config.Config, docker DockerAPI, ecrClient ECRAPI, stsClient STSAPI, deployer Deployer, logger zerolog.Logger) *Pipeline {
	return &Pipeline{
		cfg:      cfg,
		docker:   docker,
		ecr:      ecrClient,
		sts:      stsClient,
		deployer: deployer,
		logger:   logger,
	}
}

// Deploy runs the pipeline and returns the task definition ARN the service
// ends up on.
func (p *Pipeline) Deploy(ctx context.Context) (string, error) {
	registry, err := p.resolveRegistry(ctx)
	if err != nil {
		return "", fmt.Errorf("resolve registry: %w", err)
	}
	imageRef := fmt.Sprintf("%s/%s:%s", registry, p.cfg.Registry.Repository, p.cfg.Registry.Tag)
	p.logger.Info().Str("image", imageRef).Msg("starting deploy")

	if err := p.buildImage(ctx, imageRef); err != nil {
		return "", fmt.Errorf("build image: %w", err)
	}

	if isECRRegistry(registry) {
		if err := p.ensureRepository(ctx); err != nil {
			return "", fmt.Errorf("ensure repository: %w", err)
		}
	}

	auth, err := p.registryAuth(ctx, registry)
	if err != nil {
		return "", fmt.Errorf("registry auth: %w", err)
	}

	if err := p.pushImage(ctx, imageRef, auth); err != nil {
		return "", fmt.Errorf("push image: %w", err)
	}

	taskDefARN, revision, err := p.deployer.RegisterTaskDefinition(ctx, imageRef)
	if err != nil {
		return "", fmt.Errorf("register task definition: %w", err)
	}
	p.logger.Info().Int32("revision", revision).Msg("registered new revision")

	if err := p.deployer.RollForward(ctx, taskDefARN); err != nil {
		return "", err
	}

	p.logger.Info().Str("task_definition", taskDefARN).Msg("deploy complete")
	return taskDefARN, nil
}
