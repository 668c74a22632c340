package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/pkg/archive"
)

// buildImage tars the build context and builds the image through the Docker
// daemon, tagged with the full registry reference.
func (p *Pipeline) buildImage(ctx context.Context, imageRef string) error {
	buildCtx, err := archive.TarWithOptions(p.cfg.Registry.Context, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("tar build context %s: %w", p.cfg.Registry.Context, err)
	}
	defer buildCtx.Close()

	resp, err := p.docker.ImageBuild(ctx, buildCtx, types.ImageBuildOptions{
		Tags:       []string{imageRef},
		Dockerfile: p.cfg.Registry.Dockerfile,
		Remove:     true,
	})
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	return p.drainStream(resp.Body, "build")
}

// pushImage pushes the tagged image with the given registry auth header.
func (p *Pipeline) pushImage(ctx context.Context, imageRef, auth string) error {
	rc, err := p.docker.ImagePush(ctx, imageRef, image.PushOptions{RegistryAuth: auth})
	if err != nil {
		return err
	}
	defer rc.Close()

	return p.drainStream(rc, "push")
}

// drainStream consumes a Docker JSON progress stream and surfaces the first
// reported error. The daemon reports build/push failures inside the stream,
// not through the HTTP status.
func (p *Pipeline) drainStream(r io.Reader, op string) error {
	dec := json.NewDecoder(r)
	for {
		var msg struct {
			Stream      string `json:"stream"`
			Status      string `json:"status"`
			Error       string `json:"error"`
			ErrorDetail struct {
				Message string `json:"message"`
			} `json:"errorDetail"`
		}
		if err := dec.Decode(&msg); err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read %s output: %w", op, err)
		}
		if msg.Error != "" {
			detail := msg.ErrorDetail.Message
			if detail == "" {
				detail = msg.Error
			}
			return fmt.Errorf("%s failed: %s", op, detail)
		}
		if line := strings.TrimSpace(msg.Stream); line != "" {
			p.logger.Debug().Str("op", op).Msg(line)
		}
	}
}
