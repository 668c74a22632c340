package config

import (
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Duration wraps time.Duration so it can be written as "10m" in TOML.
type Duration time.Duration

func (d *Duration) UnmarshalText(text []byte) error {
	v, err := time.ParseDuration(string(text))
	if err != nil {
		return err
	}
	*d = Duration(v)
	return nil
}

// Network holds the CIDR layout of the provisioned VPC.
type Network struct {
	VPCCIDR    string `toml:"vpc_cidr"`
	SubnetCIDR string `toml:"subnet_cidr"`
}

// Cluster names the ECS cluster and its log group.
type Cluster struct {
	Name     string `toml:"name"`
	LogGroup string `toml:"log_group"`
}

// Task describes the Fargate task definition to register.
type Task struct {
	Family        string `toml:"family"`
	CPU           string `toml:"cpu"`
	Memory        string `toml:"memory"`
	Image         string `toml:"image"`
	ContainerPort int32  `toml:"container_port"`
	ExecutionRole string `toml:"execution_role"`
}

// Service describes the ECS service bound to the task definition.
type Service struct {
	Name           string   `toml:"name"`
	DesiredCount   int32    `toml:"desired_count"`
	AssignPublicIP bool     `toml:"assign_public_ip"`
	StableTimeout  Duration `toml:"stable_timeout"`
}

// Registry describes where the pipeline pushes images and what it builds.
// An empty URL means "derive the ECR registry from the caller's account".
type Registry struct {
	URL        string `toml:"url"`
	Repository string `toml:"repository"`
	Tag        string `toml:"tag"`
	Context    string `toml:"context"`
	Dockerfile string `toml:"dockerfile"`
}

// Config is the full skiff configuration, normally loaded from skiff.toml.
type Config struct {
	Region      string `toml:"region"`
	EndpointURL string `toml:"endpoint_url"`

	Network  Network  `toml:"network"`
	Cluster  Cluster  `toml:"cluster"`
	Task     Task     `toml:"task"`
	Service  Service  `toml:"service"`
	Registry Registry `toml:"registry"`
}

// Load reads the config file, applies environment overrides and defaults.
func Load(path string) (Config, error) {
	var cfg Config
	if _, err := toml.DecodeFile(path, &cfg); err != nil {
		return Config{}, fmt.Errorf("read config %s: %w", path, err)
	}
	cfg.applyEnv()
	cfg.applyDefaults()
	return cfg, nil
}

func (c *Config) applyEnv() {
	if v := os.Getenv("SKIFF_REGION"); v != "" {
		c.Region = v
	} else if c.Region == "" {
		c.Region = os.Getenv("AWS_REGION")
	}
	if v := os.Getenv("SKIFF_ENDPOINT_URL"); v != "" {
		c.EndpointURL = v
	}
	if v := os.Getenv("SKIFF_IMAGE"); v != "" {
		c.Task.Image = v
	}
	if v := os.Getenv("SKIFF_IMAGE_TAG"); v != "" {
		c.Registry.Tag = v
	}
}

func (c *Config) applyDefaults() {
	if c.Region == "" {
		c.Region = "us-east-1"
	}
	if c.Cluster.Name == "" {
		c.Cluster.Name = "skiff"
	}
	if c.Cluster.LogGroup == "" {
		c.Cluster.LogGroup = "/skiff/" + c.Cluster.Name
	}
	if c.Task.Family == "" {
		c.Task.Family = c.Cluster.Name + "-app"
	}
	if c.Task.CPU == "" {
		c.Task.CPU = "256"
	}
	if c.Task.Memory == "" {
		c.Task.Memory = "512"
	}
	if c.Task.ContainerPort == 0 {
		c.Task.ContainerPort = 3000
	}
	if c.Task.ExecutionRole == "" {
		c.Task.ExecutionRole = c.Cluster.Name + "-execution"
	}
	if c.Service.Name == "" {
		c.Service.Name = c.Task.Family
	}
	if c.Service.DesiredCount == 0 {
		c.Service.DesiredCount = 1
	}
	if c.Service.StableTimeout == 0 {
		c.Service.StableTimeout = Duration(10 * time.Minute)
	}
	if c.Registry.Repository == "" {
		c.Registry.Repository = c.Task.Family
	}
	if c.Registry.Tag == "" {
		c.Registry.Tag = "latest"
	}
	if c.Registry.Context == "" {
		c.Registry.Context = "."
	}
	if c.Registry.Dockerfile == "" {
		c.Registry.Dockerfile = "Dockerfile"
	}
}

// Validate checks required configuration.
func (c Config) Validate() error {
	if c.Network.VPCCIDR == "" {
		return fmt.Errorf("network.vpc_cidr is required")
	}
	if c.Network.SubnetCIDR == "" {
		return fmt.Errorf("network.subnet_cidr is required")
	}
	if c.Task.Image == "" && c.Registry.Repository == "" {
		return fmt.Errorf("task.image or registry.repository is required")
	}
	if c.Service.DesiredCount < 0 {
		return fmt.Errorf("service.desired_count must not be negative")
	}
	return nil
}
