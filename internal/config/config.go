// Package config handles environment variable loading for the taskplane
// daemon settings: isolation backend, dispatcher, observability.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all configuration values for the application.
type Config struct {
	// Backend selects the isolation backend for separate-process
	// units: "exec" or "docker".
	Backend string

	// DockerImage is the image used by the docker backend. The image
	// must carry the taskplane binary for dispatch to work.
	DockerImage string

	// Dispatcher overrides the command spawned as the remote-process
	// entry point; empty means this binary's dispatch subcommand.
	Dispatcher string

	// PollInterval is the suspension interval of cooperative join
	// loops.
	PollInterval time.Duration

	// MetricsPort is the port of the /metrics endpoint; 0 disables it.
	MetricsPort int

	// OTELEndpoint is the OTLP gRPC collector address; empty disables
	// tracing.
	OTELEndpoint string
}

// Load reads configuration from environment variables, applying
// defaults for anything unset.
func Load() (*Config, error) {
	backend := os.Getenv("TASKPLANE_BACKEND")
	if backend == "" {
		backend = "exec"
	}
	if backend != "exec" && backend != "docker" {
		return nil, fmt.Errorf("invalid TASKPLANE_BACKEND %q: want exec or docker", backend)
	}

	dockerImage := os.Getenv("TASKPLANE_DOCKER_IMAGE")
	if dockerImage == "" {
		dockerImage = "taskplane:latest"
	}

	pollInterval := time.Duration(0)
	if s := os.Getenv("TASKPLANE_POLL_INTERVAL"); s != "" {
		pi, err := time.ParseDuration(s)
		if err != nil {
			return nil, fmt.Errorf("invalid TASKPLANE_POLL_INTERVAL: %w", err)
		}
		pollInterval = pi
	}

	// Metrics and tracing are opt-in.
	metricsPort := 0
	if s := os.Getenv("TASKPLANE_METRICS_PORT"); s != "" {
		p, err := strconv.Atoi(s)
		if err != nil {
			return nil, fmt.Errorf("invalid TASKPLANE_METRICS_PORT: %w", err)
		}
		metricsPort = p
	}

	return &Config{
		Backend:      backend,
		DockerImage:  dockerImage,
		Dispatcher:   os.Getenv("TASKPLANE_DISPATCHER"),
		PollInterval: pollInterval,
		MetricsPort:  metricsPort,
		OTELEndpoint: os.Getenv("TASKPLANE_OTEL_ENDPOINT"),
	}, nil
}
