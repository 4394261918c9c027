package proc

import (
	"context"
	"encoding/base64"
	"fmt"
	"io"
	"sync"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
)

// PayloadEnv is the environment variable carrying the kwargs payload
// into a containerized process, base64-encoded. The docker backend
// cannot hand the child a stdin pipe the way the exec backend does.
const PayloadEnv = "TASKPLANE_PAYLOAD"

// DockerBackend runs isolated processes as Docker containers. The
// container image must carry the dispatcher binary when used with
// TargetMethod.
type DockerBackend struct {
	client *client.Client
	image  string
}

// NewDockerBackend creates a Docker-based backend. The client is
// initialized from standard environment variables (DOCKER_HOST, etc.).
func NewDockerBackend(img string) (*DockerBackend, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("proc: create docker client: %w", err)
	}
	return &DockerBackend{client: cli, image: img}, nil
}

// Create implements Backend. The container is created but not started;
// starting, liveness and exit follow the same single-use contract as
// the exec backend.
func (b *DockerBackend) Create(cfg Config) (Process, error) {
	if len(cfg.Entry) == 0 {
		return nil, fmt.Errorf("proc: empty entry in launch configuration")
	}

	ctx := context.Background()

	// Pull only when the image is missing locally.
	if _, err := b.client.ImageInspect(ctx, b.image); err != nil {
		reader, err := b.client.ImagePull(ctx, b.image, image.PullOptions{})
		if err != nil {
			return nil, fmt.Errorf("proc: pull image %s: %w", b.image, err)
		}
		defer reader.Close()
		io.Copy(io.Discard, reader)
	}

	var env []string
	if len(cfg.Kwargs) > 0 {
		env = append(env, fmt.Sprintf("%s=%s", PayloadEnv, base64.StdEncoding.EncodeToString(cfg.Kwargs)))
	}

	containerConfig := &container.Config{
		Image: b.image,
		Cmd:   append(append([]string{}, cfg.Entry...), cfg.Args...),
		Env:   env,
	}
	resp, err := b.client.ContainerCreate(ctx, containerConfig, nil, nil, nil, cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("proc: create container: %w", err)
	}

	return &dockerProcess{
		client:      b.client,
		containerID: resp.ID,
		done:        make(chan struct{}),
	}, nil
}

type dockerProcess struct {
	client      *client.Client
	containerID string
	done        chan struct{}

	mu      sync.Mutex
	started bool
	exited  bool
	exitErr error
}

func (p *dockerProcess) Start() error {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return fmt.Errorf("proc: container already started")
	}
	ctx := context.Background()
	if err := p.client.ContainerStart(ctx, p.containerID, container.StartOptions{}); err != nil {
		p.mu.Unlock()
		return fmt.Errorf("proc: start container: %w", err)
	}
	p.started = true
	p.mu.Unlock()

	go p.reap()
	return nil
}

func (p *dockerProcess) reap() {
	statusCh, errCh := p.client.ContainerWait(context.Background(), p.containerID, container.WaitConditionNotRunning)

	var exitErr error
	select {
	case err := <-errCh:
		exitErr = err
	case status := <-statusCh:
		if status.Error != nil {
			exitErr = fmt.Errorf("%s", status.Error.Message)
		} else if status.StatusCode != 0 {
			exitErr = fmt.Errorf("proc: container exited with code %d", status.StatusCode)
		}
	}

	p.mu.Lock()
	p.exited = true
	p.exitErr = exitErr
	p.mu.Unlock()
	close(p.done)
}

func (p *dockerProcess) Alive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.started && !p.exited
}

func (p *dockerProcess) Done() <-chan struct{} { return p.done }

func (p *dockerProcess) ExitErr() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.exitErr
}

// Kill matches the exec backend's contract: killing a container that
// already exited or was removed is a no-op, not an error.
func (p *dockerProcess) Kill() error {
	return squashKillError(p.client.ContainerKill(context.Background(), p.containerID, "KILL"))
}

func squashKillError(err error) error {
	if err == nil || errdefs.IsNotFound(err) || errdefs.IsConflict(err) {
		return nil
	}
	return fmt.Errorf("proc: kill container: %w", err)
}

func (p *dockerProcess) Release() error {
	return p.client.ContainerRemove(context.Background(), p.containerID, container.RemoveOptions{Force: true})
}
