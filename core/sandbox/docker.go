package sandbox

import (
	"context"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	"github.com/aureuma/botctl/core/apperr"
)

// dockerManagedLabel is the key=value form of the platform marker label
// that Create puts on every container this driver creates.
const dockerManagedLabel = "managed_by=botctl"

const defaultSocket = "unix:///var/run/docker.sock"

// DockerDriver is the production Driver backed by the Docker Engine API.
// The client is dialed lazily against a fixed socket; it never honors
// DOCKER_HOST, so a compromised bot process that can set environment
// variables on the host cannot redirect sandbox operations to a different
// daemon.
type DockerDriver struct {
	socket string

	once   sync.Once
	cli    *client.Client
	dialErr error
}

// NewDockerDriver returns a driver that will dial socket (or the fixed
// default) on first use.
func NewDockerDriver(socket string) *DockerDriver {
	if strings.TrimSpace(socket) == "" {
		socket = defaultSocket
	}
	return &DockerDriver{socket: socket}
}

func (d *DockerDriver) client() (*client.Client, error) {
	d.once.Do(func() {
		d.cli, d.dialErr = client.NewClientWithOpts(
			client.WithHost(d.socket),
			client.WithAPIVersionNegotiation(),
		)
	})
	if d.dialErr != nil {
		return nil, apperr.WrapSandboxOp(d.dialErr, "dial docker daemon")
	}
	return d.cli, nil
}

// Create materializes (but does not start) a hardened container for req.
// Every security constraint below is non-negotiable: callers cannot
// request privileged mode, a non-bridge network, or a writable artifact
// mount.
func (d *DockerDriver) Create(ctx context.Context, req CreateRequest) (Handle, error) {
	cli, err := d.client()
	if err != nil {
		return "", err
	}

	startCmd := req.StartCmd
	if startCmd == "" {
		startCmd = req.Runtime.DefaultStartCmd
	}

	cpuQuota, cpuPeriod := cpuQuotaMicroseconds(req.CPUShare)

	cfg := &container.Config{
		Image:      req.Runtime.Image,
		WorkingDir: req.Runtime.WorkingDir,
		Entrypoint: []string{"sh", "-c"},
		Cmd:        []string{startCmd},
		Labels: map[string]string{
			"bot_id":      fmt.Sprintf("%d", req.BotID),
			"managed_by":  "botctl",
		},
	}

	hostCfg := &container.HostConfig{
		Privileged:     false,
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		NetworkMode:    container.NetworkMode("bridge"),
		ReadonlyRootfs: false,
		Mounts: []mount.Mount{
			{
				Type:     mount.TypeBind,
				Source:   req.ArtifactHostPath,
				Target:   req.Runtime.WorkingDir,
				ReadOnly: true,
			},
		},
		Resources: container.Resources{
			CPUQuota:  cpuQuota,
			CPUPeriod: cpuPeriod,
			Memory:    parseMemoryLimit(req.MemoryLimit),
		},
	}

	netCfg := &network.NetworkingConfig{}

	resp, err := cli.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, containerName(req.BotID))
	if err != nil {
		return "", apperr.WrapSandboxCreate(err, "create sandbox for bot %d", req.BotID)
	}
	return Handle(resp.ID), nil
}

func (d *DockerDriver) Start(ctx context.Context, h Handle) error {
	cli, err := d.client()
	if err != nil {
		return err
	}
	if err := cli.ContainerStart(ctx, string(h), container.StartOptions{}); err != nil {
		return apperr.WrapSandboxOp(err, "start")
	}
	return nil
}

func (d *DockerDriver) Stop(ctx context.Context, h Handle, timeout time.Duration) error {
	cli, err := d.client()
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = defaultGracefulTimeout
	}
	secs := int(timeout.Seconds())
	if err := cli.ContainerStop(ctx, string(h), container.StopOptions{Timeout: &secs}); err != nil {
		return apperr.WrapSandboxOp(err, "stop")
	}
	return nil
}

func (d *DockerDriver) Restart(ctx context.Context, h Handle, timeout time.Duration) error {
	cli, err := d.client()
	if err != nil {
		return err
	}
	if timeout <= 0 {
		timeout = defaultGracefulTimeout
	}
	secs := int(timeout.Seconds())
	if err := cli.ContainerRestart(ctx, string(h), container.StopOptions{Timeout: &secs}); err != nil {
		return apperr.WrapSandboxOp(err, "restart")
	}
	return nil
}

func (d *DockerDriver) Remove(ctx context.Context, h Handle, force bool) error {
	cli, err := d.client()
	if err != nil {
		return err
	}
	if err := cli.ContainerRemove(ctx, string(h), container.RemoveOptions{Force: force}); err != nil {
		return apperr.WrapSandboxOp(err, "remove")
	}
	return nil
}

func (d *DockerDriver) Status(ctx context.Context, h Handle) (Status, error) {
	cli, err := d.client()
	if err != nil {
		return "", err
	}
	info, err := cli.ContainerInspect(ctx, string(h))
	if err != nil {
		if client.IsErrNotFound(err) {
			return "", apperr.NewSandboxMissing("%s", string(h))
		}
		return "", apperr.WrapSandboxOp(err, "inspect")
	}
	return mapContainerState(info.State), nil
}

func mapContainerState(state *container.State) Status {
	if state == nil {
		return StatusStopped
	}
	switch state.Status {
	case "running":
		return StatusRunning
	case "created":
		return StatusCreated
	case "exited", "dead":
		if state.OOMKilled || state.ExitCode != 0 {
			return StatusCrashed
		}
		return StatusStopped
	default:
		return StatusStopped
	}
}

func (d *DockerDriver) TailLogs(ctx context.Context, h Handle, lines int) (string, error) {
	cli, err := d.client()
	if err != nil {
		return "", err
	}
	if lines <= 0 {
		lines = DefaultTailLines
	}
	rc, err := cli.ContainerLogs(ctx, string(h), container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Tail:       fmt.Sprintf("%d", lines),
	})
	if err != nil {
		return "", apperr.WrapSandboxOp(err, "tail logs")
	}
	defer rc.Close()

	var out strings.Builder
	var errOut strings.Builder
	if _, err := stdcopy.StdCopy(&out, &errOut, rc); err != nil && err != io.EOF {
		return "", apperr.WrapSandboxOp(err, "demultiplex logs")
	}
	if out.Len() == 0 {
		return errOut.String(), nil
	}
	return out.String(), nil
}

func (d *DockerDriver) FollowLogs(ctx context.Context, h Handle) (<-chan LogLine, error) {
	cli, err := d.client()
	if err != nil {
		return nil, err
	}
	rc, err := cli.ContainerLogs(ctx, string(h), container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
		Follow:     true,
		Tail:       "0",
	})
	if err != nil {
		return nil, apperr.WrapSandboxOp(err, "follow logs")
	}

	pr, pw := io.Pipe()
	go func() {
		defer rc.Close()
		_, copyErr := stdcopy.StdCopy(pw, pw, rc)
		pw.CloseWithError(copyErr)
	}()

	out := decodeLines(ctx, pr)
	go func() {
		<-ctx.Done()
		rc.Close()
	}()
	return out, nil
}

// parseMemoryLimit converts a docker-style size string ("256m", "1g") into
// bytes. An empty or unparseable limit means no limit is enforced beyond
// the daemon's own defaults.
func parseMemoryLimit(s string) int64 {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return 0
	}
	multiplier := int64(1)
	switch {
	case strings.HasSuffix(s, "g"):
		multiplier = 1 << 30
		s = strings.TrimSuffix(s, "g")
	case strings.HasSuffix(s, "m"):
		multiplier = 1 << 20
		s = strings.TrimSuffix(s, "m")
	case strings.HasSuffix(s, "k"):
		multiplier = 1 << 10
		s = strings.TrimSuffix(s, "k")
	}
	var value int64
	if _, err := fmt.Sscanf(s, "%d", &value); err != nil {
		return 0
	}
	return value * multiplier
}
