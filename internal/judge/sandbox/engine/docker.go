package engine

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"nojudge/internal/judge/sandbox/spec"
	"nojudge/pkg/utils/logger"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"go.uber.org/zap"
)

const (
	removeTimeout      = 10 * time.Second
	streamDrainTimeout = 2 * time.Second
)

// DockerEngine runs containers through the Docker Engine API.
type DockerEngine struct {
	client *client.Client
	cfg    Config
	res    resources
}

// NewDockerEngine connects to the daemon configured by the DOCKER_* environment.
func NewDockerEngine(cfg Config) (*DockerEngine, error) {
	if cfg.Image == "" {
		cfg.Image = DefaultConfig().Image
	}
	res, err := cfg.resolve()
	if err != nil {
		return nil, err
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("failed to create docker client: %w", err)
	}
	return &DockerEngine{client: cli, cfg: cfg, res: res}, nil
}

// Ping checks that the daemon answers.
func (e *DockerEngine) Ping(ctx context.Context) error {
	_, err := e.client.Ping(ctx)
	return err
}

// Close closes the Docker client.
func (e *DockerEngine) Close() error {
	return e.client.Close()
}

func (e *DockerEngine) Run(ctx context.Context, cs spec.ContainerSpec) (spec.Outcome, error) {
	cfg, hostCfg := buildConfigs(e.cfg, e.res, cs)

	var runCtx context.Context
	var cancel context.CancelFunc
	if cs.Timeout > 0 {
		runCtx, cancel = context.WithTimeout(ctx, cs.Timeout)
	} else {
		runCtx, cancel = context.WithCancel(ctx)
	}
	defer cancel()

	created, err := e.client.ContainerCreate(runCtx, cfg, hostCfg, nil, nil, cs.Name)
	if err != nil {
		return spec.Outcome{}, e.contextError(ctx, runCtx, fmt.Errorf("create container %s: %w", cs.Name, err))
	}
	id := created.ID
	defer e.forceRemove(ctx, id, cs.Name)

	hijack, err := e.client.ContainerAttach(runCtx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		return spec.Outcome{}, e.contextError(ctx, runCtx, fmt.Errorf("attach container %s: %w", cs.Name, err))
	}
	defer hijack.Close()

	start := time.Now()
	if err := e.client.ContainerStart(runCtx, id, container.StartOptions{}); err != nil {
		return spec.Outcome{}, e.contextError(ctx, runCtx, fmt.Errorf("start container %s: %w", cs.Name, err))
	}

	go func() {
		if cs.Stdin != nil {
			_, _ = io.Copy(hijack.Conn, cs.Stdin)
		}
		_ = hijack.CloseWrite()
	}()

	copyDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(
			&cappedWriter{w: cs.Stdout, limit: cs.OutputLimit},
			&cappedWriter{w: cs.Stderr, limit: cs.OutputLimit},
			hijack.Reader,
		)
		copyDone <- err
	}()

	waitCh, waitErrCh := e.client.ContainerWait(runCtx, id, container.WaitConditionNotRunning)
	outcome := spec.Outcome{}
	streamClosed := false
	exited := false
	var drain <-chan time.Time
	for !(exited && streamClosed) {
		select {
		case <-drain:
			// The daemon normally closes the attach stream on exit; do not wait forever if it does not.
			streamClosed = true
		case <-runCtx.Done():
			outcome.Duration = time.Since(start)
			return outcome, e.contextError(ctx, runCtx, runCtx.Err())
		case err := <-copyDone:
			if errors.Is(err, ErrOutputLimit) {
				outcome.Duration = time.Since(start)
				return outcome, ErrOutputLimit
			}
			streamClosed = true
		case err := <-waitErrCh:
			if err != nil {
				return outcome, e.contextError(ctx, runCtx, fmt.Errorf("wait container %s: %w", cs.Name, err))
			}
		case st := <-waitCh:
			if st.Error != nil {
				return outcome, fmt.Errorf("container %s: %s", cs.Name, st.Error.Message)
			}
			outcome.ExitCode = int(st.StatusCode)
			outcome.Duration = time.Since(start)
			exited = true
			waitCh, waitErrCh = nil, nil
			drain = time.After(streamDrainTimeout)
		}
	}

	inspectCtx, inspectCancel := context.WithTimeout(context.WithoutCancel(ctx), removeTimeout)
	defer inspectCancel()
	if inspect, err := e.client.ContainerInspect(inspectCtx, id); err == nil && inspect.ContainerJSONBase != nil && inspect.State != nil {
		outcome.OOMKilled = inspect.State.OOMKilled
	}
	return outcome, nil
}

// contextError maps an expired run deadline to ErrTimeout while keeping caller cancellation distinct.
func (e *DockerEngine) contextError(parent, runCtx context.Context, err error) error {
	if parent.Err() != nil {
		return fmt.Errorf("%w: %v", parent.Err(), err)
	}
	if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
		return ErrTimeout
	}
	return err
}

// forceRemove is best effort; a container that is already gone is ignored.
func (e *DockerEngine) forceRemove(ctx context.Context, id, name string) {
	rmCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), removeTimeout)
	defer cancel()
	if err := e.client.ContainerRemove(rmCtx, id, container.RemoveOptions{Force: true}); err != nil && !client.IsErrNotFound(err) {
		logger.Warn(ctx, "force remove container failed", zap.String("container", name), zap.Error(err))
	}
}

func buildConfigs(cfg Config, res resources, cs spec.ContainerSpec) (*container.Config, *container.HostConfig) {
	image := cs.Image
	if image == "" {
		image = cfg.Image
	}
	network := cs.Network
	if network == "" {
		network = string(spec.NetworkNone)
	}
	memory := res.memoryBytes
	if cs.MemoryBytes > 0 {
		memory = cs.MemoryBytes
	}
	pids := res.pidsLimit

	mounts := make([]mount.Mount, 0, len(cs.Mounts))
	for _, m := range cs.Mounts {
		mounts = append(mounts, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	containerCfg := &container.Config{
		Image:        image,
		Entrypoint:   cs.Entrypoint,
		Cmd:          cs.Cmd,
		Env:          cs.Env,
		Labels:       cs.Labels,
		WorkingDir:   cs.WorkDir,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		OpenStdin:    true,
		StdinOnce:    true,
		Tty:          false,
	}
	hostCfg := &container.HostConfig{
		NetworkMode:    container.NetworkMode(network),
		ReadonlyRootfs: true,
		Tmpfs:          map[string]string{"/tmp": res.tmpfs},
		CapDrop:        []string{"ALL"},
		SecurityOpt:    []string{"no-new-privileges"},
		Mounts:         mounts,
		Resources: container.Resources{
			NanoCPUs:   res.nanoCPUs,
			Memory:     memory,
			MemorySwap: memory,
			PidsLimit:  &pids,
		},
	}
	return containerCfg, hostCfg
}

// cappedWriter fails once more than limit bytes were written; a nil w discards.
type cappedWriter struct {
	w     io.Writer
	limit int64
	n     int64
}

func (c *cappedWriter) Write(p []byte) (int, error) {
	c.n += int64(len(p))
	if c.limit > 0 && c.n > c.limit {
		return 0, ErrOutputLimit
	}
	if c.w == nil {
		return len(p), nil
	}
	return c.w.Write(p)
}

var _ Engine = (*DockerEngine)(nil)
