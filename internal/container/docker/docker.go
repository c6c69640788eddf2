// Package docker implements container.Runtime against the Docker Engine
// API: client construction, Create/Start/Stop/Remove, image-pull-on-demand,
// and a full-duplex attach for stdio rather than an exec-into-a-running-
// container round trip.
package docker

import (
	"context"
	"fmt"
	"io"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"

	bcontainer "github.com/notfolder/mcpo-bridge/internal/container"
	"github.com/notfolder/mcpo-bridge/internal/logger"
)

// Runtime implements bcontainer.Runtime using the Docker SDK.
type Runtime struct {
	client *client.Client
}

// NewRuntime constructs a Runtime from the ambient Docker environment
// (DOCKER_HOST and friends), negotiating the API version with the daemon.
func NewRuntime() (*Runtime, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	return &Runtime{client: cli}, nil
}

func (r *Runtime) Name() string { return "docker" }

func (r *Runtime) Ping(ctx context.Context) error {
	_, err := r.client.Ping(ctx)
	return err
}

func (r *Runtime) Close() error {
	return r.client.Close()
}

// StartStdioContainer creates a container from cfg.Image, bind-mounting
// HostWorkdir at ContainerWorkdir, starts it, and attaches full-duplex to
// its stdio. The returned Process's Stdin/Stdout are the container's own
// stdin/stdout, so internal/adapter can frame JSON-RPC over them exactly
// as it would over an os/exec pipe pair.
func (r *Runtime) StartStdioContainer(ctx context.Context, cfg bcontainer.StartConfig) (*bcontainer.Process, error) {
	if err := r.ensureImage(ctx, cfg.Image); err != nil {
		return nil, err
	}

	env := make([]string, 0, len(cfg.Env))
	for k, v := range cfg.Env {
		env = append(env, k+"="+v)
	}

	containerCfg := &container.Config{
		Image:        cfg.Image,
		Env:          env,
		WorkingDir:   cfg.ContainerWorkdir,
		OpenStdin:    true,
		StdinOnce:    false,
		AttachStdin:  true,
		AttachStdout: true,
		AttachStderr: true,
		Tty:          false,
		Labels:       map[string]string{"mcpo-bridge": "true"},
	}

	var mounts []mount.Mount
	if cfg.HostWorkdir != "" {
		mounts = append(mounts, mount.Mount{
			Type:   mount.TypeBind,
			Source: cfg.HostWorkdir,
			Target: cfg.ContainerWorkdir,
		})
	}
	hostCfg := &container.HostConfig{
		Mounts:     mounts,
		AutoRemove: false, // removed explicitly in stop, after the container is stopped
	}

	resp, err := r.client.ContainerCreate(ctx, containerCfg, hostCfg, nil, nil, cfg.Name)
	if err != nil {
		return nil, fmt.Errorf("create container: %w", err)
	}
	id := resp.ID

	if err := r.client.ContainerStart(ctx, id, container.StartOptions{}); err != nil {
		_ = r.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("start container: %w", err)
	}

	attached, err := r.client.ContainerAttach(ctx, id, container.AttachOptions{
		Stream: true,
		Stdin:  true,
		Stdout: true,
		Stderr: true,
	})
	if err != nil {
		_ = r.client.ContainerStop(ctx, id, container.StopOptions{})
		_ = r.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("attach container: %w", err)
	}

	stdoutR, stdoutW := io.Pipe()
	stderrR, stderrW := io.Pipe()
	go func() {
		_, err := stdcopy.StdCopy(stdoutW, stderrW, attached.Reader)
		stdoutW.CloseWithError(err)
		stderrW.CloseWithError(err)
	}()

	proc := bcontainer.NewProcess(
		id,
		hijackedStdin{attached: &attached},
		stdoutR,
		stderrR,
		func(stopCtx context.Context) error { return r.stop(stopCtx, id, &attached) },
		func() (int, error) { return r.wait(context.Background(), id) },
	)
	return proc, nil
}

// hijackedStdin adapts a docker HijackedResponse's duplex connection to
// io.WriteCloser. Close half-closes the write side (CloseWrite) rather than
// the whole connection, so the attach's stdout stream keeps draining until
// the container actually exits; the full connection is closed in stop.
type hijackedStdin struct {
	attached *types.HijackedResponse
}

func (h hijackedStdin) Write(p []byte) (int, error) { return h.attached.Conn.Write(p) }
func (h hijackedStdin) Close() error                 { return h.attached.CloseWrite() }

func (r *Runtime) stop(ctx context.Context, id string, attached *types.HijackedResponse) error {
	timeout := 2
	err := r.client.ContainerStop(ctx, id, container.StopOptions{Timeout: &timeout})
	attached.Close()
	_ = r.client.ContainerRemove(ctx, id, container.RemoveOptions{Force: true})
	return err
}

func (r *Runtime) wait(ctx context.Context, id string) (int, error) {
	statusCh, errCh := r.client.ContainerWait(ctx, id, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		return int(status.StatusCode), nil
	}
}

// ensureImage pulls cfg.Image if it is not already present locally.
func (r *Runtime) ensureImage(ctx context.Context, ref string) error {
	if _, _, err := r.client.ImageInspectWithRaw(ctx, ref); err == nil {
		return nil
	}

	logger.Slog().Info("docker: pulling image", "image", ref)
	reader, err := r.client.ImagePull(ctx, ref, image.PullOptions{})
	if err != nil {
		return fmt.Errorf("pull image %s: %w", ref, err)
	}
	defer reader.Close()

	if _, err := io.Copy(io.Discard, reader); err != nil {
		return fmt.Errorf("read pull output for %s: %w", ref, err)
	}
	return nil
}
