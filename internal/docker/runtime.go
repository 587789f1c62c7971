package docker

import (
	"archive/tar"
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/artemis/modernizer/internal/observability"
	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/errdefs"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/docker/go-connections/nat"
	"go.uber.org/zap"
)

// TeardownPolicy controls what happens to the sandbox container on release.
type TeardownPolicy string

const (
	TeardownRemove TeardownPolicy = "remove"
	TeardownKeep   TeardownPolicy = "keep"
)

// ResourceLimits bounds the sandbox container.
type ResourceLimits struct {
	MemoryBytes int64
	NanoCPUs    int64
}

// ExecResult captures one command execution inside the sandbox.
type ExecResult struct {
	ExitCode int
	Stdout   string
	Stderr   string
	Duration time.Duration
}

// Handle references one live sandbox container. All operations on a handle
// are driven from a single goroutine; the stage log map is still guarded
// because subscribers may snapshot it while a stage runs.
type Handle struct {
	ID   string
	Name string

	mu   sync.Mutex
	logs map[string]string
}

// RecordLog attaches captured output to a named stage.
func (h *Handle) RecordLog(stage, output string) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.logs == nil {
		h.logs = make(map[string]string)
	}
	h.logs[stage] = output
}

// Logs returns a copy of the per-stage captured output.
func (h *Handle) Logs() map[string]string {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make(map[string]string, len(h.logs))
	for k, v := range h.logs {
		out[k] = v
	}
	return out
}

// Runtime drives the lifecycle of sandbox containers on the shared daemon.
// A single container is never driven concurrently.
type Runtime struct {
	client   *Client
	logger   *observability.Logger
	logQuota int
}

// NewRuntime creates a container runtime adapter.
func NewRuntime(client *Client, logger *observability.Logger) *Runtime {
	return &Runtime{
		client:   client,
		logger:   logger,
		logQuota: 64 * 1024,
	}
}

// Create provisions a named sandbox container. A pre-existing container with
// the same name is removed first so creation is deterministic. The container
// runs an idle process; all project commands arrive via Exec.
func (r *Runtime) Create(ctx context.Context, name, image, workingDir string, hostPort, containerPort int, limits ResourceLimits) (*Handle, error) {
	cli, err := r.client.sdk()
	if err != nil {
		return nil, err
	}

	if err := r.removeByName(ctx, name); err != nil {
		return nil, fmt.Errorf("failed to clear previous container %s: %w", name, err)
	}

	if err := r.ensureImage(ctx, image); err != nil {
		return nil, fmt.Errorf("failed to ensure image %s: %w", image, err)
	}

	port := nat.Port(fmt.Sprintf("%d/tcp", containerPort))
	cfg := &container.Config{
		Image:        image,
		WorkingDir:   workingDir,
		Cmd:          []string{"sleep", "infinity"},
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}
	hostCfg := &container.HostConfig{
		PortBindings: nat.PortMap{
			port: []nat.PortBinding{{HostIP: "0.0.0.0", HostPort: fmt.Sprintf("%d", hostPort)}},
		},
		Resources: container.Resources{
			Memory:   limits.MemoryBytes,
			NanoCPUs: limits.NanoCPUs,
		},
	}

	start := time.Now()
	resp, err := cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	if err != nil && isRetriableError(err) {
		// One in-stage retry for daemon hiccups
		r.logger.Warn("container create failed transiently, retrying",
			zap.String("name", name),
			zap.Error(err),
		)
		resp, err = cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, name)
	}
	observability.ContainerOperationDuration.WithLabelValues("container_create").Observe(time.Since(start).Seconds())

	if err != nil {
		observability.ContainerOperations.WithLabelValues("container_create", "error").Inc()
		return nil, fmt.Errorf("failed to create container %s: %w", name, err)
	}
	observability.ContainerOperations.WithLabelValues("container_create", "success").Inc()

	if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		observability.ContainerOperations.WithLabelValues("container_start", "error").Inc()
		// A failed start leaves the created container behind; remove it so
		// the deterministic name stays free.
		_ = cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
		return nil, fmt.Errorf("failed to start container %s: %w", name, err)
	}
	observability.ContainerOperations.WithLabelValues("container_start", "success").Inc()

	r.logger.Info("sandbox container started",
		zap.String("name", name),
		zap.String("container_id", resp.ID[:12]),
		zap.String("image", image),
		zap.Int("host_port", hostPort),
	)

	return &Handle{ID: resp.ID, Name: name, logs: make(map[string]string)}, nil
}

// CopyIn injects a host directory tree into the container, skipping the
// named directories at any depth.
func (r *Runtime) CopyIn(ctx context.Context, h *Handle, hostPath, containerPath string, exclude []string) error {
	cli, err := r.client.sdk()
	if err != nil {
		return err
	}

	pr, pw := io.Pipe()
	go func() {
		pw.CloseWithError(tarDirectory(pw, hostPath, exclude))
	}()

	start := time.Now()
	err = cli.CopyToContainer(ctx, h.ID, containerPath, pr, types.CopyToContainerOptions{})
	observability.ContainerOperationDuration.WithLabelValues("copy_in").Observe(time.Since(start).Seconds())

	if err != nil {
		observability.ContainerOperations.WithLabelValues("copy_in", "error").Inc()
		return fmt.Errorf("failed to copy project into container: %w", err)
	}
	observability.ContainerOperations.WithLabelValues("copy_in", "success").Inc()
	return nil
}

// WriteFile places exact bytes at a container path. Content travels as a tar
// stream, never through a shell, so quoting metacharacters in manifests
// survive byte-for-byte.
func (r *Runtime) WriteFile(ctx context.Context, h *Handle, containerPath string, content []byte) error {
	cli, err := r.client.sdk()
	if err != nil {
		return err
	}

	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)
	hdr := &tar.Header{
		Name:    path.Base(containerPath),
		Mode:    0644,
		Size:    int64(len(content)),
		ModTime: time.Now(),
	}
	if err := tw.WriteHeader(hdr); err != nil {
		return fmt.Errorf("failed to write tar header: %w", err)
	}
	if _, err := tw.Write(content); err != nil {
		return fmt.Errorf("failed to write tar content: %w", err)
	}
	if err := tw.Close(); err != nil {
		return fmt.Errorf("failed to finalize tar: %w", err)
	}

	err = cli.CopyToContainer(ctx, h.ID, path.Dir(containerPath), &buf, types.CopyToContainerOptions{})
	if err != nil {
		observability.ContainerOperations.WithLabelValues("write_file", "error").Inc()
		return fmt.Errorf("failed to write %s: %w", containerPath, err)
	}
	observability.ContainerOperations.WithLabelValues("write_file", "success").Inc()
	return nil
}

// ReadFile reads exact bytes from a container path via a tar stream.
func (r *Runtime) ReadFile(ctx context.Context, h *Handle, containerPath string) ([]byte, error) {
	cli, err := r.client.sdk()
	if err != nil {
		return nil, err
	}

	reader, _, err := cli.CopyFromContainer(ctx, h.ID, containerPath)
	if err != nil {
		observability.ContainerOperations.WithLabelValues("read_file", "error").Inc()
		return nil, fmt.Errorf("failed to read %s: %w", containerPath, err)
	}
	defer reader.Close()

	tr := tar.NewReader(reader)
	for {
		hdr, err := tr.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("failed to read tar stream for %s: %w", containerPath, err)
		}
		if hdr.Typeflag == tar.TypeReg {
			data, err := io.ReadAll(tr)
			if err != nil {
				return nil, fmt.Errorf("failed to read %s content: %w", containerPath, err)
			}
			observability.ContainerOperations.WithLabelValues("read_file", "success").Inc()
			return data, nil
		}
	}
	return nil, fmt.Errorf("no regular file found at %s", containerPath)
}

// Exec runs argv inside the container, capturing both streams up to the log
// quota (truncated from the head on overflow).
func (r *Runtime) Exec(ctx context.Context, h *Handle, argv []string, env []string, timeout time.Duration) (ExecResult, error) {
	cli, err := r.client.sdk()
	if err != nil {
		return ExecResult{}, err
	}

	if timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	execResp, err := cli.ContainerExecCreate(ctx, h.ID, types.ExecConfig{
		Cmd:          argv,
		Env:          env,
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		observability.ContainerOperations.WithLabelValues("exec", "error").Inc()
		return ExecResult{}, fmt.Errorf("failed to create exec: %w", err)
	}

	attach, err := cli.ContainerExecAttach(ctx, execResp.ID, types.ExecStartCheck{})
	if err != nil {
		observability.ContainerOperations.WithLabelValues("exec", "error").Inc()
		return ExecResult{}, fmt.Errorf("failed to attach exec: %w", err)
	}
	defer attach.Close()

	stdout := newBoundedBuffer(r.logQuota)
	stderr := newBoundedBuffer(r.logQuota)

	copyDone := make(chan error, 1)
	go func() {
		_, err := stdcopy.StdCopy(stdout, stderr, attach.Reader)
		copyDone <- err
	}()

	select {
	case err = <-copyDone:
	case <-ctx.Done():
		err = ctx.Err()
	}

	result := ExecResult{
		Stdout:   stdout.String(),
		Stderr:   stderr.String(),
		Duration: time.Since(start),
	}
	observability.ContainerOperationDuration.WithLabelValues("exec").Observe(result.Duration.Seconds())

	if err != nil {
		observability.ContainerOperations.WithLabelValues("exec", "error").Inc()
		result.ExitCode = -1
		return result, fmt.Errorf("exec %s failed: %w", strings.Join(argv, " "), err)
	}

	inspect, err := cli.ContainerExecInspect(ctx, execResp.ID)
	if err != nil {
		observability.ContainerOperations.WithLabelValues("exec", "error").Inc()
		result.ExitCode = -1
		return result, fmt.Errorf("failed to inspect exec: %w", err)
	}

	result.ExitCode = inspect.ExitCode
	observability.ContainerOperations.WithLabelValues("exec", "success").Inc()
	return result, nil
}

// Teardown releases the container per policy. Errors are returned for
// logging but callers treat teardown as best-effort.
func (r *Runtime) Teardown(ctx context.Context, h *Handle, policy TeardownPolicy) error {
	if h == nil {
		return nil
	}
	if policy == TeardownKeep {
		r.logger.Info("keeping sandbox container for debugging",
			zap.String("name", h.Name),
		)
		return nil
	}

	cli, err := r.client.sdk()
	if err != nil {
		return err
	}

	start := time.Now()
	err = cli.ContainerRemove(ctx, h.ID, container.RemoveOptions{Force: true})
	observability.ContainerOperationDuration.WithLabelValues("container_remove").Observe(time.Since(start).Seconds())

	if err != nil && !errdefs.IsNotFound(err) {
		observability.ContainerOperations.WithLabelValues("container_remove", "error").Inc()
		return fmt.Errorf("failed to remove container %s: %w", h.Name, err)
	}

	observability.ContainerOperations.WithLabelValues("container_remove", "success").Inc()
	r.logger.Info("sandbox container removed", zap.String("name", h.Name))
	return nil
}

// ContainerExists reports whether a container with the exact name is known
// to the daemon.
func (r *Runtime) ContainerExists(ctx context.Context, name string) (bool, error) {
	cli, err := r.client.sdk()
	if err != nil {
		return false, err
	}

	list, err := cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("name", name)),
	})
	if err != nil {
		return false, fmt.Errorf("failed to list containers: %w", err)
	}

	for _, c := range list {
		for _, n := range c.Names {
			if strings.TrimPrefix(n, "/") == name {
				return true, nil
			}
		}
	}
	return false, nil
}

func (r *Runtime) removeByName(ctx context.Context, name string) error {
	cli, err := r.client.sdk()
	if err != nil {
		return err
	}

	err = cli.ContainerRemove(ctx, name, container.RemoveOptions{Force: true})
	if err != nil && !errdefs.IsNotFound(err) {
		return err
	}
	return nil
}

func (r *Runtime) ensureImage(ctx context.Context, image string) error {
	cli, err := r.client.sdk()
	if err != nil {
		return err
	}

	if _, _, err := cli.ImageInspectWithRaw(ctx, image); err == nil {
		return nil
	}

	r.logger.Info("pulling base image", zap.String("image", image))
	reader, err := cli.ImagePull(ctx, image, types.ImagePullOptions{})
	if err != nil {
		observability.ContainerOperations.WithLabelValues("image_pull", "error").Inc()
		return err
	}
	defer reader.Close()

	// Drain the pull progress stream; completion is signaled by EOF.
	if _, err := io.Copy(io.Discard, reader); err != nil {
		observability.ContainerOperations.WithLabelValues("image_pull", "error").Inc()
		return err
	}

	observability.ContainerOperations.WithLabelValues("image_pull", "success").Inc()
	return nil
}

// tarDirectory writes a tar stream of root, skipping excluded directory
// names at any depth.
func tarDirectory(w io.Writer, root string, exclude []string) error {
	skip := make(map[string]bool, len(exclude))
	for _, name := range exclude {
		skip[name] = true
	}

	tw := tar.NewWriter(w)
	defer tw.Close()

	return filepath.Walk(root, func(p string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}

		rel, err := filepath.Rel(root, p)
		if err != nil {
			return err
		}
		if rel == "." {
			return nil
		}

		if info.IsDir() && skip[info.Name()] {
			return filepath.SkipDir
		}

		hdr, err := tar.FileInfoHeader(info, "")
		if err != nil {
			return err
		}
		hdr.Name = filepath.ToSlash(rel)

		if err := tw.WriteHeader(hdr); err != nil {
			return err
		}

		if info.Mode().IsRegular() {
			f, err := os.Open(p)
			if err != nil {
				return err
			}
			_, err = io.Copy(tw, f)
			f.Close()
			if err != nil {
				return err
			}
		}
		return nil
	})
}

// boundedBuffer keeps at most limit bytes, discarding from the head so the
// most recent output survives.
type boundedBuffer struct {
	limit int
	buf   []byte
}

func newBoundedBuffer(limit int) *boundedBuffer {
	return &boundedBuffer{limit: limit}
}

func (b *boundedBuffer) Write(p []byte) (int, error) {
	b.buf = append(b.buf, p...)
	if len(b.buf) > b.limit {
		b.buf = b.buf[len(b.buf)-b.limit:]
	}
	return len(p), nil
}

func (b *boundedBuffer) String() string {
	return string(b.buf)
}
