package runtime

import (
	"context"
	"fmt"
	"strings"
	"syscall"
	"time"

	"github.com/containerd/containerd"
	"github.com/containerd/containerd/cio"
	"github.com/containerd/containerd/namespaces"
	"github.com/containerd/containerd/oci"
	specs "github.com/opencontainers/runtime-spec/specs-go"
	"github.com/rs/zerolog"

	"github.com/telluric-io/tern/pkg/log"
)

const (
	// DefaultNamespace is the containerd namespace for tool containers
	DefaultNamespace = "tern"

	// DefaultSocketPath is the default containerd socket
	DefaultSocketPath = "/run/containerd/containerd.sock"

	cpuPeriod = uint64(100000)
)

// ContainerdRunner executes tool containers through containerd
type ContainerdRunner struct {
	client    *containerd.Client
	namespace string
	logger    zerolog.Logger
}

// NewContainerdRunner connects to the containerd socket
func NewContainerdRunner(socketPath string) (*ContainerdRunner, error) {
	if socketPath == "" {
		socketPath = DefaultSocketPath
	}

	client, err := containerd.New(socketPath)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to containerd: %w", err)
	}

	return &ContainerdRunner{
		client:    client,
		namespace: DefaultNamespace,
		logger:    log.WithComponent("runtime"),
	}, nil
}

// Close closes the containerd client connection
func (r *ContainerdRunner) Close() error {
	if r.client != nil {
		return r.client.Close()
	}
	return nil
}

// Run pulls the image, executes the command and waits for exit. The
// container and its snapshot are removed before Run returns.
func (r *ContainerdRunner) Run(ctx context.Context, spec Spec) (Result, error) {
	ctx = namespaces.WithNamespace(ctx, r.namespace)

	image, err := r.ensureImage(ctx, spec.Image)
	if err != nil {
		return Result{}, err
	}

	opts := r.specOpts(image, spec)

	container, err := r.client.NewContainer(
		ctx,
		spec.Name,
		containerd.WithImage(image),
		containerd.WithNewSnapshot(spec.Name+"-snapshot", image),
		containerd.WithNewSpec(opts...),
	)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create container: %w", err)
	}
	defer func() {
		// Cleanup runs on a fresh context so cancellation does not leak
		// containers
		cleanupCtx, cancel := context.WithTimeout(namespaces.WithNamespace(context.Background(), r.namespace), 30*time.Second)
		defer cancel()
		if err := container.Delete(cleanupCtx, containerd.WithSnapshotCleanup); err != nil {
			r.logger.Warn().Str("container", spec.Name).Err(err).Msg("failed to delete container")
		}
	}()

	creator := cio.NewCreator(cio.WithStreams(nil, spec.Stdout, spec.Stderr))
	task, err := container.NewTask(ctx, creator)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create task: %w", err)
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(namespaces.WithNamespace(context.Background(), r.namespace), 30*time.Second)
		defer cancel()
		if _, err := task.Delete(cleanupCtx, containerd.WithProcessKill); err != nil {
			r.logger.Warn().Str("container", spec.Name).Err(err).Msg("failed to delete task")
		}
	}()

	statusC, err := task.Wait(ctx)
	if err != nil {
		return Result{}, fmt.Errorf("failed to wait for task: %w", err)
	}

	started := time.Now()
	if err := task.Start(ctx); err != nil {
		return Result{}, fmt.Errorf("failed to start task: %w", err)
	}

	select {
	case status := <-statusC:
		if err := status.Error(); err != nil {
			return Result{}, fmt.Errorf("task wait failed: %w", err)
		}
		return Result{
			ExitCode: int(status.ExitCode()),
			Duration: time.Since(started),
		}, nil
	case <-ctx.Done():
		// Cancelled or timed out: force kill, then report the cause
		killCtx, cancel := context.WithTimeout(namespaces.WithNamespace(context.Background(), r.namespace), 10*time.Second)
		defer cancel()
		if err := task.Kill(killCtx, syscall.SIGKILL); err != nil {
			r.logger.Warn().Str("container", spec.Name).Err(err).Msg("failed to kill task")
		}
		<-statusC
		return Result{}, ctx.Err()
	}
}

// ensureImage pulls the image if it is not already present.
func (r *ContainerdRunner) ensureImage(ctx context.Context, ref string) (containerd.Image, error) {
	if strings.HasSuffix(ref, ":latest") || !strings.Contains(ref, ":") {
		r.logger.Warn().Str("image", ref).Msg("image uses a mutable tag; results may not be reproducible")
	}
	if image, err := r.client.GetImage(ctx, ref); err == nil {
		return image, nil
	}
	image, err := r.client.Pull(ctx, ref, containerd.WithPullUnpack)
	if err != nil {
		return nil, fmt.Errorf("failed to pull image %s: %w", ref, err)
	}
	return image, nil
}

func (r *ContainerdRunner) specOpts(image containerd.Image, spec Spec) []oci.SpecOpts {
	opts := []oci.SpecOpts{
		oci.WithImageConfig(image),
		oci.WithProcessArgs(spec.Command...),
		oci.WithEnv(spec.Env),
	}
	if spec.WorkDir != "" {
		opts = append(opts, oci.WithProcessCwd(spec.WorkDir))
	}

	if len(spec.Mounts) > 0 {
		mounts := make([]specs.Mount, 0, len(spec.Mounts))
		for _, m := range spec.Mounts {
			options := []string{"rbind"}
			if m.ReadOnly {
				options = append(options, "ro")
			} else {
				options = append(options, "rw")
			}
			mounts = append(mounts, specs.Mount{
				Source:      m.Source,
				Destination: m.Destination,
				Type:        "bind",
				Options:     options,
			})
		}
		opts = append(opts, oci.WithMounts(mounts))
	}

	if spec.MemoryMiB > 0 {
		opts = append(opts, oci.WithMemoryLimit(uint64(spec.MemoryMiB)*1024*1024))
	}
	if spec.CPUCores > 0 {
		quota := int64(spec.CPUCores * float64(cpuPeriod))
		opts = append(opts, oci.WithCPUCFS(quota, cpuPeriod))
	}

	if spec.NetworkAccess {
		opts = append(opts, oci.WithHostNamespace(specs.NetworkNamespace))
	}

	if spec.UID != nil {
		gid := uint32(0)
		if spec.GID != nil {
			gid = *spec.GID
		}
		opts = append(opts, oci.WithUIDGID(*spec.UID, gid))
	}

	return opts
}
