package docker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/google/uuid"
)

const managedLabel = "dev.coderunner.sandbox"

// Pool keeps pre-warmed sandbox containers for the default image.
type Pool struct {
	cli        client.APIClient
	config     Config
	logger     *slog.Logger
	containers chan string
	done       chan struct{}
	wg         sync.WaitGroup
	startOnce  sync.Once
	stopOnce   sync.Once
}

// NewPool initializes a new container pool wrapper.
func NewPool(cli client.APIClient, cfg Config, logger *slog.Logger) *Pool {
	return &Pool{
		cli:        cli,
		config:     cfg,
		logger:     logger,
		containers: make(chan string, max(cfg.PoolSize, 1)),
		done:       make(chan struct{}),
	}
}

// Start begins filling the pool in the background.
func (p *Pool) Start() {
	if p.config.PoolSize <= 0 {
		return
	}
	p.startOnce.Do(func() {
		p.logger.Info("starting sandbox pool manager", slog.Int("poolSize", p.config.PoolSize))
		p.wg.Add(1)
		go p.manager()
	})
}

// Stop shuts down the manager and removes every pre-warmed container.
func (p *Pool) Stop() {
	p.stopOnce.Do(func() {
		p.logger.Info("shutting down sandbox pool")
		close(p.done)
		p.wg.Wait()

		for {
			select {
			case id := <-p.containers:
				p.removeContainer(id)
			default:
				return
			}
		}
	})
}

// Acquire returns a ready container for image. Pre-warmed containers serve the
// default image; anything else, or an empty pool, gets a fresh container.
func (p *Pool) Acquire(ctx context.Context, image string) (string, error) {
	if image == p.config.Image && p.config.PoolSize > 0 {
		select {
		case id := <-p.containers:
			return id, nil
		default:
		}
	}
	return p.createContainer(ctx, image)
}

// manager continuously ensures the pool is at capacity.
func (p *Pool) manager() {
	defer p.wg.Done()

	for {
		select {
		case <-p.done:
			return
		default:
		}

		if len(p.containers) >= cap(p.containers) {
			select {
			case <-p.done:
				return
			case <-time.After(100 * time.Millisecond):
			}
			continue
		}

		ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		id, err := p.createContainer(ctx, p.config.Image)
		cancel()
		if err != nil {
			p.logger.Error("failed to create pre-warmed sandbox", slog.String("error", err.Error()))
			select {
			case <-p.done:
				return
			case <-time.After(time.Second):
			}
			continue
		}

		select {
		case p.containers <- id:
		case <-p.done:
			p.removeContainer(id)
			return
		}
	}
}

// createContainer starts a locked-down container running `sleep infinity`.
// The root filesystem is read-only; /tmp and the work dir are tmpfs mounts.
func (p *Pool) createContainer(ctx context.Context, image string) (string, error) {
	tmpfsOpts := fmt.Sprintf("rw,exec,nosuid,size=%s,mode=1777", p.config.TmpfsSize)
	hostConfig := &container.HostConfig{
		NetworkMode: container.NetworkMode(p.config.NetworkMode),
		Resources: container.Resources{
			Memory:   p.config.MemoryLimit,
			NanoCPUs: int64(p.config.CPULimit * 1e9),
		},
		ReadonlyRootfs: true,
		Tmpfs: map[string]string{
			"/tmp":           tmpfsOpts,
			p.config.WorkDir: tmpfsOpts,
		},
		SecurityOpt: []string{"no-new-privileges"},
		CapDrop:     []string{"ALL"},
	}

	name := "coderunner-" + uuid.NewString()
	resp, err := p.cli.ContainerCreate(ctx, &container.Config{
		Image:      image,
		Cmd:        []string{"sleep", "infinity"},
		WorkingDir: p.config.WorkDir,
		User:       "nobody",
		Env:        []string{"HOME=/tmp", "npm_config_cache=/tmp/.npm"},
		Labels:     map[string]string{managedLabel: "true"},
	}, hostConfig, nil, nil, name)
	if err != nil {
		return "", fmt.Errorf("ContainerCreate failed: %w", err)
	}

	if err := p.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		p.removeContainer(resp.ID)
		return "", fmt.Errorf("ContainerStart failed: %w", err)
	}

	return resp.ID, nil
}

// removeContainer force removes a container by ID.
func (p *Pool) removeContainer(id string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := p.cli.ContainerRemove(ctx, id, container.RemoveOptions{Force: true}); err != nil {
		p.logger.Warn("failed to remove sandbox container",
			slog.String("id", id),
			slog.String("error", err.Error()),
		)
	}
}
