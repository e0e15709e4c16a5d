// Package runtime provides the Docker-backed sandbox used for scan
// isolation. Containers belonging to a scan carry the scan-id label;
// everything here works off that label.
package runtime

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/client"

	"scand/internal/scan"
)

// ScanLabel marks a container as belonging to a scan; its value is the
// scan id.
const ScanLabel = "scand.scan.id"

// DockerSandbox implements scan.Sandbox against a Docker daemon.
type DockerSandbox struct {
	cli    *client.Client
	logger *slog.Logger
}

// NewDockerSandbox connects to the daemon using the standard DOCKER_*
// environment variables.
func NewDockerSandbox(logger *slog.Logger) (*DockerSandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("creating docker client: %w", err)
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DockerSandbox{cli: cli, logger: logger.With("component", "sandbox")}, nil
}

func (d *DockerSandbox) list(ctx context.Context, scanID string) ([]container.Summary, error) {
	return d.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("label", ScanLabel+"="+scanID)),
	})
}

// ContainersFor lists the containers labeled with the scan id.
func (d *DockerSandbox) ContainersFor(ctx context.Context, scanID string) ([]scan.ContainerInfo, error) {
	summaries, err := d.list(ctx, scanID)
	if err != nil {
		return nil, fmt.Errorf("listing containers for scan %s: %w", scanID, err)
	}
	infos := make([]scan.ContainerInfo, 0, len(summaries))
	for _, s := range summaries {
		name := s.ID
		if len(s.Names) > 0 {
			name = strings.TrimPrefix(s.Names[0], "/")
		}
		infos = append(infos, scan.ContainerInfo{ID: s.ID, Name: name, State: s.State})
	}
	return infos, nil
}

// Teardown stops and removes every container for the scan. Removal of
// the remaining containers continues past individual failures; the
// first error is returned.
func (d *DockerSandbox) Teardown(ctx context.Context, scanID string) error {
	summaries, err := d.list(ctx, scanID)
	if err != nil {
		return fmt.Errorf("listing containers for scan %s: %w", scanID, err)
	}

	var firstErr error
	stopSecs := 10
	for _, s := range summaries {
		if err := d.cli.ContainerStop(ctx, s.ID, container.StopOptions{Timeout: &stopSecs}); err != nil {
			d.logger.Warn("Failed to stop container", "scanId", scanID, "containerId", s.ID, "error", err)
		}
		if err := d.cli.ContainerRemove(ctx, s.ID, container.RemoveOptions{Force: true}); err != nil {
			d.logger.Warn("Failed to remove container", "scanId", scanID, "containerId", s.ID, "error", err)
			if firstErr == nil {
				firstErr = err
			}
		}
	}
	return firstErr
}

// Ready reports whether the daemon answers a ping.
func (d *DockerSandbox) Ready(ctx context.Context) error {
	if _, err := d.cli.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping: %w", err)
	}
	return nil
}

// Close releases the underlying client.
func (d *DockerSandbox) Close() error {
	return d.cli.Close()
}

var _ scan.Sandbox = (*DockerSandbox)(nil)
