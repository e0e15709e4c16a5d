package runtime

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/client"

	"scand/internal/config"
	"scand/internal/scan"
	"scand/internal/trace"
)

// EngineConfig controls the sandbox containers scans execute in.
type EngineConfig struct {
	Image    string
	CPUs     int
	MemoryMB int
}

// LoadEngineConfigFromEnv reads SANDBOX_* variables.
func LoadEngineConfigFromEnv() EngineConfig {
	return EngineConfig{
		Image:    config.GetEnv("SANDBOX_IMAGE", "scand/sandbox:latest"),
		CPUs:     config.GetIntEnv("SANDBOX_CPUS", 2),
		MemoryMB: config.GetIntEnv("SANDBOX_MEMORY_MB", 4096),
	}
}

// EngineFactory builds container-backed engines sharing one Docker
// client.
type EngineFactory struct {
	cli    *client.Client
	cfg    EngineConfig
	logger *slog.Logger
}

var _ scan.Factory = (*EngineFactory)(nil)

// NewEngineFactory reuses the sandbox's Docker client.
func NewEngineFactory(sandbox *DockerSandbox, cfg EngineConfig) *EngineFactory {
	return &EngineFactory{
		cli:    sandbox.cli,
		cfg:    cfg,
		logger: sandbox.logger.With("component", "engine"),
	}
}

// NewEngine builds one engine per scan start.
func (f *EngineFactory) NewEngine(cfg scan.Config) (scan.Engine, error) {
	return &containerEngine{
		cli:    f.cli,
		cfg:    f.cfg,
		logger: f.logger.With("scanId", cfg.ScanID),
	}, nil
}

// containerEngine runs one scan inside a labeled sandbox container and
// treats the container's exit code as the scan outcome.
type containerEngine struct {
	cli    *client.Client
	cfg    EngineConfig
	logger *slog.Logger
}

func (e *containerEngine) Run(ctx context.Context, cfg scan.Config, tr *trace.Trace) error {
	if err := e.pullIfMissing(ctx, e.cfg.Image); err != nil {
		return fmt.Errorf("pulling sandbox image: %w", err)
	}

	targets, err := json.Marshal(cfg.Targets)
	if err != nil {
		return fmt.Errorf("encoding targets: %w", err)
	}
	containerConfig := &container.Config{
		Image: e.cfg.Image,
		Env: []string{
			"SCAN_ID=" + cfg.ScanID,
			"RUN_NAME=" + cfg.RunName,
			"TARGETS=" + string(targets),
			"USER_INSTRUCTIONS=" + cfg.UserInstructions,
			fmt.Sprintf("MAX_ITERATIONS=%d", cfg.MaxIterations),
		},
		Labels: map[string]string{
			ScanLabel:    cfg.ScanID,
			"managed-by": "scand",
		},
	}
	hostConfig := &container.HostConfig{
		Resources: container.Resources{
			NanoCPUs: int64(e.cfg.CPUs) * 1e9,
			Memory:   int64(e.cfg.MemoryMB) * 1024 * 1024,
		},
	}

	name := "scand-" + cfg.ScanID
	resp, err := e.cli.ContainerCreate(ctx, containerConfig, hostConfig, nil, nil, name)
	if err != nil {
		return fmt.Errorf("creating sandbox container: %w", err)
	}
	if err := e.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("starting sandbox container: %w", err)
	}

	tr.LogAgentCreation("root", cfg.RunName, "run scan in sandbox "+name, "")
	e.logger.Info("Sandbox container started", "containerId", resp.ID)

	exitCode, err := e.waitForExit(ctx, resp.ID)
	if ctx.Err() != nil {
		// Cancellation: stop the container, the registry tears it down.
		stopCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		defer cancel()
		stopSecs := 10
		if err := e.cli.ContainerStop(stopCtx, resp.ID, container.StopOptions{Timeout: &stopSecs}); err != nil {
			e.logger.Warn("Failed to stop sandbox container", "containerId", resp.ID, "error", err)
		}
		tr.UpdateAgentStatus("root", "stopped", "")
		return ctx.Err()
	}
	if err != nil {
		tr.UpdateAgentStatus("root", "failed", err.Error())
		return fmt.Errorf("waiting for sandbox container: %w", err)
	}
	if exitCode != 0 {
		msg := fmt.Sprintf("sandbox exited with code %d", exitCode)
		tr.UpdateAgentStatus("root", "failed", msg)
		return fmt.Errorf("%s", msg)
	}

	tr.UpdateAgentStatus("root", "completed", "")
	return nil
}

func (e *containerEngine) waitForExit(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := e.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
	select {
	case <-ctx.Done():
		return -1, ctx.Err()
	case err := <-errCh:
		return -1, err
	case status := <-statusCh:
		if status.Error != nil {
			return int(status.StatusCode), fmt.Errorf("%s", status.Error.Message)
		}
		return int(status.StatusCode), nil
	}
}

func (e *containerEngine) pullIfMissing(ctx context.Context, imageName string) error {
	if _, err := e.cli.ImageInspect(ctx, imageName); err == nil {
		return nil
	}
	reader, err := e.cli.ImagePull(ctx, imageName, image.PullOptions{})
	if err != nil {
		return err
	}
	defer reader.Close()
	_, err = io.Copy(io.Discard, reader)
	return err
}
