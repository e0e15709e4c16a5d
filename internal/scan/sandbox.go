package scan

import "context"

// ContainerInfo describes a sandbox container attached to a scan.
type ContainerInfo struct {
	ID    string `json:"container_id"`
	Name  string `json:"container_name"`
	State string `json:"state"`
}

// Sandbox abstracts the container runtime used for scan isolation. The
// registry uses it to report and tear down containers; engine
// implementations create them.
type Sandbox interface {
	// ContainersFor lists containers labeled with the scan id.
	ContainersFor(ctx context.Context, scanID string) ([]ContainerInfo, error)

	// Teardown stops and removes all containers for the scan.
	// Best-effort: the first error is returned but removal continues.
	Teardown(ctx context.Context, scanID string) error

	// Ready reports whether the runtime is reachable.
	Ready(ctx context.Context) error
}
