package engine

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"

	"sandboxd/internal/logging"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/errdefs"
	"github.com/docker/go-connections/nat"
)

// Docker drives the container engine through its API socket instead of
// shelling out to the CLI. The one exception is ExecInteractive: attaching a
// real PTY to an in-container shell still goes through `docker exec -it`,
// because the multiplexer owns the PTY file descriptor and resizes it with
// the terminal ioctl.
type Docker struct {
	api    client.APIClient
	logger *logging.Logger
}

func NewDocker(logger *logging.Logger) (*Docker, error) {
	api, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}
	return &Docker{api: api, logger: logger}, nil
}

// NewDockerWithClient exists for tests that stub the API client.
func NewDockerWithClient(api client.APIClient, logger *logging.Logger) *Docker {
	return &Docker{api: api, logger: logger}
}

func (d *Docker) Exists(ctx context.Context, name string) (bool, error) {
	names, err := d.listNames(ctx, name, true)
	if err != nil {
		return false, err
	}
	return containsName(names, name), nil
}

func (d *Docker) IsRunning(ctx context.Context, name string) (bool, error) {
	names, err := d.listNames(ctx, name, false)
	if err != nil {
		return false, err
	}
	return containsName(names, name), nil
}

func (d *Docker) ListNames(ctx context.Context, prefix string) ([]string, error) {
	names, err := d.listNames(ctx, prefix, true)
	if err != nil {
		return nil, err
	}

	var matched []string
	for _, name := range names {
		if strings.HasPrefix(name, prefix) {
			matched = append(matched, name)
		}
	}
	return matched, nil
}

func (d *Docker) listNames(ctx context.Context, nameFilter string, all bool) ([]string, error) {
	list, err := d.api.ContainerList(ctx, container.ListOptions{
		All:     all,
		Filters: filters.NewArgs(filters.Arg("name", nameFilter)),
	})
	if err != nil {
		return nil, fmt.Errorf("list containers: %w", err)
	}

	var names []string
	for _, item := range list {
		for _, name := range item.Names {
			names = append(names, strings.TrimPrefix(name, "/"))
		}
	}
	return names, nil
}

func (d *Docker) CreateAndStart(ctx context.Context, spec Spec) error {
	exposed, bindings, err := portBindings(spec.PortStart, spec.PortEnd)
	if err != nil {
		return err
	}

	cfg := &container.Config{
		Image:        spec.Image,
		Hostname:     spec.Hostname,
		User:         spec.User,
		ExposedPorts: exposed,
	}
	hostCfg := &container.HostConfig{
		NetworkMode:  container.NetworkMode(spec.Network),
		CapDrop:      []string{"ALL"},
		SecurityOpt:  []string{"no-new-privileges"},
		Binds:        spec.Binds,
		PortBindings: bindings,
		Resources: container.Resources{
			NanoCPUs: spec.NanoCPUs,
			Memory:   spec.MemoryBytes,
		},
	}
	netCfg := &network.NetworkingConfig{}
	if spec.Network != "" {
		netCfg.EndpointsConfig = map[string]*network.EndpointSettings{
			spec.Network: {},
		}
	}

	created, err := d.api.ContainerCreate(ctx, cfg, hostCfg, netCfg, nil, spec.Name)
	if err != nil {
		return fmt.Errorf("create container %s: %w", spec.Name, err)
	}

	if err := d.api.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		// Do not leave a created-but-never-started container behind.
		removeErr := d.api.ContainerRemove(ctx, created.ID, container.RemoveOptions{Force: true})
		if removeErr != nil {
			d.logger.Warn("failed to remove unstarted container", map[string]string{
				"container": spec.Name,
				"error":     removeErr.Error(),
			})
		}
		return fmt.Errorf("start container %s: %w", spec.Name, err)
	}

	return nil
}

func (d *Docker) Start(ctx context.Context, name string) error {
	if err := d.api.ContainerStart(ctx, name, container.StartOptions{}); err != nil {
		return fmt.Errorf("start container %s: %w", name, err)
	}
	return nil
}

func (d *Docker) Remove(ctx context.Context, name string) error {
	if err := d.api.ContainerRemove(ctx, name, container.RemoveOptions{Force: true}); err != nil {
		if errdefs.IsNotFound(err) {
			return nil
		}
		return fmt.Errorf("remove container %s: %w", name, err)
	}
	return nil
}

// Processes returns the command string of every process inside the container,
// unfiltered. Classifying them as infrastructure or user work is the idle
// reaper's concern.
func (d *Docker) Processes(ctx context.Context, name string) ([]string, error) {
	top, err := d.api.ContainerTop(ctx, name, nil)
	if err != nil {
		return nil, fmt.Errorf("list container processes %s: %w", name, err)
	}

	cmdIndex := len(top.Titles) - 1
	for i, title := range top.Titles {
		if title == "COMMAND" || title == "CMD" {
			cmdIndex = i
			break
		}
	}

	var commands []string
	for _, row := range top.Processes {
		if cmdIndex >= 0 && cmdIndex < len(row) {
			commands = append(commands, row[cmdIndex])
		}
	}
	return commands, nil
}

func (d *Docker) Exec(ctx context.Context, name, user, script string) error {
	created, err := d.api.ContainerExecCreate(ctx, name, container.ExecOptions{
		User:         user,
		Cmd:          []string{"sh", "-lc", script},
		AttachStdout: true,
		AttachStderr: true,
	})
	if err != nil {
		return fmt.Errorf("create exec in %s: %w", name, err)
	}

	attached, err := d.api.ContainerExecAttach(ctx, created.ID, container.ExecStartOptions{})
	if err != nil {
		return fmt.Errorf("attach exec in %s: %w", name, err)
	}
	_, _ = io.Copy(io.Discard, attached.Reader)
	attached.Close()

	inspect, err := d.api.ContainerExecInspect(ctx, created.ID)
	if err != nil {
		return fmt.Errorf("inspect exec in %s: %w", name, err)
	}
	if inspect.ExitCode != 0 {
		return fmt.Errorf("exec in %s exited with status %d", name, inspect.ExitCode)
	}
	return nil
}

// ExecInteractive builds the command an interactive attach runs under a
// local PTY.
func (d *Docker) ExecInteractive(name, script string) (string, []string) {
	return "docker", []string{"exec", "-it", name, "sh", "-lc", script}
}

func (d *Docker) EnsureNetwork(ctx context.Context, name string) error {
	_, err := d.api.NetworkInspect(ctx, name, network.InspectOptions{})
	if err == nil {
		return nil
	}
	if !errdefs.IsNotFound(err) {
		return fmt.Errorf("inspect network %s: %w", name, err)
	}

	_, err = d.api.NetworkCreate(ctx, name, network.CreateOptions{
		Driver: "bridge",
		Options: map[string]string{
			// Sandboxes may reach the internet but not each other.
			"com.docker.network.bridge.enable_icc": "false",
		},
	})
	if err != nil {
		return fmt.Errorf("create network %s: %w", name, err)
	}

	d.logger.Info("created isolated sandbox network", map[string]string{
		"network": name,
	})
	return nil
}

func portBindings(start, end int) (nat.PortSet, nat.PortMap, error) {
	if start == 0 && end == 0 {
		return nil, nil, nil
	}
	if start <= 0 || end < start {
		return nil, nil, fmt.Errorf("invalid port range %d-%d", start, end)
	}

	exposed := nat.PortSet{}
	bindings := nat.PortMap{}
	for p := start; p <= end; p++ {
		port := nat.Port(strconv.Itoa(p) + "/tcp")
		exposed[port] = struct{}{}
		bindings[port] = []nat.PortBinding{{HostPort: strconv.Itoa(p)}}
	}
	return exposed, bindings, nil
}

func containsName(names []string, name string) bool {
	for _, candidate := range names {
		if candidate == name {
			return true
		}
	}
	return false
}
