// Copyright 2020-2021 (c) Cognizant Digital Business, Evolutionary AI. All rights reserved. Issued under the Apache 2.0 License.

package sandbox

// This file contains the wrapper around the Docker engine API client that the
// sandbox lifecycle, the metrics sampler and the cleanup sweeps share

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"io"
	"os"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/filters"
	"github.com/docker/docker/api/types/image"
	"github.com/docker/docker/api/types/mount"
	docker "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/valyala/fastjson"

	"github.com/go-stack/stack"
	"github.com/jjeffery/kv" // MIT License
)

// Client wraps the engine API connection.  All lifecycle operations on the
// engine are assumed thread safe at the library level, a single Client is
// shared across the process.
type Client struct {
	cli *docker.Client
}

// NewClient connects to the engine described by the standard DOCKER_HOST
// family of environment variables
func NewClient() (c *Client, err kv.Error) {
	cli, errGo := docker.NewClientWithOpts(docker.FromEnv, docker.WithAPIVersionNegotiation())
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	return &Client{cli: cli}, nil
}

// Close releases the engine connection
func (c *Client) Close() (err kv.Error) {
	if errGo := c.cli.Close(); errGo != nil {
		return kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// IsNotFound tests whether an engine error denotes a resource that no longer
// exists, which the sampler treats as a clean end of its run
func IsNotFound(errGo error) bool {
	return errGo != nil && docker.IsErrNotFound(errGo)
}

// LoadImage streams an image tarball into the engine and returns the id of
// the loaded image.  The id rather than a tag is handed back so that the
// remove in the cleanup phase takes the image out entirely no matter how
// many tags the tarball carried.
func (c *Client) LoadImage(ctx context.Context, tarPath string) (imageID string, err kv.Error) {
	file, errGo := os.Open(tarPath)
	if errGo != nil {
		return "", kv.Wrap(errGo).With("tar", tarPath).With("stack", stack.Trace().TrimRuntime())
	}
	defer file.Close()

	resp, errGo := c.cli.ImageLoad(ctx, file, true)
	if errGo != nil {
		return "", kv.Wrap(errGo).With("tar", tarPath).With("stack", stack.Trace().TrimRuntime())
	}
	defer resp.Body.Close()

	ref, err := parseLoadStream(resp.Body)
	if err != nil {
		return "", err.With("tar", tarPath)
	}

	if strings.HasPrefix(ref, "sha256:") {
		return ref, nil
	}

	inspected, _, errGo := c.cli.ImageInspectWithRaw(ctx, ref)
	if errGo != nil {
		return "", kv.Wrap(errGo).With("image", ref).With("stack", stack.Trace().TrimRuntime())
	}
	return inspected.ID, nil
}

// parseLoadStream extracts the loaded image reference from the JSON message
// stream an image load returns.  The stream carries lines such as
// {"stream":"Loaded image: busybox:latest\n"} or an error payload when the
// tarball was rejected.
func parseLoadStream(r io.Reader) (ref string, err kv.Error) {
	parser := fastjson.Parser{}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if len(line) == 0 {
			continue
		}
		v, errGo := parser.Parse(line)
		if errGo != nil {
			continue
		}
		if msg := v.GetStringBytes("error"); len(msg) != 0 {
			return "", kv.NewError(string(msg)).With("stack", stack.Trace().TrimRuntime())
		}
		stream := strings.TrimSpace(string(v.GetStringBytes("stream")))
		for _, prefix := range []string{"Loaded image: ", "Loaded image ID: "} {
			if strings.HasPrefix(stream, prefix) && len(ref) == 0 {
				ref = strings.TrimPrefix(stream, prefix)
			}
		}
	}
	if errGo := scanner.Err(); errGo != nil {
		return "", kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	if len(ref) == 0 {
		return "", kv.NewError("image load response named no image").With("stack", stack.Trace().TrimRuntime())
	}
	return ref, nil
}

// CreateContainer creates a container for the supplied image with the bind
// mounts and resource limits applied.  The container runs the image's
// default command as root with networking disabled, the sandbox contract
// for evaluation runs.
func (c *Client) CreateContainer(ctx context.Context, imageID string, mounts []Mount, memoryBytes int64, nanoCPUs int64) (containerID string, err kv.Error) {
	binds := make([]mount.Mount, 0, len(mounts))
	for _, m := range mounts {
		binds = append(binds, mount.Mount{
			Type:     mount.TypeBind,
			Source:   m.Source,
			Target:   m.Target,
			ReadOnly: m.ReadOnly,
		})
	}

	cfg := &container.Config{
		Image:           imageID,
		User:            "root",
		NetworkDisabled: true,
	}
	hostCfg := &container.HostConfig{
		Mounts: binds,
		Resources: container.Resources{
			Memory:   memoryBytes,
			NanoCPUs: nanoCPUs,
		},
	}

	resp, errGo := c.cli.ContainerCreate(ctx, cfg, hostCfg, nil, nil, "")
	if errGo != nil {
		return "", kv.Wrap(errGo).With("image", imageID).With("stack", stack.Trace().TrimRuntime())
	}
	return resp.ID, nil
}

// StartContainer starts a created container
func (c *Client) StartContainer(ctx context.Context, containerID string) (err kv.Error) {
	if errGo := c.cli.ContainerStart(ctx, containerID, container.StartOptions{}); errGo != nil {
		return kv.Wrap(errGo).With("container", containerID).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// WaitContainer returns the engine's channel pair for a container leaving
// the running state.  The caller races the pair against its own deadline.
func (c *Client) WaitContainer(ctx context.Context, containerID string) (waitC <-chan container.WaitResponse, errC <-chan error) {
	return c.cli.ContainerWait(ctx, containerID, container.WaitConditionNotRunning)
}

// StopContainer asks a container to exit, killing it once the grace period
// has passed.  A container that is already gone is not an error.
func (c *Client) StopContainer(ctx context.Context, containerID string, grace time.Duration) (err kv.Error) {
	seconds := int(grace / time.Second)
	errGo := c.cli.ContainerStop(ctx, containerID, container.StopOptions{Timeout: &seconds})
	if errGo != nil && !IsNotFound(errGo) {
		return kv.Wrap(errGo).With("container", containerID).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// Logs fetches the merged stdout and stderr of a container.  The engine
// multiplexes the two streams over one connection, they are demuxed here
// into a single transcript in arrival order and coerced to valid UTF-8.
func (c *Client) Logs(ctx context.Context, containerID string) (logs string, err kv.Error) {
	reader, errGo := c.cli.ContainerLogs(ctx, containerID, container.LogsOptions{
		ShowStdout: true,
		ShowStderr: true,
	})
	if errGo != nil {
		return "", kv.Wrap(errGo).With("container", containerID).With("stack", stack.Trace().TrimRuntime())
	}
	defer reader.Close()

	merged := &bytes.Buffer{}
	if _, errGo = stdcopy.StdCopy(merged, merged, reader); errGo != nil {
		return "", kv.Wrap(errGo).With("container", containerID).With("stack", stack.Trace().TrimRuntime())
	}
	return strings.ToValidUTF8(merged.String(), string(utf8.RuneError)), nil
}

// RemoveContainer force removes a container and its anonymous volumes
func (c *Client) RemoveContainer(ctx context.Context, containerID string) (err kv.Error) {
	errGo := c.cli.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true, RemoveVolumes: true})
	if errGo != nil && !IsNotFound(errGo) {
		return kv.Wrap(errGo).With("container", containerID).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// RemoveImage force removes an image regardless of how many tags point at it
func (c *Client) RemoveImage(ctx context.Context, imageID string) (err kv.Error) {
	_, errGo := c.cli.ImageRemove(ctx, imageID, image.RemoveOptions{Force: true, PruneChildren: true})
	if errGo != nil && !IsNotFound(errGo) {
		return kv.Wrap(errGo).With("image", imageID).With("stack", stack.Trace().TrimRuntime())
	}
	return nil
}

// ListExitedContainers returns the ids of every container the engine holds
// in the exited state
func (c *Client) ListExitedContainers(ctx context.Context) (ids []string, err kv.Error) {
	list, errGo := c.cli.ContainerList(ctx, container.ListOptions{
		All:     true,
		Filters: filters.NewArgs(filters.Arg("status", "exited")),
	})
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	ids = make([]string, 0, len(list))
	for _, item := range list {
		ids = append(ids, item.ID)
	}
	return ids, nil
}

// ListDanglingImages returns the untagged images the engine holds keyed to
// their creation times, the input for age based garbage collection
func (c *Client) ListDanglingImages(ctx context.Context) (created map[string]time.Time, err kv.Error) {
	list, errGo := c.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("dangling", "true")),
	})
	if errGo != nil {
		return nil, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	created = make(map[string]time.Time, len(list))
	for _, item := range list {
		created[item.ID] = time.Unix(item.Created, 0)
	}
	return created, nil
}

// Stats is the portion of the engines statistics payload used by the
// metrics sampler
type Stats struct {
	CPUStats struct {
		CPUUsage struct {
			TotalUsage  uint64   `json:"total_usage"`
			PercpuUsage []uint64 `json:"percpu_usage"`
		} `json:"cpu_usage"`
		SystemCPUUsage uint64 `json:"system_cpu_usage"`
		OnlineCPUs     uint32 `json:"online_cpus"`
	} `json:"cpu_stats"`
	PrecpuStats struct {
		CPUUsage struct {
			TotalUsage uint64 `json:"total_usage"`
		} `json:"cpu_usage"`
		SystemCPUUsage uint64 `json:"system_cpu_usage"`
	} `json:"precpu_stats"`
	MemoryStats struct {
		Usage uint64 `json:"usage"`
		Limit uint64 `json:"limit"`
	} `json:"memory_stats"`
}

// StatsOnce gets one statistics snapshot for a running container
func (c *Client) StatsOnce(ctx context.Context, containerID string) (stats *Stats, errGo error) {
	resp, errGo := c.cli.ContainerStats(ctx, containerID, false)
	if errGo != nil {
		return nil, errGo
	}
	defer resp.Body.Close()

	stats = &Stats{}
	if errGo = json.NewDecoder(resp.Body).Decode(stats); errGo != nil {
		return nil, errGo
	}
	return stats, nil
}

// EngineFacts is the health snapshot of the container engine
type EngineFacts struct {
	Images     int `json:"images"`
	Containers int `json:"containers"`
	Running    int `json:"running"`
	Dangling   int `json:"dangling"`
}

// GetEngineFacts collects counts of engine resources for health reporting
func (c *Client) GetEngineFacts(ctx context.Context) (facts EngineFacts, err kv.Error) {
	info, errGo := c.cli.Info(ctx)
	if errGo != nil {
		return facts, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	facts.Images = info.Images
	facts.Containers = info.Containers
	facts.Running = info.ContainersRunning

	dangling, errGo := c.cli.ImageList(ctx, image.ListOptions{
		Filters: filters.NewArgs(filters.Arg("dangling", "true")),
	})
	if errGo != nil {
		return facts, kv.Wrap(errGo).With("stack", stack.Trace().TrimRuntime())
	}
	facts.Dangling = len(dangling)
	return facts, nil
}
