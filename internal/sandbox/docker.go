package sandbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// Docker runs programs in ephemeral containers. This is the kernel-isolated
// tier: deny-all network maps to Docker's "none" network, filesystem access
// is limited to explicit binds, and the memory ceiling is enforced by the
// container runtime.
type Docker struct {
	client *client.Client
	image  string
}

// NewDocker creates a container-backed provider. The image should carry a
// shell; command programs run under `sh -c`.
func NewDocker(image string) (*Docker, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("docker client: %w", err)
	}
	if image == "" {
		image = "alpine:3.20"
	}
	return &Docker{client: cli, image: image}, nil
}

func (d *Docker) Name() string { return "docker" }

func (d *Docker) Available() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	_, err := d.client.Ping(ctx)
	return err == nil
}

func (d *Docker) Close() error {
	return d.client.Close()
}

func (d *Docker) Execute(ctx context.Context, program Program, input []byte, profile Profile) (*Result, error) {
	if len(program.Command) == 0 {
		return nil, &Fault{Reason: FaultUnsupported, CapabilityID: program.CapabilityID, Detail: "docker backend requires a command program"}
	}

	stagedPath, inline, err := StageInput(profile, input)
	if err != nil {
		return nil, &Fault{Reason: FaultBootFailure, CapabilityID: program.CapabilityID, Detail: err.Error()}
	}

	cmd := append([]string{}, program.Command...)
	env := buildEnv(profile, stagedPath != "")
	if stagedPath == "" && len(inline) > 0 {
		cmd = append(cmd, string(inline))
	}

	binds := buildBinds(profile, stagedPath)

	networkMode := "bridge"
	if profile.Network.DenyAll {
		networkMode = "none"
	}

	memory := profile.MemoryMB * (1 << 20)

	runCtx, cancel := context.WithTimeout(ctx, profile.EffectiveTimeout())
	defer cancel()

	resp, err := d.client.ContainerCreate(runCtx, &container.Config{
		Image:      d.image,
		Cmd:        cmd,
		Env:        env,
		WorkingDir: "/workspace",
		Tty:        false,
	}, &container.HostConfig{
		Resources: container.Resources{
			Memory: memory,
		},
		NetworkMode: container.NetworkMode(networkMode),
		Binds:       binds,
		AutoRemove:  true,
	}, nil, nil, "")
	if err != nil {
		return nil, &Fault{Reason: FaultBootFailure, CapabilityID: program.CapabilityID, Detail: fmt.Sprintf("create container: %v", err)}
	}
	containerID := resp.ID

	start := time.Now()
	if err := d.client.ContainerStart(runCtx, containerID, container.StartOptions{}); err != nil {
		return nil, &Fault{Reason: FaultBootFailure, CapabilityID: program.CapabilityID, Detail: fmt.Sprintf("start container: %v", err)}
	}

	var exitCode int64
	var oomKilled bool
	statusCh, errCh := d.client.ContainerWait(runCtx, containerID, container.WaitConditionNotRunning)
	select {
	case err := <-errCh:
		return nil, &Fault{Reason: FaultBootFailure, CapabilityID: program.CapabilityID, Detail: fmt.Sprintf("wait container: %v", err)}
	case status := <-statusCh:
		exitCode = status.StatusCode
	case <-runCtx.Done():
		// Forcible termination on deadline: the profile's wall clock is a
		// hard limit, not a suggestion.
		killCtx, killCancel := context.WithTimeout(context.Background(), 5*time.Second)
		_ = d.client.ContainerKill(killCtx, containerID, "SIGKILL")
		killCancel()
		return nil, &Fault{Reason: FaultTimeout, CapabilityID: program.CapabilityID, Detail: "wall-clock limit exceeded"}
	}
	duration := time.Since(start)

	// 137 = SIGKILL, the usual signature of the cgroup OOM killer under a
	// memory ceiling.
	if exitCode == 137 {
		oomKilled = true
	}

	logCtx, logCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer logCancel()
	out, err := d.client.ContainerLogs(logCtx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	var stdoutBuf, stderrBuf bytes.Buffer
	if err == nil {
		defer out.Close()
		_, _ = stdcopy.StdCopy(&stdoutBuf, &stderrBuf, out)
	}

	if oomKilled {
		return nil, &Fault{Reason: FaultMemoryExceeded, CapabilityID: program.CapabilityID, Detail: fmt.Sprintf("memory ceiling %dMB breached", profile.MemoryMB)}
	}
	if exitCode != 0 {
		detail := strings.TrimSpace(stderrBuf.String())
		if detail == "" {
			detail = fmt.Sprintf("exit code %d", exitCode)
		}
		return nil, &Fault{Reason: FaultExecError, CapabilityID: program.CapabilityID, Detail: detail}
	}

	output := bytes.TrimSpace(stdoutBuf.Bytes())
	if !json.Valid(output) {
		quoted, _ := json.Marshal(string(output))
		output = quoted
	}
	return &Result{Output: output, Duration: duration}, nil
}

func buildEnv(profile Profile, staged bool) []string {
	var env []string
	for _, key := range profile.EnvAllowList {
		if v, ok := os.LookupEnv(key); ok {
			env = append(env, key+"="+v)
		}
	}
	if staged {
		env = append(env, "CAPSTAN_INPUT=/input/input.json")
	}
	return env
}

func buildBinds(profile Profile, stagedPath string) []string {
	var binds []string
	for _, p := range profile.ReadOnlyPaths {
		binds = append(binds, fmt.Sprintf("%s:%s:ro", p, p))
	}
	if profile.ScratchDir != "" {
		binds = append(binds, fmt.Sprintf("%s:/workspace", profile.ScratchDir))
	}
	if stagedPath != "" {
		binds = append(binds, fmt.Sprintf("%s:/input/input.json:ro", stagedPath))
	}
	return binds
}
