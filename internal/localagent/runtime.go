package localagent

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"strings"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// InvokeResult is what a Runtime returns for one executable invocation.
type InvokeResult struct {
	ExitCode int
}

// Invocation is the fully resolved command a Runtime executes - the
// executor has already substituted every Argument's bound value into
// Argv, so runtimes never see domain types.
type Invocation struct {
	Path string
	Argv []string
}

// Runtime is the small capability interface every invocation backend
// satisfies (spec §9's "small capability interface the plugin
// satisfies"). Invoke passes every captured stdout/stderr line to out as it
// is produced, so the caller's Ring and ProgressEstimator stay current
// without the runtime knowing about either.
type Runtime struct {
	ID     string
	Invoke func(ctx context.Context, inv Invocation, out func(line string)) (InvokeResult, error)
}

// RuntimeRegistry stores registered Runtimes keyed by id, spec §9's "map
// keyed by (kind, id)" collapsed to one kind (runtime) since LocalAgent
// has only one runtime dimension.
type RuntimeRegistry struct {
	runtimes map[string]Runtime
}

// NewRuntimeRegistry builds a registry pre-populated with the docker and
// other built-ins.
func NewRuntimeRegistry(dockerClient client.APIClient) *RuntimeRegistry {
	reg := &RuntimeRegistry{runtimes: make(map[string]Runtime)}

	reg.Register(otherRuntime())

	if dockerClient != nil {
		reg.Register(dockerRuntime(dockerClient))
	}

	return reg
}

// Register adds or replaces rt, allowing plugin-provided runtimes beyond
// the two built-ins.
func (r *RuntimeRegistry) Register(rt Runtime) {
	r.runtimes[rt.ID] = rt
}

// Lookup returns the runtime registered under id.
func (r *RuntimeRegistry) Lookup(id string) (Runtime, bool) {
	rt, ok := r.runtimes[id]

	return rt, ok
}

// otherRuntime invokes the executable as a plain OS process via os/exec,
// the spec's built-in "other" runtime.
func otherRuntime() Runtime {
	return Runtime{
		ID: "other",
		Invoke: func(ctx context.Context, inv Invocation, out func(line string)) (InvokeResult, error) {
			cmd := exec.CommandContext(ctx, inv.Path, inv.Argv...)

			stdout, err := cmd.StdoutPipe()
			if err != nil {
				return InvokeResult{}, fmt.Errorf("localagent: stdout pipe: %w", err)
			}

			stderr, err := cmd.StderrPipe()
			if err != nil {
				return InvokeResult{}, fmt.Errorf("localagent: stderr pipe: %w", err)
			}

			if err := cmd.Start(); err != nil {
				return InvokeResult{}, fmt.Errorf("localagent: start process: %w", err)
			}

			done := make(chan struct{}, 2)
			go streamLines(stdout, out, done)
			go streamLines(stderr, out, done)
			<-done
			<-done

			err = cmd.Wait()

			exitCode := 0

			var exitErr *exec.ExitError
			if errors.As(err, &exitErr) {
				exitCode = exitErr.ExitCode()

				return InvokeResult{ExitCode: exitCode}, nil
			}

			if err != nil {
				if ctx.Err() != nil {
					return InvokeResult{}, ctx.Err()
				}

				return InvokeResult{}, fmt.Errorf("localagent: process wait: %w", err)
			}

			return InvokeResult{ExitCode: 0}, nil
		},
	}
}

// dockerRuntime runs the executable's Path as a container's entrypoint
// override on cli, grounded on the pack's docker/docker client usage
// (Trustflow-Network-Labs docker_service_execution.go).
func dockerRuntime(cli client.APIClient) Runtime {
	return Runtime{
		ID: "docker",
		Invoke: func(ctx context.Context, inv Invocation, out func(line string)) (InvokeResult, error) {
			resp, err := cli.ContainerCreate(ctx, &container.Config{
				Image:        inv.Path,
				Cmd:          inv.Argv,
				Tty:          false,
				AttachStdout: true,
				AttachStderr: true,
			}, nil, nil, nil, "")
			if err != nil {
				return InvokeResult{}, fmt.Errorf("localagent: create container: %w", err)
			}

			defer func() {
				_ = cli.ContainerRemove(context.Background(), resp.ID, container.RemoveOptions{Force: true})
			}()

			if err := cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
				return InvokeResult{}, fmt.Errorf("localagent: start container: %w", err)
			}

			logs, err := cli.ContainerLogs(ctx, resp.ID, container.LogsOptions{ShowStdout: true, ShowStderr: true, Follow: true})
			if err != nil {
				return InvokeResult{}, fmt.Errorf("localagent: attach logs: %w", err)
			}
			defer logs.Close()

			pr, pw := io.Pipe()

			go func() {
				_, _ = stdcopy.StdCopy(pw, pw, logs)
				pw.Close()
			}()

			done := make(chan struct{}, 1)
			go streamLines(pr, out, done)
			<-done

			waitCh, errCh := cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)

			select {
			case werr := <-errCh:
				return InvokeResult{}, fmt.Errorf("localagent: container wait: %w", werr)
			case status := <-waitCh:
				return InvokeResult{ExitCode: int(status.StatusCode)}, nil
			case <-ctx.Done():
				return InvokeResult{}, ctx.Err()
			}
		},
	}
}

func streamLines(r io.Reader, out func(line string), done chan struct{}) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)

	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if out != nil {
			out(line)
		}
	}

	done <- struct{}{}
}
