package qa

import (
	"bytes"
	"context"
	"fmt"
	"time"

	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
)

// CheckOutcome is the result of running a single shell check.
type CheckOutcome struct {
	Command    string
	Skipped    bool // "missing script" style errors count as skipped, not failed
	Failed     bool
	TimedOut   bool
	StdoutTail string
	StderrTail string
}

const tailBytes = 2000

// Sandbox runs allowlisted deterministic shell checks inside an ephemeral
// container, adapting the teacher's DockerDispatcher container-per-task
// pattern to a single short-lived command instead of a long-running agent.
type Sandbox struct {
	cli       *client.Client
	image     string
	allowlist Allowlist
	timeout   time.Duration
}

// NewSandbox builds a Sandbox backed by the local docker daemon, with the
// given allowlist and per-check timeout (default 90s per spec §4.7).
func NewSandbox(image string, allowlist Allowlist, timeout time.Duration) (*Sandbox, error) {
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return nil, fmt.Errorf("qa: init docker client: %w", err)
	}
	if timeout <= 0 {
		timeout = 90 * time.Second
	}
	return &Sandbox{cli: cli, image: image, allowlist: allowlist, timeout: timeout}, nil
}

// RunCheck executes one shell check, honoring the allowlist and the 90s
// hard timeout. A disallowed command is never executed: it fails with the
// documented stderr message and no container is started.
func (s *Sandbox) RunCheck(ctx context.Context, workDir, command string) CheckOutcome {
	base, rest, allowed := s.allowlist.IsAllowed(command)
	if !allowed {
		return CheckOutcome{
			Command:    command,
			Failed:     true,
			StderrTail: notAllowedPrefix + command,
		}
	}

	full := base
	if rest != "" {
		full = base + " " + rest
	}

	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	resp, err := s.cli.ContainerCreate(ctx, &container.Config{
		Image:      s.image,
		Cmd:        []string{"sh", "-c", full},
		WorkingDir: "/workspace",
		Tty:        false,
	}, &container.HostConfig{
		Binds:      []string{workDir + ":/workspace"},
		AutoRemove: true,
	}, nil, nil, "")
	if err != nil {
		return CheckOutcome{Command: command, Skipped: true, StderrTail: "missing script: " + err.Error()}
	}

	if err := s.cli.ContainerStart(ctx, resp.ID, container.StartOptions{}); err != nil {
		return CheckOutcome{Command: command, Failed: true, StderrTail: err.Error()}
	}

	statusCh, errCh := s.cli.ContainerWait(ctx, resp.ID, container.WaitConditionNotRunning)
	var exitCode int64
	select {
	case <-ctx.Done():
		_ = s.cli.ContainerKill(context.Background(), resp.ID, "KILL")
		return CheckOutcome{Command: command, Failed: true, TimedOut: true, StderrTail: "[timeout]"}
	case err := <-errCh:
		return CheckOutcome{Command: command, Failed: true, StderrTail: err.Error()}
	case st := <-statusCh:
		exitCode = st.StatusCode
	}

	out, stdout, stderr := s.captureOutput(ctx, resp.ID)
	if out != nil {
		return CheckOutcome{Command: command, Failed: true, StderrTail: out.Error()}
	}

	return CheckOutcome{
		Command:    command,
		Failed:     exitCode != 0,
		StdoutTail: tail(stdout, tailBytes),
		StderrTail: tail(stderr, tailBytes),
	}
}

func (s *Sandbox) captureOutput(ctx context.Context, containerID string) (error, string, string) {
	rc, err := s.cli.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		return err, "", ""
	}
	defer rc.Close()

	var stdout, stderr bytes.Buffer
	if _, err := stdcopy.StdCopy(&stdout, &stderr, rc); err != nil {
		return err, "", ""
	}
	return nil, stdout.String(), stderr.String()
}

func tail(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[len(s)-n:]
}

// AggregateScore combines a set of deterministic check outcomes into a pass
// flag and a banded qualityScore, spec §4.7 step 2: pass iff zero real
// failures, score from {0.3, 0.7, 0.85, 1.0} by the mix of pass/skip/fail.
func AggregateScore(outcomes []CheckOutcome) (pass bool, qualityScore float64, defects []string) {
	if len(outcomes) == 0 {
		return true, 0.9, nil
	}

	var passed, skipped, failed int
	for _, o := range outcomes {
		switch {
		case o.Skipped:
			skipped++
		case o.Failed:
			failed++
			msg := o.StderrTail
			if msg == "" {
				msg = "check failed: " + o.Command
			}
			defects = append(defects, msg)
		default:
			passed++
		}
	}

	pass = failed == 0
	switch {
	case failed > 0:
		qualityScore = 0.3
	case skipped > 0 && passed == 0:
		qualityScore = 0.7
	case skipped > 0:
		qualityScore = 0.85
	default:
		qualityScore = 1.0
	}
	return pass, qualityScore, defects
}
