// Package spark drives the `spark` sandbox CLI. Sandboxes are isolated
// filesystem/process environments with fork semantics: each project keeps a
// warm "main" sandbox with the repo synced, and every task gets a fork of
// it. All operations shell out to the binary; nothing here talks to a
// daemon directly.
package spark

import (
	"context"
	"fmt"
	"os"
	"os/exec"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"
)

// maxErrOutput caps the combined output carried inside a SandboxError.
const maxErrOutput = 2000

const repoSyncTimeout = 5 * time.Minute

// SandboxError is a spark invocation that exited non-zero.
type SandboxError struct {
	Command  string
	ExitCode int
	Output   string
}

func (e *SandboxError) Error() string {
	out := e.Output
	if len(out) > maxErrOutput {
		out = out[:maxErrOutput] + "..."
	}
	return fmt.Sprintf("spark %s: exit %d: %s", e.Command, e.ExitCode, out)
}

// runner executes the spark binary. Production uses execRunner; tests
// substitute a fake.
type runner interface {
	run(ctx context.Context, args []string) (output string, exitCode int, err error)
}

type execRunner struct {
	bin string
}

func (r *execRunner) run(ctx context.Context, args []string) (string, int, error) {
	cmd := exec.CommandContext(ctx, r.bin, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		if exitErr, ok := err.(*exec.ExitError); ok {
			return string(output), exitErr.ExitCode(), nil
		}
		return string(output), -1, err
	}
	return string(output), 0, nil
}

// Client wraps the spark CLI.
type Client struct {
	run runner
}

// NewClient creates a Client. It resolves the spark binary from PATH, then
// /usr/local/bin/spark, falling back to the bare name so a missing binary
// fails with a clear exec error.
func NewClient() *Client {
	bin := "spark"
	if p, err := exec.LookPath("spark"); err == nil {
		bin = p
	} else if _, err := os.Stat("/usr/local/bin/spark"); err == nil {
		bin = "/usr/local/bin/spark"
	}
	return &Client{run: &execRunner{bin: bin}}
}

// invoke runs spark with args and applies the error contract. When
// allowAlreadyExists is set, a non-zero exit whose output mentions the
// resource already existing counts as success.
func (c *Client) invoke(ctx context.Context, args []string, allowAlreadyExists bool) (string, error) {
	output, exitCode, err := c.run.run(ctx, args)
	if err != nil {
		return output, fmt.Errorf("running spark %s: %w", strings.Join(args, " "), err)
	}
	if exitCode == 0 {
		return output, nil
	}
	if allowAlreadyExists && strings.Contains(strings.ToLower(output), "already exists") {
		return output, nil
	}
	return output, &SandboxError{
		Command:  strings.Join(args, " "),
		ExitCode: exitCode,
		Output:   output,
	}
}

// VerifyAvailability probes the spark binary.
func (c *Client) VerifyAvailability(ctx context.Context) error {
	_, err := c.invoke(ctx, []string{"--version"}, false)
	if err != nil {
		return fmt.Errorf("spark is not available: %w", err)
	}
	return nil
}

// EnsureWorkVolume creates the project's shared data volume. An existing
// volume is success.
func (c *Client) EnsureWorkVolume(ctx context.Context, project, volume string) error {
	_, err := c.invoke(ctx, []string{"volume", "create", "-p", project, volume}, true)
	return err
}

// MainSandboxSpec describes a project's warm main sandbox.
type MainSandboxSpec struct {
	Project       string
	Base          string
	MainSandbox   string
	WorkVolume    string
	WorkMountPath string
}

// EnsureMainSandbox creates the main sandbox from the base image with the
// work volume mounted. An existing sandbox is success.
func (c *Client) EnsureMainSandbox(ctx context.Context, spec MainSandboxSpec) error {
	args := []string{
		"create",
		"-p", spec.Project,
		"-b", spec.Base,
		"-v", spec.WorkVolume + ":" + spec.WorkMountPath,
		spec.MainSandbox,
	}
	_, err := c.invoke(ctx, args, true)
	return err
}

// RepoSpec describes the repo clone kept inside the main sandbox.
type RepoSpec struct {
	Project     string
	SandboxName string
	Repo        string
	Branch      string
	Workdir     string
}

// EnsureRepoInMainSandbox clones the repo on first use, or force-syncs an
// existing clone to the branch head.
func (c *Client) EnsureRepoInMainSandbox(ctx context.Context, spec RepoSpec) error {
	ctx, cancel := context.WithTimeout(ctx, repoSyncTimeout)
	defer cancel()

	workdir := quoteShell(spec.Workdir)
	repo := quoteShell(spec.Repo)
	branch := quoteShell(spec.Branch)
	script := strings.Join([]string{
		"set -e",
		fmt.Sprintf("if [ ! -d %s/.git ]; then", workdir),
		fmt.Sprintf("  git clone --branch %s %s %s", branch, repo, workdir),
		"else",
		fmt.Sprintf("  cd %s", workdir),
		"  git fetch origin",
		fmt.Sprintf("  git checkout %s", branch),
		fmt.Sprintf("  git reset --hard origin/%s", branch),
		"fi",
	}, "\n")

	return c.execScript(ctx, spec.Project, spec.SandboxName, script, false)
}

// BootstrapSpec describes the optional per-project setup script.
type BootstrapSpec struct {
	Project     string
	SandboxName string
	Workdir     string
	ScriptPath  string
	TimeoutSec  int
	Retries     int
}

// RunBootstrap executes workdir/scriptPath inside the sandbox if the file
// exists, retrying on failure up to Retries extra attempts.
func (c *Client) RunBootstrap(ctx context.Context, spec BootstrapSpec) error {
	if spec.ScriptPath == "" {
		return nil
	}

	script := fmt.Sprintf("cd %s\nif [ -f %s ]; then bash %s; fi",
		quoteShell(spec.Workdir), quoteShell(spec.ScriptPath), quoteShell(spec.ScriptPath))

	var lastErr error
	for attempt := 0; attempt <= spec.Retries; attempt++ {
		attemptCtx, cancel := context.WithTimeout(ctx, time.Duration(spec.TimeoutSec)*time.Second)
		err := c.execScript(attemptCtx, spec.Project, spec.SandboxName, script, false)
		cancel()
		if err == nil {
			return nil
		}
		lastErr = err
	}
	return fmt.Errorf("bootstrap failed after %d attempts: %w", spec.Retries+1, lastErr)
}

// ForkSpec describes a task sandbox forked from the main one.
type ForkSpec struct {
	Project     string
	TaskSandbox string
	MainSandbox string
	Tags        map[string]string
}

// CreateTaskSandboxFork forks the task sandbox from the main sandbox,
// attaching each tag as `-t key=value`.
func (c *Client) CreateTaskSandboxFork(ctx context.Context, spec ForkSpec) error {
	args := []string{"fork", "-p", spec.Project, spec.MainSandbox, spec.TaskSandbox}
	for _, k := range sortedKeys(spec.Tags) {
		args = append(args, "-t", k+"="+spec.Tags[k])
	}
	_, err := c.invoke(ctx, args, false)
	return err
}

// LaunchSpec describes the in-sandbox agent process launch.
type LaunchSpec struct {
	Project          string
	SandboxName      string
	BridgeEntrypoint string
	BridgeWorkdir    string
	Env              map[string]string
}

// LaunchResult is what we could learn about the launched process.
type LaunchResult struct {
	PID       int
	ProcessID string
	RawOutput string
}

var (
	pidPattern       = regexp.MustCompile(`\bpid[:=]\s*(\d+)`)
	processIDPattern = regexp.MustCompile(`\bprocess(?:_id)?[:=]\s*(\S+)`)
)

// LaunchBridgeInSandbox starts the agent process in background mode inside
// the task sandbox. The process's pid and runtime process ID are parsed
// from the output when present; their absence is not an error.
func (c *Client) LaunchBridgeInSandbox(ctx context.Context, spec LaunchSpec) (*LaunchResult, error) {
	script := EnvPrelude(spec.Env) +
		fmt.Sprintf("cd %s && exec %s", quoteShell(spec.BridgeWorkdir), quoteShell(spec.BridgeEntrypoint))

	args := []string{
		"exec", "--bg",
		spec.Project + ":" + spec.SandboxName,
		"--", "bash", "-lc", script,
	}
	output, err := c.invoke(ctx, args, false)
	if err != nil {
		return nil, err
	}

	result := &LaunchResult{RawOutput: output}
	if m := pidPattern.FindStringSubmatch(output); m != nil {
		if pid, err := strconv.Atoi(m[1]); err == nil {
			result.PID = pid
		}
	}
	if m := processIDPattern.FindStringSubmatch(output); m != nil {
		result.ProcessID = m[1]
	}
	return result, nil
}

// execScript runs a shell script inside a sandbox via `spark exec`.
func (c *Client) execScript(ctx context.Context, project, sandboxName, script string, background bool) error {
	args := []string{"exec"}
	if background {
		args = append(args, "--bg")
	}
	args = append(args, project+":"+sandboxName, "--", "bash", "-lc", script)
	_, err := c.invoke(ctx, args, false)
	return err
}

// quoteShell single-quotes s for safe interpolation into a shell script,
// escaping embedded single quotes as '"'"'.
func quoteShell(s string) string {
	return "'" + strings.ReplaceAll(s, "'", `'"'"'`) + "'"
}

// EnvPrelude renders `export KEY='value'; ` statements for each defined
// env entry, in stable key order.
func EnvPrelude(env map[string]string) string {
	var b strings.Builder
	for _, k := range sortedKeys(env) {
		fmt.Fprintf(&b, "export %s=%s; ", k, quoteShell(env[k]))
	}
	return b.String()
}

func sortedKeys(m map[string]string) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
