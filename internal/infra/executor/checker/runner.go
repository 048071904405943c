package checker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	domain "github.com/bryanwahyu/automaton-compliance/internal/domain/scans"
)

const maxStderr = 4 << 10

type Config struct {
	// Binary is the checker executable (or the entrypoint inside DockerImage).
	Binary string
	Args   []string
	// DockerImage switches to `docker run` mode when set.
	DockerImage string
	// CallbackBase is the public base URL of this service; empty disables --callback-url.
	CallbackBase string
	// WorkDir holds the short-lived params files.
	WorkDir string
}

type Runner struct {
	cfg Config
	log logrus.FieldLogger
}

func NewRunner(log logrus.FieldLogger, cfg Config) *Runner {
	if cfg.WorkDir == "" {
		cfg.WorkDir = filepath.Join(".", "temp")
	}
	return &Runner{cfg: cfg, log: log}
}

// Execute runs the checker once for a scan and interprets its output.
func (r *Runner) Execute(ctx context.Context, creds domain.CredentialBundle, id domain.ScanID, opts domain.ExecOptions, timeout time.Duration) (domain.ExecutionResult, error) {
	start := time.Now()

	if err := os.MkdirAll(r.cfg.WorkDir, 0o700); err != nil {
		return domain.ExecutionResult{}, fmt.Errorf("preparing work dir: %w", err)
	}
	paramsPath, err := writeParams(r.cfg.WorkDir, creds)
	if err != nil {
		return domain.ExecutionResult{}, err
	}
	defer os.Remove(paramsPath)

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	cmd := r.command(runCtx, paramsPath, id, opts)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log := r.log.WithFields(logrus.Fields{"scan_id": id, "benchmark": opts.Benchmark})
	log.Debugf("running checker: %s", cmd.Path)

	// jalankan checker
	err = cmd.Run()
	duration := time.Since(start)

	if runCtx.Err() != nil {
		if ctx.Err() != nil {
			return domain.ExecutionResult{}, fmt.Errorf("checker cancelled: %w", ctx.Err())
		}
		if errors.Is(runCtx.Err(), context.DeadlineExceeded) {
			return domain.ExecutionResult{}, &domain.ExecutionTimeoutError{Timeout: timeout}
		}
	}

	exitCode := 0
	if err != nil {
		// ambil exit code
		var ee *exec.ExitError
		if !errors.As(err, &ee) {
			return domain.ExecutionResult{}, fmt.Errorf("starting checker: %w", err)
		}
		exitCode = ee.ExitCode()
		return domain.ExecutionResult{}, &domain.ExecutionFailedError{
			ExitCode: exitCode,
			Stderr:   truncate(stderr.String(), maxStderr),
		}
	}

	res, err := Interpret(ExtractPayload(stdout.Bytes()), opts.ExpectedChecks)
	if err != nil {
		var failed *domain.ExecutionFailedError
		if errors.As(err, &failed) && failed.Stderr == "" {
			failed.Stderr = truncate(stderr.String(), maxStderr)
		}
		return domain.ExecutionResult{}, err
	}
	res.Stderr = truncate(stderr.String(), maxStderr)
	res.ExitCode = exitCode
	res.Duration = duration

	log.WithFields(logrus.Fields{
		"results":  len(res.Results),
		"implicit": res.Implicit,
		"duration": duration.Round(time.Millisecond),
	}).Info("checker finished")
	return res, nil
}

func (r *Runner) command(ctx context.Context, paramsPath string, id domain.ScanID, opts domain.ExecOptions) *exec.Cmd {
	params := paramsPath
	var cmd *exec.Cmd
	var container string

	if r.cfg.DockerImage != "" {
		container = "compliance-" + string(id)
		params = "/params/" + filepath.Base(paramsPath)
	}

	args := append([]string{}, r.cfg.Args...)
	args = append(args, "--params", params, "--scan-id", string(id))
	if opts.Benchmark != "" {
		args = append(args, "--benchmark", opts.Benchmark)
	}
	if opts.Target != "" {
		args = append(args, "--target", opts.Target)
	}
	if cb := r.callbackURL(opts, id); cb != "" {
		args = append(args, "--callback-url", cb)
	}
	keys := lo.Keys(opts.Extra)
	sort.Strings(keys)
	for _, k := range keys {
		args = append(args, "--"+k, opts.Extra[k])
	}

	if container != "" {
		dir, _ := filepath.Abs(filepath.Dir(paramsPath))
		dockerArgs := []string{"run", "--rm", "--name", container,
			"-v", fmt.Sprintf("%s:/params:ro", dir),
			"--entrypoint", r.binary(),
			r.cfg.DockerImage,
		}
		cmd = exec.CommandContext(ctx, "docker", append(dockerArgs, args...)...)
	} else {
		cmd = exec.CommandContext(ctx, r.binary(), args...)
	}

	setProcessGroup(cmd)
	cmd.Cancel = func() error {
		if container != "" {
			// the docker cli does not forward SIGKILL to the container
			_ = exec.Command("docker", "kill", container).Run()
		}
		return killProcessGroup(cmd)
	}
	cmd.WaitDelay = 5 * time.Second
	return cmd
}

func (r *Runner) binary() string {
	if r.cfg.Binary == "" {
		return "compliance-checker"
	}
	return r.cfg.Binary
}

func (r *Runner) callbackURL(opts domain.ExecOptions, id domain.ScanID) string {
	if opts.CallbackURL != "" {
		return opts.CallbackURL
	}
	if r.cfg.CallbackBase == "" {
		return ""
	}
	return strings.TrimRight(r.cfg.CallbackBase, "/") + "/webhook/progress/" + string(id)
}

// writeParams stores the credential bundle in a 0600 file; secrets never go on argv.
func writeParams(dir string, creds domain.CredentialBundle) (string, error) {
	f, err := os.CreateTemp(dir, "params-*.json")
	if err != nil {
		return "", fmt.Errorf("creating params file: %w", err)
	}
	if err := f.Chmod(0o600); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("securing params file: %w", err)
	}
	if creds == nil {
		creds = domain.CredentialBundle{}
	}
	if err := json.NewEncoder(f).Encode(map[string]any{"credentials": creds}); err != nil {
		f.Close()
		os.Remove(f.Name())
		return "", fmt.Errorf("writing params file: %w", err)
	}
	if err := f.Close(); err != nil {
		os.Remove(f.Name())
		return "", fmt.Errorf("closing params file: %w", err)
	}
	return f.Name(), nil
}

// truncate keeps the tail of s, where the actual error usually is.
func truncate(s string, n int) string {
	s = strings.TrimSpace(s)
	if len(s) <= n {
		return s
	}
	return "..." + s[len(s)-n:]
}
