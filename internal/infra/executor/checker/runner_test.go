package checker

import (
	"context"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	domain "github.com/bryanwahyu/automaton-compliance/internal/domain/scans"
)

// fake checker: --mode selects the behaviour, --record receives argv and the params path
const fakeChecker = `#!/bin/sh
mode=ok
params=""
record=""
all="$*"
while [ $# -gt 0 ]; do
  case "$1" in
    --mode) mode="$2"; shift 2 ;;
    --params) params="$2"; shift 2 ;;
    --record) record="$2"; shift 2 ;;
    *) shift ;;
  esac
done
if [ -n "$record" ]; then
  echo "$all" > "$record"
  echo "$params" >> "$record"
  cat "$params" >> "$record"
fi
case "$mode" in
  ok)
    printf '\033[32mstarting checks\033[0m\n'
    echo 'progress {partial'
    echo '{"status":"success","total_checks":2,"results":[{"check_id":"1.1","status":"pass"},{"check_id":"1.2","status":"fail"}]}'
    printf '\033[0mbye\n'
    ;;
  array)
    echo '[{"check_id":"a","status":"pass"}]'
    ;;
  fail)
    echo "cannot reach target" >&2
    exit 3
    ;;
  reject)
    echo '{"status":"error","message":"invalid credentials"}'
    ;;
  nojson)
    echo "nothing to see"
    ;;
  hang)
    sleep 30 &
    wait
    ;;
esac
`

func newFakeRunner(t *testing.T, mode string) (*Runner, string) {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("fake checker is a shell script")
	}
	dir := t.TempDir()
	bin := filepath.Join(dir, "checker.sh")
	require.NoError(t, os.WriteFile(bin, []byte(fakeChecker), 0o755))

	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)
	work := filepath.Join(dir, "work")
	return NewRunner(log, Config{
		Binary:       bin,
		Args:         []string{"--mode", mode},
		CallbackBase: "http://localhost:8080/",
		WorkDir:      work,
	}), work
}

func TestExecuteParsesEnvelopeAndHidesCredentials(t *testing.T) {
	r := require.New(t)
	runner, work := newFakeRunner(t, "ok")
	record := filepath.Join(t.TempDir(), "record.txt")

	res, err := runner.Execute(context.Background(),
		domain.CredentialBundle{"secret_key": "s3cr3t"},
		"scan-1",
		domain.ExecOptions{Benchmark: "cis-aws", Target: "prod", Extra: map[string]string{"record": record}},
		10*time.Second,
	)
	r.NoError(err)
	r.Equal("success", res.Status)
	r.Len(res.Results, 2)
	r.Equal(2, res.TotalChecks)
	r.False(res.Implicit)

	raw, err := os.ReadFile(record)
	r.NoError(err)
	lines := strings.SplitN(string(raw), "\n", 3)
	argv, paramsPath, params := lines[0], lines[1], lines[2]

	r.NotContains(argv, "s3cr3t")
	r.Contains(argv, "--callback-url http://localhost:8080/webhook/progress/scan-1")
	r.Contains(argv, "--benchmark cis-aws")
	r.Contains(argv, "--scan-id scan-1")
	r.Contains(params, "s3cr3t")

	// params file is gone once the checker exits
	_, err = os.Stat(paramsPath)
	r.True(os.IsNotExist(err))
	entries, err := os.ReadDir(work)
	r.NoError(err)
	r.Empty(entries)
}

func TestExecuteNonZeroExit(t *testing.T) {
	r := require.New(t)
	runner, _ := newFakeRunner(t, "fail")

	_, err := runner.Execute(context.Background(), nil, "scan-1", domain.ExecOptions{}, 10*time.Second)
	var failed *domain.ExecutionFailedError
	r.ErrorAs(err, &failed)
	r.Equal(3, failed.ExitCode)
	r.Contains(failed.Stderr, "cannot reach target")
}

func TestExecuteFailureEnvelope(t *testing.T) {
	r := require.New(t)
	runner, _ := newFakeRunner(t, "reject")

	_, err := runner.Execute(context.Background(), nil, "scan-1", domain.ExecOptions{}, 10*time.Second)
	var failed *domain.ExecutionFailedError
	r.ErrorAs(err, &failed)
	r.Equal("invalid credentials", failed.Msg)
}

func TestExecuteNoPayload(t *testing.T) {
	r := require.New(t)
	runner, _ := newFakeRunner(t, "nojson")

	_, err := runner.Execute(context.Background(), nil, "scan-1", domain.ExecOptions{}, 10*time.Second)
	var failed *domain.ExecutionFailedError
	r.ErrorAs(err, &failed)
	r.Contains(failed.Error(), "no JSON payload found")
}

func TestExecuteImplicitArrayChecksExpectedCount(t *testing.T) {
	r := require.New(t)
	runner, _ := newFakeRunner(t, "array")

	res, err := runner.Execute(context.Background(), nil, "scan-1", domain.ExecOptions{ExpectedChecks: 1}, 10*time.Second)
	r.NoError(err)
	r.True(res.Implicit)
	r.Len(res.Results, 1)

	_, err = runner.Execute(context.Background(), nil, "scan-1", domain.ExecOptions{ExpectedChecks: 50}, 10*time.Second)
	r.Error(err)
	r.Contains(err.Error(), "partial results")
}

func TestExecuteTimeoutKillsProcessGroup(t *testing.T) {
	r := require.New(t)
	runner, _ := newFakeRunner(t, "hang")

	start := time.Now()
	_, err := runner.Execute(context.Background(), nil, "scan-1", domain.ExecOptions{}, 300*time.Millisecond)
	r.True(domain.IsTimeout(err), "got %v", err)
	r.Less(time.Since(start), 5*time.Second)
}

func TestExecuteCancelled(t *testing.T) {
	r := require.New(t)
	runner, _ := newFakeRunner(t, "hang")

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(200 * time.Millisecond)
		cancel()
	}()
	_, err := runner.Execute(ctx, nil, "scan-1", domain.ExecOptions{}, time.Minute)
	r.ErrorIs(err, context.Canceled)
	r.False(domain.IsTimeout(err))
}

func TestTruncateKeepsTail(t *testing.T) {
	r := require.New(t)
	r.Equal("abc", truncate("  abc \n", 10))
	r.Equal("...6789", truncate("0123456789", 4))
}
