package httpserver

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/bryanwahyu/automaton-compliance/internal/application/broadcast"
	"github.com/bryanwahyu/automaton-compliance/internal/application/orchestration"
	"github.com/bryanwahyu/automaton-compliance/internal/application/reaper"
	appscans "github.com/bryanwahyu/automaton-compliance/internal/application/scans"
	domain "github.com/bryanwahyu/automaton-compliance/internal/domain/scans"
	"github.com/bryanwahyu/automaton-compliance/internal/infra/catalog"
	"github.com/bryanwahyu/automaton-compliance/internal/infra/db/sqlstore"
	"github.com/bryanwahyu/automaton-compliance/internal/infra/dispatch"
	"github.com/bryanwahyu/automaton-compliance/internal/infra/metrics"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m,
		goleak.IgnoreTopFunction("net/http.(*persistConn).readLoop"),
		goleak.IgnoreTopFunction("net/http.(*persistConn).writeLoop"),
		goleak.IgnoreTopFunction("internal/poll.runtime_pollWait"),
	)
}

const testCatalog = `
assignments:
  - id: asg-1
    tenant: acme
    target: aws-prod
    benchmark: cis-aws
    active: true
    expected_checks: 10
    credentials:
      access_key: AKIA
  - id: asg-2
    tenant: globex
    target: gcp-prod
    benchmark: cis-gcp
    active: true
    credentials:
      sa: x
`

const (
	acmeKey  = "key-acme"
	adminKey = "key-admin"
)

type gatedRunner struct {
	release chan struct{}
	once    sync.Once
}

func (g *gatedRunner) Execute(ctx context.Context, _ domain.CredentialBundle, _ domain.ScanID, _ domain.ExecOptions, _ time.Duration) (domain.ExecutionResult, error) {
	select {
	case <-g.release:
	case <-ctx.Done():
		return domain.ExecutionResult{}, fmt.Errorf("checker cancelled: %w", ctx.Err())
	}
	results := make([]map[string]any, 0, 10)
	for i := 0; i < 10; i++ {
		status := "pass"
		switch {
		case i == 9:
			status = "error"
		case i >= 7:
			status = "failed"
		}
		results = append(results, map[string]any{"check_id": fmt.Sprintf("C-%d", i), "status": status, "category": "iam"})
	}
	return domain.ExecutionResult{Status: "success", Results: results, TotalChecks: 10}, nil
}

func (g *gatedRunner) Release() { g.once.Do(func() { close(g.release) }) }

type downDispatcher struct{}

func (downDispatcher) Name() string { return "redis" }
func (downDispatcher) Remote() bool { return true }
func (downDispatcher) Dispatch(context.Context, domain.Job) (string, error) {
	return "", &domain.BrokerUnavailableError{Broker: "redis", Err: errors.New("dial tcp: connection refused")}
}

type env struct {
	srv    *httptest.Server
	svc    *appscans.Service
	repo   *sqlstore.ScanRepository
	rt     *orchestration.Runtime
	runner *gatedRunner
}

type option func(*orchestration.Deps, *Config)

func newEnv(t *testing.T, opts ...option) *env {
	t.Helper()
	log := logrus.New()
	log.SetLevel(logrus.ErrorLevel)

	db, err := sqlstore.Connect(context.Background(), sqlstore.SQLite, sqlstore.SQLiteDSN(""), log)
	require.NoError(t, err)
	require.NoError(t, sqlstore.Migrate(db, sqlstore.SQLite))

	cat, err := catalog.Parse([]byte(testCatalog))
	require.NoError(t, err)
	events := broadcast.New(log, broadcast.Config{})
	m := metrics.New(prometheus.NewRegistry())

	repo := sqlstore.NewScanRepository(db, sqlstore.SQLite)
	svc := &appscans.Service{
		Repo:     repo,
		Errors:   sqlstore.NewScanErrorRepository(db, sqlstore.SQLite),
		Resolver: cat,
		Creds:    cat,
		Events:   events,
		Metrics:  m,
		Log:      log,
	}
	runner := &gatedRunner{release: make(chan struct{})}
	inproc := dispatch.NewInProcess(log, 4)

	deps := orchestration.Deps{
		Service:    svc,
		Runner:     runner,
		Creds:      cat,
		Events:     events,
		Dispatcher: inproc,
	}
	cfg := Config{
		APIKeys:        map[string]string{"acme": acmeKey, "globex": "key-globex"},
		AdminKey:       adminKey,
		PollInterval:   time.Hour,
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
	}
	for _, o := range opts {
		o(&deps, &cfg)
	}
	rt := orchestration.New(log, orchestration.Config{Timeout: time.Minute}, deps)
	inproc.Bind(rt.Run)
	rp := reaper.New(log, reaper.Config{}, reaper.Deps{Service: svc, Live: rt})

	srv := httptest.NewServer(NewRouter(log, cfg, Deps{
		Service: svc,
		Runtime: rt,
		Reaper:  rp,
		Metrics: m,
	}))

	t.Cleanup(func() {
		runner.Release()
		srv.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = rt.Shutdown(ctx)
		inproc.Close()
		events.Close()
		_ = db.Close()
	})
	return &env{srv: srv, svc: svc, repo: repo, rt: rt, runner: runner}
}

func (e *env) do(t *testing.T, method, path, key, body string) (int, map[string]any) {
	t.Helper()
	var rd io.Reader
	if body != "" {
		rd = strings.NewReader(body)
	}
	req, err := http.NewRequest(method, e.srv.URL+path, rd)
	require.NoError(t, err)
	if key != "" {
		req.Header.Set("Authorization", "Bearer "+key)
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	b, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	if len(b) > 0 && b[0] == '{' {
		require.NoError(t, json.Unmarshal(b, &out))
	}
	return resp.StatusCode, out
}

func (e *env) pendingScan(t *testing.T) *domain.Scan {
	t.Helper()
	s, err := e.svc.CreateScan(context.Background(), "acme", appscans.CreateScanCommand{AssignmentID: "asg-1"})
	require.NoError(t, err)
	return s
}

func TestScanLifecycleOverHTTP(t *testing.T) {
	r := require.New(t)
	e := newEnv(t)

	code, body := e.do(t, "POST", "/v1/acme/scans", acmeKey, `{"assignmentId":"asg-1","options":{"region":"eu-west-1"}}`)
	r.Equal(http.StatusAccepted, code)
	r.Equal("pending", body["status"])
	r.Equal("cis-aws", body["benchmark"])
	id := body["scanId"].(string)
	r.Eventually(func() bool {
		s, err := e.svc.FindScan(context.Background(), domain.ScanID(id))
		return err == nil && s.Status == domain.StatusRunning
	}, 5*time.Second, 5*time.Millisecond)

	code, body = e.do(t, "POST", "/webhook/progress/"+id, "", `{"percentage":50,"currentCheck":"C-1"}`)
	r.Equal(http.StatusOK, code)
	r.Equal(map[string]any{"status": "success", "scanId": id, "progressPercentage": float64(50)}, body)

	code, body = e.do(t, "GET", "/v1/acme/scans/"+id+"/status", acmeKey, "")
	r.Equal(http.StatusOK, code)
	r.Equal("running", body["status"])
	r.Equal(float64(50), body["progressPercentage"])
	r.Equal("C-1", body["currentCheck"])

	e.runner.Release()
	r.Eventually(func() bool {
		_, body := e.do(t, "GET", "/v1/acme/scans/"+id+"/status", acmeKey, "")
		return body["status"] == "completed"
	}, 5*time.Second, 10*time.Millisecond)

	_, body = e.do(t, "GET", "/v1/acme/scans/"+id+"/status", acmeKey, "")
	r.Equal(float64(100), body["progressPercentage"])
	r.Nil(body["currentCheck"])
	r.Equal(float64(10), body["totalChecks"])
	r.Equal(float64(7), body["passed"])
	r.Equal(float64(2), body["failed"])
	r.Equal(float64(1), body["errors"])

	code, body = e.do(t, "GET", "/v1/acme/scans/"+id+"/results?status=fail", acmeKey, "")
	r.Equal(http.StatusOK, code)
	r.Equal(float64(2), body["totalItems"])
	r.Len(body["data"], 2)

	code, body = e.do(t, "GET", "/v1/acme/scans?status=completed", acmeKey, "")
	r.Equal(http.StatusOK, code)
	r.Equal(float64(1), body["totalItems"])

	// late webhook updates are ignored
	code, body = e.do(t, "POST", "/webhook/progress/"+id, "", `{"progressPercentage":10}`)
	r.Equal(http.StatusOK, code)
	r.Equal(float64(100), body["progressPercentage"])
}

func TestWebhookRejectsUnknownAndMalformed(t *testing.T) {
	r := require.New(t)
	e := newEnv(t)
	s := e.pendingScan(t)

	code, _ := e.do(t, "POST", "/webhook/progress/8a4f3c1e-0000-4000-8000-000000000000", "", `{"progressPercentage":10}`)
	r.Equal(http.StatusNotFound, code)
	code, _ = e.do(t, "POST", "/webhook/progress/../../etc", "", `{"progressPercentage":10}`)
	r.Equal(http.StatusNotFound, code)
	code, _ = e.do(t, "POST", "/webhook/progress/not-a-uuid", "", `{"progressPercentage":10}`)
	r.Equal(http.StatusNotFound, code)

	code, body := e.do(t, "POST", "/webhook/progress/"+string(s.ScanID), "", `{"progressPercentage":`)
	r.Equal(http.StatusBadRequest, code)
	r.Contains(body["error"], "malformed JSON")

	code, _ = e.do(t, "POST", "/webhook/progress/"+string(s.ScanID), "", `{"currentCheck":"C-1"}`)
	r.Equal(http.StatusBadRequest, code)

	code, _ = e.do(t, "POST", "/webhook/progress/"+string(s.ScanID), "", `{"progressPercentage":5,"status":"exploded"}`)
	r.Equal(http.StatusBadRequest, code)

	// a pending scan receiving progress starts running
	code, body = e.do(t, "POST", "/webhook/progress/"+string(s.ScanID), "", `{"progressPercentage":150,"totalChecks":20}`)
	r.Equal(http.StatusOK, code)
	r.Equal(float64(100), body["progressPercentage"])
	got, err := e.svc.FindScan(context.Background(), s.ScanID)
	r.NoError(err)
	r.Equal(domain.StatusRunning, got.Status)
	r.Equal(20, got.Total)
}

func TestWebhookStripsControlCharsFromCurrentCheck(t *testing.T) {
	r := require.New(t)
	e := newEnv(t)
	s := e.pendingScan(t)

	code, _ := e.do(t, "POST", "/webhook/progress/"+string(s.ScanID), "", `{"progressPercentage":20,"currentCheck":"  1.4 root\u0000 mfa\u0007\r  "}`)
	r.Equal(http.StatusOK, code)

	got, err := e.svc.FindScan(context.Background(), s.ScanID)
	r.NoError(err)
	r.NotNil(got.CurrentCheck)
	r.Equal("1.4 root mfa", *got.CurrentCheck)
}

func TestTenantAuthAndValidation(t *testing.T) {
	r := require.New(t)
	e := newEnv(t)
	s := e.pendingScan(t)

	code, _ := e.do(t, "GET", "/v1/acme/scans", "", "")
	r.Equal(http.StatusUnauthorized, code)
	code, _ = e.do(t, "GET", "/v1/acme/scans", "key-globex", "")
	r.Equal(http.StatusForbidden, code)

	// another tenant never sees acme scans
	code, _ = e.do(t, "GET", "/v1/globex/scans/"+string(s.ScanID), "key-globex", "")
	r.Equal(http.StatusNotFound, code)

	code, body := e.do(t, "POST", "/v1/acme/scans", acmeKey, `{}`)
	r.Equal(http.StatusBadRequest, code)
	r.Equal("AssignmentID is required", body["error"])

	code, _ = e.do(t, "POST", "/v1/acme/scans", acmeKey, `{"assignmentId":"asg-2"}`)
	r.Equal(http.StatusBadRequest, code)

	code, _ = e.do(t, "GET", "/v1/acme/scans?status=sleeping", acmeKey, "")
	r.Equal(http.StatusBadRequest, code)
	code, _ = e.do(t, "GET", "/v1/acme/scans?page=-1", acmeKey, "")
	r.Equal(http.StatusBadRequest, code)
	code, body = e.do(t, "GET", "/v1/acme/scans?page=4611686018427387904&page_size=100", acmeKey, "")
	r.Equal(http.StatusBadRequest, code)
	r.Equal("page must be at most 1000000", body["error"])
	code, _ = e.do(t, "GET", "/v1/acme/scans/nope", acmeKey, "")
	r.Equal(http.StatusNotFound, code)
}

func TestBrokerDownAnswers503(t *testing.T) {
	r := require.New(t)
	e := newEnv(t, func(d *orchestration.Deps, _ *Config) {
		d.Local = d.Dispatcher
		d.Dispatcher = downDispatcher{}
	})

	code, body := e.do(t, "POST", "/v1/acme/scans", acmeKey, `{"assignmentId":"asg-1"}`)
	r.Equal(http.StatusServiceUnavailable, code)
	r.Contains(body["error"], "broker unavailable")

	code, body = e.do(t, "GET", "/v1/acme/scans?status=failed", acmeKey, "")
	r.Equal(http.StatusOK, code)
	r.Equal(float64(1), body["totalItems"])
	id := body["data"].([]any)[0].(map[string]any)["scanId"].(string)

	code, body = e.do(t, "GET", "/v1/acme/scans/"+id+"/errors", acmeKey, "")
	r.Equal(http.StatusOK, code)
	r.Len(body["data"], 1)

	// the in-process variant still works
	code, _ = e.do(t, "POST", "/v1/acme/scans/local", acmeKey, `{"assignmentId":"asg-1"}`)
	r.Equal(http.StatusAccepted, code)
}

func TestCancel(t *testing.T) {
	r := require.New(t)
	e := newEnv(t)
	s := e.pendingScan(t)

	code, body := e.do(t, "DELETE", "/v1/acme/scans/"+string(s.ScanID)+"/cancel", acmeKey, "")
	r.Equal(http.StatusOK, code)
	r.Equal("cancelled", body["status"])

	code, _ = e.do(t, "DELETE", "/v1/acme/scans/"+string(s.ScanID)+"/cancel", acmeKey, "")
	r.Equal(http.StatusBadRequest, code)
}

type sseEvent struct {
	id   string
	name string
	data map[string]any
}

func readSSE(t *testing.T, sc *bufio.Scanner) sseEvent {
	t.Helper()
	var ev sseEvent
	for sc.Scan() {
		line := sc.Text()
		switch {
		case strings.HasPrefix(line, "id: "):
			ev.id = strings.TrimPrefix(line, "id: ")
		case strings.HasPrefix(line, "event: "):
			ev.name = strings.TrimPrefix(line, "event: ")
		case strings.HasPrefix(line, "data: "):
			require.NoError(t, json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev.data))
		case line == "":
			return ev
		}
	}
	t.Fatalf("stream ended early: %v", sc.Err())
	return ev
}

func openStream(t *testing.T, e *env, id domain.ScanID, lastEventID ...string) (*http.Response, *bufio.Scanner) {
	t.Helper()
	req, err := http.NewRequest("GET", e.srv.URL+"/v1/acme/stream/"+string(id), nil)
	require.NoError(t, err)
	req.Header.Set("Authorization", "Bearer "+acmeKey)
	for _, v := range lastEventID {
		req.Header.Set("Last-Event-ID", v)
	}
	resp, err := e.srv.Client().Do(req)
	require.NoError(t, err)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))
	return resp, bufio.NewScanner(resp.Body)
}

func TestPollStreamFollowsBroadcasts(t *testing.T) {
	r := require.New(t)
	e := newEnv(t)
	ctx := context.Background()
	s := e.pendingScan(t)

	resp, sc := openStream(t, e, s.ScanID)
	defer resp.Body.Close()

	ev := readSSE(t, sc)
	r.Equal("progress", ev.name)
	r.Equal(float64(0), ev.data["progressPercentage"])

	_, err := e.svc.IngestProgress(ctx, appscans.ProgressUpdate{ScanID: s.ScanID, Percentage: 40})
	r.NoError(err)
	ev = readSSE(t, sc)
	r.Equal("progress", ev.name)
	r.Equal(float64(40), ev.data["progressPercentage"])

	_, err = e.svc.UpdateStatus(ctx, s.ScanID, domain.StatusCompleted, "")
	r.NoError(err)
	ev = readSSE(t, sc)
	r.Equal("complete", ev.name)
	r.Equal(float64(100), ev.data["progressPercentage"])
	r.False(sc.Scan())
}

func TestPollStreamResumesFromLastEventID(t *testing.T) {
	r := require.New(t)
	e := newEnv(t)
	ctx := context.Background()
	s := e.pendingScan(t)

	// seq 1 is the running status, seq 2 its progress, seq 3 the next progress
	_, err := e.svc.IngestProgress(ctx, appscans.ProgressUpdate{ScanID: s.ScanID, Percentage: 20})
	r.NoError(err)
	_, err = e.svc.IngestProgress(ctx, appscans.ProgressUpdate{ScanID: s.ScanID, Percentage: 60})
	r.NoError(err)

	resp, sc := openStream(t, e, s.ScanID, "2")
	defer resp.Body.Close()

	ev := readSSE(t, sc)
	r.Equal("3", ev.id)
	r.Equal("progress", ev.name)
	r.Equal(float64(60), ev.data["progressPercentage"])

	_, err = e.svc.UpdateStatus(ctx, s.ScanID, domain.StatusCompleted, "")
	r.NoError(err)
	ev = readSSE(t, sc)
	r.Equal("4", ev.id)
	r.Equal("complete", ev.name)
	r.False(sc.Scan())

	// a finished scan replays straight to its terminal event
	resp2, sc2 := openStream(t, e, s.ScanID, "3")
	defer resp2.Body.Close()
	ev = readSSE(t, sc2)
	r.Equal("4", ev.id)
	r.Equal("complete", ev.name)
	r.False(sc2.Scan())

	req, err := http.NewRequest("GET", e.srv.URL+"/v1/acme/stream/"+string(s.ScanID), nil)
	r.NoError(err)
	req.Header.Set("Authorization", "Bearer "+acmeKey)
	req.Header.Set("Last-Event-ID", "abc")
	bad, err := e.srv.Client().Do(req)
	r.NoError(err)
	bad.Body.Close()
	r.Equal(http.StatusBadRequest, bad.StatusCode)
}

func TestPollStreamRereadsStore(t *testing.T) {
	r := require.New(t)
	e := newEnv(t, func(_ *orchestration.Deps, c *Config) { c.PollInterval = 20 * time.Millisecond })
	ctx := context.Background()
	s := e.pendingScan(t)

	resp, sc := openStream(t, e, s.ScanID)
	defer resp.Body.Close()
	r.Equal("progress", readSSE(t, sc).name)

	// written behind the broadcaster's back, as another process would
	s.Status = domain.StatusFailed
	s.ErrorMessage = "checker crashed"
	now := time.Now().UTC()
	s.CompletedAt = &now
	r.NoError(e.repo.SaveState(ctx, s))

	ev := readSSE(t, sc)
	r.Equal("error", ev.name)
	r.Equal("checker crashed", ev.data["errorMessage"])
}

func TestPushStream(t *testing.T) {
	r := require.New(t)
	e := newEnv(t)
	ctx := context.Background()
	s := e.pendingScan(t)

	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/v1/acme/ws/" + string(s.ScanID)
	conn, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer " + acmeKey}})
	r.NoError(err)
	defer conn.Close()
	r.Equal(http.StatusSwitchingProtocols, resp.StatusCode)

	read := func() map[string]any {
		var m map[string]any
		r.NoError(conn.SetReadDeadline(time.Now().Add(5 * time.Second)))
		r.NoError(conn.ReadJSON(&m))
		return m
	}

	snap := read()
	r.Equal("snapshot", snap["event"])
	r.Equal("pending", snap["status"])

	r.NoError(conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"ping"}`)))
	r.Equal(map[string]any{"event": "pong"}, read())

	_, err = e.svc.IngestProgress(ctx, appscans.ProgressUpdate{ScanID: s.ScanID, Percentage: 30})
	r.NoError(err)
	// pending -> running is broadcast first
	r.Equal("status", read()["event"])
	ev := read()
	r.Equal("progress", ev["event"])
	r.Equal(float64(30), ev["progressPercentage"])

	_, err = e.rt.CancelScan(ctx, "acme", s.ScanID)
	r.NoError(err)
	ev = read()
	r.Equal("status", ev["event"])
	r.Equal("cancelled", ev["status"])

	_, _, err = conn.ReadMessage()
	r.True(websocket.IsCloseError(err, websocket.CloseNormalClosure))
}

func TestPushStreamUnknownScan(t *testing.T) {
	r := require.New(t)
	e := newEnv(t)
	url := "ws" + strings.TrimPrefix(e.srv.URL, "http") + "/v1/acme/ws/8a4f3c1e-0000-4000-8000-000000000000"
	_, resp, err := websocket.DefaultDialer.Dial(url, http.Header{"Authorization": {"Bearer " + acmeKey}})
	r.Error(err)
	r.Equal(http.StatusNotFound, resp.StatusCode)
	resp.Body.Close()
}

func TestAdminSweepAndOps(t *testing.T) {
	r := require.New(t)
	e := newEnv(t)

	code, _ := e.do(t, "POST", "/v1/admin/reaper/sweep", acmeKey, "")
	r.Equal(http.StatusUnauthorized, code)

	code, body := e.do(t, "POST", "/v1/admin/reaper/sweep", adminKey, "")
	r.Equal(http.StatusOK, code)
	r.Equal(float64(0), body["count"])
	r.Equal([]any{}, body["reaped"])

	code, _ = e.do(t, "GET", "/healthz", "", "")
	r.Equal(http.StatusOK, code)
	code, body = e.do(t, "GET", "/readyz", "", "")
	r.Equal(http.StatusOK, code)
	r.Equal("healthy", body["status"])

	resp, err := e.srv.Client().Get(e.srv.URL + "/metrics")
	r.NoError(err)
	defer resp.Body.Close()
	b, err := io.ReadAll(resp.Body)
	r.NoError(err)
	r.Contains(string(b), `compliance_http_requests_total{code="200",method="POST",route="/v1/admin/reaper/sweep"} 1`)
}
