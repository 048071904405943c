package orchestration

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/samber/lo"
	"github.com/sirupsen/logrus"

	"github.com/bryanwahyu/automaton-compliance/internal/application/broadcast"
	"github.com/bryanwahyu/automaton-compliance/internal/application/scans"
	"github.com/bryanwahyu/automaton-compliance/internal/domain/scanerrors"
	domain "github.com/bryanwahyu/automaton-compliance/internal/domain/scans"
)

// option keys that may be forwarded to the checker as --key value
var optionKey = regexp.MustCompile(`^[a-z][a-z0-9_-]{0,63}$`)

var reservedOptions = map[string]bool{
	"params": true, "scan-id": true, "benchmark": true, "target": true,
	"callback-url": true, scans.OptExpectedChecks: true,
}

type Config struct {
	// Timeout is the hard wall-clock limit of one checker run.
	Timeout time.Duration
}

// Runtime drives scans from pending to a terminal state and owns the
// registry of live supervised tasks (one per scan id).
type Runtime struct {
	log       logrus.FieldLogger
	cfg       Config
	svc       *scans.Service
	runner    domain.Runner
	creds     domain.CredentialProvider
	artifacts domain.ArtifactStore
	events    *broadcast.Broadcaster

	dispatcher domain.Dispatcher
	local      domain.Dispatcher

	base     context.Context
	shutdown context.CancelFunc
	wg       sync.WaitGroup

	mu   sync.Mutex
	live map[domain.ScanID]*task
}

type task struct {
	cancel  context.CancelFunc
	running bool
	since   time.Time
}

type Deps struct {
	Service    *scans.Service
	Runner     domain.Runner
	Creds      domain.CredentialProvider
	Artifacts  domain.ArtifactStore
	Events     *broadcast.Broadcaster
	Dispatcher domain.Dispatcher
	// Local serves the in-process variant of StartScan; defaults to Dispatcher.
	Local domain.Dispatcher
}

func New(log logrus.FieldLogger, cfg Config, deps Deps) *Runtime {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 4 * time.Hour
	}
	if deps.Local == nil {
		deps.Local = deps.Dispatcher
	}
	base, cancel := context.WithCancel(context.Background())
	return &Runtime{
		log:        log,
		cfg:        cfg,
		svc:        deps.Service,
		runner:     deps.Runner,
		creds:      deps.Creds,
		artifacts:  deps.Artifacts,
		events:     deps.Events,
		dispatcher: deps.Dispatcher,
		local:      deps.Local,
		base:       base,
		shutdown:   cancel,
		live:       make(map[domain.ScanID]*task),
	}
}

// StartScan dispatches a pending scan through the configured dispatcher.
// A scan that already has a live task is not started again (false, nil).
func (rt *Runtime) StartScan(ctx context.Context, scan *domain.Scan) (bool, error) {
	return rt.start(ctx, rt.dispatcher, scan)
}

// StartLocal is StartScan through the in-process dispatcher.
func (rt *Runtime) StartLocal(ctx context.Context, scan *domain.Scan) (bool, error) {
	return rt.start(ctx, rt.local, scan)
}

func (rt *Runtime) start(ctx context.Context, d domain.Dispatcher, scan *domain.Scan) (bool, error) {
	log := rt.log.WithFields(logrus.Fields{"scan_id": scan.ScanID, "dispatcher": d.Name()})

	rt.mu.Lock()
	if _, ok := rt.live[scan.ScanID]; ok {
		rt.mu.Unlock()
		log.Warn("scan already has a live task, ignoring duplicate start")
		return false, nil
	}
	rt.live[scan.ScanID] = &task{since: time.Now()}
	rt.mu.Unlock()

	job := domain.Job{
		ScanID:       scan.ScanID,
		TenantID:     scan.TenantID,
		AssignmentID: scan.AssignmentID,
		Target:       scan.Target,
		Benchmark:    scan.Benchmark,
		Options:      scan.Options,
		EnqueuedAt:   time.Now().UTC(),
	}
	handle, err := d.Dispatch(ctx, job)
	if err != nil {
		rt.deregister(scan.ScanID, nil)
		dbCtx := context.WithoutCancel(ctx)
		if _, ferr := rt.svc.Fail(dbCtx, scan.ScanID, scanerrors.PhaseDispatch, err, map[string]any{"dispatcher": d.Name()}); ferr != nil {
			log.WithError(ferr).Error("marking undispatched scan failed")
		}
		return false, err
	}

	if d.Remote() {
		// the task now belongs to whichever consumer pops it
		rt.deregister(scan.ScanID, nil)
	}
	if err := rt.svc.SetTaskHandle(context.WithoutCancel(ctx), scan.ScanID, handle); err != nil {
		log.WithError(err).Warn("saving task handle")
	}
	log.WithField("handle", handle).Info("scan dispatched")
	return true, nil
}

// Run is the supervised task. Dispatchers call it; it returns when the scan
// reached a terminal state or was skipped.
func (rt *Runtime) Run(ctx context.Context, job domain.Job) {
	taskCtx, cancel := context.WithCancel(ctx)
	stop := context.AfterFunc(rt.base, cancel)
	defer stop()

	t, ok := rt.adopt(job.ScanID, cancel)
	if !ok {
		cancel()
		rt.log.WithField("scan_id", job.ScanID).Warn("scan already running in this process, skipping job")
		return
	}
	rt.wg.Add(1)
	defer rt.wg.Done()
	defer rt.deregister(job.ScanID, t)
	defer cancel()

	rt.supervise(taskCtx, job)
}

func (rt *Runtime) supervise(ctx context.Context, job domain.Job) {
	id := job.ScanID
	log := rt.log.WithFields(logrus.Fields{"scan_id": id, "tenant": job.TenantID})
	// writes after a cancel must still land
	dbCtx := context.WithoutCancel(ctx)

	scan, err := rt.svc.FindScan(dbCtx, id)
	if err != nil {
		log.WithError(err).Error("loading scan for task")
		return
	}
	switch {
	case scan.Status.Terminal():
		log.WithField("status", scan.Status).Info("scan already finished, skipping task")
		return
	case scan.Status == domain.StatusRunning:
		// a progress webhook beat the task start; this process holds the entry
		log.Info("scan already marked running, continuing task")
	default:
		if _, err := rt.svc.UpdateStatus(dbCtx, id, domain.StatusRunning, ""); err != nil {
			log.WithError(err).Warn("could not mark scan running")
			return
		}
	}

	fail := func(phase scanerrors.Phase, cause error) {
		if _, err := rt.svc.Fail(dbCtx, id, phase, cause, nil); err != nil {
			if domain.IsValidation(err) {
				// already terminal, e.g. cancelled by the user
				log.WithError(cause).Info("task ended after scan was finalised")
				return
			}
			log.WithError(err).Error("marking scan failed")
		}
	}

	creds, err := rt.creds.Credentials(ctx, job.TenantID, job.Target)
	if err != nil {
		fail(scanerrors.PhaseExecute, fmt.Errorf("resolving credentials: %w", err))
		return
	}

	opts := domain.ExecOptions{
		Benchmark:      job.Benchmark,
		Target:         job.Target,
		ExpectedChecks: scans.ExpectedChecks(scan),
		Extra:          checkerOptions(job.Options),
	}
	res, err := rt.runner.Execute(ctx, creds, id, opts, rt.cfg.Timeout)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			fail(scanerrors.PhaseExecute, errors.New("scan task cancelled"))
			return
		}
		fail(scanerrors.PhaseExecute, err)
		return
	}

	if rt.artifacts != nil && len(res.Payload) > 0 {
		key := fmt.Sprintf("%s/%s/%s.json", job.TenantID, job.Benchmark, id)
		url, err := rt.artifacts.UploadBytes(dbCtx, key, res.Payload, "application/json")
		if err != nil {
			log.WithError(err).Warn("uploading checker output")
		} else if err := rt.svc.SetArtifact(dbCtx, id, url); err != nil {
			log.WithError(err).Warn("saving artifact url")
		}
	}

	n, err := rt.svc.BulkIngestResults(dbCtx, id, res.Results)
	if err != nil {
		fail(scanerrors.PhaseIngest, fmt.Errorf("ingesting results: %w", err))
		return
	}
	if _, err := rt.svc.UpdateStatus(dbCtx, id, domain.StatusCompleted, ""); err != nil {
		if !domain.IsValidation(err) {
			log.WithError(err).Error("marking scan completed")
		}
		return
	}
	log.WithFields(logrus.Fields{"results": n, "implicit": res.Implicit}).Info("scan task done")
}

// CancelScan cancels the scan and kills its checker if it runs here.
func (rt *Runtime) CancelScan(ctx context.Context, tenant string, id domain.ScanID) (*domain.Scan, error) {
	scan, err := rt.svc.CancelScan(ctx, tenant, id)
	if err != nil {
		return nil, err
	}
	rt.Cancel(id)
	return scan, nil
}

// Cancel cancels the live task of id, if any.
func (rt *Runtime) Cancel(id domain.ScanID) bool {
	var cancel context.CancelFunc
	rt.mu.Lock()
	if t, ok := rt.live[id]; ok {
		cancel = t.cancel
	}
	rt.mu.Unlock()
	if cancel == nil {
		return false
	}
	cancel()
	return true
}

func (rt *Runtime) Subscribe(id domain.ScanID) *broadcast.Subscription {
	return rt.events.Subscribe(id)
}

func (rt *Runtime) Unsubscribe(sub *broadcast.Subscription) {
	rt.events.Unsubscribe(sub)
}

// Events returns the logged events of id after seq, for stream resumption.
func (rt *Runtime) Events(id domain.ScanID, afterSeq uint64) []domain.Event {
	return rt.events.Events(id, afterSeq)
}

// Live lists scan ids with a registered task, sorted.
func (rt *Runtime) Live() []domain.ScanID {
	rt.mu.Lock()
	ids := lo.Keys(rt.live)
	rt.mu.Unlock()
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids
}

func (rt *Runtime) IsLive(id domain.ScanID) bool {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	_, ok := rt.live[id]
	return ok
}

func (rt *Runtime) LiveCount() int {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	return len(rt.live)
}

// Wait blocks until every running task returned or ctx is done.
func (rt *Runtime) Wait(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		rt.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Shutdown cancels every running task and waits for them.
func (rt *Runtime) Shutdown(ctx context.Context) error {
	rt.shutdown()
	return rt.Wait(ctx)
}

// adopt claims the registry entry for a task about to run. An entry left by
// StartScan is taken over; a running one means a duplicate.
func (rt *Runtime) adopt(id domain.ScanID, cancel context.CancelFunc) (*task, bool) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	t, ok := rt.live[id]
	if ok && t.running {
		return nil, false
	}
	if !ok {
		t = &task{since: time.Now()}
		rt.live[id] = t
	}
	t.running = true
	t.cancel = cancel
	return t, true
}

// deregister removes id; with t set, only if the entry is still t.
func (rt *Runtime) deregister(id domain.ScanID, t *task) {
	rt.mu.Lock()
	defer rt.mu.Unlock()
	if cur, ok := rt.live[id]; ok && (t == nil || cur == t) {
		delete(rt.live, id)
	}
}

func checkerOptions(opts map[string]string) map[string]string {
	return lo.PickBy(opts, func(k, _ string) bool {
		return optionKey.MatchString(k) && !reservedOptions[k]
	})
}
