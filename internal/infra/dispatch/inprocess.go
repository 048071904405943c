package dispatch

import (
	"context"
	"sync"

	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	domain "github.com/bryanwahyu/automaton-compliance/internal/domain/scans"
)

// InProcess runs every job in its own goroutine, at most `workers` at a time.
type InProcess struct {
	log     logrus.FieldLogger
	sem     *semaphore.Weighted
	handler domain.JobHandler

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewInProcess(log logrus.FieldLogger, workers int) *InProcess {
	if workers <= 0 {
		workers = 64
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &InProcess{
		log:    log,
		sem:    semaphore.NewWeighted(int64(workers)),
		ctx:    ctx,
		cancel: cancel,
	}
}

// Bind sets the function that executes jobs.
func (d *InProcess) Bind(h domain.JobHandler) { d.handler = h }

func (d *InProcess) Name() string { return "inprocess" }

func (d *InProcess) Remote() bool { return false }

func (d *InProcess) Dispatch(_ context.Context, job domain.Job) (string, error) {
	if d.handler == nil {
		return "", &domain.BrokerUnavailableError{Broker: d.Name(), Err: errNoHandler}
	}
	if d.ctx.Err() != nil {
		return "", &domain.BrokerUnavailableError{Broker: d.Name(), Err: d.ctx.Err()}
	}

	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		if err := d.sem.Acquire(d.ctx, 1); err != nil {
			d.log.WithField("scan_id", job.ScanID).Warn("in-process dispatcher closed before job started")
			return
		}
		defer d.sem.Release(1)
		d.handler(d.ctx, job)
	}()
	return "inprocess:" + string(job.ScanID), nil
}

// Close cancels running jobs and waits for their goroutines.
func (d *InProcess) Close() {
	d.cancel()
	d.wg.Wait()
}
