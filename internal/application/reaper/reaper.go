package reaper

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"

	"github.com/bryanwahyu/automaton-compliance/internal/application"
	"github.com/bryanwahyu/automaton-compliance/internal/application/scans"
	"github.com/bryanwahyu/automaton-compliance/internal/domain/scanerrors"
	domain "github.com/bryanwahyu/automaton-compliance/internal/domain/scans"
)

type Config struct {
	// Threshold is how long a scan may stay running before it counts as a zombie.
	Threshold time.Duration
	// Schedule is a robfig/cron expression.
	Schedule string
}

// Registry tells whether a scan still has a live task in this process.
type Registry interface {
	IsLive(id domain.ScanID) bool
}

type Recorder interface {
	ScansReaped(n int)
}

type Deps struct {
	Service *scans.Service
	Live    Registry
	Metrics Recorder
	Clock   application.Clock
}

// Reaper fails running scans whose checker died without reporting.
type Reaper struct {
	log     logrus.FieldLogger
	cfg     Config
	svc     *scans.Service
	live    Registry
	metrics Recorder
	clock   application.Clock

	// one sweep at a time, cron and admin trigger may overlap
	mu sync.Mutex
}

func New(log logrus.FieldLogger, cfg Config, deps Deps) *Reaper {
	if cfg.Threshold <= 0 {
		cfg.Threshold = 2 * time.Hour
	}
	if cfg.Schedule == "" {
		cfg.Schedule = "@every 10m"
	}
	if deps.Clock == nil {
		deps.Clock = application.SystemClock{}
	}
	return &Reaper{
		log:     log,
		cfg:     cfg,
		svc:     deps.Service,
		live:    deps.Live,
		metrics: deps.Metrics,
		clock:   deps.Clock,
	}
}

// Sweep fails every stale running scan and returns their ids.
func (r *Reaper) Sweep(ctx context.Context) ([]domain.ScanID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.clock.Now().UTC()
	stale, err := r.svc.StaleRunning(ctx, now.Add(-r.cfg.Threshold))
	if err != nil {
		return nil, fmt.Errorf("listing stale scans: %w", err)
	}

	reaped := make([]domain.ScanID, 0, len(stale))
	for _, s := range stale {
		log := r.log.WithField("scan_id", s.ScanID)
		if r.live != nil && r.live.IsLive(s.ScanID) {
			log.Debug("stale scan still has a live task, skipping")
			continue
		}
		if s.StartedAt == nil {
			continue
		}
		running := now.Sub(*s.StartedAt).Truncate(time.Second)
		cause := fmt.Errorf("scan exceeded staleness threshold: running for %s", running)
		details := map[string]any{
			"started_at": s.StartedAt.Format(time.RFC3339),
			"threshold":  r.cfg.Threshold.String(),
		}
		if _, err := r.svc.Fail(ctx, s.ScanID, scanerrors.PhaseReaper, cause, details); err != nil {
			if domain.IsValidation(err) {
				// finished between the listing and now
				continue
			}
			if errors.Is(err, context.Canceled) {
				return reaped, err
			}
			log.WithError(err).Error("reaping scan")
			continue
		}
		log.WithField("running_for", running).Warn("reaped zombie scan")
		reaped = append(reaped, s.ScanID)
	}

	if r.metrics != nil && len(reaped) > 0 {
		r.metrics.ScansReaped(len(reaped))
	}
	return reaped, nil
}

// Run sweeps on the configured schedule until ctx is done.
func (r *Reaper) Run(ctx context.Context) error {
	c := cron.New()
	if _, err := c.AddFunc(r.cfg.Schedule, func() {
		sctx, cancel := context.WithTimeout(ctx, 3*time.Minute)
		defer cancel()
		ids, err := r.Sweep(sctx)
		if err != nil && !errors.Is(err, context.Canceled) {
			r.log.Errorf("reaper sweep: %v", err)
			return
		}
		r.log.Debugf("reaper sweep done, %d scans reaped", len(ids))
	}); err != nil {
		return fmt.Errorf("invalid reaper schedule %q: %w", r.cfg.Schedule, err)
	}

	c.Start()
	r.log.WithField("schedule", r.cfg.Schedule).Info("reaper started")
	<-ctx.Done()
	<-c.Stop().Done()
	return nil
}
