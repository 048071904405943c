package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/semaphore"

	domain "github.com/bryanwahyu/automaton-compliance/internal/domain/scans"
)

var errNoHandler = errors.New("no job handler bound")

type RedisConfig struct {
	Queue   string
	Workers int
	// PollTimeout bounds each BRPOP so shutdown is noticed.
	PollTimeout time.Duration
}

// Redis pushes jobs onto a list; Consume pops and runs them.
type Redis struct {
	log     logrus.FieldLogger
	client  redis.UniversalClient
	cfg     RedisConfig
	handler domain.JobHandler
}

func NewRedis(log logrus.FieldLogger, client redis.UniversalClient, cfg RedisConfig) *Redis {
	if cfg.Queue == "" {
		cfg.Queue = "compliance:scans"
	}
	if cfg.Workers <= 0 {
		cfg.Workers = 4
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = 5 * time.Second
	}
	return &Redis{log: log, client: client, cfg: cfg}
}

func (d *Redis) Bind(h domain.JobHandler) { d.handler = h }

func (d *Redis) Name() string { return "redis" }

func (d *Redis) Remote() bool { return true }

func (d *Redis) Dispatch(ctx context.Context, job domain.Job) (string, error) {
	pingCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	if err := d.client.Ping(pingCtx).Err(); err != nil {
		return "", &domain.BrokerUnavailableError{Broker: d.Name(), Err: err}
	}

	b, err := json.Marshal(job)
	if err != nil {
		return "", fmt.Errorf("encoding job: %w", err)
	}
	if err := d.client.LPush(ctx, d.cfg.Queue, b).Err(); err != nil {
		return "", &domain.BrokerUnavailableError{Broker: d.Name(), Err: err}
	}
	return fmt.Sprintf("redis:%s:%s", d.cfg.Queue, job.ScanID), nil
}

// Ping is used by the readiness check.
func (d *Redis) Ping(ctx context.Context) error {
	return d.client.Ping(ctx).Err()
}

// Consume pops jobs until ctx is done, running up to Workers at once.
func (d *Redis) Consume(ctx context.Context) error {
	if d.handler == nil {
		return errNoHandler
	}
	sem := semaphore.NewWeighted(int64(d.cfg.Workers))
	var wg sync.WaitGroup
	defer wg.Wait()

	for {
		if err := sem.Acquire(ctx, 1); err != nil {
			return nil
		}
		res, err := d.client.BRPop(ctx, d.cfg.PollTimeout, d.cfg.Queue).Result()
		if err != nil {
			sem.Release(1)
			if ctx.Err() != nil {
				return nil
			}
			if errors.Is(err, redis.Nil) {
				continue
			}
			d.log.Errorf("redis consume: %v", err)
			select {
			case <-ctx.Done():
				return nil
			case <-time.After(time.Second):
			}
			continue
		}

		// res = [queue, payload]
		var job domain.Job
		if len(res) != 2 || json.Unmarshal([]byte(res[1]), &job) != nil {
			sem.Release(1)
			d.log.Warnf("dropping malformed job from %s", d.cfg.Queue)
			continue
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			d.handler(ctx, job)
		}()
	}
}
