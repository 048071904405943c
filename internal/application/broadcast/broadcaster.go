package broadcast

import (
	"context"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	domain "github.com/bryanwahyu/automaton-compliance/internal/domain/scans"
)

type Config struct {
	// Buffer is the per-subscriber channel size.
	Buffer int
	// LogSize bounds the per-scan event log.
	LogSize int
	// SweepInterval and SweepAge drive Start.
	SweepInterval time.Duration
	SweepAge      time.Duration
}

// Subscription is one observer of one scan. C is closed when the
// subscription is removed for any reason.
type Subscription struct {
	ScanID domain.ScanID
	C      <-chan domain.Event

	ch chan domain.Event
}

type eventLog struct {
	events []domain.Event
	seq    uint64
	last   time.Time
}

// Broadcaster fans scan events out to subscribers and keeps a bounded,
// append-only event log per scan for replay.
type Broadcaster struct {
	log logrus.FieldLogger
	cfg Config

	mu     sync.Mutex
	subs   map[domain.ScanID]map[*Subscription]struct{}
	logs   map[domain.ScanID]*eventLog
	closed bool
}

func New(log logrus.FieldLogger, cfg Config) *Broadcaster {
	if cfg.Buffer <= 0 {
		cfg.Buffer = 32
	}
	if cfg.LogSize <= 0 {
		cfg.LogSize = 256
	}
	if cfg.SweepInterval <= 0 {
		cfg.SweepInterval = 5 * time.Minute
	}
	if cfg.SweepAge <= 0 {
		cfg.SweepAge = 30 * time.Minute
	}
	return &Broadcaster{
		log:  log,
		cfg:  cfg,
		subs: make(map[domain.ScanID]map[*Subscription]struct{}),
		logs: make(map[domain.ScanID]*eventLog),
	}
}

// Subscribe registers a new observer for id.
func (b *Broadcaster) Subscribe(id domain.ScanID) *Subscription {
	ch := make(chan domain.Event, b.cfg.Buffer)
	sub := &Subscription{ScanID: id, C: ch, ch: ch}

	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		close(ch)
		return sub
	}
	set, ok := b.subs[id]
	if !ok {
		set = make(map[*Subscription]struct{})
		b.subs[id] = set
	}
	set[sub] = struct{}{}
	return sub
}

// Unsubscribe is idempotent.
func (b *Broadcaster) Unsubscribe(sub *Subscription) {
	if sub == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.removeLocked(sub)
}

// Publish appends ev to the scan's log and delivers it to every subscriber
// without blocking. A subscriber whose buffer is full is dropped.
func (b *Broadcaster) Publish(ev domain.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}

	l, ok := b.logs[ev.ScanID]
	if !ok {
		l = &eventLog{}
		b.logs[ev.ScanID] = l
	}
	l.seq++
	ev.Seq = l.seq
	l.events = append(l.events, ev)
	if over := len(l.events) - b.cfg.LogSize; over > 0 {
		l.events = append([]domain.Event(nil), l.events[over:]...)
	}
	l.last = time.Now()

	for sub := range b.subs[ev.ScanID] {
		select {
		case sub.ch <- ev:
		default:
			b.log.WithField("scan_id", ev.ScanID).Warn("subscriber too slow, dropping")
			b.removeLocked(sub)
		}
	}
}

// Events returns the logged events of id with Seq > afterSeq.
func (b *Broadcaster) Events(id domain.ScanID, afterSeq uint64) []domain.Event {
	b.mu.Lock()
	defer b.mu.Unlock()
	l, ok := b.logs[id]
	if !ok {
		return nil
	}
	var out []domain.Event
	for _, ev := range l.events {
		if ev.Seq > afterSeq {
			out = append(out, ev)
		}
	}
	return out
}

// Subscribers returns the number of open subscriptions.
func (b *Broadcaster) Subscribers() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	n := 0
	for _, set := range b.subs {
		n += len(set)
	}
	return n
}

// Sweep drops the logs (and subscribers) of scans that went terminal, or
// went quiet with nobody listening, more than olderThan ago.
func (b *Broadcaster) Sweep(olderThan time.Duration) int {
	cutoff := time.Now().Add(-olderThan)

	b.mu.Lock()
	defer b.mu.Unlock()
	removed := 0
	for id, l := range b.logs {
		if !l.last.Before(cutoff) {
			continue
		}
		terminal := len(l.events) > 0 && l.events[len(l.events)-1].Terminal()
		if !terminal && len(b.subs[id]) > 0 {
			continue
		}
		for sub := range b.subs[id] {
			b.removeLocked(sub)
		}
		delete(b.logs, id)
		removed++
	}
	return removed
}

// Start runs Sweep periodically until ctx is done.
func (b *Broadcaster) Start(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-time.After(b.cfg.SweepInterval):
			if n := b.Sweep(b.cfg.SweepAge); n > 0 {
				b.log.Debugf("broadcaster sweep removed %d scan logs", n)
			}
		}
	}
}

// Close closes every subscription; later publishes are dropped.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for _, set := range b.subs {
		for sub := range set {
			b.removeLocked(sub)
		}
	}
	b.logs = make(map[domain.ScanID]*eventLog)
}

func (b *Broadcaster) removeLocked(sub *Subscription) {
	set, ok := b.subs[sub.ScanID]
	if !ok {
		return
	}
	if _, ok := set[sub]; !ok {
		return
	}
	delete(set, sub)
	close(sub.ch)
	if len(set) == 0 {
		delete(b.subs, sub.ScanID)
	}
}
