package orchestrator

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/creativeghq/batchflow/internal/domain"
	"github.com/creativeghq/batchflow/pkg/retry"
	"github.com/creativeghq/batchflow/pkg/telemetry"
)

// subscriberBuffer bounds how far a push subscriber may lag before
// events are dropped. Dropped events are recoverable via Snapshot.
const subscriberBuffer = 256

// EventSink receives every published event, serialized as JSON, keyed by
// job ID so external consumers get per-job ordering. Typically Kafka.
type EventSink interface {
	Publish(ctx context.Context, key string, value []byte) error
}

type subscriber struct {
	ch   chan domain.Event
	done chan struct{}
}

// publisher fans ordered events out to in-process subscribers and an
// optional external sink. It retains no history: only current state is
// guaranteed, so a lagging consumer reconciles with a pull snapshot.
type publisher struct {
	mu     sync.Mutex
	subs   map[int]*subscriber
	nextID int
	seq    uint64
	closed bool

	sink   EventSink
	logger *slog.Logger
}

func newPublisher(sink EventSink, logger *slog.Logger) *publisher {
	return &publisher{
		subs:   make(map[int]*subscriber),
		sink:   sink,
		logger: logger,
	}
}

// subscribe registers a callback. Events arrive in publish order on a
// dedicated goroutine per subscriber; a slow callback drops events
// rather than blocking the orchestrator. The returned function cancels
// the subscription and is safe to call more than once.
func (p *publisher) subscribe(fn func(domain.Event)) func() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return func() {}
	}
	id := p.nextID
	p.nextID++
	sub := &subscriber{
		ch:   make(chan domain.Event, subscriberBuffer),
		done: make(chan struct{}),
	}
	p.subs[id] = sub

	go func() {
		for {
			select {
			case ev, ok := <-sub.ch:
				if !ok {
					return
				}
				fn(ev)
			case <-sub.done:
				return
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			p.mu.Lock()
			defer p.mu.Unlock()
			if s, ok := p.subs[id]; ok {
				close(s.done)
				delete(p.subs, id)
			}
		})
	}
}

// publish stamps the event and fans it out. Safe to call under a job
// lock: every delivery path is non-blocking.
func (p *publisher) publish(ev domain.Event) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.seq++
	ev.Seq = p.seq
	ev.ID = uuid.New().String()
	ev.OccurredAt = time.Now().UTC()

	telemetry.EventsPublished.WithLabelValues(string(ev.Type)).Inc()
	for _, sub := range p.subs {
		select {
		case sub.ch <- ev:
		default:
			// Subscriber lagging; it must reconcile via snapshot.
			telemetry.EventsDropped.Inc()
			p.logger.Warn("event dropped for slow subscriber",
				slog.Uint64("seq", ev.Seq),
				slog.String("type", string(ev.Type)),
			)
		}
	}
	p.mu.Unlock()

	if p.sink != nil {
		go p.forwardToSink(ev)
	}
}

// forwardToSink serializes the event and publishes it with a short
// retry budget. Sink trouble never blocks or fails orchestration.
func (p *publisher) forwardToSink(ev domain.Event) {
	payload, err := json.Marshal(ev)
	if err != nil {
		p.logger.Error("failed to marshal event for sink", slog.String("error", err.Error()))
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err = retry.Do(ctx, retry.Config{MaxAttempts: 3, BaseDelay: 200 * time.Millisecond}, func() error {
		return p.sink.Publish(ctx, ev.JobID, payload)
	})
	if err != nil {
		telemetry.EventSinkErrors.Inc()
		p.logger.Error("failed to publish event to sink",
			slog.Uint64("seq", ev.Seq),
			slog.String("type", string(ev.Type)),
			slog.String("error", err.Error()),
		)
	}
}

func (p *publisher) close() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return
	}
	p.closed = true
	for id, sub := range p.subs {
		close(sub.done)
		delete(p.subs, id)
	}
}

// Subscribe registers a push consumer for orchestrator events.
// Delivery is ordered and at-least-once; missed events (slow consumer)
// are recoverable via Snapshot.
func (o *Orchestrator) Subscribe(fn func(domain.Event)) func() {
	return o.pub.subscribe(fn)
}

// emitJobLocked publishes job_updated with the job's current snapshot.
// js.mu must be held.
func (o *Orchestrator) emitJobLocked(js *jobState, changed ...string) {
	o.pub.publish(domain.Event{
		Type:    domain.EventJobUpdated,
		JobID:   js.job.ID,
		Job:     js.job.Clone(),
		Changed: changed,
	})
}

// notifyStats coalesces stats_updated emission onto a dedicated
// goroutine, since computing a snapshot needs orchestrator-wide locks
// that must never be taken under a job lock.
func (o *Orchestrator) notifyStats() {
	select {
	case o.statsCh <- struct{}{}:
	default:
	}
}

func (o *Orchestrator) statsLoop() {
	for {
		select {
		case <-o.baseCtx.Done():
			return
		case <-o.statsCh:
			stats := o.Stats(ListFilter{})
			o.pub.publish(domain.Event{Type: domain.EventStatsUpdated, Stats: &stats})
			if o.mirror != nil {
				ctx, cancel := context.WithTimeout(context.Background(), persistTimeout)
				if err := o.mirror.SetStats(ctx, &stats); err != nil {
					o.logger.Error("failed to mirror stats", slog.String("error", err.Error()))
				}
				cancel()
			}
		}
	}
}
