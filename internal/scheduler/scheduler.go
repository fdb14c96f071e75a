// Package scheduler drives the daemon's long-lived tasks: the webhook
// receiver, the downstream completion poller, the startup backfill, and
// the consumer. It owns graceful shutdown: producers stop first, the
// queue closes, and the consumer drains before the process exits.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/marcus/taskmirror/internal/adapter"
	"github.com/marcus/taskmirror/internal/config"
	"github.com/marcus/taskmirror/internal/downstream"
	"github.com/marcus/taskmirror/internal/engine"
	"github.com/marcus/taskmirror/internal/model"
	"github.com/marcus/taskmirror/internal/queue"
	"github.com/marcus/taskmirror/internal/upstream"
)

// drainTimeout bounds how long the consumer may keep working after the
// shutdown signal.
const drainTimeout = 60 * time.Second

// UpstreamSource is one workspace's client pair for backfill.
type UpstreamSource struct {
	Name     string
	Client   *upstream.Client
	Projects []string
	Rules    config.SyncRules
}

// Scheduler coordinates producers and the consumer.
type Scheduler struct {
	cfg      *config.Config
	sources  []UpstreamSource
	poller   *downstream.Poller
	producer *engine.Producer
	engine   *engine.Engine
	queue    *queue.Queue
	webhook  Runner

	now func() time.Time
}

// Runner is anything with a ctx-bound Run loop (the webhook receiver).
type Runner interface {
	Run(ctx context.Context) error
}

// New assembles the scheduler. webhook may be nil when no listen address
// is configured.
func New(cfg *config.Config, sources []UpstreamSource, poller *downstream.Poller, producer *engine.Producer, eng *engine.Engine, q *queue.Queue, webhook Runner) *Scheduler {
	return &Scheduler{
		cfg:      cfg,
		sources:  sources,
		poller:   poller,
		producer: producer,
		engine:   eng,
		queue:    q,
		webhook:  webhook,
		now:      time.Now,
	}
}

// Run blocks until ctx is cancelled or a task fails fatally. On
// cancellation the producers wind down, the queue closes, and the
// consumer finishes the backlog under a drain deadline.
func (s *Scheduler) Run(ctx context.Context) error {
	producerCtx, stopProducers := context.WithCancel(ctx)
	defer stopProducers()

	producers, _ := errgroup.WithContext(producerCtx)

	producers.Go(func() error {
		return s.runBackfill(producerCtx)
	})
	producers.Go(func() error {
		return s.runPoller(producerCtx)
	})
	if s.webhook != nil {
		producers.Go(func() error {
			return s.webhook.Run(producerCtx)
		})
	}

	consumerDone := make(chan error, 1)
	drainCtx, cancelDrain := context.WithCancel(context.Background())
	defer cancelDrain()
	go func() {
		consumerDone <- s.engine.Run(drainCtx)
	}()

	// Wait for shutdown or a fatal producer error.
	producerErr := make(chan error, 1)
	go func() { producerErr <- producers.Wait() }()

	var firstErr error
	producersFinished := false
	select {
	case <-ctx.Done():
	case err := <-producerErr:
		firstErr = err
		producersFinished = true
	case err := <-consumerDone:
		// Consumer died before shutdown: store failure. Stop everything.
		stopProducers()
		<-producerErr
		if err == nil {
			err = fmt.Errorf("consumer exited unexpectedly")
		}
		return err
	}

	slog.Info("shutting down, draining queue", "pending", s.queue.Len())
	stopProducers()
	if !producersFinished {
		if err := <-producerErr; firstErr == nil && err != nil && !errors.Is(err, context.Canceled) {
			firstErr = err
		}
	}
	s.queue.Close()

	select {
	case err := <-consumerDone:
		if firstErr == nil {
			firstErr = err
		}
	case <-time.After(drainTimeout):
		cancelDrain()
		<-consumerDone
		slog.Warn("drain deadline exceeded, queue not empty", "pending", s.queue.Len())
	}
	return firstErr
}

// RunOnce performs a single full sync pass: backfill every source, poll
// completions once, then drain the queue to empty.
func (s *Scheduler) RunOnce(ctx context.Context) error {
	if err := s.runBackfill(ctx); err != nil {
		return err
	}
	events, err := s.poller.Poll(ctx)
	if err != nil {
		slog.Warn("completion poll failed", "err", err)
	}
	for _, ev := range events {
		if err := s.producer.Handle(ctx, ev); err != nil {
			return fmt.Errorf("poll enqueue: %w", err)
		}
	}
	s.queue.Close()
	return s.engine.Run(ctx)
}

// runBackfill fetches every open assigned issue once at startup so the
// store converges even if webhooks were missed while the daemon was down.
func (s *Scheduler) runBackfill(ctx context.Context) error {
	for _, src := range s.sources {
		issues, err := src.Client.AssignedIssues(ctx, src.Projects)
		if err != nil {
			if adapter.IsAuth(err) {
				return fmt.Errorf("backfill source %s: %w", src.Name, err)
			}
			slog.Error("backfill failed, continuing with other sources", "source", src.Name, "err", err)
			continue
		}
		for _, issue := range issues {
			snapshot := upstream.MapIssue(issue, src.Rules.CompletedUpstreamLabel)
			ev := adapter.Event{
				Source:     model.SourceUpstream,
				Timestamp:  issue.UpdatedAt,
				UpstreamID: issue.ID,
				SourceName: src.Name,
			}
			if snapshot.Status == model.StatusTerminal {
				ev.Terminal = true
			} else {
				snap := snapshot
				ev.Snapshot = &snap
			}
			if err := s.producer.Handle(ctx, ev); err != nil {
				return fmt.Errorf("backfill enqueue for %s: %w", issue.ID, err)
			}
		}
		slog.Info("backfill complete", "source", src.Name, "issues", len(issues))
	}
	return nil
}

// runPoller ticks the downstream completion poll, re-evaluating the
// schedule overrides before each sleep so interval changes take effect at
// the next tick.
func (s *Scheduler) runPoller(ctx context.Context) error {
	for {
		interval := s.currentInterval()
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}

		events, err := s.poller.Poll(ctx)
		if err != nil {
			if adapter.IsAuth(err) {
				return fmt.Errorf("downstream poll: %w", err)
			}
			slog.Warn("downstream poll failed", "err", err)
			continue
		}
		for _, ev := range events {
			if err := s.producer.Handle(ctx, ev); err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("poll enqueue: %w", err)
			}
		}
	}
}

// currentInterval picks the poll period: the first schedule override
// whose window contains now, otherwise the configured default.
func (s *Scheduler) currentInterval() time.Duration {
	now := s.now()
	for _, o := range s.cfg.ScheduleOverrides {
		if overrideActive(o, now) {
			return time.Duration(o.IntervalSeconds) * time.Second
		}
	}
	return time.Duration(s.cfg.PollIntervalSeconds) * time.Second
}

var dayNames = map[time.Weekday]string{
	time.Monday:    "mon",
	time.Tuesday:   "tue",
	time.Wednesday: "wed",
	time.Thursday:  "thu",
	time.Friday:    "fri",
	time.Saturday:  "sat",
	time.Sunday:    "sun",
}

func overrideActive(o config.ScheduleOverride, now time.Time) bool {
	if len(o.Days) > 0 {
		day := dayNames[now.Weekday()]
		found := false
		for _, d := range o.Days {
			if d == day {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	minutes := now.Hour()*60 + now.Minute()
	start, okStart := parseMinutes(o.StartTime)
	end, okEnd := parseMinutes(o.EndTime)
	if !okStart || !okEnd {
		return false
	}
	return minutes >= start && minutes < end
}

func parseMinutes(s string) (int, bool) {
	parts := strings.Split(s, ":")
	if len(parts) != 2 {
		return 0, false
	}
	h, err1 := strconv.Atoi(parts[0])
	m, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, false
	}
	return h*60 + m, true
}
