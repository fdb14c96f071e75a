package cmd

import (
	"fmt"

	"github.com/marcus/taskmirror/internal/config"
	"github.com/marcus/taskmirror/internal/downstream"
	"github.com/marcus/taskmirror/internal/engine"
	"github.com/marcus/taskmirror/internal/queue"
	"github.com/marcus/taskmirror/internal/scheduler"
	"github.com/marcus/taskmirror/internal/store"
	"github.com/marcus/taskmirror/internal/upstream"
	"github.com/marcus/taskmirror/internal/webhookd"
)

// queueCapacity bounds pending diffs between producers and the consumer.
const queueCapacity = 1024

// runtime is the assembled daemon: store, queue, both adapter sides, the
// producer/consumer pair and the scheduler that drives them.
type runtime struct {
	cfg       *config.Config
	store     *store.Store
	queue     *queue.Queue
	producer  *engine.Producer
	engine    *engine.Engine
	scheduler *scheduler.Scheduler
}

func (r *runtime) Close() error {
	return r.store.Close()
}

// buildRuntime wires the daemon from config.
func buildRuntime(cfg *config.Config) (*runtime, error) {
	st, err := store.Open(cfg.DatabasePath)
	if err != nil {
		return nil, fmt.Errorf("open state store: %w", err)
	}

	q := queue.New(queueCapacity)
	producer := engine.NewProducer(st, q)

	downClient := downstream.NewClient(cfg.DownstreamAPIKey, cfg.DownstreamRatePerMin)
	downAdapter := downstream.NewAdapter(downClient, cfg.GlobalRules)
	poller := downstream.NewPoller(downClient)

	var (
		names       []string
		upClients   []*upstream.Client
		sources     []scheduler.UpstreamSource
		webhookName string
	)
	for _, src := range cfg.UpstreamSources {
		client := upstream.NewClient(src.APIKey)
		names = append(names, src.Name)
		upClients = append(upClients, client)
		sources = append(sources, scheduler.UpstreamSource{
			Name:     src.Name,
			Client:   client,
			Projects: src.Projects,
			Rules:    src.EffectiveRules(cfg.GlobalRules),
		})
		if webhookName == "" && src.WebhookBaseURL != "" {
			webhookName = src.Name
		}
	}
	if webhookName == "" {
		webhookName = names[0]
	}

	router := upstream.NewRouter(names, upClients)
	eng := engine.New(st, q, downAdapter, router, cfg.GlobalRules.CompletedUpstreamLabel)

	var webhook scheduler.Runner
	if cfg.WebhookListenAddr != "" {
		webhook = webhookd.New(cfg.WebhookListenAddr, cfg.WebhookSecret, "", cfg.GlobalRules.CompletedUpstreamLabel, webhookName, producer)
	}

	sched := scheduler.New(cfg, sources, poller, producer, eng, q, webhook)

	return &runtime{
		cfg:       cfg,
		store:     st,
		queue:     q,
		producer:  producer,
		engine:    eng,
		scheduler: sched,
	}, nil
}
