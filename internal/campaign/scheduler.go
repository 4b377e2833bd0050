package campaign

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/adhocore/gronx"
	"golang.org/x/sync/errgroup"

	"github.com/nextlevelbuilder/zapbridge/internal/bridge"
	"github.com/nextlevelbuilder/zapbridge/internal/bus"
	"github.com/nextlevelbuilder/zapbridge/internal/identity"
	"github.com/nextlevelbuilder/zapbridge/internal/templates"
)

const (
	// DefaultCheckInterval is how often the scheduler looks for due
	// campaigns. Well under a minute, so no cron minute is skipped.
	DefaultCheckInterval = 30 * time.Second

	// DefaultParallelism bounds concurrent sends within one run.
	DefaultParallelism = 4
)

// Deliverer sends one outbound message. Satisfied by bridge.Outbound.
type Deliverer interface {
	Deliver(ctx context.Context, req bridge.DeliverRequest) (bus.DeliveryResult, error)
}

// SchedulerConfig tunes the firing loop.
type SchedulerConfig struct {
	CheckInterval time.Duration
	Parallelism   int
}

// Scheduler fires enabled campaigns when their cron schedule is due.
type Scheduler struct {
	store     *Store
	registry  *templates.Registry
	deliverer Deliverer
	gron      *gronx.Gronx
	interval  time.Duration
	parallel  int
	log       *slog.Logger

	cancel context.CancelFunc
	done   chan struct{}
}

// NewScheduler builds a scheduler over store, rendering bodies from
// registry and sending through deliverer.
func NewScheduler(store *Store, registry *templates.Registry, deliverer Deliverer, cfg SchedulerConfig) *Scheduler {
	if cfg.CheckInterval <= 0 {
		cfg.CheckInterval = DefaultCheckInterval
	}
	if cfg.Parallelism <= 0 {
		cfg.Parallelism = DefaultParallelism
	}
	return &Scheduler{
		store:     store,
		registry:  registry,
		deliverer: deliverer,
		gron:      gronx.New(),
		interval:  cfg.CheckInterval,
		parallel:  cfg.Parallelism,
		log:       slog.Default().With("component", "campaigns"),
	}
}

// Start launches the firing loop. Stop ends it and waits for any run in
// progress.
func (s *Scheduler) Start(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.done = make(chan struct{})
	go s.loop(ctx)
}

// Stop ends the loop started by Start.
func (s *Scheduler) Stop() {
	if s.cancel == nil {
		return
	}
	s.cancel()
	<-s.done
}

func (s *Scheduler) loop(ctx context.Context) {
	defer close(s.done)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case now := <-ticker.C:
			s.tick(ctx, now)
		}
	}
}

// tick fires every enabled campaign due at now. The run reservation in
// the store keeps a campaign from firing twice in one minute, no matter
// how many ticks or processes race.
func (s *Scheduler) tick(ctx context.Context, now time.Time) {
	campaigns, err := s.store.List(ctx)
	if err != nil {
		s.log.Error("list campaigns", "error", err)
		return
	}
	for _, c := range campaigns {
		if !c.Enabled {
			continue
		}
		due, err := s.gron.IsDue(c.Schedule, now)
		if err != nil {
			s.log.Warn("bad campaign schedule", "campaign", c.ID, "schedule", c.Schedule, "error", err)
			continue
		}
		if !due {
			continue
		}
		runID, reserved, err := s.store.ReserveRun(ctx, c.ID, now)
		if err != nil {
			s.log.Error("reserve run", "campaign", c.ID, "error", err)
			continue
		}
		if !reserved {
			s.log.Debug("run already reserved", "campaign", c.ID, "run", runID)
			continue
		}
		s.fire(ctx, c, runID)
	}
}

// fire sends one reserved run to every recipient, bounded by the
// parallelism limit. Per-recipient failures are counted, never fatal.
func (s *Scheduler) fire(ctx context.Context, c Campaign, runID string) {
	body, err := s.registry.Render(c.Template, c.Params)
	if err != nil {
		s.log.Error("render campaign template", "campaign", c.ID, "run", runID, "error", err)
		if ferr := s.store.FinishRun(ctx, runID, 0, len(c.Recipients)); ferr != nil {
			s.log.Error("finish run", "run", runID, "error", ferr)
		}
		return
	}
	tpl, _ := s.registry.Get(c.Template)

	s.log.Info("campaign firing", "campaign", c.ID, "run", runID, "recipients", len(c.Recipients))

	var delivered, failed atomic.Int32
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(s.parallel)
	for _, recipient := range c.Recipients {
		g.Go(func() error {
			key := "campaign:" + runID + ":" + identity.Normalize(recipient)
			_, err := s.deliverer.Deliver(gctx, bridge.DeliverRequest{
				To: recipient,
				Template: &bridge.TemplateSend{
					Name:     c.Template,
					Language: tpl.Language,
					Params:   c.Params,
					Rendered: body,
				},
				IdempotencyKey: key,
			})
			if err != nil {
				failed.Add(1)
				s.log.Warn("campaign send failed",
					"run", runID, "recipient", identity.Mask(recipient), "error", err)
				return nil
			}
			delivered.Add(1)
			return nil
		})
	}
	g.Wait()

	if err := s.store.FinishRun(ctx, runID, int(delivered.Load()), int(failed.Load())); err != nil {
		s.log.Error("finish run", "run", runID, "error", err)
	}
	s.log.Info("campaign finished",
		"campaign", c.ID, "run", runID,
		"delivered", delivered.Load(), "failed", failed.Load())
}
