package main

import (
	"context"
	"log"
	"sync"
	"time"

	"github.com/conveyorcd/conveyor/internal/core"
	"github.com/conveyorcd/conveyor/internal/lib/clock"
)

// schedulingKickBuffer is the subscription buffer for events that prompt an
// immediate dispatch pass. Overflow is harmless because the interval tick
// covers anything dropped.
const schedulingKickBuffer = 64

// schedulingKickKinds are the event kinds that can create dispatchable work
// or free agent capacity.
var schedulingKickKinds = map[core.EventKind]struct{}{
	core.EventKindBuildCreated:      {},
	core.EventKindJobCompleted:      {},
	core.EventKindJobFailed:         {},
	core.EventKindJobRequeued:       {},
	core.EventKindAgentRegistered:   {},
	core.EventKindAgentDisconnected: {},
}

// Orchestrator is the engine's resident process. It owns the dispatch loop
// that assigns pending jobs to agents and the sweep loop that expires agents
// whose heartbeats have gone stale.
type Orchestrator interface {
	// Run runs the orchestrator until the given context is cancelled.
	Run(context.Context) error
}

type orchestrator struct {
	config           Config
	agentsService    core.AgentsService
	schedulerService core.SchedulerService
	eventsService    core.EventsService
	clock            clock.Clock
}

// NewOrchestrator returns an Orchestrator that dispatches and sweeps using
// the given services.
func NewOrchestrator(
	config Config,
	agentsService core.AgentsService,
	schedulerService core.SchedulerService,
	eventsService core.EventsService,
	clck clock.Clock,
) Orchestrator {
	return &orchestrator{
		config:           config,
		agentsService:    agentsService,
		schedulerService: schedulerService,
		eventsService:    eventsService,
		clock:            clck,
	}
}

func (o *orchestrator) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	wg := sync.WaitGroup{}

	// Dispatch pending jobs at a regular interval and immediately after any
	// event that creates work or frees capacity
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.runSchedulingLoop(ctx)
	}()

	// Disconnect agents whose heartbeats have gone stale and requeue their
	// jobs
	wg.Add(1)
	go func() {
		defer wg.Done()
		o.runSweepLoop(ctx)
	}()

	<-ctx.Done()

	// Wait for everything to finish
	doneCh := make(chan struct{})
	go func() {
		defer close(doneCh)
		wg.Wait()
	}()
	select {
	case <-doneCh:
	case <-o.clock.After(3 * time.Second):
	}

	return ctx.Err()
}

func (o *orchestrator) runSchedulingLoop(ctx context.Context) {
	eventCh, unsubscribe := o.eventsService.Subscribe(schedulingKickBuffer)
	defer unsubscribe()

	ticker := o.clock.NewTicker(o.config.SchedulerInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
		case event := <-eventCh:
			if _, ok := schedulingKickKinds[event.Kind]; !ok {
				continue
			}
		case <-ctx.Done():
			return
		}
		if _, err := o.schedulerService.Tick(ctx); err != nil {
			log.Printf("WARNING: error dispatching jobs: %s", err)
		}
	}
}

func (o *orchestrator) runSweepLoop(ctx context.Context) {
	ticker := o.clock.NewTicker(o.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C():
		case <-ctx.Done():
			return
		}
		swept, err := o.agentsService.SweepDead(ctx, o.config.HeartbeatTimeout)
		if err != nil {
			log.Printf("WARNING: error sweeping dead agents: %s", err)
			continue
		}
		for _, agent := range swept {
			log.Printf(
				"agent %q missed its heartbeat deadline and was disconnected",
				agent.ID,
			)
			requeued, err := o.schedulerService.RequeueAgentJobs(ctx, agent.ID)
			if err != nil {
				log.Printf(
					"WARNING: error requeueing jobs of dead agent %q: %s",
					agent.ID,
					err,
				)
				continue
			}
			if requeued > 0 {
				log.Printf("requeued %d jobs of dead agent %q", requeued, agent.ID)
			}
		}
	}
}
