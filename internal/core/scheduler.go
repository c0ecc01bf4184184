package core

import (
	"context"
	"time"

	"github.com/pkg/errors"
)

// errStaleAssignment signals that a build moved underneath the scheduler
// between selecting an agent and committing the assignment. The reserved
// slot is released and the build is revisited on the next tick.
var errStaleAssignment = errors.New("assignment no longer applies")

// SchedulerService is the specialized interface for moving pending jobs onto
// agents and recovering jobs orphaned by agent death. It owns no state of
// its own; each Tick recomputes everything it needs from the stores, so a
// crashed scheduler resumes by simply ticking again.
type SchedulerService interface {
	// Tick makes one scheduling pass over all PENDING and RUNNING builds:
	// every pending job of a runnable or running stage is offered to the
	// agent registry, and each successful selection atomically reserves the
	// agent slot before the job is marked ASSIGNED. Jobs no agent can take
	// simply remain pending. Returns the number of assignments made.
	Tick(ctx context.Context) (int, error)
	// RequeueAgentJobs returns every job currently assigned to or running
	// on the specified agent to the PENDING phase so another agent can pick
	// it up, discarding any progress. A job whose requeue budget is spent
	// is failed instead, with the usual stage and build consequences.
	// Returns the number of jobs requeued.
	RequeueAgentJobs(ctx context.Context, agentID string) (int, error)
}

type schedulerService struct {
	buildsStore    BuildsStore
	agentsStore    AgentsStore
	agentsService  AgentsService
	eventsService  EventsService
	maxJobRequeues int
}

// NewSchedulerService returns a specialized interface for moving pending
// jobs onto agents. maxJobRequeues bounds how many times a single job may be
// returned to PENDING by disconnect recovery before it is failed.
func NewSchedulerService(
	buildsStore BuildsStore,
	agentsStore AgentsStore,
	agentsService AgentsService,
	eventsService EventsService,
	maxJobRequeues int,
) SchedulerService {
	return &schedulerService{
		buildsStore:    buildsStore,
		agentsStore:    agentsStore,
		agentsService:  agentsService,
		eventsService:  eventsService,
		maxJobRequeues: maxJobRequeues,
	}
}

func (s *schedulerService) Tick(ctx context.Context) (int, error) {
	builds, err := s.buildsStore.List(ctx, BuildsSelector{
		Phases: []BuildPhase{BuildPhasePending, BuildPhaseRunning},
	})
	if err != nil {
		return 0, errors.Wrap(err, "error retrieving builds from store")
	}

	assigned := 0
	for i := range builds.Items {
		n, err := s.dispatchBuild(ctx, builds.Items[i])
		assigned += n
		if err != nil {
			return assigned, err
		}
	}
	return assigned, nil
}

// dispatchBuild assigns as many of one build's pending jobs as the registry
// has capacity for. Jobs are offered in stage declaration order and then job
// declaration order; a job that finds no agent doesn't block its siblings,
// whose label requirements may be satisfiable.
func (s *schedulerService) dispatchBuild(
	ctx context.Context,
	build Build,
) (int, error) {
	assigned := 0
	for i := range build.Stages {
		stage := &build.Stages[i]
		if stage.Phase != StagePhaseRunnable &&
			stage.Phase != StagePhaseRunning {
			continue
		}
		for j := range stage.Jobs {
			job := &stage.Jobs[j]
			if job.Phase != JobPhasePending {
				continue
			}

			agent, ok, err := s.agentsService.Select(ctx, job.Labels)
			if err != nil {
				return assigned, err
			}
			if !ok {
				continue
			}

			now := time.Now()
			var startedBuild bool
			var assignedJob Job
			if _, err = s.buildsStore.Update(
				ctx,
				build.ID,
				func(b *Build) error {
					startedBuild = false
					target, targetStage := findJob(b, job.ID)
					if target == nil || target.Phase != JobPhasePending {
						return errStaleAssignment
					}
					if targetStage.Phase != StagePhaseRunnable &&
						targetStage.Phase != StagePhaseRunning {
						return errStaleAssignment
					}
					if b.Phase != BuildPhasePending &&
						b.Phase != BuildPhaseRunning {
						return errStaleAssignment
					}
					target.Phase = JobPhaseAssigned
					target.AgentID = agent.ID
					if targetStage.Phase == StagePhaseRunnable {
						targetStage.Phase = StagePhaseRunning
					}
					if b.Phase == BuildPhasePending {
						b.Phase = BuildPhaseRunning
						b.Started = &now
						startedBuild = true
					}
					assignedJob = *target
					return nil
				},
			); err != nil {
				releaseAgents(ctx, s.agentsStore, []string{agent.ID})
				if err == errStaleAssignment {
					// The build moved underneath this tick; revisit it on
					// the next one.
					return assigned, nil
				}
				return assigned, err
			}

			if startedBuild {
				if _, err = s.eventsService.Publish(ctx, Event{
					Kind:       EventKindBuildStarted,
					PipelineID: build.PipelineID,
					BuildID:    build.ID,
				}); err != nil {
					return assigned, errors.Wrapf(
						err,
						"error publishing event for build %q",
						build.ID,
					)
				}
			}
			if _, err = s.eventsService.Publish(ctx, Event{
				Kind:       EventKindJobAssigned,
				PipelineID: build.PipelineID,
				BuildID:    build.ID,
				StageName:  assignedJob.StageName,
				JobID:      assignedJob.ID,
				AgentID:    agent.ID,
			}); err != nil {
				return assigned, errors.Wrapf(
					err,
					"error publishing event for job %q",
					assignedJob.ID,
				)
			}
			assigned++
		}
	}
	return assigned, nil
}

func (s *schedulerService) RequeueAgentJobs(
	ctx context.Context,
	agentID string,
) (int, error) {
	builds, err := s.buildsStore.List(ctx, BuildsSelector{
		Phases: []BuildPhase{BuildPhasePending, BuildPhaseRunning},
	})
	if err != nil {
		return 0, errors.Wrap(err, "error retrieving builds from store")
	}

	requeued := 0
	for i := range builds.Items {
		if !buildReferencesAgent(&builds.Items[i], agentID) {
			continue
		}

		var requeuedJobs, failedJobs []Job
		var released []string
		updated, err := s.buildsStore.Update(
			ctx,
			builds.Items[i].ID,
			func(b *Build) error {
				requeuedJobs = requeuedJobs[:0]
				failedJobs = failedJobs[:0]
				released = released[:0]
				now := time.Now()
				for si := range b.Stages {
					for ji := range b.Stages[si].Jobs {
						job := &b.Stages[si].Jobs[ji]
						if job.AgentID != agentID {
							continue
						}
						if job.Phase != JobPhaseAssigned &&
							job.Phase != JobPhaseRunning {
							continue
						}
						if job.Requeues >= s.maxJobRequeues {
							job.Phase = JobPhaseFailed
							job.Ended = &now
							failedJobs = append(failedJobs, *job)
							continue
						}
						job.Phase = JobPhasePending
						job.AgentID = ""
						job.Requeues++
						job.Started = nil
						job.ExitCode = nil
						requeuedJobs = append(requeuedJobs, *job)
					}
				}
				if len(failedJobs) > 0 {
					released = append(released, advanceBuild(b, now)...)
				}
				return nil
			},
		)
		if err != nil {
			return requeued, err
		}

		releaseAgents(ctx, s.agentsStore, released)

		for _, job := range requeuedJobs {
			if _, err = s.eventsService.Publish(ctx, Event{
				Kind:       EventKindJobRequeued,
				PipelineID: updated.PipelineID,
				BuildID:    updated.ID,
				StageName:  job.StageName,
				JobID:      job.ID,
				AgentID:    agentID,
			}); err != nil {
				return requeued, errors.Wrapf(
					err,
					"error publishing event for job %q",
					job.ID,
				)
			}
			requeued++
		}
		for _, job := range failedJobs {
			if _, err = s.eventsService.Publish(ctx, Event{
				Kind:       EventKindJobFailed,
				PipelineID: updated.PipelineID,
				BuildID:    updated.ID,
				StageName:  job.StageName,
				JobID:      job.ID,
				AgentID:    agentID,
				Reason:     "agent disconnected and the requeue limit was reached", // nolint: lll
			}); err != nil {
				return requeued, errors.Wrapf(
					err,
					"error publishing event for job %q",
					job.ID,
				)
			}
		}
		if buildPhaseTerminal(updated.Phase) {
			if _, err = s.eventsService.Publish(ctx, Event{
				Kind:       EventKindBuildCompleted,
				PipelineID: updated.PipelineID,
				BuildID:    updated.ID,
				Phase:      string(updated.Phase),
			}); err != nil {
				return requeued, errors.Wrapf(
					err,
					"error publishing event for build %q",
					updated.ID,
				)
			}
		}
	}
	return requeued, nil
}

func buildReferencesAgent(build *Build, agentID string) bool {
	for i := range build.Stages {
		for j := range build.Stages[i].Jobs {
			job := &build.Stages[i].Jobs[j]
			if job.AgentID != agentID {
				continue
			}
			if job.Phase == JobPhaseAssigned || job.Phase == JobPhaseRunning {
				return true
			}
		}
	}
	return false
}
