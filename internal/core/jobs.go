package core

import (
	"context"
	"fmt"
	"time"

	"github.com/conveyorcd/conveyor/internal/meta"
	"github.com/pkg/errors"
)

// JobPhase represents where a Job is within its lifecycle.
type JobPhase string

const (
	// JobPhaseAssigned represents the state wherein a job has been handed to
	// an agent that has not yet acknowledged starting it.
	JobPhaseAssigned JobPhase = "ASSIGNED"
	// JobPhaseCancelled represents the state wherein a job was stopped short
	// of completion, either by a sibling job's failure or by build
	// cancellation.
	JobPhaseCancelled JobPhase = "CANCELLED"
	// JobPhaseFailed represents the state wherein a job has run to completion
	// but experienced errors, or exhausted its requeue budget.
	JobPhaseFailed JobPhase = "FAILED"
	// JobPhasePending represents the state wherein a job is awaiting
	// dispatch.
	JobPhasePending JobPhase = "PENDING"
	// JobPhaseRunning represents the state wherein an agent has acknowledged
	// that it is executing the job.
	JobPhaseRunning JobPhase = "RUNNING"
	// JobPhaseSkipped represents the state wherein a job will never run
	// because its stage was skipped.
	JobPhaseSkipped JobPhase = "SKIPPED"
	// JobPhaseSucceeded represents the state wherein a job has run to
	// completion without error.
	JobPhaseSucceeded JobPhase = "SUCCEEDED"
)

// JobPhasesAll returns a slice of JobPhases containing ALL possible phases.
// Note that instead of utilizing a package-level slice, this function returns
// ad-hoc copies of the slice in order to preclude the possibility of this
// important collection being modified at runtime.
func JobPhasesAll() []JobPhase {
	return []JobPhase{
		JobPhaseAssigned,
		JobPhaseCancelled,
		JobPhaseFailed,
		JobPhasePending,
		JobPhaseRunning,
		JobPhaseSkipped,
		JobPhaseSucceeded,
	}
}

// JobPhasesTerminal returns a slice of JobPhases containing ALL phases that
// are considered terminal. Note that instead of utilizing a package-level
// slice, this function returns ad-hoc copies of the slice in order to
// preclude the possibility of this important collection being modified at
// runtime.
func JobPhasesTerminal() []JobPhase {
	return []JobPhase{
		JobPhaseCancelled,
		JobPhaseFailed,
		JobPhaseSkipped,
		JobPhaseSucceeded,
	}
}

// Job is a Build's materialized copy of one JobSpec: the smallest
// schedulable unit of work, executed on exactly one agent at a time.
type Job struct {
	// ID uniquely identifies the Job across all Builds.
	ID string `json:"id" bson:"id"`
	// Name is the job's name, copied from the spec.
	Name string `json:"name" bson:"name"`
	// StageName names the stage this Job belongs to.
	StageName string `json:"stageName" bson:"stageName"`
	// Image is the OCI image the job runs in.
	Image string `json:"image" bson:"image"`
	// Commands are executed in order inside the image.
	Commands []string `json:"commands" bson:"commands"`
	// Labels are the capabilities an agent must advertise to be eligible to
	// run this job.
	Labels map[string]string `json:"labels,omitempty" bson:"labels,omitempty"`
	// Environment specifies the job's environment variables: the pipeline's,
	// overlaid with the job spec's own.
	Environment map[string]string `json:"environment,omitempty" bson:"environment,omitempty"` // nolint: lll
	// Phase is where the Job is within its lifecycle.
	Phase JobPhase `json:"phase" bson:"phase"`
	// AgentID references the agent executing the Job. It is set on
	// assignment and cleared if the Job returns to PENDING.
	AgentID string `json:"agentID,omitempty" bson:"agentID,omitempty"`
	// Requeues counts how many times the Job has been returned to PENDING
	// after its agent was presumed dead.
	Requeues int `json:"requeues,omitempty" bson:"requeues,omitempty"`
	// ExitCode is the process exit code reported with the Job's outcome.
	ExitCode *int `json:"exitCode,omitempty" bson:"exitCode,omitempty"`
	// Started indicates the time the agent acknowledged starting the Job.
	Started *time.Time `json:"started,omitempty" bson:"started,omitempty"`
	// Ended indicates the time the Job reached a terminal phase on an agent.
	Ended *time.Time `json:"ended,omitempty" bson:"ended,omitempty"`
}

// JobOutcome is an agent's report of how a Job ended.
type JobOutcome struct {
	// Phase is the terminal phase the agent observed: SUCCEEDED or FAILED.
	Phase JobPhase `json:"phase"`
	// ExitCode is the job process's exit code, when the agent captured one.
	ExitCode *int `json:"exitCode,omitempty"`
}

// JobsService is the specialized interface agents use to report Job
// progress. It's decoupled from underlying technology choices (e.g. data
// store, message bus, etc.) to keep business logic reusable and consistent
// while the underlying tech stack remains free to change.
type JobsService interface {
	// Start records an agent's acknowledgement that it has begun executing
	// the specified Job: ASSIGNED moves to RUNNING. Acknowledging a Job in
	// any other phase returns a *meta.ErrConflict.
	Start(context.Context, string) error
	// ReportOutcome applies an agent's report of how the specified Job
	// ended. A report is accepted only while the Job is ASSIGNED or RUNNING;
	// reporting a PENDING or already-terminal Job returns a
	// *meta.ErrConflict and changes nothing, so a duplicate delivery is
	// always detectable by its sender. Applying an outcome releases the
	// agent's load slot, recomputes stage and build phases, cancels sibling
	// jobs if the stage failed, and publishes the implied events.
	ReportOutcome(context.Context, string, JobOutcome) error
	// Get retrieves a single Job specified by its identifier.
	Get(context.Context, string) (Job, error)
}

type jobsService struct {
	buildsStore   BuildsStore
	agentsStore   AgentsStore
	eventsService EventsService
}

// NewJobsService returns a specialized interface agents use to report Job
// progress.
func NewJobsService(
	buildsStore BuildsStore,
	agentsStore AgentsStore,
	eventsService EventsService,
) JobsService {
	return &jobsService{
		buildsStore:   buildsStore,
		agentsStore:   agentsStore,
		eventsService: eventsService,
	}
}

func (j *jobsService) Start(ctx context.Context, jobID string) error {
	build, err := j.buildsStore.GetByJobID(ctx, jobID)
	if err != nil {
		return errors.Wrapf(err, "error locating job %q", jobID)
	}

	var started Job
	if _, err = j.buildsStore.Update(
		ctx,
		build.ID,
		func(build *Build) error {
			job, _ := findJob(build, jobID)
			if job == nil {
				return &meta.ErrNotFound{Type: "Job", ID: jobID}
			}
			if job.Phase != JobPhaseAssigned {
				return &meta.ErrConflict{
					Type: "Job",
					ID:   jobID,
					Reason: fmt.Sprintf(
						"Job %q is %s; only an assigned job can be started.",
						jobID,
						job.Phase,
					),
				}
			}
			now := time.Now()
			job.Phase = JobPhaseRunning
			job.Started = &now
			started = *job
			return nil
		},
	); err != nil {
		return err
	}

	if _, err = j.eventsService.Publish(ctx, Event{
		Kind:       EventKindJobStarted,
		PipelineID: build.PipelineID,
		BuildID:    build.ID,
		StageName:  started.StageName,
		JobID:      jobID,
		AgentID:    started.AgentID,
	}); err != nil {
		return errors.Wrapf(err, "error publishing event for job %q", jobID)
	}
	return nil
}

func (j *jobsService) ReportOutcome(
	ctx context.Context,
	jobID string,
	outcome JobOutcome,
) error {
	if outcome.Phase != JobPhaseSucceeded && outcome.Phase != JobPhaseFailed {
		return &meta.ErrBadRequest{
			Reason: fmt.Sprintf(
				"Outcome phase must be %s or %s; got %q.",
				JobPhaseSucceeded,
				JobPhaseFailed,
				outcome.Phase,
			),
		}
	}

	build, err := j.buildsStore.GetByJobID(ctx, jobID)
	if err != nil {
		return errors.Wrapf(err, "error locating job %q", jobID)
	}

	var ended Job
	var released []string
	updated, err := j.buildsStore.Update(
		ctx,
		build.ID,
		func(build *Build) error {
			released = released[:0]
			job, _ := findJob(build, jobID)
			if job == nil {
				return &meta.ErrNotFound{Type: "Job", ID: jobID}
			}
			if job.Phase != JobPhaseAssigned && job.Phase != JobPhaseRunning {
				return &meta.ErrConflict{
					Type: "Job",
					ID:   jobID,
					Reason: fmt.Sprintf(
						"Job %q is %s; an outcome can only be reported for "+
							"an assigned or running job.",
						jobID,
						job.Phase,
					),
				}
			}
			now := time.Now()
			job.Phase = outcome.Phase
			job.ExitCode = outcome.ExitCode
			job.Ended = &now
			if job.AgentID != "" {
				released = append(released, job.AgentID)
			}
			ended = *job
			released = append(released, advanceBuild(build, now)...)
			return nil
		},
	)
	if err != nil {
		return err
	}

	releaseAgents(ctx, j.agentsStore, released)

	event := Event{
		Kind:       EventKindJobCompleted,
		PipelineID: updated.PipelineID,
		BuildID:    updated.ID,
		StageName:  ended.StageName,
		JobID:      jobID,
		AgentID:    ended.AgentID,
	}
	if outcome.Phase == JobPhaseFailed {
		event.Kind = EventKindJobFailed
		if outcome.ExitCode != nil {
			event.Reason = fmt.Sprintf("exit code %d", *outcome.ExitCode)
		}
	}
	if _, err = j.eventsService.Publish(ctx, event); err != nil {
		return errors.Wrapf(err, "error publishing event for job %q", jobID)
	}

	if buildPhaseTerminal(updated.Phase) {
		if _, err = j.eventsService.Publish(ctx, Event{
			Kind:       EventKindBuildCompleted,
			PipelineID: updated.PipelineID,
			BuildID:    updated.ID,
			Phase:      string(updated.Phase),
		}); err != nil {
			return errors.Wrapf(
				err,
				"error publishing event for build %q",
				updated.ID,
			)
		}
	}
	return nil
}

func (j *jobsService) Get(ctx context.Context, jobID string) (Job, error) {
	build, err := j.buildsStore.GetByJobID(ctx, jobID)
	if err != nil {
		return Job{}, errors.Wrapf(err, "error locating job %q", jobID)
	}
	job, _ := findJob(&build, jobID)
	if job == nil {
		return Job{}, &meta.ErrNotFound{Type: "Job", ID: jobID}
	}
	return *job, nil
}

// findJob locates a Job by ID within a Build, returning pointers into the
// Build's own slices so callers may mutate in place.
func findJob(build *Build, jobID string) (*Job, *Stage) {
	for i := range build.Stages {
		for j := range build.Stages[i].Jobs {
			if build.Stages[i].Jobs[j].ID == jobID {
				return &build.Stages[i].Jobs[j], &build.Stages[i]
			}
		}
	}
	return nil, nil
}
