package core

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/conveyorcd/conveyor/internal/meta"
	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
)

// BuildPhase represents where a Build is within its lifecycle.
type BuildPhase string

const (
	// BuildPhaseCancelled represents the state wherein a build was stopped by
	// an external cancellation request prior to completion.
	BuildPhaseCancelled BuildPhase = "CANCELLED"
	// BuildPhaseFailed represents the state wherein a build has run to
	// completion and at least one of its stages failed.
	BuildPhaseFailed BuildPhase = "FAILED"
	// BuildPhasePending represents the state wherein a build has been
	// materialized but none of its jobs has been dispatched yet.
	BuildPhasePending BuildPhase = "PENDING"
	// BuildPhaseRunning represents the state wherein a build's jobs are being
	// dispatched and executed.
	BuildPhaseRunning BuildPhase = "RUNNING"
	// BuildPhaseSucceeded represents the state wherein all of a build's
	// stages have succeeded.
	BuildPhaseSucceeded BuildPhase = "SUCCEEDED"
)

// BuildPhasesAll returns a slice of BuildPhases containing ALL possible
// phases. Note that instead of utilizing a package-level slice, this function
// returns ad-hoc copies of the slice in order to preclude the possibility of
// this important collection being modified at runtime.
func BuildPhasesAll() []BuildPhase {
	return []BuildPhase{
		BuildPhaseCancelled,
		BuildPhaseFailed,
		BuildPhasePending,
		BuildPhaseRunning,
		BuildPhaseSucceeded,
	}
}

// BuildPhasesTerminal returns a slice of BuildPhases containing ALL phases
// that are considered terminal. Note that instead of utilizing a
// package-level slice, this function returns ad-hoc copies of the slice in
// order to preclude the possibility of this important collection being
// modified at runtime.
func BuildPhasesTerminal() []BuildPhase {
	return []BuildPhase{
		BuildPhaseCancelled,
		BuildPhaseFailed,
		BuildPhaseSucceeded,
	}
}

func buildPhaseTerminal(phase BuildPhase) bool {
	for _, terminal := range BuildPhasesTerminal() {
		if phase == terminal {
			return true
		}
	}
	return false
}

// Trigger records what caused a Build.
type Trigger struct {
	// Kind specifies the kind of external event that caused the Build.
	Kind TriggerKind `json:"kind" bson:"kind"`
	// User identifies the requesting principal for manual and api triggers.
	User string `json:"user,omitempty" bson:"user,omitempty"`
	// Ref is the git ref for push and pull_request triggers.
	Ref string `json:"ref,omitempty" bson:"ref,omitempty"`
	// PRNumber is the pull request number for pull_request triggers.
	PRNumber int `json:"prNumber,omitempty" bson:"prNumber,omitempty"`
	// Source names the originating system for webhook triggers.
	Source string `json:"source,omitempty" bson:"source,omitempty"`
}

// Build is a single materialized run of a Pipeline. It owns private copies
// of the pipeline's stages and jobs, so changes to the pipeline's spec never
// affect builds already in flight.
type Build struct {
	// ObjectMeta contains Build metadata.
	meta.ObjectMeta `json:"metadata" bson:",inline"`
	// PipelineID references the Pipeline this Build was materialized from.
	PipelineID string `json:"pipelineID" bson:"pipelineID"`
	// PipelineVersion records the Pipeline's spec version at materialization
	// time.
	PipelineVersion int64 `json:"pipelineVersion" bson:"pipelineVersion"`
	// Number is the Build's per-pipeline sequence number. Numbers are
	// strictly increasing in creation order and human-meaningful, e.g.
	// "build 42 of pipeline foo".
	Number int64 `json:"number" bson:"number"`
	// Trigger records what caused the Build.
	Trigger Trigger `json:"trigger" bson:"trigger"`
	// Phase is where the Build is within its lifecycle.
	Phase BuildPhase `json:"phase" bson:"phase"`
	// Stages are the Build's materialized stages, in declaration order.
	Stages []Stage `json:"stages" bson:"stages"`
	// Started indicates the time the Build left the PENDING phase.
	Started *time.Time `json:"started,omitempty" bson:"started,omitempty"`
	// Ended indicates the time the Build reached a terminal phase.
	Ended *time.Time `json:"ended,omitempty" bson:"ended,omitempty"`
}

// MarshalJSON amends Build instances with type metadata.
func (b Build) MarshalJSON() ([]byte, error) {
	type Alias Build
	return json.Marshal(
		struct {
			meta.TypeMeta `json:",inline"`
			Alias         `json:",inline"`
		}{
			TypeMeta: meta.TypeMeta{
				APIVersion: meta.APIVersion,
				Kind:       "Build",
			},
			Alias: (Alias)(b),
		},
	)
}

// BuildsSelector represents useful filter criteria when selecting multiple
// Builds for API group operations like list.
type BuildsSelector struct {
	// PipelineID specifies that only Builds of the indicated Pipeline should
	// be selected.
	PipelineID string
	// Phases specifies that only Builds in the indicated phases should be
	// selected.
	Phases []BuildPhase
}

// BuildList is an ordered list of Builds.
type BuildList struct {
	// Items is a slice of Builds, ascending by creation time.
	Items []Build `json:"items,omitempty"`
}

// MarshalJSON amends BuildList instances with type metadata.
func (b BuildList) MarshalJSON() ([]byte, error) {
	type Alias BuildList
	return json.Marshal(
		struct {
			meta.TypeMeta `json:",inline"`
			Alias         `json:",inline"`
		}{
			TypeMeta: meta.TypeMeta{
				APIVersion: meta.APIVersion,
				Kind:       "BuildList",
			},
			Alias: (Alias)(b),
		},
	)
}

// BuildsService is the specialized interface for managing Builds. It's
// decoupled from underlying technology choices (e.g. data store, message
// bus, etc.) to keep business logic reusable and consistent while the
// underlying tech stack remains free to change.
type BuildsService interface {
	// Create materializes a new Build of the specified Pipeline: the build
	// number is allocated from the pipeline's serialized sequence, stages
	// and jobs are copied from the pipeline's current spec, and stages with
	// no needs become immediately runnable. The new Build is PENDING until
	// its first job is dispatched or it is explicitly started.
	Create(context.Context, string, Trigger) (Build, error)
	// Start moves a PENDING Build to RUNNING ahead of its first dispatch.
	// Starting a Build in any other phase returns a *meta.ErrConflict.
	Start(context.Context, string) error
	// Cancel stops a PENDING or RUNNING Build: every non-terminal job is
	// cancelled, every non-terminal stage is skipped, and agents' load slots
	// held by assigned or running jobs are released. Cancelling a Build in a
	// terminal phase returns a *meta.ErrConflict.
	Cancel(context.Context, string) error
	// Get retrieves a single Build specified by its identifier.
	Get(context.Context, string) (Build, error)
	// GetByNumber retrieves a single Build specified by its Pipeline and its
	// per-pipeline build number.
	GetByNumber(context.Context, string, int64) (Build, error)
	// List returns a BuildList filtered by the provided selector, ascending
	// by creation time.
	List(context.Context, BuildsSelector) (BuildList, error)
}

type buildsService struct {
	pipelinesStore PipelinesStore
	buildsStore    BuildsStore
	agentsStore    AgentsStore
	eventsService  EventsService
}

// NewBuildsService returns a specialized interface for managing Builds.
func NewBuildsService(
	pipelinesStore PipelinesStore,
	buildsStore BuildsStore,
	agentsStore AgentsStore,
	eventsService EventsService,
) BuildsService {
	return &buildsService{
		pipelinesStore: pipelinesStore,
		buildsStore:    buildsStore,
		agentsStore:    agentsStore,
		eventsService:  eventsService,
	}
}

func (b *buildsService) Create(
	ctx context.Context,
	pipelineID string,
	trigger Trigger,
) (Build, error) {
	build := Build{}

	pipeline, err := b.pipelinesStore.Get(ctx, pipelineID)
	if err != nil {
		return build, errors.Wrapf(
			err,
			"error retrieving pipeline %q from store",
			pipelineID,
		)
	}
	if !pipeline.Enabled {
		return build, &meta.ErrConflict{
			Type: "Pipeline",
			ID:   pipelineID,
			Reason: fmt.Sprintf(
				"Pipeline %q is disabled and does not accept new builds.",
				pipelineID,
			),
		}
	}
	if err = validateTrigger(pipeline, trigger); err != nil {
		return build, err
	}

	number, err := b.buildsStore.NextNumber(ctx, pipelineID)
	if err != nil {
		return build, errors.Wrapf(
			err,
			"error allocating build number for pipeline %q",
			pipelineID,
		)
	}

	now := time.Now()
	build.ID = uuid.NewV4().String()
	build.Created = &now
	build.PipelineID = pipelineID
	build.PipelineVersion = pipeline.Version
	build.Number = number
	build.Trigger = trigger
	build.Phase = BuildPhasePending
	build.Stages = materializeStages(pipeline.Spec)
	advanceBuild(&build, now)

	if err = b.buildsStore.Create(ctx, build); err != nil {
		return build, errors.Wrapf(
			err,
			"error storing new build %q",
			build.ID,
		)
	}

	if _, err = b.eventsService.Publish(ctx, Event{
		Kind:        EventKindBuildCreated,
		PipelineID:  pipelineID,
		BuildID:     build.ID,
		BuildNumber: number,
	}); err != nil {
		return build, errors.Wrapf(
			err,
			"error publishing event for new build %q",
			build.ID,
		)
	}

	return build, nil
}

func (b *buildsService) Start(ctx context.Context, id string) error {
	build, err := b.buildsStore.Update(ctx, id, func(build *Build) error {
		if build.Phase != BuildPhasePending {
			return &meta.ErrConflict{
				Type: "Build",
				ID:   id,
				Reason: fmt.Sprintf(
					"Build %q is %s and cannot be started.",
					id,
					build.Phase,
				),
			}
		}
		now := time.Now()
		build.Phase = BuildPhaseRunning
		build.Started = &now
		return nil
	})
	if err != nil {
		return err
	}

	if _, err = b.eventsService.Publish(ctx, Event{
		Kind:       EventKindBuildStarted,
		PipelineID: build.PipelineID,
		BuildID:    build.ID,
	}); err != nil {
		return errors.Wrapf(err, "error publishing event for build %q", id)
	}
	return nil
}

func (b *buildsService) Cancel(ctx context.Context, id string) error {
	var released []string
	build, err := b.buildsStore.Update(ctx, id, func(build *Build) error {
		released = released[:0]
		if build.Phase != BuildPhasePending &&
			build.Phase != BuildPhaseRunning {
			return &meta.ErrConflict{
				Type: "Build",
				ID:   id,
				Reason: fmt.Sprintf(
					"Build %q is %s and cannot be cancelled.",
					id,
					build.Phase,
				),
			}
		}
		now := time.Now()
		build.Phase = BuildPhaseCancelled
		build.Ended = &now
		for i := range build.Stages {
			stage := &build.Stages[i]
			for j := range stage.Jobs {
				job := &stage.Jobs[j]
				switch job.Phase {
				case JobPhasePending:
					job.Phase = JobPhaseCancelled
				case JobPhaseAssigned:
					job.Phase = JobPhaseCancelled
					released = append(released, job.AgentID)
				case JobPhaseRunning:
					job.Phase = JobPhaseCancelled
					job.Ended = &now
					released = append(released, job.AgentID)
				}
			}
			if !stagePhaseTerminal(stage.Phase) {
				stage.Phase = StagePhaseSkipped
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	releaseAgents(ctx, b.agentsStore, released)

	if _, err = b.eventsService.Publish(ctx, Event{
		Kind:       EventKindBuildCancelled,
		PipelineID: build.PipelineID,
		BuildID:    build.ID,
	}); err != nil {
		return errors.Wrapf(err, "error publishing event for build %q", id)
	}
	return nil
}

func (b *buildsService) Get(ctx context.Context, id string) (Build, error) {
	build, err := b.buildsStore.Get(ctx, id)
	if err != nil {
		return build, errors.Wrapf(
			err,
			"error retrieving build %q from store",
			id,
		)
	}
	return build, nil
}

func (b *buildsService) GetByNumber(
	ctx context.Context,
	pipelineID string,
	number int64,
) (Build, error) {
	build, err := b.buildsStore.GetByNumber(ctx, pipelineID, number)
	if err != nil {
		return build, errors.Wrapf(
			err,
			"error retrieving build %d of pipeline %q from store",
			number,
			pipelineID,
		)
	}
	return build, nil
}

func (b *buildsService) List(
	ctx context.Context,
	selector BuildsSelector,
) (BuildList, error) {
	builds, err := b.buildsStore.List(ctx, selector)
	if err != nil {
		return builds, errors.Wrap(err, "error retrieving builds from store")
	}
	return builds, nil
}

// validateTrigger checks that the trigger's kind is known and that the
// pipeline declares a trigger of that kind. Manual and api triggers are
// always accepted; declared triggers exist to gate what the outside world
// may do, not operators.
func validateTrigger(pipeline Pipeline, trigger Trigger) error {
	var known bool
	for _, kind := range TriggerKindsAll() {
		if trigger.Kind == kind {
			known = true
			break
		}
	}
	if !known {
		return &meta.ErrBadRequest{
			Reason: fmt.Sprintf("Trigger kind %q is not known.", trigger.Kind),
		}
	}
	if trigger.Kind == TriggerKindManual || trigger.Kind == TriggerKindAPI {
		return nil
	}
	for _, declared := range pipeline.Spec.Triggers {
		if declared.Kind == trigger.Kind {
			return nil
		}
	}
	return &meta.ErrBadRequest{
		Reason: fmt.Sprintf(
			"Pipeline %q does not declare a %q trigger.",
			pipeline.ID,
			trigger.Kind,
		),
	}
}

// materializeStages expands a PipelineSpec into the private stage and job
// copies a new Build owns. Job IDs are minted here; job environments are the
// pipeline's environment overlaid with the job's own.
func materializeStages(spec PipelineSpec) []Stage {
	stages := make([]Stage, len(spec.Stages))
	for i, stageSpec := range spec.Stages {
		jobs := make([]Job, len(stageSpec.Jobs))
		for j, jobSpec := range stageSpec.Jobs {
			env := map[string]string{}
			for k, v := range spec.Environment {
				env[k] = v
			}
			for k, v := range jobSpec.Environment {
				env[k] = v
			}
			if len(env) == 0 {
				env = nil
			}
			jobs[j] = Job{
				ID:          uuid.NewV4().String(),
				Name:        jobSpec.Name,
				StageName:   stageSpec.Name,
				Image:       jobSpec.Image,
				Commands:    append([]string{}, jobSpec.Commands...),
				Labels:      copyStringMap(jobSpec.Labels),
				Environment: env,
				Phase:       JobPhasePending,
			}
		}
		stages[i] = Stage{
			Name:  stageSpec.Name,
			Needs: append([]string{}, stageSpec.Needs...),
			Phase: StagePhasePending,
			Jobs:  jobs,
		}
	}
	return stages
}

func copyStringMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}

// releaseAgents frees one load slot per entry. Failures are logged rather
// than returned: the agent's own next heartbeat reconciles its load.
func releaseAgents(ctx context.Context, store AgentsStore, agentIDs []string) {
	for _, agentID := range agentIDs {
		if agentID == "" {
			continue
		}
		if err := store.Release(ctx, agentID); err != nil {
			log.Printf(
				"WARNING: error releasing load slot on agent %q: %s",
				agentID,
				err,
			)
		}
	}
}

// BuildsStore is an interface for components that implement Build
// persistence.
type BuildsStore interface {
	// NextNumber allocates the next build number for the specified Pipeline.
	// Allocation is serialized per pipeline: concurrent callers receive
	// distinct, strictly increasing numbers starting at 1.
	NextNumber(ctx context.Context, pipelineID string) (int64, error)
	// Create stores the provided Build. Implementations MUST return a
	// *meta.ErrConflict if a Build having the same ID already exists.
	Create(context.Context, Build) error
	// Get retrieves a single Build specified by its identifier.
	// Implementations MUST return a *meta.ErrNotFound if no such Build
	// exists.
	Get(context.Context, string) (Build, error)
	// GetByNumber retrieves a single Build specified by its Pipeline and its
	// per-pipeline build number. Implementations MUST return a
	// *meta.ErrNotFound if no such Build exists.
	GetByNumber(ctx context.Context, pipelineID string, number int64) (Build, error) // nolint: lll
	// GetByJobID retrieves the single Build owning the specified Job.
	// Implementations MUST return a *meta.ErrNotFound having Type "Job" if
	// no Build owns such a Job.
	GetByJobID(ctx context.Context, jobID string) (Build, error)
	// Update applies fn to the stored Build specified by its identifier as
	// one exclusive read-modify-write section and returns the updated Build.
	// If fn returns an error the update is abandoned and that error is
	// returned unmodified. Implementations MUST return a *meta.ErrNotFound
	// if no such Build exists.
	Update(ctx context.Context, id string, fn func(*Build) error) (Build, error) // nolint: lll
	// List returns stored Builds matching the selector, ascending by
	// creation time.
	List(context.Context, BuildsSelector) (BuildList, error)
}
