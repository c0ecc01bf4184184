package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/conveyorcd/conveyor/internal/lib/cron"
	"github.com/conveyorcd/conveyor/internal/meta"
	"github.com/ghodss/yaml"
	"github.com/pkg/errors"
	"github.com/xeipuuv/gojsonschema"
)

// Pipeline is a named, versioned definition of the stages, jobs, and triggers
// that Conveyor materializes Builds from. A Pipeline's spec is immutable in
// place: updating it replaces the spec wholesale and increments the version.
type Pipeline struct {
	// ObjectMeta contains Pipeline metadata.
	meta.ObjectMeta `json:"metadata" bson:",inline"`
	// Version is incremented every time the Pipeline's spec is replaced.
	// Builds record the version they were materialized from.
	Version int64 `json:"version" bson:"version"`
	// Enabled indicates whether the Pipeline currently accepts new Builds.
	Enabled bool `json:"enabled" bson:"enabled"`
	// Spec is the validated pipeline definition.
	Spec PipelineSpec `json:"spec" bson:"spec"`
}

// MarshalJSON amends Pipeline instances with type metadata.
func (p Pipeline) MarshalJSON() ([]byte, error) {
	type Alias Pipeline
	return json.Marshal(
		struct {
			meta.TypeMeta `json:",inline"`
			Alias         `json:",inline"`
		}{
			TypeMeta: meta.TypeMeta{
				APIVersion: meta.APIVersion,
				Kind:       "Pipeline",
			},
			Alias: (Alias)(p),
		},
	)
}

// PipelineSpec is the substance of a Pipeline: an ordered sequence of stage
// definitions, the set of triggers that may create Builds, and environment
// variables common to every job.
type PipelineSpec struct {
	// Stages are the Pipeline's stage definitions, in declaration order.
	// Declaration order is also the scheduler's tie-break for fairness, so it
	// is significant even though execution order is governed by Needs.
	Stages []StageSpec `json:"stages" bson:"stages"`
	// Triggers enumerates the kinds of external events that may create Builds
	// from this Pipeline.
	Triggers []TriggerSpec `json:"triggers" bson:"triggers"`
	// Environment specifies environment variables common to all of the
	// Pipeline's jobs.
	Environment map[string]string `json:"environment,omitempty" bson:"environment,omitempty"` // nolint: lll
}

// StageSpec defines one stage: a named group of jobs that run in parallel,
// gated on the successful completion of the stages named by Needs.
type StageSpec struct {
	// Name is the stage's name, unique within the Pipeline.
	Name string `json:"name" bson:"name"`
	// Needs names the stages that must succeed before this stage may run.
	// References must form a DAG.
	Needs []string `json:"needs,omitempty" bson:"needs,omitempty"`
	// Jobs are the stage's job definitions, in declaration order.
	Jobs []JobSpec `json:"jobs" bson:"jobs"`
}

// JobSpec defines one job: the smallest schedulable unit of work.
type JobSpec struct {
	// Name is the job's name, unique within its stage.
	Name string `json:"name" bson:"name"`
	// Image is the OCI image the job runs in.
	Image string `json:"image" bson:"image"`
	// Commands are executed in order inside the image.
	Commands []string `json:"commands" bson:"commands"`
	// Labels are the capabilities an agent must advertise to be eligible to
	// run this job, e.g. os, arch, or matrix axes.
	Labels map[string]string `json:"labels,omitempty" bson:"labels,omitempty"`
	// Environment specifies job-level environment variables. They take
	// precedence over pipeline-level ones.
	Environment map[string]string `json:"environment,omitempty" bson:"environment,omitempty"` // nolint: lll
}

// TriggerKind enumerates the kinds of external events that can create a
// Build.
type TriggerKind string

const (
	// TriggerKindManual represents a Build requested directly by a user.
	TriggerKindManual TriggerKind = "manual"
	// TriggerKindPush represents a Build caused by a VCS push.
	TriggerKindPush TriggerKind = "push"
	// TriggerKindPullRequest represents a Build caused by pull request
	// activity.
	TriggerKindPullRequest TriggerKind = "pull_request"
	// TriggerKindSchedule represents a Build fired by a cron schedule.
	TriggerKindSchedule TriggerKind = "schedule"
	// TriggerKindAPI represents a Build requested through an API token.
	TriggerKindAPI TriggerKind = "api"
	// TriggerKindWebhook represents a Build caused by an inbound webhook from
	// an external system.
	TriggerKindWebhook TriggerKind = "webhook"
)

// TriggerKindsAll returns a slice of TriggerKinds containing ALL possible
// kinds. Note that instead of utilizing a package-level slice, this function
// returns ad-hoc copies of the slice in order to preclude the possibility of
// this important collection being modified at runtime.
func TriggerKindsAll() []TriggerKind {
	return []TriggerKind{
		TriggerKindManual,
		TriggerKindPush,
		TriggerKindPullRequest,
		TriggerKindSchedule,
		TriggerKindAPI,
		TriggerKindWebhook,
	}
}

// TriggerSpec declares one way a Pipeline may be triggered.
type TriggerSpec struct {
	// Kind specifies the kind of external event this trigger reacts to.
	Kind TriggerKind `json:"kind" bson:"kind"`
	// Cron is the trigger's schedule. Required when Kind is schedule,
	// meaningless otherwise.
	Cron string `json:"cron,omitempty" bson:"cron,omitempty"`
	// Branch optionally restricts push and pull_request triggers to a branch.
	Branch string `json:"branch,omitempty" bson:"branch,omitempty"`
	// Source optionally restricts webhook triggers to a named source system.
	Source string `json:"source,omitempty" bson:"source,omitempty"`
}

// PipelineList is an ordered list of Pipelines.
type PipelineList struct {
	// Items is a slice of Pipelines.
	Items []Pipeline `json:"items,omitempty"`
}

// MarshalJSON amends PipelineList instances with type metadata.
func (p PipelineList) MarshalJSON() ([]byte, error) {
	type Alias PipelineList
	return json.Marshal(
		struct {
			meta.TypeMeta `json:",inline"`
			Alias         `json:",inline"`
		}{
			TypeMeta: meta.TypeMeta{
				APIVersion: meta.APIVersion,
				Kind:       "PipelineList",
			},
			Alias: (Alias)(p),
		},
	)
}

// pipelineDefinition is the wire shape of a raw pipeline definition, which
// may be YAML or JSON.
type pipelineDefinition struct {
	ID   string       `json:"id"`
	Spec PipelineSpec `json:"spec"`
}

// PipelinesService is the specialized interface for managing Pipelines. It's
// decoupled from underlying technology choices (e.g. data store, message
// bus, etc.) to keep business logic reusable and consistent while the
// underlying tech stack remains free to change.
type PipelinesService interface {
	// CreateFromBytes creates a new Pipeline from a raw YAML or JSON
	// definition, which is validated structurally and semantically before
	// anything is persisted.
	CreateFromBytes(context.Context, []byte) (Pipeline, error)
	// UpdateSpecFromBytes replaces the spec of the Pipeline specified by its
	// identifier with one parsed and validated from the raw definition,
	// incrementing the Pipeline's version. In-flight Builds are unaffected.
	UpdateSpecFromBytes(context.Context, string, []byte) (Pipeline, error)
	// Enable permits new Builds to be created from the specified Pipeline.
	Enable(context.Context, string) error
	// Disable stops new Builds from being created from the specified
	// Pipeline. In-flight Builds are unaffected.
	Disable(context.Context, string) error
	// Get retrieves a single Pipeline specified by its identifier.
	Get(context.Context, string) (Pipeline, error)
	// List returns a PipelineList.
	List(context.Context) (PipelineList, error)
}

type pipelinesService struct {
	pipelinesStore PipelinesStore
	eventsService  EventsService
	schemaLoader   gojsonschema.JSONLoader
}

// NewPipelinesService returns a specialized interface for managing
// Pipelines.
func NewPipelinesService(
	pipelinesStore PipelinesStore,
	eventsService EventsService,
) PipelinesService {
	return &pipelinesService{
		pipelinesStore: pipelinesStore,
		eventsService:  eventsService,
		schemaLoader:   gojsonschema.NewBytesLoader(pipelineSchemaBytes),
	}
}

func (p *pipelinesService) CreateFromBytes(
	ctx context.Context,
	definitionBytes []byte,
) (Pipeline, error) {
	pipeline := Pipeline{}

	definition, err := p.definitionFromBytes(definitionBytes)
	if err != nil {
		return pipeline, err
	}
	if definition.ID == "" {
		return pipeline, &meta.ErrBadRequest{
			Reason: "The pipeline definition does not specify an id.",
		}
	}

	now := time.Now()
	pipeline.ID = definition.ID
	pipeline.Created = &now
	pipeline.Version = 1
	pipeline.Enabled = true
	pipeline.Spec = definition.Spec

	if err = p.pipelinesStore.Create(ctx, pipeline); err != nil {
		return pipeline, errors.Wrapf(
			err,
			"error storing new pipeline %q",
			pipeline.ID,
		)
	}

	if _, err = p.eventsService.Publish(ctx, Event{
		Kind:       EventKindPipelineCreated,
		PipelineID: pipeline.ID,
	}); err != nil {
		return pipeline, errors.Wrapf(
			err,
			"error publishing event for new pipeline %q",
			pipeline.ID,
		)
	}

	return pipeline, nil
}

func (p *pipelinesService) UpdateSpecFromBytes(
	ctx context.Context,
	id string,
	definitionBytes []byte,
) (Pipeline, error) {
	pipeline, err := p.pipelinesStore.Get(ctx, id)
	if err != nil {
		return pipeline, errors.Wrapf(
			err,
			"error retrieving pipeline %q from store",
			id,
		)
	}

	definition, err := p.definitionFromBytes(definitionBytes)
	if err != nil {
		return pipeline, err
	}
	if definition.ID != "" && definition.ID != id {
		return pipeline, &meta.ErrBadRequest{
			Reason: fmt.Sprintf(
				"The definition's id %q does not match pipeline %q.",
				definition.ID,
				id,
			),
		}
	}

	now := time.Now()
	pipeline.LastUpdated = &now
	pipeline.Version++
	pipeline.Spec = definition.Spec

	if err = p.pipelinesStore.Update(ctx, pipeline); err != nil {
		return pipeline, errors.Wrapf(
			err,
			"error updating pipeline %q in store",
			id,
		)
	}

	if _, err = p.eventsService.Publish(ctx, Event{
		Kind:       EventKindPipelineConfigUpdated,
		PipelineID: pipeline.ID,
	}); err != nil {
		return pipeline, errors.Wrapf(
			err,
			"error publishing event for updated pipeline %q",
			pipeline.ID,
		)
	}

	return pipeline, nil
}

func (p *pipelinesService) Enable(ctx context.Context, id string) error {
	return p.setEnabled(ctx, id, true)
}

func (p *pipelinesService) Disable(ctx context.Context, id string) error {
	return p.setEnabled(ctx, id, false)
}

func (p *pipelinesService) setEnabled(
	ctx context.Context,
	id string,
	enabled bool,
) error {
	pipeline, err := p.pipelinesStore.Get(ctx, id)
	if err != nil {
		return errors.Wrapf(err, "error retrieving pipeline %q from store", id)
	}
	if pipeline.Enabled == enabled {
		return nil
	}
	now := time.Now()
	pipeline.LastUpdated = &now
	pipeline.Enabled = enabled
	if err = p.pipelinesStore.Update(ctx, pipeline); err != nil {
		return errors.Wrapf(err, "error updating pipeline %q in store", id)
	}
	kind := EventKindPipelineEnabled
	if !enabled {
		kind = EventKindPipelineDisabled
	}
	if _, err = p.eventsService.Publish(ctx, Event{
		Kind:       kind,
		PipelineID: id,
	}); err != nil {
		return errors.Wrapf(err, "error publishing event for pipeline %q", id)
	}
	return nil
}

func (p *pipelinesService) Get(
	ctx context.Context,
	id string,
) (Pipeline, error) {
	pipeline, err := p.pipelinesStore.Get(ctx, id)
	if err != nil {
		return pipeline, errors.Wrapf(
			err,
			"error retrieving pipeline %q from store",
			id,
		)
	}
	return pipeline, nil
}

func (p *pipelinesService) List(ctx context.Context) (PipelineList, error) {
	pipelines, err := p.pipelinesStore.List(ctx)
	if err != nil {
		return pipelines, errors.Wrap(
			err,
			"error retrieving pipelines from store",
		)
	}
	return pipelines, nil
}

// definitionFromBytes parses and fully validates a raw definition. Nothing
// is persisted and no partially-validated intermediate state escapes: either
// the returned definition passed every check or the error explains, in
// detail, why it did not.
func (p *pipelinesService) definitionFromBytes(
	definitionBytes []byte,
) (pipelineDefinition, error) {
	definition := pipelineDefinition{}

	// Raw definitions may be YAML or JSON. JSON is a subset of YAML, so this
	// normalizes both to JSON.
	jsonBytes, err := yaml.YAMLToJSON(definitionBytes)
	if err != nil {
		return definition, &meta.ErrBadRequest{
			Reason: fmt.Sprintf(
				"The pipeline definition is not valid YAML or JSON: %s.",
				err,
			),
		}
	}

	validationResult, err := gojsonschema.Validate(
		p.schemaLoader,
		gojsonschema.NewBytesLoader(jsonBytes),
	)
	if err != nil {
		return definition, errors.Wrap(
			err,
			"error validating pipeline definition against schema",
		)
	}
	if !validationResult.Valid() {
		verrStrs := make([]string, len(validationResult.Errors()))
		for i, verr := range validationResult.Errors() {
			verrStrs[i] = verr.String()
		}
		return definition, &meta.ErrBadRequest{
			Reason:  "The pipeline definition failed schema validation.",
			Details: verrStrs,
		}
	}

	if err = json.Unmarshal(jsonBytes, &definition); err != nil {
		return definition, errors.Wrap(
			err,
			"error unmarshaling pipeline definition",
		)
	}

	if err = ValidateSpec(definition.Spec); err != nil {
		return definition, err
	}

	return definition, nil
}

// ValidateSpec applies the semantic validation rules a PipelineSpec must
// satisfy beyond mere structure: stage names are unique, needs references
// exist and form a DAG, every job declares an image and commands, and every
// trigger is well-formed. The returned error, if any, is a
// *meta.ErrBadRequest enumerating every violation found.
func ValidateSpec(spec PipelineSpec) error {
	var details []string

	if len(spec.Stages) == 0 {
		details = append(details, "the pipeline declares no stages")
	}
	if len(spec.Triggers) == 0 {
		details = append(details, "the pipeline declares no triggers")
	}

	stageNames := map[string]struct{}{}
	for _, stage := range spec.Stages {
		if _, ok := stageNames[stage.Name]; ok {
			details = append(
				details,
				fmt.Sprintf("stage name %q is not unique", stage.Name),
			)
			continue
		}
		stageNames[stage.Name] = struct{}{}
	}

	for _, stage := range spec.Stages {
		for _, need := range stage.Needs {
			if _, ok := stageNames[need]; !ok {
				details = append(
					details,
					fmt.Sprintf(
						"stage %q needs unknown stage %q",
						stage.Name,
						need,
					),
				)
			}
			if need == stage.Name {
				details = append(
					details,
					fmt.Sprintf("stage %q needs itself", stage.Name),
				)
			}
		}
		if len(stage.Jobs) == 0 {
			details = append(
				details,
				fmt.Sprintf("stage %q declares no jobs", stage.Name),
			)
		}
		jobNames := map[string]struct{}{}
		for _, job := range stage.Jobs {
			if _, ok := jobNames[job.Name]; ok {
				details = append(
					details,
					fmt.Sprintf(
						"job name %q is not unique within stage %q",
						job.Name,
						stage.Name,
					),
				)
			}
			jobNames[job.Name] = struct{}{}
			if job.Image == "" {
				details = append(
					details,
					fmt.Sprintf(
						"job %q in stage %q declares no image",
						job.Name,
						stage.Name,
					),
				)
			}
			if len(job.Commands) == 0 {
				details = append(
					details,
					fmt.Sprintf(
						"job %q in stage %q declares no commands",
						job.Name,
						stage.Name,
					),
				)
			}
		}
	}

	// Only attempt cycle detection once the references themselves are sound.
	if len(details) == 0 {
		if _, err := topoSortStages(spec.Stages); err != nil {
			details = append(details, err.Error())
		}
	}

	for i, trigger := range spec.Triggers {
		var known bool
		for _, kind := range TriggerKindsAll() {
			if trigger.Kind == kind {
				known = true
				break
			}
		}
		if !known {
			details = append(
				details,
				fmt.Sprintf("trigger %d has unknown kind %q", i, trigger.Kind),
			)
			continue
		}
		if trigger.Kind == TriggerKindSchedule {
			if trigger.Cron == "" {
				details = append(
					details,
					fmt.Sprintf("schedule trigger %d declares no cron expression", i),
				)
			} else if _, err := cron.Parse(trigger.Cron); err != nil {
				details = append(
					details,
					fmt.Sprintf("schedule trigger %d: %s", i, err),
				)
			}
		}
	}

	if len(details) > 0 {
		return &meta.ErrBadRequest{
			Reason:  "The pipeline definition is invalid.",
			Details: details,
		}
	}
	return nil
}

// topoSortStages orders stages such that every stage appears after all
// stages it needs, using Kahn's algorithm. Any stage left unvisited when no
// ready stage remains sits on a dependency cycle.
func topoSortStages(stages []StageSpec) ([]string, error) {
	remaining := map[string][]string{}
	for _, stage := range stages {
		remaining[stage.Name] = append([]string{}, stage.Needs...)
	}

	order := make([]string, 0, len(stages))
	done := map[string]struct{}{}
	for len(order) < len(stages) {
		progressed := false
		// Iterate in declaration order so the result is deterministic.
		for _, stage := range stages {
			if _, visited := done[stage.Name]; visited {
				continue
			}
			ready := true
			for _, need := range remaining[stage.Name] {
				if _, ok := done[need]; !ok {
					ready = false
					break
				}
			}
			if ready {
				done[stage.Name] = struct{}{}
				order = append(order, stage.Name)
				progressed = true
			}
		}
		if !progressed {
			unvisited := make([]string, 0, len(stages)-len(order))
			for _, stage := range stages {
				if _, ok := done[stage.Name]; !ok {
					unvisited = append(unvisited, stage.Name)
				}
			}
			return nil, errors.Errorf(
				"stage dependencies contain a cycle involving %v",
				unvisited,
			)
		}
	}
	return order, nil
}

// PipelinesStore is an interface for components that implement Pipeline
// persistence.
type PipelinesStore interface {
	// Create stores the provided Pipeline. Implementations MUST return a
	// *meta.ErrConflict if a Pipeline having the same ID already exists.
	Create(context.Context, Pipeline) error
	// Get retrieves a single Pipeline specified by its identifier.
	// Implementations MUST return a *meta.ErrNotFound if no such Pipeline
	// exists.
	Get(context.Context, string) (Pipeline, error)
	// Update replaces the stored Pipeline having the same ID. Implementations
	// MUST return a *meta.ErrNotFound if no such Pipeline exists.
	Update(context.Context, Pipeline) error
	// List returns all Pipelines, ordered by ID.
	List(context.Context) (PipelineList, error)
}
