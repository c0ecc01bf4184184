package core

import (
	"context"
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/conveyorcd/conveyor/internal/meta"
	"github.com/pkg/errors"
	uuid "github.com/satori/go.uuid"
)

// EventKind identifies the state transition an Event records.
type EventKind string

const (
	// EventKindPipelineCreated records the creation of a Pipeline.
	EventKindPipelineCreated EventKind = "pipeline.created"
	// EventKindPipelineConfigUpdated records the replacement of a Pipeline's
	// spec.
	EventKindPipelineConfigUpdated EventKind = "pipeline.config_updated"
	// EventKindPipelineEnabled records a Pipeline becoming willing to accept
	// new Builds.
	EventKindPipelineEnabled EventKind = "pipeline.enabled"
	// EventKindPipelineDisabled records a Pipeline ceasing to accept new
	// Builds.
	EventKindPipelineDisabled EventKind = "pipeline.disabled"
	// EventKindBuildCreated records the materialization of a new Build.
	EventKindBuildCreated EventKind = "build.created"
	// EventKindBuildStarted records a Build leaving the PENDING phase.
	EventKindBuildStarted EventKind = "build.started"
	// EventKindBuildCompleted records a Build reaching SUCCEEDED or FAILED.
	// The Event's Phase field carries which.
	EventKindBuildCompleted EventKind = "build.completed"
	// EventKindBuildCancelled records a Build cancelled by an external actor.
	EventKindBuildCancelled EventKind = "build.cancelled"
	// EventKindJobAssigned records a Job being assigned to an Agent.
	EventKindJobAssigned EventKind = "job.assigned"
	// EventKindJobStarted records an Agent acknowledging that it has begun
	// executing a Job.
	EventKindJobStarted EventKind = "job.started"
	// EventKindJobCompleted records a Job finishing successfully.
	EventKindJobCompleted EventKind = "job.completed"
	// EventKindJobFailed records a Job finishing unsuccessfully.
	EventKindJobFailed EventKind = "job.failed"
	// EventKindJobRequeued records a Job returned to the PENDING phase after
	// the Agent executing it was presumed dead.
	EventKindJobRequeued EventKind = "job.requeued"
	// EventKindAgentRegistered records an Agent joining (or rejoining) the
	// registry.
	EventKindAgentRegistered EventKind = "agent.registered"
	// EventKindAgentDisconnected records an Agent presumed dead after missing
	// its heartbeat deadline.
	EventKindAgentDisconnected EventKind = "agent.disconnected"
)

// EventKindsAll returns a slice of EventKinds containing ALL possible kinds.
// Note that instead of utilizing a package-level slice, this function returns
// ad-hoc copies of the slice in order to preclude the possibility of this
// important collection being modified at runtime.
func EventKindsAll() []EventKind {
	return []EventKind{
		EventKindPipelineCreated,
		EventKindPipelineConfigUpdated,
		EventKindPipelineEnabled,
		EventKindPipelineDisabled,
		EventKindBuildCreated,
		EventKindBuildStarted,
		EventKindBuildCompleted,
		EventKindBuildCancelled,
		EventKindJobAssigned,
		EventKindJobStarted,
		EventKindJobCompleted,
		EventKindJobFailed,
		EventKindJobRequeued,
		EventKindAgentRegistered,
		EventKindAgentDisconnected,
	}
}

// Event is an immutable record of a state transition somewhere in the
// system. Events form an append-only stream ordered by a strictly increasing
// sequence number; they are the system's audit and integration log.
type Event struct {
	// ObjectMeta contains Event metadata.
	meta.ObjectMeta `json:"metadata" bson:",inline"`
	// Sequence is the Event's position in the stream. It is assigned by the
	// store at append time and is strictly increasing.
	Sequence int64 `json:"sequence" bson:"sequence"`
	// Kind identifies the transition this Event records. It serializes as
	// "type" because "kind" is reserved for type metadata.
	Kind EventKind `json:"type" bson:"type"`
	// PipelineID references the Pipeline the Event concerns, if any.
	PipelineID string `json:"pipelineID,omitempty" bson:"pipelineID,omitempty"`
	// BuildID references the Build the Event concerns, if any.
	BuildID string `json:"buildID,omitempty" bson:"buildID,omitempty"`
	// StageName references the Stage the Event concerns, if any.
	StageName string `json:"stageName,omitempty" bson:"stageName,omitempty"`
	// JobID references the Job the Event concerns, if any.
	JobID string `json:"jobID,omitempty" bson:"jobID,omitempty"`
	// AgentID references the Agent the Event concerns, if any.
	AgentID string `json:"agentID,omitempty" bson:"agentID,omitempty"`
	// BuildNumber carries the per-pipeline build number on build.created
	// events.
	BuildNumber int64 `json:"buildNumber,omitempty" bson:"buildNumber,omitempty"` // nolint: lll
	// Phase carries the terminal phase on build.completed events.
	Phase string `json:"phase,omitempty" bson:"phase,omitempty"`
	// Reason optionally elaborates on why the transition occurred.
	Reason string `json:"reason,omitempty" bson:"reason,omitempty"`
}

// MarshalJSON amends Event instances with type metadata.
func (e Event) MarshalJSON() ([]byte, error) {
	type Alias Event
	return json.Marshal(
		struct {
			meta.TypeMeta `json:",inline"`
			Alias         `json:",inline"`
		}{
			TypeMeta: meta.TypeMeta{
				APIVersion: meta.APIVersion,
				Kind:       "Event",
			},
			Alias: (Alias)(e),
		},
	)
}

// EventsSelector represents useful filter criteria when selecting multiple
// Events for API group operations like list.
type EventsSelector struct {
	// Kinds specifies that only Events of the indicated kinds should be
	// selected.
	Kinds []EventKind
	// PipelineID specifies that only Events referencing the indicated
	// Pipeline should be selected.
	PipelineID string
	// BuildID specifies that only Events referencing the indicated Build
	// should be selected.
	BuildID string
}

// EventList is an ordered and pageable list of Events.
type EventList struct {
	// ListMeta contains list metadata.
	meta.ListMeta `json:"metadata"`
	// Items is a slice of Events, ascending by sequence number.
	Items []Event `json:"items,omitempty"`
}

// MarshalJSON amends EventList instances with type metadata.
func (e EventList) MarshalJSON() ([]byte, error) {
	type Alias EventList
	return json.Marshal(
		struct {
			meta.TypeMeta `json:",inline"`
			Alias         `json:",inline"`
		}{
			TypeMeta: meta.TypeMeta{
				APIVersion: meta.APIVersion,
				Kind:       "EventList",
			},
			Alias: (Alias)(e),
		},
	)
}

// EventsSink is an interface for components that durably fan Events out to
// the world beyond this process, e.g. a message broker feeding metrics or
// notification systems.
type EventsSink interface {
	// Send delivers the Event to the sink.
	Send(context.Context, Event) error
	// Close frees resources held by the sink.
	Close(context.Context) error
}

// EventsService is the specialized interface for appending to and consuming
// the Event stream. It's decoupled from underlying technology choices (e.g.
// data store, message bus, etc.) to keep business logic reusable and
// consistent while the underlying tech stack remains free to change.
type EventsService interface {
	// Publish appends the Event to the stream. The store assigns the
	// sequence number; the stored Event is then fanned out to in-process
	// subscribers and, when one is configured, to the durable sink. Sink
	// failures are logged and do not fail the operation: the appended stream
	// is canonical.
	Publish(context.Context, Event) (Event, error)
	// Subscribe registers an in-process consumer of newly published Events
	// and returns the channel it will receive on along with a function that
	// cancels the subscription. A subscriber that falls behind misses Events
	// rather than blocking publishers; consumers needing a complete record
	// should read the stream with List instead.
	Subscribe(buffer int) (<-chan Event, func())
	// List returns an EventList with its Items ascending by sequence number.
	// Criteria for which Events should be retrieved can be specified using
	// the EventsSelector parameter.
	List(context.Context, EventsSelector, meta.ListOptions) (EventList, error)
}

type eventsService struct {
	eventsStore EventsStore
	sink        EventsSink
	subsMu      sync.Mutex
	subs        map[int]chan Event
	nextSubID   int
}

// NewEventsService returns a specialized interface for appending to and
// consuming the Event stream. The sink may be nil, in which case Events fan
// out to in-process subscribers only.
func NewEventsService(eventsStore EventsStore, sink EventsSink) EventsService {
	return &eventsService{
		eventsStore: eventsStore,
		sink:        sink,
		subs:        map[int]chan Event{},
	}
}

func (e *eventsService) Publish(
	ctx context.Context,
	event Event,
) (Event, error) {
	now := time.Now()
	event.ID = uuid.NewV4().String()
	event.Created = &now

	event, err := e.eventsStore.Create(ctx, event)
	if err != nil {
		return event, errors.Wrapf(
			err,
			"error storing new event %q",
			event.ID,
		)
	}

	e.subsMu.Lock()
	for _, sub := range e.subs {
		select {
		case sub <- event:
		default:
		}
	}
	e.subsMu.Unlock()

	if e.sink != nil {
		if err := e.sink.Send(ctx, event); err != nil {
			log.Printf(
				"WARNING: error sending event %q to sink: %s",
				event.ID,
				err,
			)
		}
	}

	return event, nil
}

func (e *eventsService) Subscribe(buffer int) (<-chan Event, func()) {
	e.subsMu.Lock()
	defer e.subsMu.Unlock()
	id := e.nextSubID
	e.nextSubID++
	sub := make(chan Event, buffer)
	e.subs[id] = sub
	return sub, func() {
		e.subsMu.Lock()
		defer e.subsMu.Unlock()
		if _, ok := e.subs[id]; ok {
			delete(e.subs, id)
			close(sub)
		}
	}
}

func (e *eventsService) List(
	ctx context.Context,
	selector EventsSelector,
	opts meta.ListOptions,
) (EventList, error) {
	events, err := e.eventsStore.List(ctx, selector, opts)
	if err != nil {
		return events, errors.Wrap(err, "error retrieving events from store")
	}
	return events, nil
}

// EventsStore is an interface for components that implement Event
// persistence.
type EventsStore interface {
	// Create appends the provided Event to the stream, assigning it the next
	// sequence number. Sequence assignment and append are one atomic step:
	// two Events can never share a sequence number, and sequence numbers are
	// strictly increasing in append order.
	Create(context.Context, Event) (Event, error)
	// List returns stored Events matching the selector, ascending by
	// sequence number, honoring the provided list options.
	List(context.Context, EventsSelector, meta.ListOptions) (EventList, error)
}
