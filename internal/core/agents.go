package core

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/conveyorcd/conveyor/internal/lib/clock"
	"github.com/conveyorcd/conveyor/internal/meta"
	"github.com/pkg/errors"
)

// AgentPhase represents where an Agent is within its lifecycle.
type AgentPhase string

const (
	// AgentPhaseConnected represents the state wherein an agent is
	// heartbeating and eligible to receive jobs.
	AgentPhaseConnected AgentPhase = "CONNECTED"
	// AgentPhaseDisconnected represents the state wherein an agent has
	// missed its heartbeat deadline and is presumed dead. Its jobs have been
	// requeued; it must register again to receive new ones.
	AgentPhaseDisconnected AgentPhase = "DISCONNECTED"
)

// AgentPhasesAll returns a slice of AgentPhases containing ALL possible
// phases. Note that instead of utilizing a package-level slice, this function
// returns ad-hoc copies of the slice in order to preclude the possibility of
// this important collection being modified at runtime.
func AgentPhasesAll() []AgentPhase {
	return []AgentPhase{
		AgentPhaseConnected,
		AgentPhaseDisconnected,
	}
}

// Agent is a remote worker process registered to execute jobs. Agents are
// keyed by a caller-chosen ID, advertise capability labels, and hold a
// bounded number of concurrent jobs.
type Agent struct {
	// ObjectMeta contains Agent metadata. The ID is chosen by the agent at
	// registration, e.g. a hostname.
	meta.ObjectMeta `json:"metadata" bson:",inline"`
	// Labels advertises the agent's capabilities, e.g. os, arch, or special
	// hardware. A job is eligible for this agent only if the agent's labels
	// are a superset of the job's.
	Labels map[string]string `json:"labels,omitempty" bson:"labels,omitempty"`
	// Capacity is the maximum number of jobs the agent holds concurrently.
	Capacity int `json:"capacity" bson:"capacity"`
	// Load is the number of jobs currently held. 0 <= Load <= Capacity.
	Load int `json:"load" bson:"load"`
	// Phase is where the Agent is within its lifecycle.
	Phase AgentPhase `json:"phase" bson:"phase"`
	// LastHeartbeat is the registry's record of the agent's most recent
	// heartbeat.
	LastHeartbeat *time.Time `json:"lastHeartbeat,omitempty" bson:"lastHeartbeat,omitempty"` // nolint: lll
}

// MarshalJSON amends Agent instances with type metadata.
func (a Agent) MarshalJSON() ([]byte, error) {
	type Alias Agent
	return json.Marshal(
		struct {
			meta.TypeMeta `json:",inline"`
			Alias         `json:",inline"`
		}{
			TypeMeta: meta.TypeMeta{
				APIVersion: meta.APIVersion,
				Kind:       "Agent",
			},
			Alias: (Alias)(a),
		},
	)
}

// AgentList is an ordered list of Agents.
type AgentList struct {
	// Items is a slice of Agents, ordered by ID.
	Items []Agent `json:"items,omitempty"`
}

// MarshalJSON amends AgentList instances with type metadata.
func (a AgentList) MarshalJSON() ([]byte, error) {
	type Alias AgentList
	return json.Marshal(
		struct {
			meta.TypeMeta `json:",inline"`
			Alias         `json:",inline"`
		}{
			TypeMeta: meta.TypeMeta{
				APIVersion: meta.APIVersion,
				Kind:       "AgentList",
			},
			Alias: (Alias)(a),
		},
	)
}

// LabelsSatisfy returns true when have contains every key of want with an
// equal value, i.e. have is a superset of want. An empty or nil want is
// satisfied by any agent.
func LabelsSatisfy(have, want map[string]string) bool {
	for k, v := range want {
		if have[k] != v {
			return false
		}
	}
	return true
}

// AgentsService is the specialized interface for managing the Agent
// registry. It's decoupled from underlying technology choices (e.g. data
// store, message bus, etc.) to keep business logic reusable and consistent
// while the underlying tech stack remains free to change.
type AgentsService interface {
	// Register adds an agent to the registry, or reactivates a disconnected
	// one under the same ID with fresh labels and capacity. Registering an
	// ID that is currently connected returns a *meta.ErrConflict.
	Register(
		ctx context.Context,
		id string,
		labels map[string]string,
		capacity int,
	) (Agent, error)
	// Heartbeat records that the specified agent is alive and reconciles
	// its load to the agent's own report, clamped to [0, Capacity]. A
	// heartbeat from a disconnected agent returns a *meta.ErrConflict: its
	// jobs were already requeued, so it must register again.
	Heartbeat(ctx context.Context, id string, load int) error
	// SweepDead flips every connected agent whose last heartbeat is older
	// than the timeout to DISCONNECTED, zeroing its load, and returns the
	// agents flipped by this call so the caller can requeue their jobs.
	// Each disconnection is reported by exactly one sweep.
	SweepDead(ctx context.Context, timeout time.Duration) ([]Agent, error)
	// Select picks the connected agent best suited to run a job requiring
	// the specified labels and reserves one unit of its load, atomically.
	// Among agents whose labels satisfy the requirement and whose load is
	// below capacity, the least loaded wins, with the lexically smallest ID
	// breaking ties. The boolean is false when no agent qualifies; exhausted
	// capacity is backpressure, not an error.
	Select(
		ctx context.Context,
		requiredLabels map[string]string,
	) (Agent, bool, error)
	// Get retrieves a single Agent specified by its identifier.
	Get(context.Context, string) (Agent, error)
	// List returns an AgentList, ordered by ID.
	List(context.Context) (AgentList, error)
}

type agentsService struct {
	agentsStore   AgentsStore
	eventsService EventsService
	clock         clock.Clock
}

// NewAgentsService returns a specialized interface for managing the Agent
// registry.
func NewAgentsService(
	agentsStore AgentsStore,
	eventsService EventsService,
	clck clock.Clock,
) AgentsService {
	return &agentsService{
		agentsStore:   agentsStore,
		eventsService: eventsService,
		clock:         clck,
	}
}

func (a *agentsService) Register(
	ctx context.Context,
	id string,
	labels map[string]string,
	capacity int,
) (Agent, error) {
	if id == "" {
		return Agent{}, &meta.ErrBadRequest{
			Reason: "The agent id must be non-empty.",
		}
	}
	if capacity < 1 {
		return Agent{}, &meta.ErrBadRequest{
			Reason: fmt.Sprintf(
				"The agent capacity must be at least 1; got %d.",
				capacity,
			),
		}
	}

	now := a.clock.Now()

	existing, err := a.agentsStore.Get(ctx, id)
	if err == nil {
		if existing.Phase == AgentPhaseConnected {
			return existing, &meta.ErrConflict{
				Type: "Agent",
				ID:   id,
				Reason: fmt.Sprintf(
					"Agent %q is already registered and connected.",
					id,
				),
			}
		}
		existing.Labels = copyStringMap(labels)
		existing.Capacity = capacity
		existing.Load = 0
		existing.Phase = AgentPhaseConnected
		existing.LastHeartbeat = &now
		if err = a.agentsStore.Update(ctx, existing); err != nil {
			return existing, errors.Wrapf(
				err,
				"error updating agent %q in store",
				id,
			)
		}
		if _, err = a.eventsService.Publish(ctx, Event{
			Kind:    EventKindAgentRegistered,
			AgentID: id,
		}); err != nil {
			return existing, errors.Wrapf(
				err,
				"error publishing event for agent %q",
				id,
			)
		}
		return existing, nil
	}
	if _, ok := errors.Cause(err).(*meta.ErrNotFound); !ok {
		return Agent{}, errors.Wrapf(
			err,
			"error retrieving agent %q from store",
			id,
		)
	}

	agent := Agent{
		Labels:        copyStringMap(labels),
		Capacity:      capacity,
		Load:          0,
		Phase:         AgentPhaseConnected,
		LastHeartbeat: &now,
	}
	agent.ID = id
	agent.Created = &now
	if err = a.agentsStore.Create(ctx, agent); err != nil {
		return agent, errors.Wrapf(err, "error storing new agent %q", id)
	}
	if _, err = a.eventsService.Publish(ctx, Event{
		Kind:    EventKindAgentRegistered,
		AgentID: id,
	}); err != nil {
		return agent, errors.Wrapf(
			err,
			"error publishing event for agent %q",
			id,
		)
	}
	return agent, nil
}

func (a *agentsService) Heartbeat(
	ctx context.Context,
	id string,
	load int,
) error {
	agent, err := a.agentsStore.Get(ctx, id)
	if err != nil {
		return errors.Wrapf(err, "error retrieving agent %q from store", id)
	}
	if agent.Phase == AgentPhaseDisconnected {
		return &meta.ErrConflict{
			Type: "Agent",
			ID:   id,
			Reason: fmt.Sprintf(
				"Agent %q is disconnected; it must register again before "+
					"sending heartbeats.",
				id,
			),
		}
	}
	if load < 0 {
		load = 0
	}
	if load > agent.Capacity {
		load = agent.Capacity
	}
	if err = a.agentsStore.Heartbeat(ctx, id, a.clock.Now(), load); err != nil {
		return errors.Wrapf(err, "error recording heartbeat for agent %q", id)
	}
	return nil
}

func (a *agentsService) SweepDead(
	ctx context.Context,
	timeout time.Duration,
) ([]Agent, error) {
	agents, err := a.agentsStore.List(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "error retrieving agents from store")
	}

	now := a.clock.Now()
	var swept []Agent
	for _, agent := range agents.Items {
		if agent.Phase != AgentPhaseConnected {
			continue
		}
		if agent.LastHeartbeat == nil ||
			now.Sub(*agent.LastHeartbeat) <= timeout {
			continue
		}
		if err = a.agentsStore.Disconnect(ctx, agent.ID); err != nil {
			// Another sweep got there first.
			if _, ok := errors.Cause(err).(*meta.ErrNotFound); ok {
				continue
			}
			return swept, errors.Wrapf(
				err,
				"error disconnecting agent %q",
				agent.ID,
			)
		}
		agent.Phase = AgentPhaseDisconnected
		agent.Load = 0
		swept = append(swept, agent)
		if _, err = a.eventsService.Publish(ctx, Event{
			Kind:    EventKindAgentDisconnected,
			AgentID: agent.ID,
			Reason:  "heartbeat deadline exceeded",
		}); err != nil {
			return swept, errors.Wrapf(
				err,
				"error publishing event for agent %q",
				agent.ID,
			)
		}
	}
	return swept, nil
}

func (a *agentsService) Select(
	ctx context.Context,
	requiredLabels map[string]string,
) (Agent, bool, error) {
	agent, ok, err := a.agentsStore.SelectAndReserve(ctx, requiredLabels)
	if err != nil {
		return agent, false, errors.Wrap(err, "error selecting agent")
	}
	return agent, ok, nil
}

func (a *agentsService) Get(ctx context.Context, id string) (Agent, error) {
	agent, err := a.agentsStore.Get(ctx, id)
	if err != nil {
		return agent, errors.Wrapf(
			err,
			"error retrieving agent %q from store",
			id,
		)
	}
	return agent, nil
}

func (a *agentsService) List(ctx context.Context) (AgentList, error) {
	agents, err := a.agentsStore.List(ctx)
	if err != nil {
		return agents, errors.Wrap(err, "error retrieving agents from store")
	}
	return agents, nil
}

// AgentsStore is an interface for components that implement Agent
// persistence. Load bookkeeping lives here so that reserving and releasing
// slots compose atomically with agent selection.
type AgentsStore interface {
	// Create stores the provided Agent. Implementations MUST return a
	// *meta.ErrConflict if an Agent having the same ID already exists.
	Create(context.Context, Agent) error
	// Get retrieves a single Agent specified by its identifier.
	// Implementations MUST return a *meta.ErrNotFound if no such Agent
	// exists.
	Get(context.Context, string) (Agent, error)
	// Update replaces the stored Agent having the same ID. Implementations
	// MUST return a *meta.ErrNotFound if no such Agent exists.
	Update(context.Context, Agent) error
	// Heartbeat stamps the specified Agent's LastHeartbeat and sets its
	// Load to the agent's own report. Implementations MUST return a
	// *meta.ErrNotFound if no such Agent exists.
	Heartbeat(ctx context.Context, id string, at time.Time, load int) error
	// Disconnect moves a CONNECTED Agent to DISCONNECTED and zeroes its
	// load. Implementations MUST return a *meta.ErrNotFound if no CONNECTED
	// Agent with the ID exists, so concurrent sweeps disconnect an agent
	// exactly once.
	Disconnect(ctx context.Context, id string) error
	// SelectAndReserve picks the CONNECTED Agent with Load below Capacity
	// whose Labels satisfy the requirement, preferring the least loaded and
	// then the lexically smallest ID, and increments its Load. Selection
	// and reservation MUST be one atomic step: two concurrent callers can
	// never land on the same last slot. The boolean is false when no Agent
	// qualifies.
	SelectAndReserve(
		ctx context.Context,
		requiredLabels map[string]string,
	) (Agent, bool, error)
	// Release frees one unit of the specified Agent's Load, never dropping
	// below zero. Implementations MUST return a *meta.ErrNotFound if no
	// such Agent exists.
	Release(ctx context.Context, id string) error
	// List returns all Agents, ordered by ID.
	List(context.Context) (AgentList, error)
}
