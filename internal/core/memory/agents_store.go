package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/conveyorcd/conveyor/internal/core"
	"github.com/conveyorcd/conveyor/internal/meta"
)

type agentsStore struct {
	mu     sync.Mutex
	agents map[string]core.Agent
}

// NewAgentsStore returns a memory-based implementation of the
// core.AgentsStore interface.
func NewAgentsStore() core.AgentsStore {
	return &agentsStore{
		agents: map[string]core.Agent{},
	}
}

func (a *agentsStore) Create(_ context.Context, agent core.Agent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.agents[agent.ID]; ok {
		return &meta.ErrConflict{
			Type: "Agent",
			ID:   agent.ID,
			Reason: fmt.Sprintf(
				"An agent with the id %q already exists.",
				agent.ID,
			),
		}
	}
	a.agents[agent.ID] = agent
	return nil
}

func (a *agentsStore) Get(_ context.Context, id string) (core.Agent, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	agent, ok := a.agents[id]
	if !ok {
		return agent, &meta.ErrNotFound{Type: "Agent", ID: id}
	}
	return agent, nil
}

func (a *agentsStore) Update(_ context.Context, agent core.Agent) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.agents[agent.ID]; !ok {
		return &meta.ErrNotFound{Type: "Agent", ID: agent.ID}
	}
	a.agents[agent.ID] = agent
	return nil
}

func (a *agentsStore) Heartbeat(
	_ context.Context,
	id string,
	at time.Time,
	load int,
) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	agent, ok := a.agents[id]
	if !ok {
		return &meta.ErrNotFound{Type: "Agent", ID: id}
	}
	agent.LastHeartbeat = &at
	agent.Load = load
	a.agents[id] = agent
	return nil
}

func (a *agentsStore) Disconnect(_ context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	agent, ok := a.agents[id]
	if !ok || agent.Phase != core.AgentPhaseConnected {
		return &meta.ErrNotFound{Type: "Agent", ID: id}
	}
	agent.Phase = core.AgentPhaseDisconnected
	agent.Load = 0
	a.agents[id] = agent
	return nil
}

func (a *agentsStore) SelectAndReserve(
	_ context.Context,
	requiredLabels map[string]string,
) (core.Agent, bool, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	var best core.Agent
	var found bool
	for _, agent := range a.agents {
		if agent.Phase != core.AgentPhaseConnected {
			continue
		}
		if agent.Load >= agent.Capacity {
			continue
		}
		if !core.LabelsSatisfy(agent.Labels, requiredLabels) {
			continue
		}
		if !found ||
			agent.Load < best.Load ||
			(agent.Load == best.Load && agent.ID < best.ID) {
			best = agent
			found = true
		}
	}
	if !found {
		return core.Agent{}, false, nil
	}
	best.Load++
	a.agents[best.ID] = best
	return best, true, nil
}

func (a *agentsStore) Release(_ context.Context, id string) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	agent, ok := a.agents[id]
	if !ok {
		return &meta.ErrNotFound{Type: "Agent", ID: id}
	}
	if agent.Load > 0 {
		agent.Load--
	}
	a.agents[id] = agent
	return nil
}

func (a *agentsStore) List(_ context.Context) (core.AgentList, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	agents := core.AgentList{
		Items: make([]core.Agent, 0, len(a.agents)),
	}
	for _, agent := range a.agents {
		agents.Items = append(agents.Items, agent)
	}
	sort.Slice(agents.Items, func(i, j int) bool {
		return agents.Items[i].ID < agents.Items[j].ID
	})
	return agents, nil
}
