package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/conveyorcd/conveyor/internal/core"
	"github.com/conveyorcd/conveyor/internal/meta"
)

type pipelinesStore struct {
	mu        sync.RWMutex
	pipelines map[string]core.Pipeline
}

// NewPipelinesStore returns a memory-based implementation of the
// core.PipelinesStore interface.
func NewPipelinesStore() core.PipelinesStore {
	return &pipelinesStore{
		pipelines: map[string]core.Pipeline{},
	}
}

func (p *pipelinesStore) Create(
	_ context.Context,
	pipeline core.Pipeline,
) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pipelines[pipeline.ID]; ok {
		return &meta.ErrConflict{
			Type: "Pipeline",
			ID:   pipeline.ID,
			Reason: fmt.Sprintf(
				"A pipeline with the id %q already exists.",
				pipeline.ID,
			),
		}
	}
	p.pipelines[pipeline.ID] = pipeline
	return nil
}

func (p *pipelinesStore) Get(
	_ context.Context,
	id string,
) (core.Pipeline, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pipeline, ok := p.pipelines[id]
	if !ok {
		return pipeline, &meta.ErrNotFound{Type: "Pipeline", ID: id}
	}
	return pipeline, nil
}

func (p *pipelinesStore) Update(
	_ context.Context,
	pipeline core.Pipeline,
) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.pipelines[pipeline.ID]; !ok {
		return &meta.ErrNotFound{Type: "Pipeline", ID: pipeline.ID}
	}
	p.pipelines[pipeline.ID] = pipeline
	return nil
}

func (p *pipelinesStore) List(
	_ context.Context,
) (core.PipelineList, error) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	pipelines := core.PipelineList{
		Items: make([]core.Pipeline, 0, len(p.pipelines)),
	}
	for _, pipeline := range p.pipelines {
		pipelines.Items = append(pipelines.Items, pipeline)
	}
	sort.Slice(pipelines.Items, func(i, j int) bool {
		return pipelines.Items[i].ID < pipelines.Items[j].ID
	})
	return pipelines, nil
}
